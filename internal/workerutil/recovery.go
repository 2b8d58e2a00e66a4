// Package workerutil runs background workers that survive panics, with
// exponential restart backoff.
package workerutil

import (
	"context"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"
)

const (
	defaultInitialBackoff = 100 * time.Millisecond
	defaultMaxBackoff     = 5 * time.Second
	defaultMaxRetries     = 10
)

// RecoveryOptions tunes RunWithPanicRecovery. Zero-valued fields use the
// package defaults; callbacks may be nil. MaxRetries 1 means run once and
// never restart.
type RecoveryOptions struct {
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	MaxRetries     int

	// Logger receives panic and restart records. nil means slog.Default().
	Logger *slog.Logger

	// OnFatal is called once when the worker exhausts its restarts.
	OnFatal func(worker string, maxRetries int)

	// IsShutdown reports that the owner is tearing down; a panicking
	// worker is then not restarted.
	IsShutdown func() bool
}

func (opts RecoveryOptions) applyDefaults() RecoveryOptions {
	if opts.InitialBackoff <= 0 {
		opts.InitialBackoff = defaultInitialBackoff
	}
	if opts.MaxBackoff <= 0 {
		opts.MaxBackoff = defaultMaxBackoff
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = defaultMaxRetries
	}
	if opts.MaxBackoff < opts.InitialBackoff {
		opts.MaxBackoff = opts.InitialBackoff
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return opts
}

// RunWithPanicRecovery launches fn as a goroutine tracked by wg. A panic
// is logged with its stack and fn is restarted after a backoff that
// doubles up to MaxBackoff. fn ends the worker by returning normally; a
// cancelled ctx suppresses further restarts.
func RunWithPanicRecovery(
	ctx context.Context,
	name string,
	wg *sync.WaitGroup,
	fn func(ctx context.Context),
	opts RecoveryOptions,
) {
	opts = opts.applyDefaults()
	wg.Add(1)
	go func() {
		defer wg.Done()
		runRecoveryLoop(ctx, name, fn, opts)
	}()
}

func runRecoveryLoop(ctx context.Context, name string, fn func(ctx context.Context), opts RecoveryOptions) {
	delay := opts.InitialBackoff

	for attempt := 1; attempt <= opts.MaxRetries; attempt++ {
		panicked := false
		func() {
			defer func() {
				if r := recover(); r != nil {
					opts.Logger.Error("[worker] recovered from panic",
						"worker", name, "panic", r, "stack", string(debug.Stack()))
					panicked = true
				}
			}()
			fn(ctx)
		}()

		if !panicked || ctx.Err() != nil {
			return
		}
		if opts.IsShutdown != nil && opts.IsShutdown() {
			opts.Logger.Info("[worker] shutdown in progress, not restarting", "worker", name)
			return
		}
		if attempt == opts.MaxRetries {
			break
		}

		opts.Logger.Warn("[worker] restarting after panic",
			"worker", name, "attempt", attempt, "delay", delay)

		restartTimer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			restartTimer.Stop()
			return
		case <-restartTimer.C:
		}
		delay = nextBackoff(delay, opts.MaxBackoff)
	}

	opts.Logger.Error("[worker] exceeded max restarts, giving up",
		"worker", name, "maxRetries", opts.MaxRetries)
	if opts.OnFatal != nil {
		opts.OnFatal(name, opts.MaxRetries)
	}
}

// nextBackoff doubles cur, capping at maxBackoff and guarding overflow.
// Non-positive cur restarts the sequence at the default.
func nextBackoff(cur, maxBackoff time.Duration) time.Duration {
	if cur <= 0 {
		return defaultInitialBackoff
	}
	next := cur * 2
	if next > maxBackoff || next < cur {
		return maxBackoff
	}
	return next
}
