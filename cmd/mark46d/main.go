// Command mark46d runs the signaling server as a standalone daemon: yaml
// configuration, optional token authentication, a persistent ban list, and
// hot reload of the runtime limits while connections stay up.
package main

import (
	"context"
	"crypto/tls"
	"errors"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	"golang.org/x/sync/errgroup"

	"mark46"
	"mark46/banstore"
	"mark46/internal/config"
	"mark46/internal/singleinstance"
)

// reloadSettle coalesces the burst of filesystem events an editor or an
// atomic save produces for one logical change.
const reloadSettle = 200 * time.Millisecond

func main() {
	os.Exit(run())
}

func run() int {
	var (
		configPath string
		logLevel   string
	)
	flag.StringVar(&configPath, "config", "", "path to the yaml config file (defaults to the per-user config dir)")
	flag.StringVar(&logLevel, "log-level", "", "override the configured log level (debug, info, warn, error)")
	flag.Parse()

	if configPath == "" {
		configPath = config.DefaultPath()
	}
	if _, err := config.EnsureFile(configPath); err != nil {
		slog.Error("[mark46d] config bootstrap failed", "path", configPath, "error", err)
		return 1
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		slog.Warn("[mark46d] config unreadable, running on defaults", "path", configPath, "error", err)
	}

	level := cfg.LogLevel
	if logLevel != "" {
		level = logLevel
	}
	lvl, lvlErr := config.ParseLogLevel(level)
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})))
	if lvlErr != nil {
		slog.Warn("[mark46d] unusable log level, using info", "level", level)
	}

	// One daemon per config file. The lock sits next to the config so
	// instances serving different configs can coexist.
	lock, err := singleinstance.TryLock(configPath + ".lock")
	if errors.Is(err, singleinstance.ErrAlreadyRunning) {
		slog.Error("[mark46d] another instance is already serving this config", "config", configPath)
		return 1
	}
	if err != nil {
		slog.Warn("[mark46d] instance lock unavailable, proceeding without it", "error", err)
	}
	defer func() {
		if err := lock.Release(); err != nil {
			slog.Warn("[mark46d] instance lock release failed", "error", err)
		}
	}()

	slog.Info("[mark46d] starting", "config", configPath, "pid", os.Getpid())

	opts := mark46.Options{
		Host:          cfg.Host,
		Port:          cfg.Port,
		MaxPayload:    cfg.MaxPayload,
		MaxClients:    cfg.MaxClients,
		MaxSockets:    cfg.MaxSockets,
		ProxyProtocol: cfg.ProxyProtocol,
	}
	if cfg.TLS.Enabled {
		cert, err := tls.LoadX509KeyPair(cfg.TLS.CertFile, cfg.TLS.KeyFile)
		if err != nil {
			slog.Error("[mark46d] tls key material unusable", "error", err)
			return 1
		}
		opts.TLS = true
		opts.TLSConfig = &tls.Config{Certificates: []tls.Certificate{cert}}
	}
	if cfg.BanDB != "" {
		store, err := banstore.OpenSQLite(cfg.BanDB)
		if err != nil {
			slog.Error("[mark46d] ban database unusable", "path", cfg.BanDB, "error", err)
			return 1
		}
		defer store.Close()
		opts.Bans = store
		slog.Info("[mark46d] ban database open", "path", cfg.BanDB)
	}

	s := mark46.New(opts)
	if cfg.AuthToken != "" {
		s.OnAuthentication(tokenAuthenticator(cfg.AuthToken))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.ListenAndServe(ctx) })
	g.Go(func() error {
		watchConfig(ctx, configPath, s)
		return nil
	})

	if err := g.Wait(); err != nil {
		slog.Error("[mark46d] terminated", "error", err)
		return 1
	}
	slog.Info("[mark46d] stopped")
	return 0
}

// tokenAuthenticator accepts credentials carrying the configured token,
// either as the bare string or as the "token" field of an object.
func tokenAuthenticator(token string) mark46.AuthenticationHandler {
	return func(p *mark46.Peer, credentials any) bool {
		switch v := credentials.(type) {
		case string:
			return v == token
		case map[string]any:
			got, _ := v["token"].(string)
			return got == token
		default:
			return false
		}
	}
}

// watchConfig re-applies max_payload and max_clients when the config file
// changes. Hot reload is best effort: watch setup failures and unreadable
// rewrites leave the running limits untouched. Saves replace the file by
// rename, so the watch covers the parent directory, filtered by name.
func watchConfig(ctx context.Context, path string, s *mark46.Server) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		slog.Warn("[watch] config watching unavailable", "error", err)
		return
	}
	defer w.Close()
	if err := w.Add(filepath.Dir(path)); err != nil {
		slog.Warn("[watch] config watching unavailable", "path", path, "error", err)
		return
	}
	slog.Info("[watch] watching config", "path", path)

	var settle <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-w.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != filepath.Clean(path) {
				continue
			}
			if ev.Op.Has(fsnotify.Write) || ev.Op.Has(fsnotify.Create) || ev.Op.Has(fsnotify.Rename) {
				settle = time.After(reloadSettle)
			}
		case err, ok := <-w.Errors:
			if !ok {
				return
			}
			slog.Warn("[watch] watcher error", "error", err)
		case <-settle:
			settle = nil
			cfg, err := config.Load(path)
			if err != nil {
				slog.Warn("[watch] reload failed, limits unchanged", "path", path, "error", err)
				continue
			}
			s.SetLimits(cfg.MaxPayload, cfg.MaxClients)
		}
	}
}
