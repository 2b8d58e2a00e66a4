package main

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"mark46"
	"mark46/internal/config"
	"mark46/internal/testutil"
)

func TestTokenAuthenticator(t *testing.T) {
	auth := tokenAuthenticator("s3cret")

	tests := []struct {
		name        string
		credentials any
		want        bool
	}{
		{"bare token", "s3cret", true},
		{"bare mismatch", "guess", false},
		{"object token", map[string]any{"token": "s3cret"}, true},
		{"object mismatch", map[string]any{"token": "guess"}, false},
		{"object missing field", map[string]any{"user": "kay"}, false},
		{"object non-string token", map[string]any{"token": 42}, false},
		{"unexpected type", 7, false},
		{"nil", nil, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := auth(nil, tt.credentials)
			if got != tt.want {
				t.Errorf("authenticate(%v) = %v, want %v", tt.credentials, got, tt.want)
			}
		})
	}
}

func TestWatchConfigAppliesLimits(t *testing.T) {
	logs := testutil.CaptureLogBuffer(t, slog.LevelDebug)

	path := filepath.Join(t.TempDir(), "config.yaml")
	cfg := config.DefaultConfig()
	cfg.Host = "127.0.0.1"
	_, err := config.Save(path, cfg)
	require.NoError(t, err)

	s := mark46.New(mark46.Options{Host: "127.0.0.1"})
	require.NoError(t, s.Start())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.Shutdown(ctx)
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		watchConfig(ctx, path, s)
		close(done)
	}()

	// The save below must land after the watch is armed.
	require.Eventually(t, func() bool {
		return strings.Contains(logs.String(), "watching config")
	}, 2*time.Second, 10*time.Millisecond, "watcher never armed")

	cfg.MaxPayload = 16
	_, err = config.Save(path, cfg)
	require.NoError(t, err)

	big := bytes.Repeat([]byte("x"), 64)
	require.Eventually(t, func() bool {
		_, err := s.Broadcast(1, big)
		return errors.Is(err, mark46.ErrMaxPayload)
	}, 3*time.Second, 20*time.Millisecond, "reloaded payload cap never took effect")

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("watcher did not stop on context cancel")
	}
}

func TestWatchConfigIgnoresUnrelatedFiles(t *testing.T) {
	logs := testutil.CaptureLogBuffer(t, slog.LevelDebug)

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	cfg := config.DefaultConfig()
	_, err := config.Save(path, cfg)
	require.NoError(t, err)

	s := mark46.New(mark46.Options{Host: "127.0.0.1"})
	require.NoError(t, s.Start())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.Shutdown(ctx)
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		watchConfig(ctx, path, s)
		close(done)
	}()
	require.Eventually(t, func() bool {
		return strings.Contains(logs.String(), "watching config")
	}, 2*time.Second, 10*time.Millisecond, "watcher never armed")

	// A sibling file changing must not trigger a reload.
	other := config.DefaultConfig()
	other.MaxPayload = 16
	_, err = config.Save(filepath.Join(dir, "other.yaml"), other)
	require.NoError(t, err)

	time.Sleep(2 * reloadSettle)
	_, err = s.Broadcast(1, bytes.Repeat([]byte("x"), 64))
	require.NoError(t, err, "limits must stay untouched")

	cancel()
	<-done
}
