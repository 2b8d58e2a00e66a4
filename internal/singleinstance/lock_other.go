//go:build !windows

package singleinstance

import (
	"errors"
	"fmt"
	"os"
	"strconv"

	"golang.org/x/sys/unix"
)

// ErrAlreadyRunning is returned by TryLock when another process holds the lock.
var ErrAlreadyRunning = errors.New("another instance is already running")

// Lock holds an exclusive flock on a lock file. The kernel drops the lock
// when the owning process terminates, so a crashed daemon never leaves a
// stale guard behind.
type Lock struct {
	f    *os.File
	path string
}

// TryLock acquires an exclusive non-blocking lock on the file at path,
// creating it if needed. Returns ErrAlreadyRunning when another process owns
// the lock. The owning pid is written into the file for operators.
func TryLock(path string) (*Lock, error) {
	if path == "" {
		return nil, errors.New("lock path is required")
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open lock file %q: %w", path, err)
	}
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		f.Close()
		if errors.Is(err, unix.EWOULDBLOCK) {
			return nil, ErrAlreadyRunning
		}
		return nil, fmt.Errorf("flock %q: %w", path, err)
	}
	// The flock is the guard, the pid is a courtesy. Best effort.
	f.Truncate(0)
	f.WriteString(strconv.Itoa(os.Getpid()) + "\n")
	return &Lock{f: f, path: path}, nil
}

// Release drops the lock and removes the lock file. Safe to call on a nil
// receiver and idempotent.
func (l *Lock) Release() error {
	if l == nil || l.f == nil {
		return nil
	}
	err := unix.Flock(int(l.f.Fd()), unix.LOCK_UN)
	if closeErr := l.f.Close(); err == nil {
		err = closeErr
	}
	os.Remove(l.path)
	l.f = nil
	return err
}
