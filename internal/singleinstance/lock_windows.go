//go:build windows

package singleinstance

import (
	"errors"
	"fmt"
	"strings"

	"golang.org/x/sys/windows"
)

// ErrAlreadyRunning is returned by TryLock when another process holds the lock.
var ErrAlreadyRunning = errors.New("another instance is already running")

// Lock holds a Windows named mutex derived from the lock path. The kernel
// automatically releases the mutex when the owning process terminates.
type Lock struct {
	handle windows.Handle
}

// TryLock acquires a system-wide named mutex derived from path. Returns
// ErrAlreadyRunning if another process already holds it.
func TryLock(path string) (*Lock, error) {
	if path == "" {
		return nil, errors.New("lock path is required")
	}
	name := mutexName(path)
	nameUTF16, err := windows.UTF16PtrFromString(name)
	if err != nil {
		return nil, fmt.Errorf("invalid mutex name %q: %w", name, err)
	}
	h, err := windows.CreateMutex(nil, true, nameUTF16)
	if err == windows.ERROR_ALREADY_EXISTS {
		// Another instance owns the mutex. Close the duplicate handle.
		if h != 0 {
			windows.CloseHandle(h)
		}
		return nil, ErrAlreadyRunning
	}
	if err != nil {
		if h != 0 {
			windows.CloseHandle(h)
		}
		return nil, fmt.Errorf("CreateMutex %q: %w", name, err)
	}
	return &Lock{handle: h}, nil
}

// Release closes the mutex handle. Safe to call on a nil receiver and idempotent.
func (l *Lock) Release() error {
	if l == nil || l.handle == 0 {
		return nil
	}
	err := windows.CloseHandle(l.handle)
	l.handle = 0
	return err
}

// mutexName maps a lock file path onto a legal global mutex identifier.
// Mutex names cannot contain backslashes past the Global\ session prefix.
func mutexName(path string) string {
	var b strings.Builder
	for _, r := range path {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '.', r == '-':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	return `Global\mark46-` + b.String()
}
