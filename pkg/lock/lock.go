//go:build unix

// Package lock provides named, file-backed mutual exclusion for operations
// that mutate the router or the health markers. Locks are advisory flock(2)
// locks, so they exclude other goroutines and other processes on the same
// host alike.
package lock

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"syscall"
	"time"

	"github.com/flowagent-network/flowagent/pkg/util"
)

const (
	DefaultRetries = 3
	DefaultBackoff = 100 * time.Millisecond
)

// Locker hands out named locks under one directory.
type Locker struct {
	Dir     string
	Retries int
	Backoff time.Duration
}

// NewLocker creates a locker rooted at dir. An empty dir means os.TempDir().
func NewLocker(dir string) *Locker {
	if dir == "" {
		dir = os.TempDir()
	}
	return &Locker{Dir: dir, Retries: DefaultRetries, Backoff: DefaultBackoff}
}

// Path returns the lock file used for name.
func (l *Locker) Path(name string) string {
	return filepath.Join(l.Dir, "flowagent-"+util.SanitizeName(name)+".lock")
}

// Handle is a held lock.
type Handle struct {
	name string
	file *os.File
}

// Acquire takes the named lock, retrying up to Retries times with Backoff
// between attempts. It fails with util.ErrLockBusy when every attempt finds
// the lock held.
func (l *Locker) Acquire(ctx context.Context, name string) (*Handle, error) {
	if err := os.MkdirAll(l.Dir, 0755); err != nil {
		return nil, fmt.Errorf("creating lock directory: %w", err)
	}
	path := l.Path(name)

	attempts := l.Retries
	if attempts <= 0 {
		attempts = 1
	}
	for attempt := 1; ; attempt++ {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0644)
		if err != nil {
			return nil, fmt.Errorf("opening lock %s: %w", path, err)
		}
		err = syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB)
		if err == nil {
			return &Handle{name: name, file: f}, nil
		}
		f.Close()
		if !errors.Is(err, syscall.EWOULDBLOCK) {
			return nil, fmt.Errorf("locking %s: %w", path, err)
		}
		if attempt >= attempts {
			return nil, fmt.Errorf("%w: %s after %d attempts", util.ErrLockBusy, name, attempts)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(l.Backoff):
		}
	}
}

// Release drops the lock. Safe to call on a nil handle and more than once.
func (h *Handle) Release() error {
	if h == nil || h.file == nil {
		return nil
	}
	f := h.file
	h.file = nil
	syscall.Flock(int(f.Fd()), syscall.LOCK_UN)
	return f.Close()
}

// With runs fn while holding the named lock and releases it on every exit
// path, including a panic in fn.
func (l *Locker) With(ctx context.Context, name string, fn func() error) error {
	h, err := l.Acquire(ctx, name)
	if err != nil {
		return err
	}
	defer h.Release()
	return fn()
}
