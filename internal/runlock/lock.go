// Package runlock serializes pipeline runs that share a state directory.
package runlock

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"
)

// ErrLocked is returned when another process holds the lock.
var ErrLocked = errors.New("another cellqc run holds the state directory lock")

// Lock is a held advisory file lock.
type Lock struct {
	path string
	lock *flock.Flock
}

// Acquire takes the lock at path without waiting.
func Acquire(path string) (*Lock, error) {
	l, err := newLock(path)
	if err != nil {
		return nil, err
	}
	ok, err := l.lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("acquire lock: %w", err)
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrLocked, path)
	}
	return l, nil
}

// Wait retries until the lock at path is free or ctx ends.
func Wait(ctx context.Context, path string, retryDelay time.Duration) (*Lock, error) {
	l, err := newLock(path)
	if err != nil {
		return nil, err
	}
	if retryDelay <= 0 {
		retryDelay = 250 * time.Millisecond
	}
	ok, err := l.lock.TryLockContext(ctx, retryDelay)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, fmt.Errorf("%w: %s: %w", ErrLocked, path, ctxErr)
		}
		return nil, fmt.Errorf("acquire lock: %w", err)
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrLocked, path)
	}
	return l, nil
}

func newLock(path string) (*Lock, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create lock directory: %w", err)
	}
	return &Lock{path: path, lock: flock.New(path)}, nil
}

// Path returns the lock file location.
func (l *Lock) Path() string { return l.path }

// Release unlocks. Releasing a nil or already released lock is a no-op.
func (l *Lock) Release() error {
	if l == nil || l.lock == nil || !l.lock.Locked() {
		return nil
	}
	if err := l.lock.Unlock(); err != nil {
		return fmt.Errorf("release lock: %w", err)
	}
	return nil
}
