package storage

import (
	"context"
	"fmt"
	"os"
	"time"

	"golang.org/x/sys/unix"

	"github.com/maxpert/fmq/internal/poll"
)

// lockRetryInterval is how often a contended writer lock is retried.
const lockRetryInterval = time.Millisecond

// writerLock serialises writers across processes with an advisory flock on
// <path>.fmq_lock. Each handle opens its own descriptor so handles inside one
// process exclude each other too.
type writerLock struct {
	path string
	file *os.File
}

func newWriterLock(queuePath string) *writerLock {
	return &writerLock{path: queuePath + LockSuffix}
}

// Lock acquires the lock, retrying until ctx is done or timeout elapses
// (zero waits forever).
func (l *writerLock) Lock(ctx context.Context, timeout time.Duration) error {
	if l.file != nil {
		return fmt.Errorf("writer lock %s already held", l.path)
	}

	file, err := os.OpenFile(l.path, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return fmt.Errorf("failed to open lock file: %w", err)
	}

	err = poll.Until(ctx, lockRetryInterval, timeout, nil, l.path, func(context.Context) (bool, error) {
		err := unix.Flock(int(file.Fd()), unix.LOCK_EX|unix.LOCK_NB)
		if err == nil {
			return true, nil
		}
		if err == unix.EWOULDBLOCK || err == unix.EINTR {
			return false, nil
		}
		return false, err
	})
	if err != nil {
		file.Close()
		return fmt.Errorf("failed to lock %s: %w", l.path, err)
	}

	l.file = file
	return nil
}

// Unlock releases the lock. It is a no-op when the lock is not held.
func (l *writerLock) Unlock() error {
	if l.file == nil {
		return nil
	}

	err := unix.Flock(int(l.file.Fd()), unix.LOCK_UN)
	closeErr := l.file.Close()
	l.file = nil

	if err != nil {
		return err
	}
	return closeErr
}

// Held reports whether this handle currently owns the lock.
func (l *writerLock) Held() bool {
	return l.file != nil
}
