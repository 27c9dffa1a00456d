//go:build unix

package persistence

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// fileLock is an advisory exclusive lock on a file, held via flock(2).
// The lock is taken per disk operation, so several stores (or processes)
// pointed at the same directory serialize instead of interleaving writes.
type fileLock struct {
	f *os.File
}

func openFileLock(path string) (*fileLock, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return nil, fmt.Errorf("failed to open lock file: %w", err)
	}
	return &fileLock{f: f}, nil
}

// Lock blocks until the exclusive lock is acquired.
func (l *fileLock) Lock() error {
	for {
		err := unix.Flock(int(l.f.Fd()), unix.LOCK_EX)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return fmt.Errorf("failed to lock %s: %w", l.f.Name(), err)
		}
		return nil
	}
}

func (l *fileLock) Unlock() error {
	return unix.Flock(int(l.f.Fd()), unix.LOCK_UN)
}

func (l *fileLock) Close() error {
	return l.f.Close()
}
