//go:build !unix

package persistence

import (
	"fmt"
	"os"
	"sync"
)

// fileLock falls back to an in-process mutex where flock(2) is unavailable.
// The lock file is still created so the directory layout is identical.
type fileLock struct {
	mu sync.Mutex
	f  *os.File
}

func openFileLock(path string) (*fileLock, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return nil, fmt.Errorf("failed to open lock file: %w", err)
	}
	return &fileLock{f: f}, nil
}

func (l *fileLock) Lock() error {
	l.mu.Lock()
	return nil
}

func (l *fileLock) Unlock() error {
	l.mu.Unlock()
	return nil
}

func (l *fileLock) Close() error {
	return l.f.Close()
}
