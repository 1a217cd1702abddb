// Package instancelock guarantees a single plume-desktop host process per
// state directory. Two hosts sharing a credential file and history database
// would race each other's whole-record writes.
package instancelock

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ErrHeld indicates another host process owns the state directory.
var ErrHeld = errors.New("instancelock: already held")

type Lock struct {
	path string
	f    *os.File
}

// Acquire takes a non-blocking exclusive lock on <stateDir>/host.lock.
func Acquire(stateDir string) (*Lock, error) {
	stateDir = strings.TrimSpace(stateDir)
	if stateDir == "" {
		return nil, errors.New("instancelock: missing state dir")
	}
	if err := os.MkdirAll(stateDir, 0o700); err != nil {
		return nil, err
	}

	path := filepath.Join(stateDir, "host.lock")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return nil, err
	}
	if err := lockExclusive(f); err != nil {
		_ = f.Close()
		return nil, err
	}

	// Record the owner pid for troubleshooting; the lock itself is what
	// matters.
	_ = f.Truncate(0)
	_, _ = f.Seek(0, 0)
	_, _ = fmt.Fprintf(f, "%d\n", os.Getpid())
	_ = f.Sync()

	return &Lock{path: path, f: f}, nil
}

func (l *Lock) Path() string {
	if l == nil {
		return ""
	}
	return l.path
}

// Release unlocks and closes. Releasing twice is a no-op.
func (l *Lock) Release() error {
	if l == nil || l.f == nil {
		return nil
	}
	unlockErr := unlock(l.f)
	closeErr := l.f.Close()
	l.f = nil
	if unlockErr != nil {
		return unlockErr
	}
	return closeErr
}
