// Package lock guards the data directory against concurrent service
// instances with a PID file and flock(2).
package lock

import (
	"fmt"
	"os"
	"path/filepath"
	"syscall"
)

const lockFileName = "crucible.lock"

// DataDirLock is a single-instance lock on the data directory. The lock
// lives as long as the file descriptor stays open.
type DataDirLock struct {
	path string
	f    *os.File
}

// AcquireDataDir takes an exclusive non-blocking lock on dataDir and records
// the holder's PID. Two crucible services must never share session state.
func AcquireDataDir(dataDir string) (*DataDirLock, error) {
	if dataDir == "" {
		return nil, fmt.Errorf("data directory is empty")
	}
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data directory: %w", err)
	}
	path := filepath.Join(dataDir, lockFileName)

	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open lock file: %w", err)
	}
	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("data directory %q is held by another instance: %w", dataDir, err)
	}
	if err := writePID(f); err != nil {
		_ = syscall.Flock(int(f.Fd()), syscall.LOCK_UN)
		_ = f.Close()
		return nil, err
	}
	return &DataDirLock{path: path, f: f}, nil
}

func writePID(f *os.File) error {
	if err := f.Truncate(0); err != nil {
		return fmt.Errorf("truncate lock file: %w", err)
	}
	if _, err := f.Seek(0, 0); err != nil {
		return fmt.Errorf("seek lock file: %w", err)
	}
	if _, err := fmt.Fprintf(f, "%d\n", os.Getpid()); err != nil {
		return fmt.Errorf("write pid: %w", err)
	}
	if err := f.Sync(); err != nil {
		return fmt.Errorf("sync lock file: %w", err)
	}
	return nil
}

func (l *DataDirLock) Path() string { return l.path }

// Release drops the lock and closes the file. Safe to call more than once.
func (l *DataDirLock) Release() error {
	if l == nil || l.f == nil {
		return nil
	}
	_ = syscall.Flock(int(l.f.Fd()), syscall.LOCK_UN)
	err := l.f.Close()
	l.f = nil
	return err
}
