//go:build !windows

package registry

import (
	"fmt"
	"os"
	"time"

	"golang.org/x/sys/unix"
)

// fileLock is a short-lived advisory lock guarding cross-workspace
// registry writes.
type fileLock struct {
	path string
	file *os.File
}

func newFileLock(path string) *fileLock {
	return &fileLock{path: path}
}

// Acquire takes an exclusive flock, retrying until the timeout elapses.
func (l *fileLock) Acquire(timeout time.Duration) error {
	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open lock file: %w", err)
	}

	deadline := time.Now().Add(timeout)
	for {
		err = unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB)
		if err == nil {
			l.file = f
			return nil
		}
		if err != unix.EWOULDBLOCK {
			f.Close()
			return fmt.Errorf("flock failed: %w", err)
		}
		if time.Now().After(deadline) {
			f.Close()
			return fmt.Errorf("timed out waiting for registry lock at %s", l.path)
		}
		time.Sleep(50 * time.Millisecond)
	}
}

// Release drops the lock.
func (l *fileLock) Release() {
	if l.file == nil {
		return
	}
	unix.Flock(int(l.file.Fd()), unix.LOCK_UN)
	l.file.Close()
	l.file = nil
}
