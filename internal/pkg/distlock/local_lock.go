package distlock

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"golang.org/x/sys/unix"
)

// processLocks serialises goroutines of this process per key before the
// flock is attempted, so one process never contends with itself on the file.
var processLocks sync.Map // key -> *sync.Mutex

// LocalLock combines an in-process mutex with a non-blocking flock(2) on a
// lock file. Other processes on the host that flock the same file cooperate
// with it; processes that ignore the file are not excluded.
type LocalLock struct {
	path string
	mu   *sync.Mutex
	file *os.File
}

// NewLocalLock creates a lock backed by <dir>/<key>.lock.
func NewLocalLock(dir, key string) *LocalLock {
	m, _ := processLocks.LoadOrStore(key, &sync.Mutex{})
	return &LocalLock{
		path: filepath.Join(dir, lockFileName(key)),
		mu:   m.(*sync.Mutex),
	}
}

func lockFileName(key string) string {
	r := strings.NewReplacer("/", "_", ":", "_", " ", "_")
	return r.Replace(key) + ".lock"
}

// Acquire tries the process mutex and then the file lock without blocking.
func (l *LocalLock) Acquire(ctx context.Context) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if !l.mu.TryLock() {
		return false, nil
	}

	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		l.mu.Unlock()
		return false, fmt.Errorf("open lock file %s: %w", l.path, err)
	}
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		f.Close()
		l.mu.Unlock()
		if err == unix.EWOULDBLOCK {
			return false, nil
		}
		return false, fmt.Errorf("flock %s: %w", l.path, err)
	}
	l.file = f
	return true, nil
}

// Release drops the file lock and the process mutex.
func (l *LocalLock) Release(_ context.Context) error {
	if l.file == nil {
		return nil
	}
	err := unix.Flock(int(l.file.Fd()), unix.LOCK_UN)
	closeErr := l.file.Close()
	l.file = nil
	l.mu.Unlock()
	if err != nil {
		return fmt.Errorf("unlock %s: %w", l.path, err)
	}
	return closeErr
}
