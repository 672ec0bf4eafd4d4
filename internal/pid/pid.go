// Package pid keeps a single logger instance per log directory.
package pid

import (
	"os"
	"path/filepath"
	"strconv"

	"codeberg.org/mutker/venuslog/internal/errors"
	"github.com/gofrs/flock"
)

const pidFile = "venuslog.pid"

type Lock struct {
	path string
	lock *flock.Flock
}

// Acquire locks the PID file in dir and writes the current process ID to it.
// It fails with ErrAlreadyRunning while another process holds the lock.
func Acquire(dir string) (*Lock, error) {
	errFactory := errors.New()
	path := filepath.Join(dir, pidFile)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errFactory.Wrap(errors.ErrInternal, err)
	}

	lock := flock.New(path)
	ok, err := lock.TryLock()
	if err != nil {
		_ = lock.Close()
		return nil, errFactory.Wrap(errors.ErrInternal, err)
	}
	if !ok {
		_ = lock.Close()
		return nil, errFactory.WithData(errors.ErrAlreadyRunning, readPID(path))
	}

	if err := os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0o600); err != nil {
		_ = lock.Close()
		return nil, errFactory.Wrap(errors.ErrInternal, err)
	}

	return &Lock{path: path, lock: lock}, nil
}

func (l *Lock) Path() string {
	return l.path
}

// Release clears the PID file and drops the lock. The file itself stays:
// removing it after unlocking could delete the file of an instance that took
// the lock in between.
func (l *Lock) Release() error {
	errFactory := errors.New()

	if err := os.Truncate(l.path, 0); err != nil && !os.IsNotExist(err) {
		_ = l.lock.Close()
		return errFactory.Wrap(errors.ErrInternal, err)
	}
	if err := l.lock.Close(); err != nil {
		return errFactory.Wrap(errors.ErrInternal, err)
	}

	return nil
}

func readPID(path string) int {
	b, err := os.ReadFile(path)
	if err != nil {
		return 0
	}
	pid, _ := strconv.Atoi(string(b))
	return pid
}
