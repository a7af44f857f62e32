// Package pidfile keeps a second server instance from starting on the same
// pid file.
package pidfile

import (
	"errors"
	"fmt"
	"os"
	"strconv"

	"github.com/gofrs/flock"
)

var ErrLocked = errors.New("pid file locked by another process")

type PidFile struct {
	path string
	lock *flock.Flock
}

// Acquire takes an exclusive lock on path without blocking and writes the
// current pid into it.
func Acquire(path string) (*PidFile, error) {
	lock := flock.New(path)
	ok, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("lock %s: %w", path, err)
	}
	if !ok {
		return nil, fmt.Errorf("%s: %w", path, ErrLocked)
	}

	if err := os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())+"\n"), 0o644); err != nil {
		lock.Unlock()
		return nil, fmt.Errorf("write %s: %w", path, err)
	}

	return &PidFile{path: path, lock: lock}, nil
}

func (p *PidFile) Path() string {
	return p.path
}

// Release removes the file and drops the lock.
func (p *PidFile) Release() error {
	if p == nil || p.lock == nil {
		return nil
	}
	rmErr := os.Remove(p.path)
	err := p.lock.Unlock()
	p.lock = nil
	if rmErr != nil && !errors.Is(rmErr, os.ErrNotExist) {
		return rmErr
	}
	return err
}
