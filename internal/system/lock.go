package system

import (
	"context"
	"os"
	"time"

	"github.com/cockroachdb/errors"
)

const lockPollInterval = 25 * time.Millisecond

// FileLock is an exclusive advisory lock held on a file.
type FileLock struct {
	f *os.File
}

// LockFile blocks until it holds an exclusive lock on path or ctx ends. The
// file is created with 0600 if missing. Locks taken through separate calls
// exclude each other even inside one process.
func LockFile(ctx context.Context, path string) (*FileLock, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0600)
	if err != nil {
		return nil, errors.Wrapf(err, "open lock file %s", path)
	}

	ticker := time.NewTicker(lockPollInterval)
	defer ticker.Stop()

	for {
		ok, err := tryLock(f)
		if err != nil {
			f.Close()
			return nil, errors.Wrapf(err, "lock %s", path)
		}
		if ok {
			return &FileLock{f: f}, nil
		}
		select {
		case <-ctx.Done():
			f.Close()
			return nil, errors.Wrapf(ctx.Err(), "waiting for lock %s", path)
		case <-ticker.C:
		}
	}
}

// Unlock releases the lock and closes the file.
func (l *FileLock) Unlock() error {
	if l == nil || l.f == nil {
		return nil
	}
	err := unlock(l.f)
	if cerr := l.f.Close(); err == nil {
		err = cerr
	}
	l.f = nil
	return err
}
