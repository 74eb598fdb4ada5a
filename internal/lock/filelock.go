package lock

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

// FileLock is a non-blocking, process-exclusive lock on a file. The gateway
// holds it for its whole lifetime so only one coordinating process runs per
// state dir. The owner's pid is written into the file.
type FileLock struct {
	path string
	file *os.File
}

func NewFileLock(path string) *FileLock {
	return &FileLock{path: path}
}

// Path returns the lock file path.
func (l *FileLock) Path() string { return l.path }

// TryLock acquires the lock without blocking. It returns false, nil when
// another holder owns it.
func (l *FileLock) TryLock() (bool, error) {
	if l.file != nil {
		return true, nil
	}
	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_RDWR, 0600)
	if err != nil {
		return false, err
	}
	held, err := acquire(f)
	if err != nil || !held {
		f.Close()
		return false, err
	}
	if err := f.Truncate(0); err == nil {
		_, _ = f.WriteAt([]byte(strconv.Itoa(os.Getpid())+"\n"), 0)
	}
	l.file = f
	return true, nil
}

// Unlock releases the lock and removes the lock file. Unlocking a lock that
// is not held is a no-op.
func (l *FileLock) Unlock() error {
	if l.file == nil {
		return nil
	}
	f := l.file
	l.file = nil
	err := release(f)
	f.Close()
	if rmErr := os.Remove(l.path); rmErr != nil && !os.IsNotExist(rmErr) && err == nil {
		err = rmErr
	}
	return err
}

// Holder returns the pid recorded in the lock file at path.
func Holder(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, fmt.Errorf("lock file %s: no owner recorded", path)
	}
	return pid, nil
}
