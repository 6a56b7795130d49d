package main

import (
	"fmt"
	"os"
	"strconv"
	"syscall"
)

// fileLock is an exclusive advisory lock holding the owner's PID.
type fileLock struct {
	f *os.File
}

// acquireLock takes a non-blocking exclusive flock on path and writes
// the current PID into it. Fails when another process holds the lock.
func acquireLock(path string) (*fileLock, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open lock file: %w", err)
	}

	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		data, _ := os.ReadFile(path)
		_ = f.Close()
		return nil, fmt.Errorf("lock held (pid %s): %w", string(data), err)
	}

	if err := f.Truncate(0); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("truncate lock file: %w", err)
	}
	if _, err := f.WriteAt([]byte(strconv.Itoa(os.Getpid())), 0); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("write pid: %w", err)
	}

	return &fileLock{f: f}, nil
}

// release drops the lock and removes the file.
func (l *fileLock) release() {
	_ = syscall.Flock(int(l.f.Fd()), syscall.LOCK_UN)
	name := l.f.Name()
	_ = l.f.Close()
	_ = os.Remove(name)
}
