// Package lock provides the run-level file lock and keyed in-process mutexes.
package lock

import (
	"fmt"
	"os"
	"strconv"
	"sync"
	"syscall"
)

// MutexMap serializes access to named resources, such as window slots.
// Mutexes are created on first use and kept for the map's lifetime.
type MutexMap struct {
	mu   sync.Mutex
	held map[string]*sync.Mutex
}

func NewMutexMap() *MutexMap {
	return &MutexMap{held: make(map[string]*sync.Mutex)}
}

func (m *MutexMap) Lock(key string) {
	m.of(key).Lock()
}

func (m *MutexMap) Unlock(key string) {
	m.of(key).Unlock()
}

func (m *MutexMap) of(key string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	mu := m.held[key]
	if mu == nil {
		mu = new(sync.Mutex)
		m.held[key] = mu
	}
	return mu
}

// FileLock guards one state directory against concurrent runs via flock.
// The lock file carries the holder's PID for diagnostics.
type FileLock struct {
	path string
	file *os.File
}

func NewFileLock(path string) *FileLock {
	return &FileLock{path: path}
}

// TryLock acquires the lock without blocking. It fails when another process
// holds it.
func (fl *FileLock) TryLock() error {
	f, err := os.OpenFile(fl.path, os.O_CREATE|os.O_RDWR, 0600)
	if err != nil {
		return fmt.Errorf("open lock file: %w", err)
	}
	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		f.Close()
		return fmt.Errorf("state dir already locked, another run may be active: %w", err)
	}
	if err := stampPID(f); err != nil {
		syscall.Flock(int(f.Fd()), syscall.LOCK_UN)
		f.Close()
		return err
	}
	fl.file = f
	return nil
}

// Unlock releases the lock and removes the lock file. Safe to call when the
// lock was never acquired.
func (fl *FileLock) Unlock() error {
	if fl.file == nil {
		return nil
	}
	if err := syscall.Flock(int(fl.file.Fd()), syscall.LOCK_UN); err != nil {
		fl.file.Close()
		fl.file = nil
		return fmt.Errorf("release lock: %w", err)
	}
	err := fl.file.Close()
	fl.file = nil
	os.Remove(fl.path)
	if err != nil {
		return fmt.Errorf("close lock file: %w", err)
	}
	return nil
}

func stampPID(f *os.File) error {
	if err := f.Truncate(0); err != nil {
		return fmt.Errorf("truncate lock file: %w", err)
	}
	line := strconv.Itoa(os.Getpid()) + "\n"
	if _, err := f.WriteAt([]byte(line), 0); err != nil {
		return fmt.Errorf("write pid to lock file: %w", err)
	}
	if err := f.Sync(); err != nil {
		return fmt.Errorf("sync lock file: %w", err)
	}
	return nil
}
