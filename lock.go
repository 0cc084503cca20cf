// SPDX-License-Identifier: MIT
//
// Copyright © 2023 Silicon Laboratories Inc.

//go:build linux

package bridge

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"
)

// ErrAlreadyRunning indicates another bridge holds the instance lock.
var ErrAlreadyRunning = errors.New("already running")

// Lock is the exclusive per-instance file lock. The file may persist
// across crashes; only the advisory lock matters. The kernel drops the
// lock on any process exit, so a crashed holder never wedges the
// instance.
type Lock struct {
	f    *os.File
	path string
}

// TakeLock acquires the exclusive lock for the (dir, instance) pair.
func TakeLock(dir, instance string) (*Lock, error) {
	path := filepath.Join(dir, fmt.Sprintf("cpc-gpio-bridge.%s.lock", instance))

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open bridge lock %s: %w", path, err)
	}

	if err = unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		f.Close()
		if errors.Is(err, unix.EWOULDBLOCK) {
			return nil, fmt.Errorf("%w: the bridge lock (%s) cannot be taken", ErrAlreadyRunning, path)
		}
		return nil, fmt.Errorf("failed to take bridge lock %s: %w", path, err)
	}

	return &Lock{f: f, path: path}, nil
}

// Path returns the lock file path.
func (l *Lock) Path() string {
	return l.path
}

// Close releases the lock. The file is left in place.
func (l *Lock) Close() error {
	if l.f == nil {
		return nil
	}
	unix.Flock(int(l.f.Fd()), unix.LOCK_UN)
	err := l.f.Close()
	l.f = nil
	return err
}
