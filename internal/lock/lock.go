// Package lock guards a profile against concurrent daemons. The
// session store and the archive are single-writer, so only one daemon
// may run a profile at a time.
package lock

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"syscall"
	"time"

	"wabot/internal/profile"
)

// LockHeldError reports that another daemon already runs this profile.
type LockHeldError struct {
	Profile string
	PID     int
}

func (e *LockHeldError) Error() string {
	if e.PID > 0 {
		return fmt.Sprintf("profile %q is in use by PID %d", e.Profile, e.PID)
	}
	return fmt.Sprintf("profile %q is in use", e.Profile)
}

// lockInfo is the holder record written into the lock file so a second
// daemon can name who blocked it.
type lockInfo struct {
	PID     int       `json:"pid"`
	Profile string    `json:"profile"`
	Started time.Time `json:"started"`
}

// Lock is an acquired per-profile exclusive lock.
type Lock struct {
	file *os.File
	path string
}

// Acquire takes the exclusive lock for the named profile, creating the
// profile directory if needed. It returns LockHeldError when another
// process holds the lock; the flock is advisory, so only cooperating
// daemons are excluded.
func Acquire(profileName string) (*Lock, error) {
	path := profile.LockPath(profileName)
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("create profile dir: %w", err)
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0600)
	if err != nil {
		return nil, fmt.Errorf("open lock file: %w", err)
	}

	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		held := &LockHeldError{Profile: profileName}
		if info, err := readInfo(path); err == nil {
			held.PID = info.PID
		}
		_ = f.Close()
		return nil, held
	}

	data, err := json.Marshal(lockInfo{
		PID:     os.Getpid(),
		Profile: profileName,
		Started: time.Now().UTC(),
	})
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	if err := f.Truncate(0); err != nil {
		_ = f.Close()
		return nil, err
	}
	if _, err := f.WriteAt(data, 0); err != nil {
		_ = f.Close()
		return nil, err
	}

	return &Lock{file: f, path: path}, nil
}

// Release drops the lock and removes the file. Safe on a nil receiver
// and after a previous Release.
func (l *Lock) Release() error {
	if l == nil || l.file == nil {
		return nil
	}
	// Remove before closing so no stale file outlives the flock.
	_ = os.Remove(l.path)
	err := l.file.Close()
	l.file = nil
	return err
}

func readInfo(path string) (lockInfo, error) {
	var info lockInfo
	data, err := os.ReadFile(path)
	if err != nil {
		return info, err
	}
	if err := json.Unmarshal(data, &info); err != nil {
		return info, err
	}
	return info, nil
}
