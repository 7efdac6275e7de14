// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sys/unix"

	hwerrors "github.com/tombee/hostwatch/pkg/errors"
)

var (
	// ErrLockHeld is returned when another session holds the claim lock past the deadline.
	ErrLockHeld = errors.New("claim lock is held by another session")

	// ErrUnsafeDirectory is returned when the lock file parent is world-writable
	// without the sticky bit.
	ErrUnsafeDirectory = errors.New("lock file directory is world-writable")
)


// lockPollInterval is how often a contended lock is retried.
const lockPollInterval = 100 * time.Millisecond

// Claimer serializes the check-then-act window of start across sessions.
// The returned release func must be called exactly once.
type Claimer interface {
	Claim(ctx context.Context) (release func() error, err error)
}

// NopClaimer never blocks. Concurrent starts may race.
type NopClaimer struct{}

// Claim implements Claimer.
func (NopClaimer) Claim(context.Context) (func() error, error) {
	return func() error { return nil }, nil
}

// LockFileClaimer claims an exclusive flock on a shared lock file.
type LockFileClaimer struct {
	// Path is the lock file location.
	Path string

	// Timeout bounds how long Claim waits for a contended lock.
	// Zero waits until ctx is done.
	Timeout time.Duration
}

// Claim implements Claimer.
func (c *LockFileClaimer) Claim(ctx context.Context) (func() error, error) {
	if c.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.Timeout)
		defer cancel()
	}

	lock := NewLockFile(c.Path)
	if err := lock.Acquire(ctx); err != nil {
		if c.Timeout > 0 && errors.Is(err, ErrLockHeld) {
			return nil, &hwerrors.TimeoutError{Operation: "claim lock", Duration: c.Timeout, Cause: err}
		}
		return nil, err
	}
	return lock.Release, nil
}

// LockFile is an advisory exclusive lock backed by flock(2).
// The file itself is never removed; removing it would let two sessions
// lock different inodes under the same name.
type LockFile struct {
	path string
	f    *os.File
}

// NewLockFile creates a LockFile for path.
func NewLockFile(path string) *LockFile {
	return &LockFile{path: path}
}

// Path returns the lock file location.
func (l *LockFile) Path() string {
	return l.path
}

// Acquire blocks until the lock is held or ctx is done.
// On success the holder PID is written to the file.
func (l *LockFile) Acquire(ctx context.Context) error {
	if l.f != nil {
		return fmt.Errorf("lock %s already held by this session", l.path)
	}

	dir := filepath.Dir(l.path)
	if err := verifyDirectorySafety(dir); err != nil {
		return fmt.Errorf("unsafe lock file location: %w", err)
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create lock directory: %w", err)
	}

	f, err := openLockFile(l.path)
	if err != nil {
		return err
	}

	ticker := time.NewTicker(lockPollInterval)
	defer ticker.Stop()

	for {
		err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB)
		if err == nil {
			break
		}
		if !errors.Is(err, unix.EWOULDBLOCK) {
			f.Close()
			return hwerrors.Wrapf(err, "failed to lock %s", l.path)
		}

		select {
		case <-ctx.Done():
			f.Close()
			holder, _ := ReadLockHolder(l.path)
			if holder > 0 {
				return fmt.Errorf("%w (pid %d): %s", ErrLockHeld, holder, l.path)
			}
			return fmt.Errorf("%w: %s", ErrLockHeld, l.path)
		case <-ticker.C:
		}
	}

	l.f = f
	l.writeHolder()
	return nil
}

// Release drops the lock. It is safe to call on an unheld lock.
func (l *LockFile) Release() error {
	if l.f == nil {
		return nil
	}
	f := l.f
	l.f = nil

	unlockErr := unix.Flock(int(f.Fd()), unix.LOCK_UN)
	closeErr := f.Close()
	if unlockErr != nil {
		return hwerrors.Wrapf(unlockErr, "failed to unlock %s", l.path)
	}
	return closeErr
}

// writeHolder records our PID for diagnostics. A read-only fallback
// descriptor (lock file owned by another user) skips the write.
func (l *LockFile) writeHolder() {
	if err := l.f.Truncate(0); err != nil {
		return
	}
	_, _ = l.f.WriteAt([]byte(strconv.Itoa(os.Getpid())+"\n"), 0)
}

// ReadLockHolder returns the PID last recorded in the lock file.
func ReadLockHolder(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	s := strings.TrimSpace(string(data))
	if s == "" {
		return 0, nil
	}
	pid, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("invalid holder PID in %s: %q", path, s)
	}
	return pid, nil
}

// openLockFile opens path without following symlinks. The lock may live
// in a shared directory where another user created it first, so a
// permission failure on O_RDWR falls back to a read-only descriptor,
// which flock accepts.
func openLockFile(path string) (*os.File, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|unix.O_NOFOLLOW, 0644)
	if err == nil {
		return f, nil
	}
	if errors.Is(err, os.ErrPermission) {
		if ro, roErr := os.OpenFile(path, os.O_RDONLY|unix.O_NOFOLLOW, 0); roErr == nil {
			return ro, nil
		}
	}
	return nil, fmt.Errorf("failed to open lock file: %w", err)
}

// verifyDirectorySafety rejects world-writable directories unless the
// sticky bit is set (as on /tmp), where other users cannot replace our file.
func verifyDirectorySafety(dir string) error {
	info, err := os.Stat(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to stat directory: %w", err)
	}

	mode := info.Mode()
	if mode&0002 != 0 && mode&os.ModeSticky == 0 {
		return fmt.Errorf("%w: %s has mode %04o", ErrUnsafeDirectory, dir, mode&os.ModePerm)
	}
	return nil
}
