package session

import (
	"fmt"
	"os"
	"strconv"

	"golang.org/x/sys/unix"
)

// Locker serializes sessions across processes on one host.
type Locker interface {
	Acquire() error
	Release() error
}

var _ Locker = (*HostLock)(nil)

// HostLock is an advisory flock on a well-known file, so two orchestrator
// instances cannot drive the client at the same time.
type HostLock struct {
	path string
	fd   int
}

// NewHostLock creates a lock over the given file path.
func NewHostLock(path string) *HostLock {
	return &HostLock{path: path, fd: -1}
}

// Acquire takes the lock without blocking. ErrHostLocked means another
// process holds it.
func (l *HostLock) Acquire() error {
	fd, err := unix.Open(l.path, unix.O_CREAT|unix.O_RDWR|unix.O_CLOEXEC, 0644)
	if err != nil {
		return fmt.Errorf("failed to open lock file %s: %w", l.path, err)
	}

	if err := unix.Flock(fd, unix.LOCK_EX|unix.LOCK_NB); err != nil {
		unix.Close(fd)
		if err == unix.EWOULDBLOCK {
			return ErrHostLocked
		}
		return fmt.Errorf("failed to lock %s: %w", l.path, err)
	}

	// The pid is informational only; the flock is what matters.
	_ = unix.Ftruncate(fd, 0)
	_, _ = unix.Write(fd, []byte(strconv.Itoa(os.Getpid())+"\n"))

	l.fd = fd
	return nil
}

// Release drops the lock. Safe to call when not held.
func (l *HostLock) Release() error {
	if l.fd < 0 {
		return nil
	}
	err := unix.Flock(l.fd, unix.LOCK_UN)
	closeErr := unix.Close(l.fd)
	l.fd = -1
	if err != nil {
		return err
	}
	return closeErr
}
