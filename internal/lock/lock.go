// Package lock provides the logical-object lock taken when a replica is
// opened for finalize and released by the replica closer.
package lock

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	ferrors "github.com/vaultgrid/vaultgrid/internal/errors"
	"github.com/vaultgrid/vaultgrid/internal/metrics"
)

// Mode selects a shared or exclusive object lock.
type Mode int

const (
	Read Mode = iota
	Write
)

func (m Mode) String() string {
	if m == Write {
		return "write"
	}
	return "read"
}

// Locker acquires logical-object locks. Lock blocks until the lock is
// granted or ctx is done.
type Locker interface {
	Lock(ctx context.Context, logicalPath string, mode Mode) (*Handle, error)
	// Backend names the implementation for logs and metrics.
	Backend() string
}

// Handle is one held lock. It must be released exactly once.
type Handle struct {
	path     string
	mode     Mode
	release  func() error
	released atomic.Bool

	// onRelease, when set, is called after the backend released the lock.
	onRelease func()
}

func newHandle(path string, mode Mode, release func() error) *Handle {
	return &Handle{path: path, mode: mode, release: release}
}

// Path returns the locked logical path.
func (h *Handle) Path() string {
	return h.path
}

// Mode returns the lock mode.
func (h *Handle) Mode() Mode {
	return h.mode
}

// Held reports whether the lock has not been released yet.
func (h *Handle) Held() bool {
	return h != nil && !h.released.Load()
}

// OnRelease registers fn to run after the lock is released.
func (h *Handle) OnRelease(fn func()) {
	h.onRelease = fn
}

// Unlock releases the lock. Unlocking a nil handle or unlocking twice is a
// programming error and panics. A backend failure after the local release is
// returned to the caller; the handle is still considered released.
func (h *Handle) Unlock() error {
	if h == nil {
		panic("lock: unlock of a lock that was never acquired")
	}
	if !h.released.CompareAndSwap(false, true) {
		panic(fmt.Sprintf("lock: %s lock on %q released twice", h.mode, h.path))
	}
	err := h.release()
	if h.onRelease != nil {
		h.onRelease()
	}
	if err != nil {
		slog.Error("Object lock release failed", "path", h.path, "mode", h.mode.String(), "error", err)
		return fmt.Errorf("releasing %s lock on %q: %w", h.mode, h.path, err)
	}
	return nil
}

// observeWait records lock acquisition latency for a backend.
func observeWait(backend string, start time.Time) {
	metrics.LockWaitSeconds.WithLabelValues(backend).Observe(time.Since(start).Seconds())
}

func lockError(path string, mode Mode, err error) error {
	return ferrors.ErrObjectLock.Withf("acquiring %s lock on %q", mode, path).Wrap(err)
}
