package lock

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
)

// writerWeight exceeds any realistic number of concurrent readers, so a
// writer holds the whole semaphore.
const writerWeight = 1 << 30

type pathSem struct {
	sem  *semaphore.Weighted
	refs int
}

// MemoryLocker is an in-process reader/writer lock per logical path.
type MemoryLocker struct {
	mu    sync.Mutex
	paths map[string]*pathSem
}

// NewMemoryLocker creates an empty in-process locker.
func NewMemoryLocker() *MemoryLocker {
	return &MemoryLocker{paths: make(map[string]*pathSem)}
}

func (l *MemoryLocker) Backend() string {
	return "memory"
}

func (l *MemoryLocker) Lock(ctx context.Context, logicalPath string, mode Mode) (*Handle, error) {
	start := time.Now()

	l.mu.Lock()
	ps, ok := l.paths[logicalPath]
	if !ok {
		ps = &pathSem{sem: semaphore.NewWeighted(writerWeight)}
		l.paths[logicalPath] = ps
	}
	ps.refs++
	l.mu.Unlock()

	weight := int64(1)
	if mode == Write {
		weight = writerWeight
	}
	if err := ps.sem.Acquire(ctx, weight); err != nil {
		l.unref(logicalPath, ps)
		return nil, lockError(logicalPath, mode, err)
	}
	observeWait(l.Backend(), start)

	return newHandle(logicalPath, mode, func() error {
		ps.sem.Release(weight)
		l.unref(logicalPath, ps)
		return nil
	}), nil
}

func (l *MemoryLocker) unref(logicalPath string, ps *pathSem) {
	l.mu.Lock()
	defer l.mu.Unlock()
	ps.refs--
	if ps.refs == 0 {
		delete(l.paths, logicalPath)
	}
}

var _ Locker = (*MemoryLocker)(nil)
