package lock

import (
	"context"
	"errors"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"

	ferrors "github.com/vaultgrid/vaultgrid/internal/errors"
)

func lockers(t *testing.T) map[string]Locker {
	t.Helper()
	out := map[string]Locker{"memory": NewMemoryLocker()}

	addr := os.Getenv("VAULTGRID_TEST_REDIS")
	if addr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: addr})
		if err := rdb.Ping(context.Background()).Err(); err != nil {
			t.Fatalf("VAULTGRID_TEST_REDIS=%s unreachable: %v", addr, err)
		}
		l := NewRedisLockerWithClient(rdb, "vaultgrid-test-"+strings.ReplaceAll(t.Name(), "/", "-"))
		t.Cleanup(func() { l.Close() })
		out["redis"] = l
	}
	return out
}

func TestWriteLockExcludes(t *testing.T) {
	for name, l := range lockers(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			h, err := l.Lock(ctx, "/zone/a", Write)
			if err != nil {
				t.Fatalf("Lock: %v", err)
			}

			short, cancel := context.WithTimeout(ctx, 100*time.Millisecond)
			defer cancel()
			if _, err := l.Lock(short, "/zone/a", Read); !errors.Is(err, ferrors.ErrObjectLock) {
				t.Errorf("read under write lock error = %v, want ErrObjectLock", err)
			}

			other, err := l.Lock(ctx, "/zone/b", Write)
			if err != nil {
				t.Fatalf("lock on another path blocked: %v", err)
			}
			other.Unlock()

			if err := h.Unlock(); err != nil {
				t.Fatalf("Unlock: %v", err)
			}
			h2, err := l.Lock(ctx, "/zone/a", Write)
			if err != nil {
				t.Fatalf("relock after release: %v", err)
			}
			h2.Unlock()
		})
	}
}

func TestReadLocksShare(t *testing.T) {
	for name, l := range lockers(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			r1, err := l.Lock(ctx, "/zone/r", Read)
			if err != nil {
				t.Fatal(err)
			}
			r2, err := l.Lock(ctx, "/zone/r", Read)
			if err != nil {
				t.Fatalf("second reader blocked: %v", err)
			}

			short, cancel := context.WithTimeout(ctx, 100*time.Millisecond)
			defer cancel()
			if _, err := l.Lock(short, "/zone/r", Write); err == nil {
				t.Error("writer acquired while readers held the lock")
			}
			r1.Unlock()
			r2.Unlock()
		})
	}
}

func TestBlockedWriterProceedsAfterRelease(t *testing.T) {
	l := NewMemoryLocker()
	ctx := context.Background()
	h, _ := l.Lock(ctx, "/zone/w", Write)

	got := make(chan *Handle)
	go func() {
		h2, err := l.Lock(ctx, "/zone/w", Write)
		if err != nil {
			t.Error(err)
		}
		got <- h2
	}()

	select {
	case <-got:
		t.Fatal("second writer did not block")
	case <-time.After(50 * time.Millisecond):
	}
	h.Unlock()
	h2 := <-got
	h2.Unlock()

	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.paths) != 0 {
		t.Errorf("paths map retains %d entries", len(l.paths))
	}
}

func TestDoubleUnlockPanics(t *testing.T) {
	h, _ := NewMemoryLocker().Lock(context.Background(), "/zone/d", Write)
	h.Unlock()
	if h.Held() {
		t.Error("Held after Unlock")
	}

	defer func() {
		if recover() == nil {
			t.Error("second Unlock did not panic")
		}
	}()
	h.Unlock()
}

func TestUnlockWithoutAcquirePanics(t *testing.T) {
	var h *Handle
	defer func() {
		if recover() == nil {
			t.Error("Unlock on nil handle did not panic")
		}
	}()
	h.Unlock()
}

func TestOnReleaseRunsAfterUnlock(t *testing.T) {
	h, _ := NewMemoryLocker().Lock(context.Background(), "/zone/o", Write)
	called := false
	h.OnRelease(func() { called = true })
	h.Unlock()
	if !called {
		t.Error("OnRelease callback not invoked")
	}
}
