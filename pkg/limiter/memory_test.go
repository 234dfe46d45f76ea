package limiter

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestMemory_TryAcquire(t *testing.T) {
	ml := NewMemory(100)

	if !ml.TryAcquire(60) {
		t.Fatal("expected to acquire 60, but failed")
	}
	if got := ml.Available(); got != 40 {
		t.Errorf("expected 40 available, got %d", got)
	}
	if ml.TryAcquire(50) {
		t.Error("expected to fail acquiring 50 (only 40 left), but succeeded")
	}

	ml.Release(60)
	if got := ml.Available(); got != 100 {
		t.Errorf("expected 100 available after release, got %d", got)
	}
	if ml.TryAcquire(101) {
		t.Error("expected oversized request to fail")
	}
}

func TestMemory_Acquire(t *testing.T) {
	t.Run("Waits for release", func(t *testing.T) {
		ml := NewMemory(100)
		if !ml.TryAcquire(100) {
			t.Fatal("setup: failed to drain limiter")
		}

		done := make(chan error, 1)
		go func() { done <- ml.Acquire(context.Background(), 30) }()

		select {
		case <-done:
			t.Fatal("Acquire returned before budget was released")
		case <-time.After(20 * time.Millisecond):
		}

		ml.Release(100)
		if err := <-done; err != nil {
			t.Fatalf("Acquire failed: %v", err)
		}
		if got := ml.Available(); got != 70 {
			t.Errorf("expected 70 available, got %d", got)
		}
	})

	t.Run("Honours context", func(t *testing.T) {
		ml := NewMemory(10)
		ml.TryAcquire(10)

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
		defer cancel()
		if err := ml.Acquire(ctx, 5); !errors.Is(err, context.DeadlineExceeded) {
			t.Errorf("expected deadline exceeded, got %v", err)
		}
		if got := ml.Available(); got != 0 {
			t.Errorf("failed Acquire must not change the budget, got %d available", got)
		}
	})

	t.Run("Oversized request", func(t *testing.T) {
		ml := NewMemory(10)
		if err := ml.Acquire(context.Background(), 11); err == nil {
			t.Error("expected error for request above capacity")
		}
	})
}

func TestMemory_Concurrency(t *testing.T) {
	const capacity = int64(1000)
	ml := NewMemory(capacity)

	var wg sync.WaitGroup
	var inUse, peak atomic.Int64
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := ml.Acquire(context.Background(), 100); err != nil {
				t.Errorf("Acquire failed: %v", err)
				return
			}
			cur := inUse.Add(100)
			for {
				p := peak.Load()
				if cur <= p || peak.CompareAndSwap(p, cur) {
					break
				}
			}
			time.Sleep(time.Millisecond)
			inUse.Add(-100)
			ml.Release(100)
		}()
	}
	wg.Wait()

	if got := ml.Available(); got != capacity {
		t.Errorf("expected full capacity %d after concurrent usage, got %d", capacity, got)
	}
	if peak.Load() > capacity {
		t.Errorf("budget exceeded: peak %d > capacity %d", peak.Load(), capacity)
	}
}
