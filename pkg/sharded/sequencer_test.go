package sharded

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

func TestSequencer_ExclusivePerKey(t *testing.T) {
	s := NewSequencer(DefaultShards)

	first := s.Reserve("a")
	if err := first.Wait(context.Background()); err != nil {
		t.Fatalf("first ticket not ready: %v", err)
	}

	other := s.Reserve("b")
	select {
	case <-other.Ready():
	default:
		t.Fatal("ticket on a different key must be ready immediately")
	}
	other.Release()

	second := s.Reserve("a")
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	if err := second.Wait(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded while key is held, got %v", err)
	}

	first.Release()
	first.Release()
	if err := second.Wait(context.Background()); err != nil {
		t.Fatalf("second ticket not ready after release: %v", err)
	}
	second.Release()

	if got := s.Pending(); got != 0 {
		t.Errorf("Pending() = %d after all releases; want 0", got)
	}
}

func TestSequencer_PreservesReservationOrder(t *testing.T) {
	s := NewSequencer(DefaultShards)

	const n = 50
	tickets := make([]*Ticket, n)
	for i := range tickets {
		tickets[i] = s.Reserve("/mirror/M/f.txt")
	}

	var mu sync.Mutex
	var order []int
	var wg sync.WaitGroup
	// Start in reverse so goroutine scheduling alone would invert the order.
	for i := n - 1; i >= 0; i-- {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if err := tickets[i].Wait(context.Background()); err != nil {
				t.Errorf("ticket %d: %v", i, err)
				return
			}
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
			tickets[i].Release()
		}(i)
	}
	wg.Wait()

	for i, got := range order {
		if got != i {
			t.Fatalf("ticket order = %v; want ascending", order)
		}
	}
}

func TestSequencer_MultiKeyNoDeadlock(t *testing.T) {
	s := NewSequencer(DefaultShards)

	var wg sync.WaitGroup
	// Reserve from one goroutine, run from many, with keys in opposite orders.
	for i := 0; i < 200; i++ {
		var tk *Ticket
		if i%2 == 0 {
			tk = s.Reserve("x", "y")
		} else {
			tk = s.Reserve("y", "x")
		}
		wg.Add(1)
		go func(tk *Ticket) {
			defer wg.Done()
			defer tk.Release()
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := tk.Wait(ctx); err != nil {
				t.Errorf("ticket wait failed: %v", err)
			}
		}(tk)
	}
	wg.Wait()

	if got := s.Pending(); got != 0 {
		t.Errorf("Pending() = %d; want 0", got)
	}
}

func TestSequencer_ReleaseWithoutReady(t *testing.T) {
	s := NewSequencer(DefaultShards)

	head := s.Reserve("k")
	abandoned := s.Reserve("k")
	last := s.Reserve("k")

	abandoned.Release()
	head.Release()

	select {
	case <-last.Ready():
	case <-time.After(time.Second):
		t.Fatal("ticket behind an abandoned one never became ready")
	}
	last.Release()
}

func isReady(tk *Ticket) bool {
	select {
	case <-tk.Ready():
		return true
	default:
		return false
	}
}

func TestSequencer_TreeTicketOrdersSubtree(t *testing.T) {
	s := NewSequencer(DefaultShards)
	dir := filepath.Join(string(filepath.Separator), "mirror", "M", "sub")

	del := s.ReserveTree(dir)
	mkdir := s.Reserve(dir)
	child := s.Reserve(filepath.Join(dir, "x"))
	deep := s.Reserve(filepath.Join(dir, "a", "b", "y"))
	sibling := s.Reserve(dir + "x")

	if !isReady(del) {
		t.Fatal("first tree ticket must be ready")
	}
	if isReady(mkdir) || isReady(child) || isReady(deep) {
		t.Fatal("tickets on the directory or below it must wait for the tree ticket")
	}
	if !isReady(sibling) {
		t.Error("ticket on a sibling sharing a string prefix must not wait")
	}

	del.Release()
	for name, tk := range map[string]*Ticket{"mkdir": mkdir, "child": child, "deep": deep} {
		select {
		case <-tk.Ready():
		case <-time.After(time.Second):
			t.Fatalf("%s ticket not ready after the tree ticket was released", name)
		}
	}
	for _, tk := range []*Ticket{mkdir, child, deep, sibling} {
		tk.Release()
	}
	if got := s.Pending(); got != 0 {
		t.Errorf("Pending() = %d; want 0", got)
	}
}

func TestSequencer_TreeTicketWaitsForEarlierChildren(t *testing.T) {
	s := NewSequencer(DefaultShards)
	dir := filepath.Join(string(filepath.Separator), "mirror", "M", "sub")

	first := s.Reserve(filepath.Join(dir, "x"))
	second := s.Reserve(filepath.Join(dir, "deeper", "y"))
	del := s.ReserveTree(dir)

	if isReady(del) {
		t.Fatal("tree ticket must wait for earlier tickets below its key")
	}
	first.Release()
	if isReady(del) {
		t.Fatal("tree ticket became ready while an earlier child ticket is queued")
	}
	second.Release()
	select {
	case <-del.Ready():
	case <-time.After(time.Second):
		t.Fatal("tree ticket not ready after all children were released")
	}
	del.Release()
}
