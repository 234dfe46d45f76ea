package sharded

import (
	"errors"
	"path/filepath"
	"sync"
	"testing"
)

func TestMap_StoreLoadDeletePrefix(t *testing.T) {
	m := NewMap[error](DefaultShards)
	dir := filepath.Join("mirror", "M", "B")
	errCopy := errors.New("copy failed")

	m.Store(filepath.Join(dir, "f.txt"), errCopy)
	m.Store(filepath.Join(dir, "sub", "g.txt"), errCopy)
	m.Store(filepath.Join("mirror", "M", "BB", "h.txt"), errCopy)

	if v, ok := m.Load(filepath.Join(dir, "f.txt")); !ok || v != errCopy {
		t.Errorf("Load returned (%v, %v); want (copy failed, true)", v, ok)
	}
	if _, ok := m.Load(filepath.Join(dir, "absent.txt")); ok {
		t.Error("Load of an absent key reported ok")
	}

	if removed := m.DeletePrefix(dir); removed != 2 {
		t.Errorf("DeletePrefix removed %d; want 2", removed)
	}
	if m.Count() != 1 {
		t.Errorf("Count() = %d; want 1 (sibling with shared string prefix must survive)", m.Count())
	}
	if len(m.Items()) != 1 {
		t.Errorf("Items() returned %d entries; want 1", len(m.Items()))
	}
}

func TestMap_LoadOrStoreKeepsFirstValue(t *testing.T) {
	m := NewMap[int](4)
	var wg sync.WaitGroup
	winners := make(chan int, 32)
	for i := range 32 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, loaded := m.LoadOrStore("k", i); !loaded {
				winners <- i
			}
		}()
	}
	wg.Wait()
	close(winners)

	var first []int
	for w := range winners {
		first = append(first, w)
	}
	if len(first) != 1 {
		t.Fatalf("%d goroutines stored the key; want exactly 1", len(first))
	}
	if v, _ := m.Load("k"); v != first[0] {
		t.Errorf("Load = %d; want the first stored value %d", v, first[0])
	}
}

func TestNewMap_PanicsOnInvalidShardCount(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Error("NewMap(3) did not panic")
		}
	}()
	NewMap[string](3)
}
