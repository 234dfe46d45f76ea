package sharded

import (
	"context"
	"path/filepath"
	"slices"
	"sync"
	"sync/atomic"
)

// Sequencer orders work on string keys. Reserve places a Ticket at the tail of
// the queue of every key it names; the ticket becomes ready once it is at the
// head of all of them. Tickets for one key therefore run in reservation order,
// while tickets with disjoint keys run independently.
//
// Keys are path keys. A tree ticket (ReserveTree) covers the whole subtree of
// each of its keys: it runs after every earlier ticket on a path below its
// keys, and every later ticket on such a path runs after it.
//
// A ticket only ever waits for tickets reserved before it, so as long as every
// ticket is eventually released the sequencer cannot deadlock, no matter how
// many keys a ticket spans.
type Sequencer []*seqShard

type seqShard struct {
	mu     sync.Mutex
	queues map[string][]*Ticket
}

// Ticket is a reservation on one or more keys.
type Ticket struct {
	seq     Sequencer
	keys    []string
	tree    bool
	waiting atomic.Int32
	ready   chan struct{}
	once    sync.Once

	mu         sync.Mutex
	released   bool
	dependents []*Ticket
}

// NewSequencer creates a sequencer with numShards shards. numShards must be a power of two.
func NewSequencer(numShards int) Sequencer {
	if !isPowerOfTwo(numShards) {
		panic("numShards must be a power of two")
	}
	s := make(Sequencer, numShards)
	for i := range s {
		s[i] = &seqShard{queues: make(map[string][]*Ticket)}
	}
	return s
}

func (s Sequencer) shard(key string) *seqShard {
	return s[getShardIndex(key, len(s))]
}

// Reserve enqueues a ticket on every key. Empty and duplicate keys are ignored.
// It never blocks on other tickets. Callers that need a global order must call
// Reserve and ReserveTree from a single goroutine.
func (s Sequencer) Reserve(keys ...string) *Ticket {
	return s.reserve(false, keys)
}

// ReserveTree is like Reserve, but the ticket also covers every path below its keys.
func (s Sequencer) ReserveTree(keys ...string) *Ticket {
	return s.reserve(true, keys)
}

func (s Sequencer) reserve(tree bool, keys []string) *Ticket {
	ks := slices.Clone(keys)
	ks = slices.DeleteFunc(ks, func(k string) bool { return k == "" })
	slices.Sort(ks)
	ks = slices.Compact(ks)

	t := &Ticket{seq: s, keys: ks, tree: tree, ready: make(chan struct{})}
	t.waiting.Store(int32(len(ks)) + 1)

	for _, k := range ks {
		for _, d := range s.treeAncestors(k) {
			t.after(d)
		}
		if tree {
			for _, d := range s.tailsBelow(k) {
				t.after(d)
			}
		}
	}

	for _, k := range ks {
		sh := s.shard(k)
		sh.mu.Lock()
		q := append(sh.queues[k], t)
		sh.queues[k] = q
		head := len(q) == 1
		sh.mu.Unlock()
		if head {
			t.advance()
		}
	}
	// The extra count keeps the ticket from becoming ready while keys are still being queued.
	t.advance()
	return t
}

// treeAncestors returns, for every proper ancestor of key, the last tree
// ticket queued on it. Earlier tickets on that ancestor finish before it, so
// waiting for it covers them too.
func (s Sequencer) treeAncestors(key string) []*Ticket {
	var out []*Ticket
	for dir := filepath.Dir(key); ; dir = filepath.Dir(dir) {
		sh := s.shard(dir)
		sh.mu.Lock()
		q := sh.queues[dir]
		for i := len(q) - 1; i >= 0; i-- {
			if q[i].tree {
				out = append(out, q[i])
				break
			}
		}
		sh.mu.Unlock()
		if filepath.Dir(dir) == dir {
			return out
		}
	}
}

// tailsBelow returns the last ticket queued on every key strictly below key.
func (s Sequencer) tailsBelow(key string) []*Ticket {
	var out []*Ticket
	for _, sh := range s {
		sh.mu.Lock()
		for k, q := range sh.queues {
			if k != key && len(q) > 0 && underPath(k, key) {
				out = append(out, q[len(q)-1])
			}
		}
		sh.mu.Unlock()
	}
	return out
}

// after makes t wait until d is released.
func (t *Ticket) after(d *Ticket) {
	if d == t {
		return
	}
	t.waiting.Add(1)
	d.mu.Lock()
	if d.released {
		d.mu.Unlock()
		t.advance()
		return
	}
	d.dependents = append(d.dependents, t)
	d.mu.Unlock()
}

func (t *Ticket) advance() {
	if t.waiting.Add(-1) == 0 {
		close(t.ready)
	}
}

// Ready returns a channel that is closed when the ticket is at the head of all
// its keys and every ticket it depends on has been released.
func (t *Ticket) Ready() <-chan struct{} {
	return t.ready
}

// Wait blocks until the ticket is ready or ctx is done.
// On failure the ticket is still queued and must be released.
func (t *Ticket) Wait(ctx context.Context) error {
	select {
	case <-t.ready:
		return nil
	default:
	}
	select {
	case <-t.ready:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Keys returns the sorted keys of the ticket.
func (t *Ticket) Keys() []string {
	return t.keys
}

// Release removes the ticket from its queues and promotes the next ticket of
// each key and every ticket waiting on its subtree. It is safe to call more
// than once and on a ticket that never became ready.
func (t *Ticket) Release() {
	t.once.Do(func() {
		for _, k := range t.keys {
			sh := t.seq.shard(k)
			sh.mu.Lock()
			q := sh.queues[k]
			idx := slices.Index(q, t)
			if idx < 0 {
				sh.mu.Unlock()
				continue
			}
			q = slices.Delete(q, idx, idx+1)
			var next *Ticket
			if idx == 0 && len(q) > 0 {
				next = q[0]
			}
			if len(q) == 0 {
				delete(sh.queues, k)
			} else {
				sh.queues[k] = q
			}
			sh.mu.Unlock()
			if next != nil {
				next.advance()
			}
		}

		t.mu.Lock()
		t.released = true
		dependents := t.dependents
		t.dependents = nil
		t.mu.Unlock()
		for _, d := range dependents {
			d.advance()
		}
	})
}

// Pending returns the number of keys that currently have queued tickets.
func (s Sequencer) Pending() int {
	n := 0
	for _, sh := range s {
		sh.mu.Lock()
		n += len(sh.queues)
		sh.mu.Unlock()
	}
	return n
}
