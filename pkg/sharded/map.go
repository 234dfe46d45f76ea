package sharded

import (
	"path/filepath"
	"strings"
	"sync"
)

type mapShard[V any] struct {
	mu    sync.RWMutex
	items map[string]V
}

// Map is a concurrent string-keyed map partitioned into independently locked
// shards. Keys are usually path keys, so DeletePrefix can drop a whole subtree.
type Map[V any] struct {
	shards []*mapShard[V]
}

func NewMap[V any](numShards int) *Map[V] {
	if !isPowerOfTwo(numShards) {
		panic("num shards must be a power of 2")
	}
	m := &Map[V]{shards: make([]*mapShard[V], numShards)}
	for i := range m.shards {
		m.shards[i] = &mapShard[V]{items: make(map[string]V)}
	}
	return m
}

func (m *Map[V]) shard(key string) *mapShard[V] {
	return m.shards[getShardIndex(key, len(m.shards))]
}

func (m *Map[V]) Store(key string, value V) {
	s := m.shard(key)
	s.mu.Lock()
	s.items[key] = value
	s.mu.Unlock()
}

func (m *Map[V]) Load(key string) (value V, ok bool) {
	s := m.shard(key)
	s.mu.RLock()
	value, ok = s.items[key]
	s.mu.RUnlock()
	return value, ok
}

// LoadOrStore returns the existing value for key if present. Otherwise it
// stores value and returns it. loaded reports which happened.
func (m *Map[V]) LoadOrStore(key string, value V) (actual V, loaded bool) {
	s := m.shard(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.items[key]; ok {
		return existing, true
	}
	s.items[key] = value
	return value, false
}

func (m *Map[V]) Delete(key string) {
	s := m.shard(key)
	s.mu.Lock()
	delete(s.items, key)
	s.mu.Unlock()
}

func (m *Map[V]) Count() int {
	count := 0
	for _, s := range m.shards {
		s.mu.RLock()
		count += len(s.items)
		s.mu.RUnlock()
	}
	return count
}

// DeletePrefix removes every entry whose key equals prefix or is a path below
// it, and returns how many were removed. A key sharing only a string prefix
// ("dir2" for "dir") is kept.
func (m *Map[V]) DeletePrefix(prefix string) int {
	removed := 0
	for _, s := range m.shards {
		s.mu.Lock()
		for k := range s.items {
			if underPath(k, prefix) {
				delete(s.items, k)
				removed++
			}
		}
		s.mu.Unlock()
	}
	return removed
}

// Items returns a copy of all entries. Shards are copied one at a time, so
// the result is not a point-in-time view across shards.
func (m *Map[V]) Items() map[string]V {
	items := make(map[string]V, m.Count())
	for _, s := range m.shards {
		s.mu.RLock()
		for k, v := range s.items {
			items[k] = v
		}
		s.mu.RUnlock()
	}
	return items
}

func underPath(key, prefix string) bool {
	return key == prefix || strings.HasPrefix(key, prefix+string(filepath.Separator))
}
