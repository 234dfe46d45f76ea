package sharded

// Set is a concurrent string set. The mirror keeps known directories in one,
// the watcher the directories it registered.
type Set struct {
	m *Map[struct{}]
}

func NewSet(numShards int) *Set {
	return &Set{m: NewMap[struct{}](numShards)}
}

func (s *Set) Store(key string)          { s.m.Store(key, struct{}{}) }
func (s *Set) Delete(key string)         { s.m.Delete(key) }
func (s *Set) Count() int                { return s.m.Count() }
func (s *Set) DeletePrefix(p string) int { return s.m.DeletePrefix(p) }

func (s *Set) Has(key string) bool {
	_, ok := s.m.Load(key)
	return ok
}

// LoadOrStore adds key and reports whether it was already present.
func (s *Set) LoadOrStore(key string) (loaded bool) {
	_, loaded = s.m.LoadOrStore(key, struct{}{})
	return loaded
}
