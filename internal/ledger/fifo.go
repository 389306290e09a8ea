package ledger

// fifoSet is a bounded set that evicts in insertion order.
// Re-adding a present key does not refresh its position.
type fifoSet struct {
	capacity int
	order    []string
	members  map[string]struct{}
}

func newFIFOSet(capacity int, seed []string) *fifoSet {
	s := &fifoSet{
		capacity: capacity,
		order:    make([]string, 0, capacity),
		members:  make(map[string]struct{}, capacity),
	}
	for _, k := range seed {
		s.add(k)
	}
	return s
}

func (s *fifoSet) has(k string) bool {
	_, ok := s.members[k]
	return ok
}

// add inserts k and reports whether the set changed.
func (s *fifoSet) add(k string) bool {
	if k == "" || s.has(k) {
		return false
	}
	s.order = append(s.order, k)
	s.members[k] = struct{}{}
	for len(s.order) > s.capacity {
		delete(s.members, s.order[0])
		s.order[0] = ""
		s.order = s.order[1:]
	}
	return true
}

func (s *fifoSet) len() int { return len(s.order) }

func (s *fifoSet) keys() []string { return append([]string(nil), s.order...) }
