package agent

// seenSet is the page-lifetime dedup set. With a positive limit the oldest
// key is evicted once the set is full.
type seenSet struct {
	limit int
	keys  map[string]struct{}
	order []string
}

func newSeenSet(limit int) *seenSet {
	return &seenSet{limit: limit, keys: make(map[string]struct{})}
}

// add records key and reports whether it was new.
func (s *seenSet) add(key string) bool {
	if _, ok := s.keys[key]; ok {
		return false
	}
	s.keys[key] = struct{}{}
	if s.limit > 0 {
		s.order = append(s.order, key)
		for len(s.order) > s.limit {
			delete(s.keys, s.order[0])
			s.order = s.order[1:]
		}
	}
	return true
}

func (s *seenSet) len() int { return len(s.keys) }
