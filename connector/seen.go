package connector

// seenSet is a bounded FIFO set of message ids.
type seenSet struct {
	cap   int
	ids   map[string]struct{}
	order []string
	head  int
}

func newSeenSet(capacity int) *seenSet {
	if capacity <= 0 {
		capacity = 2048
	}
	return &seenSet{cap: capacity, ids: make(map[string]struct{}, capacity)}
}

// Add records id and reports whether it was new.
func (s *seenSet) Add(id string) bool {
	if _, ok := s.ids[id]; ok {
		return false
	}
	if len(s.order) < s.cap {
		s.order = append(s.order, id)
	} else {
		delete(s.ids, s.order[s.head])
		s.order[s.head] = id
		s.head = (s.head + 1) % s.cap
	}
	s.ids[id] = struct{}{}
	return true
}

func (s *seenSet) Len() int { return len(s.ids) }
