package window

// turnStore is the ordered turn sequence. It is not safe for concurrent
// use; Buffer serializes access.
type turnStore struct {
	turns []Turn
}

// append assigns the next real turn id and inserts t at the tail.
func (s *turnStore) append(t Turn) Turn {
	// The summary (id 0) is not counted, so real ids stay 1..n even
	// when a summary heads the sequence.
	t.ID = s.realCount() + 1
	s.turns = append(s.turns, t)
	return t
}

// remove deletes the turn at pos, preserving the order of the rest.
func (s *turnStore) remove(pos int) {
	if pos < 0 || pos >= len(s.turns) {
		return
	}
	s.turns = append(s.turns[:pos], s.turns[pos+1:]...)
}

// filter removes every position in drop in a single pass.
func (s *turnStore) filter(drop map[int]bool) int {
	if len(drop) == 0 {
		return 0
	}
	kept := s.turns[:0]
	removed := 0
	for i, t := range s.turns {
		if drop[i] {
			removed++
			continue
		}
		kept = append(kept, t)
	}
	// Release references held past the new length.
	for i := len(kept); i < len(s.turns); i++ {
		s.turns[i] = Turn{}
	}
	s.turns = kept
	return removed
}

// renumber reassigns ids 1..n to real turns in sequence order.
func (s *turnStore) renumber() {
	next := 1
	for i := range s.turns {
		if s.turns[i].IsSummary() {
			continue
		}
		s.turns[i].ID = next
		next++
	}
}

// replace swaps the whole sequence, as compaction does.
func (s *turnStore) replace(turns []Turn) {
	s.turns = turns
}

func (s *turnStore) clear() {
	s.turns = nil
}

func (s *turnStore) len() int {
	return len(s.turns)
}

func (s *turnStore) realCount() int {
	n := 0
	for _, t := range s.turns {
		if !t.IsSummary() {
			n++
		}
	}
	return n
}

func (s *turnStore) summaryCount() int {
	return len(s.turns) - s.realCount()
}

// snapshot returns deep copies of turns[from:].
func (s *turnStore) snapshot(from int) []Turn {
	if from < 0 {
		from = 0
	}
	if from > len(s.turns) {
		from = len(s.turns)
	}
	out := make([]Turn, 0, len(s.turns)-from)
	for _, t := range s.turns[from:] {
		out = append(out, t.clone())
	}
	return out
}
