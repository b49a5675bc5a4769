package replica

// element is one character of the content register: a Replicated Growable
// Array node carrying the ID of the character this one was inserted after
// (its "left origin") so that concurrent inserts at the same position
// merge deterministically.
type element struct {
	id      Timestamp
	after   Timestamp
	ch      rune
	deleted bool
}

// sequence is the content register: an ordered, tombstoned run of
// characters addressed by logical timestamp rather than index, so that
// inserts and deletes commute regardless of delivery order.
type sequence struct {
	elements []*element
	byID     map[Timestamp]int // id -> index into elements, kept in sync
	seen     map[Timestamp]bool
}

func newSequence() *sequence {
	return &sequence{
		byID: make(map[Timestamp]int),
		seen: make(map[Timestamp]bool),
	}
}

// text renders the current visible string, skipping tombstones.
func (s *sequence) text() string {
	var buf []rune
	for _, e := range s.elements {
		if !e.deleted {
			buf = append(buf, e.ch)
		}
	}
	return string(buf)
}

// visibleLen returns the number of non-deleted characters.
func (s *sequence) visibleLen() int {
	n := 0
	for _, e := range s.elements {
		if !e.deleted {
			n++
		}
	}
	return n
}

// rebuildIndex recomputes byID from scratch. Nothing calls it at present:
// insertElement updates byID for the shifted tail itself.
func (s *sequence) rebuildIndex() {
	for i, e := range s.elements {
		s.byID[e.id] = i
	}
}

// insertElement performs one RGA insert-after: find the position following
// afterID (or the start, if afterID is Zero), then skip past every following
// element whose ID sorts above newID under Timestamp ordering. Those are
// concurrent inserts after the same element with a higher timestamp, plus
// everything inserted after them (which carries higher timestamps still,
// because Replica advances its clock past every ID it has seen). This is the
// standard RGA merge rule and is what makes concurrent same-position inserts
// converge to the same order on every replica regardless of arrival order.
func (s *sequence) insertElement(afterID, newID Timestamp, ch rune) bool {
	if s.seen[newID] {
		return false // already applied: idempotent no-op
	}

	pos := 0
	if !afterID.IsZero() {
		idx, ok := s.byID[afterID]
		if !ok {
			return false // causally premature; the caller skips this op
		}
		pos = idx + 1
	}

	for pos < len(s.elements) {
		if !newID.Less(s.elements[pos].id) {
			break
		}
		pos++
	}

	e := &element{id: newID, after: afterID, ch: ch}
	s.elements = append(s.elements, nil)
	copy(s.elements[pos+1:], s.elements[pos:])
	s.elements[pos] = e

	for i := pos; i < len(s.elements); i++ {
		s.byID[s.elements[i].id] = i
	}
	s.seen[newID] = true
	return true
}

// deleteElement tombstones the element with the given id. Idempotent:
// deleting an already-deleted or unknown id is a no-op.
func (s *sequence) deleteElement(id Timestamp) bool {
	idx, ok := s.byID[id]
	if !ok {
		return false
	}
	if s.elements[idx].deleted {
		return false
	}
	s.elements[idx].deleted = true
	return true
}

// visibleIDAt returns the timestamp of the nth visible (non-tombstoned)
// character, and the id of the visible character immediately before it (or
// Zero if pos == 0), used to translate a position-based Insert/Delete call
// into ID-based RGA operations.
func (s *sequence) visibleIDAt(pos int) (before Timestamp, at Timestamp, found bool) {
	before = Zero
	count := 0
	for _, e := range s.elements {
		if e.deleted {
			continue
		}
		if count == pos {
			return before, e.id, true
		}
		before = e.id
		count++
	}
	return before, Zero, false
}

// visibleIDsFrom returns the timestamps of the n visible characters
// starting at pos, in order.
func (s *sequence) visibleIDsFrom(pos, n int) []Timestamp {
	ids := make([]Timestamp, 0, n)
	count := 0
	for _, e := range s.elements {
		if e.deleted {
			continue
		}
		if count >= pos && count < pos+n {
			ids = append(ids, e.id)
		}
		count++
		if count >= pos+n {
			break
		}
	}
	return ids
}
