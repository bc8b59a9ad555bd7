package review

import "github.com/lexical-app/retention/internal/fsrs"

// triageOffset is how far forward a failed item is reinserted into the
// session ordering.
const triageOffset = 3

// graduationStreak is the number of consecutive Good-or-better grades an
// item needs once it has entered triage.
const graduationStreak = 2

// triagePhase tracks an item's position in the in-session state machine.
type triagePhase int

const (
	phasePending    triagePhase = iota // queued, never failed this session
	phaseActive                        // failed at least once, cycling
	phaseGraduating                    // one success since last failure
	phaseGraduated                     // done for this session
)

type triageEntry struct {
	itemID ItemID
	phase  triagePhase
	streak int
}

// Session is the short-term triage queue for a single review sitting. It is
// ephemeral and never persisted: it governs in-session ordering and retry,
// not which events get logged. Every grading action still records a
// ReviewEvent through the Coordinator; an item graded Again simply cycles
// back a few positions instead of leaving the session with a multi-day due
// date it has not earned.
//
// Session is not safe for concurrent use; one sitting runs on one goroutine.
type Session struct {
	queue  []*triageEntry
	byItem map[ItemID]*triageEntry
}

// NewSession builds a session over the given items in presentation order.
// Duplicate ids collapse to their first occurrence.
func NewSession(itemIDs []ItemID) *Session {
	session := &Session{byItem: make(map[ItemID]*triageEntry, len(itemIDs))}
	for _, itemID := range itemIDs {
		if _, ok := session.byItem[itemID]; ok {
			continue
		}
		entry := &triageEntry{itemID: itemID}
		session.queue = append(session.queue, entry)
		session.byItem[itemID] = entry
	}
	return session
}

// Next returns the next item to present, or false when every item has
// graduated.
func (s *Session) Next() (ItemID, bool) {
	for _, entry := range s.queue {
		if entry.phase != phaseGraduated {
			return entry.itemID, true
		}
	}
	return "", false
}

// Grade records the outcome of presenting an item and reshuffles the session
// ordering. A grade of Again or Hard drops the item into the Active phase
// and reinserts it triageOffset positions ahead; two consecutive grades of
// Good or better graduate it. Items that never fail graduate on their first
// success. Unknown items are ignored.
func (s *Session) Grade(itemID ItemID, grade fsrs.Grade) {
	entry, ok := s.byItem[itemID]
	if !ok || entry.phase == phaseGraduated {
		return
	}

	if grade <= fsrs.Hard {
		entry.phase = phaseActive
		entry.streak = 0
		s.reinsert(entry)
		return
	}

	switch entry.phase {
	case phasePending:
		entry.phase = phaseGraduated
	case phaseActive:
		entry.phase = phaseGraduating
		entry.streak = 1
		s.reinsert(entry)
	case phaseGraduating:
		entry.streak++
		if entry.streak >= graduationStreak {
			entry.phase = phaseGraduated
		} else {
			s.reinsert(entry)
		}
	}
}

// Completed reports whether every item in the session has graduated.
func (s *Session) Completed() bool {
	for _, entry := range s.queue {
		if entry.phase != phaseGraduated {
			return false
		}
	}
	return true
}

// Remaining returns the number of items still short of graduation.
func (s *Session) Remaining() int {
	remaining := 0
	for _, entry := range s.queue {
		if entry.phase != phaseGraduated {
			remaining++
		}
	}
	return remaining
}

// Position returns the item's current index in the session ordering, or -1.
func (s *Session) Position(itemID ItemID) int {
	for index, entry := range s.queue {
		if entry.itemID == itemID {
			return index
		}
	}
	return -1
}

// reinsert moves the entry triageOffset positions past its current slot,
// or to the end of the queue when the remainder is shorter than the offset.
func (s *Session) reinsert(entry *triageEntry) {
	current := -1
	for index, candidate := range s.queue {
		if candidate == entry {
			current = index
			break
		}
	}
	if current < 0 {
		return
	}

	s.queue = append(s.queue[:current], s.queue[current+1:]...)
	target := current + triageOffset
	if target > len(s.queue) {
		target = len(s.queue)
	}
	s.queue = append(s.queue, nil)
	copy(s.queue[target+1:], s.queue[target:])
	s.queue[target] = entry
}
