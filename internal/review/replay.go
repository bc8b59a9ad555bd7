package review

import "github.com/lexical-app/retention/internal/fsrs"

// ReplayResult carries the memory state rebuilt from an event history plus a
// defensive flag set when the scheduler produced a value outside its own
// invariants and the result had to be clamped.
type ReplayResult struct {
	State   fsrs.MemoryState
	Clamped bool
}

// Replay folds the scheduler step function over the item's full event
// history, starting from the virgin state. Events are sorted into the
// canonical (reviewed_at, id) order and deduplicated by id first, so callers
// may pass the raw union of any number of device logs. Each event's stored
// elapsed_days and grade are used as-is; deltas are never recomputed, so a
// late-arriving remote event with an earlier timestamp cannot shift the
// math of the events around it.
//
// Replay is pure and re-entrant: the input slice is not mutated and the same
// input always yields the identical result.
func Replay(scheduler *fsrs.Scheduler, events []ReviewEvent) ReplayResult {
	ordered := make([]ReviewEvent, len(events))
	copy(ordered, events)
	SortEvents(ordered)

	var state *fsrs.MemoryState
	seen := make(map[string]struct{}, len(ordered))
	for _, event := range ordered {
		if _, ok := seen[event.EventID]; ok {
			continue
		}
		seen[event.EventID] = struct{}{}
		next := scheduler.Step(state, event.ElapsedDays, event.GradeValue(), event.ExposureValue())
		state = &next
	}

	if state == nil {
		// No surviving events: the virgin default.
		return ReplayResult{State: fsrs.MemoryState{State: fsrs.StateNew}}
	}
	return clampReplayState(*state)
}

// clampReplayState enforces the scheduler invariants on replay output.
// An out-of-range value indicates a scheduler bug; it is clamped rather than
// propagated because a poisoned memory state would corrupt every downstream
// due date for the user.
func clampReplayState(state fsrs.MemoryState) ReplayResult {
	clamped := false
	if state.Difficulty < 1 {
		state.Difficulty = 1
		clamped = true
	}
	if state.Difficulty > 10 {
		state.Difficulty = 10
		clamped = true
	}
	if state.Stability <= 0 {
		state.Stability = 0.01
		clamped = true
	}
	return ReplayResult{State: state, Clamped: clamped}
}
