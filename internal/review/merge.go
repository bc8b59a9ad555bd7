package review

import "sort"

// The merge functions below are the CRDT heart of the engine. They are pure,
// total over any two valid inputs, and satisfy the three defining properties:
// commutative, associative, idempotent. Storage I/O lives in the Coordinator;
// nothing here touches a database.

// eventBefore reports the canonical total order over events:
// ascending (reviewed_at_ms, event_id). The id tie-break makes equal
// timestamps from different devices order identically everywhere.
func eventBefore(a, b ReviewEvent) bool {
	if a.ReviewedAtMillis != b.ReviewedAtMillis {
		return a.ReviewedAtMillis < b.ReviewedAtMillis
	}
	return a.EventID < b.EventID
}

// SortEvents orders events in place by the canonical (reviewed_at, id) order.
func SortEvents(events []ReviewEvent) {
	sort.Slice(events, func(i, j int) bool {
		return eventBefore(events[i], events[j])
	})
}

// MergeLogs unions two event logs keyed by event id and returns the result in
// canonical order. Duplicate ids collapse to one event, so merging the same
// remote log twice is a no-op.
func MergeLogs(local, remote []ReviewEvent) []ReviewEvent {
	seen := make(map[string]struct{}, len(local)+len(remote))
	merged := make([]ReviewEvent, 0, len(local)+len(remote))
	for _, event := range local {
		if _, ok := seen[event.EventID]; ok {
			continue
		}
		seen[event.EventID] = struct{}{}
		merged = append(merged, event)
	}
	for _, event := range remote {
		if _, ok := seen[event.EventID]; ok {
			continue
		}
		seen[event.EventID] = struct{}{}
		merged = append(merged, event)
	}
	SortEvents(merged)
	return merged
}

// ChangedItemIDs returns the item ids that gain at least one event from the
// incoming log that the local log does not already hold. Only these items
// need a replay after merging.
func ChangedItemIDs(local, incoming []ReviewEvent) map[string]struct{} {
	known := make(map[string]struct{}, len(local))
	for _, event := range local {
		known[event.EventID] = struct{}{}
	}
	changed := make(map[string]struct{})
	for _, event := range incoming {
		if _, ok := known[event.EventID]; ok {
			continue
		}
		changed[event.ItemID] = struct{}{}
	}
	return changed
}

// resolveStatus picks the LWW winner of the status pair. The strictly greater
// status_changed_at wins; on exact equality the lexicographically greater
// source device wins, so both replicas converge on the identical value.
// Derived fields are untouched here: they are always replay output.
func resolveStatus(local, remote WordState) (Status, int64, string) {
	switch {
	case remote.StatusChangedAtMillis > local.StatusChangedAtMillis:
		return remote.Status, remote.StatusChangedAtMillis, remote.StatusSourceDevice
	case remote.StatusChangedAtMillis < local.StatusChangedAtMillis:
		return local.Status, local.StatusChangedAtMillis, local.StatusSourceDevice
	case remote.StatusSourceDevice > local.StatusSourceDevice:
		return remote.Status, remote.StatusChangedAtMillis, remote.StatusSourceDevice
	default:
		return local.Status, local.StatusChangedAtMillis, local.StatusSourceDevice
	}
}

// MergeStates merges two state maps keyed by item id. For items present in
// both, the status pair resolves LWW via resolveStatus and the derived fields
// are taken from whichever side carries the higher review count, pending the
// authoritative replay the caller runs for changed items.
func MergeStates(local, remote map[string]WordState) map[string]WordState {
	merged := make(map[string]WordState, len(local)+len(remote))
	for itemID, state := range local {
		merged[itemID] = state
	}
	for itemID, remoteState := range remote {
		localState, ok := merged[itemID]
		if !ok {
			merged[itemID] = remoteState
			continue
		}
		winner := localState
		if remoteState.ReviewCount > localState.ReviewCount {
			winner = remoteState
		}
		winner.Status, winner.StatusChangedAtMillis, winner.StatusSourceDevice =
			resolveStatus(localState, remoteState)
		merged[itemID] = winner
	}
	return merged
}

// MergeTombstones unions two tombstone sets keyed by (user, item), keeping
// the earliest deletion time so the union is order-independent.
func MergeTombstones(local, remote []ItemTombstone) []ItemTombstone {
	byKey := make(map[string]ItemTombstone, len(local)+len(remote))
	for _, tombstone := range append(append([]ItemTombstone(nil), local...), remote...) {
		key := tombstone.UserID + "\x00" + tombstone.ItemID
		existing, ok := byKey[key]
		if !ok || tombstone.DeletedAtMillis < existing.DeletedAtMillis {
			byKey[key] = tombstone
		}
	}
	merged := make([]ItemTombstone, 0, len(byKey))
	for _, tombstone := range byKey {
		merged = append(merged, tombstone)
	}
	sort.Slice(merged, func(i, j int) bool {
		if merged[i].UserID != merged[j].UserID {
			return merged[i].UserID < merged[j].UserID
		}
		return merged[i].ItemID < merged[j].ItemID
	})
	return merged
}
