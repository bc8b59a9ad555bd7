package review

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/lexical-app/retention/internal/fsrs"
)

// SyncBatch is a complete, flat snapshot slice from a remote replica:
// review events (G-Set entries), word-state snapshots (LWW candidates) and
// item tombstones. The transport that delivers it is not our concern; the
// batch only has to be complete and uncorrupted.
type SyncBatch struct {
	Events     []ReviewEvent   `json:"events"`
	States     []WordState     `json:"states"`
	Tombstones []ItemTombstone `json:"tombstones"`
}

// SyncOutcome summarizes one applied batch.
type SyncOutcome struct {
	MergedEvents    int
	DuplicateEvents int
	ChangedItemIDs  []ItemID
}

// ApplySyncBatch merges a remote batch into local storage inside a single
// transaction: event-set union deduplicated by id, tombstone union, LWW
// status resolution, then a full replay for every item whose event set
// gained at least one event. The transaction makes the merge atomic per
// batch — a storage failure rolls the whole batch back, and because the
// union is idempotent the caller can simply retry it.
func (c *Coordinator) ApplySyncBatch(ctx context.Context, userID UserID, batch SyncBatch) (SyncOutcome, error) {
	if err := validateBatch(batch); err != nil {
		return SyncOutcome{}, newServiceError(opApplySyncBatch, "invalid_batch", err)
	}

	outcome := SyncOutcome{}
	txErr := c.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		changed := make(map[string]struct{})

		for _, incoming := range batch.Events {
			var existing ReviewEvent
			err := tx.Where("event_id = ?", incoming.EventID).Take(&existing).Error
			if err == nil {
				outcome.DuplicateEvents++
				continue
			}
			if !errors.Is(err, gorm.ErrRecordNotFound) {
				return newServiceError(opApplySyncBatch, "event_lookup_failed", err)
			}
			event := incoming
			event.UserID = userID.String()
			if err := tx.Create(&event).Error; err != nil {
				return newServiceError(opApplySyncBatch, "event_insert_failed", err)
			}
			outcome.MergedEvents++
			changed[event.ItemID] = struct{}{}
		}

		for _, incoming := range batch.Tombstones {
			if err := c.mergeTombstone(tx, userID, incoming); err != nil {
				return newServiceError(opApplySyncBatch, "tombstone_merge_failed", err)
			}
			changed[incoming.ItemID] = struct{}{}
		}

		for _, incoming := range batch.States {
			if err := c.mergeStateSnapshot(tx, userID, incoming); err != nil {
				return err
			}
		}

		for itemID := range changed {
			if err := c.replayItem(tx, userID, ItemID(itemID)); err != nil {
				return err
			}
			outcome.ChangedItemIDs = append(outcome.ChangedItemIDs, ItemID(itemID))
		}
		return nil
	})
	if txErr != nil {
		c.logError(opApplySyncBatch, "transaction_failed", txErr,
			zap.String("user_id", userID.String()))
		return SyncOutcome{}, txErr
	}
	return outcome, nil
}

// ExportBatch assembles the local replica's batch for a peer. Events are
// filtered to those recorded strictly after sinceMillis; states and
// tombstones ship whole, since both merge idempotently on the far side.
func (c *Coordinator) ExportBatch(ctx context.Context, userID UserID, sinceMillis int64) (SyncBatch, error) {
	batch := SyncBatch{}
	db := c.db.WithContext(ctx)

	err := db.Where("user_id = ? AND reviewed_at_ms > ?", userID.String(), sinceMillis).
		Order("reviewed_at_ms ASC, event_id ASC").
		Find(&batch.Events).Error
	if err != nil {
		c.logError(opExportBatch, "event_query_failed", err)
		return SyncBatch{}, newServiceError(opExportBatch, "event_query_failed", err)
	}

	if err := db.Where("user_id = ?", userID.String()).Find(&batch.States).Error; err != nil {
		c.logError(opExportBatch, "state_query_failed", err)
		return SyncBatch{}, newServiceError(opExportBatch, "state_query_failed", err)
	}

	if err := db.Where("user_id = ?", userID.String()).Find(&batch.Tombstones).Error; err != nil {
		c.logError(opExportBatch, "tombstone_query_failed", err)
		return SyncBatch{}, newServiceError(opExportBatch, "tombstone_query_failed", err)
	}

	return batch, nil
}

// validateBatch rejects malformed records before anything is written. The
// merge itself is total over valid logs; only shape errors can fail it.
func validateBatch(batch SyncBatch) error {
	for _, event := range batch.Events {
		if event.EventID == "" {
			return fmt.Errorf("%w: event with empty id", ErrInvalidBatch)
		}
		if event.ItemID == "" {
			return fmt.Errorf("%w: event %s has empty item id", ErrInvalidBatch, event.EventID)
		}
		if !fsrs.Grade(event.Grade).IsValid() {
			return fmt.Errorf("%w: event %s has grade %d", ErrInvalidBatch, event.EventID, event.Grade)
		}
		if event.ReviewedAtMillis <= 0 {
			return fmt.Errorf("%w: event %s has timestamp %d", ErrInvalidBatch, event.EventID, event.ReviewedAtMillis)
		}
	}
	for _, state := range batch.States {
		if state.ItemID == "" {
			return fmt.Errorf("%w: state snapshot with empty item id", ErrInvalidBatch)
		}
		if _, err := ParseStatus(string(state.Status)); err != nil {
			return fmt.Errorf("%w: state %s: %v", ErrInvalidBatch, state.ItemID, err)
		}
	}
	for _, tombstone := range batch.Tombstones {
		if tombstone.ItemID == "" {
			return fmt.Errorf("%w: tombstone with empty item id", ErrInvalidBatch)
		}
	}
	return nil
}

func (c *Coordinator) mergeTombstone(tx *gorm.DB, userID UserID, incoming ItemTombstone) error {
	var existing ItemTombstone
	err := tx.Where("user_id = ? AND item_id = ?", userID.String(), incoming.ItemID).
		Take(&existing).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		tombstone := incoming
		tombstone.UserID = userID.String()
		return tx.Create(&tombstone).Error
	}
	if err != nil {
		return err
	}
	// Keep the earliest deletion so the union is order-independent.
	if incoming.DeletedAtMillis < existing.DeletedAtMillis {
		existing.DeletedAtMillis = incoming.DeletedAtMillis
		existing.DeviceID = incoming.DeviceID
		return tx.Save(&existing).Error
	}
	return nil
}

func (c *Coordinator) mergeStateSnapshot(tx *gorm.DB, userID UserID, incoming WordState) error {
	existing, found, err := c.lockState(tx, userID, ItemID(incoming.ItemID))
	if err != nil {
		return newServiceError(opApplySyncBatch, "state_select_failed", err)
	}
	if !found {
		state := incoming
		state.UserID = userID.String()
		if err := tx.Create(&state).Error; err != nil {
			return newServiceError(opApplySyncBatch, "state_insert_failed", err)
		}
		return nil
	}
	existing.Status, existing.StatusChangedAtMillis, existing.StatusSourceDevice =
		resolveStatus(existing, incoming)
	if err := tx.Save(&existing).Error; err != nil {
		return newServiceError(opApplySyncBatch, "state_save_failed", err)
	}
	return nil
}

// replayItem rebuilds the item's derived state from its full merged event
// history and overwrites the cached fields. Tombstoned items collapse to
// the virgin default regardless of surviving events.
func (c *Coordinator) replayItem(tx *gorm.DB, userID UserID, itemID ItemID) error {
	state, found, err := c.lockState(tx, userID, itemID)
	if err != nil {
		return newServiceError(opApplySyncBatch, "state_select_failed", err)
	}
	if !found {
		state = WordState{
			UserID: userID.String(),
			ItemID: itemID.String(),
			Status: StatusLearning,
		}
	}

	tombstoned, err := c.isTombstoned(tx, userID, itemID)
	if err != nil {
		return newServiceError(opApplySyncBatch, "tombstone_lookup_failed", err)
	}

	if tombstoned {
		applyMemory(&state, fsrs.MemoryState{State: fsrs.StateNew}, 0, c.scheduler)
		if err := tx.Save(&state).Error; err != nil {
			return newServiceError(opApplySyncBatch, "state_save_failed", err)
		}
		return nil
	}

	events, err := c.loadItemEvents(tx, userID, itemID)
	if err != nil {
		return newServiceError(opApplySyncBatch, "event_query_failed", err)
	}

	result := Replay(c.scheduler, events)
	if result.Clamped {
		c.loggerOrDefault().Warn("replay produced out-of-range memory state",
			zap.String("operation", opApplySyncBatch),
			zap.String("user_id", userID.String()),
			zap.String("item_id", itemID.String()))
	}

	lastReviewedAt := int64(0)
	if len(events) > 0 {
		ordered := make([]ReviewEvent, len(events))
		copy(ordered, events)
		SortEvents(ordered)
		lastReviewedAt = ordered[len(ordered)-1].ReviewedAtMillis
	}
	applyMemory(&state, result.State, lastReviewedAt, c.scheduler)
	if state.StatusChangedAtMillis == 0 && lastReviewedAt > 0 {
		state.StatusChangedAtMillis = lastReviewedAt
	}
	if err := tx.Save(&state).Error; err != nil {
		return newServiceError(opApplySyncBatch, "state_save_failed", err)
	}
	return nil
}
