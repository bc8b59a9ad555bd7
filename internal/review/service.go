package review

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/lexical-app/retention/internal/fsrs"
)

var (
	errMissingDatabase   = errors.New("database handle is required")
	errMissingScheduler  = errors.New("scheduler is required")
	errMissingIDProvider = errors.New("id provider is required")
	noOpLogger           = zap.NewNop()

	// ErrUnknownItem indicates a review for an item with no lexical definition.
	ErrUnknownItem = errors.New("review: unknown item")
	// ErrItemDeleted indicates the item has been tombstoned for this user.
	ErrItemDeleted = errors.New("review: item deleted")
	// ErrStateNotFound indicates no word state exists for the item yet.
	ErrStateNotFound = errors.New("review: state not found")
	// ErrInvalidBatch indicates a sync batch containing malformed records.
	// The whole batch is rejected; merge is atomic per batch or not at all.
	ErrInvalidBatch = errors.New("review: invalid sync batch")
)

// ServiceError carries an operation.reason code alongside the cause.
type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

func (e *ServiceError) Code() string {
	return e.code
}

const (
	opCoordinatorNew = "review.coordinator.new"
	opRecordReview   = "review.record_review"
	opSetStatus      = "review.set_status"
	opDeleteItem     = "review.delete_item"
	opGetState       = "review.get_state"
	opDueItems       = "review.due_items"
	opEasyVelocity   = "review.easy_velocity"
	opApplySyncBatch = "review.apply_sync_batch"
	opExportBatch    = "review.export_batch"
)

func newServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}

// IDProvider issues globally unique event identifiers.
type IDProvider interface {
	NewID() (string, error)
}

// ItemCatalog answers whether a lexical item exists. The lexicon package
// provides the production implementation.
type ItemCatalog interface {
	Exists(ctx context.Context, itemID string) (bool, error)
}

// CoordinatorConfig describes the dependencies of the review coordinator.
type CoordinatorConfig struct {
	Database   *gorm.DB
	Scheduler  *fsrs.Scheduler
	Catalog    ItemCatalog
	Clock      func() time.Time
	IDProvider IDProvider
	Logger     *zap.Logger
}

// Coordinator is the single writer of word state. Every entry point — review
// UI, widgets, implicit-exposure readers, sync — funnels through it, which
// serializes the replay-then-overwrite read-modify-write per transaction.
type Coordinator struct {
	db         *gorm.DB
	scheduler  *fsrs.Scheduler
	catalog    ItemCatalog
	clock      func() time.Time
	idProvider IDProvider
	logger     *zap.Logger
}

// NewCoordinator constructs the coordinator.
func NewCoordinator(cfg CoordinatorConfig) (*Coordinator, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opCoordinatorNew, "missing_database", errMissingDatabase)
	}
	if cfg.Scheduler == nil {
		return nil, newServiceError(opCoordinatorNew, "missing_scheduler", errMissingScheduler)
	}
	if cfg.IDProvider == nil {
		return nil, newServiceError(opCoordinatorNew, "missing_id_provider", errMissingIDProvider)
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}

	return &Coordinator{
		db:         cfg.Database,
		scheduler:  cfg.Scheduler,
		catalog:    cfg.Catalog,
		clock:      clock,
		idProvider: cfg.IDProvider,
		logger:     logger,
	}, nil
}

// ReviewRequest describes one grading action from the write path.
type ReviewRequest struct {
	ItemID         ItemID
	Grade          fsrs.Grade
	DurationMillis int64
	Exposure       fsrs.Exposure
	Device         DeviceID
}

// RecordReview appends one review event, advances the cached memory state
// optimistically with a single scheduler step, and returns the new word
// state. Invalid grades never reach the scheduler.
func (c *Coordinator) RecordReview(ctx context.Context, userID UserID, request ReviewRequest) (WordState, error) {
	if !request.Grade.IsValid() {
		return WordState{}, newServiceError(opRecordReview, "invalid_grade",
			fmt.Errorf("%w: %d", fsrs.ErrInvalidGrade, int(request.Grade)))
	}
	exposure := request.Exposure
	if exposure == 0 {
		exposure = fsrs.Explicit
	}
	if !exposure.IsValid() {
		return WordState{}, newServiceError(opRecordReview, "invalid_exposure",
			fmt.Errorf("%w: %d", fsrs.ErrInvalidExposure, int(request.Exposure)))
	}

	if c.catalog != nil {
		known, err := c.catalog.Exists(ctx, request.ItemID.String())
		if err != nil {
			c.logError(opRecordReview, "catalog_lookup_failed", err,
				zap.String("item_id", request.ItemID.String()))
			return WordState{}, newServiceError(opRecordReview, "catalog_lookup_failed", err)
		}
		if !known {
			return WordState{}, newServiceError(opRecordReview, "unknown_item",
				fmt.Errorf("%w: %s", ErrUnknownItem, request.ItemID))
		}
	}

	var updated WordState
	txErr := c.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if tombstoned, err := c.isTombstoned(tx, userID, request.ItemID); err != nil {
			return newServiceError(opRecordReview, "tombstone_lookup_failed", err)
		} else if tombstoned {
			return newServiceError(opRecordReview, "item_deleted",
				fmt.Errorf("%w: %s", ErrItemDeleted, request.ItemID))
		}

		existing, found, err := c.lockState(tx, userID, request.ItemID)
		if err != nil {
			return newServiceError(opRecordReview, "state_select_failed", err)
		}

		now := c.clock().UTC()
		reviewedAt := now.UnixMilli()
		elapsedDays := 0.0
		if found && existing.LastReviewedAtMillis > 0 {
			if reviewedAt <= existing.LastReviewedAtMillis {
				// Logical clock: never let a review sort before the one it follows.
				reviewedAt = existing.LastReviewedAtMillis + 1
			}
			elapsedDays = float64(reviewedAt-existing.LastReviewedAtMillis) / millisPerDay
		}

		var prev *fsrs.MemoryState
		priorKind := fsrs.StateNew
		if found && existing.ReviewCount > 0 {
			memory := memoryFromState(existing)
			prev = &memory
			priorKind = memory.State
		}

		eventID, err := c.idProvider.NewID()
		if err != nil {
			return newServiceError(opRecordReview, "id_generation_failed", err)
		}
		exposureText, _ := exposure.MarshalText()
		priorText, _ := priorKind.MarshalText()
		event := ReviewEvent{
			EventID:          eventID,
			UserID:           userID.String(),
			ItemID:           request.ItemID.String(),
			Grade:            int(request.Grade),
			ReviewedAtMillis: reviewedAt,
			ElapsedDays:      elapsedDays,
			PriorStateKind:   string(priorText),
			DurationMillis:   request.DurationMillis,
			DeviceID:         request.Device.String(),
			ExposureKind:     string(exposureText),
		}
		if err := tx.Create(&event).Error; err != nil {
			return newServiceError(opRecordReview, "event_insert_failed", err)
		}

		next := c.scheduler.Step(prev, elapsedDays, request.Grade, exposure)

		state := existing
		if !found {
			state = WordState{
				UserID:                userID.String(),
				ItemID:                request.ItemID.String(),
				Status:                StatusLearning,
				StatusChangedAtMillis: reviewedAt,
				StatusSourceDevice:    request.Device.String(),
			}
		}
		applyMemory(&state, next, reviewedAt, c.scheduler)
		if err := tx.Save(&state).Error; err != nil {
			return newServiceError(opRecordReview, "state_save_failed", err)
		}
		updated = state
		return nil
	})
	if txErr != nil {
		c.logError(opRecordReview, "transaction_failed", txErr,
			zap.String("user_id", userID.String()),
			zap.String("item_id", request.ItemID.String()))
		return WordState{}, txErr
	}
	return updated, nil
}

// SetStatus records a user intent about an item's status. The supplied
// logical timestamp becomes the LWW arbiter during merges.
func (c *Coordinator) SetStatus(ctx context.Context, userID UserID, itemID ItemID, status Status, changedAt LogicalTime, device DeviceID) (WordState, error) {
	if _, err := ParseStatus(string(status)); err != nil {
		return WordState{}, newServiceError(opSetStatus, "invalid_status", err)
	}

	var updated WordState
	txErr := c.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		existing, found, err := c.lockState(tx, userID, itemID)
		if err != nil {
			return newServiceError(opSetStatus, "state_select_failed", err)
		}
		state := existing
		if !found {
			state = WordState{
				UserID: userID.String(),
				ItemID: itemID.String(),
				Status: StatusNew,
			}
		}
		incoming := WordState{
			Status:                status,
			StatusChangedAtMillis: changedAt.Int64(),
			StatusSourceDevice:    device.String(),
		}
		state.Status, state.StatusChangedAtMillis, state.StatusSourceDevice =
			resolveStatus(state, incoming)
		if err := tx.Save(&state).Error; err != nil {
			return newServiceError(opSetStatus, "state_save_failed", err)
		}
		updated = state
		return nil
	})
	if txErr != nil {
		c.logError(opSetStatus, "transaction_failed", txErr,
			zap.String("user_id", userID.String()),
			zap.String("item_id", itemID.String()))
		return WordState{}, txErr
	}
	return updated, nil
}

// DeleteItem tombstones the item for this user. Events are never deleted;
// the tombstone excludes them from replay and the cached state collapses to
// the virgin default.
func (c *Coordinator) DeleteItem(ctx context.Context, userID UserID, itemID ItemID, device DeviceID) error {
	txErr := c.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		now := c.clock().UTC().UnixMilli()
		tombstone := ItemTombstone{
			UserID:          userID.String(),
			ItemID:          itemID.String(),
			DeletedAtMillis: now,
			DeviceID:        device.String(),
		}
		if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&tombstone).Error; err != nil {
			return newServiceError(opDeleteItem, "tombstone_insert_failed", err)
		}

		state, found, err := c.lockState(tx, userID, itemID)
		if err != nil {
			return newServiceError(opDeleteItem, "state_select_failed", err)
		}
		if !found {
			return nil
		}
		applyMemory(&state, fsrs.MemoryState{State: fsrs.StateNew}, 0, c.scheduler)
		state.Status = StatusNew
		state.StatusChangedAtMillis = now
		state.StatusSourceDevice = device.String()
		if err := tx.Save(&state).Error; err != nil {
			return newServiceError(opDeleteItem, "state_save_failed", err)
		}
		return nil
	})
	if txErr != nil {
		c.logError(opDeleteItem, "transaction_failed", txErr,
			zap.String("user_id", userID.String()),
			zap.String("item_id", itemID.String()))
	}
	return txErr
}

// GetState returns the cached word state for the item.
func (c *Coordinator) GetState(ctx context.Context, userID UserID, itemID ItemID) (WordState, error) {
	var state WordState
	err := c.db.WithContext(ctx).
		Where("user_id = ? AND item_id = ?", userID.String(), itemID.String()).
		Take(&state).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return WordState{}, newServiceError(opGetState, "not_found",
			fmt.Errorf("%w: %s", ErrStateNotFound, itemID))
	}
	if err != nil {
		c.logError(opGetState, "query_failed", err, zap.String("item_id", itemID.String()))
		return WordState{}, newServiceError(opGetState, "query_failed", err)
	}
	return state, nil
}

// DueItems returns the ids of items due for review at asOf, soonest first.
func (c *Coordinator) DueItems(ctx context.Context, userID UserID, asOf time.Time) ([]ItemID, error) {
	var states []WordState
	err := c.db.WithContext(ctx).
		Where("user_id = ? AND review_count > 0 AND next_due_at_ms > 0 AND next_due_at_ms <= ?",
			userID.String(), asOf.UnixMilli()).
		Order("next_due_at_ms ASC, item_id ASC").
		Find(&states).Error
	if err != nil {
		c.logError(opDueItems, "query_failed", err, zap.String("user_id", userID.String()))
		return nil, newServiceError(opDueItems, "query_failed", err)
	}
	due := make([]ItemID, 0, len(states))
	for _, state := range states {
		due = append(due, ItemID(state.ItemID))
	}
	return due, nil
}

// ItemEasyVelocity computes the EWMA Easy-grade frequency for rank-promotion
// and engagement consumers. Read-only projection over the event log.
func (c *Coordinator) ItemEasyVelocity(ctx context.Context, userID UserID, itemID ItemID, halfLifeDays float64) (float64, error) {
	events, err := c.loadItemEvents(c.db.WithContext(ctx), userID, itemID)
	if err != nil {
		c.logError(opEasyVelocity, "query_failed", err, zap.String("item_id", itemID.String()))
		return 0, newServiceError(opEasyVelocity, "query_failed", err)
	}
	return EasyVelocity(events, c.clock().UTC().UnixMilli(), halfLifeDays), nil
}

func (c *Coordinator) lockState(tx *gorm.DB, userID UserID, itemID ItemID) (WordState, bool, error) {
	var state WordState
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("user_id = ? AND item_id = ?", userID.String(), itemID.String()).
		Take(&state).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return WordState{}, false, nil
	}
	if err != nil {
		return WordState{}, false, err
	}
	return state, true, nil
}

func (c *Coordinator) isTombstoned(tx *gorm.DB, userID UserID, itemID ItemID) (bool, error) {
	var tombstone ItemTombstone
	err := tx.Where("user_id = ? AND item_id = ?", userID.String(), itemID.String()).
		Take(&tombstone).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (c *Coordinator) loadItemEvents(tx *gorm.DB, userID UserID, itemID ItemID) ([]ReviewEvent, error) {
	var events []ReviewEvent
	err := tx.Where("user_id = ? AND item_id = ?", userID.String(), itemID.String()).
		Order("reviewed_at_ms ASC, event_id ASC").
		Find(&events).Error
	if err != nil {
		return nil, err
	}
	return events, nil
}

// memoryFromState rebuilds the scheduler input from cached word-state fields.
func memoryFromState(state WordState) fsrs.MemoryState {
	var kind fsrs.CardState
	if err := kind.UnmarshalText([]byte(state.StateKind)); err != nil {
		kind = fsrs.StateNew
	}
	return fsrs.MemoryState{
		State:          kind,
		Stability:      state.Stability,
		Difficulty:     state.Difficulty,
		Retrievability: state.Retrievability,
		Reviews:        state.ReviewCount,
	}
}

// applyMemory overwrites the derived word-state fields from scheduler output.
// The due date solves the retrievability curve for the configured retention.
func applyMemory(state *WordState, memory fsrs.MemoryState, reviewedAtMillis int64, scheduler *fsrs.Scheduler) {
	kindText, _ := memory.State.MarshalText()
	state.StateKind = string(kindText)
	state.Stability = memory.Stability
	state.Difficulty = memory.Difficulty
	state.Retrievability = memory.Retrievability
	state.ReviewCount = memory.Reviews
	state.LastReviewedAtMillis = reviewedAtMillis
	if memory.Reviews == 0 || reviewedAtMillis == 0 {
		state.NextDueAtMillis = 0
		state.LastReviewedAtMillis = 0
		return
	}
	intervalDays := scheduler.Interval(memory.Stability)
	state.NextDueAtMillis = reviewedAtMillis + int64(intervalDays)*millisPerDay
}

func (c *Coordinator) loggerOrDefault() *zap.Logger {
	if c == nil || c.logger == nil {
		return noOpLogger
	}
	return c.logger
}

func (c *Coordinator) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	c.loggerOrDefault().Error("review coordinator error", attrs...)
}
