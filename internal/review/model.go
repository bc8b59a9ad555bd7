package review

import (
	"errors"
	"fmt"
	"strings"

	"github.com/lexical-app/retention/internal/fsrs"
)

// Status captures the user-facing learning status of a lexical item. Unlike
// the derived memory variables it represents a user intent with no replayable
// history, which is why it merges last-write-wins.
type Status string

const (
	// StatusNew marks an item the user has not started learning.
	StatusNew Status = "new"
	// StatusLearning marks an item in active study.
	StatusLearning Status = "learning"
	// StatusKnown marks an item the user considers mastered.
	StatusKnown Status = "known"
)

const maxIdentifierLength = 190

var (
	// ErrInvalidItemID indicates that an item identifier is empty or exceeds storage bounds.
	ErrInvalidItemID = errors.New("review: invalid item id")
	// ErrInvalidUserID indicates that a user identifier is empty or exceeds storage bounds.
	ErrInvalidUserID = errors.New("review: invalid user id")
	// ErrInvalidDeviceID indicates that a device identifier is empty or exceeds storage bounds.
	ErrInvalidDeviceID = errors.New("review: invalid device id")
	// ErrInvalidLogicalTime indicates that a logical timestamp value is not positive.
	ErrInvalidLogicalTime = errors.New("review: invalid logical timestamp")
	// ErrInvalidStatus indicates a status outside {new, learning, known}.
	ErrInvalidStatus = errors.New("review: invalid status")
)

// ItemID represents a validated lexical item identifier, stable across devices.
type ItemID string

// NewItemID validates raw input and returns an ItemID.
func NewItemID(rawInput string) (ItemID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidItemID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidItemID, maxIdentifierLength)
	}
	return ItemID(trimmed), nil
}

// String returns the underlying string identifier.
func (id ItemID) String() string {
	return string(id)
}

// UserID represents a validated user identifier.
type UserID string

// NewUserID validates raw input and returns a UserID.
func NewUserID(rawInput string) (UserID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidUserID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidUserID, maxIdentifierLength)
	}
	return UserID(trimmed), nil
}

// String returns the underlying string identifier.
func (id UserID) String() string {
	return string(id)
}

// DeviceID represents a validated originating-device identifier.
type DeviceID string

// NewDeviceID validates raw input and returns a DeviceID.
func NewDeviceID(rawInput string) (DeviceID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidDeviceID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidDeviceID, maxIdentifierLength)
	}
	return DeviceID(trimmed), nil
}

// String returns the underlying string identifier.
func (id DeviceID) String() string {
	return string(id)
}

// LogicalTime is a unix-millisecond logical clock value. Paired with the
// event id it totally orders reviews across devices.
type LogicalTime int64

// NewLogicalTime validates the value and returns a LogicalTime.
func NewLogicalTime(value int64) (LogicalTime, error) {
	if value <= 0 {
		return 0, fmt.Errorf("%w: %d", ErrInvalidLogicalTime, value)
	}
	return LogicalTime(value), nil
}

// Int64 exposes the raw unix-millisecond value.
func (ts LogicalTime) Int64() int64 {
	return int64(ts)
}

// ParseStatus validates raw input and returns a Status.
func ParseStatus(rawInput string) (Status, error) {
	switch Status(strings.ToLower(strings.TrimSpace(rawInput))) {
	case StatusNew:
		return StatusNew, nil
	case StatusLearning:
		return StatusLearning, nil
	case StatusKnown:
		return StatusKnown, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidStatus, rawInput)
	}
}

// ReviewEvent is one immutable review fact. Events are append-only: once
// created they are never mutated or deleted, only set-unioned during sync.
// Identity is by EventID.
type ReviewEvent struct {
	EventID          string  `gorm:"column:event_id;primaryKey;size:36;not null" json:"id"`
	UserID           string  `gorm:"column:user_id;size:190;not null;index:idx_events_user_item,priority:1" json:"user_id"`
	ItemID           string  `gorm:"column:item_id;size:190;not null;index:idx_events_user_item,priority:2" json:"item_id"`
	Grade            int     `gorm:"column:grade;not null" json:"grade"`
	ReviewedAtMillis int64   `gorm:"column:reviewed_at_ms;not null;index:idx_events_user_item,priority:3" json:"reviewed_at_ms"`
	ElapsedDays      float64 `gorm:"column:elapsed_days;not null" json:"elapsed_days"`
	PriorStateKind   string  `gorm:"column:prior_state_kind;size:16;not null" json:"prior_state_kind"`
	DurationMillis   int64   `gorm:"column:duration_ms;not null;default:0" json:"duration_ms"`
	DeviceID         string  `gorm:"column:device_id;size:190;not null" json:"device_id"`
	ExposureKind     string  `gorm:"column:exposure_kind;size:16;not null" json:"exposure_kind"`
}

// TableName provides the explicit table binding for GORM.
func (ReviewEvent) TableName() string {
	return "review_events"
}

// GradeValue returns the event's grade as an fsrs.Grade.
func (e ReviewEvent) GradeValue() fsrs.Grade {
	return fsrs.Grade(e.Grade)
}

// ExposureValue returns the event's exposure kind, defaulting to Explicit
// for unrecognized stored values.
func (e ReviewEvent) ExposureValue() fsrs.Exposure {
	var exposure fsrs.Exposure
	if err := exposure.UnmarshalText([]byte(e.ExposureKind)); err != nil {
		return fsrs.Explicit
	}
	return exposure
}

// WordState is the per-user, per-item mutable state. Only the status pair is
// LWW-merged; stability, difficulty, retrievability and the due date are
// replay output cached for query performance and are overwritten wholesale
// whenever the item's event set changes.
type WordState struct {
	UserID                string  `gorm:"column:user_id;primaryKey;size:190;not null;index:idx_states_user_due,priority:1" json:"user_id"`
	ItemID                string  `gorm:"column:item_id;primaryKey;size:190;not null" json:"item_id"`
	Status                Status  `gorm:"column:status;size:16;not null" json:"status"`
	StatusChangedAtMillis int64   `gorm:"column:status_changed_at_ms;not null" json:"status_changed_at_ms"`
	StatusSourceDevice    string  `gorm:"column:status_source_device;size:190;not null;default:''" json:"status_source_device"`
	StateKind             string  `gorm:"column:state_kind;size:16;not null;default:'New'" json:"state_kind"`
	Stability             float64 `gorm:"column:stability;not null;default:0" json:"stability"`
	Difficulty            float64 `gorm:"column:difficulty;not null;default:0" json:"difficulty"`
	Retrievability        float64 `gorm:"column:retrievability;not null;default:0" json:"retrievability"`
	NextDueAtMillis       int64   `gorm:"column:next_due_at_ms;not null;default:0;index:idx_states_user_due,priority:2" json:"next_due_at_ms"`
	LastReviewedAtMillis  int64   `gorm:"column:last_reviewed_at_ms;not null;default:0" json:"last_reviewed_at_ms"`
	ReviewCount           int     `gorm:"column:review_count;not null;default:0" json:"review_count"`
}

// TableName provides the explicit table binding for GORM.
func (WordState) TableName() string {
	return "word_states"
}

// ItemTombstone excludes a deleted item from replay without violating the
// append-only event invariant. Tombstones form their own grow-only set and
// merge by union.
type ItemTombstone struct {
	UserID          string `gorm:"column:user_id;primaryKey;size:190;not null" json:"user_id"`
	ItemID          string `gorm:"column:item_id;primaryKey;size:190;not null" json:"item_id"`
	DeletedAtMillis int64  `gorm:"column:deleted_at_ms;not null" json:"deleted_at_ms"`
	DeviceID        string `gorm:"column:device_id;size:190;not null" json:"device_id"`
}

// TableName provides the explicit table binding for GORM.
func (ItemTombstone) TableName() string {
	return "item_tombstones"
}
