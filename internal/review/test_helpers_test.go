package review

import (
	"testing"

	"github.com/lexical-app/retention/internal/fsrs"
)

func mustUserID(t *testing.T, value string) UserID {
	t.Helper()
	id, err := NewUserID(value)
	if err != nil {
		t.Fatalf("unexpected user id error: %v", err)
	}
	return id
}

func mustItemID(t *testing.T, value string) ItemID {
	t.Helper()
	id, err := NewItemID(value)
	if err != nil {
		t.Fatalf("unexpected item id error: %v", err)
	}
	return id
}

func mustDeviceID(t *testing.T, value string) DeviceID {
	t.Helper()
	id, err := NewDeviceID(value)
	if err != nil {
		t.Fatalf("unexpected device id error: %v", err)
	}
	return id
}

func mustTestScheduler(t *testing.T) *fsrs.Scheduler {
	t.Helper()
	scheduler, err := fsrs.NewScheduler(fsrs.SchedulerConfig{})
	if err != nil {
		t.Fatalf("unexpected scheduler error: %v", err)
	}
	return scheduler
}

func testEvent(id, itemID string, grade fsrs.Grade, reviewedAtMillis int64, elapsedDays float64) ReviewEvent {
	return ReviewEvent{
		EventID:          id,
		UserID:           "user-1",
		ItemID:           itemID,
		Grade:            int(grade),
		ReviewedAtMillis: reviewedAtMillis,
		ElapsedDays:      elapsedDays,
		PriorStateKind:   "New",
		DeviceID:         "device-a",
		ExposureKind:     "Explicit",
	}
}
