package review

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"

	"github.com/lexical-app/retention/internal/fsrs"
)

type staticIDGenerator struct {
	prefix string
	index  int
}

func (g *staticIDGenerator) NewID() (string, error) {
	g.index++
	return fmt.Sprintf("%s-%04d", g.prefix, g.index), nil
}

type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.now = c.now.Add(d)
}

type staticCatalog struct {
	known map[string]bool
}

func (c *staticCatalog) Exists(_ context.Context, itemID string) (bool, error) {
	return c.known[itemID], nil
}

func newTestCoordinator(t *testing.T, idPrefix string, clock *fakeClock) (*Coordinator, *gorm.DB) {
	t.Helper()

	dsn := fmt.Sprintf("file:retention_test_%s_%d?mode=memory&cache=shared", idPrefix, time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&ReviewEvent{}, &WordState{}, &ItemTombstone{}); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}

	catalog := &staticCatalog{known: map[string]bool{
		"word-ephemeral": true,
		"word-lucid":     true,
		"word-halcyon":   true,
	}}

	coordinator, err := NewCoordinator(CoordinatorConfig{
		Database:   db,
		Scheduler:  mustTestScheduler(t),
		Catalog:    catalog,
		Clock:      clock.Now,
		IDProvider: &staticIDGenerator{prefix: idPrefix},
	})
	if err != nil {
		t.Fatalf("failed to construct coordinator: %v", err)
	}
	return coordinator, db
}

func TestRecordReviewCreatesEventAndState(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1700000000, 0).UTC()}
	coordinator, db := newTestCoordinator(t, "deva", clock)
	userID := mustUserID(t, "user-1")

	state, err := coordinator.RecordReview(context.Background(), userID, ReviewRequest{
		ItemID:         mustItemID(t, "word-ephemeral"),
		Grade:          fsrs.Good,
		DurationMillis: 2400,
		Exposure:       fsrs.Explicit,
		Device:         mustDeviceID(t, "phone"),
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if state.Status != StatusLearning {
		t.Errorf("first review status = %s, want learning", state.Status)
	}
	if state.ReviewCount != 1 {
		t.Errorf("review count = %d, want 1", state.ReviewCount)
	}
	if state.Stability <= 0 {
		t.Errorf("stability = %v, want positive", state.Stability)
	}
	if state.NextDueAtMillis <= state.LastReviewedAtMillis {
		t.Errorf("next due %d not after last review %d", state.NextDueAtMillis, state.LastReviewedAtMillis)
	}

	var event ReviewEvent
	if err := db.First(&event).Error; err != nil {
		t.Fatalf("failed to load stored event: %v", err)
	}
	if event.ItemID != "word-ephemeral" || event.Grade != int(fsrs.Good) {
		t.Errorf("stored event mismatch: %+v", event)
	}
	if event.ElapsedDays != 0 {
		t.Errorf("first review elapsed days = %v, want 0", event.ElapsedDays)
	}
	if event.PriorStateKind != "New" {
		t.Errorf("prior state kind = %q, want New", event.PriorStateKind)
	}
}

func TestRecordReviewCapturesElapsedDays(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1700000000, 0).UTC()}
	coordinator, db := newTestCoordinator(t, "devb", clock)
	userID := mustUserID(t, "user-1")
	request := ReviewRequest{
		ItemID: mustItemID(t, "word-lucid"),
		Grade:  fsrs.Good,
		Device: mustDeviceID(t, "phone"),
	}

	if _, err := coordinator.RecordReview(context.Background(), userID, request); err != nil {
		t.Fatalf("first review: %v", err)
	}
	clock.Advance(48 * time.Hour)
	if _, err := coordinator.RecordReview(context.Background(), userID, request); err != nil {
		t.Fatalf("second review: %v", err)
	}

	var events []ReviewEvent
	if err := db.Order("reviewed_at_ms ASC").Find(&events).Error; err != nil {
		t.Fatalf("failed to load events: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(events))
	}
	if got := events[1].ElapsedDays; got < 1.99 || got > 2.01 {
		t.Errorf("second review elapsed days = %v, want ~2", got)
	}
	if events[1].PriorStateKind != "Learning" {
		t.Errorf("second review prior state = %q, want Learning", events[1].PriorStateKind)
	}
}

func TestRecordReviewRejectsInvalidGrade(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1700000000, 0).UTC()}
	coordinator, db := newTestCoordinator(t, "devc", clock)

	_, err := coordinator.RecordReview(context.Background(), mustUserID(t, "user-1"), ReviewRequest{
		ItemID: mustItemID(t, "word-lucid"),
		Grade:  fsrs.Grade(7),
		Device: mustDeviceID(t, "phone"),
	})
	if !errors.Is(err, fsrs.ErrInvalidGrade) {
		t.Fatalf("expected ErrInvalidGrade, got %v", err)
	}

	var count int64
	if err := db.Model(&ReviewEvent{}).Count(&count).Error; err != nil {
		t.Fatalf("count failed: %v", err)
	}
	if count != 0 {
		t.Fatal("no event may be written for a rejected grade")
	}
}

func TestRecordReviewRejectsUnknownItem(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1700000000, 0).UTC()}
	coordinator, _ := newTestCoordinator(t, "devd", clock)

	_, err := coordinator.RecordReview(context.Background(), mustUserID(t, "user-1"), ReviewRequest{
		ItemID: mustItemID(t, "word-unseeded"),
		Grade:  fsrs.Good,
		Device: mustDeviceID(t, "phone"),
	})
	if !errors.Is(err, ErrUnknownItem) {
		t.Fatalf("expected ErrUnknownItem, got %v", err)
	}
}

func TestRecordReviewToleratesUnthrottledImplicitExposure(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1700000000, 0).UTC()}
	coordinator, db := newTestCoordinator(t, "deve", clock)
	userID := mustUserID(t, "user-1")
	request := ReviewRequest{
		ItemID:   mustItemID(t, "word-lucid"),
		Grade:    fsrs.Good,
		Exposure: fsrs.Implicit,
		Device:   mustDeviceID(t, "reader"),
	}

	// The caller should throttle to one implicit exposure per day; if it
	// fails to, each call still produces another valid event.
	for i := 0; i < 3; i++ {
		if _, err := coordinator.RecordReview(context.Background(), userID, request); err != nil {
			t.Fatalf("implicit exposure %d: %v", i, err)
		}
	}

	var count int64
	if err := db.Model(&ReviewEvent{}).Count(&count).Error; err != nil {
		t.Fatalf("count failed: %v", err)
	}
	if count != 3 {
		t.Fatalf("expected 3 events, got %d", count)
	}
}

func TestDueItemsOrdersBySoonest(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1700000000, 0).UTC()}
	coordinator, _ := newTestCoordinator(t, "devf", clock)
	userID := mustUserID(t, "user-1")
	ctx := context.Background()

	// Again yields a much shorter interval than Easy.
	if _, err := coordinator.RecordReview(ctx, userID, ReviewRequest{
		ItemID: mustItemID(t, "word-ephemeral"), Grade: fsrs.Again, Device: mustDeviceID(t, "phone"),
	}); err != nil {
		t.Fatalf("review: %v", err)
	}
	if _, err := coordinator.RecordReview(ctx, userID, ReviewRequest{
		ItemID: mustItemID(t, "word-halcyon"), Grade: fsrs.Easy, Device: mustDeviceID(t, "phone"),
	}); err != nil {
		t.Fatalf("review: %v", err)
	}

	due, err := coordinator.DueItems(ctx, userID, clock.Now().Add(365*24*time.Hour))
	if err != nil {
		t.Fatalf("due items: %v", err)
	}
	if len(due) != 2 {
		t.Fatalf("expected 2 due items, got %d", len(due))
	}
	if due[0] != "word-ephemeral" {
		t.Errorf("soonest-due should be the failed item, got %s", due[0])
	}

	none, err := coordinator.DueItems(ctx, userID, clock.Now())
	if err != nil {
		t.Fatalf("due items: %v", err)
	}
	if len(none) != 0 {
		t.Errorf("nothing should be due immediately after review, got %v", none)
	}
}

func TestDeleteItemTombstonesAndCollapsesState(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1700000000, 0).UTC()}
	coordinator, db := newTestCoordinator(t, "devg", clock)
	userID := mustUserID(t, "user-1")
	itemID := mustItemID(t, "word-lucid")
	ctx := context.Background()

	if _, err := coordinator.RecordReview(ctx, userID, ReviewRequest{
		ItemID: itemID, Grade: fsrs.Good, Device: mustDeviceID(t, "phone"),
	}); err != nil {
		t.Fatalf("review: %v", err)
	}
	if err := coordinator.DeleteItem(ctx, userID, itemID, mustDeviceID(t, "phone")); err != nil {
		t.Fatalf("delete: %v", err)
	}

	state, err := coordinator.GetState(ctx, userID, itemID)
	if err != nil {
		t.Fatalf("get state: %v", err)
	}
	if state.ReviewCount != 0 || state.Stability != 0 {
		t.Errorf("deleted item state not virgin: %+v", state)
	}

	// Events survive deletion; only the tombstone excludes them from replay.
	var eventCount int64
	if err := db.Model(&ReviewEvent{}).Count(&eventCount).Error; err != nil {
		t.Fatalf("count failed: %v", err)
	}
	if eventCount != 1 {
		t.Errorf("events must never be deleted, got %d", eventCount)
	}

	if _, err := coordinator.RecordReview(ctx, userID, ReviewRequest{
		ItemID: itemID, Grade: fsrs.Good, Device: mustDeviceID(t, "phone"),
	}); !errors.Is(err, ErrItemDeleted) {
		t.Errorf("expected ErrItemDeleted for a tombstoned item, got %v", err)
	}
}

func TestSyncBidirectionalConvergence(t *testing.T) {
	// Device A applies [Good@t1, Again@t2]; device B applies [Hard@t3]
	// independently offline. After a bidirectional merge both replicas hold
	// the identical final state and the union of 3 events.
	baseTime := time.Unix(1700000000, 0).UTC()
	clockA := &fakeClock{now: baseTime}
	clockB := &fakeClock{now: baseTime}
	deviceA, dbA := newTestCoordinator(t, "synca", clockA)
	deviceB, dbB := newTestCoordinator(t, "syncb", clockB)
	userID := mustUserID(t, "user-1")
	itemID := mustItemID(t, "word-ephemeral")
	ctx := context.Background()

	if _, err := deviceA.RecordReview(ctx, userID, ReviewRequest{
		ItemID: itemID, Grade: fsrs.Good, Device: mustDeviceID(t, "device-a"),
	}); err != nil {
		t.Fatalf("A review 1: %v", err)
	}
	clockA.Advance(24 * time.Hour)
	if _, err := deviceA.RecordReview(ctx, userID, ReviewRequest{
		ItemID: itemID, Grade: fsrs.Again, Device: mustDeviceID(t, "device-a"),
	}); err != nil {
		t.Fatalf("A review 2: %v", err)
	}
	clockB.Advance(48 * time.Hour)
	if _, err := deviceB.RecordReview(ctx, userID, ReviewRequest{
		ItemID: itemID, Grade: fsrs.Hard, Device: mustDeviceID(t, "device-b"),
	}); err != nil {
		t.Fatalf("B review: %v", err)
	}

	batchA, err := deviceA.ExportBatch(ctx, userID, 0)
	if err != nil {
		t.Fatalf("export A: %v", err)
	}
	batchB, err := deviceB.ExportBatch(ctx, userID, 0)
	if err != nil {
		t.Fatalf("export B: %v", err)
	}

	if _, err := deviceA.ApplySyncBatch(ctx, userID, batchB); err != nil {
		t.Fatalf("apply B on A: %v", err)
	}
	if _, err := deviceB.ApplySyncBatch(ctx, userID, batchA); err != nil {
		t.Fatalf("apply A on B: %v", err)
	}

	for name, db := range map[string]*gorm.DB{"A": dbA, "B": dbB} {
		var count int64
		if err := db.Model(&ReviewEvent{}).Count(&count).Error; err != nil {
			t.Fatalf("count on %s: %v", name, err)
		}
		if count != 3 {
			t.Errorf("replica %s holds %d events, want union of 3", name, count)
		}
	}

	stateA, err := deviceA.GetState(ctx, userID, itemID)
	if err != nil {
		t.Fatalf("state A: %v", err)
	}
	stateB, err := deviceB.GetState(ctx, userID, itemID)
	if err != nil {
		t.Fatalf("state B: %v", err)
	}
	if stateA.Stability != stateB.Stability ||
		stateA.Difficulty != stateB.Difficulty ||
		stateA.Retrievability != stateB.Retrievability ||
		stateA.NextDueAtMillis != stateB.NextDueAtMillis ||
		stateA.ReviewCount != stateB.ReviewCount {
		t.Errorf("replicas diverged:\nA = %+v\nB = %+v", stateA, stateB)
	}
}

func TestApplySyncBatchIdempotent(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1700000000, 0).UTC()}
	coordinator, db := newTestCoordinator(t, "synci", clock)
	userID := mustUserID(t, "user-1")
	ctx := context.Background()

	batch := SyncBatch{Events: []ReviewEvent{
		testEvent("remote-e1", "word-ephemeral", fsrs.Good, clock.Now().UnixMilli(), 0),
	}}

	first, err := coordinator.ApplySyncBatch(ctx, userID, batch)
	if err != nil {
		t.Fatalf("first apply: %v", err)
	}
	if first.MergedEvents != 1 || first.DuplicateEvents != 0 {
		t.Fatalf("first apply outcome = %+v", first)
	}

	stateAfterFirst, err := coordinator.GetState(ctx, userID, mustItemID(t, "word-ephemeral"))
	if err != nil {
		t.Fatalf("state: %v", err)
	}

	second, err := coordinator.ApplySyncBatch(ctx, userID, batch)
	if err != nil {
		t.Fatalf("second apply: %v", err)
	}
	if second.MergedEvents != 0 || second.DuplicateEvents != 1 {
		t.Fatalf("second apply outcome = %+v", second)
	}

	stateAfterSecond, err := coordinator.GetState(ctx, userID, mustItemID(t, "word-ephemeral"))
	if err != nil {
		t.Fatalf("state: %v", err)
	}
	if stateAfterFirst != stateAfterSecond {
		t.Errorf("re-applying a merged batch changed state:\n%+v\n%+v",
			stateAfterFirst, stateAfterSecond)
	}

	var count int64
	if err := db.Model(&ReviewEvent{}).Count(&count).Error; err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 1 {
		t.Errorf("event count = %d after idempotent re-apply, want 1", count)
	}
}

func TestApplySyncBatchRejectsMalformedAtomically(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1700000000, 0).UTC()}
	coordinator, db := newTestCoordinator(t, "syncm", clock)
	userID := mustUserID(t, "user-1")

	batch := SyncBatch{Events: []ReviewEvent{
		testEvent("ok-e1", "word-ephemeral", fsrs.Good, 1000, 0),
		testEvent("bad-e2", "word-ephemeral", fsrs.Grade(9), 2000, 0),
	}}
	if _, err := coordinator.ApplySyncBatch(context.Background(), userID, batch); !errors.Is(err, ErrInvalidBatch) {
		t.Fatalf("expected ErrInvalidBatch, got %v", err)
	}

	var count int64
	if err := db.Model(&ReviewEvent{}).Count(&count).Error; err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 0 {
		t.Errorf("partial batch was applied: %d events stored", count)
	}
}

func TestApplySyncBatchResolvesStatusLWW(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1700000000, 0).UTC()}
	coordinator, _ := newTestCoordinator(t, "syncl", clock)
	userID := mustUserID(t, "user-1")
	itemID := mustItemID(t, "word-halcyon")
	ctx := context.Background()

	if _, err := coordinator.SetStatus(ctx, userID, itemID, StatusKnown, 36000000, mustDeviceID(t, "device-a")); err != nil {
		t.Fatalf("set status: %v", err)
	}

	batch := SyncBatch{States: []WordState{{
		ItemID:                itemID.String(),
		Status:                StatusNew,
		StatusChangedAtMillis: 36300000,
		StatusSourceDevice:    "device-b",
	}}}
	if _, err := coordinator.ApplySyncBatch(ctx, userID, batch); err != nil {
		t.Fatalf("apply: %v", err)
	}

	state, err := coordinator.GetState(ctx, userID, itemID)
	if err != nil {
		t.Fatalf("state: %v", err)
	}
	if state.Status != StatusNew || state.StatusChangedAtMillis != 36300000 {
		t.Errorf("LWW merge picked %s at %d, want new at 36300000",
			state.Status, state.StatusChangedAtMillis)
	}
}

func TestSetStatusOlderTimestampLoses(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1700000000, 0).UTC()}
	coordinator, _ := newTestCoordinator(t, "syncs", clock)
	userID := mustUserID(t, "user-1")
	itemID := mustItemID(t, "word-halcyon")
	ctx := context.Background()

	if _, err := coordinator.SetStatus(ctx, userID, itemID, StatusKnown, 5000, mustDeviceID(t, "device-a")); err != nil {
		t.Fatalf("set status: %v", err)
	}
	state, err := coordinator.SetStatus(ctx, userID, itemID, StatusLearning, 4000, mustDeviceID(t, "device-b"))
	if err != nil {
		t.Fatalf("set status: %v", err)
	}
	if state.Status != StatusKnown {
		t.Errorf("stale write overrode fresher status: %s", state.Status)
	}
}
