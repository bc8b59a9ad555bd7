package database

import (
	"path/filepath"
	"testing"

	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/lexical-app/retention/internal/review"
)

func TestApplyMigrationsBackfillsStatusTimestamps(testContext *testing.T) {
	tempDir := testContext.TempDir()
	databasePath := filepath.Join(tempDir, "migration.db")

	database, err := gorm.Open(sqlite.Open(databasePath), &gorm.Config{})
	if err != nil {
		testContext.Fatalf("failed to open sqlite: %v", err)
	}

	if err := database.AutoMigrate(&review.WordState{}, &migrationRecord{}); err != nil {
		testContext.Fatalf("failed to migrate schema: %v", err)
	}

	state := review.WordState{
		UserID:               "user-1",
		ItemID:               "word-1",
		Status:               review.StatusLearning,
		LastReviewedAtMillis: 1700000000000,
		ReviewCount:          3,
	}
	if err := database.Create(&state).Error; err != nil {
		testContext.Fatalf("failed to insert state: %v", err)
	}

	if err := applyMigrations(database, zap.NewNop()); err != nil {
		testContext.Fatalf("failed to apply migrations: %v", err)
	}

	var stored review.WordState
	if err := database.Where("user_id = ? AND item_id = ?", state.UserID, state.ItemID).Take(&stored).Error; err != nil {
		testContext.Fatalf("failed to reload state: %v", err)
	}
	if stored.StatusChangedAtMillis != state.LastReviewedAtMillis {
		testContext.Fatalf("expected status timestamp backfill, got %d", stored.StatusChangedAtMillis)
	}

	var record migrationRecord
	if err := database.Where("name = ?", migrationBackfillStatusChangeTimestamps).Take(&record).Error; err != nil {
		testContext.Fatalf("expected migration record to be created: %v", err)
	}
	if record.AppliedAtSeconds == 0 {
		testContext.Fatalf("expected migration timestamp to be set")
	}
}

func TestOpenSQLiteRequiresPath(testContext *testing.T) {
	if _, err := OpenSQLite("", zap.NewNop()); err == nil {
		testContext.Fatalf("expected error for empty path")
	}
}

func TestOpenSQLiteInitializesSchema(testContext *testing.T) {
	tempDir := testContext.TempDir()
	databasePath := filepath.Join(tempDir, "retention.db")

	database, err := OpenSQLite(databasePath, zap.NewNop())
	if err != nil {
		testContext.Fatalf("failed to open database: %v", err)
	}

	for _, table := range []string{"review_events", "word_states", "item_tombstones", "lexical_items", "devices", "db_migrations"} {
		if !database.Migrator().HasTable(table) {
			testContext.Fatalf("expected table %s to exist", table)
		}
	}
}
