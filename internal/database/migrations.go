package database

import (
	"errors"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/lexical-app/retention/internal/review"
)

const migrationBackfillStatusChangeTimestamps = "2026-07-21_backfill_status_change_timestamps"

type migrationRecord struct {
	Name             string `gorm:"column:name;primaryKey;size:190;not null"`
	AppliedAtSeconds int64  `gorm:"column:applied_at_s;not null"`
}

func (migrationRecord) TableName() string {
	return "db_migrations"
}

type migrationDefinition struct {
	name  string
	apply func(*gorm.DB) error
}

func applyMigrations(db *gorm.DB, logger *zap.Logger) error {
	migrations := []migrationDefinition{
		{name: migrationBackfillStatusChangeTimestamps, apply: backfillStatusChangeTimestamps},
	}

	for _, migration := range migrations {
		var record migrationRecord
		err := db.Where("name = ?", migration.name).Take(&record).Error
		if err == nil {
			continue
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		if err := migration.apply(db); err != nil {
			return err
		}
		appliedAt := time.Now().UTC().Unix()
		if err := db.Create(&migrationRecord{Name: migration.name, AppliedAtSeconds: appliedAt}).Error; err != nil {
			return err
		}
		if logger != nil {
			logger.Info("database migration applied", zap.String("migration", migration.name))
		}
	}
	return nil
}

// Early builds stamped status transitions only on explicit status writes,
// leaving reviewed items with a zero status_changed_at_ms that always lost
// LWW merges. Backfill from the last review timestamp.
func backfillStatusChangeTimestamps(db *gorm.DB) error {
	return db.Model(&review.WordState{}).
		Where("status_changed_at_ms = 0 AND last_reviewed_at_ms > 0").
		Update("status_changed_at_ms", gorm.Expr("last_reviewed_at_ms")).Error
}
