package lexicon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

// SeedEntry is the on-disk shape of one vocabulary seed record. Rank may be
// omitted for lemmas outside the frequency list.
type SeedEntry struct {
	Lemma      string `json:"lemma"`
	Language   string `json:"language"`
	Rank       int    `json:"rank"`
	Definition string `json:"definition"`
	IPA        string `json:"ipa"`
}

// SeedReport summarizes an import pass.
type SeedReport struct {
	Imported int
	Skipped  int
}

// ImportSeedFile loads a JSON array of seed entries from disk and imports it.
func (c *Catalog) ImportSeedFile(ctx context.Context, path string) (SeedReport, error) {
	payload, err := os.ReadFile(path)
	if err != nil {
		c.logError(opImportSeed, "read_failed", err, zap.String("path", path))
		return SeedReport{}, newServiceError(opImportSeed, "read_failed", err)
	}
	var entries []SeedEntry
	if err := json.Unmarshal(payload, &entries); err != nil {
		c.logError(opImportSeed, "decode_failed", err, zap.String("path", path))
		return SeedReport{}, newServiceError(opImportSeed, "decode_failed", err)
	}
	return c.ImportSeed(ctx, entries)
}

// ImportSeed inserts seed entries that are not already present. Existing
// lemmas are left untouched so a re-import never clobbers local edits. The
// whole pass runs in one transaction.
func (c *Catalog) ImportSeed(ctx context.Context, entries []SeedEntry) (SeedReport, error) {
	report := SeedReport{}
	txErr := c.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for index, entry := range entries {
			item, err := itemFromSeed(entry)
			if err != nil {
				return fmt.Errorf("entry %d: %w", index, err)
			}

			var existing Item
			err = tx.Where("lemma = ?", item.Lemma).Take(&existing).Error
			if err == nil {
				report.Skipped++
				continue
			}
			if !errors.Is(err, gorm.ErrRecordNotFound) {
				return fmt.Errorf("entry %d: %w", index, err)
			}
			if err := tx.Create(&item).Error; err != nil {
				return fmt.Errorf("entry %d: %w", index, err)
			}
			report.Imported++
		}
		return nil
	})
	if txErr != nil {
		c.logError(opImportSeed, "import_failed", txErr)
		return SeedReport{}, newServiceError(opImportSeed, "import_failed", txErr)
	}
	return report, nil
}

func itemFromSeed(entry SeedEntry) (Item, error) {
	lemma := strings.TrimSpace(entry.Lemma)
	if lemma == "" {
		return Item{}, ErrEmptyLemma
	}
	language := strings.TrimSpace(entry.Language)
	if language == "" {
		language = "en"
	}
	rank := entry.Rank
	if rank <= 0 {
		rank = fallbackRank
	}
	return Item{
		Lemma:      lemma,
		Language:   language,
		Rank:       rank,
		Definition: entry.Definition,
		IPA:        entry.IPA,
	}, nil
}
