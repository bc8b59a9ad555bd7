package lexicon

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	errMissingDatabase = errors.New("database handle is required")
	noOpLogger         = zap.NewNop()
)

const (
	opCatalogNew = "lexicon.catalog.new"
	opExists     = "lexicon.exists"
	opGet        = "lexicon.get"
	opListByRank = "lexicon.list_by_rank"
	opImportSeed = "lexicon.import_seed"
)

// ServiceError mirrors the shared service error shape: a stable
// "operation.reason" code wrapping the underlying cause.
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

func newServiceError(operation, reason string, cause error) error {
	return &ServiceError{code: fmt.Sprintf("%s.%s", operation, reason), err: cause}
}

// CatalogConfig carries the dependencies for constructing a Catalog.
type CatalogConfig struct {
	Database *gorm.DB
	Logger   *zap.Logger
}

// Catalog serves lookups against the seeded vocabulary. It satisfies the
// review coordinator's item-existence check.
type Catalog struct {
	db     *gorm.DB
	logger *zap.Logger
}

// NewCatalog validates the configuration and returns a Catalog.
func NewCatalog(cfg CatalogConfig) (*Catalog, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opCatalogNew, "missing_database", errMissingDatabase)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Catalog{db: cfg.Database, logger: logger}, nil
}

// Exists reports whether a lexical item is present for the lemma.
func (c *Catalog) Exists(ctx context.Context, lemma string) (bool, error) {
	trimmed := strings.TrimSpace(lemma)
	if trimmed == "" {
		return false, nil
	}
	var count int64
	err := c.db.WithContext(ctx).Model(&Item{}).
		Where("lemma = ?", trimmed).
		Count(&count).Error
	if err != nil {
		c.logError(opExists, "query_failed", err, zap.String("lemma", trimmed))
		return false, newServiceError(opExists, "query_failed", err)
	}
	return count > 0, nil
}

// Get returns the lexical item for the lemma.
func (c *Catalog) Get(ctx context.Context, lemma string) (Item, error) {
	trimmed := strings.TrimSpace(lemma)
	if trimmed == "" {
		return Item{}, newServiceError(opGet, "empty_lemma", ErrEmptyLemma)
	}
	var item Item
	err := c.db.WithContext(ctx).Where("lemma = ?", trimmed).Take(&item).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Item{}, newServiceError(opGet, "not_found", ErrItemNotFound)
	}
	if err != nil {
		c.logError(opGet, "query_failed", err, zap.String("lemma", trimmed))
		return Item{}, newServiceError(opGet, "query_failed", err)
	}
	return item, nil
}

// ListByRank returns up to limit items for a language in introduction order:
// ascending frequency rank, lemma as the stable secondary key.
func (c *Catalog) ListByRank(ctx context.Context, language string, limit, offset int) ([]Item, error) {
	if limit <= 0 {
		return nil, nil
	}
	var items []Item
	err := c.db.WithContext(ctx).
		Where("language = ?", language).
		Order("rank ASC, lemma ASC").
		Limit(limit).
		Offset(offset).
		Find(&items).Error
	if err != nil {
		c.logError(opListByRank, "query_failed", err, zap.String("language", language))
		return nil, newServiceError(opListByRank, "query_failed", err)
	}
	return items, nil
}

func (c *Catalog) loggerOrDefault() *zap.Logger {
	if c == nil || c.logger == nil {
		return noOpLogger
	}
	return c.logger
}

func (c *Catalog) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	c.loggerOrDefault().Error("lexicon catalog error", attrs...)
}
