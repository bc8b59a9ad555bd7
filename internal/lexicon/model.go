package lexicon

import "errors"

// fallbackRank is assigned to lemmas absent from the frequency list so they
// sort after every ranked entry.
const fallbackRank = 60001

var (
	// ErrItemNotFound indicates that no lexical item exists for the lemma.
	ErrItemNotFound = errors.New("lexicon: item not found")
	// ErrEmptyLemma indicates a seed entry or lookup with no lemma.
	ErrEmptyLemma = errors.New("lexicon: empty lemma")
)

// Item models one entry of the study vocabulary. The lemma doubles as the
// item identifier referenced by review events and word states.
type Item struct {
	Lemma      string `gorm:"column:lemma;primaryKey;size:190;not null" json:"lemma"`
	Language   string `gorm:"column:language;size:16;not null;default:'en';index:idx_items_language_rank,priority:1" json:"language"`
	Rank       int    `gorm:"column:rank;not null;default:60001;index:idx_items_language_rank,priority:2" json:"rank"`
	Definition string `gorm:"column:definition;type:text;not null;default:''" json:"definition"`
	IPA        string `gorm:"column:ipa;size:190;not null;default:''" json:"ipa,omitempty"`
}

// TableName provides the explicit table binding for GORM.
func (Item) TableName() string {
	return "lexical_items"
}
