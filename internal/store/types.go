package store

import (
	"time"

	"github.com/raaihank/regexner/internal/ner"
)

// Mention is a stored entity mention
type Mention struct {
	ID         int64  `db:"id" json:"id"`
	RunID      string `db:"run_id" json:"run_id"`
	CorpusID   string `db:"corpus_id" json:"corpus_id"`
	Sentence   int    `db:"sentence" json:"sentence"`
	StartToken int    `db:"start_token" json:"start"`
	EndToken   int    `db:"end_token" json:"end"`
	Label      string `db:"label" json:"label"`
	Text       string `db:"text" json:"text"`
	Rules      string `db:"rules" json:"rules"`
}

// FromMentions converts the mentions of one annotated corpus into rows
func FromMentions(runID, corpusID, rules string, mentions []ner.Mention) []*Mention {
	rows := make([]*Mention, len(mentions))
	for i, m := range mentions {
		rows[i] = &Mention{
			RunID:      runID,
			CorpusID:   corpusID,
			Sentence:   m.Sentence,
			StartToken: m.Start,
			EndToken:   m.End,
			Label:      m.Label,
			Text:       m.Text,
			Rules:      rules,
		}
	}
	return rows
}

// MentionStats represents database statistics
type MentionStats struct {
	TotalMentions int64            `json:"total_mentions"`
	Corpora       int64            `json:"corpora"`
	ByLabel       map[string]int64 `json:"by_label"`
}

// BatchInsertResult represents the result of a batch insert operation
type BatchInsertResult struct {
	Inserted   int64         `json:"inserted"`
	Duplicates int64         `json:"duplicates"`
	Duration   time.Duration `json:"duration"`
}

// Config contains database configuration
type Config struct {
	Enabled         bool          `yaml:"enabled" mapstructure:"enabled"`
	Driver          string        `yaml:"driver" mapstructure:"driver"` // postgres or sqlite
	DatabaseURL     string        `yaml:"database_url" mapstructure:"database_url"`
	MaxOpenConns    int           `yaml:"max_open_conns" mapstructure:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns" mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime" mapstructure:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `yaml:"conn_max_idle_time" mapstructure:"conn_max_idle_time"`
}
