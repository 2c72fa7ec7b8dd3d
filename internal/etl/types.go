package etl

import (
	"path/filepath"
	"strings"
	"time"

	"github.com/raaihank/regexner/internal/ner"
)

// TokenRecord is one token row of a CSV or Parquet corpus file. Rows of the same
// document are contiguous and ordered by sentence then token.
type TokenRecord struct {
	DocID    string `csv:"doc_id" parquet:"doc_id" json:"doc_id"`
	Sentence int64  `csv:"sentence" parquet:"sentence" json:"sentence"`
	Word     string `csv:"word" parquet:"word" json:"word"`
	Tag      string `csv:"tag" parquet:"tag" json:"tag"`
	NER      string `csv:"ner" parquet:"ner" json:"ner"`
}

// csvHeader is the column layout of CSV corpus files
var csvHeader = []string{"doc_id", "sentence", "word", "tag", "ner"}

// CorpusResult describes one processed corpus
type CorpusResult struct {
	Sentences  int           `json:"sentences"`
	CacheHits  int           `json:"cache_hits"`
	Mentions   []ner.Mention `json:"mentions"`
	Stored     int64         `json:"stored"`
	Duplicates int64         `json:"duplicates"`

	annotateTime time.Duration
	cacheTime    time.Duration
	databaseTime time.Duration
}

// ProcessingResult represents the result of processing a corpus file
type ProcessingResult struct {
	RunID           string        `json:"run_id"`
	TotalCorpora    int64         `json:"total_corpora"`
	TotalSentences  int64         `json:"total_sentences"`
	ProcessedOK     int64         `json:"processed_ok"`
	ProcessedFailed int64         `json:"processed_failed"`
	CacheHits       int64         `json:"cache_hits"`
	Mentions        int64         `json:"mentions"`
	Stored          int64         `json:"stored"`
	Duplicates      int64         `json:"duplicates"`
	Duration        time.Duration `json:"duration"`
	AnnotateTime    time.Duration `json:"annotate_time"`
	DatabaseTime    time.Duration `json:"database_time"`
	CacheTime       time.Duration `json:"cache_time"`
	Errors          []string      `json:"errors,omitempty"`
}

// Config contains ETL pipeline configuration
type Config struct {
	BatchSize      int  `yaml:"batch_size" mapstructure:"batch_size"`           // corpora per batch
	WorkerCount    int  `yaml:"worker_count" mapstructure:"worker_count"`       // corpora annotated concurrently
	UpdateCache    bool `yaml:"update_cache" mapstructure:"update_cache"`       // write cache misses back
	StoreMentions  bool `yaml:"store_mentions" mapstructure:"store_mentions"`   // insert mentions into the store
	ProgressReport int  `yaml:"progress_report" mapstructure:"progress_report"` // corpora between progress logs
	DryRun         bool `yaml:"dry_run" mapstructure:"dry_run"`                 // annotate only, write nothing
}

// DefaultConfig returns the pipeline defaults
func DefaultConfig() *Config {
	return &Config{
		BatchSize:      100,
		WorkerCount:    4,
		UpdateCache:    true,
		StoreMentions:  true,
		ProgressReport: 1000,
	}
}

// ProcessingStats tracks real-time processing statistics
type ProcessingStats struct {
	StartTime      time.Time `json:"start_time"`
	CorporaRead    int64     `json:"corpora_read"`
	CorporaFailed  int64     `json:"corpora_failed"`
	SentencesDone  int64     `json:"sentences_done"`
	DatabaseWrites int64     `json:"database_writes"`
	CacheWrites    int64     `json:"cache_writes"`
	CurrentBatch   int64     `json:"current_batch"`
	ProcessingRate float64   `json:"processing_rate"` // corpora per second
}

// FileFormat represents supported file formats
type FileFormat string

const (
	FormatCSV     FileFormat = "csv"
	FormatParquet FileFormat = "parquet"
	FormatJSON    FileFormat = "json"
)

// DetectFileFormat detects file format from extension
func DetectFileFormat(filename string) FileFormat {
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".parquet":
		return FormatParquet
	case ".json", ".jsonl", ".ndjson":
		return FormatJSON
	default:
		return FormatCSV
	}
}
