package store

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"
)

func init() {
	// modernc registers itself as "sqlite", which sqlx does not know by name
	sqlx.BindDriver("sqlite", sqlx.QUESTION)
}

// columns per inserted row, used to keep batches under driver parameter limits
const (
	mentionColumns = 8
	maxBatchRows   = 500
)

var schemas = map[string][]string{
	"postgres": {
		`CREATE TABLE IF NOT EXISTS entity_mentions (
			id BIGSERIAL PRIMARY KEY,
			run_id TEXT NOT NULL,
			corpus_id TEXT NOT NULL,
			sentence INTEGER NOT NULL,
			start_token INTEGER NOT NULL,
			end_token INTEGER NOT NULL,
			label TEXT NOT NULL,
			text TEXT NOT NULL,
			rules TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			UNIQUE (corpus_id, sentence, start_token, end_token, label, rules)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_entity_mentions_label ON entity_mentions (label)`,
	},
	"sqlite": {
		`CREATE TABLE IF NOT EXISTS entity_mentions (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			run_id TEXT NOT NULL,
			corpus_id TEXT NOT NULL,
			sentence INTEGER NOT NULL,
			start_token INTEGER NOT NULL,
			end_token INTEGER NOT NULL,
			label TEXT NOT NULL,
			text TEXT NOT NULL,
			rules TEXT NOT NULL,
			created_at TEXT NOT NULL DEFAULT CURRENT_TIMESTAMP,
			UNIQUE (corpus_id, sentence, start_token, end_token, label, rules)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_entity_mentions_label ON entity_mentions (label)`,
	},
}

// Store persists entity mentions in PostgreSQL or SQLite
type Store struct {
	db     *sqlx.DB
	driver string
	logger *zap.Logger
}

// NewStore creates a new mention store and applies the schema
func NewStore(config *Config, logger *zap.Logger) (*Store, error) {
	driver := config.Driver
	if driver == "" {
		driver = "postgres"
	}
	if _, ok := schemas[driver]; !ok {
		return nil, fmt.Errorf("unsupported database driver: %s (must be postgres or sqlite)", driver)
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	db, err := sqlx.Connect(driver, config.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if config.MaxOpenConns > 0 {
		db.SetMaxOpenConns(config.MaxOpenConns)
	}
	if config.MaxIdleConns > 0 {
		db.SetMaxIdleConns(config.MaxIdleConns)
	}
	db.SetConnMaxLifetime(config.ConnMaxLifetime)
	db.SetConnMaxIdleTime(config.ConnMaxIdleTime)

	// every connection to an in-memory database sees a different database
	if driver == "sqlite" && strings.Contains(config.DatabaseURL, ":memory:") {
		db.SetMaxOpenConns(1)
	}

	s := &Store{
		db:     db,
		driver: driver,
		logger: logger,
	}

	if err := s.initialize(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize store: %w", err)
	}

	logger.Info("Mention store initialized successfully",
		zap.String("driver", driver),
		zap.String("database_url", maskDatabaseURL(config.DatabaseURL)),
		zap.Int("max_open_conns", config.MaxOpenConns))

	return s, nil
}

// initialize applies the schema of the configured driver
func (s *Store) initialize() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if s.driver == "sqlite" {
		if _, err := s.db.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
			return fmt.Errorf("failed to enable WAL: %w", err)
		}
	}

	for _, stmt := range schemas[s.driver] {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to apply schema: %w", err)
		}
	}
	return nil
}

// BatchInsert adds mentions, skipping ones already recorded for the same corpus
// and rule table
func (s *Store) BatchInsert(ctx context.Context, mentions []*Mention) (*BatchInsertResult, error) {
	result := &BatchInsertResult{}
	if len(mentions) == 0 {
		return result, nil
	}

	start := time.Now()

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	for i := 0; i < len(mentions); i += maxBatchRows {
		end := min(i+maxBatchRows, len(mentions))
		inserted, err := s.insertChunk(ctx, tx, mentions[i:end])
		if err != nil {
			s.logger.Error("Batch insert failed", zap.Error(err))
			return nil, fmt.Errorf("batch insert failed: %w", err)
		}
		result.Inserted += inserted
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit batch: %w", err)
	}

	result.Duplicates = int64(len(mentions)) - result.Inserted
	result.Duration = time.Since(start)

	s.logger.Debug("Batch insert completed",
		zap.Int64("inserted", result.Inserted),
		zap.Int64("duplicates_skipped", result.Duplicates),
		zap.Duration("duration", result.Duration))

	return result, nil
}

func (s *Store) insertChunk(ctx context.Context, tx *sqlx.Tx, mentions []*Mention) (int64, error) {
	placeholder := "(" + strings.TrimSuffix(strings.Repeat("?, ", mentionColumns), ", ") + ")"
	valueStrings := make([]string, 0, len(mentions))
	valueArgs := make([]interface{}, 0, len(mentions)*mentionColumns)

	for _, m := range mentions {
		valueStrings = append(valueStrings, placeholder)
		valueArgs = append(valueArgs,
			m.RunID,
			m.CorpusID,
			m.Sentence,
			m.StartToken,
			m.EndToken,
			m.Label,
			m.Text,
			m.Rules,
		)
	}

	query := tx.Rebind(fmt.Sprintf(`
		INSERT INTO entity_mentions (run_id, corpus_id, sentence, start_token, end_token, label, text, rules)
		VALUES %s
		ON CONFLICT DO NOTHING`,
		strings.Join(valueStrings, ",")))

	res, err := tx.ExecContext(ctx, query, valueArgs...)
	if err != nil {
		return 0, err
	}

	inserted, err := res.RowsAffected()
	if err != nil {
		s.logger.Warn("Could not get rows affected", zap.Error(err))
		inserted = int64(len(mentions))
	}
	return inserted, nil
}

// ByCorpus returns the mentions of a corpus in document order
func (s *Store) ByCorpus(ctx context.Context, corpusID string) ([]*Mention, error) {
	query := s.db.Rebind(`
		SELECT id, run_id, corpus_id, sentence, start_token, end_token, label, text, rules
		FROM entity_mentions
		WHERE corpus_id = ?
		ORDER BY sentence, start_token, id`)

	var mentions []*Mention
	if err := s.db.SelectContext(ctx, &mentions, query, corpusID); err != nil {
		return nil, fmt.Errorf("failed to load mentions: %w", err)
	}
	return mentions, nil
}

// GetStats returns mention counts overall and per label
func (s *Store) GetStats(ctx context.Context) (*MentionStats, error) {
	stats := &MentionStats{ByLabel: make(map[string]int64)}

	err := s.db.QueryRowxContext(ctx, `
		SELECT COUNT(*), COUNT(DISTINCT corpus_id)
		FROM entity_mentions`).Scan(&stats.TotalMentions, &stats.Corpora)
	if err != nil {
		return nil, fmt.Errorf("failed to get mention stats: %w", err)
	}

	var rows []struct {
		Label string `db:"label"`
		Count int64  `db:"count"`
	}
	if err := s.db.SelectContext(ctx, &rows, `
		SELECT label, COUNT(*) AS count
		FROM entity_mentions
		GROUP BY label`); err != nil {
		return nil, fmt.Errorf("failed to get label stats: %w", err)
	}
	for _, r := range rows {
		stats.ByLabel[r.Label] = r.Count
	}

	return stats, nil
}

// Close closes the database connection
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// maskDatabaseURL masks the password of a database URL for logging
func maskDatabaseURL(url string) string {
	at := strings.LastIndex(url, "@")
	if at < 0 {
		return url
	}
	userPart := url[:at]
	colon := strings.LastIndex(userPart, ":")
	if colon < 0 || !strings.Contains(userPart[:colon], "://") {
		return url
	}
	return userPart[:colon+1] + "***" + url[at:]
}
