package etl

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/raaihank/regexner/internal/cache"
	"github.com/raaihank/regexner/internal/ner"
	"github.com/raaihank/regexner/internal/store"
)

// maxReportedErrors caps the per-corpus errors kept in a ProcessingResult
const maxReportedErrors = 100

// SentenceCache stores the final labels of sentences keyed by their input state
type SentenceCache interface {
	Key(namespace string, s *ner.Sentence) string
	Lookup(ctx context.Context, key string) ([]string, bool)
	StoreBatch(ctx context.Context, entries []cache.Entry) error
}

// MentionStore persists extracted entity mentions
type MentionStore interface {
	BatchInsert(ctx context.Context, mentions []*store.Mention) (*store.BatchInsertResult, error)
}

// Pipeline annotates corpora with the current rule table, optionally reusing
// cached sentence labels and recording mentions in a store
type Pipeline struct {
	annotator atomic.Pointer[ner.Annotator]
	cache     SentenceCache
	store     MentionStore
	config    *Config
	logger    *zap.Logger
	stats     *ProcessingStats
	mu        sync.RWMutex
}

// NewPipeline creates a new annotation pipeline. cache and store may be nil.
func NewPipeline(
	annotator *ner.Annotator,
	sentenceCache SentenceCache,
	mentionStore MentionStore,
	config *Config,
	logger *zap.Logger,
) (*Pipeline, error) {
	if annotator == nil {
		return nil, fmt.Errorf("%w: pipeline needs an annotator", ner.ErrConfiguration)
	}
	if config == nil {
		config = DefaultConfig()
	}
	if config.BatchSize < 1 {
		config.BatchSize = 1
	}
	if config.WorkerCount < 1 {
		config.WorkerCount = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	p := &Pipeline{
		cache:  sentenceCache,
		store:  mentionStore,
		config: config,
		logger: logger,
		stats:  &ProcessingStats{StartTime: time.Now()},
	}
	p.annotator.Store(annotator)
	return p, nil
}

// Annotator returns the annotator currently in use
func (p *Pipeline) Annotator() *ner.Annotator {
	return p.annotator.Load()
}

// SetAnnotator swaps the annotator. Corpora already being processed finish with
// the annotator they started with.
func (p *Pipeline) SetAnnotator(a *ner.Annotator) {
	if a == nil {
		return
	}
	p.annotator.Store(a)
	p.logger.Info("Pipeline annotator replaced",
		zap.Int("rules", a.Rules().Len()),
		zap.String("fingerprint", a.Rules().Fingerprint()[:12]))
}

// ProcessCorpus annotates a single corpus in place and returns its mentions
func (p *Pipeline) ProcessCorpus(ctx context.Context, corpus *ner.Corpus) (*CorpusResult, error) {
	return p.processCorpus(ctx, ulid.Make().String(), corpus)
}

func (p *Pipeline) processCorpus(ctx context.Context, runID string, corpus *ner.Corpus) (*CorpusResult, error) {
	if err := corpus.Validate(); err != nil {
		return nil, err
	}

	a := p.annotator.Load()
	result := &CorpusResult{Sentences: len(corpus.Sentences)}

	pending := corpus.Sentences
	var keys []string
	if p.cache != nil {
		cacheStart := time.Now()
		ns := namespace(a)
		pending = make([]*ner.Sentence, 0, len(corpus.Sentences))
		for _, sent := range corpus.Sentences {
			key := p.cache.Key(ns, sent)
			if labels, ok := p.cache.Lookup(ctx, key); ok && len(labels) == len(sent.Tokens) {
				for i, tok := range sent.Tokens {
					tok.NER = labels[i]
				}
				result.CacheHits++
				continue
			}
			pending = append(pending, sent)
			keys = append(keys, key)
		}
		result.cacheTime += time.Since(cacheStart)
	}

	if len(pending) > 0 {
		annotateStart := time.Now()
		if err := a.AnnotateContext(ctx, &ner.Corpus{ID: corpus.ID, Sentences: pending}); err != nil {
			return nil, err
		}
		result.annotateTime = time.Since(annotateStart)
	}

	if p.cache != nil && p.config.UpdateCache && !p.config.DryRun && len(pending) > 0 {
		cacheStart := time.Now()
		entries := make([]cache.Entry, len(pending))
		for i, sent := range pending {
			entries[i] = cache.Entry{Key: keys[i], Labels: sent.Labels()}
		}
		if err := p.cache.StoreBatch(ctx, entries); err != nil {
			p.logger.Warn("Failed to update cache", zap.String("corpus_id", corpus.ID), zap.Error(err))
		}
		result.cacheTime += time.Since(cacheStart)
	}

	result.Mentions = ner.Mentions(corpus, a.Background())

	if p.store != nil && p.config.StoreMentions && !p.config.DryRun && len(result.Mentions) > 0 {
		dbStart := time.Now()
		rows := store.FromMentions(runID, corpus.ID, a.Rules().Fingerprint(), result.Mentions)
		inserted, err := p.store.BatchInsert(ctx, rows)
		if err != nil {
			return nil, fmt.Errorf("failed to store mentions: %w", err)
		}
		result.Stored = inserted.Inserted
		result.Duplicates = inserted.Duplicates
		result.databaseTime = time.Since(dbStart)
	}

	return result, nil
}

// namespace identifies the rule table and background symbol a cached label set
// was produced with
func namespace(a *ner.Annotator) string {
	sum := sha256.Sum256([]byte(a.Rules().Fingerprint() + "\x00" + a.Background()))
	return hex.EncodeToString(sum[:])
}

// ProcessFile annotates every corpus of inputPath. When outputPath is set the
// annotated corpora are written there, in the format its extension names.
func (p *Pipeline) ProcessFile(ctx context.Context, inputPath, outputPath string) (*ProcessingResult, error) {
	result := &ProcessingResult{RunID: ulid.Make().String()}
	start := time.Now()

	format := DetectFileFormat(inputPath)
	p.logger.Info("Starting annotation pipeline",
		zap.String("run_id", result.RunID),
		zap.String("file", inputPath),
		zap.String("format", string(format)),
		zap.Int("batch_size", p.config.BatchSize),
		zap.Int("workers", p.config.WorkerCount),
		zap.Bool("dry_run", p.config.DryRun))

	reader, err := openReader(inputPath, format)
	if err != nil {
		return result, err
	}
	defer reader.Close()

	var writer corpusWriter
	if outputPath != "" && !p.config.DryRun {
		writer, err = openWriter(outputPath, DetectFileFormat(outputPath))
		if err != nil {
			return result, err
		}
	}

	p.resetStats()

	err = p.processBatches(ctx, reader, writer, result)
	if writer != nil {
		if closeErr := writer.Close(); closeErr != nil && err == nil {
			err = fmt.Errorf("failed to finish output: %w", closeErr)
		}
	}
	result.Duration = time.Since(start)
	if err != nil {
		return result, err
	}

	p.logger.Info("Annotation pipeline completed",
		zap.String("run_id", result.RunID),
		zap.Int64("total_corpora", result.TotalCorpora),
		zap.Int64("processed_ok", result.ProcessedOK),
		zap.Int64("processed_failed", result.ProcessedFailed),
		zap.Int64("mentions", result.Mentions),
		zap.Int64("cache_hits", result.CacheHits),
		zap.Duration("total_duration", result.Duration),
		zap.Duration("annotate_time", result.AnnotateTime),
		zap.Duration("database_time", result.DatabaseTime))

	return result, nil
}

// processBatches reads batches of corpora and annotates each batch with a
// bounded worker pool, writing results in input order
func (p *Pipeline) processBatches(ctx context.Context, reader corpusReader, writer corpusWriter, result *ProcessingResult) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		batch, err := readBatch(reader, p.config.BatchSize)
		if err != nil {
			return fmt.Errorf("failed to read batch: %w", err)
		}
		if len(batch) == 0 {
			return nil
		}

		p.mu.Lock()
		p.stats.CurrentBatch++
		p.stats.CorporaRead += int64(len(batch))
		p.mu.Unlock()

		results, errs := p.processBatch(ctx, result.RunID, batch)

		for i, corpus := range batch {
			result.TotalCorpora++
			if errs[i] != nil {
				result.ProcessedFailed++
				if len(result.Errors) < maxReportedErrors {
					result.Errors = append(result.Errors, fmt.Sprintf("corpus %q: %v", corpus.ID, errs[i]))
				}
				p.logger.Warn("Corpus failed", zap.String("corpus_id", corpus.ID), zap.Error(errs[i]))
				continue
			}

			r := results[i]
			result.ProcessedOK++
			result.TotalSentences += int64(r.Sentences)
			result.CacheHits += int64(r.CacheHits)
			result.Mentions += int64(len(r.Mentions))
			result.Stored += r.Stored
			result.Duplicates += r.Duplicates
			result.AnnotateTime += r.annotateTime
			result.CacheTime += r.cacheTime
			result.DatabaseTime += r.databaseTime

			if writer != nil {
				if err := writer.Write(corpus); err != nil {
					return fmt.Errorf("failed to write corpus %q: %w", corpus.ID, err)
				}
			}
		}

		p.updateStats(result)

		if p.config.ProgressReport > 0 && result.TotalCorpora%int64(p.config.ProgressReport) < int64(len(batch)) {
			p.reportProgress(result)
		}
	}
}

func readBatch(reader corpusReader, size int) ([]*ner.Corpus, error) {
	batch := make([]*ner.Corpus, 0, size)
	for len(batch) < size {
		corpus, err := reader.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, err
		}
		batch = append(batch, corpus)
	}
	return batch, nil
}

// processBatch annotates the corpora of a batch concurrently. A failing corpus
// does not stop the others.
func (p *Pipeline) processBatch(ctx context.Context, runID string, batch []*ner.Corpus) ([]*CorpusResult, []error) {
	results := make([]*CorpusResult, len(batch))
	errs := make([]error, len(batch))

	var g errgroup.Group
	g.SetLimit(p.config.WorkerCount)
	for i, corpus := range batch {
		g.Go(func() error {
			results[i], errs[i] = p.processCorpus(ctx, runID, corpus)
			return nil
		})
	}
	_ = g.Wait()

	return results, errs
}

func (p *Pipeline) updateStats(result *ProcessingResult) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.stats.CorporaFailed = result.ProcessedFailed
	p.stats.SentencesDone = result.TotalSentences
	p.stats.DatabaseWrites = result.Stored
	if !p.config.DryRun && p.config.UpdateCache && p.cache != nil {
		p.stats.CacheWrites = result.TotalSentences - result.CacheHits
	}
	if elapsed := time.Since(p.stats.StartTime).Seconds(); elapsed > 0 {
		p.stats.ProcessingRate = float64(result.TotalCorpora) / elapsed
	}
}

// reportProgress reports current processing progress
func (p *Pipeline) reportProgress(result *ProcessingResult) {
	stats := p.GetStats()

	p.logger.Info("Processing progress",
		zap.String("run_id", result.RunID),
		zap.Int64("corpora_processed", result.TotalCorpora),
		zap.Int64("corpora_failed", result.ProcessedFailed),
		zap.Int64("sentences", result.TotalSentences),
		zap.Int64("mentions", result.Mentions),
		zap.Float64("rate_per_sec", stats.ProcessingRate),
		zap.Duration("elapsed", time.Since(stats.StartTime)))
}

// resetStats resets processing statistics
func (p *Pipeline) resetStats() {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.stats = &ProcessingStats{
		StartTime: time.Now(),
	}
}

// GetStats returns current processing statistics
func (p *Pipeline) GetStats() *ProcessingStats {
	p.mu.RLock()
	defer p.mu.RUnlock()

	stats := *p.stats
	return &stats
}
