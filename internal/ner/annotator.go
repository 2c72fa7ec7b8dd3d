package ner

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
)

// Config controls an Annotator.
type Config struct {
	// BackgroundSymbol is written to tokens left without a label. Empty leaves them untouched.
	BackgroundSymbol string `yaml:"background_symbol" mapstructure:"background_symbol"`
	// Workers bounds how many sentences of one corpus are annotated concurrently.
	Workers int `yaml:"workers" mapstructure:"workers"`
}

// DefaultConfig labels unmatched tokens "O" and annotates sentences sequentially.
func DefaultConfig() Config {
	return Config{
		BackgroundSymbol: DefaultBackground,
		Workers:          1,
	}
}

// Stats counts the work done by an Annotator since it was created.
type Stats struct {
	Corpora        int64 `json:"corpora"`
	Sentences      int64 `json:"sentences"`
	Matches        int64 `json:"matches"`
	Accepted       int64 `json:"accepted"`
	LabelledTokens int64 `json:"labelled_tokens"`
}

// Annotator applies a rule table to corpora. It holds no per-corpus state and can
// be shared by goroutines annotating different corpora.
type Annotator struct {
	rules  *RuleTable
	config Config
	logger *zap.Logger

	corpora   atomic.Int64
	sentences atomic.Int64
	matches   atomic.Int64
	accepted  atomic.Int64
	labelled  atomic.Int64
}

// NewAnnotator creates an annotator over a compiled rule table.
func NewAnnotator(rules *RuleTable, cfg Config, logger *zap.Logger) (*Annotator, error) {
	if rules == nil {
		return nil, fmt.Errorf("%w: no rule table", ErrConfiguration)
	}
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	a := &Annotator{
		rules:  rules,
		config: cfg,
		logger: logger,
	}

	logger.Info("Annotator initialized",
		zap.Int("rules", rules.Len()),
		zap.Int("labels", len(rules.labels)),
		zap.Bool("ignore_case", rules.opts.IgnoreCase),
		zap.Int("workers", cfg.Workers),
		zap.String("fingerprint", rules.fingerprint[:12]),
	)

	return a, nil
}

// Rules returns the rule table used by the annotator.
func (a *Annotator) Rules() *RuleTable { return a.rules }

// Background returns the label written to unmatched tokens.
func (a *Annotator) Background() string { return a.config.BackgroundSymbol }

// Annotate labels every sentence of the corpus in place. A corpus that was never
// split into sentences is rejected with ErrNoSentences before any token changes.
func (a *Annotator) Annotate(corpus *Corpus) error {
	return a.AnnotateContext(context.Background(), corpus)
}

// AnnotateContext is Annotate with a context bounding the scheduling of sentences
// when more than one worker is configured. Sentences already started always finish.
func (a *Annotator) AnnotateContext(ctx context.Context, corpus *Corpus) error {
	if err := corpus.Validate(); err != nil {
		a.logger.Warn("Refusing to annotate corpus", zap.Error(err))
		return err
	}

	start := time.Now()
	a.corpora.Add(1)

	var err error
	if a.config.Workers > 1 && len(corpus.Sentences) > 1 {
		err = a.annotateParallel(ctx, corpus.Sentences)
	} else {
		for _, sent := range corpus.Sentences {
			a.AnnotateSentence(sent)
		}
	}

	a.logger.Debug("Corpus annotated",
		zap.String("corpus_id", corpus.ID),
		zap.Int("sentences", len(corpus.Sentences)),
		zap.Duration("duration", time.Since(start)),
	)
	return err
}

func (a *Annotator) annotateParallel(ctx context.Context, sentences []*Sentence) error {
	sem := semaphore.NewWeighted(int64(a.config.Workers))
	var wg sync.WaitGroup
	var err error

	for _, sent := range sentences {
		if err = sem.Acquire(ctx, 1); err != nil {
			break
		}
		wg.Add(1)
		go func(s *Sentence) {
			defer wg.Done()
			defer sem.Release(1)
			a.AnnotateSentence(s)
		}(sent)
	}
	wg.Wait()

	if err != nil {
		return fmt.Errorf("annotation interrupted: %w", err)
	}
	return nil
}

// AnnotateSentence runs matching and resolution over one sentence and returns the
// accepted matches. The sentence must not be nil.
func (a *Annotator) AnnotateSentence(s *Sentence) []Match {
	matches := a.rules.FindMatches(s)
	accepted := a.rules.Resolve(s, matches, a.config.BackgroundSymbol)

	labelled := 0
	for _, m := range accepted {
		labelled += m.Len()
	}

	a.sentences.Add(1)
	a.matches.Add(int64(len(matches)))
	a.accepted.Add(int64(len(accepted)))
	a.labelled.Add(int64(labelled))

	if len(accepted) > 0 {
		a.logger.Debug("Entities assigned",
			zap.Int("tokens", len(s.Tokens)),
			zap.Int("candidates", len(matches)),
			zap.Int("accepted", len(accepted)),
		)
	}
	return accepted
}

// Stats returns a snapshot of the annotator counters.
func (a *Annotator) Stats() Stats {
	return Stats{
		Corpora:        a.corpora.Load(),
		Sentences:      a.sentences.Load(),
		Matches:        a.matches.Load(),
		Accepted:       a.accepted.Load(),
		LabelledTokens: a.labelled.Load(),
	}
}

// IsConfigurationError reports whether err came from a corpus the annotator
// could not accept.
func IsConfigurationError(err error) bool {
	return errors.Is(err, ErrConfiguration)
}
