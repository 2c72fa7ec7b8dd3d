package etl

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"sync"
	"testing"

	"go.uber.org/zap"

	"github.com/raaihank/regexner/internal/cache"
	"github.com/raaihank/regexner/internal/ner"
	"github.com/raaihank/regexner/internal/store"
)

var testRules = []ner.Rule{
	{Pattern: "President", Label: "TITLE"},
	{Pattern: "Illinois", Label: "STATE_OR_PROVINCE"},
	{Pattern: "American", Label: "NATIONALITY"},
	{Pattern: "Christianity", Label: "RELIGION", Priority: 2},
	{Pattern: "Early Christianity", Label: "RELIGION", Priority: 1},
}

type memoryCache struct {
	mu      sync.Mutex
	entries map[string][]string
	lookups int
}

func newMemoryCache() *memoryCache {
	return &memoryCache{entries: make(map[string][]string)}
}

func (m *memoryCache) Key(ns string, s *ner.Sentence) string {
	return cache.SentenceKey("test", ns, s)
}

func (m *memoryCache) Lookup(_ context.Context, key string) ([]string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lookups++
	labels, ok := m.entries[key]
	return labels, ok
}

func (m *memoryCache) StoreBatch(_ context.Context, entries []cache.Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range entries {
		m.entries[e.Key] = e.Labels
	}
	return nil
}

type memoryStore struct {
	mu   sync.Mutex
	rows []*store.Mention
}

func (m *memoryStore) BatchInsert(_ context.Context, rows []*store.Mention) (*store.BatchInsertResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rows = append(m.rows, rows...)
	return &store.BatchInsertResult{Inserted: int64(len(rows))}, nil
}

func newTestAnnotator(t *testing.T, rules []ner.Rule) *ner.Annotator {
	t.Helper()
	table, err := ner.Compile(rules, ner.CompileOptions{})
	if err != nil {
		t.Fatalf("Failed to compile rules: %v", err)
	}
	a, err := ner.NewAnnotator(table, ner.DefaultConfig(), zap.NewNop())
	if err != nil {
		t.Fatalf("Failed to create annotator: %v", err)
	}
	return a
}

func newTestPipeline(t *testing.T, c SentenceCache, s MentionStore, cfg *Config) *Pipeline {
	t.Helper()
	p, err := NewPipeline(newTestAnnotator(t, testRules), c, s, cfg, zap.NewNop())
	if err != nil {
		t.Fatalf("Failed to create pipeline: %v", err)
	}
	return p
}

func corpusOf(id string, sentences ...string) *ner.Corpus {
	c := &ner.Corpus{ID: id, Sentences: []*ner.Sentence{}}
	for _, text := range sentences {
		sent := &ner.Sentence{}
		for _, w := range strings.Fields(text) {
			sent.Tokens = append(sent.Tokens, &ner.Token{Word: w})
		}
		c.Sentences = append(c.Sentences, sent)
	}
	return c
}

func TestProcessCorpus(t *testing.T) {
	mentions := &memoryStore{}
	p := newTestPipeline(t, nil, mentions, DefaultConfig())

	corpus := corpusOf("doc-1", "the President lives in Illinois", "Early Christianity")
	result, err := p.ProcessCorpus(context.Background(), corpus)
	if err != nil {
		t.Fatalf("ProcessCorpus failed: %v", err)
	}

	if got := corpus.Sentences[0].Labels(); !reflect.DeepEqual(got, []string{"O", "TITLE", "O", "O", "STATE_OR_PROVINCE"}) {
		t.Errorf("Unexpected labels: %v", got)
	}
	if got := corpus.Sentences[1].Labels(); !reflect.DeepEqual(got, []string{"O", "RELIGION"}) {
		t.Errorf("Unexpected labels: %v", got)
	}

	if len(result.Mentions) != 3 || result.Stored != 3 {
		t.Errorf("Expected 3 mentions stored, got %+v", result)
	}
	if len(mentions.rows) != 3 {
		t.Fatalf("Expected 3 rows, got %d", len(mentions.rows))
	}
	row := mentions.rows[0]
	if row.CorpusID != "doc-1" || row.Label != "TITLE" || row.Rules != p.Annotator().Rules().Fingerprint() || row.RunID == "" {
		t.Errorf("Unexpected row: %+v", row)
	}
}

func TestProcessCorpusInvalid(t *testing.T) {
	mentions := &memoryStore{}
	p := newTestPipeline(t, nil, mentions, DefaultConfig())

	_, err := p.ProcessCorpus(context.Background(), &ner.Corpus{ID: "raw", Text: "President Obama"})
	if !errors.Is(err, ner.ErrNoSentences) {
		t.Fatalf("Expected ErrNoSentences, got %v", err)
	}
	if len(mentions.rows) != 0 {
		t.Error("Nothing should be stored for a rejected corpus")
	}
}

func TestProcessCorpusCache(t *testing.T) {
	c := newMemoryCache()
	p := newTestPipeline(t, c, nil, DefaultConfig())
	ctx := context.Background()

	first := corpusOf("doc", "the President", "Illinois")
	result, err := p.ProcessCorpus(ctx, first)
	if err != nil {
		t.Fatalf("ProcessCorpus failed: %v", err)
	}
	if result.CacheHits != 0 || len(c.entries) != 2 {
		t.Fatalf("Expected 2 cache writes and no hits, got %+v, %d entries", result, len(c.entries))
	}
	sentencesBefore := p.Annotator().Stats().Sentences

	second := corpusOf("doc", "the President", "Illinois", "American")
	result, err = p.ProcessCorpus(ctx, second)
	if err != nil {
		t.Fatalf("ProcessCorpus failed: %v", err)
	}
	if result.CacheHits != 2 {
		t.Errorf("Expected 2 cache hits, got %d", result.CacheHits)
	}
	if annotated := p.Annotator().Stats().Sentences - sentencesBefore; annotated != 1 {
		t.Errorf("Only the uncached sentence should be annotated, got %d", annotated)
	}
	for i := range first.Sentences {
		if !reflect.DeepEqual(first.Sentences[i].Labels(), second.Sentences[i].Labels()) {
			t.Errorf("Cached labels differ for sentence %d", i)
		}
	}
	if got := second.Sentences[2].Labels(); got[0] != "NATIONALITY" {
		t.Errorf("Unexpected labels: %v", got)
	}

	t.Run("NewRulesBypassCache", func(t *testing.T) {
		p.SetAnnotator(newTestAnnotator(t, []ner.Rule{{Pattern: "President", Label: "PERSON"}}))
		corpus := corpusOf("doc", "the President")
		result, err := p.ProcessCorpus(ctx, corpus)
		if err != nil {
			t.Fatalf("ProcessCorpus failed: %v", err)
		}
		if result.CacheHits != 0 {
			t.Errorf("Entries of the old rule table should not be used, got %d hits", result.CacheHits)
		}
		if got := corpus.Sentences[0].Labels(); got[1] != "PERSON" {
			t.Errorf("Expected new rules to apply, got %v", got)
		}
	})
}

func TestDryRun(t *testing.T) {
	dir := t.TempDir()
	input := filepath.Join(dir, "in.jsonl")
	output := filepath.Join(dir, "out.jsonl")
	writeJSONLines(t, input, corpusOf("a", "President"))

	c := newMemoryCache()
	mentions := &memoryStore{}
	cfg := DefaultConfig()
	cfg.DryRun = true
	p := newTestPipeline(t, c, mentions, cfg)

	result, err := p.ProcessFile(context.Background(), input, output)
	if err != nil {
		t.Fatalf("ProcessFile failed: %v", err)
	}
	if result.Mentions != 1 || result.Stored != 0 {
		t.Errorf("Unexpected result: %+v", result)
	}
	if len(mentions.rows) != 0 || len(c.entries) != 0 {
		t.Error("Dry run should not write to the store or cache")
	}
	if _, err := os.Stat(output); !os.IsNotExist(err) {
		t.Error("Dry run should not create the output file")
	}
}

func writeJSONLines(t *testing.T, path string, corpora ...*ner.Corpus) {
	t.Helper()
	file, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	defer file.Close()
	enc := json.NewEncoder(file)
	for _, c := range corpora {
		if err := enc.Encode(c); err != nil {
			t.Fatal(err)
		}
	}
}

func TestProcessFileJSONToCSV(t *testing.T) {
	dir := t.TempDir()
	input := filepath.Join(dir, "corpora.jsonl")
	output := filepath.Join(dir, "annotated.csv")

	writeJSONLines(t, input,
		corpusOf("a", "the President", "Illinois"),
		&ner.Corpus{ID: "unsegmented", Text: "President Obama"},
		corpusOf("b", "Early Christianity"),
	)

	cfg := DefaultConfig()
	cfg.BatchSize = 2
	cfg.WorkerCount = 2
	p := newTestPipeline(t, nil, nil, cfg)

	result, err := p.ProcessFile(context.Background(), input, output)
	if err != nil {
		t.Fatalf("ProcessFile failed: %v", err)
	}
	if result.TotalCorpora != 3 || result.ProcessedOK != 2 || result.ProcessedFailed != 1 {
		t.Errorf("Unexpected counts: %+v", result)
	}
	if result.TotalSentences != 3 || result.Mentions != 3 {
		t.Errorf("Unexpected sentence/mention counts: %+v", result)
	}
	if len(result.Errors) != 1 || !strings.Contains(result.Errors[0], "unsegmented") {
		t.Errorf("Expected the failed corpus to be reported, got %v", result.Errors)
	}
	if result.RunID == "" {
		t.Error("Run ID should be set")
	}

	file, err := os.Open(output)
	if err != nil {
		t.Fatal(err)
	}
	defer file.Close()
	records, err := csv.NewReader(file).ReadAll()
	if err != nil {
		t.Fatalf("Failed to read output: %v", err)
	}

	want := [][]string{
		{"doc_id", "sentence", "word", "tag", "ner"},
		{"a", "0", "the", "", "O"},
		{"a", "0", "President", "", "TITLE"},
		{"a", "1", "Illinois", "", "STATE_OR_PROVINCE"},
		{"b", "0", "Early", "", "O"},
		{"b", "0", "Christianity", "", "RELIGION"},
	}
	if !reflect.DeepEqual(records, want) {
		t.Errorf("Unexpected output:\n%v\nexpected:\n%v", records, want)
	}
}

func TestProcessFileCSVParquetRoundTrip(t *testing.T) {
	dir := t.TempDir()
	input := filepath.Join(dir, "tokens.csv")
	parquetOut := filepath.Join(dir, "tokens.parquet")
	jsonOut := filepath.Join(dir, "tokens.jsonl")

	csvInput := strings.Join([]string{
		"doc_id,sentence,word,tag,ner",
		"a,0,I,PRP,",
		"a,0,like,VBP,",
		"a,0,Ontario,NNP,LOCATION",
		"a,0,Place,NNP,LOCATION",
		"b,0,American,JJ,",
		"b,1,President,NN,",
	}, "\n") + "\n"
	if err := os.WriteFile(input, []byte(csvInput), 0o644); err != nil {
		t.Fatal(err)
	}

	p := newTestPipeline(t, nil, nil, DefaultConfig())
	ctx := context.Background()

	if _, err := p.ProcessFile(ctx, input, parquetOut); err != nil {
		t.Fatalf("CSV pass failed: %v", err)
	}
	result, err := p.ProcessFile(ctx, parquetOut, jsonOut)
	if err != nil {
		t.Fatalf("Parquet pass failed: %v", err)
	}
	if result.TotalCorpora != 2 || result.TotalSentences != 3 {
		t.Errorf("Unexpected counts: %+v", result)
	}

	file, err := os.Open(jsonOut)
	if err != nil {
		t.Fatal(err)
	}
	defer file.Close()

	dec := json.NewDecoder(file)
	var a, b ner.Corpus
	if err := dec.Decode(&a); err != nil {
		t.Fatalf("Failed to decode corpus a: %v", err)
	}
	if err := dec.Decode(&b); err != nil {
		t.Fatalf("Failed to decode corpus b: %v", err)
	}

	if got := a.Sentences[0].Labels(); !reflect.DeepEqual(got, []string{"O", "O", "LOCATION", "LOCATION"}) {
		t.Errorf("Unexpected labels for a: %v", got)
	}
	if a.Sentences[0].Tokens[2].Tag != "NNP" {
		t.Errorf("Tags should survive the round trip, got %q", a.Sentences[0].Tokens[2].Tag)
	}
	if len(b.Sentences) != 2 || b.Sentences[0].Tokens[0].NER != "NATIONALITY" || b.Sentences[1].Tokens[0].NER != "TITLE" {
		t.Errorf("Unexpected corpus b: %+v", b)
	}
}

func TestProcessFileWithSQLiteStore(t *testing.T) {
	dir := t.TempDir()
	mentions, err := store.NewStore(&store.Config{Driver: "sqlite", DatabaseURL: filepath.Join(dir, "m.db")}, zap.NewNop())
	if err != nil {
		t.Fatalf("Failed to open store: %v", err)
	}
	defer mentions.Close()

	input := filepath.Join(dir, "in.jsonl")
	writeJSONLines(t, input, corpusOf("doc", "President of Illinois"))

	p := newTestPipeline(t, nil, mentions, DefaultConfig())
	ctx := context.Background()

	result, err := p.ProcessFile(ctx, input, "")
	if err != nil {
		t.Fatalf("ProcessFile failed: %v", err)
	}
	if result.Stored != 2 {
		t.Errorf("Expected 2 stored mentions, got %+v", result)
	}

	again, err := p.ProcessFile(ctx, input, "")
	if err != nil {
		t.Fatalf("Second run failed: %v", err)
	}
	if again.Stored != 0 || again.Duplicates != 2 {
		t.Errorf("Second run should only find duplicates, got %+v", again)
	}

	rows, err := mentions.ByCorpus(ctx, "doc")
	if err != nil {
		t.Fatalf("ByCorpus failed: %v", err)
	}
	if len(rows) != 2 || rows[0].RunID != result.RunID {
		t.Errorf("Unexpected rows: %+v", rows)
	}
}

func TestDetectFileFormat(t *testing.T) {
	tests := map[string]FileFormat{
		"data.csv":       FormatCSV,
		"data.PARQUET":   FormatParquet,
		"data.jsonl":     FormatJSON,
		"data.json":      FormatJSON,
		"data.ndjson":    FormatJSON,
		"data":           FormatCSV,
		"dir.v2/data.tx": FormatCSV,
	}
	for name, want := range tests {
		if got := DetectFileFormat(name); got != want {
			t.Errorf("DetectFileFormat(%q) = %s, expected %s", name, got, want)
		}
	}
}

func TestNewPipelineRequiresAnnotator(t *testing.T) {
	if _, err := NewPipeline(nil, nil, nil, nil, nil); !errors.Is(err, ner.ErrConfiguration) {
		t.Errorf("Expected configuration error, got %v", err)
	}
}
