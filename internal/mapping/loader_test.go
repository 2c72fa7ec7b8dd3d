package mapping

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/raaihank/regexner/internal/ner"
)

func tokens(text string) []*ner.Token {
	words := strings.Fields(text)
	out := make([]*ner.Token, len(words))
	for i, w := range words {
		out[i] = &ner.Token{Word: w}
	}
	return out
}

func annotate(t *testing.T, table *ner.RuleTable, toks []*ner.Token) []string {
	t.Helper()
	annotator, err := ner.NewAnnotator(table, ner.DefaultConfig(), zap.NewNop())
	if err != nil {
		t.Fatalf("Failed to create annotator: %v", err)
	}
	corpus := &ner.Corpus{Sentences: []*ner.Sentence{{Tokens: toks}}}
	if err := annotator.Annotate(corpus); err != nil {
		t.Fatalf("Annotate failed: %v", err)
	}
	return corpus.Sentences[0].Labels()
}

func TestLoadMappingFiles(t *testing.T) {
	for _, file := range []string{"testdata/kbp_map.tsv", "testdata/kbp_map.yaml"} {
		t.Run(filepath.Ext(file), func(t *testing.T) {
			table, err := Load(Config{Paths: []string{file}})
			if err != nil {
				t.Fatalf("Failed to load %s: %v", file, err)
			}

			t.Run("BasicMatching", func(t *testing.T) {
				toks := tokens("President Barack Obama lives in Chicago , Illinois , and is a practicing Christian .")
				toks[1].NER, toks[2].NER = "PERSON", "PERSON"
				toks[5].NER, toks[7].NER = "LOCATION", "LOCATION"

				want := []string{"TITLE", "PERSON", "PERSON", "O", "O", "LOCATION", "O", "STATE_OR_PROVINCE",
					"O", "O", "O", "O", "O", "IDEOLOGY", "O"}
				if got := annotate(t, table, toks); !reflect.DeepEqual(got, want) {
					t.Errorf("Expected %v, got %v", want, got)
				}
			})

			t.Run("Overwrite", func(t *testing.T) {
				toks := tokens("I like Ontario Place , and I like the Native American Church , too .")
				toks[2].NER, toks[3].NER = "LOCATION", "LOCATION"
				toks[9].NER, toks[10].NER, toks[11].NER = "ORGANIZATION", "ORGANIZATION", "ORGANIZATION"

				want := []string{"O", "O", "LOCATION", "LOCATION", "O", "O", "O", "O", "O",
					"ORGANIZATION", "ORGANIZATION", "ORGANIZATION", "O", "O", "O"}
				if got := annotate(t, table, toks); !reflect.DeepEqual(got, want) {
					t.Errorf("Expected %v, got %v", want, got)
				}
			})

			t.Run("Priority", func(t *testing.T) {
				toks := tokens("Christianity is of higher regex priority than Early Christianity .")
				want := []string{"RELIGION", "O", "O", "O", "O", "O", "O", "O", "RELIGION", "O"}
				if got := annotate(t, table, toks); !reflect.DeepEqual(got, want) {
					t.Errorf("Expected %v, got %v", want, got)
				}
			})
		})
	}
}

func TestParse(t *testing.T) {
	t.Run("Columns", func(t *testing.T) {
		input := strings.Join([]string{
			"# comment",
			"",
			"Bank of America\tORGANIZATION",
			"Jordan\tCOUNTRY\t2.5",
			"Ontario\tSTATE_OR_PROVINCE\tLOCATION, MISC",
			"Early Christianity\tRELIGION\tMISC\t1",
			"Christianity\tRELIGION\t\t3\r",
		}, "\n")

		rules, err := Parse(strings.NewReader(input), "inline")
		if err != nil {
			t.Fatalf("Parse failed: %v", err)
		}

		want := []ner.Rule{
			{Pattern: "Bank of America", Label: "ORGANIZATION"},
			{Pattern: "Jordan", Label: "COUNTRY", Priority: 2.5},
			{Pattern: "Ontario", Label: "STATE_OR_PROVINCE", Overwritable: []string{"LOCATION", "MISC"}},
			{Pattern: "Early Christianity", Label: "RELIGION", Overwritable: []string{"MISC"}, Priority: 1},
			{Pattern: "Christianity", Label: "RELIGION", Priority: 3},
		}
		if !reflect.DeepEqual(rules, want) {
			t.Errorf("Expected %v, got %v", want, rules)
		}
	})

	malformed := []struct {
		name string
		line string
	}{
		{"SingleColumn", "President"},
		{"TooManyColumns", "a\tb\tc\t1\textra"},
		{"EmptyLabel", "President\t"},
		{"EmptyPattern", "\tTITLE"},
		{"BadPriority", "President\tTITLE\tMISC\thigh"},
	}
	for _, tc := range malformed {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Parse(strings.NewReader("Illinois\tSTATE_OR_PROVINCE\n"+tc.line), "bad.tsv")
			if !errors.Is(err, ErrMalformedLine) {
				t.Fatalf("Expected ErrMalformedLine, got %v", err)
			}
			if !strings.Contains(err.Error(), "bad.tsv:2") {
				t.Errorf("Error should name the line, got %v", err)
			}
		})
	}
}

func TestParseYAML(t *testing.T) {
	rules, err := LoadFile("testdata/kbp_map.yaml")
	if err != nil {
		t.Fatalf("LoadFile failed: %v", err)
	}
	last := rules[len(rules)-1]
	want := ner.Rule{Pattern: "Early Christianity", Label: "RELIGION", Priority: 1, Overwritable: []string{"MISC"}}
	if !reflect.DeepEqual(last, want) {
		t.Errorf("Expected %v, got %v", want, last)
	}

	if _, err := ParseYAML([]byte("patterns: []\n"), "empty.yaml"); !errors.Is(err, ErrUnsupportedFormat) {
		t.Errorf("Expected ErrUnsupportedFormat, got %v", err)
	}
	if _, err := ParseYAML([]byte("rules:\n  - pattern: x\n"), "nolabel.yaml"); !errors.Is(err, ErrMalformedLine) {
		t.Errorf("Expected ErrMalformedLine, got %v", err)
	}
}

func TestLoadErrors(t *testing.T) {
	if _, err := Load(Config{Paths: []string{"testdata/missing.tsv"}}); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("Expected not-exist error, got %v", err)
	}

	path := filepath.Join(t.TempDir(), "bad.tsv")
	if err := os.WriteFile(path, []byte("Bad(\tX\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(Config{Paths: []string{path}}); !errors.Is(err, ner.ErrInvalidPattern) {
		t.Errorf("Expected ErrInvalidPattern, got %v", err)
	}
}

func TestLoadMultipleFilesKeepsOrder(t *testing.T) {
	dir := t.TempDir()
	first := filepath.Join(dir, "a.tsv")
	second := filepath.Join(dir, "b.yml")
	if err := os.WriteFile(first, []byte("Jordan\tCOUNTRY\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(second, []byte("rules:\n  - pattern: Jordan\n    label: PERSON\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	table, err := Load(Config{Paths: []string{first, second}})
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if got := annotate(t, table, tokens("Jordan")); got[0] != "COUNTRY" {
		t.Errorf("Earlier file should win ties, got %v", got)
	}
}

func TestWatcherReload(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "map.tsv")
	if err := os.WriteFile(path, []byte("Jordan\tCOUNTRY\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg := Config{Paths: []string{path}}
	reloaded := make(chan *ner.RuleTable, 4)
	w, err := NewWatcher(cfg, zap.NewNop(), func(table *ner.RuleTable) { reloaded <- table })
	if err != nil {
		t.Fatalf("Failed to create watcher: %v", err)
	}
	defer w.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(ctx)

	// A broken file must not replace the rules.
	if err := os.WriteFile(path, []byte("Jordan(\tCOUNTRY\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	select {
	case table := <-reloaded:
		t.Fatalf("Invalid mapping should not be published, got %d rules", table.Len())
	case <-time.After(500 * time.Millisecond):
	}

	if err := os.WriteFile(path, []byte("Jordan\tCOUNTRY\nAmman\tCITY\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	select {
	case table := <-reloaded:
		if table.Len() != 2 {
			t.Errorf("Expected 2 rules after reload, got %d", table.Len())
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Timed out waiting for reload")
	}
}

func TestWatcherNilLogger(t *testing.T) {
	path := filepath.Join(t.TempDir(), "map.tsv")
	if err := os.WriteFile(path, []byte("Jordan\tCOUNTRY\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	var got *ner.RuleTable
	w, err := NewWatcher(Config{Paths: []string{path}}, nil, func(table *ner.RuleTable) { got = table })
	if err != nil {
		t.Fatalf("Failed to create watcher: %v", err)
	}
	defer w.Close()

	w.reload()
	if got == nil || got.Len() != 1 {
		t.Fatalf("Expected a reloaded table with 1 rule, got %v", got)
	}

	if err := os.WriteFile(path, []byte("Jordan(\tCOUNTRY\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	w.reload()
}
