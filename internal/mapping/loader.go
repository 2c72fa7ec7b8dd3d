// Package mapping loads RegexNER mapping files into compiled rule tables.
//
// Two formats are understood. Tab-delimited files hold one rule per line:
//
//	pattern<TAB>label[<TAB>overwritable labels[<TAB>priority]]
//
// where a numeric third column is read as the priority. Blank lines and lines
// starting with '#' are ignored. Files ending in .yaml or .yml hold a list of
// rules under a top-level "rules" key.
package mapping

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/raaihank/regexner/internal/ner"
)

var (
	// ErrMalformedLine is returned for mapping lines that cannot be split into a rule.
	ErrMalformedLine = errors.New("malformed mapping line")
	// ErrUnsupportedFormat is returned for YAML documents without rules.
	ErrUnsupportedFormat = errors.New("unsupported mapping format")
)

// Config names the mapping files and how their rules are compiled.
type Config struct {
	Paths           []string `yaml:"paths" mapstructure:"paths"`
	IgnoreCase      bool     `yaml:"ignore_case" mapstructure:"ignore_case"`
	ValidPOSPattern string   `yaml:"valid_pos_pattern" mapstructure:"valid_pos_pattern"`
}

// Load reads every configured file and compiles the rules in file order.
func Load(cfg Config) (*ner.RuleTable, error) {
	rules, err := LoadFiles(cfg.Paths...)
	if err != nil {
		return nil, err
	}
	table, err := ner.Compile(rules, ner.CompileOptions{
		IgnoreCase:      cfg.IgnoreCase,
		ValidPOSPattern: cfg.ValidPOSPattern,
	})
	if err != nil {
		return nil, fmt.Errorf("compile mapping: %w", err)
	}
	return table, nil
}

// LoadFiles reads the rules of several mapping files, keeping declaration order
// across files.
func LoadFiles(paths ...string) ([]ner.Rule, error) {
	var rules []ner.Rule
	for _, path := range paths {
		fileRules, err := LoadFile(path)
		if err != nil {
			return nil, err
		}
		rules = append(rules, fileRules...)
	}
	return rules, nil
}

// LoadFile reads one mapping file, picking the format from its extension.
func LoadFile(path string) ([]ner.Rule, error) {
	if isYAML(path) {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("load mapping %s: %w", path, err)
		}
		return ParseYAML(data, path)
	}

	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("load mapping %s: %w", path, err)
	}
	defer file.Close()

	return Parse(file, path)
}

func isYAML(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return true
	}
	return false
}

// Parse reads tab-delimited rules. name is only used in error messages.
func Parse(r io.Reader, name string) ([]ner.Rule, error) {
	var rules []ner.Rule
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimRight(scanner.Text(), "\r")
		if strings.TrimSpace(line) == "" || strings.HasPrefix(strings.TrimSpace(line), "#") {
			continue
		}

		rule, err := parseLine(line)
		if err != nil {
			return nil, fmt.Errorf("%s:%d: %w", name, lineNo, err)
		}
		rules = append(rules, rule)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read mapping %s: %w", name, err)
	}

	return rules, nil
}

func parseLine(line string) (ner.Rule, error) {
	parts := strings.Split(line, "\t")
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}

	if len(parts) < 2 || len(parts) > 4 {
		return ner.Rule{}, fmt.Errorf("%w: expected 2 to 4 tab-separated fields, got %d", ErrMalformedLine, len(parts))
	}
	if parts[0] == "" || parts[1] == "" {
		return ner.Rule{}, fmt.Errorf("%w: pattern and label are required", ErrMalformedLine)
	}

	rule := ner.Rule{Pattern: parts[0], Label: parts[1]}

	switch len(parts) {
	case 3:
		if priority, err := strconv.ParseFloat(parts[2], 64); err == nil {
			rule.Priority = priority
		} else {
			rule.Overwritable = splitLabels(parts[2])
		}
	case 4:
		rule.Overwritable = splitLabels(parts[2])
		if parts[3] != "" {
			priority, err := strconv.ParseFloat(parts[3], 64)
			if err != nil {
				return ner.Rule{}, fmt.Errorf("%w: invalid priority %q", ErrMalformedLine, parts[3])
			}
			rule.Priority = priority
		}
	}

	return rule, nil
}

func splitLabels(field string) []string {
	var labels []string
	for _, l := range strings.Split(field, ",") {
		if l = strings.TrimSpace(l); l != "" {
			labels = append(labels, l)
		}
	}
	return labels
}

// document is the YAML mapping layout.
type document struct {
	Rules []ner.Rule `yaml:"rules"`
}

// ParseYAML reads rules from a YAML mapping document.
func ParseYAML(data []byte, name string) ([]ner.Rule, error) {
	var doc document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse mapping %s: %w", name, err)
	}
	if doc.Rules == nil {
		return nil, fmt.Errorf("%w: %s has no rules list", ErrUnsupportedFormat, name)
	}
	for i, rule := range doc.Rules {
		if strings.TrimSpace(rule.Pattern) == "" || strings.TrimSpace(rule.Label) == "" {
			return nil, fmt.Errorf("%s: rule %d: %w: pattern and label are required", name, i, ErrMalformedLine)
		}
	}
	return doc.Rules, nil
}
