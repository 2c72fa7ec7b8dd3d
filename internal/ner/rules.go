package ner

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// Rule maps a token pattern to an entity label.
//
// Pattern is a whitespace separated list of regular expressions, one per token.
// Each expression must match a whole token word.
type Rule struct {
	Pattern      string   `json:"pattern" yaml:"pattern"`
	Label        string   `json:"label" yaml:"label"`
	Priority     float64  `json:"priority" yaml:"priority"`
	Overwritable []string `json:"overwritable,omitempty" yaml:"overwrite"`
}

// CompileOptions control how a rule table matches tokens.
type CompileOptions struct {
	IgnoreCase bool `yaml:"ignore_case" mapstructure:"ignore_case"`
	// ValidPOSPattern, when set, keeps only matches where at least one token
	// has a part-of-speech tag accepted by the pattern.
	ValidPOSPattern string `yaml:"valid_pos_pattern" mapstructure:"valid_pos_pattern"`
}

type compiledRule struct {
	Rule
	index        int
	tokens       []*regexp.Regexp
	overwritable map[string]struct{}
}

func (r *compiledRule) canOverwrite(label string) bool {
	_, ok := r.overwritable[label]
	return ok
}

// RuleTable is an immutable, compiled set of rules. It is safe for concurrent use.
type RuleTable struct {
	rules       []*compiledRule
	opts        CompileOptions
	validPOS    *regexp.Regexp
	labels      []string
	fingerprint string
}

// Compile validates and compiles rules in declaration order. Malformed patterns
// fail here so that annotation itself never has to.
func Compile(rules []Rule, opts CompileOptions) (*RuleTable, error) {
	t := &RuleTable{
		rules: make([]*compiledRule, 0, len(rules)),
		opts:  opts,
	}

	if opts.ValidPOSPattern != "" {
		re, err := regexp.Compile(anchor(opts.ValidPOSPattern, false))
		if err != nil {
			return nil, fmt.Errorf("%w: valid POS pattern %q: %v", ErrInvalidPattern, opts.ValidPOSPattern, err)
		}
		t.validPOS = re
	}

	seen := make(map[string]struct{})
	hasher := sha256.New()
	fmt.Fprintf(hasher, "ignore_case=%t;pos=%s\n", opts.IgnoreCase, opts.ValidPOSPattern)

	for i, rule := range rules {
		label := strings.TrimSpace(rule.Label)
		if label == "" {
			return nil, fmt.Errorf("%w: rule %d (%q) has no label", ErrInvalidPattern, i, rule.Pattern)
		}
		parts := strings.Fields(rule.Pattern)
		if len(parts) == 0 {
			return nil, fmt.Errorf("%w: rule %d has an empty pattern", ErrInvalidPattern, i)
		}

		cr := &compiledRule{
			Rule:         rule,
			index:        i,
			tokens:       make([]*regexp.Regexp, len(parts)),
			overwritable: make(map[string]struct{}, len(rule.Overwritable)),
		}
		cr.Label = label
		for j, part := range parts {
			re, err := regexp.Compile(anchor(part, opts.IgnoreCase))
			if err != nil {
				return nil, fmt.Errorf("%w: rule %d token %q: %v", ErrInvalidPattern, i, part, err)
			}
			cr.tokens[j] = re
		}
		for _, ow := range rule.Overwritable {
			if ow = strings.TrimSpace(ow); ow != "" {
				cr.overwritable[ow] = struct{}{}
			}
		}
		t.rules = append(t.rules, cr)

		if _, ok := seen[label]; !ok {
			seen[label] = struct{}{}
			t.labels = append(t.labels, label)
		}

		fmt.Fprintf(hasher, "%s\t%s\t%s\t%s\n",
			strings.Join(parts, " "), label,
			strings.Join(rule.Overwritable, ","),
			strconv.FormatFloat(rule.Priority, 'g', -1, 64))
	}

	t.fingerprint = hex.EncodeToString(hasher.Sum(nil))
	return t, nil
}

// MustCompile is like Compile but panics on error.
func MustCompile(rules []Rule, opts CompileOptions) *RuleTable {
	t, err := Compile(rules, opts)
	if err != nil {
		panic(err)
	}
	return t
}

func anchor(expr string, ignoreCase bool) string {
	if ignoreCase {
		return `(?i)^(?:` + expr + `)$`
	}
	return `^(?:` + expr + `)$`
}

// Len returns the number of rules.
func (t *RuleTable) Len() int { return len(t.rules) }

// Rules returns a copy of the rules in declaration order.
func (t *RuleTable) Rules() []Rule {
	out := make([]Rule, len(t.rules))
	for i, r := range t.rules {
		out[i] = r.Rule
	}
	return out
}

// Labels returns the distinct labels the table can assign, in declaration order.
func (t *RuleTable) Labels() []string {
	return append([]string(nil), t.labels...)
}

// Options returns the options the table was compiled with.
func (t *RuleTable) Options() CompileOptions { return t.opts }

// Fingerprint identifies the rules and options of the table. Two tables with
// the same fingerprint annotate identically.
func (t *RuleTable) Fingerprint() string { return t.fingerprint }
