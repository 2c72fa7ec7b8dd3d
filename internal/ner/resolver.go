package ner

import (
	"cmp"
	"slices"
)

// rank orders candidates so that the first match reaching a token decides it:
// higher priority, then longer span, then earlier start, then earlier rule.
func rank(matches []Match) {
	slices.SortStableFunc(matches, func(a, b Match) int {
		if c := cmp.Compare(b.Priority, a.Priority); c != 0 {
			return c
		}
		if c := cmp.Compare(b.Len(), a.Len()); c != 0 {
			return c
		}
		if c := cmp.Compare(a.Start, b.Start); c != 0 {
			return c
		}
		return cmp.Compare(a.Rule, b.Rule)
	})
}

// Resolve picks the winning matches of one sentence and writes their labels into
// the tokens. It returns the accepted matches in the order they were accepted.
//
// Every match reached in rank order claims its span, including one the overwrite
// policy refuses, so tokens denied to a higher-ranked match stay out of reach of
// lower-ranked ones. Resolving the result again changes nothing.
//
// Tokens still unlabelled afterwards receive background unless it is empty.
// The matches slice is reordered in place.
func (t *RuleTable) Resolve(s *Sentence, matches []Match, background string) []Match {
	if s == nil || len(s.Tokens) == 0 {
		return nil
	}

	// Overwrite decisions look at the labels as they were before this pass.
	original := s.Labels()
	claimed := make([]bool, len(s.Tokens))

	rank(matches)

	var accepted []Match
	for _, m := range matches {
		if !t.valid(m, len(original)) || anyClaimed(claimed, m) {
			continue
		}
		for i := m.Start; i < m.End; i++ {
			claimed[i] = true
		}
		if !t.permitted(m, original, background) {
			continue
		}
		for i := m.Start; i < m.End; i++ {
			s.Tokens[i].NER = m.Label
		}
		accepted = append(accepted, m)
	}

	if background != "" {
		for _, tok := range s.Tokens {
			if tok.NER == "" {
				tok.NER = background
			}
		}
	}
	return accepted
}

// valid rejects matches that do not belong to this table or sentence.
func (t *RuleTable) valid(m Match, n int) bool {
	return m.Rule >= 0 && m.Rule < len(t.rules) && m.Start >= 0 && m.End <= n && m.Start < m.End
}

func anyClaimed(claimed []bool, m Match) bool {
	for i := m.Start; i < m.End; i++ {
		if claimed[i] {
			return true
		}
	}
	return false
}

// permitted applies the overwrite policy. A token with an existing label only
// yields when its run of that label is exactly the match span, when the match
// carries the same label and lies inside the run, or when the rule may
// overwrite that label and the whole run lies inside the match. Runs are never
// cut short or grown by a write, so later passes see the same runs.
func (t *RuleTable) permitted(m Match, original []string, background string) bool {
	rule := t.rules[m.Rule]
	for i := m.Start; i < m.End; i++ {
		existing := original[i]
		if existing == "" || existing == background {
			continue
		}
		start, end := labelRun(original, i)
		switch {
		case start == m.Start && end == m.End:
		case existing == m.Label && start <= m.Start && m.End <= end:
		case rule.canOverwrite(existing) && m.Start <= start && end <= m.End:
		default:
			return false
		}
	}
	return true
}

// labelRun returns the maximal span around i whose tokens all carry labels[i].
func labelRun(labels []string, i int) (int, int) {
	label := labels[i]
	start, end := i, i+1
	for start > 0 && labels[start-1] == label {
		start--
	}
	for end < len(labels) && labels[end] == label {
		end++
	}
	return start, end
}
