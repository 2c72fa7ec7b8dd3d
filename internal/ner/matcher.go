package ner

// Match binds the token span [Start, End) of one sentence to a rule.
type Match struct {
	Start    int     `json:"start"`
	End      int     `json:"end"`
	Rule     int     `json:"rule"` // declaration index in the rule table
	Label    string  `json:"label"`
	Priority float64 `json:"priority"`
}

// Len returns the number of tokens covered by the match.
func (m Match) Len() int { return m.End - m.Start }

// FindMatches returns every span of the sentence accepted by every rule, scanning
// all start offsets. Overlapping matches are all kept. Existing labels are ignored.
func (t *RuleTable) FindMatches(s *Sentence) []Match {
	if s == nil || len(s.Tokens) == 0 {
		return nil
	}
	var matches []Match
	n := len(s.Tokens)
	for _, rule := range t.rules {
		size := len(rule.tokens)
		for start := 0; start+size <= n; start++ {
			if !rule.matchAt(s.Tokens, start) {
				continue
			}
			if t.validPOS != nil && !t.hasValidPOS(s.Tokens[start:start+size]) {
				continue
			}
			matches = append(matches, Match{
				Start:    start,
				End:      start + size,
				Rule:     rule.index,
				Label:    rule.Label,
				Priority: rule.Priority,
			})
		}
	}
	return matches
}

func (r *compiledRule) matchAt(tokens []*Token, start int) bool {
	for i, re := range r.tokens {
		if !re.MatchString(tokens[start+i].Word) {
			return false
		}
	}
	return true
}

func (t *RuleTable) hasValidPOS(tokens []*Token) bool {
	for _, tok := range tokens {
		if t.validPOS.MatchString(tok.Tag) {
			return true
		}
	}
	return false
}
