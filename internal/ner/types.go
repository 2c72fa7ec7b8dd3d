package ner

import (
	"errors"
	"fmt"
	"strings"
)

// DefaultBackground is the label given to tokens that end a pass without an entity.
const DefaultBackground = "O"

var (
	// ErrConfiguration marks input the annotator cannot work with at all.
	ErrConfiguration = errors.New("annotator configuration error")

	// ErrNoSentences is returned when a corpus has not been split into sentences.
	ErrNoSentences = fmt.Errorf("%w: corpus has no sentence annotation", ErrConfiguration)

	// ErrInvalidCorpus is returned for corpora holding nil sentences or tokens.
	ErrInvalidCorpus = fmt.Errorf("%w: malformed corpus", ErrConfiguration)

	// ErrInvalidPattern is returned by Compile for rules that cannot be used.
	ErrInvalidPattern = errors.New("invalid rule pattern")
)

// Token is a single word of a sentence. NER is mutated in place by the annotator.
type Token struct {
	Word string `json:"word"`
	Tag  string `json:"tag,omitempty"` // part-of-speech tag, optional
	NER  string `json:"ner,omitempty"`
}

// Sentence is an ordered run of tokens.
type Sentence struct {
	Tokens []*Token `json:"tokens"`
}

// Words returns the token words of the sentence.
func (s *Sentence) Words() []string {
	words := make([]string, len(s.Tokens))
	for i, tok := range s.Tokens {
		words[i] = tok.Word
	}
	return words
}

// Labels returns the current NER labels of the sentence.
func (s *Sentence) Labels() []string {
	labels := make([]string, len(s.Tokens))
	for i, tok := range s.Tokens {
		labels[i] = tok.NER
	}
	return labels
}

// Corpus is a document that has already been tokenized and split into sentences.
// A nil Sentences slice means the document was never segmented.
type Corpus struct {
	ID        string      `json:"id,omitempty"`
	Text      string      `json:"text,omitempty"`
	Sentences []*Sentence `json:"sentences"`
}

// Validate checks that the corpus can be annotated without touching any token.
func (c *Corpus) Validate() error {
	if c == nil || c.Sentences == nil {
		return ErrNoSentences
	}
	for i, sent := range c.Sentences {
		if sent == nil {
			return fmt.Errorf("%w: sentence %d is nil", ErrInvalidCorpus, i)
		}
		for j, tok := range sent.Tokens {
			if tok == nil {
				return fmt.Errorf("%w: sentence %d token %d is nil", ErrInvalidCorpus, i, j)
			}
		}
	}
	return nil
}

// Mention is a maximal run of tokens sharing one entity label.
type Mention struct {
	Sentence int    `json:"sentence"`
	Start    int    `json:"start"`
	End      int    `json:"end"`
	Label    string `json:"label"`
	Text     string `json:"text"`
}

// Mentions collects the labelled runs of an annotated corpus. Tokens that are
// unlabelled or carry the background label are skipped.
func Mentions(c *Corpus, background string) []Mention {
	if c == nil {
		return nil
	}
	var out []Mention
	for si, sent := range c.Sentences {
		if sent == nil {
			continue
		}
		toks := sent.Tokens
		for i := 0; i < len(toks); {
			label := toks[i].NER
			if label == "" || label == background {
				i++
				continue
			}
			j := i + 1
			for j < len(toks) && toks[j].NER == label {
				j++
			}
			words := make([]string, 0, j-i)
			for _, tok := range toks[i:j] {
				words = append(words, tok.Word)
			}
			out = append(out, Mention{
				Sentence: si,
				Start:    i,
				End:      j,
				Label:    label,
				Text:     strings.Join(words, " "),
			})
			i = j
		}
	}
	return out
}
