package etl

import (
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/segmentio/parquet-go"

	"github.com/raaihank/regexner/internal/ner"
)

// corpusReader yields corpora until io.EOF
type corpusReader interface {
	Next() (*ner.Corpus, error)
	Close() error
}

// corpusWriter writes annotated corpora in one of the supported formats
type corpusWriter interface {
	Write(corpus *ner.Corpus) error
	Close() error
}

func openReader(path string, format FileFormat) (corpusReader, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s file: %w", format, err)
	}

	switch format {
	case FormatJSON:
		return &jsonReader{file: file, decoder: json.NewDecoder(file)}, nil
	case FormatCSV:
		rows, err := newCSVRows(file)
		if err != nil {
			file.Close()
			return nil, err
		}
		return &rowReader{next: rows.next, closer: file}, nil
	case FormatParquet:
		reader := parquet.NewReader(file)
		return &rowReader{
			next: func() (*TokenRecord, error) {
				var record TokenRecord
				if err := reader.Read(&record); err != nil {
					return nil, err
				}
				return &record, nil
			},
			closer: closerFunc(func() error {
				reader.Close()
				return file.Close()
			}),
		}, nil
	default:
		file.Close()
		return nil, fmt.Errorf("unsupported file format: %s", format)
	}
}

type closerFunc func() error

func (f closerFunc) Close() error { return f() }

// jsonReader reads one corpus object per line
type jsonReader struct {
	file    *os.File
	decoder *json.Decoder
}

func (r *jsonReader) Next() (*ner.Corpus, error) {
	var corpus ner.Corpus
	if err := r.decoder.Decode(&corpus); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, io.EOF
		}
		return nil, fmt.Errorf("failed to decode corpus: %w", err)
	}
	return &corpus, nil
}

func (r *jsonReader) Close() error { return r.file.Close() }

// rowReader groups contiguous token rows into corpora by doc_id and sentence
type rowReader struct {
	next    func() (*TokenRecord, error)
	closer  io.Closer
	pending *TokenRecord
	done    bool
}

func (r *rowReader) Next() (*ner.Corpus, error) {
	if r.done && r.pending == nil {
		return nil, io.EOF
	}

	var corpus *ner.Corpus
	var current *ner.Sentence
	lastSentence := int64(-1)

	for {
		record := r.pending
		r.pending = nil
		if record == nil && !r.done {
			var err error
			record, err = r.next()
			if errors.Is(err, io.EOF) {
				r.done = true
			} else if err != nil {
				return nil, fmt.Errorf("failed to read token row: %w", err)
			}
		}
		if record == nil {
			break
		}

		if corpus == nil {
			corpus = &ner.Corpus{ID: record.DocID, Sentences: []*ner.Sentence{}}
		} else if record.DocID != corpus.ID {
			r.pending = record
			break
		}

		if current == nil || record.Sentence != lastSentence {
			current = &ner.Sentence{}
			corpus.Sentences = append(corpus.Sentences, current)
			lastSentence = record.Sentence
		}
		current.Tokens = append(current.Tokens, &ner.Token{Word: record.Word, Tag: record.Tag, NER: record.NER})
	}

	if corpus == nil {
		return nil, io.EOF
	}
	return corpus, nil
}

func (r *rowReader) Close() error { return r.closer.Close() }

// csvRows maps CSV columns by header name
type csvRows struct {
	reader  *csv.Reader
	columns map[string]int
	line    int
}

func newCSVRows(r io.Reader) (*csvRows, error) {
	reader := csv.NewReader(r)
	reader.ReuseRecord = true

	header, err := reader.Read()
	if err != nil {
		return nil, fmt.Errorf("failed to read CSV header: %w", err)
	}

	columns := make(map[string]int, len(header))
	for i, name := range header {
		columns[strings.ToLower(strings.TrimSpace(name))] = i
	}
	for _, required := range []string{"doc_id", "word"} {
		if _, ok := columns[required]; !ok {
			return nil, fmt.Errorf("CSV header is missing column %q", required)
		}
	}

	return &csvRows{reader: reader, columns: columns, line: 1}, nil
}

func (c *csvRows) next() (*TokenRecord, error) {
	row, err := c.reader.Read()
	if err != nil {
		return nil, err
	}
	c.line++

	record := &TokenRecord{
		DocID: c.field(row, "doc_id"),
		Word:  c.field(row, "word"),
		Tag:   c.field(row, "tag"),
		NER:   c.field(row, "ner"),
	}
	if s := c.field(row, "sentence"); s != "" {
		record.Sentence, err = strconv.ParseInt(s, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("line %d: invalid sentence index %q", c.line, s)
		}
	}
	return record, nil
}

func (c *csvRows) field(row []string, name string) string {
	i, ok := c.columns[name]
	if !ok || i >= len(row) {
		return ""
	}
	return strings.TrimSpace(row[i])
}

func openWriter(path string, format FileFormat) (corpusWriter, error) {
	file, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("failed to create output file: %w", err)
	}

	switch format {
	case FormatJSON:
		return &jsonWriter{file: file, encoder: json.NewEncoder(file)}, nil
	case FormatCSV:
		w := csv.NewWriter(file)
		if err := w.Write(csvHeader); err != nil {
			file.Close()
			return nil, fmt.Errorf("failed to write CSV header: %w", err)
		}
		return &csvWriter{file: file, writer: w}, nil
	case FormatParquet:
		return &parquetWriter{file: file, writer: parquet.NewGenericWriter[TokenRecord](file)}, nil
	default:
		file.Close()
		return nil, fmt.Errorf("unsupported file format: %s", format)
	}
}

// flatten turns a corpus back into token rows
func flatten(corpus *ner.Corpus) []TokenRecord {
	var rows []TokenRecord
	for i, sent := range corpus.Sentences {
		for _, tok := range sent.Tokens {
			rows = append(rows, TokenRecord{
				DocID:    corpus.ID,
				Sentence: int64(i),
				Word:     tok.Word,
				Tag:      tok.Tag,
				NER:      tok.NER,
			})
		}
	}
	return rows
}

type jsonWriter struct {
	file    *os.File
	encoder *json.Encoder
}

func (w *jsonWriter) Write(corpus *ner.Corpus) error { return w.encoder.Encode(corpus) }
func (w *jsonWriter) Close() error                   { return w.file.Close() }

type csvWriter struct {
	file   *os.File
	writer *csv.Writer
}

func (w *csvWriter) Write(corpus *ner.Corpus) error {
	for _, row := range flatten(corpus) {
		record := []string{row.DocID, strconv.FormatInt(row.Sentence, 10), row.Word, row.Tag, row.NER}
		if err := w.writer.Write(record); err != nil {
			return err
		}
	}
	return nil
}

func (w *csvWriter) Close() error {
	w.writer.Flush()
	if err := w.writer.Error(); err != nil {
		w.file.Close()
		return err
	}
	return w.file.Close()
}

type parquetWriter struct {
	file   *os.File
	writer *parquet.GenericWriter[TokenRecord]
}

func (w *parquetWriter) Write(corpus *ner.Corpus) error {
	rows := flatten(corpus)
	if len(rows) == 0 {
		return nil
	}
	_, err := w.writer.Write(rows)
	return err
}

func (w *parquetWriter) Close() error {
	if err := w.writer.Close(); err != nil {
		w.file.Close()
		return err
	}
	return w.file.Close()
}
