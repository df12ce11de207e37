package ingest

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"unicode"

	"XueXinwen/internal/domain"
	"XueXinwen/internal/ports"
)

// ReaderSource streams raw articles from JSON: a single object, an array of objects,
// or newline-delimited objects.
type ReaderSource struct {
	name          string
	defaultSource string
	br            *bufio.Reader
	dec           *json.Decoder
	closer        io.Closer
	started       bool
	inArray       bool
	done          bool
}

var _ ports.RawSource = (*ReaderSource)(nil)

// NewReaderSource wraps an already open reader.
func NewReaderSource(name string, r io.Reader, defaultSource string) *ReaderSource {
	br := bufio.NewReader(r)
	return &ReaderSource{
		name:          name,
		defaultSource: defaultSource,
		br:            br,
		dec:           json.NewDecoder(br),
	}
}

// OpenFile opens a JSON or NDJSON file of raw articles.
func OpenFile(path, defaultSource string) (*ReaderSource, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	src := NewReaderSource(filepath.Base(path), f, defaultSource)
	src.closer = f
	return src, nil
}

// Name identifies the source in logs.
func (s *ReaderSource) Name() string {
	return s.name
}

// Next returns the next raw article or io.EOF when the input is exhausted.
func (s *ReaderSource) Next(ctx context.Context) (domain.RawArticle, error) {
	if err := ctx.Err(); err != nil {
		return domain.RawArticle{}, err
	}
	if s.done {
		return domain.RawArticle{}, io.EOF
	}

	if !s.started {
		s.started = true
		if err := s.detectArray(); err != nil {
			return domain.RawArticle{}, err
		}
	}

	if s.inArray && !s.dec.More() {
		s.done = true
		if _, err := s.dec.Token(); err != nil {
			return domain.RawArticle{}, fmt.Errorf("%s: %w", s.name, err)
		}
		return domain.RawArticle{}, io.EOF
	}

	var raw domain.RawArticle
	if err := s.dec.Decode(&raw); err != nil {
		if errors.Is(err, io.EOF) && !s.inArray {
			s.done = true
			return domain.RawArticle{}, io.EOF
		}
		s.done = true
		return domain.RawArticle{}, &domain.InputError{Field: "payload", Message: fmt.Sprintf("%s: %v", s.name, err)}
	}
	if strings.TrimSpace(raw.Source) == "" {
		raw.Source = s.defaultSource
	}
	return raw, nil
}

// Close releases the underlying file, if any.
func (s *ReaderSource) Close() error {
	if s.closer == nil {
		return nil
	}
	return s.closer.Close()
}

func (s *ReaderSource) detectArray() error {
	for {
		r, _, err := s.br.ReadRune()
		if err != nil {
			if errors.Is(err, io.EOF) {
				s.done = true
				return io.EOF
			}
			return fmt.Errorf("%s: %w", s.name, err)
		}
		if unicode.IsSpace(r) || r == '\ufeff' {
			continue
		}
		if err := s.br.UnreadRune(); err != nil {
			return err
		}
		if r == '[' {
			s.inArray = true
			if _, err := s.dec.Token(); err != nil {
				return &domain.InputError{Field: "payload", Message: fmt.Sprintf("%s: %v", s.name, err)}
			}
		}
		return nil
	}
}
