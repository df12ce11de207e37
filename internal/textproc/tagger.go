package textproc

import (
	"context"
	"errors"
	"log/slog"

	"XueXinwen/internal/domain"
	"XueXinwen/internal/ports"
)

// Tagger assigns a level to every distinct token of an article.
type Tagger struct {
	table      *WordTable
	classifier ports.WordClassifier
	logger     *slog.Logger
}

// NewTagger builds a tagger. classifier may be nil, in which case unmatched words stay unknown.
func NewTagger(table *WordTable, classifier ports.WordClassifier, logger *slog.Logger) *Tagger {
	if logger == nil {
		logger = slog.Default()
	}
	return &Tagger{table: table, classifier: classifier, logger: logger}
}

// Tag maps each distinct token of text to its level. Words missing from the table are unknown
// unless the classifier settles them; classifier failures never fail tagging.
func (t *Tagger) Tag(ctx context.Context, text string) (map[string]domain.Level, error) {
	if t.table == nil {
		return nil, errors.New("tagger: word table not loaded")
	}

	levels := map[string]domain.Level{}
	var unknown []string
	for _, token := range t.table.Tokenize(text) {
		if _, seen := levels[token]; seen {
			continue
		}
		level, ok := t.table.Lookup(token)
		if !ok {
			level = domain.LevelUnknown
			unknown = append(unknown, token)
		}
		levels[token] = level
	}

	if len(unknown) == 0 || t.classifier == nil {
		return levels, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	guessed, err := t.classifier.ClassifyWords(ctx, unknown)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		t.logger.Warn("word classification failed, keeping unknown", "words", len(unknown), "error", err)
		return levels, nil
	}
	for word, level := range guessed {
		if current, ok := levels[word]; ok && current == domain.LevelUnknown && level.IsCEFR() {
			levels[word] = level
		}
	}
	return levels, nil
}
