package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"XueXinwen/internal/domain"
	"XueXinwen/internal/ports"
)

// Options tunes every request the collaborator sends.
type Options struct {
	Temperature float64
	MaxTokens   int
}

// Collaborator implements the pipeline's language-model capabilities on top of a Backend.
type Collaborator struct {
	backend Backend
	opts    Options
	logger  *slog.Logger
}

var (
	_ ports.Simplifier      = (*Collaborator)(nil)
	_ ports.EntityExtractor = (*Collaborator)(nil)
	_ ports.WordClassifier  = (*Collaborator)(nil)
)

// NewCollaborator wraps backend.
func NewCollaborator(backend Backend, opts Options, logger *slog.Logger) *Collaborator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Collaborator{backend: backend, opts: opts, logger: logger}
}

// Simplify rewrites one section at level. An empty rewrite is a ValidationError.
func (c *Collaborator) Simplify(ctx context.Context, text string, level domain.Level) (string, error) {
	out, err := c.backend.Complete(ctx, c.request(opSimplify, simplifySystem, simplifyPrompt(text, level)))
	if err != nil {
		return "", err
	}
	cleaned := cleanTextResponse(out)
	if cleaned == "" {
		return "", &domain.ValidationError{Op: opSimplify, Message: "empty rewrite"}
	}
	return cleaned, nil
}

type entityRecord struct {
	Word    string `json:"word"`
	Text    string `json:"text"`
	Type    string `json:"type"`
	English string `json:"english"`
	Gloss   string `json:"gloss"`
}

// Extract asks for entities of the article. Records without text or gloss are dropped;
// a reply that is not a JSON array is a ValidationError.
func (c *Collaborator) Extract(ctx context.Context, mandarin, english string) ([]domain.Entity, error) {
	out, err := c.backend.Complete(ctx, c.request(opEntities, entitiesSystem, entitiesPrompt(mandarin, english)))
	if err != nil {
		return nil, err
	}

	var records []entityRecord
	if err := json.Unmarshal([]byte(cleanJSONArray(out)), &records); err != nil {
		return nil, &domain.ValidationError{Op: opEntities, Message: fmt.Sprintf("not a json array: %v", err)}
	}

	entities := make([]domain.Entity, 0, len(records))
	dropped := 0
	for _, r := range records {
		text := strings.TrimSpace(firstNonEmpty(r.Word, r.Text))
		gloss := strings.TrimSpace(firstNonEmpty(r.English, r.Gloss))
		if text == "" || gloss == "" {
			dropped++
			continue
		}
		entities = append(entities, domain.Entity{Text: text, Type: domain.ParseEntityType(r.Type), Gloss: gloss})
	}
	if dropped > 0 {
		c.logger.Debug("dropped invalid entity records", "dropped", dropped, "kept", len(entities))
	}
	return entities, nil
}

// ClassifyWords asks for CEFR levels of words missing from the reference table.
// Entries with unparseable levels are left out.
func (c *Collaborator) ClassifyWords(ctx context.Context, words []string) (map[string]domain.Level, error) {
	if len(words) == 0 {
		return map[string]domain.Level{}, nil
	}

	out, err := c.backend.Complete(ctx, c.request(opTagWords, tagWordsSystem, tagWordsPrompt(words)))
	if err != nil {
		return nil, err
	}

	var raw map[string]string
	if err := json.Unmarshal([]byte(cleanJSONObject(out)), &raw); err != nil {
		return nil, &domain.ValidationError{Op: opTagWords, Message: fmt.Sprintf("not a json object: %v", err)}
	}

	levels := make(map[string]domain.Level, len(raw))
	for word, value := range raw {
		level, err := domain.ParseLevel(value)
		if err != nil || !level.IsCEFR() {
			continue
		}
		levels[strings.TrimSpace(word)] = level
	}
	return levels, nil
}

func (c *Collaborator) request(op, system, prompt string) CompletionRequest {
	return CompletionRequest{
		Op:          op,
		System:      system,
		Prompt:      prompt,
		Temperature: c.opts.Temperature,
		MaxTokens:   c.opts.MaxTokens,
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

func stripFences(content string) string {
	content = strings.TrimSpace(content)
	content = strings.TrimPrefix(content, "```json")
	content = strings.TrimPrefix(content, "```")
	content = strings.TrimSuffix(content, "```")
	return strings.TrimSpace(content)
}

func cleanTextResponse(content string) string {
	content = stripFences(content)
	if len(content) >= 2 && strings.HasPrefix(content, `"`) && strings.HasSuffix(content, `"`) {
		content = content[1 : len(content)-1]
	}
	return strings.TrimSpace(content)
}

// Some model responses include extra prose around JSON.
func cleanJSONObject(content string) string {
	return trimToDelims(stripFences(content), "{", "}")
}

func cleanJSONArray(content string) string {
	return trimToDelims(stripFences(content), "[", "]")
}

func trimToDelims(content, opening, closing string) string {
	start := strings.Index(content, opening)
	end := strings.LastIndex(content, closing)
	if start >= 0 && end > start {
		return content[start : end+1]
	}
	return content
}
