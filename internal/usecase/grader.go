package usecase

import (
	"context"
	"errors"
	"log/slog"
	"strings"

	"XueXinwen/internal/domain"
	"XueXinwen/internal/ports"
)

// Grader simplifies single (section, level) pairs under the retry policy.
type Grader struct {
	simplifier ports.Simplifier
	policy     RetryPolicy
	logger     *slog.Logger
}

// NewGrader builds a grader around a simplifier.
func NewGrader(simplifier ports.Simplifier, policy RetryPolicy, logger *slog.Logger) *Grader {
	if logger == nil {
		logger = slog.Default()
	}
	return &Grader{simplifier: simplifier, policy: policy, logger: logger}
}

// GradeOutcome is the text of one graded pair plus the attempts it took.
type GradeOutcome struct {
	Text     string
	Attempts int
}

// Grade returns the section rewritten at level. The native level passes through untouched.
// Exhausted or terminal collaborator errors come back as *domain.TerminalPairFailure;
// cancellation is returned as is.
func (g *Grader) Grade(ctx context.Context, position int, text string, level domain.Level) (GradeOutcome, error) {
	if level == domain.LevelNative {
		return GradeOutcome{Text: text}, nil
	}
	if g.simplifier == nil {
		return GradeOutcome{}, &domain.TerminalPairFailure{
			Position: position,
			Level:    level,
			Err:      errors.New("no simplifier configured"),
		}
	}

	var out string
	attempts, err := g.policy.Do(ctx, func(ctx context.Context) error {
		simplified, err := g.simplifier.Simplify(ctx, text, level)
		if err != nil {
			return err
		}
		simplified = strings.TrimSpace(simplified)
		if simplified == "" {
			return &domain.ValidationError{Op: "simplify", Message: "empty simplification"}
		}
		out = simplified
		return nil
	})
	if err != nil {
		if ctx.Err() != nil {
			return GradeOutcome{Attempts: attempts}, ctx.Err()
		}
		g.logger.Warn("pair failed", "position", position, "level", level, "attempts", attempts, "error", err)
		return GradeOutcome{Attempts: attempts}, &domain.TerminalPairFailure{
			Position: position,
			Level:    level,
			Attempts: attempts,
			Err:      err,
		}
	}
	if attempts > 1 {
		g.logger.Info("pair recovered", "position", position, "level", level, "attempts", attempts)
	}
	return GradeOutcome{Text: out, Attempts: attempts}, nil
}

// EntityService extracts entities and degrades to none when the collaborator keeps failing.
type EntityService struct {
	extractor ports.EntityExtractor
	policy    RetryPolicy
	logger    *slog.Logger
}

// NewEntityService builds the entity step. extractor may be nil.
func NewEntityService(extractor ports.EntityExtractor, policy RetryPolicy, logger *slog.Logger) *EntityService {
	if logger == nil {
		logger = slog.Default()
	}
	return &EntityService{extractor: extractor, policy: policy, logger: logger}
}

// Extract returns the entities that occur in mandarin, deduplicated by exact text with the
// first gloss kept. Only cancellation is reported as an error.
func (s *EntityService) Extract(ctx context.Context, mandarin, english string) ([]domain.Entity, error) {
	if s.extractor == nil || strings.TrimSpace(mandarin) == "" {
		return nil, nil
	}

	var found []domain.Entity
	attempts, err := s.policy.Do(ctx, func(ctx context.Context) error {
		entities, err := s.extractor.Extract(ctx, mandarin, english)
		if err != nil {
			return err
		}
		found = entities
		return nil
	})
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		s.logger.Warn("entity extraction failed, continuing without entities", "attempts", attempts, "error", err)
		return nil, nil
	}
	return dedupeEntities(found, mandarin), nil
}

func dedupeEntities(entities []domain.Entity, mandarin string) []domain.Entity {
	seen := make(map[string]struct{}, len(entities))
	out := make([]domain.Entity, 0, len(entities))
	for _, e := range entities {
		e.Text = strings.TrimSpace(e.Text)
		e.Gloss = strings.TrimSpace(e.Gloss)
		if e.Text == "" || e.Gloss == "" || !strings.Contains(mandarin, e.Text) {
			continue
		}
		if _, dup := seen[e.Text]; dup {
			continue
		}
		seen[e.Text] = struct{}{}
		if e.Type == "" {
			e.Type = domain.EntityOther
		}
		out = append(out, e)
	}
	return out
}
