package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"XueXinwen/internal/domain"
	"XueXinwen/internal/ports"
)

const defaultBackfillBatch = 20

// BackfillReport summarizes one sweep.
type BackfillReport struct {
	Candidates int
	Completed  int
	Partial    int
	Failed     int
}

// Backfill regrades stored articles that still miss (section, level) rows.
type Backfill struct {
	lister    ports.IncompleteLister
	store     ports.ArticleStore
	processor *Processor
	batch     int
	logger    *slog.Logger
}

// NewBackfill builds the sweep use case.
func NewBackfill(lister ports.IncompleteLister, store ports.ArticleStore, processor *Processor, batch int, logger *slog.Logger) *Backfill {
	if batch <= 0 {
		batch = defaultBackfillBatch
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Backfill{
		lister:    lister,
		store:     store,
		processor: processor,
		batch:     batch,
		logger:    logger.With("component", "backfill"),
	}
}

// Sweep reprocesses up to one batch of incomplete articles from their stored sections.
// A failing article is counted and the sweep moves on.
func (b *Backfill) Sweep(ctx context.Context) (BackfillReport, error) {
	var report BackfillReport
	if b.lister == nil || b.store == nil || b.processor == nil {
		return report, nil
	}

	ids, err := b.lister.ListIncomplete(ctx, b.processor.Levels(), b.batch)
	if err != nil {
		return report, fmt.Errorf("list incomplete: %w", err)
	}
	report.Candidates = len(ids)

	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return report, err
		}

		agg, err := b.store.GetArticle(ctx, id)
		if err != nil {
			if errors.Is(err, domain.ErrNotFound) {
				continue
			}
			report.Failed++
			b.logger.Warn("load article for backfill", "article_id", id, "error", err)
			continue
		}

		res, err := b.processor.Process(ctx, RawFromAggregate(agg), ProcessOptions{})
		if err != nil {
			if ctx.Err() != nil {
				return report, ctx.Err()
			}
			report.Failed++
			continue
		}
		switch res.Status {
		case domain.StatusPartiallyGraded:
			report.Partial++
		case domain.StatusProcessed, domain.StatusSkipped:
			report.Completed++
		default:
			report.Failed++
		}
	}

	b.logger.Debug("backfill sweep done",
		"candidates", report.Candidates,
		"completed", report.Completed,
		"partial", report.Partial,
		"failed", report.Failed)
	return report, nil
}

// RawFromAggregate rebuilds the raw input of a stored article. Segmenting its text yields
// the stored sections again, so the content hash is preserved.
func RawFromAggregate(agg domain.ArticleAggregate) domain.RawArticle {
	a := agg.Article
	raw := domain.RawArticle{
		URL:           a.URL,
		Date:          a.Date,
		Source:        a.Source,
		Authors:       a.Authors,
		MandarinTitle: a.MandarinTitle,
		EnglishTitle:  a.EnglishTitle,
		RawText:       agg.Body(),
		ImageURL:      a.ImageURL,
		Metadata:      a.Metadata,
	}

	english := make([]string, 0, len(agg.Sections))
	for _, s := range agg.Sections {
		if strings.TrimSpace(s.English) == "" {
			return raw
		}
		english = append(english, s.English)
	}
	raw.EnglishText = strings.Join(english, "\n\n")
	return raw
}
