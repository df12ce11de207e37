package ingest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"XueXinwen/internal/domain"
	"XueXinwen/internal/ports"
)

// Handler consumes one raw article (process it, enqueue it, ...).
type Handler func(ctx context.Context, raw domain.RawArticle) error

// Report counts what a drain did.
type Report struct {
	Read    int
	Handled int
	Failed  int
}

// Drain pulls every article from src into handle. Handler failures are counted and
// logged; a broken input stream or a cancelled context stops the drain.
func Drain(ctx context.Context, src ports.RawSource, handle Handler, logger *slog.Logger) (Report, error) {
	var report Report
	if src == nil {
		return report, fmt.Errorf("raw source is not configured")
	}
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("source", src.Name())
	logger.Debug("drain source")

	for {
		raw, err := src.Next(ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return report, fmt.Errorf("read %s: %w", src.Name(), err)
		}
		report.Read++

		if err := handle(ctx, raw); err != nil {
			if ctx.Err() != nil {
				return report, ctx.Err()
			}
			report.Failed++
			logger.Warn("article not handled", "url", raw.URL, "error", err)
			continue
		}
		report.Handled++
	}

	logger.Debug("source drained", "read", report.Read, "handled", report.Handled, "failed", report.Failed)
	return report, nil
}
