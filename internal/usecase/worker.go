package usecase

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"XueXinwen/internal/domain"
	"XueXinwen/internal/ports"
)

const (
	defaultPollTimeout = 5 * time.Second
	dequeueErrorPause  = time.Second
)

// Worker drains the job queue through the processor.
type Worker struct {
	queue     ports.JobQueue
	processor *Processor
	workers   int
	poll      time.Duration
	logger    *slog.Logger
}

// NewWorker builds a pool of queue consumers.
func NewWorker(queue ports.JobQueue, processor *Processor, workers int, poll time.Duration, logger *slog.Logger) *Worker {
	if workers <= 0 {
		workers = 1
	}
	if poll <= 0 {
		poll = defaultPollTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Worker{
		queue:     queue,
		processor: processor,
		workers:   workers,
		poll:      poll,
		logger:    logger.With("component", "worker"),
	}
}

// Run consumes jobs until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < w.workers; i++ {
		logger := w.logger.With("worker", i)
		g.Go(func() error {
			return w.loop(gctx, logger)
		})
	}
	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (w *Worker) loop(ctx context.Context, logger *slog.Logger) error {
	for {
		if ctx.Err() != nil {
			return nil
		}

		job, err := w.queue.Dequeue(ctx, w.poll)
		switch {
		case err == nil:
			w.handle(ctx, job, logger)
		case errors.Is(err, ports.ErrNoJob):
		case ctx.Err() != nil:
			return nil
		case domain.IsInput(err):
			logger.Warn("dropping undecodable job", "bytes", len(job.Payload), "error", err)
			w.deadLetter(ctx, job, err.Error(), logger)
		default:
			logger.Error("dequeue failed", "error", err)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(dequeueErrorPause):
			}
		}
	}
}

func (w *Worker) handle(ctx context.Context, job domain.Job, logger *slog.Logger) {
	raw := job.Article
	res, err := w.processor.Process(ctx, raw, ProcessOptions{Levels: job.Levels, Regrade: job.Regrade})
	if err != nil {
		if ctx.Err() != nil {
			requeueCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
			defer cancel()
			if qErr := w.queue.Enqueue(requeueCtx, job); qErr != nil {
				logger.Error("requeue after shutdown", "url", raw.URL, "error", qErr)
			}
			return
		}
		w.deadLetter(ctx, job, err.Error(), logger)
		return
	}
	if res.Status == domain.StatusFailedEmpty {
		w.deadLetter(ctx, job, ErrEmptyArticle.Error(), logger)
		return
	}
	logger.Info("job done", "url", raw.URL, "article_id", res.ArticleID, "status", res.Status, "levels", job.Levels)
}

func (w *Worker) deadLetter(ctx context.Context, job domain.Job, reason string, logger *slog.Logger) {
	if err := w.queue.DeadLetter(ctx, job, reason); err != nil {
		logger.Error("dead letter failed", "url", job.Article.URL, "error", err)
		return
	}
	logger.Warn("job dead-lettered", "url", job.Article.URL, "reason", reason)
}
