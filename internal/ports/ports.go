package ports

import (
	"context"
	"errors"
	"time"

	"XueXinwen/internal/domain"
)

// Simplifier rewrites one section at a target level.
type Simplifier interface {
	Simplify(ctx context.Context, text string, level domain.Level) (string, error)
}

// EntityExtractor finds named entities and their glosses.
type EntityExtractor interface {
	Extract(ctx context.Context, mandarin, english string) ([]domain.Entity, error)
}

// WordClassifier estimates levels for words missing from the reference table.
type WordClassifier interface {
	ClassifyWords(ctx context.Context, words []string) (map[string]domain.Level, error)
}

// Segmenter splits an article body into ordered sections.
type Segmenter interface {
	Segment(text string) []string
}

// WordTagger maps every distinct token of a text to its level.
type WordTagger interface {
	Tag(ctx context.Context, text string) (map[string]domain.Level, error)
}

// ContentWrapper renders graded text with entity markup.
type ContentWrapper interface {
	Wrap(text string, entities []domain.Entity) (string, error)
}

// ArticleStore is the Database Manager boundary used by the pipeline.
type ArticleStore interface {
	SaveArticle(ctx context.Context, agg domain.ArticleAggregate) error
	GetArticle(ctx context.Context, id string) (domain.ArticleAggregate, error)
	SaveCheckpoint(ctx context.Context, articleID, contentHash string, section domain.GradedSection) error
	LoadCheckpoints(ctx context.Context, articleID, contentHash string) (map[domain.PairKey]string, error)
	RecordRun(ctx context.Context, run domain.RunRecord) error
}

// ArticleReader serves stored articles to the API layer.
type ArticleReader interface {
	GetArticle(ctx context.Context, id string) (domain.ArticleAggregate, error)
	GetContent(ctx context.Context, id string, level domain.Level) (domain.RenderedArticle, error)
	ListArticles(ctx context.Context, filter domain.ListFilter) ([]domain.Article, error)
}

// IncompleteLister finds processed articles with grading gaps.
type IncompleteLister interface {
	ListIncomplete(ctx context.Context, levels []domain.Level, limit int) ([]string, error)
}

// RawSource yields raw articles from an upstream collaborator (file, queue).
type RawSource interface {
	Name() string
	Next(ctx context.Context) (domain.RawArticle, error)
}

// ErrNoJob is returned by JobQueue.Dequeue when the wait timed out without a job.
var ErrNoJob = errors.New("no job available")

// JobQueue hands processing jobs to background workers. Dequeue returns an InputError
// together with a job holding only Payload when the stored bytes cannot be decoded.
type JobQueue interface {
	Enqueue(ctx context.Context, job domain.Job) error
	Dequeue(ctx context.Context, timeout time.Duration) (domain.Job, error)
	DeadLetter(ctx context.Context, job domain.Job, reason string) error
}

// Notifier reports failed runs to operators.
type Notifier interface {
	NotifyRunFailed(ctx context.Context, run domain.RunRecord) error
}

// Scheduler controls when periodic jobs execute.
type Scheduler interface {
	Start(ctx context.Context, job func(time.Time)) error
	Stop(ctx context.Context) error
}
