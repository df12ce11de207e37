package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"XueXinwen/internal/config"
	"XueXinwen/internal/domain"
	"XueXinwen/internal/infrastructure/httpapi"
	"XueXinwen/internal/infrastructure/llm"
	"XueXinwen/internal/infrastructure/queue"
	"XueXinwen/internal/infrastructure/scheduler"
	"XueXinwen/internal/infrastructure/storage"
	"XueXinwen/internal/infrastructure/telegram"
	"XueXinwen/internal/ingest"
	"XueXinwen/internal/logging"
	"XueXinwen/internal/ports"
	"XueXinwen/internal/render"
	"XueXinwen/internal/textproc"
	"XueXinwen/internal/usecase"
)

// Application wires configs to use cases and lifecycle orchestration.
type Application struct {
	cfg       config.Config
	logger    *slog.Logger
	db        *sql.DB
	driver    string
	repo      *storage.ArticleRepository
	processor *usecase.Processor
	backfill  *usecase.Backfill
	queue     *queue.RedisQueue
}

// New opens the database and builds the processing pipeline.
func New(ctx context.Context, cfg config.Config, baseLogger *slog.Logger) (*Application, error) {
	if baseLogger == nil {
		baseLogger = logging.New(cfg.Logging.Level, cfg.Logging.Format)
	}

	levels, err := cfg.Pipeline.GradeLevels()
	if err != nil {
		return nil, err
	}
	driver, err := storage.NormalizeDriver(cfg.Database.Driver)
	if err != nil {
		return nil, err
	}

	table, err := loadWordTable(cfg.Tagger)
	if err != nil {
		return nil, err
	}

	backend, err := llm.NewBackend(ctx, cfg.LLM)
	if err != nil {
		return nil, fmt.Errorf("llm backend: %w", err)
	}
	collaborator := llm.NewCollaborator(
		llm.NewPacedBackend(backend, cfg.LLM.RequestsPerSecond, cfg.LLM.Burst),
		llm.Options{Temperature: cfg.LLM.Temperature, MaxTokens: cfg.LLM.MaxTokens},
		baseLogger.With("component", "llm"),
	)

	var classifier ports.WordClassifier
	if cfg.Tagger.ClassifyUnknown {
		classifier = collaborator
	}

	var notifier ports.Notifier
	if tg := cfg.Notifications.Telegram; tg.BotToken != "" && tg.ChatID != "" {
		notifier = telegram.NewNotifier(tg.BotToken, tg.ChatID)
	}

	db, err := storage.Open(ctx, cfg.Database)
	if err != nil {
		return nil, err
	}
	repo := storage.NewArticleRepository(db, driver, cfg.Database.CacheTTL, baseLogger.With("component", "storage"))

	processor := usecase.NewProcessor(usecase.ProcessorDeps{
		Store:          repo,
		Simplifier:     collaborator,
		Extractor:      collaborator,
		Segmenter:      textproc.NewSegmenter(cfg.Pipeline.MaxSectionRunes),
		Tagger:         textproc.NewTagger(table, classifier, baseLogger.With("component", "tagger")),
		Wrapper:        render.NewWrapper(),
		Notifier:       notifier,
		Logger:         baseLogger,
		Levels:         levels,
		MaxConcurrency: cfg.Pipeline.MaxConcurrency,
		Retry:          usecase.RetryPolicyFromConfig(cfg.Pipeline.Retry),
	})

	baseLogger.Info("application ready",
		"db_driver", driver,
		"llm_provider", cfg.LLM.Provider,
		"levels", levels,
		"words", table.Len(),
		"notifier", notifier != nil)

	return &Application{
		cfg:       cfg,
		logger:    baseLogger,
		db:        db,
		driver:    driver,
		repo:      repo,
		processor: processor,
		backfill:  usecase.NewBackfill(repo, repo, processor, cfg.Backfill.BatchSize, baseLogger),
	}, nil
}

func loadWordTable(cfg config.TaggerConfig) (*textproc.WordTable, error) {
	opts := textproc.TokenizerOptions{BaseDictionary: cfg.BaseDictionary, HMM: cfg.HMM}
	if cfg.WordListPath == "" {
		return textproc.SampleWordTable(opts)
	}
	table, err := textproc.LoadWordTableFile(cfg.WordListPath, opts)
	if err != nil {
		return nil, fmt.Errorf("word list: %w", err)
	}
	return table, nil
}

// Migrate applies pending schema migrations.
func (a *Application) Migrate(ctx context.Context) error {
	return storage.NewMigrator(a.db, a.driver, a.logger.With("component", "migrate")).Migrate(ctx)
}

// MigrationStatus lists known migrations and whether they ran.
func (a *Application) MigrationStatus(ctx context.Context) ([]storage.MigrationStatus, error) {
	return storage.NewMigrator(a.db, a.driver, a.logger).Status(ctx)
}

// Process runs trigger_processing inline for one raw article.
func (a *Application) Process(ctx context.Context, raw domain.RawArticle, opts usecase.ProcessOptions) (usecase.Result, error) {
	return a.processor.Process(ctx, raw, opts)
}

// Ingest drains a JSON source through the processor, or onto the queue when enqueue is set.
func (a *Application) Ingest(ctx context.Context, location string, opts usecase.ProcessOptions, enqueue bool) (ingest.Report, error) {
	src, err := ingest.DefaultRegistry("").Open(ingest.KindFor(location), location)
	if err != nil {
		return ingest.Report{}, err
	}
	if closer, ok := src.(io.Closer); ok {
		defer closer.Close()
	}

	handle := func(ctx context.Context, raw domain.RawArticle) error {
		res, err := a.processor.Process(ctx, raw, opts)
		if err != nil {
			return err
		}
		if res.Status == domain.StatusFailedEmpty {
			return usecase.ErrEmptyArticle
		}
		a.logger.Info("article processed", "article_id", res.ArticleID, "status", res.Status, "pairs", res.Ledger.Counts())
		return nil
	}
	if enqueue {
		q, err := a.Queue(ctx)
		if err != nil {
			return ingest.Report{}, err
		}
		handle = func(ctx context.Context, raw domain.RawArticle) error {
			if err := raw.Validate(); err != nil {
				return err
			}
			return q.Enqueue(ctx, raw)
		}
	}
	return ingest.Drain(ctx, src, handle, a.logger.With("component", "ingest"))
}

// Queue connects to redis on first use.
func (a *Application) Queue(ctx context.Context) (*queue.RedisQueue, error) {
	if a.queue != nil {
		return a.queue, nil
	}
	q, err := queue.Connect(ctx, a.cfg.Queue)
	if err != nil {
		return nil, err
	}
	a.queue = q
	return q, nil
}

// RunWorker consumes queued articles until ctx is cancelled.
func (a *Application) RunWorker(ctx context.Context) error {
	q, err := a.Queue(ctx)
	if err != nil {
		return err
	}
	worker := usecase.NewWorker(q, a.processor, a.cfg.Queue.Workers, a.cfg.Queue.PollTimeout, a.logger)
	return worker.Run(ctx)
}

// Backfill runs one sweep over incomplete articles.
func (a *Application) Backfill(ctx context.Context) (usecase.BackfillReport, error) {
	return a.backfill.Sweep(ctx)
}

// Serve runs the HTTP API and the backfill scheduler until ctx is cancelled.
func (a *Application) Serve(ctx context.Context) error {
	deps := httpapi.HandlerDeps{
		Reader:    a.repo,
		Runs:      a.repo,
		Processor: a.processor,
		Logger:    a.logger,
	}
	if a.cfg.Queue.RedisURL != "" {
		q, err := a.Queue(ctx)
		if err != nil {
			a.logger.Warn("queue unavailable, async processing disabled", "error", err)
		} else {
			deps.Queue = q
		}
	}

	sched := usecase.NewScheduler(scheduler.NewIntervalScheduler(a.cfg.Backfill.Interval, false), a.backfill)
	if a.cfg.Backfill.Interval > 0 {
		if err := sched.Start(ctx); err != nil {
			return fmt.Errorf("start backfill scheduler: %w", err)
		}
		defer sched.Stop(context.Background())
	}

	router := httpapi.NewRouter(httpapi.NewHandler(deps), a.cfg.API)
	return httpapi.NewServer(a.cfg.API.Addr, router, a.logger).Run(ctx)
}

// Close releases the database and queue connections.
func (a *Application) Close() error {
	var errs []error
	if a.queue != nil {
		errs = append(errs, a.queue.Close())
	}
	if a.db != nil {
		errs = append(errs, a.db.Close())
	}
	return errors.Join(errs...)
}
