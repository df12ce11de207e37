package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"XueXinwen/internal/domain"
	"XueXinwen/internal/ports"
	"XueXinwen/internal/textproc"
)

const defaultMaxConcurrency = 4

// ErrEmptyArticle is recorded when segmentation leaves nothing to grade.
var ErrEmptyArticle = errors.New("article has no sections after segmentation")

// ProcessorDeps wires the components one processing run needs.
type ProcessorDeps struct {
	Store      ports.ArticleStore
	Simplifier ports.Simplifier
	Extractor  ports.EntityExtractor
	Segmenter  ports.Segmenter
	Tagger     ports.WordTagger
	Wrapper    ports.ContentWrapper
	Notifier   ports.Notifier
	Logger     *slog.Logger

	Levels         []domain.Level
	MaxConcurrency int
	Retry          RetryPolicy

	NewRunID func() string
	Now      func() time.Time
}

// ProcessOptions tunes a single run.
type ProcessOptions struct {
	// Levels overrides the configured target levels. Native is always added.
	Levels []domain.Level
	// Regrade ignores stored graded rows and grades every pair again.
	Regrade bool
}

// Result reports how a run ended.
type Result struct {
	ArticleID string
	RunID     string
	Status    domain.RunStatus
	Ledger    *domain.Ledger
}

// Processor turns a raw article into a persisted graded aggregate.
type Processor struct {
	store     ports.ArticleStore
	segmenter ports.Segmenter
	tagger    ports.WordTagger
	wrapper   ports.ContentWrapper
	notifier  ports.Notifier
	grader    *Grader
	entities  *EntityService
	logger    *slog.Logger

	levels         []domain.Level
	maxConcurrency int
	newRunID       func() string
	now            func() time.Time
	locks          *keyedMutex
}

// NewProcessor constructs the orchestrator.
func NewProcessor(deps ProcessorDeps) *Processor {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	segmenter := deps.Segmenter
	if segmenter == nil {
		segmenter = textproc.NewSegmenter(textproc.DefaultMaxSectionRunes)
	}
	levels := deps.Levels
	if len(levels) == 0 {
		levels = []domain.Level{domain.LevelA2, domain.LevelB1}
	}
	concurrency := deps.MaxConcurrency
	if concurrency <= 0 {
		concurrency = defaultMaxConcurrency
	}
	policy := deps.Retry
	if policy.InitialBackoff <= 0 && policy.MaxRetries == 0 && policy.Multiplier == 0 {
		policy = DefaultRetryPolicy()
	}
	newRunID := deps.NewRunID
	if newRunID == nil {
		newRunID = func() string { return uuid.NewString() }
	}
	now := deps.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}

	return &Processor{
		store:          deps.Store,
		segmenter:      segmenter,
		tagger:         deps.Tagger,
		wrapper:        deps.Wrapper,
		notifier:       deps.Notifier,
		grader:         NewGrader(deps.Simplifier, policy, logger.With("component", "grader")),
		entities:       NewEntityService(deps.Extractor, policy, logger.With("component", "entities")),
		logger:         logger.With("component", "processor"),
		levels:         domain.WithNative(levels),
		maxConcurrency: concurrency,
		newRunID:       newRunID,
		now:            now,
		locks:          newKeyedMutex(),
	}
}

// Levels returns the configured target levels, native included.
func (p *Processor) Levels() []domain.Level {
	return append([]domain.Level(nil), p.levels...)
}

// Process runs the whole pipeline for one raw article.
func (p *Processor) Process(ctx context.Context, raw domain.RawArticle, opts ProcessOptions) (Result, error) {
	if err := raw.Validate(); err != nil {
		return Result{Status: domain.StatusFailed}, err
	}
	if p.store == nil {
		return Result{Status: domain.StatusFailed}, errors.New("processor: no article store configured")
	}

	id := domain.ArticleID(raw.Source, raw.URL)
	unlock := p.locks.Lock(id)
	defer unlock()

	levels := p.levels
	if len(opts.Levels) > 0 {
		levels = domain.WithNative(opts.Levels)
	}

	run := &runTracker{
		store:  p.store,
		logger: p.logger,
		now:    p.now,
		record: domain.RunRecord{
			RunID:     p.newRunID(),
			ArticleID: id,
			URL:       raw.URL,
			Status:    domain.StatusRunning,
			StartedAt: p.now(),
		},
	}
	res := Result{ArticleID: id, RunID: run.record.RunID, Ledger: domain.NewLedger()}
	logger := p.logger.With("article_id", id, "run_id", res.RunID)

	status, err := p.run(ctx, raw, id, levels, opts, run, res.Ledger, logger)
	res.Status = status
	if err != nil {
		res.Status = domain.StatusFailed
		run.fail(ctx, err, res.Ledger)
		if !errors.Is(err, context.Canceled) {
			p.notify(ctx, run.record, logger)
		}
		logger.Error("run failed", "state", run.lastState, "error", err)
		return res, fmt.Errorf("process article %s: %w", id, err)
	}
	logger.Info("run finished", "status", status, "pairs", res.Ledger.Counts())
	return res, nil
}

func (p *Processor) run(
	ctx context.Context,
	raw domain.RawArticle,
	id string,
	levels []domain.Level,
	opts ProcessOptions,
	run *runTracker,
	ledger *domain.Ledger,
	logger *slog.Logger,
) (domain.RunStatus, error) {
	run.transition(ctx, domain.StateFetched, domain.StatusRunning, nil)

	sections := p.segmenter.Segment(raw.RawText)
	if len(sections) == 0 {
		run.record.Error = ErrEmptyArticle.Error()
		run.transition(ctx, domain.StateFailed, domain.StatusFailedEmpty, ledger)
		logger.Warn("nothing to process", "url", raw.URL)
		return domain.StatusFailedEmpty, nil
	}
	body := strings.Join(sections, "\n")
	hash := domain.ContentHash(body)
	run.transition(ctx, domain.StateSegmented, domain.StatusRunning, nil)

	existing, found, err := p.loadExisting(ctx, id)
	if err != nil {
		return "", err
	}
	unchanged := found && existing.Article.ContentHash == hash
	if unchanged && existing.Article.Processed && !opts.Regrade && hasAllPairs(existing, len(sections), levels) {
		run.transition(ctx, domain.StatePersisted, domain.StatusSkipped, ledger)
		logger.Info("article unchanged, skipping", "url", raw.URL)
		return domain.StatusSkipped, nil
	}

	reuse, err := p.reusablePairs(ctx, id, hash, existing, unchanged && !opts.Regrade)
	if err != nil {
		return "", err
	}

	entities, words, err := p.annotate(ctx, body, raw.EnglishText, existing, unchanged && !opts.Regrade)
	if err != nil {
		return "", err
	}
	run.transition(ctx, domain.StateEntitiesExtracted, domain.StatusRunning, nil)
	run.transition(ctx, domain.StateWordsTagged, domain.StatusRunning, nil)

	graded, err := p.grade(ctx, id, hash, sections, levels, reuse, ledger)
	if err != nil {
		return "", err
	}
	stored, storedLevels := storedOnlyPairs(existing, levels, unchanged)
	for key, content := range stored {
		graded[key] = content
	}
	if len(storedLevels) > 0 {
		logger.Debug("keeping stored levels outside this run", "levels", storedLevels)
	}
	run.transition(ctx, domain.StateGraded, domain.StatusRunning, ledger)

	english := alignEnglish(raw.EnglishText, len(sections))
	agg := domain.ArticleAggregate{
		Article: domain.Article{
			ID:            id,
			URL:           strings.TrimSpace(raw.URL),
			Date:          raw.Date,
			Source:        strings.TrimSpace(raw.Source),
			Authors:       raw.Authors,
			MandarinTitle: strings.TrimSpace(raw.MandarinTitle),
			EnglishTitle:  strings.TrimSpace(raw.EnglishTitle),
			ImageURL:      strings.TrimSpace(raw.ImageURL),
			Metadata:      raw.Metadata,
			ContentHash:   hash,
			UpdatedAt:     p.now(),
		},
		Entities:   entities,
		WordLevels: domain.WordLevelsFrom(words),
	}

	processed := true
	for pos, text := range sections {
		section := domain.Section{
			Position:    pos,
			Mandarin:    text,
			English:     english[pos],
			GradedTexts: map[domain.Level]domain.GradedSection{},
		}
		for _, level := range append(levels[:len(levels):len(levels)], storedLevels...) {
			content, ok := graded[domain.PairKey{Position: pos, Level: level}]
			if !ok {
				continue
			}
			html, err := p.wrap(content, entities)
			if err != nil {
				return "", fmt.Errorf("wrap section %d level %s: %w", pos, level, err)
			}
			section.GradedTexts[level] = domain.GradedSection{Position: pos, Level: level, Content: content, HTML: html}
		}
		if _, ok := section.GradedTexts[domain.LevelNative]; !ok {
			processed = false
		}
		agg.Sections = append(agg.Sections, section)
	}
	agg.Article.Processed = processed
	run.transition(ctx, domain.StateWrapped, domain.StatusRunning, ledger)

	if err := ctx.Err(); err != nil {
		return "", err
	}
	if err := p.store.SaveArticle(ctx, agg); err != nil {
		return "", err
	}

	status := domain.StatusProcessed
	if len(ledger.Failed()) > 0 {
		status = domain.StatusPartiallyGraded
	}
	run.transition(ctx, domain.StatePersisted, status, ledger)
	return status, nil
}

func (p *Processor) loadExisting(ctx context.Context, id string) (domain.ArticleAggregate, bool, error) {
	agg, err := p.store.GetArticle(ctx, id)
	switch {
	case err == nil:
		return agg, true, nil
	case errors.Is(err, domain.ErrNotFound):
		return domain.ArticleAggregate{}, false, nil
	default:
		return domain.ArticleAggregate{}, false, fmt.Errorf("load stored article: %w", err)
	}
}

// reusablePairs collects work already durably recorded: stored rows when the content is
// unchanged and checkpoints left by an interrupted run over the same content.
func (p *Processor) reusablePairs(
	ctx context.Context,
	id, hash string,
	existing domain.ArticleAggregate,
	useStored bool,
) (map[domain.PairKey]string, error) {
	reuse := map[domain.PairKey]string{}
	if useStored {
		for _, s := range existing.Sections {
			for level, g := range s.GradedTexts {
				if level == domain.LevelNative || g.Content == "" {
					continue
				}
				reuse[domain.PairKey{Position: s.Position, Level: level}] = g.Content
			}
		}
	}

	checkpoints, err := p.store.LoadCheckpoints(ctx, id, hash)
	if err != nil {
		return nil, fmt.Errorf("load checkpoints: %w", err)
	}
	for key, content := range checkpoints {
		if content != "" {
			reuse[key] = content
		}
	}
	return reuse, nil
}

// storedOnlyPairs returns stored graded rows at levels this run does not target. They are
// carried into the new aggregate while the content is unchanged, since a save replaces every row.
func storedOnlyPairs(existing domain.ArticleAggregate, levels []domain.Level, unchanged bool) (map[domain.PairKey]string, []domain.Level) {
	if !unchanged {
		return nil, nil
	}
	targeted := make(map[domain.Level]bool, len(levels))
	for _, l := range levels {
		targeted[l] = true
	}

	pairs := map[domain.PairKey]string{}
	seen := map[domain.Level]bool{}
	var extra []domain.Level
	for _, s := range existing.Sections {
		for level, g := range s.GradedTexts {
			if targeted[level] || g.Content == "" {
				continue
			}
			pairs[domain.PairKey{Position: s.Position, Level: level}] = g.Content
			if !seen[level] {
				seen[level] = true
				extra = append(extra, level)
			}
		}
	}
	sort.Slice(extra, func(i, j int) bool { return extra[i] < extra[j] })
	return pairs, extra
}

// annotate runs entity extraction and word tagging side by side.
func (p *Processor) annotate(
	ctx context.Context,
	body, english string,
	existing domain.ArticleAggregate,
	useStored bool,
) ([]domain.Entity, map[string]domain.Level, error) {
	var (
		entities []domain.Entity
		words    map[string]domain.Level
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if useStored && len(existing.Entities) > 0 {
			entities = existing.Entities
			return nil
		}
		found, err := p.entities.Extract(gctx, body, english)
		if err != nil {
			return fmt.Errorf("extract entities: %w", err)
		}
		entities = found
		return nil
	})
	g.Go(func() error {
		if p.tagger == nil {
			words = map[string]domain.Level{}
			return nil
		}
		tagged, err := p.tagger.Tag(gctx, body)
		if err != nil {
			return fmt.Errorf("tag words: %w", err)
		}
		words = tagged
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}
	return entities, words, nil
}

// grade fills every (section, level) pair it can. Terminal pair failures are recorded in the
// ledger and leave the pair absent; any other error aborts the run.
func (p *Processor) grade(
	ctx context.Context,
	id, hash string,
	sections []string,
	levels []domain.Level,
	reuse map[domain.PairKey]string,
	ledger *domain.Ledger,
) (map[domain.PairKey]string, error) {
	graded := make(map[domain.PairKey]string, len(sections)*len(levels))
	var pending []domain.PairKey

	// Native and reused pairs are settled before any worker starts writing to graded.
	for pos, text := range sections {
		for _, level := range levels {
			key := domain.PairKey{Position: pos, Level: level}
			if level == domain.LevelNative {
				graded[key] = text
				ledger.Record(domain.PairResult{Key: key, Outcome: domain.PairSucceeded})
				continue
			}
			if content, ok := reuse[key]; ok {
				graded[key] = content
				ledger.Record(domain.PairResult{Key: key, Outcome: domain.PairReused})
				continue
			}
			pending = append(pending, key)
		}
	}

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.maxConcurrency)

	for _, key := range pending {
		pos, level, text := key.Position, key.Level, sections[key.Position]
		g.Go(func() error {
			out, err := p.grader.Grade(gctx, pos, text, level)
			if err != nil {
				var terminal *domain.TerminalPairFailure
				if errors.As(err, &terminal) && gctx.Err() == nil {
					ledger.Record(domain.PairResult{
						Key:      key,
						Outcome:  domain.PairFailedTerminal,
						Attempts: terminal.Attempts,
						Error:    terminal.Err.Error(),
					})
					return nil
				}
				return err
			}

			if err := p.store.SaveCheckpoint(gctx, id, hash, domain.GradedSection{
				Position: pos, Level: level, Content: out.Text,
			}); err != nil {
				if gctx.Err() != nil {
					return gctx.Err()
				}
				p.logger.Warn("checkpoint not saved", "article_id", id, "position", pos, "level", level, "error", err)
			}

			outcome := domain.PairSucceeded
			if out.Attempts > 1 {
				outcome = domain.PairRecovered
			}
			ledger.Record(domain.PairResult{Key: key, Outcome: outcome, Attempts: out.Attempts})

			mu.Lock()
			graded[key] = out.Text
			mu.Unlock()
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return graded, nil
}

func (p *Processor) wrap(text string, entities []domain.Entity) (string, error) {
	if p.wrapper == nil {
		return text, nil
	}
	return p.wrapper.Wrap(text, entities)
}

func (p *Processor) notify(ctx context.Context, record domain.RunRecord, logger *slog.Logger) {
	if p.notifier == nil {
		return
	}
	nctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := p.notifier.NotifyRunFailed(nctx, record); err != nil {
		logger.Warn("notify failed run", "error", err)
	}
}

// hasAllPairs reports whether the stored aggregate covers every section at every level.
func hasAllPairs(agg domain.ArticleAggregate, sections int, levels []domain.Level) bool {
	if len(agg.Sections) != sections {
		return false
	}
	for _, level := range levels {
		if !agg.HasLevel(level) {
			return false
		}
	}
	return true
}

// alignEnglish pairs English paragraphs with sections when the counts match.
func alignEnglish(english string, sections int) []string {
	out := make([]string, sections)
	normalized := textproc.Normalize(english)
	if normalized == "" {
		return out
	}
	paragraphs := strings.Split(normalized, "\n")
	if len(paragraphs) != sections {
		return out
	}
	copy(out, paragraphs)
	return out
}

// runTracker persists run state transitions. Recording failures never fail the run.
type runTracker struct {
	store     ports.ArticleStore
	logger    *slog.Logger
	now       func() time.Time
	record    domain.RunRecord
	lastState domain.RunState
}

func (t *runTracker) transition(ctx context.Context, state domain.RunState, status domain.RunStatus, ledger *domain.Ledger) {
	t.lastState = state
	t.record.State = state
	t.record.Status = status
	t.record.UpdatedAt = t.now()
	if ledger != nil {
		counts := ledger.Counts()
		t.record.Succeeded = counts[domain.PairSucceeded]
		t.record.Recovered = counts[domain.PairRecovered]
		t.record.Reused = counts[domain.PairReused]
		t.record.Failed = counts[domain.PairFailedTerminal]
	}

	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := t.store.RecordRun(rctx, t.record); err != nil {
		t.logger.Warn("record run state", "run_id", t.record.RunID, "state", state, "error", err)
	}
}

func (t *runTracker) fail(ctx context.Context, err error, ledger *domain.Ledger) {
	failedAt := t.lastState
	t.record.Error = err.Error()
	t.transition(ctx, domain.StateFailed, domain.StatusFailed, ledger)
	t.lastState = failedAt
}
