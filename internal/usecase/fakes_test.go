package usecase

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"

	"XueXinwen/internal/domain"
	"XueXinwen/internal/logging"
	"XueXinwen/internal/render"
	"XueXinwen/internal/textproc"
)

type memStore struct {
	mu          sync.Mutex
	articles    map[string]domain.ArticleAggregate
	checkpoints map[string]map[domain.PairKey]string
	runs        map[string]domain.RunRecord
	history     []domain.RunRecord
	saves       int
	saveErr     error
}

func newMemStore() *memStore {
	return &memStore{
		articles:    map[string]domain.ArticleAggregate{},
		checkpoints: map[string]map[domain.PairKey]string{},
		runs:        map[string]domain.RunRecord{},
	}
}

func (m *memStore) SaveArticle(_ context.Context, agg domain.ArticleAggregate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.saveErr != nil {
		return &domain.PersistenceError{Op: "save article", Err: m.saveErr}
	}
	if prev, ok := m.articles[agg.Article.ID]; ok {
		agg.Article.GradingVersion = prev.Article.GradingVersion + 1
	} else {
		agg.Article.GradingVersion = 1
	}
	m.articles[agg.Article.ID] = agg
	for key := range m.checkpoints {
		if strings.HasPrefix(key, agg.Article.ID+"/") {
			delete(m.checkpoints, key)
		}
	}
	m.saves++
	return nil
}

func (m *memStore) GetArticle(_ context.Context, id string) (domain.ArticleAggregate, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	agg, ok := m.articles[id]
	if !ok {
		return domain.ArticleAggregate{}, domain.ErrNotFound
	}
	return agg, nil
}

func (m *memStore) SaveCheckpoint(_ context.Context, articleID, contentHash string, section domain.GradedSection) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := articleID + "/" + contentHash
	if m.checkpoints[key] == nil {
		m.checkpoints[key] = map[domain.PairKey]string{}
	}
	m.checkpoints[key][domain.PairKey{Position: section.Position, Level: section.Level}] = section.Content
	return nil
}

func (m *memStore) LoadCheckpoints(_ context.Context, articleID, contentHash string) (map[domain.PairKey]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := map[domain.PairKey]string{}
	for k, v := range m.checkpoints[articleID+"/"+contentHash] {
		out[k] = v
	}
	return out, nil
}

func (m *memStore) RecordRun(_ context.Context, run domain.RunRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.runs[run.RunID] = run
	m.history = append(m.history, run)
	return nil
}

func (m *memStore) ListIncomplete(_ context.Context, levels []domain.Level, limit int) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var ids []string
	for id, agg := range m.articles {
		for _, level := range levels {
			if !agg.HasLevel(level) {
				ids = append(ids, id)
				break
			}
		}
		if len(ids) == limit {
			break
		}
	}
	return ids, nil
}

func (m *memStore) states(runID string) []domain.RunState {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.RunState
	for _, r := range m.history {
		if r.RunID == runID {
			out = append(out, r.State)
		}
	}
	return out
}

type fakeSimplifier struct {
	mu    sync.Mutex
	calls map[string]int
	fail  func(text string, level domain.Level, call int) error
}

func newFakeSimplifier() *fakeSimplifier {
	return &fakeSimplifier{calls: map[string]int{}}
}

func (f *fakeSimplifier) Simplify(ctx context.Context, text string, level domain.Level) (string, error) {
	f.mu.Lock()
	key := string(level) + "|" + text
	f.calls[key]++
	call := f.calls[key]
	fail := f.fail
	f.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return "", err
	}
	if fail != nil {
		if err := fail(text, level, call); err != nil {
			return "", err
		}
	}
	return string(level) + ":" + text, nil
}

func (f *fakeSimplifier) total() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		n += c
	}
	return n
}

func (f *fakeSimplifier) count(text string, level domain.Level) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[string(level)+"|"+text]
}

type fakeExtractor struct {
	entities []domain.Entity
	err      error
	calls    int
}

func (f *fakeExtractor) Extract(context.Context, string, string) ([]domain.Entity, error) {
	f.calls++
	return f.entities, f.err
}

type fakeNotifier struct {
	mu   sync.Mutex
	runs []domain.RunRecord
}

func (f *fakeNotifier) NotifyRunFailed(_ context.Context, run domain.RunRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.runs = append(f.runs, run)
	return nil
}

// instantTimer fires as soon as it is started and remembers the requested waits.
type instantTimer struct {
	c     chan time.Time
	waits *[]time.Duration
}

func (t *instantTimer) Start(d time.Duration) {
	if t.waits != nil {
		*t.waits = append(*t.waits, d)
	}
	t.c = make(chan time.Time, 1)
	t.c <- time.Now()
}

func (t *instantTimer) Stop() {}

func (t *instantTimer) C() <-chan time.Time { return t.c }

func noSleepPolicy() RetryPolicy {
	policy := DefaultRetryPolicy()
	policy.newTimer = func() backoff.Timer { return &instantTimer{} }
	return policy
}

const (
	para1 = "台北今天天氣很好。"
	para2 = "經濟發展很快。"
	para3 = "市政府宣布新的政策。"
)

func sampleRaw() domain.RawArticle {
	return domain.RawArticle{
		URL:           "https://news.example.tw/articles/42",
		Date:          time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC),
		Source:        "cna",
		Authors:       []string{"王小明"},
		MandarinTitle: "台北經濟",
		EnglishTitle:  "Taipei economy",
		RawText:       para1 + "\n\n" + para2 + "\n\n" + para3,
		EnglishText:   "Taipei weather is nice.\n\nThe economy grows fast.\n\nCity hall announced a policy.",
	}
}

type harness struct {
	store      *memStore
	simplifier *fakeSimplifier
	extractor  *fakeExtractor
	notifier   *fakeNotifier
	processor  *Processor
}

func newHarness(t *testing.T, levels ...domain.Level) *harness {
	t.Helper()

	table, err := textproc.SampleWordTable(textproc.TokenizerOptions{})
	if err != nil {
		t.Fatalf("sample table: %v", err)
	}
	if len(levels) == 0 {
		levels = []domain.Level{domain.LevelA1, domain.LevelB1}
	}

	h := &harness{
		store:      newMemStore(),
		simplifier: newFakeSimplifier(),
		extractor: &fakeExtractor{entities: []domain.Entity{
			{Text: "台北", Type: domain.EntityPlace, Gloss: "Taipei"},
		}},
		notifier: &fakeNotifier{},
	}
	var runs atomic.Int32
	h.processor = NewProcessor(ProcessorDeps{
		Store:          h.store,
		Simplifier:     h.simplifier,
		Extractor:      h.extractor,
		Segmenter:      textproc.NewSegmenter(textproc.DefaultMaxSectionRunes),
		Tagger:         textproc.NewTagger(table, nil, logging.Discard()),
		Wrapper:        render.NewWrapper(),
		Notifier:       h.notifier,
		Logger:         logging.Discard(),
		Levels:         levels,
		MaxConcurrency: 3,
		Retry:          noSleepPolicy(),
		NewRunID: func() string {
			return fmt.Sprintf("run-%d", runs.Add(1))
		},
	})
	return h
}
