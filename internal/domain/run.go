package domain

import (
	"sort"
	"sync"
	"time"
)

// RunState is a milestone of one processing run.
type RunState string

const (
	StateFetched           RunState = "fetched"
	StateSegmented         RunState = "segmented"
	StateEntitiesExtracted RunState = "entities_extracted"
	StateWordsTagged       RunState = "words_tagged"
	StateGraded            RunState = "graded"
	StateWrapped           RunState = "wrapped"
	StatePersisted         RunState = "persisted"
	StateFailed            RunState = "failed"
)

// RunStatus is the terminal outcome reported to callers.
type RunStatus string

const (
	StatusProcessed       RunStatus = "processed"
	StatusPartiallyGraded RunStatus = "partially_graded"
	StatusFailed          RunStatus = "failed"
	StatusFailedEmpty     RunStatus = "failed_empty"
	StatusSkipped         RunStatus = "skipped"
	StatusRunning         RunStatus = "running"
)

// PairKey identifies one (section, level) grading unit.
type PairKey struct {
	Position int
	Level    Level
}

// PairOutcome classifies how a pair ended.
type PairOutcome string

const (
	PairSucceeded      PairOutcome = "succeeded"
	PairRecovered      PairOutcome = "recovered"
	PairReused         PairOutcome = "reused"
	PairFailedTerminal PairOutcome = "failed_terminal"
)

// PairResult is one ledger entry.
type PairResult struct {
	Key      PairKey
	Outcome  PairOutcome
	Attempts int
	Error    string
}

// Ledger tracks every pair of one run. Safe for concurrent use.
type Ledger struct {
	mu    sync.Mutex
	pairs map[PairKey]PairResult
}

// NewLedger builds an empty ledger.
func NewLedger() *Ledger {
	return &Ledger{pairs: map[PairKey]PairResult{}}
}

// Record stores or replaces the result for a pair.
func (l *Ledger) Record(result PairResult) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.pairs[result.Key] = result
}

// Get returns the result for a pair.
func (l *Ledger) Get(key PairKey) (PairResult, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	r, ok := l.pairs[key]
	return r, ok
}

// Results returns entries ordered by position then level.
func (l *Ledger) Results() []PairResult {
	l.mu.Lock()
	out := make([]PairResult, 0, len(l.pairs))
	for _, r := range l.pairs {
		out = append(out, r)
	}
	l.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Key.Position != out[j].Key.Position {
			return out[i].Key.Position < out[j].Key.Position
		}
		return out[i].Key.Level < out[j].Key.Level
	})
	return out
}

// Counts tallies outcomes.
func (l *Ledger) Counts() map[PairOutcome]int {
	counts := map[PairOutcome]int{}
	for _, r := range l.Results() {
		counts[r.Outcome]++
	}
	return counts
}

// Failed returns the keys that failed terminally.
func (l *Ledger) Failed() []PairKey {
	var keys []PairKey
	for _, r := range l.Results() {
		if r.Outcome == PairFailedTerminal {
			keys = append(keys, r.Key)
		}
	}
	return keys
}

// RunRecord is the persisted view of a run for operators and resumption.
type RunRecord struct {
	RunID     string
	ArticleID string
	URL       string
	State     RunState
	Status    RunStatus
	Error     string
	Succeeded int
	Recovered int
	Reused    int
	Failed    int
	StartedAt time.Time
	UpdatedAt time.Time
}
