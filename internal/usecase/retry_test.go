package usecase

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"

	"XueXinwen/internal/config"
	"XueXinwen/internal/domain"
	"XueXinwen/internal/logging"
)

func TestBackoffGrowsAndCaps(t *testing.T) {
	t.Parallel()

	policy := DefaultRetryPolicy()
	policy.Jitter = 0

	cases := map[int]time.Duration{
		1:  500 * time.Millisecond,
		2:  time.Second,
		3:  2 * time.Second,
		5:  8 * time.Second,
		10: 8 * time.Second,
	}
	for n, want := range cases {
		if got := policy.Backoff(n); got != want {
			t.Fatalf("Backoff(%d) = %v, want %v", n, got, want)
		}
	}
}

func TestBackoffJitterBounds(t *testing.T) {
	t.Parallel()

	policy := DefaultRetryPolicy()
	for i := 0; i < 200; i++ {
		got := policy.Backoff(2)
		if got < 800*time.Millisecond || got > 1200*time.Millisecond {
			t.Fatalf("jittered backoff out of bounds: %v", got)
		}
	}
}

func TestRetryPolicyFromConfig(t *testing.T) {
	t.Parallel()

	policy := RetryPolicyFromConfig(config.RetryConfig{MaxRetries: 1, InitialBackoff: time.Second})
	if policy.MaxRetries != 1 || policy.InitialBackoff != time.Second {
		t.Fatalf("config not applied: %+v", policy)
	}
	if policy.MaxBackoff != 8*time.Second || policy.Multiplier != 2 || policy.Jitter != 0.2 {
		t.Fatalf("defaults not kept: %+v", policy)
	}
}

func TestDoRetriesOnlyRetryableErrors(t *testing.T) {
	t.Parallel()

	var waits []time.Duration
	policy := DefaultRetryPolicy()
	policy.Jitter = 0
	policy.newTimer = func() backoff.Timer { return &instantTimer{waits: &waits} }

	transient := &domain.TransientServiceError{Op: "simplify", Err: errors.New("timeout")}
	attempts, err := policy.Do(context.Background(), func(context.Context) error { return transient })
	if attempts != 4 || !errors.Is(err, transient) {
		t.Fatalf("expected 4 attempts ending in the transient error, got %d %v", attempts, err)
	}
	if len(waits) != 3 || waits[0] != 500*time.Millisecond || waits[2] != 2*time.Second {
		t.Fatalf("unexpected waits %v", waits)
	}

	terminal := errors.New("unauthorized")
	attempts, err = policy.Do(context.Background(), func(context.Context) error { return terminal })
	if attempts != 1 || !errors.Is(err, terminal) {
		t.Fatalf("terminal errors must not be retried, got %d %v", attempts, err)
	}
}

func TestDoStopsOnCancellation(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	policy := DefaultRetryPolicy()
	policy.InitialBackoff = time.Hour
	policy.MaxBackoff = time.Hour

	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()
	attempts, err := policy.Do(ctx, func(context.Context) error {
		return &domain.TransientServiceError{Op: "simplify", Err: errors.New("busy")}
	})
	if !errors.Is(err, context.Canceled) || attempts != 1 {
		t.Fatalf("expected cancellation during backoff, got %d %v", attempts, err)
	}
}

func TestGraderNativePassthrough(t *testing.T) {
	t.Parallel()

	simplifier := newFakeSimplifier()
	grader := NewGrader(simplifier, noSleepPolicy(), logging.Discard())
	out, err := grader.Grade(context.Background(), 0, "原文", domain.LevelNative)
	if err != nil || out.Text != "原文" || out.Attempts != 0 {
		t.Fatalf("unexpected native outcome %+v %v", out, err)
	}
	if simplifier.total() != 0 {
		t.Fatalf("native level must not call the simplifier")
	}
}

func TestGraderRejectsBlankOutput(t *testing.T) {
	t.Parallel()

	grader := NewGrader(blankSimplifier{}, noSleepPolicy(), logging.Discard())
	_, err := grader.Grade(context.Background(), 2, "原文", domain.LevelA2)

	var terminal *domain.TerminalPairFailure
	if !errors.As(err, &terminal) {
		t.Fatalf("expected TerminalPairFailure, got %v", err)
	}
	if terminal.Position != 2 || terminal.Level != domain.LevelA2 || terminal.Attempts != 4 {
		t.Fatalf("unexpected failure %+v", terminal)
	}
	if !domain.IsValidation(err) {
		t.Fatalf("cause should be a validation error: %v", err)
	}
}

type blankSimplifier struct{}

func (blankSimplifier) Simplify(context.Context, string, domain.Level) (string, error) {
	return "  \n", nil
}

func TestEntityServiceDedupes(t *testing.T) {
	t.Parallel()

	extractor := &fakeExtractor{entities: []domain.Entity{
		{Text: "台北", Type: domain.EntityPlace, Gloss: "Taipei"},
		{Text: "台北", Type: domain.EntityPlace, Gloss: "Taipei City"},
		{Text: "高雄", Type: domain.EntityPlace, Gloss: "Kaohsiung"},
		{Text: "賴清德", Gloss: "Lai Ching-te"},
		{Text: "行政院", Type: domain.EntityOrganization},
	}}
	service := NewEntityService(extractor, noSleepPolicy(), logging.Discard())

	got, err := service.Extract(context.Background(), "賴清德今天在台北行政院。", "")
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 entities, got %v", got)
	}
	if got[0].Text != "台北" || got[0].Gloss != "Taipei" {
		t.Fatalf("first gloss must win, got %+v", got[0])
	}
	if got[1].Type != domain.EntityOther {
		t.Fatalf("missing type should default to other, got %+v", got[1])
	}
}

func TestEntityServiceDegradesToEmpty(t *testing.T) {
	t.Parallel()

	extractor := &fakeExtractor{err: errors.New("forbidden")}
	service := NewEntityService(extractor, noSleepPolicy(), logging.Discard())

	got, err := service.Extract(context.Background(), "台北", "")
	if err != nil || len(got) != 0 {
		t.Fatalf("expected empty set without error, got %v %v", got, err)
	}
	if extractor.calls != 1 {
		t.Fatalf("terminal extractor errors are not retried, got %d calls", extractor.calls)
	}
}

func TestKeyedMutexSerializesSameKey(t *testing.T) {
	t.Parallel()

	locks := newKeyedMutex()
	unlockA := locks.Lock("a")
	unlockB := locks.Lock("b")

	acquired := make(chan struct{})
	go func() {
		unlock := locks.Lock("a")
		close(acquired)
		unlock()
	}()

	select {
	case <-acquired:
		t.Fatalf("second holder of the same key must wait")
	case <-time.After(20 * time.Millisecond):
	}

	unlockA()
	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatalf("lock was not released")
	}
	unlockB()

	locks.mu.Lock()
	defer locks.mu.Unlock()
	if len(locks.locks) != 0 {
		t.Fatalf("released keys must be dropped, %d left", len(locks.locks))
	}
}
