package llm

import (
	"context"

	"golang.org/x/time/rate"
)

// PacedBackend waits on a shared token bucket before every call.
type PacedBackend struct {
	next    Backend
	limiter *rate.Limiter
}

var _ Backend = (*PacedBackend)(nil)

// NewPacedBackend wraps next. A non-positive rps disables pacing.
func NewPacedBackend(next Backend, rps float64, burst int) *PacedBackend {
	limit := rate.Inf
	if rps > 0 {
		limit = rate.Limit(rps)
	}
	if burst <= 0 {
		burst = 1
	}
	return &PacedBackend{next: next, limiter: rate.NewLimiter(limit, burst)}
}

// Complete blocks until a token is available or ctx is done.
func (p *PacedBackend) Complete(ctx context.Context, req CompletionRequest) (string, error) {
	if err := p.limiter.Wait(ctx); err != nil {
		return "", err
	}
	return p.next.Complete(ctx, req)
}
