package llm

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"time"

	"XueXinwen/internal/config"
	"XueXinwen/internal/domain"
)

// CompletionRequest is one single-turn prompt.
type CompletionRequest struct {
	Op          string
	System      string
	Prompt      string
	Temperature float64
	MaxTokens   int
}

// Backend sends one prompt to a language model and returns its raw text.
// Implementations map provider failures onto domain.TransientServiceError where a retry can help.
type Backend interface {
	Complete(ctx context.Context, req CompletionRequest) (string, error)
}

// NewBackend picks the provider configured in cfg.
func NewBackend(ctx context.Context, cfg config.LLMConfig) (Backend, error) {
	switch cfg.Provider {
	case "", "openai", "openrouter":
		return NewOpenAIBackend(cfg), nil
	case "anthropic":
		return NewAnthropicBackend(cfg), nil
	case "gemini":
		return NewGeminiBackend(ctx, cfg)
	case "http":
		return NewHTTPBackend(cfg.BaseURL, cfg.APIKey, cfg.Timeout), nil
	default:
		return nil, fmt.Errorf("unknown llm provider %q", cfg.Provider)
	}
}

// classify maps a provider error onto the retry taxonomy. status is the HTTP status when known.
func classify(op string, status int, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	if status == 0 && isNetworkError(err) {
		return &domain.TransientServiceError{Op: op, Err: err}
	}
	if status == http.StatusRequestTimeout || status == http.StatusTooManyRequests || status >= http.StatusInternalServerError {
		return &domain.TransientServiceError{Op: op, StatusCode: status, Err: err}
	}
	return fmt.Errorf("%s: %w", op, err)
}

func isNetworkError(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var urlErr *url.Error
	return errors.As(err, &urlErr)
}

func requestTimeout(d time.Duration) time.Duration {
	if d <= 0 {
		return 60 * time.Second
	}
	return d
}
