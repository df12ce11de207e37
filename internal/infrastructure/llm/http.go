package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// StatusError is a non-200 reply from the HTTP collaborator.
type StatusError struct {
	StatusCode int
	Status     string
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("unexpected status %s", e.Status)
	}
	return fmt.Sprintf("unexpected status %s: %s", e.Status, e.Body)
}

// HTTPBackend talks to a self-hosted completion service over plain JSON.
// Request: {"system","prompt","temperature","max_tokens"}; response: {"text"}.
type HTTPBackend struct {
	endpoint string
	apiKey   string
	http     *http.Client
}

var _ Backend = (*HTTPBackend)(nil)

// NewHTTPBackend creates a reusable HTTP client.
func NewHTTPBackend(endpoint, apiKey string, timeout time.Duration) *HTTPBackend {
	return &HTTPBackend{
		endpoint: strings.TrimRight(endpoint, "/"),
		apiKey:   apiKey,
		http:     &http.Client{Timeout: requestTimeout(timeout)},
	}
}

// Complete posts the prompt to /complete.
func (c *HTTPBackend) Complete(ctx context.Context, req CompletionRequest) (string, error) {
	payload := map[string]any{
		"task":        req.Op,
		"system":      req.System,
		"prompt":      req.Prompt,
		"temperature": req.Temperature,
		"max_tokens":  req.MaxTokens,
	}

	var resp struct {
		Text string `json:"text"`
	}
	if err := c.post(ctx, "/complete", payload, &resp); err != nil {
		status := 0
		if se, ok := err.(*StatusError); ok {
			status = se.StatusCode
		}
		return "", classify(req.Op, status, err)
	}
	return resp.Text, nil
}

func (c *HTTPBackend) post(ctx context.Context, path string, payload any, v any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("new request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return &StatusError{
			StatusCode: resp.StatusCode,
			Status:     resp.Status,
			Body:       strings.TrimSpace(string(snippet)),
		}
	}

	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
