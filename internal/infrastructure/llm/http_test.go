package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"XueXinwen/internal/domain"
)

func TestHTTPBackendComplete(t *testing.T) {
	t.Parallel()

	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/complete" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if r.Header.Get("Authorization") != "Bearer secret" {
			t.Errorf("missing auth header")
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode: %v", err)
		}
		_ = json.NewEncoder(w).Encode(map[string]string{"text": "好"})
	}))
	defer srv.Close()

	backend := NewHTTPBackend(srv.URL+"/", "secret", time.Second)
	text, err := backend.Complete(context.Background(), CompletionRequest{Op: opSimplify, Prompt: "p", System: "s"})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if text != "好" {
		t.Fatalf("unexpected text %q", text)
	}
	if got["task"] != opSimplify || got["prompt"] != "p" || got["system"] != "s" {
		t.Fatalf("unexpected payload %v", got)
	}
}

func TestHTTPBackendStatusClassification(t *testing.T) {
	t.Parallel()

	cases := map[int]bool{
		http.StatusTooManyRequests:     true,
		http.StatusBadGateway:          true,
		http.StatusBadRequest:          false,
		http.StatusUnprocessableEntity: false,
	}
	for status, transient := range cases {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			http.Error(w, "nope", status)
		}))

		_, err := NewHTTPBackend(srv.URL, "", time.Second).Complete(context.Background(), CompletionRequest{Op: opSimplify})
		srv.Close()

		if err == nil {
			t.Fatalf("status %d: expected error", status)
		}
		if domain.IsTransient(err) != transient {
			t.Fatalf("status %d: transient=%v, got %v", status, transient, err)
		}
	}
}

func TestHTTPBackendUnreachableIsTransient(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	_, err := NewHTTPBackend(url, "", time.Second).Complete(context.Background(), CompletionRequest{Op: opEntities})
	if !domain.IsTransient(err) {
		t.Fatalf("expected transient error for refused connection, got %v", err)
	}
}

func TestPacedBackendHonoursContext(t *testing.T) {
	t.Parallel()

	inner := &scriptedBackend{reply: "ok"}
	paced := NewPacedBackend(inner, 0.001, 1)

	if _, err := paced.Complete(context.Background(), CompletionRequest{}); err != nil {
		t.Fatalf("first call should use the burst token: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := paced.Complete(ctx, CompletionRequest{}); err == nil {
		t.Fatalf("expected limiter to refuse without a token")
	}
	if len(inner.reqs) != 1 {
		t.Fatalf("inner backend called %d times", len(inner.reqs))
	}
}
