package queue

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"XueXinwen/internal/config"
	"XueXinwen/internal/domain"
	"XueXinwen/internal/ports"
)

func TestDecodeJob(t *testing.T) {
	t.Parallel()

	job, err := DecodeJob([]byte(`{"article":{"url":"https://x/1","date":"2024-03-01T00:00:00Z","source":"cna","mandarin_title":"標題","raw_text":"內容"},"levels":["C1"],"regrade":true}`))
	if err != nil {
		t.Fatalf("DecodeJob: %v", err)
	}
	if job.Article.URL != "https://x/1" || job.Article.Date.Year() != 2024 || job.Article.RawText != "內容" {
		t.Fatalf("unexpected job %+v", job)
	}
	if len(job.Levels) != 1 || job.Levels[0] != domain.LevelC1 || !job.Regrade {
		t.Fatalf("options lost: %+v", job)
	}

	bare, err := DecodeJob([]byte(`{"url":"https://x/2","date":"2024-03-01T00:00:00Z","source":"cna","mandarin_title":"標題","raw_text":"內容"}`))
	if err != nil {
		t.Fatalf("DecodeJob bare article: %v", err)
	}
	if bare.Article.URL != "https://x/2" || bare.Levels != nil || bare.Regrade {
		t.Fatalf("bare article should decode with default options, got %+v", bare)
	}

	broken := []byte("{not json")
	job, err = DecodeJob(broken)
	if !domain.IsInput(err) {
		t.Fatalf("expected InputError for a broken payload, got %v", err)
	}
	if string(job.Payload) != string(broken) || !job.Undecoded() {
		t.Fatalf("broken payload not kept: %+v", job)
	}
}

func TestNewDeadLetterKeepsUndecodedBytes(t *testing.T) {
	t.Parallel()

	at := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	broken := []byte(`{"article": oops`)
	rec := NewDeadLetter(domain.Job{Payload: broken}, "cannot decode", at)
	if rec.Job != nil || rec.Payload != string(broken) {
		t.Fatalf("undecoded job should keep only its bytes, got %+v", rec)
	}

	encoded, err := json.Marshal(rec)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	var back DeadLetter
	if err := json.Unmarshal(encoded, &back); err != nil || back.Payload != string(broken) {
		t.Fatalf("payload lost through encoding: %s %v", encoded, err)
	}

	job := domain.Job{Article: domain.RawArticle{URL: "https://x/1", Source: "cna"}, Levels: []domain.Level{domain.LevelB2}}
	rec = NewDeadLetter(job, "boom", at)
	if rec.Job == nil || rec.Job.Article.URL != "https://x/1" || rec.Payload != "" {
		t.Fatalf("decoded job should be stored whole, got %+v", rec)
	}
}

func TestConnectRejectsEmptyURL(t *testing.T) {
	t.Parallel()

	if _, err := Connect(context.Background(), config.QueueConfig{}); err == nil {
		t.Fatalf("expected error for empty redis url")
	}
}

// Runs against a real server when REDIS_URL is set.
func TestRedisQueueRoundTrip(t *testing.T) {
	url := os.Getenv("REDIS_URL")
	if url == "" {
		t.Skip("REDIS_URL not set")
	}

	ctx := context.Background()
	suffix := uuid.NewString()
	q, err := Connect(ctx, config.QueueConfig{
		RedisURL:      url,
		Key:           "xuexinwen:test:" + suffix,
		DeadLetterKey: "xuexinwen:test:failed:" + suffix,
	})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	t.Cleanup(func() {
		q.client.Del(ctx, q.key, q.deadLetterKey)
		q.Close()
	})

	first := domain.Job{Article: domain.RawArticle{URL: "https://x/1", Source: "cna", Date: time.Now().UTC()}, Regrade: true}
	second := domain.Job{Article: domain.RawArticle{URL: "https://x/2", Source: "cna", Date: time.Now().UTC()}}
	for _, job := range []domain.Job{first, second} {
		if err := q.Enqueue(ctx, job); err != nil {
			t.Fatalf("Enqueue: %v", err)
		}
	}
	if n, _ := q.Len(ctx); n != 2 {
		t.Fatalf("expected 2 queued jobs, got %d", n)
	}

	got, err := q.Dequeue(ctx, time.Second)
	if err != nil || got.Article.URL != first.Article.URL || !got.Regrade {
		t.Fatalf("expected FIFO order, got %+v %v", got, err)
	}
	if _, err := q.Dequeue(ctx, time.Second); err != nil {
		t.Fatalf("second Dequeue: %v", err)
	}
	if _, err := q.Dequeue(ctx, time.Second); !errors.Is(err, ports.ErrNoJob) {
		t.Fatalf("expected ErrNoJob on empty queue, got %v", err)
	}

	if err := q.DeadLetter(ctx, first, "boom"); err != nil {
		t.Fatalf("DeadLetter: %v", err)
	}
	if n, err := q.client.LLen(ctx, q.deadLetterKey).Result(); err != nil || n != 1 {
		t.Fatalf("dead letter not stored: %d %v", n, err)
	}
	if _, err := q.client.Get(ctx, q.key).Result(); !errors.Is(err, redis.Nil) {
		t.Fatalf("drained queue key should be gone, got %v", err)
	}
}
