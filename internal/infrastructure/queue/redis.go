package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"XueXinwen/internal/config"
	"XueXinwen/internal/domain"
	"XueXinwen/internal/ports"
)

const (
	DefaultKey           = "xuexinwen:queue:process"
	DefaultDeadLetterKey = "xuexinwen:queue:failed"
)

// DeadLetter is the payload parked on the failed list. Payload keeps the bytes the job was
// read from so a job that never decoded can still be inspected and replayed.
type DeadLetter struct {
	Job      *domain.Job `json:"job,omitempty"`
	Payload  string      `json:"payload,omitempty"`
	Reason   string      `json:"reason"`
	FailedAt time.Time   `json:"failed_at"`
}

// RedisQueue carries processing jobs between producers and workers on redis lists.
type RedisQueue struct {
	client        *redis.Client
	key           string
	deadLetterKey string
	now           func() time.Time
}

// Connect parses the redis URL (or bare address), pings the server and builds the queue.
func Connect(ctx context.Context, cfg config.QueueConfig) (*RedisQueue, error) {
	if cfg.RedisURL == "" {
		return nil, errors.New("queue: redis url is empty")
	}
	opt, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		opt = &redis.Options{Addr: cfg.RedisURL}
	}
	client := redis.NewClient(opt)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("queue: ping redis: %w", err)
	}
	return NewRedisQueue(client, cfg.Key, cfg.DeadLetterKey), nil
}

// NewRedisQueue wraps an existing client.
func NewRedisQueue(client *redis.Client, key, deadLetterKey string) *RedisQueue {
	if key == "" {
		key = DefaultKey
	}
	if deadLetterKey == "" {
		deadLetterKey = DefaultDeadLetterKey
	}
	return &RedisQueue{
		client:        client,
		key:           key,
		deadLetterKey: deadLetterKey,
		now:           func() time.Time { return time.Now().UTC() },
	}
}

// Enqueue pushes a job on the head of the list. A requeued job goes back with the bytes
// it was read from.
func (q *RedisQueue) Enqueue(ctx context.Context, job domain.Job) error {
	payload := job.Payload
	if len(payload) == 0 {
		var err error
		if payload, err = json.Marshal(job); err != nil {
			return fmt.Errorf("encode job: %w", err)
		}
	}
	if err := q.client.LPush(ctx, q.key, payload).Err(); err != nil {
		return fmt.Errorf("enqueue %s: %w", job.Article.URL, err)
	}
	return nil
}

// Dequeue blocks up to timeout for the oldest job. It returns ports.ErrNoJob on timeout.
func (q *RedisQueue) Dequeue(ctx context.Context, timeout time.Duration) (domain.Job, error) {
	result, err := q.client.BRPop(ctx, timeout, q.key).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return domain.Job{}, ports.ErrNoJob
		}
		if ctx.Err() != nil {
			return domain.Job{}, ctx.Err()
		}
		return domain.Job{}, fmt.Errorf("dequeue: %w", err)
	}
	if len(result) != 2 {
		return domain.Job{}, fmt.Errorf("dequeue: unexpected reply %v", result)
	}
	return DecodeJob([]byte(result[1]))
}

// DeadLetter parks a job that could not be processed.
func (q *RedisQueue) DeadLetter(ctx context.Context, job domain.Job, reason string) error {
	payload, err := json.Marshal(NewDeadLetter(job, reason, q.now()))
	if err != nil {
		return fmt.Errorf("encode dead letter: %w", err)
	}
	if err := q.client.LPush(ctx, q.deadLetterKey, payload).Err(); err != nil {
		return fmt.Errorf("dead letter %s: %w", job.Article.URL, err)
	}
	return nil
}

// NewDeadLetter builds the failed list record. A job that never decoded keeps only its bytes.
func NewDeadLetter(job domain.Job, reason string, at time.Time) DeadLetter {
	rec := DeadLetter{Reason: reason, FailedAt: at}
	if job.Undecoded() {
		rec.Payload = string(job.Payload)
	} else {
		rec.Job = &job
	}
	return rec
}

// Len reports how many jobs are waiting.
func (q *RedisQueue) Len(ctx context.Context) (int64, error) {
	return q.client.LLen(ctx, q.key).Result()
}

// Close releases the redis connection pool.
func (q *RedisQueue) Close() error {
	return q.client.Close()
}

// DecodeJob parses one queued payload. Bare raw articles pushed by older producers are
// accepted with default options. On failure the returned job carries only the payload.
func DecodeJob(payload []byte) (domain.Job, error) {
	var envelope struct {
		Article json.RawMessage `json:"article"`
	}
	if err := json.Unmarshal(payload, &envelope); err != nil {
		return domain.Job{Payload: payload}, &domain.InputError{Field: "payload", Message: err.Error()}
	}

	var job domain.Job
	var err error
	if len(envelope.Article) > 0 {
		err = json.Unmarshal(payload, &job)
	} else {
		err = json.Unmarshal(payload, &job.Article)
	}
	if err != nil {
		return domain.Job{Payload: payload}, &domain.InputError{Field: "payload", Message: err.Error()}
	}
	job.Payload = payload
	return job, nil
}
