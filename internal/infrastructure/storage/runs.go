package storage

import (
	"context"
	"database/sql"
	"fmt"

	sq "github.com/Masterminds/squirrel"

	"XueXinwen/internal/domain"
)

// RecordRun upserts the run row so every state transition is visible to operators.
func (r *ArticleRepository) RecordRun(ctx context.Context, run domain.RunRecord) error {
	updated := run.UpdatedAt
	if updated.IsZero() {
		updated = r.now()
	}
	started := run.StartedAt
	if started.IsZero() {
		started = updated
	}

	query, args, err := r.sb.Insert("processing_runs").
		Columns("run_id", "article_id", "url", "state", "status", "error",
			"succeeded", "recovered", "reused", "failed", "started_at", "updated_at").
		Values(run.RunID, run.ArticleID, run.URL, string(run.State), string(run.Status), run.Error,
			run.Succeeded, run.Recovered, run.Reused, run.Failed, started, updated).
		Suffix(`ON CONFLICT (run_id) DO UPDATE SET
			state = excluded.state,
			status = excluded.status,
			error = excluded.error,
			succeeded = excluded.succeeded,
			recovered = excluded.recovered,
			reused = excluded.reused,
			failed = excluded.failed,
			updated_at = excluded.updated_at`).
		ToSql()
	if err != nil {
		return fmt.Errorf("build run upsert: %w", err)
	}
	if _, err := r.db.ExecContext(ctx, query, args...); err != nil {
		return &domain.PersistenceError{Op: "record run", Err: err}
	}
	return nil
}

// ListRuns returns the most recent runs of an article, newest first.
func (r *ArticleRepository) ListRuns(ctx context.Context, articleID string, limit int) ([]domain.RunRecord, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}

	var runs []domain.RunRecord
	err := r.each(ctx, r.db, "list runs",
		r.sb.Select("run_id", "article_id", "url", "state", "status", "error",
			"succeeded", "recovered", "reused", "failed", "started_at", "updated_at").
			From("processing_runs").
			Where(sq.Eq{"article_id": articleID}).
			OrderBy("started_at DESC", "run_id").
			Limit(uint64(limit)),
		func(rows *sql.Rows) error {
			var (
				run           domain.RunRecord
				state, status string
			)
			if err := rows.Scan(&run.RunID, &run.ArticleID, &run.URL, &state, &status, &run.Error,
				&run.Succeeded, &run.Recovered, &run.Reused, &run.Failed, &run.StartedAt, &run.UpdatedAt); err != nil {
				return err
			}
			run.State = domain.RunState(state)
			run.Status = domain.RunStatus(status)
			runs = append(runs, run)
			return nil
		})
	return runs, err
}

// SaveCheckpoint durably records one simplified pair before the final transaction.
func (r *ArticleRepository) SaveCheckpoint(ctx context.Context, articleID, contentHash string, section domain.GradedSection) error {
	if section.Content == "" {
		return &domain.PersistenceError{Op: "save checkpoint", Err: fmt.Errorf("empty content for section %d level %s", section.Position, section.Level)}
	}

	query, args, err := r.sb.Insert("pair_checkpoints").
		Columns("article_id", "content_hash", "position", "level", "content", "created_at").
		Values(articleID, contentHash, section.Position, string(section.Level), section.Content, r.now()).
		Suffix("ON CONFLICT (article_id, content_hash, position, level) DO UPDATE SET content = excluded.content, created_at = excluded.created_at").
		ToSql()
	if err != nil {
		return fmt.Errorf("build checkpoint upsert: %w", err)
	}
	if _, err := r.db.ExecContext(ctx, query, args...); err != nil {
		return &domain.PersistenceError{Op: "save checkpoint", Err: err}
	}
	return nil
}

// LoadCheckpoints returns simplified pairs recorded for the same article content.
func (r *ArticleRepository) LoadCheckpoints(ctx context.Context, articleID, contentHash string) (map[domain.PairKey]string, error) {
	out := map[domain.PairKey]string{}
	err := r.each(ctx, r.db, "load checkpoints",
		r.sb.Select("position", "level", "content").From("pair_checkpoints").
			Where(sq.Eq{"article_id": articleID, "content_hash": contentHash}),
		func(rows *sql.Rows) error {
			var (
				key     domain.PairKey
				level   string
				content string
			)
			if err := rows.Scan(&key.Position, &level, &content); err != nil {
				return err
			}
			key.Level = domain.Level(level)
			out[key] = content
			return nil
		})
	return out, err
}
