package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/patrickmn/go-cache"

	"XueXinwen/internal/domain"
	"XueXinwen/internal/ports"
)

// insertChunk bounds rows per multi-row INSERT to stay under driver parameter limits.
const insertChunk = 200

// ArticleRepository is the Database Manager: one transaction per aggregate write,
// read accessors by id and level.
type ArticleRepository struct {
	db     *sql.DB
	driver string
	sb     sq.StatementBuilderType
	cache  *cache.Cache
	logger *slog.Logger
	now    func() time.Time
}

var (
	_ ports.ArticleStore     = (*ArticleRepository)(nil)
	_ ports.ArticleReader    = (*ArticleRepository)(nil)
	_ ports.IncompleteLister = (*ArticleRepository)(nil)
)

// NewArticleRepository wires a sql.DB opened with driver. cacheTTL <= 0 disables the read cache.
func NewArticleRepository(db *sql.DB, driver string, cacheTTL time.Duration, logger *slog.Logger) *ArticleRepository {
	if logger == nil {
		logger = slog.Default()
	}
	var c *cache.Cache
	if cacheTTL > 0 {
		c = cache.New(cacheTTL, 2*cacheTTL)
	}
	return &ArticleRepository{
		db:     db,
		driver: driver,
		sb:     builderFor(driver),
		cache:  c,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// SaveArticle replaces the stored aggregate atomically and bumps grading_version.
// Pair checkpoints of the article are cleared in the same transaction. An article stored
// under another id for the same URL is replaced, so a URL always maps to one row.
func (r *ArticleRepository) SaveArticle(ctx context.Context, agg domain.ArticleAggregate) error {
	a := agg.Article
	if a.ID == "" {
		return &domain.PersistenceError{Op: "save article", Err: fmt.Errorf("article id is empty")}
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return &domain.PersistenceError{Op: "begin", Err: err}
	}
	defer func() { _ = tx.Rollback() }()

	replaced, err := r.releaseURL(ctx, tx, a)
	if err != nil {
		return err
	}
	if err := r.upsertArticle(ctx, tx, a); err != nil {
		return err
	}
	if err := r.deleteDependents(ctx, tx, a.ID); err != nil {
		return err
	}
	if err := r.insertDependents(ctx, tx, agg); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return &domain.PersistenceError{Op: "commit", Err: err}
	}

	r.logger.Debug("article saved",
		"article_id", a.ID,
		"replaced", replaced,
		"sections", len(agg.Sections),
		"entities", len(agg.Entities),
		"words", len(agg.WordLevels),
		"processed", a.Processed,
	)
	return nil
}

// releaseURL drops articles that hold a.URL under a different id and returns their ids.
func (r *ArticleRepository) releaseURL(ctx context.Context, tx *sql.Tx, a domain.Article) ([]string, error) {
	var holders []string
	err := r.each(ctx, tx, "find url holder",
		r.sb.Select("id").From("articles").Where(sq.And{sq.Eq{"url": a.URL}, sq.NotEq{"id": a.ID}}),
		func(rows *sql.Rows) error {
			var id string
			if err := rows.Scan(&id); err != nil {
				return err
			}
			holders = append(holders, id)
			return nil
		})
	if err != nil {
		return nil, err
	}

	for _, id := range holders {
		if err := r.deleteDependents(ctx, tx, id); err != nil {
			return nil, err
		}
		query, args, err := r.sb.Delete("articles").Where(sq.Eq{"id": id}).ToSql()
		if err != nil {
			return nil, &domain.PersistenceError{Op: "build delete articles", Err: err}
		}
		if _, err := tx.ExecContext(ctx, query, args...); err != nil {
			return nil, &domain.PersistenceError{Op: "delete articles", Err: err}
		}
		r.logger.Info("article replaced by new id for same url", "old_id", id, "article_id", a.ID, "url", a.URL)
	}
	return holders, nil
}

func (r *ArticleRepository) upsertArticle(ctx context.Context, tx *sql.Tx, a domain.Article) error {
	metadata, err := json.Marshal(nonNilMap(a.Metadata))
	if err != nil {
		return &domain.PersistenceError{Op: "encode metadata", Err: err}
	}

	query, args, err := r.sb.Insert("articles").
		Columns("id", "url", "published_at", "source", "mandarin_title", "english_title",
			"image_url", "metadata", "processed", "content_hash", "grading_version", "updated_at").
		Values(a.ID, a.URL, a.Date.UTC(), a.Source, a.MandarinTitle, a.EnglishTitle,
			a.ImageURL, string(metadata), a.Processed, a.ContentHash, 1, r.now()).
		Suffix(`ON CONFLICT (id) DO UPDATE SET
			url = excluded.url,
			published_at = excluded.published_at,
			source = excluded.source,
			mandarin_title = excluded.mandarin_title,
			english_title = excluded.english_title,
			image_url = excluded.image_url,
			metadata = excluded.metadata,
			processed = excluded.processed,
			content_hash = excluded.content_hash,
			grading_version = articles.grading_version + 1,
			updated_at = excluded.updated_at`).
		ToSql()
	if err != nil {
		return &domain.PersistenceError{Op: "build upsert", Err: err}
	}

	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		// a concurrent writer claimed the URL after releaseURL ran
		if isUniqueViolation(err) {
			return &domain.PersistenceError{Op: "upsert article", Err: fmt.Errorf("%w: %s: %v", domain.ErrConflict, a.URL, err)}
		}
		return &domain.PersistenceError{Op: "upsert article", Err: err}
	}
	return nil
}

func (r *ArticleRepository) deleteDependents(ctx context.Context, tx *sql.Tx, articleID string) error {
	// graded_sections goes first so the delete does not depend on FK enforcement.
	for _, table := range []string{"graded_sections", "sections", "article_authors", "entities", "word_levels", "pair_checkpoints"} {
		query, args, err := r.sb.Delete(table).Where(sq.Eq{"article_id": articleID}).ToSql()
		if err != nil {
			return &domain.PersistenceError{Op: "build delete " + table, Err: err}
		}
		if _, err := tx.ExecContext(ctx, query, args...); err != nil {
			return &domain.PersistenceError{Op: "delete " + table, Err: err}
		}
	}
	return nil
}

func (r *ArticleRepository) insertDependents(ctx context.Context, tx *sql.Tx, agg domain.ArticleAggregate) error {
	id := agg.Article.ID

	authors := make([][]any, 0, len(agg.Article.Authors))
	for i, name := range agg.Article.Authors {
		authors = append(authors, []any{id, i, name})
	}

	sections := make([][]any, 0, len(agg.Sections))
	var graded [][]any
	for _, s := range agg.Sections {
		sections = append(sections, []any{id, s.Position, s.Mandarin, s.English})
		for _, level := range sortedLevels(s.GradedTexts) {
			g := s.GradedTexts[level]
			if g.Content == "" {
				return &domain.PersistenceError{
					Op:  "insert graded_sections",
					Err: fmt.Errorf("empty content for section %d level %s", s.Position, level),
				}
			}
			graded = append(graded, []any{id, s.Position, string(level), g.Content, g.HTML})
		}
	}

	entities := make([][]any, 0, len(agg.Entities))
	for _, e := range agg.Entities {
		entities = append(entities, []any{id, e.Text, string(e.Type), e.Gloss})
	}

	words := make([][]any, 0, len(agg.WordLevels))
	for _, w := range agg.WordLevels {
		words = append(words, []any{id, w.Word, string(w.Level)})
	}

	batches := []struct {
		table   string
		columns []string
		rows    [][]any
	}{
		{"article_authors", []string{"article_id", "position", "name"}, authors},
		{"sections", []string{"article_id", "position", "mandarin", "english"}, sections},
		{"graded_sections", []string{"article_id", "position", "level", "content", "html"}, graded},
		{"entities", []string{"article_id", "entity_text", "entity_type", "gloss"}, entities},
		{"word_levels", []string{"article_id", "word", "level"}, words},
	}
	for _, b := range batches {
		if err := r.insertRows(ctx, tx, b.table, b.columns, b.rows); err != nil {
			return err
		}
	}
	return nil
}

func (r *ArticleRepository) insertRows(ctx context.Context, tx *sql.Tx, table string, columns []string, rows [][]any) error {
	for start := 0; start < len(rows); start += insertChunk {
		end := min(start+insertChunk, len(rows))

		builder := r.sb.Insert(table).Columns(columns...)
		for _, row := range rows[start:end] {
			builder = builder.Values(row...)
		}
		query, args, err := builder.ToSql()
		if err != nil {
			return &domain.PersistenceError{Op: "build insert " + table, Err: err}
		}
		if _, err := tx.ExecContext(ctx, query, args...); err != nil {
			return &domain.PersistenceError{Op: "insert " + table, Err: err}
		}
	}
	return nil
}

func contentKey(articleID string, level domain.Level, version int) string {
	return fmt.Sprintf("%s:%s:%d", articleID, level, version)
}

func nonNilMap(m map[string]string) map[string]string {
	if m == nil {
		return map[string]string{}
	}
	return m
}
