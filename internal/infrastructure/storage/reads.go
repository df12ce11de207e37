package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"html"
	"sort"
	"strings"

	sq "github.com/Masterminds/squirrel"

	"XueXinwen/internal/domain"
)

const (
	defaultListLimit = 20
	maxListLimit     = 100
)

var articleColumns = []string{
	"id", "url", "published_at", "source", "mandarin_title", "english_title",
	"image_url", "metadata", "processed", "content_hash", "grading_version", "updated_at",
}

// queryer is satisfied by *sql.DB and *sql.Tx.
type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// readOptions gives postgres reads one snapshot. The sqlite driver ignores options and
// its single connection already serializes writers.
func (r *ArticleRepository) readOptions() *sql.TxOptions {
	if r.driver == DriverPostgres {
		return &sql.TxOptions{ReadOnly: true, Isolation: sql.LevelRepeatableRead}
	}
	return nil
}

// GetArticle loads the full aggregate inside one read transaction so the header and every
// dependent table come from the same committed write. Missing ids return domain.ErrNotFound.
func (r *ArticleRepository) GetArticle(ctx context.Context, id string) (domain.ArticleAggregate, error) {
	tx, err := r.db.BeginTx(ctx, r.readOptions())
	if err != nil {
		return domain.ArticleAggregate{}, &domain.PersistenceError{Op: "begin read", Err: err}
	}
	defer func() { _ = tx.Rollback() }()

	agg, err := r.loadAggregate(ctx, tx, id)
	if err != nil {
		return domain.ArticleAggregate{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.ArticleAggregate{}, &domain.PersistenceError{Op: "commit read", Err: err}
	}
	return agg, nil
}

func (r *ArticleRepository) loadAggregate(ctx context.Context, q queryer, id string) (domain.ArticleAggregate, error) {
	query, args, err := r.sb.Select(articleColumns...).From("articles").Where(sq.Eq{"id": id}).ToSql()
	if err != nil {
		return domain.ArticleAggregate{}, fmt.Errorf("build article query: %w", err)
	}

	article, err := scanArticle(q.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return domain.ArticleAggregate{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.ArticleAggregate{}, &domain.PersistenceError{Op: "get article", Err: err}
	}

	agg := domain.ArticleAggregate{Article: article}
	if agg.Article.Authors, err = r.loadAuthors(ctx, q, id); err != nil {
		return domain.ArticleAggregate{}, err
	}
	if agg.Sections, err = r.loadSections(ctx, q, id); err != nil {
		return domain.ArticleAggregate{}, err
	}
	if agg.Entities, err = r.loadEntities(ctx, q, id); err != nil {
		return domain.ArticleAggregate{}, err
	}
	if agg.WordLevels, err = r.loadWordLevels(ctx, q, id); err != nil {
		return domain.ArticleAggregate{}, err
	}
	return agg, nil
}

// gradingVersion reads the current version of an article without loading it.
func (r *ArticleRepository) gradingVersion(ctx context.Context, id string) (int, error) {
	query, args, err := r.sb.Select("grading_version").From("articles").Where(sq.Eq{"id": id}).ToSql()
	if err != nil {
		return 0, fmt.Errorf("build version query: %w", err)
	}
	var version int
	err = r.db.QueryRowContext(ctx, query, args...).Scan(&version)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, domain.ErrNotFound
	}
	if err != nil {
		return 0, &domain.PersistenceError{Op: "get grading version", Err: err}
	}
	return version, nil
}

// GetContent renders an article at level. Sections without a row for level fall back to
// native content and carry FellBack so callers can tell.
//
// Cached renders are keyed by grading_version, which every save bumps, so a write made by
// another process is seen on the next read.
func (r *ArticleRepository) GetContent(ctx context.Context, id string, level domain.Level) (domain.RenderedArticle, error) {
	if r.cache != nil {
		version, err := r.gradingVersion(ctx, id)
		if err != nil {
			return domain.RenderedArticle{}, err
		}
		if cached, ok := r.cache.Get(contentKey(id, level, version)); ok {
			return cached.(domain.RenderedArticle), nil
		}
	}

	agg, err := r.GetArticle(ctx, id)
	if err != nil {
		return domain.RenderedArticle{}, err
	}

	rendered := domain.RenderedArticle{
		Article:   agg.Article,
		Requested: level,
		Sections:  make([]domain.RenderedSection, 0, len(agg.Sections)),
		Entities:  agg.Entities,
	}
	for _, s := range agg.Sections {
		rendered.Sections = append(rendered.Sections, renderSection(s, level))
	}

	if r.cache != nil {
		r.cache.SetDefault(contentKey(id, level, agg.Article.GradingVersion), rendered)
	}
	return rendered, nil
}

func renderSection(s domain.Section, level domain.Level) domain.RenderedSection {
	out := domain.RenderedSection{Position: s.Position, English: s.English}
	if g, ok := s.GradedTexts[level]; ok {
		out.Level = level
		out.HTML = g.HTML
		return out
	}

	out.Level = domain.LevelNative
	out.FellBack = level != domain.LevelNative
	if g, ok := s.GradedTexts[domain.LevelNative]; ok {
		out.HTML = g.HTML
		return out
	}
	out.FellBack = true
	out.HTML = html.EscapeString(s.Mandarin)
	return out
}

// ListArticles returns article headers, newest first.
func (r *ArticleRepository) ListArticles(ctx context.Context, filter domain.ListFilter) ([]domain.Article, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}

	builder := r.sb.Select(articleColumns...).From("articles").
		OrderBy("published_at DESC", "id").
		Limit(uint64(limit)).
		Offset(uint64(max(filter.Offset, 0)))
	if filter.Source != "" {
		builder = builder.Where(sq.Eq{"source": filter.Source})
	}

	query, args, err := builder.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build list query: %w", err)
	}
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, &domain.PersistenceError{Op: "list articles", Err: err}
	}
	defer rows.Close()

	var articles []domain.Article
	for rows.Next() {
		a, err := scanArticle(rows)
		if err != nil {
			return nil, &domain.PersistenceError{Op: "scan article", Err: err}
		}
		articles = append(articles, a)
	}
	if err := rows.Err(); err != nil {
		return nil, &domain.PersistenceError{Op: "list articles", Err: err}
	}
	return articles, nil
}

// ListIncomplete returns ids of articles that are unprocessed or miss a row for any of levels,
// least recently updated first.
func (r *ArticleRepository) ListIncomplete(ctx context.Context, levels []domain.Level, limit int) ([]string, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}

	conditions := sq.Or{sq.Eq{"a.processed": false}}
	if len(levels) > 0 {
		names := make([]string, 0, len(levels))
		args := make([]any, 0, len(levels)+1)
		for _, l := range levels {
			names = append(names, "?")
			args = append(args, string(l))
		}
		args = append(args, len(levels))
		conditions = append(conditions, sq.Expr(`EXISTS (
			SELECT 1 FROM sections s
			WHERE s.article_id = a.id
			AND (SELECT COUNT(*) FROM graded_sections g
				WHERE g.article_id = s.article_id AND g.position = s.position
				AND g.level IN (`+strings.Join(names, ", ")+`)) < ?)`, args...))
	}

	query, args, err := r.sb.Select("a.id").From("articles a").
		Where(conditions).
		OrderBy("a.updated_at", "a.id").
		Limit(uint64(limit)).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build incomplete query: %w", err)
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, &domain.PersistenceError{Op: "list incomplete", Err: err}
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, &domain.PersistenceError{Op: "scan id", Err: err}
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, &domain.PersistenceError{Op: "list incomplete", Err: err}
	}
	return ids, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanArticle(row rowScanner) (domain.Article, error) {
	var (
		a        domain.Article
		metadata string
	)
	err := row.Scan(&a.ID, &a.URL, &a.Date, &a.Source, &a.MandarinTitle, &a.EnglishTitle,
		&a.ImageURL, &metadata, &a.Processed, &a.ContentHash, &a.GradingVersion, &a.UpdatedAt)
	if err != nil {
		return domain.Article{}, err
	}
	if metadata != "" {
		if err := json.Unmarshal([]byte(metadata), &a.Metadata); err != nil {
			return domain.Article{}, fmt.Errorf("decode metadata of %s: %w", a.ID, err)
		}
	}
	return a, nil
}

func (r *ArticleRepository) loadAuthors(ctx context.Context, q queryer, id string) ([]string, error) {
	var authors []string
	err := r.each(ctx, q, "load authors",
		r.sb.Select("name").From("article_authors").Where(sq.Eq{"article_id": id}).OrderBy("position"),
		func(rows *sql.Rows) error {
			var name string
			if err := rows.Scan(&name); err != nil {
				return err
			}
			authors = append(authors, name)
			return nil
		})
	return authors, err
}

func (r *ArticleRepository) loadSections(ctx context.Context, q queryer, id string) ([]domain.Section, error) {
	var sections []domain.Section
	index := map[int]int{}
	err := r.each(ctx, q, "load sections",
		r.sb.Select("position", "mandarin", "english").From("sections").Where(sq.Eq{"article_id": id}).OrderBy("position"),
		func(rows *sql.Rows) error {
			var s domain.Section
			if err := rows.Scan(&s.Position, &s.Mandarin, &s.English); err != nil {
				return err
			}
			s.GradedTexts = map[domain.Level]domain.GradedSection{}
			index[s.Position] = len(sections)
			sections = append(sections, s)
			return nil
		})
	if err != nil {
		return nil, err
	}

	err = r.each(ctx, q, "load graded sections",
		r.sb.Select("position", "level", "content", "html").From("graded_sections").Where(sq.Eq{"article_id": id}),
		func(rows *sql.Rows) error {
			var (
				g     domain.GradedSection
				level string
			)
			if err := rows.Scan(&g.Position, &level, &g.Content, &g.HTML); err != nil {
				return err
			}
			g.Level = domain.Level(level)
			if i, ok := index[g.Position]; ok {
				sections[i].GradedTexts[g.Level] = g
			}
			return nil
		})
	return sections, err
}

func (r *ArticleRepository) loadEntities(ctx context.Context, q queryer, id string) ([]domain.Entity, error) {
	var entities []domain.Entity
	err := r.each(ctx, q, "load entities",
		r.sb.Select("entity_text", "entity_type", "gloss").From("entities").Where(sq.Eq{"article_id": id}).OrderBy("entity_text"),
		func(rows *sql.Rows) error {
			var (
				e   domain.Entity
				typ string
			)
			if err := rows.Scan(&e.Text, &typ, &e.Gloss); err != nil {
				return err
			}
			e.Type = domain.EntityType(typ)
			entities = append(entities, e)
			return nil
		})
	return entities, err
}

func (r *ArticleRepository) loadWordLevels(ctx context.Context, q queryer, id string) ([]domain.WordLevel, error) {
	var words []domain.WordLevel
	err := r.each(ctx, q, "load word levels",
		r.sb.Select("word", "level").From("word_levels").Where(sq.Eq{"article_id": id}).OrderBy("word"),
		func(rows *sql.Rows) error {
			var (
				w     domain.WordLevel
				level string
			)
			if err := rows.Scan(&w.Word, &level); err != nil {
				return err
			}
			w.Level = domain.Level(level)
			words = append(words, w)
			return nil
		})
	return words, err
}

// each runs a select on q and hands every row to fn.
func (r *ArticleRepository) each(ctx context.Context, q queryer, op string, builder sq.SelectBuilder, fn func(*sql.Rows) error) error {
	query, args, err := builder.ToSql()
	if err != nil {
		return fmt.Errorf("build %s: %w", op, err)
	}
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return &domain.PersistenceError{Op: op, Err: err}
	}
	defer rows.Close()

	for rows.Next() {
		if err := fn(rows); err != nil {
			return &domain.PersistenceError{Op: op, Err: err}
		}
	}
	if err := rows.Err(); err != nil {
		return &domain.PersistenceError{Op: op, Err: err}
	}
	return nil
}

func sortedLevels(m map[domain.Level]domain.GradedSection) []domain.Level {
	levels := make([]domain.Level, 0, len(m))
	for l := range m {
		levels = append(levels, l)
	}
	sort.Slice(levels, func(i, j int) bool { return levels[i] < levels[j] })
	return levels
}
