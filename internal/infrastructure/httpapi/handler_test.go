package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/assert/v2"

	"XueXinwen/internal/config"
	"XueXinwen/internal/domain"
	"XueXinwen/internal/logging"
	"XueXinwen/internal/usecase"
)

type fakeReader struct {
	agg      domain.ArticleAggregate
	rendered domain.RenderedArticle
	articles []domain.Article
	filter   domain.ListFilter
	err      error
}

func (f *fakeReader) GetArticle(_ context.Context, id string) (domain.ArticleAggregate, error) {
	if f.err != nil {
		return domain.ArticleAggregate{}, f.err
	}
	if id != f.agg.Article.ID {
		return domain.ArticleAggregate{}, domain.ErrNotFound
	}
	return f.agg, nil
}

func (f *fakeReader) GetContent(_ context.Context, id string, level domain.Level) (domain.RenderedArticle, error) {
	if f.err != nil {
		return domain.RenderedArticle{}, f.err
	}
	if id != f.agg.Article.ID {
		return domain.RenderedArticle{}, domain.ErrNotFound
	}
	r := f.rendered
	r.Requested = level
	return r, nil
}

func (f *fakeReader) ListArticles(_ context.Context, filter domain.ListFilter) ([]domain.Article, error) {
	f.filter = filter
	return f.articles, f.err
}

type fakeProcessor struct {
	res  usecase.Result
	err  error
	opts usecase.ProcessOptions
	raw  domain.RawArticle
}

func (f *fakeProcessor) Process(_ context.Context, raw domain.RawArticle, opts usecase.ProcessOptions) (usecase.Result, error) {
	f.raw = raw
	f.opts = opts
	return f.res, f.err
}

type fakeQueue struct {
	jobs []domain.Job
}

func (f *fakeQueue) Enqueue(_ context.Context, job domain.Job) error {
	f.jobs = append(f.jobs, job)
	return nil
}

func storedArticle() domain.ArticleAggregate {
	return domain.ArticleAggregate{
		Article: domain.Article{
			ID:            "abc123def456",
			URL:           "https://news.example.tw/1",
			Date:          time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC),
			Source:        "cna",
			MandarinTitle: "標題",
			Processed:     true,
		},
		Sections: []domain.Section{{
			Position: 0,
			Mandarin: "台北很好。",
			GradedTexts: map[domain.Level]domain.GradedSection{
				domain.LevelNative: {Content: "台北很好。"},
				domain.LevelA1:     {Content: "台北好。"},
			},
		}},
		Entities:   []domain.Entity{{Text: "台北", Type: domain.EntityPlace, Gloss: "Taipei"}},
		WordLevels: []domain.WordLevel{{Word: "台北", Level: domain.LevelA1}},
	}
}

func newTestRouter(reader *fakeReader, processor ArticleProcessor, queue Enqueuer) *gin.Engine {
	gin.SetMode(gin.TestMode)
	h := NewHandler(HandlerDeps{Reader: reader, Processor: processor, Queue: queue, Logger: logging.Discard()})
	return NewRouter(h, config.APIConfig{AllowedOrigins: []string{"http://localhost:5173"}})
}

func perform(r http.Handler, method, path, body string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	r.ServeHTTP(w, req)
	return w
}

func TestGetHealth(t *testing.T) {
	r := newTestRouter(&fakeReader{}, nil, nil)
	w := perform(r, "GET", "/health", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, `{"status":"ok"}`, w.Body.String())
}

func TestListArticlesClampsPaging(t *testing.T) {
	reader := &fakeReader{articles: []domain.Article{storedArticle().Article}}
	r := newTestRouter(reader, nil, nil)

	w := perform(r, "GET", "/api/articles?source=cna&limit=500&offset=-3", "")
	assert.Equal(t, http.StatusOK, w.Code)

	var res ListResponse
	assert.Equal(t, nil, json.Unmarshal(w.Body.Bytes(), &res))
	assert.Equal(t, 1, len(res.Articles))
	assert.Equal(t, "abc123def456", res.Articles[0].ID)
	assert.Equal(t, maxLimit, reader.filter.Limit)
	assert.Equal(t, 0, reader.filter.Offset)
	assert.Equal(t, "cna", reader.filter.Source)
}

func TestGetArticleDetail(t *testing.T) {
	r := newTestRouter(&fakeReader{agg: storedArticle()}, nil, nil)

	w := perform(r, "GET", "/api/articles/abc123def456", "")
	assert.Equal(t, http.StatusOK, w.Code)

	var res ArticleDetail
	assert.Equal(t, nil, json.Unmarshal(w.Body.Bytes(), &res))
	assert.Equal(t, 1, len(res.Sections))
	assert.Equal(t, []string{"A1", "native"}, res.Sections[0].Levels)
	assert.Equal(t, "A1", res.WordLevels["台北"])
	assert.Equal(t, "Taipei", res.Entities[0].Gloss)
}

func TestGetArticleNotFound(t *testing.T) {
	r := newTestRouter(&fakeReader{agg: storedArticle()}, nil, nil)
	w := perform(r, "GET", "/api/articles/missing", "")
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = perform(r, "GET", "/api/articles/missing/grade/A1", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestGetGradedContentFallback(t *testing.T) {
	reader := &fakeReader{
		agg: storedArticle(),
		rendered: domain.RenderedArticle{
			Article: storedArticle().Article,
			Sections: []domain.RenderedSection{
				{Position: 0, Level: domain.LevelNative, HTML: `<div class="section-content">台北很好。</div>`, FellBack: true},
			},
		},
	}
	r := newTestRouter(reader, nil, nil)

	w := perform(r, "GET", "/api/articles/abc123def456/grade/b2", "")
	assert.Equal(t, http.StatusOK, w.Code)

	var res GradedContentResponse
	assert.Equal(t, nil, json.Unmarshal(w.Body.Bytes(), &res))
	assert.Equal(t, "B2", res.Requested)
	assert.Equal(t, false, res.Complete)
	assert.Equal(t, "not_available", res.Notice)
	assert.Equal(t, true, res.Sections[0].FellBack)
}

func TestGetGradedContentBadLevel(t *testing.T) {
	r := newTestRouter(&fakeReader{agg: storedArticle()}, nil, nil)
	w := perform(r, "GET", "/api/articles/abc123def456/grade/Z9", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = perform(r, "GET", "/api/articles/abc123def456/grade/unknown", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestReaderFailureIsInternalError(t *testing.T) {
	r := newTestRouter(&fakeReader{err: errors.New("db down")}, nil, nil)
	w := perform(r, "GET", "/api/articles", "")
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Equal(t, false, strings.Contains(w.Body.String(), "db down"))
}

const rawBody = `{"url":"https://news.example.tw/9","date":"2024-03-01T00:00:00Z","source":"cna",` +
	`"mandarin_title":"標題","raw_text":"內容。","levels":["a1","B1"],"regrade":true}`

func TestProcessArticleInline(t *testing.T) {
	ledger := domain.NewLedger()
	ledger.Record(domain.PairResult{Key: domain.PairKey{Position: 0, Level: domain.LevelA1}, Outcome: domain.PairSucceeded, Attempts: 1})
	ledger.Record(domain.PairResult{Key: domain.PairKey{Position: 0, Level: domain.LevelB1}, Outcome: domain.PairFailedTerminal, Attempts: 4, Error: "503"})
	processor := &fakeProcessor{res: usecase.Result{
		ArticleID: "f00dfeedbeef",
		RunID:     "run-1",
		Status:    domain.StatusPartiallyGraded,
		Ledger:    ledger,
	}}
	r := newTestRouter(&fakeReader{}, processor, nil)

	w := perform(r, "POST", "/api/articles/process", rawBody)
	assert.Equal(t, http.StatusOK, w.Code)

	var res ProcessResponse
	assert.Equal(t, nil, json.Unmarshal(w.Body.Bytes(), &res))
	assert.Equal(t, "partially_graded", res.Status)
	assert.Equal(t, 1, res.Counts["failed_terminal"])
	assert.Equal(t, 2, len(res.Pairs))

	assert.Equal(t, "https://news.example.tw/9", processor.raw.URL)
	assert.Equal(t, []domain.Level{domain.LevelA1, domain.LevelB1}, processor.opts.Levels)
	assert.Equal(t, true, processor.opts.Regrade)
}

func TestProcessArticleInputError(t *testing.T) {
	processor := &fakeProcessor{err: &domain.InputError{Field: "raw_text", Message: "is empty"}}
	r := newTestRouter(&fakeReader{}, processor, nil)

	w := perform(r, "POST", "/api/articles/process", rawBody)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = perform(r, "POST", "/api/articles/process", "{broken")
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = perform(r, "POST", "/api/articles/process", `{"levels":["Q7"]}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestProcessArticleFailure(t *testing.T) {
	processor := &fakeProcessor{
		res: usecase.Result{ArticleID: "f00dfeedbeef", RunID: "run-2", Status: domain.StatusFailed},
		err: &domain.PersistenceError{Op: "commit", Err: errors.New("deadlock")},
	}
	r := newTestRouter(&fakeReader{}, processor, nil)

	w := perform(r, "POST", "/api/articles/process", rawBody)
	assert.Equal(t, http.StatusInternalServerError, w.Code)

	var res ProcessResponse
	assert.Equal(t, nil, json.Unmarshal(w.Body.Bytes(), &res))
	assert.Equal(t, "failed", res.Status)
	assert.Equal(t, "run-2", res.RunID)
}

func TestProcessArticleAsync(t *testing.T) {
	queue := &fakeQueue{}
	r := newTestRouter(&fakeReader{}, nil, queue)

	body := strings.Replace(rawBody, `"regrade":true`, `"regrade":true,"async":true`, 1)
	w := perform(r, "POST", "/api/articles/process", body)
	assert.Equal(t, http.StatusAccepted, w.Code)
	assert.Equal(t, 1, len(queue.jobs))
	assert.Equal(t, "https://news.example.tw/9", queue.jobs[0].Article.URL)
	assert.Equal(t, []domain.Level{domain.LevelA1, domain.LevelB1}, queue.jobs[0].Levels)
	assert.Equal(t, true, queue.jobs[0].Regrade)

	var res ProcessResponse
	assert.Equal(t, nil, json.Unmarshal(w.Body.Bytes(), &res))
	assert.Equal(t, "queued", res.Status)
	assert.Equal(t, domain.ArticleID("cna", "https://news.example.tw/9"), res.ArticleID)

	invalid := strings.Replace(body, `"raw_text":"內容。"`, `"raw_text":""`, 1)
	w = perform(r, "POST", "/api/articles/process", invalid)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, 1, len(queue.jobs))
}

func TestCORSPreflight(t *testing.T) {
	r := newTestRouter(&fakeReader{}, nil, nil)

	w := httptest.NewRecorder()
	req := httptest.NewRequest("OPTIONS", "/api/articles", nil)
	req.Header.Set("Origin", "http://localhost:5173")
	req.Header.Set("Access-Control-Request-Method", "GET")
	r.ServeHTTP(w, req)

	assert.Equal(t, "http://localhost:5173", w.Header().Get("Access-Control-Allow-Origin"))
}
