package httpapi

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"XueXinwen/internal/domain"
	"XueXinwen/internal/ports"
	"XueXinwen/internal/usecase"
)

const (
	defaultLimit = 20
	maxLimit     = 100
)

// ArticleProcessor runs trigger_processing synchronously.
type ArticleProcessor interface {
	Process(ctx context.Context, raw domain.RawArticle, opts usecase.ProcessOptions) (usecase.Result, error)
}

// Enqueuer hands processing jobs to background workers.
type Enqueuer interface {
	Enqueue(ctx context.Context, job domain.Job) error
}

// RunLister exposes the processing history of an article.
type RunLister interface {
	ListRuns(ctx context.Context, articleID string, limit int) ([]domain.RunRecord, error)
}

// Handler serves the article API.
type Handler struct {
	reader    ports.ArticleReader
	runs      RunLister
	processor ArticleProcessor
	queue     Enqueuer
	logger    *slog.Logger
}

// HandlerDeps groups the collaborators; processor, queue and runs are optional.
type HandlerDeps struct {
	Reader    ports.ArticleReader
	Runs      RunLister
	Processor ArticleProcessor
	Queue     Enqueuer
	Logger    *slog.Logger
}

func NewHandler(deps HandlerDeps) *Handler {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		reader:    deps.Reader,
		runs:      deps.Runs,
		processor: deps.Processor,
		queue:     deps.Queue,
		logger:    logger.With("component", "httpapi"),
	}
}

func (h *Handler) GetHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *Handler) ListArticles(c *gin.Context) {
	filter := domain.ListFilter{
		Source: c.Query("source"),
		Limit:  queryLimit(c),
		Offset: queryOffset(c),
	}

	articles, err := h.reader.ListArticles(c.Request.Context(), filter)
	if err != nil {
		h.writeError(c, err)
		return
	}

	res := ListResponse{Articles: make([]ArticleSummary, 0, len(articles)), Limit: filter.Limit, Offset: filter.Offset}
	for _, a := range articles {
		res.Articles = append(res.Articles, toSummary(a))
	}
	c.JSON(http.StatusOK, res)
}

func (h *Handler) GetArticle(c *gin.Context) {
	agg, err := h.reader.GetArticle(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, toDetail(agg))
}

// GetGradedContent serves an article at one level. Sections missing that level fall back to
// native and the response carries a not_available notice.
func (h *Handler) GetGradedContent(c *gin.Context) {
	level, err := domain.ParseLevel(c.Param("level"))
	if err != nil || level == domain.LevelUnknown {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown level " + strconv.Quote(c.Param("level"))})
		return
	}

	rendered, err := h.reader.GetContent(c.Request.Context(), c.Param("id"), level)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, toGradedContent(rendered))
}

func (h *Handler) ListRuns(c *gin.Context) {
	if h.runs == nil {
		c.JSON(http.StatusNotImplemented, gin.H{"error": "run history not available"})
		return
	}
	runs, err := h.runs.ListRuns(c.Request.Context(), c.Param("id"), queryLimit(c))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"runs": toRuns(runs)})
}

// ProcessArticle triggers processing for one raw article, inline or through the queue.
func (h *Handler) ProcessArticle(c *gin.Context) {
	var req ProcessRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body: " + err.Error()})
		return
	}
	levels, err := domain.ParseLevels(req.Levels)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if req.Async {
		if h.queue == nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "queue not configured"})
			return
		}
		if err := req.RawArticle.Validate(); err != nil {
			h.writeError(c, err)
			return
		}
		job := domain.Job{Article: req.RawArticle, Levels: levels, Regrade: req.Regrade}
		if err := h.queue.Enqueue(c.Request.Context(), job); err != nil {
			h.writeError(c, err)
			return
		}
		c.JSON(http.StatusAccepted, ProcessResponse{
			ArticleID: domain.ArticleID(req.Source, req.URL),
			Status:    "queued",
		})
		return
	}

	if h.processor == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "processing not configured"})
		return
	}
	res, err := h.processor.Process(c.Request.Context(), req.RawArticle, usecase.ProcessOptions{
		Levels:  levels,
		Regrade: req.Regrade,
	})
	if err != nil {
		if domain.IsInput(err) {
			h.writeError(c, err)
			return
		}
		h.logger.Error("processing failed", "url", req.URL, "error", err)
		out := toProcessResponse(res)
		out.Error = err.Error()
		c.JSON(http.StatusInternalServerError, out)
		return
	}
	c.JSON(http.StatusOK, toProcessResponse(res))
}

func (h *Handler) writeError(c *gin.Context, err error) {
	switch {
	case domain.IsInput(err):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, domain.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "article not found"})
	default:
		h.logger.Error("request failed", "path", c.FullPath(), "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}

func queryInt(c *gin.Context, name string, def int) int {
	raw := c.Query(name)
	if raw == "" {
		return def
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return v
}

func queryLimit(c *gin.Context) int {
	limit := queryInt(c, "limit", defaultLimit)
	if limit < 1 {
		return defaultLimit
	}
	if limit > maxLimit {
		return maxLimit
	}
	return limit
}

func queryOffset(c *gin.Context) int {
	if offset := queryInt(c, "offset", 0); offset > 0 {
		return offset
	}
	return 0
}
