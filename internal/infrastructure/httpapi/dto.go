package httpapi

import (
	"sort"
	"time"

	"XueXinwen/internal/domain"
	"XueXinwen/internal/usecase"
)

type ArticleSummary struct {
	ID             string    `json:"id"`
	URL            string    `json:"url"`
	Date           time.Time `json:"date"`
	Source         string    `json:"source"`
	MandarinTitle  string    `json:"mandarin_title"`
	EnglishTitle   string    `json:"english_title,omitempty"`
	ImageURL       string    `json:"image_url,omitempty"`
	Processed      bool      `json:"processed"`
	GradingVersion int       `json:"grading_version"`
}

type ListResponse struct {
	Articles []ArticleSummary `json:"articles"`
	Limit    int              `json:"limit"`
	Offset   int              `json:"offset"`
}

type SectionDetail struct {
	Position int      `json:"position"`
	Mandarin string   `json:"mandarin"`
	English  string   `json:"english,omitempty"`
	Levels   []string `json:"levels"`
}

type EntityResponse struct {
	Text  string `json:"text"`
	Type  string `json:"type"`
	Gloss string `json:"gloss"`
}

type ArticleDetail struct {
	ArticleSummary
	Authors    []string          `json:"authors"`
	Metadata   map[string]string `json:"metadata,omitempty"`
	Sections   []SectionDetail   `json:"sections"`
	Entities   []EntityResponse  `json:"entities"`
	WordLevels map[string]string `json:"word_levels"`
}

type GradedSectionResponse struct {
	Position int    `json:"position"`
	Level    string `json:"level"`
	HTML     string `json:"html"`
	English  string `json:"english,omitempty"`
	FellBack bool   `json:"fell_back"`
}

type GradedContentResponse struct {
	Article   ArticleSummary          `json:"article"`
	Requested string                  `json:"requested_level"`
	Complete  bool                    `json:"complete"`
	Notice    string                  `json:"notice,omitempty"`
	Sections  []GradedSectionResponse `json:"sections"`
	Entities  []EntityResponse        `json:"entities"`
}

// ProcessRequest is a raw article plus per-run options.
type ProcessRequest struct {
	domain.RawArticle
	Levels  []string `json:"levels,omitempty"`
	Regrade bool     `json:"regrade,omitempty"`
	Async   bool     `json:"async,omitempty"`
}

type PairResponse struct {
	Position int    `json:"position"`
	Level    string `json:"level"`
	Outcome  string `json:"outcome"`
	Attempts int    `json:"attempts"`
	Error    string `json:"error,omitempty"`
}

type ProcessResponse struct {
	ArticleID string         `json:"article_id,omitempty"`
	RunID     string         `json:"run_id,omitempty"`
	Status    string         `json:"status"`
	Counts    map[string]int `json:"counts,omitempty"`
	Pairs     []PairResponse `json:"pairs,omitempty"`
	Error     string         `json:"error,omitempty"`
}

type RunResponse struct {
	RunID     string    `json:"run_id"`
	State     string    `json:"state"`
	Status    string    `json:"status"`
	Error     string    `json:"error,omitempty"`
	Succeeded int       `json:"succeeded"`
	Recovered int       `json:"recovered"`
	Reused    int       `json:"reused"`
	Failed    int       `json:"failed"`
	StartedAt time.Time `json:"started_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func toSummary(a domain.Article) ArticleSummary {
	return ArticleSummary{
		ID:             a.ID,
		URL:            a.URL,
		Date:           a.Date,
		Source:         a.Source,
		MandarinTitle:  a.MandarinTitle,
		EnglishTitle:   a.EnglishTitle,
		ImageURL:       a.ImageURL,
		Processed:      a.Processed,
		GradingVersion: a.GradingVersion,
	}
}

func toEntities(entities []domain.Entity) []EntityResponse {
	out := make([]EntityResponse, 0, len(entities))
	for _, e := range entities {
		out = append(out, EntityResponse{Text: e.Text, Type: string(e.Type), Gloss: e.Gloss})
	}
	return out
}

func toDetail(agg domain.ArticleAggregate) ArticleDetail {
	detail := ArticleDetail{
		ArticleSummary: toSummary(agg.Article),
		Authors:        agg.Article.Authors,
		Metadata:       agg.Article.Metadata,
		Sections:       make([]SectionDetail, 0, len(agg.Sections)),
		Entities:       toEntities(agg.Entities),
		WordLevels:     make(map[string]string, len(agg.WordLevels)),
	}
	if detail.Authors == nil {
		detail.Authors = []string{}
	}
	for _, s := range agg.Sections {
		levels := make([]string, 0, len(s.GradedTexts))
		for level := range s.GradedTexts {
			levels = append(levels, string(level))
		}
		sort.Strings(levels)
		detail.Sections = append(detail.Sections, SectionDetail{
			Position: s.Position,
			Mandarin: s.Mandarin,
			English:  s.English,
			Levels:   levels,
		})
	}
	for _, w := range agg.WordLevels {
		detail.WordLevels[w.Word] = string(w.Level)
	}
	return detail
}

func toGradedContent(r domain.RenderedArticle) GradedContentResponse {
	out := GradedContentResponse{
		Article:   toSummary(r.Article),
		Requested: string(r.Requested),
		Complete:  r.Complete(),
		Sections:  make([]GradedSectionResponse, 0, len(r.Sections)),
		Entities:  toEntities(r.Entities),
	}
	if !out.Complete {
		out.Notice = "not_available"
	}
	for _, s := range r.Sections {
		out.Sections = append(out.Sections, GradedSectionResponse{
			Position: s.Position,
			Level:    string(s.Level),
			HTML:     s.HTML,
			English:  s.English,
			FellBack: s.FellBack,
		})
	}
	return out
}

func toProcessResponse(res usecase.Result) ProcessResponse {
	out := ProcessResponse{
		ArticleID: res.ArticleID,
		RunID:     res.RunID,
		Status:    string(res.Status),
	}
	if res.Ledger == nil {
		return out
	}
	out.Counts = map[string]int{}
	for outcome, n := range res.Ledger.Counts() {
		out.Counts[string(outcome)] = n
	}
	for _, p := range res.Ledger.Results() {
		out.Pairs = append(out.Pairs, PairResponse{
			Position: p.Key.Position,
			Level:    string(p.Key.Level),
			Outcome:  string(p.Outcome),
			Attempts: p.Attempts,
			Error:    p.Error,
		})
	}
	return out
}

func toRuns(runs []domain.RunRecord) []RunResponse {
	out := make([]RunResponse, 0, len(runs))
	for _, r := range runs {
		out = append(out, RunResponse{
			RunID:     r.RunID,
			State:     string(r.State),
			Status:    string(r.Status),
			Error:     r.Error,
			Succeeded: r.Succeeded,
			Recovered: r.Recovered,
			Reused:    r.Reused,
			Failed:    r.Failed,
			StartedAt: r.StartedAt,
			UpdatedAt: r.UpdatedAt,
		})
	}
	return out
}
