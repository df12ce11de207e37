package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strings"
	"time"
)

// RawArticle is the untrusted record handed over by the fetch collaborator.
type RawArticle struct {
	URL           string            `json:"url"`
	Date          time.Time         `json:"date"`
	Source        string            `json:"source"`
	Authors       []string          `json:"authors,omitempty"`
	MandarinTitle string            `json:"mandarin_title"`
	EnglishTitle  string            `json:"english_title,omitempty"`
	RawText       string            `json:"raw_text"`
	EnglishText   string            `json:"english_text,omitempty"`
	ImageURL      string            `json:"image_url,omitempty"`
	Metadata      map[string]string `json:"metadata,omitempty"`
}

// Validate enforces the required fields before any processing starts.
func (r RawArticle) Validate() error {
	switch {
	case strings.TrimSpace(r.URL) == "":
		return &InputError{Field: "url", Message: "is required"}
	case r.Date.IsZero():
		return &InputError{Field: "date", Message: "is required"}
	case strings.TrimSpace(r.Source) == "":
		return &InputError{Field: "source", Message: "is required"}
	case strings.TrimSpace(r.MandarinTitle) == "":
		return &InputError{Field: "mandarin_title", Message: "is required"}
	case strings.TrimSpace(r.RawText) == "":
		return &InputError{Field: "raw_text", Message: "is empty"}
	}
	return nil
}

// Job is one queued processing request. Levels and Regrade carry the caller's options
// to the worker; Payload holds the bytes the job was read from and is never encoded.
type Job struct {
	Article RawArticle `json:"article"`
	Levels  []Level    `json:"levels,omitempty"`
	Regrade bool       `json:"regrade,omitempty"`

	Payload []byte `json:"-"`
}

// Undecoded reports a job that holds only the bytes it was read from.
func (j Job) Undecoded() bool {
	return len(j.Payload) > 0 && j.Article.URL == "" && j.Article.Source == "" && j.Article.RawText == ""
}

// ArticleID derives the short stable identifier from source and URL.
func ArticleID(source, url string) string {
	sum := sha256.Sum256([]byte(strings.TrimSpace(source) + "\x00" + strings.TrimSpace(url)))
	return hex.EncodeToString(sum[:])[:12]
}

// ContentHash fingerprints a normalized article body.
func ContentHash(body string) string {
	sum := sha256.Sum256([]byte(body))
	return hex.EncodeToString(sum[:])
}

// Article is the root of the persisted aggregate.
type Article struct {
	ID             string
	URL            string
	Date           time.Time
	Source         string
	Authors        []string
	MandarinTitle  string
	EnglishTitle   string
	ImageURL       string
	Metadata       map[string]string
	Processed      bool
	ContentHash    string
	GradingVersion int
	UpdatedAt      time.Time
}

// Section is one contiguous paragraph-like unit of the original body.
type Section struct {
	Position    int
	Mandarin    string
	English     string
	GradedTexts map[Level]GradedSection
}

// GradedSection is a Section rendered at one level.
type GradedSection struct {
	Position int
	Level    Level
	Content  string
	HTML     string
}

// EntityType classifies named entities.
type EntityType string

const (
	EntityPerson       EntityType = "person"
	EntityPlace        EntityType = "place"
	EntityOrganization EntityType = "organization"
	EntityOther        EntityType = "other"
)

// ParseEntityType maps free-form collaborator output onto the vocabulary, defaulting to other.
func ParseEntityType(value string) EntityType {
	switch EntityType(strings.ToLower(strings.TrimSpace(value))) {
	case EntityPerson, "names", "people":
		return EntityPerson
	case EntityPlace, "places", "location":
		return EntityPlace
	case EntityOrganization, "organizations", "org":
		return EntityOrganization
	default:
		return EntityOther
	}
}

// Entity is a named mention with its gloss.
type Entity struct {
	Text  string
	Type  EntityType
	Gloss string
}

// WordLevel annotates one distinct token.
type WordLevel struct {
	Word  string
	Level Level
}

// WordLevelsFrom flattens a tag map into rows ordered by word.
func WordLevelsFrom(levels map[string]Level) []WordLevel {
	out := make([]WordLevel, 0, len(levels))
	for word, level := range levels {
		out = append(out, WordLevel{Word: word, Level: level})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Word < out[j].Word })
	return out
}

// ArticleAggregate is everything one processing run persists.
type ArticleAggregate struct {
	Article    Article
	Sections   []Section
	Entities   []Entity
	WordLevels []WordLevel
}

// Body reconstructs the article text from its sections in position order.
func (a ArticleAggregate) Body() string {
	parts := make([]string, 0, len(a.Sections))
	for _, s := range a.Sections {
		parts = append(parts, s.Mandarin)
	}
	return strings.Join(parts, "\n\n")
}

// HasLevel reports whether every section carries a row for level.
func (a ArticleAggregate) HasLevel(level Level) bool {
	if len(a.Sections) == 0 {
		return false
	}
	for _, s := range a.Sections {
		if _, ok := s.GradedTexts[level]; !ok {
			return false
		}
	}
	return true
}

// RenderedSection is the read-side payload for one section at a requested level.
type RenderedSection struct {
	Position int
	Level    Level
	HTML     string
	English  string
	// FellBack is set when the requested level has no row and native content was served instead.
	FellBack bool
}

// RenderedArticle is the read-side payload for (article, level).
type RenderedArticle struct {
	Article   Article
	Requested Level
	Sections  []RenderedSection
	Entities  []Entity
}

// Complete reports whether every section was served at the requested level.
func (r RenderedArticle) Complete() bool {
	for _, s := range r.Sections {
		if s.FellBack {
			return false
		}
	}
	return len(r.Sections) > 0
}

// ListFilter narrows article listings.
type ListFilter struct {
	Source string
	Limit  int
	Offset int
}
