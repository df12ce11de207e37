package render

import (
	"fmt"
	"html"
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/PuerkitoBio/goquery"

	"XueXinwen/internal/domain"
)

const (
	rootOpen  = `<div class="section-content">`
	rootClose = `</div>`
)

// Wrapper turns graded text into the stored HTML payload.
type Wrapper struct{}

// NewWrapper builds a Wrapper.
func NewWrapper() *Wrapper {
	return &Wrapper{}
}

// Wrap escapes text, marks every entity occurrence with its gloss and turns newlines into <br>.
// Input that is already a wrapped payload is unwrapped first, so Wrap(Wrap(x)) == Wrap(x).
func (w *Wrapper) Wrap(text string, entities []domain.Entity) (string, error) {
	if IsWrapped(text) {
		plain, err := Unwrap(text)
		if err != nil {
			return "", err
		}
		text = plain
	}
	text = strings.ReplaceAll(text, "\r\n", "\n")

	ordered := longestFirst(entities)

	var b strings.Builder
	b.Grow(len(text) * 2)
	b.WriteString(rootOpen)
	for i := 0; i < len(text); {
		if text[i] == '\n' {
			b.WriteString("<br>")
			i++
			continue
		}
		if e, ok := matchAt(text[i:], ordered); ok {
			writeEntity(&b, e)
			i += len(e.Text)
			continue
		}
		_, size := utf8.DecodeRuneInString(text[i:])
		b.WriteString(html.EscapeString(text[i : i+size]))
		i += size
	}
	b.WriteString(rootClose)
	return b.String(), nil
}

// IsWrapped reports whether payload was produced by Wrap.
func IsWrapped(payload string) bool {
	return strings.HasPrefix(payload, rootOpen) && strings.HasSuffix(payload, rootClose)
}

// Unwrap recovers the plain text from a wrapped payload.
func Unwrap(payload string) (string, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("parse wrapped content: %w", err)
	}

	root := doc.Find("div.section-content").First()
	if root.Length() == 0 {
		return doc.Text(), nil
	}

	var b strings.Builder
	root.Contents().Each(func(_ int, s *goquery.Selection) {
		if goquery.NodeName(s) == "br" {
			b.WriteByte('\n')
			return
		}
		b.WriteString(s.Text())
	})
	return b.String(), nil
}

// EntitiesIn lists the entity texts marked in a wrapped payload, in document order.
func EntitiesIn(payload string) ([]string, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("parse wrapped content: %w", err)
	}
	var out []string
	doc.Find("span[data-entity]").Each(func(_ int, s *goquery.Selection) {
		out = append(out, s.AttrOr("data-entity", s.Text()))
	})
	return out, nil
}

func writeEntity(b *strings.Builder, e domain.Entity) {
	typ := string(e.Type)
	if typ == "" {
		typ = string(domain.EntityOther)
	}
	fmt.Fprintf(b, `<span class="entity entity-%s" data-entity="%s" data-type="%s" data-gloss="%s">%s</span>`,
		html.EscapeString(typ),
		html.EscapeString(e.Text),
		html.EscapeString(typ),
		html.EscapeString(e.Gloss),
		html.EscapeString(e.Text),
	)
}

func matchAt(text string, entities []domain.Entity) (domain.Entity, bool) {
	for _, e := range entities {
		if strings.HasPrefix(text, e.Text) {
			return e, true
		}
	}
	return domain.Entity{}, false
}

func longestFirst(entities []domain.Entity) []domain.Entity {
	out := make([]domain.Entity, 0, len(entities))
	for _, e := range entities {
		if e.Text == "" || strings.Contains(e.Text, "\n") {
			continue
		}
		out = append(out, e)
	}
	sort.SliceStable(out, func(i, j int) bool {
		li, lj := utf8.RuneCountInString(out[i].Text), utf8.RuneCountInString(out[j].Text)
		if li != lj {
			return li > lj
		}
		return out[i].Text < out[j].Text
	})
	return out
}
