package textproc

import (
	"embed"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"github.com/go-ego/gse"

	"XueXinwen/internal/domain"
)

//go:embed data/wordlist_sample.csv
var sampleList embed.FS

const sampleListPath = "data/wordlist_sample.csv"

// tableWordFreq is the segmenter frequency of every reference word. It outweighs all but the
// most common entries of the base dictionary so graded vocabulary is kept whole.
const tableWordFreq = 1000

// TokenizerOptions configures the segmenter built over a word table.
type TokenizerOptions struct {
	// BaseDictionary loads the embedded jieba dictionary under the reference words.
	BaseDictionary bool
	// HMM joins runs of characters that no dictionary knows.
	HMM bool
}

// WordTable is the immutable reference vocabulary and the segmenter that knows it.
// Safe for concurrent reads.
type WordTable struct {
	levels map[string]domain.Level
	seg    *gse.Segmenter
	hmm    bool
}

// LoadWordTable reads a CSV with traditional, simplified and level columns.
// The level column may be named level or cefr_level. Both written forms are indexed;
// duplicates keep the easier level.
func LoadWordTable(r io.Reader, opts TokenizerOptions) (*WordTable, error) {
	reader := csv.NewReader(r)
	reader.TrimLeadingSpace = true
	reader.FieldsPerRecord = -1

	header, err := reader.Read()
	if err != nil {
		return nil, fmt.Errorf("read word list header: %w", err)
	}
	cols, err := wordListColumns(header)
	if err != nil {
		return nil, err
	}

	table := &WordTable{levels: map[string]domain.Level{}, hmm: opts.HMM}
	line := 1
	for {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		line++
		if err != nil {
			return nil, fmt.Errorf("read word list line %d: %w", line, err)
		}
		if len(record) <= cols.maxIndex() {
			continue
		}

		level, err := domain.ParseLevel(record[cols.level])
		if err != nil || !level.IsCEFR() {
			continue
		}
		table.insert(record[cols.traditional], level)
		table.insert(record[cols.simplified], level)
	}

	if table.seg, err = newSegmenter(table.levels, opts); err != nil {
		return nil, err
	}
	return table, nil
}

// LoadWordTableFile opens path and loads it.
func LoadWordTableFile(path string, opts TokenizerOptions) (*WordTable, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open word list: %w", err)
	}
	defer f.Close()
	return LoadWordTable(f, opts)
}

// SampleWordTable loads the word list compiled into the binary.
func SampleWordTable(opts TokenizerOptions) (*WordTable, error) {
	f, err := sampleList.Open(sampleListPath)
	if err != nil {
		return nil, fmt.Errorf("open embedded word list: %w", err)
	}
	defer f.Close()
	return LoadWordTable(f, opts)
}

// newSegmenter registers every table word as a high frequency custom word, over the
// embedded jieba dictionary when asked for.
func newSegmenter(levels map[string]domain.Level, opts TokenizerOptions) (*gse.Segmenter, error) {
	words := make([]string, 0, len(levels))
	for w := range levels {
		words = append(words, w)
	}
	sort.Strings(words)

	seg := &gse.Segmenter{SkipLog: true}
	if !opts.BaseDictionary {
		var b strings.Builder
		for _, w := range words {
			fmt.Fprintf(&b, "%s %d\n", w, tableWordFreq)
		}
		if err := seg.LoadDictStr(b.String()); err != nil {
			return nil, fmt.Errorf("load word list into segmenter: %w", err)
		}
		return seg, nil
	}

	if err := seg.LoadDictEmbed("zh"); err != nil {
		return nil, fmt.Errorf("load base dictionary: %w", err)
	}
	for _, w := range words {
		if err := seg.AddToken(w, tableWordFreq); err != nil {
			return nil, fmt.Errorf("add %q to segmenter: %w", w, err)
		}
	}
	seg.CalcToken()
	return seg, nil
}

// Lookup returns the level of an exact word.
func (t *WordTable) Lookup(word string) (domain.Level, bool) {
	level, ok := t.levels[word]
	return level, ok
}

// Len is the number of distinct written forms.
func (t *WordTable) Len() int { return len(t.levels) }

func (t *WordTable) insert(word string, level domain.Level) {
	word = strings.TrimSpace(word)
	if word == "" {
		return
	}
	if current, ok := t.levels[word]; ok && !level.Easier(current) {
		return
	}
	t.levels[word] = level
}

type wordListCols struct {
	traditional, simplified, level int
}

func (c wordListCols) maxIndex() int {
	return max(c.traditional, c.simplified, c.level)
}

func wordListColumns(header []string) (wordListCols, error) {
	cols := wordListCols{traditional: -1, simplified: -1, level: -1}
	for i, name := range header {
		switch strings.ToLower(strings.TrimSpace(strings.TrimPrefix(name, "\ufeff"))) {
		case "traditional":
			cols.traditional = i
		case "simplified":
			cols.simplified = i
		case "level", "cefr_level":
			cols.level = i
		}
	}
	if cols.traditional < 0 || cols.simplified < 0 || cols.level < 0 {
		return cols, fmt.Errorf("word list header %v: need traditional, simplified and level columns", header)
	}
	return cols, nil
}
