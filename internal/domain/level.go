package domain

import (
	"fmt"
	"strings"
)

// Level is a CEFR band, the native passthrough level, or unknown for word tags.
type Level string

const (
	LevelA1      Level = "A1"
	LevelA2      Level = "A2"
	LevelB1      Level = "B1"
	LevelB2      Level = "B2"
	LevelC1      Level = "C1"
	LevelC2      Level = "C2"
	LevelNative  Level = "native"
	LevelUnknown Level = "unknown"
)

var cefrOrder = map[Level]int{
	LevelA1: 1,
	LevelA2: 2,
	LevelB1: 3,
	LevelB2: 4,
	LevelC1: 5,
	LevelC2: 6,
}

// ParseLevel accepts CEFR bands (case-insensitive), native and unknown.
// The legacy BEGINNER/INTERMEDIATE names map to A2/B1.
func ParseLevel(value string) (Level, error) {
	v := strings.TrimSpace(value)
	switch strings.ToUpper(v) {
	case "A0":
		return LevelA1, nil
	case "A1", "A2", "B1", "B2", "C1", "C2":
		return Level(strings.ToUpper(v)), nil
	case "NATIVE", "ORIGINAL":
		return LevelNative, nil
	case "UNKNOWN":
		return LevelUnknown, nil
	case "BEGINNER":
		return LevelA2, nil
	case "INTERMEDIATE":
		return LevelB1, nil
	}
	return "", fmt.Errorf("unknown level %q", value)
}

// ParseLevels parses a list, dropping duplicates and keeping order.
func ParseLevels(values []string) ([]Level, error) {
	seen := map[Level]bool{}
	levels := make([]Level, 0, len(values))
	for _, v := range values {
		if strings.TrimSpace(v) == "" {
			continue
		}
		l, err := ParseLevel(v)
		if err != nil {
			return nil, err
		}
		if l == LevelUnknown {
			return nil, fmt.Errorf("level %q cannot be a grading target", v)
		}
		if seen[l] {
			continue
		}
		seen[l] = true
		levels = append(levels, l)
	}
	return levels, nil
}

// IsCEFR reports whether l is one of A1..C2.
func (l Level) IsCEFR() bool {
	_, ok := cefrOrder[l]
	return ok
}

// Easier reports whether l ranks below other. Non-CEFR levels never rank easier.
func (l Level) Easier(other Level) bool {
	a, okA := cefrOrder[l]
	b, okB := cefrOrder[other]
	if !okA {
		return false
	}
	if !okB {
		return true
	}
	return a < b
}

// WithNative returns levels with native guaranteed present.
func WithNative(levels []Level) []Level {
	for _, l := range levels {
		if l == LevelNative {
			return levels
		}
	}
	out := make([]Level, 0, len(levels)+1)
	out = append(out, levels...)
	return append(out, LevelNative)
}
