package textproc

import "unicode"

// Tokenize splits text into words. Han runs go through the dictionary segmenter, Latin
// letters and digits form one token per run, and punctuation or whitespace is dropped.
func (t *WordTable) Tokenize(text string) []string {
	runes := []rune(text)
	tokens := make([]string, 0, len(runes)/2)

	for i := 0; i < len(runes); {
		j := i + 1
		switch r := runes[i]; {
		case unicode.Is(unicode.Han, r):
			for j < len(runes) && unicode.Is(unicode.Han, runes[j]) {
				j++
			}
			for _, word := range t.seg.Cut(string(runes[i:j]), t.hmm) {
				if hasWordRune(word) {
					tokens = append(tokens, word)
				}
			}
		case isWordRune(r):
			for j < len(runes) && isWordRune(runes[j]) {
				j++
			}
			tokens = append(tokens, string(runes[i:j]))
		}
		i = j
	}
	return tokens
}

func isWordRune(r rune) bool {
	if unicode.Is(unicode.Han, r) {
		return false
	}
	return unicode.IsLetter(r) || unicode.IsDigit(r)
}

func hasWordRune(s string) bool {
	for _, r := range s {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			return true
		}
	}
	return false
}
