package llm

import (
	"fmt"
	"strings"

	"XueXinwen/internal/domain"
)

const (
	opSimplify = "simplify"
	opEntities = "extract_entities"
	opTagWords = "tag_words"
)

const simplifySystem = `You rewrite Mandarin news paragraphs for language learners.
Keep every fact, name, number and date. Use only vocabulary and grammar a learner at the target CEFR level can read.
Keep the written form (traditional or simplified) of the input.
Return only the rewritten paragraph, with no explanation, title or quotes.`

const entitiesSystem = `You extract named entities from Mandarin news text.
Return only a JSON array. Each item: {"word": entity exactly as written in the Chinese text, "type": one of "person","place","organization","other", "english": short English gloss, with role or title for people}.`

const tagWordsSystem = `You classify Mandarin words by CEFR level.
Return only a JSON object mapping every input word to one of "A1","A2","B1","B2","C1","C2".`

var levelGuidance = map[domain.Level]string{
	domain.LevelA1: "very basic high-frequency words, short simple sentences, concrete everyday topics",
	domain.LevelA2: "basic vocabulary, short clear sentences, simple connectors such as 和, 但是, 因為",
	domain.LevelB1: "common vocabulary, clear paragraph flow, some varied sentence patterns and common idioms",
	domain.LevelB2: "varied vocabulary, complex ideas explained plainly, technical terms explained when used",
	domain.LevelC1: "rich vocabulary close to the original, only the rarest terms paraphrased",
	domain.LevelC2: "near-native register, paraphrase only obscure literary or technical expressions",
}

func simplifyPrompt(text string, level domain.Level) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Target level: %s", level)
	if g, ok := levelGuidance[level]; ok {
		fmt.Fprintf(&b, " (%s)", g)
	}
	b.WriteString("\n\nParagraph:\n")
	b.WriteString(text)
	return b.String()
}

func entitiesPrompt(mandarin, english string) string {
	var b strings.Builder
	b.WriteString("Chinese text:\n")
	b.WriteString(mandarin)
	if strings.TrimSpace(english) != "" {
		b.WriteString("\n\nEnglish text (for reference):\n")
		b.WriteString(english)
	}
	return b.String()
}

func tagWordsPrompt(words []string) string {
	return "Words: " + strings.Join(words, ", ")
}
