package tokenizer

import (
	"strings"
	"unicode"
)

// DefaultMinLength is the shortest token kept when indexing documents.
// Queries use 1 so that very short terms still drive prefix scans.
const DefaultMinLength = 2

// punctuation splits words in addition to whitespace.
const punctuation = `.,;:!?()[]{}<>"'/\|-=+*&^%$#@~` + "`"

type Tokenizer struct {
	StopWords map[string]bool
	Noise     map[string]bool
	minLength int
}

func NewTokenizer() *Tokenizer {
	return &Tokenizer{
		StopWords: defaultStopWords(),
		Noise:     defaultNoiseWords(),
		minLength: DefaultMinLength,
	}
}

// WithMinLength returns a copy of t that keeps tokens of at least n runes.
func (t *Tokenizer) WithMinLength(n int) *Tokenizer {
	if n < 1 {
		n = 1
	}
	return &Tokenizer{
		StopWords: t.StopWords,
		Noise:     t.Noise,
		minLength: n,
	}
}

// Tokenize lower-cases text, splits it and drops tokens that are too short,
// purely numeric, keyword noise or stop words. Order is preserved.
func (t *Tokenizer) Tokenize(text string) []string {
	words := t.split(t.normalize(text))

	tokens := make([]string, 0, len(words))
	for _, word := range words {
		word = strip(word)
		if word == "" {
			continue
		}

		if len([]rune(word)) < t.minLength {
			continue
		}

		if !t.IsValidToken(word) {
			continue
		}

		if t.Noise[word] || t.StopWords[word] {
			continue
		}

		tokens = append(tokens, word)
	}
	return tokens
}

func (t *Tokenizer) normalize(text string) string {
	text = strings.ToLower(text)

	text = strings.ReplaceAll(text, "&nbsp;", " ")
	text = strings.ReplaceAll(text, "&amp;", " ")
	text = strings.ReplaceAll(text, "&lt;", " ")
	text = strings.ReplaceAll(text, "&gt;", " ")

	return text
}

func (t *Tokenizer) split(text string) []string {
	return strings.FieldsFunc(text, func(r rune) bool {
		return unicode.IsSpace(r) || strings.ContainsRune(punctuation, r)
	})
}

// IsValidToken reports whether word carries at least one letter.
func (t *Tokenizer) IsValidToken(word string) bool {
	for _, r := range word {
		if unicode.IsLetter(r) {
			return true
		}
	}
	return false
}

func isWordRune(r rune) bool {
	return unicode.IsLetter(r) || unicode.IsDigit(r) || r == '_'
}

// strip trims leading and trailing non-word runes.
func strip(word string) string {
	return strings.TrimFunc(word, func(r rune) bool { return !isWordRune(r) })
}

// defaultNoiseWords are programming keywords that flood code samples in docs.
func defaultNoiseWords() map[string]bool {
	words := []string{
		"const", "let", "var", "function", "return", "import", "export",
		"from", "default", "async", "await", "new", "null", "undefined",
		"true", "false", "typeof", "void",
	}

	noise := make(map[string]bool, len(words))
	for _, word := range words {
		noise[word] = true
	}
	return noise
}

func defaultStopWords() map[string]bool {
	words := []string{
		// Articles
		"a", "an", "the",

		// Pronouns
		"i", "me", "my", "myself", "we", "our", "ours", "ourselves",
		"you", "your", "yours", "yourself", "yourselves",
		"he", "him", "his", "himself", "she", "her", "hers", "herself",
		"it", "its", "itself", "they", "them", "their", "theirs", "themselves",

		// Prepositions
		"of", "at", "by", "for", "with", "about", "against", "between",
		"into", "through", "during", "before", "after", "above", "below",
		"to", "up", "down", "in", "out", "on", "off", "over", "under",

		// Conjunctions
		"and", "or", "but", "if", "while", "because", "as", "until",
		"than", "so", "nor", "yet",

		// Common verbs
		"is", "am", "are", "was", "were", "be", "been", "being",
		"have", "has", "had", "having",
		"do", "does", "did", "doing",
		"will", "would", "should", "could", "can", "may", "might", "must",

		// Other common words
		"this", "that", "these", "those",
		"what", "which", "who", "whom", "whose", "when", "where", "why", "how",
		"all", "each", "every", "both", "few", "more", "most", "other", "some", "such",
		"no", "not", "only", "own", "same", "then", "there", "too", "very",
	}

	stopWords := make(map[string]bool, len(words))
	for _, word := range words {
		stopWords[word] = true
	}
	return stopWords
}
