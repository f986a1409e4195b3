package textprocessor

import (
	"github.com/deidaraiorek/offlinesite/internal/tokenizer"
)

// MaxTokenLength caps stored tokens; longer stems are truncated, not dropped.
const MaxTokenLength = 20

// TextProcessor turns free text into normalized, stemmed index terms.
// It holds no mutable state and is safe for concurrent use.
type TextProcessor struct {
	tokenizer *tokenizer.Tokenizer
	stemmer   *Stemmer
}

func NewTextProcessor() *TextProcessor {
	return &TextProcessor{
		tokenizer: tokenizer.NewTokenizer(),
		stemmer:   NewStemmer(),
	}
}

// WithMinLength returns a processor whose tokenizer keeps tokens of at
// least n runes. Queries use 1.
func (tp *TextProcessor) WithMinLength(n int) *TextProcessor {
	return &TextProcessor{
		tokenizer: tp.tokenizer.WithMinLength(n),
		stemmer:   tp.stemmer,
	}
}

func (tp *TextProcessor) Process(text string) []string {
	stems := tp.stemmer.StemBatch(tp.tokenizer.Tokenize(text))

	terms := make([]string, 0, len(stems))
	for _, stem := range stems {
		term := truncate(stem, MaxTokenLength)
		if tp.tokenizer.StopWords[term] {
			continue
		}
		terms = append(terms, term)
	}
	return terms
}

func (tp *TextProcessor) ProcessToFrequency(text string) map[string]int {
	terms := tp.Process(text)

	freq := make(map[string]int, len(terms))
	for _, term := range terms {
		freq[term]++
	}
	return freq
}

type DocumentFields struct {
	Title string
	Body  string
}

type ProcessedDocument struct {
	TermFrequencies map[string]int
	TotalTerms      int
	UniqueTerms     int
}

// ProcessDocument indexes title and body as one text, title first.
func (tp *TextProcessor) ProcessDocument(doc DocumentFields) ProcessedDocument {
	termFreq := tp.ProcessToFrequency(doc.Title + " " + doc.Body)

	totalTerms := 0
	for _, freq := range termFreq {
		totalTerms += freq
	}

	return ProcessedDocument{
		TermFrequencies: termFreq,
		TotalTerms:      totalTerms,
		UniqueTerms:     len(termFreq),
	}
}

func truncate(term string, max int) string {
	runes := []rune(term)
	if len(runes) <= max {
		return term
	}
	return string(runes[:max])
}
