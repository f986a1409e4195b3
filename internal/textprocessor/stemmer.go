package textprocessor

import (
	"unicode/utf8"

	"github.com/kljensen/snowball"
)

const (
	// minStemInput is the shortest word handed to the stemmer.
	minStemInput = 4
	// minStemResult rejects stems that would collapse a word below this length.
	minStemResult = 3
)

type Stemmer struct{}

func NewStemmer() *Stemmer {
	return &Stemmer{}
}

// Stem strips English suffixes longest-first. Short words and stems that
// would fall under minStemResult runes are returned unchanged.
func (s *Stemmer) Stem(word string) string {
	if utf8.RuneCountInString(word) < minStemInput {
		return word
	}

	stemmed, err := snowball.Stem(word, "english", true)
	if err != nil || utf8.RuneCountInString(stemmed) < minStemResult {
		return word
	}
	return stemmed
}

func (s *Stemmer) StemBatch(words []string) []string {
	stemmed := make([]string, len(words))
	for i, word := range words {
		stemmed[i] = s.Stem(word)
	}
	return stemmed
}
