package search

import (
	"context"
	"fmt"
	"sort"
	"strings"

	slogctx "github.com/veqryn/slog-context"
	"golang.org/x/sync/errgroup"

	"github.com/deidaraiorek/offlinesite/internal/storage"
	"github.com/deidaraiorek/offlinesite/internal/textprocessor"
)

const (
	// TitlePrefixLimit caps the "title starts with query" lookup.
	TitlePrefixLimit = 5
	// CandidateLimit is how many top-scored documents are loaded.
	CandidateLimit = 100
	// ResultLimit is the maximum number of results returned.
	ResultLimit = 50

	// TitlePrefixBoost is added to documents whose title starts with the query.
	TitlePrefixBoost = 1e9
)

// Precision boosts applied after documents are loaded, outside phrase mode.
const (
	exactTitleFactor = 200
	exactTitleBonus  = 10000
	titleFactor      = 100
	titleBonus       = 5000
	bodyFactor       = 50
	bodyBonus        = 2000
)

type Result struct {
	URL         string  `json:"url"`
	Title       string  `json:"title"`
	Score       float64 `json:"score"`
	ParentTitle string  `json:"parentTitle,omitempty"`
}

type Response struct {
	SearchResults    []Result `json:"searchResults"`
	TotalResultCount int      `json:"totalResultCount"`
}

// Engine answers free-text queries from the index. Reads rely on the
// store's snapshot isolation; Engine itself holds no mutable state.
type Engine struct {
	db        *storage.IndexDB
	processor *textprocessor.TextProcessor
}

func NewEngine(db *storage.IndexDB) *Engine {
	return &Engine{
		db:        db,
		processor: textprocessor.NewTextProcessor().WithMinLength(1),
	}
}

type query struct {
	text   string // lower-cased, quotes removed
	phrase bool
	tokens []string
}

func (e *Engine) parse(queryText string) query {
	text := strings.TrimSpace(queryText)

	phrase := false
	if len(text) >= 2 && strings.HasPrefix(text, `"`) && strings.HasSuffix(text, `"`) {
		phrase = true
		text = strings.TrimSpace(text[1 : len(text)-1])
	}
	text = strings.ToLower(text)

	seen := make(map[string]bool)
	var tokens []string
	for _, token := range e.processor.Process(text) {
		if !seen[token] {
			seen[token] = true
			tokens = append(tokens, token)
		}
	}

	return query{text: text, phrase: phrase, tokens: tokens}
}

// Search returns up to ResultLimit results ranked by score. Quoted queries
// only match documents containing the literal phrase.
func (e *Engine) Search(ctx context.Context, queryText string) (*Response, error) {
	q := e.parse(queryText)
	if q.text == "" {
		return &Response{SearchResults: []Result{}}, nil
	}

	ctx = slogctx.Append(ctx, "query", q.text)

	perToken, titleIDs, err := e.scan(ctx, q)
	if err != nil {
		return nil, err
	}

	scores := aggregate(perToken, titleIDs)
	candidates := topCandidates(scores, CandidateLimit)

	docs, err := e.db.GetDocuments(ctx, candidates)
	if err != nil {
		return nil, err
	}

	results := make([]ranked, 0, len(candidates))
	for _, id := range candidates {
		doc, ok := docs[id]
		if !ok || doc.Title == "" || doc.URL == "" {
			continue
		}

		score := scores[id]
		if q.phrase {
			if !strings.Contains(doc.LowerTitle, q.text) && !strings.Contains(doc.Body, q.text) {
				continue
			}
		} else {
			score = boost(score, doc, q.text)
		}

		results = append(results, ranked{id: id, score: score, doc: doc})
	}

	sortRanked(results)

	total := len(scores)
	if q.phrase {
		total = len(results)
	}

	if len(results) > ResultLimit {
		results = results[:ResultLimit]
	}

	response := &Response{
		SearchResults:    make([]Result, len(results)),
		TotalResultCount: total,
	}
	for i, r := range results {
		response.SearchResults[i] = Result{
			URL:         r.doc.URL,
			Title:       r.doc.Title,
			Score:       r.score,
			ParentTitle: r.doc.ParentTitle,
		}
	}

	slogctx.Debug(ctx, "search complete", "tokens", len(q.tokens), "phrase", q.phrase, "total", total)
	return response, nil
}

// scan runs one posting range scan per token plus the title-prefix lookup,
// all concurrently.
func (e *Engine) scan(ctx context.Context, q query) ([][]storage.Posting, []int64, error) {
	g, gctx := errgroup.WithContext(ctx)

	perToken := make([][]storage.Posting, len(q.tokens))
	for i, token := range q.tokens {
		lower, upper := tokenRange(token, q.phrase)
		g.Go(func() error {
			postings, err := e.db.ScanPostings(gctx, lower, upper)
			if err != nil {
				return fmt.Errorf("scan %q: %w", token, err)
			}
			perToken[i] = postings
			return nil
		})
	}

	var titleIDs []int64
	g.Go(func() error {
		ids, err := e.db.DocumentIDsByTitlePrefix(gctx, q.text, TitlePrefixLimit)
		if err != nil {
			return err
		}
		titleIDs = ids
		return nil
	})

	if err := g.Wait(); err != nil {
		return nil, nil, err
	}
	return perToken, titleIDs, nil
}

// tokenRange bounds the postings for token. Exact mode stops at token
// itself; prefix mode extends to every token that starts with it.
func tokenRange(token string, exact bool) (storage.Key, storage.Key) {
	lower := storage.Key{Token: token, DocID: storage.MinDocID}
	upper := storage.Key{Token: token + storage.HighSentinel, DocID: storage.MaxDocID}
	if exact {
		upper.Token = token
	}
	return lower, upper
}

// aggregate sums each document's scores per query token, folds the
// per-token sums with Combine and adds TitlePrefixBoost for title matches.
func aggregate(perToken [][]storage.Posting, titleIDs []int64) map[int64]float64 {
	byDoc := make(map[int64][]float64)
	for i, postings := range perToken {
		for _, p := range postings {
			sums, ok := byDoc[p.DocID]
			if !ok {
				sums = make([]float64, len(perToken))
				byDoc[p.DocID] = sums
			}
			sums[i] += float64(p.Score)
		}
	}

	scores := make(map[int64]float64, len(byDoc)+len(titleIDs))
	for id, sums := range byDoc {
		var total float64
		for _, s := range sums {
			if s > 0 {
				total = Combine(total, s)
			}
		}
		scores[id] = total
	}

	for _, id := range titleIDs {
		scores[id] += TitlePrefixBoost
	}
	return scores
}

// Combine folds score into a running total as a soft OR: a zero total is
// the empty combination, and every further positive score increases it.
func Combine(total, score float64) float64 {
	return score + total + score*total
}

func boost(score float64, doc storage.Document, text string) float64 {
	if doc.LowerTitle == text {
		score = score*exactTitleFactor + exactTitleBonus
	} else if strings.Contains(doc.LowerTitle, text) {
		score = score*titleFactor + titleBonus
	}

	if strings.Contains(doc.Body, text) {
		score = score*bodyFactor + bodyBonus
	}
	return score
}

type ranked struct {
	id    int64
	score float64
	doc   storage.Document
}

// sortRanked orders by score descending; equal scores keep document id order.
func sortRanked(results []ranked) {
	sort.SliceStable(results, func(i, j int) bool {
		if results[i].score != results[j].score {
			return results[i].score > results[j].score
		}
		return results[i].id < results[j].id
	})
}

func topCandidates(scores map[int64]float64, limit int) []int64 {
	list := make([]ranked, 0, len(scores))
	for id, score := range scores {
		list = append(list, ranked{id: id, score: score})
	}
	sortRanked(list)

	if len(list) > limit {
		list = list[:limit]
	}

	ids := make([]int64, len(list))
	for i, r := range list {
		ids[i] = r.id
	}
	return ids
}
