package search_test

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/deidaraiorek/offlinesite/internal/indexer"
	"github.com/deidaraiorek/offlinesite/internal/search"
	"github.com/deidaraiorek/offlinesite/internal/storage"
)

type fixture struct {
	engine     *search.Engine
	maintainer *indexer.Maintainer
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	db, err := storage.NewIndexDB(filepath.Join(t.TempDir(), "index.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	return &fixture{
		engine:     search.NewEngine(db),
		maintainer: indexer.NewMaintainer(db),
	}
}

func (f *fixture) upsert(t *testing.T, url, title, body string) {
	t.Helper()
	require.NoError(t, f.maintainer.Upsert(context.Background(), url, title, body, ""))
}

func (f *fixture) search(t *testing.T, q string) *search.Response {
	t.Helper()
	resp, err := f.engine.Search(context.Background(), q)
	require.NoError(t, err)
	return resp
}

func urls(resp *search.Response) []string {
	out := make([]string, len(resp.SearchResults))
	for i, r := range resp.SearchResults {
		out[i] = r.URL
	}
	return out
}

func TestSearchEmptyQuery(t *testing.T) {
	f := newFixture(t)
	f.upsert(t, "/a", "Offline Sync", "sync your data")

	for _, q := range []string{"", "   ", "\t\n", `""`} {
		resp := f.search(t, q)
		assert.NotNil(t, resp.SearchResults)
		assert.Empty(t, resp.SearchResults, "query %q", q)
		assert.Zero(t, resp.TotalResultCount)
	}
}

func TestSearchTitleMatchRanksFirst(t *testing.T) {
	f := newFixture(t)
	f.upsert(t, "/a", "Offline Sync", "sync your data")
	f.upsert(t, "/b", "Billing", "invoices and sync")

	resp := f.search(t, "sync")

	assert.Equal(t, []string{"/a", "/b"}, urls(resp))
	assert.Equal(t, 2, resp.TotalResultCount)
	assert.Greater(t, resp.SearchResults[0].Score, resp.SearchResults[1].Score)
}

func TestSearchAfterUpdate(t *testing.T) {
	f := newFixture(t)
	f.upsert(t, "/a", "Offline Sync", "sync your data")
	f.upsert(t, "/a", "Offline Sync v2", "totally different text")

	assert.NotContains(t, urls(f.search(t, "data")), "/a")
	assert.Contains(t, urls(f.search(t, "different")), "/a")
}

func TestSearchRoundTrip(t *testing.T) {
	f := newFixture(t)

	titles := []string{"Offline Sync", "Getting Started", "The Billing FAQ", "Conflict resolution in depth"}
	for i, title := range titles {
		f.upsert(t, fmt.Sprintf("/page/%d", i), title, "some shared body text")
	}

	for i, title := range titles {
		resp := f.search(t, title)
		require.NotEmpty(t, resp.SearchResults, "query %q", title)

		found := false
		for _, r := range resp.SearchResults {
			if r.URL == fmt.Sprintf("/page/%d", i) {
				found = true
				assert.Equal(t, title, r.Title)
			}
		}
		assert.True(t, found, "query %q did not return its own page", title)
	}
}

func TestSearchAfterDelete(t *testing.T) {
	f := newFixture(t)
	f.upsert(t, "/gone", "Ephemeral", "xylophone quartet")
	f.upsert(t, "/kept", "Permanent", "violin quartet")

	require.NoError(t, f.maintainer.Delete(context.Background(), "/gone"))

	assert.Empty(t, f.search(t, "xylophone").SearchResults)
	assert.Equal(t, []string{"/kept"}, urls(f.search(t, "quartet")))
}

func TestSearchPrefixMatching(t *testing.T) {
	f := newFixture(t)
	f.upsert(t, "/sync", "Syncing", "background synchronization")
	f.upsert(t, "/other", "Other", "nothing related")

	assert.Equal(t, []string{"/sync"}, urls(f.search(t, "syn")))
	assert.Equal(t, []string{"/sync"}, urls(f.search(t, "synchronization")))
}

func TestSearchPhrase(t *testing.T) {
	f := newFixture(t)
	f.upsert(t, "/hit", "Guide", "this has the exact phrase inside")
	f.upsert(t, "/title-hit", "An exact phrase title", "unrelated body")
	f.upsert(t, "/miss", "Guide two", "exact wording and a phrase elsewhere")

	resp := f.search(t, `"exact phrase"`)

	assert.ElementsMatch(t, []string{"/hit", "/title-hit"}, urls(resp))
	assert.Equal(t, 2, resp.TotalResultCount)
	for _, r := range resp.SearchResults {
		assert.NotEqual(t, "/miss", r.URL)
	}
}

func TestSearchExcludesUntitledDocuments(t *testing.T) {
	f := newFixture(t)
	f.upsert(t, "/untitled", "", "kettlebell routine")
	f.upsert(t, "/titled", "Workouts", "kettlebell basics")

	resp := f.search(t, "kettlebell")

	assert.Equal(t, []string{"/titled"}, urls(resp))
	assert.Equal(t, 2, resp.TotalResultCount, "non-phrase totals count every scored document")
}

func TestSearchTiesKeepInsertionOrder(t *testing.T) {
	f := newFixture(t)
	f.upsert(t, "/first", "Twin", "identical body")
	f.upsert(t, "/second", "Twin", "identical body")

	assert.Equal(t, []string{"/first", "/second"}, urls(f.search(t, "identical")))
}

func TestSearchTruncatesResults(t *testing.T) {
	f := newFixture(t)
	for i := 0; i < search.ResultLimit+10; i++ {
		f.upsert(t, fmt.Sprintf("/w/%02d", i), fmt.Sprintf("Widget %d", i), "widget catalog entry")
	}

	resp := f.search(t, "catalog")

	assert.Len(t, resp.SearchResults, search.ResultLimit)
	assert.Equal(t, search.ResultLimit+10, resp.TotalResultCount)
}

func TestCombine(t *testing.T) {
	values := []float64{0.5, 1, 2, 3, 10, 250}

	for _, a := range values {
		for _, b := range values {
			ab := search.Combine(a, search.Combine(0, b))
			assert.GreaterOrEqual(t, ab, max(a, b), "combine(%v, %v)", a, b)
			assert.Equal(t, search.Combine(a, b), search.Combine(b, a), "commutative for %v, %v", a, b)
		}
		assert.Equal(t, a, search.Combine(0, a), "empty total is identity")
	}
}
