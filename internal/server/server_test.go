package server

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/deidaraiorek/offlinesite/internal/cachestore"
	"github.com/deidaraiorek/offlinesite/internal/fetcher"
	"github.com/deidaraiorek/offlinesite/internal/indexer"
	"github.com/deidaraiorek/offlinesite/internal/notify"
	"github.com/deidaraiorek/offlinesite/internal/router"
	"github.com/deidaraiorek/offlinesite/internal/search"
	"github.com/deidaraiorek/offlinesite/internal/status"
	"github.com/deidaraiorek/offlinesite/internal/storage"
)

type fakeWarmer struct {
	mu       sync.Mutex
	started  int
	cleared  int
	clearErr error
}

func (f *fakeWarmer) Start(ctx context.Context) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.started++
}

func (f *fakeWarmer) Clear(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cleared++
	return f.clearErr
}

type brokenStatus struct{}

func (brokenStatus) Get(ctx context.Context) (status.Record, error) {
	return status.Record{}, errors.New("disk I/O error")
}

func postControl(t *testing.T, handler http.Handler, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, Prefix+"/control", strings.NewReader(body))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func TestStatusNeverWarmed(t *testing.T) {
	store, err := status.New(filepath.Join(t.TempDir(), "cache.db"))
	require.NoError(t, err)
	defer store.Close()

	handler := New(Options{Status: store}).Handler()
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, Prefix+"/status", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	var got status.Record
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, status.RecordID, got.ID)
	assert.False(t, got.IsWarming)
	assert.False(t, got.IsReady)
	assert.Zero(t, got.Total)
}

func TestStatusReportsStoredRecord(t *testing.T) {
	store, err := status.New(filepath.Join(t.TempDir(), "cache.db"))
	require.NoError(t, err)
	defer store.Close()

	ctx := context.Background()
	started := time.Now().UTC()
	require.NoError(t, store.Put(ctx, status.Completed(&started, 4, 5, started)))

	handler := New(Options{Status: store}).Handler()
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, Prefix+"/status", nil))

	var got status.Record
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.True(t, got.IsReady)
	assert.Equal(t, 4, got.Cached)
	assert.Equal(t, 5, got.Total)
}

func TestStatusUnavailable(t *testing.T) {
	handler := New(Options{Status: brokenStatus{}}).Handler()
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, Prefix+"/status", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestControlMessages(t *testing.T) {
	warmer := &fakeWarmer{}
	handler := New(Options{Warmer: warmer}).Handler()

	assert.Equal(t, http.StatusAccepted, postControl(t, handler, `{"type":"prefetch-all"}`).Code)
	assert.Equal(t, http.StatusAccepted, postControl(t, handler, `{"type":"clear-cache"}`).Code)
	assert.Equal(t, http.StatusBadRequest, postControl(t, handler, `{"type":"reboot"}`).Code)
	assert.Equal(t, http.StatusBadRequest, postControl(t, handler, `not json`).Code)

	assert.Equal(t, 1, warmer.started)
	assert.Equal(t, 1, warmer.cleared)
}

func TestControlClearFailure(t *testing.T) {
	warmer := &fakeWarmer{clearErr: errors.New("database is locked")}
	handler := New(Options{Warmer: warmer}).Handler()
	assert.Equal(t, http.StatusInternalServerError, postControl(t, handler, `{"type":"clear-cache"}`).Code)
}

func TestControlWithoutWarmer(t *testing.T) {
	handler := New(Options{}).Handler()
	assert.Equal(t, http.StatusServiceUnavailable, postControl(t, handler, `{"type":"prefetch-all"}`).Code)
}

func TestEventsStream(t *testing.T) {
	hub := notify.NewHub()
	srv := httptest.NewServer(New(Options{Hub: hub}).Handler())
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+Prefix+"/events", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	event := notify.NewEvent(notify.ContentUpdated, "https://example.com/docs")
	assert.Equal(t, 1, hub.Publish(event))

	reader := bufio.NewReader(resp.Body)
	var lines []string
	for {
		line, err := reader.ReadString('\n')
		require.NoError(t, err)
		line = strings.TrimRight(line, "\n")
		if line == "" {
			break
		}
		lines = append(lines, line)
	}

	require.Len(t, lines, 3)
	assert.Equal(t, "id: "+event.ID, lines[0])
	assert.Equal(t, "event: content-updated", lines[1])

	var got notify.Event
	require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(lines[2], "data: ")), &got))
	assert.Equal(t, "https://example.com/docs", got.URL)
}

func TestSearch(t *testing.T) {
	ctx := context.Background()
	db, err := storage.NewIndexDB(filepath.Join(t.TempDir(), "index.db"))
	require.NoError(t, err)
	defer db.Close()

	require.NoError(t, indexer.NewMaintainer(db).Upsert(ctx, "/docs/sync", "Offline Sync", "Sync your data between devices", "Documentation"))

	handler := New(Options{Searcher: search.NewEngine(db)}).Handler()
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, Prefix+"/search?q=devices", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	var got search.Response
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	require.Len(t, got.SearchResults, 1)
	assert.Equal(t, "/docs/sync", got.SearchResults[0].URL)
	assert.Equal(t, 1, got.TotalResultCount)
}

func TestProxyServesOtherPaths(t *testing.T) {
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte("<h1>" + r.URL.Path + "</h1>"))
	}))
	defer origin.Close()
	originURL, err := url.Parse(origin.URL)
	require.NoError(t, err)

	cache, err := cachestore.New(filepath.Join(t.TempDir(), "cache.db"))
	require.NoError(t, err)
	defer cache.Close()

	rt, err := router.New(cache, fetcher.New(fetcher.Options{}), nil, router.Config{
		Origin: originURL,
		Rules:  []router.Rule{{Prefix: "/", Strategy: router.CacheFirst}},
	})
	require.NoError(t, err)

	handler := New(Options{Proxy: rt}).Handler()

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/docs/sync", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "<h1>/docs/sync</h1>", rec.Body.String())
	assert.Equal(t, string(router.FromNetwork), rec.Header().Get(router.SourceHeader))

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/docs/sync", nil))
	assert.Equal(t, string(router.FromCache), rec.Header().Get(router.SourceHeader))
}
