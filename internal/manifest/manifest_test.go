package manifest

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/deidaraiorek/offlinesite/internal/fetcher"
)

const sitemapXML = `<?xml version="1.0" encoding="UTF-8"?>
<urlset xmlns="http://www.sitemaps.org/schemas/sitemap/0.9">
  <url><loc>https://example.com/</loc></url>
  <url><loc>https://example.com/docs</loc></url>
</urlset>`

func mustURL(t *testing.T, raw string) *url.URL {
	t.Helper()
	u, err := url.Parse(raw)
	require.NoError(t, err)
	return u
}

func TestParseJSON(t *testing.T) {
	m, err := Parse([]byte(`{"routes":["/","/docs"],"assets":["/logo.png"]}`), false)
	require.NoError(t, err)
	assert.Equal(t, []string{"/", "/docs"}, m.Routes)
	assert.Equal(t, []string{"/logo.png"}, m.Assets)
}

func TestParseErrors(t *testing.T) {
	_, err := Parse([]byte("   "), false)
	assert.ErrorIs(t, err, ErrEmpty)

	_, err = Parse([]byte("{not json"), false)
	assert.Error(t, err)
}

func TestParseSitemap(t *testing.T) {
	m, err := Parse([]byte(sitemapXML), true)
	require.NoError(t, err)
	assert.Equal(t, []string{"https://example.com/", "https://example.com/docs"}, m.Routes)
	assert.Empty(t, m.Sitemaps)
}

func TestResolveDeduplicates(t *testing.T) {
	m := &Manifest{
		Routes: []string{"/", "https://example.com/", "/docs", "docs", "/docs#top"},
		Assets: []string{"/logo.png", "https://example.com/logo.png", "mailto:x@example.com"},
	}

	got := m.Resolve(context.Background(), mustURL(t, "https://example.com"))

	assert.Equal(t, []string{
		"https://example.com/",
		"https://example.com/docs",
		"https://example.com/logo.png",
	}, got)
}

func TestIsXML(t *testing.T) {
	assert.True(t, IsXML("https://example.com/sitemap.xml", ""))
	assert.True(t, IsXML("https://example.com/manifest", "application/xml"))
	assert.True(t, IsXML("https://example.com/manifest", "text/xml"))
	assert.False(t, IsXML("https://example.com/offline-manifest.json", "application/json"))
}

func TestLoadJSON(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/offline-manifest.json", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"routes":["/"],"assets":["/logo.png"]}`))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	origin := mustURL(t, srv.URL)
	urls, err := Load(context.Background(), fetcher.New(fetcher.Options{}), "/offline-manifest.json", origin)
	require.NoError(t, err)
	assert.Equal(t, []string{srv.URL + "/", srv.URL + "/logo.png"}, urls)
}

func TestLoadSitemapIndex(t *testing.T) {
	mux := http.NewServeMux()
	var srv *httptest.Server
	mux.HandleFunc("/sitemap.xml", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`<?xml version="1.0" encoding="UTF-8"?>
<sitemapindex xmlns="http://www.sitemaps.org/schemas/sitemap/0.9">
  <sitemap><loc>` + srv.URL + `/pages.xml</loc></sitemap>
</sitemapindex>`))
	})
	mux.HandleFunc("/pages.xml", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`<?xml version="1.0" encoding="UTF-8"?>
<urlset xmlns="http://www.sitemaps.org/schemas/sitemap/0.9">
  <url><loc>` + srv.URL + `/a</loc></url>
  <url><loc>/b</loc></url>
</urlset>`))
	})
	srv = httptest.NewServer(mux)
	defer srv.Close()

	urls, err := Load(context.Background(), fetcher.New(fetcher.Options{}), srv.URL+"/sitemap.xml", mustURL(t, srv.URL))
	require.NoError(t, err)
	assert.Equal(t, []string{srv.URL + "/a", srv.URL + "/b"}, urls)
}

func TestLoadFailures(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/broken.json", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("{"))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	f := fetcher.New(fetcher.Options{})
	origin := mustURL(t, srv.URL)

	_, err := Load(context.Background(), f, "/missing.json", origin)
	assert.Error(t, err)

	_, err = Load(context.Background(), f, "/broken.json", origin)
	assert.Error(t, err)
}
