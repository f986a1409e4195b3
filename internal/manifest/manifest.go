package manifest

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"path"
	"strings"

	sitemap "github.com/oxffaa/gopher-parse-sitemap"
	slogctx "github.com/veqryn/slog-context"

	"github.com/deidaraiorek/offlinesite/internal/cachestore"
	"github.com/deidaraiorek/offlinesite/internal/parser"
)

var ErrEmpty = errors.New("manifest is empty")

// Manifest lists the URLs the warmer should cache. Entries may be absolute
// or relative to the application origin.
type Manifest struct {
	Routes []string `json:"routes"`
	Assets []string `json:"assets"`

	// Sitemaps holds child sitemaps named by a sitemap index.
	Sitemaps []string `json:"-"`
}

type Getter interface {
	Fetch(ctx context.Context, url string) (*cachestore.Response, error)
}

// Parse decodes a JSON manifest, or a sitemap when isXML is set.
func Parse(data []byte, isXML bool) (*Manifest, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, ErrEmpty
	}
	if isXML {
		return parseSitemap(data)
	}

	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("decode manifest: %w", err)
	}
	return &m, nil
}

func parseSitemap(data []byte) (*Manifest, error) {
	var m Manifest

	err := sitemap.Parse(bytes.NewReader(data), func(entry sitemap.Entry) error {
		m.Routes = append(m.Routes, entry.GetLocation())
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("decode sitemap: %w", err)
	}

	err = sitemap.ParseIndex(bytes.NewReader(data), func(entry sitemap.IndexEntry) error {
		m.Sitemaps = append(m.Sitemaps, entry.GetLocation())
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("decode sitemap index: %w", err)
	}

	return &m, nil
}

// IsXML reports whether a manifest served from manifestURL with the given
// media type is a sitemap.
func IsXML(manifestURL, contentType string) bool {
	if strings.HasPrefix(contentType, "application/xml") || strings.HasPrefix(contentType, "text/xml") {
		return true
	}
	u, err := url.Parse(manifestURL)
	if err != nil {
		return false
	}
	return strings.EqualFold(path.Ext(u.Path), ".xml")
}

// Resolve merges routes and assets into one deduplicated list of absolute
// URLs, in manifest order. Relative entries resolve against origin, so
// "/logo.png" and "https://origin/logo.png" are the same entry. Entries
// that cannot be resolved are skipped.
func (m *Manifest) Resolve(ctx context.Context, origin *url.URL) []string {
	seen := make(map[string]bool)
	var urls []string

	for _, entry := range append(append([]string{}, m.Routes...), m.Assets...) {
		resolved, err := parser.ResolveURL(origin, entry)
		if err != nil {
			slogctx.Debug(ctx, "skipping manifest entry", "entry", entry, "error", err)
			continue
		}
		if !seen[resolved] {
			seen[resolved] = true
			urls = append(urls, resolved)
		}
	}
	return urls
}

// Load fetches the manifest at manifestURL and returns its resolved URL
// set. A sitemap index is followed one level deep.
func Load(ctx context.Context, getter Getter, manifestURL string, origin *url.URL) ([]string, error) {
	source, err := parser.ResolveURL(origin, manifestURL)
	if err != nil {
		return nil, fmt.Errorf("manifest url: %w", err)
	}

	m, err := fetch(ctx, getter, source)
	if err != nil {
		return nil, err
	}

	for _, child := range m.Sitemaps {
		childURL, err := parser.ResolveURL(origin, child)
		if err != nil {
			return nil, fmt.Errorf("sitemap %q: %w", child, err)
		}
		sub, err := fetch(ctx, getter, childURL)
		if err != nil {
			return nil, err
		}
		m.Routes = append(m.Routes, sub.Routes...)
		m.Assets = append(m.Assets, sub.Assets...)
	}

	return m.Resolve(ctx, origin), nil
}

func fetch(ctx context.Context, getter Getter, manifestURL string) (*Manifest, error) {
	resp, err := getter.Fetch(ctx, manifestURL)
	if err != nil {
		return nil, fmt.Errorf("fetch manifest: %w", err)
	}
	if !resp.OK() {
		return nil, fmt.Errorf("fetch manifest %s: status %d", manifestURL, resp.Status)
	}

	m, err := Parse(resp.Body, IsXML(manifestURL, resp.ContentType()))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", manifestURL, err)
	}
	return m, nil
}
