package ingest

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"

	slogctx "github.com/veqryn/slog-context"

	"github.com/deidaraiorek/offlinesite/internal/cachestore"
	"github.com/deidaraiorek/offlinesite/internal/indexer"
	"github.com/deidaraiorek/offlinesite/internal/parser"
)

const htmlContentType = "text/html"

type Stats struct {
	Pages   int
	Indexed int
	Skipped int
	Removed int
}

// Ingester indexes the HTML pages held in the response cache.
type Ingester struct {
	cache      *cachestore.Store
	maintainer *indexer.Maintainer
	parser     *parser.Parser
}

func New(cache *cachestore.Store, maintainer *indexer.Maintainer) *Ingester {
	return &Ingester{
		cache:      cache,
		maintainer: maintainer,
		parser:     parser.New(),
	}
}

type page struct {
	key    string // path and query, the document url
	parsed *parser.Page
	path   string
}

// Run parses every cached HTML page and upserts it. A page's parent title
// is the heading (or title) of the page one path segment above it.
// Unreadable pages are skipped; index errors stop the run. Documents whose
// page is no longer cached, or no longer readable, are removed afterwards.
func (i *Ingester) Run(ctx context.Context) (Stats, error) {
	urls, err := i.cache.URLs(ctx, htmlContentType)
	if err != nil {
		return Stats{}, fmt.Errorf("list cached pages: %w", err)
	}

	stats := Stats{Pages: len(urls)}
	pages := make([]page, 0, len(urls))
	byPath := make(map[string]*parser.Page, len(urls))

	for _, raw := range urls {
		p, err := i.load(ctx, raw)
		if err != nil {
			stats.Skipped++
			slogctx.Warn(ctx, "skipping cached page", "url", raw, "error", err)
			continue
		}
		pages = append(pages, *p)
		byPath[p.path] = p.parsed
	}

	for _, p := range pages {
		parentTitle := ""
		if parent, ok := byPath[parser.ParentPath(p.path)]; ok {
			parentTitle = parent.Heading
			if parentTitle == "" {
				parentTitle = parent.Title
			}
		}

		if err := i.maintainer.Upsert(ctx, p.key, p.parsed.Title, p.parsed.Body, parentTitle); err != nil {
			return stats, err
		}
		stats.Indexed++
	}

	removed, err := i.prune(ctx, pages)
	stats.Removed = removed
	if err != nil {
		return stats, err
	}

	slogctx.Info(ctx, "ingest complete",
		"pages", stats.Pages, "indexed", stats.Indexed, "skipped", stats.Skipped, "removed", stats.Removed)
	return stats, nil
}

// prune removes indexed documents that belong to none of pages. Section
// urls ("/docs#setup") stay as long as their page does.
func (i *Ingester) prune(ctx context.Context, pages []page) (int, error) {
	keep := make(map[string]bool, len(pages))
	for _, p := range pages {
		keep[p.key] = true
	}

	indexed, err := i.maintainer.URLs(ctx)
	if err != nil {
		return 0, fmt.Errorf("list indexed documents: %w", err)
	}

	removed := 0
	for _, u := range indexed {
		pageKey, _, _ := strings.Cut(u, "#")
		if keep[pageKey] {
			continue
		}
		if err := i.maintainer.Remove(ctx, u); err != nil {
			return removed, err
		}
		removed++
	}
	return removed, nil
}

var errNotOK = errors.New("cached response is not a success")

func (i *Ingester) load(ctx context.Context, raw string) (*page, error) {
	resp, err := i.cache.Match(ctx, raw)
	if err != nil {
		return nil, err
	}
	if !resp.OK() {
		return nil, fmt.Errorf("%w: status %d", errNotOK, resp.Status)
	}

	u, err := url.Parse(raw)
	if err != nil {
		return nil, err
	}

	parsed, err := i.parser.Parse(resp.Body, raw)
	if err != nil {
		return nil, err
	}

	return &page{key: u.RequestURI(), parsed: parsed, path: u.Path}, nil
}
