package router

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"sync"

	slogctx "github.com/veqryn/slog-context"

	"github.com/deidaraiorek/offlinesite/internal/cachestore"
	"github.com/deidaraiorek/offlinesite/internal/notify"
	"github.com/deidaraiorek/offlinesite/internal/parser"
)

var ErrNoResponse = errors.New("no cached or network response")

type Strategy string

const (
	CacheFirst           Strategy = "cache-first"
	StaleWhileRevalidate Strategy = "stale-while-revalidate"
	NetworkOnly          Strategy = "network-only"
)

func ParseStrategy(s string) (Strategy, error) {
	switch Strategy(s) {
	case CacheFirst, StaleWhileRevalidate, NetworkOnly:
		return Strategy(s), nil
	}
	return "", fmt.Errorf("unknown strategy %q", s)
}

// Source says where a served response came from.
type Source string

const (
	FromCache   Source = "cache"
	FromNetwork Source = "network"
	FromOffline Source = "offline-page"
)

// Rule applies Strategy to every path starting with Prefix.
type Rule struct {
	Prefix   string
	Strategy Strategy
}

type Cache interface {
	Match(ctx context.Context, url string) (*cachestore.Response, error)
	Put(ctx context.Context, resp *cachestore.Response) error
}

type Network interface {
	Do(req *http.Request) (*cachestore.Response, error)
}

type Config struct {
	Origin *url.URL
	Rules  []Rule
	// OfflinePage is served to navigations that miss the cache while the
	// network is down.
	OfflinePage string
}

// Router answers requests for the origin from the response cache, the
// network, or both, according to the routing table.
type Router struct {
	cache       Cache
	network     Network
	hub         *notify.Hub
	origin      *url.URL
	rules       []Rule
	offlinePage string

	revalidations sync.WaitGroup
}

func New(cache Cache, network Network, hub *notify.Hub, config Config) (*Router, error) {
	if config.Origin == nil {
		return nil, errors.New("router needs an origin")
	}
	if hub == nil {
		hub = notify.NewHub()
	}

	rules := append([]Rule(nil), config.Rules...)
	for _, rule := range rules {
		if _, err := ParseStrategy(string(rule.Strategy)); err != nil {
			return nil, fmt.Errorf("rule %q: %w", rule.Prefix, err)
		}
	}
	sort.SliceStable(rules, func(i, j int) bool {
		return len(rules[i].Prefix) > len(rules[j].Prefix)
	})

	r := &Router{
		cache:   cache,
		network: network,
		hub:     hub,
		origin:  config.Origin,
		rules:   rules,
	}

	if config.OfflinePage != "" {
		page, err := parser.ResolveURL(config.Origin, config.OfflinePage)
		if err != nil {
			return nil, fmt.Errorf("offline page: %w", err)
		}
		r.offlinePage = page
	}
	return r, nil
}

// StrategyFor returns the strategy of the longest rule prefix matching
// path, or NetworkOnly.
func (r *Router) StrategyFor(path string) Strategy {
	for _, rule := range r.rules {
		if strings.HasPrefix(path, rule.Prefix) {
			return rule.Strategy
		}
	}
	return NetworkOnly
}

// CacheKey is the absolute URL under which req's response is cached.
func (r *Router) CacheKey(req *http.Request) (string, error) {
	return parser.ResolveURL(r.origin, req.URL.RequestURI())
}

// Handle serves req with the strategy its path is routed to. Only GET
// requests are ever answered from or written to the cache.
func (r *Router) Handle(ctx context.Context, req *http.Request) (*cachestore.Response, Source, error) {
	strategy := r.StrategyFor(req.URL.Path)
	if req.Method != http.MethodGet {
		strategy = NetworkOnly
	}

	switch strategy {
	case CacheFirst:
		return r.CacheFirst(ctx, req)
	case StaleWhileRevalidate:
		return r.StaleWhileRevalidate(ctx, req)
	default:
		resp, err := r.fetch(ctx, req)
		if err != nil {
			return nil, "", err
		}
		return resp, FromNetwork, nil
	}
}

// CacheFirst returns the cached response when there is one. Otherwise it
// fetches, stores successful GET responses, and falls back to the offline
// page for navigations the network cannot serve.
func (r *Router) CacheFirst(ctx context.Context, req *http.Request) (*cachestore.Response, Source, error) {
	key, err := r.CacheKey(req)
	if err != nil {
		return nil, "", err
	}
	ctx = slogctx.Append(ctx, "url", key, "strategy", string(CacheFirst))

	if cached := r.match(ctx, key); cached != nil {
		return cached, FromCache, nil
	}

	resp, err := r.fetch(ctx, req)
	if err != nil {
		if IsNavigation(req) {
			if page := r.match(ctx, r.offlinePage); page != nil {
				slogctx.Debug(ctx, "serving offline page", "error", err)
				return page, FromOffline, nil
			}
		}
		return nil, "", err
	}

	r.store(ctx, req, key, resp)
	return resp, FromNetwork, nil
}

// StaleWhileRevalidate returns the cached response at once and refreshes
// it in the background. Without a cached copy the caller waits for the
// network.
func (r *Router) StaleWhileRevalidate(ctx context.Context, req *http.Request) (*cachestore.Response, Source, error) {
	key, err := r.CacheKey(req)
	if err != nil {
		return nil, "", err
	}
	ctx = slogctx.Append(ctx, "url", key, "strategy", string(StaleWhileRevalidate))

	if cached := r.match(ctx, key); cached != nil {
		r.revalidate(ctx, req, key, cached)
		return cached, FromCache, nil
	}

	resp, err := r.fetch(ctx, req)
	if err != nil {
		return nil, "", err
	}

	r.store(ctx, req, key, resp)
	return resp, FromNetwork, nil
}

// Wait blocks until background revalidations have finished.
func (r *Router) Wait() {
	r.revalidations.Wait()
}

func (r *Router) revalidate(ctx context.Context, req *http.Request, key string, cached *cachestore.Response) {
	ctx = context.WithoutCancel(ctx)
	navigation := IsNavigation(req)
	background := req.Clone(ctx)

	r.revalidations.Add(1)
	go func() {
		defer r.revalidations.Done()

		fresh, err := r.fetch(ctx, background)
		if err != nil {
			slogctx.Debug(ctx, "revalidation failed", "error", err)
			return
		}
		if !fresh.OK() {
			slogctx.Debug(ctx, "revalidation not stored", "status", fresh.Status)
			return
		}

		if navigation && !fresh.SameBody(cached) {
			r.hub.Publish(notify.NewEvent(notify.ContentUpdated, key))
			slogctx.Info(ctx, "content updated")
		}
		r.store(ctx, background, key, fresh)
	}()
}

func (r *Router) match(ctx context.Context, key string) *cachestore.Response {
	if key == "" {
		return nil
	}
	resp, err := r.cache.Match(ctx, key)
	if err != nil {
		if !errors.Is(err, cachestore.ErrNotFound) {
			slogctx.Warn(ctx, "cache lookup failed", "error", err)
		}
		return nil
	}
	return resp
}

func (r *Router) store(ctx context.Context, req *http.Request, key string, resp *cachestore.Response) {
	if req.Method != http.MethodGet || !resp.OK() {
		return
	}
	stored := *resp
	stored.URL = key
	if err := r.cache.Put(ctx, &stored); err != nil {
		slogctx.Warn(ctx, "failed to store response", "error", err)
	}
}

// fetch forwards req to the origin.
func (r *Router) fetch(ctx context.Context, req *http.Request) (*cachestore.Response, error) {
	target, err := r.CacheKey(req)
	if err != nil {
		return nil, err
	}

	out, err := http.NewRequestWithContext(ctx, req.Method, target, req.Body)
	if err != nil {
		return nil, err
	}
	for key, values := range req.Header {
		switch http.CanonicalHeaderKey(key) {
		case "Connection", "Keep-Alive", "Upgrade", "Te", "Accept-Encoding", "If-None-Match", "If-Modified-Since":
			continue
		}
		out.Header[key] = append([]string(nil), values...)
	}

	resp, err := r.network.Do(out)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNoResponse, err)
	}
	return resp, nil
}

// IsNavigation reports whether req loads a full page.
func IsNavigation(req *http.Request) bool {
	if req.Method != http.MethodGet {
		return false
	}
	if mode := req.Header.Get("Sec-Fetch-Mode"); mode != "" {
		return mode == "navigate"
	}
	return strings.Contains(req.Header.Get("Accept"), "text/html")
}
