package fetcher

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/temoto/robotstxt"

	"github.com/deidaraiorek/offlinesite/internal/cachestore"
)

var (
	ErrDisallowed = errors.New("disallowed by robots.txt")
	ErrTooLarge   = errors.New("response body too large")
)

const (
	DefaultTimeout   = 30 * time.Second
	robotsTimeout    = 10 * time.Second
	robotsCacheSize  = 64
	maxResponseBytes = 32 << 20
)

// Headers that describe one connection rather than the resource.
var hopByHop = []string{
	"Connection", "Keep-Alive", "Proxy-Authenticate", "Proxy-Authorization",
	"Te", "Trailer", "Transfer-Encoding", "Upgrade", "Set-Cookie",
}

type Options struct {
	UserAgent     string
	Timeout       time.Duration
	RespectRobots bool
	Transport     http.RoundTripper
	// MaxBodyBytes caps a buffered body. Zero means 32 MiB.
	MaxBodyBytes  int64
}

// Fetcher retrieves resources from the network and buffers them into
// cacheable responses.
type Fetcher struct {
	client        *http.Client
	userAgent     string
	respectRobots bool
	maxBodyBytes  int64
	robots        *lru.Cache[string, *robotstxt.RobotsData]
}

func New(opts Options) *Fetcher {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = maxResponseBytes
	}
	transport := opts.Transport
	if transport == nil {
		transport = &http.Transport{
			Proxy:               http.ProxyFromEnvironment,
			MaxIdleConns:        100,
			MaxIdleConnsPerHost: 10,
			IdleConnTimeout:     90 * time.Second,
		}
	}

	robots, _ := lru.New[string, *robotstxt.RobotsData](robotsCacheSize)

	return &Fetcher{
		client: &http.Client{
			Timeout:   opts.Timeout,
			Transport: transport,
		},
		userAgent:     opts.UserAgent,
		respectRobots: opts.RespectRobots,
		maxBodyBytes:  opts.MaxBodyBytes,
		robots:        robots,
	}
}

// Fetch GETs urlStr. Non-2xx statuses are returned as responses, not
// errors; callers decide whether to store them.
func (f *Fetcher) Fetch(ctx context.Context, urlStr string) (*cachestore.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, urlStr, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8")
	return f.Do(req)
}

// Do sends req and buffers the whole response. Bodies over the size cap
// fail with ErrTooLarge rather than being cut short.
func (f *Fetcher) Do(req *http.Request) (*cachestore.Response, error) {
	urlStr := req.URL.String()
	if f.respectRobots && !f.IsAllowed(req.Context(), req.URL) {
		return nil, fmt.Errorf("%s: %w", urlStr, ErrDisallowed)
	}

	if f.userAgent != "" {
		req.Header.Set("User-Agent", f.userAgent)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch %s: %w", urlStr, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, f.maxBodyBytes+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", urlStr, err)
	}
	if int64(len(body)) > f.maxBodyBytes {
		return nil, fmt.Errorf("%s: %w", urlStr, ErrTooLarge)
	}

	header := resp.Header.Clone()
	for _, h := range hopByHop {
		header.Del(h)
	}

	return &cachestore.Response{
		URL:      urlStr,
		Status:   resp.StatusCode,
		Header:   header,
		Body:     body,
		StoredAt: time.Now().UTC(),
	}, nil
}

// IsAllowed checks u against its host's robots.txt. Hosts whose robots.txt
// cannot be read allow everything.
func (f *Fetcher) IsAllowed(ctx context.Context, u *url.URL) bool {
	robotsURL := fmt.Sprintf("%s://%s/robots.txt", u.Scheme, u.Host)

	robots, ok := f.robots.Get(robotsURL)
	if !ok {
		robots = f.fetchRobotsTxt(ctx, robotsURL)
		f.robots.Add(robotsURL, robots)
	}

	if robots == nil {
		return true
	}
	return robots.TestAgent(u.EscapedPath(), f.userAgent)
}

func (f *Fetcher) fetchRobotsTxt(ctx context.Context, robotsURL string) *robotstxt.RobotsData {
	ctx, cancel := context.WithTimeout(ctx, robotsTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, robotsURL, nil)
	if err != nil {
		return nil
	}
	req.Header.Set("User-Agent", f.userAgent)

	resp, err := f.client.Do(req)
	if err != nil {
		return nil
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil
	}

	robots, err := robotstxt.FromResponse(resp)
	if err != nil {
		return nil
	}
	return robots
}
