package scheduler

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gofrs/flock"
	slogctx "github.com/veqryn/slog-context"
	"golang.org/x/sync/errgroup"

	"github.com/deidaraiorek/offlinesite/internal/cachestore"
	"github.com/deidaraiorek/offlinesite/internal/manifest"
	"github.com/deidaraiorek/offlinesite/internal/notify"
	"github.com/deidaraiorek/offlinesite/internal/parser"
	"github.com/deidaraiorek/offlinesite/internal/status"
)

var (
	ErrWarmInProgress = errors.New("cache warm-up already in progress")
	// ErrCleared is returned by a warm-up whose results were discarded by
	// a concurrent Clear.
	ErrCleared = errors.New("cache cleared during warm-up")
)

const (
	DefaultWorkers       = 8
	DefaultProgressEvery = 10
)

type Cache interface {
	Has(ctx context.Context, url string) (bool, error)
	Put(ctx context.Context, resp *cachestore.Response) error
	Clear(ctx context.Context) error
}

type StatusStore interface {
	Put(ctx context.Context, rec status.Record) error
	SetTotal(ctx context.Context, total int) error
	Progress(ctx context.Context, cached, progress int) error
	Reset(ctx context.Context) error
}

type Fetcher interface {
	Fetch(ctx context.Context, url string) (*cachestore.Response, error)
}

type Config struct {
	Origin        *url.URL
	ManifestURL   string
	Workers       int
	ProgressEvery int
	// OfflinePage is cached after every successful warm-up so navigations
	// have a fallback. Empty disables seeding.
	OfflinePage string
	// LockPath names a file locked for the duration of a warm-up so that
	// only one process warms a given cache. Empty disables the lock.
	LockPath string
}

// Result summarizes one warm-up run.
type Result struct {
	Total         int
	Fresh         int
	AlreadyCached int
	Failed        int
}

// Cached is the number of URLs that ended the run in the cache.
func (r Result) Cached() int {
	return r.Fresh + r.AlreadyCached
}

// Scheduler fills the response cache with every URL in the manifest and
// reports progress through the status store.
type Scheduler struct {
	config  *Config
	cache   Cache
	status  StatusStore
	fetcher Fetcher
	hub     *notify.Hub
	lock    *flock.Flock

	running    atomic.Bool
	generation atomic.Uint64
	background sync.WaitGroup
	stopped    context.Context
	stop       context.CancelFunc
	now        func() time.Time

	mu   sync.Mutex
	last Result
}

func New(cache Cache, statusStore StatusStore, fetcher Fetcher, hub *notify.Hub, config *Config) *Scheduler {
	if config.Workers <= 0 {
		config.Workers = DefaultWorkers
	}
	if config.ProgressEvery <= 0 {
		config.ProgressEvery = DefaultProgressEvery
	}
	if hub == nil {
		hub = notify.NewHub()
	}

	s := &Scheduler{
		config:  config,
		cache:   cache,
		status:  statusStore,
		fetcher: fetcher,
		hub:     hub,
		now:     func() time.Time { return time.Now().UTC() },
	}
	s.stopped, s.stop = context.WithCancel(context.Background())
	if config.LockPath != "" {
		s.lock = flock.New(config.LockPath)
	}
	return s
}

// run carries the state of one warm-up across its workers.
type run struct {
	generation uint64
	urls       []string
	startedAt  time.Time

	cursor        atomic.Int64
	processed     atomic.Int64
	fresh         atomic.Int64
	alreadyCached atomic.Int64
	failed        atomic.Int64
}

func (r *run) result() Result {
	return Result{
		Total:         len(r.urls),
		Fresh:         int(r.fresh.Load()),
		AlreadyCached: int(r.alreadyCached.Load()),
		Failed:        int(r.failed.Load()),
	}
}

// Warm runs one warm-up to completion. It returns ErrWarmInProgress if
// another warm-up holds this scheduler or the cache lock. Manifest errors
// mark the status failed and are returned; per-URL errors only lower the
// cached count.
func (s *Scheduler) Warm(ctx context.Context) (Result, error) {
	if !s.running.CompareAndSwap(false, true) {
		return Result{}, ErrWarmInProgress
	}
	defer s.running.Store(false)

	if s.lock != nil {
		locked, err := s.lock.TryLock()
		if err != nil {
			return Result{}, fmt.Errorf("failed to acquire warm lock: %w", err)
		}
		if !locked {
			return Result{}, ErrWarmInProgress
		}
		defer s.lock.Unlock()
	}

	r := &run{generation: s.generation.Load(), startedAt: s.now()}
	ctx = slogctx.Append(ctx, "generation", r.generation)

	slogctx.Info(ctx, "cache warm-up started", "manifest", s.config.ManifestURL)
	s.report(ctx, r, status.Started(r.startedAt))

	urls, err := manifest.Load(ctx, s.fetcher, s.config.ManifestURL, s.config.Origin)
	if err != nil {
		s.fail(ctx, r, err)
		return Result{}, err
	}
	r.urls = urls

	if s.current(r) {
		if err := s.status.SetTotal(ctx, len(urls)); err != nil {
			s.fallback(ctx, err, s.progressRecord(r))
		}
	}

	if err := s.pool(ctx, r); err != nil {
		s.fail(ctx, r, err)
		return r.result(), err
	}
	if err := ctx.Err(); err != nil {
		s.fail(context.WithoutCancel(ctx), r, err)
		return r.result(), err
	}

	result := r.result()
	s.mu.Lock()
	s.last = result
	s.mu.Unlock()

	if !s.current(r) {
		slogctx.Info(ctx, "cache warm-up discarded by clear", "cached", result.Cached())
		return result, ErrCleared
	}

	s.seedOfflinePage(ctx, r)

	final := status.Completed(&r.startedAt, result.Cached(), result.Total, s.now())
	s.report(ctx, r, final)
	s.broadcast(final)

	slogctx.Info(ctx, "cache warm-up complete",
		"total", result.Total,
		"fresh", result.Fresh,
		"alreadyCached", result.AlreadyCached,
		"failed", result.Failed,
		"duration", s.now().Sub(r.startedAt))
	return result, nil
}

// Start runs Warm in the background, detached from ctx cancellation.
// Only Shutdown cancels it. Errors are logged; a warm-up already in
// progress is not an error.
func (s *Scheduler) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s.background.Add(1)
	go func() {
		defer s.background.Done()
		defer cancel()
		defer context.AfterFunc(s.stopped, cancel)()
		if _, err := s.Warm(ctx); err != nil {
			switch {
			case errors.Is(err, ErrWarmInProgress):
				slogctx.Debug(ctx, "cache warm-up skipped", "error", err)
			case errors.Is(err, ErrCleared):
			default:
				slogctx.Error(ctx, "cache warm-up failed", "error", err)
			}
		}
	}()
}

// Wait blocks until every warm-up launched by Start has returned.
func (s *Scheduler) Wait() {
	s.background.Wait()
}

// Shutdown cancels the warm-ups launched by Start and waits for them.
// Cancelled runs are recorded as failed.
func (s *Scheduler) Shutdown() {
	s.stop()
	s.background.Wait()
}

// Clear empties the cache and resets the status record. Workers of a
// warm-up still in flight finish their current fetch but their cache and
// status writes are dropped.
func (s *Scheduler) Clear(ctx context.Context) error {
	s.generation.Add(1)

	if err := s.cache.Clear(ctx); err != nil {
		return err
	}

	if err := s.status.Reset(ctx); err != nil {
		s.fallback(ctx, err, status.Record{ID: status.RecordID, UpdatedAt: s.now()})
	}

	s.hub.Publish(notify.NewEvent(notify.CacheCleared, ""))
	slogctx.Info(ctx, "cache cleared")
	return nil
}

// Running reports whether a warm-up is in progress in this process.
func (s *Scheduler) Running() bool {
	return s.running.Load()
}

// LastResult returns the counters of the most recent finished warm-up.
func (s *Scheduler) LastResult() Result {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last
}

// pool runs the fixed-width worker pool over r.urls. Only a worker panic
// escapes as an error.
func (s *Scheduler) pool(ctx context.Context, r *run) error {
	var g errgroup.Group
	workers := min(s.config.Workers, len(r.urls))
	for i := 0; i < workers; i++ {
		g.Go(func() (err error) {
			defer func() {
				if p := recover(); p != nil {
					err = fmt.Errorf("warm worker %d panicked: %v", i, p)
				}
			}()
			s.worker(ctx, r, i)
			return nil
		})
	}
	return g.Wait()
}

func (s *Scheduler) worker(ctx context.Context, r *run, workerID int) {
	for {
		if ctx.Err() != nil || !s.current(r) {
			return
		}

		i := int(r.cursor.Add(1) - 1)
		if i >= len(r.urls) {
			return
		}
		target := r.urls[i]

		cached, err := s.warmOne(ctx, r, target)
		if err != nil {
			r.failed.Add(1)
			slogctx.Debug(ctx, "failed to cache url", "worker", workerID, "url", target, "error", err)
			continue
		}
		if cached {
			r.alreadyCached.Add(1)
		} else {
			r.fresh.Add(1)
		}

		if processed := r.processed.Add(1); processed%int64(s.config.ProgressEvery) == 0 {
			s.progress(ctx, r, int(processed))
		}
	}
}

// warmOne makes sure target is cached. It reports whether the entry
// already existed.
func (s *Scheduler) warmOne(ctx context.Context, r *run, target string) (bool, error) {
	has, err := s.cache.Has(ctx, target)
	if err != nil {
		return false, err
	}
	if has {
		return true, nil
	}

	resp, err := s.fetcher.Fetch(ctx, target)
	if err != nil {
		return false, err
	}
	if !resp.OK() {
		return false, fmt.Errorf("status %d", resp.Status)
	}

	if !s.current(r) {
		return false, ErrCleared
	}
	if err := s.cache.Put(ctx, resp); err != nil {
		return false, err
	}
	return false, nil
}

func (s *Scheduler) seedOfflinePage(ctx context.Context, r *run) {
	if s.config.OfflinePage == "" {
		return
	}

	pageURL, err := parser.ResolveURL(s.config.Origin, s.config.OfflinePage)
	if err != nil {
		slogctx.Warn(ctx, "invalid offline page", "page", s.config.OfflinePage, "error", err)
		return
	}
	if _, err := s.warmOne(ctx, r, pageURL); err != nil {
		slogctx.Warn(ctx, "failed to cache offline page", "url", pageURL, "error", err)
	}
}

func (s *Scheduler) current(r *run) bool {
	return s.generation.Load() == r.generation
}

func (s *Scheduler) progressRecord(r *run) status.Record {
	processed := int(r.processed.Load())
	return status.Record{
		ID:        status.RecordID,
		IsWarming: true,
		Cached:    processed,
		Total:     len(r.urls),
		Progress:  status.Percent(processed, len(r.urls)),
		StartedAt: &r.startedAt,
		UpdatedAt: s.now(),
	}
}

func (s *Scheduler) progress(ctx context.Context, r *run, processed int) {
	if !s.current(r) {
		return
	}
	if err := s.status.Progress(ctx, processed, status.Percent(processed, len(r.urls))); err != nil {
		s.fallback(ctx, err, s.progressRecord(r))
	}
}

func (s *Scheduler) fail(ctx context.Context, r *run, cause error) {
	slogctx.Error(ctx, "cache warm-up failed", "error", cause)

	res := r.result()
	rec := status.Failed(&r.startedAt, res.Cached(), res.Total, cause, s.now())
	s.report(ctx, r, rec)
	s.broadcast(rec)
}

// report writes rec unless the run was superseded by a Clear.
func (s *Scheduler) report(ctx context.Context, r *run, rec status.Record) {
	if !s.current(r) {
		return
	}
	if err := s.status.Put(ctx, rec); err != nil {
		s.fallback(ctx, err, rec)
	}
}

// fallback broadcasts a record the status store could not persist.
func (s *Scheduler) fallback(ctx context.Context, err error, rec status.Record) {
	slogctx.Warn(ctx, "status store unavailable, broadcasting", "error", err)
	s.broadcast(rec)
}

func (s *Scheduler) broadcast(rec status.Record) {
	event := notify.NewEvent(notify.CacheStatus, "")
	event.Status = rec
	s.hub.Publish(event)
}
