package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	slogctx "github.com/veqryn/slog-context"

	"github.com/deidaraiorek/offlinesite/internal/notify"
	"github.com/deidaraiorek/offlinesite/internal/search"
	"github.com/deidaraiorek/offlinesite/internal/status"
)

// Prefix is where the server's own endpoints live. Every other path is
// proxied to the origin.
const Prefix = "/__offline"

// Control message types accepted by POST /__offline/control.
const (
	ClearCache  = "clear-cache"
	PrefetchAll = "prefetch-all"
)

type StatusReader interface {
	Get(ctx context.Context) (status.Record, error)
}

type Warmer interface {
	Start(ctx context.Context)
	Clear(ctx context.Context) error
}

type Searcher interface {
	Search(ctx context.Context, query string) (*search.Response, error)
}

type Options struct {
	Proxy    http.Handler
	Status   StatusReader
	Warmer   Warmer
	Searcher Searcher
	Hub      *notify.Hub
}

type Server struct {
	opts Options
}

func New(opts Options) *Server {
	if opts.Hub == nil {
		opts.Hub = notify.NewHub()
	}
	if opts.Proxy == nil {
		opts.Proxy = http.NotFoundHandler()
	}
	return &Server{opts: opts}
}

// Handler returns the routed HTTP handler.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(requestLogger)

	r.Route(Prefix, func(r chi.Router) {
		r.Get("/status", s.handleStatus)
		r.Post("/control", s.handleControl)
		r.Get("/events", s.handleEvents)
		r.Get("/search", s.handleSearch)
	})
	r.Handle("/*", s.opts.Proxy)

	return r
}

type controlMessage struct {
	Type string `json:"type"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func (s *Server) handleStatus(w http.ResponseWriter, req *http.Request) {
	if s.opts.Status == nil {
		writeJSON(req.Context(), w, http.StatusOK, status.NeverWarmed())
		return
	}

	rec, err := s.opts.Status.Get(req.Context())
	if err != nil {
		slogctx.Warn(req.Context(), "failed to read cache status", "error", err)
		writeJSON(req.Context(), w, http.StatusServiceUnavailable, errorResponse{Error: "cache status unavailable"})
		return
	}
	writeJSON(req.Context(), w, http.StatusOK, rec)
}

func (s *Server) handleControl(w http.ResponseWriter, req *http.Request) {
	ctx := req.Context()

	var msg controlMessage
	if err := json.NewDecoder(http.MaxBytesReader(w, req.Body, 1<<10)).Decode(&msg); err != nil {
		writeJSON(ctx, w, http.StatusBadRequest, errorResponse{Error: "invalid control message"})
		return
	}
	if s.opts.Warmer == nil {
		writeJSON(ctx, w, http.StatusServiceUnavailable, errorResponse{Error: "warming disabled"})
		return
	}

	switch msg.Type {
	case ClearCache:
		if err := s.opts.Warmer.Clear(ctx); err != nil {
			slogctx.Error(ctx, "failed to clear cache", "error", err)
			writeJSON(ctx, w, http.StatusInternalServerError, errorResponse{Error: "failed to clear cache"})
			return
		}
	case PrefetchAll:
		s.opts.Warmer.Start(ctx)
	default:
		writeJSON(ctx, w, http.StatusBadRequest, errorResponse{Error: fmt.Sprintf("unknown control message %q", msg.Type)})
		return
	}

	writeJSON(ctx, w, http.StatusAccepted, msg)
}

// handleEvents streams hub events as server-sent events until the client
// goes away.
func (s *Server) handleEvents(w http.ResponseWriter, req *http.Request) {
	ctx := req.Context()
	rc := http.NewResponseController(w)

	events, unsubscribe := s.opts.Hub.Subscribe(notify.DefaultBuffer)
	defer unsubscribe()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	if err := rc.Flush(); err != nil {
		slogctx.Debug(ctx, "event stream cannot flush", "error", err)
		return
	}
	slogctx.Debug(ctx, "event subscriber connected", "subscribers", s.opts.Hub.Subscribers())

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-events:
			if !ok {
				return
			}
			data, err := json.Marshal(event)
			if err != nil {
				slogctx.Warn(ctx, "failed to encode event", "error", err)
				continue
			}
			if _, err := fmt.Fprintf(w, "id: %s\nevent: %s\ndata: %s\n\n", event.ID, event.Type, data); err != nil {
				return
			}
			if err := rc.Flush(); err != nil {
				return
			}
		}
	}
}

func (s *Server) handleSearch(w http.ResponseWriter, req *http.Request) {
	ctx := req.Context()
	if s.opts.Searcher == nil {
		writeJSON(ctx, w, http.StatusServiceUnavailable, errorResponse{Error: "search disabled"})
		return
	}

	resp, err := s.opts.Searcher.Search(ctx, req.URL.Query().Get("q"))
	if err != nil {
		slogctx.Error(ctx, "search failed", "error", err)
		writeJSON(ctx, w, http.StatusInternalServerError, errorResponse{Error: "search failed"})
		return
	}
	writeJSON(ctx, w, http.StatusOK, resp)
}

func writeJSON(ctx context.Context, w http.ResponseWriter, statusCode int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slogctx.Error(ctx, "failed to encode JSON response", "error", err)
	}
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		start := time.Now()
		ctx := slogctx.Append(req.Context(),
			"requestId", middleware.GetReqID(req.Context()),
			"method", req.Method,
			"path", req.URL.Path,
		)

		ww := middleware.NewWrapResponseWriter(w, req.ProtoMajor)
		next.ServeHTTP(ww, req.WithContext(ctx))

		slogctx.Debug(ctx, "request completed",
			"status", ww.Status(),
			"bytes", ww.BytesWritten(),
			"duration_ms", time.Since(start).Milliseconds(),
		)
	})
}
