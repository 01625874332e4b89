// Package server exposes the pipeline over HTTP: an SSE query endpoint plus
// health, stats and an auth-gated admin reload.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"lagrum/internal/config"
	"lagrum/internal/orchestrator"
	"lagrum/internal/types"
)

// CollectionCounter reports document counts for the indexed collections.
type CollectionCounter interface {
	ListCollections() []string
	Count(ctx context.Context, collection string) (int, error)
}

// CacheStatter reports embedding-cache lookup counters.
type CacheStatter interface {
	CacheStats() (hits, misses int64)
}

// Options configures the HTTP surface.
type Options struct {
	Addr    string
	Version string
	// APIKey gates admin endpoints; empty leaves them open (development).
	APIKey string
	// RequestTimeout is the hard per-request budget for /query.
	RequestTimeout time.Duration
	// Collections, when set, surfaces per-collection store counts in /stats.
	Collections CollectionCounter
	// Cache, when set, surfaces embedding-cache counters in /stats.
	Cache CacheStatter
}

// Server serves the query pipeline. Construct with New, run with
// ListenAndServe, stop with Shutdown.
type Server struct {
	orch    *orchestrator.Orchestrator
	watcher *config.Watcher
	opts    Options
	log     *zap.Logger
	httpSrv *http.Server

	started   time.Time
	requests  atomic.Int64
	errors    atomic.Int64
	streaming atomic.Int64
	latencies stageLatencies
}

// stageLatencies aggregates per-stage wall times across completed requests.
type stageLatencies struct {
	mu     sync.Mutex
	counts map[string]int64
	totals map[string]time.Duration
}

func (l *stageLatencies) record(m *types.StageMetrics) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.counts == nil {
		l.counts = make(map[string]int64)
		l.totals = make(map[string]time.Duration)
	}
	for _, t := range m.Timings {
		l.counts[t.Stage]++
		l.totals[t.Stage] += t.Duration
	}
}

func (l *stageLatencies) snapshot() map[string]any {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make(map[string]any, len(l.counts))
	for stage, n := range l.counts {
		out[stage] = map[string]any{
			"count":  n,
			"avg_ms": float64(l.totals[stage].Microseconds()) / float64(n) / 1000.0,
		}
	}
	return out
}

// New builds the server. watcher may be nil, which disables /admin/reload.
func New(orch *orchestrator.Orchestrator, watcher *config.Watcher, log *zap.Logger, opts Options) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	if opts.Addr == "" {
		opts.Addr = ":8080"
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 120 * time.Second
	}

	s := &Server{
		orch:    orch,
		watcher: watcher,
		opts:    opts,
		log:     log,
		started: time.Now(),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /query", s.handleQuery)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /stats", s.handleStats)
	mux.HandleFunc("POST /admin/reload", s.requireAPIKey(s.handleReload))

	s.httpSrv = &http.Server{
		Addr:              opts.Addr,
		Handler:           s.accessLog(mux),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler exposes the routed handler for tests.
func (s *Server) Handler() http.Handler { return s.httpSrv.Handler }

// ListenAndServe blocks until Shutdown or a listener error.
func (s *Server) ListenAndServe() error {
	s.log.Info("http server listening", zap.String("addr", s.opts.Addr))
	err := s.httpSrv.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info("http server shutting down")
	return s.httpSrv.Shutdown(ctx)
}

// =============================================================================
// MIDDLEWARE
// =============================================================================

// accessLog logs one line per request with the correlation id.
func (s *Server) accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", requestID)
		r = r.WithContext(withRequestID(r.Context(), requestID))

		next.ServeHTTP(w, r)

		s.log.Info("request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.String("request_id", requestID),
			zap.Duration("duration", time.Since(start)),
		)
	})
}

// requireAPIKey gates admin endpoints behind the shared secret. No key
// configured means open access for development setups.
func (s *Server) requireAPIKey(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.opts.APIKey != "" && r.Header.Get("X-API-Key") != s.opts.APIKey {
			http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
			return
		}
		next(w, r)
	}
}

type requestIDKey struct{}

func withRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey{}, id)
}

func requestIDFrom(ctx context.Context) string {
	if id, ok := ctx.Value(requestIDKey{}).(string); ok {
		return id
	}
	return uuid.NewString()
}

// =============================================================================
// HANDLERS
// =============================================================================

// handleQuery runs one request through the orchestrator and relays its events
// as SSE frames.
func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	s.requests.Add(1)

	var req types.QueryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.errors.Add(1)
		http.Error(w, fmt.Sprintf(`{"error":"invalid request body: %s"}`, err), http.StatusBadRequest)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		s.errors.Add(1)
		http.Error(w, `{"error":"streaming unsupported"}`, http.StatusInternalServerError)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.opts.RequestTimeout)
	defer cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	s.streaming.Add(1)
	defer s.streaming.Add(-1)

	requestID := requestIDFrom(ctx)
	for ev := range s.orch.Run(ctx, requestID, req) {
		if ev.Type == types.EventError {
			s.errors.Add(1)
		}
		if ev.Type == types.EventDone && ev.Metrics != nil {
			s.latencies.record(ev.Metrics)
		}
		data, err := json.Marshal(ev)
		if err != nil {
			s.log.Error("marshal event", zap.Error(err), zap.String("request_id", requestID))
			continue
		}
		if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
			// Client went away; the deferred cancel reaps the pipeline.
			return
		}
		flusher.Flush()
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"version": s.opts.Version,
		"uptime":  time.Since(s.started).Round(time.Second).String(),
	})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats := map[string]any{
		"requests_total":  s.requests.Load(),
		"errors_total":    s.errors.Load(),
		"streams_active":  s.streaming.Load(),
		"uptime_seconds":  int64(time.Since(s.started).Seconds()),
		"version":         s.opts.Version,
		"stage_latencies": s.latencies.snapshot(),
	}
	if s.opts.Collections != nil {
		counts := make(map[string]any)
		for _, name := range s.opts.Collections.ListCollections() {
			n, err := s.opts.Collections.Count(r.Context(), name)
			if err != nil {
				counts[name] = map[string]any{"error": err.Error()}
				continue
			}
			counts[name] = n
		}
		stats["collections"] = counts
	}
	if s.opts.Cache != nil {
		hits, misses := s.opts.Cache.CacheStats()
		stats["embedding_cache"] = map[string]any{"hits": hits, "misses": misses}
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleReload(w http.ResponseWriter, _ *http.Request) {
	if s.watcher == nil {
		http.Error(w, `{"error":"reload not configured"}`, http.StatusNotImplemented)
		return
	}
	cfg, err := s.watcher.Reload()
	if err != nil {
		s.errors.Add(1)
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error()})
		return
	}
	s.log.Info("config reloaded", zap.String("version", cfg.Version))
	writeJSON(w, http.StatusOK, map[string]any{"status": "reloaded", "version": cfg.Version})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}
