// Package api is the HTTP facade: a chi router that fronts the tool
// registry with content-type enforcement, rate limiting and sanitized
// error responses.
package api

import (
	"encoding/json"
	"net"
	"net/http"
	"net/http/pprof"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog/log"

	"github.com/temporal-agent/scheduler/internal/apperr"
	"github.com/temporal-agent/scheduler/internal/config"
	"github.com/temporal-agent/scheduler/internal/ratelimit"
	"github.com/temporal-agent/scheduler/internal/store"
	"github.com/temporal-agent/scheduler/internal/tools"
)

const maxBodyBytes = 1 << 20 // request bodies are capped at 1 MB

// Server is the chi-routed facade over the tool registry.
type Server struct {
	r       *chi.Mux
	repo    store.Repository
	tools   tools.Registry
	limiter *ratelimit.Limiter
	cfg     config.Config
}

// New builds the router. Caller owns limiter's Start/Stop lifecycle.
func New(repo store.Repository, registry tools.Registry, limiter *ratelimit.Limiter, cfg config.Config) http.Handler {
	return NewWithDebug(repo, registry, limiter, cfg, false)
}

// NewWithDebug additionally mounts the pprof endpoints. Never enable in
// production.
func NewWithDebug(repo store.Repository, registry tools.Registry, limiter *ratelimit.Limiter, cfg config.Config, enableDebug bool) http.Handler {
	s := &Server{r: chi.NewRouter(), repo: repo, tools: registry, limiter: limiter, cfg: cfg}

	s.r.Use(middleware.RequestID, middleware.RealIP, middleware.Logger, middleware.Recoverer)

	s.r.Get("/healthz", s.health)

	s.r.Route("/mcp", func(mcp chi.Router) {
		mcp.Use(s.rateLimitMiddleware)
		mcp.Get("/tools/list", s.listTools)
		mcp.Post("/tools/call", s.callTool)
		mcp.Post("/rpc", s.jsonRPC)
		mcp.Get("/notifications", s.pullNotifications)
	})

	if enableDebug {
		s.r.HandleFunc("/debug/pprof/", pprof.Index)
		s.r.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		s.r.HandleFunc("/debug/pprof/profile", pprof.Profile)
		s.r.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		s.r.HandleFunc("/debug/pprof/trace", pprof.Trace)
		s.r.Handle("/debug/pprof/goroutine", pprof.Handler("goroutine"))
		s.r.Handle("/debug/pprof/heap", pprof.Handler("heap"))
	}

	return s.r
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

// rateLimitMiddleware keys on the client IP, never on any caller-supplied
// identifier such as a session id. Every response under /mcp carries the
// X-RateLimit-* counters; a denied request gets Retry-After and 429.
func (s *Server) rateLimitMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := clientIP(r)
		result := s.limiter.Allow(key, time.Now())

		w.Header().Set("X-RateLimit-Limit", strconv.Itoa(result.Limit))
		w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(result.Remaining))

		if !result.Allowed {
			w.Header().Set("Retry-After", strconv.Itoa(int(result.RetryAfter.Seconds())))
			writeError(w, s.cfg, http.StatusTooManyRequests, apperr.New(apperr.RateLimited, "rate limit exceeded"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// clientIP resolves the source key off the proxied header chain, falling
// back to the connection peer. Only the leftmost X-Forwarded-For hop is
// used.
func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		parts := strings.Split(fwd, ",")
		return strings.TrimSpace(parts[0])
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// callerMessage is what the requester is allowed to see: validation and
// safety failures keep their one-line reason; anything unexpected collapses
// to a generic message in production unless dev mode is explicitly enabled,
// and outside production the raw error message is returned.
func callerMessage(cfg config.Config, err error) string {
	var e *apperr.Error
	if apperr.As(err, &e) && e.Kind != apperr.StoreError {
		return string(e.Kind) + ": " + e.Message
	}
	if cfg.IsProduction() && !cfg.DevMode {
		return "Internal server error"
	}
	return err.Error()
}

// writeError logs full detail and returns only the caller-safe message.
func writeError(w http.ResponseWriter, cfg config.Config, code int, err error) {
	log.Error().Err(err).Msg("request failed")
	writeJSON(w, code, map[string]any{"success": false, "error": callerMessage(cfg, err)})
}
