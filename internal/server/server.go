// Package server wires every subsystem into the external HTTP API:
// routing, auth, client IP derivation, rate limiting, and request
// logging.
package server

import (
	"crypto/subtle"
	"encoding/json"
	"net"
	"net/http"
	"strconv"
	"strings"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"

	"github.com/canaria-project/canaria/internal/admin"
	"github.com/canaria-project/canaria/internal/config"
	"github.com/canaria-project/canaria/internal/hub"
	"github.com/canaria-project/canaria/internal/ingest"
	"github.com/canaria-project/canaria/internal/metrics"
	"github.com/canaria-project/canaria/internal/ratelimit"
	"github.com/canaria-project/canaria/internal/storage"
)

// Server holds the handler dependencies.
type Server struct {
	boot    config.Config
	cfg     *config.Manager
	store   *storage.Store
	limiter *ratelimit.Limiter
	guard   *ratelimit.ConnGuard
	metrics *metrics.Metrics
	hub     *hub.Hub
	ingest  *ingest.Ingestor
	admin   *admin.Admin
	clock   clockwork.Clock
	log     zerolog.Logger
}

func New(boot config.Config, cfg *config.Manager, store *storage.Store, limiter *ratelimit.Limiter, guard *ratelimit.ConnGuard, m *metrics.Metrics, h *hub.Hub, ing *ingest.Ingestor, adm *admin.Admin, clock clockwork.Clock, log zerolog.Logger) *Server {
	return &Server{
		boot:    boot,
		cfg:     cfg,
		store:   store,
		limiter: limiter,
		guard:   guard,
		metrics: m,
		hub:     h,
		ingest:  ing,
		admin:   adm,
		clock:   clock,
		log:     log.With().Str("component", "server").Logger(),
	}
}

// Handler builds the route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.Handle("POST /v1/events", s.instrument("/v1/events", s.requireIngest(s.handleSubmit)))
	mux.Handle("GET /v1/events", s.instrument("/v1/events", s.handleListEvents))
	mux.Handle("GET /v1/events/latest", s.instrument("/v1/events/latest", s.handleLatestEvent))
	mux.Handle("GET /v1/status", s.instrument("/v1/status", s.handleStatus))
	mux.Handle("GET /v1/health", s.instrument("/v1/health", s.handleHealth))
	mux.Handle("GET /v1/connections", s.instrument("/v1/connections", s.handleConnections))
	mux.Handle("GET /v1/metrics", s.instrument("/v1/metrics", s.handleMetrics))
	mux.Handle("GET /v1/monitoring", s.instrument("/v1/monitoring", s.handleMonitoring))

	// The WebSocket endpoint hijacks the connection, so it bypasses the
	// request-log middleware and uses its own upgrade guard.
	mux.HandleFunc("GET /v1/ws", s.handleWS)

	mux.Handle("GET /admin/config", s.instrument("/admin/config", s.requireAdmin(s.handleGetConfig)))
	mux.Handle("PUT /admin/config", s.instrument("/admin/config", s.requireAdmin(s.handlePutConfig)))
	mux.Handle("GET /admin/dashboard", s.instrument("/admin/dashboard", s.requireAdmin(s.handleDashboard)))
	mux.Handle("POST /admin/actions", s.instrument("/admin/actions", s.requireAdmin(s.handleActions)))

	// Bare Prometheus scrape path, same data as /v1/metrics.
	mux.Handle("GET /metrics", s.metrics.Handler())

	return mux
}

// statusRecorder captures the final status for the request log.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// instrument is the per-endpoint middleware chain: rate limit first,
// then the handler, then the request log.
func (s *Server) instrument(endpoint string, next http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := s.clock.Now()
		ip := clientIP(r)
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

		d := s.limiter.Check(r.Context(), ip, endpoint)
		if d.Limit > 0 {
			rec.Header().Set("X-RateLimit-Limit", strconv.Itoa(d.Limit))
			rec.Header().Set("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
			rec.Header().Set("X-RateLimit-Reset", strconv.FormatInt(d.ResetAt, 10))
		}
		if !d.Allowed {
			retryAfter := d.ResetAt - s.clock.Now().Unix()
			if retryAfter < 0 {
				retryAfter = 0
			}
			rec.Header().Set("Retry-After", strconv.FormatInt(retryAfter, 10))
			writeJSON(rec, http.StatusTooManyRequests, map[string]string{"error": "rate limit exceeded"})
		} else {
			next(rec, r)
		}

		s.metrics.LogRequest(r.Context(), storage.RequestLog{
			TS:         start,
			Endpoint:   endpoint,
			Method:     r.Method,
			Status:     rec.status,
			DurationMs: s.clock.Now().Sub(start).Milliseconds(),
			IP:         ip,
			UserAgent:  r.UserAgent(),
		})
	})
}

// clientIP trusts the first X-Forwarded-For hop, then X-Real-IP, then
// the socket address.
func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first := strings.TrimSpace(strings.SplitN(xff, ",", 2)[0])
		if first != "" {
			return first
		}
	}
	if rip := r.Header.Get("X-Real-IP"); rip != "" {
		return rip
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func bearerOrQuery(r *http.Request, queryKey string) string {
	auth := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if strings.HasPrefix(auth, prefix) {
		return auth[len(prefix):]
	}
	return r.URL.Query().Get(queryKey)
}

func secretMatches(got, want string) bool {
	return want != "" && subtle.ConstantTimeCompare([]byte(got), []byte(want)) == 1
}

// requireAdmin gates the admin surface behind ADMIN_SECRET. No secret
// configured means the surface is unavailable, not open.
func (s *Server) requireAdmin(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.boot.Auth.AdminSecret == "" {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "admin access not configured"})
			return
		}
		if !secretMatches(bearerOrQuery(r, "auth"), s.boot.Auth.AdminSecret) {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
			return
		}
		next(w, r)
	}
}

// requireIngest gates the poller submission endpoint behind
// INGEST_SECRET.
func (s *Server) requireIngest(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.boot.Auth.IngestSecret == "" {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "ingest access not configured"})
			return
		}
		if !secretMatches(bearerOrQuery(r, "auth"), s.boot.Auth.IngestSecret) {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
			return
		}
		next(w, r)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		_ = json.NewEncoder(w).Encode(v)
	}
}
