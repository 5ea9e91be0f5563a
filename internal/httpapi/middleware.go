package httpapi

import (
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/swarmguard/orchestrator/internal/apierror"
	"github.com/swarmguard/orchestrator/internal/resilience"
)

const serviceName = "orchestrator-httpapi"

// responseWriter captures the status code for logging/metrics, the same
// wrapper idiom as the teacher's gateway.
type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

// tracingMiddleware starts a span per request and logs/records metrics on
// completion, grounded on the teacher's loggingMiddleware.
func (s *Server) tracingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ctx, span := otel.Tracer(serviceName).Start(r.Context(), r.URL.Path)
		defer span.End()

		rw := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rw, r.WithContext(ctx))

		durMs := float64(time.Since(start).Milliseconds())
		s.reqCounter.Add(ctx, 1, metric.WithAttributes(
			attribute.String("method", r.Method),
			attribute.String("path", r.URL.Path),
			attribute.Int("status", rw.status),
		))
		s.latencyHist.Record(ctx, durMs, metric.WithAttributes(attribute.String("path", r.URL.Path)))

		slog.InfoContext(ctx, "request completed",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rw.status,
			"duration_ms", durMs,
		)
	})
}

// perKeyRateLimiter pools one internal/resilience.RateLimiter per caller
// key, the same per-key-pool idiom as the teacher's PerKeyRateLimiter,
// built on this module's own token-bucket+window limiter rather than the
// gateway's standalone HybridRateLimiter.
type perKeyRateLimiter struct {
	mu       sync.Mutex
	limiters map[string]*resilience.RateLimiter
	capacity float64
	refill   float64
	window   time.Duration
	limit    int
}

func newPerKeyRateLimiter(capacity, refill float64, window time.Duration, limit int) *perKeyRateLimiter {
	return &perKeyRateLimiter{
		limiters: make(map[string]*resilience.RateLimiter),
		capacity: capacity,
		refill:   refill,
		window:   window,
		limit:    limit,
	}
}

func (p *perKeyRateLimiter) allow(key string) bool {
	p.mu.Lock()
	l, ok := p.limiters[key]
	if !ok {
		l = resilience.NewRateLimiter(p.capacity, p.refill, p.window, p.limit)
		p.limiters[key] = l
	}
	p.mu.Unlock()
	return l.Allow()
}

func rateLimitKey(r *http.Request) string {
	if key := r.Header.Get("X-API-Key"); key != "" {
		return "key:" + key
	}
	ip := r.Header.Get("X-Forwarded-For")
	if ip == "" {
		ip = r.RemoteAddr
	}
	return "ip:" + ip
}

// rateLimitMiddleware rejects with 429 once a caller exceeds its bucket,
// per spec.md §6/§7's rate-limit error kind.
func (s *Server) rateLimitMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.limiter.allow(rateLimitKey(r)) {
			s.rlDenied.Add(r.Context(), 1)
			writeError(w, r, apierror.RateLimited("rate limit exceeded, retry later"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// circuitMiddleware guards every request behind a breaker tripped by
// infrastructure-kind errors (store/bus unavailable), per spec.md §7:
// once open, requests fail fast with 503 instead of piling up against a
// dead backend.
func (s *Server) circuitMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.breaker.Allow() {
			s.cbOpen.Add(r.Context(), 1)
			writeError(w, r, apierror.New(apierror.KindUnavailable, "circuit_open", "control API temporarily unavailable"))
			return
		}
		rw := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rw, r)
		s.breaker.RecordResult(rw.status < 500)
	})
}

// chain applies middlewares in the order logging -> rate limit -> circuit
// breaker -> handler, matching the teacher's documented middleware order.
func (s *Server) chain(h http.HandlerFunc) http.Handler {
	return s.tracingMiddleware(s.rateLimitMiddleware(s.circuitMiddleware(h)))
}

func pathTail(path, prefix string) (string, bool) {
	if !strings.HasPrefix(path, prefix) {
		return "", false
	}
	return strings.TrimSuffix(strings.TrimPrefix(path, prefix), "/"), true
}
