package api

import (
	"context"
	"net/http"
	"sync"

	"golang.org/x/time/rate"

	"choptso/pkg/httpx"
	"choptso/pkg/logger"
	"choptso/pkg/logging"
	"choptso/pkg/utils"
)

// identityHeader carries the caller identity. Authentication proper is out
// of scope here; an upstream gateway is expected to have validated it.
const identityHeader = "X-Identity"

type ctxKey int

const identityKey ctxKey = 1

// Identity returns the caller identity from ctx, or "".
func Identity(ctx context.Context) string {
	v, _ := ctx.Value(identityKey).(string)
	return v
}

// limiterPool keeps one token bucket per identity (falling back to remote
// addr for anonymous callers).
type limiterPool struct {
	mu    sync.Mutex
	m     map[string]*rate.Limiter
	rps   float64
	burst int
}

func newLimiterPool(rps float64, burst int) *limiterPool {
	if rps <= 0 {
		rps = 5
	}
	if burst <= 0 {
		burst = 10
	}
	return &limiterPool{m: map[string]*rate.Limiter{}, rps: rps, burst: burst}
}

func (p *limiterPool) allow(key string) bool {
	p.mu.Lock()
	l, ok := p.m[key]
	if !ok {
		l = rate.NewLimiter(rate.Limit(p.rps), p.burst)
		p.m[key] = l
	}
	p.mu.Unlock()
	return l.Allow()
}

// RequireIdentity wraps a net/http handler, rejecting requests without an
// identity header and stashing the identity into the request context.
func (s *Server) RequireIdentity(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(identityHeader)
		if id == "" {
			logger.Warn("identity_missing", "method", r.Method, "path", r.URL.Path,
				"remote", r.RemoteAddr, "headers", logging.SafeHeaders(r))
			utils.JSONError(w, http.StatusUnauthorized, "identity missing")
			return
		}
		if !s.limits.allow(id) {
			logger.Debug("rate_limited", "identity", id, "path", r.URL.Path)
			utils.JSONError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), identityKey, id)))
	})
}

// requireIdentityFast is the transport-neutral variant used on the write
// fast path.
func (s *Server) requireIdentityFast(next httpx.HandlerFunc) httpx.HandlerFunc {
	return func(w httpx.ResponseWriter, r *httpx.Request) {
		id := r.Header.Get(identityHeader)
		if id == "" {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte(`{"error":"identity missing"}`))
			return
		}
		if !s.limits.allow(id) {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusTooManyRequests)
			_, _ = w.Write([]byte(`{"error":"rate limit exceeded"}`))
			return
		}
		r.Ctx = context.WithValue(r.Ctx, identityKey, id)
		next(w, r)
	}
}
