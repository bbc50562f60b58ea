package middleware

import (
	"net"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/ebogdum/lablock/coordination/httpstore"
)

// ClientRateLimiter hands out one token bucket per client address. Buckets
// idle for longer than the sweep interval are dropped.
type ClientRateLimiter struct {
	limit rate.Limit
	burst int

	mu        sync.Mutex
	clients   map[string]*clientBucket
	lastSweep time.Time
}

type clientBucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

const sweepInterval = 5 * time.Minute

// NewClientRateLimiter creates a limiter allowing limit requests per second
// with the given burst for each client.
func NewClientRateLimiter(limit float64, burst int) *ClientRateLimiter {
	if burst <= 0 {
		burst = 1
	}
	return &ClientRateLimiter{
		limit:     rate.Limit(limit),
		burst:     burst,
		clients:   make(map[string]*clientBucket),
		lastSweep: time.Now(),
	}
}

// Allow reports whether client may make a request now
func (l *ClientRateLimiter) Allow(client string) bool {
	now := time.Now()

	l.mu.Lock()
	if now.Sub(l.lastSweep) > sweepInterval {
		for addr, b := range l.clients {
			if now.Sub(b.lastSeen) > sweepInterval {
				delete(l.clients, addr)
			}
		}
		l.lastSweep = now
	}

	b, ok := l.clients[client]
	if !ok {
		b = &clientBucket{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.clients[client] = b
	}
	b.lastSeen = now
	limiter := b.limiter
	l.mu.Unlock()

	return limiter.AllowN(now, 1)
}

// V1RateLimitMiddleware creates a middleware that applies per-client rate
// limiting to HTTP requests.
func V1RateLimitMiddleware(limiter *ClientRateLimiter, logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			client := clientAddr(r)
			if !limiter.Allow(client) {
				logger.Warn("Request rate limited",
					zap.String("method", r.Method),
					zap.String("path", r.URL.Path),
					zap.String("remote_addr", client),
					zap.String("user_agent", r.UserAgent()))

				w.Header().Set("Retry-After", "1")
				sendErrorResponse(w, logger, http.StatusTooManyRequests, httpstore.CodeRateLimited, "rate limit exceeded")
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// clientAddr strips the port from RemoteAddr, which chi's RealIP middleware
// may already have replaced with a forwarded address.
func clientAddr(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
