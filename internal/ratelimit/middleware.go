package ratelimit

import (
	"fmt"
	"log"
	"net"
	"net/http"
	"strconv"
)

// Middleware wraps HTTP handlers with a per-IP rate limit.
type Middleware struct {
	store      Store
	capacity   float64
	refillRate float64
	logger     *log.Logger
}

// NewMiddleware creates a middleware allowing requestsPerMinute per client
// IP, with bursts up to the same amount.
func NewMiddleware(store Store, requestsPerMinute float64, logger *log.Logger) *Middleware {
	return &Middleware{
		store:      store,
		capacity:   requestsPerMinute,
		refillRate: requestsPerMinute / 60,
		logger:     logger,
	}
}

// Wrap applies rate limiting to an HTTP handler.
func (m *Middleware) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := clientIP(r)

		allowed, remaining, err := m.store.Allow(r.Context(), ip, m.capacity, m.refillRate)
		if err != nil {
			// Fail open on store errors.
			if m.logger != nil {
				m.logger.Printf("rate limit store error: %v", err)
			}
			next.ServeHTTP(w, r)
			return
		}

		w.Header().Set("X-RateLimit-Limit", strconv.FormatFloat(m.capacity, 'f', 0, 64))
		w.Header().Set("X-RateLimit-Remaining", strconv.FormatFloat(remaining, 'f', 0, 64))

		if !allowed {
			if m.logger != nil {
				m.logger.Printf("rate limit exceeded: ip=%s path=%s", ip, r.URL.Path)
			}
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusTooManyRequests)
			fmt.Fprint(w, `{"error": "Rate limit exceeded. Please try again later."}`)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// clientIP returns the request's remote address without the port. The router
// runs RealIP ahead of this middleware, so RemoteAddr already reflects
// forwarding headers.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
