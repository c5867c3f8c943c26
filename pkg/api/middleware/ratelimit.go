package middleware

import (
	"math"
	"net"
	"net/http"
	"strconv"

	"github.com/komari-bot/komari/pkg/api/response"
	"github.com/komari-bot/komari/pkg/ratelimit"
)

// RateLimit rejects requests from clients that exceed their token bucket.
// Clients are keyed by remote IP. Health probes are never limited.
func RateLimit(limiter *ratelimit.Keyed) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Path == "/health" || r.URL.Path == "/ready" {
				next.ServeHTTP(w, r)
				return
			}

			ok, wait := limiter.Allow(clientIP(r))
			if !ok {
				w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(wait.Seconds()))))
				response.Error(w, http.StatusTooManyRequests, response.ErrCodeRateLimited,
					"Rate limit exceeded", GetRequestID(r.Context()))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
