package middleware

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
)

// unmatchedRoute labels requests that matched no route, so 404 scans do not
// grow the label set.
const unmatchedRoute = "unmatched"

// HTTPMetrics is the part of metrics.Manager the middleware needs.
type HTTPMetrics interface {
	HTTPRequestStarted() (done func())
	ObserveHTTPRequest(ctx context.Context, method, route string, code int, d time.Duration)
}

// Metrics records every request under its chi route pattern. Requests for
// skip paths (the scrape endpoint) are not recorded. A panic is counted as a
// 500 and re-raised for Recovery.
func Metrics(m HTTPMetrics, skip ...string) func(http.Handler) http.Handler {
	skipped := make(map[string]struct{}, len(skip))
	for _, p := range skip {
		skipped[p] = struct{}{}
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if _, ok := skipped[r.URL.Path]; ok {
				next.ServeHTTP(w, r)
				return
			}

			done := m.HTTPRequestStarted()
			start := time.Now()
			ww := wrap(w)
			panicked := true
			defer func() {
				code := ww.statusCode
				if panicked {
					code = http.StatusInternalServerError
				}
				m.ObserveHTTPRequest(r.Context(), r.Method, routeLabel(r), code, time.Since(start))
				done()
			}()

			next.ServeHTTP(ww, r)
			panicked = false
		})
	}
}

func routeLabel(r *http.Request) string {
	if rc := chi.RouteContext(r.Context()); rc != nil {
		if p := rc.RoutePattern(); p != "" {
			return p
		}
	}
	return unmatchedRoute
}
