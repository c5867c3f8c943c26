package middleware

import (
	"net/http"
	"runtime/debug"

	"github.com/komari-bot/komari/pkg/api/response"
	"github.com/komari-bot/komari/pkg/logger"
)

// Recovery turns handler panics into 500 responses.
func Recovery(log logger.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if err := recover(); err != nil {
					if err == http.ErrAbortHandler {
						panic(err)
					}
					requestID := GetRequestID(r.Context())
					log.ErrorContext(r.Context(), "Panic recovered",
						"error", err,
						"path", r.URL.Path,
						"method", r.Method,
						"request_id", requestID,
						"stack", string(debug.Stack()),
					)
					response.Error(w, http.StatusInternalServerError, response.ErrCodeInternalServer,
						"Internal server error", requestID)
				}
			}()

			next.ServeHTTP(w, r)
		})
	}
}
