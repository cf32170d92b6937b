// Package middleware carries the admin surface's HTTP middleware:
// panic recovery, request logging, CORS and rate limiting.
package middleware

import (
	"net/http"
	"runtime/debug"

	"github.com/taskflow-core/taskflow/internal/platform/logger"
	"github.com/taskflow-core/taskflow/internal/platform/response"
)

// Recovery converts handler panics into 500 responses instead of
// tearing down the connection.
func Recovery(log logger.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if err := recover(); err != nil {
					if log != nil {
						log.Error("panic recovered",
							"error", err,
							"path", r.URL.Path,
							"method", r.Method,
							"stack", string(debug.Stack()),
						)
					}
					response.Error(w, response.ErrInternal)
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}
