package auth

import (
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
)

// AdminAudit logs one line per admin request with the caller's address and
// the response status.
func AdminAudit(logger *zap.Logger) func(http.Handler) http.Handler {
	logger = logger.Named("admin")
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(rec, r)
			logger.Info("admin action",
				zap.String("action", r.Method),
				zap.String("resource", r.URL.Path),
				zap.String("ip", GetIPAddress(r)),
				zap.String("user_agent", r.UserAgent()),
				zap.Int("status", rec.status),
				zap.Duration("elapsed", time.Since(start)))
		})
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

// GetIPAddress extracts the IP address from the request
func GetIPAddress(r *http.Request) string {
	// Check X-Forwarded-For header first (for proxies)
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		// Take the first IP in the list
		return strings.TrimSpace(strings.Split(xff, ",")[0])
	}

	// Check X-Real-IP header
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return xri
	}

	// Fall back to RemoteAddr
	return r.RemoteAddr
}
