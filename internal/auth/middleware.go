// Package auth guards the mutating API routes with a single admin key.
package auth

import (
	"encoding/json"
	"errors"
	"net/http"

	"go.uber.org/zap"
)

// Authentication failures.
var (
	ErrMissingToken  = errors.New("missing bearer token")
	ErrInvalidToken  = errors.New("invalid token")
	ErrNotConfigured = errors.New("admin access is not configured")
)

// Authenticator checks bearer tokens against the admin key. A bcrypt hash
// takes precedence over the plain key when both are set.
type Authenticator struct {
	plainKey string
	keyHash  string
	logger   *zap.Logger
}

// NewAuthenticator creates an Authenticator. With neither key set every
// request is rejected.
func NewAuthenticator(plainKey, keyHash string, logger *zap.Logger) *Authenticator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Authenticator{plainKey: plainKey, keyHash: keyHash, logger: logger.Named("auth")}
}

// Authenticate checks the Authorization header value.
func (a *Authenticator) Authenticate(authHeader string) error {
	token := ExtractBearerToken(authHeader)
	if token == "" {
		return ErrMissingToken
	}
	switch {
	case a.keyHash != "":
		if VerifyAPIKey(token, a.keyHash) {
			return nil
		}
	case a.plainKey != "":
		if VerifyAPIKeyConstantTime(token, a.plainKey) {
			return nil
		}
	default:
		return ErrNotConfigured
	}
	return ErrInvalidToken
}

// RequireAdmin is a middleware that rejects requests without the admin key.
func (a *Authenticator) RequireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := a.Authenticate(r.Header.Get("Authorization")); err != nil {
			a.logger.Info("rejected admin request",
				zap.String("path", r.URL.Path),
				zap.String("ip", GetIPAddress(r)),
				zap.Error(err))
			w.Header().Set("Content-Type", "application/json")
			w.Header().Set("WWW-Authenticate", `Bearer realm="policy"`)
			w.WriteHeader(http.StatusUnauthorized)
			_ = json.NewEncoder(w).Encode(map[string]any{
				"error":   "unauthorized",
				"message": err.Error(),
				"code":    http.StatusUnauthorized,
			})
			return
		}
		next.ServeHTTP(w, r)
	})
}
