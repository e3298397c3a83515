package server

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

type subjectKey struct{}

func subjectFromContext(ctx context.Context) string {
	sub, _ := ctx.Value(subjectKey{}).(string)
	return sub
}

// authMiddleware returns middleware that validates Bearer token authentication.
// A request passes if the token equals AuthToken or is an HS256 JWT signed
// with JWTSecret. When neither is configured, the middleware is a no-op.
// Exact paths /health and /metrics are exempt from authentication.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	if s.config.AuthToken == "" && s.config.JWTSecret == "" {
		return next
	}

	tokenBytes := []byte(s.config.AuthToken)
	secret := []byte(s.config.JWTSecret)
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
	)

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" || r.URL.Path == "/metrics" {
			next.ServeHTTP(w, r)
			return
		}
		if s.config.PublicReads && (r.Method == http.MethodGet || r.Method == http.MethodHead) {
			next.ServeHTTP(w, r)
			return
		}

		auth := r.Header.Get("Authorization")
		if !strings.HasPrefix(auth, "Bearer ") {
			unauthorizedResponse(w)
			return
		}
		provided := strings.TrimPrefix(auth, "Bearer ")

		if len(tokenBytes) > 0 && subtle.ConstantTimeCompare([]byte(provided), tokenBytes) == 1 {
			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), subjectKey{}, "static-token")))
			return
		}

		if len(secret) > 0 {
			claims := &jwt.RegisteredClaims{}
			token, err := parser.ParseWithClaims(provided, claims, func(*jwt.Token) (any, error) {
				return secret, nil
			})
			if err == nil && token.Valid {
				next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), subjectKey{}, claims.Subject)))
				return
			}
			s.logger.DebugContext(r.Context(), "rejected bearer token", "error", err)
		}

		unauthorizedResponse(w)
	})
}

func unauthorizedResponse(w http.ResponseWriter) {
	w.Header().Set("WWW-Authenticate", "Bearer")
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	json.NewEncoder(w).Encode(map[string]string{"error": "unauthorized"}) //nolint:errcheck
}
