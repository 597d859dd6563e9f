package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"

	"github.com/hazakura/license-server/internal/config"
	"github.com/hazakura/license-server/pkg/ratelimit"
)

type contextKey string

const AdminContextKey contextKey = "admin"

// AdminClaims are the JWT claims minted by POST /admin/session
type AdminClaims struct {
	Role string `json:"role"`
	jwt.RegisteredClaims
}

// AdminAuth guards privileged routes. It accepts either the shared admin
// secret (X-Admin-Secret header or admin_secret body field, checked against
// the server-held bcrypt hash) or a bearer token from POST /admin/session.
func AdminAuth(cfg *config.Config) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if secret := adminSecretFromRequest(r); secret != "" {
				if bcrypt.CompareHashAndPassword([]byte(cfg.AdminSecretHash), []byte(secret)) != nil {
					http.Error(w, "Unauthorized: invalid admin secret", http.StatusUnauthorized)
					return
				}
				ctx := context.WithValue(r.Context(), AdminContextKey, true)
				next.ServeHTTP(w, r.WithContext(ctx))
				return
			}

			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				http.Error(w, "Unauthorized: no credentials provided", http.StatusUnauthorized)
				return
			}

			bearerToken := strings.Split(authHeader, " ")
			if len(bearerToken) != 2 || bearerToken[0] != "Bearer" {
				http.Error(w, "Unauthorized: invalid token format", http.StatusUnauthorized)
				return
			}

			claims := &AdminClaims{}
			token, err := jwt.ParseWithClaims(bearerToken[1], claims, func(token *jwt.Token) (interface{}, error) {
				if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
					return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
				}
				return []byte(cfg.JWTSecret), nil
			})
			if err != nil || !token.Valid || claims.Role != "admin" {
				http.Error(w, "Unauthorized: invalid token", http.StatusUnauthorized)
				return
			}

			ctx := context.WithValue(r.Context(), AdminContextKey, true)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// adminSecretFromRequest pulls the shared secret from the header or, for
// JSON requests, from an admin_secret body field. The body is restored so
// the handler can decode it again.
func adminSecretFromRequest(r *http.Request) string {
	if s := r.Header.Get("X-Admin-Secret"); s != "" {
		return s
	}
	if r.Body == nil || !strings.HasPrefix(r.Header.Get("Content-Type"), "application/json") {
		return ""
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	r.Body.Close()
	r.Body = io.NopCloser(bytes.NewReader(body))
	if err != nil {
		return ""
	}

	var probe struct {
		AdminSecret string `json:"admin_secret"`
	}
	if err := json.Unmarshal(body, &probe); err != nil {
		return ""
	}
	return probe.AdminSecret
}

// RateLimit applies the given limiter keyed by client IP. A nil limiter
// disables limiting.
func RateLimit(limiter ratelimit.Limiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if limiter != nil && !limiter.Allow(r.Context(), clientIP(r)) {
				http.Error(w, "Too many requests", http.StatusTooManyRequests)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// clientIP returns the request origin. chi's middleware.RealIP has already
// rewritten RemoteAddr when the server sits behind a proxy.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
