// Package security authenticates remote approval surfaces. Approvers
// present an HS256 token minted by the daemon operator; the websocket
// handshake and the admin API both go through the same middleware.
package security

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	// ErrMissingToken is returned when no token accompanies the request.
	ErrMissingToken = errors.New("security: missing authorization token")
	// ErrInvalidToken is returned when the token is malformed or its
	// signature does not verify.
	ErrInvalidToken = errors.New("security: invalid token")
	// ErrExpiredToken is returned when the token has expired.
	ErrExpiredToken = errors.New("security: token expired")
)

type contextKey string

const claimsKey contextKey = "approver_claims"

// RoleApprover may answer prompts; RoleAdmin may additionally manage
// profiles and trust levels.
const (
	RoleApprover = "approver"
	RoleAdmin    = "admin"
)

// Claims identifies an authenticated approver.
type Claims struct {
	Approver string `json:"approver"`
	Role     string `json:"role"`
}

type jwtClaims struct {
	Approver string `json:"approver"`
	Role     string `json:"role"`
	jwt.RegisteredClaims
}

// GenerateToken mints a signed token for an approver.
func GenerateToken(approver, role string, secret []byte, ttl time.Duration) (string, error) {
	if role != RoleApprover && role != RoleAdmin {
		return "", fmt.Errorf("security: unknown role %q", role)
	}
	now := time.Now()
	claims := jwtClaims{
		Approver: approver,
		Role:     role,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(secret)
}

// ValidateToken parses and verifies a token string.
func ValidateToken(tokenStr string, secret []byte) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenStr, &jwtClaims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return secret, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpiredToken
		}
		return nil, ErrInvalidToken
	}

	jc, ok := token.Claims.(*jwtClaims)
	if !ok || !token.Valid {
		return nil, ErrInvalidToken
	}
	return &Claims{Approver: jc.Approver, Role: jc.Role}, nil
}

// FromContext returns the claims attached by Middleware.
func FromContext(ctx context.Context) (*Claims, bool) {
	c, ok := ctx.Value(claimsKey).(*Claims)
	return c, ok
}

// Middleware authenticates requests via "Authorization: Bearer <token>"
// or, for websocket clients that cannot set headers, a "token" query
// parameter. Requests without a valid token get 401.
func Middleware(secret []byte, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			tokenStr := bearerToken(r)
			if tokenStr == "" {
				http.Error(w, ErrMissingToken.Error(), http.StatusUnauthorized)
				return
			}
			claims, err := ValidateToken(tokenStr, secret)
			if err != nil {
				logger.Warn("rejected token", "remote", r.RemoteAddr, "error", err)
				http.Error(w, err.Error(), http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), claimsKey, claims)))
		})
	}
}

// LocalMiddleware attaches synthetic admin claims without checking a
// token. Used when no secret is configured, which config validation
// only permits while every remote surface is disabled.
func LocalMiddleware() func(http.Handler) http.Handler {
	claims := &Claims{Approver: "local", Role: RoleAdmin}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), claimsKey, claims)))
		})
	}
}

// RequireAdmin wraps a handler so only admin tokens pass.
func RequireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		claims, ok := FromContext(r.Context())
		if !ok || claims.Role != RoleAdmin {
			http.Error(w, "admin role required", http.StatusForbidden)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func bearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	return r.URL.Query().Get("token")
}
