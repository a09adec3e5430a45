package gateway

import (
	"context"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// Role gates access to gateway actions.
type Role string

const (
	RoleAdmin Role = "admin"
	RoleStaff Role = "staff"
)

// Claims are the bearer-token claims the gateway understands.
type Claims struct {
	jwt.RegisteredClaims
	Role Role `json:"role"`
}

type contextKey string

const contextKeyClaims contextKey = "claims"

// claimsFrom returns the authenticated claims placed by authMiddleware.
func claimsFrom(ctx context.Context) *Claims {
	claims, _ := ctx.Value(contextKeyClaims).(*Claims)
	return claims
}

// authMiddleware requires a valid HS256 bearer token and stores its claims
// in the request context. Missing or invalid tokens get 401 before any
// action runs.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		if header == "" {
			s.respondError(w, http.StatusUnauthorized, "missing authorization header")
			return
		}
		token := strings.TrimPrefix(header, "Bearer ")
		if token == header || token == "" {
			s.respondError(w, http.StatusUnauthorized, "malformed authorization header")
			return
		}

		claims := &Claims{}
		parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
			return s.jwtSecret, nil
		}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
		if err != nil || !parsed.Valid {
			s.respondError(w, http.StatusUnauthorized, "invalid or expired token")
			return
		}
		if claims.Role != RoleAdmin && claims.Role != RoleStaff {
			s.respondError(w, http.StatusForbidden, "insufficient role")
			return
		}

		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), contextKeyClaims, claims)))
	})
}

// adminActions require the admin role; everything else accepts staff too.
var adminActions = map[string]bool{
	"archive_document": true,
	"get_upload_url":   true,
}

func authorized(action string, claims *Claims) bool {
	if claims == nil {
		return false
	}
	if adminActions[action] {
		return claims.Role == RoleAdmin
	}
	return true
}
