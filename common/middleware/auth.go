package middleware

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrInvalidToken = errors.New("invalid token")
)

// TenantScopeKey is the context key for the caller's authorized tenant.
const TenantScopeKey = contextKey("tenant-scope")

// Claims are the JWT claims huntql cares about. Tokens are issued by the
// platform auth service; this middleware only validates and extracts scope.
type Claims struct {
	TenantID string   `json:"tenant_id"`
	Roles    []string `json:"roles,omitempty"`
	jwt.RegisteredClaims
}

// TenantAuth validates the Bearer token and stores the authorized tenant in
// the request context. Requests without a valid token are rejected with 401.
type TenantAuth struct {
	secret []byte
}

// NewTenantAuth creates a TenantAuth middleware using an HS256 shared secret.
func NewTenantAuth(secret string) *TenantAuth {
	return &TenantAuth{secret: []byte(secret)}
}

// RequireAuth wraps a handler, rejecting requests that lack a valid token.
func (m *TenantAuth) RequireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			http.Error(w, "Missing authorization header", http.StatusUnauthorized)
			return
		}

		parts := strings.Split(authHeader, " ")
		if len(parts) != 2 || parts[0] != "Bearer" {
			http.Error(w, "Invalid authorization header", http.StatusUnauthorized)
			return
		}

		claims, err := m.ValidateToken(parts[1])
		if err != nil {
			http.Error(w, "Invalid or expired token", http.StatusUnauthorized)
			return
		}

		ctx := WithTenantScope(r.Context(), claims.TenantID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// ValidateToken parses and validates a token string, returning its claims.
func (m *TenantAuth) ValidateToken(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrInvalidToken
		}
		return m.secret, nil
	})
	if err != nil {
		return nil, err
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// WithTenantScope stores the authorized tenant in the context.
func WithTenantScope(ctx context.Context, tenantID string) context.Context {
	return context.WithValue(ctx, TenantScopeKey, tenantID)
}

// GetTenantScope returns the authorized tenant from the context, or "".
func GetTenantScope(ctx context.Context) string {
	if tenant, ok := ctx.Value(TenantScopeKey).(string); ok {
		return tenant
	}
	return ""
}
