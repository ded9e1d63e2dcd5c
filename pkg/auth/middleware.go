package auth

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
)

type contextKey struct{}

// ClaimsFrom returns the verified claims placed by Authenticate, if
// the request carried any.
func ClaimsFrom(ctx context.Context) (*Claims, bool) {
	c, ok := ctx.Value(contextKey{}).(*Claims)
	return c, ok
}

// Identity is the caller's resolved identity for rule evaluation.
// Anonymous requests resolve to the guest role.
type Identity struct {
	UserID      string
	Username    string
	Role        string
	Permissions []string
}

// IdentityFrom resolves the request identity; unauthenticated callers
// are anonymous guests.
func IdentityFrom(ctx context.Context) Identity {
	c, ok := ClaimsFrom(ctx)
	if !ok {
		return Identity{Username: "anonymous", Role: RoleGuest.Name}
	}
	return Identity{
		UserID:      c.Subject,
		Username:    c.Username,
		Role:        c.Role,
		Permissions: RolePermissions(c.Role),
	}
}

// Middleware wires token verification into an HTTP handler chain.
type Middleware struct {
	tokens *Tokens
	log    *slog.Logger
}

// NewMiddleware builds the auth middleware set.
func NewMiddleware(tokens *Tokens, log *slog.Logger) *Middleware {
	return &Middleware{tokens: tokens, log: log}
}

// Authenticate parses a bearer token when present and stores the
// verified claims on the request context. Requests without a token, or
// with a bad one, pass through anonymously; enforcement is the job of
// RequireAuth and RequireRole.
func (m *Middleware) Authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw := bearerToken(r)
		if raw == "" {
			next.ServeHTTP(w, r)
			return
		}
		claims, err := m.tokens.VerifyAccess(raw)
		if err != nil {
			m.log.Debug("rejected bearer token", "error", err)
			next.ServeHTTP(w, r)
			return
		}
		ctx := context.WithValue(r.Context(), contextKey{}, claims)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RequireAuth rejects anonymous requests with 401.
func (m *Middleware) RequireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, ok := ClaimsFrom(r.Context()); !ok {
			w.Header().Set("WWW-Authenticate", "Bearer")
			writeJSONError(w, http.StatusUnauthorized, "Authentication required")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// RequireRole rejects requests whose identity is not the given role.
// It implies RequireAuth.
func (m *Middleware) RequireRole(role string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return m.RequireAuth(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			claims, _ := ClaimsFrom(r.Context())
			if claims.Role != role {
				writeJSONError(w, http.StatusForbidden, titleWord(role)+" access required")
				return
			}
			next.ServeHTTP(w, r)
		}))
	}
}

// RequirePermission rejects identities whose role does not cover the
// permission. It implies RequireAuth.
func (m *Middleware) RequirePermission(perm Permission) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return m.RequireAuth(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			claims, _ := ClaimsFrom(r.Context())
			if !HasPermission(claims.Role, perm) {
				writeJSONError(w, http.StatusForbidden, "Permission denied: "+string(perm))
				return
			}
			next.ServeHTTP(w, r)
		}))
	}
}

func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if len(h) > len(prefix) && strings.EqualFold(h[:len(prefix)], prefix) {
		return h[len(prefix):]
	}
	return ""
}

func titleWord(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}

func writeJSONError(w http.ResponseWriter, code int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
