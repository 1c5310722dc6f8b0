package middleware

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"strings"

	"connectrpc.com/connect"

	"github.com/mmynk/royalties/internal/auth"
)

// ErrForbidden is returned when the caller's role may not call a procedure.
var ErrForbidden = errors.New("role not permitted for this procedure")

// contextKey is a custom type for context keys to avoid collisions.
type contextKey string

const (
	// SubjectKey is the context key for storing the authenticated principal's name.
	SubjectKey contextKey = "subject"
	// RoleKey is the context key for storing the authenticated principal's role.
	RoleKey contextKey = "role"
)

// GetSubject extracts the principal name from the context.
// Returns empty string if not found.
func GetSubject(ctx context.Context) string {
	subject, _ := ctx.Value(SubjectKey).(string)
	return subject
}

// GetRole extracts the principal role from the context.
// Returns empty string if not found.
func GetRole(ctx context.Context) auth.Role {
	role, _ := ctx.Value(RoleKey).(auth.Role)
	return role
}

// WithPrincipal returns ctx carrying the principal.
func WithPrincipal(ctx context.Context, subject string, role auth.Role) context.Context {
	ctx = context.WithValue(ctx, SubjectKey, subject)
	return context.WithValue(ctx, RoleKey, role)
}

// Policy says who may call which procedure. Procedures listed in Public
// need no token; procedures without an entry in Roles accept any
// authenticated principal.
type Policy struct {
	Public map[string]bool
	Roles  map[string][]auth.Role
}

// Allows reports whether role may call procedure.
func (p Policy) Allows(procedure string, role auth.Role) bool {
	roles, ok := p.Roles[procedure]
	return !ok || slices.Contains(roles, role)
}

// RequireAuth returns a middleware that validates JWT tokens and enforces policy.
// It extracts the token from the Authorization header, validates it, and adds
// the principal to the request context.
func RequireAuth(jwtManager *auth.JWTManager, policy Policy) connect.UnaryInterceptorFunc {
	return func(next connect.UnaryFunc) connect.UnaryFunc {
		return func(ctx context.Context, req connect.AnyRequest) (connect.AnyResponse, error) {
			procedure := req.Spec().Procedure
			if policy.Public[procedure] {
				return next(ctx, req)
			}

			// Extract Authorization header
			authHeader := req.Header().Get("Authorization")
			if authHeader == "" {
				return nil, connect.NewError(connect.CodeUnauthenticated, auth.ErrMissingToken)
			}

			// Parse Bearer token
			parts := strings.Split(authHeader, " ")
			if len(parts) != 2 || parts[0] != "Bearer" {
				return nil, connect.NewError(connect.CodeUnauthenticated, auth.ErrInvalidToken)
			}

			claims, err := jwtManager.Validate(parts[1])
			if err != nil {
				slog.Warn("Rejected token", "procedure", procedure, "error", err)
				return nil, connect.NewError(connect.CodeUnauthenticated, err)
			}
			if !policy.Allows(procedure, claims.Role) {
				slog.Warn("Forbidden RPC", "procedure", procedure, "subject", claims.Subject, "role", claims.Role)
				return nil, connect.NewError(connect.CodePermissionDenied, ErrForbidden)
			}

			return next(WithPrincipal(ctx, claims.Subject, claims.Role), req)
		}
	}
}
