package httpapi

import (
	"context"
	"net/http"
	"strings"

	apperrors "github.com/rutaops/dispatch/infrastructure/errors"
	"github.com/rutaops/dispatch/internal/app/auth"
	"github.com/rutaops/dispatch/internal/app/domain/user"
)

type ctxKey string

const (
	ctxUserIDKey ctxKey = "httpapi.user_id"
	ctxRoleKey   ctxKey = "httpapi.role"
	ctxEmailKey  ctxKey = "httpapi.email"
)

// publicSuffixes are served without an access token. The payments webhook
// authenticates with its own shared secret.
var publicSuffixes = []string{
	"/auth/login",
	"/auth/refresh",
	"/healthz",
	"/metrics",
	"/payments/webhooks/verified",
}

func isPublic(path string) bool {
	for _, suffix := range publicSuffixes {
		if strings.HasSuffix(path, suffix) {
			return true
		}
	}
	return false
}

// extractToken reads the bearer token, falling back to the `token` query
// parameter for SSE (EventSource cannot set headers).
func extractToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		if strings.HasPrefix(h, "Bearer ") {
			return strings.TrimSpace(strings.TrimPrefix(h, "Bearer "))
		}
	}
	return strings.TrimSpace(r.URL.Query().Get("token"))
}

// wrapWithAuth validates the access token on every non-public request and
// stashes the identity in the context.
func wrapWithAuth(next http.Handler, sessions *auth.Manager) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodOptions || isPublic(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}

		token := extractToken(r)
		if token == "" {
			writeError(w, apperrors.Unauthenticated("missing access token"))
			return
		}
		claims, err := sessions.ValidateAccess(token)
		if err != nil {
			writeError(w, err)
			return
		}

		ctx := context.WithValue(r.Context(), ctxUserIDKey, claims.Subject)
		ctx = context.WithValue(ctx, ctxRoleKey, user.Role(claims.Role))
		ctx = context.WithValue(ctx, ctxEmailKey, claims.Email)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func userIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(ctxUserIDKey).(string)
	return id
}

func roleFrom(ctx context.Context) user.Role {
	role, _ := ctx.Value(ctxRoleKey).(user.Role)
	return role
}

// requireRole rejects callers outside the allowed roles. Admin passes every
// check.
func requireRole(ctx context.Context, roles ...user.Role) error {
	actual := roleFrom(ctx)
	if actual == user.RoleAdmin {
		return nil
	}
	for _, role := range roles {
		if actual == role {
			return nil
		}
	}
	return apperrors.Forbidden("insufficient role")
}
