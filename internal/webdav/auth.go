package webdav

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/fruitsalade/sharedav/internal/auth"
	"github.com/fruitsalade/sharedav/internal/logging"
	"github.com/fruitsalade/sharedav/internal/sharing"
)

// GroupSource returns the groups a user belongs to.
type GroupSource interface {
	UserGroupIDs(ctx context.Context, userID int) ([]int, error)
}

// BasicAuthMiddleware returns middleware that authenticates via Basic Auth
// or Bearer token (for programmatic access) and starts the request scope
// for the authenticated principal.
func BasicAuthMiddleware(a *auth.Auth, groups GroupSource) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		scoped := principalMiddleware(groups, next)
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			// Try Bearer token first (Authorization: Bearer <jwt>)
			if strings.HasPrefix(r.Header.Get("Authorization"), "Bearer ") {
				a.Middleware(scoped).ServeHTTP(w, r)
				return
			}

			// Fall back to HTTP Basic Auth
			username, password, ok := r.BasicAuth()
			if !ok {
				w.Header().Set("WWW-Authenticate", `Basic realm="sharedav"`)
				http.Error(w, "Authentication required", http.StatusUnauthorized)
				return
			}

			claims, err := a.ValidateCredentials(r.Context(), username, password)
			if err != nil {
				if !errors.Is(err, auth.ErrInvalidCredentials) {
					logging.WithContext(r.Context()).Error("webdav auth lookup failed", zap.Error(err))
					http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
					return
				}
				logging.WithContext(r.Context()).Warn("webdav auth failed",
					zap.String("username", username))
				w.Header().Set("WWW-Authenticate", `Basic realm="sharedav"`)
				http.Error(w, "Invalid credentials", http.StatusUnauthorized)
				return
			}

			scoped.ServeHTTP(w, r.WithContext(auth.WithClaims(r.Context(), claims)))
		})
	}
}

// principalMiddleware turns the request's claims into a principal with its
// group memberships, loaded once per request.
func principalMiddleware(groups GroupSource, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		claims := auth.GetClaims(r.Context())
		if claims == nil {
			http.Error(w, "Authentication required", http.StatusUnauthorized)
			return
		}

		groupIDs, err := groups.UserGroupIDs(r.Context(), claims.UserID)
		if err != nil {
			logging.WithContext(r.Context()).Error("load user groups failed",
				zap.Int("user_id", claims.UserID),
				zap.Error(err))
			http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
			return
		}

		ctx := WithPrincipal(r.Context(), sharing.Principal{
			UserID:   claims.UserID,
			Username: claims.Username,
			IsAdmin:  claims.IsAdmin,
			GroupIDs: groupIDs,
		})
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
