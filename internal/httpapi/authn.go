package httpapi

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"fedguard.org/internal/auth"
)

const (
	authHeader = "Authorization"
	bearer     = "Bearer "
)

var publicPaths = []string{
	"/metrics",
	"/healthz",
	"/readyz",
	"/v1/info",
	"/",
}

func (a *API) withAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if isPublicPath(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}

		token, err := extractBearerToken(r.Header.Get(authHeader))
		if err != nil {
			writeError(w, r, http.StatusUnauthorized, err.Error())
			return
		}

		claims, err := auth.ParseAndValidate(token)
		if err != nil {
			if errors.Is(err, auth.ErrInvalidToken) {
				writeError(w, r, http.StatusUnauthorized, "invalid token")
				return
			}
			writeError(w, r, http.StatusInternalServerError, "authentication error")
			return
		}

		ctx := auth.ContextWithActor(r.Context(), claims.Subject, claims.Community, claims.Roles)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// requirePermission gates a handler on the caller's roles.
func requirePermission(ctx context.Context, perm string) error {
	if auth.RolesHavePermission(auth.RolesFromContext(ctx), perm) {
		return nil
	}
	return errors.New("permission denied")
}

// actorCommunity resolves which community the caller acts for: operators
// may name any community, everyone else is pinned to their token's.
func actorCommunity(ctx context.Context, requested string) string {
	if requested != "" && auth.HasRole(ctx, auth.RoleOperator) {
		return requested
	}
	if community, ok := auth.CommunityFromContext(ctx); ok && community != "" {
		return community
	}
	return requested
}

func extractBearerToken(header string) (string, error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return "", errors.New("missing bearer token")
	}
	if !strings.HasPrefix(strings.ToLower(header), strings.ToLower(bearer)) {
		return "", errors.New("invalid authorization scheme")
	}
	token := strings.TrimSpace(header[len(bearer):])
	if token == "" {
		return "", errors.New("missing bearer token")
	}
	return token, nil
}

func isPublicPath(path string) bool {
	for _, p := range publicPaths {
		if path == p {
			return true
		}
	}
	return false
}
