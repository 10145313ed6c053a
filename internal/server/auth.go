package server

import (
	"context"
	"encoding/json"
	"net/http"
	"path"
	"strings"

	"github.com/danielgtaylor/huma/v2"

	"flowline/internal/apikey"
)

type Principal struct {
	OwnerID string
	Source  string
}

type principalKey struct{}

func withPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

func principalFromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(Principal)
	return p, ok
}

func ownerIDFromContext(ctx context.Context) (string, huma.StatusError) {
	if p, ok := principalFromContext(ctx); ok && p.OwnerID != "" {
		return p.OwnerID, nil
	}
	return "", newAPIError(http.StatusUnauthorized, "unauthorized", "authentication required", nil)
}

func bearerToken(authz string) (string, bool) {
	parts := strings.Fields(authz)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
		return "", false
	}
	return parts[1], true
}

// newAuthMiddleware resolves the caller's API key before dispatch. Health is
// the only exempt path; everything else under the base path gets 401 without
// a valid key.
func newAuthMiddleware(basePath string, authority *apikey.Authority) func(http.Handler) http.Handler {
	healthPath := path.Join(basePath, "health")
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			if basePath != "" && !strings.HasPrefix(req.URL.Path, basePath) {
				next.ServeHTTP(w, req)
				return
			}
			if req.URL.Path == healthPath {
				next.ServeHTTP(w, req)
				return
			}

			key := strings.TrimSpace(req.Header.Get("X-Api-Key"))
			if key == "" {
				if authz := strings.TrimSpace(req.Header.Get("Authorization")); authz != "" {
					token, ok := bearerToken(authz)
					if !ok {
						respondStatusError(w, newAPIError(http.StatusUnauthorized, "unauthorized", "invalid credentials", nil))
						return
					}
					key = token
				}
			}
			if key == "" {
				respondStatusError(w, newAPIError(http.StatusUnauthorized, "unauthorized", "authentication required", nil))
				return
			}
			record, err := authority.Verify(req.Context(), key)
			if err != nil {
				respondStatusError(w, newAPIError(http.StatusUnauthorized, "unauthorized", "invalid credentials", nil))
				return
			}
			ctx := withPrincipal(req.Context(), Principal{OwnerID: record.OwnerID, Source: "api_key"})
			next.ServeHTTP(w, req.WithContext(ctx))
		})
	}
}

func respondStatusError(w http.ResponseWriter, err huma.StatusError) {
	status := http.StatusInternalServerError
	if e, ok := err.(interface{ GetStatus() int }); ok {
		status = e.GetStatus()
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(err)
}
