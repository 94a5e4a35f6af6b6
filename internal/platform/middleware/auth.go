package middleware

import (
	"context"
	"log/slog"
	"net/http"
	"strings"

	"setu/internal/identity"
	"setu/internal/identity/apikeys"
	"setu/pkg/platform/httputil"
	"setu/pkg/requestcontext"

	id "setu/pkg/domain"
	dErrors "setu/pkg/domain-errors"
)

const apiKeyHeader = "X-API-Key"

// TokenValidator validates service bearer tokens.
type TokenValidator interface {
	ValidateToken(tokenString string) (*identity.Claims, error)
}

// Authenticate resolves the caller's tenant from either the shared API key or
// a service bearer token. Every exchange route requires one of the two; the
// resolved tenant scopes all downstream store access.
func Authenticate(keys apikeys.Store, tokens TokenValidator, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()

			if token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer "); ok && tokens != nil {
				claims, err := tokens.ValidateToken(token)
				if err != nil {
					logger.WarnContext(ctx, "rejected bearer token",
						"error", err,
						"request_id", requestcontext.RequestID(ctx),
					)
					httputil.WriteError(w, err)
					return
				}
				ctx = requestcontext.WithTenantID(ctx, id.TenantID(claims.TenantID))
				ctx = requestcontext.WithRoles(ctx, claims.Roles)
				next.ServeHTTP(w, r.WithContext(ctx))
				return
			}

			tenantID, err := keys.VerifyKey(ctx, r.Header.Get(apiKeyHeader))
			if err != nil {
				logger.WarnContext(ctx, "rejected api key",
					"request_id", requestcontext.RequestID(ctx),
				)
				httputil.WriteError(w, dErrors.New(dErrors.CodeUnauthorized, "missing or invalid credentials"))
				return
			}
			next.ServeHTTP(w, r.WithContext(requestcontext.WithTenantID(ctx, tenantID)))
		})
	}
}

// TenantFromContext returns the authenticated tenant, failing closed when the
// chain was misconfigured.
func TenantFromContext(ctx context.Context) (id.TenantID, error) {
	tenantID := requestcontext.TenantID(ctx)
	if tenantID.IsEmpty() {
		return "", dErrors.New(dErrors.CodeInternal, "authentication context error")
	}
	return tenantID, nil
}
