package middleware

import (
	"context"
	"net/http"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

type contextKey string

const TenantIDKey contextKey = "tenant_id"

// TenantHeader carries the tenant of every API request
const TenantHeader = "X-Tenant-ID"

// TenantID middleware extracts tenant ID from header
func TenantID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tenantIDStr := r.Header.Get(TenantHeader)
		if tenantIDStr == "" {
			log.Warn().Str("path", r.URL.Path).Msg("Missing X-Tenant-ID header")
			http.Error(w, "X-Tenant-ID header is required", http.StatusBadRequest)
			return
		}

		tenantID, err := uuid.Parse(tenantIDStr)
		if err != nil || tenantID == uuid.Nil {
			log.Warn().Err(err).Str("tenant_id", tenantIDStr).Msg("Invalid tenant ID")
			http.Error(w, "Invalid X-Tenant-ID format", http.StatusBadRequest)
			return
		}

		next.ServeHTTP(w, r.WithContext(WithTenantID(r.Context(), tenantID)))
	})
}

// WithTenantID stores tenantID in ctx
func WithTenantID(ctx context.Context, tenantID uuid.UUID) context.Context {
	return context.WithValue(ctx, TenantIDKey, tenantID)
}

// GetTenantID extracts tenant ID from context
func GetTenantID(ctx context.Context) (uuid.UUID, bool) {
	tenantID, ok := ctx.Value(TenantIDKey).(uuid.UUID)
	return tenantID, ok
}
