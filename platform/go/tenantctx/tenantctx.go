// Package tenantctx resolves the requesting tenant from trusted headers and
// carries it on the request context. There is no authentication layer in
// front of the control plane; the header value is the unit of isolation and
// quota accounting.
package tenantctx

import (
	"context"
	"net/http"
	"strings"
)

// Headers consulted for tenant identity, in order of preference.
const (
	HeaderTenantID = "X-Tenant-Id"
	HeaderUserID   = "X-User-Id"
)

// DefaultTenant is assumed when a request carries no tenant header.
const DefaultTenant = "default"

type ctxKey struct{}

// WithTenant stores the tenant id on the context.
func WithTenant(ctx context.Context, tenantID string) context.Context {
	return context.WithValue(ctx, ctxKey{}, tenantID)
}

// FromContext retrieves the tenant id stored by the middleware. It returns
// DefaultTenant if the middleware did not run.
func FromContext(ctx context.Context) string {
	if tenantID, ok := ctx.Value(ctxKey{}).(string); ok && tenantID != "" {
		return tenantID
	}
	return DefaultTenant
}

// FromRequest resolves the tenant from the request headers.
func FromRequest(r *http.Request) string {
	if v := strings.TrimSpace(r.Header.Get(HeaderTenantID)); v != "" {
		return v
	}
	if v := strings.TrimSpace(r.Header.Get(HeaderUserID)); v != "" {
		return v
	}
	return DefaultTenant
}

// Middleware resolves the tenant once per request and stores it on the context.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := WithTenant(r.Context(), FromRequest(r))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
