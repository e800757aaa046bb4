// Package multitenancy scopes aggregates to tenants, either by prefixing
// aggregate ids in a shared store or by routing each tenant to its own store.
package multitenancy

import (
	"context"
	"errors"
)

// ErrNoTenant is returned when a tenant-scoped operation runs without a
// tenant id in its context.
var ErrNoTenant = errors.New("tenant id not found in context")

type tenantIDKey struct{}

// WithTenantID returns a context carrying tenantID.
func WithTenantID(ctx context.Context, tenantID string) context.Context {
	return context.WithValue(ctx, tenantIDKey{}, tenantID)
}

// TenantID returns the tenant id carried by ctx.
func TenantID(ctx context.Context) (string, error) {
	id, ok := ctx.Value(tenantIDKey{}).(string)
	if !ok || id == "" {
		return "", ErrNoTenant
	}
	return id, nil
}
