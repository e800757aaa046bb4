package multitenancy

import (
	"context"
	"fmt"
	"strings"
)

// TenantSeparator joins tenant and aggregate ids: "tenant-a::acc-1".
const TenantSeparator = "::"

// ComposeAggregateID returns the tenant-scoped id. An empty tenant leaves
// the id unchanged.
func ComposeAggregateID(tenantID, aggregateID string) string {
	if tenantID == "" {
		return aggregateID
	}
	return tenantID + TenantSeparator + aggregateID
}

// DecomposeAggregateID splits a composed id. Ids without a separator have
// no tenant.
func DecomposeAggregateID(composite string) (tenantID, aggregateID string) {
	tenant, id, ok := strings.Cut(composite, TenantSeparator)
	if !ok {
		return "", composite
	}
	return tenant, id
}

// ScopedID composes aggregateID with the tenant carried by ctx.
func ScopedID(ctx context.Context, aggregateID string) (string, error) {
	tenant, err := TenantID(ctx)
	if err != nil {
		return "", err
	}
	return ComposeAggregateID(tenant, aggregateID), nil
}

// CheckTenant rejects composed ids that belong to a different tenant.
func CheckTenant(composite, tenantID string) error {
	owner, _ := DecomposeAggregateID(composite)
	if owner != "" && owner != tenantID {
		return fmt.Errorf("tenant mismatch: id %s belongs to %s, not %s", composite, owner, tenantID)
	}
	return nil
}
