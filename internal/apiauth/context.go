package apiauth

import (
	"context"
	"strings"
)

type ctxKey string

const (
	officerIDKey ctxKey = "apiauth_officer_id"
	rolesKey     ctxKey = "apiauth_roles"
)

// ContextWithOfficer stores the authenticated caller identity in the context.
func ContextWithOfficer(ctx context.Context, officerID string, roles []string) context.Context {
	ctx = context.WithValue(ctx, officerIDKey, strings.TrimSpace(officerID))
	if len(roles) > 0 {
		ctx = context.WithValue(ctx, rolesKey, normalizeRoles(roles))
	}
	return ctx
}

// OfficerIDFromContext extracts the authenticated officer ID from context.
func OfficerIDFromContext(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(officerIDKey).(string)
	if !ok || strings.TrimSpace(v) == "" {
		return "", false
	}
	return v, true
}

// RolesFromContext returns the caller's role tags (deduplicated, lower-cased).
func RolesFromContext(ctx context.Context) []string {
	v, ok := ctx.Value(rolesKey).([]string)
	if !ok || len(v) == 0 {
		return nil
	}
	out := make([]string, len(v))
	copy(out, v)
	return out
}

// HasRole checks whether the context carries the specified role.
func HasRole(ctx context.Context, role string) bool {
	role = strings.TrimSpace(strings.ToLower(role))
	if role == "" {
		return false
	}
	for _, r := range RolesFromContext(ctx) {
		if r == role {
			return true
		}
	}
	return false
}
