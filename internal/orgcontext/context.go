package orgcontext

import (
	"context"
	"strings"

	"github.com/bwmarrin/snowflake"
)

// OrgContextKey is the request context key for the active organization ID.
type OrgContextKey struct{}

// EnvContextKey is the request context key for the active environment.
type EnvContextKey struct{}

// WithOrgID stores the org ID in the context.
func WithOrgID(ctx context.Context, orgID int64) context.Context {
	return context.WithValue(ctx, OrgContextKey{}, orgID)
}

// WithEnv stores the environment slug (e.g. "live", "sandbox") in the context.
func WithEnv(ctx context.Context, env string) context.Context {
	return context.WithValue(ctx, EnvContextKey{}, strings.TrimSpace(env))
}

// OrgIDFromContext returns the org ID from context, if set.
func OrgIDFromContext(ctx context.Context) (snowflake.ID, bool) {
	if ctx == nil {
		return 0, false
	}

	value := ctx.Value(OrgContextKey{})
	if value == nil {
		return 0, false
	}
	switch typed := value.(type) {
	case int64:
		return snowflake.ID(typed), true
	case snowflake.ID:
		return typed, true
	case string:
		parsed, err := snowflake.ParseString(strings.TrimSpace(typed))
		if err == nil {
			return parsed, true
		}
	}
	return 0, false
}

// EnvFromContext returns the environment from context, defaulting to "live".
func EnvFromContext(ctx context.Context) string {
	if ctx == nil {
		return "live"
	}
	if value, ok := ctx.Value(EnvContextKey{}).(string); ok && value != "" {
		return value
	}
	return "live"
}
