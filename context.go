package audit

import (
	"context"

	"go.opentelemetry.io/otel/trace"
)

type ctxKey int

const (
	requestIDKey ctxKey = iota
	userIDKey
	tenantIDKey
	rolesKey
)

// WithRequestID attaches the inbound request id to the context.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey, id)
}

// RequestIDFrom returns the request id, or an empty string if not set.
func RequestIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey).(string)
	return id
}

// WithUserID attaches the authenticated caller's id to the context.
func WithUserID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, userIDKey, id)
}

// UserIDFrom returns the caller's id, or an empty string if not set.
func UserIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(userIDKey).(string)
	return id
}

// WithTenantID attaches the caller's tenant to the context.
func WithTenantID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, tenantIDKey, id)
}

// TenantIDFrom returns the caller's tenant, or an empty string if not set.
func TenantIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(tenantIDKey).(string)
	return id
}

// WithRoles attaches the caller's roles to the context.
func WithRoles(ctx context.Context, roles ...string) context.Context {
	return context.WithValue(ctx, rolesKey, roles)
}

// RolesFrom returns the caller's roles.
func RolesFrom(ctx context.Context) []string {
	roles, _ := ctx.Value(rolesKey).([]string)
	return roles
}

// EnrichRequestContext fills fields the submitter left empty from what the
// context knows about the current request: the caller, its tenant, the
// request id and the active trace span. Values supplied by the submitter win.
func EnrichRequestContext(ctx context.Context, rc RequestContext) RequestContext {
	if rc.UserID == "" {
		rc.UserID = UserIDFrom(ctx)
	}
	if rc.TenantID == "" {
		rc.TenantID = TenantIDFrom(ctx)
	}
	if rc.RequestID == "" {
		rc.RequestID = RequestIDFrom(ctx)
	}
	if sc := trace.SpanContextFromContext(ctx); sc.IsValid() {
		if rc.TraceID == "" {
			rc.TraceID = sc.TraceID().String()
		}
		if rc.SpanID == "" {
			rc.SpanID = sc.SpanID().String()
		}
	}
	return rc
}
