package audit

import (
	"context"
	"fmt"
)

// Action is an operation a caller may be allowed to perform on a resource.
type Action string

const (
	ActionView   Action = "view"
	ActionCreate Action = "create"
)

// ResourceAuditEvent is the resource name audit event operations are
// authorized against.
const ResourceAuditEvent = "audit-event"

// Authorizer decides whether the caller in ctx may perform action on
// resource. It returns nil when access is granted and an error wrapping
// ErrAccessDenied when it is not.
type Authorizer interface {
	Authorize(ctx context.Context, action Action, resource string) error
}

// AccessControlFunc adapts a function to the Authorizer interface.
type AccessControlFunc func(ctx context.Context, action Action, resource string) error

// Authorize implements Authorizer.
func (f AccessControlFunc) Authorize(ctx context.Context, action Action, resource string) error {
	return f(ctx, action, resource)
}

// AllowAll grants every request. It is meant for local development and tests.
var AllowAll = AccessControlFunc(func(context.Context, Action, string) error { return nil })

// RoleAuthorizer grants access by the roles found in the request context
// (see WithRoles). Each role maps to the actions it permits on a resource.
type RoleAuthorizer struct {
	Grants map[string]map[string][]Action // role -> resource -> actions
}

// DefaultRoleAuthorizer returns the role table the service ships with.
func DefaultRoleAuthorizer() *RoleAuthorizer {
	return &RoleAuthorizer{Grants: map[string]map[string][]Action{
		"audit-admin":    {ResourceAuditEvent: {ActionView, ActionCreate}},
		"audit-viewer":   {ResourceAuditEvent: {ActionView}},
		"audit-producer": {ResourceAuditEvent: {ActionCreate}},
	}}
}

// Authorize implements Authorizer.
func (a *RoleAuthorizer) Authorize(ctx context.Context, action Action, resource string) error {
	for _, role := range RolesFrom(ctx) {
		for _, granted := range a.Grants[role][resource] {
			if granted == action {
				return nil
			}
		}
	}
	return fmt.Errorf("%w: %s on %s", ErrAccessDenied, action, resource)
}
