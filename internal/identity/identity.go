// Package identity carries the authenticated caller through request context.
// The core never issues credentials; the transport layer verifies them and
// deposits the resulting identity here.
package identity

import (
	"context"

	"trellis.org/internal/roles"
)

// Identity is the already-authenticated caller of an operation.
type Identity struct {
	UserID string
	Role   roles.Role
}

type identityContextKey struct{}

// ContextWith attaches the authenticated caller to the context.
func ContextWith(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, identityContextKey{}, &id)
}

// FromContext extracts the authenticated caller from the context.
func FromContext(ctx context.Context) (Identity, bool) {
	if ctx == nil {
		return Identity{}, false
	}
	v, ok := ctx.Value(identityContextKey{}).(*Identity)
	if !ok || v == nil {
		return Identity{}, false
	}
	return *v, true
}
