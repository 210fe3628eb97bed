package domain

import "context"

type principalKey struct{}

// ContextPrincipal carries the authenticated identity through request context.
// Background tasks receive a snapshot of the submitting request's principal
// rather than reading ambient state.
type ContextPrincipal struct {
	Name    string
	IsAdmin bool
}

// WithPrincipal stores a ContextPrincipal in the context.
func WithPrincipal(ctx context.Context, p ContextPrincipal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

// PrincipalFromContext extracts the ContextPrincipal from the context.
func PrincipalFromContext(ctx context.Context) (ContextPrincipal, bool) {
	p, ok := ctx.Value(principalKey{}).(ContextPrincipal)
	return p, ok
}
