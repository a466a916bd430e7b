// Package auth authenticates requests carrying identity-provider ID tokens
// and attaches the caller's identity to the request context.
//
// Token verification:
//
// A [TokenVerifier] accepts only RS256 tokens whose kid resolves through a
// [KeyResolver] to a key published by the configured pool, whose aud is the
// configured client and whose iss is the pool's issuer URL. Key sets are
// fetched lazily per issuer and cached in a [KeyCache] for the life of the
// process; an unknown kid forces at most one rate-limited refresh.
//
// Trust paths:
//
// Behind the managed gateway the token was validated upstream, so
// [Authenticator.RequireAuth] decodes its payload without verification
// ([FromUnverifiedToken]). Requests without gateway markers
// ([HasGatewayMarkers]) are verified in full and provisioned on the spot.
// Deployments reachable around the gateway must disable gateway trust.
//
// Security:
//
// Every token failure answers 401 with a generic body; the detailed cause
// is only logged. A key set that cannot be fetched answers 503 because the
// token was never judged.
package auth

import (
	"context"

	"go.opentelemetry.io/otel/trace"

	"github.com/choregarden/choregarden-core/pkg/users"
)

// contextKey is an unexported type used for context keys in this package.
type contextKey int

const identityKey contextKey = iota

// RequestIdentity is the authenticated caller of one request. A value is
// never mutated after it is attached to a context; middleware that learns
// more about the caller attaches a new value.
type RequestIdentity struct {
	// SubjectID is the provider subject, stored as users.cognito_user_id.
	SubjectID string
	Email     string
	Source    TrustSource

	appUser *users.User
}

// AppUser returns the local user row, or nil if no middleware has loaded
// it yet.
func (i *RequestIdentity) AppUser() *users.User {
	if i == nil {
		return nil
	}
	return i.appUser
}

// WithUser returns a copy of i carrying u.
func (i *RequestIdentity) WithUser(u *users.User) *RequestIdentity {
	c := *i
	c.appUser = u
	return &c
}

// ContextWithIdentity returns a new context carrying id.
func ContextWithIdentity(ctx context.Context, id *RequestIdentity) context.Context {
	return context.WithValue(ctx, identityKey, id)
}

// IdentityFromContext returns the identity attached by [Authenticator.RequireAuth].
//
//	id, ok := auth.IdentityFromContext(r.Context())
//	if !ok {
//	    // route is not behind RequireAuth
//	}
func IdentityFromContext(ctx context.Context) (*RequestIdentity, bool) {
	id, ok := ctx.Value(identityKey).(*RequestIdentity)
	return id, ok && id != nil
}

// TraceIDFromContext returns the active trace ID, if any. Auth failures are
// logged with it so a rejected request can be found in traces.
func TraceIDFromContext(ctx context.Context) (string, bool) {
	spanCtx := trace.SpanFromContext(ctx).SpanContext()
	if !spanCtx.HasTraceID() {
		return "", false
	}
	return spanCtx.TraceID().String(), true
}
