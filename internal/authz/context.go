package authz

import (
	"context"

	"centra.org/internal/identity"
)

type claimContextKey struct{}
type profileContextKey struct{}

// ContextWithClaim attaches the verified identity claim to the context.
func ContextWithClaim(ctx context.Context, claim identity.Claim) context.Context {
	return context.WithValue(ctx, claimContextKey{}, &claim)
}

// ClaimFromContext extracts the identity claim placed by the authn middleware.
func ClaimFromContext(ctx context.Context) (identity.Claim, bool) {
	if ctx == nil {
		return identity.Claim{}, false
	}
	v, ok := ctx.Value(claimContextKey{}).(*identity.Claim)
	if !ok || v == nil {
		return identity.Claim{}, false
	}
	return *v, true
}

// ContextWithProfile attaches the resolved authorization profile.
func ContextWithProfile(ctx context.Context, profile Profile) context.Context {
	return context.WithValue(ctx, profileContextKey{}, &profile)
}

// ProfileFromContext returns the profile resolved by the authorization gate.
func ProfileFromContext(ctx context.Context) (Profile, bool) {
	if ctx == nil {
		return Profile{}, false
	}
	v, ok := ctx.Value(profileContextKey{}).(*Profile)
	if !ok || v == nil {
		return Profile{}, false
	}
	return *v, true
}
