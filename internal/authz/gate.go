package authz

import (
	"context"
	"fmt"
	"time"

	"centra.org/internal/identity"
)

// Gate is the enforcement point invoked once per incoming action. It walks
// Unauthenticated → Resolving → Allowed | Denied: either the full requirement
// is satisfied before the guarded action starts, or the action does not start.
type Gate struct {
	profiles ProfileStore
	resolver *Resolver
	now      func() time.Time
}

// GateOption configures Gate behavior.
type GateOption func(*Gate)

// WithGateClock overrides the time source (useful for tests).
func WithGateClock(fn func() time.Time) GateOption {
	return func(g *Gate) {
		if fn != nil {
			g.now = fn
		}
	}
}

// NewGate builds a Gate over the external profile store and a resolver.
func NewGate(profiles ProfileStore, resolver *Resolver, opts ...GateOption) (*Gate, error) {
	if profiles == nil {
		return nil, fmt.Errorf("profile store is required")
	}
	if resolver == nil {
		return nil, fmt.Errorf("resolver is required")
	}
	g := &Gate{profiles: profiles, resolver: resolver, now: time.Now}
	for _, opt := range opts {
		opt(g)
	}
	return g, nil
}

// Authorize checks the claim against a required permission. On success it
// returns the resolved profile so handlers can reuse it without a second
// fetch. A missing profile is a denial, never an implicit default grant.
func (g *Gate) Authorize(ctx context.Context, claim identity.Claim, required string) (Profile, error) {
	profile, err := g.resolve(ctx, claim)
	if err != nil {
		return Profile{}, err
	}
	if !g.resolver.Can(profile, required, g.now()) {
		return Profile{}, fmt.Errorf("%w: requires %s", ErrForbidden, required)
	}
	return profile, nil
}

// AuthorizeScoped is Authorize with a caller-supplied resource scope.
func (g *Gate) AuthorizeScoped(ctx context.Context, claim identity.Claim, required, resourceScope string) (Profile, error) {
	profile, err := g.resolve(ctx, claim)
	if err != nil {
		return Profile{}, err
	}
	if !g.resolver.CanScoped(profile, required, resourceScope, g.now()) {
		return Profile{}, fmt.Errorf("%w: requires %s", ErrForbidden, required)
	}
	return profile, nil
}

// AuthorizeRole checks membership in any of the given roles instead of a
// permission. The inactive-profile precondition applies here too.
func (g *Gate) AuthorizeRole(ctx context.Context, claim identity.Claim, roleIDs ...string) (Profile, error) {
	profile, err := g.resolve(ctx, claim)
	if err != nil {
		return Profile{}, err
	}
	if !profile.Active {
		return Profile{}, fmt.Errorf("%w: requires role", ErrForbidden)
	}
	for _, id := range roleIDs {
		if profile.HasRole(id) {
			return profile, nil
		}
	}
	return Profile{}, fmt.Errorf("%w: requires one of roles %v", ErrForbidden, roleIDs)
}

func (g *Gate) resolve(ctx context.Context, claim identity.Claim) (Profile, error) {
	if claim.UserID == "" || !claim.Active {
		return Profile{}, ErrUnauthenticated
	}
	profile, err := g.profiles.Load(ctx, claim.UserID)
	if err != nil {
		return Profile{}, err
	}
	return profile, nil
}
