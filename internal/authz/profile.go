package authz

import (
	"context"
	"time"
)

// Grant is a time-boxed permission attached directly to a user, independent of
// role membership. Grants are never mutated after creation; revocation removes
// the grant from the active list rather than rewriting it.
type Grant struct {
	ID         string    `json:"id"`
	Permission string    `json:"permission"`
	ExpiresAt  time.Time `json:"expires_at"`
	GrantedBy  string    `json:"granted_by"`
	Reason     string    `json:"reason,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// Active reports whether the grant is still in effect at the given instant.
// A grant expires exactly at ExpiresAt.
func (g Grant) Active(now time.Time) bool {
	return now.Before(g.ExpiresAt)
}

// Profile is a user's authorization record: assigned roles, optional scope
// (an organizational-unit name), active flag and temporary grants. The account
// subsystem owns the user itself; roles and grants are updated exclusively
// through this package's operations.
type Profile struct {
	UserID    string    `json:"user_id"`
	Roles     []string  `json:"roles"`
	Scope     string    `json:"scope,omitempty"`
	Active    bool      `json:"active"`
	Grants    []Grant   `json:"grants,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ActiveGrants returns the permission strings of grants still in effect at now.
// Expired grants stay in the document; compaction is housekeeping, not part of
// this contract.
func (p Profile) ActiveGrants(now time.Time) []string {
	var out []string
	for _, g := range p.Grants {
		if g.Active(now) {
			out = append(out, g.Permission)
		}
	}
	return out
}

// HasRole reports role membership.
func (p Profile) HasRole(roleID string) bool {
	for _, r := range p.Roles {
		if r == roleID {
			return true
		}
	}
	return false
}

// ProfileStore is the external profile document store, keyed by user id.
// Grant mutation is targeted (append / remove), never a whole-list overwrite:
// two concurrent grant or revoke calls for the same user must both take
// effect. Implementations provide per-user atomicity; operations on different
// users must not serialize on each other.
type ProfileStore interface {
	Load(ctx context.Context, userID string) (Profile, error)
	Create(ctx context.Context, profile Profile) error
	SetRoles(ctx context.Context, userID string, roles []string) error
	SetActive(ctx context.Context, userID string, active bool) error
	AppendGrant(ctx context.Context, userID string, grant Grant) error
	RemoveGrant(ctx context.Context, userID, permission string) (bool, error)
}
