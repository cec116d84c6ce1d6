package authz

import (
	"sort"
	"time"
)

// Resolver combines a profile's roles (via the Registry) and active temporary
// grants into an effective permission set, and answers "can this user do X".
// It is a pure read path: no locking, no mutation.
type Resolver struct {
	registry *Registry
}

// NewResolver builds a Resolver over an immutable role registry.
func NewResolver(registry *Registry) *Resolver {
	return &Resolver{registry: registry}
}

// EffectivePermissions returns the sorted union of the permissions of every
// assigned role plus the grants active at now. Unknown role ids contribute
// nothing; they are a profile-data problem, not a reason to fail resolution.
func (rs *Resolver) EffectivePermissions(profile Profile, now time.Time) []string {
	set := make(map[string]struct{})
	for _, roleID := range profile.Roles {
		role, err := rs.registry.Get(roleID)
		if err != nil {
			continue
		}
		for _, perm := range role.Permissions {
			set[perm] = struct{}{}
		}
	}
	for _, perm := range profile.ActiveGrants(now) {
		set[perm] = struct{}{}
	}
	out := make([]string, 0, len(set))
	for perm := range set {
		out = append(out, perm)
	}
	sort.Strings(out)
	return out
}

// Can reports whether the profile may perform the required permission at now.
// An inactive profile never passes, regardless of what it holds.
func (rs *Resolver) Can(profile Profile, required string, now time.Time) bool {
	if !profile.Active {
		return false
	}
	for _, held := range rs.EffectivePermissions(profile, now) {
		if Matches(held, required) {
			return true
		}
	}
	return false
}

// CanScoped is Can with a caller-supplied resource scope (e.g. the center a
// record belongs to). A wildcard or unscoped match wins outright; when only
// scope-carrying held permissions match, the profile's assigned scope must
// equal the resource's scope.
func (rs *Resolver) CanScoped(profile Profile, required, resourceScope string, now time.Time) bool {
	if !profile.Active {
		return false
	}
	scopedMatch := false
	for _, held := range rs.EffectivePermissions(profile, now) {
		if !Matches(held, required) {
			continue
		}
		parsed, err := ParsePermission(held)
		if err != nil || !parsed.Scoped() {
			// Unscoped (or full-wildcard) permission subsumes any scope.
			return true
		}
		scopedMatch = true
	}
	if !scopedMatch {
		return false
	}
	// An empty resourceScope means the resource is not attributed to any
	// center; there is nothing to compare the profile's scope against.
	if resourceScope == "" {
		return true
	}
	return profile.Scope == resourceScope
}
