package authz

import (
	"fmt"
	"strings"
)

// Wildcard is the segment (or whole permission) that matches anything.
const Wildcard = "*"

// Permission is a parsed action:resource[:scope] string. Scope is empty when
// the permission is unscoped; an unscoped permission subsumes any scoped
// request for the same action and resource.
type Permission struct {
	Action   string
	Resource string
	Scope    string
}

// ParsePermission validates and splits a permission string. The bare wildcard
// "*" parses to {Action: "*"}; otherwise the string must have one to three
// non-empty colon-delimited segments.
func ParsePermission(raw string) (Permission, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Permission{}, fmt.Errorf("%w: empty string", ErrInvalidPermission)
	}
	if raw == Wildcard {
		return Permission{Action: Wildcard}, nil
	}
	parts := strings.Split(raw, ":")
	if len(parts) > 3 {
		return Permission{}, fmt.Errorf("%w: %q has more than three segments", ErrInvalidPermission, raw)
	}
	for _, p := range parts {
		if p == "" {
			return Permission{}, fmt.Errorf("%w: %q has an empty segment", ErrInvalidPermission, raw)
		}
	}
	perm := Permission{Action: parts[0]}
	if len(parts) > 1 {
		perm.Resource = parts[1]
	}
	if len(parts) > 2 {
		perm.Scope = parts[2]
	}
	return perm, nil
}

// String reassembles the canonical permission string.
func (p Permission) String() string {
	if p.Resource == "" {
		return p.Action
	}
	if p.Scope == "" {
		return p.Action + ":" + p.Resource
	}
	return p.Action + ":" + p.Resource + ":" + p.Scope
}

// Scoped reports whether the permission carries a scope segment.
func (p Permission) Scoped() bool {
	return p.Scope != ""
}

// Matches reports whether a held permission satisfies a required one.
// Precedence: full wildcard, exact match, action-level wildcard (resource "*"),
// unscoped-subsumes-scoped. Total: malformed input never panics, it simply
// fails to match unless one of the literal rules applies first.
func Matches(held, required string) bool {
	if held == Wildcard {
		return true
	}
	if held == required {
		return true
	}
	h, err := ParsePermission(held)
	if err != nil {
		return false
	}
	r, err := ParsePermission(required)
	if err != nil {
		return false
	}
	return matchParsed(h, r)
}

func matchParsed(h, r Permission) bool {
	if h.Action == Wildcard && h.Resource == "" {
		return true
	}
	// A wildcard action still constrains the resource: "*:projects" covers
	// any action on projects, nothing else.
	if h.Action != r.Action && h.Action != Wildcard {
		return false
	}
	if h.Resource == Wildcard {
		return true
	}
	if h.Resource != r.Resource {
		return false
	}
	if !h.Scoped() {
		return true
	}
	return h.Scope == r.Scope
}
