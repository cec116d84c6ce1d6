package authz

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"
)

// Role is a named permission bundle with an authority level (lower = more
// authority). Roles are immutable once loaded into a Registry.
type Role struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	Level       int      `json:"level"`
	Permissions []string `json:"permissions"`
	Description string   `json:"description,omitempty"`
}

// HasPermission reports direct set membership; wildcard semantics live in Matches.
func (r Role) HasPermission(perm string) bool {
	for _, p := range r.Permissions {
		if p == perm {
			return true
		}
	}
	return false
}

// Registry is the process-wide role catalog. It is built once at startup and
// never mutated afterwards; replacing the catalog at runtime means building a
// new Registry and swapping it explicitly.
type Registry struct {
	roles   map[string]Role
	ordered []Role
}

// NewRegistry validates and indexes the catalog. A repeated role id is a
// configuration bug and fails construction with ErrDuplicateRole.
func NewRegistry(roles []Role) (*Registry, error) {
	reg := &Registry{roles: make(map[string]Role, len(roles))}
	for _, role := range roles {
		id := strings.TrimSpace(role.ID)
		if id == "" {
			return nil, fmt.Errorf("%w: role with empty id", ErrInvalidPermission)
		}
		if _, exists := reg.roles[id]; exists {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateRole, id)
		}
		for _, perm := range role.Permissions {
			if _, err := ParsePermission(perm); err != nil {
				return nil, fmt.Errorf("role %s: %w", id, err)
			}
		}
		role.ID = id
		reg.roles[id] = role
		reg.ordered = append(reg.ordered, role)
	}
	sort.SliceStable(reg.ordered, func(i, j int) bool {
		if reg.ordered[i].Level != reg.ordered[j].Level {
			return reg.ordered[i].Level < reg.ordered[j].Level
		}
		return reg.ordered[i].ID < reg.ordered[j].ID
	})
	return reg, nil
}

// Get returns the role with the given id or ErrRoleNotFound.
func (reg *Registry) Get(id string) (Role, error) {
	role, ok := reg.roles[strings.TrimSpace(id)]
	if !ok {
		return Role{}, fmt.Errorf("%w: %s", ErrRoleNotFound, id)
	}
	return role, nil
}

// Has reports whether the registry knows the role id.
func (reg *Registry) Has(id string) bool {
	_, ok := reg.roles[strings.TrimSpace(id)]
	return ok
}

// List returns all roles ordered by authority level ascending, ties by id.
// The returned slice is a copy.
func (reg *Registry) List() []Role {
	out := make([]Role, len(reg.ordered))
	copy(out, reg.ordered)
	return out
}

// LoadRegistryFile builds a Registry from a JSON role catalog on disk.
func LoadRegistryFile(path string) (*Registry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read roles file: %w", err)
	}
	var roles []Role
	if err := json.Unmarshal(data, &roles); err != nil {
		return nil, fmt.Errorf("decode roles file: %w", err)
	}
	return NewRegistry(roles)
}
