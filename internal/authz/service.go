package authz

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Service provides the administrative operations on authorization profiles:
// role assignment and the temporary-grant lifecycle. Validation happens here;
// per-user atomicity of grant mutation is the store's contract.
type Service struct {
	store    ProfileStore
	registry *Registry
	resolver *Resolver
	now      func() time.Time
}

// ServiceOption configures Service behavior.
type ServiceOption func(*Service)

// WithClock overrides the time source (useful for tests).
func WithClock(fn func() time.Time) ServiceOption {
	return func(s *Service) {
		if fn != nil {
			s.now = fn
		}
	}
}

// NewService constructs the administrative service.
func NewService(store ProfileStore, registry *Registry, opts ...ServiceOption) (*Service, error) {
	if store == nil {
		return nil, fmt.Errorf("profile store is required")
	}
	if registry == nil {
		return nil, fmt.Errorf("role registry is required")
	}
	s := &Service{
		store:    store,
		registry: registry,
		resolver: NewResolver(registry),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Resolver exposes the read path built over the same registry.
func (s *Service) Resolver() *Resolver {
	return s.resolver
}

// Registry exposes the immutable role catalog.
func (s *Service) Registry() *Registry {
	return s.registry
}

// CreateProfile creates an authorization profile. An empty role list gets the
// fallback role; unknown role ids are rejected up front.
func (s *Service) CreateProfile(ctx context.Context, userID, scope string, roles []string) (Profile, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return Profile{}, fmt.Errorf("%w: user_id is required", ErrInvalidPermission)
	}
	roles = dedupeStrings(roles)
	if len(roles) == 0 {
		roles = []string{RoleFallback}
	}
	for _, id := range roles {
		if !s.registry.Has(id) {
			return Profile{}, fmt.Errorf("%w: %s", ErrRoleNotFound, id)
		}
	}
	now := s.now().UTC()
	profile := Profile{
		UserID:    userID,
		Roles:     roles,
		Scope:     strings.TrimSpace(scope),
		Active:    true,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.store.Create(ctx, profile); err != nil {
		return Profile{}, err
	}
	return profile, nil
}

// AssignRoles replaces a user's role set. The set must stay non-empty and
// every id must exist in the registry.
func (s *Service) AssignRoles(ctx context.Context, userID string, roles []string) (Profile, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return Profile{}, fmt.Errorf("%w: user_id is required", ErrInvalidPermission)
	}
	roles = dedupeStrings(roles)
	if len(roles) == 0 {
		return Profile{}, fmt.Errorf("%w: role set must not be empty", ErrInvalidPermission)
	}
	for _, id := range roles {
		if !s.registry.Has(id) {
			return Profile{}, fmt.Errorf("%w: %s", ErrRoleNotFound, id)
		}
	}
	if err := s.store.SetRoles(ctx, userID, roles); err != nil {
		return Profile{}, err
	}
	return s.store.Load(ctx, userID)
}

// SetActive flips the hard enable/disable switch on a profile.
func (s *Service) SetActive(ctx context.Context, userID string, active bool) error {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return fmt.Errorf("%w: user_id is required", ErrInvalidPermission)
	}
	return s.store.SetActive(ctx, userID, active)
}

// GrantPermission attaches a temporary permission to a user. The expiration
// must be strictly in the future; the permission string must parse. The store
// append is targeted, so concurrent grants to the same user never lose one.
func (s *Service) GrantPermission(ctx context.Context, userID, permission string, expiresAt time.Time, reason, grantedBy string) (Grant, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return Grant{}, fmt.Errorf("%w: user_id is required", ErrInvalidPermission)
	}
	if _, err := ParsePermission(permission); err != nil {
		return Grant{}, err
	}
	now := s.now().UTC()
	if !expiresAt.After(now) {
		return Grant{}, fmt.Errorf("%w: %s", ErrInvalidExpiration, expiresAt.UTC().Format(time.RFC3339))
	}
	grant := Grant{
		ID:         uuid.NewString(),
		Permission: strings.TrimSpace(permission),
		ExpiresAt:  expiresAt.UTC(),
		GrantedBy:  strings.TrimSpace(grantedBy),
		Reason:     strings.TrimSpace(reason),
		CreatedAt:  now,
	}
	if err := s.store.AppendGrant(ctx, userID, grant); err != nil {
		return Grant{}, err
	}
	return grant, nil
}

// RevokePermission removes a matching active grant before its natural
// expiration. A miss is an idempotent no-op reported as false, not an error.
func (s *Service) RevokePermission(ctx context.Context, userID, permission string) (bool, error) {
	userID = strings.TrimSpace(userID)
	permission = strings.TrimSpace(permission)
	if userID == "" || permission == "" {
		return false, fmt.Errorf("%w: user_id and permission are required", ErrInvalidPermission)
	}
	return s.store.RemoveGrant(ctx, userID, permission)
}

// EffectivePermissions resolves a user's current permission set.
func (s *Service) EffectivePermissions(ctx context.Context, userID string) ([]string, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, fmt.Errorf("%w: user_id is required", ErrInvalidPermission)
	}
	profile, err := s.store.Load(ctx, userID)
	if err != nil {
		return nil, err
	}
	return s.resolver.EffectivePermissions(profile, s.now()), nil
}

func dedupeStrings(values []string) []string {
	if len(values) == 0 {
		return nil
	}
	set := make(map[string]struct{}, len(values))
	result := make([]string, 0, len(values))
	for _, v := range values {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		if _, ok := set[v]; ok {
			continue
		}
		set[v] = struct{}{}
		result = append(result, v)
	}
	return result
}
