// Package mem provides in-process implementations of the profile and audit
// stores. Used by tests and by the API when no database DSN is configured.
package mem

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"centra.org/internal/audit"
	"centra.org/internal/authz"
)

// ProfileStore keeps one profile document per user. Grant mutation is
// targeted: append and removal operate on the live document under the lock,
// so two concurrent operations on the same user both take effect.
type ProfileStore struct {
	mu       sync.RWMutex
	profiles map[string]*authz.Profile
}

var _ authz.ProfileStore = (*ProfileStore)(nil)

// NewProfileStore creates an empty store.
func NewProfileStore() *ProfileStore {
	return &ProfileStore{profiles: make(map[string]*authz.Profile)}
}

func (s *ProfileStore) Load(ctx context.Context, userID string) (authz.Profile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.profiles[userID]
	if !ok {
		return authz.Profile{}, fmt.Errorf("%w: %s", authz.ErrProfileNotFound, userID)
	}
	return copyProfile(p), nil
}

func (s *ProfileStore) Create(ctx context.Context, profile authz.Profile) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.profiles[profile.UserID]; exists {
		return fmt.Errorf("profile already exists: %s", profile.UserID)
	}
	stored := copyProfile(&profile)
	s.profiles[profile.UserID] = &stored
	return nil
}

func (s *ProfileStore) SetRoles(ctx context.Context, userID string, roles []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.profiles[userID]
	if !ok {
		return fmt.Errorf("%w: %s", authz.ErrProfileNotFound, userID)
	}
	p.Roles = append([]string(nil), roles...)
	p.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *ProfileStore) SetActive(ctx context.Context, userID string, active bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.profiles[userID]
	if !ok {
		return fmt.Errorf("%w: %s", authz.ErrProfileNotFound, userID)
	}
	p.Active = active
	p.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *ProfileStore) AppendGrant(ctx context.Context, userID string, grant authz.Grant) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.profiles[userID]
	if !ok {
		return fmt.Errorf("%w: %s", authz.ErrProfileNotFound, userID)
	}
	p.Grants = append(p.Grants, grant)
	p.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *ProfileStore) RemoveGrant(ctx context.Context, userID, permission string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.profiles[userID]
	if !ok {
		return false, fmt.Errorf("%w: %s", authz.ErrProfileNotFound, userID)
	}
	now := time.Now()
	kept := p.Grants[:0]
	removed := false
	for _, g := range p.Grants {
		if !removed && g.Permission == permission && g.Active(now) {
			removed = true
			continue
		}
		kept = append(kept, g)
	}
	p.Grants = kept
	if removed {
		p.UpdatedAt = now.UTC()
	}
	return removed, nil
}

func copyProfile(p *authz.Profile) authz.Profile {
	out := *p
	out.Roles = append([]string(nil), p.Roles...)
	out.Grants = append([]authz.Grant(nil), p.Grants...)
	return out
}

// AuditStore is an append-only in-memory audit collection.
type AuditStore struct {
	mu      sync.RWMutex
	records []audit.Record
}

var _ audit.Store = (*AuditStore)(nil)

// NewAuditStore creates an empty collection.
func NewAuditStore() *AuditStore {
	return &AuditStore{}
}

func (s *AuditStore) Append(ctx context.Context, rec audit.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, rec)
	return nil
}

func (s *AuditStore) Query(ctx context.Context, f audit.Filter) ([]audit.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []audit.Record
	for _, rec := range s.records {
		if f.Actor != "" && rec.Actor != f.Actor {
			continue
		}
		if f.Action != "" && rec.Action != f.Action {
			continue
		}
		if !f.From.IsZero() && rec.OccurredAt.Before(f.From) {
			continue
		}
		if !f.To.IsZero() && rec.OccurredAt.After(f.To) {
			continue
		}
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].OccurredAt.After(out[j].OccurredAt)
	})
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

// Len reports how many records have been appended.
func (s *AuditStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}
