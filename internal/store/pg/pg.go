// Package pg implements the profile and audit stores over PostgreSQL.
package pg

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"centra.org/internal/audit"
	"centra.org/internal/authz"
)

const (
	pgErrUniqueViolation = "23505"
)

// ErrConflict means an insert hit an existing row.
var ErrConflict = errors.New("pg: resource conflict")

// Store holds the shared connection pool.
type Store struct {
	db *sql.DB
}

// Open connects with pool settings suitable for the request-per-task model.
func Open(dsn string) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(30 * time.Minute)
	db.SetConnMaxIdleTime(5 * time.Minute)
	return &Store{db: db}, nil
}

// NewStore wraps an existing connection (used by tests).
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

func (s *Store) Close() error { return s.db.Close() }

// DB exposes the pool for readiness probes and migrations.
func (s *Store) DB() *sql.DB { return s.db }

// Profiles returns the profile store view.
func (s *Store) Profiles() *ProfileStore { return &ProfileStore{db: s.db} }

// Audit returns the audit store view.
func (s *Store) Audit() *AuditStore { return &AuditStore{db: s.db} }

// ProfileStore keeps one profile document per user. Grant append is a single
// jsonb concatenation statement; removal takes a row lock so two concurrent
// mutations of the same user's grant list never lose one. Different users hit
// different rows and do not serialize.
type ProfileStore struct {
	db *sql.DB
}

var _ authz.ProfileStore = (*ProfileStore)(nil)

func (s *ProfileStore) Load(ctx context.Context, userID string) (authz.Profile, error) {
	row := s.db.QueryRowContext(ctx, `
		select user_id, roles, scope, active, grants, created_at, updated_at
		from authz_profiles
		where user_id = $1
	`, userID)
	return scanProfile(row, userID)
}

func (s *ProfileStore) Create(ctx context.Context, profile authz.Profile) error {
	roles, err := json.Marshal(profile.Roles)
	if err != nil {
		return fmt.Errorf("marshal roles: %w", err)
	}
	grants, err := json.Marshal(grantsOrEmpty(profile.Grants))
	if err != nil {
		return fmt.Errorf("marshal grants: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		insert into authz_profiles (user_id, roles, scope, active, grants)
		values ($1, $2, $3, $4, $5)
	`, profile.UserID, roles, profile.Scope, profile.Active, grants)
	if pgErr, ok := maybePgError(err); ok && pgErr.Code == pgErrUniqueViolation {
		return fmt.Errorf("%w: profile %s", ErrConflict, profile.UserID)
	}
	return err
}

func (s *ProfileStore) SetRoles(ctx context.Context, userID string, roles []string) error {
	data, err := json.Marshal(roles)
	if err != nil {
		return fmt.Errorf("marshal roles: %w", err)
	}
	res, err := s.db.ExecContext(ctx, `
		update authz_profiles set roles = $2, updated_at = now() where user_id = $1
	`, userID, data)
	if err != nil {
		return err
	}
	return requireRow(res, userID)
}

func (s *ProfileStore) SetActive(ctx context.Context, userID string, active bool) error {
	res, err := s.db.ExecContext(ctx, `
		update authz_profiles set active = $2, updated_at = now() where user_id = $1
	`, userID, active)
	if err != nil {
		return err
	}
	return requireRow(res, userID)
}

func (s *ProfileStore) AppendGrant(ctx context.Context, userID string, grant authz.Grant) error {
	data, err := json.Marshal(grant)
	if err != nil {
		return fmt.Errorf("marshal grant: %w", err)
	}
	res, err := s.db.ExecContext(ctx, `
		update authz_profiles
		set grants = grants || $2::jsonb, updated_at = now()
		where user_id = $1
	`, userID, data)
	if err != nil {
		return err
	}
	return requireRow(res, userID)
}

func (s *ProfileStore) RemoveGrant(ctx context.Context, userID, permission string) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()

	var raw []byte
	err = tx.QueryRowContext(ctx, `
		select grants from authz_profiles where user_id = $1 for update
	`, userID).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return false, fmt.Errorf("%w: %s", authz.ErrProfileNotFound, userID)
	}
	if err != nil {
		return false, err
	}

	var grants []authz.Grant
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &grants); err != nil {
			return false, fmt.Errorf("decode grants: %w", err)
		}
	}
	now := time.Now()
	kept := grants[:0]
	removed := false
	for _, g := range grants {
		if !removed && g.Permission == permission && g.Active(now) {
			removed = true
			continue
		}
		kept = append(kept, g)
	}
	if !removed {
		return false, nil
	}
	data, err := json.Marshal(grantsOrEmpty(kept))
	if err != nil {
		return false, fmt.Errorf("marshal grants: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		update authz_profiles set grants = $2, updated_at = now() where user_id = $1
	`, userID, data); err != nil {
		return false, err
	}
	return true, tx.Commit()
}

func scanProfile(row *sql.Row, userID string) (authz.Profile, error) {
	var (
		p      authz.Profile
		roles  []byte
		grants []byte
	)
	err := row.Scan(&p.UserID, &roles, &p.Scope, &p.Active, &grants, &p.CreatedAt, &p.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return authz.Profile{}, fmt.Errorf("%w: %s", authz.ErrProfileNotFound, userID)
	}
	if err != nil {
		return authz.Profile{}, err
	}
	if len(roles) > 0 {
		if err := json.Unmarshal(roles, &p.Roles); err != nil {
			return authz.Profile{}, fmt.Errorf("decode roles: %w", err)
		}
	}
	if len(grants) > 0 {
		if err := json.Unmarshal(grants, &p.Grants); err != nil {
			return authz.Profile{}, fmt.Errorf("decode grants: %w", err)
		}
	}
	return p, nil
}

func grantsOrEmpty(grants []authz.Grant) []authz.Grant {
	if grants == nil {
		return []authz.Grant{}
	}
	return grants
}

func requireRow(res sql.Result, userID string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", authz.ErrProfileNotFound, userID)
	}
	return nil
}

func maybePgError(err error) (*pgconn.PgError, bool) {
	if err == nil {
		return nil, false
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr, true
	}
	return nil, false
}

// AuditStore appends to and queries the append-only audit collection.
type AuditStore struct {
	db *sql.DB
}

var _ audit.Store = (*AuditStore)(nil)

func (s *AuditStore) Append(ctx context.Context, rec audit.Record) error {
	_, err := s.db.ExecContext(ctx, `
		insert into audit_log (id, actor, action, resource_type, resource_id,
			old_value, new_value, outcome, message, occurred_at, origin)
		values ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`, rec.ID, rec.Actor, rec.Action, rec.ResourceType, rec.ResourceID,
		rec.OldValue, rec.NewValue, rec.Outcome, rec.Message, rec.OccurredAt, rec.Origin)
	return err
}

func (s *AuditStore) Query(ctx context.Context, f audit.Filter) ([]audit.Record, error) {
	var (
		where []string
		args  []any
	)
	add := func(cond string, arg any) {
		args = append(args, arg)
		where = append(where, fmt.Sprintf(cond, len(args)))
	}
	if f.Actor != "" {
		add("actor = $%d", f.Actor)
	}
	if f.Action != "" {
		add("action = $%d", f.Action)
	}
	if !f.From.IsZero() {
		add("occurred_at >= $%d", f.From)
	}
	if !f.To.IsZero() {
		add("occurred_at <= $%d", f.To)
	}
	query := `select id, actor, action, resource_type, resource_id,
		old_value, new_value, outcome, message, occurred_at, origin
		from audit_log`
	if len(where) > 0 {
		query += " where " + strings.Join(where, " and ")
	}
	query += " order by occurred_at desc"
	if f.Limit > 0 {
		args = append(args, f.Limit)
		query += fmt.Sprintf(" limit $%d", len(args))
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []audit.Record
	for rows.Next() {
		var rec audit.Record
		if err := rows.Scan(&rec.ID, &rec.Actor, &rec.Action, &rec.ResourceType,
			&rec.ResourceID, &rec.OldValue, &rec.NewValue, &rec.Outcome,
			&rec.Message, &rec.OccurredAt, &rec.Origin); err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}
