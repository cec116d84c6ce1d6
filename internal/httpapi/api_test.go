package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"centra.org/internal/audit"
	"centra.org/internal/authz"
	"centra.org/internal/identity"
	"centra.org/internal/store/mem"
)

const (
	testSecret = "api-test-secret"
	testIssuer = "centra-test"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type fixture struct {
	handler  http.Handler
	profiles *mem.ProfileStore
	audits   *mem.AuditStore
	clock    *fakeClock
}

// failingAuditStore rejects every append; queries still work.
type failingAuditStore struct{}

func (failingAuditStore) Append(context.Context, audit.Record) error {
	return errors.New("backend unavailable")
}

func (failingAuditStore) Query(context.Context, audit.Filter) ([]audit.Record, error) {
	return nil, nil
}

func newFixture(t *testing.T, opts ...func(*fixtureConfig)) *fixture {
	t.Helper()
	cfg := fixtureConfig{auditStore: nil}
	for _, opt := range opts {
		opt(&cfg)
	}

	clock := &fakeClock{t: time.Now().UTC()}
	profiles := mem.NewProfileStore()
	audits := mem.NewAuditStore()

	var auditBackend audit.Store = audits
	if cfg.auditStore != nil {
		auditBackend = cfg.auditStore
	}
	auditLog, err := audit.NewLogger(auditBackend,
		audit.WithSleep(func(time.Duration) {}),
		audit.WithAttemptTimeout(50*time.Millisecond))
	if err != nil {
		t.Fatalf("NewLogger: %v", err)
	}

	registry, err := authz.NewRegistry(authz.BuiltinRoles)
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	svc, err := authz.NewService(profiles, registry, authz.WithClock(clock.Now))
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	gate, err := authz.NewGate(profiles, svc.Resolver(), authz.WithGateClock(clock.Now))
	if err != nil {
		t.Fatalf("NewGate: %v", err)
	}
	verifier, err := identity.NewVerifier(testSecret, testIssuer)
	if err != nil {
		t.Fatalf("NewVerifier: %v", err)
	}

	api, err := New(Config{
		Gate:     gate,
		Service:  svc,
		AuditLog: auditLog,
		Verifier: verifier,
		Version:  "test",
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return &fixture{
		handler:  api.Handler(),
		profiles: profiles,
		audits:   audits,
		clock:    clock,
	}
}

type fixtureConfig struct {
	auditStore audit.Store
}

func withAuditStore(s audit.Store) func(*fixtureConfig) {
	return func(cfg *fixtureConfig) { cfg.auditStore = s }
}

func (f *fixture) seedProfile(t *testing.T, userID, scope string, roles ...string) {
	t.Helper()
	now := f.clock.Now()
	err := f.profiles.Create(context.Background(), authz.Profile{
		UserID:    userID,
		Roles:     roles,
		Scope:     scope,
		Active:    true,
		CreatedAt: now,
		UpdatedAt: now,
	})
	if err != nil {
		t.Fatalf("seed profile %s: %v", userID, err)
	}
}

func mintToken(t *testing.T, userID string, active bool) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub":    userID,
		"active": active,
		"iss":    testIssuer,
		"iat":    jwt.NewNumericDate(time.Now()),
		"exp":    jwt.NewNumericDate(time.Now().Add(time.Hour)),
	})
	signed, err := token.SignedString([]byte(testSecret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return signed
}

func (f *fixture) do(t *testing.T, method, path, token, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode response %q: %v", rec.Body.String(), err)
	}
	return out
}

func TestHealthzIsPublic(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodGet, "/healthz", "", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	body := decodeBody(t, rec)
	if body["service"] != "centra-api" {
		t.Fatalf("service = %v", body["service"])
	}
	if rec.Header().Get("X-Request-Id") == "" {
		t.Fatal("expected X-Request-Id header")
	}
}

func TestMissingAndInvalidTokens(t *testing.T) {
	f := newFixture(t)
	cases := map[string]struct {
		header  string
		wantMsg string
	}{
		"no header":      {"", "missing bearer token"},
		"wrong scheme":   {"Basic abc", "invalid authorization scheme"},
		"garbage token":  {"Bearer not-a-jwt", "invalid token"},
		"empty bearer":   {"Bearer ", "missing bearer token"},
		"tampered token": {"Bearer " + mintToken(t, "u1", true) + "x", "invalid token"},
	}
	for name, tc := range cases {
		req := httptest.NewRequest(http.MethodGet, "/v1/roles", nil)
		if tc.header != "" {
			req.Header.Set("Authorization", tc.header)
		}
		rec := httptest.NewRecorder()
		f.handler.ServeHTTP(rec, req)
		if rec.Code != http.StatusUnauthorized {
			t.Errorf("%s: status = %d, want 401", name, rec.Code)
			continue
		}
		body := decodeBody(t, rec)
		if body["error"] != tc.wantMsg {
			t.Errorf("%s: error = %v, want %q", name, body["error"], tc.wantMsg)
		}
		if body["request_id"] == nil {
			t.Errorf("%s: expected request_id in error body", name)
		}
	}
}

func TestInactiveAccountIsUnauthenticated(t *testing.T) {
	f := newFixture(t)
	f.seedProfile(t, "u1", "", authz.RoleAdmin)
	rec := f.do(t, http.MethodGet, "/v1/roles", mintToken(t, "u1", false), "")
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
	if decodeBody(t, rec)["error"] != "unauthenticated" {
		t.Fatalf("unexpected error body: %s", rec.Body.String())
	}
}

func TestDenialNamesOnlyMissingPermission(t *testing.T) {
	f := newFixture(t)
	f.seedProfile(t, "viewer-1", "", authz.RoleViewer)
	rec := f.do(t, http.MethodGet, "/v1/roles", mintToken(t, "viewer-1", true), "")
	if rec.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", rec.Code)
	}
	msg, _ := decodeBody(t, rec)["error"].(string)
	if !strings.Contains(msg, authz.PermManageRoles) {
		t.Fatalf("denial should name the missing permission, got %q", msg)
	}
	if strings.Contains(msg, "read:projects") {
		t.Fatalf("denial leaked held permissions: %q", msg)
	}
}

func TestUnknownProfileIsForbidden(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodGet, "/v1/roles", mintToken(t, "nobody", true), "")
	if rec.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", rec.Code)
	}
	if decodeBody(t, rec)["error"] != "forbidden" {
		t.Fatalf("unexpected error body: %s", rec.Body.String())
	}
}

func TestListRoles(t *testing.T) {
	f := newFixture(t)
	f.seedProfile(t, "admin-1", "", authz.RoleAdmin)
	rec := f.do(t, http.MethodGet, "/v1/roles", mintToken(t, "admin-1", true), "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	roles, _ := decodeBody(t, rec)["roles"].([]any)
	if len(roles) != len(authz.BuiltinRoles) {
		t.Fatalf("got %d roles, want %d", len(roles), len(authz.BuiltinRoles))
	}
	first, _ := roles[0].(map[string]any)
	if first["id"] != authz.RoleSuperAdmin {
		t.Fatalf("roles not ordered by level: first = %v", first["id"])
	}
}

func TestCreateProfileDefaultsToFallbackRole(t *testing.T) {
	f := newFixture(t)
	f.seedProfile(t, "admin-1", "", authz.RoleAdmin)
	rec := f.do(t, http.MethodPost, "/v1/users", mintToken(t, "admin-1", true),
		`{"user_id":"u-new","scope":"north","roles":[]}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	profile, _ := decodeBody(t, rec)["profile"].(map[string]any)
	roles, _ := profile["roles"].([]any)
	if len(roles) != 1 || roles[0] != authz.RoleViewer {
		t.Fatalf("roles = %v, want [%s]", roles, authz.RoleViewer)
	}

	recs, err := f.audits.Query(context.Background(), audit.Filter{Action: "authz.profile.create"})
	if err != nil || len(recs) != 1 {
		t.Fatalf("audit records = %v, err = %v", recs, err)
	}
	if recs[0].Actor != "admin-1" || recs[0].ResourceID != "u-new" {
		t.Fatalf("unexpected audit record: %+v", recs[0])
	}
}

func TestAssignRoles(t *testing.T) {
	f := newFixture(t)
	f.seedProfile(t, "admin-1", "", authz.RoleAdmin)
	f.seedProfile(t, "u2", "north", authz.RoleViewer)

	rec := f.do(t, http.MethodPost, "/v1/users/u2/roles", mintToken(t, "admin-1", true),
		`{"roles":["coordinador"],"reason":"promoted to center coordinator"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	profile, _ := decodeBody(t, rec)["profile"].(map[string]any)
	roles, _ := profile["roles"].([]any)
	if len(roles) != 1 || roles[0] != authz.RoleCoordinator {
		t.Fatalf("roles = %v", roles)
	}

	recs, err := f.audits.Query(context.Background(), audit.Filter{Action: "authz.roles.assign"})
	if err != nil || len(recs) != 1 {
		t.Fatalf("audit records = %v, err = %v", recs, err)
	}
	if recs[0].Message != "promoted to center coordinator" {
		t.Fatalf("reason not recorded: %+v", recs[0])
	}
	if recs[0].OldValue == recs[0].NewValue {
		t.Fatal("expected old and new permission sets to differ")
	}
}

func TestAssignUnknownRole(t *testing.T) {
	f := newFixture(t)
	f.seedProfile(t, "admin-1", "", authz.RoleAdmin)
	f.seedProfile(t, "u2", "", authz.RoleViewer)
	rec := f.do(t, http.MethodPost, "/v1/users/u2/roles", mintToken(t, "admin-1", true),
		`{"roles":["emperador"]}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestGrantLifecycle(t *testing.T) {
	f := newFixture(t)
	f.seedProfile(t, "admin-1", "", authz.RoleAdmin)
	f.seedProfile(t, "u2", "north", authz.RoleViewer)
	admin := mintToken(t, "admin-1", true)

	expires := f.clock.Now().Add(time.Hour).Format(time.RFC3339)
	rec := f.do(t, http.MethodPost, "/v1/users/u2/grants", admin,
		fmt.Sprintf(`{"permission":"write:projects","expires_at":%q,"reason":"covering on-call"}`, expires))
	if rec.Code != http.StatusCreated {
		t.Fatalf("grant status = %d: %s", rec.Code, rec.Body.String())
	}
	grant, _ := decodeBody(t, rec)["grant"].(map[string]any)
	if grant["permission"] != "write:projects" {
		t.Fatalf("grant = %v", grant)
	}

	rec = f.do(t, http.MethodGet, "/v1/users/u2/permissions", admin, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("permissions status = %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "write:projects") {
		t.Fatalf("expected granted permission in %s", rec.Body.String())
	}

	f.clock.Advance(2 * time.Hour)

	rec = f.do(t, http.MethodGet, "/v1/users/u2/permissions", admin, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("permissions status after expiry = %d", rec.Code)
	}
	if strings.Contains(rec.Body.String(), "write:projects") {
		t.Fatalf("expired grant still effective: %s", rec.Body.String())
	}

	recs, _ := f.audits.Query(context.Background(), audit.Filter{Action: "authz.grant.create"})
	if len(recs) != 1 || recs[0].NewValue != "write:projects" {
		t.Fatalf("grant audit records = %+v", recs)
	}
}

func TestRevokeGrantIsIdempotent(t *testing.T) {
	f := newFixture(t)
	f.seedProfile(t, "admin-1", "", authz.RoleAdmin)
	f.seedProfile(t, "u2", "", authz.RoleViewer)
	admin := mintToken(t, "admin-1", true)

	expires := f.clock.Now().Add(time.Hour).Format(time.RFC3339)
	rec := f.do(t, http.MethodPost, "/v1/users/u2/grants", admin,
		fmt.Sprintf(`{"permission":"read:reports","expires_at":%q}`, expires))
	if rec.Code != http.StatusCreated {
		t.Fatalf("grant status = %d: %s", rec.Code, rec.Body.String())
	}

	rec = f.do(t, http.MethodDelete, "/v1/users/u2/grants", admin, `{"permission":"read:reports"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("revoke status = %d: %s", rec.Code, rec.Body.String())
	}
	if decodeBody(t, rec)["revoked"] != true {
		t.Fatalf("expected revoked=true: %s", rec.Body.String())
	}

	rec = f.do(t, http.MethodDelete, "/v1/users/u2/grants", admin, `{"permission":"read:reports"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("second revoke status = %d", rec.Code)
	}
	if decodeBody(t, rec)["revoked"] != false {
		t.Fatalf("expected revoked=false on miss: %s", rec.Body.String())
	}

	recs, _ := f.audits.Query(context.Background(), audit.Filter{Action: "authz.grant.revoke"})
	if len(recs) != 1 {
		t.Fatalf("revoke miss must not be audited, got %d records", len(recs))
	}
}

func TestGrantValidationErrors(t *testing.T) {
	f := newFixture(t)
	f.seedProfile(t, "admin-1", "", authz.RoleAdmin)
	f.seedProfile(t, "u2", "", authz.RoleViewer)
	admin := mintToken(t, "admin-1", true)

	past := f.clock.Now().Add(-time.Hour).Format(time.RFC3339)
	rec := f.do(t, http.MethodPost, "/v1/users/u2/grants", admin,
		fmt.Sprintf(`{"permission":"write:projects","expires_at":%q}`, past))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("past expiry: status = %d, want 400", rec.Code)
	}

	future := f.clock.Now().Add(time.Hour).Format(time.RFC3339)
	rec = f.do(t, http.MethodPost, "/v1/users/u2/grants", admin,
		fmt.Sprintf(`{"permission":"a:b:c:d","expires_at":%q}`, future))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("malformed permission: status = %d, want 400", rec.Code)
	}

	rec = f.do(t, http.MethodPost, "/v1/users/ghost/grants", admin,
		fmt.Sprintf(`{"permission":"write:projects","expires_at":%q}`, future))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("unknown user: status = %d, want 404", rec.Code)
	}
}

func TestAuditFailureDegradesToWarning(t *testing.T) {
	f := newFixture(t, withAuditStore(failingAuditStore{}))
	f.seedProfile(t, "admin-1", "", authz.RoleAdmin)
	f.seedProfile(t, "u2", "", authz.RoleViewer)

	expires := f.clock.Now().Add(time.Hour).Format(time.RFC3339)
	rec := f.do(t, http.MethodPost, "/v1/users/u2/grants", mintToken(t, "admin-1", true),
		fmt.Sprintf(`{"permission":"write:projects","expires_at":%q}`, expires))
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, want 201 despite audit failure: %s", rec.Code, rec.Body.String())
	}
	body := decodeBody(t, rec)
	if body["audit_warning"] != "audit record could not be persisted" {
		t.Fatalf("expected audit_warning, got %s", rec.Body.String())
	}
	if body["grant"] == nil {
		t.Fatal("grant payload missing")
	}
}

func TestDisableProfileBlocksAccess(t *testing.T) {
	f := newFixture(t)
	f.seedProfile(t, "admin-1", "", authz.RoleAdmin)
	f.seedProfile(t, "u2", "", authz.RoleAdmin)
	admin := mintToken(t, "admin-1", true)
	u2 := mintToken(t, "u2", true)

	rec := f.do(t, http.MethodGet, "/v1/roles", u2, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("precondition: u2 should be allowed, got %d", rec.Code)
	}

	rec = f.do(t, http.MethodPost, "/v1/users/u2/status", admin,
		`{"active":false,"reason":"left the organization"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("disable status = %d: %s", rec.Code, rec.Body.String())
	}

	rec = f.do(t, http.MethodGet, "/v1/roles", u2, "")
	if rec.Code != http.StatusForbidden {
		t.Fatalf("disabled profile: status = %d, want 403", rec.Code)
	}

	recs, _ := f.audits.Query(context.Background(), audit.Filter{Action: "authz.profile.disable"})
	if len(recs) != 1 || recs[0].Message != "left the organization" {
		t.Fatalf("disable audit records = %+v", recs)
	}
}

func TestAuditQueryEndpoint(t *testing.T) {
	f := newFixture(t)
	f.seedProfile(t, "admin-1", "", authz.RoleAdmin)
	f.seedProfile(t, "viewer-1", "", authz.RoleViewer)
	f.seedProfile(t, "u2", "", authz.RoleViewer)
	admin := mintToken(t, "admin-1", true)

	rec := f.do(t, http.MethodPost, "/v1/users/u2/roles", admin, `{"roles":["tecnico"]}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("mutation status = %d", rec.Code)
	}

	rec = f.do(t, http.MethodGet, "/v1/audit?actor=admin-1", admin, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("query status = %d: %s", rec.Code, rec.Body.String())
	}
	records, _ := decodeBody(t, rec)["records"].([]any)
	if len(records) != 1 {
		t.Fatalf("got %d records, want 1", len(records))
	}

	rec = f.do(t, http.MethodGet, "/v1/audit?limit=abc", admin, "")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("bad limit: status = %d, want 400", rec.Code)
	}

	rec = f.do(t, http.MethodGet, "/v1/audit", mintToken(t, "viewer-1", true), "")
	if rec.Code != http.StatusForbidden {
		t.Fatalf("viewer audit query: status = %d, want 403", rec.Code)
	}
}

func TestMethodNotAllowed(t *testing.T) {
	f := newFixture(t)
	f.seedProfile(t, "admin-1", "", authz.RoleAdmin)
	rec := f.do(t, http.MethodDelete, "/v1/roles", mintToken(t, "admin-1", true), "")
	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("status = %d, want 405", rec.Code)
	}
	if rec.Header().Get("Allow") != http.MethodGet {
		t.Fatalf("Allow = %q", rec.Header().Get("Allow"))
	}
}

func TestUnknownUserSubresource(t *testing.T) {
	f := newFixture(t)
	f.seedProfile(t, "admin-1", "", authz.RoleAdmin)
	rec := f.do(t, http.MethodGet, "/v1/users/u2/sessions", mintToken(t, "admin-1", true), "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}

func TestRejectsUnknownBodyFields(t *testing.T) {
	f := newFixture(t)
	f.seedProfile(t, "admin-1", "", authz.RoleAdmin)
	rec := f.do(t, http.MethodPost, "/v1/users", mintToken(t, "admin-1", true),
		`{"user_id":"u-new","surprise":true}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}
