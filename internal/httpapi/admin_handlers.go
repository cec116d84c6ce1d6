package httpapi

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"centra.org/internal/audit"
	"centra.org/internal/authz"
)

type createProfileRequest struct {
	UserID string   `json:"user_id"`
	Scope  string   `json:"scope"`
	Roles  []string `json:"roles"`
}

type assignRolesRequest struct {
	Roles  []string `json:"roles"`
	Reason string   `json:"reason"`
}

type grantRequest struct {
	Permission string    `json:"permission"`
	ExpiresAt  time.Time `json:"expires_at"`
	Reason     string    `json:"reason"`
}

type revokeRequest struct {
	Permission string `json:"permission"`
}

type setActiveRequest struct {
	Active bool   `json:"active"`
	Reason string `json:"reason"`
}

func (a *API) handleRoles(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	if _, ok := a.ensurePermission(w, r, authz.PermManageRoles); !ok {
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"roles": a.svc.Registry().List()})
}

func (a *API) handleUsers(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	profile, ok := a.ensurePermission(w, r, "write:users")
	if !ok {
		return
	}
	var req createProfileRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	created, err := a.svc.CreateProfile(r.Context(), req.UserID, req.Scope, req.Roles)
	if err != nil {
		handleAuthzError(w, r, err)
		return
	}
	warning := a.audit(r, profile.UserID, audit.Record{
		Action:       "authz.profile.create",
		ResourceType: "user",
		ResourceID:   created.UserID,
		NewValue:     strings.Join(created.Roles, ","),
		Message:      "authorization profile created",
	})
	writeMutation(w, http.StatusCreated, map[string]any{"profile": created}, warning)
}

// handleUserScoped dispatches /v1/users/{id}/(roles|grants|permissions|status).
func (a *API) handleUserScoped(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/v1/users/")
	path = strings.Trim(path, "/")
	parts := strings.Split(path, "/")
	if len(parts) != 2 || parts[0] == "" {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}
	userID := parts[0]
	switch parts[1] {
	case "roles":
		a.handleAssignRoles(w, r, userID)
	case "grants":
		a.handleGrants(w, r, userID)
	case "permissions":
		a.handleEffectivePermissions(w, r, userID)
	case "status":
		a.handleSetActive(w, r, userID)
	default:
		writeError(w, r, http.StatusNotFound, "resource not found")
	}
}

func (a *API) handleAssignRoles(w http.ResponseWriter, r *http.Request, userID string) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	actor, ok := a.ensurePermission(w, r, authz.PermManageRoles)
	if !ok {
		return
	}
	var req assignRolesRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	before, _ := a.svc.EffectivePermissions(r.Context(), userID)
	updated, err := a.svc.AssignRoles(r.Context(), userID, req.Roles)
	if err != nil {
		handleAuthzError(w, r, err)
		return
	}
	warning := a.audit(r, actor.UserID, audit.Record{
		Action:       "authz.roles.assign",
		ResourceType: "user",
		ResourceID:   userID,
		OldValue:     strings.Join(before, ","),
		NewValue:     strings.Join(updated.Roles, ","),
		Message:      req.Reason,
	})
	writeMutation(w, http.StatusOK, map[string]any{"profile": updated}, warning)
}

func (a *API) handleGrants(w http.ResponseWriter, r *http.Request, userID string) {
	switch r.Method {
	case http.MethodPost:
		a.handleGrant(w, r, userID)
	case http.MethodDelete:
		a.handleRevoke(w, r, userID)
	default:
		methodNotAllowed(w, r, http.MethodPost, http.MethodDelete)
	}
}

func (a *API) handleGrant(w http.ResponseWriter, r *http.Request, userID string) {
	actor, ok := a.ensurePermission(w, r, authz.PermManageGrants)
	if !ok {
		return
	}
	var req grantRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	grant, err := a.svc.GrantPermission(r.Context(), userID, req.Permission, req.ExpiresAt, req.Reason, actor.UserID)
	if err != nil {
		handleAuthzError(w, r, err)
		return
	}
	warning := a.audit(r, actor.UserID, audit.Record{
		Action:       "authz.grant.create",
		ResourceType: "user",
		ResourceID:   userID,
		NewValue:     grant.Permission,
		Message:      req.Reason,
	})
	writeMutation(w, http.StatusCreated, map[string]any{"grant": grant}, warning)
}

func (a *API) handleRevoke(w http.ResponseWriter, r *http.Request, userID string) {
	actor, ok := a.ensurePermission(w, r, authz.PermManageGrants)
	if !ok {
		return
	}
	var req revokeRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	revoked, err := a.svc.RevokePermission(r.Context(), userID, req.Permission)
	if err != nil {
		handleAuthzError(w, r, err)
		return
	}
	warning := ""
	if revoked {
		warning = a.audit(r, actor.UserID, audit.Record{
			Action:       "authz.grant.revoke",
			ResourceType: "user",
			ResourceID:   userID,
			OldValue:     req.Permission,
		})
	}
	writeMutation(w, http.StatusOK, map[string]any{"revoked": revoked}, warning)
}

func (a *API) handleEffectivePermissions(w http.ResponseWriter, r *http.Request, userID string) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	if _, ok := a.ensurePermission(w, r, authz.PermManageRoles); !ok {
		return
	}
	perms, err := a.svc.EffectivePermissions(r.Context(), userID)
	if err != nil {
		handleAuthzError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"user_id":     userID,
		"permissions": perms,
	})
}

func (a *API) handleSetActive(w http.ResponseWriter, r *http.Request, userID string) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	actor, ok := a.ensurePermission(w, r, "write:users")
	if !ok {
		return
	}
	var req setActiveRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if err := a.svc.SetActive(r.Context(), userID, req.Active); err != nil {
		handleAuthzError(w, r, err)
		return
	}
	action := "authz.profile.disable"
	if req.Active {
		action = "authz.profile.enable"
	}
	warning := a.audit(r, actor.UserID, audit.Record{
		Action:       action,
		ResourceType: "user",
		ResourceID:   userID,
		Message:      req.Reason,
	})
	writeMutation(w, http.StatusOK, map[string]any{"user_id": userID, "active": req.Active}, warning)
}

func (a *API) handleAuditQuery(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	if _, ok := a.ensurePermission(w, r, authz.PermReadAudit); !ok {
		return
	}
	q := r.URL.Query()
	filter := audit.Filter{
		Actor:  strings.TrimSpace(q.Get("actor")),
		Action: strings.TrimSpace(q.Get("action")),
		Limit:  100,
	}
	if raw := q.Get("from"); raw != "" {
		ts, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			writeError(w, r, http.StatusBadRequest, "from must be RFC3339")
			return
		}
		filter.From = ts
	}
	if raw := q.Get("to"); raw != "" {
		ts, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			writeError(w, r, http.StatusBadRequest, "to must be RFC3339")
			return
		}
		filter.To = ts
	}
	if raw := q.Get("limit"); raw != "" {
		limit, err := parsePositiveInt(raw, 100, 1, 1000)
		if err != nil {
			writeError(w, r, http.StatusBadRequest, err.Error())
			return
		}
		filter.Limit = limit
	}
	records, err := a.auditLog.Query(r.Context(), filter)
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, "audit query failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"records": records})
}

// audit appends the record for an already-committed action. A failed append
// degrades to a warning string; it never changes the action's outcome.
func (a *API) audit(r *http.Request, actor string, rec audit.Record) string {
	rec.Actor = actor
	rec.Origin = clientIP(r)
	if rec.Outcome == "" {
		rec.Outcome = audit.OutcomeSuccess
	}
	if err := a.auditLog.Record(r.Context(), rec); err != nil {
		return "audit record could not be persisted"
	}
	return ""
}

func writeMutation(w http.ResponseWriter, code int, payload map[string]any, warning string) {
	if warning != "" {
		payload["audit_warning"] = warning
	}
	writeJSON(w, code, payload)
}

func handleAuthzError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, authz.ErrInvalidPermission), errors.Is(err, authz.ErrInvalidExpiration):
		writeError(w, r, http.StatusBadRequest, err.Error())
	case errors.Is(err, authz.ErrRoleNotFound):
		writeError(w, r, http.StatusBadRequest, err.Error())
	case errors.Is(err, authz.ErrProfileNotFound):
		writeError(w, r, http.StatusNotFound, err.Error())
	default:
		writeError(w, r, http.StatusInternalServerError, "authorization operation failed")
	}
}

func parsePositiveInt(raw string, def, min, max int) (int, error) {
	if strings.TrimSpace(raw) == "" {
		return def, nil
	}
	val, err := strconv.Atoi(raw)
	if err != nil {
		return 0, errors.New("limit must be an integer")
	}
	if val < min || val > max {
		return 0, errors.New("limit must be between 1 and 1000")
	}
	return val, nil
}
