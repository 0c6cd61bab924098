package handlers

import (
	"net/http"
	"strconv"
	"time"

	"github.com/telhawk-systems/authcore/internal/authmw"
	"github.com/telhawk-systems/authcore/internal/httputil"
	"github.com/telhawk-systems/authcore/internal/models"
	"github.com/telhawk-systems/authcore/internal/service"
)

func (h *AuthHandler) Catalog(w http.ResponseWriter, r *http.Request) {
	catalog := h.service.Catalog()
	httputil.WriteJSONAPIResource(w, http.StatusOK, "permission_catalog", catalog.Version, catalog)
}

func (h *AuthHandler) ListRoles(w http.ResponseWriter, r *http.Request) {
	roles, err := h.service.Roles(r.Context())
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	data := make([]httputil.JSONAPIResource, 0, len(roles))
	for _, role := range roles {
		data = append(data, httputil.JSONAPIResource{Type: "role", ID: string(role), Attributes: map[string]any{}})
	}
	httputil.WriteJSONAPICollection(w, http.StatusOK, data, nil)
}

func (h *AuthHandler) GetRolePermissions(w http.ResponseWriter, r *http.Request) {
	role, err := models.ParseRole(r.PathValue("role"))
	if err != nil {
		httputil.WriteJSONAPIValidationError(w, err.Error())
		return
	}
	perms, err := h.service.RolePermissions(r.Context(), role)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	httputil.WriteJSONAPIResource(w, http.StatusOK, "role", string(role), map[string]any{
		"permissions": perms,
		"superuser":   role == models.RoleAdmin,
	})
}

type setPermissionsRequest struct {
	Permissions []string `json:"permissions"`
}

func (h *AuthHandler) SetRolePermissions(w http.ResponseWriter, r *http.Request) {
	role, err := models.ParseRole(r.PathValue("role"))
	if err != nil {
		httputil.WriteJSONAPIValidationError(w, err.Error())
		return
	}
	var req setPermissionsRequest
	if err := httputil.DecodeJSON(r, &req); err != nil {
		httputil.WriteJSONAPIValidationError(w, "Invalid request body")
		return
	}

	perms, err := h.service.SetRolePermissions(r.Context(), authmw.SessionFromContext(r.Context()), role, req.Permissions, httputil.Origin(r))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	if perms == nil {
		perms = []models.Permission{}
	}
	httputil.WriteJSONAPIResource(w, http.StatusOK, "role", string(role), map[string]any{
		"permissions": perms,
		"superuser":   false,
	})
}

// QueryAuditEvents serves the audit trail to reporting clients. Each event
// carries whether its signature still verifies.
func (h *AuthHandler) QueryAuditEvents(w http.ResponseWriter, r *http.Request) {
	filter, err := parseAuditFilter(r)
	if err != nil {
		httputil.WriteJSONAPIValidationError(w, err.Error())
		return
	}

	events, err := h.service.QueryAudit(r.Context(), filter)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}

	data := make([]httputil.JSONAPIResource, 0, len(events))
	for _, e := range events {
		data = append(data, httputil.JSONAPIResource{
			Type: "audit_event",
			ID:   e.ID,
			Attributes: struct {
				*models.AuditEvent
				Verified bool `json:"verified"`
			}{e, h.service.VerifyAuditEvent(e)},
		})
	}

	filter = filter.Normalize()
	httputil.WriteJSONAPICollection(w, http.StatusOK, data, map[string]any{
		"pagination": httputil.Pagination{Limit: filter.Limit, Offset: filter.Offset, Count: len(data)},
	})
}

func parseAuditFilter(r *http.Request) (models.AuditFilter, error) {
	q := r.URL.Query()
	f := models.AuditFilter{
		ActorID:    q.Get("actor_id"),
		EntityType: q.Get("entity_type"),
		EntityID:   q.Get("entity_id"),
		Ascending:  q.Get("order") == "asc",
	}

	if v := q.Get("action"); v != "" {
		action, err := models.ParseAuditAction(v)
		if err != nil {
			return f, err
		}
		f.Action = action
	}
	if v := q.Get("success"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return f, errInvalidParam("success")
		}
		f.Success = &b
	}
	for name, dst := range map[string]**time.Time{"since": &f.Since, "until": &f.Until} {
		if v := q.Get(name); v != "" {
			t, err := time.Parse(time.RFC3339, v)
			if err != nil {
				return f, errInvalidParam(name)
			}
			*dst = &t
		}
	}
	for name, dst := range map[string]*int{"limit": &f.Limit, "offset": &f.Offset} {
		if v := q.Get(name); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n < 0 {
				return f, errInvalidParam(name)
			}
			*dst = n
		}
	}
	return f, nil
}

type errInvalidParam string

func (e errInvalidParam) Error() string { return "invalid " + string(e) + " parameter" }

type changePasswordRequest struct {
	CurrentPassword string `json:"current_password,omitempty"`
	NewPassword     string `json:"new_password"`
}

// ChangePassword sets a principal's password. Principals changing their own
// password must present the current one; changing someone else's requires
// users.manage.
func (h *AuthHandler) ChangePassword(w http.ResponseWriter, r *http.Request) {
	actor := authmw.SessionFromContext(r.Context())
	principalID := r.PathValue("id")

	var req changePasswordRequest
	if err := httputil.DecodeJSON(r, &req); err != nil || req.NewPassword == "" {
		httputil.WriteJSONAPIValidationError(w, "new_password is required")
		return
	}

	origin := httputil.Origin(r)
	var err error
	if principalID == actor.PrincipalID {
		err = h.service.ChangeOwnPassword(r.Context(), actor, req.CurrentPassword, req.NewPassword, origin)
	} else {
		if err := h.service.Authorized(r.Context(), actor, models.PermUsersManage, origin); err != nil {
			writeServiceError(w, r, err)
			return
		}
		err = h.service.ChangePassword(r.Context(), actor, principalID, req.NewPassword, origin)
	}
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type createPrincipalRequest struct {
	Identifier string  `json:"identifier"`
	Password   string  `json:"password"`
	Role       string  `json:"role"`
	TenantID   *string `json:"tenant_id,omitempty"`
}

func (h *AuthHandler) CreatePrincipal(w http.ResponseWriter, r *http.Request) {
	var req createPrincipalRequest
	if err := httputil.DecodeJSON(r, &req); err != nil {
		httputil.WriteJSONAPIValidationError(w, "Invalid request body")
		return
	}

	p, err := h.service.CreatePrincipal(r.Context(), service.NewPrincipal{
		Identifier: req.Identifier,
		Password:   req.Password,
		Role:       models.Role(req.Role),
		TenantID:   req.TenantID,
		Actor:      authmw.SessionFromContext(r.Context()),
	}, httputil.Origin(r))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	httputil.WriteJSONAPIResource(w, http.StatusCreated, "principal", p.ID, p)
}
