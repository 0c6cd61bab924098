package handlers

import (
	"net/http"
	"time"

	"github.com/telhawk-systems/authcore/internal/httputil"
	"github.com/telhawk-systems/authcore/internal/models"
)

// Endpoints below are called by collaborator services holding the service token.

type otpRequest struct {
	Identifier string `json:"identifier"`
}

// RequestOtp issues a code and returns it to the delivery collaborator.
func (h *AuthHandler) RequestOtp(w http.ResponseWriter, r *http.Request) {
	var req otpRequest
	if err := httputil.DecodeJSON(r, &req); err != nil || models.NormalizeIdentifier(req.Identifier) == "" {
		httputil.WriteJSONAPIValidationError(w, "identifier is required")
		return
	}

	challenge, err := h.service.RequestOtp(r.Context(), req.Identifier, httputil.Origin(r))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	httputil.WriteJSONAPIResource(w, http.StatusCreated, "otp_challenge", challenge.Identifier, challenge)
}

type otpVerifyRequest struct {
	Identifier string `json:"identifier"`
	Code       string `json:"code"`
}

// VerifyOtp consumes a code without opening a session.
func (h *AuthHandler) VerifyOtp(w http.ResponseWriter, r *http.Request) {
	var req otpVerifyRequest
	if err := httputil.DecodeJSON(r, &req); err != nil {
		httputil.WriteJSONAPIValidationError(w, "Invalid request body")
		return
	}
	if err := h.service.VerifyOtp(r.Context(), req.Identifier, req.Code, httputil.Origin(r)); err != nil {
		writeServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type authorizeRequest struct {
	Token      string `json:"token,omitempty"`
	Role       string `json:"role,omitempty"`
	Permission string `json:"permission"`
}

// Authorize answers a permission question for a role, or for the role of the
// session identified by token.
func (h *AuthHandler) Authorize(w http.ResponseWriter, r *http.Request) {
	var req authorizeRequest
	if err := httputil.DecodeJSON(r, &req); err != nil {
		httputil.WriteJSONAPIValidationError(w, "Invalid request body")
		return
	}
	perm, err := models.ParsePermission(req.Permission)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}

	var (
		role    models.Role
		allowed bool
	)
	switch {
	case req.Token != "":
		info, err := h.service.ValidateSession(r.Context(), req.Token, httputil.Origin(r))
		if err != nil {
			writeServiceError(w, r, err)
			return
		}
		role = info.Role
		allowed = h.service.Authorized(r.Context(), info, perm, httputil.Origin(r)) == nil
	case req.Role != "":
		role, err = models.ParseRole(req.Role)
		if err != nil {
			httputil.WriteJSONAPIValidationError(w, err.Error())
			return
		}
		allowed = h.service.Authorize(r.Context(), role, perm)
	default:
		httputil.WriteJSONAPIValidationError(w, "token or role is required")
		return
	}

	httputil.WriteJSONAPIResource(w, http.StatusOK, "authorization", string(role)+":"+string(perm), map[string]any{
		"role":       role,
		"permission": perm,
		"allowed":    allowed,
	})
}

type auditEventRequest struct {
	ActorID         string         `json:"actor_id,omitempty"`
	ActorIdentifier string         `json:"actor_identifier,omitempty"`
	Role            string         `json:"role,omitempty"`
	Action          string         `json:"action"`
	EntityType      string         `json:"entity_type,omitempty"`
	EntityID        string         `json:"entity_id,omitempty"`
	Metadata        map[string]any `json:"metadata,omitempty"`
	Success         bool           `json:"success"`
	ErrorMessage    string         `json:"error_message,omitempty"`
	Timestamp       *time.Time     `json:"timestamp,omitempty"`
	IPAddress       string         `json:"ip_address,omitempty"`
	UserAgent       string         `json:"user_agent,omitempty"`
}

// RecordAuditEvent accepts a collaborator's audit event and stamps it with
// the server clock. Recording is fire-and-forget, so the response only
// reflects validation.
func (h *AuthHandler) RecordAuditEvent(w http.ResponseWriter, r *http.Request) {
	var req auditEventRequest
	if err := httputil.DecodeJSON(r, &req); err != nil {
		httputil.WriteJSONAPIValidationError(w, "Invalid request body")
		return
	}
	action, err := models.ParseAuditAction(req.Action)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}

	origin := httputil.Origin(r)
	e := models.AuditEvent{
		ActorID:         models.StringPtr(req.ActorID),
		ActorIdentifier: req.ActorIdentifier,
		Role:            models.Role(req.Role),
		Action:          action,
		EntityType:      req.EntityType,
		EntityID:        req.EntityID,
		Metadata:        req.Metadata,
		Success:         req.Success,
		ErrorMessage:    models.StringPtr(req.ErrorMessage),
		IPAddress:       req.IPAddress,
		UserAgent:       req.UserAgent,
		RequestID:       origin.RequestID,
	}
	if e.IPAddress == "" {
		e.IPAddress = origin.IPAddress
	}
	// The trail is ordered by server time; a collaborator's own clock is kept
	// as metadata only.
	if req.Timestamp != nil {
		meta := make(map[string]any, len(req.Metadata)+1)
		for k, v := range req.Metadata {
			meta[k] = v
		}
		meta["reported_at"] = req.Timestamp.UTC().Format(time.RFC3339Nano)
		e.Metadata = meta
	}

	h.service.Audit(r.Context(), e)
	w.WriteHeader(http.StatusAccepted)
}
