// Package handlers exposes the authentication core over HTTP.
package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/telhawk-systems/authcore/internal/authmw"
	"github.com/telhawk-systems/authcore/internal/httputil"
	"github.com/telhawk-systems/authcore/internal/messaging"
	"github.com/telhawk-systems/authcore/internal/service"
)

type AuthHandler struct {
	service   *service.AuthService
	messaging messaging.Client
}

// NewAuthHandler builds the handler set. bus may be nil when audit forwarding
// is disabled.
func NewAuthHandler(service *service.AuthService, bus messaging.Client) *AuthHandler {
	return &AuthHandler{service: service, messaging: bus}
}

type loginRequest struct {
	Identifier string `json:"identifier"`
	Secret     string `json:"secret"`
	Method     string `json:"method,omitempty"`
}

func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := httputil.DecodeJSON(r, &req); err != nil {
		httputil.WriteJSONAPIValidationError(w, "Invalid request body")
		return
	}
	if req.Identifier == "" || req.Secret == "" {
		httputil.WriteJSONAPIUnauthorizedError(w, "invalid credentials")
		return
	}
	method, err := service.ParseLoginMethod(req.Method)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}

	res, err := h.service.Login(r.Context(), service.LoginRequest{
		Identifier: req.Identifier,
		Secret:     req.Secret,
		Method:     method,
		Origin:     httputil.Origin(r),
	})
	if err != nil {
		writeServiceError(w, r, err)
		return
	}

	httputil.WriteJSONAPIResource(w, http.StatusOK, "session", res.SessionID, map[string]any{
		"token":        res.Token,
		"principal_id": res.PrincipalID,
		"role":         res.Role,
		"expires_at":   res.ExpiresAt,
	})
}

// Logout ends the presented session. It succeeds for unknown tokens.
func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	token, _ := httputil.BearerToken(r)
	if err := h.service.Logout(r.Context(), token, httputil.Origin(r)); err != nil {
		writeServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Session describes the caller's own session.
func (h *AuthHandler) Session(w http.ResponseWriter, r *http.Request) {
	info := authmw.SessionFromContext(r.Context())
	httputil.WriteJSONAPIResource(w, http.StatusOK, "session", info.SessionID, info)
}

func (h *AuthHandler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	status := http.StatusOK
	body := map[string]any{"status": "ok"}
	if err := h.service.Ping(ctx); err != nil {
		status = http.StatusServiceUnavailable
		body["status"] = "degraded"
		body["database"] = "unreachable"
	}
	body["forwarding"] = messaging.CheckClientHealth(h.messaging)
	httputil.WriteJSON(w, status, body)
}
