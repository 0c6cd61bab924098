// Package authmw guards HTTP handlers with session, permission and service
// token checks.
package authmw

import (
	"context"
	"crypto/subtle"
	"errors"
	"net/http"

	"github.com/telhawk-systems/authcore/internal/httputil"
	"github.com/telhawk-systems/authcore/internal/models"
	"github.com/telhawk-systems/authcore/internal/service"
)

type contextKey string

const (
	sessionKey contextKey = "session"
	tokenKey   contextKey = "session_token"
)

type AuthMiddleware struct {
	authService  *service.AuthService
	serviceToken string
}

// NewAuthMiddleware returns middleware backed by authService. serviceToken
// guards the internal collaborator endpoints; an empty token disables them.
func NewAuthMiddleware(authService *service.AuthService, serviceToken string) *AuthMiddleware {
	return &AuthMiddleware{authService: authService, serviceToken: serviceToken}
}

// SessionFromContext returns the session validated by RequireSession.
func SessionFromContext(ctx context.Context) *service.SessionInfo {
	info, _ := ctx.Value(sessionKey).(*service.SessionInfo)
	return info
}

// TokenFromContext returns the bearer token validated by RequireSession.
func TokenFromContext(ctx context.Context) string {
	token, _ := ctx.Value(tokenKey).(string)
	return token
}

// RequireSession rejects requests without a live session.
func (m *AuthMiddleware) RequireSession(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token, _ := httputil.BearerToken(r)

		info, err := m.authService.ValidateSession(r.Context(), token, httputil.Origin(r))
		if err != nil {
			if errors.Is(err, models.ErrStorageUnavailable) {
				httputil.WriteJSONAPIUnavailableError(w)
				return
			}
			httputil.WriteJSONAPIUnauthorizedError(w, "Invalid or expired session")
			return
		}

		ctx := context.WithValue(r.Context(), sessionKey, info)
		ctx = context.WithValue(ctx, tokenKey, token)
		next.ServeHTTP(w, r.WithContext(ctx))
	}
}

// RequirePermission requires a live session whose role holds permission.
func (m *AuthMiddleware) RequirePermission(permission models.Permission) func(http.HandlerFunc) http.HandlerFunc {
	return func(next http.HandlerFunc) http.HandlerFunc {
		return m.RequireSession(func(w http.ResponseWriter, r *http.Request) {
			info := SessionFromContext(r.Context())
			if err := m.authService.Authorized(r.Context(), info, permission, httputil.Origin(r)); err != nil {
				httputil.WriteJSONAPIErrors(w, http.StatusForbidden, httputil.JSONAPIErrorObject{
					Status: http.StatusForbidden,
					Code:   "forbidden",
					Title:  "Forbidden",
					Detail: string(permission) + " permission required",
					Meta:   map[string]any{"permission": string(permission)},
				})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// RequireServiceToken admits collaborator services presenting the shared
// service token as a bearer credential.
func (m *AuthMiddleware) RequireServiceToken(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token, ok := httputil.BearerToken(r)
		if m.serviceToken == "" || !ok ||
			subtle.ConstantTimeCompare([]byte(token), []byte(m.serviceToken)) != 1 {
			httputil.WriteJSONAPIUnauthorizedError(w, "Service credentials required")
			return
		}
		next.ServeHTTP(w, r)
	}
}
