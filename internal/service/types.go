package service

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/telhawk-systems/authcore/internal/models"
)

var (
	ErrInvalidMethod    = errors.New("unsupported login method")
	ErrInvalidPrincipal = errors.New("invalid principal")
)

// LoginMethod selects the factor presented at login.
type LoginMethod string

const (
	MethodPassword LoginMethod = "password"
	MethodOTP      LoginMethod = "otp"
)

// ParseLoginMethod accepts "password" or "otp" in any case. An empty method
// means password.
func ParseLoginMethod(s string) (LoginMethod, error) {
	switch m := LoginMethod(strings.ToLower(strings.TrimSpace(s))); m {
	case "":
		return MethodPassword, nil
	case MethodPassword, MethodOTP:
		return m, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidMethod, s)
	}
}

type LoginRequest struct {
	Identifier string
	Secret     string // password or OTP code, never logged
	Method     LoginMethod
	Origin     models.Origin
}

// LoginResult is returned once per successful login. Token is the only copy of
// the session secret.
type LoginResult struct {
	Token       string      `json:"token"`
	SessionID   string      `json:"session_id"`
	PrincipalID string      `json:"principal_id"`
	Role        models.Role `json:"role"`
	ExpiresAt   time.Time   `json:"expires_at"`
}

// OtpChallenge carries a freshly issued code to the delivery collaborator.
type OtpChallenge struct {
	Identifier string    `json:"identifier"`
	Code       string    `json:"code"`
	ExpiresAt  time.Time `json:"expires_at"`
}

// SessionInfo describes a validated session.
type SessionInfo struct {
	SessionID      string      `json:"session_id"`
	PrincipalID    string      `json:"principal_id"`
	Identifier     string      `json:"identifier"`
	TenantID       *string     `json:"tenant_id,omitempty"`
	Role           models.Role `json:"role"`
	ExpiresAt      time.Time   `json:"expires_at"`
	LastActivityAt time.Time   `json:"last_activity_at"`

	// RoleStale is set when the principal's current role differs from the role
	// captured at login. Authorization keeps using the captured role until the
	// principal logs in again.
	RoleStale bool `json:"role_stale,omitempty"`
}

// ActionRequest describes one protected operation run through Perform.
type ActionRequest struct {
	Token      string
	Permission models.Permission
	EntityType string
	EntityID   string
	Metadata   map[string]any
	Origin     models.Origin
}

// NewPrincipal is the input for provisioning a principal.
type NewPrincipal struct {
	Identifier string
	Password   string
	Role       models.Role
	TenantID   *string
	// Actor is the session creating the principal, nil for operator tooling.
	// Only a superuser session may create another superuser.
	Actor *SessionInfo
}

// ReapResult summarizes one cleanup pass.
type ReapResult struct {
	Sessions  int64 `json:"sessions"`
	OtpTokens int64 `json:"otp_tokens"`
}
