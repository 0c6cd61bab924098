package models

import (
	"strings"
	"time"
)

// Principal is an authenticatable identity, either a human user or a service account.
// Principals are provisioned by an external collaborator and are never physically
// deleted; DeactivatedAt soft-deactivates them so audit references stay valid.
type Principal struct {
	ID           string  `json:"id"`
	Identifier   string  `json:"identifier"` // contact identifier, normalized e-mail
	PasswordHash string  `json:"-"`
	Role         Role    `json:"role"`
	TenantID     *string `json:"tenant_id,omitempty"` // active company/tenant scope

	// CredentialVersion increases on every password change. Sessions stamp the
	// version they were issued under and die when it no longer matches.
	CredentialVersion int `json:"credential_version"`

	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
	DeactivatedAt *time.Time `json:"deactivated_at,omitempty"`
}

// IsActive returns true if the principal has not been deactivated.
func (p *Principal) IsActive() bool {
	return p.DeactivatedAt == nil
}

// NormalizeIdentifier canonicalizes a contact identifier for storage and lookup.
func NormalizeIdentifier(identifier string) string {
	return strings.ToLower(strings.TrimSpace(identifier))
}
