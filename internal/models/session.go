package models

import "time"

// Session is the server-held proof of a successful authentication. The opaque token
// handed to the client is never stored; TokenHash is its SHA-256 digest.
type Session struct {
	ID                string    `json:"id"` // public identifier, safe for audit records
	TokenHash         string    `json:"-"`
	PrincipalID       string    `json:"principal_id"`
	Role              Role      `json:"role"` // snapshot taken at issuance
	CredentialVersion int       `json:"credential_version"`
	CreatedAt         time.Time `json:"created_at"`
	ExpiresAt         time.Time `json:"expires_at"`
	LastActivityAt    time.Time `json:"last_activity_at"`
}

// IsValidAt reports whether the session is still within its absolute lifetime.
// A session is valid strictly before ExpiresAt.
func (s *Session) IsValidAt(now time.Time) bool {
	return now.Before(s.ExpiresAt)
}

// IdleAt reports whether the session has been unused for at least idle.
// A zero idle disables the check.
func (s *Session) IdleAt(now time.Time, idle time.Duration) bool {
	if idle <= 0 {
		return false
	}
	return !now.Before(s.LastActivityAt.Add(idle))
}
