package models

import "time"

// OtpToken is a stored one-time passcode. Only the keyed hash of the code is kept.
type OtpToken struct {
	ID         string     `json:"id"`
	Identifier string     `json:"identifier"`
	CodeHash   string     `json:"-"`
	CreatedAt  time.Time  `json:"created_at"`
	ExpiresAt  time.Time  `json:"expires_at"`
	ConsumedAt *time.Time `json:"consumed_at,omitempty"`
}

// IsLive reports whether the token is unconsumed and unexpired at now.
func (t *OtpToken) IsLive(now time.Time) bool {
	return t.ConsumedAt == nil && now.Before(t.ExpiresAt)
}

// OtpStatus describes why a code did or did not verify. It is only ever used to
// enrich audit records, never returned to the party presenting the code.
type OtpStatus string

const (
	OtpStatusUnknown  OtpStatus = "unknown"
	OtpStatusLive     OtpStatus = "live"
	OtpStatusConsumed OtpStatus = "consumed"
	OtpStatusExpired  OtpStatus = "expired"
)

// StatusAt classifies the token at the given instant.
func (t *OtpToken) StatusAt(now time.Time) OtpStatus {
	switch {
	case t.ConsumedAt != nil:
		return OtpStatusConsumed
	case !now.Before(t.ExpiresAt):
		return OtpStatusExpired
	default:
		return OtpStatusLive
	}
}
