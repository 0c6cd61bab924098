package repository

import (
	"context"
	"errors"
	"time"

	"github.com/telhawk-systems/authcore/internal/models"
)

var (
	ErrPrincipalNotFound = errors.New("principal not found")
	ErrPrincipalExists   = errors.New("principal already exists")
	ErrSessionNotFound   = errors.New("session not found")
	ErrOtpNotFound       = errors.New("otp token not found")
)

// PrincipalRepository reads principals and updates their credentials.
type PrincipalRepository interface {
	CreatePrincipal(ctx context.Context, p *models.Principal) error
	GetPrincipalByID(ctx context.Context, id string) (*models.Principal, error)
	GetPrincipalByIdentifier(ctx context.Context, identifier string) (*models.Principal, error)
	// UpdatePasswordHash stores a new hash and increments the credential version,
	// returning the new version.
	UpdatePasswordHash(ctx context.Context, id, hash string, at time.Time) (int, error)
	DeactivatePrincipal(ctx context.Context, id string, at time.Time) error
}

// OtpRepository persists one-time passcodes.
type OtpRepository interface {
	// ReplaceOtpToken marks every live token for token.Identifier consumed at
	// token.CreatedAt and inserts token, as one atomic unit.
	ReplaceOtpToken(ctx context.Context, token *models.OtpToken) error
	// ConsumeOtpToken marks the matching live token consumed and reports whether
	// exactly one row changed.
	ConsumeOtpToken(ctx context.Context, identifier, codeHash string, now time.Time) (bool, error)
	// FindOtpToken returns the most recent token for identifier with codeHash.
	FindOtpToken(ctx context.Context, identifier, codeHash string) (*models.OtpToken, error)
	DeleteOtpTokensExpiredBefore(ctx context.Context, before time.Time) (int64, error)
}

// SessionRepository persists sessions keyed by token hash.
type SessionRepository interface {
	CreateSession(ctx context.Context, s *models.Session) error
	GetSessionByTokenHash(ctx context.Context, tokenHash string) (*models.Session, error)
	TouchSession(ctx context.Context, id string, at time.Time) error
	DeleteSessionByTokenHash(ctx context.Context, tokenHash string) (*models.Session, error)
	DeleteSessionsByPrincipal(ctx context.Context, principalID string) (int64, error)
	DeleteSessionsExpiredBefore(ctx context.Context, before time.Time) (int64, error)
}

// GrantRepository persists the role → permission mapping.
type GrantRepository interface {
	GetRolePermissions(ctx context.Context, role models.Role) ([]models.Permission, error)
	// ReplaceRolePermissions swaps the full grant set for role in one transaction.
	ReplaceRolePermissions(ctx context.Context, role models.Role, perms []models.Permission) error
	ListRoles(ctx context.Context) ([]models.Role, error)
}

// AuditRepository is the append-only audit store.
type AuditRepository interface {
	AppendAuditEvent(ctx context.Context, e *models.AuditEvent) error
	QueryAuditEvents(ctx context.Context, f models.AuditFilter) ([]*models.AuditEvent, error)
}

// Repository is the full storage backend.
type Repository interface {
	PrincipalRepository
	OtpRepository
	SessionRepository
	GrantRepository
	AuditRepository
	Ping(ctx context.Context) error
	Close()
}
