// Package session issues, validates and revokes opaque session tokens.
package session

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/telhawk-systems/authcore/internal/clock"
	"github.com/telhawk-systems/authcore/internal/logging"
	"github.com/telhawk-systems/authcore/internal/models"
	"github.com/telhawk-systems/authcore/internal/repository"
)

const (
	DefaultTTL = 24 * time.Hour

	tokenBytes   = 32
	touchTimeout = 2 * time.Second
)

// Repository is the storage a Manager needs: sessions plus principal lookups for
// credential-version and deactivation checks.
type Repository interface {
	repository.SessionRepository
	GetPrincipalByID(ctx context.Context, id string) (*models.Principal, error)
}

type Options struct {
	TTL         time.Duration
	IdleTimeout time.Duration // 0 disables idle expiry
}

type Manager struct {
	repo  Repository
	clock clock.Clock
	ttl   time.Duration
	idle  time.Duration
}

func NewManager(repo Repository, clk clock.Clock, opts Options) *Manager {
	if opts.TTL <= 0 {
		opts.TTL = DefaultTTL
	}
	return &Manager{repo: repo, clock: clk, ttl: opts.TTL, idle: opts.IdleTimeout}
}

// TTL returns the absolute session lifetime.
func (m *Manager) TTL() time.Duration { return m.ttl }

// Create opens a session for p and returns the opaque token. Only the token's
// SHA-256 digest is persisted.
func (m *Manager) Create(ctx context.Context, p *models.Principal) (string, *models.Session, error) {
	raw := make([]byte, tokenBytes)
	if _, err := rand.Read(raw); err != nil {
		return "", nil, fmt.Errorf("failed to generate session token: %w", err)
	}
	token := base64.RawURLEncoding.EncodeToString(raw)

	id, err := uuid.NewV7()
	if err != nil {
		return "", nil, fmt.Errorf("failed to generate session id: %w", err)
	}

	now := m.clock.Now()
	s := &models.Session{
		ID:                id.String(),
		TokenHash:         HashToken(token),
		PrincipalID:       p.ID,
		Role:              p.Role,
		CredentialVersion: p.CredentialVersion,
		CreatedAt:         now,
		ExpiresAt:         now.Add(m.ttl),
		LastActivityAt:    now,
	}
	if err := m.repo.CreateSession(ctx, s); err != nil {
		return "", nil, fmt.Errorf("%w: %w", models.ErrStorageUnavailable, err)
	}
	return token, s, nil
}

// Validate returns the live session for token. See Resolve.
func (m *Manager) Validate(ctx context.Context, token string) (*models.Session, error) {
	s, _, err := m.Resolve(ctx, token)
	return s, err
}

// Resolve returns the live session for token together with its principal's
// current record.
//
// A session is rejected with ErrSessionExpired once now reaches ExpiresAt or the
// idle window has passed, and with ErrSessionNotFound when it is unknown or its
// principal was deactivated or changed credentials. Rejected sessions that still
// exist are deleted. The last-activity touch is best effort; expiry is never
// extended.
func (m *Manager) Resolve(ctx context.Context, token string) (*models.Session, *models.Principal, error) {
	if token == "" {
		return nil, nil, models.ErrSessionNotFound
	}
	hash := HashToken(token)

	s, err := m.repo.GetSessionByTokenHash(ctx, hash)
	if err != nil {
		if errors.Is(err, repository.ErrSessionNotFound) {
			return nil, nil, models.ErrSessionNotFound
		}
		return nil, nil, fmt.Errorf("%w: %w", models.ErrStorageUnavailable, err)
	}

	now := m.clock.Now()
	if !s.IsValidAt(now) || s.IdleAt(now, m.idle) {
		m.discard(ctx, hash, s.ID, "expired")
		return nil, nil, models.ErrSessionExpired
	}

	p, err := m.repo.GetPrincipalByID(ctx, s.PrincipalID)
	if err != nil {
		if errors.Is(err, repository.ErrPrincipalNotFound) {
			m.discard(ctx, hash, s.ID, "principal missing")
			return nil, nil, models.ErrSessionNotFound
		}
		return nil, nil, fmt.Errorf("%w: %w", models.ErrStorageUnavailable, err)
	}
	if !p.IsActive() {
		m.discard(ctx, hash, s.ID, "principal inactive")
		return nil, nil, models.ErrSessionNotFound
	}
	if p.CredentialVersion != s.CredentialVersion {
		m.discard(ctx, hash, s.ID, "credentials changed")
		return nil, nil, models.ErrSessionNotFound
	}

	m.touch(ctx, s.ID, now)
	s.LastActivityAt = now
	return s, p, nil
}

// Destroy removes the session for token. Unknown tokens are not an error. It
// returns the removed session, or nil if there was none.
func (m *Manager) Destroy(ctx context.Context, token string) (*models.Session, error) {
	if token == "" {
		return nil, nil
	}
	s, err := m.repo.DeleteSessionByTokenHash(ctx, HashToken(token))
	if err != nil {
		if errors.Is(err, repository.ErrSessionNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("%w: %w", models.ErrStorageUnavailable, err)
	}
	return s, nil
}

// DestroyAllForPrincipal removes every session held by principalID.
func (m *Manager) DestroyAllForPrincipal(ctx context.Context, principalID string) (int64, error) {
	n, err := m.repo.DeleteSessionsByPrincipal(ctx, principalID)
	if err != nil {
		return 0, fmt.Errorf("%w: %w", models.ErrStorageUnavailable, err)
	}
	return n, nil
}

// PurgeExpired deletes sessions whose absolute lifetime has ended.
func (m *Manager) PurgeExpired(ctx context.Context) (int64, error) {
	n, err := m.repo.DeleteSessionsExpiredBefore(ctx, m.clock.Now())
	if err != nil {
		return 0, fmt.Errorf("%w: %w", models.ErrStorageUnavailable, err)
	}
	return n, nil
}

func (m *Manager) touch(ctx context.Context, id string, at time.Time) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), touchTimeout)
	defer cancel()
	if err := m.repo.TouchSession(ctx, id, at); err != nil {
		slog.WarnContext(ctx, "Failed to record session activity",
			logging.SessionID(id), logging.Error(err))
	}
}

func (m *Manager) discard(ctx context.Context, hash, id, reason string) {
	if _, err := m.repo.DeleteSessionByTokenHash(ctx, hash); err != nil && !errors.Is(err, repository.ErrSessionNotFound) {
		slog.WarnContext(ctx, "Failed to delete rejected session",
			logging.SessionID(id), slog.String("reason", reason), logging.Error(err))
	}
}

// HashToken returns the hex SHA-256 digest under which a token is stored.
func HashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}
