package repository

import (
	"context"
	"maps"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/telhawk-systems/authcore/internal/models"
)

// InMemoryRepository is a process-local Repository for development and tests.
// A single mutex makes every method atomic, which gives the OTP replace and
// consume operations the same guarantees the postgres transactions provide.
type InMemoryRepository struct {
	mu sync.RWMutex

	principals   map[string]*models.Principal
	byIdentifier map[string]string // identifier -> principal id

	otps []*models.OtpToken

	sessions    map[string]*models.Session // token hash -> session
	sessionByID map[string]string          // session id -> token hash

	grants map[models.Role][]models.Permission
	audit  []*models.AuditEvent
}

func NewInMemoryRepository() *InMemoryRepository {
	return &InMemoryRepository{
		principals:   make(map[string]*models.Principal),
		byIdentifier: make(map[string]string),
		sessions:     make(map[string]*models.Session),
		sessionByID:  make(map[string]string),
		grants:       make(map[models.Role][]models.Permission),
	}
}

func (r *InMemoryRepository) Ping(ctx context.Context) error { return nil }

func (r *InMemoryRepository) Close() {}

// =============================================================================
// PRINCIPALS
// =============================================================================

func (r *InMemoryRepository) CreatePrincipal(ctx context.Context, p *models.Principal) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.principals[p.ID]; exists {
		return ErrPrincipalExists
	}
	if _, exists := r.byIdentifier[p.Identifier]; exists {
		return ErrPrincipalExists
	}
	cp := clonePrincipal(p)
	r.principals[p.ID] = cp
	r.byIdentifier[p.Identifier] = p.ID
	return nil
}

func (r *InMemoryRepository) GetPrincipalByID(ctx context.Context, id string) (*models.Principal, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	p, ok := r.principals[id]
	if !ok {
		return nil, ErrPrincipalNotFound
	}
	return clonePrincipal(p), nil
}

func (r *InMemoryRepository) GetPrincipalByIdentifier(ctx context.Context, identifier string) (*models.Principal, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	id, ok := r.byIdentifier[identifier]
	if !ok {
		return nil, ErrPrincipalNotFound
	}
	return clonePrincipal(r.principals[id]), nil
}

func (r *InMemoryRepository) UpdatePasswordHash(ctx context.Context, id, hash string, at time.Time) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.principals[id]
	if !ok {
		return 0, ErrPrincipalNotFound
	}
	p.PasswordHash = hash
	p.CredentialVersion++
	p.UpdatedAt = at
	return p.CredentialVersion, nil
}

func (r *InMemoryRepository) DeactivatePrincipal(ctx context.Context, id string, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.principals[id]
	if !ok {
		return ErrPrincipalNotFound
	}
	if p.DeactivatedAt == nil {
		p.DeactivatedAt = &at
		p.UpdatedAt = at
	}
	return nil
}

// SetPrincipalRole changes a principal's role. Role edits belong to the provisioning
// collaborator; the in-memory store exposes it for development seeding and tests.
func (r *InMemoryRepository) SetPrincipalRole(id string, role models.Role) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.principals[id]
	if !ok {
		return ErrPrincipalNotFound
	}
	p.Role = role
	return nil
}

func clonePrincipal(p *models.Principal) *models.Principal {
	cp := *p
	if p.TenantID != nil {
		t := *p.TenantID
		cp.TenantID = &t
	}
	if p.DeactivatedAt != nil {
		d := *p.DeactivatedAt
		cp.DeactivatedAt = &d
	}
	return &cp
}

// =============================================================================
// OTP TOKENS
// =============================================================================

func (r *InMemoryRepository) ReplaceOtpToken(ctx context.Context, token *models.OtpToken) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := token.CreatedAt
	for _, t := range r.otps {
		if t.Identifier == token.Identifier && t.IsLive(now) {
			consumed := now
			t.ConsumedAt = &consumed
		}
	}
	cp := *token
	r.otps = append(r.otps, &cp)
	return nil
}

func (r *InMemoryRepository) ConsumeOtpToken(ctx context.Context, identifier, codeHash string, now time.Time) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, t := range r.otps {
		if t.Identifier == identifier && t.CodeHash == codeHash && t.IsLive(now) {
			consumed := now
			t.ConsumedAt = &consumed
			return true, nil
		}
	}
	return false, nil
}

func (r *InMemoryRepository) FindOtpToken(ctx context.Context, identifier, codeHash string) (*models.OtpToken, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for i := len(r.otps) - 1; i >= 0; i-- {
		t := r.otps[i]
		if t.Identifier == identifier && t.CodeHash == codeHash {
			cp := *t
			if t.ConsumedAt != nil {
				c := *t.ConsumedAt
				cp.ConsumedAt = &c
			}
			return &cp, nil
		}
	}
	return nil, ErrOtpNotFound
}

// LiveOtpCount returns the number of live tokens for identifier at now.
func (r *InMemoryRepository) LiveOtpCount(identifier string, now time.Time) int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	n := 0
	for _, t := range r.otps {
		if t.Identifier == identifier && t.IsLive(now) {
			n++
		}
	}
	return n
}

func (r *InMemoryRepository) DeleteOtpTokensExpiredBefore(ctx context.Context, before time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	kept := r.otps[:0]
	var deleted int64
	for _, t := range r.otps {
		if t.ExpiresAt.Before(before) {
			deleted++
			continue
		}
		kept = append(kept, t)
	}
	r.otps = kept
	return deleted, nil
}

// =============================================================================
// SESSIONS
// =============================================================================

func (r *InMemoryRepository) CreateSession(ctx context.Context, s *models.Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	cp := *s
	r.sessions[s.TokenHash] = &cp
	r.sessionByID[s.ID] = s.TokenHash
	return nil
}

func (r *InMemoryRepository) GetSessionByTokenHash(ctx context.Context, tokenHash string) (*models.Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s, ok := r.sessions[tokenHash]
	if !ok {
		return nil, ErrSessionNotFound
	}
	cp := *s
	return &cp, nil
}

func (r *InMemoryRepository) TouchSession(ctx context.Context, id string, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	hash, ok := r.sessionByID[id]
	if !ok {
		return ErrSessionNotFound
	}
	r.sessions[hash].LastActivityAt = at
	return nil
}

func (r *InMemoryRepository) DeleteSessionByTokenHash(ctx context.Context, tokenHash string) (*models.Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[tokenHash]
	if !ok {
		return nil, ErrSessionNotFound
	}
	delete(r.sessions, tokenHash)
	delete(r.sessionByID, s.ID)
	return s, nil
}

func (r *InMemoryRepository) DeleteSessionsByPrincipal(ctx context.Context, principalID string) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.deleteSessionsWhere(func(s *models.Session) bool { return s.PrincipalID == principalID }), nil
}

func (r *InMemoryRepository) DeleteSessionsExpiredBefore(ctx context.Context, before time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.deleteSessionsWhere(func(s *models.Session) bool { return !s.ExpiresAt.After(before) }), nil
}

func (r *InMemoryRepository) deleteSessionsWhere(match func(*models.Session) bool) int64 {
	var n int64
	for hash, s := range r.sessions {
		if match(s) {
			delete(r.sessions, hash)
			delete(r.sessionByID, s.ID)
			n++
		}
	}
	return n
}

// =============================================================================
// GRANTS
// =============================================================================

func (r *InMemoryRepository) GetRolePermissions(ctx context.Context, role models.Role) ([]models.Permission, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return slices.Clone(r.grants[role]), nil
}

func (r *InMemoryRepository) ReplaceRolePermissions(ctx context.Context, role models.Role, perms []models.Permission) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(perms) == 0 {
		delete(r.grants, role)
		return nil
	}
	r.grants[role] = slices.Clone(perms)
	return nil
}

func (r *InMemoryRepository) ListRoles(ctx context.Context) ([]models.Role, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	roles := slices.Collect(maps.Keys(r.grants))
	slices.Sort(roles)
	return roles, nil
}

// =============================================================================
// AUDIT
// =============================================================================

func (r *InMemoryRepository) AppendAuditEvent(ctx context.Context, e *models.AuditEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	cp := *e
	cp.Metadata = maps.Clone(e.Metadata)
	r.audit = append(r.audit, &cp)
	return nil
}

func (r *InMemoryRepository) QueryAuditEvents(ctx context.Context, f models.AuditFilter) ([]*models.AuditEvent, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	f = f.Normalize()
	matched := make([]*models.AuditEvent, 0)
	for _, e := range r.audit {
		if f.Matches(e) {
			cp := *e
			cp.Metadata = maps.Clone(e.Metadata)
			matched = append(matched, &cp)
		}
	}

	sort.SliceStable(matched, func(i, j int) bool {
		if f.Ascending {
			return matched[i].Timestamp.Before(matched[j].Timestamp)
		}
		return matched[i].Timestamp.After(matched[j].Timestamp)
	})

	if f.Offset >= len(matched) {
		return []*models.AuditEvent{}, nil
	}
	end := min(f.Offset+f.Limit, len(matched))
	return matched[f.Offset:end], nil
}
