package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/telhawk-systems/authcore/internal/audit"
	"github.com/telhawk-systems/authcore/internal/clock"
	"github.com/telhawk-systems/authcore/internal/credentials"
	"github.com/telhawk-systems/authcore/internal/logging"
	"github.com/telhawk-systems/authcore/internal/metrics"
	"github.com/telhawk-systems/authcore/internal/models"
	"github.com/telhawk-systems/authcore/internal/otp"
	"github.com/telhawk-systems/authcore/internal/ratelimit"
	"github.com/telhawk-systems/authcore/internal/rbac"
	"github.com/telhawk-systems/authcore/internal/repository"
	"github.com/telhawk-systems/authcore/internal/session"
)

const (
	scopeLoginIdentifier = "login:id"
	scopeLoginIP         = "login:ip"
	scopeOtpIdentifier   = "otp:id"
	scopeOtpIP           = "otp:ip"

	entitySession   = "session"
	entityPrincipal = "principal"
	entityRole      = "role"
	entityOtp       = "otp"

	DefaultOtpRetention = 30 * 24 * time.Hour
)

// Deps are the collaborators an AuthService orchestrates. Limiters may be nil.
type Deps struct {
	Repo         repository.Repository
	Credentials  *credentials.Store
	Otp          *otp.Issuer
	Sessions     *session.Manager
	Permissions  *rbac.Evaluator
	Audit        *audit.Logger
	LoginLimiter ratelimit.RateLimiter
	OtpLimiter   ratelimit.RateLimiter
	Clock        clock.Clock
	OtpRetention time.Duration
}

// AuthService is the single entry point collaborators use for authentication,
// session checks, authorization and audit.
type AuthService struct {
	repo         repository.Repository
	credentials  *credentials.Store
	otp          *otp.Issuer
	sessions     *session.Manager
	permissions  *rbac.Evaluator
	auditLog     *audit.Logger
	loginLimiter ratelimit.RateLimiter
	otpLimiter   ratelimit.RateLimiter
	clock        clock.Clock
	otpRetention time.Duration
}

func NewAuthService(d Deps) *AuthService {
	if d.Clock == nil {
		d.Clock = clock.Real{}
	}
	if d.OtpRetention <= 0 {
		d.OtpRetention = DefaultOtpRetention
	}
	return &AuthService{
		repo:         d.Repo,
		credentials:  d.Credentials,
		otp:          d.Otp,
		sessions:     d.Sessions,
		permissions:  d.Permissions,
		auditLog:     d.Audit,
		loginLimiter: d.LoginLimiter,
		otpLimiter:   d.OtpLimiter,
		clock:        d.Clock,
		otpRetention: d.OtpRetention,
	}
}

// Login authenticates with a password or an OTP and opens a session. Every
// rejection returns ErrInvalidCredential regardless of cause; the cause is only
// written to the audit trail.
func (s *AuthService) Login(ctx context.Context, req LoginRequest) (*LoginResult, error) {
	identifier := models.NormalizeIdentifier(req.Identifier)
	method := req.Method
	if method == "" {
		method = MethodPassword
	}
	if method != MethodPassword && method != MethodOTP {
		return nil, fmt.Errorf("%w: %q", ErrInvalidMethod, method)
	}

	fail := func(actor *models.Principal, reason string, meta map[string]any) {
		metrics.LoginAttempts.WithLabelValues(string(method), metrics.ResultFailure).Inc()
		if meta == nil {
			meta = map[string]any{}
		}
		meta["method"] = string(method)
		e := models.AuditEvent{
			ActorIdentifier: identifier,
			Action:          models.ActionLogin,
			EntityType:      entitySession,
			Metadata:        meta,
			Success:         false,
			ErrorMessage:    models.StringPtr(reason),
		}
		if actor != nil {
			e.ActorID = models.StringPtr(actor.ID)
			e.Role = actor.Role
		}
		s.record(ctx, req.Origin, e)
	}

	if !s.admitted(ctx, s.loginLimiter, scopeLoginIdentifier, scopeLoginIP, identifier, req.Origin) {
		metrics.LoginAttempts.WithLabelValues(string(method), "rate_limited").Inc()
		return nil, models.ErrRateLimited
	}

	var principal *models.Principal
	switch method {
	case MethodPassword:
		p, reason, err := s.credentials.Authenticate(ctx, identifier, req.Secret)
		if err != nil {
			fail(nil, reason, nil)
			if errors.Is(err, models.ErrStorageUnavailable) {
				return nil, err
			}
			return nil, models.ErrInvalidCredential
		}
		principal = p

	case MethodOTP:
		if err := s.VerifyOtp(ctx, identifier, req.Secret, req.Origin); err != nil {
			fail(nil, "otp rejected", nil)
			return nil, models.ErrInvalidCredential
		}
		p, err := s.repo.GetPrincipalByIdentifier(ctx, identifier)
		if err != nil {
			if errors.Is(err, repository.ErrPrincipalNotFound) {
				fail(nil, "unknown identifier", nil)
				return nil, models.ErrInvalidCredential
			}
			fail(nil, "storage error", nil)
			return nil, fmt.Errorf("%w: %w", models.ErrStorageUnavailable, err)
		}
		if !p.IsActive() {
			fail(p, "principal inactive", nil)
			return nil, models.ErrInvalidCredential
		}
		principal = p
	}

	token, sess, err := s.sessions.Create(ctx, principal)
	if err != nil {
		fail(principal, "session creation failed", nil)
		return nil, err
	}

	metrics.LoginAttempts.WithLabelValues(string(method), metrics.ResultSuccess).Inc()
	s.record(ctx, req.Origin, models.AuditEvent{
		ActorID:         models.StringPtr(principal.ID),
		ActorIdentifier: principal.Identifier,
		Role:            principal.Role,
		Action:          models.ActionLogin,
		EntityType:      entitySession,
		EntityID:        sess.ID,
		Metadata:        map[string]any{"method": string(method)},
		Success:         true,
	})

	return &LoginResult{
		Token:       token,
		SessionID:   sess.ID,
		PrincipalID: principal.ID,
		Role:        sess.Role,
		ExpiresAt:   sess.ExpiresAt,
	}, nil
}

// RequestOtp issues a code for identifier. The code is returned for delivery by
// the caller; issuance does not reveal whether the identifier belongs to a
// principal.
func (s *AuthService) RequestOtp(ctx context.Context, identifier string, origin models.Origin) (*OtpChallenge, error) {
	identifier = models.NormalizeIdentifier(identifier)
	if identifier == "" {
		return nil, models.ErrInvalidCredential
	}
	if !s.admitted(ctx, s.otpLimiter, scopeOtpIdentifier, scopeOtpIP, identifier, origin) {
		return nil, models.ErrRateLimited
	}

	code, expiresAt, err := s.otp.Issue(ctx, identifier)
	if err != nil {
		s.record(ctx, origin, models.AuditEvent{
			ActorIdentifier: identifier,
			Action:          models.ActionOtpRequested,
			EntityType:      entityOtp,
			ErrorMessage:    models.StringPtr("storage error"),
		})
		return nil, err
	}

	metrics.OtpIssued.Inc()
	s.record(ctx, origin, models.AuditEvent{
		ActorIdentifier: identifier,
		Action:          models.ActionOtpRequested,
		EntityType:      entityOtp,
		Metadata:        map[string]any{"expires_at": expiresAt.Format(time.RFC3339)},
		Success:         true,
	})
	return &OtpChallenge{Identifier: identifier, Code: code, ExpiresAt: expiresAt}, nil
}

// VerifyOtp consumes code for identifier without opening a session. It returns
// ErrExpiredOrConsumedToken when the code was issued but is no longer live and
// ErrInvalidCredential otherwise.
func (s *AuthService) VerifyOtp(ctx context.Context, identifier, code string, origin models.Origin) error {
	identifier = models.NormalizeIdentifier(identifier)

	ok := s.otp.Verify(ctx, identifier, code)
	metrics.OtpVerifications.WithLabelValues(metrics.Outcome(ok)).Inc()
	if ok {
		s.record(ctx, origin, models.AuditEvent{
			ActorIdentifier: identifier,
			Action:          models.ActionOtpVerified,
			EntityType:      entityOtp,
			Success:         true,
		})
		return nil
	}

	status := s.otp.Inspect(ctx, identifier, code)
	s.record(ctx, origin, models.AuditEvent{
		ActorIdentifier: identifier,
		Action:          models.ActionOtpVerified,
		EntityType:      entityOtp,
		Metadata:        map[string]any{"otp_status": string(status)},
		ErrorMessage:    models.StringPtr("otp " + string(status)),
	})
	switch status {
	case models.OtpStatusConsumed, models.OtpStatusExpired:
		return models.ErrExpiredOrConsumedToken
	default:
		return models.ErrInvalidCredential
	}
}

// ValidateSession resolves token to a live session. Rejections are audited as
// SESSION_INVALID and returned as ErrSessionNotFound, ErrSessionExpired or, when
// storage fails, ErrStorageUnavailable.
func (s *AuthService) ValidateSession(ctx context.Context, token string, origin models.Origin) (*SessionInfo, error) {
	sess, principal, err := s.sessions.Resolve(ctx, token)
	if err != nil {
		result := "invalid"
		if errors.Is(err, models.ErrStorageUnavailable) {
			result = metrics.ResultError
		}
		metrics.SessionValidations.WithLabelValues(result).Inc()
		s.record(ctx, origin, models.AuditEvent{
			Action:       models.ActionSessionInvalid,
			EntityType:   entitySession,
			ErrorMessage: models.StringPtr(err.Error()),
		})
		return nil, err
	}

	metrics.SessionValidations.WithLabelValues(metrics.ResultSuccess).Inc()
	info := &SessionInfo{
		SessionID:      sess.ID,
		PrincipalID:    sess.PrincipalID,
		Identifier:     principal.Identifier,
		TenantID:       principal.TenantID,
		Role:           sess.Role,
		ExpiresAt:      sess.ExpiresAt,
		LastActivityAt: sess.LastActivityAt,
		RoleStale:      principal.Role != sess.Role,
	}
	if info.RoleStale {
		slog.DebugContext(ctx, "Session role differs from principal role",
			logging.SessionID(sess.ID),
			logging.Role(string(sess.Role)),
			slog.String("current_role", string(principal.Role)))
	}
	return info, nil
}

// Logout destroys the session for token. Unknown tokens succeed.
func (s *AuthService) Logout(ctx context.Context, token string, origin models.Origin) error {
	removed, err := s.sessions.Destroy(ctx, token)
	if err != nil {
		s.record(ctx, origin, models.AuditEvent{
			Action:       models.ActionLogout,
			EntityType:   entitySession,
			ErrorMessage: models.StringPtr("storage error"),
		})
		return err
	}
	if removed == nil {
		s.record(ctx, origin, models.AuditEvent{
			Action:     models.ActionLogout,
			EntityType: entitySession,
			Success:    true,
			Metadata:   map[string]any{"already_ended": true},
		})
		return nil
	}

	s.record(ctx, origin, models.AuditEvent{
		ActorID:    models.StringPtr(removed.PrincipalID),
		Role:       removed.Role,
		Action:     models.ActionLogout,
		EntityType: entitySession,
		EntityID:   removed.ID,
		Success:    true,
	})
	return nil
}

// Authorize reports whether role holds permission.
func (s *AuthService) Authorize(ctx context.Context, role models.Role, permission models.Permission) bool {
	ok := s.permissions.Authorize(ctx, role, permission)
	decision := "deny"
	if ok {
		decision = "allow"
	}
	metrics.AuthorizationDecisions.WithLabelValues(decision).Inc()
	return ok
}

// Authorized checks info's role against permission and audits a denial as
// FORBIDDEN. It returns ErrForbidden on denial.
func (s *AuthService) Authorized(ctx context.Context, info *SessionInfo, permission models.Permission, origin models.Origin) error {
	if s.Authorize(ctx, info.Role, permission) {
		return nil
	}
	s.record(ctx, origin, models.AuditEvent{
		ActorID:         models.StringPtr(info.PrincipalID),
		ActorIdentifier: info.Identifier,
		Role:            info.Role,
		Action:          models.ActionForbidden,
		Metadata:        map[string]any{"permission": string(permission)},
		ErrorMessage:    models.StringPtr(models.ErrForbidden.Error()),
	})
	return models.ErrForbidden
}

// forbidSuperuser audits an attempt by a non-superuser to create or take over
// the superuser role.
func (s *AuthService) forbidSuperuser(ctx context.Context, actor *SessionInfo, entityID, attempt string, origin models.Origin) {
	s.record(ctx, origin, models.AuditEvent{
		ActorID:         models.StringPtr(actor.PrincipalID),
		ActorIdentifier: actor.Identifier,
		Role:            actor.Role,
		Action:          models.ActionForbidden,
		EntityType:      entityPrincipal,
		EntityID:        entityID,
		Metadata:        map[string]any{"attempt": attempt, "target_role": string(models.RoleAdmin)},
		ErrorMessage:    models.StringPtr(models.ErrForbidden.Error()),
	})
}

// Perform validates req.Token, authorizes req.Permission and runs op, auditing
// each outcome. op's error is returned unchanged.
func (s *AuthService) Perform(ctx context.Context, req ActionRequest, op func(ctx context.Context, info *SessionInfo) error) error {
	info, err := s.ValidateSession(ctx, req.Token, req.Origin)
	if err != nil {
		return err
	}
	if err := s.Authorized(ctx, info, req.Permission, req.Origin); err != nil {
		return err
	}

	opErr := op(ctx, info)

	meta := make(map[string]any, len(req.Metadata)+1)
	for k, v := range req.Metadata {
		meta[k] = v
	}
	meta["permission"] = string(req.Permission)
	e := models.AuditEvent{
		ActorID:         models.StringPtr(info.PrincipalID),
		ActorIdentifier: info.Identifier,
		Role:            info.Role,
		Action:          models.ActionActionPerformed,
		EntityType:      req.EntityType,
		EntityID:        req.EntityID,
		Metadata:        meta,
		Success:         opErr == nil,
	}
	if opErr != nil {
		e.ErrorMessage = models.StringPtr(opErr.Error())
	}
	s.record(ctx, req.Origin, e)
	return opErr
}

// Audit records a collaborator-supplied event. It never fails.
func (s *AuthService) Audit(ctx context.Context, e models.AuditEvent) {
	s.auditLog.Record(ctx, e)
}

// Catalog returns the static permission catalog.
func (s *AuthService) Catalog() models.Catalog {
	return models.PermissionCatalog()
}

// ChangePassword sets a new password for principalID and ends all of its
// sessions. actor is nil for system-initiated changes.
func (s *AuthService) ChangePassword(ctx context.Context, actor *SessionInfo, principalID, newPassword string, origin models.Origin) error {
	e := models.AuditEvent{
		Action:     models.ActionPasswordChanged,
		EntityType: entityPrincipal,
		EntityID:   principalID,
	}
	if actor != nil {
		e.ActorID = models.StringPtr(actor.PrincipalID)
		e.ActorIdentifier = actor.Identifier
		e.Role = actor.Role
	}

	if actor != nil && actor.PrincipalID != principalID && actor.Role != models.RoleAdmin {
		target, err := s.repo.GetPrincipalByID(ctx, principalID)
		if err == nil && target.Role == models.RoleAdmin {
			s.forbidSuperuser(ctx, actor, principalID, "password reset", origin)
			return models.ErrForbidden
		}
	}

	version, err := s.credentials.SetPassword(ctx, principalID, newPassword)
	if err != nil {
		e.ErrorMessage = models.StringPtr(err.Error())
		s.record(ctx, origin, e)
		return err
	}

	// Sessions carrying the old credential version already fail validation;
	// deleting them just frees the rows early.
	revoked, err := s.sessions.DestroyAllForPrincipal(ctx, principalID)
	if err != nil {
		slog.WarnContext(ctx, "Failed to revoke sessions after password change",
			logging.PrincipalID(principalID), logging.Error(err))
	}

	e.Success = true
	e.Metadata = map[string]any{"credential_version": version, "sessions_revoked": revoked}
	s.record(ctx, origin, e)
	return nil
}

// ChangeOwnPassword lets the session holder replace their password after
// proving the current one.
func (s *AuthService) ChangeOwnPassword(ctx context.Context, actor *SessionInfo, current, newPassword string, origin models.Origin) error {
	if !s.credentials.VerifyPassword(ctx, actor.PrincipalID, current) {
		s.record(ctx, origin, models.AuditEvent{
			ActorID:         models.StringPtr(actor.PrincipalID),
			ActorIdentifier: actor.Identifier,
			Role:            actor.Role,
			Action:          models.ActionPasswordChanged,
			EntityType:      entityPrincipal,
			EntityID:        actor.PrincipalID,
			ErrorMessage:    models.StringPtr("current password mismatch"),
		})
		return models.ErrInvalidCredential
	}
	return s.ChangePassword(ctx, actor, actor.PrincipalID, newPassword, origin)
}

// SetRolePermissions replaces role's grants with codes.
func (s *AuthService) SetRolePermissions(ctx context.Context, actor *SessionInfo, role models.Role, codes []string, origin models.Origin) ([]models.Permission, error) {
	e := models.AuditEvent{
		Action:     models.ActionPermissionsChanged,
		EntityType: entityRole,
		EntityID:   string(role),
		Metadata:   map[string]any{"permissions": codes},
	}
	if actor != nil {
		e.ActorID = models.StringPtr(actor.PrincipalID)
		e.ActorIdentifier = actor.Identifier
		e.Role = actor.Role
	}

	perms, err := s.permissions.SetPermissions(ctx, role, codes)
	if err != nil {
		e.ErrorMessage = models.StringPtr(err.Error())
		s.record(ctx, origin, e)
		return nil, err
	}

	e.Success = true
	s.record(ctx, origin, e)
	return perms, nil
}

// RolePermissions returns the permissions granted to role.
func (s *AuthService) RolePermissions(ctx context.Context, role models.Role) ([]models.Permission, error) {
	return s.permissions.PermissionsFor(ctx, role)
}

// Roles lists the roles that hold grants.
func (s *AuthService) Roles(ctx context.Context) ([]models.Role, error) {
	return s.permissions.Roles(ctx)
}

// QueryAudit returns audit events for reporting collaborators.
func (s *AuthService) QueryAudit(ctx context.Context, f models.AuditFilter) ([]*models.AuditEvent, error) {
	return s.auditLog.Query(ctx, f)
}

// VerifyAuditEvent reports whether e carries a valid signature.
func (s *AuthService) VerifyAuditEvent(e *models.AuditEvent) bool {
	return s.auditLog.Verify(e)
}

// CreatePrincipal provisions a principal with an initial password.
func (s *AuthService) CreatePrincipal(ctx context.Context, req NewPrincipal, origin models.Origin) (*models.Principal, error) {
	identifier := models.NormalizeIdentifier(req.Identifier)
	if identifier == "" {
		return nil, fmt.Errorf("%w: identifier is required", ErrInvalidPrincipal)
	}
	role, err := models.ParseRole(string(req.Role))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidPrincipal, err)
	}
	if role == models.RoleAdmin && req.Actor != nil && req.Actor.Role != models.RoleAdmin {
		s.forbidSuperuser(ctx, req.Actor, "", "superuser creation", origin)
		return nil, models.ErrForbidden
	}
	hash, err := s.credentials.Hash(req.Password)
	if err != nil {
		return nil, err
	}
	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("failed to generate principal ID: %w", err)
	}

	now := s.clock.Now()
	p := &models.Principal{
		ID:                id.String(),
		Identifier:        identifier,
		PasswordHash:      hash,
		Role:              role,
		TenantID:          req.TenantID,
		CredentialVersion: 1,
		CreatedAt:         now,
		UpdatedAt:         now,
	}

	e := models.AuditEvent{
		Action:     models.ActionEntityCreated,
		EntityType: entityPrincipal,
		EntityID:   p.ID,
		Metadata:   map[string]any{"identifier": identifier, "role": string(role)},
	}
	if req.Actor != nil {
		e.ActorID = models.StringPtr(req.Actor.PrincipalID)
		e.ActorIdentifier = req.Actor.Identifier
		e.Role = req.Actor.Role
	}
	if err := s.repo.CreatePrincipal(ctx, p); err != nil {
		e.ErrorMessage = models.StringPtr(err.Error())
		s.record(ctx, origin, e)
		if errors.Is(err, repository.ErrPrincipalExists) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %w", models.ErrStorageUnavailable, err)
	}
	e.Success = true
	s.record(ctx, origin, e)
	return p, nil
}

// Ping checks the storage backend.
func (s *AuthService) Ping(ctx context.Context) error {
	return s.repo.Ping(ctx)
}

// admitted applies the per-identifier and per-address limits and audits a
// rejection.
func (s *AuthService) admitted(ctx context.Context, l ratelimit.RateLimiter, idScope, ipScope, identifier string, origin models.Origin) bool {
	if ratelimit.Check(ctx, l, idScope, identifier) && ratelimit.Check(ctx, l, ipScope, origin.IPAddress) {
		return true
	}
	s.record(ctx, origin, models.AuditEvent{
		ActorIdentifier: identifier,
		Action:          models.ActionRateLimited,
		Metadata:        map[string]any{"scope": idScope},
		ErrorMessage:    models.StringPtr(models.ErrRateLimited.Error()),
	})
	return false
}

func (s *AuthService) record(ctx context.Context, origin models.Origin, e models.AuditEvent) {
	if e.IPAddress == "" {
		e.IPAddress = origin.IPAddress
	}
	if e.UserAgent == "" {
		e.UserAgent = origin.UserAgent
	}
	if e.RequestID == "" {
		e.RequestID = origin.RequestID
	}
	s.auditLog.Record(ctx, e)
}
