package repository

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/brianvoe/gofakeit/v6"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/telhawk-systems/authcore/internal/models"
)

// testRepository runs the behaviour every Repository implementation must share.
func testRepository(t *testing.T, repo Repository) {
	t.Run("principals", func(t *testing.T) { testPrincipals(t, repo) })
	t.Run("otp tokens", func(t *testing.T) { testOtpTokens(t, repo) })
	t.Run("otp concurrent consume", func(t *testing.T) { testOtpConcurrentConsume(t, repo) })
	t.Run("otp concurrent issue", func(t *testing.T) { testOtpConcurrentIssue(t, repo) })
	t.Run("sessions", func(t *testing.T) { testSessions(t, repo) })
	t.Run("grants", func(t *testing.T) { testGrants(t, repo) })
	t.Run("audit", func(t *testing.T) { testAudit(t, repo) })
}

var epoch = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

func newPrincipal(t *testing.T, repo Repository, role models.Role) *models.Principal {
	t.Helper()
	p := &models.Principal{
		ID:                uuid.Must(uuid.NewV7()).String(),
		Identifier:        models.NormalizeIdentifier(gofakeit.Email()),
		PasswordHash:      "hash-v1",
		Role:              role,
		CredentialVersion: 1,
		CreatedAt:         epoch,
		UpdatedAt:         epoch,
	}
	require.NoError(t, repo.CreatePrincipal(context.Background(), p))
	return p
}

func testPrincipals(t *testing.T, repo Repository) {
	ctx := context.Background()
	p := newPrincipal(t, repo, models.RoleOperator)

	dup := *p
	dup.ID = uuid.Must(uuid.NewV7()).String()
	assert.ErrorIs(t, repo.CreatePrincipal(ctx, &dup), ErrPrincipalExists)

	got, err := repo.GetPrincipalByIdentifier(ctx, p.Identifier)
	require.NoError(t, err)
	assert.Equal(t, p.ID, got.ID)
	assert.Equal(t, models.RoleOperator, got.Role)
	assert.True(t, got.IsActive())

	_, err = repo.GetPrincipalByID(ctx, uuid.Must(uuid.NewV7()).String())
	assert.ErrorIs(t, err, ErrPrincipalNotFound)
	_, err = repo.GetPrincipalByID(ctx, "not-a-uuid")
	assert.ErrorIs(t, err, ErrPrincipalNotFound)
	_, err = repo.UpdatePasswordHash(ctx, "not-a-uuid", "hash", epoch)
	assert.ErrorIs(t, err, ErrPrincipalNotFound)
	assert.ErrorIs(t, repo.DeactivatePrincipal(ctx, "not-a-uuid", epoch), ErrPrincipalNotFound)

	version, err := repo.UpdatePasswordHash(ctx, p.ID, "hash-v2", epoch.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 2, version)

	got, err = repo.GetPrincipalByID(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, "hash-v2", got.PasswordHash)
	assert.Equal(t, 2, got.CredentialVersion)

	require.NoError(t, repo.DeactivatePrincipal(ctx, p.ID, epoch.Add(time.Hour)))
	got, err = repo.GetPrincipalByID(ctx, p.ID)
	require.NoError(t, err)
	assert.False(t, got.IsActive())
}

func testOtpTokens(t *testing.T, repo Repository) {
	ctx := context.Background()
	identifier := models.NormalizeIdentifier(gofakeit.Email())

	first := &models.OtpToken{
		ID: uuid.Must(uuid.NewV7()).String(), Identifier: identifier, CodeHash: "h1",
		CreatedAt: epoch, ExpiresAt: epoch.Add(15 * time.Minute),
	}
	require.NoError(t, repo.ReplaceOtpToken(ctx, first))

	second := &models.OtpToken{
		ID: uuid.Must(uuid.NewV7()).String(), Identifier: identifier, CodeHash: "h2",
		CreatedAt: epoch.Add(time.Minute), ExpiresAt: epoch.Add(16 * time.Minute),
	}
	require.NoError(t, repo.ReplaceOtpToken(ctx, second))

	now := epoch.Add(2 * time.Minute)
	stale, err := repo.FindOtpToken(ctx, identifier, "h1")
	require.NoError(t, err)
	assert.Equal(t, models.OtpStatusConsumed, stale.StatusAt(now), "issuing must invalidate the earlier token")

	ok, err := repo.ConsumeOtpToken(ctx, identifier, "h1", now)
	require.NoError(t, err)
	assert.False(t, ok, "stale code must not verify")

	ok, err = repo.ConsumeOtpToken(ctx, identifier, "h2", now)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = repo.ConsumeOtpToken(ctx, identifier, "h2", now)
	require.NoError(t, err)
	assert.False(t, ok, "replay must fail")

	expired := &models.OtpToken{
		ID: uuid.Must(uuid.NewV7()).String(), Identifier: identifier, CodeHash: "h3",
		CreatedAt: now, ExpiresAt: now.Add(time.Minute),
	}
	require.NoError(t, repo.ReplaceOtpToken(ctx, expired))
	late := now.Add(2 * time.Minute)
	ok, err = repo.ConsumeOtpToken(ctx, identifier, "h3", late)
	require.NoError(t, err)
	assert.False(t, ok)

	found, err := repo.FindOtpToken(ctx, identifier, "h3")
	require.NoError(t, err)
	assert.Nil(t, found.ConsumedAt, "expired tokens are not mutated by verification")
	assert.Equal(t, models.OtpStatusExpired, found.StatusAt(late))

	_, err = repo.FindOtpToken(ctx, identifier, "nope")
	assert.ErrorIs(t, err, ErrOtpNotFound)

	deleted, err := repo.DeleteOtpTokensExpiredBefore(ctx, late.Add(24*time.Hour))
	require.NoError(t, err)
	assert.GreaterOrEqual(t, deleted, int64(3))
}

func testOtpConcurrentConsume(t *testing.T, repo Repository) {
	ctx := context.Background()
	identifier := models.NormalizeIdentifier(gofakeit.Email())
	token := &models.OtpToken{
		ID: uuid.Must(uuid.NewV7()).String(), Identifier: identifier, CodeHash: "race",
		CreatedAt: epoch, ExpiresAt: epoch.Add(time.Hour),
	}
	require.NoError(t, repo.ReplaceOtpToken(ctx, token))

	const workers = 16
	var (
		wg        sync.WaitGroup
		successes atomic.Int32
	)
	for range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := repo.ConsumeOtpToken(ctx, identifier, "race", epoch.Add(time.Minute))
			if err == nil && ok {
				successes.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), successes.Load(), "exactly one concurrent verification may succeed")
}

func testOtpConcurrentIssue(t *testing.T, repo Repository) {
	ctx := context.Background()
	identifier := models.NormalizeIdentifier(gofakeit.Email())

	const issuers = 8
	var wg sync.WaitGroup
	errs := make([]error, issuers)
	for i := range issuers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs[i] = repo.ReplaceOtpToken(ctx, &models.OtpToken{
				ID:         uuid.Must(uuid.NewV7()).String(),
				Identifier: identifier,
				CodeHash:   fmt.Sprintf("issue-%d", i),
				CreatedAt:  epoch,
				ExpiresAt:  epoch.Add(time.Hour),
			})
		}()
	}
	wg.Wait()
	for _, err := range errs {
		require.NoError(t, err)
	}

	live := 0
	for i := range issuers {
		ok, err := repo.ConsumeOtpToken(ctx, identifier, fmt.Sprintf("issue-%d", i), epoch.Add(time.Minute))
		require.NoError(t, err)
		if ok {
			live++
		}
	}
	assert.Equal(t, 1, live, "concurrent issuance must leave exactly one live token")
}

func testSessions(t *testing.T, repo Repository) {
	ctx := context.Background()
	p := newPrincipal(t, repo, models.RoleClientUser)

	s := &models.Session{
		ID: uuid.Must(uuid.NewV7()).String(), TokenHash: uuid.NewString(),
		PrincipalID: p.ID, Role: p.Role, CredentialVersion: 1,
		CreatedAt: epoch, ExpiresAt: epoch.Add(24 * time.Hour), LastActivityAt: epoch,
	}
	require.NoError(t, repo.CreateSession(ctx, s))

	got, err := repo.GetSessionByTokenHash(ctx, s.TokenHash)
	require.NoError(t, err)
	assert.Equal(t, s.ID, got.ID)
	assert.Equal(t, models.RoleClientUser, got.Role)

	require.NoError(t, repo.TouchSession(ctx, s.ID, epoch.Add(time.Hour)))
	got, err = repo.GetSessionByTokenHash(ctx, s.TokenHash)
	require.NoError(t, err)
	assert.True(t, got.LastActivityAt.Equal(epoch.Add(time.Hour)))
	assert.True(t, got.ExpiresAt.Equal(s.ExpiresAt), "touch must not extend expiry")

	deleted, err := repo.DeleteSessionByTokenHash(ctx, s.TokenHash)
	require.NoError(t, err)
	assert.Equal(t, s.ID, deleted.ID)

	_, err = repo.DeleteSessionByTokenHash(ctx, s.TokenHash)
	assert.ErrorIs(t, err, ErrSessionNotFound)
	_, err = repo.GetSessionByTokenHash(ctx, s.TokenHash)
	assert.ErrorIs(t, err, ErrSessionNotFound)

	for i := range 3 {
		require.NoError(t, repo.CreateSession(ctx, &models.Session{
			ID: uuid.Must(uuid.NewV7()).String(), TokenHash: uuid.NewString(),
			PrincipalID: p.ID, Role: p.Role, CredentialVersion: 1,
			CreatedAt: epoch, ExpiresAt: epoch.Add(time.Duration(i+1) * time.Hour), LastActivityAt: epoch,
		}))
	}
	purged, err := repo.DeleteSessionsExpiredBefore(ctx, epoch.Add(2*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(2), purged)

	n, err := repo.DeleteSessionsByPrincipal(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func testGrants(t *testing.T, repo Repository) {
	ctx := context.Background()
	role := models.Role("grants_" + uuid.NewString()[:8])

	perms, err := repo.GetRolePermissions(ctx, role)
	require.NoError(t, err)
	assert.Empty(t, perms)

	require.NoError(t, repo.ReplaceRolePermissions(ctx, role, []models.Permission{
		models.PermAdmissionsCreate, models.PermAdmissionsRead,
	}))
	perms, err = repo.GetRolePermissions(ctx, role)
	require.NoError(t, err)
	assert.ElementsMatch(t, []models.Permission{models.PermAdmissionsCreate, models.PermAdmissionsRead}, perms)

	require.NoError(t, repo.ReplaceRolePermissions(ctx, role, []models.Permission{models.PermReportsRead}))
	perms, err = repo.GetRolePermissions(ctx, role)
	require.NoError(t, err)
	assert.Equal(t, []models.Permission{models.PermReportsRead}, perms, "replacement is total, not incremental")

	roles, err := repo.ListRoles(ctx)
	require.NoError(t, err)
	assert.Contains(t, roles, role)

	require.NoError(t, repo.ReplaceRolePermissions(ctx, role, nil))
	perms, err = repo.GetRolePermissions(ctx, role)
	require.NoError(t, err)
	assert.Empty(t, perms)
}

func testAudit(t *testing.T, repo Repository) {
	ctx := context.Background()
	actor := uuid.Must(uuid.NewV7()).String()

	for i := range 5 {
		require.NoError(t, repo.AppendAuditEvent(ctx, &models.AuditEvent{
			ID:        uuid.Must(uuid.NewV7()).String(),
			Timestamp: epoch.Add(time.Duration(i) * time.Minute),
			ActorID:   &actor,
			Action:    models.ActionLogin,
			Success:   i%2 == 0,
			Metadata:  map[string]any{"attempt": float64(i)},
		}))
	}

	events, err := repo.QueryAuditEvents(ctx, models.AuditFilter{ActorID: actor})
	require.NoError(t, err)
	require.Len(t, events, 5)
	assert.True(t, events[0].Timestamp.After(events[4].Timestamp), "default order is newest first")
	assert.Equal(t, float64(4), events[0].Metadata["attempt"])

	failed := false
	events, err = repo.QueryAuditEvents(ctx, models.AuditFilter{ActorID: actor, Success: &failed})
	require.NoError(t, err)
	assert.Len(t, events, 2)

	events, err = repo.QueryAuditEvents(ctx, models.AuditFilter{ActorID: actor, Limit: 2, Offset: 1, Ascending: true})
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.True(t, events[0].Timestamp.Equal(epoch.Add(time.Minute)))

	since := epoch.Add(3 * time.Minute)
	events, err = repo.QueryAuditEvents(ctx, models.AuditFilter{ActorID: actor, Since: &since})
	require.NoError(t, err)
	assert.Len(t, events, 2)
}
