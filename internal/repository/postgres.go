package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/telhawk-systems/authcore/internal/models"
)

const (
	defaultTimeout = 5 * time.Second
	hotReadTimeout = 2 * time.Second
)

type PostgresRepository struct {
	pool *pgxpool.Pool
}

// isPrincipalID reports whether id can match the principals.id UUID column.
// Anything else would fail as a query error rather than a miss.
func isPrincipalID(id string) bool {
	_, err := uuid.Parse(id)
	return err == nil
}

// PoolOptions tunes the pgx connection pool.
type PoolOptions struct {
	MaxConns int32
	MinConns int32
}

func NewPostgresRepository(ctx context.Context, connString string, opts PoolOptions) (*PostgresRepository, error) {
	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database config: %w", err)
	}

	config.MaxConns = 25
	config.MinConns = 5
	if opts.MaxConns > 0 {
		config.MaxConns = opts.MaxConns
	}
	if opts.MinConns > 0 && opts.MinConns <= config.MaxConns {
		config.MinConns = opts.MinConns
	}
	config.MaxConnLifetime = 5 * time.Minute
	config.MaxConnIdleTime = time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &PostgresRepository{pool: pool}, nil
}

func (r *PostgresRepository) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, hotReadTimeout)
	defer cancel()
	return r.pool.Ping(ctx)
}

func (r *PostgresRepository) Close() {
	r.pool.Close()
}

// =============================================================================
// PRINCIPALS
// =============================================================================

const principalColumns = `id, identifier, password_hash, role, tenant_id, credential_version,
	created_at, updated_at, deactivated_at`

func scanPrincipal(row pgx.Row) (*models.Principal, error) {
	var p models.Principal
	var role string
	err := row.Scan(
		&p.ID, &p.Identifier, &p.PasswordHash, &role, &p.TenantID, &p.CredentialVersion,
		&p.CreatedAt, &p.UpdatedAt, &p.DeactivatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrPrincipalNotFound
		}
		return nil, fmt.Errorf("failed to get principal: %w", err)
	}
	p.Role = models.Role(role)
	return &p, nil
}

func (r *PostgresRepository) CreatePrincipal(ctx context.Context, p *models.Principal) error {
	ctx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()

	query := `
		INSERT INTO principals (id, identifier, password_hash, role, tenant_id, credential_version, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`

	_, err := r.pool.Exec(ctx, query,
		p.ID, p.Identifier, p.PasswordHash, string(p.Role), p.TenantID,
		p.CredentialVersion, p.CreatedAt, p.UpdatedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return ErrPrincipalExists
		}
		return fmt.Errorf("failed to create principal: %w", err)
	}
	return nil
}

func (r *PostgresRepository) GetPrincipalByID(ctx context.Context, id string) (*models.Principal, error) {
	if !isPrincipalID(id) {
		return nil, ErrPrincipalNotFound
	}
	ctx, cancel := context.WithTimeout(ctx, hotReadTimeout)
	defer cancel()

	query := `SELECT ` + principalColumns + ` FROM principals WHERE id = $1`
	return scanPrincipal(r.pool.QueryRow(ctx, query, id))
}

func (r *PostgresRepository) GetPrincipalByIdentifier(ctx context.Context, identifier string) (*models.Principal, error) {
	ctx, cancel := context.WithTimeout(ctx, hotReadTimeout)
	defer cancel()

	query := `SELECT ` + principalColumns + ` FROM principals WHERE identifier = $1`
	return scanPrincipal(r.pool.QueryRow(ctx, query, identifier))
}

func (r *PostgresRepository) UpdatePasswordHash(ctx context.Context, id, hash string, at time.Time) (int, error) {
	if !isPrincipalID(id) {
		return 0, ErrPrincipalNotFound
	}
	ctx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()

	query := `
		UPDATE principals
		SET password_hash = $2, credential_version = credential_version + 1, updated_at = $3
		WHERE id = $1
		RETURNING credential_version
	`

	var version int
	if err := r.pool.QueryRow(ctx, query, id, hash, at).Scan(&version); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, ErrPrincipalNotFound
		}
		return 0, fmt.Errorf("failed to update password: %w", err)
	}
	return version, nil
}

func (r *PostgresRepository) DeactivatePrincipal(ctx context.Context, id string, at time.Time) error {
	if !isPrincipalID(id) {
		return ErrPrincipalNotFound
	}
	ctx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()

	query := `
		UPDATE principals
		SET deactivated_at = COALESCE(deactivated_at, $2), updated_at = $2
		WHERE id = $1
	`
	result, err := r.pool.Exec(ctx, query, id, at)
	if err != nil {
		return fmt.Errorf("failed to deactivate principal: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrPrincipalNotFound
	}
	return nil
}

// =============================================================================
// OTP TOKENS
// =============================================================================

func (r *PostgresRepository) ReplaceOtpToken(ctx context.Context, token *models.OtpToken) error {
	ctx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()

	// The advisory lock serializes concurrent issuers for one identifier so that two
	// transactions can never both invalidate-then-insert and leave two live tokens.
	return pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`, token.Identifier); err != nil {
			return fmt.Errorf("failed to lock otp identifier: %w", err)
		}

		invalidate := `
			UPDATE otp_tokens
			SET consumed_at = $2
			WHERE identifier = $1 AND consumed_at IS NULL AND expires_at > $2
		`
		if _, err := tx.Exec(ctx, invalidate, token.Identifier, token.CreatedAt); err != nil {
			return fmt.Errorf("failed to invalidate otp tokens: %w", err)
		}

		insert := `
			INSERT INTO otp_tokens (id, identifier, code_hash, created_at, expires_at)
			VALUES ($1, $2, $3, $4, $5)
		`
		if _, err := tx.Exec(ctx, insert,
			token.ID, token.Identifier, token.CodeHash, token.CreatedAt, token.ExpiresAt,
		); err != nil {
			return fmt.Errorf("failed to insert otp token: %w", err)
		}
		return nil
	})
}

func (r *PostgresRepository) ConsumeOtpToken(ctx context.Context, identifier, codeHash string, now time.Time) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()

	query := `
		UPDATE otp_tokens
		SET consumed_at = $3
		WHERE identifier = $1 AND code_hash = $2 AND consumed_at IS NULL AND expires_at > $3
	`
	result, err := r.pool.Exec(ctx, query, identifier, codeHash, now)
	if err != nil {
		return false, fmt.Errorf("failed to consume otp token: %w", err)
	}
	return result.RowsAffected() == 1, nil
}

func (r *PostgresRepository) FindOtpToken(ctx context.Context, identifier, codeHash string) (*models.OtpToken, error) {
	ctx, cancel := context.WithTimeout(ctx, hotReadTimeout)
	defer cancel()

	query := `
		SELECT id, identifier, code_hash, created_at, expires_at, consumed_at
		FROM otp_tokens
		WHERE identifier = $1 AND code_hash = $2
		ORDER BY created_at DESC
		LIMIT 1
	`
	var t models.OtpToken
	err := r.pool.QueryRow(ctx, query, identifier, codeHash).Scan(
		&t.ID, &t.Identifier, &t.CodeHash, &t.CreatedAt, &t.ExpiresAt, &t.ConsumedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrOtpNotFound
		}
		return nil, fmt.Errorf("failed to find otp token: %w", err)
	}
	return &t, nil
}

func (r *PostgresRepository) DeleteOtpTokensExpiredBefore(ctx context.Context, before time.Time) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()

	result, err := r.pool.Exec(ctx, `DELETE FROM otp_tokens WHERE expires_at < $1`, before)
	if err != nil {
		return 0, fmt.Errorf("failed to purge otp tokens: %w", err)
	}
	return result.RowsAffected(), nil
}

// =============================================================================
// SESSIONS
// =============================================================================

const sessionColumns = `id, token_hash, principal_id, role, credential_version,
	created_at, expires_at, last_activity_at`

func scanSession(row pgx.Row) (*models.Session, error) {
	var s models.Session
	var role string
	err := row.Scan(
		&s.ID, &s.TokenHash, &s.PrincipalID, &role, &s.CredentialVersion,
		&s.CreatedAt, &s.ExpiresAt, &s.LastActivityAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrSessionNotFound
		}
		return nil, fmt.Errorf("failed to get session: %w", err)
	}
	s.Role = models.Role(role)
	return &s, nil
}

func (r *PostgresRepository) CreateSession(ctx context.Context, s *models.Session) error {
	ctx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()

	query := `
		INSERT INTO sessions (` + sessionColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`
	_, err := r.pool.Exec(ctx, query,
		s.ID, s.TokenHash, s.PrincipalID, string(s.Role), s.CredentialVersion,
		s.CreatedAt, s.ExpiresAt, s.LastActivityAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create session: %w", err)
	}
	return nil
}

func (r *PostgresRepository) GetSessionByTokenHash(ctx context.Context, tokenHash string) (*models.Session, error) {
	ctx, cancel := context.WithTimeout(ctx, hotReadTimeout)
	defer cancel()

	query := `SELECT ` + sessionColumns + ` FROM sessions WHERE token_hash = $1`
	return scanSession(r.pool.QueryRow(ctx, query, tokenHash))
}

func (r *PostgresRepository) TouchSession(ctx context.Context, id string, at time.Time) error {
	ctx, cancel := context.WithTimeout(ctx, hotReadTimeout)
	defer cancel()

	// GREATEST keeps a late writer from moving last activity backwards.
	query := `UPDATE sessions SET last_activity_at = GREATEST(last_activity_at, $2) WHERE id = $1`
	result, err := r.pool.Exec(ctx, query, id, at)
	if err != nil {
		return fmt.Errorf("failed to touch session: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrSessionNotFound
	}
	return nil
}

func (r *PostgresRepository) DeleteSessionByTokenHash(ctx context.Context, tokenHash string) (*models.Session, error) {
	ctx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()

	query := `DELETE FROM sessions WHERE token_hash = $1 RETURNING ` + sessionColumns
	return scanSession(r.pool.QueryRow(ctx, query, tokenHash))
}

func (r *PostgresRepository) DeleteSessionsByPrincipal(ctx context.Context, principalID string) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()

	result, err := r.pool.Exec(ctx, `DELETE FROM sessions WHERE principal_id = $1`, principalID)
	if err != nil {
		return 0, fmt.Errorf("failed to delete sessions: %w", err)
	}
	return result.RowsAffected(), nil
}

func (r *PostgresRepository) DeleteSessionsExpiredBefore(ctx context.Context, before time.Time) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()

	result, err := r.pool.Exec(ctx, `DELETE FROM sessions WHERE expires_at <= $1`, before)
	if err != nil {
		return 0, fmt.Errorf("failed to purge sessions: %w", err)
	}
	return result.RowsAffected(), nil
}

// =============================================================================
// GRANTS
// =============================================================================

func (r *PostgresRepository) GetRolePermissions(ctx context.Context, role models.Role) ([]models.Permission, error) {
	ctx, cancel := context.WithTimeout(ctx, hotReadTimeout)
	defer cancel()

	rows, err := r.pool.Query(ctx,
		`SELECT permission FROM role_permissions WHERE role = $1 ORDER BY permission`, string(role))
	if err != nil {
		return nil, fmt.Errorf("failed to load role permissions: %w", err)
	}
	codes, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("failed to scan role permissions: %w", err)
	}

	perms := make([]models.Permission, 0, len(codes))
	for _, c := range codes {
		perms = append(perms, models.Permission(c))
	}
	return perms, nil
}

func (r *PostgresRepository) ReplaceRolePermissions(ctx context.Context, role models.Role, perms []models.Permission) error {
	ctx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()

	return pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `DELETE FROM role_permissions WHERE role = $1`, string(role)); err != nil {
			return fmt.Errorf("failed to clear role permissions: %w", err)
		}
		if len(perms) == 0 {
			return nil
		}

		rows := make([][]any, 0, len(perms))
		for _, p := range perms {
			rows = append(rows, []any{string(role), string(p)})
		}
		if _, err := tx.CopyFrom(ctx,
			pgx.Identifier{"role_permissions"},
			[]string{"role", "permission"},
			pgx.CopyFromRows(rows),
		); err != nil {
			return fmt.Errorf("failed to insert role permissions: %w", err)
		}
		return nil
	})
}

func (r *PostgresRepository) ListRoles(ctx context.Context) ([]models.Role, error) {
	ctx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()

	rows, err := r.pool.Query(ctx, `SELECT DISTINCT role FROM role_permissions ORDER BY role`)
	if err != nil {
		return nil, fmt.Errorf("failed to list roles: %w", err)
	}
	names, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("failed to scan roles: %w", err)
	}
	roles := make([]models.Role, 0, len(names))
	for _, n := range names {
		roles = append(roles, models.Role(n))
	}
	return roles, nil
}

// =============================================================================
// AUDIT
// =============================================================================

func (r *PostgresRepository) AppendAuditEvent(ctx context.Context, e *models.AuditEvent) error {
	ctx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()

	metadata := []byte("{}")
	if len(e.Metadata) > 0 {
		b, err := json.Marshal(e.Metadata)
		if err != nil {
			return fmt.Errorf("failed to marshal audit metadata: %w", err)
		}
		metadata = b
	}

	query := `
		INSERT INTO audit_events (
			id, occurred_at, actor_id, actor_identifier, role, action,
			entity_type, entity_id, metadata, success, error_message,
			ip_address, user_agent, request_id, signature
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
	`
	_, err := r.pool.Exec(ctx, query,
		e.ID, e.Timestamp, e.ActorID, e.ActorIdentifier, string(e.Role), string(e.Action),
		e.EntityType, e.EntityID, metadata, e.Success, e.ErrorMessage,
		e.IPAddress, e.UserAgent, e.RequestID, e.Signature,
	)
	if err != nil {
		return fmt.Errorf("failed to insert audit event: %w", err)
	}
	return nil
}

func (r *PostgresRepository) QueryAuditEvents(ctx context.Context, f models.AuditFilter) ([]*models.AuditEvent, error) {
	ctx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()

	query, args := buildAuditQuery(f.Normalize())
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit events: %w", err)
	}
	defer rows.Close()

	events := make([]*models.AuditEvent, 0)
	for rows.Next() {
		var (
			e        models.AuditEvent
			role     string
			action   string
			metadata []byte
		)
		if err := rows.Scan(
			&e.ID, &e.Timestamp, &e.ActorID, &e.ActorIdentifier, &role, &action,
			&e.EntityType, &e.EntityID, &metadata, &e.Success, &e.ErrorMessage,
			&e.IPAddress, &e.UserAgent, &e.RequestID, &e.Signature,
		); err != nil {
			return nil, fmt.Errorf("failed to scan audit event: %w", err)
		}
		e.Role = models.Role(role)
		e.Action = models.AuditAction(action)
		if len(metadata) > 0 && string(metadata) != "{}" {
			if err := json.Unmarshal(metadata, &e.Metadata); err != nil {
				return nil, fmt.Errorf("failed to decode audit metadata: %w", err)
			}
		}
		events = append(events, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating audit events: %w", err)
	}
	return events, nil
}

// buildAuditQuery renders the filter as a parameterized SELECT.
func buildAuditQuery(f models.AuditFilter) (string, []any) {
	var (
		where []string
		args  []any
	)
	add := func(cond string, v any) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(cond, len(args)))
	}

	if f.ActorID != "" {
		add("actor_id = $%d", f.ActorID)
	}
	if f.Action != "" {
		add("action = $%d", string(f.Action))
	}
	if f.EntityType != "" {
		add("entity_type = $%d", f.EntityType)
	}
	if f.EntityID != "" {
		add("entity_id = $%d", f.EntityID)
	}
	if f.Success != nil {
		add("success = $%d", *f.Success)
	}
	if f.Since != nil {
		add("occurred_at >= $%d", *f.Since)
	}
	if f.Until != nil {
		add("occurred_at < $%d", *f.Until)
	}

	var b strings.Builder
	b.WriteString(`SELECT id, occurred_at, actor_id, actor_identifier, role, action,
		entity_type, entity_id, metadata, success, error_message,
		ip_address, user_agent, request_id, signature
		FROM audit_events`)
	if len(where) > 0 {
		b.WriteString(" WHERE ")
		b.WriteString(strings.Join(where, " AND "))
	}
	if f.Ascending {
		b.WriteString(" ORDER BY occurred_at ASC, id ASC")
	} else {
		b.WriteString(" ORDER BY occurred_at DESC, id DESC")
	}
	args = append(args, f.Limit, f.Offset)
	fmt.Fprintf(&b, " LIMIT $%d OFFSET $%d", len(args)-1, len(args))
	return b.String(), args
}
