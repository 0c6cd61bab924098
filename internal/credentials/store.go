// Package credentials verifies and replaces principal passwords.
package credentials

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"unicode/utf8"

	"golang.org/x/crypto/bcrypt"

	"github.com/telhawk-systems/authcore/internal/clock"
	"github.com/telhawk-systems/authcore/internal/logging"
	"github.com/telhawk-systems/authcore/internal/models"
	"github.com/telhawk-systems/authcore/internal/repository"
)

// bcrypt ignores input past 72 bytes; longer passwords are rejected rather than
// silently truncated.
const maxPasswordBytes = 72

// Store checks passwords against bcrypt hashes held by a PrincipalRepository.
type Store struct {
	repo      repository.PrincipalRepository
	clock     clock.Clock
	cost      int
	minLength int
	dummyHash []byte
}

// Options configures a Store.
type Options struct {
	Cost      int // bcrypt cost, defaults to bcrypt.DefaultCost
	MinLength int // minimum password length in characters, defaults to 8
}

func NewStore(repo repository.PrincipalRepository, clk clock.Clock, opts Options) (*Store, error) {
	if opts.Cost == 0 {
		opts.Cost = bcrypt.DefaultCost
	}
	if opts.MinLength == 0 {
		opts.MinLength = 8
	}
	// Compared against when the identifier is unknown so that lookups that miss
	// take as long as lookups that hit.
	dummy, err := bcrypt.GenerateFromPassword([]byte("authcore-timing-equalizer"), opts.Cost)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare dummy hash: %w", err)
	}
	return &Store{
		repo:      repo,
		clock:     clk,
		cost:      opts.Cost,
		minLength: opts.MinLength,
		dummyHash: dummy,
	}, nil
}

// VerifyPassword reports whether plaintext matches the principal's stored hash.
// Every failure, including a missing principal or a storage error, yields false.
func (s *Store) VerifyPassword(ctx context.Context, principalID, plaintext string) bool {
	p, err := s.repo.GetPrincipalByID(ctx, principalID)
	if err != nil {
		if !errors.Is(err, repository.ErrPrincipalNotFound) {
			slog.WarnContext(ctx, "Password verification lookup failed",
				logging.PrincipalID(principalID), logging.Error(err))
		}
		s.burn(plaintext)
		return false
	}
	return s.compare(p.PasswordHash, plaintext)
}

// Authenticate resolves identifier and checks plaintext. Unknown identifiers,
// inactive principals and wrong passwords all return ErrInvalidCredential;
// the returned reason is meant for the audit trail only.
func (s *Store) Authenticate(ctx context.Context, identifier, plaintext string) (*models.Principal, string, error) {
	p, err := s.repo.GetPrincipalByIdentifier(ctx, models.NormalizeIdentifier(identifier))
	if err != nil {
		s.burn(plaintext)
		if errors.Is(err, repository.ErrPrincipalNotFound) {
			return nil, "unknown identifier", models.ErrInvalidCredential
		}
		return nil, "storage error", fmt.Errorf("%w: %w", models.ErrStorageUnavailable, err)
	}

	if !s.compare(p.PasswordHash, plaintext) {
		return nil, "invalid password", models.ErrInvalidCredential
	}
	if !p.IsActive() {
		return nil, "principal inactive", models.ErrInvalidCredential
	}
	return p, "", nil
}

// SetPassword hashes plaintext and stores it, bumping the principal's credential
// version. Existing sessions stamped with the old version stop validating.
func (s *Store) SetPassword(ctx context.Context, principalID, plaintext string) (int, error) {
	if err := s.CheckPolicy(plaintext); err != nil {
		return 0, err
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(plaintext), s.cost)
	if err != nil {
		return 0, fmt.Errorf("failed to hash password: %w", err)
	}

	version, err := s.repo.UpdatePasswordHash(ctx, principalID, string(hash), s.clock.Now())
	if err != nil {
		if errors.Is(err, repository.ErrPrincipalNotFound) {
			return 0, err
		}
		return 0, fmt.Errorf("%w: %w", models.ErrStorageUnavailable, err)
	}
	return version, nil
}

// Hash returns a bcrypt hash for provisioning collaborators that create principals.
func (s *Store) Hash(plaintext string) (string, error) {
	if err := s.CheckPolicy(plaintext); err != nil {
		return "", err
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(plaintext), s.cost)
	if err != nil {
		return "", fmt.Errorf("failed to hash password: %w", err)
	}
	return string(hash), nil
}

// CheckPolicy enforces length bounds on a new password.
func (s *Store) CheckPolicy(plaintext string) error {
	if utf8.RuneCountInString(plaintext) < s.minLength {
		return fmt.Errorf("%w: must be at least %d characters", models.ErrPasswordPolicy, s.minLength)
	}
	if len(plaintext) > maxPasswordBytes {
		return fmt.Errorf("%w: must be at most %d bytes", models.ErrPasswordPolicy, maxPasswordBytes)
	}
	return nil
}

func (s *Store) compare(hash, plaintext string) bool {
	if hash == "" {
		s.burn(plaintext)
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(plaintext)) == nil
}

func (s *Store) burn(plaintext string) {
	_ = bcrypt.CompareHashAndPassword(s.dummyHash, []byte(plaintext))
}
