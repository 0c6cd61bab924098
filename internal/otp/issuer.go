// Package otp issues and verifies single-use passcodes.
//
// Codes are never stored. Each token row carries HMAC-SHA256(secret,
// identifier ":" code), so a leaked table cannot be brute-forced offline
// without the server secret.
package otp

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/google/uuid"

	"github.com/telhawk-systems/authcore/internal/clock"
	"github.com/telhawk-systems/authcore/internal/logging"
	"github.com/telhawk-systems/authcore/internal/models"
	"github.com/telhawk-systems/authcore/internal/repository"
)

const (
	DefaultLength  = 6
	DefaultCharset = "0123456789"
	DefaultTTL     = 15 * time.Minute
)

// Options configures an Issuer. Zero values fall back to the defaults above.
type Options struct {
	Secret  []byte
	Length  int
	Charset string
	TTL     time.Duration
}

type Issuer struct {
	repo    repository.OtpRepository
	clock   clock.Clock
	secret  []byte
	length  int
	charset []rune
	ttl     time.Duration
}

func NewIssuer(repo repository.OtpRepository, clk clock.Clock, opts Options) (*Issuer, error) {
	if len(opts.Secret) == 0 {
		return nil, errors.New("otp secret is required")
	}
	if opts.Length == 0 {
		opts.Length = DefaultLength
	}
	if opts.Charset == "" {
		opts.Charset = DefaultCharset
	}
	if opts.TTL == 0 {
		opts.TTL = DefaultTTL
	}
	charset := []rune(opts.Charset)
	if len(charset) < 2 {
		return nil, fmt.Errorf("otp charset must have at least 2 symbols, got %d", len(charset))
	}
	return &Issuer{
		repo:    repo,
		clock:   clk,
		secret:  opts.Secret,
		length:  opts.Length,
		charset: charset,
		ttl:     opts.TTL,
	}, nil
}

// Issue generates a fresh code for identifier, invalidating any live code it had.
// The plaintext is returned to the caller for out-of-band delivery and is not
// retained anywhere.
func (i *Issuer) Issue(ctx context.Context, identifier string) (string, time.Time, error) {
	identifier = models.NormalizeIdentifier(identifier)

	code, err := i.generate()
	if err != nil {
		return "", time.Time{}, fmt.Errorf("failed to generate code: %w", err)
	}

	now := i.clock.Now()
	id, err := uuid.NewV7()
	if err != nil {
		return "", time.Time{}, fmt.Errorf("failed to generate token id: %w", err)
	}
	token := &models.OtpToken{
		ID:         id.String(),
		Identifier: identifier,
		CodeHash:   i.hash(identifier, code),
		CreatedAt:  now,
		ExpiresAt:  now.Add(i.ttl),
	}

	if err := i.repo.ReplaceOtpToken(ctx, token); err != nil {
		return "", time.Time{}, fmt.Errorf("%w: %w", models.ErrStorageUnavailable, err)
	}

	slog.DebugContext(ctx, "OTP issued",
		logging.Identifier(identifier),
		slog.Time("expires_at", token.ExpiresAt))
	return code, token.ExpiresAt, nil
}

// Verify consumes the code if it is live for identifier. It returns true exactly
// once per issued code; storage failures return false.
func (i *Issuer) Verify(ctx context.Context, identifier, code string) bool {
	identifier = models.NormalizeIdentifier(identifier)
	if identifier == "" || code == "" {
		return false
	}

	ok, err := i.repo.ConsumeOtpToken(ctx, identifier, i.hash(identifier, code), i.clock.Now())
	if err != nil {
		slog.WarnContext(ctx, "OTP verification failed on storage",
			logging.Identifier(identifier), logging.Error(err))
		return false
	}
	return ok
}

// Inspect classifies a presented code without changing any state. The result only
// enriches audit records and must not be surfaced to the presenter.
func (i *Issuer) Inspect(ctx context.Context, identifier, code string) models.OtpStatus {
	identifier = models.NormalizeIdentifier(identifier)
	token, err := i.repo.FindOtpToken(ctx, identifier, i.hash(identifier, code))
	if err != nil {
		return models.OtpStatusUnknown
	}
	return token.StatusAt(i.clock.Now())
}

// PurgeExpired deletes tokens that expired more than retention ago.
func (i *Issuer) PurgeExpired(ctx context.Context, retention time.Duration) (int64, error) {
	n, err := i.repo.DeleteOtpTokensExpiredBefore(ctx, i.clock.Now().Add(-retention))
	if err != nil {
		return 0, fmt.Errorf("%w: %w", models.ErrStorageUnavailable, err)
	}
	return n, nil
}

func (i *Issuer) hash(identifier, code string) string {
	mac := hmac.New(sha256.New, i.secret)
	mac.Write([]byte(identifier))
	mac.Write([]byte{':'})
	mac.Write([]byte(code))
	return hex.EncodeToString(mac.Sum(nil))
}

func (i *Issuer) generate() (string, error) {
	max := big.NewInt(int64(len(i.charset)))
	out := make([]rune, i.length)
	for n := range out {
		idx, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", err
		}
		out[n] = i.charset[idx.Int64()]
	}
	return string(out), nil
}
