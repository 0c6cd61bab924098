package service

import (
	"context"
	"log/slog"
	"time"

	"github.com/telhawk-systems/authcore/internal/logging"
	"github.com/telhawk-systems/authcore/internal/metrics"
)

// Reap deletes expired sessions and OTP tokens past their retention.
func (s *AuthService) Reap(ctx context.Context) (ReapResult, error) {
	var res ReapResult

	n, err := s.sessions.PurgeExpired(ctx)
	if err != nil {
		return res, err
	}
	res.Sessions = n
	metrics.SessionsReaped.Add(float64(n))

	n, err = s.otp.PurgeExpired(ctx, s.otpRetention)
	if err != nil {
		return res, err
	}
	res.OtpTokens = n
	metrics.OtpTokensReaped.Add(float64(n))
	return res, nil
}

// RunReaper calls Reap every interval until ctx is cancelled.
func (s *AuthService) RunReaper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			res, err := s.Reap(ctx)
			if err != nil {
				slog.WarnContext(ctx, "Reaper pass failed", logging.Error(err))
				continue
			}
			if res.Sessions > 0 || res.OtpTokens > 0 {
				slog.InfoContext(ctx, "Reaper pass complete",
					slog.Int64("sessions", res.Sessions),
					slog.Int64("otp_tokens", res.OtpTokens))
			}
		}
	}
}
