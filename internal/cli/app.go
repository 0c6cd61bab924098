package cli

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/telhawk-systems/authcore/internal/audit"
	"github.com/telhawk-systems/authcore/internal/clock"
	"github.com/telhawk-systems/authcore/internal/config"
	"github.com/telhawk-systems/authcore/internal/credentials"
	"github.com/telhawk-systems/authcore/internal/logging"
	"github.com/telhawk-systems/authcore/internal/messaging"
	natsclient "github.com/telhawk-systems/authcore/internal/messaging/nats"
	"github.com/telhawk-systems/authcore/internal/otp"
	"github.com/telhawk-systems/authcore/internal/ratelimit"
	"github.com/telhawk-systems/authcore/internal/rbac"
	"github.com/telhawk-systems/authcore/internal/repository"
	"github.com/telhawk-systems/authcore/internal/service"
	"github.com/telhawk-systems/authcore/internal/session"
)

// app holds the wired service and everything that must be released on exit.
type app struct {
	repo     repository.Repository
	service  *service.AuthService
	audit    *audit.Logger
	bus      *natsclient.Client
	limiters []ratelimit.RateLimiter
}

func buildApp(ctx context.Context, cfg *config.Config) (*app, error) {
	a := &app{}
	clk := clock.Real{}

	switch cfg.Database.Type {
	case "postgres":
		pg := cfg.Database.Postgres
		repo, err := repository.NewPostgresRepository(ctx, pg.ConnString(), repository.PoolOptions{
			MaxConns: pg.MaxConns,
			MinConns: pg.MinConns,
		})
		if err != nil {
			return nil, err
		}
		a.repo = repo
	default:
		slog.Warn("Using in-memory storage; all state is lost on exit")
		a.repo = repository.NewInMemoryRepository()
	}

	creds, err := credentials.NewStore(a.repo, clk, credentials.Options{
		Cost:      cfg.Auth.BcryptCost,
		MinLength: cfg.Auth.MinPasswordLength,
	})
	if err != nil {
		a.close()
		return nil, err
	}
	issuer, err := otp.NewIssuer(a.repo, clk, otp.Options{
		Secret:  []byte(cfg.OTP.Secret),
		Length:  cfg.OTP.Length,
		Charset: cfg.OTP.Charset,
		TTL:     cfg.OTP.TTL,
	})
	if err != nil {
		a.close()
		return nil, err
	}

	var publisher messaging.Publisher
	if cfg.NATS.Enabled {
		ncfg := natsclient.DefaultConfig()
		ncfg.URL = cfg.NATS.URL
		if cfg.NATS.Timeout > 0 {
			ncfg.Timeout = cfg.NATS.Timeout
		}
		client, err := natsclient.NewClient(ncfg)
		if err != nil {
			a.close()
			return nil, err
		}
		a.bus = client
		publisher = client
		slog.Info("Forwarding audit events", slog.String("subject_prefix", cfg.NATS.SubjectPrefix))
	}

	a.audit = audit.NewLogger(a.repo, clk, audit.Options{
		Secret:        []byte(cfg.Audit.Secret),
		WriteTimeout:  cfg.Audit.WriteTimeout,
		Publisher:     publisher,
		SubjectPrefix: cfg.NATS.SubjectPrefix,
	})

	var loginLimiter, otpLimiter ratelimit.RateLimiter
	if cfg.RateLimit.Enabled {
		loginLimiter = a.limiter(cfg, clk, "login", cfg.RateLimit.LoginAttempts)
		otpLimiter = a.limiter(cfg, clk, "otp", cfg.RateLimit.OTPRequests)
	}

	a.service = service.NewAuthService(service.Deps{
		Repo:        a.repo,
		Credentials: creds,
		Otp:         issuer,
		Sessions: session.NewManager(a.repo, clk, session.Options{
			TTL:         cfg.Session.TTL,
			IdleTimeout: cfg.Session.IdleTimeout,
		}),
		Permissions:  rbac.NewEvaluator(a.repo),
		Audit:        a.audit,
		LoginLimiter: loginLimiter,
		OtpLimiter:   otpLimiter,
		Clock:        clk,
		OtpRetention: cfg.OTP.Retention,
	})
	return a, nil
}

// limiter prefers Redis so limits hold across replicas, and falls back to a
// per-process limiter when Redis is unreachable.
func (a *app) limiter(cfg *config.Config, clk clock.Clock, prefix string, limit int) ratelimit.RateLimiter {
	var l ratelimit.RateLimiter
	if cfg.Redis.Enabled {
		rl, err := ratelimit.NewRedisRateLimiter(cfg.Redis.URL, prefix, limit, cfg.RateLimit.Window)
		if err == nil {
			l = rl
		} else {
			slog.Warn("Redis rate limiter unavailable, using in-process limiter",
				slog.String("scope", prefix), logging.Error(err))
		}
	}
	if l == nil {
		l = ratelimit.NewMemoryRateLimiter(clk, limit, cfg.RateLimit.Window)
	}
	a.limiters = append(a.limiters, l)
	return l
}

// broker returns the broker client for health reporting, or nil when
// forwarding is disabled.
func (a *app) broker() messaging.Client {
	if a.bus == nil {
		return nil
	}
	return a.bus
}

func (a *app) close() {
	if a.audit != nil {
		a.audit.Close()
	}
	if a.bus != nil {
		if err := a.bus.Drain(); err != nil {
			slog.Warn("Failed to drain NATS connection", logging.Error(err))
		}
	}
	for _, l := range a.limiters {
		if err := l.Close(); err != nil {
			slog.Warn("Failed to close rate limiter", logging.Error(err))
		}
	}
	if a.repo != nil {
		a.repo.Close()
	}
}

func requirePostgres(cfg *config.Config) error {
	if cfg.Database.Type != "postgres" {
		return fmt.Errorf("database.type is %q; this command needs postgres", cfg.Database.Type)
	}
	return nil
}
