package config

import (
	"errors"
	"fmt"
	"net/netip"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Redis     RedisConfig     `mapstructure:"redis"`
	NATS      NATSConfig      `mapstructure:"nats"`
	Auth      AuthConfig      `mapstructure:"auth"`
	OTP       OTPConfig       `mapstructure:"otp"`
	Session   SessionConfig   `mapstructure:"session"`
	Audit     AuditConfig     `mapstructure:"audit"`
	RateLimit RateLimitConfig `mapstructure:"ratelimit"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

type ServerConfig struct {
	Port         int           `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	IdleTimeout  time.Duration `mapstructure:"idle_timeout"`
	// ServiceToken authenticates internal collaborators (OTP delivery, audit
	// reporters, other services asking for authorization decisions).
	ServiceToken string `mapstructure:"service_token"`
	// TrustedProxies lists addresses or CIDRs whose X-Forwarded-For and
	// X-Real-IP headers are believed. Empty means the peer address is used.
	TrustedProxies []string `mapstructure:"trusted_proxies"`
}

type DatabaseConfig struct {
	Type          string         `mapstructure:"type"` // "postgres" or "memory"
	Postgres      PostgresConfig `mapstructure:"postgres"`
	MigrationsDir string         `mapstructure:"migrations_dir"` // empty = embedded migrations
}

type PostgresConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Database string `mapstructure:"database"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	SSLMode  string `mapstructure:"sslmode"`
	MaxConns int32  `mapstructure:"max_conns"`
	MinConns int32  `mapstructure:"min_conns"`
}

// ConnString builds a postgres:// URL for pgx and golang-migrate.
func (p PostgresConfig) ConnString() string {
	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(p.User, p.Password),
		Host:     fmt.Sprintf("%s:%d", p.Host, p.Port),
		Path:     "/" + p.Database,
		RawQuery: "sslmode=" + url.QueryEscape(p.SSLMode),
	}
	return u.String()
}

type RedisConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	URL     string `mapstructure:"url"`
}

type NATSConfig struct {
	Enabled       bool          `mapstructure:"enabled"`
	URL           string        `mapstructure:"url"`
	SubjectPrefix string        `mapstructure:"subject_prefix"`
	Timeout       time.Duration `mapstructure:"timeout"`
}

type AuthConfig struct {
	BcryptCost        int `mapstructure:"bcrypt_cost"`
	MinPasswordLength int `mapstructure:"min_password_length"`
}

type OTPConfig struct {
	Secret    string        `mapstructure:"secret"`
	Length    int           `mapstructure:"length"`
	Charset   string        `mapstructure:"charset"`
	TTL       time.Duration `mapstructure:"ttl"`
	Retention time.Duration `mapstructure:"retention"`
}

type SessionConfig struct {
	TTL          time.Duration `mapstructure:"ttl"`
	IdleTimeout  time.Duration `mapstructure:"idle_timeout"`
	ReapInterval time.Duration `mapstructure:"reap_interval"`
}

type AuditConfig struct {
	Secret       string        `mapstructure:"secret"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

type RateLimitConfig struct {
	Enabled       bool          `mapstructure:"enabled"`
	LoginAttempts int           `mapstructure:"login_attempts"`
	OTPRequests   int           `mapstructure:"otp_requests"`
	Window        time.Duration `mapstructure:"window"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

const insecureDefaultSecret = "change-this-in-production"

// Load reads configuration from configPath (or ./config.yaml, /etc/authcore/config.yaml),
// then applies AUTHCORE_* environment overrides.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/authcore")
	}

	v.SetEnvPrefix("AUTHCORE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
		// Config file not found; use defaults
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", "15s")
	v.SetDefault("server.write_timeout", "15s")
	v.SetDefault("server.idle_timeout", "60s")
	v.SetDefault("server.service_token", "")
	v.SetDefault("server.trusted_proxies", []string{})

	v.SetDefault("database.type", "memory")
	v.SetDefault("database.postgres.host", "localhost")
	v.SetDefault("database.postgres.port", 5432)
	v.SetDefault("database.postgres.database", "authcore")
	v.SetDefault("database.postgres.user", "authcore")
	v.SetDefault("database.postgres.password", "")
	v.SetDefault("database.postgres.sslmode", "disable")
	v.SetDefault("database.postgres.max_conns", 25)
	v.SetDefault("database.postgres.min_conns", 5)
	v.SetDefault("database.migrations_dir", "")

	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.url", "redis://localhost:6379/0")

	v.SetDefault("nats.enabled", false)
	v.SetDefault("nats.url", "nats://localhost:4222")
	v.SetDefault("nats.subject_prefix", "authcore.audit")
	v.SetDefault("nats.timeout", "5s")

	v.SetDefault("auth.bcrypt_cost", 12)
	v.SetDefault("auth.min_password_length", 8)

	v.SetDefault("otp.secret", insecureDefaultSecret)
	v.SetDefault("otp.length", 6)
	v.SetDefault("otp.charset", "0123456789")
	v.SetDefault("otp.ttl", "15m")
	v.SetDefault("otp.retention", "720h")

	v.SetDefault("session.ttl", "24h")
	v.SetDefault("session.idle_timeout", "0s")
	v.SetDefault("session.reap_interval", "10m")

	v.SetDefault("audit.secret", insecureDefaultSecret)
	v.SetDefault("audit.write_timeout", "3s")

	v.SetDefault("ratelimit.enabled", true)
	v.SetDefault("ratelimit.login_attempts", 10)
	v.SetDefault("ratelimit.otp_requests", 5)
	v.SetDefault("ratelimit.window", "15m")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
}

// Validate rejects configurations that would weaken the core.
func (c *Config) Validate() error {
	switch c.Database.Type {
	case "postgres", "memory":
	default:
		return fmt.Errorf("invalid database.type %q (want postgres or memory)", c.Database.Type)
	}
	if c.OTP.Length < 4 || c.OTP.Length > 12 {
		return fmt.Errorf("otp.length must be between 4 and 12, got %d", c.OTP.Length)
	}
	if len(c.OTP.Charset) < 2 {
		return fmt.Errorf("otp.charset must contain at least two characters")
	}
	if c.OTP.TTL <= 0 {
		return fmt.Errorf("otp.ttl must be positive")
	}
	if c.Session.TTL <= 0 {
		return fmt.Errorf("session.ttl must be positive")
	}
	if c.Session.IdleTimeout < 0 {
		return fmt.Errorf("session.idle_timeout must not be negative")
	}
	if c.Auth.BcryptCost < 4 || c.Auth.BcryptCost > 31 {
		return fmt.Errorf("auth.bcrypt_cost must be between 4 and 31, got %d", c.Auth.BcryptCost)
	}
	if c.RateLimit.Enabled {
		if c.RateLimit.LoginAttempts < 1 {
			return fmt.Errorf("ratelimit.login_attempts must be at least 1, got %d", c.RateLimit.LoginAttempts)
		}
		if c.RateLimit.OTPRequests < 1 {
			return fmt.Errorf("ratelimit.otp_requests must be at least 1, got %d", c.RateLimit.OTPRequests)
		}
		if c.RateLimit.Window < time.Millisecond {
			return fmt.Errorf("ratelimit.window must be at least 1ms, got %s", c.RateLimit.Window)
		}
	}
	for _, p := range c.Server.TrustedProxies {
		if _, err := netip.ParsePrefix(p); err != nil {
			if _, err := netip.ParseAddr(p); err != nil {
				return fmt.Errorf("server.trusted_proxies: %q is not an address or CIDR", p)
			}
		}
	}
	if c.Database.Type == "postgres" {
		if c.OTP.Secret == insecureDefaultSecret || len(c.OTP.Secret) < 32 {
			return fmt.Errorf("otp.secret must be set to at least 32 characters when using postgres")
		}
		if c.Audit.Secret == insecureDefaultSecret || len(c.Audit.Secret) < 32 {
			return fmt.Errorf("audit.secret must be set to at least 32 characters when using postgres")
		}
	}
	return nil
}
