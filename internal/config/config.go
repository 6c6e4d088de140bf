package config

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

const minJWTSecretBytes = 32

type Config struct {
	HTTP         HTTPConfig
	Database     DatabaseConfig
	Auth         AuthConfig
	OAuth        OAuthConfig
	RateLimit    RateLimitConfig
	RedisURL     string `env:"REDIS_URL"`
	AuditLogFile string `env:"AUDIT_LOG_FILE" envDefault:"./data/audit.log"`
	LogLevel     string `env:"LOG_LEVEL" envDefault:"info"`
}

type HTTPConfig struct {
	Addr            string        `env:"HTTP_ADDR" envDefault:":8080"`
	ReadTimeout     time.Duration `env:"HTTP_READ_TIMEOUT" envDefault:"10s"`
	WriteTimeout    time.Duration `env:"HTTP_WRITE_TIMEOUT" envDefault:"15s"`
	ShutdownTimeout time.Duration `env:"HTTP_SHUTDOWN_TIMEOUT" envDefault:"20s"`
}

type DatabaseConfig struct {
	URL        string        `env:"DATABASE_URL"`
	SQLitePath string        `env:"SQLITE_PATH" envDefault:"./data/auth.db"`
	WaitFor    time.Duration `env:"DATABASE_WAIT_TIMEOUT" envDefault:"60s"`
}

type AuthConfig struct {
	JWTSecret          string        `env:"JWT_SECRET"`
	AccessTokenExpiry  int           `env:"ACCESS_TOKEN_EXPIRY" envDefault:"900"`
	RefreshTokenExpiry int           `env:"REFRESH_TOKEN_EXPIRY" envDefault:"2592000"`
	PasswordIterations int           `env:"PASSWORD_ITERATIONS" envDefault:"50000"`
	SweepInterval      time.Duration `env:"AUTH_TOKEN_SWEEP_INTERVAL" envDefault:"1h"`
	BootstrapEmail     string        `env:"AUTH_BOOTSTRAP_EMAIL"`
	BootstrapUsername  string        `env:"AUTH_BOOTSTRAP_USERNAME"`
	BootstrapPassword  string        `env:"AUTH_BOOTSTRAP_PASSWORD"`
}

func (a AuthConfig) AccessTTL() time.Duration {
	return time.Duration(a.AccessTokenExpiry) * time.Second
}

func (a AuthConfig) RefreshTTL() time.Duration {
	return time.Duration(a.RefreshTokenExpiry) * time.Second
}

// BootstrapEnabled reports whether a seed super_admin is configured.
func (a AuthConfig) BootstrapEnabled() bool {
	return a.BootstrapEmail != ""
}

type OAuthConfig struct {
	GoogleClientID    string        `env:"GOOGLE_CLIENT_ID"`
	GoogleUserInfoURL string        `env:"GOOGLE_USERINFO_URL" envDefault:"https://www.googleapis.com/oauth2/v3/userinfo"`
	AppleClientID     string        `env:"APPLE_CLIENT_ID"`
	AppleKeysURL      string        `env:"APPLE_KEYS_URL" envDefault:"https://appleid.apple.com/auth/keys"`
	AppleKeysCacheTTL time.Duration `env:"APPLE_KEYS_CACHE_TTL" envDefault:"1h"`
	HTTPTimeout       time.Duration `env:"OAUTH_HTTP_TIMEOUT" envDefault:"5s"`
}

type RateLimitConfig struct {
	MaxAttempts int           `env:"LOGIN_MAX_ATTEMPTS" envDefault:"10"`
	Cooldown    time.Duration `env:"LOGIN_COOLDOWN" envDefault:"15m"`
	IPThrottle  bool          `env:"LOGIN_IP_THROTTLE" envDefault:"false"`
}

func Load() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}

	if cfg.HTTP.Addr == "" {
		return Config{}, fmt.Errorf("HTTP_ADDR must not be empty")
	}
	if cfg.Database.URL == "" && cfg.Database.SQLitePath == "" {
		return Config{}, fmt.Errorf("one of DATABASE_URL or SQLITE_PATH must be set")
	}
	if len(cfg.Auth.JWTSecret) < minJWTSecretBytes {
		return Config{}, fmt.Errorf("JWT_SECRET must be at least %d bytes", minJWTSecretBytes)
	}
	if cfg.Auth.AccessTokenExpiry <= 0 {
		return Config{}, fmt.Errorf("ACCESS_TOKEN_EXPIRY must be > 0")
	}
	if cfg.Auth.RefreshTokenExpiry <= 0 {
		return Config{}, fmt.Errorf("REFRESH_TOKEN_EXPIRY must be > 0")
	}
	if cfg.Auth.PasswordIterations <= 0 {
		return Config{}, fmt.Errorf("PASSWORD_ITERATIONS must be > 0")
	}
	if cfg.Auth.SweepInterval <= 0 {
		return Config{}, fmt.Errorf("AUTH_TOKEN_SWEEP_INTERVAL must be > 0")
	}
	if cfg.Auth.BootstrapEnabled() && (cfg.Auth.BootstrapUsername == "" || cfg.Auth.BootstrapPassword == "") {
		return Config{}, fmt.Errorf("AUTH_BOOTSTRAP_USERNAME and AUTH_BOOTSTRAP_PASSWORD are required with AUTH_BOOTSTRAP_EMAIL")
	}
	if cfg.OAuth.AppleClientID != "" && cfg.OAuth.AppleKeysURL == "" {
		return Config{}, fmt.Errorf("APPLE_KEYS_URL must not be empty")
	}
	if cfg.OAuth.HTTPTimeout <= 0 {
		return Config{}, fmt.Errorf("OAUTH_HTTP_TIMEOUT must be > 0")
	}
	if cfg.RateLimit.MaxAttempts <= 0 {
		return Config{}, fmt.Errorf("LOGIN_MAX_ATTEMPTS must be > 0")
	}
	if cfg.RateLimit.Cooldown <= 0 {
		return Config{}, fmt.Errorf("LOGIN_COOLDOWN must be > 0")
	}
	if cfg.AuditLogFile == "" {
		return Config{}, fmt.Errorf("AUDIT_LOG_FILE must not be empty")
	}
	if _, err := ParseLogLevel(cfg.LogLevel); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func ParseLogLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.TrimSpace(s))); err != nil {
		return 0, fmt.Errorf("LOG_LEVEL %q is not a valid level", s)
	}
	return level, nil
}
