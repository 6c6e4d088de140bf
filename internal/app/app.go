package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/redis/go-redis/v9"

	"raceup/authsvc/internal/audit"
	"raceup/authsvc/internal/auth"
	"raceup/authsvc/internal/config"
	"raceup/authsvc/internal/database"
	"raceup/authsvc/internal/httpserver"
	"raceup/authsvc/internal/migrations"
	"raceup/authsvc/internal/oauth"
	"raceup/authsvc/internal/observability"
	"raceup/authsvc/internal/ratelimit"
)

const dbPollInterval = 2 * time.Second

type App struct {
	cfg    config.Config
	log    *slog.Logger
	db     *sqlx.DB
	redis  *redis.Client
	auth   *auth.Service
	server *httpserver.Server
}

func New(ctx context.Context, cfg config.Config) (*App, error) {
	level, err := config.ParseLogLevel(cfg.LogLevel)
	if err != nil {
		return nil, err
	}
	logger := observability.NewLogger(level)

	a := &App{cfg: cfg, log: logger}
	if err := a.init(ctx); err != nil {
		a.close()
		return nil, err
	}
	return a, nil
}

func (a *App) init(ctx context.Context) error {
	cfg := a.cfg

	db, err := database.Open(cfg.Database.URL, cfg.Database.SQLitePath)
	if err != nil {
		return err
	}
	a.db = db
	if err := database.WaitReady(ctx, db, cfg.Database.WaitFor, dbPollInterval); err != nil {
		return err
	}

	mig, err := migrations.NewService(db)
	if err != nil {
		return fmt.Errorf("create migration service: %w", err)
	}
	applied, err := mig.Apply(ctx)
	if err != nil {
		return fmt.Errorf("apply migrations: %w", err)
	}
	for _, name := range applied {
		a.log.Info("migration applied", "name", name, "driver", db.DriverName())
	}

	store, err := auth.NewSQLStore(db)
	if err != nil {
		return fmt.Errorf("create user store: %w", err)
	}

	var keyCache oauth.KeySetCache = oauth.NewMemoryKeySetCache(nil)
	var limiter auth.LoginLimiter
	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("parse REDIS_URL: %w", err)
		}
		a.redis = redis.NewClient(opts)
		if err := a.redis.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("ping redis: %w", err)
		}
		keyCache = oauth.NewRedisKeySetCache(a.redis)
		rl, err := ratelimit.NewLoginLimiter(a.redis, ratelimit.Config{
			MaxAttempts:      cfg.RateLimit.MaxAttempts,
			Cooldown:         cfg.RateLimit.Cooldown,
			EnableIPThrottle: cfg.RateLimit.IPThrottle,
		})
		if err != nil {
			return fmt.Errorf("create login limiter: %w", err)
		}
		limiter = rl
	} else {
		a.log.Warn("REDIS_URL not set; login throttling disabled")
	}

	codec, err := auth.NewTokenCodec([]byte(cfg.Auth.JWTSecret), cfg.Auth.AccessTTL(), nil, nil)
	if err != nil {
		return fmt.Errorf("create token codec: %w", err)
	}

	httpClient := oauth.NewHTTPClient(cfg.OAuth.HTTPTimeout)
	verifiers := map[oauth.Provider]oauth.Verifier{}
	if cfg.OAuth.GoogleClientID != "" {
		verifiers[oauth.ProviderGoogle] = oauth.NewGoogleVerifier(cfg.OAuth.GoogleUserInfoURL, httpClient)
	}
	if cfg.OAuth.AppleClientID != "" {
		keys := oauth.NewJWKSFetcher(cfg.OAuth.AppleKeysURL, httpClient, keyCache, cfg.OAuth.AppleKeysCacheTTL)
		verifiers[oauth.ProviderApple] = oauth.NewAppleVerifier(cfg.OAuth.AppleClientID, keys, nil)
	}
	for p := range verifiers {
		a.log.Info("oauth provider enabled", "provider", p)
	}

	svc, err := auth.NewService(store, auth.ServiceConfig{
		Tokens:     codec,
		Passwords:  auth.NewPasswordHasher(nil, cfg.Auth.PasswordIterations),
		RefreshTTL: cfg.Auth.RefreshTTL(),
		Verifiers:  verifiers,
		Limiter:    limiter,
		Logger:     a.log,
	})
	if err != nil {
		return fmt.Errorf("create auth service: %w", err)
	}
	a.auth = svc

	if cfg.Auth.BootstrapEnabled() {
		if _, err := svc.EnsureBootstrapAdmin(ctx, cfg.Auth.BootstrapEmail, cfg.Auth.BootstrapUsername, cfg.Auth.BootstrapPassword); err != nil {
			return fmt.Errorf("bootstrap admin: %w", err)
		}
	}

	a.server = httpserver.New(cfg.HTTP, httpserver.Deps{
		Auth:       svc,
		Migrations: mig,
		Audit:      audit.NewLogger(cfg.AuditLogFile),
		Logger:     a.log,
		Ready:      a.ready,
	})
	return nil
}

func (a *App) ready(ctx context.Context) error {
	if err := a.db.PingContext(ctx); err != nil {
		return fmt.Errorf("database: %w", err)
	}
	if a.redis != nil {
		if err := a.redis.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("redis: %w", err)
		}
	}
	return nil
}

func (a *App) close() {
	if a.redis != nil {
		_ = a.redis.Close()
	}
	if a.db != nil {
		_ = a.db.Close()
	}
}

func (a *App) Run(ctx context.Context) error {
	defer a.close()

	sweepCtx, stopSweep := context.WithCancel(ctx)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		runTokenSweeper(sweepCtx, a.auth, a.cfg.Auth.SweepInterval, a.log)
	}()
	defer func() {
		stopSweep()
		wg.Wait()
	}()

	errCh := make(chan error, 1)

	go func() {
		a.log.Info("http server starting", "addr", a.cfg.HTTP.Addr)
		errCh <- a.server.Start()
	}()

	select {
	case <-ctx.Done():
		a.log.Info("shutdown signal received")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.HTTP.ShutdownTimeout)
		defer cancel()
		if err := a.server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown server: %w", err)
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("server exited: %w", err)
	}
}

type tokenPurger interface {
	PurgeExpiredTokens(ctx context.Context) (int64, error)
}

// runTokenSweeper deletes expired refresh tokens every interval until ctx
// is cancelled.
func runTokenSweeper(ctx context.Context, p tokenPurger, interval time.Duration, log *slog.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := p.PurgeExpiredTokens(ctx)
			if err != nil {
				if ctx.Err() == nil {
					log.Warn("refresh token sweep failed", "error", err)
				}
				continue
			}
			if n > 0 {
				log.Info("expired refresh tokens purged", "count", n)
			}
		}
	}
}
