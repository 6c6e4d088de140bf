package integration

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"

	"raceup/authsvc/internal/auth"
	"raceup/authsvc/internal/database"
	"raceup/authsvc/internal/migrations"
)

func openTestPostgres(t *testing.T) *sqlx.DB {
	t.Helper()

	dsn := os.Getenv("TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("TEST_POSTGRES_DSN not set; skipping Postgres integration tests")
	}

	db, err := database.Open(dsn, "")
	if err != nil {
		t.Fatalf("database.Open() error: %v", err)
	}
	t.Cleanup(func() {
		_ = db.Close()
	})

	ctx := context.Background()
	if err := database.WaitReady(ctx, db, 30*time.Second, time.Second); err != nil {
		t.Fatalf("WaitReady() error: %v", err)
	}
	m, err := migrations.NewService(db)
	if err != nil {
		t.Fatalf("migrations.NewService() error: %v", err)
	}
	if _, err := m.Apply(ctx); err != nil {
		t.Fatalf("Apply() error: %v", err)
	}
	return db
}

func newPostgresService(t *testing.T, db *sqlx.DB) *auth.Service {
	t.Helper()
	store, err := auth.NewSQLStore(db)
	if err != nil {
		t.Fatalf("NewSQLStore() error: %v", err)
	}
	codec, err := auth.NewTokenCodec([]byte("integration-secret-0123456789abcdef"), time.Minute, nil, nil)
	if err != nil {
		t.Fatalf("NewTokenCodec() error: %v", err)
	}
	svc, err := auth.NewService(store, auth.ServiceConfig{
		Tokens:     codec,
		Passwords:  auth.NewPasswordHasher(nil, 1000),
		RefreshTTL: time.Hour,
	})
	if err != nil {
		t.Fatalf("NewService() error: %v", err)
	}
	return svc
}

func registerUnique(t *testing.T, db *sqlx.DB, svc *auth.Service) auth.Session {
	t.Helper()
	suffix := time.Now().UnixNano()
	s, err := svc.Register(context.Background(), auth.RegisterInput{
		Email:     fmt.Sprintf("itest_%d@raceup.io", suffix),
		Password:  "Password123",
		Username:  fmt.Sprintf("itest_%d", suffix%1_000_000_000),
		FirstName: "Integration",
		LastName:  "Test",
	})
	if err != nil {
		t.Fatalf("Register() error: %v", err)
	}
	t.Cleanup(func() {
		_, _ = db.Exec("DELETE FROM users WHERE id = $1", s.User.ID)
	})
	return s
}

func TestPostgresRegisterRefreshReplay(t *testing.T) {
	db := openTestPostgres(t)
	svc := newPostgresService(t, db)
	ctx := context.Background()

	s := registerUnique(t, db, svc)

	rotated, err := svc.Refresh(ctx, s.RefreshToken)
	if err != nil {
		t.Fatalf("Refresh() error: %v", err)
	}
	if rotated.User.ID != s.User.ID {
		t.Fatalf("expected refresh for %s, got %s", s.User.ID, rotated.User.ID)
	}
	if _, err := svc.Refresh(ctx, s.RefreshToken); !errors.Is(err, auth.ErrInvalidRefreshToken) {
		t.Fatalf("expected ErrInvalidRefreshToken on replay, got %v", err)
	}

	if _, err := svc.Register(ctx, auth.RegisterInput{
		Email:    s.User.Email,
		Password: "Password123",
		Username: s.User.Username + "x",
	}); !errors.Is(err, auth.ErrEmailTaken) {
		t.Fatalf("expected ErrEmailTaken, got %v", err)
	}
}

func TestPostgresConcurrentRefreshSingleWinner(t *testing.T) {
	db := openTestPostgres(t)
	svc := newPostgresService(t, db)
	s := registerUnique(t, db, svc)

	const racers = 8
	var wg sync.WaitGroup
	results := make(chan error, racers)
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.Refresh(context.Background(), s.RefreshToken)
			results <- err
		}()
	}
	wg.Wait()
	close(results)

	wins := 0
	for err := range results {
		switch {
		case err == nil:
			wins++
		case errors.Is(err, auth.ErrInvalidRefreshToken):
		default:
			t.Fatalf("unexpected refresh error: %v", err)
		}
	}
	if wins != 1 {
		t.Fatalf("expected exactly one successful refresh, got %d", wins)
	}
}

func TestPostgresDeleteAccountCascades(t *testing.T) {
	db := openTestPostgres(t)
	svc := newPostgresService(t, db)
	ctx := context.Background()
	s := registerUnique(t, db, svc)

	if err := svc.DeleteAccount(ctx, s.User.ID, "Password123"); err != nil {
		t.Fatalf("DeleteAccount() error: %v", err)
	}
	var n int
	if err := db.Get(&n, "SELECT COUNT(*) FROM refresh_tokens WHERE user_id = $1", s.User.ID); err != nil {
		t.Fatalf("count refresh tokens: %v", err)
	}
	if n != 0 {
		t.Fatalf("expected refresh tokens removed with the account, %d left", n)
	}
	if _, err := svc.Refresh(ctx, s.RefreshToken); !errors.Is(err, auth.ErrInvalidRefreshToken) {
		t.Fatalf("expected ErrInvalidRefreshToken after deletion, got %v", err)
	}
}

func TestPostgresMigrationStatus(t *testing.T) {
	db := openTestPostgres(t)
	m, err := migrations.NewService(db)
	if err != nil {
		t.Fatalf("migrations.NewService() error: %v", err)
	}
	status, err := m.Status(context.Background())
	if err != nil {
		t.Fatalf("Status() error: %v", err)
	}
	for _, s := range status {
		if !s.Applied {
			t.Fatalf("expected %s applied", s.Name)
		}
	}
}
