package auth

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"raceup/authsvc/internal/oauth"
	"raceup/authsvc/internal/ratelimit"
)

const (
	DefaultRefreshTTL = 30 * 24 * time.Hour

	defaultPageLimit = 50
	maxPageLimit     = 100
)

// LoginLimiter throttles password attempts. *ratelimit.LoginLimiter
// satisfies it.
type LoginLimiter interface {
	Check(ctx context.Context, email, ip string) error
	RecordFailure(ctx context.Context, email, ip string) error
	Reset(ctx context.Context, email string) error
}

type Service struct {
	store      Store
	tokens     *TokenCodec
	passwords  *PasswordHasher
	refreshTTL time.Duration
	verifiers  map[oauth.Provider]oauth.Verifier
	limiter    LoginLimiter
	log        *slog.Logger
	nowFunc    func() time.Time
	rand       io.Reader
}

type ServiceConfig struct {
	Tokens     *TokenCodec
	Passwords  *PasswordHasher
	RefreshTTL time.Duration
	Verifiers  map[oauth.Provider]oauth.Verifier
	Limiter    LoginLimiter
	Logger     *slog.Logger
	Now        func() time.Time
	Rand       io.Reader
}

func NewService(store Store, cfg ServiceConfig) (*Service, error) {
	if store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if cfg.Tokens == nil {
		return nil, fmt.Errorf("token codec is required")
	}
	if cfg.RefreshTTL <= 0 {
		return nil, fmt.Errorf("refresh token TTL must be > 0")
	}

	s := &Service{
		store:      store,
		tokens:     cfg.Tokens,
		passwords:  cfg.Passwords,
		refreshTTL: cfg.RefreshTTL,
		verifiers:  make(map[oauth.Provider]oauth.Verifier, len(cfg.Verifiers)),
		limiter:    cfg.Limiter,
		log:        cfg.Logger,
		nowFunc:    cfg.Now,
		rand:       cfg.Rand,
	}
	for p, v := range cfg.Verifiers {
		if v != nil {
			s.verifiers[p] = v
		}
	}
	if s.passwords == nil {
		s.passwords = NewPasswordHasher(cfg.Rand, DefaultPasswordIterations)
	}
	if s.log == nil {
		s.log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if s.nowFunc == nil {
		s.nowFunc = time.Now
	}
	if s.rand == nil {
		s.rand = rand.Reader
	}
	return s, nil
}

func (s *Service) now() time.Time {
	return s.nowFunc().UTC().Truncate(time.Second)
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

func (s *Service) Register(ctx context.Context, in RegisterInput) (Session, error) {
	email := normalizeEmail(in.Email)
	username := strings.TrimSpace(in.Username)

	if _, err := s.store.GetUserByEmail(ctx, email); err == nil {
		return Session{}, ErrEmailTaken
	} else if !errors.Is(err, ErrUserNotFound) {
		return Session{}, fmt.Errorf("check email: %w", err)
	}
	if _, err := s.store.GetUserByUsername(ctx, username); err == nil {
		return Session{}, ErrUsernameTaken
	} else if !errors.Is(err, ErrUserNotFound) {
		return Session{}, fmt.Errorf("check username: %w", err)
	}

	hash, err := s.passwords.Hash(in.Password)
	if err != nil {
		return Session{}, fmt.Errorf("hash password: %w", err)
	}

	now := s.now()
	u := User{
		ID:           uuid.NewString(),
		Email:        email,
		Username:     username,
		PasswordHash: hash,
		FirstName:    in.FirstName,
		LastName:     in.LastName,
		BirthDate:    in.BirthDate,
		Provider:     ProviderEmail,
		Role:         RoleUser,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	// A concurrent registration can still win the race; the store reports
	// that with the same sentinels.
	if err := s.store.CreateUser(ctx, u); err != nil {
		if errors.Is(err, ErrEmailTaken) || errors.Is(err, ErrUsernameTaken) {
			return Session{}, err
		}
		return Session{}, fmt.Errorf("create user: %w", err)
	}

	s.log.Info("user registered", "user_id", u.ID, "provider", u.Provider)
	return s.issueSession(ctx, u)
}

func (s *Service) Login(ctx context.Context, email, password, clientIP string) (Session, error) {
	email = normalizeEmail(email)

	if err := s.checkLimiter(ctx, email, clientIP); err != nil {
		return Session{}, err
	}

	u, err := s.store.GetUserByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			s.recordFailure(ctx, email, clientIP)
			return Session{}, ErrInvalidCredentials
		}
		return Session{}, fmt.Errorf("load user: %w", err)
	}
	if !u.HasPassword() {
		return Session{}, &OAuthAccountError{Provider: u.Provider}
	}
	if !s.passwords.Verify(password, u.PasswordHash) {
		s.recordFailure(ctx, email, clientIP)
		return Session{}, ErrInvalidCredentials
	}

	if s.limiter != nil {
		if err := s.limiter.Reset(ctx, email); err != nil {
			s.log.Warn("login limiter reset failed", "error", err)
		}
	}
	if n, err := s.store.DeleteExpiredRefreshTokens(ctx, u.ID, s.now()); err != nil {
		s.log.Warn("expired refresh token cleanup failed", "user_id", u.ID, "error", err)
	} else if n > 0 {
		s.log.Debug("expired refresh tokens removed", "user_id", u.ID, "count", n)
	}

	return s.issueSession(ctx, u)
}

// checkLimiter fails open when the limiter backend is unreachable.
func (s *Service) checkLimiter(ctx context.Context, email, ip string) error {
	if s.limiter == nil {
		return nil
	}
	err := s.limiter.Check(ctx, email, ip)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ratelimit.ErrRateLimited):
		s.log.Warn("login rate limited", "ip", ip)
		return ErrLoginRateLimited
	default:
		s.log.Warn("login limiter unavailable", "error", err)
		return nil
	}
}

func (s *Service) recordFailure(ctx context.Context, email, ip string) {
	if s.limiter == nil {
		return
	}
	if err := s.limiter.RecordFailure(ctx, email, ip); err != nil {
		s.log.Warn("login limiter record failed", "error", err)
	}
}

func (s *Service) LoginWithOAuth(ctx context.Context, provider oauth.Provider, in OAuthInput) (Session, error) {
	v, ok := s.verifiers[provider]
	if !ok {
		return Session{}, ErrProviderDisabled
	}

	id, err := v.Verify(ctx, in.Assertion)
	if err != nil {
		s.log.Info("oauth assertion rejected", "provider", provider, "error", err)
		return Session{}, &OAuthVerificationError{Provider: Provider(provider), Err: err}
	}

	// Apple only sends names on the first sign-in, through the client.
	firstName, lastName := id.FirstName, id.LastName
	if firstName == "" {
		firstName = in.FirstName
	}
	if lastName == "" {
		lastName = in.LastName
	}

	u, err := s.findOrCreateOAuthUser(ctx, normalizeEmail(id.Email), firstName, lastName, Provider(provider))
	if err != nil {
		return Session{}, err
	}
	return s.issueSession(ctx, u)
}

func (s *Service) findOrCreateOAuthUser(ctx context.Context, email, firstName, lastName string, provider Provider) (User, error) {
	existing, err := s.store.GetUserByEmail(ctx, email)
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, ErrUserNotFound) {
		return User{}, fmt.Errorf("load user: %w", err)
	}

	base := usernameBase(email)
	tried := 0
	for {
		username, err := s.nextFreeUsername(ctx, base, &tried)
		if err != nil {
			return User{}, err
		}

		now := s.now()
		u := User{
			ID:        uuid.NewString(),
			Email:     email,
			Username:  username,
			FirstName: firstName,
			LastName:  lastName,
			Provider:  provider,
			Role:      RoleUser,
			CreatedAt: now,
			UpdatedAt: now,
		}
		err = s.store.CreateUser(ctx, u)
		switch {
		case err == nil:
			s.log.Info("user registered", "user_id", u.ID, "provider", provider)
			return u, nil
		case errors.Is(err, ErrUsernameTaken):
			continue
		case errors.Is(err, ErrEmailTaken):
			// Lost a race with a concurrent first sign-in for this email.
			return s.store.GetUserByEmail(ctx, email)
		default:
			return User{}, fmt.Errorf("create user: %w", err)
		}
	}
}

// Refresh exchanges a refresh secret for a new pair. The presented secret
// is consumed whether or not the rest of the exchange succeeds.
func (s *Service) Refresh(ctx context.Context, refreshSecret string) (Session, error) {
	if refreshSecret == "" {
		return Session{}, ErrInvalidRefreshToken
	}
	stored, err := s.store.ConsumeRefreshToken(ctx, HashRefreshSecret(refreshSecret), s.now())
	if err != nil {
		if errors.Is(err, ErrRefreshTokenNotFound) {
			return Session{}, ErrInvalidRefreshToken
		}
		return Session{}, fmt.Errorf("consume refresh token: %w", err)
	}

	u, err := s.store.GetUserByID(ctx, stored.UserID)
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			return Session{}, ErrUserNotFound
		}
		return Session{}, fmt.Errorf("load user: %w", err)
	}
	return s.issueSession(ctx, u)
}

func (s *Service) Logout(ctx context.Context, userID string) error {
	if err := s.store.DeleteUserRefreshTokens(ctx, userID); err != nil {
		return fmt.Errorf("delete refresh tokens: %w", err)
	}
	return nil
}

// DeleteAccount removes the user and every refresh token. Accounts with a
// password must confirm it; OAuth-only accounts rely on the access token.
func (s *Service) DeleteAccount(ctx context.Context, userID, password string) error {
	u, err := s.store.GetUserByID(ctx, userID)
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			return ErrUserNotFound
		}
		return fmt.Errorf("load user: %w", err)
	}
	if u.HasPassword() && !s.passwords.Verify(password, u.PasswordHash) {
		return ErrInvalidPassword
	}
	if err := s.store.DeleteUser(ctx, u.ID); err != nil {
		if errors.Is(err, ErrUserNotFound) {
			return ErrUserNotFound
		}
		return fmt.Errorf("delete user: %w", err)
	}
	s.log.Info("account deleted", "user_id", u.ID)
	return nil
}

func (s *Service) Authenticate(_ context.Context, accessToken string) (AccessClaims, error) {
	return s.tokens.VerifyAccessToken(accessToken)
}

func (s *Service) CurrentUser(ctx context.Context, userID string) (User, error) {
	u, err := s.store.GetUserByID(ctx, userID)
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			return User{}, ErrUserNotFound
		}
		return User{}, fmt.Errorf("load user: %w", err)
	}
	return u, nil
}

// RequireRole re-reads the user so a role change takes effect before the
// access token expires.
func (s *Service) RequireRole(ctx context.Context, userID string, roles ...Role) (User, error) {
	u, err := s.store.GetUserByID(ctx, userID)
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			return User{}, ErrForbidden
		}
		return User{}, fmt.Errorf("load user: %w", err)
	}
	for _, r := range roles {
		if u.Role == r {
			return u, nil
		}
	}
	return User{}, ErrForbidden
}

func (s *Service) SetRole(ctx context.Context, actorID, targetID string, role Role) (User, error) {
	if !role.Valid() {
		return User{}, ErrInvalidRole
	}
	actor, err := s.RequireRole(ctx, actorID, RoleAdmin, RoleSuperAdmin)
	if err != nil {
		return User{}, err
	}
	target, err := s.store.GetUserByID(ctx, targetID)
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			return User{}, ErrUserNotFound
		}
		return User{}, fmt.Errorf("load user: %w", err)
	}
	if (role == RoleSuperAdmin || target.Role == RoleSuperAdmin) && actor.Role != RoleSuperAdmin {
		return User{}, ErrForbidden
	}

	now := s.now()
	if err := s.store.UpdateUserRole(ctx, target.ID, role, now); err != nil {
		if errors.Is(err, ErrUserNotFound) {
			return User{}, ErrUserNotFound
		}
		return User{}, fmt.Errorf("update role: %w", err)
	}
	s.log.Info("role changed", "actor_id", actor.ID, "user_id", target.ID, "from", target.Role, "to", role)
	target.Role = role
	target.UpdatedAt = now
	return target, nil
}

func (s *Service) ListUsers(ctx context.Context, q UserQuery) (UserPage, error) {
	if q.Page < 1 {
		q.Page = 1
	}
	if q.Limit <= 0 {
		q.Limit = defaultPageLimit
	}
	if q.Limit > maxPageLimit {
		q.Limit = maxPageLimit
	}
	users, total, err := s.store.ListUsers(ctx, q)
	if err != nil {
		return UserPage{}, fmt.Errorf("list users: %w", err)
	}
	return UserPage{Users: users, Total: total, Page: q.Page, Limit: q.Limit}, nil
}

func (s *Service) PurgeExpiredTokens(ctx context.Context) (int64, error) {
	n, err := s.store.PurgeExpiredRefreshTokens(ctx, s.now())
	if err != nil {
		return 0, fmt.Errorf("purge expired refresh tokens: %w", err)
	}
	return n, nil
}

// EnsureBootstrapAdmin seeds a super_admin when the user table is empty.
// It is a no-op on any deployment that already has users.
func (s *Service) EnsureBootstrapAdmin(ctx context.Context, email, username, password string) (bool, error) {
	email = normalizeEmail(email)
	if email == "" || username == "" || password == "" {
		return false, fmt.Errorf("bootstrap email, username, and password are required")
	}
	n, err := s.store.CountUsers(ctx)
	if err != nil {
		return false, fmt.Errorf("count users: %w", err)
	}
	if n > 0 {
		return false, nil
	}

	hash, err := s.passwords.Hash(password)
	if err != nil {
		return false, fmt.Errorf("hash password: %w", err)
	}
	now := s.now()
	u := User{
		ID:           uuid.NewString(),
		Email:        email,
		Username:     username,
		PasswordHash: hash,
		Provider:     ProviderEmail,
		Role:         RoleSuperAdmin,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := s.store.CreateUser(ctx, u); err != nil {
		return false, fmt.Errorf("create bootstrap admin: %w", err)
	}
	s.log.Info("bootstrap admin created", "user_id", u.ID, "username", username)
	return true, nil
}

func (s *Service) issueSession(ctx context.Context, u User) (Session, error) {
	access, accessExp, err := s.tokens.IssueAccessToken(u.ID, u.Email, u.Username)
	if err != nil {
		return Session{}, err
	}
	secret, err := s.tokens.NewRefreshSecret()
	if err != nil {
		return Session{}, err
	}

	now := s.now()
	rt := RefreshToken{
		ID:        uuid.NewString(),
		UserID:    u.ID,
		TokenHash: HashRefreshSecret(secret),
		ExpiresAt: now.Add(s.refreshTTL),
		CreatedAt: now,
	}
	if err := s.store.SaveRefreshToken(ctx, rt); err != nil {
		return Session{}, fmt.Errorf("save refresh token: %w", err)
	}

	return Session{
		User:             u,
		AccessToken:      access,
		AccessExpiresAt:  accessExp,
		RefreshToken:     secret,
		RefreshExpiresAt: rt.ExpiresAt,
	}, nil
}
