package httpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"raceup/authsvc/internal/audit"
	"raceup/authsvc/internal/auth"
	"raceup/authsvc/internal/migrations"
	"raceup/authsvc/internal/oauth"
	"raceup/authsvc/internal/ratelimit"
)

type fakeVerifier struct {
	provider oauth.Provider
	identity oauth.Identity
	err      error
}

func (f fakeVerifier) Provider() oauth.Provider { return f.provider }

func (f fakeVerifier) Verify(context.Context, string) (oauth.Identity, error) {
	if f.err != nil {
		return oauth.Identity{}, f.err
	}
	return f.identity, nil
}

type recordingAudit struct {
	mu     sync.Mutex
	events []audit.Event
}

func (a *recordingAudit) Record(e audit.Event) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.events = append(a.events, e)
	return nil
}

func (a *recordingAudit) find(action, outcome string) (audit.Event, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, e := range a.events {
		if e.Action == action && e.Outcome == outcome {
			return e, true
		}
	}
	return audit.Event{}, false
}

type fakeMigrationService struct {
	statusFunc func(ctx context.Context) ([]migrations.Status, error)
}

func (f fakeMigrationService) Status(ctx context.Context) ([]migrations.Status, error) {
	return f.statusFunc(ctx)
}

type serverEnv struct {
	handler http.Handler
	store   *auth.InMemoryStore
	audit   *recordingAudit
}

func newServerEnv(t *testing.T, mutateCfg func(*auth.ServiceConfig), mutateDeps func(*Deps)) serverEnv {
	t.Helper()
	codec, err := auth.NewTokenCodec([]byte("0123456789abcdef0123456789abcdef"), 15*time.Minute, nil, nil)
	if err != nil {
		t.Fatalf("NewTokenCodec() error: %v", err)
	}
	cfg := auth.ServiceConfig{
		Tokens:     codec,
		Passwords:  auth.NewPasswordHasher(nil, 1000),
		RefreshTTL: time.Hour,
		Verifiers: map[oauth.Provider]oauth.Verifier{
			oauth.ProviderGoogle: fakeVerifier{
				provider: oauth.ProviderGoogle,
				identity: oauth.Identity{Provider: oauth.ProviderGoogle, Subject: "g-1", Email: "gina@x.com", FirstName: "Gina", LastName: "G"},
			},
		},
	}
	if mutateCfg != nil {
		mutateCfg(&cfg)
	}
	store := auth.NewInMemoryStore()
	svc, err := auth.NewService(store, cfg)
	if err != nil {
		t.Fatalf("NewService() error: %v", err)
	}

	rec := &recordingAudit{}
	deps := Deps{Auth: svc, Audit: rec}
	if mutateDeps != nil {
		mutateDeps(&deps)
	}
	return serverEnv{handler: NewHandler(deps), store: store, audit: rec}
}

type testEnvelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   *errorBody      `json:"error"`
}

func (e serverEnv) do(t *testing.T, method, path, token string, body any) (*httptest.ResponseRecorder, testEnvelope) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if s, ok := body.(string); ok {
			buf.WriteString(s)
		} else if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	req.RemoteAddr = "10.0.0.7:51000"
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)

	var env testEnvelope
	if err := json.Unmarshal(rec.Body.Bytes(), &env); err != nil {
		t.Fatalf("decode response %q: %v", rec.Body.String(), err)
	}
	return rec, env
}

func expectError(t *testing.T, rec *httptest.ResponseRecorder, env testEnvelope, status int, code string) {
	t.Helper()
	if rec.Code != status {
		t.Fatalf("expected status %d, got %d: %s", status, rec.Code, rec.Body.String())
	}
	if env.Success || env.Error == nil || env.Error.Code != code {
		t.Fatalf("expected error code %s, got %s", code, rec.Body.String())
	}
}

func decodeSession(t *testing.T, env testEnvelope) sessionResponse {
	t.Helper()
	var s sessionResponse
	if err := json.Unmarshal(env.Data, &s); err != nil {
		t.Fatalf("decode session: %v", err)
	}
	if s.AccessToken == "" || len(s.RefreshToken) != 128 {
		t.Fatalf("expected token pair, got %+v", s)
	}
	return s
}

func aliceRegistration() map[string]string {
	return map[string]string{
		"email":      " Alice@Example.com ",
		"password":   "Abcd1234",
		"username":   "alice",
		"first_name": "Alice",
		"last_name":  "Liddell",
	}
}

func (e serverEnv) registerAlice(t *testing.T) sessionResponse {
	t.Helper()
	rec, env := e.do(t, http.MethodPost, "/api/auth/register", "", aliceRegistration())
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected status 201, got %d: %s", rec.Code, rec.Body.String())
	}
	return decodeSession(t, env)
}

func TestHealth(t *testing.T) {
	e := newServerEnv(t, nil, nil)
	rec, env := e.do(t, http.MethodGet, "/api/health", "", nil)

	if rec.Code != http.StatusOK || !env.Success {
		t.Fatalf("expected healthy response, got %d %s", rec.Code, rec.Body.String())
	}
	if rec.Header().Get("X-Request-Id") == "" {
		t.Fatalf("expected X-Request-Id header to be set")
	}
}

func TestReady(t *testing.T) {
	e := newServerEnv(t, nil, func(d *Deps) {
		d.Ready = func(context.Context) error { return errors.New("database down") }
	})
	rec, env := e.do(t, http.MethodGet, "/api/ready", "", nil)
	expectError(t, rec, env, http.StatusServiceUnavailable, codeUnavailable)
}

func TestUnknownRouteAndMethod(t *testing.T) {
	e := newServerEnv(t, nil, nil)

	rec, env := e.do(t, http.MethodGet, "/api/nope", "", nil)
	expectError(t, rec, env, http.StatusNotFound, codeNotFound)

	rec, env = e.do(t, http.MethodGet, "/api/auth/login", "", nil)
	expectError(t, rec, env, http.StatusMethodNotAllowed, codeMethodNotAllowed)
}

func TestAuthServiceUnavailable(t *testing.T) {
	h := NewHandler(Deps{})
	req := httptest.NewRequest(http.MethodPost, "/api/auth/login", strings.NewReader(`{}`))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected status 503, got %d", rec.Code)
	}
}

func TestRegisterLoginAndMe(t *testing.T) {
	e := newServerEnv(t, nil, nil)
	s := e.registerAlice(t)
	if s.User.Email != "alice@example.com" || s.User.Role != auth.RoleUser {
		t.Fatalf("unexpected registered user %+v", s.User)
	}
	if _, ok := e.audit.find("auth.register", audit.OutcomeSuccess); !ok {
		t.Fatalf("expected auth.register success audit event")
	}

	rec, env := e.do(t, http.MethodPost, "/api/auth/login", "", map[string]string{"email": "ALICE@example.com", "password": "Abcd1234"})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", rec.Code, rec.Body.String())
	}
	login := decodeSession(t, env)

	rec, env = e.do(t, http.MethodGet, "/api/auth/me", login.AccessToken, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var me struct {
		User map[string]any `json:"user"`
	}
	if err := json.Unmarshal(env.Data, &me); err != nil {
		t.Fatalf("decode me: %v", err)
	}
	if me.User["username"] != "alice" {
		t.Fatalf("unexpected me payload %v", me.User)
	}
	if _, leaked := me.User["password_hash"]; leaked {
		t.Fatalf("password hash must never be serialized")
	}
}

func TestRegisterValidation(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(map[string]string)
	}{
		{"bad email", func(m map[string]string) { m["email"] = "not-an-email" }},
		{"short password", func(m map[string]string) { m["password"] = "Ab1" }},
		{"long password", func(m map[string]string) { m["password"] = "Ab1" + strings.Repeat("x", 126) }},
		{"no uppercase", func(m map[string]string) { m["password"] = "abcd1234" }},
		{"no lowercase", func(m map[string]string) { m["password"] = "ABCD1234" }},
		{"no digit", func(m map[string]string) { m["password"] = "Abcdefgh" }},
		{"short username", func(m map[string]string) { m["username"] = "al" }},
		{"long username", func(m map[string]string) { m["username"] = strings.Repeat("a", 31) }},
		{"username charset", func(m map[string]string) { m["username"] = "al ice" }},
		{"missing first name", func(m map[string]string) { m["first_name"] = "" }},
		{"long last name", func(m map[string]string) { m["last_name"] = strings.Repeat("é", 51) }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			e := newServerEnv(t, nil, nil)
			body := aliceRegistration()
			tc.mutate(body)
			rec, env := e.do(t, http.MethodPost, "/api/auth/register", "", body)
			expectError(t, rec, env, http.StatusBadRequest, codeValidation)
		})
	}

	t.Run("malformed body", func(t *testing.T) {
		e := newServerEnv(t, nil, nil)
		rec, env := e.do(t, http.MethodPost, "/api/auth/register", "", "{not json")
		expectError(t, rec, env, http.StatusBadRequest, codeValidation)
	})
}

func TestRegisterConflicts(t *testing.T) {
	e := newServerEnv(t, nil, nil)
	e.registerAlice(t)

	rec, env := e.do(t, http.MethodPost, "/api/auth/register", "", aliceRegistration())
	expectError(t, rec, env, http.StatusConflict, codeEmailExists)

	body := aliceRegistration()
	body["email"] = "other@example.com"
	rec, env = e.do(t, http.MethodPost, "/api/auth/register", "", body)
	expectError(t, rec, env, http.StatusConflict, codeUsernameExists)
}

func TestLoginFailures(t *testing.T) {
	e := newServerEnv(t, nil, nil)
	e.registerAlice(t)

	rec, env := e.do(t, http.MethodPost, "/api/auth/login", "", map[string]string{"email": "alice@example.com", "password": "Wrong1234"})
	expectError(t, rec, env, http.StatusUnauthorized, codeInvalidCredentials)
	ev, ok := e.audit.find("auth.login", audit.OutcomeFailed)
	if !ok || ev.Detail != codeInvalidCredentials || ev.IP != "10.0.0.7" {
		t.Fatalf("expected failed login audit event, got %+v", ev)
	}

	rec, env = e.do(t, http.MethodPost, "/api/auth/login", "", map[string]string{"email": "nobody@example.com", "password": "Abcd1234"})
	expectError(t, rec, env, http.StatusUnauthorized, codeInvalidCredentials)

	rec, env = e.do(t, http.MethodPost, "/api/auth/google", "", map[string]string{"access_token": "ya29.token"})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected google sign-in to succeed, got %d: %s", rec.Code, rec.Body.String())
	}
	rec, env = e.do(t, http.MethodPost, "/api/auth/login", "", map[string]string{"email": "gina@x.com", "password": "Abcd1234"})
	expectError(t, rec, env, http.StatusBadRequest, codeOAuthAccount)
	if !strings.Contains(env.Error.Message, "Google") {
		t.Fatalf("expected provider in message, got %q", env.Error.Message)
	}
}

func TestLoginRateLimited(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	limiter, err := ratelimit.NewLoginLimiter(client, ratelimit.Config{MaxAttempts: 2, Cooldown: time.Minute})
	if err != nil {
		t.Fatalf("NewLoginLimiter() error: %v", err)
	}

	e := newServerEnv(t, func(c *auth.ServiceConfig) { c.Limiter = limiter }, nil)
	e.registerAlice(t)

	bad := map[string]string{"email": "alice@example.com", "password": "Wrong1234"}
	for i := 0; i < 2; i++ {
		rec, env := e.do(t, http.MethodPost, "/api/auth/login", "", bad)
		expectError(t, rec, env, http.StatusUnauthorized, codeInvalidCredentials)
	}
	rec, env := e.do(t, http.MethodPost, "/api/auth/login", "", map[string]string{"email": "alice@example.com", "password": "Abcd1234"})
	expectError(t, rec, env, http.StatusTooManyRequests, codeTooManyAttempts)

	mr.FastForward(time.Minute + time.Second)
	rec, _ = e.do(t, http.MethodPost, "/api/auth/login", "", map[string]string{"email": "alice@example.com", "password": "Abcd1234"})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected login after cooldown, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestRefreshRotation(t *testing.T) {
	e := newServerEnv(t, nil, nil)
	s := e.registerAlice(t)

	rec, env := e.do(t, http.MethodPost, "/api/auth/refresh", "", map[string]string{"refresh_token": s.RefreshToken})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", rec.Code, rec.Body.String())
	}
	rotated := decodeSession(t, env)
	if rotated.RefreshToken == s.RefreshToken {
		t.Fatalf("expected a new refresh token")
	}

	rec, env = e.do(t, http.MethodPost, "/api/auth/refresh", "", map[string]string{"refresh_token": s.RefreshToken})
	expectError(t, rec, env, http.StatusUnauthorized, codeInvalidRefreshToken)

	rec, env = e.do(t, http.MethodPost, "/api/auth/refresh", "", map[string]string{})
	expectError(t, rec, env, http.StatusBadRequest, codeValidation)
}

func TestProtectedRoutesRequireToken(t *testing.T) {
	e := newServerEnv(t, nil, nil)

	for _, tc := range []struct{ method, path string }{
		{http.MethodGet, "/api/auth/me"},
		{http.MethodPost, "/api/auth/logout"},
		{http.MethodDelete, "/api/auth/account"},
		{http.MethodGet, "/api/admin/users"},
	} {
		rec, env := e.do(t, tc.method, tc.path, "", nil)
		expectError(t, rec, env, http.StatusUnauthorized, codeUnauthorized)

		rec, env = e.do(t, tc.method, tc.path, "garbage", nil)
		expectError(t, rec, env, http.StatusUnauthorized, codeUnauthorized)
	}
}

func TestOAuthRoutes(t *testing.T) {
	verifyErr := &oauth.VerificationError{Provider: oauth.ProviderApple, Reason: "bad signature"}
	e := newServerEnv(t, func(c *auth.ServiceConfig) {
		c.Verifiers[oauth.ProviderApple] = fakeVerifier{provider: oauth.ProviderApple, err: verifyErr}
	}, nil)

	rec, env := e.do(t, http.MethodPost, "/api/auth/google", "", map[string]string{"access_token": "ya29.token"})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", rec.Code, rec.Body.String())
	}
	s := decodeSession(t, env)
	if s.User.Provider != auth.ProviderGoogle || s.User.FirstName != "Gina" {
		t.Fatalf("unexpected oauth user %+v", s.User)
	}

	rec, env = e.do(t, http.MethodPost, "/api/auth/apple", "", map[string]string{"id_token": "a.b.c", "first_name": "Ann"})
	expectError(t, rec, env, http.StatusUnauthorized, codeAppleAuthFailed)
	if _, ok := e.audit.find("auth.oauth.apple", audit.OutcomeFailed); !ok {
		t.Fatalf("expected failed apple audit event")
	}

	rec, env = e.do(t, http.MethodPost, "/api/auth/apple", "", map[string]string{})
	expectError(t, rec, env, http.StatusBadRequest, codeValidation)
}

func TestOAuthGoogleFailureAndDisabledProvider(t *testing.T) {
	e := newServerEnv(t, func(c *auth.ServiceConfig) {
		c.Verifiers = map[oauth.Provider]oauth.Verifier{
			oauth.ProviderGoogle: fakeVerifier{provider: oauth.ProviderGoogle, err: &oauth.VerificationError{Provider: oauth.ProviderGoogle, Reason: "status 401"}},
		}
	}, nil)

	rec, env := e.do(t, http.MethodPost, "/api/auth/google", "", map[string]string{"access_token": "expired"})
	expectError(t, rec, env, http.StatusUnauthorized, codeGoogleAuthFailed)

	rec, env = e.do(t, http.MethodPost, "/api/auth/apple", "", map[string]string{"id_token": "a.b.c"})
	expectError(t, rec, env, http.StatusBadRequest, codeProviderDisabled)
}

func TestLogoutRevokesRefreshTokens(t *testing.T) {
	e := newServerEnv(t, nil, nil)
	s := e.registerAlice(t)

	rec, _ := e.do(t, http.MethodPost, "/api/auth/logout", s.AccessToken, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", rec.Code, rec.Body.String())
	}
	rec, env := e.do(t, http.MethodPost, "/api/auth/refresh", "", map[string]string{"refresh_token": s.RefreshToken})
	expectError(t, rec, env, http.StatusUnauthorized, codeInvalidRefreshToken)
}

func TestDeleteAccount(t *testing.T) {
	e := newServerEnv(t, nil, nil)
	s := e.registerAlice(t)

	rec, env := e.do(t, http.MethodDelete, "/api/auth/account", s.AccessToken, map[string]string{"password": "Wrong1234"})
	expectError(t, rec, env, http.StatusUnauthorized, codeInvalidPassword)

	rec, env = e.do(t, http.MethodDelete, "/api/auth/account", s.AccessToken, map[string]string{})
	expectError(t, rec, env, http.StatusBadRequest, codeValidation)

	rec, _ = e.do(t, http.MethodDelete, "/api/auth/account", s.AccessToken, map[string]string{"password": "Abcd1234"})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", rec.Code, rec.Body.String())
	}

	rec, env = e.do(t, http.MethodGet, "/api/auth/me", s.AccessToken, nil)
	expectError(t, rec, env, http.StatusNotFound, codeUserNotFound)
	rec, env = e.do(t, http.MethodPost, "/api/auth/refresh", "", map[string]string{"refresh_token": s.RefreshToken})
	expectError(t, rec, env, http.StatusUnauthorized, codeInvalidRefreshToken)
}

func TestAdminRoutes(t *testing.T) {
	e := newServerEnv(t, nil, func(d *Deps) {
		d.Migrations = fakeMigrationService{statusFunc: func(context.Context) ([]migrations.Status, error) {
			return []migrations.Status{{Name: "0001_auth.sql", Applied: true}}, nil
		}}
	})
	admin := e.registerAlice(t)

	body := aliceRegistration()
	body["email"] = "bob@example.com"
	body["username"] = "bob"
	rec, env := e.do(t, http.MethodPost, "/api/auth/register", "", body)
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected status 201, got %d", rec.Code)
	}
	bob := decodeSession(t, env)

	rec, env = e.do(t, http.MethodGet, "/api/admin/users", admin.AccessToken, nil)
	expectError(t, rec, env, http.StatusForbidden, codeForbidden)

	ctx := context.Background()
	if err := e.store.UpdateUserRole(ctx, admin.User.ID, auth.RoleAdmin, time.Now()); err != nil {
		t.Fatalf("UpdateUserRole() error: %v", err)
	}

	rec, env = e.do(t, http.MethodGet, "/api/admin/users?q=BOB&page=1&limit=500", admin.AccessToken, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var page auth.UserPage
	if err := json.Unmarshal(env.Data, &page); err != nil {
		t.Fatalf("decode user page: %v", err)
	}
	if page.Total != 1 || page.Limit != 100 || len(page.Users) != 1 || page.Users[0].Username != "bob" {
		t.Fatalf("unexpected user page %+v", page)
	}

	rec, env = e.do(t, http.MethodGet, "/api/admin/users?page=zero", admin.AccessToken, nil)
	expectError(t, rec, env, http.StatusBadRequest, codeValidation)

	rec, env = e.do(t, http.MethodPatch, "/api/admin/users/"+bob.User.ID+"/role", admin.AccessToken, map[string]string{"role": "admin"})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if ev, ok := e.audit.find("admin.set_role", audit.OutcomeSuccess); !ok || ev.Target != bob.User.ID {
		t.Fatalf("expected set_role audit event for bob, got %+v", ev)
	}

	rec, env = e.do(t, http.MethodPatch, "/api/admin/users/"+bob.User.ID+"/role", admin.AccessToken, map[string]string{"role": "super_admin"})
	expectError(t, rec, env, http.StatusForbidden, codeForbidden)

	rec, env = e.do(t, http.MethodPatch, "/api/admin/users/"+bob.User.ID+"/role", admin.AccessToken, map[string]string{"role": "owner"})
	expectError(t, rec, env, http.StatusBadRequest, codeValidation)

	rec, env = e.do(t, http.MethodPatch, "/api/admin/users/missing/role", admin.AccessToken, map[string]string{"role": "user"})
	expectError(t, rec, env, http.StatusNotFound, codeUserNotFound)

	rec, env = e.do(t, http.MethodGet, "/api/admin/migrations", admin.AccessToken, nil)
	expectError(t, rec, env, http.StatusForbidden, codeForbidden)

	if err := e.store.UpdateUserRole(ctx, admin.User.ID, auth.RoleSuperAdmin, time.Now()); err != nil {
		t.Fatalf("UpdateUserRole() error: %v", err)
	}
	rec, env = e.do(t, http.MethodGet, "/api/admin/migrations", admin.AccessToken, nil)
	if rec.Code != http.StatusOK || !strings.Contains(string(env.Data), "0001_auth.sql") {
		t.Fatalf("expected migration status, got %d: %s", rec.Code, rec.Body.String())
	}

	// Demotion applies to the very next request, before the access token expires.
	if err := e.store.UpdateUserRole(ctx, admin.User.ID, auth.RoleUser, time.Now()); err != nil {
		t.Fatalf("UpdateUserRole() error: %v", err)
	}
	rec, env = e.do(t, http.MethodGet, "/api/admin/users", admin.AccessToken, nil)
	expectError(t, rec, env, http.StatusForbidden, codeForbidden)
}

func TestMapErrorDefaultsToInternal(t *testing.T) {
	e := mapError(errors.New("disk on fire"))
	if e.status != http.StatusInternalServerError || e.code != codeInternal || strings.Contains(e.message, "disk") {
		t.Fatalf("unexpected mapping %+v", e)
	}
	e = mapError(auth.ErrUsernameExhausted)
	if e.status != http.StatusInternalServerError {
		t.Fatalf("expected username exhaustion to be internal, got %+v", e)
	}
}
