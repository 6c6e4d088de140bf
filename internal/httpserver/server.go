package httpserver

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"raceup/authsvc/internal/audit"
	"raceup/authsvc/internal/auth"
	"raceup/authsvc/internal/config"
	"raceup/authsvc/internal/migrations"
	"raceup/authsvc/internal/oauth"
)

// AuthService is the subset of *auth.Service the handlers drive.
type AuthService interface {
	Register(ctx context.Context, in auth.RegisterInput) (auth.Session, error)
	Login(ctx context.Context, email, password, clientIP string) (auth.Session, error)
	LoginWithOAuth(ctx context.Context, provider oauth.Provider, in auth.OAuthInput) (auth.Session, error)
	Refresh(ctx context.Context, refreshSecret string) (auth.Session, error)
	Logout(ctx context.Context, userID string) error
	DeleteAccount(ctx context.Context, userID, password string) error
	Authenticate(ctx context.Context, accessToken string) (auth.AccessClaims, error)
	CurrentUser(ctx context.Context, userID string) (auth.User, error)
	RequireRole(ctx context.Context, userID string, roles ...auth.Role) (auth.User, error)
	SetRole(ctx context.Context, actorID, targetID string, role auth.Role) (auth.User, error)
	ListUsers(ctx context.Context, q auth.UserQuery) (auth.UserPage, error)
}

type MigrationService interface {
	Status(ctx context.Context) ([]migrations.Status, error)
}

type AuditLogger interface {
	Record(e audit.Event) error
}

type Deps struct {
	Auth       AuthService
	Migrations MigrationService
	Audit      AuditLogger
	Logger     *slog.Logger
	// Ready reports whether backing stores are reachable. Nil means always ready.
	Ready func(ctx context.Context) error
}

type Server struct {
	httpServer *http.Server
}

func New(cfg config.HTTPConfig, deps Deps) *Server {
	return &Server{
		httpServer: &http.Server{
			Addr:         cfg.Addr,
			Handler:      NewHandler(deps),
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
			IdleTimeout:  60 * time.Second,
		},
	}
}

func (s *Server) Start() error {
	return s.httpServer.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

type handlers struct {
	Deps
	log *slog.Logger
}

func NewHandler(deps Deps) http.Handler {
	h := &handlers{Deps: deps, log: deps.Logger}
	if h.log == nil {
		h.log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware, h.loggingMiddleware, middleware.Recoverer)
	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusNotFound, codeNotFound, "route not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, codeMethodNotAllowed, "method not allowed")
	})

	r.Get("/api/health", h.health)
	r.Get("/api/ready", h.ready)

	r.Route("/api/auth", func(r chi.Router) {
		r.Use(h.requireService)
		r.Post("/register", h.register)
		r.Post("/login", h.login)
		r.Post("/google", h.google)
		r.Post("/apple", h.apple)
		r.Post("/refresh", h.refresh)

		r.Group(func(r chi.Router) {
			r.Use(h.requireAuth)
			r.Get("/me", h.me)
			r.Post("/logout", h.logout)
			r.Delete("/account", h.deleteAccount)
		})
	})

	r.Route("/api/admin", func(r chi.Router) {
		r.Use(h.requireService, h.requireAuth, h.requireAdmin)
		r.Get("/users", h.listUsers)
		r.Patch("/users/{id}/role", h.setRole)
		r.Get("/migrations", h.migrationStatus)
	})

	return r
}

func (h *handlers) requireService(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if h.Auth == nil {
			writeError(w, http.StatusServiceUnavailable, codeUnavailable, "auth service unavailable")
			return
		}
		next.ServeHTTP(w, r)
	})
}

type claimsKey struct{}

type adminKey struct{}

// requireAuth verifies the bearer access token and stores its claims on
// the request context.
func (h *handlers) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, err := extractBearerToken(r.Header.Get("Authorization"))
		if err != nil {
			writeError(w, http.StatusUnauthorized, codeUnauthorized, "missing authentication token")
			return
		}
		claims, err := h.Auth.Authenticate(r.Context(), token)
		if err != nil {
			writeError(w, http.StatusUnauthorized, codeUnauthorized, "invalid or expired token")
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), claimsKey{}, claims)))
	})
}

// requireAdmin re-reads the caller so a demotion applies immediately.
func (h *handlers) requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		claims := claimsFromContext(r.Context())
		u, err := h.Auth.RequireRole(r.Context(), claims.UserID(), auth.RoleAdmin, auth.RoleSuperAdmin)
		if err != nil {
			h.fail(w, r, err)
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), adminKey{}, u)))
	})
}

func claimsFromContext(ctx context.Context) auth.AccessClaims {
	c, _ := ctx.Value(claimsKey{}).(auth.AccessClaims)
	return c
}

func adminFromContext(ctx context.Context) auth.User {
	u, _ := ctx.Value(adminKey{}).(auth.User)
	return u
}

func extractBearerToken(authHeader string) (string, error) {
	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") || strings.TrimSpace(parts[1]) == "" {
		return "", fmt.Errorf("invalid authorization header")
	}
	return strings.TrimSpace(parts[1]), nil
}

// fail writes the mapped error response and logs anything that maps to 500.
func (h *handlers) fail(w http.ResponseWriter, r *http.Request, err error) {
	e := mapError(err)
	if e.status == http.StatusInternalServerError {
		h.log.Error("request failed",
			"request_id", requestIDFromContext(r.Context()),
			"method", r.Method,
			"path", r.URL.Path,
			"error", err,
		)
	}
	writeAPIError(w, e)
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(statusCode int) {
	r.status = statusCode
	r.ResponseWriter.WriteHeader(statusCode)
}

func (h *handlers) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		h.log.Info("http request",
			"request_id", requestIDFromContext(r.Context()),
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"duration_ms", time.Since(start).Milliseconds(),
		)
	})
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := strings.TrimSpace(r.Header.Get("X-Request-Id"))
		if reqID == "" {
			reqID = newRequestID()
		}
		w.Header().Set("X-Request-Id", reqID)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), requestIDKey{}, reqID)))
	})
}

type requestIDKey struct{}

func newRequestID() string {
	b := make([]byte, 8)
	if _, err := rand.Read(b); err != nil {
		return fmt.Sprintf("req-%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(b)
}

func requestIDFromContext(ctx context.Context) string {
	s, _ := ctx.Value(requestIDKey{}).(string)
	return s
}

func clientIP(r *http.Request) string {
	if fwd := strings.TrimSpace(r.Header.Get("X-Forwarded-For")); fwd != "" {
		parts := strings.Split(fwd, ",")
		return strings.TrimSpace(parts[0])
	}
	if realIP := strings.TrimSpace(r.Header.Get("X-Real-IP")); realIP != "" {
		return realIP
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err == nil {
		return host
	}
	return r.RemoteAddr
}

// record writes an audit event enriched with request metadata. Audit
// failures are logged and never fail the request.
func (h *handlers) record(r *http.Request, action, actor, target string, err error) {
	if h.Audit == nil {
		return
	}
	e := audit.Event{
		Action:    action,
		Outcome:   audit.OutcomeSuccess,
		Actor:     actor,
		Target:    target,
		RequestID: requestIDFromContext(r.Context()),
		IP:        clientIP(r),
		UserAgent: strings.TrimSpace(r.UserAgent()),
	}
	if err != nil {
		e.Outcome = audit.OutcomeFailed
		e.Detail = mapError(err).code
	}
	if aerr := h.Audit.Record(e); aerr != nil {
		h.log.Warn("audit record failed", "action", action, "error", aerr)
	}
}
