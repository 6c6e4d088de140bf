package httpserver

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"raceup/authsvc/internal/auth"
	"raceup/authsvc/internal/oauth"
)

type sessionResponse struct {
	User             auth.User `json:"user"`
	AccessToken      string    `json:"access_token"`
	RefreshToken     string    `json:"refresh_token"`
	AccessExpiresAt  string    `json:"access_expires_at"`
	RefreshExpiresAt string    `json:"refresh_expires_at"`
}

func newSessionResponse(s auth.Session) sessionResponse {
	return sessionResponse{
		User:             s.User,
		AccessToken:      s.AccessToken,
		RefreshToken:     s.RefreshToken,
		AccessExpiresAt:  s.AccessExpiresAt.UTC().Format(time.RFC3339),
		RefreshExpiresAt: s.RefreshExpiresAt.UTC().Format(time.RFC3339),
	}
}

type messageResponse struct {
	Message string `json:"message"`
}

func (h *handlers) health(w http.ResponseWriter, _ *http.Request) {
	writeData(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *handlers) ready(w http.ResponseWriter, r *http.Request) {
	if h.Ready != nil {
		if err := h.Ready(r.Context()); err != nil {
			h.log.Warn("readiness check failed", "error", err)
			writeError(w, http.StatusServiceUnavailable, codeUnavailable, "not ready")
			return
		}
	}
	writeData(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (h *handlers) register(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := decodeJSON(w, r, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	if err := req.validate(); err != nil {
		h.fail(w, r, err)
		return
	}

	session, err := h.Auth.Register(r.Context(), req.input())
	if err != nil {
		h.record(r, "auth.register", req.Email, "", err)
		h.fail(w, r, err)
		return
	}
	h.record(r, "auth.register", session.User.ID, "", nil)
	writeData(w, http.StatusCreated, newSessionResponse(session))
}

func (h *handlers) login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := decodeJSON(w, r, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	if err := req.validate(); err != nil {
		h.fail(w, r, err)
		return
	}

	session, err := h.Auth.Login(r.Context(), req.Email, req.Password, clientIP(r))
	if err != nil {
		h.record(r, "auth.login", req.Email, "", err)
		h.fail(w, r, err)
		return
	}
	h.record(r, "auth.login", session.User.ID, "", nil)
	writeData(w, http.StatusOK, newSessionResponse(session))
}

func (h *handlers) google(w http.ResponseWriter, r *http.Request) {
	var req googleRequest
	if err := decodeJSON(w, r, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	if err := req.validate(); err != nil {
		h.fail(w, r, err)
		return
	}
	h.oauthLogin(w, r, oauth.ProviderGoogle, auth.OAuthInput{Assertion: req.AccessToken})
}

// apple forwards the optional names because Apple only sends them on the
// first authorization.
func (h *handlers) apple(w http.ResponseWriter, r *http.Request) {
	var req appleRequest
	if err := decodeJSON(w, r, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	if err := req.validate(); err != nil {
		h.fail(w, r, err)
		return
	}
	h.oauthLogin(w, r, oauth.ProviderApple, auth.OAuthInput{
		Assertion: req.IDToken,
		FirstName: strings.TrimSpace(req.FirstName),
		LastName:  strings.TrimSpace(req.LastName),
	})
}

func (h *handlers) oauthLogin(w http.ResponseWriter, r *http.Request, provider oauth.Provider, in auth.OAuthInput) {
	action := "auth.oauth." + string(provider)
	session, err := h.Auth.LoginWithOAuth(r.Context(), provider, in)
	if err != nil {
		h.record(r, action, "", "", err)
		h.fail(w, r, err)
		return
	}
	h.record(r, action, session.User.ID, "", nil)
	writeData(w, http.StatusOK, newSessionResponse(session))
}

func (h *handlers) refresh(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if err := decodeJSON(w, r, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	if err := req.validate(); err != nil {
		h.fail(w, r, err)
		return
	}

	session, err := h.Auth.Refresh(r.Context(), req.RefreshToken)
	if err != nil {
		h.record(r, "auth.refresh", "", "", err)
		if errors.Is(err, auth.ErrUserNotFound) {
			// The token was valid but its owner is gone; the client must sign in again.
			writeError(w, http.StatusUnauthorized, codeUserNotFound, "user not found")
			return
		}
		h.fail(w, r, err)
		return
	}
	h.record(r, "auth.refresh", session.User.ID, "", nil)
	writeData(w, http.StatusOK, newSessionResponse(session))
}

func (h *handlers) me(w http.ResponseWriter, r *http.Request) {
	u, err := h.Auth.CurrentUser(r.Context(), claimsFromContext(r.Context()).UserID())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeData(w, http.StatusOK, map[string]any{"user": u})
}

func (h *handlers) logout(w http.ResponseWriter, r *http.Request) {
	userID := claimsFromContext(r.Context()).UserID()
	err := h.Auth.Logout(r.Context(), userID)
	h.record(r, "auth.logout", userID, "", err)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeData(w, http.StatusOK, messageResponse{Message: "logged out"})
}

func (h *handlers) deleteAccount(w http.ResponseWriter, r *http.Request) {
	var req deleteAccountRequest
	if err := decodeJSON(w, r, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	if err := req.validate(); err != nil {
		h.fail(w, r, err)
		return
	}

	userID := claimsFromContext(r.Context()).UserID()
	err := h.Auth.DeleteAccount(r.Context(), userID, req.Password)
	h.record(r, "auth.delete_account", userID, userID, err)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeData(w, http.StatusOK, messageResponse{Message: "account deleted"})
}

func (h *handlers) listUsers(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	page, err := queryInt(q.Get("page"), 1)
	if err != nil {
		h.fail(w, r, invalid("page", "must be a positive integer"))
		return
	}
	limit, err := queryInt(q.Get("limit"), 0)
	if err != nil {
		h.fail(w, r, invalid("limit", "must be a positive integer"))
		return
	}

	result, err := h.Auth.ListUsers(r.Context(), auth.UserQuery{
		Search: strings.TrimSpace(q.Get("q")),
		Page:   page,
		Limit:  limit,
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeData(w, http.StatusOK, result)
}

func queryInt(raw string, fallback int) (int, error) {
	if raw == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 {
		return 0, errors.New("not a positive integer")
	}
	return n, nil
}

func (h *handlers) setRole(w http.ResponseWriter, r *http.Request) {
	targetID := chi.URLParam(r, "id")
	var req setRoleRequest
	if err := decodeJSON(w, r, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	if err := req.validate(); err != nil {
		h.fail(w, r, err)
		return
	}

	actor := adminFromContext(r.Context())
	u, err := h.Auth.SetRole(r.Context(), actor.ID, targetID, req.Role)
	h.record(r, "admin.set_role", actor.ID, targetID, err)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeData(w, http.StatusOK, map[string]any{"user": u})
}

// migrationStatus is limited to super_admin.
func (h *handlers) migrationStatus(w http.ResponseWriter, r *http.Request) {
	if adminFromContext(r.Context()).Role != auth.RoleSuperAdmin {
		h.fail(w, r, auth.ErrForbidden)
		return
	}
	if h.Migrations == nil {
		writeError(w, http.StatusServiceUnavailable, codeUnavailable, "migration service unavailable")
		return
	}
	status, err := h.Migrations.Status(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeData(w, http.StatusOK, map[string]any{"items": status})
}
