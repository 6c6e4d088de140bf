package httpserver

import (
	"encoding/json"
	"errors"
	"net/http"

	"raceup/authsvc/internal/auth"
)

const (
	codeValidation          = "VALIDATION_ERROR"
	codeEmailExists         = "EMAIL_ALREADY_EXISTS"
	codeUsernameExists      = "USERNAME_ALREADY_EXISTS"
	codeInvalidCredentials  = "INVALID_CREDENTIALS"
	codeOAuthAccount        = "OAUTH_ACCOUNT"
	codeGoogleAuthFailed    = "GOOGLE_AUTH_FAILED"
	codeAppleAuthFailed     = "APPLE_AUTH_FAILED"
	codeProviderDisabled    = "PROVIDER_DISABLED"
	codeUnauthorized        = "UNAUTHORIZED"
	codeInvalidRefreshToken = "INVALID_REFRESH_TOKEN"
	codeInvalidPassword     = "INVALID_PASSWORD"
	codeUserNotFound        = "USER_NOT_FOUND"
	codeForbidden           = "FORBIDDEN"
	codeTooManyAttempts     = "TOO_MANY_ATTEMPTS"
	codeNotFound            = "NOT_FOUND"
	codeMethodNotAllowed    = "METHOD_NOT_ALLOWED"
	codeUnavailable         = "SERVICE_UNAVAILABLE"
	codeInternal            = "INTERNAL_ERROR"
)

type apiError struct {
	status  int
	code    string
	message string
}

// mapError translates service errors to the response the client sees.
// Anything unrecognized becomes an opaque 500.
func mapError(err error) apiError {
	var oauthErr *auth.OAuthAccountError
	var verifyErr *auth.OAuthVerificationError
	var verr *validationError

	switch {
	case errors.As(err, &verr):
		return apiError{http.StatusBadRequest, codeValidation, verr.Error()}
	case errors.Is(err, auth.ErrEmailTaken):
		return apiError{http.StatusConflict, codeEmailExists, "an account with this email already exists"}
	case errors.Is(err, auth.ErrUsernameTaken):
		return apiError{http.StatusConflict, codeUsernameExists, "this username is already taken"}
	case errors.Is(err, auth.ErrInvalidCredentials):
		return apiError{http.StatusUnauthorized, codeInvalidCredentials, "incorrect email or password"}
	case errors.As(err, &oauthErr):
		return apiError{http.StatusBadRequest, codeOAuthAccount, "this account uses " + providerLabel(oauthErr.Provider) + " sign-in"}
	case errors.As(err, &verifyErr):
		if verifyErr.Provider == auth.ProviderApple {
			return apiError{http.StatusUnauthorized, codeAppleAuthFailed, "Apple verification failed"}
		}
		return apiError{http.StatusUnauthorized, codeGoogleAuthFailed, "Google verification failed"}
	case errors.Is(err, auth.ErrProviderDisabled):
		return apiError{http.StatusBadRequest, codeProviderDisabled, "this sign-in provider is not enabled"}
	case errors.Is(err, auth.ErrInvalidToken):
		return apiError{http.StatusUnauthorized, codeUnauthorized, "invalid or expired token"}
	case errors.Is(err, auth.ErrInvalidRefreshToken):
		return apiError{http.StatusUnauthorized, codeInvalidRefreshToken, "invalid or expired refresh token"}
	case errors.Is(err, auth.ErrInvalidPassword):
		return apiError{http.StatusUnauthorized, codeInvalidPassword, "incorrect password"}
	case errors.Is(err, auth.ErrUserNotFound):
		return apiError{http.StatusNotFound, codeUserNotFound, "user not found"}
	case errors.Is(err, auth.ErrForbidden):
		return apiError{http.StatusForbidden, codeForbidden, "administrator access required"}
	case errors.Is(err, auth.ErrInvalidRole):
		return apiError{http.StatusBadRequest, codeValidation, "role must be one of user, admin, super_admin"}
	case errors.Is(err, auth.ErrLoginRateLimited):
		return apiError{http.StatusTooManyRequests, codeTooManyAttempts, "too many login attempts, try again later"}
	}
	return apiError{http.StatusInternalServerError, codeInternal, "internal server error"}
}

func providerLabel(p auth.Provider) string {
	switch p {
	case auth.ProviderGoogle:
		return "Google"
	case auth.ProviderApple:
		return "Apple"
	}
	return "social"
}

type envelope struct {
	Success bool       `json:"success"`
	Data    any        `json:"data,omitempty"`
	Error   *errorBody `json:"error,omitempty"`
}

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeData(w http.ResponseWriter, status int, data any) {
	writeJSON(w, status, envelope{Success: true, Data: data})
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, envelope{Error: &errorBody{Code: code, Message: message}})
}

func writeAPIError(w http.ResponseWriter, e apiError) {
	writeError(w, e.status, e.code, e.message)
}
