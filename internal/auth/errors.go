package auth

import (
	"errors"
	"fmt"
)

var (
	ErrEmailTaken          = errors.New("email already registered")
	ErrUsernameTaken       = errors.New("username already taken")
	ErrInvalidCredentials  = errors.New("invalid credentials")
	ErrInvalidPassword     = errors.New("invalid password")
	ErrInvalidToken        = errors.New("invalid token")
	ErrInvalidRefreshToken = errors.New("invalid refresh token")
	ErrUserNotFound        = errors.New("user not found")
	ErrForbidden           = errors.New("forbidden")
	ErrInvalidRole         = errors.New("invalid role")
	ErrOAuthAccount        = errors.New("account uses social sign-in")
	ErrOAuthVerification   = errors.New("oauth verification failed")
	ErrProviderDisabled    = errors.New("oauth provider not configured")
	ErrLoginRateLimited    = errors.New("login rate limited")
	ErrUsernameExhausted   = errors.New("could not allocate a unique username")
)

// OAuthAccountError is returned by Login when the email belongs to an
// account without a password.
type OAuthAccountError struct {
	Provider Provider
}

func (e *OAuthAccountError) Error() string {
	return fmt.Sprintf("account uses %s sign-in", e.Provider)
}

func (e *OAuthAccountError) Is(target error) bool {
	return target == ErrOAuthAccount
}

// OAuthVerificationError tags a rejected provider assertion with the
// provider that rejected it.
type OAuthVerificationError struct {
	Provider Provider
	Err      error
}

func (e *OAuthVerificationError) Error() string {
	return fmt.Sprintf("%s verification failed: %v", e.Provider, e.Err)
}

func (e *OAuthVerificationError) Is(target error) bool {
	return target == ErrOAuthVerification
}

func (e *OAuthVerificationError) Unwrap() error {
	return e.Err
}
