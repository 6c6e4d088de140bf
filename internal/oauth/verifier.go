// Package oauth verifies third-party sign-in assertions and turns them into
// an Identity the auth service can resolve to a local account.
//
// Verification fails closed: any transport error, unexpected status, bad
// signature or missing claim is reported as a *VerificationError and no
// partial identity is returned.
package oauth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"
)

type Provider string

const (
	ProviderGoogle Provider = "google"
	ProviderApple  Provider = "apple"
)

const DefaultHTTPTimeout = 5 * time.Second

var ErrVerificationFailed = errors.New("oauth verification failed")

// Identity is the verified result of a provider assertion.
type Identity struct {
	Provider      Provider
	Subject       string
	Email         string
	EmailVerified bool
	FirstName     string
	LastName      string
}

type Verifier interface {
	Provider() Provider
	Verify(ctx context.Context, assertion string) (Identity, error)
}

type VerificationError struct {
	Provider Provider
	Reason   string
	Err      error
}

func (e *VerificationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Provider, e.Reason, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Provider, e.Reason)
}

func (e *VerificationError) Is(target error) bool {
	return target == ErrVerificationFailed
}

func (e *VerificationError) Unwrap() error {
	return e.Err
}

func reject(p Provider, reason string, err error) error {
	return &VerificationError{Provider: p, Reason: reason, Err: err}
}

// NewHTTPClient returns a client whose requests are bounded by timeout.
func NewHTTPClient(timeout time.Duration) *http.Client {
	if timeout <= 0 {
		timeout = DefaultHTTPTimeout
	}
	return &http.Client{Timeout: timeout}
}
