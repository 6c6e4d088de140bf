package auth

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"regexp"
	"strings"
)

const (
	usernameBaseMax    = 20
	usernameSuffixLen  = 2
	usernameProbeLimit = 10
)

var usernameUnsafe = regexp.MustCompile(`[^a-zA-Z0-9_-]`)

// usernameBase derives the stem of a synthesized username from the email's
// local part.
func usernameBase(email string) string {
	local, _, _ := strings.Cut(email, "@")
	base := usernameUnsafe.ReplaceAllString(local, "_")
	if len(base) > usernameBaseMax {
		base = base[:usernameBaseMax]
	}
	return base
}

func randomUsername(base string, random io.Reader) (string, error) {
	b := make([]byte, usernameSuffixLen)
	if _, err := io.ReadFull(random, b); err != nil {
		return "", fmt.Errorf("generate username suffix: %w", err)
	}
	return base + "_" + hex.EncodeToString(b), nil
}

// nextFreeUsername returns a synthesized username not yet present in the
// store, giving up after usernameProbeLimit candidates.
func (s *Service) nextFreeUsername(ctx context.Context, base string, tried *int) (string, error) {
	for *tried < usernameProbeLimit {
		*tried++
		candidate, err := randomUsername(base, s.rand)
		if err != nil {
			return "", err
		}
		_, err = s.store.GetUserByUsername(ctx, candidate)
		if errors.Is(err, ErrUserNotFound) {
			return candidate, nil
		}
		if err != nil {
			return "", fmt.Errorf("probe username: %w", err)
		}
	}
	return "", ErrUsernameExhausted
}
