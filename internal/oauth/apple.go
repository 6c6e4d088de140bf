package oauth

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const AppleIssuer = "https://appleid.apple.com"

// appleBool accepts both true and "true"; Apple has sent either.
type appleBool bool

func (b *appleBool) UnmarshalJSON(data []byte) error {
	var v interface{}
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	switch t := v.(type) {
	case bool:
		*b = appleBool(t)
	case string:
		*b = appleBool(strings.EqualFold(t, "true"))
	default:
		*b = false
	}
	return nil
}

type appleClaims struct {
	Email         string    `json:"email"`
	EmailVerified appleBool `json:"email_verified"`
	jwt.RegisteredClaims
}

// AppleVerifier checks Apple identity tokens: RS256 against the published
// key set, then issuer, audience, expiry and email.
type AppleVerifier struct {
	clientID string
	keys     KeySource
	now      func() time.Time
}

func NewAppleVerifier(clientID string, keys KeySource, now func() time.Time) *AppleVerifier {
	if now == nil {
		now = time.Now
	}
	return &AppleVerifier{clientID: clientID, keys: keys, now: now}
}

func (v *AppleVerifier) Provider() Provider {
	return ProviderApple
}

func (v *AppleVerifier) Verify(ctx context.Context, idToken string) (Identity, error) {
	if strings.Count(idToken, ".") != 2 {
		return Identity{}, reject(ProviderApple, "malformed token", nil)
	}

	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}),
		jwt.WithIssuer(AppleIssuer),
		jwt.WithAudience(v.clientID),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(v.now),
	)
	var claims appleClaims
	_, err := parser.ParseWithClaims(idToken, &claims, func(t *jwt.Token) (interface{}, error) {
		kid, _ := t.Header["kid"].(string)
		if kid == "" {
			return nil, errors.New("missing kid")
		}
		return v.keys.PublicKey(ctx, kid)
	})
	if err != nil {
		return Identity{}, reject(ProviderApple, "invalid identity token", err)
	}

	// Apple issues a single audience; a list that merely contains ours is
	// not accepted.
	if len(claims.Audience) != 1 || claims.Audience[0] != v.clientID {
		return Identity{}, reject(ProviderApple, "audience mismatch", nil)
	}
	if claims.Email == "" {
		return Identity{}, reject(ProviderApple, "token has no email", nil)
	}

	return Identity{
		Provider:      ProviderApple,
		Subject:       claims.Subject,
		Email:         claims.Email,
		EmailVerified: bool(claims.EmailVerified),
	}, nil
}
