package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const refreshSecretBytes = 64

// AccessClaims is the claim set carried by access tokens.
type AccessClaims struct {
	Email    string `json:"email"`
	Username string `json:"username"`
	jwt.RegisteredClaims
}

func (c AccessClaims) UserID() string {
	return c.Subject
}

// TokenCodec issues stateless HS256 access tokens and opaque refresh
// secrets. It keeps no server-side record of what it issues.
type TokenCodec struct {
	secret    []byte
	accessTTL time.Duration
	now       func() time.Time
	rand      io.Reader
}

func NewTokenCodec(secret []byte, accessTTL time.Duration, now func() time.Time, random io.Reader) (*TokenCodec, error) {
	if len(secret) == 0 {
		return nil, errors.New("signing secret is required")
	}
	if accessTTL <= 0 {
		return nil, errors.New("access token TTL must be > 0")
	}
	if now == nil {
		now = time.Now
	}
	if random == nil {
		random = rand.Reader
	}
	return &TokenCodec{
		secret:    append([]byte(nil), secret...),
		accessTTL: accessTTL,
		now:       now,
		rand:      random,
	}, nil
}

func (c *TokenCodec) AccessTTL() time.Duration {
	return c.accessTTL
}

// IssueAccessToken signs {sub, email, username, iat, exp} and returns the
// token with its expiry.
func (c *TokenCodec) IssueAccessToken(userID, email, username string) (string, time.Time, error) {
	issuedAt := c.now().Truncate(time.Second)
	expiresAt := issuedAt.Add(c.accessTTL)
	claims := AccessClaims{
		Email:    email,
		Username: username,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(issuedAt),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(c.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign access token: %w", err)
	}
	return signed, expiresAt, nil
}

// VerifyAccessToken rejects bad signatures, malformed tokens and expired
// tokens alike with ErrInvalidToken.
func (c *TokenCodec) VerifyAccessToken(token string) (AccessClaims, error) {
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithStrictDecoding(),
		jwt.WithTimeFunc(c.now),
	)
	var claims AccessClaims
	parsed, err := parser.ParseWithClaims(token, &claims, func(*jwt.Token) (interface{}, error) {
		return c.secret, nil
	})
	if err != nil {
		return AccessClaims{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !parsed.Valid || claims.Subject == "" {
		return AccessClaims{}, ErrInvalidToken
	}
	return claims, nil
}

// NewRefreshSecret returns 64 random bytes as 128 hex characters.
func (c *TokenCodec) NewRefreshSecret() (string, error) {
	b := make([]byte, refreshSecretBytes)
	if _, err := io.ReadFull(c.rand, b); err != nil {
		return "", fmt.Errorf("generate refresh secret: %w", err)
	}
	return hex.EncodeToString(b), nil
}

func HashRefreshSecret(secret string) string {
	sum := sha256.Sum256([]byte(secret))
	return hex.EncodeToString(sum[:])
}
