package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/pbkdf2"
)

const (
	DefaultPasswordIterations = 50_000

	saltLength       = 16
	derivedKeyLength = 32
)

// PasswordHasher derives salted PBKDF2-SHA256 hashes stored as
// "salt_hex:key_hex".
type PasswordHasher struct {
	rand       io.Reader
	iterations int
}

func NewPasswordHasher(random io.Reader, iterations int) *PasswordHasher {
	if random == nil {
		random = rand.Reader
	}
	if iterations <= 0 {
		iterations = DefaultPasswordIterations
	}
	return &PasswordHasher{rand: random, iterations: iterations}
}

func (h *PasswordHasher) Hash(password string) (string, error) {
	salt := make([]byte, saltLength)
	if _, err := io.ReadFull(h.rand, salt); err != nil {
		return "", fmt.Errorf("generate salt: %w", err)
	}
	key := h.derive(password, salt)
	return hex.EncodeToString(salt) + ":" + hex.EncodeToString(key), nil
}

// Verify fails closed on any malformed stored value.
func (h *PasswordHasher) Verify(password, stored string) bool {
	saltHex, keyHex, ok := strings.Cut(stored, ":")
	if !ok || saltHex == "" || keyHex == "" {
		return false
	}
	salt, err := hex.DecodeString(saltHex)
	if err != nil {
		return false
	}
	expected, err := hex.DecodeString(keyHex)
	if err != nil {
		return false
	}
	return constantTimeEqual(expected, h.derive(password, salt))
}

func (h *PasswordHasher) derive(password string, salt []byte) []byte {
	return pbkdf2.Key([]byte(password), salt, h.iterations, derivedKeyLength, sha256.New)
}

// constantTimeEqual touches every byte regardless of where the first
// mismatch is.
func constantTimeEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	var diff byte
	for i := range a {
		diff |= a[i] ^ b[i]
	}
	return diff == 0
}
