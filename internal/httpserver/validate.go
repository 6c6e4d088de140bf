package httpserver

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"

	"raceup/authsvc/internal/auth"
)

const maxBodyBytes = 1 << 20

var (
	emailPattern    = regexp.MustCompile(`^[^\s@]+@[^\s@]+\.[^\s@]+$`)
	usernamePattern = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)
)

type validationError struct {
	Field   string
	Message string
}

func (e *validationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return e.Field + ": " + e.Message
}

func invalid(field, format string, args ...any) error {
	return &validationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

// decodeJSON reads a bounded JSON body into dst. Unknown fields are ignored.
func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return &validationError{Message: "request body is required"}
		}
		return &validationError{Message: "invalid request body"}
	}
	return nil
}

type registerRequest struct {
	Email     string `json:"email"`
	Password  string `json:"password"`
	Username  string `json:"username"`
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
	BirthDate string `json:"birth_date"`
}

func (req *registerRequest) validate() error {
	var err error
	if req.Email, err = validEmail(req.Email); err != nil {
		return err
	}
	if err := validPassword(req.Password); err != nil {
		return err
	}
	if err := validUsername(req.Username); err != nil {
		return err
	}
	if err := validName("first_name", req.FirstName); err != nil {
		return err
	}
	return validName("last_name", req.LastName)
}

func (req *registerRequest) input() auth.RegisterInput {
	return auth.RegisterInput{
		Email:     req.Email,
		Password:  req.Password,
		Username:  req.Username,
		FirstName: req.FirstName,
		LastName:  req.LastName,
		BirthDate: strings.TrimSpace(req.BirthDate),
	}
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

func (req *loginRequest) validate() error {
	var err error
	if req.Email, err = validEmail(req.Email); err != nil {
		return err
	}
	if req.Password == "" {
		return invalid("password", "is required")
	}
	return nil
}

type googleRequest struct {
	AccessToken string `json:"access_token"`
}

func (req *googleRequest) validate() error {
	if strings.TrimSpace(req.AccessToken) == "" {
		return invalid("access_token", "is required")
	}
	return nil
}

type appleRequest struct {
	IDToken   string `json:"id_token"`
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
}

func (req *appleRequest) validate() error {
	if strings.TrimSpace(req.IDToken) == "" {
		return invalid("id_token", "is required")
	}
	if utf8.RuneCountInString(req.FirstName) > maxNameLen {
		return invalid("first_name", "must be at most %d characters", maxNameLen)
	}
	if utf8.RuneCountInString(req.LastName) > maxNameLen {
		return invalid("last_name", "must be at most %d characters", maxNameLen)
	}
	return nil
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

func (req *refreshRequest) validate() error {
	if req.RefreshToken == "" {
		return invalid("refresh_token", "is required")
	}
	return nil
}

type deleteAccountRequest struct {
	Password string `json:"password"`
}

func (req *deleteAccountRequest) validate() error {
	if req.Password == "" {
		return invalid("password", "is required to confirm deletion")
	}
	return nil
}

type setRoleRequest struct {
	Role auth.Role `json:"role"`
}

func (req *setRoleRequest) validate() error {
	if !req.Role.Valid() {
		return invalid("role", "must be one of user, admin, super_admin")
	}
	return nil
}

const (
	minPasswordLen = 8
	maxPasswordLen = 128
	minUsernameLen = 3
	maxUsernameLen = 30
	maxNameLen     = 50
)

func validEmail(raw string) (string, error) {
	email := strings.ToLower(strings.TrimSpace(raw))
	if !emailPattern.MatchString(email) {
		return "", invalid("email", "is not a valid email address")
	}
	return email, nil
}

func validPassword(p string) error {
	n := utf8.RuneCountInString(p)
	if n < minPasswordLen {
		return invalid("password", "must be at least %d characters", minPasswordLen)
	}
	if n > maxPasswordLen {
		return invalid("password", "must be at most %d characters", maxPasswordLen)
	}
	var upper, lower, digit bool
	for _, r := range p {
		switch {
		case r >= 'A' && r <= 'Z':
			upper = true
		case r >= 'a' && r <= 'z':
			lower = true
		case unicode.IsDigit(r) && r < utf8.RuneSelf:
			digit = true
		}
	}
	switch {
	case !upper:
		return invalid("password", "must contain an uppercase letter")
	case !lower:
		return invalid("password", "must contain a lowercase letter")
	case !digit:
		return invalid("password", "must contain a digit")
	}
	return nil
}

func validUsername(u string) error {
	n := len(u)
	if n < minUsernameLen || n > maxUsernameLen {
		return invalid("username", "must be %d to %d characters", minUsernameLen, maxUsernameLen)
	}
	if !usernamePattern.MatchString(u) {
		return invalid("username", "may only contain letters, digits, '-' and '_'")
	}
	return nil
}

func validName(field, v string) error {
	n := utf8.RuneCountInString(v)
	if n < 1 {
		return invalid(field, "is required")
	}
	if n > maxNameLen {
		return invalid(field, "must be at most %d characters", maxNameLen)
	}
	return nil
}
