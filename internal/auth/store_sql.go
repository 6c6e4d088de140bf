package auth

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
)

const pgUniqueViolation = "23505"

// SQLStore keeps users and refresh tokens in Postgres or SQLite. The schema
// is owned by internal/migrations; queries are written with '?' and rebound
// for the driver in use.
type SQLStore struct {
	db *sqlx.DB
}

func NewSQLStore(db *sqlx.DB) (*SQLStore, error) {
	if db == nil {
		return nil, fmt.Errorf("database is required")
	}
	return &SQLStore{db: db}, nil
}

type userRow struct {
	ID           string         `db:"id"`
	Email        string         `db:"email"`
	Username     string         `db:"username"`
	PasswordHash string         `db:"password_hash"`
	FirstName    string         `db:"first_name"`
	LastName     string         `db:"last_name"`
	BirthDate    sql.NullString `db:"birth_date"`
	Provider     string         `db:"auth_provider"`
	Role         string         `db:"role"`
	CreatedAt    int64          `db:"created_at"`
	UpdatedAt    int64          `db:"updated_at"`
}

func (r userRow) toUser() User {
	return User{
		ID:           r.ID,
		Email:        r.Email,
		Username:     r.Username,
		PasswordHash: r.PasswordHash,
		FirstName:    r.FirstName,
		LastName:     r.LastName,
		BirthDate:    r.BirthDate.String,
		Provider:     Provider(r.Provider),
		Role:         Role(r.Role),
		CreatedAt:    time.Unix(r.CreatedAt, 0).UTC(),
		UpdatedAt:    time.Unix(r.UpdatedAt, 0).UTC(),
	}
}

type refreshTokenRow struct {
	ID        string `db:"id"`
	UserID    string `db:"user_id"`
	TokenHash string `db:"token_hash"`
	ExpiresAt int64  `db:"expires_at"`
	CreatedAt int64  `db:"created_at"`
}

func (r refreshTokenRow) toRefreshToken() RefreshToken {
	return RefreshToken{
		ID:        r.ID,
		UserID:    r.UserID,
		TokenHash: r.TokenHash,
		ExpiresAt: time.Unix(r.ExpiresAt, 0).UTC(),
		CreatedAt: time.Unix(r.CreatedAt, 0).UTC(),
	}
}

const userColumns = `id, email, username, password_hash, first_name, last_name, birth_date, auth_provider, role, created_at, updated_at`

func (s *SQLStore) CreateUser(ctx context.Context, u User) error {
	if u.ID == "" || u.Email == "" || u.Username == "" {
		return fmt.Errorf("id, email, and username are required")
	}
	var birthDate sql.NullString
	if u.BirthDate != "" {
		birthDate = sql.NullString{String: u.BirthDate, Valid: true}
	}
	q := s.db.Rebind(`
INSERT INTO users (` + userColumns + `)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	_, err := s.db.ExecContext(ctx, q,
		u.ID, u.Email, u.Username, u.PasswordHash, u.FirstName, u.LastName, birthDate,
		string(u.Provider), string(u.Role), u.CreatedAt.Unix(), u.UpdatedAt.Unix(),
	)
	if err != nil {
		if dup := classifyUniqueViolation(err); dup != nil {
			return dup
		}
		return fmt.Errorf("insert user: %w", err)
	}
	return nil
}

// classifyUniqueViolation maps a duplicate email or username from either
// driver onto the matching sentinel. Other errors yield nil.
func classifyUniqueViolation(err error) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		if pqErr.Code != pgUniqueViolation {
			return nil
		}
		if pqErr.Constraint != "" {
			return uniqueTarget(pqErr.Constraint)
		}
		return uniqueTarget(pqErr.Detail)
	}
	msg := err.Error()
	if strings.Contains(msg, "UNIQUE constraint failed") {
		return uniqueTarget(msg)
	}
	return nil
}

func uniqueTarget(detail string) error {
	switch {
	case strings.Contains(detail, "email"):
		return ErrEmailTaken
	case strings.Contains(detail, "username"):
		return ErrUsernameTaken
	}
	return nil
}

func (s *SQLStore) GetUserByID(ctx context.Context, id string) (User, error) {
	return s.getUser(ctx, "id", id)
}

func (s *SQLStore) GetUserByEmail(ctx context.Context, email string) (User, error) {
	return s.getUser(ctx, "email", email)
}

func (s *SQLStore) GetUserByUsername(ctx context.Context, username string) (User, error) {
	return s.getUser(ctx, "username", username)
}

func (s *SQLStore) getUser(ctx context.Context, column, value string) (User, error) {
	if strings.TrimSpace(value) == "" {
		return User{}, ErrUserNotFound
	}
	var row userRow
	q := s.db.Rebind(`SELECT ` + userColumns + ` FROM users WHERE ` + column + ` = ?`)
	if err := s.db.GetContext(ctx, &row, q, value); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return User{}, ErrUserNotFound
		}
		return User{}, fmt.Errorf("query user by %s: %w", column, err)
	}
	return row.toUser(), nil
}

func (s *SQLStore) UpdateUserRole(ctx context.Context, id string, role Role, updatedAt time.Time) error {
	q := s.db.Rebind(`UPDATE users SET role = ?, updated_at = ? WHERE id = ?`)
	res, err := s.db.ExecContext(ctx, q, string(role), updatedAt.Unix(), id)
	if err != nil {
		return fmt.Errorf("update user role: %w", err)
	}
	return expectOneRow(res)
}

// DeleteUser removes the user's refresh tokens explicitly in the same
// transaction so SQLite connections without foreign keys enabled behave
// like Postgres.
func (s *SQLStore) DeleteUser(ctx context.Context, id string) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, tx.Rebind(`DELETE FROM refresh_tokens WHERE user_id = ?`), id); err != nil {
		return fmt.Errorf("delete user refresh tokens: %w", err)
	}
	res, err := tx.ExecContext(ctx, tx.Rebind(`DELETE FROM users WHERE id = ?`), id)
	if err != nil {
		return fmt.Errorf("delete user: %w", err)
	}
	if err := expectOneRow(res); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

func expectOneRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return ErrUserNotFound
	}
	return nil
}

func (s *SQLStore) ListUsers(ctx context.Context, q UserQuery) ([]User, int, error) {
	where := ""
	args := []interface{}{}
	if needle := strings.ToLower(strings.TrimSpace(q.Search)); needle != "" {
		pattern := "%" + needle + "%"
		where = ` WHERE LOWER(first_name) LIKE ? OR LOWER(last_name) LIKE ? OR LOWER(email) LIKE ? OR LOWER(username) LIKE ?`
		args = append(args, pattern, pattern, pattern, pattern)
	}

	var total int
	if err := s.db.GetContext(ctx, &total, s.db.Rebind(`SELECT COUNT(*) FROM users`+where), args...); err != nil {
		return nil, 0, fmt.Errorf("count users: %w", err)
	}

	var rows []userRow
	list := s.db.Rebind(`SELECT ` + userColumns + ` FROM users` + where + ` ORDER BY created_at DESC, id LIMIT ? OFFSET ?`)
	args = append(args, q.Limit, (q.Page-1)*q.Limit)
	if err := s.db.SelectContext(ctx, &rows, list, args...); err != nil {
		return nil, 0, fmt.Errorf("list users: %w", err)
	}

	out := make([]User, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toUser())
	}
	return out, total, nil
}

func (s *SQLStore) CountUsers(ctx context.Context) (int, error) {
	var n int
	if err := s.db.GetContext(ctx, &n, `SELECT COUNT(*) FROM users`); err != nil {
		return 0, fmt.Errorf("count users: %w", err)
	}
	return n, nil
}

func (s *SQLStore) SaveRefreshToken(ctx context.Context, t RefreshToken) error {
	q := s.db.Rebind(`
INSERT INTO refresh_tokens (id, user_id, token_hash, expires_at, created_at)
VALUES (?, ?, ?, ?, ?)`)
	if _, err := s.db.ExecContext(ctx, q, t.ID, t.UserID, t.TokenHash, t.ExpiresAt.Unix(), t.CreatedAt.Unix()); err != nil {
		return fmt.Errorf("insert refresh token: %w", err)
	}
	return nil
}

// ConsumeRefreshToken deletes and returns a live token in one statement, so
// two callers racing on the same hash cannot both observe it.
func (s *SQLStore) ConsumeRefreshToken(ctx context.Context, tokenHash string, now time.Time) (RefreshToken, error) {
	var row refreshTokenRow
	q := s.db.Rebind(`
DELETE FROM refresh_tokens
WHERE token_hash = ? AND expires_at > ?
RETURNING id, user_id, token_hash, expires_at, created_at`)
	if err := s.db.GetContext(ctx, &row, q, tokenHash, now.Unix()); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return RefreshToken{}, ErrRefreshTokenNotFound
		}
		return RefreshToken{}, fmt.Errorf("consume refresh token: %w", err)
	}
	return row.toRefreshToken(), nil
}

func (s *SQLStore) DeleteUserRefreshTokens(ctx context.Context, userID string) error {
	if _, err := s.db.ExecContext(ctx, s.db.Rebind(`DELETE FROM refresh_tokens WHERE user_id = ?`), userID); err != nil {
		return fmt.Errorf("delete user refresh tokens: %w", err)
	}
	return nil
}

func (s *SQLStore) DeleteExpiredRefreshTokens(ctx context.Context, userID string, now time.Time) (int64, error) {
	q := s.db.Rebind(`DELETE FROM refresh_tokens WHERE user_id = ? AND expires_at <= ?`)
	res, err := s.db.ExecContext(ctx, q, userID, now.Unix())
	if err != nil {
		return 0, fmt.Errorf("delete expired refresh tokens: %w", err)
	}
	return res.RowsAffected()
}

func (s *SQLStore) PurgeExpiredRefreshTokens(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, s.db.Rebind(`DELETE FROM refresh_tokens WHERE expires_at <= ?`), now.Unix())
	if err != nil {
		return 0, fmt.Errorf("purge expired refresh tokens: %w", err)
	}
	return res.RowsAffected()
}
