package auth

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"
)

var ErrRefreshTokenNotFound = errors.New("refresh token not found")

// Store persists users and refresh tokens. CreateUser must report
// duplicates with ErrEmailTaken or ErrUsernameTaken, and
// ConsumeRefreshToken must remove the row and return it in one step.
type Store interface {
	CreateUser(ctx context.Context, u User) error
	GetUserByID(ctx context.Context, id string) (User, error)
	GetUserByEmail(ctx context.Context, email string) (User, error)
	GetUserByUsername(ctx context.Context, username string) (User, error)
	UpdateUserRole(ctx context.Context, id string, role Role, updatedAt time.Time) error
	DeleteUser(ctx context.Context, id string) error
	ListUsers(ctx context.Context, q UserQuery) ([]User, int, error)
	CountUsers(ctx context.Context) (int, error)

	SaveRefreshToken(ctx context.Context, t RefreshToken) error
	ConsumeRefreshToken(ctx context.Context, tokenHash string, now time.Time) (RefreshToken, error)
	DeleteUserRefreshTokens(ctx context.Context, userID string) error
	DeleteExpiredRefreshTokens(ctx context.Context, userID string, now time.Time) (int64, error)
	PurgeExpiredRefreshTokens(ctx context.Context, now time.Time) (int64, error)
}

type InMemoryStore struct {
	mu     sync.RWMutex
	users  map[string]User
	tokens map[string]RefreshToken
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		users:  make(map[string]User),
		tokens: make(map[string]RefreshToken),
	}
}

func (s *InMemoryStore) CreateUser(_ context.Context, u User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.users {
		if existing.Email == u.Email {
			return ErrEmailTaken
		}
		if existing.Username == u.Username {
			return ErrUsernameTaken
		}
	}
	s.users[u.ID] = u
	return nil
}

func (s *InMemoryStore) GetUserByID(_ context.Context, id string) (User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[id]
	if !ok {
		return User{}, ErrUserNotFound
	}
	return u, nil
}

func (s *InMemoryStore) GetUserByEmail(_ context.Context, email string) (User, error) {
	return s.findUser(func(u User) bool { return u.Email == email })
}

func (s *InMemoryStore) GetUserByUsername(_ context.Context, username string) (User, error) {
	return s.findUser(func(u User) bool { return u.Username == username })
}

func (s *InMemoryStore) findUser(match func(User) bool) (User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, u := range s.users {
		if match(u) {
			return u, nil
		}
	}
	return User{}, ErrUserNotFound
}

func (s *InMemoryStore) UpdateUserRole(_ context.Context, id string, role Role, updatedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	if !ok {
		return ErrUserNotFound
	}
	u.Role = role
	u.UpdatedAt = updatedAt
	s.users[id] = u
	return nil
}

func (s *InMemoryStore) DeleteUser(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.users[id]; !ok {
		return ErrUserNotFound
	}
	delete(s.users, id)
	for hash, t := range s.tokens {
		if t.UserID == id {
			delete(s.tokens, hash)
		}
	}
	return nil
}

func (s *InMemoryStore) ListUsers(_ context.Context, q UserQuery) ([]User, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	needle := strings.ToLower(strings.TrimSpace(q.Search))
	matched := make([]User, 0, len(s.users))
	for _, u := range s.users {
		if needle != "" && !userMatches(u, needle) {
			continue
		}
		matched = append(matched, u)
	}
	sort.Slice(matched, func(i, j int) bool {
		return matched[i].CreatedAt.After(matched[j].CreatedAt)
	})

	total := len(matched)
	offset := (q.Page - 1) * q.Limit
	if offset >= total {
		return []User{}, total, nil
	}
	end := offset + q.Limit
	if end > total {
		end = total
	}
	return matched[offset:end], total, nil
}

func userMatches(u User, needle string) bool {
	for _, field := range []string{u.FirstName, u.LastName, u.Email, u.Username} {
		if strings.Contains(strings.ToLower(field), needle) {
			return true
		}
	}
	return false
}

func (s *InMemoryStore) CountUsers(_ context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.users), nil
}

func (s *InMemoryStore) SaveRefreshToken(_ context.Context, t RefreshToken) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tokens[t.TokenHash] = t
	return nil
}

func (s *InMemoryStore) ConsumeRefreshToken(_ context.Context, tokenHash string, now time.Time) (RefreshToken, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tokens[tokenHash]
	if !ok || !t.ExpiresAt.After(now) {
		return RefreshToken{}, ErrRefreshTokenNotFound
	}
	delete(s.tokens, tokenHash)
	return t, nil
}

func (s *InMemoryStore) DeleteUserRefreshTokens(_ context.Context, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for hash, t := range s.tokens {
		if t.UserID == userID {
			delete(s.tokens, hash)
		}
	}
	return nil
}

func (s *InMemoryStore) DeleteExpiredRefreshTokens(_ context.Context, userID string, now time.Time) (int64, error) {
	return s.purge(func(t RefreshToken) bool { return t.UserID == userID && !t.ExpiresAt.After(now) }), nil
}

func (s *InMemoryStore) PurgeExpiredRefreshTokens(_ context.Context, now time.Time) (int64, error) {
	return s.purge(func(t RefreshToken) bool { return !t.ExpiresAt.After(now) }), nil
}

func (s *InMemoryStore) purge(match func(RefreshToken) bool) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for hash, t := range s.tokens {
		if match(t) {
			delete(s.tokens, hash)
			n++
		}
	}
	return n
}

// RefreshTokenCount reports how many refresh tokens a user holds, expired
// ones included.
func (s *InMemoryStore) RefreshTokenCount(userID string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, t := range s.tokens {
		if t.UserID == userID {
			n++
		}
	}
	return n
}
