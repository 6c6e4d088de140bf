// Package ratelimit throttles password logins with fixed-window Redis
// counters. Keys:
//
//   - login:u:<email> failed attempts per account
//   - login:ip:<addr> failed attempts per client address
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

var (
	ErrRateLimited      = errors.New("rate limited")
	ErrRedisUnavailable = errors.New("redis unavailable")
)

type Config struct {
	MaxAttempts      int
	Cooldown         time.Duration
	EnableIPThrottle bool
}

type LoginLimiter struct {
	redis  redis.UniversalClient
	config Config
}

func NewLoginLimiter(client redis.UniversalClient, cfg Config) (*LoginLimiter, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	if cfg.MaxAttempts <= 0 {
		return nil, fmt.Errorf("max attempts must be > 0")
	}
	if cfg.Cooldown <= 0 {
		return nil, fmt.Errorf("cooldown must be > 0")
	}
	return &LoginLimiter{redis: client, config: cfg}, nil
}

// Check returns ErrRateLimited once the account or address has used up its
// failure budget for the current window.
func (l *LoginLimiter) Check(ctx context.Context, email, ip string) error {
	for _, key := range l.keys(email, ip) {
		count, err := l.redis.Get(ctx, key).Int64()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			return fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
		}
		if count >= int64(l.config.MaxAttempts) {
			return ErrRateLimited
		}
	}
	return nil
}

func (l *LoginLimiter) RecordFailure(ctx context.Context, email, ip string) error {
	for _, key := range l.keys(email, ip) {
		count, err := l.redis.Incr(ctx, key).Result()
		if err != nil {
			return fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
		}
		// The window starts at the first failure.
		if count == 1 {
			if err := l.redis.Expire(ctx, key, l.config.Cooldown).Err(); err != nil {
				return fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
			}
		}
	}
	return nil
}

// Reset clears the account counter after a successful login. The address
// counter is left to expire so one good login cannot unlock a sprayed IP.
func (l *LoginLimiter) Reset(ctx context.Context, email string) error {
	if err := l.redis.Del(ctx, userKey(email)).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	return nil
}

func (l *LoginLimiter) Attempts(ctx context.Context, email string) (int, error) {
	count, err := l.redis.Get(ctx, userKey(email)).Int64()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return 0, nil
		}
		return 0, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	return int(count), nil
}

func (l *LoginLimiter) keys(email, ip string) []string {
	keys := []string{userKey(email)}
	if l.config.EnableIPThrottle && ip != "" {
		keys = append(keys, "login:ip:"+ip)
	}
	return keys
}

func userKey(email string) string {
	return "login:u:" + strings.ToLower(strings.TrimSpace(email))
}
