package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"otp-login-service/internal/client"
	"otp-login-service/internal/model"
	"otp-login-service/internal/util"
)

const sessionPrefix = "session:"

// SessionCache resolves transport session tokens to authenticated user
// IDs. A miss means the session is not (or no longer) authenticated.
type SessionCache struct {
	client *client.RedisClient
}

func NewSessionCache(client *client.RedisClient) *SessionCache {
	return &SessionCache{client: client}
}

func (c *SessionCache) SetSession(ctx context.Context, sessionToken, userID string, ttl time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := c.client.Set(ctx, sessionPrefix+sessionToken, userID, ttl); err != nil {
		util.Error("Failed to cache session",
			util.String("user_id", userID),
			util.ErrorField(err))
		return fmt.Errorf("failed to cache session: %w", err)
	}
	return nil
}

func (c *SessionCache) GetSession(ctx context.Context, sessionToken string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	userID, err := c.client.Get(ctx, sessionPrefix+sessionToken)
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return "", model.ErrNotFound
		}
		return "", fmt.Errorf("failed to get session: %w", err)
	}
	return userID, nil
}

func (c *SessionCache) DeleteSession(ctx context.Context, sessionToken string) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := c.client.Del(ctx, sessionPrefix+sessionToken); err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	return nil
}

var _ model.SessionCache = (*SessionCache)(nil)
