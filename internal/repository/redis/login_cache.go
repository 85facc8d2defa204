package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"otp-login-service/internal/client"
	"otp-login-service/internal/model"
	"otp-login-service/internal/util"
)

const pendingPrefix = "pending_login:"

// LoginCache holds the verification context between identifier
// submission and code verification, keyed by transport session token.
// It expires with the code.
type LoginCache struct {
	client *client.RedisClient
}

func NewLoginCache(client *client.RedisClient) *LoginCache {
	return &LoginCache{client: client}
}

func (c *LoginCache) SetPending(ctx context.Context, sessionToken string, pending *model.PendingLogin, ttl time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	payload, err := json.Marshal(pending)
	if err != nil {
		return fmt.Errorf("failed to marshal pending login: %w", err)
	}

	if err := c.client.Set(ctx, pendingPrefix+sessionToken, payload, ttl); err != nil {
		util.Error("Failed to cache pending login",
			util.String("user_id", pending.UserID),
			util.ErrorField(err))
		return fmt.Errorf("failed to cache pending login: %w", err)
	}
	return nil
}

func (c *LoginCache) GetPending(ctx context.Context, sessionToken string) (*model.PendingLogin, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	payload, err := c.client.Get(ctx, pendingPrefix+sessionToken)
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return nil, model.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get pending login: %w", err)
	}

	pending := &model.PendingLogin{}
	if err := json.Unmarshal([]byte(payload), pending); err != nil {
		return nil, fmt.Errorf("failed to unmarshal pending login: %w", err)
	}
	return pending, nil
}

func (c *LoginCache) DeletePending(ctx context.Context, sessionToken string) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := c.client.Del(ctx, pendingPrefix+sessionToken); err != nil {
		return fmt.Errorf("failed to delete pending login: %w", err)
	}
	return nil
}

var _ model.LoginCache = (*LoginCache)(nil)
