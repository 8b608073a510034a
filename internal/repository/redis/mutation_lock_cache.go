package redis

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"security-service/internal/client"
	"security-service/internal/util"
)

const mutationLockPrefix = "seclock:"

// MutationLockCache serializes security-profile mutations per user.
// Holders are expected to release explicitly; the TTL only bounds the
// damage of a crashed holder.
type MutationLockCache struct {
	client *client.RedisClient
	ttl    time.Duration
}

func NewMutationLockCache(client *client.RedisClient, ttl time.Duration) *MutationLockCache {
	return &MutationLockCache{client: client, ttl: ttl}
}

// Acquire returns false when another mutation already holds the lock.
func (c *MutationLockCache) Acquire(ctx context.Context, userID string) (bool, error) {
	ok, err := c.client.SetNX(ctx, mutationLockPrefix+userID, "1", c.ttl)
	if err != nil {
		util.Error("Failed to acquire mutation lock",
			zap.String("user_id", userID),
			zap.Error(err))
		return false, fmt.Errorf("failed to acquire mutation lock: %w", err)
	}
	return ok, nil
}

func (c *MutationLockCache) Release(ctx context.Context, userID string) {
	if err := c.client.Del(ctx, mutationLockPrefix+userID); err != nil {
		util.Warn("Failed to release mutation lock",
			zap.String("user_id", userID),
			zap.Error(err))
	}
}
