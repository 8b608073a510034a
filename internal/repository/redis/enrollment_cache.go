package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"security-service/internal/client"
	"security-service/internal/models"
)

const enrollmentPrefix = "enroll:"

// EnrollmentCache holds the in-progress 2FA setup for a user. One
// pending enrollment per user; starting over replaces it.
type EnrollmentCache struct {
	client *client.RedisClient
	ttl    time.Duration
}

func NewEnrollmentCache(client *client.RedisClient, ttl time.Duration) *EnrollmentCache {
	return &EnrollmentCache{client: client, ttl: ttl}
}

func (c *EnrollmentCache) Put(state *models.EnrollmentState) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("failed to marshal enrollment state: %w", err)
	}

	if err := c.client.Set(ctx, enrollmentPrefix+state.UserID, data, c.ttl); err != nil {
		return fmt.Errorf("failed to store enrollment state: %w", err)
	}
	return nil
}

// Get returns the pending enrollment, or nil when none exists.
func (c *EnrollmentCache) Get(userID string) (*models.EnrollmentState, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	key := enrollmentPrefix + userID
	data, err := c.client.Get(ctx, key)
	if err != nil {
		if errors.Is(err, client.ErrKeyNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to fetch enrollment state: %w", err)
	}

	state := &models.EnrollmentState{}
	if err := json.Unmarshal([]byte(data), state); err != nil {
		return nil, fmt.Errorf("failed to unmarshal enrollment state: %w", err)
	}
	return state, nil
}

func (c *EnrollmentCache) Delete(userID string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := c.client.Del(ctx, enrollmentPrefix+userID); err != nil {
		return fmt.Errorf("failed to delete enrollment state: %w", err)
	}
	return nil
}
