package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-webauthn/webauthn/webauthn"
	"go.uber.org/zap"

	"security-service/internal/client"
	"security-service/internal/util"
)

const webauthnSessionPrefix = "wansess:"

// ErrNoCeremony is returned when a finish request arrives with no
// pending ceremony on file, typically because it expired.
var ErrNoCeremony = errors.New("no pending webauthn ceremony")

// WebauthnSessionCache holds the challenge state between the begin and
// finish halves of a registration ceremony. One pending ceremony per
// user; starting a new one replaces it.
type WebauthnSessionCache struct {
	client *client.RedisClient
	ttl    time.Duration
}

func NewWebauthnSessionCache(client *client.RedisClient, ttl time.Duration) *WebauthnSessionCache {
	return &WebauthnSessionCache{client: client, ttl: ttl}
}

func (c *WebauthnSessionCache) Put(userID string, session *webauthn.SessionData) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	data, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("failed to marshal webauthn session: %w", err)
	}

	key := webauthnSessionPrefix + userID
	if err := c.client.Set(ctx, key, data, c.ttl); err != nil {
		util.Error("Failed to store webauthn session",
			zap.String("user_id", userID),
			zap.Error(err))
		return fmt.Errorf("failed to store webauthn session: %w", err)
	}

	return nil
}

// Take retrieves and deletes the pending ceremony. A ceremony is
// single-use; whether the finish succeeds or fails the challenge is
// spent.
func (c *WebauthnSessionCache) Take(userID string) (*webauthn.SessionData, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	key := webauthnSessionPrefix + userID
	data, err := c.client.Get(ctx, key)
	if err != nil {
		if errors.Is(err, client.ErrKeyNotFound) {
			return nil, ErrNoCeremony
		}
		return nil, fmt.Errorf("failed to fetch webauthn session: %w", err)
	}

	if err := c.client.Del(ctx, key); err != nil {
		util.Warn("Failed to delete webauthn session after read",
			zap.String("user_id", userID),
			zap.Error(err))
	}

	session := &webauthn.SessionData{}
	if err := json.Unmarshal([]byte(data), session); err != nil {
		return nil, fmt.Errorf("failed to unmarshal webauthn session: %w", err)
	}

	return session, nil
}

func (c *WebauthnSessionCache) Drop(userID string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := c.client.Del(ctx, webauthnSessionPrefix+userID); err != nil {
		return fmt.Errorf("failed to drop webauthn session: %w", err)
	}
	return nil
}
