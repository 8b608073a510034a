package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"security-service/internal/client"
	"security-service/internal/models"
	"security-service/internal/util"
)

const (
	otpSessionPrefix  = "otpsess:"
	otpCooldownPrefix = "otpcool:"
)

// OTPCache holds outstanding one-time code sessions in redis, keyed by
// (purpose, target). Issuing a new code replaces whatever session was
// pending for that pair; the cooldown key throttles re-sends.
type OTPCache struct {
	client *client.RedisClient
}

func NewOTPCache(client *client.RedisClient) *OTPCache {
	return &OTPCache{client: client}
}

func sessionKey(purpose models.OTPPurpose, target string) string {
	return fmt.Sprintf("%s%s:%s", otpSessionPrefix, purpose, target)
}

func cooldownKey(purpose models.OTPPurpose, target string) string {
	return fmt.Sprintf("%s%s:%s", otpCooldownPrefix, purpose, target)
}

// PutSession stores a session under the remaining lifetime of its code.
func (c *OTPCache) PutSession(session *models.OTPSession) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	ttl := time.Until(session.ExpiresAt)
	if ttl <= 0 {
		return fmt.Errorf("otp session already expired")
	}

	data, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("failed to marshal otp session: %w", err)
	}

	key := sessionKey(session.Purpose, session.Target)
	if err := c.client.Set(ctx, key, data, ttl); err != nil {
		util.Error("Failed to store OTP session",
			zap.String("purpose", string(session.Purpose)),
			zap.Error(err))
		return fmt.Errorf("failed to store otp session: %w", err)
	}

	util.Debug("OTP session stored",
		zap.String("purpose", string(session.Purpose)),
		zap.Duration("ttl", ttl))

	return nil
}

// GetSession returns the pending session for (purpose, target), or nil
// if none exists.
func (c *OTPCache) GetSession(purpose models.OTPPurpose, target string) (*models.OTPSession, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	key := sessionKey(purpose, target)
	data, err := c.client.Get(ctx, key)
	if err != nil {
		if errors.Is(err, client.ErrKeyNotFound) {
			return nil, nil
		}
		util.Error("Failed to fetch OTP session",
			zap.String("purpose", string(purpose)),
			zap.Error(err))
		return nil, fmt.Errorf("failed to fetch otp session: %w", err)
	}

	session := &models.OTPSession{}
	if err := json.Unmarshal([]byte(data), session); err != nil {
		return nil, fmt.Errorf("failed to unmarshal otp session: %w", err)
	}

	return session, nil
}

// RecordAttempt persists the incremented attempt counter without
// extending the session's lifetime.
func (c *OTPCache) RecordAttempt(session *models.OTPSession) error {
	session.Attempts++
	return c.PutSession(session)
}

func (c *OTPCache) DeleteSession(purpose models.OTPPurpose, target string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := c.client.Del(ctx, sessionKey(purpose, target)); err != nil {
		return fmt.Errorf("failed to delete otp session: %w", err)
	}

	util.Debug("OTP session deleted", zap.String("purpose", string(purpose)))
	return nil
}

// SetCooldown arms the re-send throttle. Returns false when a cooldown
// is already in effect.
func (c *OTPCache) SetCooldown(purpose models.OTPPurpose, target string, window time.Duration) (bool, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	ok, err := c.client.SetNX(ctx, cooldownKey(purpose, target), "1", window)
	if err != nil {
		return false, fmt.Errorf("failed to set otp cooldown: %w", err)
	}

	return ok, nil
}

// CooldownRemaining reports how long until another code may be sent.
// Zero means no cooldown is active.
func (c *OTPCache) CooldownRemaining(purpose models.OTPPurpose, target string) (time.Duration, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	ttl, err := c.client.TTL(ctx, cooldownKey(purpose, target))
	if err != nil {
		return 0, fmt.Errorf("failed to read otp cooldown: %w", err)
	}
	if ttl < 0 {
		return 0, nil
	}

	return ttl, nil
}
