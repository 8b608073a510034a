package service

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"math/big"
	"time"

	"go.uber.org/zap"

	"security-service/internal/config"
	"security-service/internal/hashing"
	"security-service/internal/models"
	"security-service/internal/repository/redis"
	"security-service/internal/util"
)

// otpDispatch is the payload handed to the notification pipeline. The
// code travels in cleartext here; only the hash is retained server-side.
type otpDispatch struct {
	Purpose   string `json:"purpose"`
	Target    string `json:"target"`
	Code      string `json:"code"`
	ExpiresIn int    `json:"expiresInSeconds"`
}

// OtpService issues and verifies one-time codes for email-bound flows.
// A (purpose, target) pair has at most one live code; re-issuing
// replaces it and is throttled by a cooldown window.
type OtpService struct {
	cache    *redis.OTPCache
	hasher   *hashing.Hasher
	producer EventProducer
	cfg      *config.OTPConfig
	topic    string
	logger   *zap.Logger
}

func NewOtpService(
	cache *redis.OTPCache,
	hasher *hashing.Hasher,
	producer EventProducer,
	cfg *config.Config,
	logger *zap.Logger,
) *OtpService {
	return &OtpService{
		cache:    cache,
		hasher:   hasher,
		producer: producer,
		cfg:      &cfg.OTP,
		topic:    cfg.Kafka.NotificationTopic,
		logger:   logger,
	}
}

// Issue generates a fresh code, stores its hash, and dispatches it to
// the target address. Any code previously pending for the same
// (purpose, target) is replaced and can no longer be redeemed.
func (s *OtpService) Issue(ctx context.Context, purpose models.OTPPurpose, target string) error {
	remaining, err := s.cache.CooldownRemaining(purpose, target)
	if err != nil {
		return err
	}
	if remaining > 0 {
		s.logger.Warn("OTP issue throttled",
			util.String("purpose", string(purpose)),
			util.Duration("retry_in", remaining))
		return fmt.Errorf("%w: retry in %s", ErrThrottled, remaining.Round(time.Second))
	}

	code, err := s.generateCode()
	if err != nil {
		return fmt.Errorf("failed to generate otp: %w", err)
	}

	hashed, err := s.hasher.HashOTP(code)
	if err != nil {
		return fmt.Errorf("failed to hash otp: %w", err)
	}

	now := time.Now().UTC()
	session := &models.OTPSession{
		Purpose:       purpose,
		Target:        target,
		CodeHash:      hashed.Hash,
		CodeSalt:      hashed.Salt,
		PepperVersion: hashed.PepperVersion,
		IssuedAt:      now,
		ExpiresAt:     now.Add(s.cfg.TTL),
	}

	if err := s.cache.PutSession(session); err != nil {
		return err
	}

	// Arm the cooldown only once a session exists; a failed issue must
	// not leave the user throttled with nothing to verify.
	if _, err := s.cache.SetCooldown(purpose, target, s.cfg.ResendCooldown); err != nil {
		s.logger.Warn("Failed to arm otp cooldown", util.ErrorField(err))
	}

	if err := s.dispatch(ctx, purpose, target, code); err != nil {
		// The session stays; a resend after the cooldown will replace it.
		s.logger.Error("OTP dispatch failed",
			util.String("purpose", string(purpose)),
			util.ErrorField(err))
		return fmt.Errorf("%w: %v", ErrChannelDelivery, err)
	}

	s.logger.Info("OTP issued",
		util.String("purpose", string(purpose)),
		util.Duration("ttl", s.cfg.TTL))

	return nil
}

// Verify consumes the pending code. On success the session is deleted,
// so a correct code cannot be replayed. A wrong code burns an attempt;
// exhausting attempts destroys the session.
func (s *OtpService) Verify(ctx context.Context, purpose models.OTPPurpose, target, code string) error {
	session, err := s.cache.GetSession(purpose, target)
	if err != nil {
		return err
	}
	if session == nil || time.Now().After(session.ExpiresAt) {
		return ErrSessionExpired
	}

	if session.Attempts >= s.cfg.MaxAttempts {
		_ = s.cache.DeleteSession(purpose, target)
		return fmt.Errorf("%w: attempt limit reached", ErrThrottled)
	}

	match, err := s.hasher.Verify(code, session.CodeHash, session.CodeSalt, session.PepperVersion)
	if err != nil {
		return fmt.Errorf("otp verification error: %w", err)
	}
	if !match {
		if err := s.cache.RecordAttempt(session); err != nil {
			s.logger.Warn("Failed to record otp attempt", util.ErrorField(err))
		}
		if session.Attempts >= s.cfg.MaxAttempts {
			_ = s.cache.DeleteSession(purpose, target)
			return fmt.Errorf("%w: attempt limit reached", ErrThrottled)
		}
		return fmt.Errorf("%w: incorrect code", ErrAuthChallenge)
	}

	if err := s.cache.DeleteSession(purpose, target); err != nil {
		s.logger.Warn("Failed to delete verified otp session", util.ErrorField(err))
	}

	util.Debug("OTP verified", zap.String("purpose", string(purpose)))
	return nil
}

// Cancel drops a pending session without burning the cooldown.
func (s *OtpService) Cancel(purpose models.OTPPurpose, target string) error {
	return s.cache.DeleteSession(purpose, target)
}

func (s *OtpService) generateCode() (string, error) {
	max := big.NewInt(1)
	for i := 0; i < s.cfg.CodeLength; i++ {
		max.Mul(max, big.NewInt(10))
	}
	n, err := rand.Int(rand.Reader, max)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%0*d", s.cfg.CodeLength, n), nil
}

func (s *OtpService) dispatch(ctx context.Context, purpose models.OTPPurpose, target, code string) error {
	if s.producer == nil {
		return fmt.Errorf("notification pipeline unavailable")
	}

	payload, err := json.Marshal(&otpDispatch{
		Purpose:   string(purpose),
		Target:    target,
		Code:      code,
		ExpiresIn: int(s.cfg.TTL.Seconds()),
	})
	if err != nil {
		return err
	}

	return s.producer.ProduceMessage(ctx, s.topic, []byte(target), payload, map[string]string{
		"event-type": "otp.dispatch",
	})
}
