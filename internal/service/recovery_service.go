package service

import (
	"context"
	"fmt"
	"net"
	"time"

	"go.uber.org/zap"

	"security-service/internal/models"
	"security-service/internal/repository/scylla"
	"security-service/internal/util"
)

// RecoveryService manages recovery channels. A channel must prove
// ownership before it counts: adding one sends a code to the address,
// and only a confirmed channel becomes active.
type RecoveryService struct {
	channels scylla.RecoveryRepository
	otp      *OtpService
	profiles *ProfileService
	audit    *AuditService
	logger   *zap.Logger
}

func NewRecoveryService(
	channels scylla.RecoveryRepository,
	otpSvc *OtpService,
	profiles *ProfileService,
	audit *AuditService,
	logger *zap.Logger,
) *RecoveryService {
	return &RecoveryService{
		channels: channels,
		otp:      otpSvc,
		profiles: profiles,
		audit:    audit,
		logger:   logger,
	}
}

// Add registers an unverified channel and sends a verification code to
// it. Re-adding the same channel type replaces the stored value and
// resets verification.
func (s *RecoveryService) Add(ctx context.Context, userID string, channelType models.ChannelType, value string) error {
	value = util.SanitizeInput(value)
	if value == "" {
		return fmt.Errorf("%w: empty channel value", ErrValidation)
	}
	if channelType == models.ChannelEmail && !util.LooksLikeEmail(value) {
		return fmt.Errorf("%w: invalid email address", ErrValidation)
	}
	if channelType == models.ChannelPhone && !util.IsDigits(value) {
		return fmt.Errorf("%w: invalid phone number", ErrValidation)
	}

	if err := s.otp.Issue(ctx, models.PurposeRecoveryEmailVerify, value); err != nil {
		return err
	}

	channel := &models.RecoveryChannel{
		UserID:    userID,
		Type:      channelType,
		Value:     value,
		Verified:  false,
		Active:    false,
		CreatedAt: time.Now().UTC(),
	}
	if err := s.channels.Upsert(ctx, channel); err != nil {
		return err
	}

	s.logger.Info("Recovery channel added, pending verification",
		util.String("user_id", userID),
		util.String("channel_type", string(channelType)))

	return nil
}

// Confirm verifies the code sent to the channel and activates it.
func (s *RecoveryService) Confirm(ctx context.Context, userID string, channelType models.ChannelType, code string, ip net.IP) error {
	channel, err := s.find(ctx, userID, channelType)
	if err != nil {
		return err
	}

	if err := s.otp.Verify(ctx, models.PurposeRecoveryEmailVerify, channel.Value, code); err != nil {
		return err
	}

	if err := s.channels.MarkVerified(ctx, userID, channelType); err != nil {
		return err
	}

	s.audit.Record(userID, models.EventRecoveryVerified, "channel="+string(channelType), ip)
	s.profiles.PublishUpdated(ctx, userID)

	return nil
}

// SetActive toggles whether a verified channel may be used for account
// recovery. Unverified channels cannot be activated.
func (s *RecoveryService) SetActive(ctx context.Context, userID string, channelType models.ChannelType, active bool) error {
	channel, err := s.find(ctx, userID, channelType)
	if err != nil {
		return err
	}
	if active && !channel.Verified {
		return fmt.Errorf("%w: channel not verified", ErrServerState)
	}

	if err := s.channels.SetActive(ctx, userID, channelType, active); err != nil {
		return err
	}

	s.profiles.PublishUpdated(ctx, userID)
	return nil
}

// Remove deletes a channel entirely.
func (s *RecoveryService) Remove(ctx context.Context, userID string, channelType models.ChannelType) error {
	if _, err := s.find(ctx, userID, channelType); err != nil {
		return err
	}

	if err := s.channels.Delete(ctx, userID, channelType); err != nil {
		return err
	}

	s.profiles.PublishUpdated(ctx, userID)
	return nil
}

// List returns every channel on file, verified or not.
func (s *RecoveryService) List(ctx context.Context, userID string) ([]*models.RecoveryChannel, error) {
	return s.channels.List(ctx, userID)
}

func (s *RecoveryService) find(ctx context.Context, userID string, channelType models.ChannelType) (*models.RecoveryChannel, error) {
	channels, err := s.channels.List(ctx, userID)
	if err != nil {
		return nil, err
	}
	for _, ch := range channels {
		if ch.Type == channelType {
			return ch, nil
		}
	}
	return nil, fmt.Errorf("%w: no %s channel on file", ErrServerState, channelType)
}
