package scylla

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"security-service/internal/bucketing"
	"security-service/internal/models"
	"security-service/internal/util"
)

// RecoveryRepository stores recovery channels keyed by channel type, so
// a user has at most one email and one phone channel on file.
type RecoveryRepository interface {
	Upsert(ctx context.Context, channel *models.RecoveryChannel) error
	List(ctx context.Context, userID string) ([]*models.RecoveryChannel, error)
	MarkVerified(ctx context.Context, userID string, channelType models.ChannelType) error
	SetActive(ctx context.Context, userID string, channelType models.ChannelType, active bool) error
	Delete(ctx context.Context, userID string, channelType models.ChannelType) error
}

type recoveryRepository struct {
	client    *ScyllaClient
	bucketing *bucketing.BucketingManager
}

func NewRecoveryRepository(client *ScyllaClient, bucketingMgr *bucketing.BucketingManager) RecoveryRepository {
	return &recoveryRepository{
		client:    client,
		bucketing: bucketingMgr,
	}
}

func (r *recoveryRepository) Upsert(ctx context.Context, channel *models.RecoveryChannel) error {
	channel.UserBucket = r.bucketing.UserBucket(channel.UserID)
	if channel.CreatedAt.IsZero() {
		channel.CreatedAt = time.Now().UTC()
	}

	query := r.client.Prepared.UpsertChannel.Bind(
		channel.UserBucket, channel.UserID, string(channel.Type), channel.Value,
		channel.Verified, channel.Active, channel.CreatedAt, channel.VerifiedAt,
	).WithContext(ctx)

	if err := r.client.ExecuteWithRetry(query, 2); err != nil {
		util.Error("Failed to upsert recovery channel",
			zap.String("user_id", channel.UserID),
			zap.String("channel_type", string(channel.Type)),
			zap.Error(err))
		return fmt.Errorf("failed to upsert recovery channel: %w", err)
	}

	return nil
}

func (r *recoveryRepository) List(ctx context.Context, userID string) ([]*models.RecoveryChannel, error) {
	bucket := r.bucketing.UserBucket(userID)

	iter := r.client.Prepared.ListChannels.Bind(bucket, userID).WithContext(ctx).Iter()

	var channels []*models.RecoveryChannel
	for {
		ch := &models.RecoveryChannel{}
		var channelType string
		if !iter.Scan(
			&ch.UserBucket, &ch.UserID, &channelType, &ch.Value,
			&ch.Verified, &ch.Active, &ch.CreatedAt, &ch.VerifiedAt) {
			break
		}
		parsed, ok := models.ParseChannelType(channelType)
		if !ok {
			util.Warn("Skipping recovery channel with unknown type",
				zap.String("user_id", userID),
				zap.String("channel_type", channelType))
			continue
		}
		ch.Type = parsed
		channels = append(channels, ch)
	}
	if err := iter.Close(); err != nil {
		return nil, fmt.Errorf("failed to list recovery channels: %w", err)
	}

	return channels, nil
}

func (r *recoveryRepository) MarkVerified(ctx context.Context, userID string, channelType models.ChannelType) error {
	bucket := r.bucketing.UserBucket(userID)

	query := r.client.Prepared.VerifyChannel.Bind(
		time.Now().UTC(), bucket, userID, string(channelType),
	).WithContext(ctx)

	if err := r.client.ExecuteWithRetry(query, 2); err != nil {
		return fmt.Errorf("failed to mark recovery channel verified: %w", err)
	}

	util.Info("Recovery channel verified",
		zap.String("user_id", userID),
		zap.String("channel_type", string(channelType)))

	return nil
}

func (r *recoveryRepository) SetActive(ctx context.Context, userID string, channelType models.ChannelType, active bool) error {
	bucket := r.bucketing.UserBucket(userID)

	query := r.client.Prepared.SetChannelUse.Bind(
		active, bucket, userID, string(channelType),
	).WithContext(ctx)

	if err := r.client.ExecuteWithRetry(query, 2); err != nil {
		return fmt.Errorf("failed to update recovery channel state: %w", err)
	}

	return nil
}

func (r *recoveryRepository) Delete(ctx context.Context, userID string, channelType models.ChannelType) error {
	bucket := r.bucketing.UserBucket(userID)

	query := r.client.Prepared.DeleteChannel.Bind(
		bucket, userID, string(channelType),
	).WithContext(ctx)

	if err := r.client.ExecuteWithRetry(query, 2); err != nil {
		return fmt.Errorf("failed to delete recovery channel: %w", err)
	}

	util.Info("Recovery channel removed",
		zap.String("user_id", userID),
		zap.String("channel_type", string(channelType)))

	return nil
}
