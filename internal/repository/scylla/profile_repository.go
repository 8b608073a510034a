package scylla

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gocql/gocql"
	"go.uber.org/zap"

	"security-service/internal/bucketing"
	"security-service/internal/models"
	"security-service/internal/util"
)

var ErrProfileNotFound = errors.New("security profile not found")

// ProfileRepository is the storage contract for the aggregate root.
type ProfileRepository interface {
	Get(ctx context.Context, userID string) (*models.SecurityProfile, error)
	Upsert(ctx context.Context, profile *models.SecurityProfile) error
	UpdateSecondFactor(ctx context.Context, profile *models.SecurityProfile) error
	UpdateBackupCounters(ctx context.Context, userID string, epoch, remaining int) error
	HealthCheck(ctx context.Context) error
}

type profileRepository struct {
	client    *ScyllaClient
	bucketing *bucketing.BucketingManager
}

func NewProfileRepository(client *ScyllaClient, bucketingMgr *bucketing.BucketingManager) ProfileRepository {
	return &profileRepository{
		client:    client,
		bucketing: bucketingMgr,
	}
}

func (r *profileRepository) Get(ctx context.Context, userID string) (*models.SecurityProfile, error) {
	bucket := r.bucketing.UserBucket(userID)
	p := &models.SecurityProfile{}

	var method string
	query := r.client.Prepared.GetProfile.Bind(bucket, userID).WithContext(ctx)
	err := r.client.ScanWithRetry(query,
		&p.UserBucket, &p.UserID, &p.PasswordHash, &p.PasswordSet,
		&p.TwoFactorEnabled, &method, &p.TOTPSecretEnc,
		&p.TOTPSecretDEK, &p.TOTPKeyID, &p.TwoFactorEmail,
		&p.BackupCodeEpoch, &p.BackupCodesRemaining, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		if err == gocql.ErrNotFound {
			return nil, fmt.Errorf("%w: %s", ErrProfileNotFound, userID)
		}
		util.Error("Failed to get security profile",
			zap.String("user_id", userID),
			zap.Error(err))
		return nil, fmt.Errorf("failed to get security profile: %w", err)
	}

	if parsed, ok := models.ParseSecondFactorMethod(method); ok {
		p.PrimaryMethod = parsed
	} else {
		p.PrimaryMethod = models.MethodNone
	}

	return p, nil
}

func (r *profileRepository) Upsert(ctx context.Context, profile *models.SecurityProfile) error {
	profile.UserBucket = r.bucketing.UserBucket(profile.UserID)
	if profile.CreatedAt.IsZero() {
		profile.CreatedAt = time.Now().UTC()
	}
	now := time.Now().UTC()
	profile.UpdatedAt = &now

	query := r.client.Prepared.UpsertProfile.Bind(
		profile.UserBucket, profile.UserID, profile.PasswordHash, profile.PasswordSet,
		profile.TwoFactorEnabled, string(profile.PrimaryMethod), profile.TOTPSecretEnc,
		profile.TOTPSecretDEK, profile.TOTPKeyID, profile.TwoFactorEmail,
		profile.BackupCodeEpoch, profile.BackupCodesRemaining, profile.CreatedAt, profile.UpdatedAt,
	).WithContext(ctx)

	if err := r.client.ExecuteWithRetry(query, 2); err != nil {
		util.Error("Failed to upsert security profile",
			zap.String("user_id", profile.UserID),
			zap.Error(err))
		return fmt.Errorf("failed to upsert security profile: %w", err)
	}

	return nil
}

func (r *profileRepository) UpdateSecondFactor(ctx context.Context, profile *models.SecurityProfile) error {
	bucket := r.bucketing.UserBucket(profile.UserID)
	now := time.Now().UTC()
	profile.UpdatedAt = &now

	query := r.client.Prepared.UpdateSecondFactor.Bind(
		profile.TwoFactorEnabled, string(profile.PrimaryMethod), profile.TOTPSecretEnc,
		profile.TOTPSecretDEK, profile.TOTPKeyID, profile.TwoFactorEmail, now,
		bucket, profile.UserID,
	).WithContext(ctx)

	if err := r.client.ExecuteWithRetry(query, 2); err != nil {
		util.Error("Failed to update second factor",
			zap.String("user_id", profile.UserID),
			zap.Error(err))
		return fmt.Errorf("failed to update second factor: %w", err)
	}

	util.Info("Second factor updated",
		zap.String("user_id", profile.UserID),
		zap.Bool("enabled", profile.TwoFactorEnabled),
		zap.String("method", string(profile.PrimaryMethod)))

	return nil
}

func (r *profileRepository) UpdateBackupCounters(ctx context.Context, userID string, epoch, remaining int) error {
	bucket := r.bucketing.UserBucket(userID)

	query := r.client.Prepared.UpdateBackupCounters.Bind(
		epoch, remaining, time.Now().UTC(), bucket, userID,
	).WithContext(ctx)

	if err := r.client.ExecuteWithRetry(query, 2); err != nil {
		util.Error("Failed to update backup code counters",
			zap.String("user_id", userID),
			zap.Error(err))
		return fmt.Errorf("failed to update backup code counters: %w", err)
	}

	return nil
}

func (r *profileRepository) HealthCheck(ctx context.Context) error {
	return r.client.HealthCheck()
}
