package scylla

import (
	"context"
	"fmt"
	"time"

	"github.com/gocql/gocql"
	"go.uber.org/zap"

	"security-service/internal/bucketing"
	"security-service/internal/models"
	"security-service/internal/util"
)

// BackupCodeRepository persists backup code hashes. ReplaceEpoch is the
// only write path that introduces a new epoch: it removes every prior
// epoch and installs the new batch in one logged batch, so there is no
// window in which codes from two epochs are live.
type BackupCodeRepository interface {
	ReplaceEpoch(ctx context.Context, userID string, epoch int, codes []*models.BackupCode) error
	ListEpoch(ctx context.Context, userID string, epoch int) ([]*models.BackupCode, error)
	MarkUsed(ctx context.Context, userID string, epoch int, codeHash string) error
	PurgeAll(ctx context.Context, userID string) error
}

type backupCodeRepository struct {
	client    *ScyllaClient
	bucketing *bucketing.BucketingManager
}

func NewBackupCodeRepository(client *ScyllaClient, bucketingMgr *bucketing.BucketingManager) BackupCodeRepository {
	return &backupCodeRepository{
		client:    client,
		bucketing: bucketingMgr,
	}
}

func (r *backupCodeRepository) ReplaceEpoch(ctx context.Context, userID string, epoch int, codes []*models.BackupCode) error {
	bucket := r.bucketing.UserBucket(userID)
	now := time.Now().UTC()

	batch := r.client.Batch(gocql.LoggedBatch).WithContext(ctx)

	// Epoch is the leading clustering column, so a single range delete
	// invalidates every earlier generation.
	batch.Query(`DELETE FROM backup_codes WHERE user_bucket = ? AND user_id = ? AND epoch < ?`,
		bucket, userID, epoch)

	for _, code := range codes {
		code.UserBucket = bucket
		code.UserID = userID
		code.Epoch = epoch
		code.CreatedAt = now
		batch.Query(`
            INSERT INTO backup_codes (
                user_bucket, user_id, epoch, code_hash, code_salt,
                pepper_version, used, used_at, created_at
            ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			bucket, userID, epoch, code.CodeHash, code.CodeSalt,
			code.PepperVersion, false, nil, now)
	}

	if err := r.client.ExecuteBatch(batch); err != nil {
		util.Error("Failed to replace backup code epoch",
			zap.String("user_id", userID),
			zap.Int("epoch", epoch),
			zap.Error(err))
		return fmt.Errorf("failed to replace backup code epoch: %w", err)
	}

	util.Info("Backup code epoch replaced",
		zap.String("user_id", userID),
		zap.Int("epoch", epoch),
		zap.Int("codes", len(codes)))

	return nil
}

func (r *backupCodeRepository) ListEpoch(ctx context.Context, userID string, epoch int) ([]*models.BackupCode, error) {
	bucket := r.bucketing.UserBucket(userID)

	iter := r.client.Prepared.ListBackupCodes.Bind(bucket, userID, epoch).WithContext(ctx).Iter()

	var codes []*models.BackupCode
	for {
		c := &models.BackupCode{}
		if !iter.Scan(
			&c.UserBucket, &c.UserID, &c.Epoch, &c.CodeHash, &c.CodeSalt,
			&c.PepperVersion, &c.Used, &c.UsedAt, &c.CreatedAt) {
			break
		}
		codes = append(codes, c)
	}
	if err := iter.Close(); err != nil {
		return nil, fmt.Errorf("failed to list backup codes: %w", err)
	}

	return codes, nil
}

func (r *backupCodeRepository) MarkUsed(ctx context.Context, userID string, epoch int, codeHash string) error {
	bucket := r.bucketing.UserBucket(userID)

	query := r.client.Prepared.MarkCodeUsed.Bind(
		time.Now().UTC(), bucket, userID, epoch, codeHash,
	).WithContext(ctx)

	if err := r.client.ExecuteWithRetry(query, 2); err != nil {
		util.Error("Failed to mark backup code used",
			zap.String("user_id", userID),
			zap.Int("epoch", epoch),
			zap.Error(err))
		return fmt.Errorf("failed to mark backup code used: %w", err)
	}

	return nil
}

func (r *backupCodeRepository) PurgeAll(ctx context.Context, userID string) error {
	bucket := r.bucketing.UserBucket(userID)

	query := r.client.Query(`DELETE FROM backup_codes WHERE user_bucket = ? AND user_id = ?`,
		bucket, userID).WithContext(ctx)

	if err := r.client.ExecuteWithRetry(query, 2); err != nil {
		return fmt.Errorf("failed to purge backup codes: %w", err)
	}

	util.Info("Backup codes purged", zap.String("user_id", userID))
	return nil
}
