package scylla

import (
	"context"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"security-service/internal/bucketing"
	"security-service/internal/models"
	"security-service/internal/util"
)

// CredentialRepository persists WebAuthn credentials. Only the finish
// step of a registration ceremony inserts a row; a failed ceremony
// never reaches this layer.
type CredentialRepository interface {
	Insert(ctx context.Context, cred *models.BiometricCredential) error
	List(ctx context.Context, userID string) ([]*models.BiometricCredential, error)
	Delete(ctx context.Context, userID string, credentialID []byte) error
	Count(ctx context.Context, userID string) (int, error)
}

type credentialRepository struct {
	client    *ScyllaClient
	bucketing *bucketing.BucketingManager
}

func NewCredentialRepository(client *ScyllaClient, bucketingMgr *bucketing.BucketingManager) CredentialRepository {
	return &credentialRepository{
		client:    client,
		bucketing: bucketingMgr,
	}
}

func (r *credentialRepository) Insert(ctx context.Context, cred *models.BiometricCredential) error {
	cred.UserBucket = r.bucketing.UserBucket(cred.UserID)
	if cred.CreatedAt.IsZero() {
		cred.CreatedAt = time.Now().UTC()
	}

	query := r.client.Prepared.InsertCredential.Bind(
		cred.UserBucket, cred.UserID, cred.CredentialID, cred.DeviceName,
		cred.PublicKey, cred.AttestationType, cred.AAGUID, cred.SignCount,
		cred.Transports, cred.CreatedAt, cred.LastUsedAt,
	).WithContext(ctx)

	if err := r.client.ExecuteWithRetry(query, 2); err != nil {
		util.Error("Failed to insert biometric credential",
			zap.String("user_id", cred.UserID),
			zap.String("device_name", cred.DeviceName),
			zap.Error(err))
		return fmt.Errorf("failed to insert biometric credential: %w", err)
	}

	util.Info("Biometric credential stored",
		zap.String("user_id", cred.UserID),
		zap.String("device_name", cred.DeviceName))

	return nil
}

func (r *credentialRepository) List(ctx context.Context, userID string) ([]*models.BiometricCredential, error) {
	bucket := r.bucketing.UserBucket(userID)

	iter := r.client.Prepared.ListCredentials.Bind(bucket, userID).WithContext(ctx).Iter()

	var creds []*models.BiometricCredential
	for {
		c := &models.BiometricCredential{}
		if !iter.Scan(
			&c.UserBucket, &c.UserID, &c.CredentialID, &c.DeviceName,
			&c.PublicKey, &c.AttestationType, &c.AAGUID, &c.SignCount,
			&c.Transports, &c.CreatedAt, &c.LastUsedAt) {
			break
		}
		creds = append(creds, c)
	}
	if err := iter.Close(); err != nil {
		util.Error("Failed to list biometric credentials",
			zap.String("user_id", userID),
			zap.Error(err))
		return nil, fmt.Errorf("failed to list biometric credentials: %w", err)
	}

	// Stable ordering for the settings page and for rollback reinsertion.
	sort.Slice(creds, func(i, j int) bool {
		return creds[i].CreatedAt.Before(creds[j].CreatedAt)
	})

	return creds, nil
}

func (r *credentialRepository) Delete(ctx context.Context, userID string, credentialID []byte) error {
	bucket := r.bucketing.UserBucket(userID)

	query := r.client.Prepared.DeleteCredential.Bind(bucket, userID, credentialID).WithContext(ctx)
	if err := r.client.ExecuteWithRetry(query, 2); err != nil {
		util.Error("Failed to delete biometric credential",
			zap.String("user_id", userID),
			zap.Error(err))
		return fmt.Errorf("failed to delete biometric credential: %w", err)
	}

	return nil
}

func (r *credentialRepository) Count(ctx context.Context, userID string) (int, error) {
	bucket := r.bucketing.UserBucket(userID)

	var count int
	query := r.client.Prepared.CountCredentials.Bind(bucket, userID).WithContext(ctx)
	if err := r.client.ScanWithRetry(query, &count); err != nil {
		return 0, fmt.Errorf("failed to count biometric credentials: %w", err)
	}
	return count, nil
}
