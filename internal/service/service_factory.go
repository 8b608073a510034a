package service

import (
	"fmt"

	"go.uber.org/zap"

	"security-service/internal/bucketing"
	"security-service/internal/client"
	"security-service/internal/config"
	"security-service/internal/encryption"
	"security-service/internal/hashing"
	"security-service/internal/repository/redis"
	"security-service/internal/repository/scylla"
)

// ServiceFactory creates and manages service instances
type ServiceFactory struct {
	cfg           *config.Config
	profileRepo   scylla.ProfileRepository
	credRepo      scylla.CredentialRepository
	backupRepo    scylla.BackupCodeRepository
	recoveryRepo  scylla.RecoveryRepository
	otpCache      *redis.OTPCache
	webauthnCache *redis.WebauthnSessionCache
	enrollCache   *redis.EnrollmentCache
	lockCache     *redis.MutationLockCache
	hasher        *hashing.Hasher
	encryptionMgr *encryption.EncryptionManager
	bucketingMgr  *bucketing.BucketingManager
	producer      EventProducer
	consumer      EventConsumer
	clickhouse    *client.ClickHouseClient
	logger        *zap.Logger

	auditService      *AuditService
	otpService        *OtpService
	backupService     *BackupCodeService
	credentialService *CredentialService
	profileService    *ProfileService
	stepUpGuard       *StepUpGuard
	enrollmentService *EnrollmentService
	recoveryService   *RecoveryService
}

type ServiceFactoryDeps struct {
	Config        *config.Config
	ProfileRepo   scylla.ProfileRepository
	CredRepo      scylla.CredentialRepository
	BackupRepo    scylla.BackupCodeRepository
	RecoveryRepo  scylla.RecoveryRepository
	OtpCache      *redis.OTPCache
	WebauthnCache *redis.WebauthnSessionCache
	EnrollCache   *redis.EnrollmentCache
	LockCache     *redis.MutationLockCache
	Hasher        *hashing.Hasher
	EncryptionMgr *encryption.EncryptionManager
	BucketingMgr  *bucketing.BucketingManager
	Producer      *client.KafkaProducer
	Consumer      *client.KafkaConsumer
	ClickHouse    *client.ClickHouseClient
	Logger        *zap.Logger
}

func NewServiceFactory(deps ServiceFactoryDeps) *ServiceFactory {
	// Kafka may legitimately be absent; avoid handing a typed nil to
	// the services' interface fields.
	var producer EventProducer
	if deps.Producer != nil {
		producer = deps.Producer
	}
	var consumer EventConsumer
	if deps.Consumer != nil {
		consumer = deps.Consumer
	}

	return &ServiceFactory{
		cfg:           deps.Config,
		profileRepo:   deps.ProfileRepo,
		credRepo:      deps.CredRepo,
		backupRepo:    deps.BackupRepo,
		recoveryRepo:  deps.RecoveryRepo,
		otpCache:      deps.OtpCache,
		webauthnCache: deps.WebauthnCache,
		enrollCache:   deps.EnrollCache,
		lockCache:     deps.LockCache,
		hasher:        deps.Hasher,
		encryptionMgr: deps.EncryptionMgr,
		bucketingMgr:  deps.BucketingMgr,
		producer:      producer,
		consumer:      consumer,
		clickhouse:    deps.ClickHouse,
		logger:        deps.Logger,
	}
}

func (f *ServiceFactory) AuditService() *AuditService {
	if f.auditService == nil {
		f.auditService = NewAuditService(f.clickhouse, f.bucketingMgr, f.logger)
	}
	return f.auditService
}

func (f *ServiceFactory) OtpService() *OtpService {
	if f.otpService == nil {
		f.otpService = NewOtpService(f.otpCache, f.hasher, f.producer, f.cfg, f.logger)
	}
	return f.otpService
}

func (f *ServiceFactory) BackupCodeService() *BackupCodeService {
	if f.backupService == nil {
		f.backupService = NewBackupCodeService(
			f.backupRepo, f.profileRepo, f.hasher, f.AuditService(), f.cfg, f.logger)
	}
	return f.backupService
}

func (f *ServiceFactory) CredentialService() (*CredentialService, error) {
	if f.credentialService == nil {
		svc, err := NewCredentialService(
			f.credRepo, f.webauthnCache, f.AuditService(), f.cfg, f.logger)
		if err != nil {
			return nil, fmt.Errorf("failed to create credential service: %w", err)
		}
		f.credentialService = svc
	}
	return f.credentialService, nil
}

func (f *ServiceFactory) ProfileService() (*ProfileService, error) {
	if f.profileService == nil {
		creds, err := f.CredentialService()
		if err != nil {
			return nil, err
		}
		f.profileService = NewProfileService(
			f.profileRepo, f.recoveryRepo, creds,
			f.producer, f.consumer, f.hasher, f.cfg, f.logger)
	}
	return f.profileService, nil
}

func (f *ServiceFactory) StepUpGuard() *StepUpGuard {
	if f.stepUpGuard == nil {
		f.stepUpGuard = NewStepUpGuard(
			f.hasher, f.encryptionMgr, f.OtpService(),
			f.BackupCodeService(), f.AuditService(), f.logger)
	}
	return f.stepUpGuard
}

func (f *ServiceFactory) EnrollmentService() (*EnrollmentService, error) {
	if f.enrollmentService == nil {
		profiles, err := f.ProfileService()
		if err != nil {
			return nil, err
		}
		f.enrollmentService = NewEnrollmentService(
			profiles, f.profileRepo, f.enrollCache,
			f.OtpService(), f.BackupCodeService(), f.StepUpGuard(),
			f.encryptionMgr, f.lockCache, f.AuditService(), f.cfg, f.logger)
	}
	return f.enrollmentService, nil
}

func (f *ServiceFactory) RecoveryService() (*RecoveryService, error) {
	if f.recoveryService == nil {
		profiles, err := f.ProfileService()
		if err != nil {
			return nil, err
		}
		f.recoveryService = NewRecoveryService(
			f.recoveryRepo, f.OtpService(), profiles, f.AuditService(), f.logger)
	}
	return f.recoveryService, nil
}

// Cleanup stops background work owned by the services.
func (f *ServiceFactory) Cleanup() {
	if f.profileService != nil {
		f.profileService.Close()
	}
	if f.auditService != nil {
		f.auditService.Close()
	}
}
