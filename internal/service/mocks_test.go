package service

import (
	"bytes"
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"security-service/internal/client"
	"security-service/internal/config"
	"security-service/internal/encryption"
	"security-service/internal/hashing"
	"security-service/internal/models"
	"security-service/internal/repository/redis"
	"security-service/internal/repository/scylla"
)

func testConfig() *config.Config {
	return &config.Config{
		Environment: "development",
		Kafka: config.KafkaConfig{
			ProfileTopic:      "security.profile.updated",
			NotificationTopic: "security.otp.dispatch",
		},
		Hashing: config.HashingConfig{
			Argon2MemoryCost:   8 * 1024,
			Argon2TimeCost:     1,
			Argon2Parallelism:  1,
			PepperSecret:       "test-pepper-secret",
			PepperRotationDays: 90,
		},
		OTP: config.OTPConfig{
			TTL:            5 * time.Minute,
			ResendCooldown: time.Minute,
			MaxAttempts:    5,
			CodeLength:     6,
		},
		BackupCodes: config.BackupCodeConfig{
			Count:      10,
			CodeLength: 8,
		},
		WebAuthn: config.WebAuthnConfig{
			RPDisplayName:  "Example",
			RPID:           "localhost",
			RPOrigins:      []string{"https://localhost"},
			MaxCredentials: 3,
			SessionTTL:     2 * time.Minute,
		},
		Bucketing: config.BucketingConfig{
			UserBuckets:  256,
			EventBuckets: 64,
		},
	}
}

func testRedisClient(t *testing.T) (*client.RedisClient, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)
	rdb := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	return &client.RedisClient{Client: rdb}, mr
}

func testLogger() *zap.Logger { return zap.NewNop() }

func testAudit() *AuditService {
	return NewAuditService(nil, nil, testLogger())
}

// mockProducer records every dispatched message.
type mockProducer struct {
	mu       sync.Mutex
	messages []producedMessage
	err      error
}

type producedMessage struct {
	Topic string
	Key   []byte
	Value []byte
}

func (p *mockProducer) ProduceMessage(ctx context.Context, topic string, key, value []byte, headers map[string]string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.messages = append(p.messages, producedMessage{Topic: topic, Key: key, Value: value})
	return nil
}

func (p *mockProducer) last() *producedMessage {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.messages) == 0 {
		return nil
	}
	return &p.messages[len(p.messages)-1]
}

// mockProfileRepo keeps profiles in memory with injectable failures.
type mockProfileRepo struct {
	mu                      sync.Mutex
	profiles                map[string]*models.SecurityProfile
	upsertCalls             int
	updateSecondFactorCalls int
	updateCountersCalls     int
	upsertErr               error
	updateSecondFactorErr   error
}

func newMockProfileRepo() *mockProfileRepo {
	return &mockProfileRepo{profiles: map[string]*models.SecurityProfile{}}
}

func (m *mockProfileRepo) Get(ctx context.Context, userID string) (*models.SecurityProfile, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.profiles[userID]
	if !ok {
		return nil, scylla.ErrProfileNotFound
	}
	return p, nil
}

func (m *mockProfileRepo) Upsert(ctx context.Context, profile *models.SecurityProfile) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.upsertCalls++
	if m.upsertErr != nil {
		return m.upsertErr
	}
	m.profiles[profile.UserID] = profile
	return nil
}

func (m *mockProfileRepo) UpdateSecondFactor(ctx context.Context, profile *models.SecurityProfile) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.updateSecondFactorCalls++
	if m.updateSecondFactorErr != nil {
		return m.updateSecondFactorErr
	}
	m.profiles[profile.UserID] = profile
	return nil
}

func (m *mockProfileRepo) UpdateBackupCounters(ctx context.Context, userID string, epoch, remaining int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.updateCountersCalls++
	if p, ok := m.profiles[userID]; ok {
		p.BackupCodeEpoch = epoch
		p.BackupCodesRemaining = remaining
	}
	return nil
}

func (m *mockProfileRepo) HealthCheck(ctx context.Context) error { return nil }

// mockBackupCodeRepo keeps code epochs in memory.
type mockBackupCodeRepo struct {
	mu     sync.Mutex
	epochs map[string]map[int][]*models.BackupCode
}

func newMockBackupCodeRepo() *mockBackupCodeRepo {
	return &mockBackupCodeRepo{epochs: map[string]map[int][]*models.BackupCode{}}
}

func (m *mockBackupCodeRepo) ReplaceEpoch(ctx context.Context, userID string, epoch int, codes []*models.BackupCode) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	user := map[int][]*models.BackupCode{}
	user[epoch] = codes
	m.epochs[userID] = user
	for _, c := range codes {
		c.UserID = userID
		c.Epoch = epoch
	}
	return nil
}

func (m *mockBackupCodeRepo) ListEpoch(ctx context.Context, userID string, epoch int) ([]*models.BackupCode, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.epochs[userID][epoch], nil
}

func (m *mockBackupCodeRepo) MarkUsed(ctx context.Context, userID string, epoch int, codeHash string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range m.epochs[userID][epoch] {
		if c.CodeHash == codeHash {
			now := time.Now().UTC()
			c.Used = true
			c.UsedAt = &now
		}
	}
	return nil
}

func (m *mockBackupCodeRepo) PurgeAll(ctx context.Context, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.epochs, userID)
	return nil
}

// mockCredentialRepo keeps the registry in memory with injectable
// failures and a call counter for the cache tests.
type mockCredentialRepo struct {
	mu        sync.Mutex
	creds     []*models.BiometricCredential
	listCalls int
	insertErr error
	deleteErr error
}

func (m *mockCredentialRepo) Insert(ctx context.Context, cred *models.BiometricCredential) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.insertErr != nil {
		return m.insertErr
	}
	m.creds = append(m.creds, cred)
	return nil
}

func (m *mockCredentialRepo) List(ctx context.Context, userID string) ([]*models.BiometricCredential, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listCalls++
	out := make([]*models.BiometricCredential, len(m.creds))
	copy(out, m.creds)
	return out, nil
}

func (m *mockCredentialRepo) Delete(ctx context.Context, userID string, credentialID []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.deleteErr != nil {
		return m.deleteErr
	}
	kept := m.creds[:0]
	for _, c := range m.creds {
		if !bytes.Equal(c.CredentialID, credentialID) {
			kept = append(kept, c)
		}
	}
	m.creds = kept
	return nil
}

func (m *mockCredentialRepo) Count(ctx context.Context, userID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.creds), nil
}

// mockRecoveryRepo keeps channels per type.
type mockRecoveryRepo struct {
	mu       sync.Mutex
	channels map[models.ChannelType]*models.RecoveryChannel
}

func newMockRecoveryRepo() *mockRecoveryRepo {
	return &mockRecoveryRepo{channels: map[models.ChannelType]*models.RecoveryChannel{}}
}

func (m *mockRecoveryRepo) Upsert(ctx context.Context, channel *models.RecoveryChannel) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.channels[channel.Type] = channel
	return nil
}

func (m *mockRecoveryRepo) List(ctx context.Context, userID string) ([]*models.RecoveryChannel, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*models.RecoveryChannel, 0, len(m.channels))
	for _, ch := range m.channels {
		out = append(out, ch)
	}
	return out, nil
}

func (m *mockRecoveryRepo) MarkVerified(ctx context.Context, userID string, channelType models.ChannelType) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if ch, ok := m.channels[channelType]; ok {
		now := time.Now().UTC()
		ch.Verified = true
		ch.Active = true
		ch.VerifiedAt = &now
	}
	return nil
}

func (m *mockRecoveryRepo) SetActive(ctx context.Context, userID string, channelType models.ChannelType, active bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if ch, ok := m.channels[channelType]; ok {
		ch.Active = active
	}
	return nil
}

func (m *mockRecoveryRepo) Delete(ctx context.Context, userID string, channelType models.ChannelType) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.channels, channelType)
	return nil
}

// testEnrollmentEnv wires a full enrollment stack over miniredis and the
// in-memory repositories.
type testEnrollmentEnv struct {
	cfg         *config.Config
	profileRepo *mockProfileRepo
	backupRepo  *mockBackupCodeRepo
	credRepo    *mockCredentialRepo
	recovery    *mockRecoveryRepo
	producer    *mockProducer
	hasher      *hashing.Hasher
	encryption  *encryption.EncryptionManager
	otp         *OtpService
	backup      *BackupCodeService
	profiles    *ProfileService
	stepUp      *StepUpGuard
	enrollment  *EnrollmentService
	locks       *redis.MutationLockCache
	redis       *miniredis.Miniredis
}

func newEnrollmentEnv(t *testing.T) *testEnrollmentEnv {
	t.Helper()

	cfg := testConfig()
	rc, mr := testRedisClient(t)
	logger := testLogger()

	env := &testEnrollmentEnv{
		cfg:         cfg,
		profileRepo: newMockProfileRepo(),
		backupRepo:  newMockBackupCodeRepo(),
		credRepo:    &mockCredentialRepo{},
		recovery:    newMockRecoveryRepo(),
		producer:    &mockProducer{},
		redis:       mr,
	}

	env.hasher = hashing.NewHasher(cfg)
	env.encryption = encryption.NewEncryptionManager(cfg, nil)

	audit := testAudit()
	env.otp = NewOtpService(redis.NewOTPCache(rc), env.hasher, env.producer, cfg, logger)
	env.backup = NewBackupCodeService(env.backupRepo, env.profileRepo, env.hasher, audit, cfg, logger)

	creds, err := NewCredentialService(
		env.credRepo, redis.NewWebauthnSessionCache(rc, cfg.WebAuthn.SessionTTL), audit, cfg, logger)
	if err != nil {
		t.Fatalf("credential service: %v", err)
	}

	env.profiles = NewProfileService(
		env.profileRepo, env.recovery, creds, env.producer, nil, env.hasher, cfg, logger)
	env.stepUp = NewStepUpGuard(env.hasher, env.encryption, env.otp, env.backup, audit, logger)
	env.locks = redis.NewMutationLockCache(rc, 30*time.Second)
	env.enrollment = NewEnrollmentService(
		env.profiles, env.profileRepo, redis.NewEnrollmentCache(rc, 15*time.Minute),
		env.otp, env.backup, env.stepUp, env.encryption,
		env.locks, audit, cfg, logger)

	return env
}

// lastDispatchedCode pulls the plaintext code out of the most recent
// dispatch message.
func (env *testEnrollmentEnv) lastDispatchedCode(t *testing.T) string {
	t.Helper()

	msg := env.producer.last()
	if msg == nil {
		t.Fatal("no message dispatched")
	}
	var dispatch otpDispatch
	if err := json.Unmarshal(msg.Value, &dispatch); err != nil {
		t.Fatalf("unmarshal dispatch: %v", err)
	}
	return dispatch.Code
}

// seedProfile installs a profile with a password already set.
func (env *testEnrollmentEnv) seedProfile(t *testing.T, userID string) *models.SecurityProfile {
	t.Helper()

	encoded, err := env.hasher.EncodePassword("hunter2hunter2")
	if err != nil {
		t.Fatalf("encode password: %v", err)
	}

	profile := &models.SecurityProfile{
		UserID:        userID,
		PasswordHash:  encoded,
		PasswordSet:   true,
		PrimaryMethod: models.MethodNone,
		CreatedAt:     time.Now().UTC(),
	}
	env.profileRepo.profiles[userID] = profile
	return profile
}
