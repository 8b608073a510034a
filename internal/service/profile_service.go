package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"security-service/internal/config"
	"security-service/internal/hashing"
	"security-service/internal/models"
	"security-service/internal/repository/scylla"
	"security-service/internal/util"
)

// ProfileService owns the security profile aggregate. Reads come from a
// per-instance snapshot cache; the cache is dropped whenever a
// profile-updated event arrives on kafka, so every instance (and every
// device) converges by re-fetching, never by restarting.
type ProfileService struct {
	profiles scylla.ProfileRepository
	recovery scylla.RecoveryRepository
	creds    *CredentialService
	producer EventProducer
	consumer EventConsumer
	hasher   *hashing.Hasher
	topic    string
	logger   *zap.Logger

	mu    sync.RWMutex
	cache map[string]*models.SecurityProfile

	closeOnce sync.Once
	done      chan struct{}
	wg        sync.WaitGroup
}

func NewProfileService(
	profiles scylla.ProfileRepository,
	recovery scylla.RecoveryRepository,
	creds *CredentialService,
	producer EventProducer,
	consumer EventConsumer,
	hasher *hashing.Hasher,
	cfg *config.Config,
	logger *zap.Logger,
) *ProfileService {
	return &ProfileService{
		profiles: profiles,
		recovery: recovery,
		creds:    creds,
		producer: producer,
		consumer: consumer,
		hasher:   hasher,
		topic:    cfg.Kafka.ProfileTopic,
		logger:   logger,
		cache:    map[string]*models.SecurityProfile{},
		done:     make(chan struct{}),
	}
}

// Get returns a copy of the profile, creating an empty one in memory
// for users who have never touched security settings. The empty profile
// is not persisted until a mutation writes it. Callers always receive
// their own copy: edits only reach the snapshot through a store write
// followed by Refresh, so a failed write cannot poison the cache.
func (s *ProfileService) Get(ctx context.Context, userID string) (*models.SecurityProfile, error) {
	s.mu.RLock()
	if p, ok := s.cache[userID]; ok {
		snap := *p
		s.mu.RUnlock()
		return &snap, nil
	}
	s.mu.RUnlock()

	profile, err := s.profiles.Get(ctx, userID)
	if err != nil {
		if errors.Is(err, scylla.ErrProfileNotFound) {
			profile = &models.SecurityProfile{
				UserID:        userID,
				PrimaryMethod: models.MethodNone,
				CreatedAt:     time.Now().UTC(),
			}
		} else {
			return nil, err
		}
	}

	s.mu.Lock()
	s.cache[userID] = profile
	s.mu.Unlock()

	snap := *profile
	return &snap, nil
}

// GetView assembles the settings-page projection: profile counters plus
// credentials and recovery channels, secrets stripped.
func (s *ProfileService) GetView(ctx context.Context, userID string) (*models.ProfileView, error) {
	profile, err := s.Get(ctx, userID)
	if err != nil {
		return nil, err
	}

	credentials, err := s.creds.List(ctx, userID)
	if err != nil {
		return nil, err
	}

	channels, err := s.recovery.List(ctx, userID)
	if err != nil {
		return nil, err
	}

	return &models.ProfileView{
		UserID:               profile.UserID,
		PasswordSet:          profile.PasswordSet,
		TwoFactorEnabled:     profile.TwoFactorEnabled,
		PrimaryMethod:        profile.PrimaryMethod,
		BackupCodeEpoch:      profile.BackupCodeEpoch,
		BackupCodesRemaining: profile.BackupCodesRemaining,
		Credentials:          credentials,
		RecoveryChannels:     channels,
	}, nil
}

// SetPassword hashes and stores the account password.
func (s *ProfileService) SetPassword(ctx context.Context, userID, password string) error {
	if len(password) < 8 {
		return fmt.Errorf("%w: password too short", ErrValidation)
	}

	profile, err := s.Get(ctx, userID)
	if err != nil {
		return err
	}

	encoded, err := s.hasher.EncodePassword(password)
	if err != nil {
		return fmt.Errorf("failed to encode password: %w", err)
	}

	now := time.Now().UTC()
	profile.PasswordHash = encoded
	profile.PasswordSet = true
	profile.UpdatedAt = &now

	if err := s.profiles.Upsert(ctx, profile); err != nil {
		return err
	}

	s.PublishUpdated(ctx, userID)
	return nil
}

// Refresh drops the local snapshot for one user.
func (s *ProfileService) Refresh(userID string) {
	s.mu.Lock()
	delete(s.cache, userID)
	s.mu.Unlock()

	s.creds.Refresh(userID)

	util.Debug("Profile snapshot refreshed", zap.String("user_id", userID))
}

// PublishUpdated tells every listener to re-fetch this user's profile.
// Publish failures are logged, not surfaced: the local write already
// succeeded and other instances will converge on their next cold read.
func (s *ProfileService) PublishUpdated(ctx context.Context, userID string) {
	s.Refresh(userID)

	if s.producer == nil {
		return
	}

	payload, err := json.Marshal(&models.ProfileUpdatedEvent{
		Event:  models.EventProfileUpdated,
		UserID: userID,
	})
	if err != nil {
		s.logger.Error("Failed to marshal profile event", util.ErrorField(err))
		return
	}

	if err := s.producer.ProduceMessage(ctx, s.topic, []byte(userID), payload, nil); err != nil {
		s.logger.Error("Failed to publish profile event",
			util.String("user_id", userID),
			util.ErrorField(err))
	}
}

// StartConsumer runs the refresh loop until Close is called.
func (s *ProfileService) StartConsumer() {
	if s.consumer == nil {
		return
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		go func() {
			<-s.done
			cancel()
		}()

		for {
			msg, err := s.consumer.ConsumeMessage(ctx)
			if err != nil {
				select {
				case <-s.done:
					return
				default:
				}
				s.logger.Warn("Profile consumer read failed", util.ErrorField(err))
				time.Sleep(time.Second)
				continue
			}

			var event models.ProfileUpdatedEvent
			if err := json.Unmarshal(msg.Value, &event); err != nil {
				s.logger.Warn("Malformed profile event", util.ErrorField(err))
				continue
			}
			if event.Event != models.EventProfileUpdated || event.UserID == "" {
				continue
			}

			s.Refresh(event.UserID)
		}
	}()
}

func (s *ProfileService) Close() {
	s.closeOnce.Do(func() {
		close(s.done)
	})
	s.wg.Wait()
}
