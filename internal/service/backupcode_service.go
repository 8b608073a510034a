package service

import (
	"context"
	"crypto/rand"
	"fmt"
	"net"

	"go.uber.org/zap"

	"security-service/internal/config"
	"security-service/internal/hashing"
	"security-service/internal/models"
	"security-service/internal/repository/scylla"
	"security-service/internal/util"
)

// Alphabet for backup codes. Uppercase with 0/O and 1/I removed so a
// code read over the phone or retyped from paper is unambiguous.
const backupCodeAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"

// BackupCodeService manages the one-time code sheet. Codes live in
// epochs: issuing a new sheet bumps the epoch and every code from any
// earlier epoch is dead, even if it was never used.
type BackupCodeService struct {
	codes    scylla.BackupCodeRepository
	profiles scylla.ProfileRepository
	hasher   *hashing.Hasher
	audit    *AuditService
	cfg      *config.BackupCodeConfig
	logger   *zap.Logger
}

func NewBackupCodeService(
	codes scylla.BackupCodeRepository,
	profiles scylla.ProfileRepository,
	hasher *hashing.Hasher,
	audit *AuditService,
	cfg *config.Config,
	logger *zap.Logger,
) *BackupCodeService {
	return &BackupCodeService{
		codes:    codes,
		profiles: profiles,
		hasher:   hasher,
		audit:    audit,
		cfg:      &cfg.BackupCodes,
		logger:   logger,
	}
}

// Issue mints a new epoch of codes for the profile and returns the
// plaintext sheet. This is the only moment the plaintext exists; the
// caller must show it to the user now or never.
func (s *BackupCodeService) Issue(ctx context.Context, profile *models.SecurityProfile, ip net.IP) ([]string, error) {
	epoch := profile.BackupCodeEpoch + 1

	plaintext := make([]string, 0, s.cfg.Count)
	hashed := make([]*models.BackupCode, 0, s.cfg.Count)

	for i := 0; i < s.cfg.Count; i++ {
		code, err := s.generateCode()
		if err != nil {
			return nil, fmt.Errorf("failed to generate backup code: %w", err)
		}

		result, err := s.hasher.HashBackupCode(code)
		if err != nil {
			return nil, fmt.Errorf("failed to hash backup code: %w", err)
		}

		plaintext = append(plaintext, code)
		hashed = append(hashed, &models.BackupCode{
			CodeHash:      result.Hash,
			CodeSalt:      result.Salt,
			PepperVersion: result.PepperVersion,
		})
	}

	if err := s.codes.ReplaceEpoch(ctx, profile.UserID, epoch, hashed); err != nil {
		return nil, err
	}

	if err := s.profiles.UpdateBackupCounters(ctx, profile.UserID, epoch, s.cfg.Count); err != nil {
		return nil, err
	}

	profile.BackupCodeEpoch = epoch
	profile.BackupCodesRemaining = s.cfg.Count

	eventType := models.EventBackupCodesIssued
	if epoch > 1 {
		eventType = models.EventBackupCodesRotated
	}
	s.audit.Record(profile.UserID, eventType, fmt.Sprintf("epoch=%d count=%d", epoch, s.cfg.Count), ip)

	s.logger.Info("Backup codes issued",
		util.String("user_id", profile.UserID),
		util.Int("epoch", epoch))

	return plaintext, nil
}

// Redeem burns one code from the current epoch. A code matches only if
// it belongs to the profile's live epoch and has not been used.
func (s *BackupCodeService) Redeem(ctx context.Context, profile *models.SecurityProfile, code string, ip net.IP) error {
	if profile.BackupCodeEpoch == 0 {
		return fmt.Errorf("%w: no backup codes issued", ErrAuthChallenge)
	}

	stored, err := s.codes.ListEpoch(ctx, profile.UserID, profile.BackupCodeEpoch)
	if err != nil {
		return err
	}

	for _, candidate := range stored {
		if candidate.Used {
			continue
		}
		match, err := s.hasher.Verify(code, candidate.CodeHash, candidate.CodeSalt, candidate.PepperVersion)
		if err != nil {
			s.logger.Warn("Backup code verification error", util.ErrorField(err))
			continue
		}
		if !match {
			continue
		}

		if err := s.codes.MarkUsed(ctx, profile.UserID, profile.BackupCodeEpoch, candidate.CodeHash); err != nil {
			return err
		}

		remaining := profile.BackupCodesRemaining - 1
		if remaining < 0 {
			remaining = 0
		}
		if err := s.profiles.UpdateBackupCounters(ctx, profile.UserID, profile.BackupCodeEpoch, remaining); err != nil {
			return err
		}
		profile.BackupCodesRemaining = remaining

		s.audit.Record(profile.UserID, models.EventBackupCodeRedeemed,
			fmt.Sprintf("epoch=%d remaining=%d", profile.BackupCodeEpoch, remaining), ip)

		s.logger.Info("Backup code redeemed",
			util.String("user_id", profile.UserID),
			util.Int("remaining", remaining))

		return nil
	}

	return fmt.Errorf("%w: backup code not recognized", ErrAuthChallenge)
}

// Purge removes every stored code, used when 2FA is disabled.
func (s *BackupCodeService) Purge(ctx context.Context, userID string) error {
	return s.codes.PurgeAll(ctx, userID)
}

func (s *BackupCodeService) generateCode() (string, error) {
	buf := make([]byte, s.cfg.CodeLength)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	for i, b := range buf {
		buf[i] = backupCodeAlphabet[int(b)%len(backupCodeAlphabet)]
	}
	return string(buf), nil
}
