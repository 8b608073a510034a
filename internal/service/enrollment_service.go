package service

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"
	"go.uber.org/zap"

	"security-service/internal/config"
	"security-service/internal/encryption"
	"security-service/internal/models"
	"security-service/internal/repository/redis"
	"security-service/internal/repository/scylla"
	"security-service/internal/util"
)

// SetupInfo is what StartSetup hands back to the client. For the app
// method it carries the shared secret exactly once.
type SetupInfo struct {
	Method     models.SecondFactorMethod `json:"method"`
	Secret     string                    `json:"secret,omitempty"`
	OtpauthURL string                    `json:"otpauth_url,omitempty"`
	Email      string                    `json:"email,omitempty"`
}

// EnrollmentService drives 2FA setup and teardown. All mutations run
// under a per-user lock, so two devices cannot interleave a setup and a
// disable.
type EnrollmentService struct {
	profiles    *ProfileService
	profileRepo scylla.ProfileRepository
	pending     *redis.EnrollmentCache
	otp         *OtpService
	backup      *BackupCodeService
	stepUp      *StepUpGuard
	encryption  *encryption.EncryptionManager
	locks       *redis.MutationLockCache
	audit       *AuditService
	issuer      string
	codeLength  int
	logger      *zap.Logger
}

func NewEnrollmentService(
	profiles *ProfileService,
	profileRepo scylla.ProfileRepository,
	pending *redis.EnrollmentCache,
	otpSvc *OtpService,
	backup *BackupCodeService,
	stepUp *StepUpGuard,
	encryptionMgr *encryption.EncryptionManager,
	locks *redis.MutationLockCache,
	audit *AuditService,
	cfg *config.Config,
	logger *zap.Logger,
) *EnrollmentService {
	return &EnrollmentService{
		profiles:    profiles,
		profileRepo: profileRepo,
		pending:     pending,
		otp:         otpSvc,
		backup:      backup,
		stepUp:      stepUp,
		encryption:  encryptionMgr,
		locks:       locks,
		audit:       audit,
		issuer:      cfg.WebAuthn.RPDisplayName,
		codeLength:  cfg.OTP.CodeLength,
		logger:      logger,
	}
}

func (s *EnrollmentService) withLock(ctx context.Context, userID string, fn func() error) error {
	ok, err := s.locks.Acquire(ctx, userID)
	if err != nil {
		return err
	}
	if !ok {
		return ErrOperationInFlight
	}
	defer s.locks.Release(ctx, userID)

	return fn()
}

// StartSetup opens a 2FA enrollment. Requires a password on the account
// first. Restarting replaces any earlier pending enrollment.
func (s *EnrollmentService) StartSetup(ctx context.Context, userID string, method models.SecondFactorMethod, email string) (*SetupInfo, error) {
	var info *SetupInfo

	err := s.withLock(ctx, userID, func() error {
		profile, err := s.profiles.Get(ctx, userID)
		if err != nil {
			return err
		}
		if !profile.PasswordSet {
			return ErrPasswordRequired
		}
		if profile.TwoFactorEnabled {
			return fmt.Errorf("%w: two-factor already enabled", ErrServerState)
		}

		switch method {
		case models.MethodApp:
			info, err = s.startAppSetup(ctx, userID)
		case models.MethodEmail:
			info, err = s.startEmailSetup(ctx, userID, email)
		default:
			return fmt.Errorf("%w: unknown method %q", ErrValidation, method)
		}
		return err
	})
	if err != nil {
		return nil, err
	}

	return info, nil
}

func (s *EnrollmentService) startAppSetup(ctx context.Context, userID string) (*SetupInfo, error) {
	key, err := totp.Generate(totp.GenerateOpts{
		Issuer:      s.issuer,
		AccountName: userID,
		Period:      30,
		SecretSize:  32,
		Algorithm:   otp.AlgorithmSHA1,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to generate totp key: %w", err)
	}

	sealed, err := s.encryption.EncryptSecret(ctx, key.Secret())
	if err != nil {
		return nil, fmt.Errorf("failed to encrypt totp secret: %w", err)
	}

	state := &models.EnrollmentState{
		UserID:        userID,
		Method:        models.MethodApp,
		Stage:         models.StageAwaitingCode,
		TOTPSecretEnc: sealed.Ciphertext,
		TOTPSecretDEK: sealed.EncryptedDEK,
		TOTPKeyID:     sealed.KeyID,
		StartedAt:     time.Now().UTC(),
	}
	if err := s.pending.Put(state); err != nil {
		return nil, err
	}

	s.logger.Info("App 2FA setup started", util.String("user_id", userID))

	return &SetupInfo{
		Method:     models.MethodApp,
		Secret:     key.Secret(),
		OtpauthURL: key.URL(),
	}, nil
}

func (s *EnrollmentService) startEmailSetup(ctx context.Context, userID, email string) (*SetupInfo, error) {
	email = util.SanitizeInput(email)
	if !util.LooksLikeEmail(email) {
		return nil, fmt.Errorf("%w: invalid email address", ErrValidation)
	}

	if err := s.otp.Issue(ctx, models.PurposeSetupEmail2FA, email); err != nil {
		return nil, err
	}

	state := &models.EnrollmentState{
		UserID:    userID,
		Method:    models.MethodEmail,
		Stage:     models.StageAwaitingCode,
		Email:     email,
		StartedAt: time.Now().UTC(),
	}
	if err := s.pending.Put(state); err != nil {
		return nil, err
	}

	s.logger.Info("Email 2FA setup started", util.String("user_id", userID))

	return &SetupInfo{Method: models.MethodEmail, Email: email}, nil
}

// ResendSetupCode re-sends the email code for a pending email setup,
// subject to the send cooldown.
func (s *EnrollmentService) ResendSetupCode(ctx context.Context, userID string) error {
	return s.withLock(ctx, userID, func() error {
		state, err := s.pending.Get(userID)
		if err != nil {
			return err
		}
		if state == nil || state.Stage != models.StageAwaitingCode {
			return ErrSessionExpired
		}
		if state.Method != models.MethodEmail {
			return fmt.Errorf("%w: nothing to resend for app setup", ErrServerState)
		}

		return s.otp.Issue(ctx, models.PurposeSetupEmail2FA, state.Email)
	})
}

// SubmitCode proves possession of the second factor. On success 2FA is
// enabled, a fresh backup code sheet is issued, and the plaintext sheet
// is returned for the one time it will ever be visible.
func (s *EnrollmentService) SubmitCode(ctx context.Context, userID, code string, ip net.IP) ([]string, error) {
	// A malformed code can never match; reject it before it burns an
	// attempt against the pending session.
	if len(code) != s.codeLength || !util.IsDigits(code) {
		return nil, fmt.Errorf("%w: code must be %d digits", ErrValidation, s.codeLength)
	}

	var sheet []string

	err := s.withLock(ctx, userID, func() error {
		state, err := s.pending.Get(userID)
		if err != nil {
			return err
		}
		if state == nil {
			return ErrSessionExpired
		}
		if state.Stage != models.StageAwaitingCode {
			return fmt.Errorf("%w: code already verified", ErrServerState)
		}

		switch state.Method {
		case models.MethodApp:
			if err := s.verifyTotpCode(ctx, state, code); err != nil {
				return err
			}
		case models.MethodEmail:
			if err := s.otp.Verify(ctx, models.PurposeSetupEmail2FA, state.Email, code); err != nil {
				return err
			}
		default:
			return fmt.Errorf("%w: corrupt enrollment state", ErrServerState)
		}

		profile, err := s.profiles.Get(ctx, userID)
		if err != nil {
			return err
		}

		now := time.Now().UTC()
		profile.TwoFactorEnabled = true
		profile.PrimaryMethod = state.Method
		profile.TOTPSecretEnc = state.TOTPSecretEnc
		profile.TOTPSecretDEK = state.TOTPSecretDEK
		profile.TOTPKeyID = state.TOTPKeyID
		profile.TwoFactorEmail = state.Email
		profile.UpdatedAt = &now

		if err := s.profileRepo.UpdateSecondFactor(ctx, profile); err != nil {
			return err
		}

		sheet, err = s.backup.Issue(ctx, profile, ip)
		if err != nil {
			return err
		}

		state.Stage = models.StageAwaitingAck
		state.TOTPSecretEnc = nil
		state.TOTPSecretDEK = nil
		state.TOTPKeyID = ""
		if err := s.pending.Put(state); err != nil {
			s.logger.Warn("Failed to advance enrollment stage", util.ErrorField(err))
		}

		s.audit.Record(userID, models.EventTwoFactorEnabled, "method="+string(state.Method), ip)
		s.profiles.PublishUpdated(ctx, userID)

		s.logger.Info("Two-factor enabled",
			util.String("user_id", userID),
			util.String("method", string(state.Method)))

		return nil
	})
	if err != nil {
		return nil, err
	}

	return sheet, nil
}

func (s *EnrollmentService) verifyTotpCode(ctx context.Context, state *models.EnrollmentState, code string) error {
	secret, err := s.encryption.DecryptSecret(ctx, &encryption.EncryptedSecret{
		Ciphertext:   state.TOTPSecretEnc,
		EncryptedDEK: state.TOTPSecretDEK,
		KeyID:        state.TOTPKeyID,
	})
	if err != nil {
		return fmt.Errorf("failed to decrypt pending totp secret: %w", err)
	}

	if !totp.Validate(code, secret) {
		return fmt.Errorf("%w: incorrect code", ErrAuthChallenge)
	}
	return nil
}

// AcknowledgeBackupCodes closes the enrollment after the user confirms
// they stored the sheet.
func (s *EnrollmentService) AcknowledgeBackupCodes(ctx context.Context, userID string) error {
	return s.withLock(ctx, userID, func() error {
		state, err := s.pending.Get(userID)
		if err != nil {
			return err
		}
		if state == nil {
			return ErrSessionExpired
		}
		if state.Stage != models.StageAwaitingAck {
			return fmt.Errorf("%w: backup codes not issued yet", ErrServerState)
		}

		return s.pending.Delete(userID)
	})
}

// CancelSetup abandons a pending enrollment. The profile is untouched
// unless the enrollment had already reached the acknowledgment stage,
// in which case 2FA stays on.
func (s *EnrollmentService) CancelSetup(ctx context.Context, userID string) error {
	return s.withLock(ctx, userID, func() error {
		state, err := s.pending.Get(userID)
		if err != nil {
			return err
		}
		if state == nil {
			return nil
		}
		if state.Stage == models.StageAwaitingAck {
			return fmt.Errorf("%w: enrollment already completed", ErrServerState)
		}

		if state.Method == models.MethodEmail {
			_ = s.otp.Cancel(models.PurposeSetupEmail2FA, state.Email)
		}

		return s.pending.Delete(userID)
	})
}

// RotateBackupCodes issues a fresh sheet under step-up, killing every
// code from the previous epoch.
func (s *EnrollmentService) RotateBackupCodes(ctx context.Context, userID string, proof *StepUpProof, ip net.IP) ([]string, error) {
	var sheet []string

	err := s.withLock(ctx, userID, func() error {
		profile, err := s.profiles.Get(ctx, userID)
		if err != nil {
			return err
		}
		if !profile.TwoFactorEnabled {
			return fmt.Errorf("%w: two-factor not enabled", ErrServerState)
		}

		if err := s.stepUp.Authorize(ctx, profile, proof, ip); err != nil {
			return err
		}

		sheet, err = s.backup.Issue(ctx, profile, ip)
		if err != nil {
			return err
		}

		s.profiles.PublishUpdated(ctx, userID)
		return nil
	})
	if err != nil {
		return nil, err
	}

	return sheet, nil
}

// RequestDisableCode sends a step-up code to the 2FA email for users
// who enrolled with the email method.
func (s *EnrollmentService) RequestDisableCode(ctx context.Context, userID string) error {
	profile, err := s.profiles.Get(ctx, userID)
	if err != nil {
		return err
	}
	if !profile.TwoFactorEnabled {
		return fmt.Errorf("%w: two-factor not enabled", ErrServerState)
	}
	return s.stepUp.RequestEmailCode(ctx, profile)
}

// Disable turns 2FA off. It demands a fresh proof, wipes the TOTP
// secret, and destroys every backup code.
func (s *EnrollmentService) Disable(ctx context.Context, userID string, proof *StepUpProof, ip net.IP) error {
	return s.withLock(ctx, userID, func() error {
		profile, err := s.profiles.Get(ctx, userID)
		if err != nil {
			return err
		}
		if !profile.TwoFactorEnabled {
			return fmt.Errorf("%w: two-factor not enabled", ErrServerState)
		}

		if err := s.stepUp.Authorize(ctx, profile, proof, ip); err != nil {
			return err
		}

		now := time.Now().UTC()
		profile.TwoFactorEnabled = false
		profile.PrimaryMethod = models.MethodNone
		profile.TOTPSecretEnc = nil
		profile.TOTPSecretDEK = nil
		profile.TOTPKeyID = ""
		profile.TwoFactorEmail = ""
		profile.UpdatedAt = &now

		if err := s.profileRepo.UpdateSecondFactor(ctx, profile); err != nil {
			return err
		}

		if err := s.backup.Purge(ctx, userID); err != nil {
			s.logger.Warn("Failed to purge backup codes on disable", util.ErrorField(err))
		}
		if err := s.profileRepo.UpdateBackupCounters(ctx, userID, profile.BackupCodeEpoch, 0); err != nil {
			s.logger.Warn("Failed to reset backup counters", util.ErrorField(err))
		}
		profile.BackupCodesRemaining = 0

		_ = s.pending.Delete(userID)

		s.audit.Record(userID, models.EventTwoFactorDisabled, "", ip)
		s.profiles.PublishUpdated(ctx, userID)

		s.logger.Info("Two-factor disabled", util.String("user_id", userID))
		return nil
	})
}
