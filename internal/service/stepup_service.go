package service

import (
	"context"
	"fmt"
	"net"

	"github.com/pquerna/otp/totp"
	"go.uber.org/zap"

	"security-service/internal/encryption"
	"security-service/internal/hashing"
	"security-service/internal/models"
	"security-service/internal/util"
)

// StepUpProof carries whichever proof the user supplied for a sensitive
// operation. Exactly one field is expected.
type StepUpProof struct {
	Password   string `json:"password,omitempty"`
	TotpCode   string `json:"totp_code,omitempty"`
	EmailCode  string `json:"email_code,omitempty"`
	BackupCode string `json:"backup_code,omitempty"`
}

// StepUpGuard re-authenticates a user before destructive security
// operations. Disabling 2FA, in particular, never happens on session
// trust alone.
type StepUpGuard struct {
	hasher     *hashing.Hasher
	encryption *encryption.EncryptionManager
	otp        *OtpService
	backup     *BackupCodeService
	audit      *AuditService
	logger     *zap.Logger
}

func NewStepUpGuard(
	hasher *hashing.Hasher,
	encryptionMgr *encryption.EncryptionManager,
	otp *OtpService,
	backup *BackupCodeService,
	audit *AuditService,
	logger *zap.Logger,
) *StepUpGuard {
	return &StepUpGuard{
		hasher:     hasher,
		encryption: encryptionMgr,
		otp:        otp,
		backup:     backup,
		audit:      audit,
		logger:     logger,
	}
}

// Authorize validates the supplied proof against the profile. A failed
// proof is audited; the caller receives ErrAuthChallenge and nothing
// about which check failed beyond the proof kind it chose.
func (g *StepUpGuard) Authorize(ctx context.Context, profile *models.SecurityProfile, proof *StepUpProof, ip net.IP) error {
	var err error

	switch {
	case proof == nil:
		return fmt.Errorf("%w: proof required", ErrValidation)
	case proof.Password != "":
		err = g.checkPassword(profile, proof.Password)
	case proof.TotpCode != "":
		err = g.checkTotp(ctx, profile, proof.TotpCode)
	case proof.EmailCode != "":
		err = g.checkEmailCode(ctx, profile, proof.EmailCode)
	case proof.BackupCode != "":
		err = g.backup.Redeem(ctx, profile, proof.BackupCode, ip)
	default:
		return fmt.Errorf("%w: proof required", ErrValidation)
	}

	if err != nil {
		g.audit.Record(profile.UserID, models.EventStepUpFailed, "", ip)
		g.logger.Warn("Step-up authorization failed",
			util.String("user_id", profile.UserID),
			util.ErrorField(err))
		return err
	}

	return nil
}

// RequestEmailCode sends a step-up code to the 2FA email address.
func (g *StepUpGuard) RequestEmailCode(ctx context.Context, profile *models.SecurityProfile) error {
	if profile.TwoFactorEmail == "" {
		return fmt.Errorf("%w: no email on file", ErrServerState)
	}
	return g.otp.Issue(ctx, models.PurposeDisableViaEmail, profile.TwoFactorEmail)
}

func (g *StepUpGuard) checkPassword(profile *models.SecurityProfile, password string) error {
	if !profile.PasswordSet {
		return ErrPasswordRequired
	}
	ok, err := g.hasher.VerifyPassword(password, profile.PasswordHash)
	if err != nil {
		return fmt.Errorf("password verification error: %w", err)
	}
	if !ok {
		return fmt.Errorf("%w: incorrect password", ErrAuthChallenge)
	}
	return nil
}

func (g *StepUpGuard) checkTotp(ctx context.Context, profile *models.SecurityProfile, code string) error {
	if profile.PrimaryMethod != models.MethodApp || len(profile.TOTPSecretEnc) == 0 {
		return fmt.Errorf("%w: authenticator app not configured", ErrServerState)
	}

	secret, err := g.encryption.DecryptSecret(ctx, &encryption.EncryptedSecret{
		Ciphertext:   profile.TOTPSecretEnc,
		EncryptedDEK: profile.TOTPSecretDEK,
		KeyID:        profile.TOTPKeyID,
	})
	if err != nil {
		return fmt.Errorf("failed to decrypt totp secret: %w", err)
	}

	if !totp.Validate(code, secret) {
		return fmt.Errorf("%w: incorrect code", ErrAuthChallenge)
	}
	return nil
}

func (g *StepUpGuard) checkEmailCode(ctx context.Context, profile *models.SecurityProfile, code string) error {
	if profile.TwoFactorEmail == "" {
		return fmt.Errorf("%w: no email on file", ErrServerState)
	}
	return g.otp.Verify(ctx, models.PurposeDisableViaEmail, profile.TwoFactorEmail, code)
}
