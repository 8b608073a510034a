package service

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/pquerna/otp/totp"

	"security-service/internal/models"
)

func TestStartSetupRequiresPassword(t *testing.T) {
	env := newEnrollmentEnv(t)
	ctx := context.Background()

	// No password on the account yet.
	_, err := env.enrollment.StartSetup(ctx, "user-1", models.MethodApp, "")
	if !errors.Is(err, ErrPasswordRequired) {
		t.Fatalf("expected ErrPasswordRequired, got %v", err)
	}
}

func TestStartSetupRejectsUnknownMethod(t *testing.T) {
	env := newEnrollmentEnv(t)
	ctx := context.Background()
	env.seedProfile(t, "user-1")

	_, err := env.enrollment.StartSetup(ctx, "user-1", models.SecondFactorMethod("carrier_pigeon"), "")
	if !errors.Is(err, ErrValidation) {
		t.Fatalf("expected ErrValidation, got %v", err)
	}
}

func TestStartSetupRejectsBadEmail(t *testing.T) {
	env := newEnrollmentEnv(t)
	ctx := context.Background()
	env.seedProfile(t, "user-1")

	_, err := env.enrollment.StartSetup(ctx, "user-1", models.MethodEmail, "not-an-address")
	if !errors.Is(err, ErrValidation) {
		t.Fatalf("expected ErrValidation, got %v", err)
	}
}

func TestAppEnrollmentFlow(t *testing.T) {
	env := newEnrollmentEnv(t)
	ctx := context.Background()
	env.seedProfile(t, "user-1")

	info, err := env.enrollment.StartSetup(ctx, "user-1", models.MethodApp, "")
	if err != nil {
		t.Fatalf("start setup: %v", err)
	}
	if info.Secret == "" {
		t.Fatal("expected shared secret in setup info")
	}
	if !strings.HasPrefix(info.OtpauthURL, "otpauth://") {
		t.Fatalf("expected otpauth url, got %q", info.OtpauthURL)
	}

	code, err := totp.GenerateCode(info.Secret, time.Now())
	if err != nil {
		t.Fatalf("generate code: %v", err)
	}

	sheet, err := env.enrollment.SubmitCode(ctx, "user-1", code, nil)
	if err != nil {
		t.Fatalf("submit code: %v", err)
	}
	if len(sheet) != 10 {
		t.Fatalf("expected 10 backup codes, got %d", len(sheet))
	}

	profile := env.profileRepo.profiles["user-1"]
	if !profile.TwoFactorEnabled || profile.PrimaryMethod != models.MethodApp {
		t.Fatalf("expected enabled app 2FA, got %+v", profile)
	}
	if len(profile.TOTPSecretEnc) == 0 {
		t.Fatal("expected encrypted totp secret on the profile")
	}

	if err := env.enrollment.AcknowledgeBackupCodes(ctx, "user-1"); err != nil {
		t.Fatalf("acknowledge: %v", err)
	}

	// The flow is closed; acknowledging again has nothing to act on.
	err = env.enrollment.AcknowledgeBackupCodes(ctx, "user-1")
	if !errors.Is(err, ErrSessionExpired) {
		t.Fatalf("expected ErrSessionExpired after close, got %v", err)
	}
}

func TestEmailEnrollmentFlow(t *testing.T) {
	env := newEnrollmentEnv(t)
	ctx := context.Background()
	env.seedProfile(t, "user-1")

	info, err := env.enrollment.StartSetup(ctx, "user-1", models.MethodEmail, "user@example.com")
	if err != nil {
		t.Fatalf("start setup: %v", err)
	}
	if info.Email != "user@example.com" {
		t.Fatalf("unexpected email in setup info: %q", info.Email)
	}

	code := env.lastDispatchedCode(t)

	sheet, err := env.enrollment.SubmitCode(ctx, "user-1", code, nil)
	if err != nil {
		t.Fatalf("submit code: %v", err)
	}
	if len(sheet) != 10 {
		t.Fatalf("expected 10 backup codes, got %d", len(sheet))
	}

	profile := env.profileRepo.profiles["user-1"]
	if profile.PrimaryMethod != models.MethodEmail || profile.TwoFactorEmail != "user@example.com" {
		t.Fatalf("expected email 2FA on the profile, got %+v", profile)
	}
}

func TestStartSetupWhenAlreadyEnabled(t *testing.T) {
	env := newEnrollmentEnv(t)
	ctx := context.Background()
	profile := env.seedProfile(t, "user-1")
	profile.TwoFactorEnabled = true

	_, err := env.enrollment.StartSetup(ctx, "user-1", models.MethodApp, "")
	if !errors.Is(err, ErrServerState) {
		t.Fatalf("expected ErrServerState, got %v", err)
	}
}

func TestSubmitCodeWithoutPendingSetup(t *testing.T) {
	env := newEnrollmentEnv(t)
	ctx := context.Background()
	env.seedProfile(t, "user-1")

	_, err := env.enrollment.SubmitCode(ctx, "user-1", "123456", nil)
	if !errors.Is(err, ErrSessionExpired) {
		t.Fatalf("expected ErrSessionExpired, got %v", err)
	}
}

func TestSubmitMalformedCodeRejectedLocally(t *testing.T) {
	env := newEnrollmentEnv(t)
	ctx := context.Background()
	env.seedProfile(t, "user-1")

	if _, err := env.enrollment.StartSetup(ctx, "user-1", models.MethodEmail, "user@example.com"); err != nil {
		t.Fatalf("start setup: %v", err)
	}
	code := env.lastDispatchedCode(t)

	// Codes that cannot possibly match are refused up front and must
	// not count against the attempt budget.
	for _, malformed := range []string{"12345", "1234567", "12345a", ""} {
		if _, err := env.enrollment.SubmitCode(ctx, "user-1", malformed, nil); !errors.Is(err, ErrValidation) {
			t.Fatalf("SubmitCode(%q): expected ErrValidation, got %v", malformed, err)
		}
	}
	for i := 0; i < env.cfg.OTP.MaxAttempts; i++ {
		if _, err := env.enrollment.SubmitCode(ctx, "user-1", "12345", nil); !errors.Is(err, ErrValidation) {
			t.Fatalf("expected ErrValidation, got %v", err)
		}
	}

	// The attempt budget is untouched; the real code still verifies.
	if _, err := env.enrollment.SubmitCode(ctx, "user-1", code, nil); err != nil {
		t.Fatalf("submit correct code: %v", err)
	}
}

func TestSubmitWrongCodeKeepsSetupOpen(t *testing.T) {
	env := newEnrollmentEnv(t)
	ctx := context.Background()
	env.seedProfile(t, "user-1")

	info, err := env.enrollment.StartSetup(ctx, "user-1", models.MethodApp, "")
	if err != nil {
		t.Fatalf("start setup: %v", err)
	}

	code, err := totp.GenerateCode(info.Secret, time.Now())
	if err != nil {
		t.Fatalf("generate code: %v", err)
	}
	wrong := "000000"
	if wrong == code {
		wrong = "000001"
	}

	if _, err := env.enrollment.SubmitCode(ctx, "user-1", wrong, nil); !errors.Is(err, ErrAuthChallenge) {
		t.Fatalf("expected ErrAuthChallenge, got %v", err)
	}

	// Same enrollment still accepts the right code.
	if _, err := env.enrollment.SubmitCode(ctx, "user-1", code, nil); err != nil {
		t.Fatalf("submit correct code: %v", err)
	}
}

func TestResendSetupCodeCooldown(t *testing.T) {
	env := newEnrollmentEnv(t)
	ctx := context.Background()
	env.seedProfile(t, "user-1")

	if _, err := env.enrollment.StartSetup(ctx, "user-1", models.MethodEmail, "user@example.com"); err != nil {
		t.Fatalf("start setup: %v", err)
	}

	if err := env.enrollment.ResendSetupCode(ctx, "user-1"); !errors.Is(err, ErrThrottled) {
		t.Fatalf("expected resend inside cooldown to throttle, got %v", err)
	}

	env.redis.FastForward(2 * time.Minute)
	if err := env.enrollment.ResendSetupCode(ctx, "user-1"); err != nil {
		t.Fatalf("resend after cooldown: %v", err)
	}
}

func TestCancelSetup(t *testing.T) {
	env := newEnrollmentEnv(t)
	ctx := context.Background()
	env.seedProfile(t, "user-1")

	// Cancelling with nothing pending is a no-op.
	if err := env.enrollment.CancelSetup(ctx, "user-1"); err != nil {
		t.Fatalf("cancel without setup: %v", err)
	}

	info, err := env.enrollment.StartSetup(ctx, "user-1", models.MethodApp, "")
	if err != nil {
		t.Fatalf("start setup: %v", err)
	}
	if err := env.enrollment.CancelSetup(ctx, "user-1"); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	code, err := totp.GenerateCode(info.Secret, time.Now())
	if err != nil {
		t.Fatalf("generate code: %v", err)
	}
	if _, err := env.enrollment.SubmitCode(ctx, "user-1", code, nil); !errors.Is(err, ErrSessionExpired) {
		t.Fatalf("expected cancelled setup to be gone, got %v", err)
	}
}

func TestSetupMutationsRespectUserLock(t *testing.T) {
	env := newEnrollmentEnv(t)
	ctx := context.Background()
	env.seedProfile(t, "user-1")

	if _, err := env.enrollment.StartSetup(ctx, "user-1", models.MethodEmail, "user@example.com"); err != nil {
		t.Fatalf("start setup: %v", err)
	}

	// Another request for this user holds the mutation lock.
	ok, err := env.locks.Acquire(ctx, "user-1")
	if err != nil || !ok {
		t.Fatalf("acquire lock: ok=%v err=%v", ok, err)
	}

	if err := env.enrollment.CancelSetup(ctx, "user-1"); !errors.Is(err, ErrOperationInFlight) {
		t.Fatalf("cancel under lock: expected ErrOperationInFlight, got %v", err)
	}
	if err := env.enrollment.ResendSetupCode(ctx, "user-1"); !errors.Is(err, ErrOperationInFlight) {
		t.Fatalf("resend under lock: expected ErrOperationInFlight, got %v", err)
	}
	if err := env.enrollment.AcknowledgeBackupCodes(ctx, "user-1"); !errors.Is(err, ErrOperationInFlight) {
		t.Fatalf("acknowledge under lock: expected ErrOperationInFlight, got %v", err)
	}

	env.locks.Release(ctx, "user-1")
	if err := env.enrollment.CancelSetup(ctx, "user-1"); err != nil {
		t.Fatalf("cancel after release: %v", err)
	}
}

func TestCancelAfterVerificationRefused(t *testing.T) {
	env := newEnrollmentEnv(t)
	ctx := context.Background()
	env.seedProfile(t, "user-1")

	info, err := env.enrollment.StartSetup(ctx, "user-1", models.MethodApp, "")
	if err != nil {
		t.Fatalf("start setup: %v", err)
	}
	code, err := totp.GenerateCode(info.Secret, time.Now())
	if err != nil {
		t.Fatalf("generate code: %v", err)
	}
	if _, err := env.enrollment.SubmitCode(ctx, "user-1", code, nil); err != nil {
		t.Fatalf("submit code: %v", err)
	}

	// 2FA is already on; the backup sheet must be acknowledged, not cancelled away.
	if err := env.enrollment.CancelSetup(ctx, "user-1"); !errors.Is(err, ErrServerState) {
		t.Fatalf("expected ErrServerState, got %v", err)
	}
}

func TestRotateBackupCodes(t *testing.T) {
	env := newEnrollmentEnv(t)
	ctx := context.Background()
	env.seedProfile(t, "user-1")

	info, err := env.enrollment.StartSetup(ctx, "user-1", models.MethodApp, "")
	if err != nil {
		t.Fatalf("start setup: %v", err)
	}
	code, err := totp.GenerateCode(info.Secret, time.Now())
	if err != nil {
		t.Fatalf("generate code: %v", err)
	}
	oldSheet, err := env.enrollment.SubmitCode(ctx, "user-1", code, nil)
	if err != nil {
		t.Fatalf("submit code: %v", err)
	}

	newSheet, err := env.enrollment.RotateBackupCodes(ctx, "user-1",
		&StepUpProof{Password: "hunter2hunter2"}, nil)
	if err != nil {
		t.Fatalf("rotate: %v", err)
	}
	if len(newSheet) != 10 {
		t.Fatalf("expected 10 codes, got %d", len(newSheet))
	}

	profile := env.profileRepo.profiles["user-1"]
	if err := env.backup.Redeem(ctx, profile, oldSheet[0], nil); !errors.Is(err, ErrAuthChallenge) {
		t.Fatalf("expected old-epoch code to be dead, got %v", err)
	}
	if err := env.backup.Redeem(ctx, profile, newSheet[0], nil); err != nil {
		t.Fatalf("redeem new code: %v", err)
	}
}

func TestRotateRequiresStepUp(t *testing.T) {
	env := newEnrollmentEnv(t)
	ctx := context.Background()
	profile := env.seedProfile(t, "user-1")
	profile.TwoFactorEnabled = true

	_, err := env.enrollment.RotateBackupCodes(ctx, "user-1",
		&StepUpProof{Password: "wrong-password"}, nil)
	if !errors.Is(err, ErrAuthChallenge) {
		t.Fatalf("expected ErrAuthChallenge, got %v", err)
	}
}

func TestDisableFlow(t *testing.T) {
	env := newEnrollmentEnv(t)
	ctx := context.Background()
	env.seedProfile(t, "user-1")

	info, err := env.enrollment.StartSetup(ctx, "user-1", models.MethodApp, "")
	if err != nil {
		t.Fatalf("start setup: %v", err)
	}
	code, err := totp.GenerateCode(info.Secret, time.Now())
	if err != nil {
		t.Fatalf("generate code: %v", err)
	}
	sheet, err := env.enrollment.SubmitCode(ctx, "user-1", code, nil)
	if err != nil {
		t.Fatalf("submit code: %v", err)
	}
	if err := env.enrollment.AcknowledgeBackupCodes(ctx, "user-1"); err != nil {
		t.Fatalf("acknowledge: %v", err)
	}

	// A wrong proof leaves 2FA on.
	err = env.enrollment.Disable(ctx, "user-1", &StepUpProof{Password: "wrong-password"}, nil)
	if !errors.Is(err, ErrAuthChallenge) {
		t.Fatalf("expected ErrAuthChallenge, got %v", err)
	}
	if !env.profileRepo.profiles["user-1"].TwoFactorEnabled {
		t.Fatal("2FA must stay enabled after a failed proof")
	}

	if err := env.enrollment.Disable(ctx, "user-1", &StepUpProof{Password: "hunter2hunter2"}, nil); err != nil {
		t.Fatalf("disable: %v", err)
	}

	profile := env.profileRepo.profiles["user-1"]
	if profile.TwoFactorEnabled || profile.PrimaryMethod != models.MethodNone {
		t.Fatalf("expected 2FA off, got %+v", profile)
	}
	if len(profile.TOTPSecretEnc) != 0 || profile.TOTPKeyID != "" {
		t.Fatal("expected totp secret wiped")
	}

	// Backup codes died with the 2FA enrollment.
	profile.TwoFactorEnabled = true // only to reach Redeem's epoch check
	if err := env.backup.Redeem(ctx, profile, sheet[0], nil); !errors.Is(err, ErrAuthChallenge) {
		t.Fatalf("expected purged codes to fail, got %v", err)
	}
}

func TestDisableWhenNotEnabled(t *testing.T) {
	env := newEnrollmentEnv(t)
	ctx := context.Background()
	env.seedProfile(t, "user-1")

	err := env.enrollment.Disable(ctx, "user-1", &StepUpProof{Password: "hunter2hunter2"}, nil)
	if !errors.Is(err, ErrServerState) {
		t.Fatalf("expected ErrServerState, got %v", err)
	}
}

func TestDisableWithEmailedCode(t *testing.T) {
	env := newEnrollmentEnv(t)
	ctx := context.Background()
	env.seedProfile(t, "user-1")

	if _, err := env.enrollment.StartSetup(ctx, "user-1", models.MethodEmail, "user@example.com"); err != nil {
		t.Fatalf("start setup: %v", err)
	}
	setupCode := env.lastDispatchedCode(t)
	if _, err := env.enrollment.SubmitCode(ctx, "user-1", setupCode, nil); err != nil {
		t.Fatalf("submit code: %v", err)
	}
	if err := env.enrollment.AcknowledgeBackupCodes(ctx, "user-1"); err != nil {
		t.Fatalf("acknowledge: %v", err)
	}

	if err := env.enrollment.RequestDisableCode(ctx, "user-1"); err != nil {
		t.Fatalf("request disable code: %v", err)
	}
	disableCode := env.lastDispatchedCode(t)

	if err := env.enrollment.Disable(ctx, "user-1", &StepUpProof{EmailCode: disableCode}, nil); err != nil {
		t.Fatalf("disable: %v", err)
	}
	if env.profileRepo.profiles["user-1"].TwoFactorEnabled {
		t.Fatal("expected 2FA disabled")
	}
}
