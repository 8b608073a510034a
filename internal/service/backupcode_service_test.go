package service

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"security-service/internal/hashing"
	"security-service/internal/models"
)

func newBackupEnv(t *testing.T) (*BackupCodeService, *mockProfileRepo, *mockBackupCodeRepo) {
	t.Helper()

	cfg := testConfig()
	profileRepo := newMockProfileRepo()
	backupRepo := newMockBackupCodeRepo()
	svc := NewBackupCodeService(
		backupRepo, profileRepo, hashing.NewHasher(cfg), testAudit(), cfg, testLogger())

	return svc, profileRepo, backupRepo
}

func seededProfile(repo *mockProfileRepo, userID string) *models.SecurityProfile {
	p := &models.SecurityProfile{
		UserID:           userID,
		PasswordSet:      true,
		TwoFactorEnabled: true,
		PrimaryMethod:    models.MethodApp,
		CreatedAt:        time.Now().UTC(),
	}
	repo.profiles[userID] = p
	return p
}

func TestBackupCodeIssue(t *testing.T) {
	svc, profileRepo, _ := newBackupEnv(t)
	ctx := context.Background()
	profile := seededProfile(profileRepo, "user-1")

	sheet, err := svc.Issue(ctx, profile, nil)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	if len(sheet) != 10 {
		t.Fatalf("expected 10 codes, got %d", len(sheet))
	}
	for _, code := range sheet {
		if len(code) != 8 {
			t.Fatalf("expected 8-char code, got %q", code)
		}
		if strings.ContainsAny(code, "0O1I") {
			t.Fatalf("code %q contains an ambiguous character", code)
		}
	}

	if profile.BackupCodeEpoch != 1 {
		t.Fatalf("expected epoch 1, got %d", profile.BackupCodeEpoch)
	}
	if profile.BackupCodesRemaining != 10 {
		t.Fatalf("expected 10 remaining, got %d", profile.BackupCodesRemaining)
	}
	if profileRepo.updateCountersCalls != 1 {
		t.Fatalf("expected one counter update, got %d", profileRepo.updateCountersCalls)
	}
}

func TestBackupCodeRedeemIsSingleUse(t *testing.T) {
	svc, profileRepo, _ := newBackupEnv(t)
	ctx := context.Background()
	profile := seededProfile(profileRepo, "user-1")

	sheet, err := svc.Issue(ctx, profile, nil)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	if err := svc.Redeem(ctx, profile, sheet[3], nil); err != nil {
		t.Fatalf("redeem: %v", err)
	}
	if profile.BackupCodesRemaining != 9 {
		t.Fatalf("expected 9 remaining, got %d", profile.BackupCodesRemaining)
	}

	err = svc.Redeem(ctx, profile, sheet[3], nil)
	if !errors.Is(err, ErrAuthChallenge) {
		t.Fatalf("expected ErrAuthChallenge on reuse, got %v", err)
	}

	// Other codes from the sheet are unaffected.
	if err := svc.Redeem(ctx, profile, sheet[7], nil); err != nil {
		t.Fatalf("redeem other code: %v", err)
	}
}

func TestBackupCodeUnknownCode(t *testing.T) {
	svc, profileRepo, _ := newBackupEnv(t)
	ctx := context.Background()
	profile := seededProfile(profileRepo, "user-1")

	if _, err := svc.Issue(ctx, profile, nil); err != nil {
		t.Fatalf("issue: %v", err)
	}

	err := svc.Redeem(ctx, profile, "ZZZZZZZZ", nil)
	if !errors.Is(err, ErrAuthChallenge) {
		t.Fatalf("expected ErrAuthChallenge, got %v", err)
	}
}

func TestBackupCodeRedeemWithoutSheet(t *testing.T) {
	svc, profileRepo, _ := newBackupEnv(t)
	ctx := context.Background()
	profile := seededProfile(profileRepo, "user-1")

	err := svc.Redeem(ctx, profile, "ABCD2345", nil)
	if !errors.Is(err, ErrAuthChallenge) {
		t.Fatalf("expected ErrAuthChallenge with no sheet issued, got %v", err)
	}
}

func TestBackupCodeRotationKillsOldEpoch(t *testing.T) {
	svc, profileRepo, _ := newBackupEnv(t)
	ctx := context.Background()
	profile := seededProfile(profileRepo, "user-1")

	oldSheet, err := svc.Issue(ctx, profile, nil)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	newSheet, err := svc.Issue(ctx, profile, nil)
	if err != nil {
		t.Fatalf("rotate: %v", err)
	}
	if profile.BackupCodeEpoch != 2 {
		t.Fatalf("expected epoch 2, got %d", profile.BackupCodeEpoch)
	}

	// An unused code from the old epoch no longer redeems.
	err = svc.Redeem(ctx, profile, oldSheet[0], nil)
	if !errors.Is(err, ErrAuthChallenge) {
		t.Fatalf("expected old-epoch code to fail, got %v", err)
	}

	if err := svc.Redeem(ctx, profile, newSheet[0], nil); err != nil {
		t.Fatalf("redeem new-epoch code: %v", err)
	}
}
