package service

import (
	"context"
	"errors"
	"testing"

	"security-service/internal/models"
)

func newRecoveryEnv(t *testing.T) (*RecoveryService, *testEnrollmentEnv) {
	t.Helper()

	env := newEnrollmentEnv(t)
	svc := NewRecoveryService(env.recovery, env.otp, env.profiles, testAudit(), testLogger())
	return svc, env
}

func TestRecoveryAddAndConfirm(t *testing.T) {
	svc, env := newRecoveryEnv(t)
	ctx := context.Background()
	env.seedProfile(t, "user-1")

	if err := svc.Add(ctx, "user-1", models.ChannelEmail, "backup@example.com"); err != nil {
		t.Fatalf("add: %v", err)
	}

	channels, err := svc.List(ctx, "user-1")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(channels) != 1 || channels[0].Verified || channels[0].Active {
		t.Fatalf("expected one unverified inactive channel, got %+v", channels)
	}

	code := env.lastDispatchedCode(t)
	if err := svc.Confirm(ctx, "user-1", models.ChannelEmail, code, nil); err != nil {
		t.Fatalf("confirm: %v", err)
	}

	channels, err = svc.List(ctx, "user-1")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if !channels[0].Verified || !channels[0].Active {
		t.Fatalf("expected verified active channel, got %+v", channels[0])
	}
}

func TestRecoveryAddValidation(t *testing.T) {
	svc, env := newRecoveryEnv(t)
	ctx := context.Background()
	env.seedProfile(t, "user-1")

	if err := svc.Add(ctx, "user-1", models.ChannelEmail, "not-an-address"); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected ErrValidation for bad email, got %v", err)
	}
	if err := svc.Add(ctx, "user-1", models.ChannelPhone, "call-me-maybe"); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected ErrValidation for bad phone, got %v", err)
	}
	if err := svc.Add(ctx, "user-1", models.ChannelEmail, "   "); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected ErrValidation for blank value, got %v", err)
	}
}

func TestRecoveryConfirmWrongCode(t *testing.T) {
	svc, env := newRecoveryEnv(t)
	ctx := context.Background()
	env.seedProfile(t, "user-1")

	if err := svc.Add(ctx, "user-1", models.ChannelEmail, "backup@example.com"); err != nil {
		t.Fatalf("add: %v", err)
	}

	code := env.lastDispatchedCode(t)
	wrong := "000000"
	if wrong == code {
		wrong = "000001"
	}

	err := svc.Confirm(ctx, "user-1", models.ChannelEmail, wrong, nil)
	if !errors.Is(err, ErrAuthChallenge) {
		t.Fatalf("expected ErrAuthChallenge, got %v", err)
	}

	channels, _ := svc.List(ctx, "user-1")
	if channels[0].Verified {
		t.Fatal("channel must stay unverified after a wrong code")
	}
}

func TestRecoverySetActiveRequiresVerification(t *testing.T) {
	svc, env := newRecoveryEnv(t)
	ctx := context.Background()
	env.seedProfile(t, "user-1")

	if err := svc.Add(ctx, "user-1", models.ChannelEmail, "backup@example.com"); err != nil {
		t.Fatalf("add: %v", err)
	}

	err := svc.SetActive(ctx, "user-1", models.ChannelEmail, true)
	if !errors.Is(err, ErrServerState) {
		t.Fatalf("expected ErrServerState for unverified channel, got %v", err)
	}

	code := env.lastDispatchedCode(t)
	if err := svc.Confirm(ctx, "user-1", models.ChannelEmail, code, nil); err != nil {
		t.Fatalf("confirm: %v", err)
	}

	// Verified channels toggle freely.
	if err := svc.SetActive(ctx, "user-1", models.ChannelEmail, false); err != nil {
		t.Fatalf("deactivate: %v", err)
	}
	if err := svc.SetActive(ctx, "user-1", models.ChannelEmail, true); err != nil {
		t.Fatalf("reactivate: %v", err)
	}
}

func TestRecoveryRemove(t *testing.T) {
	svc, env := newRecoveryEnv(t)
	ctx := context.Background()
	env.seedProfile(t, "user-1")

	if err := svc.Remove(ctx, "user-1", models.ChannelEmail); !errors.Is(err, ErrServerState) {
		t.Fatalf("expected ErrServerState for unknown channel, got %v", err)
	}

	if err := svc.Add(ctx, "user-1", models.ChannelEmail, "backup@example.com"); err != nil {
		t.Fatalf("add: %v", err)
	}
	if err := svc.Remove(ctx, "user-1", models.ChannelEmail); err != nil {
		t.Fatalf("remove: %v", err)
	}

	channels, err := svc.List(ctx, "user-1")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(channels) != 0 {
		t.Fatalf("expected no channels, got %d", len(channels))
	}
}
