package service

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"security-service/internal/hashing"
	"security-service/internal/models"
	"security-service/internal/repository/redis"
)

type otpTestEnv struct {
	svc      *OtpService
	producer *mockProducer
}

func newOtpEnv(t *testing.T) *otpTestEnv {
	t.Helper()

	cfg := testConfig()
	rc, _ := testRedisClient(t)
	producer := &mockProducer{}
	svc := NewOtpService(
		redis.NewOTPCache(rc), hashing.NewHasher(cfg), producer, cfg, testLogger())

	return &otpTestEnv{svc: svc, producer: producer}
}

// lastCode digs the plaintext code out of the dispatched payload.
func (env *otpTestEnv) lastCode(t *testing.T) string {
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

func TestOtpIssueAndVerify(t *testing.T) {
	env := newOtpEnv(t)
	ctx := context.Background()

	if err := env.svc.Issue(ctx, models.PurposeSetupEmail2FA, "user@example.com"); err != nil {
		t.Fatalf("issue: %v", err)
	}

	msg := env.producer.last()
	if msg == nil {
		t.Fatal("expected a dispatched message")
	}
	if msg.Topic != "security.otp.dispatch" {
		t.Fatalf("unexpected topic %q", msg.Topic)
	}

	code := env.lastCode(t)
	if len(code) != 6 {
		t.Fatalf("expected 6-digit code, got %q", code)
	}

	if err := env.svc.Verify(ctx, models.PurposeSetupEmail2FA, "user@example.com", code); err != nil {
		t.Fatalf("verify: %v", err)
	}
}

func TestOtpVerifiedCodeCannotBeReplayed(t *testing.T) {
	env := newOtpEnv(t)
	ctx := context.Background()

	if err := env.svc.Issue(ctx, models.PurposeSetupEmail2FA, "user@example.com"); err != nil {
		t.Fatalf("issue: %v", err)
	}
	code := env.lastCode(t)

	if err := env.svc.Verify(ctx, models.PurposeSetupEmail2FA, "user@example.com", code); err != nil {
		t.Fatalf("verify: %v", err)
	}

	err := env.svc.Verify(ctx, models.PurposeSetupEmail2FA, "user@example.com", code)
	if !errors.Is(err, ErrSessionExpired) {
		t.Fatalf("expected ErrSessionExpired on replay, got %v", err)
	}
}

func TestOtpWrongCodeBurnsAttempts(t *testing.T) {
	env := newOtpEnv(t)
	ctx := context.Background()

	if err := env.svc.Issue(ctx, models.PurposeSetupEmail2FA, "user@example.com"); err != nil {
		t.Fatalf("issue: %v", err)
	}
	code := env.lastCode(t)

	wrong := "000000"
	if wrong == code {
		wrong = "000001"
	}

	for i := 0; i < 4; i++ {
		err := env.svc.Verify(ctx, models.PurposeSetupEmail2FA, "user@example.com", wrong)
		if !errors.Is(err, ErrAuthChallenge) {
			t.Fatalf("attempt %d: expected ErrAuthChallenge, got %v", i+1, err)
		}
	}

	// Fifth wrong attempt exhausts the budget.
	err := env.svc.Verify(ctx, models.PurposeSetupEmail2FA, "user@example.com", wrong)
	if !errors.Is(err, ErrThrottled) {
		t.Fatalf("expected ErrThrottled on exhaustion, got %v", err)
	}

	// The session was destroyed; even the correct code is dead now.
	err = env.svc.Verify(ctx, models.PurposeSetupEmail2FA, "user@example.com", code)
	if !errors.Is(err, ErrSessionExpired) {
		t.Fatalf("expected ErrSessionExpired after exhaustion, got %v", err)
	}
}

func TestOtpResendCooldown(t *testing.T) {
	env := newOtpEnv(t)
	ctx := context.Background()

	if err := env.svc.Issue(ctx, models.PurposeSetupEmail2FA, "user@example.com"); err != nil {
		t.Fatalf("issue: %v", err)
	}

	err := env.svc.Issue(ctx, models.PurposeSetupEmail2FA, "user@example.com")
	if !errors.Is(err, ErrThrottled) {
		t.Fatalf("expected ErrThrottled on immediate reissue, got %v", err)
	}
}

func TestOtpDispatchFailure(t *testing.T) {
	env := newOtpEnv(t)
	ctx := context.Background()

	env.producer.err = errors.New("broker unavailable")

	err := env.svc.Issue(ctx, models.PurposeSetupEmail2FA, "user@example.com")
	if !errors.Is(err, ErrChannelDelivery) {
		t.Fatalf("expected ErrChannelDelivery, got %v", err)
	}
}

// failKeyPrefixHook rejects any command whose key matches the prefix,
// simulating a partial redis outage.
type failKeyPrefixHook struct {
	prefix string
}

func (h failKeyPrefixHook) DialHook(next goredis.DialHook) goredis.DialHook { return next }

func (h failKeyPrefixHook) ProcessHook(next goredis.ProcessHook) goredis.ProcessHook {
	return func(ctx context.Context, cmd goredis.Cmder) error {
		if args := cmd.Args(); len(args) > 1 {
			if key, ok := args[1].(string); ok && strings.HasPrefix(key, h.prefix) {
				return errors.New("redis write refused")
			}
		}
		return next(ctx, cmd)
	}
}

func (h failKeyPrefixHook) ProcessPipelineHook(next goredis.ProcessPipelineHook) goredis.ProcessPipelineHook {
	return next
}

func TestOtpFailedIssueLeavesNoCooldown(t *testing.T) {
	cfg := testConfig()
	rc, mr := testRedisClient(t)
	rc.Client.AddHook(failKeyPrefixHook{prefix: "otpsess:"})

	producer := &mockProducer{}
	svc := NewOtpService(redis.NewOTPCache(rc), hashing.NewHasher(cfg), producer, cfg, testLogger())
	ctx := context.Background()

	if err := svc.Issue(ctx, models.PurposeSetupEmail2FA, "user@example.com"); err == nil {
		t.Fatal("expected issue to fail when the session cannot be stored")
	}

	// A failed issue must not throttle the retry: there is no session
	// the user could verify while waiting out a cooldown.
	if mr.Exists("otpcool:setup_email_2fa:user@example.com") {
		t.Fatal("cooldown armed with no session stored")
	}
	if producer.last() != nil {
		t.Fatal("code dispatched with no session stored")
	}
}

func TestOtpSessionExpiry(t *testing.T) {
	cfg := testConfig()
	cfg.OTP.TTL = time.Minute

	rc, mr := testRedisClient(t)
	producer := &mockProducer{}
	svc := NewOtpService(redis.NewOTPCache(rc), hashing.NewHasher(cfg), producer, cfg, testLogger())
	ctx := context.Background()

	if err := svc.Issue(ctx, models.PurposeDisableViaEmail, "user@example.com"); err != nil {
		t.Fatalf("issue: %v", err)
	}

	var dispatch otpDispatch
	if err := json.Unmarshal(producer.last().Value, &dispatch); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}

	mr.FastForward(2 * time.Minute)

	err := svc.Verify(ctx, models.PurposeDisableViaEmail, "user@example.com", dispatch.Code)
	if !errors.Is(err, ErrSessionExpired) {
		t.Fatalf("expected ErrSessionExpired, got %v", err)
	}
}
