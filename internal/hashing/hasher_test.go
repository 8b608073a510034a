package hashing

import (
	"errors"
	"testing"

	"security-service/internal/config"
)

func testConfig() *config.Config {
	return &config.Config{
		Hashing: config.HashingConfig{
			Argon2MemoryCost:   8 * 1024,
			Argon2TimeCost:     1,
			Argon2Parallelism:  1,
			PepperSecret:       "test-pepper-secret",
			PepperRotationDays: 90,
		},
	}
}

func TestHashAndVerifyOTP(t *testing.T) {
	h := NewHasher(testConfig())

	res, err := h.HashOTP("482913")
	if err != nil {
		t.Fatalf("hash otp: %v", err)
	}
	if res.Algorithm != "argon2id" {
		t.Fatalf("unexpected algorithm %q", res.Algorithm)
	}
	if res.PepperVersion != h.CurrentPepperVersion() {
		t.Fatalf("pepper version mismatch: %d vs %d", res.PepperVersion, h.CurrentPepperVersion())
	}

	ok, err := h.Verify("482913", res.Hash, res.Salt, res.PepperVersion)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if !ok {
		t.Fatal("expected correct code to verify")
	}

	ok, err = h.Verify("482914", res.Hash, res.Salt, res.PepperVersion)
	if err != nil {
		t.Fatalf("verify wrong code: %v", err)
	}
	if ok {
		t.Fatal("expected wrong code to fail verification")
	}
}

func TestHashesAreSalted(t *testing.T) {
	h := NewHasher(testConfig())

	a, err := h.HashBackupCode("ABCD2345")
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	b, err := h.HashBackupCode("ABCD2345")
	if err != nil {
		t.Fatalf("hash: %v", err)
	}

	if a.Hash == b.Hash {
		t.Fatal("expected distinct hashes for the same code")
	}
	if a.Salt == b.Salt {
		t.Fatal("expected distinct salts")
	}
}

func TestVerifyUnknownPepperVersion(t *testing.T) {
	h := NewHasher(testConfig())

	res, err := h.HashOTP("123456")
	if err != nil {
		t.Fatalf("hash: %v", err)
	}

	for _, version := range []int{0, -3} {
		if _, err := h.Verify("123456", res.Hash, res.Salt, version); !errors.Is(err, ErrUnknownPepper) {
			t.Fatalf("Verify with version %d: expected ErrUnknownPepper, got %v", version, err)
		}
	}
}

func TestPasswordEncodeRoundtrip(t *testing.T) {
	h := NewHasher(testConfig())

	encoded, err := h.EncodePassword("correct horse battery staple")
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	ok, err := h.VerifyPassword("correct horse battery staple", encoded)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if !ok {
		t.Fatal("expected password to verify")
	}

	ok, err = h.VerifyPassword("wrong password", encoded)
	if err != nil {
		t.Fatalf("verify wrong: %v", err)
	}
	if ok {
		t.Fatal("expected wrong password to fail")
	}
}

func TestSplitEncodedMalformed(t *testing.T) {
	cases := []string{
		"",
		"saltonly",
		"salt$hash",
		"salt$hash$notanumber",
		"a$b$c$d",
	}
	for _, encoded := range cases {
		if _, _, _, err := SplitEncoded(encoded); !errors.Is(err, ErrInvalidHash) {
			t.Fatalf("SplitEncoded(%q): expected ErrInvalidHash, got %v", encoded, err)
		}
	}
}

func TestVerifyAfterPepperRotation(t *testing.T) {
	h := NewHasher(testConfig())

	res, err := h.HashOTP("654321")
	if err != nil {
		t.Fatalf("hash: %v", err)
	}

	h.rotatePepper()

	if h.CurrentPepperVersion() != res.PepperVersion+1 {
		t.Fatalf("expected pepper version bump, got %d", h.CurrentPepperVersion())
	}

	// Old-version hashes still verify through the retired pepper.
	ok, err := h.Verify("654321", res.Hash, res.Salt, res.PepperVersion)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if !ok {
		t.Fatal("expected code hashed under retired pepper to verify")
	}
}

// Backup codes and password hashes outlive any single process, so a
// hash written before a restart must verify in a freshly built hasher.
func TestVerifyAcrossRestarts(t *testing.T) {
	cfg := testConfig()

	first := NewHasher(cfg)
	res, err := first.HashBackupCode("WXYZ7890")
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	encoded, err := first.EncodePassword("correct horse battery staple")
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	first.rotatePepper()

	second := NewHasher(cfg)

	ok, err := second.Verify("WXYZ7890", res.Hash, res.Salt, res.PepperVersion)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if !ok {
		t.Fatal("expected backup code hash to verify after restart")
	}

	ok, err = second.VerifyPassword("correct horse battery staple", encoded)
	if err != nil {
		t.Fatalf("verify password: %v", err)
	}
	if !ok {
		t.Fatal("expected password hash to verify after restart")
	}

	// A hash minted under a rotated-forward version verifies too; the
	// fresh hasher derives the pepper from the shared secret.
	rotated, err := func() (*HashResult, error) {
		h := NewHasher(cfg)
		h.rotatePepper()
		return h.HashOTP("246810")
	}()
	if err != nil {
		t.Fatalf("hash under rotated pepper: %v", err)
	}
	ok, err = second.Verify("246810", rotated.Hash, rotated.Salt, rotated.PepperVersion)
	if err != nil {
		t.Fatalf("verify rotated: %v", err)
	}
	if !ok {
		t.Fatal("expected hash from a rotated peer to verify")
	}
}
