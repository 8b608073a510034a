package hashing

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"security-service/internal/config"
	"security-service/internal/util"

	"go.uber.org/zap"
	"golang.org/x/crypto/argon2"
)

var (
	ErrInvalidHash        = errors.New("invalid hash format")
	ErrUnknownPepper      = errors.New("unknown pepper version")
	ErrVerificationFailed = errors.New("hash verification failed")
)

type Argon2Params struct {
	Memory      uint32
	Iterations  uint32
	Parallelism uint8
	SaltLength  uint32
	KeyLength   uint32
}

// Hasher produces and verifies argon2id hashes for OTP codes, backup
// codes, and step-up password proofs. A server-side pepper is mixed in
// so a leaked table alone is not crackable offline.
//
// Peppers are derived from a configured master secret with HMAC-SHA256
// keyed by version. Any instance holding the secret derives the same
// pepper for a given version, so hashes written before a restart, or by
// another instance mid-rotation, still verify.
type Hasher struct {
	params Argon2Params
	secret []byte
	config *config.Config

	mu      sync.RWMutex
	version int
}

type HashResult struct {
	Hash          string `json:"hash"`
	Salt          string `json:"salt"`
	PepperVersion int    `json:"pepper_version"`
	Algorithm     string `json:"algorithm"`
}

func NewHasher(cfg *config.Config) *Hasher {
	if cfg.Hashing.PepperSecret == "" {
		util.Fatal("HASHING_PEPPER_SECRET is not set")
	}

	return &Hasher{
		params: Argon2Params{
			Memory:      uint32(cfg.Hashing.Argon2MemoryCost),
			Iterations:  uint32(cfg.Hashing.Argon2TimeCost),
			Parallelism: uint8(cfg.Hashing.Argon2Parallelism),
			SaltLength:  32,
			KeyLength:   32,
		},
		secret:  []byte(cfg.Hashing.PepperSecret),
		config:  cfg,
		version: 1,
	}
}

// pepperForVersion derives the pepper for a given version. Derivation
// is deterministic, so retired versions stay verifiable without keeping
// any pepper material in memory or on disk.
func (h *Hasher) pepperForVersion(version int) (string, error) {
	if version < 1 {
		return "", fmt.Errorf("%w: %d", ErrUnknownPepper, version)
	}

	mac := hmac.New(sha256.New, h.secret)
	fmt.Fprintf(mac, "pepper:v%d", version)
	return base64.RawURLEncoding.EncodeToString(mac.Sum(nil)), nil
}

func (h *Hasher) rotatePepper() {
	h.mu.Lock()
	h.version++
	version := h.version
	h.mu.Unlock()

	util.Info("Pepper rotated", zap.Int("version", version))
}

// StartPepperRotation starts background pepper rotation. New hashes
// pick up the bumped version; existing hashes verify through their
// recorded version forever.
func (h *Hasher) StartPepperRotation() {
	ticker := time.NewTicker(time.Duration(h.config.Hashing.PepperRotationDays) * 24 * time.Hour)

	go func() {
		for range ticker.C {
			h.rotatePepper()
		}
	}()
}

// HashOTP hashes a one-time code with the current pepper.
func (h *Hasher) HashOTP(code string) (*HashResult, error) {
	return h.hashWithPepper(code)
}

// HashBackupCode hashes a backup code with the current pepper.
func (h *Hasher) HashBackupCode(code string) (*HashResult, error) {
	return h.hashWithPepper(code)
}

func (h *Hasher) hashWithPepper(value string) (*HashResult, error) {
	version := h.CurrentPepperVersion()
	pepper, err := h.pepperForVersion(version)
	if err != nil {
		return nil, err
	}

	salt := make([]byte, h.params.SaltLength)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("failed to generate salt: %w", err)
	}

	key := argon2.IDKey(
		[]byte(value+pepper),
		salt,
		h.params.Iterations,
		h.params.Memory,
		h.params.Parallelism,
		h.params.KeyLength,
	)

	return &HashResult{
		Hash:          base64.RawStdEncoding.EncodeToString(key),
		Salt:          base64.RawStdEncoding.EncodeToString(salt),
		PepperVersion: version,
		Algorithm:     "argon2id",
	}, nil
}

// Verify recomputes the hash for value against the stored salt and
// pepper version and compares in constant time.
func (h *Hasher) Verify(value, encodedHash, encodedSalt string, pepperVersion int) (bool, error) {
	pepper, err := h.pepperForVersion(pepperVersion)
	if err != nil {
		return false, err
	}

	salt, err := base64.RawStdEncoding.DecodeString(encodedSalt)
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrInvalidHash, err)
	}
	expected, err := base64.RawStdEncoding.DecodeString(encodedHash)
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrInvalidHash, err)
	}

	key := argon2.IDKey(
		[]byte(value+pepper),
		salt,
		h.params.Iterations,
		h.params.Memory,
		h.params.Parallelism,
		uint32(len(expected)),
	)

	return subtle.ConstantTimeCompare(key, expected) == 1, nil
}

// VerifyPassword checks a step-up password proof against the stored
// encoded hash. Password hashes are written by the login service in the
// same salt$hash$version encoding.
func (h *Hasher) VerifyPassword(password, encoded string) (bool, error) {
	salt, hash, version, err := SplitEncoded(encoded)
	if err != nil {
		return false, err
	}
	return h.Verify(password, hash, salt, version)
}

// EncodePassword produces the salt$hash$version encoding used for the
// password_hash column. Exposed for fixtures and tooling.
func (h *Hasher) EncodePassword(password string) (string, error) {
	res, err := h.hashWithPepper(password)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s$%s$%d", res.Salt, res.Hash, res.PepperVersion), nil
}

// SplitEncoded splits a salt$hash$version string.
func SplitEncoded(encoded string) (salt, hash string, pepperVersion int, err error) {
	parts := strings.Split(encoded, "$")
	if len(parts) != 3 {
		return "", "", 0, ErrInvalidHash
	}
	version, err := strconv.Atoi(parts[2])
	if err != nil {
		return "", "", 0, fmt.Errorf("%w: %v", ErrInvalidHash, err)
	}
	return parts[0], parts[1], version, nil
}

// CurrentPepperVersion is used by callers that persist hash metadata.
func (h *Hasher) CurrentPepperVersion() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.version
}
