package encryption

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"sync"

	"security-service/internal/config"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/kms"
	"github.com/aws/aws-sdk-go-v2/service/kms/types"
)

var (
	ErrEncryptionFailed = errors.New("encryption failed")
	ErrDecryptionFailed = errors.New("decryption failed")
)

// EncryptedSecret is an envelope-encrypted value: AES-256-GCM under a
// per-value data key, the data key itself wrapped by KMS (or, outside
// production, by a process-local master key).
type EncryptedSecret struct {
	Ciphertext   []byte `json:"ciphertext"`
	EncryptedDEK []byte `json:"encrypted_dek"`
	KeyID        string `json:"key_id"`
}

type EncryptionManager struct {
	kmsClient *kms.Client
	config    *config.Config

	localMaster []byte   // dev fallback master key
	dekCache    sync.Map // base64(EncryptedDEK) -> plaintext DEK
	mu          sync.Mutex
}

func NewEncryptionManager(cfg *config.Config, kmsClient *kms.Client) *EncryptionManager {
	em := &EncryptionManager{
		kmsClient: kmsClient,
		config:    cfg,
	}
	if !cfg.KMS.Enabled || kmsClient == nil {
		em.localMaster = make([]byte, 32)
		if _, err := rand.Read(em.localMaster); err != nil {
			panic("failed to generate local master key: " + err.Error())
		}
	}
	return em
}

// EncryptSecret envelope-encrypts a secret (the pending/active TOTP
// seed) for storage.
func (em *EncryptionManager) EncryptSecret(ctx context.Context, plaintext string) (*EncryptedSecret, error) {
	dek, encryptedDEK, keyID, err := em.generateDataKey(ctx)
	if err != nil {
		return nil, err
	}

	ciphertext, err := sealGCM(dek, []byte(plaintext))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEncryptionFailed, err)
	}

	em.dekCache.Store(base64.StdEncoding.EncodeToString(encryptedDEK), dek)

	return &EncryptedSecret{
		Ciphertext:   ciphertext,
		EncryptedDEK: encryptedDEK,
		KeyID:        keyID,
	}, nil
}

// DecryptSecret reverses EncryptSecret.
func (em *EncryptionManager) DecryptSecret(ctx context.Context, sec *EncryptedSecret) (string, error) {
	cacheKey := base64.StdEncoding.EncodeToString(sec.EncryptedDEK)

	var dek []byte
	if cached, ok := em.dekCache.Load(cacheKey); ok {
		dek = cached.([]byte)
	} else {
		unwrapped, err := em.unwrapDataKey(ctx, sec.EncryptedDEK)
		if err != nil {
			return "", err
		}
		dek = unwrapped
		em.dekCache.Store(cacheKey, dek)
	}

	plaintext, err := openGCM(dek, sec.Ciphertext)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrDecryptionFailed, err)
	}
	return string(plaintext), nil
}

// ClearCache drops plaintext data keys from memory.
func (em *EncryptionManager) ClearCache() {
	em.dekCache.Range(func(key, _ interface{}) bool {
		em.dekCache.Delete(key)
		return true
	})
}

func (em *EncryptionManager) generateDataKey(ctx context.Context) (dek, encryptedDEK []byte, keyID string, err error) {
	if em.config.KMS.Enabled && em.kmsClient != nil {
		out, err := em.kmsClient.GenerateDataKey(ctx, &kms.GenerateDataKeyInput{
			KeyId:   aws.String(em.config.KMS.KeyID),
			KeySpec: types.DataKeySpecAes256,
		})
		if err != nil {
			return nil, nil, "", fmt.Errorf("failed to generate data key: %w", err)
		}
		return out.Plaintext, out.CiphertextBlob, em.config.KMS.KeyID, nil
	}

	// Local envelope: wrap the DEK with the process master key.
	dek = make([]byte, 32)
	if _, err := rand.Read(dek); err != nil {
		return nil, nil, "", fmt.Errorf("%w: %v", ErrEncryptionFailed, err)
	}
	wrapped, err := sealGCM(em.localMaster, dek)
	if err != nil {
		return nil, nil, "", fmt.Errorf("%w: %v", ErrEncryptionFailed, err)
	}
	return dek, wrapped, "local", nil
}

func (em *EncryptionManager) unwrapDataKey(ctx context.Context, encryptedDEK []byte) ([]byte, error) {
	if em.config.KMS.Enabled && em.kmsClient != nil {
		out, err := em.kmsClient.Decrypt(ctx, &kms.DecryptInput{
			CiphertextBlob: encryptedDEK,
		})
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrDecryptionFailed, err)
		}
		return out.Plaintext, nil
	}
	dek, err := openGCM(em.localMaster, encryptedDEK)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecryptionFailed, err)
	}
	return dek, nil
}

func sealGCM(key, plaintext []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}
	return gcm.Seal(nonce, nonce, plaintext, nil), nil
}

func openGCM(key, sealed []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	if len(sealed) < gcm.NonceSize() {
		return nil, errors.New("ciphertext too short")
	}
	nonce, ciphertext := sealed[:gcm.NonceSize()], sealed[gcm.NonceSize():]
	return gcm.Open(nil, nonce, ciphertext, nil)
}
