package service

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"net"
	"sort"
	"sync"
	"time"

	"github.com/go-webauthn/webauthn/protocol"
	"github.com/go-webauthn/webauthn/webauthn"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"security-service/internal/config"
	"security-service/internal/models"
	"security-service/internal/repository/redis"
	"security-service/internal/repository/scylla"
	"security-service/internal/util"
)

// webauthnUser adapts a profile and its stored credentials to the
// verifier's user contract.
type webauthnUser struct {
	userID      string
	credentials []*models.BiometricCredential
}

func (u *webauthnUser) WebAuthnID() []byte          { return []byte(u.userID) }
func (u *webauthnUser) WebAuthnName() string        { return u.userID }
func (u *webauthnUser) WebAuthnDisplayName() string { return u.userID }

func (u *webauthnUser) WebAuthnCredentials() []webauthn.Credential {
	creds := make([]webauthn.Credential, 0, len(u.credentials))
	for _, c := range u.credentials {
		creds = append(creds, webauthn.Credential{
			ID:        c.CredentialID,
			PublicKey: c.PublicKey,
			Authenticator: webauthn.Authenticator{
				AAGUID:    c.AAGUID,
				SignCount: c.SignCount,
			},
		})
	}
	return creds
}

type credentialCacheEntry struct {
	mu    sync.Mutex
	creds []*models.BiometricCredential
}

// CredentialService manages the WebAuthn credential registry. Reads are
// served from a per-user in-memory cache loaded through singleflight.
// Writes are applied optimistically: the cache changes first, callers
// see the new list immediately, and a store failure rolls the cache
// back to the exact prior state.
type CredentialService struct {
	store    scylla.CredentialRepository
	sessions *redis.WebauthnSessionCache
	verifier *webauthn.WebAuthn
	audit    *AuditService
	cfg      *config.WebAuthnConfig
	logger   *zap.Logger

	cacheMu sync.Mutex
	cache   map[string]*credentialCacheEntry
	loads   singleflight.Group
}

func NewCredentialService(
	store scylla.CredentialRepository,
	sessions *redis.WebauthnSessionCache,
	audit *AuditService,
	cfg *config.Config,
	logger *zap.Logger,
) (*CredentialService, error) {
	verifier, err := webauthn.New(&webauthn.Config{
		RPDisplayName: cfg.WebAuthn.RPDisplayName,
		RPID:          cfg.WebAuthn.RPID,
		RPOrigins:     cfg.WebAuthn.RPOrigins,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize webauthn: %w", err)
	}

	return &CredentialService{
		store:    store,
		sessions: sessions,
		verifier: verifier,
		audit:    audit,
		cfg:      &cfg.WebAuthn,
		logger:   logger,
		cache:    map[string]*credentialCacheEntry{},
	}, nil
}

func (s *CredentialService) entry(userID string) *credentialCacheEntry {
	s.cacheMu.Lock()
	defer s.cacheMu.Unlock()

	e, ok := s.cache[userID]
	if !ok {
		e = &credentialCacheEntry{}
		s.cache[userID] = e
	}
	return e
}

// List returns the user's credentials ordered by registration time.
// Concurrent first loads for the same user coalesce into one store read.
func (s *CredentialService) List(ctx context.Context, userID string) ([]*models.BiometricCredential, error) {
	e := s.entry(userID)

	e.mu.Lock()
	if e.creds != nil {
		out := snapshotCredentials(e.creds)
		e.mu.Unlock()
		return out, nil
	}
	e.mu.Unlock()

	v, err, _ := s.loads.Do(userID, func() (interface{}, error) {
		creds, err := s.store.List(ctx, userID)
		if err != nil {
			return nil, err
		}
		if creds == nil {
			creds = []*models.BiometricCredential{}
		}
		for _, c := range creds {
			c.ID = base64.RawURLEncoding.EncodeToString(c.CredentialID)
		}

		e.mu.Lock()
		e.creds = creds
		e.mu.Unlock()

		return creds, nil
	})
	if err != nil {
		return nil, err
	}

	return snapshotCredentials(v.([]*models.BiometricCredential)), nil
}

// Refresh drops the cached list so the next read goes to the store.
func (s *CredentialService) Refresh(userID string) {
	s.cacheMu.Lock()
	delete(s.cache, userID)
	s.cacheMu.Unlock()
}

// BeginRegistration opens a ceremony and returns the creation options
// for the client. Existing credentials are excluded so the
// authenticator refuses to re-register one it already holds.
func (s *CredentialService) BeginRegistration(ctx context.Context, userID string) (*protocol.CredentialCreation, error) {
	creds, err := s.List(ctx, userID)
	if err != nil {
		return nil, err
	}
	if len(creds) >= s.cfg.MaxCredentials {
		return nil, fmt.Errorf("%w: maximum of %d credentials", ErrCredentialLimit, s.cfg.MaxCredentials)
	}

	user := &webauthnUser{userID: userID, credentials: creds}

	exclusions := make([]protocol.CredentialDescriptor, 0, len(creds))
	for _, c := range creds {
		exclusions = append(exclusions, protocol.CredentialDescriptor{
			Type:         protocol.PublicKeyCredentialType,
			CredentialID: c.CredentialID,
		})
	}

	options, session, err := s.verifier.BeginRegistration(user,
		webauthn.WithExclusions(exclusions),
		webauthn.WithAuthenticatorSelection(protocol.AuthenticatorSelection{
			UserVerification: protocol.VerificationRequired,
		}),
	)
	if err != nil {
		return nil, NewCeremonyError(ClassifyVerifierError(err), err)
	}

	if err := s.sessions.Put(userID, session); err != nil {
		return nil, err
	}

	s.logger.Debug("WebAuthn registration ceremony opened", util.String("user_id", userID))
	return options, nil
}

// FinishRegistration verifies the attestation response, persists the
// credential, and applies it to the cache optimistically: the new entry
// is visible before the store write and removed again if that write
// fails.
func (s *CredentialService) FinishRegistration(
	ctx context.Context,
	userID, deviceName string,
	response *protocol.ParsedCredentialCreationData,
	ip net.IP,
) (*models.BiometricCredential, error) {
	session, err := s.sessions.Take(userID)
	if err != nil {
		if err == redis.ErrNoCeremony {
			return nil, ErrSessionExpired
		}
		return nil, err
	}

	creds, err := s.List(ctx, userID)
	if err != nil {
		return nil, err
	}

	user := &webauthnUser{userID: userID, credentials: creds}
	verified, err := s.verifier.CreateCredential(user, *session, response)
	if err != nil {
		return nil, NewCeremonyError(ClassifyVerifierError(err), err)
	}

	for _, existing := range creds {
		if bytes.Equal(existing.CredentialID, verified.ID) {
			return nil, NewCeremonyError(CeremonyDuplicateOrInvalid, nil)
		}
	}

	cred := &models.BiometricCredential{
		UserID:          userID,
		CredentialID:    verified.ID,
		DeviceName:      deviceName,
		PublicKey:       verified.PublicKey,
		AttestationType: verified.AttestationType,
		AAGUID:          verified.Authenticator.AAGUID,
		SignCount:       verified.Authenticator.SignCount,
		Transports:      transportStrings(verified.Transport),
		CreatedAt:       time.Now().UTC(),
	}
	cred.ID = base64.RawURLEncoding.EncodeToString(cred.CredentialID)

	e := s.entry(userID)
	e.mu.Lock()
	if e.creds != nil {
		e.creds = append(e.creds, cred)
	}
	e.mu.Unlock()

	if err := s.store.Insert(ctx, cred); err != nil {
		e.mu.Lock()
		e.creds = removeCredential(e.creds, cred.CredentialID)
		e.mu.Unlock()
		return nil, err
	}

	s.audit.Record(userID, models.EventCredentialRegistered, "device="+deviceName, ip)
	s.logger.Info("Biometric credential registered",
		util.String("user_id", userID),
		util.String("device_name", deviceName))

	return cred, nil
}

// AbortRegistration records a ceremony the client could not complete
// and releases the pending challenge.
func (s *CredentialService) AbortRegistration(userID, domExceptionName string) *CeremonyError {
	if err := s.sessions.Drop(userID); err != nil {
		s.logger.Warn("Failed to drop aborted ceremony", util.ErrorField(err))
	}

	reason := ClassifyClientCeremonyError(domExceptionName)
	s.logger.Info("WebAuthn ceremony aborted by client",
		util.String("user_id", userID),
		util.String("reason", string(reason)))

	return NewCeremonyError(reason, nil)
}

// Revoke removes a credential. The cache entry disappears immediately;
// if the store delete fails the entry is reinserted at its original
// position.
func (s *CredentialService) Revoke(ctx context.Context, userID, credentialID string, ip net.IP) error {
	rawID, err := base64.RawURLEncoding.DecodeString(credentialID)
	if err != nil {
		return fmt.Errorf("%w: malformed credential id", ErrValidation)
	}

	creds, err := s.List(ctx, userID)
	if err != nil {
		return err
	}

	var target *models.BiometricCredential
	for _, c := range creds {
		if bytes.Equal(c.CredentialID, rawID) {
			target = c
			break
		}
	}
	if target == nil {
		return ErrCredentialNotFound
	}

	e := s.entry(userID)
	e.mu.Lock()
	e.creds = removeCredential(e.creds, rawID)
	e.mu.Unlock()

	if err := s.store.Delete(ctx, userID, rawID); err != nil {
		e.mu.Lock()
		if e.creds != nil {
			e.creds = append(e.creds, target)
			sort.Slice(e.creds, func(i, j int) bool {
				return e.creds[i].CreatedAt.Before(e.creds[j].CreatedAt)
			})
		}
		e.mu.Unlock()
		return err
	}

	s.audit.Record(userID, models.EventCredentialRevoked, "device="+target.DeviceName, ip)
	s.logger.Info("Biometric credential revoked",
		util.String("user_id", userID),
		util.String("device_name", target.DeviceName))

	return nil
}

// Count reports how many credentials the user holds.
func (s *CredentialService) Count(ctx context.Context, userID string) (int, error) {
	creds, err := s.List(ctx, userID)
	if err != nil {
		return 0, err
	}
	return len(creds), nil
}

func snapshotCredentials(creds []*models.BiometricCredential) []*models.BiometricCredential {
	out := make([]*models.BiometricCredential, len(creds))
	copy(out, creds)
	return out
}

func removeCredential(creds []*models.BiometricCredential, id []byte) []*models.BiometricCredential {
	if creds == nil {
		return nil
	}
	out := creds[:0]
	for _, c := range creds {
		if !bytes.Equal(c.CredentialID, id) {
			out = append(out, c)
		}
	}
	return out
}

func transportStrings(transports []protocol.AuthenticatorTransport) []string {
	out := make([]string, 0, len(transports))
	for _, t := range transports {
		out = append(out, string(t))
	}
	return out
}
