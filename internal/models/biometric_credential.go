package models

import (
	"time"
)

// BiometricCredential is one registered WebAuthn credential. Public key
// and signature counter stay server-side; the JSON view exposes only
// what a settings page needs.
type BiometricCredential struct {
	UserBucket      int        `db:"user_bucket" json:"-"`
	UserID          string     `db:"user_id" json:"-"`
	CredentialID    []byte     `db:"credential_id" json:"-"`
	DeviceName      string     `db:"device_name" json:"device_name"`
	PublicKey       []byte     `db:"public_key" json:"-"`
	AttestationType string     `db:"attestation_type" json:"-"`
	AAGUID          []byte     `db:"aaguid" json:"-"`
	SignCount       uint32     `db:"sign_count" json:"-"`
	Transports      []string   `db:"transports" json:"-"`
	CreatedAt       time.Time  `db:"created_at" json:"created_at"`
	LastUsedAt      *time.Time `db:"last_used_at" json:"last_used_at,omitempty"`

	// ID is the URL-safe identifier handlers use (base64 of CredentialID).
	ID string `db:"-" json:"id"`
}
