package models

import (
	"time"
)

// BackupCode is the stored record for one single-use recovery code.
// Plaintext is never persisted; a code belongs to exactly one epoch and
// every code from an earlier epoch is invalid.
type BackupCode struct {
	UserBucket    int        `db:"user_bucket" json:"-"`
	UserID        string     `db:"user_id" json:"-"`
	Epoch         int        `db:"epoch" json:"epoch"`
	CodeHash      string     `db:"code_hash" json:"-"`
	CodeSalt      string     `db:"code_salt" json:"-"`
	PepperVersion int        `db:"pepper_version" json:"-"`
	Used          bool       `db:"used" json:"used"`
	UsedAt        *time.Time `db:"used_at" json:"used_at,omitempty"`
	CreatedAt     time.Time  `db:"created_at" json:"created_at"`
}
