package models

import (
	"time"
)

// SecondFactorMethod identifies the user's primary second factor.
type SecondFactorMethod string

const (
	MethodNone  SecondFactorMethod = "none"
	MethodApp   SecondFactorMethod = "app"
	MethodEmail SecondFactorMethod = "email"
)

// ParseSecondFactorMethod maps a wire value onto a known method.
func ParseSecondFactorMethod(s string) (SecondFactorMethod, bool) {
	switch SecondFactorMethod(s) {
	case MethodNone, MethodApp, MethodEmail:
		return SecondFactorMethod(s), true
	}
	return MethodNone, false
}

// SecurityProfile is the aggregate root for one user's security
// configuration. Mutated only through the service layer; the invariant
// primary_method != none <=> two_factor_enabled holds on every write.
type SecurityProfile struct {
	UserBucket           int                `db:"user_bucket" json:"-"`
	UserID               string             `db:"user_id" json:"user_id"`
	PasswordHash         string             `db:"password_hash" json:"-"`
	PasswordSet          bool               `db:"password_set" json:"password_set"`
	TwoFactorEnabled     bool               `db:"two_factor_enabled" json:"two_factor_enabled"`
	PrimaryMethod        SecondFactorMethod `db:"primary_method" json:"primary_method"`
	TOTPSecretEnc        []byte             `db:"totp_secret_enc" json:"-"`
	TOTPSecretDEK        []byte             `db:"totp_secret_dek" json:"-"`
	TOTPKeyID            string             `db:"totp_key_id" json:"-"`
	TwoFactorEmail       string             `db:"two_factor_email" json:"two_factor_email,omitempty"`
	BackupCodeEpoch      int                `db:"backup_code_epoch" json:"backup_code_epoch"`
	BackupCodesRemaining int                `db:"backup_codes_remaining" json:"backup_codes_remaining"`
	CreatedAt            time.Time          `db:"created_at" json:"created_at"`
	UpdatedAt            *time.Time         `db:"updated_at" json:"updated_at,omitempty"`
}

// PublicView strips secret material and attaches the satellite entities
// handlers are allowed to return.
type ProfileView struct {
	UserID               string                `json:"user_id"`
	PasswordSet          bool                  `json:"password_set"`
	TwoFactorEnabled     bool                  `json:"two_factor_enabled"`
	PrimaryMethod        SecondFactorMethod    `json:"primary_method"`
	BackupCodeEpoch      int                   `json:"backup_code_epoch"`
	BackupCodesRemaining int                   `json:"backup_codes_remaining"`
	Credentials          []*BiometricCredential `json:"biometric_credentials"`
	RecoveryChannels     []*RecoveryChannel    `json:"recovery_channels"`
}
