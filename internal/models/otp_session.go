package models

import (
	"time"
)

// OTPPurpose scopes a one-time code to a single verification flow.
// A session is keyed by (purpose, target); issuing a new code for the
// same pair replaces the old session.
type OTPPurpose string

const (
	PurposeSetupEmail2FA       OTPPurpose = "setup_email_2fa"
	PurposeRecoveryEmailVerify OTPPurpose = "recovery_email_verify"
	PurposeDisableViaEmail     OTPPurpose = "disable_via_email"
)

// ParseOTPPurpose maps a wire value onto a known purpose.
func ParseOTPPurpose(s string) (OTPPurpose, bool) {
	switch OTPPurpose(s) {
	case PurposeSetupEmail2FA, PurposeRecoveryEmailVerify, PurposeDisableViaEmail:
		return OTPPurpose(s), true
	}
	return "", false
}

// OTPSession is the redis-held state for one outstanding code. The code
// itself is stored as a salted hash; the session is destroyed on
// successful verification, expiry, or attempt exhaustion.
type OTPSession struct {
	Purpose       OTPPurpose `json:"purpose"`
	Target        string     `json:"target"`
	CodeHash      string     `json:"code_hash"`
	CodeSalt      string     `json:"code_salt"`
	PepperVersion int        `json:"pepper_version"`
	Attempts      int        `json:"attempts"`
	IssuedAt      time.Time  `json:"issued_at"`
	ExpiresAt     time.Time  `json:"expires_at"`
}
