package models

import (
	"time"
)

// EnrollmentStage tracks how far a pending 2FA setup has progressed.
type EnrollmentStage string

const (
	// StageAwaitingCode: the user has been given a secret (app) or sent
	// a code (email) and must prove possession.
	StageAwaitingCode EnrollmentStage = "awaiting_code"
	// StageAwaitingAck: possession is proven, 2FA is on, and the backup
	// code sheet is waiting to be acknowledged.
	StageAwaitingAck EnrollmentStage = "awaiting_ack"
)

// EnrollmentState is the redis-held progress of one 2FA setup. The TOTP
// secret is stored envelope-encrypted; the plaintext exists only inside
// the service while a request is being handled.
type EnrollmentState struct {
	UserID        string             `json:"user_id"`
	Method        SecondFactorMethod `json:"method"`
	Stage         EnrollmentStage    `json:"stage"`
	Email         string             `json:"email,omitempty"`
	TOTPSecretEnc []byte             `json:"totp_secret_enc,omitempty"`
	TOTPSecretDEK []byte             `json:"totp_secret_dek,omitempty"`
	TOTPKeyID     string             `json:"totp_key_id,omitempty"`
	StartedAt     time.Time          `json:"started_at"`
}
