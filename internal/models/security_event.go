package models

import (
	"net"
	"time"
)

// Security event types written to the audit sink.
const (
	EventTwoFactorEnabled     = "2fa.enabled"
	EventTwoFactorDisabled    = "2fa.disabled"
	EventBackupCodesIssued    = "backup_codes.issued"
	EventBackupCodesRotated   = "backup_codes.rotated"
	EventBackupCodeRedeemed   = "backup_code.redeemed"
	EventCredentialRegistered = "credential.registered"
	EventCredentialRevoked    = "credential.revoked"
	EventRecoveryVerified     = "recovery.verified"
	EventStepUpFailed         = "stepup.failed"
)

// SecurityEvent is one row in the ClickHouse audit trail.
type SecurityEvent struct {
	EventID     string    `db:"event_id"`
	EventBucket int       `db:"event_bucket"`
	UserID      string    `db:"user_id"`
	EventDate   string    `db:"event_date"`
	EventTime   time.Time `db:"event_time"`
	EventType   string    `db:"event_type"`
	IPAddress   net.IP    `db:"ip_address"`
	Details     string    `db:"details"`
}

// ProfileUpdatedEvent is the kafka payload that tells every service
// instance (and other devices) to re-fetch one user's profile. It is a
// refresh signal, never a restart signal.
type ProfileUpdatedEvent struct {
	Event  string `json:"event"`
	UserID string `json:"userId"`
}

// EventProfileUpdated is the Event field value for ProfileUpdatedEvent.
const EventProfileUpdated = "profile:updated"
