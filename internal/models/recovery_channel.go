package models

import (
	"time"
)

// ChannelType is the kind of recovery channel.
type ChannelType string

const (
	ChannelEmail ChannelType = "email"
	ChannelPhone ChannelType = "phone"
)

// ParseChannelType maps a wire value onto a known channel type.
func ParseChannelType(s string) (ChannelType, bool) {
	switch ChannelType(s) {
	case ChannelEmail, ChannelPhone:
		return ChannelType(s), true
	}
	return "", false
}

// RecoveryChannel is a recovery contact point. Verified flips true only
// as the terminal effect of a successful OTP verification for the
// channel value; Active requires Verified.
type RecoveryChannel struct {
	UserBucket int         `db:"user_bucket" json:"-"`
	UserID     string      `db:"user_id" json:"-"`
	Type       ChannelType `db:"channel_type" json:"type"`
	Value      string      `db:"channel_value" json:"value"`
	Verified   bool        `db:"verified" json:"verified"`
	Active     bool        `db:"active" json:"active"`
	CreatedAt  time.Time   `db:"created_at" json:"created_at"`
	VerifiedAt *time.Time  `db:"verified_at" json:"verified_at,omitempty"`
}
