package service

import (
	"errors"

	"github.com/go-webauthn/webauthn/protocol"
)

var (
	// ErrValidation covers malformed or out-of-range input.
	ErrValidation = errors.New("invalid request")

	// ErrPasswordRequired is returned when a flow needs a password set
	// on the account first.
	ErrPasswordRequired = errors.New("account password must be set first")

	// ErrAuthChallenge is returned when a submitted proof (TOTP code,
	// email code, password, backup code) does not verify.
	ErrAuthChallenge = errors.New("verification failed")

	// ErrSessionExpired is returned when the enrollment or OTP session
	// the request refers to no longer exists.
	ErrSessionExpired = errors.New("session expired")

	// ErrThrottled is returned on resend-cooldown and attempt-limit hits.
	ErrThrottled = errors.New("too many requests")

	// ErrServerState is returned when the requested transition conflicts
	// with the profile's current state.
	ErrServerState = errors.New("operation conflicts with current state")

	// ErrChannelDelivery is returned when an outbound code could not be
	// handed to the delivery pipeline.
	ErrChannelDelivery = errors.New("failed to deliver code")

	// ErrOperationInFlight is returned when another mutation holds the
	// per-user lock.
	ErrOperationInFlight = errors.New("another security operation is in progress")

	// ErrCredentialLimit is returned when the credential registry is full.
	ErrCredentialLimit = errors.New("credential limit reached")

	// ErrCredentialNotFound is returned when revoking an unknown credential.
	ErrCredentialNotFound = errors.New("credential not found")
)

// CeremonyFailure is the closed set of reasons a registration ceremony
// can fail. Anything the client or the verifier reports collapses into
// one of these.
type CeremonyFailure string

const (
	CeremonyUserCancelledOrTimedOut CeremonyFailure = "user_cancelled_or_timed_out"
	CeremonyInsecureContext         CeremonyFailure = "insecure_context"
	CeremonyDuplicateOrInvalid      CeremonyFailure = "duplicate_or_invalid_credential"
	CeremonyAborted                 CeremonyFailure = "aborted"
	CeremonyUnsupportedType         CeremonyFailure = "unsupported_credential_type"
	CeremonyUnknown                 CeremonyFailure = "unknown"
)

// CeremonyError wraps a ceremony failure so handlers can return the
// reason verbatim while callers still match with errors.As.
type CeremonyError struct {
	Reason CeremonyFailure
	cause  error
}

func (e *CeremonyError) Error() string {
	if e.cause != nil {
		return "webauthn ceremony failed: " + string(e.Reason) + ": " + e.cause.Error()
	}
	return "webauthn ceremony failed: " + string(e.Reason)
}

func (e *CeremonyError) Unwrap() error { return e.cause }

// NewCeremonyError builds a CeremonyError with a known reason.
func NewCeremonyError(reason CeremonyFailure, cause error) *CeremonyError {
	return &CeremonyError{Reason: reason, cause: cause}
}

// ClassifyClientCeremonyError maps the DOMException name the browser
// reported into the closed failure set.
func ClassifyClientCeremonyError(name string) CeremonyFailure {
	switch name {
	case "NotAllowedError":
		return CeremonyUserCancelledOrTimedOut
	case "SecurityError":
		return CeremonyInsecureContext
	case "InvalidStateError":
		return CeremonyDuplicateOrInvalid
	case "AbortError":
		return CeremonyAborted
	case "NotSupportedError":
		return CeremonyUnsupportedType
	default:
		return CeremonyUnknown
	}
}

// ClassifyVerifierError maps a server-side verification error into the
// closed failure set.
func ClassifyVerifierError(err error) CeremonyFailure {
	var protoErr *protocol.Error
	if errors.As(err, &protoErr) {
		switch protoErr.Type {
		case "invalid_request", "verification_error":
			return CeremonyDuplicateOrInvalid
		case "not_supported_error":
			return CeremonyUnsupportedType
		}
	}
	return CeremonyUnknown
}
