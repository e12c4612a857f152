// Package errors defines the licensing error taxonomy and its HTTP
// representation. Domain code returns sentinel errors wrapped with %w;
// transport code maps them to RFC 7807 problem documents.
package errors

import "errors"

// Sentinel errors for license operations.
var (
	// ErrVerificationFailed means the purchase platform rejected the key or
	// was unreachable. Verification fails closed: no activation happens.
	ErrVerificationFailed = errors.New("license verification failed")

	// ErrSlotLimitReached means every device slot on the license is taken by
	// another, non-revoked device. User-actionable: deactivate elsewhere.
	ErrSlotLimitReached = errors.New("device slot limit reached")

	// ErrActivationNotFound means a heartbeat or deactivation referenced a
	// (license, device) pair with no live activation. Treated as
	// already-invalid, never as a crash.
	ErrActivationNotFound = errors.New("activation not found")

	// ErrConfiguration means required secret material (signing secret, hash
	// salt) is missing at startup. Fatal: the process refuses to start.
	ErrConfiguration = errors.New("configuration error")

	// ErrTokenExpired means a credential token is past its expiry. Consumers
	// should trigger a heartbeat, not hard-fail, while the cached license
	// state is still inside its offline grace window.
	ErrTokenExpired = errors.New("credential token expired")

	// ErrTokenInvalid means a credential token failed signature or claim
	// validation for a reason other than expiry.
	ErrTokenInvalid = errors.New("credential token invalid")

	// ErrGraceExpired means the offline grace window has elapsed without a
	// successful heartbeat; the device must re-activate.
	ErrGraceExpired = errors.New("offline grace period expired")

	// ErrInvalidLicenseKey means the submitted key is syntactically
	// unusable (empty, too short, forbidden characters).
	ErrInvalidLicenseKey = errors.New("invalid license key")
)
