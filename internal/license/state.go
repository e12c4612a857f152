// Package license is the client-side protocol engine: it resolves the
// device fingerprint, drives activation and heartbeat against the license
// server, and maintains the locally cached license state that lets the
// application keep running through the offline grace window.
package license

import "time"

// State is the per-(license, device) lifecycle state.
type State int

// Verification and slot reservation happen in a single server exchange, so
// there is no cached verified-but-unbound state: a key that verifies either
// lands in Active or, on capacity, in Rejected.
const (
	// StateUnverified is the initial state: no purchase verification yet.
	// Also what a failed verification attempt leaves behind.
	StateUnverified State = iota
	// StateActive means the device holds a slot and a fresh credential.
	StateActive
	// StateActiveOffline means heartbeats are failing but the offline grace
	// window has not elapsed; degraded but usable.
	StateActiveOffline
	// StateRejected means slot reservation failed on capacity. Terminal
	// until another device is deactivated.
	StateRejected
	// StateExpired means the grace window elapsed without a successful
	// heartbeat. Terminal until re-activation.
	StateExpired
	// StateRevoked means the device was explicitly deactivated.
	StateRevoked
)

// String returns a readable state name.
func (s State) String() string {
	switch s {
	case StateUnverified:
		return "unverified"
	case StateActive:
		return "active"
	case StateActiveOffline:
		return "active_offline"
	case StateRejected:
		return "rejected"
	case StateExpired:
		return "expired"
	case StateRevoked:
		return "revoked"
	default:
		return "unknown"
	}
}

// Usable reports whether the application may run in this state.
func (s State) Usable() bool {
	return s == StateActive || s == StateActiveOffline
}

// Data is the locally cached license state. It is an opaque cache the
// protocol engine refreshes, never a source of truth; the server record
// store always wins.
type Data struct {
	LicenseKey     string    `json:"license_key"`
	DeviceID       string    `json:"device_id"`
	ActivationID   string    `json:"activation_id"`
	Token          string    `json:"token"`
	TokenExpiresAt time.Time `json:"token_expires_at"`
	LastHeartbeat  time.Time `json:"last_heartbeat"`
	State          State     `json:"state"`

	Email       string    `json:"email,omitempty"`
	PurchasedAt time.Time `json:"purchased_at,omitempty"`
}

// IsWithinGracePeriod reports whether cached state is still usable offline:
// the elapsed time since the last successful heartbeat must not exceed the
// grace window.
func IsWithinGracePeriod(lastHeartbeat time.Time, grace time.Duration, now time.Time) bool {
	if lastHeartbeat.IsZero() {
		return false
	}
	return now.Sub(lastHeartbeat) <= grace
}
