// Package store persists license records and device activations. All
// lookups are keyed by salted digests of the license key and device id;
// plaintext values never reach disk.
package store

import (
	"context"
	"time"
)

// PurchaseMetadata is what the purchase platform returns on a successful
// verification. It is display data, not secret material.
type PurchaseMetadata struct {
	Email       string    `json:"email,omitempty"`
	OrderID     string    `json:"order_id,omitempty"`
	PurchasedAt time.Time `json:"purchased_at,omitempty"`
}

// LicenseRecord is the durable server-side view of one license key.
// Records are created lazily on the first verified activation attempt and
// never deleted; cleanup only revokes stale activations.
type LicenseRecord struct {
	ID         string           `json:"id"`
	KeyDigest  string           `json:"key_digest"`
	ProductID  string           `json:"product_id"`
	MaxDevices int              `json:"max_devices"`
	Purchase   PurchaseMetadata `json:"purchase"`
	CreatedAt  time.Time        `json:"created_at"`

	Activations []*DeviceActivation `json:"activations"`
}

// DeviceActivation binds one device to a license record. Unique per
// (license record, device digest); a revoked activation frees its slot.
type DeviceActivation struct {
	ID              string     `json:"id"`
	LicenseRecordID string     `json:"license_record_id"`
	DeviceDigest    string     `json:"device_digest"`
	DeviceLabel     string     `json:"device_label"`
	ActivatedAt     time.Time  `json:"activated_at"`
	LastSeenAt      time.Time  `json:"last_seen_at"`
	RevokedAt       *time.Time `json:"revoked_at,omitempty"`
}

// Revoked reports whether the activation has been revoked.
func (a *DeviceActivation) Revoked() bool {
	return a.RevokedAt != nil
}

// Store is the license record store contract. Every operation takes the
// plaintext license key and device id; implementations digest them before
// any lookup or write.
type Store interface {
	// GetOrCreateRecord upserts the record for a license key. Idempotent.
	GetOrCreateRecord(ctx context.Context, licenseKey string, meta PurchaseMetadata) (*LicenseRecord, error)

	// FindActivation returns the non-revoked activation for the
	// (license, device) pair, or ErrActivationNotFound.
	FindActivation(ctx context.Context, licenseKey, deviceID string) (*DeviceActivation, error)

	// ReserveSlot atomically binds the device to the license. Re-activating
	// an already-bound device refreshes its activation instead of consuming
	// a slot; a distinct device at capacity gets ErrSlotLimitReached.
	ReserveSlot(ctx context.Context, licenseKey, deviceID, deviceLabel string) (*DeviceActivation, error)

	// TouchHeartbeat advances LastSeenAt on the activation. A missing
	// activation is logged, not an error.
	TouchHeartbeat(ctx context.Context, activationID string) error

	// Revoke sets RevokedAt on the (license, device) activation. Returns
	// false when there was nothing live to revoke.
	Revoke(ctx context.Context, licenseKey, deviceID string) (bool, error)

	// ListActive returns the non-revoked activations for a license.
	ListActive(ctx context.Context, licenseKey string) ([]*DeviceActivation, error)

	// PruneStale revokes activations whose LastSeenAt is older than the
	// cutoff and returns how many were revoked.
	PruneStale(ctx context.Context, olderThan time.Duration) (int, error)

	// Stats summarizes store contents.
	Stats(ctx context.Context) Stats

	// Close flushes and releases the store.
	Close() error
}

// Stats is a point-in-time summary of the store, surfaced through the
// health endpoint.
type Stats struct {
	Licenses          int        `json:"licenses"`
	ActiveActivations int        `json:"active_activations"`
	LastPrunedAt      *time.Time `json:"last_pruned_at,omitempty"`
}
