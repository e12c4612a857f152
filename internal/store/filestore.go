package store

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	apperrors "bizlens/internal/errors"
)

// storeFileVersion guards the on-disk schema.
const storeFileVersion = 1

// fileImage is the on-disk shape of the store.
type fileImage struct {
	Version int              `json:"version"`
	Records []*LicenseRecord `json:"records"`
}

// FileStore is a durable, single-process license record store backed by one
// JSON file. Every mutation happens under the store mutex and is flushed
// with an atomic write (temp file + rename), so a crash mid-write leaves the
// previous image intact. The mutex is also what makes ReserveSlot's
// check-then-write atomic.
type FileStore struct {
	path       string
	digester   *Digester
	productID  string
	maxDevices int
	now        func() time.Time
	logger     *slog.Logger

	mu           sync.Mutex
	records      map[string]*LicenseRecord   // key digest -> record
	byActivation map[string]*DeviceActivation // activation id -> activation
	lastPrune    *time.Time
}

// FileStoreOptions configures a FileStore.
type FileStoreOptions struct {
	ProductID  string
	MaxDevices int
	Clock      func() time.Time
	Logger     *slog.Logger
}

// OpenFileStore loads (or initializes) the store file at path.
func OpenFileStore(path string, digester *Digester, opts FileStoreOptions) (*FileStore, error) {
	if digester == nil {
		return nil, fmt.Errorf("digester is required")
	}
	if opts.MaxDevices <= 0 {
		opts.MaxDevices = 1
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	s := &FileStore{
		path:         path,
		digester:     digester,
		productID:    opts.ProductID,
		maxDevices:   opts.MaxDevices,
		now:          opts.Clock,
		logger:       opts.Logger,
		records:      make(map[string]*LicenseRecord),
		byActivation: make(map[string]*DeviceActivation),
	}

	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

// load reads the store file into memory. A missing file is a fresh store.
func (s *FileStore) load() error {
	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read store file: %w", err)
	}

	var image fileImage
	if err := json.Unmarshal(data, &image); err != nil {
		return fmt.Errorf("failed to parse store file %s: %w", s.path, err)
	}
	if image.Version != storeFileVersion {
		return fmt.Errorf("unsupported store file version %d", image.Version)
	}

	for _, rec := range image.Records {
		s.records[rec.KeyDigest] = rec
		for _, act := range rec.Activations {
			s.byActivation[act.ID] = act
		}
	}

	s.logger.Info("License store loaded",
		slog.String("path", s.path),
		slog.Int("records", len(s.records)),
		slog.Int("activations", len(s.byActivation)))
	return nil
}

// persistLocked flushes the in-memory image to disk atomically.
// Caller must hold s.mu.
func (s *FileStore) persistLocked() error {
	image := fileImage{Version: storeFileVersion}
	for _, rec := range s.records {
		image.Records = append(image.Records, rec)
	}
	sort.Slice(image.Records, func(i, j int) bool {
		return image.Records[i].KeyDigest < image.Records[j].KeyDigest
	})

	data, err := json.MarshalIndent(image, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal store image: %w", err)
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("failed to create store directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".licenses-*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp store file: %w", err)
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("failed to write temp store file: %w", err)
	}
	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("failed to chmod temp store file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to close temp store file: %w", err)
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to replace store file: %w", err)
	}
	return nil
}

// GetOrCreateRecord upserts the record for a license key.
func (s *FileStore) GetOrCreateRecord(ctx context.Context, licenseKey string, meta PurchaseMetadata) (*LicenseRecord, error) {
	keyDigest := s.digester.Digest(licenseKey)

	s.mu.Lock()
	defer s.mu.Unlock()

	if rec, ok := s.records[keyDigest]; ok {
		// Backfill purchase metadata acquired on a later verification.
		if rec.Purchase == (PurchaseMetadata{}) && meta != (PurchaseMetadata{}) {
			rec.Purchase = meta
			if err := s.persistLocked(); err != nil {
				return nil, err
			}
		}
		return cloneRecord(rec), nil
	}

	rec := &LicenseRecord{
		ID:         uuid.NewString(),
		KeyDigest:  keyDigest,
		ProductID:  s.productID,
		MaxDevices: s.maxDevices,
		Purchase:   meta,
		CreatedAt:  s.now().UTC(),
	}
	s.records[keyDigest] = rec
	if err := s.persistLocked(); err != nil {
		delete(s.records, keyDigest)
		return nil, err
	}

	s.logger.InfoContext(ctx, "License record created",
		slog.String("record_id", rec.ID),
		slog.String("product_id", rec.ProductID))
	return cloneRecord(rec), nil
}

// FindActivation returns the live activation for a (license, device) pair.
func (s *FileStore) FindActivation(ctx context.Context, licenseKey, deviceID string) (*DeviceActivation, error) {
	keyDigest := s.digester.Digest(licenseKey)
	deviceDigest := s.digester.Digest(deviceID)

	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[keyDigest]
	if !ok {
		return nil, apperrors.ErrActivationNotFound
	}
	if act := findLive(rec, deviceDigest); act != nil {
		return cloneActivation(act), nil
	}
	return nil, apperrors.ErrActivationNotFound
}

// ReserveSlot atomically binds a device to a license. The whole
// check-count-then-write sequence runs under the store mutex so two
// concurrent activations cannot both observe a free slot.
func (s *FileStore) ReserveSlot(ctx context.Context, licenseKey, deviceID, deviceLabel string) (*DeviceActivation, error) {
	keyDigest := s.digester.Digest(licenseKey)
	deviceDigest := s.digester.Digest(deviceID)
	now := s.now().UTC()

	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[keyDigest]
	if !ok {
		return nil, fmt.Errorf("no license record for key digest %s", keyDigest[:8])
	}

	// Re-activating an already-bound device refreshes it, never consumes
	// a second slot.
	if act := findLive(rec, deviceDigest); act != nil {
		if now.After(act.LastSeenAt) {
			act.LastSeenAt = now
		}
		if deviceLabel != "" {
			act.DeviceLabel = deviceLabel
		}
		if err := s.persistLocked(); err != nil {
			return nil, err
		}
		return cloneActivation(act), nil
	}

	if countLive(rec) >= rec.MaxDevices {
		return nil, apperrors.ErrSlotLimitReached
	}

	act := &DeviceActivation{
		ID:              uuid.NewString(),
		LicenseRecordID: rec.ID,
		DeviceDigest:    deviceDigest,
		DeviceLabel:     deviceLabel,
		ActivatedAt:     now,
		LastSeenAt:      now,
	}
	rec.Activations = append(rec.Activations, act)
	s.byActivation[act.ID] = act

	if err := s.persistLocked(); err != nil {
		rec.Activations = rec.Activations[:len(rec.Activations)-1]
		delete(s.byActivation, act.ID)
		return nil, err
	}

	s.logger.InfoContext(ctx, "Device slot reserved",
		slog.String("record_id", rec.ID),
		slog.String("activation_id", act.ID),
		slog.String("device_label", deviceLabel))
	return cloneActivation(act), nil
}

// TouchHeartbeat advances LastSeenAt, keeping it monotonic. A vanished or
// revoked activation is logged and ignored.
func (s *FileStore) TouchHeartbeat(ctx context.Context, activationID string) error {
	now := s.now().UTC()

	s.mu.Lock()
	defer s.mu.Unlock()

	act, ok := s.byActivation[activationID]
	if !ok || act.Revoked() {
		s.logger.WarnContext(ctx, "Heartbeat for unknown or revoked activation",
			slog.String("activation_id", activationID))
		return nil
	}

	if now.After(act.LastSeenAt) {
		act.LastSeenAt = now
		return s.persistLocked()
	}
	return nil
}

// Revoke frees the device slot for a (license, device) pair.
func (s *FileStore) Revoke(ctx context.Context, licenseKey, deviceID string) (bool, error) {
	keyDigest := s.digester.Digest(licenseKey)
	deviceDigest := s.digester.Digest(deviceID)
	now := s.now().UTC()

	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[keyDigest]
	if !ok {
		return false, nil
	}
	act := findLive(rec, deviceDigest)
	if act == nil {
		return false, nil
	}

	act.RevokedAt = &now
	if err := s.persistLocked(); err != nil {
		act.RevokedAt = nil
		return false, err
	}

	s.logger.InfoContext(ctx, "Device activation revoked",
		slog.String("record_id", rec.ID),
		slog.String("activation_id", act.ID))
	return true, nil
}

// ListActive returns the live activations for a license, oldest first.
func (s *FileStore) ListActive(ctx context.Context, licenseKey string) ([]*DeviceActivation, error) {
	keyDigest := s.digester.Digest(licenseKey)

	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[keyDigest]
	if !ok {
		return nil, nil
	}

	var out []*DeviceActivation
	for _, act := range rec.Activations {
		if !act.Revoked() {
			out = append(out, cloneActivation(act))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].ActivatedAt.Before(out[j].ActivatedAt)
	})
	return out, nil
}

// PruneStale revokes activations not seen for longer than olderThan.
func (s *FileStore) PruneStale(ctx context.Context, olderThan time.Duration) (int, error) {
	now := s.now().UTC()
	cutoff := now.Add(-olderThan)

	s.mu.Lock()
	defer s.mu.Unlock()

	s.lastPrune = &now

	var pruned int
	for _, rec := range s.records {
		for _, act := range rec.Activations {
			if !act.Revoked() && act.LastSeenAt.Before(cutoff) {
				revokedAt := now
				act.RevokedAt = &revokedAt
				pruned++
			}
		}
	}

	if pruned == 0 {
		return 0, nil
	}
	if err := s.persistLocked(); err != nil {
		return 0, err
	}

	s.logger.InfoContext(ctx, "Stale activations pruned",
		slog.Int("count", pruned),
		slog.Duration("older_than", olderThan))
	return pruned, nil
}

// Stats reports record and live-activation counts plus the last prune run.
func (s *FileStore) Stats(ctx context.Context) Stats {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := Stats{Licenses: len(s.records), LastPrunedAt: s.lastPrune}
	for _, rec := range s.records {
		st.ActiveActivations += countLive(rec)
	}
	return st
}

// Close flushes the store. Mutations persist eagerly, so this is a final
// consistency check rather than a required flush.
func (s *FileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.persistLocked()
}

func findLive(rec *LicenseRecord, deviceDigest string) *DeviceActivation {
	for _, act := range rec.Activations {
		if act.DeviceDigest == deviceDigest && !act.Revoked() {
			return act
		}
	}
	return nil
}

func countLive(rec *LicenseRecord) int {
	var n int
	for _, act := range rec.Activations {
		if !act.Revoked() {
			n++
		}
	}
	return n
}

func cloneRecord(rec *LicenseRecord) *LicenseRecord {
	out := *rec
	out.Activations = make([]*DeviceActivation, len(rec.Activations))
	for i, act := range rec.Activations {
		out.Activations[i] = cloneActivation(act)
	}
	return &out
}

func cloneActivation(act *DeviceActivation) *DeviceActivation {
	out := *act
	if act.RevokedAt != nil {
		revokedAt := *act.RevokedAt
		out.RevokedAt = &revokedAt
	}
	return &out
}
