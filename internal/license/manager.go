package license

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	apperrors "bizlens/internal/errors"
	"bizlens/internal/fingerprint"
	"bizlens/internal/verifier"
)

// ManagerConfig configures the client-side license manager.
type ManagerConfig struct {
	ServerURL          string
	StatePath          string
	StateSecret        string
	DeviceLabel        string
	HeartbeatInterval  time.Duration
	OfflineGracePeriod time.Duration
	RequestTimeout     time.Duration
	Logger             *slog.Logger
	Resolver           *fingerprint.Resolver
	Clock              func() time.Time
}

// Manager drives the activation lifecycle for this device: activate,
// heartbeat on a timer, fall back to cached state inside the offline grace
// window, deactivate. All state transitions happen under the manager mutex;
// concurrent activation calls collapse to one in-flight attempt.
type Manager struct {
	client   *ServerClient
	resolver *fingerprint.Resolver
	state    *stateFile
	logger   *slog.Logger
	now      func() time.Time

	deviceLabel       string
	heartbeatInterval time.Duration
	grace             time.Duration

	mu   sync.Mutex
	data *Data

	hbCancel context.CancelFunc
	hbDone   chan struct{}

	flight singleflight.Group
}

// NewManager creates a manager and loads any cached license state from disk.
func NewManager(cfg ManagerConfig) (*Manager, error) {
	if cfg.ServerURL == "" {
		return nil, fmt.Errorf("%w: license server URL is required", apperrors.ErrConfiguration)
	}
	if cfg.StateSecret == "" {
		return nil, fmt.Errorf("%w: state signing secret is required", apperrors.ErrConfiguration)
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Resolver == nil {
		cfg.Resolver = fingerprint.NewResolver()
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = time.Hour
	}
	if cfg.OfflineGracePeriod <= 0 {
		cfg.OfflineGracePeriod = 72 * time.Hour
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 12 * time.Second
	}

	m := &Manager{
		client:            NewServerClient(cfg.ServerURL, cfg.RequestTimeout),
		resolver:          cfg.Resolver,
		state:             newStateFile(cfg.StatePath, cfg.StateSecret),
		logger:            cfg.Logger,
		now:               cfg.Clock,
		deviceLabel:       cfg.DeviceLabel,
		heartbeatInterval: cfg.HeartbeatInterval,
		grace:             cfg.OfflineGracePeriod,
	}

	data, err := m.state.Load()
	if err != nil {
		// A corrupt or tampered state file means re-activation, not a crash.
		m.logger.Warn("Cached license state unreadable, ignoring",
			slog.String("error", err.Error()))
	} else {
		m.data = data
	}

	return m, nil
}

// Activate verifies the key with the server and binds this device to it.
// Concurrent calls for the same key collapse to the in-flight attempt.
func (m *Manager) Activate(ctx context.Context, licenseKey string) (*Data, error) {
	fp, err := m.resolver.Resolve()
	if err != nil {
		return nil, fmt.Errorf("failed to resolve device identity: %w", err)
	}

	flightKey := licenseKey + "|" + fp.DeviceID
	v, err, _ := m.flight.Do(flightKey, func() (interface{}, error) {
		return m.activate(ctx, licenseKey, fp)
	})
	if err != nil {
		return nil, err
	}
	return v.(*Data), nil
}

func (m *Manager) activate(ctx context.Context, licenseKey string, fp *fingerprint.DeviceFingerprint) (*Data, error) {
	label := m.deviceLabel
	if label == "" {
		label = fp.Hostname
	}

	resp, err := m.client.Activate(ctx, licenseKey, fp.DeviceID, label)
	if err != nil {
		switch {
		case errors.Is(err, apperrors.ErrSlotLimitReached):
			// The platform verified the key; capacity was the refusal.
			m.logger.WarnContext(ctx, "Activation rejected: slot limit reached",
				slog.String("license_key", verifier.MaskLicenseKey(licenseKey)))
			m.rememberFailedActivation(ctx, licenseKey, fp.DeviceID, StateRejected)
		case errors.Is(err, apperrors.ErrVerificationFailed):
			m.rememberFailedActivation(ctx, licenseKey, fp.DeviceID, StateUnverified)
		}
		return nil, err
	}

	data := &Data{
		LicenseKey:     licenseKey,
		DeviceID:       fp.DeviceID,
		ActivationID:   resp.ActivationID,
		Token:          resp.Token,
		TokenExpiresAt: resp.TokenExpiresAt,
		LastHeartbeat:  m.now().UTC(),
		State:          StateActive,
		Email:          resp.Purchase.Email,
		PurchasedAt:    resp.Purchase.PurchasedAt,
	}

	m.mu.Lock()
	m.data = data
	saveErr := m.state.Save(*data)
	m.mu.Unlock()

	if saveErr != nil {
		m.logger.WarnContext(ctx, "Failed to persist license state",
			slog.String("error", saveErr.Error()))
	}

	m.logger.InfoContext(ctx, "License activated on this device",
		slog.String("license_key", verifier.MaskLicenseKey(licenseKey)),
		slog.String("activation_id", resp.ActivationID))

	out := *data
	return &out, nil
}

// rememberFailedActivation caches the attempt's terminal state so Status
// can report why the device is not licensed. A usable license already held
// is never displaced by a failed attempt for another key.
func (m *Manager) rememberFailedActivation(ctx context.Context, licenseKey, deviceID string, state State) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.data != nil && m.data.State.Usable() {
		return
	}

	data := &Data{
		LicenseKey: licenseKey,
		DeviceID:   deviceID,
		State:      state,
	}
	m.data = data
	if err := m.state.Save(*data); err != nil {
		m.logger.WarnContext(ctx, "Failed to persist license state",
			slog.String("error", err.Error()))
	}
}

// Heartbeat runs one heartbeat cycle. On success the token is refreshed and
// the state returns to Active. On a network failure the cached state
// degrades to ActiveOffline while inside the grace window and to Expired
// beyond it. A server answer of "not activated" revokes the local state.
func (m *Manager) Heartbeat(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.data == nil {
		return apperrors.ErrActivationNotFound
	}
	data := m.data

	resp, err := m.client.Heartbeat(ctx, data.LicenseKey, data.DeviceID)
	if err == nil {
		data.Token = resp.Token
		data.TokenExpiresAt = resp.TokenExpiresAt
		data.LastHeartbeat = m.now().UTC()
		data.State = StateActive
		if saveErr := m.state.Save(*data); saveErr != nil {
			m.logger.WarnContext(ctx, "Failed to persist license state",
				slog.String("error", saveErr.Error()))
		}
		m.logger.DebugContext(ctx, "Heartbeat succeeded",
			slog.String("activation_id", data.ActivationID))
		return nil
	}

	if errors.Is(err, apperrors.ErrActivationNotFound) {
		// Deactivated elsewhere; the slot is gone.
		m.logger.WarnContext(ctx, "Server reports device no longer activated")
		data.State = StateRevoked
		m.state.Clear()
		m.data = nil
		return err
	}

	if IsWithinGracePeriod(data.LastHeartbeat, m.grace, m.now()) {
		if data.State != StateActiveOffline {
			m.logger.WarnContext(ctx, "Heartbeat failed, running on cached license state",
				slog.Time("last_heartbeat", data.LastHeartbeat),
				slog.Duration("grace", m.grace))
		}
		data.State = StateActiveOffline
		if saveErr := m.state.Save(*data); saveErr != nil {
			m.logger.WarnContext(ctx, "Failed to persist license state",
				slog.String("error", saveErr.Error()))
		}
		return nil
	}

	m.logger.ErrorContext(ctx, "Offline grace period exhausted, license expired",
		slog.Time("last_heartbeat", data.LastHeartbeat))
	data.State = StateExpired
	if saveErr := m.state.Save(*data); saveErr != nil {
		m.logger.WarnContext(ctx, "Failed to persist license state",
			slog.String("error", saveErr.Error()))
	}
	return fmt.Errorf("%w: last heartbeat %s", apperrors.ErrGraceExpired, data.LastHeartbeat.Format(time.RFC3339))
}

// Check validates the current license state for the application bootstrap
// path: opportunistically heartbeats, then falls back to cached state
// inside the grace window.
func (m *Manager) Check(ctx context.Context) (*Data, error) {
	m.mu.Lock()
	data := m.data
	m.mu.Unlock()

	if data == nil {
		return nil, apperrors.ErrActivationNotFound
	}

	err := m.Heartbeat(ctx)
	if err != nil && !errors.Is(err, apperrors.ErrGraceExpired) && !errors.Is(err, apperrors.ErrActivationNotFound) {
		// Unexpected failure; the heartbeat already degraded the state if
		// it could.
		m.logger.WarnContext(ctx, "License check heartbeat failed",
			slog.String("error", err.Error()))
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.data == nil {
		return nil, apperrors.ErrActivationNotFound
	}
	if !m.data.State.Usable() {
		if m.data.State == StateExpired {
			return nil, apperrors.ErrGraceExpired
		}
		return nil, apperrors.ErrActivationNotFound
	}
	out := *m.data
	return &out, nil
}

// StartHeartbeat launches the periodic heartbeat loop. The loop stops when
// ctx is cancelled or StopHeartbeat is called; it never outlives a cleared
// license.
func (m *Manager) StartHeartbeat(ctx context.Context) {
	m.mu.Lock()
	if m.hbCancel != nil {
		m.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	m.hbCancel = cancel
	done := make(chan struct{})
	m.hbDone = done
	m.mu.Unlock()

	go func() {
		defer close(done)

		ticker := time.NewTicker(m.heartbeatInterval)
		defer ticker.Stop()

		m.logger.Info("Heartbeat scheduler started",
			slog.Duration("interval", m.heartbeatInterval))

		for {
			select {
			case <-ctx.Done():
				m.logger.Info("Heartbeat scheduler stopped")
				return
			case <-ticker.C:
				if err := m.Heartbeat(ctx); err != nil {
					if errors.Is(err, apperrors.ErrActivationNotFound) || errors.Is(err, apperrors.ErrGraceExpired) {
						m.logger.Warn("Heartbeat scheduler exiting",
							slog.String("reason", err.Error()))
						return
					}
				}
			}
		}
	}()
}

// StopHeartbeat cancels the heartbeat loop and waits for it to exit.
func (m *Manager) StopHeartbeat() {
	m.mu.Lock()
	cancel := m.hbCancel
	done := m.hbDone
	m.hbCancel = nil
	m.hbDone = nil
	m.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
}

// Deactivate releases this device's slot on the server and clears the local
// state. The heartbeat loop must not keep running against a cleared license.
func (m *Manager) Deactivate(ctx context.Context) error {
	m.StopHeartbeat()

	m.mu.Lock()
	data := m.data
	m.mu.Unlock()

	if data == nil {
		return apperrors.ErrActivationNotFound
	}

	resp, err := m.client.Deactivate(ctx, data.LicenseKey, data.DeviceID)
	if err != nil {
		return fmt.Errorf("failed to deactivate: %w", err)
	}

	m.mu.Lock()
	m.data = nil
	clearErr := m.state.Clear()
	m.mu.Unlock()

	if clearErr != nil {
		m.logger.WarnContext(ctx, "Failed to clear license state",
			slog.String("error", clearErr.Error()))
	}

	m.logger.InfoContext(ctx, "License deactivated on this device",
		slog.Bool("server_revoked", resp.Success),
		slog.String("message", resp.Message))
	return nil
}

// ListDevices returns the devices currently bound to the cached license.
func (m *Manager) ListDevices(ctx context.Context) ([]DeviceInfo, error) {
	m.mu.Lock()
	data := m.data
	m.mu.Unlock()

	if data == nil {
		return nil, apperrors.ErrActivationNotFound
	}

	resp, err := m.client.ListDevices(ctx, data.LicenseKey)
	if err != nil {
		return nil, err
	}
	return resp.Devices, nil
}

// Status returns a copy of the cached license state, or nil when no license
// is cached.
func (m *Manager) Status() *Data {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.data == nil {
		return nil
	}
	out := *m.data
	return &out
}
