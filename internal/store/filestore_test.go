package store

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "bizlens/internal/errors"
)

const (
	testKey     = "ABCD-1234-EFGH-5678"
	otherKey    = "WXYZ-9999-QQQQ-0000"
	deviceOne   = "device-fingerprint-0000000000000001"
	deviceTwo   = "device-fingerprint-0000000000000002"
	deviceThree = "device-fingerprint-0000000000000003"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestStore(t *testing.T, clock *fakeClock) (*FileStore, string) {
	t.Helper()

	path := filepath.Join(t.TempDir(), "licenses.json")
	digester, err := NewDigester("unit-test-hash-salt-000000000001")
	require.NoError(t, err)

	opts := FileStoreOptions{ProductID: "bizlens-pro", MaxDevices: 1}
	if clock != nil {
		opts.Clock = clock.Now
	}

	s, err := OpenFileStore(path, digester, opts)
	require.NoError(t, err)
	return s, path
}

func reopen(t *testing.T, path string, clock *fakeClock) *FileStore {
	t.Helper()

	digester, err := NewDigester("unit-test-hash-salt-000000000001")
	require.NoError(t, err)

	opts := FileStoreOptions{ProductID: "bizlens-pro", MaxDevices: 1}
	if clock != nil {
		opts.Clock = clock.Now
	}

	s, err := OpenFileStore(path, digester, opts)
	require.NoError(t, err)
	return s
}

func TestGetOrCreateRecordIdempotent(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t, nil)

	meta := PurchaseMetadata{Email: "owner@example.com", OrderID: "ord-1"}
	first, err := s.GetOrCreateRecord(ctx, testKey, meta)
	require.NoError(t, err)
	require.NotEmpty(t, first.ID)
	assert.Equal(t, "bizlens-pro", first.ProductID)
	assert.Equal(t, 1, first.MaxDevices)
	assert.Equal(t, meta, first.Purchase)

	second, err := s.GetOrCreateRecord(ctx, testKey, PurchaseMetadata{})
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, meta, second.Purchase)

	other, err := s.GetOrCreateRecord(ctx, otherKey, PurchaseMetadata{})
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, other.ID)
}

func TestRecordNeverStoresPlaintextKey(t *testing.T) {
	ctx := context.Background()
	s, path := newTestStore(t, nil)

	_, err := s.GetOrCreateRecord(ctx, testKey, PurchaseMetadata{})
	require.NoError(t, err)
	_, err = s.ReserveSlot(ctx, testKey, deviceOne, "laptop")
	require.NoError(t, err)

	raw, err := readFile(path)
	require.NoError(t, err)
	assert.NotContains(t, raw, testKey)
	assert.NotContains(t, raw, deviceOne)
}

func TestReserveSlotIdempotentForSameDevice(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	s, _ := newTestStore(t, clock)

	_, err := s.GetOrCreateRecord(ctx, testKey, PurchaseMetadata{})
	require.NoError(t, err)

	first, err := s.ReserveSlot(ctx, testKey, deviceOne, "laptop")
	require.NoError(t, err)

	clock.Advance(10 * time.Minute)

	again, err := s.ReserveSlot(ctx, testKey, deviceOne, "laptop")
	require.NoError(t, err)
	assert.Equal(t, first.ID, again.ID, "re-activation must refresh, not duplicate")
	assert.True(t, again.LastSeenAt.After(first.LastSeenAt), "lastSeenAt must advance")

	active, err := s.ListActive(ctx, testKey)
	require.NoError(t, err)
	assert.Len(t, active, 1)
}

func TestReserveSlotSecondDeviceRejected(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t, nil)

	_, err := s.GetOrCreateRecord(ctx, testKey, PurchaseMetadata{})
	require.NoError(t, err)

	_, err = s.ReserveSlot(ctx, testKey, deviceOne, "laptop")
	require.NoError(t, err)

	_, err = s.ReserveSlot(ctx, testKey, deviceTwo, "desktop")
	require.ErrorIs(t, err, apperrors.ErrSlotLimitReached)

	active, err := s.ListActive(ctx, testKey)
	require.NoError(t, err)
	require.Len(t, active, 1, "rejected attempt must not create an activation")
	assert.Equal(t, "laptop", active[0].DeviceLabel)
}

func TestRevokeFreesSlotForReactivation(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t, nil)

	_, err := s.GetOrCreateRecord(ctx, testKey, PurchaseMetadata{})
	require.NoError(t, err)
	_, err = s.ReserveSlot(ctx, testKey, deviceOne, "laptop")
	require.NoError(t, err)

	revoked, err := s.Revoke(ctx, testKey, deviceOne)
	require.NoError(t, err)
	assert.True(t, revoked)

	// Second revoke is a no-op.
	revoked, err = s.Revoke(ctx, testKey, deviceOne)
	require.NoError(t, err)
	assert.False(t, revoked)

	// Slot is free for a different device now.
	act, err := s.ReserveSlot(ctx, testKey, deviceTwo, "desktop")
	require.NoError(t, err)
	assert.Equal(t, "desktop", act.DeviceLabel)

	// The same device may also come back.
	revoked, err = s.Revoke(ctx, testKey, deviceTwo)
	require.NoError(t, err)
	require.True(t, revoked)
	_, err = s.ReserveSlot(ctx, testKey, deviceOne, "laptop")
	require.NoError(t, err)
}

func TestConcurrentReserveSlotSingleWinner(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t, nil)

	_, err := s.GetOrCreateRecord(ctx, testKey, PurchaseMetadata{})
	require.NoError(t, err)

	const attempts = 32
	devices := make([]string, attempts)
	for i := range devices {
		devices[i] = deviceOne + string(rune('a'+i%26)) + string(rune('a'+i/26))
	}

	var wg sync.WaitGroup
	results := make([]error, attempts)
	start := make(chan struct{})

	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			_, results[i] = s.ReserveSlot(ctx, testKey, devices[i], "racer")
		}(i)
	}
	close(start)
	wg.Wait()

	var successes, rejections int
	for _, err := range results {
		switch {
		case err == nil:
			successes++
		case errors.Is(err, apperrors.ErrSlotLimitReached):
			rejections++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}

	assert.Equal(t, 1, successes, "exactly one concurrent activation may win")
	assert.Equal(t, attempts-1, rejections)

	active, err := s.ListActive(ctx, testKey)
	require.NoError(t, err)
	assert.Len(t, active, 1, "at most one live activation per license")
}

func TestTouchHeartbeatMonotonic(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	s, _ := newTestStore(t, clock)

	_, err := s.GetOrCreateRecord(ctx, testKey, PurchaseMetadata{})
	require.NoError(t, err)
	act, err := s.ReserveSlot(ctx, testKey, deviceOne, "laptop")
	require.NoError(t, err)

	clock.Advance(time.Hour)
	require.NoError(t, s.TouchHeartbeat(ctx, act.ID))

	after, err := s.FindActivation(ctx, testKey, deviceOne)
	require.NoError(t, err)
	assert.Equal(t, act.LastSeenAt.Add(time.Hour), after.LastSeenAt)

	// A clock running backwards must not move lastSeenAt back.
	clock.Advance(-2 * time.Hour)
	require.NoError(t, s.TouchHeartbeat(ctx, act.ID))

	unchanged, err := s.FindActivation(ctx, testKey, deviceOne)
	require.NoError(t, err)
	assert.Equal(t, after.LastSeenAt, unchanged.LastSeenAt)
}

func TestTouchHeartbeatUnknownActivationIsSilent(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t, nil)

	assert.NoError(t, s.TouchHeartbeat(ctx, "no-such-activation"))
}

func TestFindActivationNotFound(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t, nil)

	_, err := s.FindActivation(ctx, testKey, deviceOne)
	assert.ErrorIs(t, err, apperrors.ErrActivationNotFound)

	_, err = s.GetOrCreateRecord(ctx, testKey, PurchaseMetadata{})
	require.NoError(t, err)
	_, err = s.FindActivation(ctx, testKey, deviceOne)
	assert.ErrorIs(t, err, apperrors.ErrActivationNotFound)
}

func TestRoundTripAcrossReopen(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	s, path := newTestStore(t, clock)

	meta := PurchaseMetadata{Email: "owner@example.com", OrderID: "ord-7", PurchasedAt: clock.Now()}
	rec, err := s.GetOrCreateRecord(ctx, testKey, meta)
	require.NoError(t, err)
	act, err := s.ReserveSlot(ctx, testKey, deviceOne, "laptop")
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s2 := reopen(t, path, clock)
	defer s2.Close()

	rec2, err := s2.GetOrCreateRecord(ctx, testKey, PurchaseMetadata{})
	require.NoError(t, err)
	assert.Equal(t, rec.ID, rec2.ID)
	assert.Equal(t, meta, rec2.Purchase)
	assert.True(t, rec.CreatedAt.Equal(rec2.CreatedAt))

	act2, err := s2.FindActivation(ctx, testKey, deviceOne)
	require.NoError(t, err)
	assert.Equal(t, act.ID, act2.ID)
	assert.Equal(t, act.DeviceLabel, act2.DeviceLabel)
	assert.True(t, act.ActivatedAt.Equal(act2.ActivatedAt))
	assert.True(t, act.LastSeenAt.Equal(act2.LastSeenAt))
}

func TestPruneStaleRevokesIdleActivations(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	s, _ := newTestStore(t, clock)

	_, err := s.GetOrCreateRecord(ctx, testKey, PurchaseMetadata{})
	require.NoError(t, err)
	_, err = s.ReserveSlot(ctx, testKey, deviceOne, "laptop")
	require.NoError(t, err)

	_, err = s.GetOrCreateRecord(ctx, otherKey, PurchaseMetadata{})
	require.NoError(t, err)
	fresh, err := s.ReserveSlot(ctx, otherKey, deviceTwo, "desktop")
	require.NoError(t, err)

	clock.Advance(31 * 24 * time.Hour)
	require.NoError(t, s.TouchHeartbeat(ctx, fresh.ID))

	pruned, err := s.PruneStale(ctx, 30*24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, pruned)

	_, err = s.FindActivation(ctx, testKey, deviceOne)
	assert.ErrorIs(t, err, apperrors.ErrActivationNotFound, "stale activation must be revoked")

	stillThere, err := s.FindActivation(ctx, otherKey, deviceTwo)
	require.NoError(t, err)
	assert.Equal(t, fresh.ID, stillThere.ID)

	// Pruning again finds nothing.
	pruned, err = s.PruneStale(ctx, 30*24*time.Hour)
	require.NoError(t, err)
	assert.Zero(t, pruned)
}

func readFile(path string) (string, error) {
	raw, err := os.ReadFile(path)
	return string(raw), err
}

func TestStatsCountsLiveActivations(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	s, _ := newTestStore(t, clock)

	empty := s.Stats(ctx)
	assert.Zero(t, empty.Licenses)
	assert.Zero(t, empty.ActiveActivations)
	assert.Nil(t, empty.LastPrunedAt)

	_, err := s.GetOrCreateRecord(ctx, testKey, PurchaseMetadata{})
	require.NoError(t, err)
	_, err = s.GetOrCreateRecord(ctx, otherKey, PurchaseMetadata{})
	require.NoError(t, err)
	_, err = s.ReserveSlot(ctx, testKey, deviceOne, "laptop")
	require.NoError(t, err)
	_, err = s.ReserveSlot(ctx, otherKey, deviceTwo, "desktop")
	require.NoError(t, err)

	st := s.Stats(ctx)
	assert.Equal(t, 2, st.Licenses)
	assert.Equal(t, 2, st.ActiveActivations)

	_, err = s.Revoke(ctx, otherKey, deviceTwo)
	require.NoError(t, err)
	_, err = s.PruneStale(ctx, 30*24*time.Hour)
	require.NoError(t, err)

	st = s.Stats(ctx)
	assert.Equal(t, 2, st.Licenses)
	assert.Equal(t, 1, st.ActiveActivations)
	require.NotNil(t, st.LastPrunedAt)
	assert.Equal(t, clock.Now().UTC(), *st.LastPrunedAt)
}

func TestDigesterStableAndSaltDependent(t *testing.T) {
	a, err := NewDigester("salt-one-0000000000000000")
	require.NoError(t, err)
	b, err := NewDigester("salt-two-0000000000000000")
	require.NoError(t, err)

	assert.Equal(t, a.Digest(testKey), a.Digest(testKey))
	assert.NotEqual(t, a.Digest(testKey), a.Digest(otherKey))
	assert.NotEqual(t, a.Digest(testKey), b.Digest(testKey))

	_, err = NewDigester("")
	assert.Error(t, err)
}
