package services

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "bizlens/internal/errors"
	"bizlens/internal/store"
)

func TestJanitorRevokesStaleActivations(t *testing.T) {
	ctx := context.Background()

	now := time.Now().UTC()
	var mu sync.Mutex
	clock := now
	readClock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return clock
	}

	digester, err := store.NewDigester("janitor-test-hash-salt-000001")
	require.NoError(t, err)

	st, err := store.OpenFileStore(filepath.Join(t.TempDir(), "licenses.json"), digester, store.FileStoreOptions{
		ProductID:  "bizlens-pro",
		MaxDevices: 1,
		Clock:      readClock,
	})
	require.NoError(t, err)
	defer st.Close()

	_, err = st.GetOrCreateRecord(ctx, testKey, store.PurchaseMetadata{})
	require.NoError(t, err)
	_, err = st.ReserveSlot(ctx, testKey, deviceOne, "laptop")
	require.NoError(t, err)

	// The device goes quiet for 31 days.
	mu.Lock()
	clock = now.Add(31 * 24 * time.Hour)
	mu.Unlock()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	j := NewJanitor(st, 10*time.Millisecond, 30*24*time.Hour, logger)
	j.Start(ctx)
	defer j.Stop()

	require.Eventually(t, func() bool {
		_, err := st.FindActivation(ctx, testKey, deviceOne)
		return err != nil
	}, time.Second, 10*time.Millisecond, "janitor must revoke the stale activation")

	_, err = st.FindActivation(ctx, testKey, deviceOne)
	assert.ErrorIs(t, err, apperrors.ErrActivationNotFound)
}

func TestJanitorStopIsIdempotent(t *testing.T) {
	digester, err := store.NewDigester("janitor-test-hash-salt-000001")
	require.NoError(t, err)
	st, err := store.OpenFileStore(filepath.Join(t.TempDir(), "licenses.json"), digester, store.FileStoreOptions{})
	require.NoError(t, err)
	defer st.Close()

	j := NewJanitor(st, time.Hour, time.Hour, nil)
	j.Start(context.Background())
	j.Stop()
	j.Stop()
}
