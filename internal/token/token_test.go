package token

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "bizlens/internal/errors"
)

const (
	testSecret = "unit-test-signing-secret-0001"
	testKey    = "ABCD-1234-EFGH-5678"
	testDevice = "device-fingerprint-0000000000000001"
)

func TestIssueAndVerify(t *testing.T) {
	issuer, err := NewIssuer(testSecret, 7*24*time.Hour)
	require.NoError(t, err)

	signed, expiresAt, err := issuer.Issue(testKey, testDevice, "act-1")
	require.NoError(t, err)
	require.NotEmpty(t, signed)
	assert.WithinDuration(t, time.Now().Add(7*24*time.Hour), expiresAt, time.Minute)

	claims, err := issuer.Verify(signed)
	require.NoError(t, err)
	assert.Equal(t, testKey, claims.LicenseKey)
	assert.Equal(t, testDevice, claims.DeviceID)
	assert.Equal(t, "act-1", claims.Subject)
	assert.Equal(t, "bizlens-licensed", claims.Issuer)
}

func TestVerifyExpiredToken(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	issuer, err := NewIssuer(testSecret, time.Hour)
	require.NoError(t, err)
	issuer.WithClock(func() time.Time { return now })

	signed, _, err := issuer.Issue(testKey, testDevice, "act-1")
	require.NoError(t, err)

	// Still valid just inside the TTL.
	issuer.WithClock(func() time.Time { return now.Add(59 * time.Minute) })
	_, err = issuer.Verify(signed)
	require.NoError(t, err)

	// Expired past the TTL: must map to ErrTokenExpired, which consumers
	// treat as "renew", not "reject".
	issuer.WithClock(func() time.Time { return now.Add(2 * time.Hour) })
	_, err = issuer.Verify(signed)
	assert.ErrorIs(t, err, apperrors.ErrTokenExpired)
}

func TestVerifyRejectsForeignSignature(t *testing.T) {
	issuer, err := NewIssuer(testSecret, time.Hour)
	require.NoError(t, err)

	other, err := NewIssuer("a-different-signing-secret-0002", time.Hour)
	require.NoError(t, err)

	signed, _, err := other.Issue(testKey, testDevice, "act-1")
	require.NoError(t, err)

	_, err = issuer.Verify(signed)
	assert.ErrorIs(t, err, apperrors.ErrTokenInvalid)
}

func TestVerifyRejectsGarbage(t *testing.T) {
	issuer, err := NewIssuer(testSecret, time.Hour)
	require.NoError(t, err)

	_, err = issuer.Verify("not-a-token")
	assert.ErrorIs(t, err, apperrors.ErrTokenInvalid)
}

func TestRefreshExtendsExpiry(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	issuer, err := NewIssuer(testSecret, time.Hour)
	require.NoError(t, err)
	issuer.WithClock(func() time.Time { return now })

	_, firstExpiry, err := issuer.Issue(testKey, testDevice, "act-1")
	require.NoError(t, err)

	issuer.WithClock(func() time.Time { return now.Add(30 * time.Minute) })
	_, refreshedExpiry, err := issuer.Refresh(testKey, testDevice, "act-1")
	require.NoError(t, err)

	assert.True(t, refreshedExpiry.After(firstExpiry))
}

func TestNewIssuerRequiresSecret(t *testing.T) {
	_, err := NewIssuer("", time.Hour)
	assert.ErrorIs(t, err, apperrors.ErrConfiguration)

	_, err = NewIssuer(testSecret, 0)
	assert.ErrorIs(t, err, apperrors.ErrConfiguration)
}
