// Package token mints and validates the signed credential tokens a device
// holds after activation. Tokens are HMAC-signed JWTs with a bounded expiry;
// an expired token is a signal to heartbeat, not a hard failure, while the
// cached license state remains inside its offline grace window.
package token

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	apperrors "bizlens/internal/errors"
)

const issuerName = "bizlens-licensed"

// Claims are the license credential claims. Subject carries the
// activation id.
type Claims struct {
	LicenseKey string `json:"lic"`
	DeviceID   string `json:"dev"`
	jwt.RegisteredClaims
}

// Issuer mints and validates credential tokens with a server-held secret.
type Issuer struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

// NewIssuer creates a token issuer. The signing secret is required; a
// missing secret is a configuration error the caller must treat as fatal.
func NewIssuer(secret string, ttl time.Duration) (*Issuer, error) {
	if secret == "" {
		return nil, fmt.Errorf("%w: signing secret is required", apperrors.ErrConfiguration)
	}
	if ttl <= 0 {
		return nil, fmt.Errorf("%w: token TTL must be positive", apperrors.ErrConfiguration)
	}
	return &Issuer{
		secret: []byte(secret),
		ttl:    ttl,
		now:    time.Now,
	}, nil
}

// WithClock overrides the issuer clock. Intended for tests.
func (i *Issuer) WithClock(now func() time.Time) *Issuer {
	i.now = now
	return i
}

// Issue mints a signed credential token binding a license, a device, and
// an activation. Returns the compact token and its expiry.
func (i *Issuer) Issue(licenseKey, deviceID, activationID string) (string, time.Time, error) {
	now := i.now().UTC()
	expiresAt := now.Add(i.ttl)

	claims := Claims{
		LicenseKey: licenseKey,
		DeviceID:   deviceID,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuerName,
			Subject:   activationID,
			ID:        uuid.NewString(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	}

	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := tok.SignedString(i.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("failed to sign credential token: %w", err)
	}
	return signed, expiresAt, nil
}

// Refresh reissues a credential with a fresh expiry. Called on every
// successful heartbeat.
func (i *Issuer) Refresh(licenseKey, deviceID, activationID string) (string, time.Time, error) {
	return i.Issue(licenseKey, deviceID, activationID)
}

// Verify validates a credential token and returns its claims. Expiry maps
// to ErrTokenExpired so callers can distinguish "renew me" from "reject me".
func (i *Issuer) Verify(tokenString string) (*Claims, error) {
	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(tokenString, claims,
		func(t *jwt.Token) (interface{}, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
			}
			return i.secret, nil
		},
		jwt.WithIssuer(issuerName),
		jwt.WithTimeFunc(func() time.Time { return i.now() }),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, fmt.Errorf("%w: %v", apperrors.ErrTokenExpired, err)
		}
		return nil, fmt.Errorf("%w: %v", apperrors.ErrTokenInvalid, err)
	}
	if !parsed.Valid {
		return nil, apperrors.ErrTokenInvalid
	}
	return claims, nil
}
