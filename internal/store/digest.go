package store

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"golang.org/x/crypto/scrypt"
)

// scrypt parameters for deriving the digest key from the configured salt.
// Derivation runs once at startup, so the cost can be high.
const (
	scryptN      = 1 << 15
	scryptR      = 8
	scryptP      = 1
	digestKeyLen = 32
)

// digestContext separates this key from any other key derived from the
// same salt.
const digestContext = "bizlens-store-digest-v1"

// Digester produces the salted at-rest digests for license keys and device
// ids. The HMAC key is derived from the configured hash salt with scrypt, so
// a leaked store file cannot be brute-forced against short license keys
// without also knowing the salt.
type Digester struct {
	key []byte
}

// NewDigester derives the digest key from the configured hash salt.
func NewDigester(hashSalt string) (*Digester, error) {
	if hashSalt == "" {
		return nil, fmt.Errorf("hash salt must not be empty")
	}
	key, err := scrypt.Key([]byte(hashSalt), []byte(digestContext), scryptN, scryptR, scryptP, digestKeyLen)
	if err != nil {
		return nil, fmt.Errorf("failed to derive digest key: %w", err)
	}
	return &Digester{key: key}, nil
}

// Digest returns the hex HMAC-SHA256 digest of a value.
func (d *Digester) Digest(value string) string {
	mac := hmac.New(sha256.New, d.key)
	mac.Write([]byte(value))
	return hex.EncodeToString(mac.Sum(nil))
}
