// Package hasher provides the credential hasher used to store worker
// secrets. Secrets are hashed with HMAC-SHA256 under the console hash
// key, so a leaked database does not leak usable credentials.
package hasher

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"

	"github.com/boxfleet/boxfleet-console/internal/core"
)

// Algorithm is the tag persisted next to hashed credential values.
const Algorithm = "hmac-sha256"

// HMAC implements core.Hasher with HMAC-SHA256 and a fixed key.
type HMAC struct {
	key []byte
}

// Verify at compile time that HMAC satisfies core.Hasher.
var _ core.Hasher = (*HMAC)(nil)

// New returns a hasher keyed by the console hash key.
func New(key string) *HMAC {
	return &HMAC{key: []byte(key)}
}

// Hash returns the lowercase hex HMAC-SHA256 of the secret.
func (h *HMAC) Hash(secret string) string {
	mac := hmac.New(sha256.New, h.key)
	mac.Write([]byte(secret))
	return hex.EncodeToString(mac.Sum(nil))
}

// Equal reports whether the presented secret hashes to the stored
// value. The comparison is constant time in the stored value.
func (h *HMAC) Equal(stored, presented string) bool {
	computed := h.Hash(presented)
	return subtle.ConstantTimeCompare([]byte(stored), []byte(computed)) == 1
}

// Algorithm returns the tag recorded with credentials written by this
// hasher.
func (h *HMAC) Algorithm() string {
	return Algorithm
}
