package core

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// defaultOwnerTokenTTL is the validity period of issued owner tokens.
const defaultOwnerTokenTTL = 30 * 24 * time.Hour

// errInvalidToken is the generic error returned for all token
// verification failures so callers cannot tell which stage failed.
var errInvalidToken = errors.New("invalid or expired token")

// ownerTokenClaims is the JSON payload embedded in owner tokens.
type ownerTokenClaims struct {
	Sub string `json:"sub"`
	Iat int64  `json:"iat"`
	Exp int64  `json:"exp"`
}

// OwnerTokenIssuer signs and verifies the HMAC-based bearer tokens that
// identify task and fleet API callers as owners.
type OwnerTokenIssuer struct {
	hmacKey []byte
	ttl     time.Duration
}

// NewOwnerTokenIssuer returns an OwnerTokenIssuer backed by the given
// HMAC key. A non-positive ttl falls back to the default.
func NewOwnerTokenIssuer(hmacKey []byte, ttl time.Duration) (*OwnerTokenIssuer, error) {
	if len(hmacKey) == 0 {
		return nil, fmt.Errorf("owner token issuer: HMAC key is required")
	}
	if ttl <= 0 {
		ttl = defaultOwnerTokenTTL
	}
	return &OwnerTokenIssuer{hmacKey: hmacKey, ttl: ttl}, nil
}

// Issue creates a signed token for the owner with issued-at and expiry
// timestamps.
func (i *OwnerTokenIssuer) Issue(ownerID string) (string, error) {
	ownerID = NormalizeOwnerID(ownerID)
	if ownerID == "" {
		return "", fmt.Errorf("owner token issuer: owner_id is required")
	}

	now := time.Now()
	claims := ownerTokenClaims{
		Sub: ownerID,
		Iat: now.Unix(),
		Exp: now.Add(i.ttl).Unix(),
	}

	payload, err := json.Marshal(claims)
	if err != nil {
		return "", fmt.Errorf("marshal token claims: %w", err)
	}

	mac := hmac.New(sha256.New, i.hmacKey)
	mac.Write(payload)
	sig := mac.Sum(nil)

	return base64.RawURLEncoding.EncodeToString(payload) + "." +
		base64.RawURLEncoding.EncodeToString(sig), nil
}

// Verify validates the HMAC signature and expiry of a token and
// returns the embedded owner id. All failures return the same generic
// error.
func (i *OwnerTokenIssuer) Verify(token string) (string, error) {
	ownerID, err := i.verifyDetailed(token)
	if err != nil {
		return "", errInvalidToken
	}
	return ownerID, nil
}

// verifyDetailed performs the actual verification with stage-specific
// errors for logging. Verify wraps them into the generic error.
func (i *OwnerTokenIssuer) verifyDetailed(token string) (string, error) {
	parts := strings.SplitN(token, ".", 2)
	if len(parts) != 2 {
		return "", fmt.Errorf("malformed token")
	}

	payloadBytes, err := base64.RawURLEncoding.DecodeString(parts[0])
	if err != nil {
		return "", fmt.Errorf("decode payload: %w", err)
	}
	sig, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return "", fmt.Errorf("decode signature: %w", err)
	}

	// Verify HMAC before trusting any payload content.
	mac := hmac.New(sha256.New, i.hmacKey)
	mac.Write(payloadBytes)
	if !hmac.Equal(sig, mac.Sum(nil)) {
		return "", fmt.Errorf("invalid token signature")
	}

	var claims ownerTokenClaims
	if err := json.Unmarshal(payloadBytes, &claims); err != nil {
		return "", fmt.Errorf("parse token claims: %w", err)
	}

	now := time.Now().Unix()
	if now > claims.Exp {
		return "", fmt.Errorf("token expired")
	}

	// Reject tokens issued in the future or older than the TTL plus a
	// small clock-skew allowance.
	const clockSkew = 5 * 60
	maxAge := int64(i.ttl.Seconds()) + clockSkew
	if claims.Iat > now+clockSkew {
		return "", fmt.Errorf("token issued in the future")
	}
	if now-claims.Iat > maxAge {
		return "", fmt.Errorf("token too old")
	}

	ownerID := NormalizeOwnerID(claims.Sub)
	if ownerID == "" {
		return "", fmt.Errorf("token subject is empty")
	}
	return ownerID, nil
}
