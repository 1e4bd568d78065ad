// Package signature authenticates inbound action invocations from the
// automation platform. Three schemes are supported, selected by the
// X-Hubspot-Signature-Version header:
//
//	v1: hex(SHA-256(secret || body))
//	v2: hex(SHA-256(secret || method || uri || body))
//	v3: base64(HMAC-SHA-256(secret, method || uri || body || timestamp))
//
// v3 additionally requires the request timestamp to be within a ±5 minute
// window. All comparisons are constant-time.
package signature

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"time"
)

// Header names used by the platform.
const (
	HeaderSignature = "X-Hubspot-Signature"
	HeaderVersion   = "X-Hubspot-Signature-Version"
	HeaderTimestamp = "X-Hubspot-Request-Timestamp"
)

// MaxTimestampSkew is the allowed |now - timestamp| for v3 requests.
const MaxTimestampSkew = 5 * time.Minute

var (
	// ErrMissingSignature is returned when no signature header is present.
	ErrMissingSignature = errors.New("signature: missing signature header")
	// ErrUnknownVersion is returned for unsupported scheme identifiers.
	ErrUnknownVersion = errors.New("signature: unknown signature version")
	// ErrInvalidSignature is returned when the computed signature differs.
	ErrInvalidSignature = errors.New("signature: signature mismatch")
	// ErrStaleTimestamp is returned when a v3 timestamp is outside the window.
	ErrStaleTimestamp = errors.New("signature: request timestamp outside allowed window")
)

// Verifier checks request signatures against the platform client secret.
// The request URI used for v2/v3 is reconstructed from the configured base
// URL, never from the attacker-controlled Host header.
type Verifier struct {
	secret []byte
	now    func() time.Time
}

// NewVerifier creates a Verifier for the given client secret.
func NewVerifier(clientSecret string) *Verifier {
	return &Verifier{secret: []byte(clientSecret), now: time.Now}
}

// Request carries the raw material for verification. Body holds the exact
// bytes received on the wire; parsing happens only after Verify accepts.
type Request struct {
	Method    string
	URI       string // absolute: scheme://host/path?query from BASE_URL
	Body      []byte
	Signature string
	Version   string
	Timestamp string // Unix milliseconds, v3 only
}

// Verify checks the request signature. A nil return means authenticated.
func (v *Verifier) Verify(req Request) error {
	if req.Signature == "" {
		return ErrMissingSignature
	}

	switch req.Version {
	case "", "v1":
		return v.verifyV1(req)
	case "v2":
		return v.verifyV2(req)
	case "v3":
		return v.verifyV3(req)
	default:
		return fmt.Errorf("%w: %q", ErrUnknownVersion, req.Version)
	}
}

func (v *Verifier) verifyV1(req Request) error {
	h := sha256.New()
	h.Write(v.secret)
	h.Write(req.Body)
	return constantTimeHexEqual(req.Signature, h.Sum(nil))
}

func (v *Verifier) verifyV2(req Request) error {
	h := sha256.New()
	h.Write(v.secret)
	h.Write([]byte(req.Method))
	h.Write([]byte(req.URI))
	h.Write(req.Body)
	return constantTimeHexEqual(req.Signature, h.Sum(nil))
}

func (v *Verifier) verifyV3(req Request) error {
	ms, err := strconv.ParseInt(req.Timestamp, 10, 64)
	if err != nil {
		return fmt.Errorf("%w: unparsable timestamp", ErrStaleTimestamp)
	}
	ts := time.UnixMilli(ms)
	if d := v.now().Sub(ts); d > MaxTimestampSkew || d < -MaxTimestampSkew {
		return ErrStaleTimestamp
	}

	mac := hmac.New(sha256.New, v.secret)
	mac.Write([]byte(req.Method))
	mac.Write([]byte(req.URI))
	mac.Write(req.Body)
	mac.Write([]byte(req.Timestamp))
	expected := mac.Sum(nil)

	got, err := base64.StdEncoding.DecodeString(req.Signature)
	if err != nil {
		return ErrInvalidSignature
	}
	if !hmac.Equal(got, expected) {
		return ErrInvalidSignature
	}
	return nil
}

// constantTimeHexEqual compares a hex-encoded signature with raw digest
// bytes without leaking a timing oracle. The provided hex is decoded first;
// malformed hex fails closed.
func constantTimeHexEqual(sigHex string, digest []byte) error {
	got, err := hex.DecodeString(sigHex)
	if err != nil {
		return ErrInvalidSignature
	}
	if subtle.ConstantTimeCompare(got, digest) != 1 {
		return ErrInvalidSignature
	}
	return nil
}
