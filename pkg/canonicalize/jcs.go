// Package canonicalize provides RFC 8785 (JSON Canonicalization Scheme) serialization
// for WorldLine payloads, intent hashes and anything else that gets hashed or signed.
package canonicalize

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/gowebpki/jcs"
)

// Digest is a SHA-256 digest.
type Digest [32]byte

// Hex returns the lowercase hex form of the digest.
func (d Digest) Hex() string {
	return hex.EncodeToString(d[:])
}

// IsZero reports whether every byte of the digest is zero.
func (d Digest) IsZero() bool {
	return d == Digest{}
}

// ParseDigest decodes a 64-character hex digest.
func ParseDigest(s string) (Digest, error) {
	var d Digest
	raw, err := hex.DecodeString(s)
	if err != nil {
		return d, fmt.Errorf("canonicalize: invalid digest hex: %w", err)
	}
	if len(raw) != len(d) {
		return d, fmt.Errorf("canonicalize: digest must be %d bytes, got %d", len(d), len(raw))
	}
	copy(d[:], raw)
	return d, nil
}

// MarshalText encodes the digest as hex so it reads naturally inside JSON payloads.
func (d Digest) MarshalText() ([]byte, error) {
	return []byte(d.Hex()), nil
}

// UnmarshalText decodes a hex digest.
func (d *Digest) UnmarshalText(text []byte) error {
	parsed, err := ParseDigest(string(text))
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}

// JCS returns the RFC 8785 canonical JSON representation of v.
//
// v is first marshaled with encoding/json so struct tags are honored, then
// transformed: keys sorted by UTF-16 code units, no HTML escaping, ES6 number form.
func JCS(v interface{}) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, fmt.Errorf("jcs: pre-marshal failed: %w", err)
	}
	return Transform(buf.Bytes())
}

// Transform canonicalizes already-encoded JSON.
func Transform(raw []byte) ([]byte, error) {
	out, err := jcs.Transform(bytes.TrimSpace(raw))
	if err != nil {
		return nil, fmt.Errorf("jcs: transform failed: %w", err)
	}
	return out, nil
}

// JCSString returns the JCS canonical form as a string.
func JCSString(v interface{}) (string, error) {
	data, err := JCS(v)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// Sum returns the SHA-256 digest of the canonical JSON representation of v.
func Sum(v interface{}) (Digest, error) {
	b, err := JCS(v)
	if err != nil {
		return Digest{}, err
	}
	return sha256.Sum256(b), nil
}

// CanonicalHash returns the SHA-256 hex digest of the canonical JSON representation of v.
func CanonicalHash(v interface{}) (string, error) {
	d, err := Sum(v)
	if err != nil {
		return "", err
	}
	return d.Hex(), nil
}

// HashBytes computes the SHA-256 hash of raw bytes and returns the hex string.
func HashBytes(data []byte) string {
	hash := sha256.Sum256(data)
	return hex.EncodeToString(hash[:])
}
