// Package identity derives deterministic per-agent Ed25519 key material.
//
// Keys are derived with HKDF-SHA256 from a fixed seed and the NFC-normalized agent
// name, so re-deriving the same name always yields byte-identical keys. Nothing in
// this package hands out private key bytes.
package identity

import (
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/hkdf"
	"golang.org/x/text/unicode/norm"
)

// AddressSize is the length of an agent address in bytes.
const AddressSize = 20

const derivationSalt = "openibank.identity.v1"

// defaultSeed is the fixed input keying material used by Derive.
// Changing it re-keys every agent.
var defaultSeed = []byte("openibank/worldline/identity-seed")

// ErrEmptyName is returned when deriving an identity for an empty name.
var ErrEmptyName = errors.New("identity: agent name is empty")

// AgentID is the printable, stable identifier of an agent.
type AgentID string

func (id AgentID) String() string { return string(id) }

// NewAgentID maps a human-assigned name to its AgentID: a readable slug followed by
// 16 hex characters of SHA-256(NFC(name)). Distinct names yield distinct ids.
func NewAgentID(name string) AgentID {
	normalized := norm.NFC.String(name)
	sum := sha256.Sum256([]byte(normalized))
	return AgentID(slug(normalized) + "-" + hex.EncodeToString(sum[:8]))
}

// Address is the 20-byte address derived from a verifying key.
type Address [AddressSize]byte

// Hex returns the 0x-prefixed hex form.
func (a Address) Hex() string {
	return "0x" + hex.EncodeToString(a[:])
}

func (a Address) String() string { return a.Hex() }

// Identity holds one agent's key pair.
type Identity struct {
	name    string
	agentID AgentID
	priv    ed25519.PrivateKey
	pub     ed25519.PublicKey
}

// Derive returns the identity for name under the default seed.
func Derive(name string) (*Identity, error) {
	return DeriveWithSeed(defaultSeed, name)
}

// DeriveWithSeed derives an identity from an explicit seed. Different seeds give
// disjoint key spaces for the same names.
func DeriveWithSeed(seed []byte, name string) (*Identity, error) {
	normalized := norm.NFC.String(strings.TrimSpace(name))
	if normalized == "" {
		return nil, ErrEmptyName
	}

	kdf := hkdf.New(sha256.New, seed, []byte(derivationSalt), []byte(normalized))
	keySeed := make([]byte, ed25519.SeedSize)
	if _, err := io.ReadFull(kdf, keySeed); err != nil {
		return nil, fmt.Errorf("identity: hkdf expansion failed: %w", err)
	}

	priv := ed25519.NewKeyFromSeed(keySeed)
	return &Identity{
		name:    normalized,
		agentID: NewAgentID(normalized),
		priv:    priv,
		pub:     priv.Public().(ed25519.PublicKey),
	}, nil
}

// Name returns the normalized agent name.
func (i *Identity) Name() string { return i.name }

// AgentID returns the agent's stable identifier.
func (i *Identity) AgentID() AgentID { return i.agentID }

// Sign signs msg with the agent's signing key.
func (i *Identity) Sign(msg []byte) []byte {
	return ed25519.Sign(i.priv, msg)
}

// Verify reports whether sig is a valid signature of msg by this identity.
func (i *Identity) Verify(msg, sig []byte) bool {
	if len(sig) != ed25519.SignatureSize {
		return false
	}
	return ed25519.Verify(i.pub, msg, sig)
}

// VerifyingKey returns a copy of the public key.
func (i *Identity) VerifyingKey() ed25519.PublicKey {
	out := make(ed25519.PublicKey, len(i.pub))
	copy(out, i.pub)
	return out
}

// PublicKeyHex returns the hex-encoded public key.
func (i *Identity) PublicKeyHex() string {
	return hex.EncodeToString(i.pub)
}

// Address returns the last 20 bytes of SHA-256(verifying key).
func (i *Identity) Address() Address {
	return AddressOf(i.pub)
}

// AddressOf computes the address for any Ed25519 public key.
func AddressOf(pub ed25519.PublicKey) Address {
	var a Address
	sum := sha256.Sum256(pub)
	copy(a[:], sum[len(sum)-AddressSize:])
	return a
}

// VerifyHex checks a hex signature against a hex public key. Malformed input is an
// error; a well-formed but wrong signature is (false, nil).
func VerifyHex(pubKeyHex, sigHex string, msg []byte) (bool, error) {
	pub, err := hex.DecodeString(pubKeyHex)
	if err != nil {
		return false, fmt.Errorf("invalid public key hex: %w", err)
	}
	sig, err := hex.DecodeString(sigHex)
	if err != nil {
		return false, fmt.Errorf("invalid signature hex: %w", err)
	}
	if len(pub) != ed25519.PublicKeySize {
		return false, fmt.Errorf("invalid public key size %d", len(pub))
	}
	if len(sig) != ed25519.SignatureSize {
		return false, nil
	}
	return ed25519.Verify(ed25519.PublicKey(pub), msg, sig), nil
}

func slug(name string) string {
	var b strings.Builder
	dash := false
	for _, r := range strings.ToLower(name) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
			dash = false
		case !dash && b.Len() > 0:
			b.WriteByte('-')
			dash = true
		}
		if b.Len() >= 32 {
			break
		}
	}
	s := strings.TrimRight(b.String(), "-")
	if s == "" {
		return "agent"
	}
	return s
}
