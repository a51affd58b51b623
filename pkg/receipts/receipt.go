// Package receipts defines the signed, externally verifiable record of a
// completed consequence and the stores that persist them.
package receipts

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/openibank/openibank-sub001/pkg/identity"
)

// Receipt binds a settled transfer to the WorldLine event that recorded it.
// Field order is the canonical signing order.
type Receipt struct {
	TxID               string    `json:"tx_id"`
	From               string    `json:"from"`
	To                 string    `json:"to"`
	Amount             int64     `json:"amount"`
	PermitID           string    `json:"permit_id"`
	CommitmentID       string    `json:"commitment_id"`
	WorldLineID        string    `json:"worldline_id"`
	WorldLineEventID   string    `json:"worldline_event_id"`
	WorldLineEventHash string    `json:"worldline_event_hash"`
	Timestamp          time.Time `json:"timestamp"`
	Tagline            string    `json:"tagline"`
	SignerPublicKey    string    `json:"signer_public_key"`
	Signature          string    `json:"signature"`
}

// signedFields mirrors Receipt without the key and signature.
type signedFields struct {
	TxID               string    `json:"tx_id"`
	From               string    `json:"from"`
	To                 string    `json:"to"`
	Amount             int64     `json:"amount"`
	PermitID           string    `json:"permit_id"`
	CommitmentID       string    `json:"commitment_id"`
	WorldLineID        string    `json:"worldline_id"`
	WorldLineEventID   string    `json:"worldline_event_id"`
	WorldLineEventHash string    `json:"worldline_event_hash"`
	Timestamp          time.Time `json:"timestamp"`
	Tagline            string    `json:"tagline"`
}

var (
	ErrUnsigned = errors.New("receipts: receipt is not signed")
	ErrNotFound = errors.New("receipts: receipt not found")
	ErrExists   = errors.New("receipts: receipt already stored")
)

// Signer produces Ed25519 signatures. *identity.Identity satisfies it.
type Signer interface {
	Sign(msg []byte) []byte
	PublicKeyHex() string
}

// NewTxID returns a fresh, time-ordered transaction id.
func NewTxID() string {
	return "tx_" + uuid.Must(uuid.NewV7()).String()
}

// CanonicalBytes is the byte string the signature covers: a JSON object of every
// field except signer_public_key and signature, in declaration order, with the
// timestamp in UTC and no HTML escaping.
func (r *Receipt) CanonicalBytes() ([]byte, error) {
	f := signedFields{
		TxID:               r.TxID,
		From:               r.From,
		To:                 r.To,
		Amount:             r.Amount,
		PermitID:           r.PermitID,
		CommitmentID:       r.CommitmentID,
		WorldLineID:        r.WorldLineID,
		WorldLineEventID:   r.WorldLineEventID,
		WorldLineEventHash: r.WorldLineEventHash,
		Timestamp:          r.Timestamp.UTC(),
		Tagline:            r.Tagline,
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(f); err != nil {
		return nil, fmt.Errorf("receipts: canonical encoding: %w", err)
	}
	return bytes.TrimSuffix(buf.Bytes(), []byte("\n")), nil
}

// Sign stamps the signer's public key and a hex signature over CanonicalBytes.
func (r *Receipt) Sign(s Signer) error {
	msg, err := r.CanonicalBytes()
	if err != nil {
		return err
	}
	r.SignerPublicKey = s.PublicKeyHex()
	r.Signature = fmt.Sprintf("%x", s.Sign(msg))
	return nil
}

// Verify reports whether the signature matches the embedded public key and the
// current field values. Malformed keys or signatures verify false.
func (r *Receipt) Verify() bool {
	ok, err := r.Check()
	return ok && err == nil
}

// Check is Verify with the reason a receipt could not be checked at all.
func (r *Receipt) Check() (bool, error) {
	if r.Signature == "" || r.SignerPublicKey == "" {
		return false, ErrUnsigned
	}
	msg, err := r.CanonicalBytes()
	if err != nil {
		return false, err
	}
	return identity.VerifyHex(r.SignerPublicKey, r.Signature, msg)
}

// SignedBy reports whether r verifies and was signed by pubKeyHex.
func (r *Receipt) SignedBy(pubKeyHex string) bool {
	return r.SignerPublicKey == pubKeyHex && r.Verify()
}

// Clone returns an independent copy.
func (r *Receipt) Clone() *Receipt {
	c := *r
	return &c
}
