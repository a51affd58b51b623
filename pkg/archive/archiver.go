package archive

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/openibank/openibank-sub001/pkg/canonicalize"
	"github.com/openibank/openibank-sub001/pkg/clock"
	"github.com/openibank/openibank-sub001/pkg/identity"
	"github.com/openibank/openibank-sub001/pkg/merkle"
	"github.com/openibank/openibank-sub001/pkg/worldline"
)

// ErrManifestSignature is returned when a manifest fails verification.
var ErrManifestSignature = errors.New("archive: manifest signature invalid")

// Source is what an archiver exports from; *worldline.WorldLine satisfies it.
type Source interface {
	ExportSlice(ctx context.Context, runID, from, to string) ([]*worldline.Event, error)
}

// Signer signs manifests. *identity.Identity satisfies it.
type Signer interface {
	Sign(msg []byte) []byte
	PublicKeyHex() string
}

// Manifest describes a stored bundle and is signed by the exporting node.
type Manifest struct {
	Key             string    `json:"key"`
	RunID           string    `json:"run_id"`
	FirstEventID    string    `json:"first_event_id"`
	LastEventID     string    `json:"last_event_id"`
	Count           int       `json:"count"`
	PrevHash        string    `json:"prev_hash"`
	HeadHash        string    `json:"head_hash"`
	EventsRoot      string    `json:"events_root"`
	CreatedAt       time.Time `json:"created_at"`
	SignerPublicKey string    `json:"signer_public_key,omitempty"`
	Signature       string    `json:"signature,omitempty"`
}

func (m *Manifest) signingBytes() ([]byte, error) {
	unsigned := *m
	unsigned.Signature = ""
	return canonicalize.JCS(unsigned)
}

// Verify checks the manifest signature against its embedded key.
func (m *Manifest) Verify() error {
	if m.Signature == "" {
		return fmt.Errorf("%w: unsigned", ErrManifestSignature)
	}
	msg, err := m.signingBytes()
	if err != nil {
		return err
	}
	ok, err := identity.VerifyHex(m.SignerPublicKey, m.Signature, msg)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrManifestSignature, err)
	}
	if !ok {
		return ErrManifestSignature
	}
	return nil
}

// Archiver exports WorldLine slices to a BlobStore.
type Archiver struct {
	blobs  BlobStore
	signer Signer
	clock  clock.Clock
	logger *slog.Logger
}

type Option func(*Archiver)

// WithSigner makes Export write a signed manifest next to each bundle.
func WithSigner(s Signer) Option { return func(a *Archiver) { a.signer = s } }

func WithClock(c clock.Clock) Option { return func(a *Archiver) { a.clock = c } }

func WithLogger(l *slog.Logger) Option { return func(a *Archiver) { a.logger = l } }

func New(blobs BlobStore, opts ...Option) *Archiver {
	a := &Archiver{blobs: blobs, clock: clock.Real(), logger: slog.Default()}
	for _, opt := range opts {
		opt(a)
	}
	a.logger = a.logger.With("component", "archive")
	return a
}

// Export archives the events of runID between from and to (inclusive, empty
// for the run's bounds) and returns the bundle key. A slice that does not
// verify is refused.
func (a *Archiver) Export(ctx context.Context, src Source, runID, from, to string) (string, error) {
	events, err := src.ExportSlice(ctx, runID, from, to)
	if err != nil {
		return "", fmt.Errorf("archive: export %s: %w", runID, err)
	}
	b, err := NewBundle(runID, events)
	if err != nil {
		return "", err
	}
	if err := b.Verify(); err != nil {
		a.logger.Error("refusing to archive broken slice", "run_id", runID, "error", err)
		return "", err
	}
	key, blob, err := Encode(b)
	if err != nil {
		return "", err
	}
	if err := a.blobs.Put(ctx, key, blob); err != nil {
		return "", err
	}

	if a.signer != nil {
		tree, err := b.Tree()
		if err != nil {
			return "", err
		}
		m := &Manifest{
			Key:             key,
			RunID:           runID,
			FirstEventID:    b.First(),
			LastEventID:     b.Last(),
			Count:           len(b.Events),
			PrevHash:        b.PrevHash.Hex(),
			HeadHash:        b.Head().Hex(),
			EventsRoot:      tree.Root.Hex(),
			CreatedAt:       a.clock.Now().UTC(),
			SignerPublicKey: a.signer.PublicKeyHex(),
		}
		msg, err := m.signingBytes()
		if err != nil {
			return "", fmt.Errorf("archive: manifest: %w", err)
		}
		m.Signature = hex.EncodeToString(a.signer.Sign(msg))
		data, err := json.Marshal(m)
		if err != nil {
			return "", fmt.Errorf("archive: manifest: %w", err)
		}
		if err := a.blobs.Put(ctx, key+".manifest", data); err != nil {
			return "", err
		}
	}

	a.logger.Info("slice archived", "run_id", runID, "key", key, "events", len(b.Events), "bytes", len(blob))
	return key, nil
}

// Load fetches, decodes and verifies a bundle.
func (a *Archiver) Load(ctx context.Context, key string) (*Bundle, error) {
	blob, err := a.blobs.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	b, err := Decode(key, blob)
	if err != nil {
		return nil, err
	}
	if err := b.Verify(); err != nil {
		return nil, err
	}
	return b, nil
}

// Manifest fetches and verifies the manifest written for key.
func (a *Archiver) Manifest(ctx context.Context, key string) (*Manifest, error) {
	data, err := a.blobs.Get(ctx, key+".manifest")
	if err != nil {
		return nil, err
	}
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("archive: decode manifest: %w", err)
	}
	if m.Key != key {
		return nil, fmt.Errorf("%w: manifest names %s", ErrDigestMismatch, m.Key)
	}
	if err := m.Verify(); err != nil {
		return nil, err
	}
	return &m, nil
}

// Prove returns the inclusion proof of eventID in the bundle stored at key.
// The proof's root equals the manifest's EventsRoot.
func (a *Archiver) Prove(ctx context.Context, key, eventID string) (merkle.Proof, error) {
	b, err := a.Load(ctx, key)
	if err != nil {
		return merkle.Proof{}, err
	}
	tree, err := b.Tree()
	if err != nil {
		return merkle.Proof{}, err
	}
	return tree.Prove(eventID)
}
