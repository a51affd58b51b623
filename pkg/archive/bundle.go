// Package archive packs WorldLine slices into compressed, content-addressed
// bundles that can be verified without the originating store.
package archive

import (
	"encoding/hex"
	"errors"
	"fmt"
	"reflect"

	"github.com/fxamacker/cbor/v2"
	"github.com/klauspost/compress/zstd"
	"github.com/zeebo/blake3"

	"github.com/openibank/openibank-sub001/pkg/canonicalize"
	"github.com/openibank/openibank-sub001/pkg/merkle"
	"github.com/openibank/openibank-sub001/pkg/worldline"
)

// FormatVersion is written into every bundle.
const FormatVersion = 1

var (
	ErrEmptyBundle       = errors.New("archive: bundle has no events")
	ErrDigestMismatch    = errors.New("archive: content does not match key")
	ErrUnsupportedFormat = errors.New("archive: unsupported bundle format")
)

// Bundle is a contiguous slice of one run. PrevHash is the hash of the event
// before the first one, zero when the slice starts at genesis.
type Bundle struct {
	Version  uint8               `cbor:"1,keyasint"`
	RunID    string              `cbor:"2,keyasint"`
	PrevHash canonicalize.Digest `cbor:"3,keyasint"`
	Events   []*worldline.Event  `cbor:"4,keyasint"`
}

// NewBundle wraps events exported from runID.
func NewBundle(runID string, events []*worldline.Event) (*Bundle, error) {
	if len(events) == 0 {
		return nil, ErrEmptyBundle
	}
	return &Bundle{Version: FormatVersion, RunID: runID, PrevHash: events[0].PrevHash, Events: events}, nil
}

// Verify checks every event belongs to the run and the slice chains from
// PrevHash.
func (b *Bundle) Verify() error {
	if b.Version != FormatVersion {
		return fmt.Errorf("%w: version %d", ErrUnsupportedFormat, b.Version)
	}
	if len(b.Events) == 0 {
		return ErrEmptyBundle
	}
	for _, ev := range b.Events {
		if ev.RunID != b.RunID {
			return &worldline.HashChainBrokenError{RunID: b.RunID, EventID: ev.ID, Seq: ev.Seq, Reason: "event from run " + ev.RunID}
		}
	}
	return worldline.VerifySlice(b.PrevHash, b.Events)
}

// First and Last return the bounding event ids.
func (b *Bundle) First() string { return b.Events[0].ID }
func (b *Bundle) Last() string  { return b.Events[len(b.Events)-1].ID }

// Head is the hash of the last event.
func (b *Bundle) Head() canonicalize.Digest { return b.Events[len(b.Events)-1].Hash }

// Tree is the Merkle tree over the bundle's event hashes, keyed by event id.
// Its root lets a single event be proven without shipping the whole bundle.
func (b *Bundle) Tree() (*merkle.Tree, error) {
	leaves := make([]merkle.Leaf, len(b.Events))
	for i, ev := range b.Events {
		leaves[i] = merkle.Leaf{Path: ev.ID, Value: ev.Hash[:]}
	}
	return merkle.Build(leaves)
}

var (
	encMode cbor.EncMode
	decMode cbor.DecMode

	zenc *zstd.Encoder
	zdec *zstd.Decoder
)

// bundleDomainKey separates bundle digests from any other BLAKE3 use.
var bundleDomainKey = [32]byte{
	'o', 'p', 'e', 'n', 'i', 'b', 'a', 'n', 'k', '.', 'w', 'o', 'r', 'l', 'd', 'l',
	'i', 'n', 'e', '.', 'b', 'u', 'n', 'd', 'l', 'e', 0, 0, 0, 0, 0, 0,
}

func init() {
	opts := cbor.CoreDetEncOptions()
	opts.TextMarshaler = cbor.TextMarshalerTextString
	opts.Time = cbor.TimeRFC3339Nano
	var err error
	if encMode, err = opts.EncMode(); err != nil {
		panic("archive: cbor encoder: " + err.Error())
	}
	decMode, err = cbor.DecOptions{
		DefaultMapType:  reflect.TypeOf(map[string]any(nil)),
		TextUnmarshaler: cbor.TextUnmarshalerTextString,
	}.DecMode()
	if err != nil {
		panic("archive: cbor decoder: " + err.Error())
	}
	if zenc, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault)); err != nil {
		panic("archive: zstd encoder: " + err.Error())
	}
	if zdec, err = zstd.NewReader(nil); err != nil {
		panic("archive: zstd decoder: " + err.Error())
	}
}

// Encode returns the deterministic CBOR of b compressed with zstd, and the key
// addressing it. The key covers the uncompressed CBOR so it does not depend on
// the compressor.
func Encode(b *Bundle) (key string, blob []byte, err error) {
	raw, err := encMode.Marshal(b)
	if err != nil {
		return "", nil, fmt.Errorf("archive: encode bundle: %w", err)
	}
	return digestKey(raw), zenc.EncodeAll(raw, nil), nil
}

// Decode reverses Encode. When key is non-empty the content must match it.
func Decode(key string, blob []byte) (*Bundle, error) {
	raw, err := zdec.DecodeAll(blob, nil)
	if err != nil {
		return nil, fmt.Errorf("archive: decompress: %w", err)
	}
	if key != "" && digestKey(raw) != key {
		return nil, fmt.Errorf("%w: %s", ErrDigestMismatch, key)
	}
	var b Bundle
	if err := decMode.Unmarshal(raw, &b); err != nil {
		return nil, fmt.Errorf("archive: decode bundle: %w", err)
	}
	return &b, nil
}

func digestKey(raw []byte) string {
	h, err := blake3.NewKeyed(bundleDomainKey[:])
	if err != nil {
		panic("archive: blake3 key: " + err.Error())
	}
	_, _ = h.Write(raw)
	return keyPrefix + hex.EncodeToString(h.Sum(nil))
}
