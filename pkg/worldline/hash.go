package worldline

import (
	"bytes"
	"crypto/sha256"
	"fmt"

	"github.com/openibank/openibank-sub001/pkg/canonicalize"
)

// ChainHash computes SHA-256(prev ‖ payload). payload must already be canonical.
func ChainHash(prev canonicalize.Digest, payload []byte) canonicalize.Digest {
	h := sha256.New()
	h.Write(prev[:])
	h.Write(payload)
	var out canonicalize.Digest
	copy(out[:], h.Sum(nil))
	return out
}

// canonicalPayload validates and canonicalizes a raw JSON payload. An empty payload
// is recorded as an empty object.
func canonicalPayload(raw []byte) ([]byte, error) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return []byte("{}"), nil
	}
	out, err := canonicalize.Transform(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	return out, nil
}

// VerifySlice checks that events form a contiguous chain starting after prev. Use
// the zero digest for a slice that begins at a run's first event. The returned
// error is a *HashChainBrokenError naming the first event that does not verify.
func VerifySlice(prev canonicalize.Digest, events []*Event) error {
	var lastSeq uint64
	for i, ev := range events {
		if i > 0 && ev.Seq != lastSeq+1 {
			return &HashChainBrokenError{RunID: ev.RunID, EventID: ev.ID, Seq: ev.Seq, Reason: "sequence gap"}
		}
		if i == 0 && ev.Seq == 1 && !prev.IsZero() {
			return &HashChainBrokenError{RunID: ev.RunID, EventID: ev.ID, Seq: ev.Seq, Reason: "genesis event with non-zero predecessor"}
		}
		if err := verifyEvent(prev, ev); err != nil {
			return err
		}
		prev = ev.Hash
		lastSeq = ev.Seq
	}
	return nil
}

func verifyEvent(prev canonicalize.Digest, ev *Event) *HashChainBrokenError {
	if ev.PrevHash != prev {
		return &HashChainBrokenError{RunID: ev.RunID, EventID: ev.ID, Seq: ev.Seq, Reason: "predecessor hash mismatch"}
	}
	if got := ChainHash(prev, ev.Payload); got != ev.Hash {
		return &HashChainBrokenError{RunID: ev.RunID, EventID: ev.ID, Seq: ev.Seq, Reason: "payload hash mismatch"}
	}
	return nil
}
