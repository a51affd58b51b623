//go:build property
// +build property

package worldline

import (
	"context"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/openibank/openibank-sub001/pkg/canonicalize"
)

// Property: any sequence of appends yields a chain that verifies from genesis.
func TestChainAlwaysVerifies(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("appended chains verify", prop.ForAll(
		func(memos []string) bool {
			wl := NewMemory()
			ctx := context.Background()
			for _, m := range memos {
				if _, err := wl.Record(ctx, "run-p", "agent-1", EventIntent, map[string]string{"memo": m}); err != nil {
					return false
				}
			}
			if len(memos) == 0 {
				return true
			}
			events, err := wl.ExportSlice(ctx, "run-p", "", "")
			if err != nil || len(events) != len(memos) {
				return false
			}
			return VerifySlice(canonicalize.Digest{}, events) == nil && wl.Verify(ctx, "run-p") == nil
		},
		gen.SliceOf(gen.AnyString()),
	))

	properties.TestingRun(t)
}

// Property: changing any single event's payload is detected at that event.
func TestTamperDetectedAtEvent(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("tampered payload breaks chain at its event", prop.ForAll(
		func(n int, pick int, replacement string) bool {
			store := NewMemoryStore()
			wl := New(store)
			ctx := context.Background()
			for i := 0; i < n; i++ {
				if _, err := wl.Record(ctx, "run-t", "agent-1", EventIntent, map[string]int{"i": i}); err != nil {
					return false
				}
			}
			target := pick % n
			store.mu.Lock()
			victim := store.runs["run-t"][target]
			victim.Payload = []byte(`{"tampered":` + string(mustJCS(replacement)) + `}`)
			store.mu.Unlock()

			err := New(store).Verify(ctx, "run-t")
			broken, ok := err.(*HashChainBrokenError)
			return ok && broken.EventID == victim.ID
		},
		gen.IntRange(1, 20),
		gen.IntRange(0, 1000),
		gen.AlphaString(),
	))

	properties.TestingRun(t)
}

// Property: chain hashes are a function of predecessor and payload only.
func TestChainHashDeterminism(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	properties := gopter.NewProperties(parameters)

	properties.Property("ChainHash deterministic and predecessor-sensitive", prop.ForAll(
		func(payload string, b byte) bool {
			var prev canonicalize.Digest
			h1 := ChainHash(prev, []byte(payload))
			h2 := ChainHash(prev, []byte(payload))
			prev[0] = b | 1
			h3 := ChainHash(prev, []byte(payload))
			return h1 == h2 && h1 != h3
		},
		gen.AnyString(),
		gen.UInt8(),
	))

	properties.TestingRun(t)
}

func mustJCS(s string) []byte {
	out, err := canonicalize.JCS(s)
	if err != nil {
		panic(err)
	}
	return out
}
