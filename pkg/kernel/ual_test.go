package kernel

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openibank/openibank-sub001/pkg/canonicalize"
	"github.com/openibank/openibank-sub001/pkg/trace"
)

func TestConsumeUALArtifacts(t *testing.T) {
	k := newKernel(t, Config{})
	items := []json.RawMessage{
		json.RawMessage(`{"kind":"spend-limit","body":{"max":500},"issued_at":"2026-06-01T00:00:00Z"}`),
		json.RawMessage(`{ "body": [1,2], "kind": "counterparty-allow" }`),
	}
	require.NoError(t, k.ConsumeUALArtifacts(context.Background(), items))

	entries := k.Trace()
	require.Len(t, entries, 1)
	assert.Equal(t, trace.StageDecision, entries[0].Stage)

	var got struct {
		Count   int      `json:"count"`
		Kinds   []string `json:"kinds"`
		Digests []string `json:"digests"`
	}
	require.NoError(t, json.Unmarshal(entries[0].Payload, &got))
	assert.Equal(t, 2, got.Count)
	assert.Equal(t, []string{"spend-limit", "counterparty-allow"}, got.Kinds)

	// Digests are over the canonical form, so whitespace and key order do not matter.
	want := canonicalize.HashBytes([]byte(`{"body":[1,2],"kind":"counterparty-allow"}`))
	assert.Equal(t, want, got.Digests[1])
}

func TestConsumeUALArtifacts_RejectsWholeBatch(t *testing.T) {
	good := json.RawMessage(`{"kind":"ok"}`)
	cases := map[string]json.RawMessage{
		"not json":      json.RawMessage(`{"kind":`),
		"not an object": json.RawMessage(`["kind"]`),
		"missing kind":  json.RawMessage(`{"body":{}}`),
		"empty kind":    json.RawMessage(`{"kind":""}`),
		"bad timestamp": json.RawMessage(`{"kind":"x","issued_at":"yesterday"}`),
	}
	for name, bad := range cases {
		t.Run(name, func(t *testing.T) {
			k := newKernel(t, Config{})
			err := k.ConsumeUALArtifacts(context.Background(), []json.RawMessage{good, bad})
			assert.True(t, IsKind(err, Serialization), "got %v", err)
			assert.Empty(t, k.Trace())
		})
	}
}

func TestConsumeUALArtifacts_Empty(t *testing.T) {
	k := newKernel(t, Config{})
	require.NoError(t, k.ConsumeUALArtifacts(context.Background(), nil))
	require.Len(t, k.Trace(), 1)
}
