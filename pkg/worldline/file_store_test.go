package worldline

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openibank/openibank-sub001/pkg/canonicalize"
)

func openFileWorldLine(t *testing.T, dir string) *WorldLine {
	t.Helper()
	store, err := OpenFileStore(dir)
	require.NoError(t, err)
	return New(store)
}

func TestFileStore_PersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	wl := openFileWorldLine(t, dir)
	first := appendN(t, wl, "run-1", 3)
	require.NoError(t, wl.Close())

	wl = openFileWorldLine(t, dir)
	defer func() { _ = wl.Close() }()

	n, err := wl.EventCount(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	id, ok, err := wl.LatestEventID(ctx, "run-1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, first[2].ID, id)

	more := appendN(t, wl, "run-1", 1)
	assert.Equal(t, uint64(4), more[0].Seq)
	assert.Equal(t, first[2].Hash, more[0].PrevHash)

	events, err := wl.ExportSlice(ctx, "run-1", "", "")
	require.NoError(t, err)
	require.Len(t, events, 4)
	for i, ev := range first {
		assert.Equal(t, ev.ID, events[i].ID)
		assert.Equal(t, string(ev.Payload), string(events[i].Payload))
		assert.True(t, ev.Timestamp.Equal(events[i].Timestamp))
	}
	require.NoError(t, VerifySlice(canonicalize.Digest{}, events))
}

func TestFileStore_HashChainSanity(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	wl := openFileWorldLine(t, dir)
	events := []*Event{}
	for _, memo := range []string{"alpha", "bravo", "charlie"} {
		ev, err := wl.Record(ctx, "run-1", "agent-1", EventIntent, map[string]string{"memo": memo})
		require.NoError(t, err)
		events = append(events, ev)
	}
	require.NoError(t, wl.Close())

	// Recompute every hash from the persisted payloads.
	store, err := OpenFileStore(dir)
	require.NoError(t, err)
	persisted, err := store.Scan(ctx, "run-1", 1, 0)
	require.NoError(t, err)
	require.Len(t, persisted, 3)
	var prev canonicalize.Digest
	for i, ev := range persisted {
		assert.Equal(t, ChainHash(prev, ev.Payload), ev.Hash)
		assert.Equal(t, events[i].Hash, ev.Hash)
		prev = ev.Hash
	}
	path := store.Path("run-1")
	require.NoError(t, store.Close())

	// Flip one byte inside the second event's payload.
	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	idx := bytes.Index(raw, []byte("bravo"))
	require.Positive(t, idx)
	raw[idx] = 'B'
	require.NoError(t, os.WriteFile(path, raw, 0o600))

	store, err = OpenFileStore(dir)
	require.NoError(t, err)
	wl = New(store)
	defer func() { _ = wl.Close() }()

	_, err = wl.EventCount(ctx, "run-1")
	var broken *HashChainBrokenError
	require.ErrorAs(t, err, &broken)
	assert.Equal(t, events[1].ID, broken.EventID)
	assert.Equal(t, "run-1", broken.RunID)

	_, err = wl.Tail(ctx, "run-1", TailOptions{})
	assert.ErrorAs(t, err, &broken)
	_, err = wl.Record(ctx, "run-1", "agent-1", EventIntent, map[string]string{"memo": "delta"})
	assert.ErrorAs(t, err, &broken)

	// Other runs keep working.
	_, err = wl.Record(ctx, "run-2", "agent-1", EventIntent, map[string]string{"memo": "ok"})
	assert.NoError(t, err)
}

func TestFileStore_TruncatesTornFrame(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	wl := openFileWorldLine(t, dir)
	appendN(t, wl, "run-1", 2)
	require.NoError(t, wl.Close())

	path := filepath.Join(dir, "run-1", logFileName)
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0o600)
	require.NoError(t, err)
	_, err = f.Write([]byte{0, 0, 1, 0, 1, 2, 3})
	require.NoError(t, err)
	require.NoError(t, f.Close())

	wl = openFileWorldLine(t, dir)
	defer func() { _ = wl.Close() }()

	n, err := wl.EventCount(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	ev, err := wl.Record(ctx, "run-1", "agent-1", EventIntent, map[string]int{"after": 1})
	require.NoError(t, err)
	assert.Equal(t, uint64(3), ev.Seq)
	require.NoError(t, wl.Verify(ctx, "run-1"))
}

func TestFileStore_RejectsUnsupportedVersion(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "run-1"), 0o750))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "run-1", logFileName), []byte("WLL 2.0.0\n"), 0o600))

	_, err := OpenFileStore(dir)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported format version")
}

func TestFileStore_RejectsMissingHeader(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "run-1"), 0o750))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "run-1", logFileName), []byte("garbage"), 0o600))

	_, err := OpenFileStore(dir)
	assert.Error(t, err)
}

func TestFileStore_RejectsUnsafeRunID(t *testing.T) {
	store, err := OpenFileStore(t.TempDir())
	require.NoError(t, err)
	defer func() { _ = store.Close() }()

	err = store.Append(context.Background(), &Event{RunID: "../x", Seq: 1})
	assert.ErrorIs(t, err, ErrInvalidEvent)
}

func TestFileStore_ScanUnknownRun(t *testing.T) {
	store, err := OpenFileStore(t.TempDir())
	require.NoError(t, err)
	defer func() { _ = store.Close() }()

	evs, err := store.Scan(context.Background(), "nope", 1, 10)
	require.NoError(t, err)
	assert.Empty(t, evs)

	_, err = store.Last(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrRunNotFound)
}

func TestFrameRoundTrip(t *testing.T) {
	wl := NewMemory()
	ev, err := wl.Record(context.Background(), "run-1", "agent-1", EventConsequence, map[string]any{"commitment_id": "cmt_1", "outcome": map[string]int{"amount": 5}})
	require.NoError(t, err)

	frame, err := encodeFrame(ev)
	require.NoError(t, err)
	back, err := decodeFrame(frame[4:])
	require.NoError(t, err)

	back.PrevHash = ev.PrevHash
	assert.Equal(t, ev.ID, back.ID)
	assert.Equal(t, ev.Seq, back.Seq)
	assert.Equal(t, ev.Type, back.Type)
	assert.Equal(t, ev.AgentID, back.AgentID)
	assert.Equal(t, ev.Hash, back.Hash)
	assert.Equal(t, string(ev.Payload), string(back.Payload))
	assert.True(t, ev.Timestamp.Equal(back.Timestamp))

	_, err = decodeFrame(frame[4 : len(frame)-1])
	assert.Error(t, err)
}
