package receipts

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func signedReceipt(t *testing.T, txID, commitmentID string, ts time.Time) *Receipt {
	t.Helper()
	r := sample()
	r.TxID = txID
	r.CommitmentID = commitmentID
	r.Timestamp = ts
	require.NoError(t, r.Sign(signer(t, "buyer")))
	return r
}

func exerciseStore(t *testing.T, s Store) {
	ctx := context.Background()
	base := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)

	require.ErrorIs(t, s.Put(ctx, sample()), ErrUnsigned)

	r1 := signedReceipt(t, "tx_1", "cmt_1", base)
	r2 := signedReceipt(t, "tx_2", "cmt_2", base.Add(time.Minute))
	require.NoError(t, s.Put(ctx, r1))
	require.NoError(t, s.Put(ctx, r2))
	assert.ErrorIs(t, s.Put(ctx, r1), ErrExists)

	got, err := s.Get(ctx, "tx_1")
	require.NoError(t, err)
	assert.Equal(t, r1, got)
	assert.True(t, got.Verify())

	got, err = s.ByCommitment(ctx, "cmt_2")
	require.NoError(t, err)
	assert.Equal(t, "tx_2", got.TxID)

	_, err = s.Get(ctx, "nope")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = s.ByCommitment(ctx, "nope")
	assert.ErrorIs(t, err, ErrNotFound)

	list, err := s.List(ctx, 0)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "tx_2", list[0].TxID)

	list, err = s.List(ctx, 1)
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestMemoryStore(t *testing.T) {
	exerciseStore(t, NewMemoryStore())
}

func TestMemoryStore_ReturnsCopies(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	r := signedReceipt(t, "tx_1", "cmt_1", time.Now())
	require.NoError(t, s.Put(ctx, r))

	r.Amount = 1
	got, err := s.Get(ctx, "tx_1")
	require.NoError(t, err)
	assert.Equal(t, int64(1000), got.Amount)
}

func TestSQLiteStore(t *testing.T) {
	s, err := OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "receipts.db"))
	require.NoError(t, err)
	defer func() { _ = s.Close() }()
	exerciseStore(t, s)
}

func TestSQLiteStore_SurvivesReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "receipts.db")

	s, err := OpenSQLite(ctx, path)
	require.NoError(t, err)
	r := signedReceipt(t, "tx_1", "cmt_1", time.Date(2026, 5, 1, 0, 0, 0, 42, time.UTC))
	require.NoError(t, s.Put(ctx, r))
	require.NoError(t, s.Close())

	s, err = OpenSQLite(ctx, path)
	require.NoError(t, err)
	defer func() { _ = s.Close() }()
	got, err := s.Get(ctx, "tx_1")
	require.NoError(t, err)
	assert.True(t, got.Verify())
	assert.True(t, r.Timestamp.Equal(got.Timestamp))
}
