package receipts

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openibank/openibank-sub001/pkg/identity"
)

func signer(t *testing.T, name string) *identity.Identity {
	t.Helper()
	id, err := identity.Derive(name)
	require.NoError(t, err)
	return id
}

func sample() *Receipt {
	return &Receipt{
		TxID:               "tx_1",
		From:               "buyer-0011223344556677",
		To:                 "seller-8899aabbccddeeff",
		Amount:             1000,
		PermitID:           "permit-1",
		CommitmentID:       "cmt_1",
		WorldLineID:        "run-1",
		WorldLineEventID:   "0000000000000002-abc",
		WorldLineEventHash: strings.Repeat("ab", 32),
		Timestamp:          time.Date(2026, 5, 1, 12, 0, 0, 123, time.UTC),
		Tagline:            "paid <in full> & on time",
	}
}

func TestCanonicalBytes_Layout(t *testing.T) {
	b, err := sample().CanonicalBytes()
	require.NoError(t, err)

	want := `{"tx_id":"tx_1","from":"buyer-0011223344556677","to":"seller-8899aabbccddeeff","amount":1000,` +
		`"permit_id":"permit-1","commitment_id":"cmt_1","worldline_id":"run-1",` +
		`"worldline_event_id":"0000000000000002-abc","worldline_event_hash":"` + strings.Repeat("ab", 32) + `",` +
		`"timestamp":"2026-05-01T12:00:00.000000123Z","tagline":"paid <in full> & on time"}`
	assert.Equal(t, want, string(b))
}

func TestCanonicalBytes_IgnoresSignatureAndZone(t *testing.T) {
	r := sample()
	before, err := r.CanonicalBytes()
	require.NoError(t, err)

	r.Signature = "ff"
	r.SignerPublicKey = "ee"
	r.Timestamp = r.Timestamp.In(time.FixedZone("X", 3600))
	after, err := r.CanonicalBytes()
	require.NoError(t, err)
	assert.Equal(t, before, after)
}

func TestSignVerify(t *testing.T) {
	id := signer(t, "buyer")
	r := sample()
	require.NoError(t, r.Sign(id))

	assert.Equal(t, id.PublicKeyHex(), r.SignerPublicKey)
	assert.Len(t, r.Signature, 128)
	assert.True(t, r.Verify())
	assert.True(t, r.SignedBy(id.PublicKeyHex()))
	assert.False(t, r.SignedBy(signer(t, "seller").PublicKeyHex()))
}

func TestVerify_DetectsFieldMutation(t *testing.T) {
	id := signer(t, "buyer")
	mutations := map[string]func(*Receipt){
		"tx_id":      func(r *Receipt) { r.TxID = "tx_2" },
		"from":       func(r *Receipt) { r.From = "mallory" },
		"to":         func(r *Receipt) { r.To = "mallory" },
		"amount":     func(r *Receipt) { r.Amount++ },
		"permit":     func(r *Receipt) { r.PermitID = "" },
		"commitment": func(r *Receipt) { r.CommitmentID = "cmt_2" },
		"worldline":  func(r *Receipt) { r.WorldLineID = "run-2" },
		"event id":   func(r *Receipt) { r.WorldLineEventID = "x" },
		"event hash": func(r *Receipt) { r.WorldLineEventHash = strings.Repeat("cd", 32) },
		"timestamp":  func(r *Receipt) { r.Timestamp = r.Timestamp.Add(time.Nanosecond) },
		"tagline":    func(r *Receipt) { r.Tagline += "!" },
		"signer":     func(r *Receipt) { r.SignerPublicKey = signer(t, "seller").PublicKeyHex() },
	}
	for name, mutate := range mutations {
		t.Run(name, func(t *testing.T) {
			r := sample()
			require.NoError(t, r.Sign(id))
			mutate(r)
			assert.False(t, r.Verify())
		})
	}
}

func TestVerify_MalformedInputs(t *testing.T) {
	r := sample()
	assert.False(t, r.Verify())
	_, err := r.Check()
	assert.ErrorIs(t, err, ErrUnsigned)

	require.NoError(t, r.Sign(signer(t, "buyer")))
	bad := r.Clone()
	bad.Signature = "zz"
	assert.False(t, bad.Verify())

	bad = r.Clone()
	bad.SignerPublicKey = "abcd"
	assert.False(t, bad.Verify())

	bad = r.Clone()
	bad.Signature = r.Signature[:10]
	ok, err := bad.Check()
	assert.NoError(t, err)
	assert.False(t, ok)
}

func TestNewTxID(t *testing.T) {
	a, b := NewTxID(), NewTxID()
	assert.True(t, strings.HasPrefix(a, "tx_"))
	assert.NotEqual(t, a, b)
}
