package capabilities

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSet_AbsentIsUnattested(t *testing.T) {
	s := NewSet()
	assert.Equal(t, Unattested, s.Status(PaymentInitiate))

	err := s.Require(PaymentInitiate)
	var nae *NotAttestedError
	require.True(t, errors.As(err, &nae))
	assert.Equal(t, PaymentInitiate, nae.Name)
	assert.Equal(t, `capability "payment.initiate" not attested`, err.Error())
}

func TestSet_AttestRevoke(t *testing.T) {
	s := NewSet()
	assert.True(t, s.Attest(InvoiceIssue))
	assert.False(t, s.Attest(InvoiceIssue), "attesting twice changes nothing")
	assert.NoError(t, s.Require(InvoiceIssue))

	assert.True(t, s.Revoke(InvoiceIssue))
	assert.False(t, s.Revoke(InvoiceIssue))
	assert.Error(t, s.Require(InvoiceIssue))
	assert.Equal(t, map[string]Status{InvoiceIssue: Unattested}, s.Snapshot())
}

func TestSet_ExactMatch(t *testing.T) {
	s := NewSet(PaymentInitiate)
	assert.Error(t, s.Require("Payment.Initiate"))
	assert.Error(t, s.Require("payment.initiate "))
	assert.Error(t, s.Require("payment"))
	assert.NoError(t, s.Require(PaymentInitiate))
}

func TestSet_SnapshotAndCloneAreCopies(t *testing.T) {
	s := NewSet(EscrowRelease, PaymentReceive)
	snap := s.Snapshot()
	snap[EscrowRelease] = Unattested
	assert.Equal(t, Attested, s.Status(EscrowRelease))

	c := s.Clone()
	c.Revoke(PaymentReceive)
	assert.Equal(t, Attested, s.Status(PaymentReceive))
	assert.Equal(t, []string{EscrowRelease, PaymentReceive}, s.Attested())
}

func TestStatus_JSON(t *testing.T) {
	raw, err := json.Marshal(map[string]Status{"a": Attested, "b": Unattested})
	require.NoError(t, err)
	assert.JSONEq(t, `{"a":"attested","b":"unattested"}`, string(raw))

	var back map[string]Status
	require.NoError(t, json.Unmarshal(raw, &back))
	assert.Equal(t, Attested, back["a"])

	var st Status
	assert.Error(t, st.UnmarshalText([]byte("maybe")))
}

func TestKnown(t *testing.T) {
	assert.Len(t, Known(), 6)
	assert.Contains(t, Known(), ServiceDeliver)
}
