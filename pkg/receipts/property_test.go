//go:build property
// +build property

package receipts

import (
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/openibank/openibank-sub001/pkg/identity"
)

// TestSignedReceiptsVerify: any signed receipt verifies until a field changes.
func TestSignedReceiptsVerify(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	id, err := identity.Derive("property-signer")
	if err != nil {
		t.Fatal(err)
	}

	build := func(from, to, tagline string, amount int64, nanos int64) *Receipt {
		return &Receipt{
			TxID:               "tx_p",
			From:               from,
			To:                 to,
			Amount:             amount,
			CommitmentID:       "cmt_p",
			WorldLineID:        "run-p",
			WorldLineEventID:   "0000000000000001-p",
			WorldLineEventHash: "00",
			Timestamp:          time.Unix(0, nanos).UTC(),
			Tagline:            tagline,
		}
	}

	properties.Property("signed receipt verifies", prop.ForAll(
		func(from, to, tagline string, amount int64, nanos int64) bool {
			r := build(from, to, tagline, amount, nanos)
			if err := r.Sign(id); err != nil {
				return false
			}
			return r.Verify()
		},
		gen.AnyString(), gen.AnyString(), gen.AnyString(), gen.Int64(), gen.Int64Range(0, 1<<62),
	))

	properties.Property("amount change breaks verification", prop.ForAll(
		func(from, tagline string, amount int64, delta int64) bool {
			r := build(from, "to", tagline, amount, 0)
			if err := r.Sign(id); err != nil {
				return false
			}
			r.Amount += delta
			return !r.Verify()
		},
		gen.AnyString(), gen.AnyString(), gen.Int64Range(-1<<40, 1<<40), gen.Int64Range(1, 1<<20),
	))

	properties.Property("tagline change breaks verification", prop.ForAll(
		func(tagline, suffix string) bool {
			r := build("from", "to", tagline, 1, 0)
			if err := r.Sign(id); err != nil {
				return false
			}
			r.Tagline = tagline + "x" + suffix
			return !r.Verify()
		},
		gen.AnyString(), gen.AnyString(),
	))

	properties.TestingRun(t)
}
