//go:build property
// +build property

package kernel

import (
	"context"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/openibank/openibank-sub001/pkg/capabilities"
	"github.com/openibank/openibank-sub001/pkg/contracts"
	"github.com/openibank/openibank-sub001/pkg/proposer"
	"github.com/openibank/openibank-sub001/pkg/trace"
)

// TestPaymentNeedsCapability: without payment.initiate no payment is ever
// cleared, whatever else is attested or approved.
func TestPaymentNeedsCapability(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	others := []string{
		capabilities.PaymentReceive, capabilities.InvoiceIssue, capabilities.EscrowRelease,
		capabilities.EscrowResolve, capabilities.ServiceDeliver,
	}

	properties.Property("denied with CapabilityNotAttested", prop.ForAll(
		func(mask uint8, price, budget int64) bool {
			var attested []string
			for i, name := range others {
				if mask&(1<<i) != 0 {
					attested = append(attested, name)
				}
			}
			k, err := New(Config{AgentID: "buyer", Capabilities: capabilities.NewSet(attested...)})
			if err != nil {
				return false
			}
			k.SetActiveCommitment("ctx", true)
			_, err = k.ProposePayment(context.Background(), proposer.PaymentRequest{SellerID: "s", Description: "d", Price: price, AvailableBudget: budget})
			if err == nil {
				return false
			}
			for _, e := range k.Trace() {
				if e.Stage == trace.StageGate {
					return false
				}
			}
			return IsKind(err, CapabilityNotAttested) || IsKind(err, Proposal)
		},
		gen.UInt8Range(0, 31),
		gen.Int64Range(1, 1_000_000),
		gen.Int64Range(1, 1_000_000),
	))

	properties.TestingRun(t)
}

// TestClearedPaymentsRespectCeiling: a payment that clears never exceeds the
// contract ceiling, and every cleared payment leaves Policy, Propose, Gate.
func TestClearedPaymentsRespectCeiling(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("amount <= max_spend", prop.ForAll(
		func(ceiling, price, budget int64) bool {
			cs, err := contracts.NewSet(contracts.Contract{Name: "cap", MaxSpend: contracts.SpendCeiling(ceiling)})
			if err != nil {
				return false
			}
			k, err := New(Config{AgentID: "buyer", Capabilities: capabilities.NewSet(capabilities.PaymentInitiate), Contracts: cs})
			if err != nil {
				return false
			}
			k.SetActiveCommitment("ctx", true)
			p, err := k.ProposePayment(context.Background(), proposer.PaymentRequest{SellerID: "s", Description: "d", Price: price, AvailableBudget: budget})
			if err != nil {
				return IsKind(err, ContractViolation) || IsKind(err, Proposal)
			}
			var stages []trace.Stage
			for _, e := range k.Trace() {
				if e.Stage != trace.StageDecision {
					stages = append(stages, e.Stage)
				}
			}
			return p.Amount <= ceiling && len(stages) == 3 &&
				stages[0] == trace.StagePolicy && stages[1] == trace.StagePropose && stages[2] == trace.StageGate
		},
		gen.Int64Range(0, 10_000),
		gen.Int64Range(1, 20_000),
		gen.Int64Range(1, 20_000),
	))

	properties.TestingRun(t)
}
