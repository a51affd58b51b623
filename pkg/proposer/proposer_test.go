package proposer

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func strPtr(s string) *string { return &s }

func TestDeterministic_Payment(t *testing.T) {
	p, err := Deterministic{}.Propose(context.Background(), NewPaymentRequest(PaymentRequest{
		SellerID: "s", Description: "d", Price: 1000, AvailableBudget: 5000,
	}))
	require.NoError(t, err)
	require.Equal(t, KindPayment, p.Type)
	assert.Equal(t, ProposedPayment{Target: "s", Amount: 1000, Asset: "IUSD", Purpose: "d", Category: "purchase"}, *p.Payment)
}

func TestDeterministic_PaymentClampsToBudget(t *testing.T) {
	p, err := Deterministic{}.Propose(context.Background(), NewPaymentRequest(PaymentRequest{
		SellerID: "s", Price: 1000, AvailableBudget: 400,
	}))
	require.NoError(t, err)
	assert.Equal(t, int64(400), p.Payment.Amount)
}

func TestDeterministic_PaymentFailures(t *testing.T) {
	for name, req := range map[string]PaymentRequest{
		"no seller":   {Price: 1, AvailableBudget: 1},
		"zero price":  {SellerID: "s", Price: 0, AvailableBudget: 1},
		"zero budget": {SellerID: "s", Price: 10, AvailableBudget: 0},
	} {
		t.Run(name, func(t *testing.T) {
			_, err := Deterministic{}.Propose(context.Background(), NewPaymentRequest(req))
			var pe *ProposeError
			assert.True(t, errors.As(err, &pe))
		})
	}
}

func TestDeterministic_Invoice(t *testing.T) {
	p, err := Deterministic{Asset: "EUR"}.Propose(context.Background(), NewInvoiceRequest(InvoiceRequest{
		BuyerID: "b", ServiceName: "audit", Price: 250,
	}))
	require.NoError(t, err)
	require.Equal(t, KindInvoice, p.Type)
	assert.Equal(t, "b", p.Invoice.Buyer)
	assert.Equal(t, int64(250), p.Invoice.Amount)
	assert.Equal(t, "EUR", p.Invoice.Asset)
	assert.Contains(t, p.Invoice.Description, "audit")
}

func TestDeterministic_Arbiter(t *testing.T) {
	ctx := context.Background()
	tests := []struct {
		name    string
		proof   *string
		dispute *string
		want    ArbitrationDecision
	}{
		{"proof no dispute", strPtr("tracking-123"), nil, Release()},
		{"dispute no proof", nil, strPtr("never arrived"), Refund()},
		{"neither", nil, nil, Release()},
		{"both", strPtr("tracking-123"), strPtr("damaged"), Release()},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := Deterministic{}.Propose(ctx, NewArbitrationRequest(ArbitrationRequest{
				EscrowID: "esc-1", DeliveryProof: tt.proof, DisputeReason: tt.dispute,
			}))
			require.NoError(t, err)
			assert.Equal(t, "esc-1", p.Arbitration.EscrowID)
			assert.Equal(t, tt.want, p.Arbitration.Decision)
			assert.NotEmpty(t, p.Arbitration.Reasoning)
		})
	}
}

func TestDeterministic_MalformedRequest(t *testing.T) {
	_, err := Deterministic{}.Propose(context.Background(), Request{Type: KindPayment})
	var pe *ProposeError
	assert.True(t, errors.As(err, &pe))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = Deterministic{}.Propose(ctx, NewInvoiceRequest(InvoiceRequest{BuyerID: "b", Price: 1}))
	assert.ErrorIs(t, err, context.Canceled)
}

func TestRequestJSON_RoundTrip(t *testing.T) {
	reqs := []Request{
		NewPaymentRequest(PaymentRequest{SellerID: "s", Description: "d", Price: 10, AvailableBudget: 20}),
		NewInvoiceRequest(InvoiceRequest{BuyerID: "b", ServiceName: "x", Price: 5}),
		NewArbitrationRequest(ArbitrationRequest{EscrowID: "e", DisputeReason: strPtr("late")}),
	}
	for _, req := range reqs {
		raw, err := json.Marshal(req)
		require.NoError(t, err)
		var back Request
		require.NoError(t, json.Unmarshal(raw, &back))
		assert.Equal(t, req, back)
	}

	raw, err := json.Marshal(reqs[0])
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"payment","value":{"seller_id":"s","description":"d","price":10,"available_budget":20}}`, string(raw))
}

func TestProposalJSON_RoundTrip(t *testing.T) {
	props := []Proposal{
		PaymentProposal(ProposedPayment{Target: "s", Amount: 1, Asset: "IUSD", Purpose: "p", Category: "c"}),
		InvoiceProposal(ProposedInvoice{Buyer: "b", Amount: 2, Asset: "IUSD", Description: "d", DeliveryConditions: "x"}),
		ArbitrationProposal(ProposedArbitration{EscrowID: "e", Decision: Partial(40), Reasoning: "split"}),
	}
	for _, p := range props {
		raw, err := json.Marshal(p)
		require.NoError(t, err)
		var back Proposal
		require.NoError(t, json.Unmarshal(raw, &back))
		assert.Equal(t, p, back)
	}
}

func TestJSON_Rejects(t *testing.T) {
	var r Request
	assert.Error(t, json.Unmarshal([]byte(`{"type":"loan","value":{}}`), &r))
	assert.Error(t, json.Unmarshal([]byte(`{"type":"payment"}`), &r))

	_, err := json.Marshal(Proposal{Type: KindInvoice})
	assert.Error(t, err)
}

func TestArbitrationDecision_Validate(t *testing.T) {
	assert.NoError(t, Release().Validate())
	assert.NoError(t, Partial(50).Validate())
	assert.Error(t, Partial(0).Validate())
	assert.Error(t, Partial(100).Validate())
	assert.Error(t, ArbitrationDecision{Outcome: "split"}.Validate())
	assert.Equal(t, "partial", Partial(10).Tag())
}
