package proposer

import (
	"context"
	"fmt"
)

// Deterministic proposes without any model: payments take min(price, budget),
// invoices bill the full price, and arbitration releases unless a dispute is
// raised without delivery proof.
type Deterministic struct {
	// Asset overrides DefaultAsset when set.
	Asset string
}

func (d Deterministic) asset() string {
	if d.Asset != "" {
		return d.Asset
	}
	return DefaultAsset
}

func (d Deterministic) Propose(ctx context.Context, req Request) (Proposal, error) {
	if err := ctx.Err(); err != nil {
		return Proposal{}, &ProposeError{Reason: "cancelled", Err: err}
	}
	switch {
	case req.Type == KindPayment && req.Payment != nil:
		return d.payment(*req.Payment)
	case req.Type == KindInvoice && req.Invoice != nil:
		return d.invoice(*req.Invoice)
	case req.Type == KindArbitration && req.Arbitration != nil:
		return d.arbitration(*req.Arbitration)
	}
	return Proposal{}, failed("malformed %q request", req.Type)
}

func (d Deterministic) payment(r PaymentRequest) (Proposal, error) {
	if r.SellerID == "" {
		return Proposal{}, failed("seller id is required")
	}
	if r.Price <= 0 {
		return Proposal{}, failed("price must be positive, got %d", r.Price)
	}
	amount := min(r.Price, r.AvailableBudget)
	if amount <= 0 {
		return Proposal{}, failed("no available budget")
	}
	return PaymentProposal(ProposedPayment{
		Target:   r.SellerID,
		Amount:   amount,
		Asset:    d.asset(),
		Purpose:  r.Description,
		Category: "purchase",
	}), nil
}

func (d Deterministic) invoice(r InvoiceRequest) (Proposal, error) {
	if r.BuyerID == "" {
		return Proposal{}, failed("buyer id is required")
	}
	if r.Price <= 0 {
		return Proposal{}, failed("price must be positive, got %d", r.Price)
	}
	return InvoiceProposal(ProposedInvoice{
		Buyer:              r.BuyerID,
		Amount:             r.Price,
		Asset:              d.asset(),
		Description:        fmt.Sprintf("Invoice for %s", r.ServiceName),
		DeliveryConditions: fmt.Sprintf("Funds held in escrow until %s is delivered", r.ServiceName),
	}), nil
}

func (d Deterministic) arbitration(r ArbitrationRequest) (Proposal, error) {
	if r.EscrowID == "" {
		return Proposal{}, failed("escrow id is required")
	}
	hasProof := r.DeliveryProof != nil
	hasDispute := r.DisputeReason != nil

	decision, reasoning := Release(), "no dispute raised; releasing funds to seller"
	switch {
	case hasProof && !hasDispute:
		reasoning = "delivery proof provided and no dispute raised"
	case hasDispute && !hasProof:
		decision, reasoning = Refund(), fmt.Sprintf("dispute raised without delivery proof: %s", *r.DisputeReason)
	case hasProof && hasDispute:
		reasoning = "delivery proof outweighs dispute"
	}
	return ArbitrationProposal(ProposedArbitration{
		EscrowID:  r.EscrowID,
		Decision:  decision,
		Reasoning: reasoning,
	}), nil
}
