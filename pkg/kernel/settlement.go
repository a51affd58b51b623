package kernel

import (
	"context"
	"errors"
	"fmt"

	"github.com/openibank/openibank-sub001/pkg/canonicalize"
	"github.com/openibank/openibank-sub001/pkg/gate"
	"github.com/openibank/openibank-sub001/pkg/identity"
	"github.com/openibank/openibank-sub001/pkg/ledger"
	"github.com/openibank/openibank-sub001/pkg/observability"
	"github.com/openibank/openibank-sub001/pkg/proposer"
	"github.com/openibank/openibank-sub001/pkg/receipts"
	"github.com/openibank/openibank-sub001/pkg/trace"
	"github.com/openibank/openibank-sub001/pkg/worldline"
)

// DefaultTagline is stamped on receipts when Settlement.Tagline is empty.
const DefaultTagline = "settled under commitment"

// Settlement wires a kernel to the gate, its signing identity and the receipt
// store so cleared proposals can be executed.
type Settlement struct {
	Gate      *gate.Gate
	WorldLine *worldline.WorldLine
	Identity  *identity.Identity
	// Receipts is optional; receipts are always appended to the WorldLine.
	Receipts receipts.Store
	Tagline  string
}

func (s *Settlement) validate(agentID string) error {
	switch {
	case s.Gate == nil:
		return errors.New("kernel: settlement gate is required")
	case s.WorldLine == nil:
		return errors.New("kernel: settlement worldline is required")
	case s.Identity == nil:
		return errors.New("kernel: settlement identity is required")
	case s.Identity.AgentID().String() != agentID:
		return fmt.Errorf("kernel: settlement identity %s does not belong to agent %s", s.Identity.AgentID(), agentID)
	}
	return nil
}

// Effect is what a settlement action moved. It is recorded as the Consequence
// outcome and becomes the body of the receipt.
type Effect struct {
	From   string `json:"from"`
	To     string `json:"to"`
	Amount int64  `json:"amount"`
	Asset  string `json:"asset"`
	Detail any    `json:"detail,omitempty"`
}

type (
	PaymentAction     func(ctx context.Context, p proposer.ProposedPayment) (Effect, error)
	InvoiceAction     func(ctx context.Context, p proposer.ProposedInvoice) (Effect, error)
	ArbitrationAction func(ctx context.Context, p proposer.ProposedArbitration) (Effect, error)
)

// Settled is the result of a completed settlement.
type Settled struct {
	Effect         Effect
	Proof          *gate.ConsequenceProof
	Receipt        *receipts.Receipt
	ReceiptEventID string
}

// SettlePayment clears a payment request through the pipeline, executes action
// under a fresh commitment and returns the signed receipt.
func (k *Kernel) SettlePayment(ctx context.Context, req proposer.PaymentRequest, action PaymentAction) (*Settled, error) {
	p, err := k.ProposePayment(ctx, req)
	if err != nil {
		return nil, err
	}
	return k.settle(ctx, "settle_payment", p, "payment to "+p.Target, func(ctx context.Context) (Effect, error) {
		return action(ctx, p)
	})
}

// SettleInvoice clears an invoice and executes action, typically opening an
// escrow for the billed amount.
func (k *Kernel) SettleInvoice(ctx context.Context, req proposer.InvoiceRequest, action InvoiceAction) (*Settled, error) {
	p, err := k.ProposeInvoice(ctx, req)
	if err != nil {
		return nil, err
	}
	return k.settle(ctx, "settle_invoice", p, "invoice to "+p.Buyer, func(ctx context.Context) (Effect, error) {
		return action(ctx, p)
	})
}

// SettleArbitration clears an arbitration decision and executes it.
func (k *Kernel) SettleArbitration(ctx context.Context, req proposer.ArbitrationRequest, action ArbitrationAction) (*Settled, error) {
	p, err := k.ProposeArbitration(ctx, req)
	if err != nil {
		return nil, err
	}
	return k.settle(ctx, "settle_arbitration", p, "arbitration of "+p.EscrowID, func(ctx context.Context) (Effect, error) {
		return action(ctx, p)
	})
}

func (k *Kernel) settle(ctx context.Context, op string, proposal any, description string, run func(context.Context) (Effect, error)) (out *Settled, err error) {
	s := k.settlement
	if s == nil {
		return nil, &Error{Kind: NoCommitment, Reason: "settlement is not configured"}
	}
	ctx, finish := k.telemetry.TrackOperation(ctx, "kernel."+op, observability.KernelOperation(k.agentID, op)...)
	defer func() { finish(err) }()

	permit, err := k.requireApproved()
	if err != nil {
		return nil, err
	}

	intentHash, err := canonicalize.CanonicalHash(proposal)
	if err != nil {
		return nil, newError(Serialization, "proposal cannot be canonicalized", err)
	}

	h, err := s.Gate.Prepare(ctx, k.agentID, description, intentHash)
	if err != nil {
		return nil, classify(err, "")
	}
	cid := h.CommitmentID()

	outcome, proof, err := s.Gate.ExecuteCommitted(ctx, h, func(ctx context.Context) (any, error) {
		return run(ctx)
	})
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			// No-op once the gate has recorded the terminal event itself.
			if ferr := s.Gate.Fail(ctx, h, gate.ReasonCancelled); ferr != nil {
				k.logger.Error("cancelled commitment not recorded", "op", op, "commitment_id", cid, "error", ferr)
			}
		}
		k.logger.Warn("settlement failed", "op", op, "commitment_id", cid, "error", err)
		return nil, classify(err, cid)
	}
	effect := outcome.(Effect)

	// The consequence is on the WorldLine; finish the receipt even if ctx ends.
	ctx = context.WithoutCancel(ctx)
	r := &receipts.Receipt{
		TxID:               receipts.NewTxID(),
		From:               effect.From,
		To:                 effect.To,
		Amount:             effect.Amount,
		PermitID:           permit,
		CommitmentID:       cid,
		WorldLineID:        s.Gate.RunID(),
		WorldLineEventID:   proof.WorldLineEventID(),
		WorldLineEventHash: proof.EventHash().Hex(),
		Timestamp:          proof.ExecutedAt(),
		Tagline:            s.Tagline,
	}
	if r.Tagline == "" {
		r.Tagline = DefaultTagline
	}
	if err := r.Sign(s.Identity); err != nil {
		return nil, newError(Serialization, "receipt cannot be signed", err)
	}

	out = &Settled{Effect: effect, Proof: proof, Receipt: r}
	ev, err := s.WorldLine.Record(ctx, s.Gate.RunID(), k.agentID, worldline.EventReceipt, r)
	if err != nil {
		return out, classify(err, cid)
	}
	out.ReceiptEventID = ev.ID
	if s.Receipts != nil {
		if err := s.Receipts.Put(ctx, r); err != nil {
			return out, classify(err, cid)
		}
	}

	k.record(trace.StageGate, op, map[string]any{
		"op":                 op,
		"commitment_id":      cid,
		"permit_id":          permit,
		"worldline_event_id": proof.WorldLineEventID(),
		"tx_id":              r.TxID,
		"amount":             effect.Amount,
	})
	k.logger.Info("settled", "op", op, "commitment_id", cid, "tx_id", r.TxID, "amount", effect.Amount)
	return out, nil
}

// PayFromLedger transfers the proposed amount from payer to the target.
func PayFromLedger(l *ledger.Ledger, payer string) PaymentAction {
	return func(ctx context.Context, p proposer.ProposedPayment) (Effect, error) {
		e, err := l.Transfer(payer, p.Target, p.Asset, p.Amount)
		if err != nil {
			return Effect{}, err
		}
		return Effect{From: payer, To: p.Target, Amount: p.Amount, Asset: p.Asset, Detail: e}, nil
	}
}

// EscrowFromLedger opens an escrow from the invoiced buyer to seller.
func EscrowFromLedger(l *ledger.Ledger, seller string) InvoiceAction {
	return func(ctx context.Context, p proposer.ProposedInvoice) (Effect, error) {
		esc, _, err := l.OpenEscrow(p.Buyer, seller, p.Asset, p.Amount)
		if err != nil {
			return Effect{}, err
		}
		return Effect{From: p.Buyer, To: seller, Amount: p.Amount, Asset: p.Asset, Detail: esc}, nil
	}
}

// ArbitrateOnLedger applies an arbitration decision to its escrow. The effect's
// amount is the seller's share.
func ArbitrateOnLedger(l *ledger.Ledger) ArbitrationAction {
	return func(ctx context.Context, p proposer.ProposedArbitration) (Effect, error) {
		var percent uint8
		switch p.Decision.Outcome {
		case proposer.OutcomeRelease:
			percent = 100
		case proposer.OutcomeRefund:
			percent = 0
		default:
			percent = p.Decision.Percent
		}
		esc, err := l.Escrow(p.EscrowID)
		if err != nil {
			return Effect{}, err
		}
		e, err := l.SettleEscrow(p.EscrowID, percent)
		if err != nil {
			return Effect{}, err
		}
		to, amount := esc.Seller, e.Amount
		if e.Kind == ledger.EntryEscrowRefund {
			to = esc.Buyer
		}
		return Effect{From: p.EscrowID, To: to, Amount: amount, Asset: esc.Asset, Detail: e}, nil
	}
}
