// Package proposer maps structured requests to typed proposals without touching
// ledger state. Requests and proposals are tagged unions that serialize as
// {"type": ..., "value": ...}.
package proposer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

// DefaultAsset is the unit proposals are denominated in.
const DefaultAsset = "IUSD"

// Kind discriminates request and proposal variants.
type Kind string

const (
	KindPayment     Kind = "payment"
	KindInvoice     Kind = "invoice"
	KindArbitration Kind = "arbitration"
)

type PaymentRequest struct {
	SellerID        string `json:"seller_id"`
	Description     string `json:"description"`
	Price           int64  `json:"price"`
	AvailableBudget int64  `json:"available_budget"`
}

type InvoiceRequest struct {
	BuyerID     string `json:"buyer_id"`
	ServiceName string `json:"service_name"`
	Price       int64  `json:"price"`
}

type ArbitrationRequest struct {
	EscrowID      string  `json:"escrow_id"`
	DeliveryProof *string `json:"delivery_proof,omitempty"`
	DisputeReason *string `json:"dispute_reason,omitempty"`
}

// Request is exactly one of the request variants, selected by Type.
type Request struct {
	Type        Kind
	Payment     *PaymentRequest
	Invoice     *InvoiceRequest
	Arbitration *ArbitrationRequest
}

func NewPaymentRequest(r PaymentRequest) Request {
	return Request{Type: KindPayment, Payment: &r}
}

func NewInvoiceRequest(r InvoiceRequest) Request {
	return Request{Type: KindInvoice, Invoice: &r}
}

func NewArbitrationRequest(r ArbitrationRequest) Request {
	return Request{Type: KindArbitration, Arbitration: &r}
}

func (r Request) value() (any, error) {
	switch {
	case r.Type == KindPayment && r.Payment != nil:
		return r.Payment, nil
	case r.Type == KindInvoice && r.Invoice != nil:
		return r.Invoice, nil
	case r.Type == KindArbitration && r.Arbitration != nil:
		return r.Arbitration, nil
	}
	return nil, fmt.Errorf("proposer: malformed %q request", r.Type)
}

func (r Request) MarshalJSON() ([]byte, error) {
	v, err := r.value()
	if err != nil {
		return nil, err
	}
	return marshalEnvelope(r.Type, v)
}

func (r *Request) UnmarshalJSON(b []byte) error {
	env, err := unmarshalEnvelope(b)
	if err != nil {
		return err
	}
	*r = Request{Type: env.Type}
	switch env.Type {
	case KindPayment:
		r.Payment = &PaymentRequest{}
		return json.Unmarshal(env.Value, r.Payment)
	case KindInvoice:
		r.Invoice = &InvoiceRequest{}
		return json.Unmarshal(env.Value, r.Invoice)
	case KindArbitration:
		r.Arbitration = &ArbitrationRequest{}
		return json.Unmarshal(env.Value, r.Arbitration)
	}
	return fmt.Errorf("proposer: unknown request type %q", env.Type)
}

type ProposedPayment struct {
	Target   string `json:"target"`
	Amount   int64  `json:"amount"`
	Asset    string `json:"asset"`
	Purpose  string `json:"purpose"`
	Category string `json:"category"`
}

type ProposedInvoice struct {
	Buyer              string `json:"buyer"`
	Amount             int64  `json:"amount"`
	Asset              string `json:"asset"`
	Description        string `json:"description"`
	DeliveryConditions string `json:"delivery_conditions"`
}

// Outcome is the tag of an arbitration decision.
type Outcome string

const (
	OutcomeRelease Outcome = "release"
	OutcomeRefund  Outcome = "refund"
	OutcomePartial Outcome = "partial"
)

// ArbitrationDecision is Release, Refund or Partial{Percent}. Percent is the share
// released to the seller and is only meaningful for Partial.
type ArbitrationDecision struct {
	Outcome Outcome `json:"outcome"`
	Percent uint8   `json:"percent,omitempty"`
}

func Release() ArbitrationDecision { return ArbitrationDecision{Outcome: OutcomeRelease} }
func Refund() ArbitrationDecision  { return ArbitrationDecision{Outcome: OutcomeRefund} }
func Partial(percent uint8) ArbitrationDecision {
	return ArbitrationDecision{Outcome: OutcomePartial, Percent: percent}
}

// Tag is the outcome name contracts are evaluated against.
func (d ArbitrationDecision) Tag() string { return string(d.Outcome) }

// Validate checks the outcome is known and a partial percent is within 1..99.
func (d ArbitrationDecision) Validate() error {
	switch d.Outcome {
	case OutcomeRelease, OutcomeRefund:
		return nil
	case OutcomePartial:
		if d.Percent == 0 || d.Percent >= 100 {
			return fmt.Errorf("proposer: partial percent %d out of range", d.Percent)
		}
		return nil
	}
	return fmt.Errorf("proposer: unknown outcome %q", d.Outcome)
}

type ProposedArbitration struct {
	EscrowID  string              `json:"escrow_id"`
	Decision  ArbitrationDecision `json:"decision"`
	Reasoning string              `json:"reasoning"`
}

// Proposal is exactly one of the proposal variants, selected by Type.
type Proposal struct {
	Type        Kind
	Payment     *ProposedPayment
	Invoice     *ProposedInvoice
	Arbitration *ProposedArbitration
}

func PaymentProposal(p ProposedPayment) Proposal {
	return Proposal{Type: KindPayment, Payment: &p}
}

func InvoiceProposal(p ProposedInvoice) Proposal {
	return Proposal{Type: KindInvoice, Invoice: &p}
}

func ArbitrationProposal(p ProposedArbitration) Proposal {
	return Proposal{Type: KindArbitration, Arbitration: &p}
}

// Value returns the populated variant, or an error when Type and payload disagree.
func (p Proposal) Value() (any, error) {
	switch {
	case p.Type == KindPayment && p.Payment != nil:
		return p.Payment, nil
	case p.Type == KindInvoice && p.Invoice != nil:
		return p.Invoice, nil
	case p.Type == KindArbitration && p.Arbitration != nil:
		return p.Arbitration, nil
	}
	return nil, fmt.Errorf("proposer: malformed %q proposal", p.Type)
}

func (p Proposal) MarshalJSON() ([]byte, error) {
	v, err := p.Value()
	if err != nil {
		return nil, err
	}
	return marshalEnvelope(p.Type, v)
}

func (p *Proposal) UnmarshalJSON(b []byte) error {
	env, err := unmarshalEnvelope(b)
	if err != nil {
		return err
	}
	*p = Proposal{Type: env.Type}
	switch env.Type {
	case KindPayment:
		p.Payment = &ProposedPayment{}
		return json.Unmarshal(env.Value, p.Payment)
	case KindInvoice:
		p.Invoice = &ProposedInvoice{}
		return json.Unmarshal(env.Value, p.Invoice)
	case KindArbitration:
		p.Arbitration = &ProposedArbitration{}
		return json.Unmarshal(env.Value, p.Arbitration)
	}
	return fmt.Errorf("proposer: unknown proposal type %q", env.Type)
}

type envelope struct {
	Type  Kind            `json:"type"`
	Value json.RawMessage `json:"value"`
}

func marshalEnvelope(k Kind, v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return json.Marshal(envelope{Type: k, Value: raw})
}

func unmarshalEnvelope(b []byte) (envelope, error) {
	var env envelope
	if err := json.Unmarshal(b, &env); err != nil {
		return env, err
	}
	if len(env.Value) == 0 {
		return env, errors.New("proposer: missing value")
	}
	return env, nil
}

// ProposeError reports that a proposer could not produce a proposal.
type ProposeError struct {
	Reason string
	Err    error
}

func (e *ProposeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("propose failed: %s: %v", e.Reason, e.Err)
	}
	return "propose failed: " + e.Reason
}

func (e *ProposeError) Unwrap() error { return e.Err }

func failed(format string, args ...any) *ProposeError {
	return &ProposeError{Reason: fmt.Sprintf(format, args...)}
}

// Proposer turns a request into a proposal. Implementations must not mutate
// ledger state.
type Proposer interface {
	Propose(ctx context.Context, req Request) (Proposal, error)
}

// Func adapts a function to Proposer.
type Func func(ctx context.Context, req Request) (Proposal, error)

func (f Func) Propose(ctx context.Context, req Request) (Proposal, error) { return f(ctx, req) }
