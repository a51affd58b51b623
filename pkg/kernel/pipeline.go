package kernel

import (
	"context"
	"errors"
	"fmt"

	"github.com/openibank/openibank-sub001/pkg/capabilities"
	"github.com/openibank/openibank-sub001/pkg/contracts"
	"github.com/openibank/openibank-sub001/pkg/observability"
	"github.com/openibank/openibank-sub001/pkg/policy"
	"github.com/openibank/openibank-sub001/pkg/proposer"
	"github.com/openibank/openibank-sub001/pkg/trace"
)

// ActionKind names a non-proposal action AuthorizeAction can clear.
type ActionKind string

const (
	ReleaseEscrow  ActionKind = "release_escrow"
	ReceivePayment ActionKind = "receive_payment"
	DeliverService ActionKind = "deliver_service"
)

// ActionRequest describes an action to authorize. Amount and Asset are only
// enforced against contracts for money-moving kinds.
type ActionRequest struct {
	Kind         ActionKind        `json:"kind"`
	Counterparty string            `json:"counterparty,omitempty"`
	EscrowID     string            `json:"escrow_id,omitempty"`
	Amount       int64             `json:"amount,omitempty"`
	Asset        string            `json:"asset,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`
}

// step describes how one entry point runs through the pipeline.
type step struct {
	op         string
	capability string
	// privileged calls need an approved active commitment.
	privileged bool
	// enforce applies the contract set; nil skips contracts.
	enforce func(*contracts.Set) error
}

// ProposePayment asks the proposer for a payment and clears it.
func (k *Kernel) ProposePayment(ctx context.Context, req proposer.PaymentRequest) (p proposer.ProposedPayment, err error) {
	ctx, finish := k.telemetry.TrackOperation(ctx, "kernel.propose_payment", observability.KernelOperation(k.agentID, "propose_payment")...)
	defer func() { finish(err) }()

	in := k.intent(policy.KindPayment)
	in.Counterparty = req.SellerID
	in.Amount = req.Price
	in.Category = "purchase"
	if err := k.decide(in); err != nil {
		return p, err
	}

	prop, err := k.propose(ctx, proposer.NewPaymentRequest(req), proposer.KindPayment)
	if err != nil {
		return p, err
	}
	p = *prop.Payment

	err = k.authorize(step{
		op:         "propose_payment",
		capability: capabilities.PaymentInitiate,
		privileged: true,
		enforce: func(cs *contracts.Set) error {
			return cs.EnforcePayment(p.Amount, p.Asset, true)
		},
	}, map[string]any{"target": p.Target, "amount": p.Amount, "asset": p.Asset})
	if err != nil {
		return proposer.ProposedPayment{}, err
	}
	return p, nil
}

// ProposeInvoice asks the proposer for an invoice and clears it.
func (k *Kernel) ProposeInvoice(ctx context.Context, req proposer.InvoiceRequest) (p proposer.ProposedInvoice, err error) {
	ctx, finish := k.telemetry.TrackOperation(ctx, "kernel.propose_invoice", observability.KernelOperation(k.agentID, "propose_invoice")...)
	defer func() { finish(err) }()

	in := k.intent(policy.KindInvoice)
	in.Counterparty = req.BuyerID
	in.Amount = req.Price
	in.Metadata = map[string]string{"service": req.ServiceName}
	if err := k.decide(in); err != nil {
		return p, err
	}

	prop, err := k.propose(ctx, proposer.NewInvoiceRequest(req), proposer.KindInvoice)
	if err != nil {
		return p, err
	}
	p = *prop.Invoice

	err = k.authorize(step{
		op:         "propose_invoice",
		capability: capabilities.InvoiceIssue,
		enforce: func(cs *contracts.Set) error {
			return cs.EnforcePayment(p.Amount, p.Asset, true)
		},
	}, map[string]any{"buyer": p.Buyer, "amount": p.Amount, "asset": p.Asset})
	if err != nil {
		return proposer.ProposedInvoice{}, err
	}
	return p, nil
}

// ProposeArbitration asks the proposer to resolve an escrow and clears the
// decision against allowed outcomes.
func (k *Kernel) ProposeArbitration(ctx context.Context, req proposer.ArbitrationRequest) (p proposer.ProposedArbitration, err error) {
	ctx, finish := k.telemetry.TrackOperation(ctx, "kernel.propose_arbitration", observability.KernelOperation(k.agentID, "propose_arbitration")...)
	defer func() { finish(err) }()

	in := k.intent(policy.KindArbitration)
	in.Metadata = map[string]string{"escrow_id": req.EscrowID}
	if err := k.decide(in); err != nil {
		return p, err
	}

	prop, err := k.propose(ctx, proposer.NewArbitrationRequest(req), proposer.KindArbitration)
	if err != nil {
		return p, err
	}
	p = *prop.Arbitration

	err = k.authorize(step{
		op:         "propose_arbitration",
		capability: capabilities.EscrowResolve,
		privileged: true,
		enforce: func(cs *contracts.Set) error {
			return cs.EnforceOutcome(p.Decision.Tag())
		},
	}, map[string]any{"escrow_id": p.EscrowID, "decision": p.Decision})
	if err != nil {
		return proposer.ProposedArbitration{}, err
	}
	return p, nil
}

// AuthorizeAction clears an action that needs no proposal.
func (k *Kernel) AuthorizeAction(ctx context.Context, req ActionRequest) (err error) {
	_, finish := k.telemetry.TrackOperation(ctx, "kernel.authorize_action", observability.KernelOperation(k.agentID, "authorize_"+string(req.Kind))...)
	defer func() { finish(err) }()

	var (
		kind policy.Kind
		s    = step{op: "authorize_" + string(req.Kind)}
	)
	asset := req.Asset
	if asset == "" {
		asset = proposer.DefaultAsset
	}
	enforcePayment := func(cs *contracts.Set) error {
		if req.Amount <= 0 {
			return nil
		}
		return cs.EnforcePayment(req.Amount, asset, true)
	}
	switch req.Kind {
	case ReleaseEscrow:
		kind, s.capability, s.privileged, s.enforce = policy.KindReleaseEscrow, capabilities.EscrowRelease, true, enforcePayment
	case ReceivePayment:
		kind, s.capability, s.enforce = policy.KindReceivePayment, capabilities.PaymentReceive, enforcePayment
	case DeliverService:
		kind, s.capability = policy.KindDeliverService, capabilities.ServiceDeliver
	default:
		return &Error{Kind: PolicyDenied, Reason: fmt.Sprintf("unknown action kind %q", req.Kind)}
	}

	in := k.intent(kind)
	in.Counterparty = req.Counterparty
	in.Amount = req.Amount
	in.Asset = asset
	in.Metadata = req.Metadata
	if err := k.decide(in); err != nil {
		return err
	}

	bound := map[string]any{"counterparty": req.Counterparty}
	if req.EscrowID != "" {
		bound["escrow_id"] = req.EscrowID
	}
	if req.Amount > 0 {
		bound["amount"], bound["asset"] = req.Amount, asset
	}
	return k.authorize(s, bound)
}

func (k *Kernel) intent(kind policy.Kind) policy.Intent {
	return policy.Intent{
		Kind:    kind,
		AgentID: k.agentID,
		Role:    string(k.role),
		Mode:    string(k.mode),
		Asset:   proposer.DefaultAsset,
	}
}

// decide runs the policy and records its verdict.
func (k *Kernel) decide(in policy.Intent) error {
	d := k.policy.Decide(in)
	payload := map[string]any{"kind": in.Kind, "allow": d.Allow}
	if !d.Allow {
		payload["reason"] = d.Reason
	}
	k.record(trace.StagePolicy, policyMessage(d), payload)
	if !d.Allow {
		k.logger.Warn("policy denied", "kind", in.Kind, "reason", d.Reason)
		return &Error{Kind: PolicyDenied, Reason: d.Reason}
	}
	return nil
}

func policyMessage(d policy.Decision) string {
	if d.Allow {
		return "allow"
	}
	return "deny: " + d.Reason
}

// propose calls the proposer and checks the variant matches the call.
func (k *Kernel) propose(ctx context.Context, req proposer.Request, want proposer.Kind) (proposer.Proposal, error) {
	prop, err := k.proposer.Propose(ctx, req)
	if err != nil {
		k.record(trace.StagePropose, "propose failed", map[string]any{"type": want, "error": err.Error()})
		k.logger.Warn("proposer failed", "type", want, "error", err)
		return prop, &Error{Kind: Proposal, Reason: err.Error(), Err: err}
	}
	if _, verr := prop.Value(); verr != nil || prop.Type != want {
		k.record(trace.StagePropose, "proposal mismatch", map[string]any{"want": want, "got": prop.Type})
		k.logger.Error("proposer returned wrong variant", "want", want, "got", prop.Type)
		return prop, &Error{Kind: ProposalMismatch, Reason: fmt.Sprintf("requested %s, got %q", want, prop.Type)}
	}
	k.record(trace.StagePropose, string(want), prop)
	return prop, nil
}

// authorize runs the commitment, capability and contract checks and records the
// Gate entry with the bound parameters.
func (k *Kernel) authorize(s step, bound map[string]any) error {
	var commitmentID string
	if s.privileged {
		id, err := k.requireApproved()
		if err != nil {
			k.logger.Warn("commitment check failed", "op", s.op, "error", err)
			return err
		}
		commitmentID = id
	}

	if err := k.caps.Require(s.capability); err != nil {
		var na *capabilities.NotAttestedError
		if errors.As(err, &na) {
			k.logger.Warn("capability not attested", "op", s.op, "capability", na.Name)
			return &Error{Kind: CapabilityNotAttested, Capability: na.Name, Reason: err.Error(), Err: err}
		}
		return newError(CapabilityNotAttested, err.Error(), err)
	}

	if s.enforce != nil {
		if err := s.enforce(k.contracts); err != nil {
			var v *contracts.ViolationError
			if errors.As(err, &v) {
				k.logger.Warn("contract violated", "op", s.op, "contract", v.Contract, "reason", v.Reason)
				return &Error{Kind: ContractViolation, Contract: v.Contract, Reason: v.Reason, Err: err}
			}
			return newError(ContractViolation, err.Error(), err)
		}
	}

	bound["op"] = s.op
	bound["capability"] = s.capability
	if commitmentID != "" {
		bound["commitment_id"] = commitmentID
	}
	k.record(trace.StageGate, s.op, bound)
	return nil
}

func (k *Kernel) requireApproved() (string, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.active == nil {
		return "", &Error{Kind: CommitmentMissing, Reason: "no active commitment"}
	}
	if !k.active.Approved {
		return "", &Error{Kind: CommitmentNotApproved, CommitmentID: k.active.CommitmentID, Reason: "commitment not approved"}
	}
	return k.active.CommitmentID, nil
}
