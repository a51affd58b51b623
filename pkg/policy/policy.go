// Package policy decides, before anything is proposed or executed, whether an
// agent may pursue an intent at all. Policies are pure: they never return errors
// and never panic; a refusal is a Decision with Allow false.
package policy

import (
	"fmt"
	"log/slog"
)

// Kind classifies the intent under decision.
type Kind string

const (
	KindPayment        Kind = "payment"
	KindInvoice        Kind = "invoice"
	KindArbitration    Kind = "arbitration"
	KindReleaseEscrow  Kind = "release_escrow"
	KindReceivePayment Kind = "receive_payment"
	KindDeliverService Kind = "deliver_service"
)

// Intent is the structured request a policy decides on, plus a bounded snapshot
// of the requesting kernel's configuration.
type Intent struct {
	Kind         Kind              `json:"kind"`
	AgentID      string            `json:"agent_id"`
	Role         string            `json:"role,omitempty"`
	Mode         string            `json:"mode,omitempty"`
	Counterparty string            `json:"counterparty,omitempty"`
	Amount       int64             `json:"amount,omitempty"`
	Asset        string            `json:"asset,omitempty"`
	Category     string            `json:"category,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`
}

// Decision is the outcome of a policy. Reason is set on denial.
type Decision struct {
	Allow  bool   `json:"allow"`
	Reason string `json:"reason,omitempty"`
}

// Allow returns an allowing decision.
func Allow() Decision { return Decision{Allow: true} }

// Deny returns a denying decision with reason.
func Deny(reason string) Decision { return Decision{Reason: reason} }

// Policy maps an intent to a decision.
type Policy interface {
	Decide(Intent) Decision
}

// AllowAll accepts every intent. It is the kernel default.
type AllowAll struct{}

func (AllowAll) Decide(Intent) Decision { return Allow() }

// Func adapts a function to Policy. A panicking function denies.
type Func func(Intent) Decision

func (f Func) Decide(in Intent) (d Decision) {
	defer func() {
		if r := recover(); r != nil {
			slog.Default().With("component", "policy").Error("policy function panicked", "kind", in.Kind, "agent_id", in.AgentID, "panic", r)
			d = Deny(fmt.Sprintf("policy panicked: %v", r))
		}
	}()
	return f(in)
}

// DenyKinds refuses the listed intent kinds.
type DenyKinds []Kind

func (k DenyKinds) Decide(in Intent) Decision {
	for _, kind := range k {
		if in.Kind == kind {
			return Deny(fmt.Sprintf("%s intents are forbidden", kind))
		}
	}
	return Allow()
}

// DenyCategories refuses payments in the listed categories.
type DenyCategories []string

func (c DenyCategories) Decide(in Intent) Decision {
	for _, cat := range c {
		if in.Category != "" && in.Category == cat {
			return Deny(fmt.Sprintf("category %q is forbidden", cat))
		}
	}
	return Allow()
}

// Counterparties is an out-of-band allow-list. Intents naming a counterparty not
// on the list are denied; intents without a counterparty pass.
type Counterparties struct {
	allowed map[string]bool
}

// NewCounterparties builds an allow-list of counterparty ids.
func NewCounterparties(ids ...string) *Counterparties {
	c := &Counterparties{allowed: make(map[string]bool, len(ids))}
	for _, id := range ids {
		c.allowed[id] = true
	}
	return c
}

func (c *Counterparties) Decide(in Intent) Decision {
	if in.Counterparty == "" || c.allowed[in.Counterparty] {
		return Allow()
	}
	return Deny(fmt.Sprintf("counterparty %q is not on the allow-list", in.Counterparty))
}

// Chain evaluates policies in order; the first denial wins.
type Chain []Policy

func (c Chain) Decide(in Intent) Decision {
	for _, p := range c {
		if p == nil {
			continue
		}
		if d := p.Decide(in); !d.Allow {
			return d
		}
	}
	return Allow()
}
