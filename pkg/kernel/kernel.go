// Package kernel couples policy, proposer, capabilities, contracts and the
// commitment gate into a single deterministic pipeline per agent.
//
// Every propose_* call and AuthorizeAction runs:
//
//	policy -> proposer -> active commitment -> capability -> contracts -> gate
//
// recording Policy, Propose and Gate entries in the kernel's trace. All
// mutations of capability, contract and commitment state go through the
// kernel's setters, each of which records a Decision entry.
package kernel

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/openibank/openibank-sub001/pkg/approval"
	"github.com/openibank/openibank-sub001/pkg/capabilities"
	"github.com/openibank/openibank-sub001/pkg/clock"
	"github.com/openibank/openibank-sub001/pkg/contracts"
	"github.com/openibank/openibank-sub001/pkg/observability"
	"github.com/openibank/openibank-sub001/pkg/policy"
	"github.com/openibank/openibank-sub001/pkg/proposer"
	"github.com/openibank/openibank-sub001/pkg/trace"
)

// Role is the part an agent plays in a trade.
type Role string

const (
	RoleBuyer   Role = "buyer"
	RoleSeller  Role = "seller"
	RoleArbiter Role = "arbiter"
)

// ParseRole validates a role name.
func ParseRole(s string) (Role, error) {
	switch r := Role(s); r {
	case RoleBuyer, RoleSeller, RoleArbiter:
		return r, nil
	}
	return "", fmt.Errorf("kernel: unknown role %q", s)
}

// Mode records how the agent's proposals are produced.
type Mode string

const (
	ModeDeterministic Mode = "deterministic"
	ModeLLM           Mode = "llm"
)

// ParseMode validates a mode name.
func ParseMode(s string) (Mode, error) {
	switch m := Mode(s); m {
	case ModeDeterministic, ModeLLM:
		return m, nil
	}
	return "", fmt.Errorf("kernel: unknown mode %q", s)
}

// CommitmentContext is the kernel's active commitment. Approved gates every
// privileged consequence.
type CommitmentContext struct {
	CommitmentID string `json:"commitment_id"`
	Approved     bool   `json:"approved"`
}

// Config constructs a Kernel. Zero values select defaults: the deterministic
// proposer, AllowAll policy, empty capability and contract sets, an unbounded
// trace and the real clock.
type Config struct {
	AgentID  string
	Role     Role
	Mode     Mode
	Proposer proposer.Proposer
	Policy   policy.Policy

	// Capabilities and Contracts are copied; the kernel owns its own sets.
	Capabilities *capabilities.Set
	Contracts    *contracts.Set

	// TraceMaxEntries bounds the trace ring. Nil keeps everything, 0 disables it.
	TraceMaxEntries *int

	Settlement *Settlement
	Clock      clock.Clock
	Logger     *slog.Logger
	Telemetry  *observability.Provider
}

// Kernel orchestrates one agent. Calls are expected to be serialized by the
// caller; internal state is still guarded so observers may run concurrently.
type Kernel struct {
	agentID string
	role    Role
	mode    Mode

	proposer  proposer.Proposer
	policy    policy.Policy
	caps      *capabilities.Set
	contracts *contracts.Set
	trace     *trace.Trace

	settlement *Settlement
	clock      clock.Clock
	logger     *slog.Logger
	telemetry  *observability.Provider

	mu     sync.Mutex
	active *CommitmentContext
}

// New validates cfg and builds a kernel.
func New(cfg Config) (*Kernel, error) {
	if cfg.AgentID == "" {
		return nil, errors.New("kernel: agent id is required")
	}
	if cfg.Role != "" {
		if _, err := ParseRole(string(cfg.Role)); err != nil {
			return nil, err
		}
	}
	if cfg.Mode == "" {
		cfg.Mode = ModeDeterministic
	}
	if _, err := ParseMode(string(cfg.Mode)); err != nil {
		return nil, err
	}

	k := &Kernel{
		agentID:    cfg.AgentID,
		role:       cfg.Role,
		mode:       cfg.Mode,
		proposer:   cfg.Proposer,
		policy:     cfg.Policy,
		settlement: cfg.Settlement,
		clock:      cfg.Clock,
		logger:     cfg.Logger,
		telemetry:  cfg.Telemetry,
	}
	if k.proposer == nil {
		k.proposer = proposer.Deterministic{}
	}
	if k.policy == nil {
		k.policy = policy.AllowAll{}
	}
	if k.clock == nil {
		k.clock = clock.Real()
	}
	if k.logger == nil {
		k.logger = slog.Default()
	}
	k.logger = k.logger.With("component", "kernel", "agent_id", cfg.AgentID)

	if cfg.Capabilities != nil {
		k.caps = cfg.Capabilities.Clone()
	} else {
		k.caps = capabilities.NewSet()
	}
	var err error
	if cfg.Contracts != nil {
		k.contracts, err = contracts.NewSet(cfg.Contracts.List()...)
	} else {
		k.contracts, err = contracts.NewSet()
	}
	if err != nil {
		return nil, fmt.Errorf("kernel: %w", err)
	}

	if k.settlement != nil {
		if err := k.settlement.validate(cfg.AgentID); err != nil {
			return nil, err
		}
	}

	k.trace = trace.New(cfg.TraceMaxEntries, trace.WithClock(k.clock))
	return k, nil
}

// record appends a trace entry. A payload that cannot be encoded is dropped
// from the entry rather than failing the caller.
func (k *Kernel) record(stage trace.Stage, message string, payload any) {
	if _, err := k.trace.Record(stage, message, payload); err != nil {
		k.logger.Error("trace payload dropped", "stage", stage, "error", err)
		_, _ = k.trace.Record(stage, message, nil)
	}
}

func (k *Kernel) audit(op string, payload map[string]any) {
	payload["op"] = op
	k.record(trace.StageDecision, op, payload)
}

// SetActiveCommitment replaces the active commitment context.
func (k *Kernel) SetActiveCommitment(id string, approved bool) {
	k.mu.Lock()
	k.active = &CommitmentContext{CommitmentID: id, Approved: approved}
	k.mu.Unlock()
	k.audit("set_active_commitment", map[string]any{"commitment_id": id, "approved": approved})
}

// ClearActiveCommitment drops the active commitment context.
func (k *Kernel) ClearActiveCommitment() {
	k.mu.Lock()
	prev := k.active
	k.active = nil
	k.mu.Unlock()
	payload := map[string]any{}
	if prev != nil {
		payload["commitment_id"] = prev.CommitmentID
	}
	k.audit("clear_active_commitment", payload)
}

// ApprovalVerifier checks an approval token for an agent.
type ApprovalVerifier interface {
	Verify(token, agentID string) (approval.Grant, error)
}

// ApplyApproval verifies an approval token and, when valid, makes its
// commitment the active one.
func (k *Kernel) ApplyApproval(token string, v ApprovalVerifier) error {
	grant, err := v.Verify(token, k.agentID)
	if err != nil {
		k.logger.Warn("approval rejected", "error", err)
		k.audit("apply_approval", map[string]any{"accepted": false, "reason": err.Error()})
		return fmt.Errorf("kernel: %w", err)
	}
	k.SetActiveCommitment(grant.CommitmentID, grant.Approved)
	return nil
}

// AttestCapability marks name Attested. Repeating it changes nothing but is
// still audited.
func (k *Kernel) AttestCapability(name string) {
	changed := k.caps.Attest(name)
	k.audit("attest_capability", map[string]any{"capability": name, "changed": changed})
}

// RevokeCapability marks name Unattested.
func (k *Kernel) RevokeCapability(name string) {
	changed := k.caps.Revoke(name)
	k.audit("revoke_capability", map[string]any{"capability": name, "changed": changed})
}

// AddContract appends a contract.
func (k *Kernel) AddContract(c contracts.Contract) error {
	if err := k.contracts.Add(c); err != nil {
		return fmt.Errorf("kernel: %w", err)
	}
	k.audit("add_contract", map[string]any{"contract": c.Name})
	return nil
}

// RemoveContract removes the named contract and reports whether it existed.
func (k *Kernel) RemoveContract(name string) bool {
	removed := k.contracts.Remove(name)
	k.audit("remove_contract", map[string]any{"contract": name, "removed": removed})
	return removed
}

// ReplaceContracts swaps the whole contract list atomically.
func (k *Kernel) ReplaceContracts(cs []contracts.Contract) error {
	if err := k.contracts.Replace(cs); err != nil {
		return fmt.Errorf("kernel: %w", err)
	}
	names := make([]string, len(cs))
	for i, c := range cs {
		names[i] = c.Name
	}
	k.audit("replace_contracts", map[string]any{"contracts": names})
	return nil
}

// Trace returns copies of the retained trace entries, oldest first.
func (k *Kernel) Trace() []trace.Entry { return k.trace.Entries() }

// Capabilities returns a snapshot of the capability set.
func (k *Kernel) Capabilities() map[string]capabilities.Status { return k.caps.Snapshot() }

// Contracts returns a copy of the contract list.
func (k *Kernel) Contracts() []contracts.Contract { return k.contracts.List() }

func (k *Kernel) AgentID() string { return k.agentID }
func (k *Kernel) Role() Role      { return k.role }
func (k *Kernel) Mode() Mode      { return k.mode }

// ActiveCommitment returns the active commitment context, if any.
func (k *Kernel) ActiveCommitment() (CommitmentContext, bool) {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.active == nil {
		return CommitmentContext{}, false
	}
	return *k.active, true
}
