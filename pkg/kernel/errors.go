package kernel

import (
	"context"
	"errors"
	"fmt"

	"github.com/openibank/openibank-sub001/pkg/gate"
	"github.com/openibank/openibank-sub001/pkg/worldline"
)

// ErrorKind is the machine-readable cause of a kernel failure.
type ErrorKind string

const (
	PolicyDenied          ErrorKind = "PolicyDenied"
	Proposal              ErrorKind = "Proposal"
	ProposalMismatch      ErrorKind = "ProposalMismatch"
	CommitmentMissing     ErrorKind = "CommitmentMissing"
	CommitmentNotApproved ErrorKind = "CommitmentNotApproved"
	CapabilityNotAttested ErrorKind = "CapabilityNotAttested"
	ContractViolation     ErrorKind = "ContractViolation"
	HandleExpired         ErrorKind = "HandleExpired"
	NoCommitment          ErrorKind = "NoCommitment"
	ActionFailed          ErrorKind = "ActionFailed"
	Cancelled             ErrorKind = "Cancelled"
	Storage               ErrorKind = "Storage"
	HashChainBroken       ErrorKind = "HashChainBroken"
	Serialization         ErrorKind = "Serialization"
)

// Error is the single error type returned by kernel operations. Only the
// fields relevant to Kind are set.
type Error struct {
	Kind   ErrorKind
	Reason string

	Capability   string // CapabilityNotAttested
	Contract     string // ContractViolation
	CommitmentID string // CommitmentNotApproved, gate failures

	Err error
}

func (e *Error) Error() string {
	switch e.Kind {
	case CapabilityNotAttested:
		return fmt.Sprintf("kernel: %s{%q}", e.Kind, e.Capability)
	case ContractViolation:
		return fmt.Sprintf("kernel: %s{%q, %q}", e.Kind, e.Contract, e.Reason)
	case CommitmentNotApproved:
		return fmt.Sprintf("kernel: %s{%q}", e.Kind, e.CommitmentID)
	}
	if e.Reason == "" {
		return "kernel: " + string(e.Kind)
	}
	return fmt.Sprintf("kernel: %s: %s", e.Kind, e.Reason)
}

func (e *Error) Unwrap() error { return e.Err }

// KindName returns Kind as a plain string for telemetry.
func (e *Error) KindName() string { return string(e.Kind) }

// Retryable reports whether the same call may succeed unchanged.
func (e *Error) Retryable() bool { return e.Kind == Storage }

// KindOf returns the kind of a kernel error, or "" for anything else.
func KindOf(err error) ErrorKind {
	var ke *Error
	if errors.As(err, &ke) {
		return ke.Kind
	}
	return ""
}

// IsKind reports whether err is a kernel error of kind k.
func IsKind(err error, k ErrorKind) bool { return KindOf(err) == k }

func newError(kind ErrorKind, reason string, cause error) *Error {
	return &Error{Kind: kind, Reason: reason, Err: cause}
}

// classify maps errors from the gate, the WorldLine and canonicalization onto
// the kernel taxonomy.
func classify(err error, commitmentID string) *Error {
	if err == nil {
		return nil
	}
	var (
		ke     *Error
		broken *worldline.HashChainBrokenError
		failed *gate.ActionFailedError
	)
	switch {
	case errors.As(err, &ke):
		return ke
	case errors.As(err, &broken):
		return &Error{Kind: HashChainBroken, Reason: broken.Error(), CommitmentID: commitmentID, Err: err}
	case errors.As(err, &failed):
		return &Error{Kind: ActionFailed, Reason: failed.Err.Error(), CommitmentID: failed.CommitmentID, Err: err}
	case errors.Is(err, gate.ErrHandleExpired):
		return &Error{Kind: HandleExpired, Reason: err.Error(), CommitmentID: commitmentID, Err: err}
	case errors.Is(err, gate.ErrNoCommitment), errors.Is(err, gate.ErrHandleInUse):
		return &Error{Kind: NoCommitment, Reason: err.Error(), CommitmentID: commitmentID, Err: err}
	case errors.Is(err, worldline.ErrInvalidPayload), errors.Is(err, gate.ErrOutcomeEncoding):
		return &Error{Kind: Serialization, Reason: err.Error(), CommitmentID: commitmentID, Err: err}
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return &Error{Kind: Cancelled, Reason: err.Error(), CommitmentID: commitmentID, Err: err}
	}
	// Anything else came from a WorldLine or receipt store.
	return &Error{Kind: Storage, Reason: err.Error(), CommitmentID: commitmentID, Err: err}
}
