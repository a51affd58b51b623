// Package gate implements the Commitment Gate: the only path by which a recorded
// intent becomes an executed effect.
//
// Prepare records an Intent event on the WorldLine and returns an opaque,
// single-use Handle. ExecuteCommitted runs a caller-supplied action at most once
// under that handle and pairs it with exactly one Consequence event, or with one
// terminal Error event when the action fails. A ConsequenceProof can only be
// produced by ExecuteCommitted.
//
// Handle states:
//
//	Pending -> InUse -> Done | Failed
//	Pending -> Failed   (Fail, cancellation)
//	Pending -> Expired  (expires_at reached)
//
// Terminal states are absorbing.
package gate

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/openibank/openibank-sub001/pkg/canonicalize"
	"github.com/openibank/openibank-sub001/pkg/clock"
	"github.com/openibank/openibank-sub001/pkg/observability"
	"github.com/openibank/openibank-sub001/pkg/worldline"
)

// DefaultTTL bounds how long a prepared handle stays executable.
const DefaultTTL = 5 * time.Minute

// Reasons recorded on terminal Error events written by the gate itself.
const (
	ReasonExpired         = "expired"
	ReasonCancelled       = "cancelled"
	ReasonConsequenceLost = "consequence not recorded"
)

var (
	// ErrNoCommitment is returned for a handle the gate did not issue or that is
	// already consumed.
	ErrNoCommitment = errors.New("gate: no such commitment")
	// ErrHandleExpired is returned for a handle past its expires_at.
	ErrHandleExpired = errors.New("gate: commitment handle expired")
	// ErrHandleInUse is returned when another call is executing the same handle.
	ErrHandleInUse = errors.New("gate: commitment handle in use")
	// ErrOutcomeEncoding is returned when an action's result cannot be
	// canonicalized; the handle fails.
	ErrOutcomeEncoding = errors.New("gate: outcome is not serializable")
)

// ActionFailedError reports that the action ran and returned an error. The handle
// is consumed and a terminal Error event was recorded.
type ActionFailedError struct {
	CommitmentID string
	Err          error
}

func (e *ActionFailedError) Error() string {
	return fmt.Sprintf("gate: action for commitment %s failed: %v", e.CommitmentID, e.Err)
}

func (e *ActionFailedError) Unwrap() error { return e.Err }

// State is the lifecycle state of a handle.
type State int

const (
	StatePending State = iota
	StateInUse
	StateDone
	StateFailed
	StateExpired
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateInUse:
		return "in_use"
	case StateDone:
		return "done"
	case StateFailed:
		return "failed"
	case StateExpired:
		return "expired"
	}
	return "unknown"
}

func (s State) terminal() bool {
	return s == StateDone || s == StateFailed || s == StateExpired
}

// Handle grants the right to execute one commitment. Its fields are unexported;
// only the issuing Gate can mint or honor one.
type Handle struct {
	id         string
	intentHash string
	agentID    string
	createdAt  time.Time
	expiresAt  time.Time
	nonce      [16]byte
}

// CommitmentID returns the id shared by the handle's Intent and terminal events.
func (h *Handle) CommitmentID() string { return h.id }

// IntentHash returns the canonical hash of the proposal the handle commits to.
func (h *Handle) IntentHash() string { return h.intentHash }

// AgentID returns the agent that prepared the handle.
func (h *Handle) AgentID() string { return h.agentID }

// CreatedAt returns when Prepare issued the handle.
func (h *Handle) CreatedAt() time.Time { return h.createdAt }

// ExpiresAt returns the deadline after which the handle can no longer execute.
func (h *Handle) ExpiresAt() time.Time { return h.expiresAt }

// ConsequenceProof attests that a commitment's action ran and its Consequence
// event was committed.
type ConsequenceProof struct {
	commitmentID string
	executedAt   time.Time
	eventID      string
	eventHash    canonicalize.Digest
}

// CommitmentID returns the commitment the proof settles.
func (p *ConsequenceProof) CommitmentID() string { return p.commitmentID }

// ExecutedAt returns the timestamp of the Consequence event.
func (p *ConsequenceProof) ExecutedAt() time.Time { return p.executedAt }

// WorldLineEventID returns the id of the Consequence event.
func (p *ConsequenceProof) WorldLineEventID() string { return p.eventID }

// EventHash returns the chain hash of the Consequence event.
func (p *ConsequenceProof) EventHash() canonicalize.Digest { return p.eventHash }

// Action is the effect executed under a commitment. Its outcome must be JSON
// serializable; it is recorded on the Consequence event.
type Action func(ctx context.Context) (any, error)

// IntentPayload is the payload of the Intent event written by Prepare.
type IntentPayload struct {
	CommitmentID string    `json:"commitment_id"`
	AgentID      string    `json:"agent_id"`
	IntentHash   string    `json:"intent_hash"`
	Description  string    `json:"description"`
	ExpiresAt    time.Time `json:"expires_at"`
}

// ConsequencePayload is the payload of a Consequence event.
type ConsequencePayload struct {
	CommitmentID string          `json:"commitment_id"`
	AgentID      string          `json:"agent_id"`
	Outcome      json.RawMessage `json:"outcome"`
}

// ErrorPayload is the payload of a terminal Error event.
type ErrorPayload struct {
	CommitmentID string `json:"commitment_id"`
	AgentID      string `json:"agent_id"`
	Reason       string `json:"reason"`
}

type entry struct {
	handle Handle
	state  State
}

// Gate issues and redeems commitment handles for one WorldLine run.
type Gate struct {
	wl        *worldline.WorldLine
	runID     string
	clock     clock.Clock
	ttl       time.Duration
	logger    *slog.Logger
	telemetry *observability.Provider

	mu      sync.Mutex
	handles map[string]*entry
}

// Option configures a Gate.
type Option func(*Gate)

// WithTTL sets the lifetime of prepared handles.
func WithTTL(d time.Duration) Option {
	return func(g *Gate) {
		if d > 0 {
			g.ttl = d
		}
	}
}

// WithClock sets the clock used for handle deadlines.
func WithClock(c clock.Clock) Option {
	return func(g *Gate) { g.clock = c }
}

// WithLogger sets the gate's logger.
func WithLogger(l *slog.Logger) Option {
	return func(g *Gate) { g.logger = l }
}

// WithTelemetry traces and counts executions through p.
func WithTelemetry(p *observability.Provider) Option {
	return func(g *Gate) { g.telemetry = p }
}

// New creates a gate writing to runID on wl.
func New(wl *worldline.WorldLine, runID string, opts ...Option) (*Gate, error) {
	if wl == nil {
		return nil, errors.New("gate: worldline is required")
	}
	if !worldline.ValidRunID(runID) {
		return nil, fmt.Errorf("gate: invalid run id %q", runID)
	}
	g := &Gate{
		wl:      wl,
		runID:   runID,
		clock:   clock.Real(),
		ttl:     DefaultTTL,
		logger:  slog.Default().With("component", "gate"),
		handles: make(map[string]*entry),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g, nil
}

// RunID returns the WorldLine run this gate writes to.
func (g *Gate) RunID() string { return g.runID }

// Prepare records an Intent event and returns a fresh handle for it.
func (g *Gate) Prepare(ctx context.Context, agentID, description, intentHash string) (*Handle, error) {
	if agentID == "" {
		return nil, errors.New("gate: agent id is required")
	}
	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("gate: commitment id: %w", err)
	}
	h := Handle{
		id:         "cmt_" + id.String(),
		intentHash: intentHash,
		agentID:    agentID,
		createdAt:  g.clock.Now(),
	}
	h.expiresAt = h.createdAt.Add(g.ttl)
	if _, err := rand.Read(h.nonce[:]); err != nil {
		return nil, fmt.Errorf("gate: handle nonce: %w", err)
	}

	_, err = g.wl.Record(ctx, g.runID, agentID, worldline.EventIntent, IntentPayload{
		CommitmentID: h.id,
		AgentID:      agentID,
		IntentHash:   intentHash,
		Description:  description,
		ExpiresAt:    h.expiresAt,
	})
	if err != nil {
		return nil, fmt.Errorf("gate: record intent: %w", err)
	}

	g.mu.Lock()
	g.handles[h.id] = &entry{handle: h, state: StatePending}
	g.mu.Unlock()

	g.logger.Debug("commitment prepared", "commitment_id", h.id, "agent_id", agentID, "expires_at", h.expiresAt)
	out := h
	return &out, nil
}

// lookup returns the entry for h if h is a genuine handle. Caller holds g.mu.
func (g *Gate) lookup(h *Handle) (*entry, error) {
	if h == nil {
		return nil, ErrNoCommitment
	}
	e, ok := g.handles[h.id]
	if !ok || e.handle != *h {
		return nil, ErrNoCommitment
	}
	return e, nil
}

// ExecuteCommitted runs action under h exactly once. On success it records a
// Consequence event and returns the action's outcome with a proof. An action error
// records a terminal Error event and returns *ActionFailedError.
//
// Once the action has started the call is not cancel-safe: the Consequence or
// Error append completes even if ctx is cancelled.
func (g *Gate) ExecuteCommitted(ctx context.Context, h *Handle, action Action) (outcome any, proof *ConsequenceProof, err error) {
	if action == nil {
		return nil, nil, errors.New("gate: action is required")
	}

	g.mu.Lock()
	e, err := g.lookup(h)
	if err != nil {
		g.mu.Unlock()
		return nil, nil, err
	}
	switch e.state {
	case StateInUse:
		g.mu.Unlock()
		return nil, nil, ErrHandleInUse
	case StateExpired:
		g.mu.Unlock()
		return nil, nil, ErrHandleExpired
	case StateDone, StateFailed:
		g.mu.Unlock()
		return nil, nil, ErrNoCommitment
	}
	if !g.clock.Now().Before(e.handle.expiresAt) {
		e.state = StateExpired
		g.mu.Unlock()
		g.recordError(ctx, e.handle, ReasonExpired)
		return nil, nil, ErrHandleExpired
	}
	if ctx.Err() != nil {
		e.state = StateFailed
		g.mu.Unlock()
		g.recordError(ctx, e.handle, ReasonCancelled)
		return nil, nil, ctx.Err()
	}
	e.state = StateInUse
	handle := e.handle
	g.mu.Unlock()

	ctx, finish := g.telemetry.TrackOperation(ctx, "gate.execute", observability.GateOperation(handle.agentID, handle.id)...)
	defer func() { finish(err) }()

	result, actionErr := action(ctx)
	// From here on the pairing event is written regardless of cancellation.
	persistCtx := context.WithoutCancel(ctx)
	if actionErr != nil {
		g.transition(handle.id, StateFailed)
		g.recordError(persistCtx, handle, actionErr.Error())
		observability.AddSpanEvent(ctx, "gate.action_failed", observability.AttrGateOutcome.String("failed"))
		return nil, nil, &ActionFailedError{CommitmentID: handle.id, Err: actionErr}
	}

	raw, err := canonicalize.JCS(result)
	if err != nil {
		g.transition(handle.id, StateFailed)
		g.recordError(persistCtx, handle, "outcome not serializable")
		return nil, nil, fmt.Errorf("%w: %s: %v", ErrOutcomeEncoding, handle.id, err)
	}
	ev, err := g.wl.Record(persistCtx, g.runID, handle.agentID, worldline.EventConsequence, ConsequencePayload{
		CommitmentID: handle.id,
		AgentID:      handle.agentID,
		Outcome:      raw,
	})
	if err != nil {
		g.transition(handle.id, StateFailed)
		g.logger.Error("consequence not recorded after action ran", "commitment_id", handle.id, "agent_id", handle.agentID, "error", err)
		g.recordError(persistCtx, handle, ReasonConsequenceLost+": "+err.Error())
		return nil, nil, fmt.Errorf("gate: record consequence of %s: %w", handle.id, err)
	}
	g.transition(handle.id, StateDone)

	g.logger.Info("commitment executed", "commitment_id", handle.id, "agent_id", handle.agentID, "event_id", ev.ID)
	return result, &ConsequenceProof{
		commitmentID: handle.id,
		executedAt:   ev.Timestamp,
		eventID:      ev.ID,
		eventHash:    ev.Hash,
	}, nil
}

// Fail terminates a pending handle with reason, recording an Error event. It is a
// no-op for handles that are unknown, executing or already terminal.
func (g *Gate) Fail(ctx context.Context, h *Handle, reason string) error {
	g.mu.Lock()
	e, err := g.lookup(h)
	if err != nil || e.state != StatePending {
		g.mu.Unlock()
		return nil
	}
	e.state = StateFailed
	handle := e.handle
	g.mu.Unlock()

	return g.recordError(ctx, handle, reason)
}

// State reports the lifecycle state of h.
func (g *Gate) State(h *Handle) (State, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	e, err := g.lookup(h)
	if err != nil {
		return 0, err
	}
	return e.state, nil
}

// PendingCount returns the number of handles that are prepared but not yet
// executed, failed or expired.
func (g *Gate) PendingCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	n := 0
	for _, e := range g.handles {
		if e.state == StatePending {
			n++
		}
	}
	return n
}

// Sweep expires every pending handle past its deadline, recording an Error event
// for each, and forgets terminal handles that expired more than one TTL ago. It
// returns the number of handles expired.
func (g *Gate) Sweep(ctx context.Context) int {
	now := g.clock.Now()
	var expired []Handle

	g.mu.Lock()
	for id, e := range g.handles {
		switch {
		case e.state == StatePending && !now.Before(e.handle.expiresAt):
			e.state = StateExpired
			expired = append(expired, e.handle)
		case e.state.terminal() && now.Sub(e.handle.expiresAt) > g.ttl:
			delete(g.handles, id)
		}
	}
	g.mu.Unlock()

	for _, h := range expired {
		_ = g.recordError(ctx, h, ReasonExpired)
	}
	if len(expired) > 0 {
		g.logger.Info("expired pending commitments", "count", len(expired))
	}
	return len(expired)
}

// RunSweeper calls Sweep every interval until ctx is done.
func (g *Gate) RunSweeper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			g.Sweep(ctx)
		}
	}
}

func (g *Gate) transition(id string, s State) {
	g.mu.Lock()
	if e, ok := g.handles[id]; ok {
		e.state = s
	}
	g.mu.Unlock()
}

// recordError appends the terminal Error event for h. The handle is already
// terminal when this runs, so the write ignores cancellation of ctx.
func (g *Gate) recordError(ctx context.Context, h Handle, reason string) error {
	_, err := g.wl.Record(context.WithoutCancel(ctx), g.runID, h.agentID, worldline.EventError, ErrorPayload{
		CommitmentID: h.id,
		AgentID:      h.agentID,
		Reason:       reason,
	})
	if err != nil {
		g.logger.Error("terminal error event not recorded", "commitment_id", h.id, "reason", reason, "error", err)
		return fmt.Errorf("gate: record error for %s: %w", h.id, err)
	}
	g.logger.Warn("commitment failed", "commitment_id", h.id, "agent_id", h.agentID, "reason", reason)
	return nil
}
