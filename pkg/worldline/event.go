// Package worldline implements the append-only, hash-chained event log that anchors
// every intent, commitment and consequence of the kernel.
//
// Each run is an independent chain. An event's hash is
// SHA-256(previous event hash ‖ canonical JSON payload), with a 32-byte zero
// predecessor for the first event of a run. Event ids carry a fixed-width hex
// sequence prefix, so lexical id order equals commit order within a run.
package worldline

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/openibank/openibank-sub001/pkg/canonicalize"
)

// EventType classifies a WorldLine event.
type EventType string

const (
	EventIntent          EventType = "Intent"
	EventCommitment      EventType = "Commitment"
	EventConsequence     EventType = "Consequence"
	EventReceipt         EventType = "Receipt"
	EventAgentRegistered EventType = "AgentRegistered"
	EventPermitIssued    EventType = "PermitIssued"
	EventPermitRevoked   EventType = "PermitRevoked"
	EventError           EventType = "Error"
)

// Valid reports whether t is one of the known event types.
func (t EventType) Valid() bool {
	switch t {
	case EventIntent, EventCommitment, EventConsequence, EventReceipt,
		EventAgentRegistered, EventPermitIssued, EventPermitRevoked, EventError:
		return true
	}
	return false
}

// Event is a single committed WorldLine record. Events are immutable once appended;
// readers receive copies.
type Event struct {
	ID        string              `json:"id"`
	Seq       uint64              `json:"seq"`
	RunID     string              `json:"run_id"`
	AgentID   string              `json:"agent_id"`
	Type      EventType           `json:"event_type"`
	Payload   json.RawMessage     `json:"payload"`
	PrevHash  canonicalize.Digest `json:"prev_hash"`
	Hash      canonicalize.Digest `json:"hash"`
	Timestamp time.Time           `json:"timestamp"`
}

// Clone returns a deep copy of the event.
func (e *Event) Clone() *Event {
	if e == nil {
		return nil
	}
	out := *e
	out.Payload = append(json.RawMessage(nil), e.Payload...)
	return &out
}

// DecodePayload unmarshals the event payload into v.
func (e *Event) DecodePayload(v any) error {
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return fmt.Errorf("worldline: decode %s payload of %s: %w", e.Type, e.ID, err)
	}
	return nil
}

var runIDPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]{0,127}$`)

// ValidRunID reports whether id is usable as a run identifier. Run ids double as
// directory names in the file store, so they are restricted to a safe alphabet.
func ValidRunID(id string) bool {
	return runIDPattern.MatchString(id)
}

// newEventID returns "<seq as 16 hex digits>-<uuidv7>".
func newEventID(seq uint64) (string, error) {
	u, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("worldline: generate event id: %w", err)
	}
	return fmt.Sprintf("%016x-%s", seq, u.String()), nil
}

// ParseSeq extracts the per-run sequence number from an event id.
func ParseSeq(id string) (uint64, error) {
	if len(id) < 18 || id[16] != '-' {
		return 0, fmt.Errorf("%w: malformed event id %q", ErrNotFound, id)
	}
	seq, err := strconv.ParseUint(id[:16], 16, 64)
	if err != nil || seq == 0 {
		return 0, fmt.Errorf("%w: malformed event id %q", ErrNotFound, id)
	}
	return seq, nil
}
