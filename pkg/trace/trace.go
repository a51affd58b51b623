// Package trace keeps a bounded, in-memory record of kernel stage transitions
// for audit replay and dashboards.
package trace

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/openibank/openibank-sub001/pkg/clock"
)

// Stage names the pipeline step an entry describes.
type Stage string

const (
	StagePolicy   Stage = "Policy"
	StagePropose  Stage = "Propose"
	StageGate     Stage = "Gate"
	StageDecision Stage = "Decision"
)

// Entry is one recorded transition. Seq is strictly increasing per Trace and
// keeps counting across evictions.
type Entry struct {
	Seq       uint64          `json:"seq"`
	Stage     Stage           `json:"stage"`
	Message   string          `json:"message"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

func (e Entry) clone() Entry {
	if e.Payload != nil {
		e.Payload = append(json.RawMessage(nil), e.Payload...)
	}
	return e
}

// Trace is a ring buffer of entries. The zero value is not usable; call New.
type Trace struct {
	mu      sync.Mutex
	clock   clock.Clock
	bounded bool
	max     int

	buf     []Entry
	head    int // index of the oldest entry when the ring is full
	seq     uint64
	evicted uint64
}

// Option configures a Trace.
type Option func(*Trace)

// WithClock overrides the timestamp source.
func WithClock(c clock.Clock) Option {
	return func(t *Trace) { t.clock = c }
}

// Limit returns a pointer to n for New.
func Limit(n int) *int { return &n }

// New creates a trace. A nil max keeps every entry, a max of zero (or less)
// disables retention entirely, and any positive max evicts oldest-first.
func New(maxEntries *int, opts ...Option) *Trace {
	t := &Trace{clock: clock.Real()}
	if maxEntries != nil {
		t.bounded = true
		t.max = *maxEntries
		if t.max < 0 {
			t.max = 0
		}
		t.buf = make([]Entry, 0, t.max)
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Record appends an entry. Payload is JSON-encoded; a nil payload is omitted.
// The returned entry carries the assigned Seq even when retention is disabled.
func (t *Trace) Record(stage Stage, message string, payload any) (Entry, error) {
	var raw json.RawMessage
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return Entry{}, fmt.Errorf("trace: encode %s payload: %w", stage, err)
		}
		raw = b
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	t.seq++
	e := Entry{Seq: t.seq, Stage: stage, Message: message, Payload: raw, Timestamp: t.clock.Now()}

	switch {
	case !t.bounded:
		t.buf = append(t.buf, e)
	case t.max == 0:
		t.evicted++
	case len(t.buf) < t.max:
		t.buf = append(t.buf, e)
	default:
		t.buf[t.head] = e
		t.head = (t.head + 1) % t.max
		t.evicted++
	}
	return e.clone(), nil
}

// Entries returns copies of the retained entries, oldest first.
func (t *Trace) Entries() []Entry {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Entry, 0, len(t.buf))
	for i := range t.buf {
		out = append(out, t.buf[(t.head+i)%len(t.buf)].clone())
	}
	return out
}

// Since returns retained entries with Seq greater than seq.
func (t *Trace) Since(seq uint64) []Entry {
	all := t.Entries()
	for i, e := range all {
		if e.Seq > seq {
			return all[i:]
		}
	}
	return nil
}

// Last returns the newest retained entry.
func (t *Trace) Last() (Entry, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.buf) == 0 {
		return Entry{}, false
	}
	idx := len(t.buf) - 1
	if t.bounded && len(t.buf) == t.max {
		idx = (t.head + t.max - 1) % t.max
	}
	return t.buf[idx].clone(), true
}

// Len is the number of retained entries.
func (t *Trace) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.buf)
}

// Max reports the retention limit; ok is false for an unbounded trace.
func (t *Trace) Max() (n int, ok bool) {
	return t.max, t.bounded
}

// Evicted counts entries dropped by the ring, including every entry of a
// disabled trace.
func (t *Trace) Evicted() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.evicted
}
