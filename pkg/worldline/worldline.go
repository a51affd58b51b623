package worldline

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/openibank/openibank-sub001/pkg/canonicalize"
	"github.com/openibank/openibank-sub001/pkg/clock"
	"github.com/openibank/openibank-sub001/pkg/observability"
)

const (
	defaultScanBatch    = 256
	defaultPollInterval = 250 * time.Millisecond
)

// WorldLine is the process-wide event log. It owns id assignment and the hash chain
// of every run, serializing appenders per run. Reads go straight to the Store and
// never take the run's append lock.
type WorldLine struct {
	store        Store
	notifier     Notifier
	clock        clock.Clock
	logger       *slog.Logger
	telemetry    *observability.Provider
	pollInterval time.Duration
	pollLimit    rate.Limit

	mu     sync.Mutex
	runs   map[string]*runState
	closed bool
}

type runState struct {
	mu     sync.Mutex
	loaded bool
	seq    uint64
	head   canonicalize.Digest
	headID string
	broken *HashChainBrokenError
}

// Option configures a WorldLine.
type Option func(*WorldLine)

// WithNotifier replaces the in-process notifier.
func WithNotifier(n Notifier) Option {
	return func(w *WorldLine) { w.notifier = n }
}

// WithClock sets the timestamp source.
func WithClock(c clock.Clock) Option {
	return func(w *WorldLine) { w.clock = c }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(w *WorldLine) { w.logger = l }
}

// WithTelemetry records appends as spans and RED metrics.
func WithTelemetry(p *observability.Provider) Option {
	return func(w *WorldLine) { w.telemetry = p }
}

// WithPolling sets how often follow-mode tails re-read the store when no
// notification arrives, and caps re-reads per second. Polling matters only when
// another process appends to a shared store.
func WithPolling(interval time.Duration, perSecond float64) Option {
	return func(w *WorldLine) {
		w.pollInterval = interval
		w.pollLimit = rate.Limit(perSecond)
	}
}

// New creates a WorldLine over store.
func New(store Store, opts ...Option) *WorldLine {
	w := &WorldLine{
		store:        store,
		notifier:     NewLocalNotifier(),
		clock:        clock.Real(),
		logger:       slog.Default().With("component", "worldline"),
		pollInterval: defaultPollInterval,
		pollLimit:    rate.Limit(20),
		runs:         make(map[string]*runState),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// NewMemory is shorthand for a WorldLine over a fresh MemoryStore.
func NewMemory(opts ...Option) *WorldLine {
	return New(NewMemoryStore(), opts...)
}

func (w *WorldLine) run(runID string) (*runState, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil, ErrClosed
	}
	st, ok := w.runs[runID]
	if !ok {
		st = &runState{}
		w.runs[runID] = st
	}
	return st, nil
}

// load reads the run head from the store. Caller holds st.mu.
func (w *WorldLine) load(ctx context.Context, runID string, st *runState) error {
	if st.loaded {
		return nil
	}
	last, err := w.store.Last(ctx, runID)
	switch {
	case errors.Is(err, ErrRunNotFound):
	case err != nil:
		var broken *HashChainBrokenError
		if errors.As(err, &broken) {
			st.broken = broken
			return broken
		}
		return storageErr("load", runID, err)
	default:
		if broken := verifyEvent(last.PrevHash, last); broken != nil {
			st.broken = broken
			w.logger.Error("worldline run quarantined", "run_id", runID, "event_id", broken.EventID, "reason", broken.Reason)
			return broken
		}
		st.seq = last.Seq
		st.head = last.Hash
		st.headID = last.ID
	}
	st.loaded = true
	return nil
}

// quarantine marks a run broken after a read detected a chain failure.
func (w *WorldLine) quarantine(runID string, broken *HashChainBrokenError) {
	st, err := w.run(runID)
	if err != nil {
		return
	}
	st.mu.Lock()
	if st.broken == nil {
		st.broken = broken
		w.logger.Error("worldline run quarantined", "run_id", runID, "event_id", broken.EventID, "reason", broken.Reason)
	}
	st.mu.Unlock()
}

// Append commits ev to its run and returns the assigned id. RunID, AgentID, Type and
// Payload are read from ev; ID, Seq, PrevHash, Hash, Timestamp and the canonical
// Payload are written back on success. Followers are notified only after the store
// has acknowledged the write.
func (w *WorldLine) Append(ctx context.Context, ev *Event) (id string, err error) {
	if ev == nil || !ValidRunID(ev.RunID) {
		return "", fmt.Errorf("%w: bad run id", ErrInvalidEvent)
	}
	if !ev.Type.Valid() {
		return "", fmt.Errorf("%w: unknown event type %q", ErrInvalidEvent, ev.Type)
	}
	payload, err := canonicalPayload(ev.Payload)
	if err != nil {
		return "", err
	}

	ctx, finish := w.telemetry.TrackOperation(ctx, "worldline.append", observability.WorldLineOperation(ev.RunID, string(ev.Type))...)
	defer func() { finish(err) }()

	st, err := w.run(ev.RunID)
	if err != nil {
		return "", err
	}

	st.mu.Lock()
	if st.broken != nil {
		st.mu.Unlock()
		return "", st.broken
	}
	if err := w.load(ctx, ev.RunID, st); err != nil {
		st.mu.Unlock()
		return "", err
	}

	seq := st.seq + 1
	id, err = newEventID(seq)
	if err != nil {
		st.mu.Unlock()
		return "", err
	}
	now := w.clock.Now()
	committed := &Event{
		ID:        id,
		Seq:       seq,
		RunID:     ev.RunID,
		AgentID:   ev.AgentID,
		Type:      ev.Type,
		Payload:   payload,
		PrevHash:  st.head,
		Hash:      ChainHash(st.head, payload),
		Timestamp: time.Unix(0, now.UnixNano()).UTC(),
	}
	if err := w.store.Append(ctx, committed); err != nil {
		st.mu.Unlock()
		w.logger.Warn("worldline append failed", "run_id", ev.RunID, "event_type", ev.Type, "error", err)
		var broken *HashChainBrokenError
		if errors.As(err, &broken) {
			w.quarantine(ev.RunID, broken)
		}
		return "", storageErr("append", ev.RunID, err)
	}
	st.seq = seq
	st.head = committed.Hash
	st.headID = id
	st.mu.Unlock()

	*ev = *committed.Clone()

	if err := w.notifier.Notify(context.WithoutCancel(ctx), ev.RunID, seq); err != nil {
		w.logger.Warn("worldline notify failed", "run_id", ev.RunID, "event_id", id, "error", err)
	}
	w.logger.Debug("worldline event appended", "run_id", ev.RunID, "event_id", id, "event_type", ev.Type)
	return id, nil
}

// Record canonicalizes payload and appends it as a new event.
func (w *WorldLine) Record(ctx context.Context, runID, agentID string, typ EventType, payload any) (*Event, error) {
	raw, err := canonicalize.JCS(payload)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	ev := &Event{RunID: runID, AgentID: agentID, Type: typ, Payload: raw}
	if _, err := w.Append(ctx, ev); err != nil {
		return nil, err
	}
	return ev, nil
}

// TailOptions selects where a tail starts and whether it stays open.
type TailOptions struct {
	// From is an inclusive starting event id; empty starts at the first event.
	From string
	// Follow keeps the stream open for events appended later.
	Follow bool
}

// Tail opens a stream over a run. A non-follow tail on a run with no events returns
// ErrRunNotFound; a follow tail waits for the first event.
func (w *WorldLine) Tail(ctx context.Context, runID string, opts TailOptions) (*Stream, error) {
	st, err := w.run(runID)
	if err != nil {
		return nil, err
	}

	st.mu.Lock()
	if st.broken != nil {
		st.mu.Unlock()
		return nil, st.broken
	}
	if err := w.load(ctx, runID, st); err != nil {
		st.mu.Unlock()
		return nil, err
	}
	endSeq := st.seq
	st.mu.Unlock()

	if endSeq == 0 && !opts.Follow {
		return nil, ErrRunNotFound
	}

	startSeq := uint64(1)
	var prev canonicalize.Digest
	if opts.From != "" {
		if endSeq == 0 {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, opts.From)
		}
		ev, err := w.eventAt(ctx, runID, opts.From)
		if err != nil {
			return nil, err
		}
		startSeq = ev.Seq
		prev = ev.PrevHash
	}

	s := &Stream{
		wl:      w,
		runID:   runID,
		nextSeq: startSeq,
		prev:    prev,
		endSeq:  endSeq,
		follow:  opts.Follow,
	}
	if opts.Follow {
		wake, cancel, err := w.notifier.Subscribe(ctx, runID)
		if err != nil {
			w.logger.Warn("follow subscription failed; falling back to polling", "run_id", runID, "error", err)
		} else {
			s.wake = wake
			s.cancel = cancel
		}
		s.limiter = rate.NewLimiter(w.pollLimit, 1)
	}
	return s, nil
}

// eventAt loads the event with the given id, checking it is self-consistent.
func (w *WorldLine) eventAt(ctx context.Context, runID, id string) (*Event, error) {
	seq, err := ParseSeq(id)
	if err != nil {
		return nil, err
	}
	evs, err := w.store.Scan(ctx, runID, seq, 1)
	if err != nil {
		return nil, w.readErr(runID, err)
	}
	if len(evs) == 0 || evs[0].ID != id {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if broken := verifyEvent(evs[0].PrevHash, evs[0]); broken != nil {
		w.quarantine(runID, broken)
		return nil, broken
	}
	return evs[0], nil
}

func (w *WorldLine) readErr(runID string, err error) error {
	var broken *HashChainBrokenError
	if errors.As(err, &broken) {
		w.quarantine(runID, broken)
		return broken
	}
	return storageErr("read", runID, err)
}

// ExportSlice returns the contiguous events between from and to, both inclusive.
// Empty bounds default to the first and latest event. The first event's PrevHash
// lets an external verifier check the slice with VerifySlice.
func (w *WorldLine) ExportSlice(ctx context.Context, runID, from, to string) ([]*Event, error) {
	var toSeq uint64
	if to != "" {
		seq, err := ParseSeq(to)
		if err != nil {
			return nil, err
		}
		toSeq = seq
		if from != "" {
			fromSeq, err := ParseSeq(from)
			if err != nil {
				return nil, err
			}
			if fromSeq > toSeq {
				return nil, fmt.Errorf("%w: %s after %s", ErrInvalidRange, from, to)
			}
		}
	}

	stream, err := w.Tail(ctx, runID, TailOptions{From: from})
	if err != nil {
		return nil, err
	}
	defer stream.Close()

	var out []*Event
	for {
		if toSeq != 0 && stream.nextSeq > toSeq {
			break
		}
		ev, err := stream.Next(ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	if to != "" && (len(out) == 0 || out[len(out)-1].ID != to) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, to)
	}
	return out, nil
}

// LatestEventID returns the id of the run's most recent event. ok is false for a
// run with no events.
func (w *WorldLine) LatestEventID(ctx context.Context, runID string) (id string, ok bool, err error) {
	st, err := w.run(runID)
	if err != nil {
		return "", false, err
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.broken != nil {
		return "", false, st.broken
	}
	if err := w.load(ctx, runID, st); err != nil {
		return "", false, err
	}
	return st.headID, st.seq > 0, nil
}

// EventCount returns the number of events in a run; zero for an unknown run.
func (w *WorldLine) EventCount(ctx context.Context, runID string) (int, error) {
	st, err := w.run(runID)
	if err != nil {
		return 0, err
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.broken != nil {
		return 0, st.broken
	}
	if err := w.load(ctx, runID, st); err != nil {
		return 0, err
	}
	return int(st.seq), nil
}

// Verify re-reads an entire run and recomputes its chain. A failure quarantines the run.
func (w *WorldLine) Verify(ctx context.Context, runID string) error {
	stream, err := w.Tail(ctx, runID, TailOptions{})
	if err != nil {
		return err
	}
	defer stream.Close()
	for {
		_, err := stream.Next(ctx)
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
	}
}

// Runs lists every run with at least one event.
func (w *WorldLine) Runs(ctx context.Context) ([]string, error) {
	runs, err := w.store.Runs(ctx)
	if err != nil {
		return nil, storageErr("runs", "", err)
	}
	return runs, nil
}

// Quarantined reports the integrity error that took a run out of service, if any.
func (w *WorldLine) Quarantined(runID string) error {
	w.mu.Lock()
	st, ok := w.runs[runID]
	w.mu.Unlock()
	if !ok {
		return nil
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.broken == nil {
		return nil
	}
	return st.broken
}

// Close stops accepting appends and closes the notifier and store.
func (w *WorldLine) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	w.mu.Unlock()

	return errors.Join(w.notifier.Close(), w.store.Close())
}

// MarshalEvents renders events as JSON lines, one event per line. Payload bytes are
// written verbatim so the exported slice still verifies.
func MarshalEvents(events []*Event) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	for _, ev := range events {
		if err := enc.Encode(ev); err != nil {
			return nil, fmt.Errorf("worldline: encode event %s: %w", ev.ID, err)
		}
	}
	return buf.Bytes(), nil
}

// UnmarshalEvents parses the output of MarshalEvents.
func UnmarshalEvents(data []byte) ([]*Event, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	var out []*Event
	for {
		var ev Event
		err := dec.Decode(&ev)
		if errors.Is(err, io.EOF) {
			return out, nil
		}
		if err != nil {
			return nil, fmt.Errorf("worldline: decode event %d: %w", len(out)+1, err)
		}
		out = append(out, &ev)
	}
}
