package worldline

import (
	"context"
	"io"
	"time"

	"golang.org/x/time/rate"

	"github.com/openibank/openibank-sub001/pkg/canonicalize"
)

// Stream yields a run's events in commit order. It is not safe for concurrent use.
type Stream struct {
	wl      *WorldLine
	runID   string
	nextSeq uint64
	prev    canonicalize.Digest
	endSeq  uint64
	follow  bool

	buf     []*Event
	wake    <-chan struct{}
	cancel  func()
	limiter *rate.Limiter
	closed  bool
}

// Next returns the next event. A non-follow stream returns io.EOF after the last
// event that existed when the stream was opened. A follow stream blocks until a new
// event is appended or ctx is done.
func (s *Stream) Next(ctx context.Context) (*Event, error) {
	for len(s.buf) == 0 {
		if s.closed {
			return nil, io.EOF
		}
		if !s.follow && s.nextSeq > s.endSeq {
			return nil, io.EOF
		}
		if err := s.wl.Quarantined(s.runID); err != nil {
			return nil, err
		}

		limit := defaultScanBatch
		if !s.follow {
			if remaining := s.endSeq - s.nextSeq + 1; remaining < uint64(limit) {
				limit = int(remaining)
			}
		}
		evs, err := s.wl.store.Scan(ctx, s.runID, s.nextSeq, limit)
		if err != nil {
			return nil, s.wl.readErr(s.runID, err)
		}
		if len(evs) > 0 {
			s.buf = evs
			break
		}
		if !s.follow {
			return nil, io.EOF
		}
		if err := s.wait(ctx); err != nil {
			return nil, err
		}
	}

	ev := s.buf[0]
	s.buf = s.buf[1:]

	if ev.Seq != s.nextSeq {
		broken := &HashChainBrokenError{RunID: s.runID, EventID: ev.ID, Seq: ev.Seq, Reason: "sequence gap"}
		s.wl.quarantine(s.runID, broken)
		return nil, broken
	}
	if broken := verifyEvent(s.prev, ev); broken != nil {
		s.wl.quarantine(s.runID, broken)
		return nil, broken
	}
	s.prev = ev.Hash
	s.nextSeq++
	return ev, nil
}

func (s *Stream) wait(ctx context.Context) error {
	timer := time.NewTimer(s.wl.pollInterval)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-s.wake:
	case <-timer.C:
	}
	return s.limiter.Wait(ctx)
}

// Close releases the stream's subscription.
func (s *Stream) Close() {
	if s.closed {
		return
	}
	s.closed = true
	if s.cancel != nil {
		s.cancel()
	}
}
