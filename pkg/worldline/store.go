package worldline

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// Store persists committed events. The WorldLine computes ids and hashes and
// serializes appends per run; a Store only has to keep what it is given, in order.
type Store interface {
	// Append durably stores ev. ev.Seq is always one greater than the run's last
	// stored sequence.
	Append(ctx context.Context, ev *Event) error

	// Scan returns up to limit events of runID with Seq >= fromSeq, in order.
	Scan(ctx context.Context, runID string, fromSeq uint64, limit int) ([]*Event, error)

	// Last returns the run's most recent event, or ErrRunNotFound.
	Last(ctx context.Context, runID string) (*Event, error)

	// Runs lists the run ids with at least one event.
	Runs(ctx context.Context) ([]string, error)

	Close() error
}

// MemoryStore keeps events in process memory.
type MemoryStore struct {
	mu   sync.RWMutex
	runs map[string][]*Event
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{runs: make(map[string][]*Event)}
}

func (s *MemoryStore) Append(_ context.Context, ev *Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	events := s.runs[ev.RunID]
	if want := uint64(len(events)) + 1; ev.Seq != want {
		return fmt.Errorf("out of order append: seq %d, want %d", ev.Seq, want)
	}
	s.runs[ev.RunID] = append(events, ev.Clone())
	return nil
}

func (s *MemoryStore) Scan(_ context.Context, runID string, fromSeq uint64, limit int) ([]*Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	events := s.runs[runID]
	if fromSeq == 0 {
		fromSeq = 1
	}
	if fromSeq > uint64(len(events)) {
		return nil, nil
	}
	end := uint64(len(events))
	if limit > 0 && fromSeq-1+uint64(limit) < end {
		end = fromSeq - 1 + uint64(limit)
	}
	out := make([]*Event, 0, end-fromSeq+1)
	for _, ev := range events[fromSeq-1 : end] {
		out = append(out, ev.Clone())
	}
	return out, nil
}

func (s *MemoryStore) Last(_ context.Context, runID string) (*Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	events := s.runs[runID]
	if len(events) == 0 {
		return nil, ErrRunNotFound
	}
	return events[len(events)-1].Clone(), nil
}

func (s *MemoryStore) Runs(_ context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]string, 0, len(s.runs))
	for id := range s.runs {
		out = append(out, id)
	}
	sort.Strings(out)
	return out, nil
}

func (s *MemoryStore) Close() error { return nil }
