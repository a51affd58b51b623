package receipts

import (
	"context"
	"sort"
	"sync"
)

// Store persists signed receipts keyed by TxID.
type Store interface {
	Put(ctx context.Context, r *Receipt) error
	Get(ctx context.Context, txID string) (*Receipt, error)
	ByCommitment(ctx context.Context, commitmentID string) (*Receipt, error)
	List(ctx context.Context, limit int) ([]*Receipt, error)
}

// MemoryStore is an in-process Store.
type MemoryStore struct {
	mu    sync.RWMutex
	byTx  map[string]*Receipt
	order []string
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{byTx: make(map[string]*Receipt)}
}

func (s *MemoryStore) Put(ctx context.Context, r *Receipt) error {
	if r.Signature == "" {
		return ErrUnsigned
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byTx[r.TxID]; ok {
		return ErrExists
	}
	s.byTx[r.TxID] = r.Clone()
	s.order = append(s.order, r.TxID)
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, txID string) (*Receipt, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.byTx[txID]
	if !ok {
		return nil, ErrNotFound
	}
	return r.Clone(), nil
}

func (s *MemoryStore) ByCommitment(ctx context.Context, commitmentID string) (*Receipt, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, id := range s.order {
		if r := s.byTx[id]; r.CommitmentID == commitmentID {
			return r.Clone(), nil
		}
	}
	return nil, ErrNotFound
}

// List returns up to limit receipts, newest first. A limit <= 0 returns all.
func (s *MemoryStore) List(ctx context.Context, limit int) ([]*Receipt, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Receipt, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.byTx[id].Clone())
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp.After(out[j].Timestamp) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
