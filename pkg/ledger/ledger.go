// Package ledger is the in-memory balance book that settlement actions mutate.
//
//   - Balances are integer minor units per (account, asset)
//   - Escrow holds funds out of the buyer's balance until released or refunded
//   - Every mutation appends a hash-chained journal entry; nothing is edited in place
package ledger

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/openibank/openibank-sub001/pkg/canonicalize"
	"github.com/openibank/openibank-sub001/pkg/clock"
)

const genesisHash = "genesis"

// EntryKind categorizes a journal entry.
type EntryKind string

const (
	EntryMint          EntryKind = "mint"
	EntryTransfer      EntryKind = "transfer"
	EntryEscrowOpen    EntryKind = "escrow_open"
	EntryEscrowRelease EntryKind = "escrow_release"
	EntryEscrowRefund  EntryKind = "escrow_refund"
	EntryEscrowSplit   EntryKind = "escrow_split"
)

var (
	ErrInvalidAmount     = errors.New("ledger: amount must be positive")
	ErrInsufficientFunds = errors.New("ledger: insufficient funds")
	ErrUnknownEscrow     = errors.New("ledger: unknown escrow")
	ErrEscrowClosed      = errors.New("ledger: escrow already closed")
	ErrSameAccount       = errors.New("ledger: source and destination are the same account")
)

// Entry is an immutable, hash-chained journal record. Refund is only set for
// escrow splits and holds the buyer's share.
type Entry struct {
	Sequence    uint64    `json:"sequence"`
	Kind        EntryKind `json:"kind"`
	TxID        string    `json:"tx_id"`
	From        string    `json:"from,omitempty"`
	To          string    `json:"to,omitempty"`
	Asset       string    `json:"asset"`
	Amount      int64     `json:"amount"`
	Refund      int64     `json:"refund,omitempty"`
	EscrowID    string    `json:"escrow_id,omitempty"`
	ContentHash string    `json:"content_hash"`
	PrevHash    string    `json:"prev_hash"`
	Timestamp   time.Time `json:"timestamp"`
}

// EscrowState tracks an escrow's lifecycle.
type EscrowState string

const (
	EscrowOpen     EscrowState = "open"
	EscrowReleased EscrowState = "released"
	EscrowRefunded EscrowState = "refunded"
	EscrowSplit    EscrowState = "split"
)

// Escrow is funds held between a buyer and a seller.
type Escrow struct {
	ID     string      `json:"id"`
	Buyer  string      `json:"buyer"`
	Seller string      `json:"seller"`
	Asset  string      `json:"asset"`
	Amount int64       `json:"amount"`
	State  EscrowState `json:"state"`
}

// ChainError reports the first journal entry whose hash linkage fails.
type ChainError struct {
	Sequence uint64
	Reason   string
}

func (e *ChainError) Error() string {
	return fmt.Sprintf("ledger: chain broken at entry %d: %s", e.Sequence, e.Reason)
}

// Ledger is safe for concurrent use.
type Ledger struct {
	mu       sync.RWMutex
	clock    clock.Clock
	balances map[string]map[string]int64
	escrows  map[string]*Escrow
	entries  []Entry
	headHash string
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithClock overrides the clock for testing.
func WithClock(c clock.Clock) Option {
	return func(l *Ledger) { l.clock = c }
}

// New creates an empty ledger.
func New(opts ...Option) *Ledger {
	l := &Ledger{
		clock:    clock.Real(),
		balances: make(map[string]map[string]int64),
		escrows:  make(map[string]*Escrow),
		headHash: genesisHash,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Mint issues new funds to an account.
func (l *Ledger) Mint(to, asset string, amount int64) (Entry, error) {
	if amount <= 0 {
		return Entry{}, ErrInvalidAmount
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.credit(to, asset, amount)
	return l.append(Entry{Kind: EntryMint, To: to, Asset: asset, Amount: amount})
}

// Transfer moves funds between accounts.
func (l *Ledger) Transfer(from, to, asset string, amount int64) (Entry, error) {
	if amount <= 0 {
		return Entry{}, ErrInvalidAmount
	}
	if from == to {
		return Entry{}, ErrSameAccount
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.debit(from, asset, amount); err != nil {
		return Entry{}, err
	}
	l.credit(to, asset, amount)
	return l.append(Entry{Kind: EntryTransfer, From: from, To: to, Asset: asset, Amount: amount})
}

// OpenEscrow moves funds from the buyer into a new escrow held for the seller.
func (l *Ledger) OpenEscrow(buyer, seller, asset string, amount int64) (Escrow, Entry, error) {
	if amount <= 0 {
		return Escrow{}, Entry{}, ErrInvalidAmount
	}
	if buyer == seller {
		return Escrow{}, Entry{}, ErrSameAccount
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.debit(buyer, asset, amount); err != nil {
		return Escrow{}, Entry{}, err
	}
	esc := &Escrow{
		ID:     "esc_" + uuid.Must(uuid.NewV7()).String(),
		Buyer:  buyer,
		Seller: seller,
		Asset:  asset,
		Amount: amount,
		State:  EscrowOpen,
	}
	l.escrows[esc.ID] = esc
	e, err := l.append(Entry{Kind: EntryEscrowOpen, From: buyer, To: seller, Asset: asset, Amount: amount, EscrowID: esc.ID})
	return *esc, e, err
}

// ReleaseEscrow pays the full escrow to the seller.
func (l *Ledger) ReleaseEscrow(id string) (Entry, error) {
	return l.SettleEscrow(id, 100)
}

// RefundEscrow returns the full escrow to the buyer.
func (l *Ledger) RefundEscrow(id string) (Entry, error) {
	return l.SettleEscrow(id, 0)
}

// SettleEscrow pays percent of the escrow to the seller and the remainder to
// the buyer. The seller's share rounds down.
func (l *Ledger) SettleEscrow(id string, percent uint8) (Entry, error) {
	if percent > 100 {
		return Entry{}, fmt.Errorf("ledger: percent %d out of range", percent)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	esc, ok := l.escrows[id]
	if !ok {
		return Entry{}, fmt.Errorf("%w: %s", ErrUnknownEscrow, id)
	}
	if esc.State != EscrowOpen {
		return Entry{}, fmt.Errorf("%w: %s is %s", ErrEscrowClosed, id, esc.State)
	}

	toSeller := esc.Amount * int64(percent) / 100
	toBuyer := esc.Amount - toSeller
	e := Entry{From: esc.Buyer, To: esc.Seller, Asset: esc.Asset, EscrowID: id}
	switch percent {
	case 100:
		e.Kind, e.Amount = EntryEscrowRelease, toSeller
		esc.State = EscrowReleased
	case 0:
		e.Kind, e.Amount = EntryEscrowRefund, toBuyer
		e.From, e.To = esc.Seller, esc.Buyer
		esc.State = EscrowRefunded
	default:
		e.Kind, e.Amount, e.Refund = EntryEscrowSplit, toSeller, toBuyer
		esc.State = EscrowSplit
	}
	if toSeller > 0 {
		l.credit(esc.Seller, esc.Asset, toSeller)
	}
	if toBuyer > 0 {
		l.credit(esc.Buyer, esc.Asset, toBuyer)
	}
	return l.append(e)
}

// Balance returns an account's balance in asset.
func (l *Ledger) Balance(account, asset string) int64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.balances[account][asset]
}

// Escrow returns a copy of an escrow.
func (l *Ledger) Escrow(id string) (Escrow, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	esc, ok := l.escrows[id]
	if !ok {
		return Escrow{}, fmt.Errorf("%w: %s", ErrUnknownEscrow, id)
	}
	return *esc, nil
}

// Supply is the total of balances and open escrows in asset. It only changes
// through Mint.
func (l *Ledger) Supply(asset string) int64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	var total int64
	for _, byAsset := range l.balances {
		total += byAsset[asset]
	}
	for _, esc := range l.escrows {
		if esc.State == EscrowOpen && esc.Asset == asset {
			total += esc.Amount
		}
	}
	return total
}

// Accounts lists accounts that have ever held funds, sorted.
func (l *Ledger) Accounts() []string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]string, 0, len(l.balances))
	for a := range l.balances {
		out = append(out, a)
	}
	sort.Strings(out)
	return out
}

// Entries returns a copy of the journal.
func (l *Ledger) Entries() []Entry {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return append([]Entry(nil), l.entries...)
}

// Head returns the current head hash.
func (l *Ledger) Head() string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.headHash
}

// Length returns the number of journal entries.
func (l *Ledger) Length() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.entries)
}

// Verify checks the integrity of the entire journal chain.
func (l *Ledger) Verify() error {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return VerifyEntries(l.entries)
}

// VerifyEntries checks a journal exported with Entries.
func VerifyEntries(entries []Entry) error {
	prev := genesisHash
	for i, e := range entries {
		if e.Sequence != uint64(i)+1 {
			return &ChainError{Sequence: e.Sequence, Reason: fmt.Sprintf("expected sequence %d", i+1)}
		}
		if e.PrevHash != prev {
			return &ChainError{Sequence: e.Sequence, Reason: fmt.Sprintf("expected prev %s, got %s", prev, e.PrevHash)}
		}
		computed, err := contentHash(e)
		if err != nil {
			return &ChainError{Sequence: e.Sequence, Reason: err.Error()}
		}
		if computed != e.ContentHash {
			return &ChainError{Sequence: e.Sequence, Reason: "hash mismatch"}
		}
		prev = e.ContentHash
	}
	return nil
}

func (l *Ledger) debit(account, asset string, amount int64) error {
	have := l.balances[account][asset]
	if have < amount {
		return fmt.Errorf("%w: %s has %d %s, needs %d", ErrInsufficientFunds, account, have, asset, amount)
	}
	l.balances[account][asset] = have - amount
	return nil
}

func (l *Ledger) credit(account, asset string, amount int64) {
	byAsset, ok := l.balances[account]
	if !ok {
		byAsset = make(map[string]int64)
		l.balances[account] = byAsset
	}
	byAsset[asset] += amount
}

// append must be called with l.mu held.
func (l *Ledger) append(e Entry) (Entry, error) {
	e.Sequence = uint64(len(l.entries)) + 1
	e.TxID = "ltx_" + uuid.Must(uuid.NewV7()).String()
	e.PrevHash = l.headHash
	e.Timestamp = l.clock.Now()
	h, err := contentHash(e)
	if err != nil {
		return Entry{}, err
	}
	e.ContentHash = h
	l.entries = append(l.entries, e)
	l.headHash = h
	return e, nil
}

func contentHash(e Entry) (string, error) {
	e.ContentHash = ""
	h, err := canonicalize.CanonicalHash(e)
	if err != nil {
		return "", fmt.Errorf("ledger: hash entry %d: %w", e.Sequence, err)
	}
	return "sha256:" + h, nil
}
