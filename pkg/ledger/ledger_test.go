package ledger

import (
	"errors"
	"testing"
	"time"

	"github.com/openibank/openibank-sub001/pkg/clock"
)

func funded(t *testing.T, account string, amount int64) *Ledger {
	t.Helper()
	l := New()
	if _, err := l.Mint(account, "IUSD", amount); err != nil {
		t.Fatal(err)
	}
	return l
}

func TestMintAndTransfer(t *testing.T) {
	l := funded(t, "buyer", 5000)
	e, err := l.Transfer("buyer", "seller", "IUSD", 1000)
	if err != nil {
		t.Fatal(err)
	}
	if e.Sequence != 2 || e.Kind != EntryTransfer {
		t.Fatalf("unexpected entry %+v", e)
	}
	if got := l.Balance("buyer", "IUSD"); got != 4000 {
		t.Fatalf("buyer balance = %d, want 4000", got)
	}
	if got := l.Balance("seller", "IUSD"); got != 1000 {
		t.Fatalf("seller balance = %d, want 1000", got)
	}
	if l.Supply("IUSD") != 5000 {
		t.Fatalf("supply changed: %d", l.Supply("IUSD"))
	}
}

func TestTransferRejects(t *testing.T) {
	l := funded(t, "buyer", 100)
	if _, err := l.Transfer("buyer", "seller", "IUSD", 101); !errors.Is(err, ErrInsufficientFunds) {
		t.Fatalf("expected insufficient funds, got %v", err)
	}
	if _, err := l.Transfer("buyer", "seller", "IUSD", 0); !errors.Is(err, ErrInvalidAmount) {
		t.Fatalf("expected invalid amount, got %v", err)
	}
	if _, err := l.Transfer("buyer", "buyer", "IUSD", 1); !errors.Is(err, ErrSameAccount) {
		t.Fatalf("expected same account, got %v", err)
	}
	if _, err := l.Transfer("buyer", "seller", "EUR", 1); !errors.Is(err, ErrInsufficientFunds) {
		t.Fatalf("expected insufficient funds in other asset, got %v", err)
	}
	if l.Length() != 1 {
		t.Fatalf("rejected transfers must not journal, length %d", l.Length())
	}
}

func TestEscrowRelease(t *testing.T) {
	l := funded(t, "buyer", 1000)
	esc, _, err := l.OpenEscrow("buyer", "seller", "IUSD", 600)
	if err != nil {
		t.Fatal(err)
	}
	if l.Balance("buyer", "IUSD") != 400 || l.Supply("IUSD") != 1000 {
		t.Fatal("escrow must hold funds outside balances without changing supply")
	}
	e, err := l.ReleaseEscrow(esc.ID)
	if err != nil {
		t.Fatal(err)
	}
	if e.Kind != EntryEscrowRelease || e.Amount != 600 {
		t.Fatalf("unexpected entry %+v", e)
	}
	if l.Balance("seller", "IUSD") != 600 {
		t.Fatalf("seller balance = %d", l.Balance("seller", "IUSD"))
	}
	if _, err := l.RefundEscrow(esc.ID); !errors.Is(err, ErrEscrowClosed) {
		t.Fatalf("expected closed escrow, got %v", err)
	}
	got, _ := l.Escrow(esc.ID)
	if got.State != EscrowReleased {
		t.Fatalf("state = %s", got.State)
	}
}

func TestEscrowRefundAndSplit(t *testing.T) {
	l := funded(t, "buyer", 1000)
	a, _, _ := l.OpenEscrow("buyer", "seller", "IUSD", 300)
	b, _, _ := l.OpenEscrow("buyer", "seller", "IUSD", 333)

	if _, err := l.RefundEscrow(a.ID); err != nil {
		t.Fatal(err)
	}
	e, err := l.SettleEscrow(b.ID, 50)
	if err != nil {
		t.Fatal(err)
	}
	if e.Kind != EntryEscrowSplit || e.Amount != 166 || e.Refund != 167 {
		t.Fatalf("unexpected split %+v", e)
	}
	if l.Balance("buyer", "IUSD") != 1000-333+167 || l.Balance("seller", "IUSD") != 166 {
		t.Fatal("split balances wrong")
	}
	if l.Supply("IUSD") != 1000 {
		t.Fatalf("supply = %d", l.Supply("IUSD"))
	}
	if _, err := l.SettleEscrow("esc_missing", 10); !errors.Is(err, ErrUnknownEscrow) {
		t.Fatalf("expected unknown escrow, got %v", err)
	}
}

func TestLedgerChainIntegrity(t *testing.T) {
	l := funded(t, "buyer", 1000)
	_, _ = l.Transfer("buyer", "seller", "IUSD", 10)
	esc, _, _ := l.OpenEscrow("buyer", "seller", "IUSD", 20)
	_, _ = l.ReleaseEscrow(esc.ID)

	if err := l.Verify(); err != nil {
		t.Fatalf("expected valid chain, got: %v", err)
	}

	entries := l.Entries()
	if entries[1].PrevHash != entries[0].ContentHash {
		t.Fatal("second entry prev_hash should match first content_hash")
	}
	if l.Head() != entries[len(entries)-1].ContentHash {
		t.Fatal("head should be the last content hash")
	}

	entries[1].Amount = 9
	var ce *ChainError
	if err := VerifyEntries(entries); !errors.As(err, &ce) || ce.Sequence != 2 {
		t.Fatalf("expected break at entry 2, got %v", err)
	}
	if err := l.Verify(); err != nil {
		t.Fatal("Entries must return a copy")
	}
}

func TestLedgerDeterministicHashWithFixedClock(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	l1 := New(WithClock(clock.NewFake(start)))
	l2 := New(WithClock(clock.NewFake(start)))
	e1, _ := l1.Mint("a", "IUSD", 1)
	e2, _ := l2.Mint("a", "IUSD", 1)
	if e1.TxID == e2.TxID {
		t.Fatal("tx ids must be unique")
	}
	if e1.ContentHash == e2.ContentHash {
		t.Fatal("tx id is covered by the hash")
	}
	if l1.Head() == genesisHash {
		t.Fatal("head should change after append")
	}
}

func TestAccounts(t *testing.T) {
	l := funded(t, "b", 10)
	_, _ = l.Transfer("b", "a", "IUSD", 5)
	got := l.Accounts()
	if len(got) != 2 || got[0] != "a" || got[1] != "b" {
		t.Fatalf("accounts = %v", got)
	}
}
