package gate

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openibank/openibank-sub001/pkg/clock"
	"github.com/openibank/openibank-sub001/pkg/worldline"
)

const testRun = "run-gate"

func newTestGate(t *testing.T, opts ...Option) (*Gate, *worldline.WorldLine) {
	t.Helper()
	wl := worldline.NewMemory()
	g, err := New(wl, testRun, opts...)
	require.NoError(t, err)
	return g, wl
}

func events(t *testing.T, wl *worldline.WorldLine) []*worldline.Event {
	t.Helper()
	evs, err := wl.ExportSlice(context.Background(), testRun, "", "")
	require.NoError(t, err)
	return evs
}

func TestPrepare_RecordsIntent(t *testing.T) {
	fake := clock.NewFake(time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC))
	g, wl := newTestGate(t, WithClock(fake))

	h, err := g.Prepare(context.Background(), "buyer-1", "pay seller", "abc123")
	require.NoError(t, err)

	assert.Regexp(t, `^cmt_[0-9a-f-]{36}$`, h.CommitmentID())
	assert.Equal(t, "buyer-1", h.AgentID())
	assert.Equal(t, "abc123", h.IntentHash())
	assert.Equal(t, fake.Now().Add(DefaultTTL), h.ExpiresAt())
	assert.Equal(t, 1, g.PendingCount())

	evs := events(t, wl)
	require.Len(t, evs, 1)
	assert.Equal(t, worldline.EventIntent, evs[0].Type)
	var p IntentPayload
	require.NoError(t, evs[0].DecodePayload(&p))
	assert.Equal(t, h.CommitmentID(), p.CommitmentID)
	assert.Equal(t, "pay seller", p.Description)
	assert.Equal(t, "abc123", p.IntentHash)
	assert.True(t, p.ExpiresAt.Equal(h.ExpiresAt()))
}

func TestExecuteCommitted_Success(t *testing.T) {
	g, wl := newTestGate(t)
	ctx := context.Background()
	h, err := g.Prepare(ctx, "buyer-1", "pay", "h1")
	require.NoError(t, err)

	calls := 0
	out, proof, err := g.ExecuteCommitted(ctx, h, func(context.Context) (any, error) {
		calls++
		return map[string]int64{"amount": 1000}, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
	assert.Equal(t, map[string]int64{"amount": 1000}, out)
	assert.Equal(t, h.CommitmentID(), proof.CommitmentID())
	assert.Equal(t, 0, g.PendingCount())

	evs := events(t, wl)
	require.Len(t, evs, 2)
	assert.Equal(t, worldline.EventConsequence, evs[1].Type)
	assert.Equal(t, evs[1].ID, proof.WorldLineEventID())
	assert.Equal(t, evs[1].Hash, proof.EventHash())
	assert.True(t, evs[1].Timestamp.Equal(proof.ExecutedAt()))

	var p ConsequencePayload
	require.NoError(t, evs[1].DecodePayload(&p))
	assert.Equal(t, h.CommitmentID(), p.CommitmentID)
	assert.JSONEq(t, `{"amount":1000}`, string(p.Outcome))

	state, err := g.State(h)
	require.NoError(t, err)
	assert.Equal(t, StateDone, state)
}

func TestExecuteCommitted_SingleUse(t *testing.T) {
	g, wl := newTestGate(t)
	ctx := context.Background()
	h, err := g.Prepare(ctx, "buyer-1", "pay", "h1")
	require.NoError(t, err)

	ok := func(context.Context) (any, error) { return "ok", nil }
	_, _, err = g.ExecuteCommitted(ctx, h, ok)
	require.NoError(t, err)

	_, _, err = g.ExecuteCommitted(ctx, h, ok)
	assert.ErrorIs(t, err, ErrNoCommitment)
	assert.Len(t, events(t, wl), 2)
}

func TestExecuteCommitted_ActionFailure(t *testing.T) {
	g, wl := newTestGate(t)
	ctx := context.Background()
	h, err := g.Prepare(ctx, "buyer-1", "pay", "h1")
	require.NoError(t, err)

	boom := errors.New("insufficient funds")
	_, proof, err := g.ExecuteCommitted(ctx, h, func(context.Context) (any, error) { return nil, boom })
	assert.Nil(t, proof)

	var afe *ActionFailedError
	require.ErrorAs(t, err, &afe)
	assert.Equal(t, h.CommitmentID(), afe.CommitmentID)
	assert.ErrorIs(t, err, boom)

	evs := events(t, wl)
	require.Len(t, evs, 2)
	assert.Equal(t, worldline.EventError, evs[1].Type)
	var p ErrorPayload
	require.NoError(t, evs[1].DecodePayload(&p))
	assert.Equal(t, "insufficient funds", p.Reason)

	// Consumed: no retry.
	_, _, err = g.ExecuteCommitted(ctx, h, func(context.Context) (any, error) { return "ok", nil })
	assert.ErrorIs(t, err, ErrNoCommitment)
}

func TestExecuteCommitted_RejectsForgedHandle(t *testing.T) {
	g, _ := newTestGate(t)
	other, _ := newTestGate(t)
	ctx := context.Background()

	foreign, err := other.Prepare(ctx, "buyer-1", "pay", "h1")
	require.NoError(t, err)

	run := func(context.Context) (any, error) { t.Fatal("action must not run"); return nil, nil }
	_, _, err = g.ExecuteCommitted(ctx, &Handle{}, run)
	assert.ErrorIs(t, err, ErrNoCommitment)
	_, _, err = g.ExecuteCommitted(ctx, nil, run)
	assert.ErrorIs(t, err, ErrNoCommitment)
	_, _, err = g.ExecuteCommitted(ctx, foreign, run)
	assert.ErrorIs(t, err, ErrNoCommitment)

	mine, err := g.Prepare(ctx, "buyer-1", "pay", "h1")
	require.NoError(t, err)
	tampered := *mine
	tampered.nonce[0] ^= 0xff
	_, _, err = g.ExecuteCommitted(ctx, &tampered, run)
	assert.ErrorIs(t, err, ErrNoCommitment)
}

func TestExecuteCommitted_Expired(t *testing.T) {
	fake := clock.NewFake(time.Now())
	g, wl := newTestGate(t, WithClock(fake), WithTTL(time.Minute))
	ctx := context.Background()
	h, err := g.Prepare(ctx, "buyer-1", "pay", "h1")
	require.NoError(t, err)

	fake.Advance(time.Minute)
	_, _, err = g.ExecuteCommitted(ctx, h, func(context.Context) (any, error) { return "ok", nil })
	assert.ErrorIs(t, err, ErrHandleExpired)
	_, _, err = g.ExecuteCommitted(ctx, h, func(context.Context) (any, error) { return "ok", nil })
	assert.ErrorIs(t, err, ErrHandleExpired)

	evs := events(t, wl)
	require.Len(t, evs, 2)
	var p ErrorPayload
	require.NoError(t, evs[1].DecodePayload(&p))
	assert.Equal(t, ReasonExpired, p.Reason)
}

func TestExecuteCommitted_CancelledBeforeStart(t *testing.T) {
	g, wl := newTestGate(t)
	h, err := g.Prepare(context.Background(), "buyer-1", "pay", "h1")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, _, err = g.ExecuteCommitted(ctx, h, func(context.Context) (any, error) { return "ok", nil })
	assert.ErrorIs(t, err, context.Canceled)

	evs := events(t, wl)
	require.Len(t, evs, 2)
	var p ErrorPayload
	require.NoError(t, evs[1].DecodePayload(&p))
	assert.Equal(t, ReasonCancelled, p.Reason)
}

func TestExecuteCommitted_CancelledMidActionStillRecords(t *testing.T) {
	g, wl := newTestGate(t)
	h, err := g.Prepare(context.Background(), "buyer-1", "pay", "h1")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	_, _, err = g.ExecuteCommitted(ctx, h, func(context.Context) (any, error) {
		cancel()
		return "done", nil
	})
	require.NoError(t, err)
	evs := events(t, wl)
	require.Len(t, evs, 2)
	assert.Equal(t, worldline.EventConsequence, evs[1].Type)
}

func TestExecuteCommitted_ConcurrentCallersRunOnce(t *testing.T) {
	g, wl := newTestGate(t)
	ctx := context.Background()
	h, err := g.Prepare(ctx, "buyer-1", "pay", "h1")
	require.NoError(t, err)

	var runs atomic.Int32
	release := make(chan struct{})
	var wg sync.WaitGroup
	errs := make([]error, 8)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, _, errs[i] = g.ExecuteCommitted(ctx, h, func(context.Context) (any, error) {
				runs.Add(1)
				<-release
				return "ok", nil
			})
		}(i)
	}
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), runs.Load())
	succeeded := 0
	for _, err := range errs {
		if err == nil {
			succeeded++
			continue
		}
		assert.True(t, errors.Is(err, ErrHandleInUse) || errors.Is(err, ErrNoCommitment), err)
	}
	assert.Equal(t, 1, succeeded)
	assert.Len(t, events(t, wl), 2)
}

func TestFail_Idempotent(t *testing.T) {
	g, wl := newTestGate(t)
	ctx := context.Background()
	h, err := g.Prepare(ctx, "buyer-1", "pay", "h1")
	require.NoError(t, err)

	require.NoError(t, g.Fail(ctx, h, "operator abort"))
	require.NoError(t, g.Fail(ctx, h, "operator abort"))
	assert.Equal(t, 0, g.PendingCount())

	evs := events(t, wl)
	require.Len(t, evs, 2)
	assert.Equal(t, worldline.EventError, evs[1].Type)

	_, _, err = g.ExecuteCommitted(ctx, h, func(context.Context) (any, error) { return "ok", nil })
	assert.ErrorIs(t, err, ErrNoCommitment)

	// Fail after success is a no-op.
	h2, err := g.Prepare(ctx, "buyer-1", "pay", "h2")
	require.NoError(t, err)
	_, _, err = g.ExecuteCommitted(ctx, h2, func(context.Context) (any, error) { return "ok", nil })
	require.NoError(t, err)
	require.NoError(t, g.Fail(ctx, h2, "late"))
	assert.Len(t, events(t, wl), 4)
}

func TestSweep(t *testing.T) {
	fake := clock.NewFake(time.Now())
	g, wl := newTestGate(t, WithClock(fake), WithTTL(time.Minute))
	ctx := context.Background()

	old, err := g.Prepare(ctx, "buyer-1", "old", "h1")
	require.NoError(t, err)
	fake.Advance(30 * time.Second)
	fresh, err := g.Prepare(ctx, "buyer-1", "fresh", "h2")
	require.NoError(t, err)
	fake.Advance(31 * time.Second)

	assert.Equal(t, 1, g.Sweep(ctx))
	assert.Equal(t, 1, g.PendingCount())
	state, err := g.State(old)
	require.NoError(t, err)
	assert.Equal(t, StateExpired, state)
	state, err = g.State(fresh)
	require.NoError(t, err)
	assert.Equal(t, StatePending, state)
	assert.Len(t, events(t, wl), 3)

	// Terminal handles are forgotten one TTL after expiry.
	fake.Advance(3 * time.Minute)
	g.Sweep(ctx)
	_, err = g.State(old)
	assert.ErrorIs(t, err, ErrNoCommitment)
}

func TestConsequenceAlwaysPairedWithIntent(t *testing.T) {
	g, wl := newTestGate(t)
	ctx := context.Background()
	for i := 0; i < 10; i++ {
		h, err := g.Prepare(ctx, "buyer-1", "pay", "h")
		require.NoError(t, err)
		switch i % 3 {
		case 0:
			_, _, err = g.ExecuteCommitted(ctx, h, func(context.Context) (any, error) { return i, nil })
			require.NoError(t, err)
		case 1:
			_, _, _ = g.ExecuteCommitted(ctx, h, func(context.Context) (any, error) { return nil, errors.New("x") })
		case 2:
			require.NoError(t, g.Fail(ctx, h, "abort"))
		}
	}

	intents := map[string]bool{}
	resolved := map[string]int{}
	for _, ev := range events(t, wl) {
		var p struct {
			CommitmentID string `json:"commitment_id"`
		}
		require.NoError(t, ev.DecodePayload(&p))
		switch ev.Type {
		case worldline.EventIntent:
			intents[p.CommitmentID] = true
		case worldline.EventConsequence, worldline.EventError:
			assert.True(t, intents[p.CommitmentID], "resolution before intent")
			resolved[p.CommitmentID]++
		}
	}
	assert.Len(t, resolved, 10)
	for id, n := range resolved {
		assert.Equal(t, 1, n, id)
	}
}

func TestNew_Validates(t *testing.T) {
	_, err := New(nil, testRun)
	assert.Error(t, err)
	_, err = New(worldline.NewMemory(), "bad run id!")
	assert.Error(t, err)
}

func TestRunSweeper_StopsOnCancel(t *testing.T) {
	g, _ := newTestGate(t)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		g.RunSweeper(ctx, time.Millisecond)
		close(done)
	}()
	time.Sleep(5 * time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("sweeper did not stop")
	}
}

// SQL stores honor ctx, unlike MemoryStore, so terminal writes are checked here
// against a store that would reject a cancelled context.
func newSQLiteGate(t *testing.T, opts ...Option) (*Gate, *worldline.WorldLine) {
	t.Helper()
	store, err := worldline.OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "worldline.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	wl := worldline.New(store)
	g, err := New(wl, testRun, opts...)
	require.NoError(t, err)
	return g, wl
}

func requireTerminalError(t *testing.T, wl *worldline.WorldLine, h *Handle) ErrorPayload {
	t.Helper()
	evs := events(t, wl)
	require.Len(t, evs, 2)
	assert.Equal(t, worldline.EventIntent, evs[0].Type)
	require.Equal(t, worldline.EventError, evs[1].Type)
	var p ErrorPayload
	require.NoError(t, evs[1].DecodePayload(&p))
	assert.Equal(t, h.CommitmentID(), p.CommitmentID)
	return p
}

func TestExecuteCommitted_CancelledRecordsErrorOnSQLStore(t *testing.T) {
	g, wl := newSQLiteGate(t)
	h, err := g.Prepare(context.Background(), "buyer-1", "pay", "h1")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	ran := false
	_, _, err = g.ExecuteCommitted(ctx, h, func(context.Context) (any, error) {
		ran = true
		return "ok", nil
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, ran)

	p := requireTerminalError(t, wl, h)
	assert.Equal(t, ReasonCancelled, p.Reason)

	// Already terminal: neither Fail nor Sweep adds a second event.
	require.NoError(t, g.Fail(ctx, h, ReasonCancelled))
	assert.Zero(t, g.Sweep(context.Background()))
	assert.Len(t, events(t, wl), 2)
}

func TestExecuteCommitted_ExpiredRecordsErrorOnSQLStore(t *testing.T) {
	fake := clock.NewFake(time.Now())
	g, wl := newSQLiteGate(t, WithClock(fake), WithTTL(time.Minute))
	h, err := g.Prepare(context.Background(), "buyer-1", "pay", "h1")
	require.NoError(t, err)
	fake.Advance(time.Minute)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, _, err = g.ExecuteCommitted(ctx, h, func(context.Context) (any, error) { return "ok", nil })
	assert.ErrorIs(t, err, ErrHandleExpired)

	p := requireTerminalError(t, wl, h)
	assert.Equal(t, ReasonExpired, p.Reason)
	state, err := g.State(h)
	require.NoError(t, err)
	assert.Equal(t, StateExpired, state)
}

func TestSweep_RecordsErrorWithCancelledContext(t *testing.T) {
	fake := clock.NewFake(time.Now())
	g, wl := newSQLiteGate(t, WithClock(fake), WithTTL(time.Minute))
	h, err := g.Prepare(context.Background(), "buyer-1", "pay", "h1")
	require.NoError(t, err)
	fake.Advance(2 * time.Minute)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.Equal(t, 1, g.Sweep(ctx))

	p := requireTerminalError(t, wl, h)
	assert.Equal(t, ReasonExpired, p.Reason)
}

// consequenceRejectingStore fails every Consequence append and passes the rest
// through.
type consequenceRejectingStore struct {
	worldline.Store
}

func (s consequenceRejectingStore) Append(ctx context.Context, ev *worldline.Event) error {
	if ev.Type == worldline.EventConsequence {
		return errors.New("disk full")
	}
	return s.Store.Append(ctx, ev)
}

func TestExecuteCommitted_ConsequenceNotRecordedEndsWithError(t *testing.T) {
	wl := worldline.New(consequenceRejectingStore{Store: worldline.NewMemoryStore()})
	g, err := New(wl, testRun)
	require.NoError(t, err)
	ctx := context.Background()
	h, err := g.Prepare(ctx, "buyer-1", "pay", "h1")
	require.NoError(t, err)

	calls := 0
	out, proof, err := g.ExecuteCommitted(ctx, h, func(context.Context) (any, error) {
		calls++
		return "paid", nil
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk full")
	assert.Nil(t, out)
	assert.Nil(t, proof)
	assert.Equal(t, 1, calls)

	state, err := g.State(h)
	require.NoError(t, err)
	assert.Equal(t, StateFailed, state)

	p := requireTerminalError(t, wl, h)
	assert.True(t, strings.HasPrefix(p.Reason, ReasonConsequenceLost), p.Reason)
	assert.Contains(t, p.Reason, "disk full")

	require.NoError(t, g.Fail(ctx, h, "late"))
	assert.Len(t, events(t, wl), 2)
}
