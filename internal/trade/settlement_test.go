package trade

import (
	"context"
	"errors"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/predictlab/market-core/internal/hedge"
	"github.com/predictlab/market-core/internal/model"
	"github.com/predictlab/market-core/internal/risk"
	"github.com/predictlab/market-core/internal/store"
	"github.com/predictlab/market-core/internal/token"
)

func TestResolveMarket_PayoutsAndFees(t *testing.T) {
	e, ms := newTestEngine(t)
	seedBinaryEvent(t, ms, "ev1", 100)
	ctx := context.Background()

	// Positions: alice 150 YES, bob 50 YES, carol 130 NO. The AMM account
	// carries the cash collected while the positions were built.
	grant(t, ms, "alice", "YES_ev1", "ev1", d(150))
	grant(t, ms, "bob", "YES_ev1", "ev1", d(50))
	grant(t, ms, "carol", "NO_ev1", "ev1", d(130))
	grant(t, ms, token.AMMAccount("ev1"), token.Cash, "", d(160))

	result, err := e.ResolveMarket(ctx, "ev1", model.Target{Kind: model.TargetYes})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// 200 shares pay out $1 each, 2% fee withheld.
	if result.SettledCount != 2 {
		t.Errorf("expected 2 settled holders, got %d", result.SettledCount)
	}
	if !result.TotalPayout.Equal(d(200)) {
		t.Errorf("expected gross payout 200, got %s", result.TotalPayout)
	}
	if !result.TotalFees.Equal(d(4)) {
		t.Errorf("expected fees 4, got %s", result.TotalFees)
	}

	if got := mustBalance(t, ms, "alice", token.Cash); !got.Equal(d(147)) {
		t.Errorf("expected alice 147, got %s", got)
	}
	if got := mustBalance(t, ms, "bob", token.Cash); !got.Equal(d(49)) {
		t.Errorf("expected bob 49, got %s", got)
	}
	if got := mustBalance(t, ms, token.Treasury, token.Cash); !got.Equal(d(4)) {
		t.Errorf("expected treasury 4, got %s", got)
	}

	// Winning balances are burned, losing balances just become worthless.
	if got := mustBalance(t, ms, "alice", "YES_ev1"); !got.IsZero() {
		t.Errorf("winning shares must be zeroed, got %s", got)
	}
	if got := mustBalance(t, ms, "carol", "NO_ev1"); !got.Equal(d(130)) {
		t.Errorf("losing shares stay on the books, got %s", got)
	}
	if got := mustBalance(t, ms, "carol", token.Cash); !got.IsZero() {
		t.Errorf("losers receive nothing, got %s", got)
	}

	// The AMM absorbed the payout: 160 collected minus 200 paid. The
	// deficit is the bounded market-maker subsidy.
	if got := mustBalance(t, ms, token.AMMAccount("ev1"), token.Cash); !got.Equal(d(-40)) {
		t.Errorf("expected AMM -40, got %s", got)
	}

	ev, _ := ms.GetEvent(ctx, "ev1")
	if ev.Status != model.EventResolved {
		t.Errorf("expected resolved status, got %s", ev.Status)
	}
	if ev.WinningToken != "YES_ev1" {
		t.Errorf("expected winning token YES_ev1, got %s", ev.WinningToken)
	}
}

func TestResolveMarket_Idempotent(t *testing.T) {
	e, ms := newTestEngine(t)
	seedBinaryEvent(t, ms, "ev1", 100)
	grant(t, ms, "alice", "YES_ev1", "ev1", d(100))
	ctx := context.Background()

	if _, err := e.ResolveMarket(ctx, "ev1", model.Target{Kind: model.TargetYes}); err != nil {
		t.Fatalf("first resolve failed: %v", err)
	}
	cashAfterFirst := mustBalance(t, ms, "alice", token.Cash)

	_, err := e.ResolveMarket(ctx, "ev1", model.Target{Kind: model.TargetYes})
	if !errors.Is(err, model.ErrAlreadyResolved) {
		t.Fatalf("expected ErrAlreadyResolved, got %v", err)
	}
	if got := mustBalance(t, ms, "alice", token.Cash); !got.Equal(cashAfterFirst) {
		t.Errorf("repeat resolution must not double pay: %s vs %s", got, cashAfterFirst)
	}
}

func TestResolveMarket_NotFound(t *testing.T) {
	e, _ := newTestEngine(t)
	_, err := e.ResolveMarket(context.Background(), "missing", model.Target{Kind: model.TargetYes})
	if !errors.Is(err, model.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestResolveMarket_InvalidTargetForEventType(t *testing.T) {
	e, ms := newTestEngine(t)
	seedBinaryEvent(t, ms, "ev1", 100)

	_, err := e.ResolveMarket(context.Background(), "ev1",
		model.Target{Kind: model.TargetOutcome, OutcomeID: "oc-a"})
	if !errors.Is(err, model.ErrInvalidInput) {
		t.Errorf("expected ErrInvalidInput, got %v", err)
	}

	ev, _ := ms.GetEvent(context.Background(), "ev1")
	if ev.Status != model.EventActive {
		t.Errorf("rejected resolution must leave the event active, got %s", ev.Status)
	}
}

func TestResolveMarket_HedgeFailureDoesNotBlockPayouts(t *testing.T) {
	ms := store.NewMemoryStore()
	limiter := risk.NewExposureLimiter(ms, d(1_000_000), d(10_000_000))
	recorder := &hedge.Recorder{Err: errors.New("exchange unreachable")}
	e := NewEngine(ms, limiter, recorder, d(0.02))

	seedBinaryEvent(t, ms, "ev1", 100)
	grant(t, ms, "alice", "YES_ev1", "ev1", d(100))

	result, err := e.ResolveMarket(context.Background(), "ev1", model.Target{Kind: model.TargetYes})
	if err != nil {
		t.Fatalf("hedge failure must not block resolution: %v", err)
	}
	if result.SettledCount != 1 {
		t.Errorf("expected 1 settled holder, got %d", result.SettledCount)
	}
	if calls := recorder.Calls(); len(calls) != 1 || calls[0] != "ev1" {
		t.Errorf("expected one hedge call for ev1, got %v", calls)
	}
	if got := mustBalance(t, ms, "alice", token.Cash); !got.Equal(d(98)) {
		t.Errorf("expected payout 98 after fee, got %s", got)
	}
}

func TestResolveMarket_ChunkedSweep(t *testing.T) {
	e, ms := newTestEngine(t)
	e.sweepBatch = 1 // force one holder per transaction
	seedBinaryEvent(t, ms, "ev1", 100)
	ctx := context.Background()

	holders := []string{"u1", "u2", "u3"}
	for _, u := range holders {
		grant(t, ms, u, "YES_ev1", "ev1", d(10))
	}

	result, err := e.ResolveMarket(ctx, "ev1", model.Target{Kind: model.TargetYes})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.SettledCount != 3 {
		t.Errorf("expected 3 settled across batches, got %d", result.SettledCount)
	}
	for _, u := range holders {
		if got := mustBalance(t, ms, u, token.Cash); !got.Equal(d(9.8)) {
			t.Errorf("expected %s paid 9.8, got %s", u, got)
		}
		if got := mustBalance(t, ms, u, "YES_ev1"); !got.IsZero() {
			t.Errorf("expected %s shares burned, got %s", u, got)
		}
	}
	ev, _ := ms.GetEvent(ctx, "ev1")
	if ev.Status != model.EventResolved {
		t.Errorf("expected resolved after final batch, got %s", ev.Status)
	}
}

func TestResolveMarket_MultiOutcome(t *testing.T) {
	e, ms := newTestEngine(t)
	seedMultiEvent(t, ms, "ev1", 100, "oc-a", "oc-b")
	ctx := context.Background()

	grant(t, ms, "alice", "oc-a", "ev1", d(40))
	grant(t, ms, "bob", "oc-b", "ev1", d(60))

	result, err := e.ResolveMarket(ctx, "ev1",
		model.Target{Kind: model.TargetOutcome, OutcomeID: "oc-b"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.SettledCount != 1 || !result.TotalPayout.Equal(d(60)) {
		t.Errorf("expected bob's 60 paid, got %+v", result)
	}
	if got := mustBalance(t, ms, "bob", token.Cash); !got.Equal(d(58.8)) {
		t.Errorf("expected bob 58.8 after fee, got %s", got)
	}
	if got := mustBalance(t, ms, "alice", token.Cash); !got.IsZero() {
		t.Errorf("losing outcome pays nothing, got %s", got)
	}

	ev, _ := ms.GetEvent(ctx, "ev1")
	if ev.WinningToken != "oc-b" {
		t.Errorf("expected winning token oc-b, got %s", ev.WinningToken)
	}
}

func TestResolveMarket_UnknownOutcome(t *testing.T) {
	e, ms := newTestEngine(t)
	seedMultiEvent(t, ms, "ev1", 100, "oc-a", "oc-b")

	_, err := e.ResolveMarket(context.Background(), "ev1",
		model.Target{Kind: model.TargetOutcome, OutcomeID: "oc-z"})
	if !errors.Is(err, model.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

// statusHedge records the event status observed at hedge-settlement time.
type statusHedge struct {
	ms       *store.MemoryStore
	observed model.EventStatus
}

func (s *statusHedge) SettleEventHedges(ctx context.Context, eventID string, _ model.Target) (hedge.Result, error) {
	ev, err := s.ms.GetEvent(ctx, eventID)
	if err != nil {
		return hedge.Result{}, err
	}
	s.observed = ev.Status
	return hedge.Result{TotalPnL: decimal.Zero}, nil
}

// beginResolution flips an event to resolving directly, as if a prior
// resolution attempt was interrupted after winning the transition.
func beginResolution(t *testing.T, ms *store.MemoryStore, eventID, winningToken string) {
	t.Helper()
	err := ms.WithTx(context.Background(), func(tx store.Tx) error {
		return tx.BeginResolution(context.Background(), eventID, winningToken)
	})
	if err != nil {
		t.Fatalf("failed to begin resolution: %v", err)
	}
}

func TestResolveMarket_TradingClosesBeforeFirstPayout(t *testing.T) {
	e, ms := newTestEngine(t)
	seedBinaryEvent(t, ms, "ev1", 100)
	grant(t, ms, "alice", token.Cash, "", d(100))
	beginResolution(t, ms, "ev1", "YES_ev1")

	// A mid-sweep buy of the winning token must be rejected, or it would be
	// swept in a later chunk at the market maker's expense.
	_, err := e.ExecuteTrade(context.Background(), TradeRequest{
		UserID:  "alice",
		EventID: "ev1",
		Side:    model.SideBuy,
		Target:  model.Target{Kind: model.TargetYes},
		Amount:  d(10),
	})
	if !errors.Is(err, model.ErrTradingClosed) {
		t.Errorf("expected ErrTradingClosed while resolving, got %v", err)
	}
	if got := mustBalance(t, ms, "alice", token.Cash); !got.Equal(d(100)) {
		t.Errorf("rejected trade must leave cash untouched, got %s", got)
	}
}

func TestResolveMarket_HedgesSettleAfterTradingCloses(t *testing.T) {
	ms := store.NewMemoryStore()
	limiter := risk.NewExposureLimiter(ms, d(1_000_000), d(10_000_000))
	sh := &statusHedge{ms: ms}
	e := NewEngine(ms, limiter, sh, d(0.02))

	seedBinaryEvent(t, ms, "ev1", 100)
	grant(t, ms, "alice", "YES_ev1", "ev1", d(100))

	if _, err := e.ResolveMarket(context.Background(), "ev1", model.Target{Kind: model.TargetYes}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if sh.observed != model.EventResolving {
		t.Errorf("hedges must settle after the resolving transition, observed %q", sh.observed)
	}
}

func TestResolveMarket_ResumeSkipsHedges(t *testing.T) {
	ms := store.NewMemoryStore()
	limiter := risk.NewExposureLimiter(ms, d(1_000_000), d(10_000_000))
	recorder := &hedge.Recorder{}
	e := NewEngine(ms, limiter, recorder, d(0.02))

	seedBinaryEvent(t, ms, "ev1", 100)
	grant(t, ms, "alice", "YES_ev1", "ev1", d(100))
	beginResolution(t, ms, "ev1", "YES_ev1")

	result, err := e.ResolveMarket(context.Background(), "ev1", model.Target{Kind: model.TargetYes})
	if err != nil {
		t.Fatalf("resume must complete the sweep: %v", err)
	}
	if result.SettledCount != 1 || !result.TotalPayout.Equal(d(100)) {
		t.Errorf("expected the unpaid holder swept, got %+v", result)
	}
	if calls := recorder.Calls(); len(calls) != 0 {
		t.Errorf("resume must not settle hedges again, got %v", calls)
	}

	ev, _ := ms.GetEvent(context.Background(), "ev1")
	if ev.Status != model.EventResolved {
		t.Errorf("expected resolved after resume, got %s", ev.Status)
	}
}

func TestResolveMarket_ResumeWinnerMismatch(t *testing.T) {
	e, ms := newTestEngine(t)
	seedBinaryEvent(t, ms, "ev1", 100)
	beginResolution(t, ms, "ev1", "YES_ev1")

	_, err := e.ResolveMarket(context.Background(), "ev1", model.Target{Kind: model.TargetNo})
	if !errors.Is(err, model.ErrInvalidInput) {
		t.Errorf("expected ErrInvalidInput on conflicting winner, got %v", err)
	}
}
