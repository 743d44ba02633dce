package ledger_test

import (
	"context"
	"errors"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/predictlab/market-core/internal/ledger"
	"github.com/predictlab/market-core/internal/model"
	"github.com/predictlab/market-core/internal/store"
	"github.com/predictlab/market-core/internal/token"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

func balance(t *testing.T, ms *store.MemoryStore, userID, symbol string) decimal.Decimal {
	t.Helper()
	b, err := ms.Balance(context.Background(), userID, symbol)
	if err != nil {
		t.Fatalf("balance read failed: %v", err)
	}
	return b
}

func TestCredit_CreatesRowLazily(t *testing.T) {
	ms := store.NewMemoryStore()
	err := ms.WithTx(context.Background(), func(tx store.Tx) error {
		return ledger.Credit(context.Background(), tx, "alice", token.Cash, "", "", d(100))
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := balance(t, ms, "alice", token.Cash); !got.Equal(d(100)) {
		t.Errorf("expected 100, got %s", got)
	}
}

func TestDebit_Insufficient_RollsBack(t *testing.T) {
	ms := store.NewMemoryStore()
	ctx := context.Background()
	ms.WithTx(ctx, func(tx store.Tx) error {
		return ledger.Credit(ctx, tx, "alice", token.Cash, "", "", d(50))
	})

	err := ms.WithTx(ctx, func(tx store.Tx) error {
		// First a mutation, then a failing debit: both must roll back.
		if err := ledger.Credit(ctx, tx, "bob", token.Cash, "", "", d(10)); err != nil {
			return err
		}
		return ledger.Debit(ctx, tx, "alice", token.Cash, "", "", d(100))
	})
	if !model.IsInsufficientBalance(err) {
		t.Fatalf("expected InsufficientBalanceError, got %v", err)
	}

	if got := balance(t, ms, "alice", token.Cash); !got.Equal(d(50)) {
		t.Errorf("alice must be untouched, got %s", got)
	}
	if got := balance(t, ms, "bob", token.Cash); !got.IsZero() {
		t.Errorf("bob's credit must be rolled back, got %s", got)
	}
}

func TestTransferCash_Conserves(t *testing.T) {
	ms := store.NewMemoryStore()
	ctx := context.Background()
	ms.WithTx(ctx, func(tx store.Tx) error {
		return ledger.Credit(ctx, tx, "alice", token.Cash, "", "", d(100))
	})

	err := ms.WithTx(ctx, func(tx store.Tx) error {
		return ledger.TransferCash(ctx, tx, "alice", "bob", d(30))
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	alice := balance(t, ms, "alice", token.Cash)
	bob := balance(t, ms, "bob", token.Cash)
	if !alice.Equal(d(70)) || !bob.Equal(d(30)) {
		t.Errorf("expected 70/30, got %s/%s", alice, bob)
	}
	if !alice.Add(bob).Equal(d(100)) {
		t.Errorf("transfer must conserve total, got %s", alice.Add(bob))
	}
}

func TestTransferCash_InsufficientSource(t *testing.T) {
	ms := store.NewMemoryStore()
	ctx := context.Background()

	err := ms.WithTx(ctx, func(tx store.Tx) error {
		return ledger.TransferCash(ctx, tx, "alice", "bob", d(30))
	})
	if !model.IsInsufficientBalance(err) {
		t.Fatalf("expected InsufficientBalanceError, got %v", err)
	}
	if got := balance(t, ms, "bob", token.Cash); !got.IsZero() {
		t.Errorf("no cash may appear from a failed transfer, got %s", got)
	}
}

func TestTransferShares(t *testing.T) {
	ms := store.NewMemoryStore()
	ctx := context.Background()
	ms.WithTx(ctx, func(tx store.Tx) error {
		return ledger.Credit(ctx, tx, "alice", "YES_ev1", "ev1", "", d(40))
	})

	err := ms.WithTx(ctx, func(tx store.Tx) error {
		return ledger.TransferShares(ctx, tx, "alice", "bob", "YES_ev1", "ev1", "", d(15))
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := balance(t, ms, "alice", "YES_ev1"); !got.Equal(d(25)) {
		t.Errorf("expected alice 25 shares, got %s", got)
	}
	if got := balance(t, ms, "bob", "YES_ev1"); !got.Equal(d(15)) {
		t.Errorf("expected bob 15 shares, got %s", got)
	}
}

func TestEnsureSufficient_ErrorDetails(t *testing.T) {
	ms := store.NewMemoryStore()
	ctx := context.Background()
	ms.WithTx(ctx, func(tx store.Tx) error {
		return ledger.Credit(ctx, tx, "alice", token.Cash, "", "", d(5))
	})

	var gotErr error
	ms.WithTx(ctx, func(tx store.Tx) error {
		gotErr = ledger.EnsureSufficient(ctx, tx, "alice", token.Cash, d(9))
		return gotErr
	})

	var insErr *model.InsufficientBalanceError
	if !errors.As(gotErr, &insErr) {
		t.Fatalf("expected InsufficientBalanceError, got %v", gotErr)
	}
	if insErr.Asset != token.Cash || !insErr.Available.Equal(d(5)) || !insErr.Required.Equal(d(9)) {
		t.Errorf("error details wrong: %+v", insErr)
	}
}
