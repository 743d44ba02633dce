// Package ledger implements the balance ledger's update contract on top of
// a store transaction: find-or-create credit/debit with sufficiency checks
// applied before any mutation. Callers compose these inside one transaction
// so counter-party mutations and audit records commit atomically.
//
// Conservation invariant: across any closed set of operations, total cash
// created is zero except for explicit fee transfers to the treasury. Every
// user cash delta here is mirrored by an AMM-account or counter-party delta
// in the same transaction.
package ledger

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/predictlab/market-core/internal/model"
	"github.com/predictlab/market-core/internal/store"
	"github.com/predictlab/market-core/internal/token"
)

// Credit applies amount += delta to the (user, token) row, creating it
// lazily. Negative deltas are sufficiency-checked first: no account is
// allowed to go negative.
func Credit(ctx context.Context, tx store.Tx, userID, symbol, eventID, outcomeID string, delta decimal.Decimal) error {
	if delta.IsNegative() {
		if err := EnsureSufficient(ctx, tx, userID, symbol, delta.Neg()); err != nil {
			return err
		}
	}
	if err := tx.ApplyBalanceDelta(ctx, userID, symbol, eventID, outcomeID, delta); err != nil {
		return fmt.Errorf("credit %s %s to %s: %w", delta, symbol, userID, err)
	}
	return nil
}

// Debit removes a positive amount from the (user, token) row after a
// sufficiency check.
func Debit(ctx context.Context, tx store.Tx, userID, symbol, eventID, outcomeID string, amount decimal.Decimal) error {
	return Credit(ctx, tx, userID, symbol, eventID, outcomeID, amount.Neg())
}

// EnsureSufficient fails with InsufficientBalanceError before any mutation
// when the (user, token) balance is below required.
func EnsureSufficient(ctx context.Context, tx store.Tx, userID, symbol string, required decimal.Decimal) error {
	available, err := tx.Balance(ctx, userID, symbol)
	if err != nil {
		return err
	}
	if available.LessThan(required) {
		return &model.InsufficientBalanceError{
			Asset:     symbol,
			Available: available,
			Required:  required,
		}
	}
	return nil
}

// TransferCash moves cash between two accounts atomically within the
// transaction: debit from, credit to.
func TransferCash(ctx context.Context, tx store.Tx, from, to string, amount decimal.Decimal) error {
	if err := Debit(ctx, tx, from, token.Cash, "", "", amount); err != nil {
		return err
	}
	return Credit(ctx, tx, to, token.Cash, "", "", amount)
}

// TransferShares moves share tokens between two users atomically within
// the transaction.
func TransferShares(ctx context.Context, tx store.Tx, from, to, symbol, eventID, outcomeID string, amount decimal.Decimal) error {
	if err := Debit(ctx, tx, from, symbol, eventID, outcomeID, amount); err != nil {
		return err
	}
	return Credit(ctx, tx, to, symbol, eventID, outcomeID, amount)
}
