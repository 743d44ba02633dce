package trade

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/shopspring/decimal"

	"github.com/predictlab/market-core/internal/lmsr"
	"github.com/predictlab/market-core/internal/metrics"
	"github.com/predictlab/market-core/internal/model"
	"github.com/predictlab/market-core/internal/store"
	"github.com/predictlab/market-core/internal/token"
)

// ResolveMarket settles an event. The event first flips active → resolving
// under the row lock, which stops trading and records the winning token.
// External hedges settle next (best effort), then a chunked payout sweep
// pays winning-token holders; the final chunk flips resolving → resolved.
// An interrupted sweep resumes on retry: the event is still resolving and
// paid balances are zeroed as they settle, so only unpaid holders remain.
func (e *Engine) ResolveMarket(ctx context.Context, eventID string, winning model.Target) (*model.SettlementResult, error) {
	ev, err := e.store.GetEvent(ctx, eventID)
	if err != nil {
		return nil, err
	}
	if ev.Status == model.EventResolved {
		return nil, model.ErrAlreadyResolved
	}
	if err := e.validateWinning(ctx, ev, winning); err != nil {
		return nil, err
	}
	winningToken := winning.TokenSymbol(eventID)

	if ev.Status == model.EventResolving {
		// Resuming an interrupted sweep. The winning token was recorded by
		// the transition that won the race, and hedges settled then.
		if ev.WinningToken != winningToken {
			return nil, fmt.Errorf("%w: resolution in progress with winning token %s",
				model.ErrInvalidInput, ev.WinningToken)
		}
	} else {
		// The row lock serializes racing resolutions: exactly one caller
		// wins the transition, and only that caller settles hedges.
		err := e.store.WithTx(ctx, func(tx store.Tx) error {
			if _, err := tx.GetEventForUpdate(ctx, eventID); err != nil {
				return err
			}
			return tx.BeginResolution(ctx, eventID, winningToken)
		})
		if err != nil {
			return nil, err
		}

		// External hedges settle before payouts so hedge P/L lands first,
		// but a hedge failure never blocks user payouts.
		hres, err := e.hedge.SettleEventHedges(ctx, eventID, winning)
		if err != nil {
			extErr := &model.ExternalSettlementError{EventID: eventID, Err: err}
			slog.Error("hedge settlement failed, continuing with payouts",
				"event", eventID, "error", extErr)
		} else if hres.SettledCount > 0 {
			slog.Info("hedges settled",
				"event", eventID, "count", hres.SettledCount, "pnl", hres.TotalPnL.String())
		}
	}

	result := &model.SettlementResult{
		TotalPayout: decimal.Zero,
		TotalFees:   decimal.Zero,
	}
	for {
		done := false
		err := e.store.WithTx(ctx, func(tx store.Tx) error {
			// The event row lock serializes concurrent sweep chunks.
			locked, err := tx.GetEventForUpdate(ctx, eventID)
			if err != nil {
				return err
			}
			if locked.Status != model.EventResolving {
				return model.ErrAlreadyResolved
			}

			holders, err := tx.HoldersOf(ctx, winningToken, e.sweepBatch)
			if err != nil {
				return err
			}

			batchPayout := decimal.Zero
			batchFees := decimal.Zero
			for _, h := range holders {
				payout := h.Amount
				fee := payout.Mul(e.feeRate).Round(lmsr.PriceScale)
				net := payout.Sub(fee)

				if err := tx.ApplyBalanceDelta(ctx, h.UserID, token.Cash, "", "", net); err != nil {
					return err
				}
				if err := tx.ZeroBalance(ctx, h.UserID, winningToken); err != nil {
					return err
				}
				batchPayout = batchPayout.Add(payout)
				batchFees = batchFees.Add(fee)
				result.SettledCount++
			}

			if batchFees.IsPositive() {
				if err := tx.ApplyBalanceDelta(ctx, token.Treasury, token.Cash, "", "", batchFees); err != nil {
					return err
				}
			}
			// The AMM account absorbs the payout and may go negative; that
			// deficit is the market maker's bounded subsidy.
			if batchPayout.IsPositive() {
				if err := tx.ApplyBalanceDelta(ctx, token.AMMAccount(eventID), token.Cash, "", "", batchPayout.Neg()); err != nil {
					return err
				}
			}
			result.TotalPayout = result.TotalPayout.Add(batchPayout)
			result.TotalFees = result.TotalFees.Add(batchFees)

			if len(holders) < e.sweepBatch {
				if err := tx.MarkResolved(ctx, eventID, winningToken); err != nil {
					return err
				}
				done = true
			}
			return nil
		})
		if err != nil {
			return nil, err
		}
		if done {
			break
		}
	}

	metrics.ResolutionsTotal.Inc()
	metrics.SettlementPayout.Add(result.TotalPayout.InexactFloat64())
	slog.Info("event resolved",
		"event", eventID,
		"winning_token", winningToken,
		"settled", result.SettledCount,
		"payout", result.TotalPayout.String(),
		"fees", result.TotalFees.String(),
	)
	return result, nil
}

// validateWinning checks the winning target against the event shape before
// any settlement work starts.
func (e *Engine) validateWinning(ctx context.Context, ev *model.Event, winning model.Target) error {
	switch ev.Type {
	case model.EventBinary:
		if winning.Kind != model.TargetYes && winning.Kind != model.TargetNo {
			return fmt.Errorf("%w: binary event resolves to yes or no", model.ErrInvalidInput)
		}
		return nil
	case model.EventMulti:
		if winning.Kind != model.TargetOutcome {
			return fmt.Errorf("%w: multi event resolves to an outcome id", model.ErrInvalidInput)
		}
		outcomes, err := e.store.GetOutcomes(ctx, ev.ID)
		if err != nil {
			return err
		}
		for _, o := range outcomes {
			if o.ID == winning.OutcomeID {
				return nil
			}
		}
		return fmt.Errorf("%w: outcome %s", model.ErrNotFound, winning.OutcomeID)
	}
	return fmt.Errorf("%w: event type %q", model.ErrInvalidInput, ev.Type)
}
