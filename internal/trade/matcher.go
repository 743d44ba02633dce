// Package trade implements the hybrid matcher and settlement engine: trade
// requests fill against resting limit orders by price/time priority, route
// any remainder to the LMSR market maker, and settle through the balance
// ledger — all inside one store transaction.
//
// All monetary values use shopspring/decimal — never float64 for money.
package trade

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/predictlab/market-core/internal/hedge"
	"github.com/predictlab/market-core/internal/ledger"
	"github.com/predictlab/market-core/internal/lmsr"
	"github.com/predictlab/market-core/internal/metrics"
	"github.com/predictlab/market-core/internal/model"
	"github.com/predictlab/market-core/internal/risk"
	"github.com/predictlab/market-core/internal/store"
	"github.com/predictlab/market-core/internal/token"
)

const (
	// maxConflictRetries bounds internal retries on optimistic-concurrency
	// conflicts before the failure surfaces to the caller.
	maxConflictRetries = 3

	// quantityScale is the rounding scale for share quantities.
	quantityScale int32 = 8
)

// Engine executes trades and resolutions. It holds no mutable market state;
// AMM quantities and balances live in versioned store rows mutated only
// inside transactions.
type Engine struct {
	store   store.Store
	risk    risk.Manager
	hedge   hedge.Manager
	feeRate decimal.Decimal

	// sweepBatch chunks the resolution payout sweep so large resolutions
	// are not one unbounded transaction.
	sweepBatch int
}

// NewEngine creates a trade engine. feeRate is the platform fee applied to
// settlement payouts (e.g. 0.02 for 2%).
func NewEngine(st store.Store, rm risk.Manager, hm hedge.Manager, feeRate decimal.Decimal) *Engine {
	return &Engine{
		store:      st,
		risk:       rm,
		hedge:      hm,
		feeRate:    feeRate,
		sweepBatch: 500,
	}
}

// TradeRequest is a fully-resolved trade: the target has already been
// parsed against the event type at the API boundary.
//
// Amount semantics: market buys spend Amount in cash; market sells and all
// limit orders quote Amount in shares.
type TradeRequest struct {
	UserID     string
	EventID    string
	Side       model.OrderSide
	Target     model.Target
	Amount     decimal.Decimal
	LimitPrice *decimal.Decimal
}

// ammState is the AMM view loaded under the event row lock.
type ammState struct {
	event    *model.Event
	outcomes []model.Outcome // empty for binary events
	qs       []decimal.Decimal
	idx      int // index of the traded leg in qs
	mm       *lmsr.MarketMaker
}

func loadAMMState(ctx context.Context, tx store.Tx, eventID string, target model.Target) (*ammState, error) {
	ev, err := tx.GetEventForUpdate(ctx, eventID)
	if err != nil {
		return nil, err
	}
	if ev.Status != model.EventActive {
		return nil, model.ErrTradingClosed
	}

	mm, err := lmsr.NewMarketMaker(ev.B)
	if err != nil {
		return nil, fmt.Errorf("event %s: %w", eventID, err)
	}

	st := &ammState{event: ev, mm: mm}
	switch ev.Type {
	case model.EventBinary:
		st.qs = []decimal.Decimal{ev.QYes, ev.QNo}
		switch target.Kind {
		case model.TargetYes:
			st.idx = 0
		case model.TargetNo:
			st.idx = 1
		default:
			return nil, fmt.Errorf("%w: outcome target on binary event", model.ErrInvalidInput)
		}
	case model.EventMulti:
		// Outcome rows are locked in id order so concurrent trades on the
		// same event never deadlock on each other.
		outcomes, err := tx.OutcomesForUpdate(ctx, eventID)
		if err != nil {
			return nil, err
		}
		st.outcomes = outcomes
		st.idx = -1
		st.qs = make([]decimal.Decimal, len(outcomes))
		for i, o := range outcomes {
			st.qs[i] = o.Liquidity
			if o.ID == target.OutcomeID {
				st.idx = i
			}
		}
		if st.idx < 0 {
			return nil, fmt.Errorf("%w: outcome %s", model.ErrNotFound, target.OutcomeID)
		}
	default:
		return nil, fmt.Errorf("%w: event type %q", model.ErrInvalidInput, ev.Type)
	}
	return st, nil
}

// writeBack persists the AMM state change: the event row carries the
// version bump; multi events additionally rewrite outcome liquidity and the
// cached probabilities.
func (st *ammState) writeBack(ctx context.Context, tx store.Tx) error {
	var qYes, qNo decimal.Decimal
	if st.event.Type == model.EventBinary {
		qYes, qNo = st.qs[0], st.qs[1]
	} else {
		qYes, qNo = st.event.QYes, st.event.QNo
	}
	if err := tx.UpdateEventState(ctx, st.event.ID, qYes, qNo, st.event.Version); err != nil {
		return err
	}
	if st.event.Type == model.EventMulti {
		probs := st.mm.Probabilities(st.qs)
		for i, o := range st.outcomes {
			if err := tx.UpdateOutcome(ctx, o.ID, st.qs[i], probs[i]); err != nil {
				return err
			}
		}
	}
	return nil
}

// ComputeQuote prices a prospective AMM trade without touching any state.
// For buys, amount is cash to spend; for sells, shares to sell.
func (e *Engine) ComputeQuote(ctx context.Context, eventID string, target model.Target, side model.OrderSide, amount decimal.Decimal) (*model.Quote, error) {
	ev, err := e.store.GetEvent(ctx, eventID)
	if err != nil {
		return nil, err
	}
	if ev.Status != model.EventActive {
		return nil, model.ErrTradingClosed
	}

	mm, err := lmsr.NewMarketMaker(ev.B)
	if err != nil {
		return nil, fmt.Errorf("event %s: %w", eventID, err)
	}

	qs, idx, err := e.quoteState(ctx, ev, target)
	if err != nil {
		return nil, err
	}

	var shares, avgPrice decimal.Decimal
	switch side {
	case model.SideBuy:
		shares, err = mm.SharesForCost(qs, idx, amount)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", model.ErrInvalidQuote, err)
		}
		avgPrice = amount.DivRound(shares, lmsr.PriceScale)
	case model.SideSell:
		if amount.LessThanOrEqual(decimal.Zero) {
			return nil, fmt.Errorf("%w: sell amount must be positive", model.ErrInvalidQuote)
		}
		shares = amount
		proceeds := mm.TradeCost(qs, idx, amount.Neg()).Neg()
		if proceeds.LessThanOrEqual(decimal.Zero) {
			return nil, fmt.Errorf("%w: non-positive proceeds", model.ErrInvalidQuote)
		}
		avgPrice = proceeds.DivRound(shares, lmsr.PriceScale)
		shares = shares.Neg()
	default:
		return nil, fmt.Errorf("%w: side %q", model.ErrInvalidInput, side)
	}

	after := make([]decimal.Decimal, len(qs))
	copy(after, qs)
	after[idx] = after[idx].Add(shares)

	return &model.Quote{
		Shares:         shares.Abs(),
		AvgPrice:       avgPrice,
		NewProbability: mm.Probabilities(after)[idx],
	}, nil
}

func (e *Engine) quoteState(ctx context.Context, ev *model.Event, target model.Target) ([]decimal.Decimal, int, error) {
	switch ev.Type {
	case model.EventBinary:
		switch target.Kind {
		case model.TargetYes:
			return []decimal.Decimal{ev.QYes, ev.QNo}, 0, nil
		case model.TargetNo:
			return []decimal.Decimal{ev.QYes, ev.QNo}, 1, nil
		}
		return nil, 0, fmt.Errorf("%w: outcome target on binary event", model.ErrInvalidInput)
	case model.EventMulti:
		outcomes, err := e.store.GetOutcomes(ctx, ev.ID)
		if err != nil {
			return nil, 0, err
		}
		qs := make([]decimal.Decimal, len(outcomes))
		idx := -1
		for i, o := range outcomes {
			qs[i] = o.Liquidity
			if o.ID == target.OutcomeID {
				idx = i
			}
		}
		if idx < 0 {
			return nil, 0, fmt.Errorf("%w: outcome %s", model.ErrNotFound, target.OutcomeID)
		}
		return qs, idx, nil
	}
	return nil, 0, fmt.Errorf("%w: event type %q", model.ErrInvalidInput, ev.Type)
}

// ExecuteTrade runs the full request state machine: risk gate, resting-order
// fills by price/time priority, AMM completion, ledger settlement — one
// transaction, retried a bounded number of times on version conflicts.
func (e *Engine) ExecuteTrade(ctx context.Context, req TradeRequest) (*model.TradeResult, error) {
	if req.Amount.LessThanOrEqual(decimal.Zero) {
		return nil, fmt.Errorf("%w: amount must be positive", model.ErrInvalidInput)
	}
	if req.Side != model.SideBuy && req.Side != model.SideSell {
		return nil, fmt.Errorf("%w: side %q", model.ErrInvalidInput, req.Side)
	}
	if req.LimitPrice != nil {
		one := decimal.NewFromInt(1)
		if req.LimitPrice.LessThanOrEqual(decimal.Zero) || req.LimitPrice.GreaterThanOrEqual(one) {
			return nil, fmt.Errorf("%w: limit price must be in (0, 1)", model.ErrInvalidInput)
		}
	}

	// Risk gate on stale reads: proposed shares and prices are estimates,
	// and no state has been touched yet, so a rejection costs nothing.
	if err := e.riskGate(ctx, req); err != nil {
		metrics.TradeRejections.WithLabelValues(rejectionReason(err)).Inc()
		return nil, err
	}

	var result *model.TradeResult
	var err error
	for attempt := 0; attempt <= maxConflictRetries; attempt++ {
		err = e.store.WithTx(ctx, func(tx store.Tx) error {
			var txErr error
			result, txErr = e.executeInTx(ctx, tx, req)
			return txErr
		})
		if !errors.Is(err, model.ErrConcurrencyConflict) {
			break
		}
		slog.Warn("trade retry on version conflict",
			"event", req.EventID, "user", req.UserID, "attempt", attempt+1)
	}
	if err != nil {
		metrics.TradeRejections.WithLabelValues(rejectionReason(err)).Inc()
		return nil, err
	}

	metrics.TradesTotal.WithLabelValues(string(req.Side)).Inc()
	metrics.TradeVolume.WithLabelValues(req.EventID, string(req.Side)).
		Add(result.TotalFilled.InexactFloat64())
	return result, nil
}

func (e *Engine) riskGate(ctx context.Context, req TradeRequest) error {
	ev, err := e.store.GetEvent(ctx, req.EventID)
	if err != nil {
		return err
	}
	if ev.Status != model.EventActive {
		return model.ErrTradingClosed
	}

	// Estimate shares and prices for the proposed trade. Cash-denominated
	// buys go through the quote inversion; everything else is already in
	// shares.
	shares := req.Amount
	refPrice := decimal.NewFromFloat(0.5)
	execPrice := refPrice
	if req.LimitPrice != nil {
		execPrice = *req.LimitPrice
	} else if q, err := e.ComputeQuote(ctx, req.EventID, req.Target, req.Side, req.Amount); err == nil {
		execPrice = q.AvgPrice
		if req.Side == model.SideBuy {
			shares = q.Shares
		}
	} else if req.Side == model.SideBuy {
		// A buy whose spend cannot be quoted can never execute.
		return fmt.Errorf("%w: %v", model.ErrInvalidQuote, err)
	}
	if qs, idx, err := e.quoteState(ctx, ev, req.Target); err == nil {
		mm, mmErr := lmsr.NewMarketMaker(ev.B)
		if mmErr == nil {
			refPrice = mm.Probabilities(qs)[idx]
		}
	}

	return e.risk.ValidateTrade(ctx, risk.Check{
		UserID:    req.UserID,
		EventID:   req.EventID,
		Side:      req.Side,
		Target:    req.Target,
		Amount:    shares,
		RefPrice:  refPrice,
		ExecPrice: execPrice,
	})
}

func (e *Engine) executeInTx(ctx context.Context, tx store.Tx, req TradeRequest) (*model.TradeResult, error) {
	st, err := loadAMMState(ctx, tx, req.EventID, req.Target)
	if err != nil {
		return nil, err
	}
	if req.LimitPrice != nil {
		return e.placeLimitOrder(ctx, tx, st, req)
	}
	if req.Side == model.SideBuy {
		return e.marketBuy(ctx, tx, st, req)
	}
	return e.marketSell(ctx, tx, st, req)
}

// marketBuy spends req.Amount cash: resting asks first (best price, then
// oldest), remainder bought from the AMM.
func (e *Engine) marketBuy(ctx context.Context, tx store.Tx, st *ammState, req TradeRequest) (*model.TradeResult, error) {
	symbol := req.Target.TokenSymbol(req.EventID)

	// Sufficiency before any mutation.
	if err := ledger.EnsureSufficient(ctx, tx, req.UserID, token.Cash, req.Amount); err != nil {
		return nil, err
	}

	orderID := uuid.New().String()
	now := time.Now().UTC()
	cashLeft := req.Amount
	totalShares := decimal.Zero
	totalCost := decimal.Zero
	var fills []model.Fill

	asks, err := tx.OpenOrders(ctx, req.EventID, req.Target, model.SideSell)
	if err != nil {
		return nil, err
	}
	for i := range asks {
		ask := &asks[i]
		if !cashLeft.IsPositive() {
			break
		}
		// Floor so the fill cost can never exceed the remaining spend.
		shares := cashLeft.Div(ask.Price).RoundDown(quantityScale)
		if shares.GreaterThan(ask.Remaining()) {
			shares = ask.Remaining()
		}
		if !shares.IsPositive() {
			break
		}
		cost := shares.Mul(ask.Price)

		// Stale resting sells whose owner no longer holds the shares are
		// cancelled and skipped rather than failing the taker.
		makerShares, err := tx.Balance(ctx, ask.UserID, symbol)
		if err != nil {
			return nil, err
		}
		if makerShares.LessThan(shares) {
			if err := tx.UpdateOrderFill(ctx, ask.ID, ask.AmountFilled, model.OrderCancelled); err != nil {
				return nil, err
			}
			continue
		}

		if err := ledger.TransferCash(ctx, tx, req.UserID, ask.UserID, cost); err != nil {
			return nil, err
		}
		if err := ledger.TransferShares(ctx, tx, ask.UserID, req.UserID, symbol, req.EventID, req.Target.OutcomeID, shares); err != nil {
			return nil, err
		}
		if err := e.applyMakerFill(ctx, tx, ask, shares); err != nil {
			return nil, err
		}
		if err := e.recordFill(ctx, tx, req, orderID, ask.ID, ask.Price, shares, false, now); err != nil {
			return nil, err
		}

		fills = append(fills, model.Fill{Price: ask.Price, Amount: shares})
		cashLeft = cashLeft.Sub(cost)
		totalShares = totalShares.Add(shares)
		totalCost = totalCost.Add(cost)
	}

	// Remainder routed to the AMM at the current marginal price curve.
	if cashLeft.IsPositive() {
		shares, err := st.mm.SharesForCost(st.qs, st.idx, cashLeft)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", model.ErrInvalidQuote, err)
		}
		price := cashLeft.DivRound(shares, lmsr.PriceScale)

		if err := ledger.Debit(ctx, tx, req.UserID, token.Cash, "", "", cashLeft); err != nil {
			return nil, err
		}
		// AMM inventory account: the counter-party cash leg that keeps the
		// ledger conserved.
		if err := tx.ApplyBalanceDelta(ctx, token.AMMAccount(req.EventID), token.Cash, "", "", cashLeft); err != nil {
			return nil, err
		}
		if err := ledger.Credit(ctx, tx, req.UserID, symbol, req.EventID, req.Target.OutcomeID, shares); err != nil {
			return nil, err
		}
		if err := e.recordFill(ctx, tx, req, orderID, "", price, shares, true, now); err != nil {
			return nil, err
		}

		st.qs[st.idx] = st.qs[st.idx].Add(shares)
		if err := st.writeBack(ctx, tx); err != nil {
			return nil, err
		}

		fills = append(fills, model.Fill{Price: price, Amount: shares, AMM: true})
		totalShares = totalShares.Add(shares)
		totalCost = totalCost.Add(cashLeft)
	}

	return e.finishOrder(ctx, tx, req, orderID, totalShares, totalCost, fills, now)
}

// marketSell sells req.Amount shares: resting bids first, remainder sold to
// the AMM.
func (e *Engine) marketSell(ctx context.Context, tx store.Tx, st *ammState, req TradeRequest) (*model.TradeResult, error) {
	symbol := req.Target.TokenSymbol(req.EventID)

	if err := ledger.EnsureSufficient(ctx, tx, req.UserID, symbol, req.Amount); err != nil {
		return nil, err
	}

	orderID := uuid.New().String()
	now := time.Now().UTC()
	sharesLeft := req.Amount
	totalShares := decimal.Zero
	totalProceeds := decimal.Zero
	var fills []model.Fill

	bids, err := tx.OpenOrders(ctx, req.EventID, req.Target, model.SideBuy)
	if err != nil {
		return nil, err
	}
	for i := range bids {
		bid := &bids[i]
		if !sharesLeft.IsPositive() {
			break
		}
		shares := sharesLeft
		if shares.GreaterThan(bid.Remaining()) {
			shares = bid.Remaining()
		}
		cost := shares.Mul(bid.Price)

		// Stale resting bids whose owner cannot pay are cancelled in place.
		makerCash, err := tx.Balance(ctx, bid.UserID, token.Cash)
		if err != nil {
			return nil, err
		}
		if makerCash.LessThan(cost) {
			if err := tx.UpdateOrderFill(ctx, bid.ID, bid.AmountFilled, model.OrderCancelled); err != nil {
				return nil, err
			}
			continue
		}

		if err := ledger.TransferCash(ctx, tx, bid.UserID, req.UserID, cost); err != nil {
			return nil, err
		}
		if err := ledger.TransferShares(ctx, tx, req.UserID, bid.UserID, symbol, req.EventID, req.Target.OutcomeID, shares); err != nil {
			return nil, err
		}
		if err := e.applyMakerFill(ctx, tx, bid, shares); err != nil {
			return nil, err
		}
		if err := e.recordFill(ctx, tx, req, orderID, bid.ID, bid.Price, shares, false, now); err != nil {
			return nil, err
		}

		fills = append(fills, model.Fill{Price: bid.Price, Amount: shares})
		sharesLeft = sharesLeft.Sub(shares)
		totalShares = totalShares.Add(shares)
		totalProceeds = totalProceeds.Add(cost)
	}

	if sharesLeft.IsPositive() {
		proceeds := st.mm.TradeCost(st.qs, st.idx, sharesLeft.Neg()).Neg()
		if !proceeds.IsPositive() {
			return nil, fmt.Errorf("%w: non-positive AMM proceeds", model.ErrInvalidQuote)
		}
		price := proceeds.DivRound(sharesLeft, lmsr.PriceScale)

		if err := ledger.Debit(ctx, tx, req.UserID, symbol, req.EventID, req.Target.OutcomeID, sharesLeft); err != nil {
			return nil, err
		}
		if err := ledger.Credit(ctx, tx, req.UserID, token.Cash, "", "", proceeds); err != nil {
			return nil, err
		}
		// Direct delta on the AMM account: rounding in the proceeds could
		// otherwise trip the sufficiency check by a hair.
		if err := tx.ApplyBalanceDelta(ctx, token.AMMAccount(req.EventID), token.Cash, "", "", proceeds.Neg()); err != nil {
			return nil, err
		}
		if err := e.recordFill(ctx, tx, req, orderID, "", price, sharesLeft, true, now); err != nil {
			return nil, err
		}

		st.qs[st.idx] = st.qs[st.idx].Sub(sharesLeft)
		if err := st.writeBack(ctx, tx); err != nil {
			return nil, err
		}

		fills = append(fills, model.Fill{Price: price, Amount: sharesLeft, AMM: true})
		totalShares = totalShares.Add(sharesLeft)
		totalProceeds = totalProceeds.Add(proceeds)
	}

	return e.finishOrder(ctx, tx, req, orderID, totalShares, totalProceeds, fills, now)
}

// placeLimitOrder crosses the incoming limit order against resting opposite
// orders within its price, then rests the remainder. Limit orders never
// consume AMM liquidity.
func (e *Engine) placeLimitOrder(ctx context.Context, tx store.Tx, st *ammState, req TradeRequest) (*model.TradeResult, error) {
	symbol := req.Target.TokenSymbol(req.EventID)
	limit := *req.LimitPrice

	// Taker-side sufficiency for the full order up front.
	if req.Side == model.SideBuy {
		if err := ledger.EnsureSufficient(ctx, tx, req.UserID, token.Cash, req.Amount.Mul(limit)); err != nil {
			return nil, err
		}
	} else {
		if err := ledger.EnsureSufficient(ctx, tx, req.UserID, symbol, req.Amount); err != nil {
			return nil, err
		}
	}

	orderID := uuid.New().String()
	now := time.Now().UTC()
	sharesLeft := req.Amount
	totalShares := decimal.Zero
	totalCash := decimal.Zero
	var fills []model.Fill

	resting, err := tx.OpenOrders(ctx, req.EventID, req.Target, req.Side.Opposite())
	if err != nil {
		return nil, err
	}
	for i := range resting {
		maker := &resting[i]
		if !sharesLeft.IsPositive() {
			break
		}
		if req.Side == model.SideBuy && maker.Price.GreaterThan(limit) {
			break // asks sorted ascending; nothing further crosses
		}
		if req.Side == model.SideSell && maker.Price.LessThan(limit) {
			break // bids sorted descending
		}

		shares := sharesLeft
		if shares.GreaterThan(maker.Remaining()) {
			shares = maker.Remaining()
		}
		cost := shares.Mul(maker.Price)

		var buyer, seller string
		if req.Side == model.SideBuy {
			buyer, seller = req.UserID, maker.UserID
		} else {
			buyer, seller = maker.UserID, req.UserID
		}

		// Maker-side sufficiency at fill time; stale orders are cancelled.
		if req.Side == model.SideBuy {
			makerShares, err := tx.Balance(ctx, seller, symbol)
			if err != nil {
				return nil, err
			}
			if makerShares.LessThan(shares) {
				if err := tx.UpdateOrderFill(ctx, maker.ID, maker.AmountFilled, model.OrderCancelled); err != nil {
					return nil, err
				}
				continue
			}
		} else {
			makerCash, err := tx.Balance(ctx, buyer, token.Cash)
			if err != nil {
				return nil, err
			}
			if makerCash.LessThan(cost) {
				if err := tx.UpdateOrderFill(ctx, maker.ID, maker.AmountFilled, model.OrderCancelled); err != nil {
					return nil, err
				}
				continue
			}
		}

		if err := ledger.TransferCash(ctx, tx, buyer, seller, cost); err != nil {
			return nil, err
		}
		if err := ledger.TransferShares(ctx, tx, seller, buyer, symbol, req.EventID, req.Target.OutcomeID, shares); err != nil {
			return nil, err
		}
		if err := e.applyMakerFill(ctx, tx, maker, shares); err != nil {
			return nil, err
		}
		if err := e.recordFill(ctx, tx, req, orderID, maker.ID, maker.Price, shares, false, now); err != nil {
			return nil, err
		}

		fills = append(fills, model.Fill{Price: maker.Price, Amount: shares})
		sharesLeft = sharesLeft.Sub(shares)
		totalShares = totalShares.Add(shares)
		totalCash = totalCash.Add(cost)
	}

	status := model.OrderOpen
	switch {
	case sharesLeft.IsZero():
		status = model.OrderFilled
	case totalShares.IsPositive():
		status = model.OrderPartiallyFilled
	}

	order := &model.Order{
		ID:           orderID,
		UserID:       req.UserID,
		EventID:      req.EventID,
		Side:         req.Side,
		Target:       req.Target,
		Price:        limit,
		Amount:       req.Amount,
		AmountFilled: totalShares,
		Status:       status,
		CreatedAt:    now,
	}
	if err := tx.InsertOrder(ctx, order); err != nil {
		return nil, err
	}

	avg := decimal.Zero
	if totalShares.IsPositive() {
		avg = totalCash.DivRound(totalShares, lmsr.PriceScale)
	}
	return &model.TradeResult{
		OrderID:      orderID,
		Fills:        fills,
		TotalFilled:  totalShares,
		AveragePrice: avg,
	}, nil
}

// applyMakerFill advances a resting order's filled amount and status.
func (e *Engine) applyMakerFill(ctx context.Context, tx store.Tx, maker *model.Order, shares decimal.Decimal) error {
	filled := maker.AmountFilled.Add(shares)
	status := model.OrderPartiallyFilled
	if filled.GreaterThanOrEqual(maker.Amount) {
		status = model.OrderFilled
	}
	maker.AmountFilled = filled
	maker.Status = status
	return tx.UpdateOrderFill(ctx, maker.ID, filled, status)
}

func (e *Engine) recordFill(ctx context.Context, tx store.Tx, req TradeRequest, orderID, counterID string, price, shares decimal.Decimal, amm bool, now time.Time) error {
	return tx.InsertTrade(ctx, &model.Trade{
		ID:             uuid.New().String(),
		EventID:        req.EventID,
		UserID:         req.UserID,
		OrderID:        orderID,
		CounterOrderID: counterID,
		Side:           req.Side,
		Target:         req.Target,
		Price:          price,
		Amount:         shares,
		AMM:            amm,
		CreatedAt:      now,
	})
}

// finishOrder writes the audit root for a market order and assembles the
// result.
func (e *Engine) finishOrder(ctx context.Context, tx store.Tx, req TradeRequest, orderID string, totalShares, totalCash decimal.Decimal, fills []model.Fill, now time.Time) (*model.TradeResult, error) {
	if !totalShares.IsPositive() {
		return nil, fmt.Errorf("%w: request produced no fills", model.ErrInvalidQuote)
	}
	avg := totalCash.DivRound(totalShares, lmsr.PriceScale)

	order := &model.Order{
		ID:           orderID,
		UserID:       req.UserID,
		EventID:      req.EventID,
		Side:         req.Side,
		Target:       req.Target,
		Price:        avg,
		Amount:       totalShares,
		AmountFilled: totalShares,
		Status:       model.OrderFilled,
		CreatedAt:    now,
	}
	if err := tx.InsertOrder(ctx, order); err != nil {
		return nil, err
	}

	slog.Info("trade executed",
		"order_id", orderID,
		"user", req.UserID,
		"event", req.EventID,
		"side", string(req.Side),
		"target", req.Target.String(),
		"shares", totalShares.String(),
		"cash", totalCash.String(),
		"avg_price", avg.String(),
	)

	return &model.TradeResult{
		OrderID:      orderID,
		Fills:        fills,
		TotalFilled:  totalShares,
		AveragePrice: avg,
	}, nil
}

// CancelOrder transitions an open or partially filled order to cancelled.
// Ledger effects of prior partial fills are never rewound.
func (e *Engine) CancelOrder(ctx context.Context, userID, orderID string) error {
	return e.store.WithTx(ctx, func(tx store.Tx) error {
		o, err := tx.GetOrderForUpdate(ctx, orderID)
		if err != nil {
			return err
		}
		if o.UserID != userID {
			return model.ErrNotFound
		}
		if o.Status != model.OrderOpen && o.Status != model.OrderPartiallyFilled {
			return fmt.Errorf("%w: order %s is %s", model.ErrInvalidInput, orderID, o.Status)
		}
		return tx.UpdateOrderFill(ctx, orderID, o.AmountFilled, model.OrderCancelled)
	})
}

// GetOrderBook aggregates resting orders by price level. Only real orders
// appear: presentation-layer depth never reaches the matcher's input.
func (e *Engine) GetOrderBook(ctx context.Context, eventID string, target model.Target) (*model.OrderBook, error) {
	if _, err := e.store.GetEvent(ctx, eventID); err != nil {
		return nil, err
	}

	bids, err := e.store.OpenOrders(ctx, eventID, target, model.SideBuy)
	if err != nil {
		return nil, err
	}
	asks, err := e.store.OpenOrders(ctx, eventID, target, model.SideSell)
	if err != nil {
		return nil, err
	}

	return &model.OrderBook{
		EventID: eventID,
		Target:  target,
		Bids:    aggregateLevels(bids),
		Asks:    aggregateLevels(asks),
	}, nil
}

// aggregateLevels sums remaining amounts per price. Input is already in
// priority order, so levels come out sorted.
func aggregateLevels(orders []model.Order) []model.PriceLevel {
	levels := []model.PriceLevel{}
	for _, o := range orders {
		rem := o.Remaining()
		if !rem.IsPositive() {
			continue
		}
		if n := len(levels); n > 0 && levels[n-1].Price.Equal(o.Price) {
			levels[n-1].Amount = levels[n-1].Amount.Add(rem)
			continue
		}
		levels = append(levels, model.PriceLevel{Price: o.Price, Amount: rem})
	}
	return levels
}

func rejectionReason(err error) string {
	switch {
	case model.IsRiskRejected(err):
		return "risk"
	case model.IsInsufficientBalance(err):
		return "insufficient_balance"
	case errors.Is(err, model.ErrTradingClosed):
		return "trading_closed"
	case errors.Is(err, model.ErrInvalidQuote):
		return "invalid_quote"
	case errors.Is(err, model.ErrNotFound):
		return "not_found"
	case errors.Is(err, model.ErrConcurrencyConflict):
		return "conflict"
	default:
		return "invalid_input"
	}
}
