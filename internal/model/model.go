// Package model defines the core domain types shared across the market core.
// All monetary values use shopspring/decimal — never float64 for money.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// EventType distinguishes binary YES/NO events from N-way outcome events.
type EventType string

const (
	EventBinary EventType = "binary"
	EventMulti  EventType = "multi"
)

// EventStatus is the lifecycle of an event: active → resolving → resolved,
// one way. Trading stops at resolving, before the first payout lands.
type EventStatus string

const (
	EventActive    EventStatus = "active"
	EventResolving EventStatus = "resolving"
	EventResolved  EventStatus = "resolved"
)

// Event is a prediction market. For binary events QYes/QNo hold the AMM
// state; for multi events the per-outcome liquidity lives on Outcome rows.
// Version is bumped on every AMM state change for optimistic concurrency.
type Event struct {
	ID           string          `json:"id" db:"id"`
	Title        string          `json:"title" db:"title"`
	Type         EventType       `json:"type" db:"type"`
	B            decimal.Decimal `json:"liquidity_parameter" db:"b"`
	QYes         decimal.Decimal `json:"q_yes" db:"q_yes"`
	QNo          decimal.Decimal `json:"q_no" db:"q_no"`
	Status       EventStatus     `json:"status" db:"status"`
	WinningToken string          `json:"winning_token,omitempty" db:"winning_token"`
	Version      int64           `json:"version" db:"version"`
	CreatedAt    time.Time       `json:"created_at" db:"created_at"`
	ResolvedAt   *time.Time      `json:"resolved_at,omitempty" db:"resolved_at"`
}

// Outcome is one leg of a multi event. Liquidity is the cumulative shares
// sold (q_i); Probability is a derived cache recomputed on every trade and
// never authoritative on its own.
type Outcome struct {
	ID          string          `json:"id" db:"id"`
	EventID     string          `json:"event_id" db:"event_id"`
	Name        string          `json:"name" db:"name"`
	Liquidity   decimal.Decimal `json:"liquidity" db:"liquidity"`
	Probability decimal.Decimal `json:"probability" db:"probability"`
}

// Balance is one row of the ledger, keyed by (user, token symbol).
// TokenSymbol is either the cash unit or a share token derived from the
// event/outcome. Rows are created lazily on first credit and never deleted,
// only zeroed.
type Balance struct {
	UserID      string          `json:"user_id" db:"user_id"`
	TokenSymbol string          `json:"token_symbol" db:"token_symbol"`
	EventID     string          `json:"event_id,omitempty" db:"event_id"`
	OutcomeID   string          `json:"outcome_id,omitempty" db:"outcome_id"`
	Amount      decimal.Decimal `json:"amount" db:"amount"`
}

// OrderSide is the direction of an order.
type OrderSide string

const (
	SideBuy  OrderSide = "buy"
	SideSell OrderSide = "sell"
)

// Opposite returns the matching side.
func (s OrderSide) Opposite() OrderSide {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

// OrderStatus is the lifecycle of a resting order. Terminal states are
// filled and cancelled.
type OrderStatus string

const (
	OrderOpen            OrderStatus = "open"
	OrderPartiallyFilled OrderStatus = "partially_filled"
	OrderFilled          OrderStatus = "filled"
	OrderCancelled       OrderStatus = "cancelled"
)

// Order is a resting limit order, or the audit root of a market order.
// Amount and AmountFilled are in shares.
type Order struct {
	ID           string          `json:"id" db:"id"`
	UserID       string          `json:"user_id" db:"user_id"`
	EventID      string          `json:"event_id" db:"event_id"`
	Side         OrderSide       `json:"side" db:"side"`
	Target       Target          `json:"target"`
	Price        decimal.Decimal `json:"price" db:"price"`
	Amount       decimal.Decimal `json:"amount" db:"amount"`
	AmountFilled decimal.Decimal `json:"amount_filled" db:"amount_filled"`
	Status       OrderStatus     `json:"status" db:"status"`
	CreatedAt    time.Time       `json:"created_at" db:"created_at"`
}

// Remaining returns the unfilled share quantity.
func (o *Order) Remaining() decimal.Decimal {
	return o.Amount.Sub(o.AmountFilled)
}

// Trade is an immutable audit record of one executed fill. AMM is true when
// the fill was sourced from the market maker rather than a resting order.
type Trade struct {
	ID             string          `json:"id" db:"id"`
	EventID        string          `json:"event_id" db:"event_id"`
	UserID         string          `json:"user_id" db:"user_id"`
	OrderID        string          `json:"order_id" db:"order_id"`
	CounterOrderID string          `json:"counter_order_id,omitempty" db:"counter_order_id"`
	Side           OrderSide       `json:"side" db:"side"`
	Target         Target          `json:"target"`
	Price          decimal.Decimal `json:"price" db:"price"`
	Amount         decimal.Decimal `json:"amount" db:"amount"`
	AMM            bool            `json:"amm" db:"amm"`
	CreatedAt      time.Time       `json:"created_at" db:"created_at"`
}

// PriceLevel is one aggregated line of the order book.
type PriceLevel struct {
	Price  decimal.Decimal `json:"price"`
	Amount decimal.Decimal `json:"amount"`
}

// OrderBook aggregates resting orders by price level. Bids are sorted
// descending, asks ascending. Only real resting orders appear here — the
// matcher and the book read share the same source.
type OrderBook struct {
	EventID string       `json:"event_id"`
	Target  Target       `json:"target"`
	Bids    []PriceLevel `json:"bids"`
	Asks    []PriceLevel `json:"asks"`
}

// Quote is the result of pricing a prospective AMM trade.
type Quote struct {
	Shares         decimal.Decimal `json:"shares"`
	AvgPrice       decimal.Decimal `json:"avg_price"`
	NewProbability decimal.Decimal `json:"new_probability"`
}

// Fill is one executed slice of a trade request.
type Fill struct {
	Price  decimal.Decimal `json:"price"`
	Amount decimal.Decimal `json:"amount"`
	AMM    bool            `json:"amm"`
}

// TradeResult summarizes a completed trade request.
type TradeResult struct {
	OrderID      string          `json:"order_id"`
	Fills        []Fill          `json:"fills"`
	TotalFilled  decimal.Decimal `json:"total_filled"`
	AveragePrice decimal.Decimal `json:"average_price"`
}

// SettlementResult summarizes a market resolution sweep.
type SettlementResult struct {
	SettledCount int             `json:"settled_count"`
	TotalPayout  decimal.Decimal `json:"total_payout"`
	TotalFees    decimal.Decimal `json:"total_fees"`
}
