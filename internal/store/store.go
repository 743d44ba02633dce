// Package store defines the persistence interface for the market core.
// Implementations include PostgreSQL (source of truth), Redis (read-through
// cache), and in-memory (for testing).
package store

import (
	"context"

	"github.com/shopspring/decimal"

	"github.com/predictlab/market-core/internal/model"
)

// Store is the persistence interface. Reads outside a transaction are
// stale-read tolerant; every mutation happens inside WithTx.
type Store interface {
	// --- Event reads ---

	// GetEvent retrieves an event by id. Returns model.ErrNotFound when absent.
	GetEvent(ctx context.Context, id string) (*model.Event, error)

	// ListEvents returns all events, newest first.
	ListEvents(ctx context.Context) ([]model.Event, error)

	// GetOutcomes returns a multi event's outcomes sorted by id.
	GetOutcomes(ctx context.Context, eventID string) ([]model.Outcome, error)

	// --- Order and trade reads ---

	// GetOrder retrieves an order by id.
	GetOrder(ctx context.Context, id string) (*model.Order, error)

	// OpenOrders returns resting orders (open or partially filled) for one
	// event leg and side, in matching priority order: best price first
	// (descending for bids, ascending for asks), oldest first within a price.
	OpenOrders(ctx context.Context, eventID string, target model.Target, side model.OrderSide) ([]model.Order, error)

	// TradesByEvent returns the immutable trade records for an event in
	// execution order.
	TradesByEvent(ctx context.Context, eventID string) ([]model.Trade, error)

	// --- Balance reads ---

	// Balance returns the amount for (user, token), zero when no row exists.
	Balance(ctx context.Context, userID, symbol string) (decimal.Decimal, error)

	// UserBalances returns every balance row for a user.
	UserBalances(ctx context.Context, userID string) ([]model.Balance, error)

	// UserEventExposures returns the user's net directional share exposure
	// per event (YES positive, NO negative, multi holdings positive).
	UserEventExposures(ctx context.Context, userID string) (map[string]decimal.Decimal, error)

	// HoldersOf returns up to limit positive balances of a token, ordered
	// by user id for a deterministic settlement sweep.
	HoldersOf(ctx context.Context, symbol string, limit int) ([]model.Balance, error)

	// --- Transactional scope ---

	// CreateEvent persists a new event with its outcomes.
	CreateEvent(ctx context.Context, event *model.Event, outcomes []model.Outcome) error

	// WithTx runs fn inside one transaction. A non-nil error from fn rolls
	// every mutation back.
	WithTx(ctx context.Context, fn func(Tx) error) error
}

// Tx is the mutating surface available inside a transaction. Lock-acquiring
// reads (ForUpdate) pin rows for the duration of the transaction; outcome
// rows are always locked in id order to keep lock acquisition deterministic
// across concurrent trades on the same event.
type Tx interface {
	// GetEventForUpdate loads and row-locks an event.
	GetEventForUpdate(ctx context.Context, id string) (*model.Event, error)

	// OutcomesForUpdate loads and row-locks a multi event's outcomes, id order.
	OutcomesForUpdate(ctx context.Context, eventID string) ([]model.Outcome, error)

	// UpdateEventState writes new AMM quantities if version still matches,
	// bumping it. Returns model.ErrConcurrencyConflict on a lost race.
	UpdateEventState(ctx context.Context, id string, qYes, qNo decimal.Decimal, version int64) error

	// UpdateOutcome writes an outcome's liquidity and cached probability.
	UpdateOutcome(ctx context.Context, id string, liquidity, probability decimal.Decimal) error

	// BeginResolution transitions an active event to resolving and records
	// the winning token, closing it to trading before any payout lands.
	// Returns model.ErrAlreadyResolved if the event is not active.
	BeginResolution(ctx context.Context, eventID, winningToken string) error

	// MarkResolved transitions a resolving event to resolved. Returns
	// model.ErrAlreadyResolved if the event is not mid-resolution.
	MarkResolved(ctx context.Context, eventID, winningToken string) error

	// InsertOrder persists a new order.
	InsertOrder(ctx context.Context, o *model.Order) error

	// GetOrderForUpdate loads and row-locks an order.
	GetOrderForUpdate(ctx context.Context, id string) (*model.Order, error)

	// UpdateOrderFill writes an order's filled amount and status.
	UpdateOrderFill(ctx context.Context, id string, amountFilled decimal.Decimal, status model.OrderStatus) error

	// OpenOrders mirrors Store.OpenOrders inside the transaction.
	OpenOrders(ctx context.Context, eventID string, target model.Target, side model.OrderSide) ([]model.Order, error)

	// InsertTrade appends an immutable trade record.
	InsertTrade(ctx context.Context, t *model.Trade) error

	// Balance returns the amount for (user, token), zero when no row exists.
	Balance(ctx context.Context, userID, symbol string) (decimal.Decimal, error)

	// ApplyBalanceDelta finds-or-creates the row and applies amount += delta.
	ApplyBalanceDelta(ctx context.Context, userID, symbol, eventID, outcomeID string, delta decimal.Decimal) error

	// ZeroBalance sets a balance row to zero (share-token burn).
	ZeroBalance(ctx context.Context, userID, symbol string) error

	// HoldersOf mirrors Store.HoldersOf inside the transaction.
	HoldersOf(ctx context.Context, symbol string, limit int) ([]model.Balance, error)
}
