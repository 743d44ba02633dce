package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/predictlab/market-core/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache for event and outcome reads. Transactions run against the primary;
// keys for events touched inside a committed transaction are invalidated
// afterwards so quote reads converge on the new AMM state.
type CachedStore struct {
	primary Store
	rdb     *redis.Client
	ttl     time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{primary: primary, rdb: rdb, ttl: ttl}
}

func eventKey(id string) string    { return fmt.Sprintf("event:%s", id) }
func outcomesKey(id string) string { return fmt.Sprintf("outcomes:%s", id) }

// --- Read-through ---

func (s *CachedStore) GetEvent(ctx context.Context, id string) (*model.Event, error) {
	data, err := s.rdb.Get(ctx, eventKey(id)).Bytes()
	if err == nil {
		var e model.Event
		if json.Unmarshal(data, &e) == nil {
			return &e, nil
		}
	}

	e, err := s.primary.GetEvent(ctx, id)
	if err != nil {
		return nil, err
	}
	s.cacheEvent(ctx, e)
	return e, nil
}

func (s *CachedStore) GetOutcomes(ctx context.Context, eventID string) ([]model.Outcome, error) {
	data, err := s.rdb.Get(ctx, outcomesKey(eventID)).Bytes()
	if err == nil {
		var outcomes []model.Outcome
		if json.Unmarshal(data, &outcomes) == nil {
			return outcomes, nil
		}
	}

	outcomes, err := s.primary.GetOutcomes(ctx, eventID)
	if err != nil {
		return nil, err
	}
	if data, err := json.Marshal(outcomes); err == nil {
		s.rdb.Set(ctx, outcomesKey(eventID), data, s.ttl)
	}
	return outcomes, nil
}

// --- Writes (invalidate after commit) ---

func (s *CachedStore) CreateEvent(ctx context.Context, event *model.Event, outcomes []model.Outcome) error {
	if err := s.primary.CreateEvent(ctx, event, outcomes); err != nil {
		return err
	}
	s.cacheEvent(ctx, event)
	return nil
}

func (s *CachedStore) WithTx(ctx context.Context, fn func(Tx) error) error {
	touched := make(map[string]struct{})
	err := s.primary.WithTx(ctx, func(tx Tx) error {
		return fn(&invalidatingTx{Tx: tx, touched: touched})
	})
	if err != nil {
		return err
	}
	for eventID := range touched {
		s.rdb.Del(ctx, eventKey(eventID), outcomesKey(eventID))
	}
	return nil
}

func (s *CachedStore) cacheEvent(ctx context.Context, e *model.Event) {
	if data, err := json.Marshal(e); err == nil {
		s.rdb.Set(ctx, eventKey(e.ID), data, s.ttl)
	}
}

// --- Passthrough (not cached) ---

func (s *CachedStore) ListEvents(ctx context.Context) ([]model.Event, error) {
	return s.primary.ListEvents(ctx)
}

func (s *CachedStore) GetOrder(ctx context.Context, id string) (*model.Order, error) {
	return s.primary.GetOrder(ctx, id)
}

func (s *CachedStore) OpenOrders(ctx context.Context, eventID string, target model.Target, side model.OrderSide) ([]model.Order, error) {
	return s.primary.OpenOrders(ctx, eventID, target, side)
}

func (s *CachedStore) TradesByEvent(ctx context.Context, eventID string) ([]model.Trade, error) {
	return s.primary.TradesByEvent(ctx, eventID)
}

func (s *CachedStore) Balance(ctx context.Context, userID, symbol string) (decimal.Decimal, error) {
	return s.primary.Balance(ctx, userID, symbol)
}

func (s *CachedStore) UserBalances(ctx context.Context, userID string) ([]model.Balance, error) {
	return s.primary.UserBalances(ctx, userID)
}

func (s *CachedStore) UserEventExposures(ctx context.Context, userID string) (map[string]decimal.Decimal, error) {
	return s.primary.UserEventExposures(ctx, userID)
}

func (s *CachedStore) HoldersOf(ctx context.Context, symbol string, limit int) ([]model.Balance, error) {
	return s.primary.HoldersOf(ctx, symbol, limit)
}

// invalidatingTx records which events a transaction mutates.
type invalidatingTx struct {
	Tx
	touched map[string]struct{}
}

func (t *invalidatingTx) UpdateEventState(ctx context.Context, id string, qYes, qNo decimal.Decimal, version int64) error {
	t.touched[id] = struct{}{}
	return t.Tx.UpdateEventState(ctx, id, qYes, qNo, version)
}

func (t *invalidatingTx) UpdateOutcome(ctx context.Context, id string, liquidity, probability decimal.Decimal) error {
	// Outcome rows carry their event id on the caller's side; the outcome
	// cache key is per event, so callers touching outcomes always touch the
	// event row too (version bump). Nothing extra to record here.
	return t.Tx.UpdateOutcome(ctx, id, liquidity, probability)
}

func (t *invalidatingTx) BeginResolution(ctx context.Context, eventID, winningToken string) error {
	t.touched[eventID] = struct{}{}
	return t.Tx.BeginResolution(ctx, eventID, winningToken)
}

func (t *invalidatingTx) MarkResolved(ctx context.Context, eventID, winningToken string) error {
	t.touched[eventID] = struct{}{}
	return t.Tx.MarkResolved(ctx, eventID, winningToken)
}
