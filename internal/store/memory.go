package store

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/predictlab/market-core/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for testing and
// development. Transactions serialize on a single mutex; a snapshot taken
// at transaction start restores state when fn returns an error, so rejected
// operations leave no mutation behind.
type MemoryStore struct {
	mu       sync.RWMutex
	events   map[string]*model.Event
	outcomes map[string]*model.Outcome
	orders   map[string]*model.Order
	balances map[string]*model.Balance // key: userID + "\x00" + symbol
	trades   []model.Trade
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		events:   make(map[string]*model.Event),
		outcomes: make(map[string]*model.Outcome),
		orders:   make(map[string]*model.Order),
		balances: make(map[string]*model.Balance),
	}
}

func balanceKey(userID, symbol string) string {
	return userID + "\x00" + symbol
}

func (s *MemoryStore) GetEvent(_ context.Context, id string) (*model.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.getEventLocked(id)
}

func (s *MemoryStore) getEventLocked(id string) (*model.Event, error) {
	e, ok := s.events[id]
	if !ok {
		return nil, model.ErrNotFound
	}
	cp := *e
	return &cp, nil
}

func (s *MemoryStore) ListEvents(_ context.Context) ([]model.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	events := make([]model.Event, 0, len(s.events))
	for _, e := range s.events {
		events = append(events, *e)
	}
	sort.Slice(events, func(i, j int) bool {
		return events[i].CreatedAt.After(events[j].CreatedAt)
	})
	return events, nil
}

func (s *MemoryStore) GetOutcomes(_ context.Context, eventID string) ([]model.Outcome, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.outcomesLocked(eventID), nil
}

func (s *MemoryStore) outcomesLocked(eventID string) []model.Outcome {
	var outcomes []model.Outcome
	for _, o := range s.outcomes {
		if o.EventID == eventID {
			outcomes = append(outcomes, *o)
		}
	}
	sort.Slice(outcomes, func(i, j int) bool { return outcomes[i].ID < outcomes[j].ID })
	return outcomes
}

func (s *MemoryStore) GetOrder(_ context.Context, id string) (*model.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	o, ok := s.orders[id]
	if !ok {
		return nil, model.ErrNotFound
	}
	cp := *o
	return &cp, nil
}

func (s *MemoryStore) OpenOrders(_ context.Context, eventID string, target model.Target, side model.OrderSide) ([]model.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.openOrdersLocked(eventID, target, side), nil
}

func (s *MemoryStore) openOrdersLocked(eventID string, target model.Target, side model.OrderSide) []model.Order {
	var orders []model.Order
	for _, o := range s.orders {
		if o.EventID != eventID || o.Side != side || !o.Target.Equal(target) {
			continue
		}
		if o.Status != model.OrderOpen && o.Status != model.OrderPartiallyFilled {
			continue
		}
		orders = append(orders, *o)
	}
	sort.Slice(orders, func(i, j int) bool {
		if !orders[i].Price.Equal(orders[j].Price) {
			if side == model.SideBuy {
				return orders[i].Price.GreaterThan(orders[j].Price)
			}
			return orders[i].Price.LessThan(orders[j].Price)
		}
		return orders[i].CreatedAt.Before(orders[j].CreatedAt)
	})
	return orders
}

func (s *MemoryStore) TradesByEvent(_ context.Context, eventID string) ([]model.Trade, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var trades []model.Trade
	for _, t := range s.trades {
		if t.EventID == eventID {
			trades = append(trades, t)
		}
	}
	return trades, nil
}

func (s *MemoryStore) Balance(_ context.Context, userID, symbol string) (decimal.Decimal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.balanceLocked(userID, symbol), nil
}

func (s *MemoryStore) balanceLocked(userID, symbol string) decimal.Decimal {
	if b, ok := s.balances[balanceKey(userID, symbol)]; ok {
		return b.Amount
	}
	return decimal.Zero
}

func (s *MemoryStore) UserBalances(_ context.Context, userID string) ([]model.Balance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var balances []model.Balance
	for _, b := range s.balances {
		if b.UserID == userID {
			balances = append(balances, *b)
		}
	}
	sort.Slice(balances, func(i, j int) bool {
		return balances[i].TokenSymbol < balances[j].TokenSymbol
	})
	return balances, nil
}

func (s *MemoryStore) UserEventExposures(_ context.Context, userID string) (map[string]decimal.Decimal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	exposures := make(map[string]decimal.Decimal)
	for _, b := range s.balances {
		if b.UserID != userID || b.EventID == "" {
			continue
		}
		amt := b.Amount
		if strings.HasPrefix(b.TokenSymbol, "NO_") {
			amt = amt.Neg()
		}
		exposures[b.EventID] = exposures[b.EventID].Add(amt)
	}
	return exposures, nil
}

func (s *MemoryStore) HoldersOf(_ context.Context, symbol string, limit int) ([]model.Balance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.holdersLocked(symbol, limit), nil
}

func (s *MemoryStore) holdersLocked(symbol string, limit int) []model.Balance {
	var holders []model.Balance
	for _, b := range s.balances {
		if b.TokenSymbol == symbol && b.Amount.IsPositive() {
			holders = append(holders, *b)
		}
	}
	sort.Slice(holders, func(i, j int) bool { return holders[i].UserID < holders[j].UserID })
	if limit > 0 && len(holders) > limit {
		holders = holders[:limit]
	}
	return holders
}

func (s *MemoryStore) CreateEvent(_ context.Context, event *model.Event, outcomes []model.Outcome) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.events[event.ID]; exists {
		return model.ErrConcurrencyConflict
	}
	cp := *event
	s.events[event.ID] = &cp
	for _, o := range outcomes {
		oc := o
		s.outcomes[o.ID] = &oc
	}
	return nil
}

// WithTx serializes the transaction under the write lock and rolls back to
// a snapshot if fn fails.
func (s *MemoryStore) WithTx(_ context.Context, fn func(Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := s.snapshot()
	if err := fn(&memTx{s: s}); err != nil {
		s.restore(snap)
		return err
	}
	return nil
}

type memSnapshot struct {
	events   map[string]*model.Event
	outcomes map[string]*model.Outcome
	orders   map[string]*model.Order
	balances map[string]*model.Balance
	trades   int
}

func (s *MemoryStore) snapshot() memSnapshot {
	snap := memSnapshot{
		events:   make(map[string]*model.Event, len(s.events)),
		outcomes: make(map[string]*model.Outcome, len(s.outcomes)),
		orders:   make(map[string]*model.Order, len(s.orders)),
		balances: make(map[string]*model.Balance, len(s.balances)),
		trades:   len(s.trades),
	}
	for k, v := range s.events {
		cp := *v
		snap.events[k] = &cp
	}
	for k, v := range s.outcomes {
		cp := *v
		snap.outcomes[k] = &cp
	}
	for k, v := range s.orders {
		cp := *v
		snap.orders[k] = &cp
	}
	for k, v := range s.balances {
		cp := *v
		snap.balances[k] = &cp
	}
	return snap
}

func (s *MemoryStore) restore(snap memSnapshot) {
	s.events = snap.events
	s.outcomes = snap.outcomes
	s.orders = snap.orders
	s.balances = snap.balances
	s.trades = s.trades[:snap.trades]
}

// memTx implements Tx directly against the locked store.
type memTx struct {
	s *MemoryStore
}

func (t *memTx) GetEventForUpdate(_ context.Context, id string) (*model.Event, error) {
	return t.s.getEventLocked(id)
}

func (t *memTx) OutcomesForUpdate(_ context.Context, eventID string) ([]model.Outcome, error) {
	return t.s.outcomesLocked(eventID), nil
}

func (t *memTx) UpdateEventState(_ context.Context, id string, qYes, qNo decimal.Decimal, version int64) error {
	e, ok := t.s.events[id]
	if !ok {
		return model.ErrNotFound
	}
	if e.Version != version {
		return model.ErrConcurrencyConflict
	}
	e.QYes = qYes
	e.QNo = qNo
	e.Version++
	return nil
}

func (t *memTx) UpdateOutcome(_ context.Context, id string, liquidity, probability decimal.Decimal) error {
	o, ok := t.s.outcomes[id]
	if !ok {
		return model.ErrNotFound
	}
	o.Liquidity = liquidity
	o.Probability = probability
	return nil
}

func (t *memTx) BeginResolution(_ context.Context, eventID, winningToken string) error {
	e, ok := t.s.events[eventID]
	if !ok {
		return model.ErrNotFound
	}
	if e.Status != model.EventActive {
		return model.ErrAlreadyResolved
	}
	e.Status = model.EventResolving
	e.WinningToken = winningToken
	e.Version++
	return nil
}

func (t *memTx) MarkResolved(_ context.Context, eventID, winningToken string) error {
	e, ok := t.s.events[eventID]
	if !ok {
		return model.ErrNotFound
	}
	if e.Status != model.EventResolving {
		return model.ErrAlreadyResolved
	}
	e.Status = model.EventResolved
	e.WinningToken = winningToken
	e.Version++
	return nil
}

func (t *memTx) InsertOrder(_ context.Context, o *model.Order) error {
	cp := *o
	t.s.orders[o.ID] = &cp
	return nil
}

func (t *memTx) GetOrderForUpdate(_ context.Context, id string) (*model.Order, error) {
	o, ok := t.s.orders[id]
	if !ok {
		return nil, model.ErrNotFound
	}
	cp := *o
	return &cp, nil
}

func (t *memTx) UpdateOrderFill(_ context.Context, id string, amountFilled decimal.Decimal, status model.OrderStatus) error {
	o, ok := t.s.orders[id]
	if !ok {
		return model.ErrNotFound
	}
	o.AmountFilled = amountFilled
	o.Status = status
	return nil
}

func (t *memTx) OpenOrders(_ context.Context, eventID string, target model.Target, side model.OrderSide) ([]model.Order, error) {
	return t.s.openOrdersLocked(eventID, target, side), nil
}

func (t *memTx) InsertTrade(_ context.Context, tr *model.Trade) error {
	t.s.trades = append(t.s.trades, *tr)
	return nil
}

func (t *memTx) Balance(_ context.Context, userID, symbol string) (decimal.Decimal, error) {
	return t.s.balanceLocked(userID, symbol), nil
}

func (t *memTx) ApplyBalanceDelta(_ context.Context, userID, symbol, eventID, outcomeID string, delta decimal.Decimal) error {
	key := balanceKey(userID, symbol)
	b, ok := t.s.balances[key]
	if !ok {
		b = &model.Balance{
			UserID:      userID,
			TokenSymbol: symbol,
			EventID:     eventID,
			OutcomeID:   outcomeID,
			Amount:      decimal.Zero,
		}
		t.s.balances[key] = b
	}
	b.Amount = b.Amount.Add(delta)
	return nil
}

func (t *memTx) ZeroBalance(_ context.Context, userID, symbol string) error {
	if b, ok := t.s.balances[balanceKey(userID, symbol)]; ok {
		b.Amount = decimal.Zero
	}
	return nil
}

func (t *memTx) HoldersOf(_ context.Context, symbol string, limit int) ([]model.Balance, error) {
	return t.s.holdersLocked(symbol, limit), nil
}
