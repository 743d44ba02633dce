// Package trade — HTTP handlers for events, quotes, trades, order books,
// resolutions, and balances.
package trade

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/predictlab/market-core/internal/ledger"
	"github.com/predictlab/market-core/internal/lmsr"
	"github.com/predictlab/market-core/internal/model"
	"github.com/predictlab/market-core/internal/store"
	"github.com/predictlab/market-core/internal/token"
)

// Service exposes the trade engine over HTTP. Concurrency control lives in
// the store's versioned transactions, not here.
type Service struct {
	store  store.Store
	engine *Engine
	wsHub  *WSHub // optional; nil disables broadcasts
}

// NewService creates the HTTP service. Pass nil for hub if WebSocket
// broadcasting is not needed.
func NewService(st store.Store, engine *Engine, hub *WSHub) *Service {
	return &Service{store: st, engine: engine, wsHub: hub}
}

// --- Request/Response types ---

// CreateEventRequest is the JSON body for event creation. Outcomes are
// required for multi events and forbidden for binary ones.
type CreateEventRequest struct {
	Title    string          `json:"title"`
	Type     model.EventType `json:"type"`
	B        decimal.Decimal `json:"liquidity_parameter"` // 0 → default 100, floored at the minimum
	Outcomes []string        `json:"outcomes,omitempty"`
}

// QuoteRequest is the JSON body for POST /quote.
type QuoteRequest struct {
	EventID string          `json:"event_id"`
	Target  string          `json:"target"` // "YES", "NO", or outcome id
	Side    model.OrderSide `json:"side"`
	Amount  decimal.Decimal `json:"amount"` // cash for buys, shares for sells
}

// TradeHTTPRequest is the JSON body for POST /trade. Market buys spend
// Amount in cash; market sells and limit orders quote Amount in shares.
type TradeHTTPRequest struct {
	UserID     string           `json:"user_id"`
	EventID    string           `json:"event_id"`
	Target     string           `json:"target"`
	Side       model.OrderSide  `json:"side"`
	Amount     decimal.Decimal  `json:"amount"`
	LimitPrice *decimal.Decimal `json:"limit_price,omitempty"`
}

// ResolveRequest is the JSON body for POST /events/{eventID}/resolve.
type ResolveRequest struct {
	WinningTarget string `json:"winning_target"` // "YES", "NO", or outcome id
}

// DepositRequest is the JSON body for the cash faucet.
type DepositRequest struct {
	UserID string          `json:"user_id"`
	Amount decimal.Decimal `json:"amount"`
}

// --- HTTP Handlers ---

// CreateEvent handles POST /api/v1/events
func (s *Service) CreateEvent(w http.ResponseWriter, r *http.Request) {
	var req CreateEventRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.Title == "" {
		writeError(w, "title is required", http.StatusBadRequest)
		return
	}

	b := req.B
	if b.LessThanOrEqual(decimal.Zero) {
		b = decimal.NewFromInt(100) // default liquidity
	}
	b = token.ClampLiquidity(b)
	if _, err := lmsr.NewMarketMaker(b); err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}

	event := &model.Event{
		ID:        uuid.New().String(),
		Title:     req.Title,
		Type:      req.Type,
		B:         b,
		QYes:      decimal.Zero,
		QNo:       decimal.Zero,
		Status:    model.EventActive,
		Version:   1,
		CreatedAt: time.Now().UTC(),
	}

	var outcomes []model.Outcome
	switch req.Type {
	case model.EventBinary:
		if len(req.Outcomes) > 0 {
			writeError(w, "binary events take no outcome list", http.StatusBadRequest)
			return
		}
	case model.EventMulti:
		if len(req.Outcomes) < 2 {
			writeError(w, "multi events require at least two outcomes", http.StatusBadRequest)
			return
		}
		prob := decimal.NewFromInt(1).DivRound(decimal.NewFromInt(int64(len(req.Outcomes))), lmsr.PriceScale)
		for _, name := range req.Outcomes {
			outcomes = append(outcomes, model.Outcome{
				ID:          uuid.New().String(),
				EventID:     event.ID,
				Name:        name,
				Liquidity:   decimal.Zero,
				Probability: prob,
			})
		}
	default:
		writeError(w, "type must be binary or multi", http.StatusBadRequest)
		return
	}

	if err := s.store.CreateEvent(r.Context(), event, outcomes); err != nil {
		writeError(w, err.Error(), http.StatusConflict)
		return
	}

	slog.Info("event created",
		"id", event.ID,
		"title", event.Title,
		"type", string(event.Type),
		"b", b.String(),
		"outcomes", len(outcomes),
	)

	writeJSON(w, http.StatusCreated, map[string]any{
		"event":    event,
		"outcomes": outcomes,
	})
}

// ListEvents handles GET /api/v1/events
func (s *Service) ListEvents(w http.ResponseWriter, r *http.Request) {
	events, err := s.store.ListEvents(r.Context())
	if err != nil {
		writeError(w, "failed to list events", http.StatusInternalServerError)
		return
	}
	if events == nil {
		events = []model.Event{}
	}
	writeJSON(w, http.StatusOK, events)
}

// GetEvent handles GET /api/v1/events/{eventID}
func (s *Service) GetEvent(w http.ResponseWriter, r *http.Request) {
	event, err := s.store.GetEvent(r.Context(), chi.URLParam(r, "eventID"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, event)
}

// GetPrices handles GET /api/v1/events/{eventID}/prices
// Returns current probabilities for every leg of the event.
func (s *Service) GetPrices(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	event, err := s.store.GetEvent(ctx, chi.URLParam(r, "eventID"))
	if err != nil {
		writeDomainError(w, err)
		return
	}

	mm, err := lmsr.NewMarketMaker(event.B)
	if err != nil {
		writeError(w, "invalid event configuration", http.StatusInternalServerError)
		return
	}

	if event.Type == model.EventBinary {
		yes := mm.Price(event.QYes, event.QNo)
		writeJSON(w, http.StatusOK, map[string]decimal.Decimal{
			"YES": yes,
			"NO":  mm.PriceNo(event.QYes, event.QNo),
		})
		return
	}

	outcomes, err := s.store.GetOutcomes(ctx, event.ID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	qs := make([]decimal.Decimal, len(outcomes))
	for i, o := range outcomes {
		qs[i] = o.Liquidity
	}
	probs := mm.Probabilities(qs)
	resp := make(map[string]decimal.Decimal, len(outcomes))
	for i, o := range outcomes {
		resp[o.ID] = probs[i]
	}
	writeJSON(w, http.StatusOK, resp)
}

// GetTrades handles GET /api/v1/events/{eventID}/trades
func (s *Service) GetTrades(w http.ResponseWriter, r *http.Request) {
	eventID := chi.URLParam(r, "eventID")
	if _, err := s.store.GetEvent(r.Context(), eventID); err != nil {
		writeDomainError(w, err)
		return
	}
	trades, err := s.store.TradesByEvent(r.Context(), eventID)
	if err != nil {
		writeError(w, "failed to load trades", http.StatusInternalServerError)
		return
	}
	if trades == nil {
		trades = []model.Trade{}
	}
	writeJSON(w, http.StatusOK, trades)
}

// Quote handles POST /api/v1/quote
// Prices a prospective AMM trade without executing anything.
func (s *Service) Quote(w http.ResponseWriter, r *http.Request) {
	var req QuoteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	target, err := s.parseTarget(r, req.EventID, req.Target)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	quote, err := s.engine.ComputeQuote(r.Context(), req.EventID, target, req.Side, req.Amount)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, quote)
}

// ExecuteTrade handles POST /api/v1/trade
func (s *Service) ExecuteTrade(w http.ResponseWriter, r *http.Request) {
	var req TradeHTTPRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.UserID == "" {
		writeError(w, "user_id is required", http.StatusBadRequest)
		return
	}

	target, err := s.parseTarget(r, req.EventID, req.Target)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	result, err := s.engine.ExecuteTrade(r.Context(), TradeRequest{
		UserID:     req.UserID,
		EventID:    req.EventID,
		Side:       req.Side,
		Target:     target,
		Amount:     req.Amount,
		LimitPrice: req.LimitPrice,
	})
	if err != nil {
		writeDomainError(w, err)
		return
	}

	if s.wsHub != nil && result.TotalFilled.IsPositive() {
		s.wsHub.Broadcast(WSMessage{
			Type:     "trade_executed",
			EventID:  req.EventID,
			Target:   target.String(),
			Side:     string(req.Side),
			Amount:   result.TotalFilled.String(),
			AvgPrice: result.AveragePrice.String(),
		})
	}

	writeJSON(w, http.StatusOK, result)
}

// GetOrderBook handles GET /api/v1/events/{eventID}/book?target=...
func (s *Service) GetOrderBook(w http.ResponseWriter, r *http.Request) {
	eventID := chi.URLParam(r, "eventID")
	target, err := s.parseTarget(r, eventID, r.URL.Query().Get("target"))
	if err != nil {
		writeDomainError(w, err)
		return
	}

	book, err := s.engine.GetOrderBook(r.Context(), eventID, target)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, book)
}

// CancelOrder handles DELETE /api/v1/orders/{orderID}?user_id=...
func (s *Service) CancelOrder(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		writeError(w, "user_id is required", http.StatusBadRequest)
		return
	}
	orderID := chi.URLParam(r, "orderID")

	if err := s.engine.CancelOrder(r.Context(), userID, orderID); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "cancelled", "order_id": orderID})
}

// ResolveEvent handles POST /api/v1/events/{eventID}/resolve
func (s *Service) ResolveEvent(w http.ResponseWriter, r *http.Request) {
	var req ResolveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	eventID := chi.URLParam(r, "eventID")

	target, err := s.parseTarget(r, eventID, req.WinningTarget)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	result, err := s.engine.ResolveMarket(r.Context(), eventID, target)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	if s.wsHub != nil {
		s.wsHub.Broadcast(WSMessage{
			Type:         "market_resolved",
			EventID:      eventID,
			WinningToken: target.TokenSymbol(eventID),
		})
	}

	writeJSON(w, http.StatusOK, result)
}

// GetBalances handles GET /api/v1/balances/{userID}
func (s *Service) GetBalances(w http.ResponseWriter, r *http.Request) {
	balances, err := s.store.UserBalances(r.Context(), chi.URLParam(r, "userID"))
	if err != nil {
		writeError(w, "failed to load balances", http.StatusInternalServerError)
		return
	}
	if balances == nil {
		balances = []model.Balance{}
	}
	writeJSON(w, http.StatusOK, balances)
}

// Deposit handles POST /api/v1/deposit — the development cash faucet.
func (s *Service) Deposit(w http.ResponseWriter, r *http.Request) {
	var req DepositRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.UserID == "" {
		writeError(w, "user_id is required", http.StatusBadRequest)
		return
	}
	if !req.Amount.IsPositive() {
		writeError(w, "amount must be positive", http.StatusBadRequest)
		return
	}
	if token.IsSystemAccount(req.UserID) {
		writeError(w, "cannot deposit to a system account", http.StatusBadRequest)
		return
	}

	err := s.store.WithTx(r.Context(), func(tx store.Tx) error {
		return ledger.Credit(r.Context(), tx, req.UserID, token.Cash, "", "", req.Amount)
	})
	if err != nil {
		writeDomainError(w, err)
		return
	}

	balance, err := s.store.Balance(r.Context(), req.UserID, token.Cash)
	if err != nil {
		writeError(w, "failed to load balance", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"user_id": req.UserID,
		"balance": balance,
	})
}

// parseTarget resolves a wire-form target against the event's type.
func (s *Service) parseTarget(r *http.Request, eventID, raw string) (model.Target, error) {
	if eventID == "" {
		return model.Target{}, fmt.Errorf("%w: event_id is required", model.ErrInvalidInput)
	}
	event, err := s.store.GetEvent(r.Context(), eventID)
	if err != nil {
		return model.Target{}, err
	}
	return model.ParseTarget(event.Type, raw)
}

// --- JSON helpers ---

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	writeJSON(w, status, map[string]string{"error": message})
}

// writeDomainError maps domain errors onto HTTP status codes.
func writeDomainError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, model.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, model.ErrInvalidInput):
		status = http.StatusBadRequest
	case errors.Is(err, model.ErrInvalidQuote):
		status = http.StatusUnprocessableEntity
	case errors.Is(err, model.ErrTradingClosed),
		errors.Is(err, model.ErrAlreadyResolved),
		errors.Is(err, model.ErrConcurrencyConflict),
		model.IsInsufficientBalance(err),
		model.IsRiskRejected(err):
		status = http.StatusConflict
	}
	writeError(w, err.Error(), status)
}
