package trade_test

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/predictlab/market-core/internal/hedge"
	"github.com/predictlab/market-core/internal/model"
	"github.com/predictlab/market-core/internal/risk"
	"github.com/predictlab/market-core/internal/store"
	"github.com/predictlab/market-core/internal/trade"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

// newTestEnv creates a Service with an in-memory store and a chi router
// wired like the production server.
func newTestEnv(t *testing.T) (*store.MemoryStore, chi.Router) {
	t.Helper()
	ms := store.NewMemoryStore()
	limiter := risk.NewExposureLimiter(ms, d(1_000_000), d(10_000_000))
	engine := trade.NewEngine(ms, limiter, hedge.Noop{}, d(0.02))
	svc := trade.NewService(ms, engine, nil)

	r := chi.NewRouter()
	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/events", svc.ListEvents)
		r.Post("/events", svc.CreateEvent)
		r.Get("/events/{eventID}", svc.GetEvent)
		r.Get("/events/{eventID}/prices", svc.GetPrices)
		r.Get("/events/{eventID}/trades", svc.GetTrades)
		r.Get("/events/{eventID}/book", svc.GetOrderBook)
		r.Post("/events/{eventID}/resolve", svc.ResolveEvent)
		r.Post("/quote", svc.Quote)
		r.Post("/trade", svc.ExecuteTrade)
		r.Delete("/orders/{orderID}", svc.CancelOrder)
		r.Get("/balances/{userID}", svc.GetBalances)
		r.Post("/deposit", svc.Deposit)
	})
	return ms, r
}

func doJSON(t *testing.T, router chi.Router, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode request: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func createBinaryEvent(t *testing.T, router chi.Router) string {
	t.Helper()
	w := doJSON(t, router, "POST", "/api/v1/events", trade.CreateEventRequest{
		Title: "Will it rain tomorrow?",
		Type:  model.EventBinary,
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("create event failed: %d %s", w.Code, w.Body.String())
	}
	var resp struct {
		Event model.Event `json:"event"`
	}
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("decode create response: %v", err)
	}
	return resp.Event.ID
}

func deposit(t *testing.T, router chi.Router, userID string, amount float64) {
	t.Helper()
	w := doJSON(t, router, "POST", "/api/v1/deposit", trade.DepositRequest{
		UserID: userID,
		Amount: d(amount),
	})
	if w.Code != http.StatusOK {
		t.Fatalf("deposit failed: %d %s", w.Code, w.Body.String())
	}
}

// --- Event creation ---

func TestCreateEvent_BinaryDefaults(t *testing.T) {
	_, router := newTestEnv(t)

	w := doJSON(t, router, "POST", "/api/v1/events", trade.CreateEventRequest{
		Title: "Will it rain tomorrow?",
		Type:  model.EventBinary,
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}

	var resp struct {
		Event model.Event `json:"event"`
	}
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !resp.Event.B.Equal(d(100)) {
		t.Errorf("expected default b=100, got %s", resp.Event.B)
	}
	if resp.Event.Status != model.EventActive {
		t.Errorf("expected active event, got %s", resp.Event.Status)
	}
}

func TestCreateEvent_MultiRequiresOutcomes(t *testing.T) {
	_, router := newTestEnv(t)

	w := doJSON(t, router, "POST", "/api/v1/events", trade.CreateEventRequest{
		Title:    "Who wins the cup?",
		Type:     model.EventMulti,
		Outcomes: []string{"only one"},
	})
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", w.Code)
	}
}

func TestCreateEvent_MissingTitle(t *testing.T) {
	_, router := newTestEnv(t)
	w := doJSON(t, router, "POST", "/api/v1/events", trade.CreateEventRequest{Type: model.EventBinary})
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", w.Code)
	}
}

// --- Trading over HTTP ---

func TestTrade_EndToEnd(t *testing.T) {
	_, router := newTestEnv(t)
	eventID := createBinaryEvent(t, router)
	deposit(t, router, "alice", 500)

	w := doJSON(t, router, "POST", "/api/v1/trade", trade.TradeHTTPRequest{
		UserID:  "alice",
		EventID: eventID,
		Target:  "YES",
		Side:    model.SideBuy,
		Amount:  d(100),
	})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	var result model.TradeResult
	if err := json.NewDecoder(w.Body).Decode(&result); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !result.TotalFilled.IsPositive() {
		t.Errorf("expected positive fill, got %s", result.TotalFilled)
	}

	// Prices moved off 0.5.
	w = doJSON(t, router, "GET", "/api/v1/events/"+eventID+"/prices", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("prices failed: %d", w.Code)
	}
	var prices map[string]decimal.Decimal
	if err := json.NewDecoder(w.Body).Decode(&prices); err != nil {
		t.Fatalf("decode prices: %v", err)
	}
	if !prices["YES"].GreaterThan(d(0.5)) {
		t.Errorf("expected YES above 0.5, got %s", prices["YES"])
	}

	// The trade shows up in the event history.
	w = doJSON(t, router, "GET", "/api/v1/events/"+eventID+"/trades", nil)
	var trades []model.Trade
	if err := json.NewDecoder(w.Body).Decode(&trades); err != nil {
		t.Fatalf("decode trades: %v", err)
	}
	if len(trades) != 1 || !trades[0].AMM {
		t.Errorf("expected one AMM trade record, got %+v", trades)
	}
}

func TestTrade_InsufficientBalanceIsConflict(t *testing.T) {
	_, router := newTestEnv(t)
	eventID := createBinaryEvent(t, router)
	deposit(t, router, "alice", 5)

	w := doJSON(t, router, "POST", "/api/v1/trade", trade.TradeHTTPRequest{
		UserID:  "alice",
		EventID: eventID,
		Target:  "YES",
		Side:    model.SideBuy,
		Amount:  d(100),
	})
	if w.Code != http.StatusConflict {
		t.Errorf("expected 409, got %d: %s", w.Code, w.Body.String())
	}
}

func TestTrade_BadTargetIsBadRequest(t *testing.T) {
	_, router := newTestEnv(t)
	eventID := createBinaryEvent(t, router)
	deposit(t, router, "alice", 100)

	w := doJSON(t, router, "POST", "/api/v1/trade", trade.TradeHTTPRequest{
		UserID:  "alice",
		EventID: eventID,
		Target:  "MAYBE",
		Side:    model.SideBuy,
		Amount:  d(10),
	})
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", w.Code)
	}
}

func TestQuote_Endpoint(t *testing.T) {
	_, router := newTestEnv(t)
	eventID := createBinaryEvent(t, router)

	w := doJSON(t, router, "POST", "/api/v1/quote", trade.QuoteRequest{
		EventID: eventID,
		Target:  "YES",
		Side:    model.SideBuy,
		Amount:  d(50),
	})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var quote model.Quote
	if err := json.NewDecoder(w.Body).Decode(&quote); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !quote.Shares.IsPositive() || !quote.NewProbability.GreaterThan(d(0.5)) {
		t.Errorf("implausible quote: %+v", quote)
	}
}

// --- Orders over HTTP ---

func TestCancelOrder_HTTP(t *testing.T) {
	_, router := newTestEnv(t)
	eventID := createBinaryEvent(t, router)
	deposit(t, router, "alice", 100)

	limit := d(0.30)
	w := doJSON(t, router, "POST", "/api/v1/trade", trade.TradeHTTPRequest{
		UserID:     "alice",
		EventID:    eventID,
		Target:     "YES",
		Side:       model.SideBuy,
		Amount:     d(10),
		LimitPrice: &limit,
	})
	if w.Code != http.StatusOK {
		t.Fatalf("placement failed: %d %s", w.Code, w.Body.String())
	}
	var placed model.TradeResult
	if err := json.NewDecoder(w.Body).Decode(&placed); err != nil {
		t.Fatalf("decode: %v", err)
	}

	// The resting order shows in the book, then disappears after cancel.
	w = doJSON(t, router, "GET", "/api/v1/events/"+eventID+"/book?target=YES", nil)
	var book model.OrderBook
	if err := json.NewDecoder(w.Body).Decode(&book); err != nil {
		t.Fatalf("decode book: %v", err)
	}
	if len(book.Bids) != 1 {
		t.Fatalf("expected one bid level, got %+v", book.Bids)
	}

	w = doJSON(t, router, "DELETE", "/api/v1/orders/"+placed.OrderID+"?user_id=alice", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("cancel failed: %d %s", w.Code, w.Body.String())
	}

	w = doJSON(t, router, "GET", "/api/v1/events/"+eventID+"/book?target=YES", nil)
	book = model.OrderBook{}
	if err := json.NewDecoder(w.Body).Decode(&book); err != nil {
		t.Fatalf("decode book: %v", err)
	}
	if len(book.Bids) != 0 {
		t.Errorf("cancelled order must leave the book, got %+v", book.Bids)
	}
}

func TestCancelOrder_RequiresUser(t *testing.T) {
	_, router := newTestEnv(t)
	w := doJSON(t, router, "DELETE", "/api/v1/orders/some-order", nil)
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400 without user_id, got %d", w.Code)
	}
}

// --- Resolution over HTTP ---

func TestResolve_HTTP(t *testing.T) {
	_, router := newTestEnv(t)
	eventID := createBinaryEvent(t, router)
	deposit(t, router, "alice", 100)

	w := doJSON(t, router, "POST", "/api/v1/trade", trade.TradeHTTPRequest{
		UserID:  "alice",
		EventID: eventID,
		Target:  "YES",
		Side:    model.SideBuy,
		Amount:  d(50),
	})
	if w.Code != http.StatusOK {
		t.Fatalf("trade failed: %d", w.Code)
	}

	w = doJSON(t, router, "POST", "/api/v1/events/"+eventID+"/resolve", trade.ResolveRequest{
		WinningTarget: "YES",
	})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var result model.SettlementResult
	if err := json.NewDecoder(w.Body).Decode(&result); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if result.SettledCount != 1 {
		t.Errorf("expected one settled holder, got %d", result.SettledCount)
	}

	// Second resolution conflicts.
	w = doJSON(t, router, "POST", "/api/v1/events/"+eventID+"/resolve", trade.ResolveRequest{
		WinningTarget: "YES",
	})
	if w.Code != http.StatusConflict {
		t.Errorf("expected 409 on repeat, got %d", w.Code)
	}
}

// --- Deposits ---

func TestDeposit_Validation(t *testing.T) {
	_, router := newTestEnv(t)

	w := doJSON(t, router, "POST", "/api/v1/deposit", trade.DepositRequest{UserID: "", Amount: d(10)})
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for missing user, got %d", w.Code)
	}
	w = doJSON(t, router, "POST", "/api/v1/deposit", trade.DepositRequest{UserID: "alice", Amount: d(-5)})
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for negative amount, got %d", w.Code)
	}
	w = doJSON(t, router, "POST", "/api/v1/deposit", trade.DepositRequest{UserID: "treasury", Amount: d(10)})
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for system account, got %d", w.Code)
	}
}

func TestGetBalances_HTTP(t *testing.T) {
	_, router := newTestEnv(t)
	deposit(t, router, "alice", 42)

	w := doJSON(t, router, "GET", "/api/v1/balances/alice", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var balances []model.Balance
	if err := json.NewDecoder(w.Body).Decode(&balances); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(balances) != 1 || !balances[0].Amount.Equal(d(42)) {
		t.Errorf("expected one balance of 42, got %+v", balances)
	}
}
