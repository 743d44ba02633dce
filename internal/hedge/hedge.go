// Package hedge defines the external hedge collaborator the settlement
// engine coordinates with. The real implementation talks to an external
// exchange; this core only consumes the interface. Settlement treats the
// call as best-effort: a failure is logged and payouts proceed, because
// freezing user funds on an external-system outage is worse than a
// reconciliation gap.
package hedge

import (
	"context"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/predictlab/market-core/internal/model"
)

// Result aggregates the P/L of hedged positions settled for one event.
type Result struct {
	SettledCount int             `json:"settled_count"`
	TotalPnL     decimal.Decimal `json:"total_pnl"`
	Errors       []string        `json:"errors,omitempty"`
}

// Manager settles externally-hedged positions when an event resolves.
type Manager interface {
	SettleEventHedges(ctx context.Context, eventID string, winning model.Target) (Result, error)
}

// Noop is the default Manager for deployments without external hedging.
type Noop struct{}

// SettleEventHedges reports zero hedged positions.
func (Noop) SettleEventHedges(_ context.Context, _ string, _ model.Target) (Result, error) {
	return Result{TotalPnL: decimal.Zero}, nil
}

// Recorder is a test double that records settlement calls and returns a
// configured result or error.
type Recorder struct {
	mu     sync.Mutex
	calls  []string
	Result Result
	Err    error
}

// SettleEventHedges records the event id and returns the configured outcome.
func (r *Recorder) SettleEventHedges(_ context.Context, eventID string, _ model.Target) (Result, error) {
	r.mu.Lock()
	r.calls = append(r.calls, eventID)
	r.mu.Unlock()
	if r.Err != nil {
		return Result{}, r.Err
	}
	return r.Result, nil
}

// Calls returns the recorded event ids.
func (r *Recorder) Calls() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.calls...)
}
