// Package risk implements the trade-admission gate. The matcher calls the
// Manager before any state mutation; a rejection is returned synchronously
// and nothing is persisted.
package risk

import (
	"context"

	"github.com/shopspring/decimal"

	"github.com/predictlab/market-core/internal/model"
)

// Check carries the proposed trade the matcher wants admitted.
type Check struct {
	UserID    string
	EventID   string
	Side      model.OrderSide
	Target    model.Target
	Amount    decimal.Decimal // shares, estimated for cash-denominated buys
	RefPrice  decimal.Decimal // marginal price before the trade
	ExecPrice decimal.Decimal // estimated average execution price
}

// Manager validates a proposed trade. Implementations return a
// *model.RiskRejectedError to disallow, nil to allow.
type Manager interface {
	ValidateTrade(ctx context.Context, c Check) error
}

// ExposureReader is the balance view the limiter consults.
type ExposureReader interface {
	UserEventExposures(ctx context.Context, userID string) (map[string]decimal.Decimal, error)
}

// ExposureLimiter enforces position limits per event and across all events.
//
// Exposure is the user's net directional share holding: YES positive, NO
// negative, multi-outcome holdings positive. A buy moves exposure toward
// the traded direction, a sell away from it.
type ExposureLimiter struct {
	reader ExposureReader

	// MaxPerEvent is the maximum absolute net position in any single event.
	MaxPerEvent decimal.Decimal

	// MaxTotal is the maximum aggregate absolute exposure across all events.
	MaxTotal decimal.Decimal
}

// NewExposureLimiter creates a limiter with the given per-event and
// aggregate exposure limits.
func NewExposureLimiter(reader ExposureReader, maxPerEvent, maxTotal decimal.Decimal) *ExposureLimiter {
	return &ExposureLimiter{
		reader:      reader,
		MaxPerEvent: maxPerEvent,
		MaxTotal:    maxTotal,
	}
}

// ValidateTrade implements Manager.
func (l *ExposureLimiter) ValidateTrade(ctx context.Context, c Check) error {
	if !c.Amount.IsPositive() {
		return &model.RiskRejectedError{Reason: "amount must be positive"}
	}

	delta := c.Amount
	if c.Target.Kind == model.TargetNo {
		delta = delta.Neg()
	}
	if c.Side == model.SideSell {
		delta = delta.Neg()
	}

	exposures, err := l.reader.UserEventExposures(ctx, c.UserID)
	if err != nil {
		return err
	}

	newPosition := exposures[c.EventID].Add(delta)
	if newPosition.Abs().GreaterThan(l.MaxPerEvent) {
		return &model.RiskRejectedError{Reason: "per-event position limit exceeded"}
	}

	total := newPosition.Abs()
	for eventID, exposure := range exposures {
		if eventID == c.EventID {
			continue // already counted via newPosition above
		}
		total = total.Add(exposure.Abs())
	}
	if total.GreaterThan(l.MaxTotal) {
		return &model.RiskRejectedError{Reason: "aggregate exposure limit exceeded"}
	}

	return nil
}
