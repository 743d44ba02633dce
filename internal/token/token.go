// Package token defines the ledger's asset identifiers: the cash unit,
// share-token symbols derived from events and outcomes, and the reserved
// system accounts (treasury, per-event AMM inventory).
package token

import (
	"errors"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/predictlab/market-core/internal/model"
)

// Cash is the platform's cash unit. Every non-share balance is denominated
// in it.
const Cash = "USD"

// Treasury is the account credited with platform fees at settlement.
const Treasury = "treasury"

// ammPrefix namespaces per-event market-maker inventory accounts.
const ammPrefix = "amm:"

var (
	// ErrInvalidSymbol is returned for a share token that parses to neither
	// a binary leg nor an outcome id.
	ErrInvalidSymbol = errors.New("token: invalid share token symbol")

	// MinLiquidity is the floor for the LMSR liquidity parameter. Values
	// below it produce near-vertical pricing curves where a single small
	// trade swings the probability to an extreme.
	MinLiquidity = decimal.NewFromInt(10)
)

// AMMAccount returns the ledger account holding the market maker's cash
// for one event. Keeping AMM cash on its own account makes conservation
// checkable: user deltas + AMM deltas + fees sum to zero.
func AMMAccount(eventID string) string {
	return ammPrefix + eventID
}

// IsSystemAccount reports whether a user id belongs to the platform rather
// than a trader.
func IsSystemAccount(userID string) bool {
	return userID == Treasury || strings.HasPrefix(userID, ammPrefix)
}

// ClampLiquidity enforces the minimum liquidity parameter. Zero or negative
// input falls back to the floor entirely.
func ClampLiquidity(b decimal.Decimal) decimal.Decimal {
	if b.LessThan(MinLiquidity) {
		return MinLiquidity
	}
	return b
}

// ParseSymbol decomposes a share token symbol back into its target and
// event id. Binary tokens carry the event id in the symbol
// ("YES_{eventID}" / "NO_{eventID}"); anything else is an outcome id and
// the event id is unknown from the symbol alone.
func ParseSymbol(symbol string) (model.Target, string, error) {
	if symbol == "" || symbol == Cash {
		return model.Target{}, "", ErrInvalidSymbol
	}
	if eventID, ok := strings.CutPrefix(symbol, "YES_"); ok && eventID != "" {
		return model.Target{Kind: model.TargetYes}, eventID, nil
	}
	if eventID, ok := strings.CutPrefix(symbol, "NO_"); ok && eventID != "" {
		return model.Target{Kind: model.TargetNo}, eventID, nil
	}
	return model.Target{Kind: model.TargetOutcome, OutcomeID: symbol}, "", nil
}
