// Package lmsr implements the Logarithmic Market Scoring Rule (LMSR)
// automated market maker for binary and N-way outcome prediction markets.
//
// The LMSR was proposed by Robin Hanson and provides:
//   - Bounded loss for the market maker (capped at b * ln(n))
//   - Continuous pricing with infinite liquidity
//   - Path-independent cost function
//
// All monetary values use shopspring/decimal — never float64 for money.
// Internal transcendental math uses the log-sum-exp trick for numerical
// stability, with results immediately converted to decimal.
//
// Reference: Hanson, R. (2003) "Combinatorial Information Market Design"
package lmsr

import (
	"errors"
	"math"

	"github.com/shopspring/decimal"
)

var (
	// ErrInvalidLiquidity is returned when b <= 0.
	ErrInvalidLiquidity = errors.New("lmsr: liquidity parameter b must be positive")

	// ErrInvalidSpend is returned when a cost inversion is requested for a
	// non-positive spend.
	ErrInvalidSpend = errors.New("lmsr: spend must be positive")

	// ErrNoConvergence is returned when the cost inversion fails to reach a
	// finite positive share quantity within bounded iterations.
	ErrNoConvergence = errors.New("lmsr: cost inversion did not converge")

	// MinPrice is the lowest reported price (probability floor).
	// Prevents degenerate markets where shares appear worthless.
	MinPrice = decimal.NewFromFloat(0.001)

	// MaxPrice is the highest reported price (probability ceiling).
	// Prevents degenerate markets where an outcome appears "certain".
	MaxPrice = decimal.NewFromFloat(0.999)

	// PriceScale is the number of decimal places for price/cost rounding.
	PriceScale int32 = 8

	// ShareTolerance is the cost precision of the bisection inversion.
	ShareTolerance = 1e-3

	// maxBisectIterations bounds the bisection loop.
	maxBisectIterations = 100
)

// MarketMaker implements the LMSR cost function. It is stateless — market
// quantities are passed as arguments, not stored.
type MarketMaker struct {
	b decimal.Decimal
}

// NewMarketMaker creates a new LMSR market maker with the given liquidity
// parameter b. Higher b → more liquidity, lower price impact per trade.
// Maximum market-maker loss is bounded by b * ln(n) for n outcomes.
func NewMarketMaker(b decimal.Decimal) (*MarketMaker, error) {
	if b.LessThanOrEqual(decimal.Zero) {
		return nil, ErrInvalidLiquidity
	}
	return &MarketMaker{b: b}, nil
}

// B returns the liquidity parameter.
func (m *MarketMaker) B() decimal.Decimal {
	return m.b
}

// logSumExp computes ln(Σ exp(x_i)) using the log-sum-exp trick to prevent
// floating-point overflow. Without this trick, exp(x) overflows float64
// when x > ~709.
//
// Algorithm: LSE(x) = max(x) + ln(Σ exp(x_i - max(x)))
// Since (x_i - max(x)) <= 0, all exp arguments are in [0, 1].
func logSumExp(xs []float64) float64 {
	if len(xs) == 0 {
		return math.Inf(-1)
	}

	maxVal := xs[0]
	for _, x := range xs[1:] {
		if x > maxVal {
			maxVal = x
		}
	}

	if math.IsInf(maxVal, -1) {
		return math.Inf(-1)
	}

	var sum float64
	for _, x := range xs {
		sum += math.Exp(x - maxVal)
	}
	return maxVal + math.Log(sum)
}

// scaled converts decimal quantities to float64 q_i/b values.
func (m *MarketMaker) scaled(qs []decimal.Decimal) []float64 {
	bf := m.b.InexactFloat64()
	out := make([]float64, len(qs))
	for i, q := range qs {
		out[i] = q.InexactFloat64() / bf
	}
	return out
}

// Cost computes the LMSR cost function:
//
//	C(q) = b * ln(Σ exp(q_i / b))
//
// For binary markets, q = [qYes, qNo]. Uses logSumExp internally for
// numerical stability.
func (m *MarketMaker) Cost(qs ...decimal.Decimal) decimal.Decimal {
	bf := m.b.InexactFloat64()
	lse := logSumExp(m.scaled(qs))
	return decimal.NewFromFloat(bf * lse).Round(PriceScale)
}

// Probabilities computes the softmax over outcome liquidities:
//
//	p_i = exp(q_i/b) / Σ_j exp(q_j/b)
//
// Uses max-subtraction for numerical stability and renormalizes so the
// probabilities sum to exactly 1 at PriceScale precision.
func (m *MarketMaker) Probabilities(qs []decimal.Decimal) []decimal.Decimal {
	scaled := m.scaled(qs)

	maxVal := scaled[0]
	for _, x := range scaled[1:] {
		if x > maxVal {
			maxVal = x
		}
	}

	exps := make([]float64, len(scaled))
	var sum float64
	for i, x := range scaled {
		exps[i] = math.Exp(x - maxVal)
		sum += exps[i]
	}

	probs := make([]decimal.Decimal, len(exps))
	for i, e := range exps {
		probs[i] = decimal.NewFromFloat(e / sum).Round(PriceScale)
	}

	// Renormalize rounding drift onto the largest leg.
	total := decimal.Zero
	largest := 0
	for i, p := range probs {
		total = total.Add(p)
		if p.GreaterThan(probs[largest]) {
			largest = i
		}
	}
	if drift := decimal.NewFromInt(1).Sub(total); !drift.IsZero() {
		probs[largest] = probs[largest].Add(drift)
	}
	return probs
}

// Price computes the instantaneous price (probability) for the YES outcome
// of a binary market:
//
//	p_yes = 1 / (1 + exp((qNo - qYes) / b))
//
// Result is clamped to [MinPrice, MaxPrice] to prevent degenerate pricing.
func (m *MarketMaker) Price(qYes, qNo decimal.Decimal) decimal.Decimal {
	probs := m.Probabilities([]decimal.Decimal{qYes, qNo})
	return clampPrice(probs[0])
}

// PriceNo returns the instantaneous price for the NO outcome: 1 - p_yes.
func (m *MarketMaker) PriceNo(qYes, qNo decimal.Decimal) decimal.Decimal {
	return decimal.NewFromInt(1).Sub(m.Price(qYes, qNo))
}

// DecimalOdds converts a price (probability) to decimal odds: 1/price.
func DecimalOdds(price decimal.Decimal) decimal.Decimal {
	if price.LessThanOrEqual(decimal.Zero) {
		return decimal.Zero
	}
	return decimal.NewFromInt(1).DivRound(price, PriceScale)
}

func clampPrice(p decimal.Decimal) decimal.Decimal {
	if p.LessThan(MinPrice) {
		return MinPrice
	}
	if p.GreaterThan(MaxPrice) {
		return MaxPrice
	}
	return p
}

// TradeCost computes the cost of changing outcome idx by delta shares while
// holding the others fixed:
//
//	cost = C(..., q_idx + delta, ...) - C(q)
//
// Positive delta = buying (positive cost to trader).
// Negative delta = selling (negative cost = payout to trader).
func (m *MarketMaker) TradeCost(qs []decimal.Decimal, idx int, delta decimal.Decimal) decimal.Decimal {
	after := make([]decimal.Decimal, len(qs))
	copy(after, qs)
	after[idx] = after[idx].Add(delta)
	return m.Cost(after...).Sub(m.Cost(qs...))
}

// FillPrice returns the average execution price per share for a trade of
// delta shares on outcome idx. Positive for both buys and sells.
func (m *MarketMaker) FillPrice(qs []decimal.Decimal, idx int, delta decimal.Decimal) decimal.Decimal {
	if delta.IsZero() {
		return clampPrice(m.Probabilities(qs)[idx])
	}
	cost := m.TradeCost(qs, idx, delta)
	return cost.DivRound(delta, PriceScale)
}

// SharesForCost inverts the cost function: it finds delta >= 0 such that
// buying delta shares of outcome idx costs exactly spend.
//
// For the two-term (binary) case the closed form is exact:
//
//	q_new = b * ln(exp(C_new/b) - K),  K = Σ_{j≠idx} exp(q_j/b)
//
// evaluated in the log domain so it cannot overflow. For N > 2 outcomes,
// bisection on [0, spend*10] converges to ShareTolerance by strict
// monotonicity of the cost function.
func (m *MarketMaker) SharesForCost(qs []decimal.Decimal, idx int, spend decimal.Decimal) (decimal.Decimal, error) {
	if spend.LessThanOrEqual(decimal.Zero) {
		return decimal.Zero, ErrInvalidSpend
	}
	if len(qs) == 2 {
		return m.sharesClosedForm(qs, idx, spend)
	}
	return m.sharesBisect(qs, idx, spend)
}

// sharesClosedForm solves the two-term inversion in the log domain:
//
//	a = C_new/b, k = ln K  →  q_new/b = a + ln(1 - exp(k - a))
//
// a > k always holds for spend > 0, so log1p receives an argument in (-1, 0].
func (m *MarketMaker) sharesClosedForm(qs []decimal.Decimal, idx int, spend decimal.Decimal) (decimal.Decimal, error) {
	bf := m.b.InexactFloat64()
	scaled := m.scaled(qs)

	others := make([]float64, 0, len(scaled)-1)
	for j, x := range scaled {
		if j != idx {
			others = append(others, x)
		}
	}

	k := logSumExp(others)
	a := logSumExp(scaled) + spend.InexactFloat64()/bf

	qNew := bf * (a + math.Log1p(-math.Exp(k-a)))
	delta := qNew - qs[idx].InexactFloat64()

	if math.IsNaN(delta) || math.IsInf(delta, 0) || delta <= 0 {
		return decimal.Zero, ErrNoConvergence
	}
	return decimal.NewFromFloat(delta).Round(PriceScale), nil
}

// sharesBisect finds delta by bisection, exploiting that cost is strictly
// increasing in delta.
func (m *MarketMaker) sharesBisect(qs []decimal.Decimal, idx int, spend decimal.Decimal) (decimal.Decimal, error) {
	target := spend.InexactFloat64()
	low, high := 0.0, target*10

	for i := 0; i < maxBisectIterations; i++ {
		mid := (low + high) / 2
		cost := m.TradeCost(qs, idx, decimal.NewFromFloat(mid)).InexactFloat64()

		if math.Abs(cost-target) < ShareTolerance {
			if mid <= 0 || math.IsNaN(mid) || math.IsInf(mid, 0) {
				return decimal.Zero, ErrNoConvergence
			}
			return decimal.NewFromFloat(mid).Round(PriceScale), nil
		}
		if cost < target {
			low = mid
		} else {
			high = mid
		}
	}
	return decimal.Zero, ErrNoConvergence
}

// MaxLoss returns the maximum possible loss for the market maker:
// b * ln(n) for n outcomes.
func (m *MarketMaker) MaxLoss(outcomes int) decimal.Decimal {
	bf := m.b.InexactFloat64()
	return decimal.NewFromFloat(bf * math.Log(float64(outcomes))).Round(PriceScale)
}
