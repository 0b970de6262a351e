// Package hedge implements HedgeStrategy: a collection of pure functions
// over prices for deciding when a Leg1 position is hedged cheaply enough to
// lock in arbitrage profit, plus a heuristic entry-timing predictor.
//
// should_hedge/guaranteed_profit/calculate_hedge are grounded on the
// convergence-detection arithmetic in the GoPolymarket-polymarket-trader
// reference repo's internal/strategy/taker.go (DetectConvergence: comparing
// a two-sided price sum against a target and deriving a profit estimate
// from the deviation). The probability predictor's rolling-snapshot
// statistics (volatility, trend) are grounded on the teacher module's
// internal/risk/manager.go checkPriceMovement/priceAnchor pattern: a
// bounded recent-price window reduced to simple descriptive statistics,
// here repurposed from a stop-loss trigger into an entry-confidence signal.
package hedge

import (
	"math"

	"github.com/shopspring/decimal"

	"dumphedge/pkg/types"
)

// Strategy holds the fixed parameters HedgeStrategy's pure functions are
// evaluated against. It carries no mutable state.
type Strategy struct {
	SumTarget decimal.Decimal
	FeeRate   decimal.Decimal
}

// New builds a Strategy from float config values.
func New(sumTarget, feeRate float64) Strategy {
	return Strategy{
		SumTarget: decimal.NewFromFloat(sumTarget),
		FeeRate:   decimal.NewFromFloat(feeRate),
	}
}

// ShouldHedge reports whether entering Leg2 at oppositeAsk, against an
// already-filled Leg1 at leg1Price, keeps the combined cost at or below the
// configured sum_target.
func (s Strategy) ShouldHedge(leg1Price, oppositeAsk decimal.Decimal) bool {
	return leg1Price.Add(oppositeAsk).LessThanOrEqual(s.SumTarget)
}

// MaxLeg2Price is the richest price Leg2 can still fill at and keep the
// combined cost within sum_target.
func (s Strategy) MaxLeg2Price(leg1Price decimal.Decimal) decimal.Decimal {
	return s.SumTarget.Sub(leg1Price)
}

// GuaranteedProfit computes the fee-adjusted profit of a fully hedged
// cycle. Fees are charged once per leg on that leg's own notional, never on
// the combined total twice.
func (s Strategy) GuaranteedProfit(leg1Price, leg2Price, shares decimal.Decimal) decimal.Decimal {
	leg1Cost := shares.Mul(leg1Price)
	leg2Cost := shares.Mul(leg2Price)
	fees := leg1Cost.Add(leg2Cost).Mul(s.FeeRate)
	gross := shares.Mul(decimal.NewFromInt(1).Sub(leg1Price.Add(leg2Price)))
	return gross.Sub(fees)
}

// HedgeEvaluation is the output of CalculateHedge.
type HedgeEvaluation struct {
	ShouldHedge     bool
	CurrentSum      decimal.Decimal
	TargetSum       decimal.Decimal
	OppositePrice   decimal.Decimal
	PotentialProfit decimal.Decimal
	ProfitPct       decimal.Decimal
}

// CalculateHedge evaluates whether to hedge leg1 against the live snapshot's
// opposite-side best ask.
func (s Strategy) CalculateHedge(leg1 types.LegInfo, snap types.PriceSnapshot) HedgeEvaluation {
	opposite := leg1.Side.Opposite()
	oppositeAsk := snap.AskFor(opposite)
	currentSum := leg1.EntryPrice.Add(oppositeAsk)
	profit := s.GuaranteedProfit(leg1.EntryPrice, oppositeAsk, leg1.Shares)

	var profitPct decimal.Decimal
	if totalCost := leg1.TotalCost.Add(leg1.Shares.Mul(oppositeAsk)); totalCost.IsPositive() {
		profitPct = profit.Div(totalCost)
	}

	return HedgeEvaluation{
		ShouldHedge:     s.ShouldHedge(leg1.EntryPrice, oppositeAsk),
		CurrentSum:      currentSum,
		TargetSum:       s.SumTarget,
		OppositePrice:   oppositeAsk,
		PotentialProfit: profit,
		ProfitPct:       profitPct,
	}
}

// Recommendation is the probability predictor's verdict.
type Recommendation string

const (
	RecommendEnter Recommendation = "enter"
	RecommendWait  Recommendation = "wait"
	RecommendSkip  Recommendation = "skip"
)

// Prediction is the probability predictor's output.
type Prediction struct {
	Probability    float64
	Confidence     float64
	Recommendation Recommendation
}

// PredictEntry heuristically scores whether now is a good moment to enter
// Leg1 against leg1Side at leg1Price, given recent snapshots (already
// filtered to roughly the last 30s, oldest-first) and the round's
// remaining seconds. Deterministic given identical inputs.
func (s Strategy) PredictEntry(leg1Side types.Side, leg1Price decimal.Decimal, snapshots []types.PriceSnapshot, secondsRemaining int64) Prediction {
	if len(snapshots) < 5 {
		return Prediction{Probability: 0.5, Confidence: 0.1, Recommendation: RecommendWait}
	}

	opposite := leg1Side.Opposite()
	oppositeAsks := make([]float64, len(snapshots))
	spreadSum := 0.0
	for i, snap := range snapshots {
		oppositeAsks[i], _ = snap.AskFor(opposite).Float64()
		spreadSum += sideSpread(snap, types.Up) + sideSpread(snap, types.Down)
	}
	avgSpread := spreadSum / float64(2*len(snapshots))

	vol := stddevReturns(oppositeAsks)
	trend := clamp(normalizedSlope(oppositeAsks), -1, 1)
	spreadHealth := math.Max(0, 1-avgSpread/0.02)
	timeImpact := math.Sqrt(math.Max(float64(secondsRemaining), 0) / 900.0)

	currentOpposite := oppositeAsks[len(oppositeAsks)-1]
	maxLeg2, _ := s.MaxLeg2Price(leg1Price).Float64()

	var gapPct float64
	if currentOpposite != 0 {
		gapPct = (currentOpposite - maxLeg2) / currentOpposite
	}

	base := baseProbability(gapPct)
	p := base + math.Min(vol*3, 0.2) + (-trend)*0.15 + (spreadHealth-0.5)*0.1 + (timeImpact-1)*0.1
	p = clamp(p, 0, 1)

	n := float64(len(snapshots))
	conf := math.Min(0.9, math.Sqrt(n/100)*(1-math.Min(2*vol, 0.5)))

	rec := recommend(p, conf, gapPct, vol, secondsRemaining)

	return Prediction{Probability: p, Confidence: conf, Recommendation: rec}
}

func baseProbability(gapPct float64) float64 {
	switch {
	case gapPct <= 0:
		return 1.0
	case gapPct >= 0.15:
		return 0.1
	default:
		return 1 - gapPct/0.15*0.9
	}
}

func recommend(p, conf, gapPct, vol float64, secondsRemaining int64) Recommendation {
	if (p >= 0.7 && conf >= 0.5) || gapPct <= 0 {
		return RecommendEnter
	}
	if secondsRemaining < 60 || (vol < 0.005 && gapPct > 0.05) {
		return RecommendSkip
	}
	if p >= 0.4 && p < 0.7 {
		return RecommendWait
	}
	return RecommendSkip
}

func sideSpread(snap types.PriceSnapshot, side types.Side) float64 {
	ask := snap.AskFor(side)
	bid := snap.BidFor(side)
	if ask.IsZero() || bid.IsZero() {
		return 0
	}
	spread, _ := ask.Sub(bid).Float64()
	return spread
}

// stddevReturns computes the standard deviation of per-step relative
// returns (x[i]/x[i-1] - 1).
func stddevReturns(xs []float64) float64 {
	if len(xs) < 2 {
		return 0
	}
	returns := make([]float64, 0, len(xs)-1)
	for i := 1; i < len(xs); i++ {
		if xs[i-1] == 0 {
			continue
		}
		returns = append(returns, xs[i]/xs[i-1]-1)
	}
	if len(returns) == 0 {
		return 0
	}

	mean := 0.0
	for _, r := range returns {
		mean += r
	}
	mean /= float64(len(returns))

	variance := 0.0
	for _, r := range returns {
		variance += (r - mean) * (r - mean)
	}
	variance /= float64(len(returns))

	return math.Sqrt(variance)
}

// normalizedSlope fits a simple linear regression over the index-vs-value
// series and normalizes the slope by the mean value, so it is comparable
// across price levels.
func normalizedSlope(ys []float64) float64 {
	n := float64(len(ys))
	if n < 2 {
		return 0
	}

	var sumX, sumY, sumXY, sumXX float64
	for i, y := range ys {
		x := float64(i)
		sumX += x
		sumY += y
		sumXY += x * y
		sumXX += x * x
	}

	denom := n*sumXX - sumX*sumX
	if denom == 0 {
		return 0
	}
	slope := (n*sumXY - sumX*sumY) / denom

	mean := sumY / n
	if mean == 0 {
		return 0
	}
	return slope / mean
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
