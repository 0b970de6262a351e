package hedge

import (
	"testing"

	"github.com/shopspring/decimal"

	"dumphedge/pkg/types"
)

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func TestShouldHedgeBelowTarget(t *testing.T) {
	t.Parallel()
	s := New(1.0, 0.01)

	if !s.ShouldHedge(dec("0.40"), dec("0.55")) {
		t.Error("0.40+0.55=0.95 <= 1.0 should hedge")
	}
}

func TestShouldHedgeExactTargetTriggers(t *testing.T) {
	t.Parallel()
	s := New(1.0, 0.01)

	if !s.ShouldHedge(dec("0.40"), dec("0.60")) {
		t.Error("combined == sum_target must trigger hedge (<=, not <)")
	}
}

func TestShouldHedgeAboveTarget(t *testing.T) {
	t.Parallel()
	s := New(1.0, 0.01)

	if s.ShouldHedge(dec("0.45"), dec("0.60")) {
		t.Error("0.45+0.60=1.05 > 1.0 must not hedge")
	}
}

func TestMaxLeg2Price(t *testing.T) {
	t.Parallel()
	s := New(1.0, 0.01)

	got := s.MaxLeg2Price(dec("0.40"))
	if !got.Equal(dec("0.60")) {
		t.Errorf("max_leg2_price = %v, want 0.60", got)
	}
}

func TestGuaranteedProfitFeePerLegNotDouble(t *testing.T) {
	t.Parallel()
	s := New(1.0, 0.01)

	shares := dec("20")
	leg1Price := dec("0.40")
	leg2Price := dec("0.55")

	got := s.GuaranteedProfit(leg1Price, leg2Price, shares)

	leg1Cost := shares.Mul(leg1Price)
	leg2Cost := shares.Mul(leg2Price)
	wantFees := leg1Cost.Add(leg2Cost).Mul(dec("0.01"))
	wantGross := shares.Mul(decimal.NewFromInt(1).Sub(leg1Price.Add(leg2Price)))
	want := wantGross.Sub(wantFees)

	if !got.Equal(want) {
		t.Errorf("guaranteed_profit = %v, want %v", got, want)
	}

	doubleFeeWrong := wantGross.Sub(wantFees.Mul(decimal.NewFromInt(2)))
	if got.Equal(doubleFeeWrong) {
		t.Error("fee must be applied once per leg, not doubled across the combined total")
	}
}

func TestCalculateHedgeUsesOppositeSide(t *testing.T) {
	t.Parallel()
	s := New(1.0, 0.01)

	leg1 := types.LegInfo{
		Side:       types.Up,
		Shares:     dec("10"),
		EntryPrice: dec("0.40"),
		TotalCost:  dec("4.00"),
	}
	snap := types.PriceSnapshot{
		UpBestAsk:   dec("0.95"),
		DownBestAsk: dec("0.55"),
	}

	eval := s.CalculateHedge(leg1, snap)
	if !eval.OppositePrice.Equal(dec("0.55")) {
		t.Errorf("opposite_price = %v, want the DOWN ask (0.55), not the UP ask", eval.OppositePrice)
	}
	if !eval.ShouldHedge {
		t.Error("0.40+0.55=0.95 <= 1.0 should hedge")
	}
}

func threeSnapshots(asks ...float64) []types.PriceSnapshot {
	out := make([]types.PriceSnapshot, len(asks))
	for i, a := range asks {
		out[i] = types.PriceSnapshot{
			UpBestAsk:   decimal.NewFromFloat(a),
			DownBestAsk: decimal.NewFromFloat(1 - a),
			UpBestBid:   decimal.NewFromFloat(a - 0.01),
			DownBestBid: decimal.NewFromFloat(1 - a - 0.01),
		}
	}
	return out
}

func TestPredictEntryLowConfidenceWithFewSnapshots(t *testing.T) {
	t.Parallel()
	s := New(1.0, 0.01)

	p := s.PredictEntry(types.Up, dec("0.40"), threeSnapshots(0.5, 0.5), 200)
	if p.Probability != 0.5 || p.Confidence != 0.1 || p.Recommendation != RecommendWait {
		t.Errorf("expected low-confidence wait for <5 snapshots, got %+v", p)
	}
}

func TestPredictEntryEntersWhenGapNonPositive(t *testing.T) {
	t.Parallel()
	s := New(1.0, 0.01)

	// opposite ask well below max_leg2_price(0.40)=0.60, so gap_pct <= 0.
	snaps := threeSnapshots(0.45, 0.45, 0.45, 0.45, 0.45, 0.45)
	p := s.PredictEntry(types.Up, dec("0.40"), snaps, 300)
	if p.Recommendation != RecommendEnter {
		t.Errorf("expected enter recommendation when gap_pct <= 0, got %+v", p)
	}
}

func TestPredictEntrySkipsNearRoundEnd(t *testing.T) {
	t.Parallel()
	s := New(1.0, 0.01)

	// opposite (DOWN) ask rises 0.70 -> 0.75, above max_leg2_price 0.60, so
	// gap_pct > 0 and the enter shortcut does not apply.
	snaps := threeSnapshots(0.30, 0.29, 0.28, 0.27, 0.26, 0.25)
	p := s.PredictEntry(types.Up, dec("0.40"), snaps, 30)
	if p.Recommendation != RecommendSkip {
		t.Errorf("expected skip with seconds_remaining < 60, got %+v", p)
	}
}

func TestPredictEntryDeterministic(t *testing.T) {
	t.Parallel()
	s := New(1.0, 0.01)
	snaps := threeSnapshots(0.50, 0.52, 0.51, 0.53, 0.54, 0.55)

	a := s.PredictEntry(types.Up, dec("0.40"), snaps, 200)
	b := s.PredictEntry(types.Up, dec("0.40"), snaps, 200)
	if a != b {
		t.Errorf("PredictEntry must be deterministic for identical inputs: %+v != %+v", a, b)
	}
}
