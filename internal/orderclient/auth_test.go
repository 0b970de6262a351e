package orderclient

import (
	"math"
	"math/big"
	"testing"

	"github.com/shopspring/decimal"

	"dumphedge/pkg/types"
)

func TestRoundDown(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		val      float64
		decimals int
		want     float64
	}{
		{"truncate 2 decimals", 1.2345, 2, 1.23},
		{"truncate 4 decimals", 0.55559, 4, 0.5555},
		{"exact value unchanged", 0.55, 2, 0.55},
		{"zero", 0.0, 2, 0.0},
		{"negative truncates toward zero", -1.239, 2, -1.23},
		{"high precision", 0.123456789, 6, 0.123456},
		{"whole number", 5.0, 2, 5.0},
		{"zero decimals", 3.99, 0, 3.0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := roundDown(tt.val, tt.decimals)
			if math.Abs(got-tt.want) > 1e-10 {
				t.Errorf("roundDown(%v, %d) = %v, want %v", tt.val, tt.decimals, got, tt.want)
			}
		})
	}
}

func dd(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func TestPriceToAmounts(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		price    string
		shares   string
		tickSize types.TickSize
		wantMkr  int64 // expected makerAmount (USDC paid, 6 decimals)
		wantTkr  int64 // expected takerAmount (shares received, 6 decimals)
	}{
		{
			name:     "price 0.50, 100 shares",
			price:    "0.50",
			shares:   "100",
			tickSize: types.Tick001,
			wantMkr:  50_000_000,  // 100 * 0.50 = 50 USDC
			wantTkr:  100_000_000, // 100 shares
		},
		{
			name:     "price 0.75, 10 shares",
			price:    "0.75",
			shares:   "10",
			tickSize: types.Tick001,
			wantMkr:  7_500_000,
			wantTkr:  10_000_000,
		},
		{
			name:     "fractional shares truncated to 2 decimals",
			price:    "0.55",
			shares:   "1.999",
			tickSize: types.Tick001,
			wantMkr:  1_094_500, // roundDown(1.99*0.55, 4) = 1.0945
			wantTkr:  1_990_000,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			mkr, tkr := PriceToAmounts(dd(tt.price), dd(tt.shares), tt.tickSize)

			if mkr.Cmp(big.NewInt(tt.wantMkr)) != 0 {
				t.Errorf("makerAmount = %s, want %d", mkr.String(), tt.wantMkr)
			}
			if tkr.Cmp(big.NewInt(tt.wantTkr)) != 0 {
				t.Errorf("takerAmount = %s, want %d", tkr.String(), tt.wantTkr)
			}
		})
	}
}
