package premium

import (
	"math"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

func TestCompute(t *testing.T) {
	tests := []struct {
		name      string
		ltp       float64
		strike    float64
		lotSize   int
		lots      int
		wantTotal float64
		wantYield *float64
	}{
		{name: "yield example", ltp: 25.50, strike: 2500, lotSize: 250, lots: 1, wantTotal: 6375, wantYield: ptr(1.02)},
		{name: "one lot premium", ltp: 18.75, strike: 2500, lotSize: 250, lots: 1, wantTotal: 4687.50, wantYield: ptr(0.75)},
		{name: "lots default to one", ltp: 18.75, strike: 2500, lotSize: 250, lots: 0, wantTotal: 4687.50, wantYield: ptr(0.75)},
		{name: "several lots", ltp: 10, strike: 1000, lotSize: 75, lots: 3, wantTotal: 2250, wantYield: ptr(1)},
		{name: "zero strike omits yield", ltp: 25.50, strike: 0, lotSize: 250, lots: 1, wantTotal: 6375},
		{name: "negative strike omits yield", ltp: 25.50, strike: -5, lotSize: 250, lots: 1, wantTotal: 6375},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := Compute(tt.ltp, tt.strike, tt.lotSize, tt.lots)
			if p.TotalPremium != tt.wantTotal {
				t.Errorf("TotalPremium = %v, want %v", p.TotalPremium, tt.wantTotal)
			}
			switch {
			case tt.wantYield == nil && p.YieldPct != nil:
				t.Errorf("YieldPct = %v, want nil", *p.YieldPct)
			case tt.wantYield != nil && (p.YieldPct == nil || math.Abs(*p.YieldPct-*tt.wantYield) > 0.005):
				t.Errorf("YieldPct = %v, want %v", p.YieldPct, *tt.wantYield)
			}
			if p.Lots < 1 {
				t.Errorf("Lots = %d", p.Lots)
			}
		})
	}
}

// Property: yield is either absent or a finite number, and the total scales
// linearly with the lot count.
func TestProperty_PremiumIsFinite(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("yield never NaN or Inf", prop.ForAll(
		func(ltp, strike float64) bool {
			p := Compute(ltp, strike, 50, 1)
			if p.YieldPct == nil {
				return strike <= 0 || math.IsInf(ltp/strike*100, 0)
			}
			return !math.IsNaN(*p.YieldPct) && !math.IsInf(*p.YieldPct, 0)
		},
		gen.Float64Range(0, 1e5),
		gen.Float64Range(-10, 1e5),
	))

	properties.Property("total scales with lots", prop.ForAll(
		func(ltp float64, lot, lots int) bool {
			one := Compute(ltp, 100, lot, 1)
			many := Compute(ltp, 100, lot, lots)
			return math.Abs(many.TotalPremium-one.TotalPremium*float64(lots)) <= 0.01*float64(lots)
		},
		gen.Float64Range(0, 5000),
		gen.IntRange(1, 2000),
		gen.IntRange(1, 50),
	))

	properties.TestingRun(t)
}

func ptr(v float64) *float64 { return &v }
