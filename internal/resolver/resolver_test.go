package resolver

import (
	"fmt"
	"math"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	apperrors "options-dekho/internal/errors"
	"options-dekho/internal/models"
)

const expiry = "2024-12-26"

func chain(underlying string, typ models.OptionType, strikes ...float64) []models.InstrumentRecord {
	out := make([]models.InstrumentRecord, 0, len(strikes))
	for i, s := range strikes {
		out = append(out, models.InstrumentRecord{
			InstrumentToken: int64(1000 + i),
			Tradingsymbol:   fmt.Sprintf("%s24D26%.0f%s", underlying, s, typ),
			Name:            underlying,
			Expiry:          expiry,
			Strike:          s,
			LotSize:         250,
			InstrumentType:  string(typ),
			Segment:         models.SegmentNFOOptions,
			Exchange:        "NFO",
		})
	}
	return out
}

func query(strike float64) models.ContractQuery {
	return models.ContractQuery{Underlying: "RELIANCE", Strike: strike, Expiry: expiry, OptionType: models.OptionTypePut}
}

func TestResolveStrikeSelection(t *testing.T) {
	tests := []struct {
		name      string
		strikes   []float64
		query     float64
		want      float64
		wantMatch models.MatchKind
	}{
		{name: "exact match wins over neighbours", strikes: []float64{2450, 2500, 2550}, query: 2500, want: 2500, wantMatch: models.MatchExact},
		{name: "equidistant picks lower", strikes: []float64{2450, 2550}, query: 2500, want: 2450, wantMatch: models.MatchNearest},
		{name: "equidistant picks lower regardless of order", strikes: []float64{2550, 2450}, query: 2500, want: 2450, wantMatch: models.MatchNearest},
		{name: "nearest by absolute difference", strikes: []float64{2480, 2530}, query: 2500, want: 2480, wantMatch: models.MatchNearest},
		{name: "nearest above", strikes: []float64{2400, 2510}, query: 2500, want: 2510, wantMatch: models.MatchNearest},
		{name: "closer by less than epsilon still wins", strikes: []float64{2490, 2509.996}, query: 2500, want: 2509.996, wantMatch: models.MatchNearest},
		{name: "within epsilon is exact", strikes: []float64{2499.995, 2550}, query: 2500, want: 2499.995, wantMatch: models.MatchExact},
		{name: "query below all strikes", strikes: []float64{2400, 2450}, query: 100, want: 2400, wantMatch: models.MatchNearest},
	}

	r := New(MatchByName)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := r.Resolve(chain("RELIANCE", models.OptionTypePut, tt.strikes...), query(tt.query))
			if !res.Found {
				t.Fatal("expected a contract")
			}
			if res.Contract.Strike != tt.want || res.Contract.Match != tt.wantMatch {
				t.Errorf("strike=%v match=%v, want %v %v", res.Contract.Strike, res.Contract.Match, tt.want, tt.wantMatch)
			}
			if res.Contract.StrikeAdjusted != (tt.wantMatch == models.MatchNearest) {
				t.Errorf("StrikeAdjusted = %v", res.Contract.StrikeAdjusted)
			}
			if res.Contract.RequestedStrike != tt.query {
				t.Errorf("RequestedStrike = %v", res.Contract.RequestedStrike)
			}
		})
	}
}

func TestResolveAtOrBelowSpot(t *testing.T) {
	records := chain("RELIANCE", models.OptionTypePut, 2400, 2450, 2500, 2600)
	r := New(MatchByName)

	tests := []struct {
		spot float64
		want float64
	}{
		{spot: 2550, want: 2500},
		{spot: 2500, want: 2500},
		{spot: 2300, want: 2400},
		{spot: 9999, want: 2600},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("spot %.0f", tt.spot), func(t *testing.T) {
			res := r.ResolveAtOrBelowSpot(records, query(tt.spot), tt.spot)
			if !res.Found || res.Contract.Strike != tt.want {
				t.Errorf("strike = %v, want %v", res.Contract.Strike, tt.want)
			}
			if res.Contract.Match != models.MatchAtOrBelowSpot {
				t.Errorf("match = %v", res.Contract.Match)
			}
		})
	}
}

func TestResolveNoMatch(t *testing.T) {
	r := New(MatchByName)
	calls := chain("RELIANCE", models.OptionTypeCall, 2450, 2500)

	tests := []struct {
		name string
		q    models.ContractQuery
	}{
		{name: "no puts", q: query(2500)},
		{name: "other expiry", q: models.ContractQuery{Underlying: "RELIANCE", Strike: 2500, Expiry: "2025-01-02", OptionType: models.OptionTypeCall}},
		{name: "unknown underlying", q: models.ContractQuery{Underlying: "DELISTED", Strike: 2500, Expiry: expiry, OptionType: models.OptionTypeCall}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if res := r.Resolve(calls, tt.q); res.Found {
				t.Errorf("expected not found, got %+v", res.Contract)
			}
		})
	}

	err := NotFound(query(2500))
	if apperrors.Classify(err) != apperrors.KindNotFound {
		t.Errorf("Classify = %v", apperrors.Classify(err))
	}
	if err.Error() != "no PUT option found for RELIANCE at expiry 2024-12-26" {
		t.Errorf("message = %q", err.Error())
	}
}

func TestResolveDuplicatesTakeFirst(t *testing.T) {
	records := chain("RELIANCE", models.OptionTypePut, 2500, 2500, 2550)
	r := New(MatchByName)

	res := r.Resolve(records, query(2500))
	if !res.Found {
		t.Fatal("expected a contract")
	}
	if res.Contract.InstrumentToken != records[0].InstrumentToken {
		t.Errorf("token = %d, want first row %d", res.Contract.InstrumentToken, records[0].InstrumentToken)
	}
	if !res.Contract.Ambiguous || res.Contract.Candidates != 2 {
		t.Errorf("ambiguous=%v candidates=%d", res.Contract.Ambiguous, res.Contract.Candidates)
	}
}

func TestResolveFiltersSegmentAndStrategy(t *testing.T) {
	nifty := chain("NIFTY", models.OptionTypePut, 24000)
	next := chain("NIFTYNXT50", models.OptionTypePut, 24000)
	next[0].Name = "NIFTY" // a mislabelled name column
	fut := models.InstrumentRecord{InstrumentToken: 9, Tradingsymbol: "NIFTY24DECFUT", Name: "NIFTY", Expiry: expiry,
		InstrumentType: "PE", Segment: "NFO-FUT", Exchange: "NFO"}

	records := append(append([]models.InstrumentRecord{fut}, next...), nifty...)
	q := models.ContractQuery{Underlying: "nifty", Strike: 24000, Expiry: expiry}

	byPrefix := New(MatchByPrefix).Resolve(records, q)
	if !byPrefix.Found || byPrefix.Contract.Tradingsymbol != nifty[0].Tradingsymbol {
		t.Errorf("prefix strategy resolved %q", byPrefix.Contract.Tradingsymbol)
	}
	if byPrefix.Contract.Ambiguous {
		t.Error("prefix strategy should not see NIFTYNXT50")
	}

	byName := New(MatchByName).Resolve(records, q)
	if !byName.Found || !byName.Contract.Ambiguous || byName.Contract.Candidates != 2 {
		t.Errorf("name strategy: %+v", byName.Contract)
	}
	if byName.Contract.OptionType != models.OptionTypePut {
		t.Errorf("empty option type should default to PE")
	}
}

func TestExpiries(t *testing.T) {
	records := chain("RELIANCE", models.OptionTypePut, 2500)
	later := chain("RELIANCE", models.OptionTypePut, 2500)
	later[0].Expiry = "2025-01-30"
	earlier := chain("RELIANCE", models.OptionTypePut, 2500)
	earlier[0].Expiry = "2024-12-19"
	records = append(append(records, later...), earlier...)

	got := New(MatchByName).Expiries(records, "reliance", models.OptionTypePut)
	want := []string{"2024-12-19", "2024-12-26", "2025-01-30"}
	if fmt.Sprint(got) != fmt.Sprint(want) {
		t.Errorf("Expiries = %v, want %v", got, want)
	}
}

// Property: the resolved strike is always one of the catalog strikes and no
// other catalog strike is strictly closer to the query.
func TestProperty_NearestStrikeIsClosest(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)
	r := New(MatchByName)

	properties.Property("no strictly closer strike exists", prop.ForAll(
		func(steps []int, q float64) bool {
			if len(steps) == 0 {
				return true
			}
			strikes := make([]float64, len(steps))
			for i, s := range steps {
				strikes[i] = float64(s) * 50
			}
			res := r.Resolve(chain("RELIANCE", models.OptionTypePut, strikes...), query(q))
			if !res.Found {
				return false
			}
			got := math.Abs(res.Contract.Strike - q)
			for _, s := range strikes {
				d := math.Abs(s - q)
				if d < got {
					return false
				}
				// Ties go to the lower strike.
				if d == got && s < res.Contract.Strike-StrikeEpsilon {
					return false
				}
			}
			return true
		},
		gen.SliceOf(gen.IntRange(1, 200)),
		gen.Float64Range(0, 10500),
	))

	properties.Property("at-or-below-spot never exceeds spot unless nothing is below", prop.ForAll(
		func(steps []int, spot float64) bool {
			if len(steps) == 0 {
				return true
			}
			strikes := make([]float64, len(steps))
			lowest := math.Inf(1)
			for i, s := range steps {
				strikes[i] = float64(s) * 50
				lowest = math.Min(lowest, strikes[i])
			}
			res := r.ResolveAtOrBelowSpot(chain("RELIANCE", models.OptionTypePut, strikes...), query(spot), spot)
			if !res.Found {
				return false
			}
			if spot < lowest {
				return res.Contract.Strike == lowest
			}
			if res.Contract.Strike > spot+StrikeEpsilon {
				return false
			}
			for _, s := range strikes {
				if s <= spot && s > res.Contract.Strike+StrikeEpsilon {
					return false
				}
			}
			return true
		},
		gen.SliceOf(gen.IntRange(1, 200)),
		gen.Float64Range(0, 10500),
	))

	properties.TestingRun(t)
}
