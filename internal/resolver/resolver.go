// Package resolver maps a user's contract query onto exactly one instrument
// master row.
package resolver

import (
	"fmt"
	"math"
	"sort"
	"strings"

	apperrors "options-dekho/internal/errors"
	"options-dekho/internal/models"
)

// StrikeEpsilon is the tolerance for treating two strikes as equal.
const StrikeEpsilon = 0.01

// Strategy decides how a record's underlying is matched.
type Strategy string

const (
	// MatchByName compares the record's name column.
	MatchByName Strategy = "name"
	// MatchByPrefix requires the tradingsymbol to start with the underlying
	// followed by a digit, so NIFTY does not match NIFTYNXT50.
	MatchByPrefix Strategy = "prefix"
)

// ParseStrategy parses a configured strategy, defaulting to MatchByName.
func ParseStrategy(s string) Strategy {
	if Strategy(strings.ToLower(s)) == MatchByPrefix {
		return MatchByPrefix
	}
	return MatchByName
}

// Resolver filters catalog records down to one contract.
type Resolver struct {
	Strategy Strategy
	Segment  string
}

// New returns a resolver for NFO options using strategy.
func New(strategy Strategy) *Resolver {
	return &Resolver{Strategy: strategy, Segment: models.SegmentNFOOptions}
}

// Resolution is the outcome of a lookup. Found is false when no row matched
// the underlying, expiry and option type; that is a normal result.
type Resolution struct {
	Found    bool
	Contract models.ResolvedContract
}

// Resolve picks the row at the requested strike, or the nearest strike when
// there is no exact match. Equidistant strikes resolve to the lower one.
func (r *Resolver) Resolve(records []models.InstrumentRecord, q models.ContractQuery) Resolution {
	q = normalize(q)
	candidates := r.candidates(records, q)
	if len(candidates) == 0 {
		return Resolution{}
	}

	strikes := distinctStrikes(candidates)
	chosen := strikes[0]
	best := math.Abs(chosen - q.Strike)
	for _, s := range strikes[1:] {
		// Strikes ascend, so an equal distance keeps the lower strike.
		if d := math.Abs(s - q.Strike); d < best {
			chosen, best = s, d
		}
	}

	match := models.MatchNearest
	if best <= StrikeEpsilon {
		match = models.MatchExact
	}
	return r.build(candidates, q, chosen, match)
}

// ResolveAtOrBelowSpot picks the highest strike not above spot. When every
// strike is above spot the lowest available strike is used.
func (r *Resolver) ResolveAtOrBelowSpot(records []models.InstrumentRecord, q models.ContractQuery, spot float64) Resolution {
	q = normalize(q)
	candidates := r.candidates(records, q)
	if len(candidates) == 0 {
		return Resolution{}
	}

	strikes := distinctStrikes(candidates)
	chosen := strikes[0]
	for _, s := range strikes {
		if s <= spot+StrikeEpsilon {
			chosen = s
		}
	}
	return r.build(candidates, q, chosen, models.MatchAtOrBelowSpot)
}

// Expiries lists the distinct expiries for an underlying and option type in
// ascending order.
func (r *Resolver) Expiries(records []models.InstrumentRecord, underlying string, typ models.OptionType) []string {
	underlying = strings.ToUpper(strings.TrimSpace(underlying))
	seen := make(map[string]bool)
	var out []string
	for i := range records {
		rec := &records[i]
		if rec.Expiry == "" || !r.optionRow(rec, typ) || !r.underlyingMatches(rec, underlying) {
			continue
		}
		if !seen[rec.Expiry] {
			seen[rec.Expiry] = true
			out = append(out, rec.Expiry)
		}
	}
	// YYYY-MM-DD sorts chronologically as text.
	sort.Strings(out)
	return out
}

// NotFound builds the user-facing error for an unresolved query.
func NotFound(q models.ContractQuery) error {
	q = normalize(q)
	return apperrors.NewNotFoundError("contract", q.String(),
		fmt.Sprintf("no %s option found for %s at expiry %s", q.OptionType.Label(), q.Underlying, q.Expiry))
}

func (r *Resolver) candidates(records []models.InstrumentRecord, q models.ContractQuery) []*models.InstrumentRecord {
	var out []*models.InstrumentRecord
	for i := range records {
		rec := &records[i]
		if rec.Expiry != q.Expiry {
			continue
		}
		if !r.optionRow(rec, q.OptionType) || !r.underlyingMatches(rec, q.Underlying) {
			continue
		}
		out = append(out, rec)
	}
	return out
}

func (r *Resolver) optionRow(rec *models.InstrumentRecord, typ models.OptionType) bool {
	if rec.InstrumentType != string(typ) {
		return false
	}
	if rec.Segment != "" {
		return rec.Segment == r.segment()
	}
	return rec.Exchange == string(models.NFO)
}

func (r *Resolver) underlyingMatches(rec *models.InstrumentRecord, underlying string) bool {
	if r.Strategy != MatchByPrefix {
		return rec.Name == underlying
	}
	rest, ok := strings.CutPrefix(rec.Tradingsymbol, underlying)
	return ok && rest != "" && rest[0] >= '0' && rest[0] <= '9'
}

func (r *Resolver) segment() string {
	if r.Segment == "" {
		return models.SegmentNFOOptions
	}
	return r.Segment
}

func (r *Resolver) build(candidates []*models.InstrumentRecord, q models.ContractQuery, strike float64, match models.MatchKind) Resolution {
	var (
		first *models.InstrumentRecord
		count int
	)
	for _, rec := range candidates {
		if math.Abs(rec.Strike-strike) <= StrikeEpsilon {
			if first == nil {
				first = rec
			}
			count++
		}
	}

	return Resolution{
		Found: true,
		Contract: models.ResolvedContract{
			Tradingsymbol:   first.Tradingsymbol,
			InstrumentToken: first.InstrumentToken,
			Exchange:        first.Exchange,
			Underlying:      q.Underlying,
			Strike:          first.Strike,
			RequestedStrike: q.Strike,
			LotSize:         first.LotSize,
			Expiry:          first.Expiry,
			OptionType:      q.OptionType,
			Match:           match,
			StrikeAdjusted:  math.Abs(first.Strike-q.Strike) > StrikeEpsilon,
			Ambiguous:       count > 1,
			Candidates:      count,
		},
	}
}

// distinctStrikes returns the candidate strikes ascending, merging values
// within StrikeEpsilon.
func distinctStrikes(candidates []*models.InstrumentRecord) []float64 {
	strikes := make([]float64, 0, len(candidates))
	for _, rec := range candidates {
		strikes = append(strikes, rec.Strike)
	}
	sort.Float64s(strikes)

	out := strikes[:1]
	for _, s := range strikes[1:] {
		if s-out[len(out)-1] > StrikeEpsilon {
			out = append(out, s)
		}
	}
	return out
}

func normalize(q models.ContractQuery) models.ContractQuery {
	q.Underlying = strings.ToUpper(strings.TrimSpace(q.Underlying))
	q.Expiry = strings.TrimSpace(q.Expiry)
	if q.OptionType == "" {
		q.OptionType = models.OptionTypePut
	}
	return q
}
