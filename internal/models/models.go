// Package models provides domain models for the options lookup service.
package models

import (
	"fmt"
	"strings"
)

// Exchange represents a stock exchange.
type Exchange string

const (
	NSE Exchange = "NSE"
	BSE Exchange = "BSE"
	NFO Exchange = "NFO" // F&O
	BFO Exchange = "BFO"
)

// SegmentNFOOptions is the instrument-master segment for NSE index and stock options.
const SegmentNFOOptions = "NFO-OPT"

// OptionType is the instrument_type of an option row.
type OptionType string

const (
	OptionTypeCall OptionType = "CE"
	OptionTypePut  OptionType = "PE"
)

// ParseOptionType parses CE/PE, defaulting to PE when s is empty.
func ParseOptionType(s string) (OptionType, bool) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "", "PE", "PUT":
		return OptionTypePut, true
	case "CE", "CALL":
		return OptionTypeCall, true
	default:
		return "", false
	}
}

// Label returns PUT or CALL for user-facing messages.
func (t OptionType) Label() string {
	if t == OptionTypeCall {
		return "CALL"
	}
	return "PUT"
}

// InstrumentRecord is one row of the broker's instrument master.
type InstrumentRecord struct {
	InstrumentToken int64   `json:"instrument_token"`
	ExchangeToken   int64   `json:"exchange_token,omitempty"`
	Tradingsymbol   string  `json:"tradingsymbol"`
	Name            string  `json:"name"`
	LastPrice       float64 `json:"last_price,omitempty"`
	Expiry          string  `json:"expiry,omitempty"` // YYYY-MM-DD
	Strike          float64 `json:"strike"`
	TickSize        float64 `json:"tick_size,omitempty"`
	LotSize         int     `json:"lot_size"`
	InstrumentType  string  `json:"instrument_type"`
	Segment         string  `json:"segment"`
	Exchange        string  `json:"exchange"`
}

// Identifier returns the EXCHANGE:TRADINGSYMBOL key used by the quote API.
func (r InstrumentRecord) Identifier() string {
	return r.Exchange + ":" + r.Tradingsymbol
}

// ContractQuery is the user's intent: an option on an underlying at a strike and expiry.
type ContractQuery struct {
	Underlying string     `json:"underlying"`
	Strike     float64    `json:"strike"`
	Expiry     string     `json:"expiry"`
	OptionType OptionType `json:"option_type"`
}

func (q ContractQuery) String() string {
	return fmt.Sprintf("%s %s %.2f %s", q.Underlying, q.Expiry, q.Strike, q.OptionType)
}

// MatchKind records how a contract's strike was chosen.
type MatchKind string

const (
	MatchExact         MatchKind = "exact"
	MatchNearest       MatchKind = "nearest"
	MatchAtOrBelowSpot MatchKind = "at_or_below_spot"
)

// ResolvedContract is always derived from exactly one InstrumentRecord.
type ResolvedContract struct {
	Tradingsymbol   string     `json:"tradingsymbol"`
	InstrumentToken int64      `json:"instrument_token"`
	Exchange        string     `json:"exchange"`
	Underlying      string     `json:"underlying"`
	Strike          float64    `json:"strike"`
	RequestedStrike float64    `json:"requested_strike"`
	LotSize         int        `json:"lot_size"`
	Expiry          string     `json:"expiry"`
	OptionType      OptionType `json:"option_type"`
	Match           MatchKind  `json:"match"`
	StrikeAdjusted  bool       `json:"strike_adjusted"`
	Ambiguous       bool       `json:"ambiguous"`
	Candidates      int        `json:"candidates"`
}

// Identifier returns the EXCHANGE:TRADINGSYMBOL key used by the quote API.
func (c ResolvedContract) Identifier() string {
	return c.Exchange + ":" + c.Tradingsymbol
}

// indexSpot maps index underlyings to the exchange's index tradingsymbol.
var indexSpot = map[string]string{
	"NIFTY":      "NIFTY 50",
	"BANKNIFTY":  "NIFTY BANK",
	"FINNIFTY":   "NIFTY FIN SERVICE",
	"MIDCPNIFTY": "NIFTY MID SELECT",
}

// SpotIdentifier returns the cash-market quote identifier for an underlying.
func SpotIdentifier(underlying string) string {
	u := strings.ToUpper(strings.TrimSpace(underlying))
	if sym, ok := indexSpot[u]; ok {
		return string(NSE) + ":" + sym
	}
	return string(NSE) + ":" + u
}

// UnderlyingFromSpot is the inverse of SpotIdentifier. ok is false for
// identifiers outside the NSE cash market.
func UnderlyingFromSpot(id string) (string, bool) {
	sym, found := strings.CutPrefix(id, string(NSE)+":")
	if !found {
		return "", false
	}
	for u, idx := range indexSpot {
		if idx == sym {
			return u, true
		}
	}
	return sym, true
}
