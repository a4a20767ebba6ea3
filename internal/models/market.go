package models

import "time"

// QuoteMode selects the broker endpoint: ltp returns only prices, full adds depth, volume and OI.
type QuoteMode string

const (
	QuoteModeLTP  QuoteMode = "ltp"
	QuoteModeFull QuoteMode = "full"
)

// DepthLevel is one best bid/ask level.
type DepthLevel struct {
	Price    float64 `json:"price"`
	Quantity int64   `json:"quantity"`
	Orders   int64   `json:"orders"`
}

// Depth holds market depth.
type Depth struct {
	Buy  []DepthLevel `json:"buy"`
	Sell []DepthLevel `json:"sell"`
}

// Quote is a live price snapshot, valid only for the instant of the response.
type Quote struct {
	Identifier      string    `json:"identifier"`
	InstrumentToken int64     `json:"instrument_token"`
	LastPrice       float64   `json:"last_price"`
	Volume          int64     `json:"volume,omitempty"`
	OI              int64     `json:"oi,omitempty"`
	Depth           *Depth    `json:"depth,omitempty"`
	Timestamp       time.Time `json:"timestamp,omitempty"`
}

// QuoteStatus distinguishes a real price from an identifier the broker returned nothing for.
type QuoteStatus string

const (
	QuoteOK     QuoteStatus = "ok"
	QuoteNoData QuoteStatus = "no_data"
)

// QuoteResult is the per-identifier outcome of a quote fetch.
type QuoteResult struct {
	Identifier string      `json:"identifier"`
	Status     QuoteStatus `json:"status"`
	Quote      *Quote      `json:"quote,omitempty"`
}

// Premium holds user-facing numbers derived from a contract and its quote.
type Premium struct {
	LastPrice    float64  `json:"last_price"`
	LotSize      int      `json:"lot_size"`
	Lots         int      `json:"lots"`
	TotalPremium float64  `json:"total_premium"`
	YieldPct     *float64 `json:"yield_pct,omitempty"`
}

// PremiumQuote is the result of the full lookup pipeline for one contract.
type PremiumQuote struct {
	Contract  ResolvedContract `json:"contract"`
	Status    QuoteStatus      `json:"status"`
	Quote     *Quote           `json:"quote,omitempty"`
	Premium   *Premium         `json:"premium,omitempty"`
	Spot      float64          `json:"spot,omitempty"`
	Warnings  []string         `json:"warnings,omitempty"`
	Simulated bool             `json:"simulated,omitempty"`
}
