// Package premium derives the money figures shown next to an option quote.
package premium

import (
	"math"

	"options-dekho/internal/models"
)

// Compute returns the premium for lots contracts. lots below 1 means one lot.
// YieldPct is nil when strike is not positive or the ratio is not finite.
func Compute(lastPrice, strike float64, lotSize, lots int) models.Premium {
	if lots <= 0 {
		lots = 1
	}

	p := models.Premium{
		LastPrice:    lastPrice,
		LotSize:      lotSize,
		Lots:         lots,
		TotalPremium: Round2(lastPrice * float64(lotSize) * float64(lots)),
	}

	if strike > 0 {
		y := lastPrice / strike * 100
		if !math.IsNaN(y) && !math.IsInf(y, 0) {
			y = Round2(y)
			p.YieldPct = &y
		}
	}
	return p
}

// Round2 rounds to two decimal places, half away from zero.
func Round2(v float64) float64 {
	return math.Round(v*100) / 100
}
