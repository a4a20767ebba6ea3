package cli

import (
	"fmt"
	"strings"
	"time"

	"options-dekho/pkg/utils"
)

// FormatIndianCurrency formats an amount in rupees with Indian digit grouping
// (lakhs, crores).
func FormatIndianCurrency(amount float64) string {
	negative := amount < 0
	if negative {
		amount = -amount
	}

	str := fmt.Sprintf("%.2f", amount)
	parts := strings.Split(str, ".")

	result := "₹" + formatIndianNumber(parts[0]) + "." + parts[1]
	if negative {
		result = "-" + result
	}
	return result
}

// formatIndianNumber groups an integer string as 1,00,00,000 rather than 10,000,000.
func formatIndianNumber(s string) string {
	n := len(s)
	if n <= 3 {
		return s
	}

	result := s[n-3:]
	s = s[:n-3]
	for len(s) > 0 {
		if len(s) >= 2 {
			result = s[len(s)-2:] + "," + result
			s = s[:len(s)-2]
		} else {
			result = s + "," + result
			s = ""
		}
	}
	return result
}

// FormatPercent formats a percentage with two decimals and no sign.
func FormatPercent(value float64) string {
	return fmt.Sprintf("%.2f%%", value)
}

// FormatYield renders an optional yield; nil means the strike was unusable.
func FormatYield(yield *float64) string {
	if yield == nil {
		return "n/a"
	}
	return FormatPercent(*yield)
}

// FormatStrike drops a zero fractional part: 24000 rather than 24000.00.
func FormatStrike(strike float64) string {
	if strike == float64(int64(strike)) {
		return formatIndianNumber(fmt.Sprintf("%d", int64(strike)))
	}
	return fmt.Sprintf("%.2f", strike)
}

// FormatDateTime formats a time in IST.
func FormatDateTime(t time.Time) string {
	return t.In(utils.IndiaLocation).Format("02-Jan-2006 15:04 IST")
}

// FormatDuration formats a duration in human-readable form.
func FormatDuration(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	switch {
	case d < time.Minute:
		return fmt.Sprintf("%ds", int(d.Seconds()))
	case d < time.Hour:
		return fmt.Sprintf("%dm %ds", int(d.Minutes()), int(d.Seconds())%60)
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh %dm", int(d.Hours()), int(d.Minutes())%60)
	}
	return fmt.Sprintf("%dd %dh", int(d.Hours())/24, int(d.Hours())%24)
}

// PadRight pads a string to the right.
func PadRight(s string, length int) string {
	if len(s) >= length {
		return s
	}
	return s + strings.Repeat(" ", length-len(s))
}
