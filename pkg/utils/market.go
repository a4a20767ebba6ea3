// Package utils holds IST calendar and expiry helpers shared across packages.
package utils

import (
	"fmt"
	"strings"
	"time"
)

// IndiaLocation is the timezone for Indian markets.
var IndiaLocation *time.Location

func init() {
	var err error
	IndiaLocation, err = time.LoadLocation("Asia/Kolkata")
	if err != nil {
		// Fallback to UTC+5:30
		IndiaLocation = time.FixedZone("IST", 5*60*60+30*60)
	}
}

// DateLayout is the instrument-master expiry layout.
const DateLayout = "2006-01-02"

// NextDailyCutover returns hour:00 IST on the calendar day after now (in IST).
// Kite sessions issued at any time of day expire at this cutover.
func NextDailyCutover(now time.Time, hour int) time.Time {
	ist := now.In(IndiaLocation)
	return time.Date(ist.Year(), ist.Month(), ist.Day()+1, hour, 0, 0, 0, IndiaLocation)
}

// TodayIST returns now's calendar date in IST as YYYY-MM-DD.
func TodayIST(now time.Time) string {
	return now.In(IndiaLocation).Format(DateLayout)
}

// UpcomingWeekdays returns the next n dates (IST, midnight) falling on
// weekday, starting today when today matches.
func UpcomingWeekdays(now time.Time, weekday time.Weekday, n int) []time.Time {
	ist := now.In(IndiaLocation)
	day := time.Date(ist.Year(), ist.Month(), ist.Day(), 0, 0, 0, 0, IndiaLocation)
	for day.Weekday() != weekday {
		day = day.AddDate(0, 0, 1)
	}

	out := make([]time.Time, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, day.AddDate(0, 0, 7*i))
	}
	return out
}

// Accepted expiry layouts, tried in order.
var expiryLayouts = []string{
	DateLayout,
	"2006-01-02 15:04:05",
	"02-01-2006",
}

// NormalizeExpiry converts an instrument-master expiry to YYYY-MM-DD. The
// date is taken as written; no timezone conversion is applied. Empty input
// yields an empty string.
func NormalizeExpiry(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", nil
	}
	for _, layout := range expiryLayouts {
		if t, err := time.Parse(layout, raw); err == nil {
			return t.Format(DateLayout), nil
		}
	}
	return "", fmt.Errorf("unrecognised expiry %q", raw)
}

// FormatExpiry formats t's calendar date in its own location.
func FormatExpiry(t time.Time) string {
	return t.Format(DateLayout)
}
