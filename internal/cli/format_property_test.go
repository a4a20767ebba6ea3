package cli

import (
	"math"
	"regexp"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

var indianGrouping = regexp.MustCompile(`^(\d{1,2},)*\d{1,3}$`)

// Property: FormatIndianCurrency always yields ₹, two decimals and Indian
// digit grouping, and parses back to the rounded amount.
func TestProperty_IndianCurrencyFormatting(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("FormatIndianCurrency produces valid Indian format", prop.ForAll(
		func(amount float64) bool {
			formatted := FormatIndianCurrency(amount)

			prefix := "₹"
			if amount < 0 {
				prefix = "-₹"
			}
			if !strings.HasPrefix(formatted, prefix) {
				t.Logf("Expected %s prefix for %f, got %s", prefix, amount, formatted)
				return false
			}

			parts := strings.Split(formatted, ".")
			if len(parts) != 2 || len(parts[1]) != 2 {
				t.Logf("Expected 2 decimal places for %f, got %s", amount, formatted)
				return false
			}

			numPart := strings.TrimPrefix(strings.TrimPrefix(parts[0], "-"), "₹")
			if !indianGrouping.MatchString(numPart) {
				t.Logf("Invalid Indian grouping for %f: %s", amount, formatted)
				return false
			}
			return true
		},
		gen.Float64Range(-1e12, 1e12),
	))

	properties.Property("FormatIndianCurrency preserves value", prop.ForAll(
		func(amount float64) bool {
			formatted := FormatIndianCurrency(amount)
			plain := strings.NewReplacer("₹", "", ",", "").Replace(formatted)
			parsed, err := strconv.ParseFloat(plain, 64)
			if err != nil {
				t.Logf("Unparseable %s: %v", formatted, err)
				return false
			}
			return math.Abs(parsed-math.Round(amount*100)/100) <= 0.01
		},
		gen.Float64Range(-1e9, 1e9),
	))

	properties.TestingRun(t)
}

func TestIndianNumberFormatExamples(t *testing.T) {
	testCases := []struct {
		amount   float64
		expected string
	}{
		{0, "₹0.00"},
		{1, "₹1.00"},
		{999.5, "₹999.50"},
		{1000, "₹1,000.00"},
		{4687.5, "₹4,687.50"},
		{100000, "₹1,00,000.00"},
		{1000000, "₹10,00,000.00"},
		{10000000, "₹1,00,00,000.00"},
		{-1234.56, "-₹1,234.56"},
		{12345678.90, "₹1,23,45,678.90"},
	}

	for _, tc := range testCases {
		t.Run(tc.expected, func(t *testing.T) {
			if got := FormatIndianCurrency(tc.amount); got != tc.expected {
				t.Errorf("FormatIndianCurrency(%f) = %s, want %s", tc.amount, got, tc.expected)
			}
		})
	}
}

func TestFormatStrikeAndYield(t *testing.T) {
	tests := []struct {
		name string
		got  string
		want string
	}{
		{"whole strike", FormatStrike(24000), "24,000"},
		{"fractional strike", FormatStrike(172.5), "172.50"},
		{"small strike", FormatStrike(820), "820"},
		{"yield", FormatYield(floatPtr(0.75)), "0.75%"},
		{"missing yield", FormatYield(nil), "n/a"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.got != tt.want {
				t.Errorf("got %q, want %q", tt.got, tt.want)
			}
		})
	}
}

func TestFormatDuration(t *testing.T) {
	tests := []struct {
		d    time.Duration
		want string
	}{
		{-time.Second, "0s"},
		{45 * time.Second, "45s"},
		{5*time.Minute + 3*time.Second, "5m 3s"},
		{19*time.Hour + 59*time.Minute, "19h 59m"},
		{50 * time.Hour, "2d 2h"},
	}
	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			if got := FormatDuration(tt.d); got != tt.want {
				t.Errorf("FormatDuration(%v) = %q, want %q", tt.d, got, tt.want)
			}
		})
	}
}

func floatPtr(v float64) *float64 { return &v }
