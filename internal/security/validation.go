package security

import (
	"net/mail"
	"regexp"
	"strconv"
	"strings"
	"time"
	"unicode"

	apperrors "options-dekho/internal/errors"
)

// Validation patterns
var (
	// Symbol pattern: uppercase letters, numbers, and limited special chars
	symbolPattern = regexp.MustCompile(`^[A-Z0-9&-]{1,20}$`)

	// EXCHANGE:TRADINGSYMBOL, where index symbols may contain single spaces ("NSE:NIFTY 50")
	identifierPattern = regexp.MustCompile(`^[A-Z]{2,6}:[A-Z0-9&_.\-]+( [A-Z0-9&_.\-]+)*$`)

	expiryPattern = regexp.MustCompile(`^\d{4}-\d{2}-\d{2}$`)
)

const maxIdentifierLength = 50

// ValidateSymbol validates an underlying symbol. The symbol is expected to be
// uppercased by the caller.
func ValidateSymbol(symbol string) error {
	if symbol == "" {
		return apperrors.NewValidationError("symbol", symbol, "symbol is required")
	}
	if !symbolPattern.MatchString(symbol) {
		return apperrors.NewValidationError("symbol", symbol, "invalid symbol format")
	}
	return nil
}

// ValidateIdentifier checks the EXCHANGE:TRADINGSYMBOL shape the quote API expects.
func ValidateIdentifier(id string) error {
	if id == "" {
		return apperrors.NewValidationError("instrument", id, "instrument identifier is required")
	}
	if len(id) > maxIdentifierLength || !identifierPattern.MatchString(id) {
		return apperrors.NewValidationError("instrument", id, "expected EXCHANGE:TRADINGSYMBOL")
	}
	return nil
}

// ParseStrike parses a positive decimal strike.
func ParseStrike(raw string) (float64, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, apperrors.NewValidationError("strike", raw, "strike is required")
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil || v <= 0 || v != v {
		return 0, apperrors.NewValidationError("strike", raw, "strike must be a positive number")
	}
	return v, nil
}

// ValidateExpiry checks a YYYY-MM-DD calendar date.
func ValidateExpiry(expiry string) error {
	if expiry == "" {
		return apperrors.NewValidationError("expiry", expiry, "expiry is required")
	}
	if !expiryPattern.MatchString(expiry) {
		return apperrors.NewValidationError("expiry", expiry, "expiry must be YYYY-MM-DD")
	}
	if _, err := time.Parse("2006-01-02", expiry); err != nil {
		return apperrors.NewValidationError("expiry", expiry, "expiry is not a valid date")
	}
	return nil
}

// ValidateEmail checks an email address.
func ValidateEmail(email string) error {
	if email == "" {
		return apperrors.NewValidationError("email", email, "email is required")
	}
	addr, err := mail.ParseAddress(email)
	if err != nil || addr.Address != email {
		return apperrors.NewValidationError("email", email, "invalid email address")
	}
	return nil
}

// SanitizeSymbol uppercases and trims a symbol, dropping disallowed characters.
func SanitizeSymbol(symbol string) string {
	symbol = strings.TrimSpace(strings.ToUpper(symbol))

	var result strings.Builder
	for _, r := range symbol {
		if unicode.IsLetter(r) || unicode.IsDigit(r) || r == '&' || r == '-' {
			result.WriteRune(r)
		}
	}
	return result.String()
}

// MaskCredential masks a credential value for logging.
func MaskCredential(value string) string {
	if len(value) == 0 {
		return ""
	}
	if len(value) <= 4 {
		return strings.Repeat("*", len(value))
	}
	if len(value) <= 8 {
		return value[:2] + strings.Repeat("*", len(value)-2)
	}
	return value[:4] + strings.Repeat("*", len(value)-8) + value[len(value)-4:]
}
