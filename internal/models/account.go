package models

import "time"

// User is an end user of the service.
type User struct {
	ID           string    `json:"id"`
	Email        string    `json:"email"`
	PasswordHash string    `json:"-"`
	CreatedAt    time.Time `json:"created_at"`
}

// Identity is what bearer-token verification yields.
type Identity struct {
	UserID string `json:"user_id"`
	Email  string `json:"email"`
}

// BrokerToken is a per-user Kite session credential. At most one exists per user.
type BrokerToken struct {
	UserID      string    `json:"user_id"`
	AccessToken string    `json:"-"`
	KiteUserID  string    `json:"kite_user_id,omitempty"`
	ExpiresAt   time.Time `json:"expires_at"`
	CreatedAt   time.Time `json:"created_at"`
}

// StoredToken is the at-rest form of a BrokerToken; the access token is ciphertext.
type StoredToken struct {
	UserID     string
	Ciphertext string
	KiteUserID string
	ExpiresAt  time.Time
	CreatedAt  time.Time
}

// TokenState is the lifecycle state of a user's broker token.
type TokenState string

const (
	TokenAbsent       TokenState = "absent"
	TokenValid        TokenState = "valid"
	TokenExpiringSoon TokenState = "expiring_soon"
)

// TokenStatus reports a token's state without exposing the secret.
type TokenStatus struct {
	State      TokenState `json:"state"`
	ExpiresAt  *time.Time `json:"expires_at,omitempty"`
	KiteUserID string     `json:"kite_user_id,omitempty"`
}

// WatchlistEntry is a persisted per-user watchlist row.
type WatchlistEntry struct {
	ID              string    `json:"id"`
	UserID          string    `json:"user_id"`
	Underlying      string    `json:"underlying"`
	Strike          string    `json:"strike"`
	Expiry          string    `json:"expiry"`
	Tradingsymbol   string    `json:"tradingsymbol,omitempty"`
	InstrumentToken int64     `json:"instrument_token,omitempty"`
	Position        int       `json:"position"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// Resolved reports whether the sticky resolution fields are filled in.
func (e WatchlistEntry) Resolved() bool {
	return e.Tradingsymbol != "" && e.InstrumentToken != 0
}

// WatchlistQuote joins a watchlist row with its live pricing.
type WatchlistQuote struct {
	Entry   WatchlistEntry `json:"entry"`
	Result  *PremiumQuote  `json:"result,omitempty"`
	Message string         `json:"message,omitempty"`
}
