// Package broker provides the market data sources behind the lookup pipeline.
package broker

import (
	"context"
	"time"

	"options-dekho/internal/models"
)

// DataSource is the broker boundary: session handshake, instrument master and quotes.
// Implementations must bound every network call with a timeout.
type DataSource interface {
	// LoginURL returns the URL the user visits to start the OAuth handshake.
	LoginURL() string
	// ExchangeToken trades a request token for a broker session.
	ExchangeToken(ctx context.Context, requestToken string) (*Session, error)
	// Instruments returns the raw instrument master CSV for a segment.
	Instruments(ctx context.Context, accessToken, segment string) ([]byte, error)
	// Quotes returns quotes keyed by EXCHANGE:TRADINGSYMBOL. Identifiers the
	// broker has no data for are absent from the map.
	Quotes(ctx context.Context, accessToken string, ids []string, mode models.QuoteMode) (map[string]models.Quote, error)
	// TickerURL returns the WebSocket URL for streaming ticks with accessToken.
	TickerURL(accessToken string) string
	// Simulated reports whether the data is synthetic.
	Simulated() bool
}

// Session is the result of a successful token exchange.
type Session struct {
	AccessToken string
	KiteUserID  string
	UserName    string
	LoginTime   time.Time
}

// MaxQuoteBatch is the broker's limit on instruments per quote call.
const MaxQuoteBatch = 500

var (
	_ DataSource = (*ZerodhaBroker)(nil)
	_ DataSource = (*SimulatedBroker)(nil)
)
