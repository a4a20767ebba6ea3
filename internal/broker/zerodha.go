package broker

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"
	kiteconnect "github.com/zerodha/gokiteconnect/v4"

	apperrors "options-dekho/internal/errors"
	"options-dekho/internal/logging"
	"options-dekho/internal/metrics"
	"options-dekho/internal/models"
	"options-dekho/internal/resilience"
)

// ZerodhaBroker talks to Kite Connect. It holds no per-user state: every call
// receives the access token of the user it acts for.
type ZerodhaBroker struct {
	apiKey     string
	apiSecret  string
	baseURL    string
	tickerURL  string
	httpClient *http.Client
	logger     zerolog.Logger
	metrics    *metrics.Metrics
	breaker    *resilience.CircuitBreaker
	limiter    *resilience.RateLimiter
}

// ZerodhaConfig holds configuration for Zerodha broker.
type ZerodhaConfig struct {
	APIKey    string
	APISecret string
	BaseURL   string
	TickerURL string
	Timeout   time.Duration
	Logger    zerolog.Logger
	Metrics   *metrics.Metrics
	Breaker   *resilience.CircuitBreaker // optional
	Limiter   *resilience.RateLimiter    // paces quote calls; optional
}

// NewZerodhaBroker creates a new Zerodha broker instance.
func NewZerodhaBroker(cfg ZerodhaConfig) *ZerodhaBroker {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	if baseURL == "" {
		baseURL = "https://api.kite.trade"
	}
	tickerURL := cfg.TickerURL
	if tickerURL == "" {
		tickerURL = "wss://ws.kite.trade"
	}

	return &ZerodhaBroker{
		apiKey:     cfg.APIKey,
		apiSecret:  cfg.APISecret,
		baseURL:    baseURL,
		tickerURL:  tickerURL,
		httpClient: &http.Client{
			Timeout:   timeout,
			Transport: envelopeTransport{next: http.DefaultTransport},
		},
		logger:     cfg.Logger,
		metrics:    cfg.Metrics,
		breaker:    cfg.Breaker,
		limiter:    cfg.Limiter,
	}
}

// newClient returns a Kite client bound to accessToken. Clients are cheap and
// not shared between users.
func (z *ZerodhaBroker) newClient(accessToken string) *kiteconnect.Client {
	client := kiteconnect.New(z.apiKey)
	client.SetHTTPClient(z.httpClient)
	client.SetBaseURI(z.baseURL)
	if accessToken != "" {
		client.SetAccessToken(accessToken)
	}
	return client
}

// LoginURL returns the Kite Connect login URL for this app.
func (z *ZerodhaBroker) LoginURL() string {
	return z.newClient("").GetLoginURL()
}

// Checksum is the session handshake checksum: hex SHA-256 of api_key + request_token + api_secret.
func Checksum(apiKey, requestToken, apiSecret string) string {
	sum := sha256.Sum256([]byte(apiKey + requestToken + apiSecret))
	return hex.EncodeToString(sum[:])
}

// ExchangeToken completes the OAuth flow with the request token.
func (z *ZerodhaBroker) ExchangeToken(ctx context.Context, requestToken string) (*Session, error) {
	if strings.TrimSpace(requestToken) == "" {
		return nil, apperrors.NewValidationError("request_token", requestToken, "request token is required")
	}

	var session kiteconnect.UserSession
	err := z.call(ctx, "", "session", "POST", "/session/token", func(client *kiteconnect.Client) error {
		var err error
		session, err = client.GenerateSession(requestToken, z.apiSecret)
		return err
	})
	if err != nil {
		// A rejected request token is the user's to retry, not a broker outage.
		if apperrors.Classify(err) == apperrors.KindAuthRequired {
			return nil, apperrors.NewValidationError("request_token", "", "request token was rejected or has expired")
		}
		return nil, err
	}

	return &Session{
		AccessToken: session.AccessToken,
		KiteUserID:  session.UserID,
		UserName:    session.UserName,
		LoginTime:   session.LoginTime.Time,
	}, nil
}

// Quotes fetches quotes for up to MaxQuoteBatch identifiers in one call.
func (z *ZerodhaBroker) Quotes(ctx context.Context, accessToken string, ids []string, mode models.QuoteMode) (map[string]models.Quote, error) {
	if len(ids) == 0 {
		return map[string]models.Quote{}, nil
	}
	if len(ids) > MaxQuoteBatch {
		return nil, apperrors.NewValidationError("instruments", len(ids), fmt.Sprintf("at most %d instruments per call", MaxQuoteBatch))
	}

	if err := z.limiter.Wait(ctx); err != nil {
		return nil, apperrors.NewUpstreamError("quote", 0, "request cancelled while rate limited", err)
	}

	out := make(map[string]models.Quote, len(ids))

	if mode == models.QuoteModeLTP {
		err := z.call(ctx, accessToken, "ltp", "GET", "/quote", func(client *kiteconnect.Client) error {
			ltp, err := client.GetLTP(ids...)
			if err != nil {
				return err
			}
			for id, q := range ltp {
				out[id] = models.Quote{
					Identifier:      id,
					InstrumentToken: int64(q.InstrumentToken),
					LastPrice:       q.LastPrice,
				}
			}
			return nil
		})
		if err != nil {
			return nil, err
		}
		return out, nil
	}

	err := z.call(ctx, accessToken, "quote", "GET", "/quote", func(client *kiteconnect.Client) error {
		quotes, err := client.GetQuote(ids...)
		if err != nil {
			return err
		}
		for id, q := range quotes {
			depth := &models.Depth{}
			for _, d := range q.Depth.Buy {
				depth.Buy = append(depth.Buy, models.DepthLevel{Price: d.Price, Quantity: int64(d.Quantity), Orders: int64(d.Orders)})
			}
			for _, d := range q.Depth.Sell {
				depth.Sell = append(depth.Sell, models.DepthLevel{Price: d.Price, Quantity: int64(d.Quantity), Orders: int64(d.Orders)})
			}
			out[id] = models.Quote{
				Identifier:      id,
				InstrumentToken: int64(q.InstrumentToken),
				LastPrice:       q.LastPrice,
				Volume:          int64(q.Volume),
				OI:              int64(q.OI),
				Depth:           depth,
				Timestamp:       q.LastTradeTime.Time,
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Instruments downloads the instrument master CSV for a segment. The Kite
// client parses this file itself, so it is fetched directly to keep the raw
// CSV for the catalog's own mapper.
func (z *ZerodhaBroker) Instruments(ctx context.Context, accessToken, segment string) ([]byte, error) {
	endpoint := "/instruments"
	if segment != "" {
		endpoint += "/" + url.PathEscape(segment)
	}

	start := time.Now()
	var body []byte
	err := z.breaker.Execute(ctx, func() error {
		var err error
		body, err = z.fetchCSV(ctx, accessToken, endpoint)
		return err
	})
	z.observe("instruments", "GET", endpoint, start, err)
	return body, err
}

func (z *ZerodhaBroker) fetchCSV(ctx context.Context, accessToken, endpoint string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, z.baseURL+endpoint, nil)
	if err != nil {
		return nil, apperrors.NewUpstreamError("instruments", 0, "building request", err)
	}
	req.Header.Set("X-Kite-Version", "3")
	req.Header.Set("Authorization", fmt.Sprintf("token %s:%s", z.apiKey, accessToken))

	resp, err := z.httpClient.Do(req)
	if err != nil {
		return nil, classifyTransport("instruments", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, classifyTransport("instruments", err)
	}

	if resp.StatusCode != http.StatusOK {
		var env kiteEnvelope
		if json.Unmarshal(body, &env) == nil && env.ErrorType != "" {
			return nil, classifyKite("instruments", kiteconnect.Error{
				Code: resp.StatusCode, ErrorType: env.ErrorType, Message: env.Message,
			})
		}
	}
	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return nil, apperrors.NewAuthRequiredError("", "broker rejected the access token",
			apperrors.NewUpstreamError("instruments", resp.StatusCode, errorMessage(body), nil))
	}
	if resp.StatusCode != http.StatusOK {
		return nil, apperrors.NewUpstreamError("instruments", resp.StatusCode, errorMessage(body), nil)
	}

	// Kite can answer 200 with a JSON error envelope instead of CSV.
	if strings.HasPrefix(resp.Header.Get("Content-Type"), "application/json") || looksLikeJSON(body) {
		var env kiteEnvelope
		if json.Unmarshal(body, &env) == nil && env.Status == "error" {
			return nil, classifyKite("instruments", kiteconnect.NewError(env.ErrorType, env.Message, nil))
		}
	}

	return body, nil
}

// TickerURL returns the WebSocket URL for streaming ticks.
func (z *ZerodhaBroker) TickerURL(accessToken string) string {
	q := url.Values{}
	q.Set("api_key", z.apiKey)
	q.Set("access_token", accessToken)
	return z.tickerURL + "?" + q.Encode()
}

// Simulated is false for the live broker.
func (z *ZerodhaBroker) Simulated() bool {
	return false
}

// call runs fn against a fresh client behind the circuit breaker, honouring
// ctx cancellation and classifying the error. The Kite client has no context
// support, so the http.Client timeout bounds the call and ctx only stops the
// wait. On error the caller must not touch anything fn writes to.
func (z *ZerodhaBroker) call(ctx context.Context, accessToken, operation, method, endpoint string, fn func(*kiteconnect.Client) error) error {
	start := time.Now()
	err := z.breaker.Execute(ctx, func() error {
		client := z.newClient(accessToken)
		done := make(chan error, 1)
		go func() {
			done <- fn(client)
		}()

		select {
		case err := <-done:
			if err != nil {
				return classifyKite(operation, err)
			}
			return nil
		case <-ctx.Done():
			return apperrors.NewUpstreamError(operation, 0, "request cancelled", ctx.Err())
		}
	})

	z.observe(operation, method, endpoint, start, err)
	return err
}

func (z *ZerodhaBroker) observe(operation, method, endpoint string, start time.Time, err error) {
	logging.LogAPICall(z.logger, method, endpoint, time.Since(start), err)
	z.metrics.ObserveBrokerCall(operation, time.Since(start), err)
}

type kiteEnvelope struct {
	Status    string `json:"status"`
	ErrorType string `json:"error_type"`
	Message   string `json:"message"`
}

// classifyKite maps Kite client errors onto the application taxonomy.
// TokenException, whatever the HTTP status, means the session is gone.
func classifyKite(operation string, err error) error {
	var kerr kiteconnect.Error
	if !apperrors.As(err, &kerr) {
		return classifyTransport(operation, err)
	}

	switch {
	case kerr.ErrorType == kiteconnect.TokenError,
		kerr.Code == http.StatusUnauthorized,
		kerr.Code == http.StatusForbidden && kerr.ErrorType != kiteconnect.PermissionError:
		return apperrors.NewAuthRequiredError("", "broker rejected the access token",
			apperrors.NewUpstreamError(operation, kerr.Code, kerr.Message, nil))
	case kerr.ErrorType == kiteconnect.InputError:
		return apperrors.NewValidationError("instruments", nil, kerr.Message)
	case kerr.ErrorType == kiteconnect.NetworkError && strings.Contains(strings.ToLower(kerr.Message), "timeout"):
		return apperrors.NewUpstreamError(operation, kerr.Code, kerr.Message, apperrors.ErrTimeout)
	default:
		return apperrors.NewUpstreamError(operation, kerr.Code, kerr.Message, nil)
	}
}

func classifyTransport(operation string, err error) error {
	if ue, ok := err.(*url.Error); ok && ue.Timeout() {
		return apperrors.NewUpstreamError(operation, 0, "request timed out", apperrors.ErrTimeout)
	}
	if apperrors.Is(err, context.DeadlineExceeded) {
		return apperrors.NewUpstreamError(operation, 0, "request timed out", apperrors.ErrTimeout)
	}
	return apperrors.NewUpstreamError(operation, 0, "", err)
}

func errorMessage(body []byte) string {
	var env kiteEnvelope
	if json.Unmarshal(body, &env) == nil && env.Message != "" {
		return env.Message
	}
	msg := strings.TrimSpace(string(body))
	if len(msg) > 200 {
		msg = msg[:200]
	}
	return msg
}

func looksLikeJSON(body []byte) bool {
	trimmed := strings.TrimSpace(string(body[:min(len(body), 64)]))
	return strings.HasPrefix(trimmed, "{")
}
