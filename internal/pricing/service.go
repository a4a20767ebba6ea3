// Package pricing runs the lookup pipeline: broker token, instrument catalog,
// contract resolution, live quote and premium.
package pricing

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"options-dekho/internal/catalog"
	apperrors "options-dekho/internal/errors"
	"options-dekho/internal/logging"
	"options-dekho/internal/models"
	"options-dekho/internal/premium"
	"options-dekho/internal/quotes"
	"options-dekho/internal/resolver"
	"options-dekho/internal/security"
	"options-dekho/internal/watchlist"
	"options-dekho/pkg/utils"
)

// MaxUniverse bounds the number of underlyings ranked in one request.
const MaxUniverse = 50

// Tokens hands out a user's valid broker token.
type Tokens interface {
	GetValid(ctx context.Context, userID string) (models.BrokerToken, error)
	Invalidate(ctx context.Context, userID, reason string) error
}

// Catalog returns a current instrument snapshot.
type Catalog interface {
	EnsureFresh(ctx context.Context, accessToken string) (*catalog.Snapshot, error)
}

// QuoteFetcher fetches quotes for validated identifiers.
type QuoteFetcher interface {
	Fetch(ctx context.Context, userID, accessToken string, ids []string, mode models.QuoteMode) (map[string]models.QuoteResult, error)
}

// Watchlist is the subset of the watchlist service the pipeline needs.
type Watchlist interface {
	List(ctx context.Context, userID string) ([]models.WatchlistEntry, error)
	Enrich(ctx context.Context, userID string, entries []models.WatchlistEntry, records []models.InstrumentRecord) []models.WatchlistEntry
}

// Service orchestrates lookups for one data source.
type Service struct {
	tokens    Tokens
	catalog   Catalog
	resolver  *resolver.Resolver
	quotes    QuoteFetcher
	watchlist Watchlist
	simulated bool
	now       func() time.Time
	logger    zerolog.Logger
}

// Config holds service dependencies.
type Config struct {
	Tokens    Tokens
	Catalog   Catalog
	Resolver  *resolver.Resolver
	Quotes    QuoteFetcher
	Watchlist Watchlist
	Simulated bool
	Now       func() time.Time
	Logger    zerolog.Logger
}

// NewService creates a pricing service.
func NewService(cfg Config) *Service {
	s := &Service{
		tokens:    cfg.Tokens,
		catalog:   cfg.Catalog,
		resolver:  cfg.Resolver,
		quotes:    cfg.Quotes,
		watchlist: cfg.Watchlist,
		simulated: cfg.Simulated,
		now:       cfg.Now,
		logger:    cfg.Logger,
	}
	if s.resolver == nil {
		s.resolver = resolver.New(resolver.MatchByName)
	}
	if s.now == nil {
		s.now = time.Now
	}
	return s
}

// Simulated reports whether prices come from the simulated source.
func (s *Service) Simulated() bool {
	return s.simulated
}

// ParseQuery validates raw request fields into a contract query.
func ParseQuery(symbol, strike, expiry, optionType string) (models.ContractQuery, error) {
	underlying := security.SanitizeSymbol(symbol)
	if err := security.ValidateSymbol(underlying); err != nil {
		return models.ContractQuery{}, err
	}
	k, err := security.ParseStrike(strike)
	if err != nil {
		return models.ContractQuery{}, err
	}
	expiry = strings.TrimSpace(expiry)
	if err := security.ValidateExpiry(expiry); err != nil {
		return models.ContractQuery{}, err
	}
	typ, ok := models.ParseOptionType(optionType)
	if !ok {
		return models.ContractQuery{}, apperrors.NewValidationError("type", optionType, "type must be CE or PE")
	}
	return models.ContractQuery{Underlying: underlying, Strike: k, Expiry: expiry, OptionType: typ}, nil
}

// session is a user's token plus the catalog snapshot it unlocked.
type session struct {
	userID   string
	token    string
	snapshot *catalog.Snapshot
}

func (s *Service) open(ctx context.Context, userID string) (*session, error) {
	token, err := s.tokens.GetValid(ctx, userID)
	if err != nil {
		return nil, err
	}
	snap, err := s.catalog.EnsureFresh(ctx, token.AccessToken)
	if err != nil {
		if apperrors.Classify(err) == apperrors.KindAuthRequired {
			if invErr := s.tokens.Invalidate(ctx, userID, "rejected"); invErr != nil {
				logger := logging.WithUser(s.logger, userID)
				logger.Error().Err(invErr).Msg("Failed to invalidate rejected broker token")
			}
			return nil, apperrors.NewAuthRequiredError(userID, "broker rejected the access token", err)
		}
		return nil, err
	}
	return &session{userID: userID, token: token.AccessToken, snapshot: snap}, nil
}

func (s *Service) staleWarning(snap *catalog.Snapshot) []string {
	if !snap.Stale {
		return nil
	}
	return []string{fmt.Sprintf("instrument catalog could not be refreshed; using data fetched at %s",
		snap.FetchedAt.In(utils.IndiaLocation).Format("2006-01-02 15:04 MST"))}
}

// ResolveOnly resolves q to a contract without fetching a price.
func (s *Service) ResolveOnly(ctx context.Context, userID string, q models.ContractQuery) (models.ResolvedContract, []string, error) {
	sess, err := s.open(ctx, userID)
	if err != nil {
		return models.ResolvedContract{}, nil, err
	}
	res := s.resolver.Resolve(sess.snapshot.Records, q)
	if !res.Found {
		return models.ResolvedContract{}, nil, resolver.NotFound(q)
	}
	return res.Contract, append(s.staleWarning(sess.snapshot), contractWarnings(res.Contract)...), nil
}

// Expiries lists the expiries available for an underlying.
func (s *Service) Expiries(ctx context.Context, userID, symbol string, typ models.OptionType) ([]string, error) {
	underlying := security.SanitizeSymbol(symbol)
	if err := security.ValidateSymbol(underlying); err != nil {
		return nil, err
	}
	sess, err := s.open(ctx, userID)
	if err != nil {
		return nil, err
	}
	expiries := s.resolver.Expiries(sess.snapshot.Records, underlying, typ)
	if len(expiries) == 0 {
		return nil, apperrors.NewNotFoundError("underlying", underlying,
			fmt.Sprintf("no %s options found for %s", typ.Label(), underlying))
	}
	return expiries, nil
}

// Quotes fetches quotes for raw identifiers.
func (s *Service) Quotes(ctx context.Context, userID string, ids []string, mode models.QuoteMode) (map[string]models.QuoteResult, error) {
	if _, err := quotes.Normalize(ids); err != nil {
		return nil, err
	}
	token, err := s.tokens.GetValid(ctx, userID)
	if err != nil {
		return nil, err
	}
	return s.quotes.Fetch(ctx, userID, token.AccessToken, ids, mode)
}

// Lookup resolves q, prices it and sizes the premium for lots.
func (s *Service) Lookup(ctx context.Context, userID string, q models.ContractQuery, lots int) (models.PremiumQuote, error) {
	logger := logging.WithOperation(logging.WithUser(s.logger, userID), "lookup")

	sess, err := s.open(ctx, userID)
	if err != nil {
		return models.PremiumQuote{}, err
	}
	res := s.resolver.Resolve(sess.snapshot.Records, q)
	if !res.Found {
		logger.Debug().Str("query", q.String()).Msg("No contract matched")
		return models.PremiumQuote{}, resolver.NotFound(q)
	}

	id := res.Contract.Identifier()
	results, err := s.quotes.Fetch(ctx, userID, sess.token, []string{id}, models.QuoteModeLTP)
	if err != nil {
		return models.PremiumQuote{}, err
	}

	pq := s.price(res.Contract, results[id], lots)
	pq.Warnings = append(s.staleWarning(sess.snapshot), pq.Warnings...)
	return pq, nil
}

// price joins a contract with its quote result.
func (s *Service) price(contract models.ResolvedContract, result models.QuoteResult, lots int) models.PremiumQuote {
	pq := models.PremiumQuote{
		Contract:  contract,
		Status:    models.QuoteNoData,
		Warnings:  contractWarnings(contract),
		Simulated: s.simulated,
	}
	if result.Status != models.QuoteOK || result.Quote == nil {
		pq.Warnings = append(pq.Warnings, fmt.Sprintf("no live price for %s", contract.Identifier()))
		return pq
	}
	pq.Status = models.QuoteOK
	pq.Quote = result.Quote
	p := premium.Compute(result.Quote.LastPrice, contract.Strike, contract.LotSize, lots)
	pq.Premium = &p
	return pq
}

func contractWarnings(c models.ResolvedContract) []string {
	var warnings []string
	if c.StrikeAdjusted && c.Match == models.MatchNearest {
		warnings = append(warnings, fmt.Sprintf("strike %s not listed; using nearest strike %s",
			formatStrike(c.RequestedStrike), formatStrike(c.Strike)))
	}
	if c.Ambiguous {
		warnings = append(warnings, fmt.Sprintf("%d contracts matched; using %s", c.Candidates, c.Tradingsymbol))
	}
	return warnings
}

func formatStrike(v float64) string {
	return strings.TrimSuffix(strings.TrimRight(fmt.Sprintf("%.2f", v), "0"), ".")
}

// UniverseResult is a yield-ranked list of at-or-below-spot puts.
type UniverseResult struct {
	Items     []models.PremiumQuote `json:"items"`
	Skipped   []Skipped             `json:"skipped,omitempty"`
	Warnings  []string              `json:"warnings,omitempty"`
	Simulated bool                  `json:"simulated,omitempty"`
}

// Skipped explains why an underlying is missing from a universe ranking.
type Skipped struct {
	Underlying string `json:"underlying"`
	Reason     string `json:"reason"`
}

// Universe prices, for each underlying, the put at the highest strike not
// above spot and ranks them by yield, highest first. An empty expiry picks
// each underlying's nearest expiry on or after today.
func (s *Service) Universe(ctx context.Context, userID string, symbols []string, expiry string, lots int) (UniverseResult, error) {
	underlyings, err := normalizeUnderlyings(symbols)
	if err != nil {
		return UniverseResult{}, err
	}
	expiry = strings.TrimSpace(expiry)
	if expiry != "" {
		if err := security.ValidateExpiry(expiry); err != nil {
			return UniverseResult{}, err
		}
	}

	sess, err := s.open(ctx, userID)
	if err != nil {
		return UniverseResult{}, err
	}
	out := UniverseResult{Items: []models.PremiumQuote{}, Warnings: s.staleWarning(sess.snapshot), Simulated: s.simulated}

	spotIDs := make([]string, len(underlyings))
	for i, u := range underlyings {
		spotIDs[i] = models.SpotIdentifier(u)
	}
	spots, err := s.quotes.Fetch(ctx, userID, sess.token, spotIDs, models.QuoteModeLTP)
	if err != nil {
		return UniverseResult{}, err
	}

	today := utils.TodayIST(s.now())
	var contracts []models.ResolvedContract
	spotOf := make(map[string]float64, len(underlyings))
	for i, u := range underlyings {
		spot := spots[spotIDs[i]]
		if spot.Status != models.QuoteOK || spot.Quote == nil || spot.Quote.LastPrice <= 0 {
			out.Skipped = append(out.Skipped, Skipped{Underlying: u, Reason: "no spot price for " + spotIDs[i]})
			continue
		}

		q := models.ContractQuery{Underlying: u, Expiry: expiry, OptionType: models.OptionTypePut}
		if q.Expiry == "" {
			q.Expiry = nextExpiry(s.resolver.Expiries(sess.snapshot.Records, u, models.OptionTypePut), today)
			if q.Expiry == "" {
				out.Skipped = append(out.Skipped, Skipped{Underlying: u, Reason: "no upcoming PUT expiry for " + u})
				continue
			}
		}
		q.Strike = spot.Quote.LastPrice

		res := s.resolver.ResolveAtOrBelowSpot(sess.snapshot.Records, q, spot.Quote.LastPrice)
		if !res.Found {
			out.Skipped = append(out.Skipped, Skipped{Underlying: u, Reason: resolver.NotFound(q).Error()})
			continue
		}
		contracts = append(contracts, res.Contract)
		spotOf[res.Contract.Identifier()] = spot.Quote.LastPrice
	}
	if len(contracts) == 0 {
		return out, nil
	}

	ids := make([]string, len(contracts))
	for i, c := range contracts {
		ids[i] = c.Identifier()
	}
	results, err := s.quotes.Fetch(ctx, userID, sess.token, ids, models.QuoteModeLTP)
	if err != nil {
		return UniverseResult{}, err
	}

	for _, c := range contracts {
		pq := s.price(c, results[c.Identifier()], lots)
		pq.Spot = spotOf[c.Identifier()]
		out.Items = append(out.Items, pq)
	}
	RankByYield(out.Items)
	return out, nil
}

// RankByYield sorts quotes by yield descending. Quotes without a yield go
// last, keeping their relative order.
func RankByYield(items []models.PremiumQuote) {
	yield := func(pq models.PremiumQuote) (float64, bool) {
		if pq.Premium == nil || pq.Premium.YieldPct == nil {
			return 0, false
		}
		return *pq.Premium.YieldPct, true
	}
	sort.SliceStable(items, func(i, j int) bool {
		yi, oki := yield(items[i])
		yj, okj := yield(items[j])
		if oki != okj {
			return oki
		}
		return oki && yi > yj
	})
}

func nextExpiry(expiries []string, today string) string {
	for _, e := range expiries {
		if e >= today {
			return e
		}
	}
	return ""
}

func normalizeUnderlyings(symbols []string) ([]string, error) {
	seen := make(map[string]bool, len(symbols))
	var out []string
	for _, raw := range symbols {
		if strings.TrimSpace(raw) == "" {
			continue
		}
		u := security.SanitizeSymbol(raw)
		if err := security.ValidateSymbol(u); err != nil {
			return nil, err
		}
		if !seen[u] {
			seen[u] = true
			out = append(out, u)
		}
	}
	if len(out) == 0 {
		return nil, apperrors.NewValidationError("symbols", "", "at least one symbol is required")
	}
	if len(out) > MaxUniverse {
		return nil, apperrors.NewValidationError("symbols", len(out), fmt.Sprintf("at most %d symbols per request", MaxUniverse))
	}
	return out, nil
}

// WatchlistQuotes prices every entry of userID's watchlist for one lot.
// Entries that cannot be resolved or priced carry a message instead of a result.
func (s *Service) WatchlistQuotes(ctx context.Context, userID string) ([]models.WatchlistQuote, error) {
	entries, err := s.watchlist.List(ctx, userID)
	if err != nil {
		return nil, err
	}
	out := make([]models.WatchlistQuote, 0, len(entries))
	if len(entries) == 0 {
		return out, nil
	}

	sess, err := s.open(ctx, userID)
	if err != nil {
		return nil, err
	}
	entries = s.watchlist.Enrich(ctx, userID, entries, sess.snapshot.Records)

	byToken := make(map[int64]*models.InstrumentRecord, len(sess.snapshot.Records))
	for i := range sess.snapshot.Records {
		rec := &sess.snapshot.Records[i]
		if _, dup := byToken[rec.InstrumentToken]; !dup {
			byToken[rec.InstrumentToken] = rec
		}
	}

	contracts := make([]*models.ResolvedContract, len(entries))
	var ids []string
	for i, e := range entries {
		wq := models.WatchlistQuote{Entry: e}
		switch {
		case !e.Resolved():
			if q, qErr := watchlist.Query(e); qErr != nil {
				wq.Message = qErr.Error()
			} else {
				wq.Message = resolver.NotFound(q).Error()
			}
		case byToken[e.InstrumentToken] == nil:
			wq.Message = fmt.Sprintf("%s is no longer listed", e.Tradingsymbol)
		default:
			c := contractFromRecord(byToken[e.InstrumentToken], e)
			contracts[i] = &c
			ids = append(ids, c.Identifier())
		}
		out = append(out, wq)
	}
	if len(ids) == 0 {
		return out, nil
	}

	results, err := s.quotes.Fetch(ctx, userID, sess.token, ids, models.QuoteModeLTP)
	if err != nil {
		return nil, err
	}
	for i, c := range contracts {
		if c == nil {
			continue
		}
		pq := s.price(*c, results[c.Identifier()], 1)
		out[i].Result = &pq
	}
	return out, nil
}

// contractFromRecord rebuilds the contract a watchlist entry was pinned to.
func contractFromRecord(rec *models.InstrumentRecord, e models.WatchlistEntry) models.ResolvedContract {
	requested, _ := security.ParseStrike(e.Strike)
	c := models.ResolvedContract{
		Tradingsymbol:   rec.Tradingsymbol,
		InstrumentToken: rec.InstrumentToken,
		Exchange:        rec.Exchange,
		Underlying:      e.Underlying,
		Strike:          rec.Strike,
		RequestedStrike: requested,
		LotSize:         rec.LotSize,
		Expiry:          rec.Expiry,
		OptionType:      models.OptionType(rec.InstrumentType),
		Match:           models.MatchExact,
		Candidates:      1,
	}
	if d := rec.Strike - requested; d > resolver.StrikeEpsilon || d < -resolver.StrikeEpsilon {
		c.Match = models.MatchNearest
		c.StrikeAdjusted = true
	}
	return c
}
