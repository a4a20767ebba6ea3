package pricing

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"options-dekho/internal/catalog"
	apperrors "options-dekho/internal/errors"
	"options-dekho/internal/models"
	"options-dekho/internal/quotes"
	"options-dekho/internal/security"
	"options-dekho/internal/store"
	"options-dekho/internal/tokens"
	"options-dekho/internal/watchlist"
	"options-dekho/pkg/utils"
)

var testNow = time.Date(2024, 12, 20, 10, 0, 0, 0, utils.IndiaLocation)

type fakeTokens struct {
	mu          sync.Mutex
	token       string
	err         error
	invalidated []string
}

func (f *fakeTokens) GetValid(ctx context.Context, userID string) (models.BrokerToken, error) {
	if f.err != nil {
		return models.BrokerToken{}, f.err
	}
	return models.BrokerToken{UserID: userID, AccessToken: f.token}, nil
}

func (f *fakeTokens) Invalidate(ctx context.Context, userID, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.invalidated = append(f.invalidated, userID)
	return nil
}

type fakeCatalog struct {
	snap *catalog.Snapshot
	err  error
}

func (f *fakeCatalog) EnsureFresh(ctx context.Context, accessToken string) (*catalog.Snapshot, error) {
	return f.snap, f.err
}

type priceSource struct {
	mu     sync.Mutex
	prices map[string]float64
	calls  int
}

func (p *priceSource) Quotes(ctx context.Context, accessToken string, ids []string, mode models.QuoteMode) (map[string]models.Quote, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	out := make(map[string]models.Quote)
	for _, id := range ids {
		if v, ok := p.prices[id]; ok {
			out[id] = models.Quote{Identifier: id, LastPrice: v}
		}
	}
	return out, nil
}

func option(token int64, name, expiry string, strike float64, lot int) models.InstrumentRecord {
	return models.InstrumentRecord{
		InstrumentToken: token,
		Tradingsymbol:   name + "24D" + formatStrike(strike) + "PE",
		Name:            name,
		Expiry:          expiry,
		Strike:          strike,
		LotSize:         lot,
		InstrumentType:  "PE",
		Segment:         models.SegmentNFOOptions,
		Exchange:        "NFO",
	}
}

type harness struct {
	svc     *Service
	tokens  *fakeTokens
	catalog *fakeCatalog
	prices  *priceSource
}

func newHarness(records ...models.InstrumentRecord) *harness {
	h := &harness{
		tokens:  &fakeTokens{token: "tok"},
		catalog: &fakeCatalog{snap: &catalog.Snapshot{Records: records, FetchedAt: testNow}},
		prices:  &priceSource{prices: map[string]float64{}},
	}
	h.svc = NewService(Config{
		Tokens:  h.tokens,
		Catalog: h.catalog,
		Quotes:  quotes.NewFetcher(quotes.Config{Source: h.prices, Invalidator: h.tokens, Logger: zerolog.Nop()}),
		Now:     func() time.Time { return testNow },
		Logger:  zerolog.Nop(),
	})
	return h
}

func query(symbol string, strike float64, expiry string) models.ContractQuery {
	return models.ContractQuery{Underlying: symbol, Strike: strike, Expiry: expiry, OptionType: models.OptionTypePut}
}

func TestLookupExactStrike(t *testing.T) {
	h := newHarness(
		option(1, "RELIANCE", "2024-12-26", 2450, 250),
		option(2, "RELIANCE", "2024-12-26", 2500, 250),
		option(3, "RELIANCE", "2024-12-26", 2550, 250),
	)
	h.prices.prices["NFO:RELIANCE24D2500PE"] = 18.75

	pq, err := h.svc.Lookup(context.Background(), "u1", query("RELIANCE", 2500, "2024-12-26"), 0)
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if pq.Contract.Strike != 2500 || pq.Contract.Match != models.MatchExact || pq.Contract.StrikeAdjusted {
		t.Errorf("contract = %+v", pq.Contract)
	}
	if pq.Status != models.QuoteOK || pq.Premium == nil {
		t.Fatalf("pq = %+v", pq)
	}
	if pq.Premium.TotalPremium != 4687.50 || pq.Premium.Lots != 1 {
		t.Errorf("TotalPremium = %v, lots = %d", pq.Premium.TotalPremium, pq.Premium.Lots)
	}
	if pq.Premium.YieldPct == nil || *pq.Premium.YieldPct != 0.75 {
		t.Errorf("YieldPct = %v", pq.Premium.YieldPct)
	}
	if len(pq.Warnings) != 0 {
		t.Errorf("Warnings = %v", pq.Warnings)
	}
}

func TestLookupNearestStrikeIsFlagged(t *testing.T) {
	h := newHarness(
		option(1, "RELIANCE", "2024-12-26", 2450, 250),
		option(3, "RELIANCE", "2024-12-26", 2550, 250),
	)
	h.prices.prices["NFO:RELIANCE24D2450PE"] = 9.5

	pq, err := h.svc.Lookup(context.Background(), "u1", query("RELIANCE", 2500, "2024-12-26"), 2)
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if pq.Contract.Strike != 2450 || pq.Contract.Match != models.MatchNearest || !pq.Contract.StrikeAdjusted {
		t.Errorf("contract = %+v", pq.Contract)
	}
	if len(pq.Warnings) == 0 || !strings.Contains(pq.Warnings[0], "nearest strike 2450") {
		t.Errorf("Warnings = %v", pq.Warnings)
	}
}

func TestLookupExpiredTokenRequiresAuth(t *testing.T) {
	st := store.NewMemoryStore()
	cipher, err := security.NewTokenCipher("test-secret-key-material")
	if err != nil {
		t.Fatalf("NewTokenCipher: %v", err)
	}
	clock := testNow
	mgr := tokens.NewManager(tokens.Config{Store: st, Cipher: cipher, Now: func() time.Time { return clock }, Logger: zerolog.Nop()})
	ctx := context.Background()

	saved, err := mgr.Save(ctx, "u1", "access", "AB1234")
	if err != nil {
		t.Fatalf("Save: %v", err)
	}
	clock = saved.ExpiresAt.Add(time.Second)

	cat := &fakeCatalog{snap: &catalog.Snapshot{Records: []models.InstrumentRecord{option(1, "RELIANCE", "2024-12-26", 2500, 250)}}}
	svc := NewService(Config{Tokens: mgr, Catalog: cat, Quotes: quotes.NewFetcher(quotes.Config{Source: &priceSource{}, Logger: zerolog.Nop()}), Logger: zerolog.Nop()})

	_, err = svc.Lookup(ctx, "u1", query("RELIANCE", 2500, "2024-12-26"), 1)
	if apperrors.Classify(err) != apperrors.KindAuthRequired {
		t.Fatalf("Lookup = %v, want auth required", err)
	}
	if _, err := st.GetToken(ctx, "u1"); !apperrors.Is(err, apperrors.ErrNotFound) {
		t.Errorf("expired token not deleted: %v", err)
	}
}

func TestLookupUnknownUnderlyingIsNotFound(t *testing.T) {
	h := newHarness(option(1, "RELIANCE", "2024-12-26", 2500, 250))

	_, err := h.svc.Lookup(context.Background(), "u1", query("DELISTED", 100, "2024-12-26"), 1)
	if apperrors.Classify(err) != apperrors.KindNotFound {
		t.Fatalf("Lookup = %v, want not found", err)
	}
	if !strings.Contains(err.Error(), "no PUT option found for DELISTED at expiry 2024-12-26") {
		t.Errorf("message = %q", err)
	}
	if h.prices.calls != 0 {
		t.Error("quote fetched for an unresolved contract")
	}
}

func TestLookupNoDataKeepsContract(t *testing.T) {
	h := newHarness(option(1, "RELIANCE", "2024-12-26", 2500, 250))

	pq, err := h.svc.Lookup(context.Background(), "u1", query("RELIANCE", 2500, "2024-12-26"), 1)
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if pq.Status != models.QuoteNoData || pq.Premium != nil || pq.Quote != nil {
		t.Errorf("pq = %+v", pq)
	}
	if pq.Contract.Tradingsymbol != "RELIANCE24D2500PE" {
		t.Errorf("contract dropped: %+v", pq.Contract)
	}
}

func TestLookupAmbiguityAndStaleWarnings(t *testing.T) {
	h := newHarness(
		option(1, "RELIANCE", "2024-12-26", 2500, 250),
		option(2, "RELIANCE", "2024-12-26", 2500, 500),
	)
	h.catalog.snap.Stale = true
	h.prices.prices["NFO:RELIANCE24D2500PE"] = 10

	pq, err := h.svc.Lookup(context.Background(), "u1", query("RELIANCE", 2500, "2024-12-26"), 1)
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if !pq.Contract.Ambiguous || pq.Contract.InstrumentToken != 1 {
		t.Errorf("contract = %+v", pq.Contract)
	}
	joined := strings.Join(pq.Warnings, " | ")
	if !strings.Contains(joined, "could not be refreshed") || !strings.Contains(joined, "2 contracts matched") {
		t.Errorf("Warnings = %v", pq.Warnings)
	}
}

func TestCatalogAuthFailureInvalidatesToken(t *testing.T) {
	h := newHarness()
	h.catalog.err = apperrors.NewAuthRequiredError("", "instruments rejected", nil)

	_, _, err := h.svc.ResolveOnly(context.Background(), "u1", query("RELIANCE", 2500, "2024-12-26"))
	if apperrors.Classify(err) != apperrors.KindAuthRequired {
		t.Fatalf("ResolveOnly = %v", err)
	}
	if len(h.tokens.invalidated) != 1 || h.tokens.invalidated[0] != "u1" {
		t.Errorf("invalidated = %v", h.tokens.invalidated)
	}
}

func TestCatalogUnavailable(t *testing.T) {
	h := newHarness()
	h.catalog.err = apperrors.ErrCatalogUnavailable

	_, _, err := h.svc.ResolveOnly(context.Background(), "u1", query("RELIANCE", 2500, "2024-12-26"))
	if apperrors.Classify(err) != apperrors.KindUpstream {
		t.Errorf("ResolveOnly = %v, want upstream", err)
	}
	if len(h.tokens.invalidated) != 0 {
		t.Error("token invalidated on a non-auth failure")
	}
}

func TestParseQuery(t *testing.T) {
	q, err := ParseQuery(" reliance ", "2500", "2024-12-26", "")
	if err != nil {
		t.Fatalf("ParseQuery: %v", err)
	}
	if q.Underlying != "RELIANCE" || q.Strike != 2500 || q.OptionType != models.OptionTypePut {
		t.Errorf("query = %+v", q)
	}

	bad := [][4]string{
		{"", "2500", "2024-12-26", ""},
		{"RELIANCE", "", "2024-12-26", ""},
		{"RELIANCE", "2500", "", ""},
		{"RELIANCE", "2500", "2024-12-26", "FUT"},
	}
	for _, b := range bad {
		if _, err := ParseQuery(b[0], b[1], b[2], b[3]); apperrors.Classify(err) != apperrors.KindValidation {
			t.Errorf("ParseQuery(%v) = %v, want validation", b, err)
		}
	}
}

func TestExpiries(t *testing.T) {
	h := newHarness(
		option(1, "NIFTY", "2025-01-02", 24000, 75),
		option(2, "NIFTY", "2024-12-26", 24000, 75),
	)
	got, err := h.svc.Expiries(context.Background(), "u1", "nifty", models.OptionTypePut)
	if err != nil {
		t.Fatalf("Expiries: %v", err)
	}
	if len(got) != 2 || got[0] != "2024-12-26" {
		t.Errorf("Expiries = %v", got)
	}
	if _, err := h.svc.Expiries(context.Background(), "u1", "TCS", models.OptionTypePut); apperrors.Classify(err) != apperrors.KindNotFound {
		t.Errorf("Expiries(TCS) = %v, want not found", err)
	}
}

func TestQuotesValidatesBeforeToken(t *testing.T) {
	h := newHarness()
	h.tokens.err = apperrors.NewAuthRequiredError("u1", "no broker session", nil)

	_, err := h.svc.Quotes(context.Background(), "u1", []string{"bad id"}, models.QuoteModeLTP)
	if apperrors.Classify(err) != apperrors.KindValidation {
		t.Errorf("Quotes = %v, want validation", err)
	}
}

func TestUniverseRanksByYield(t *testing.T) {
	h := newHarness(
		option(1, "NIFTY", "2024-12-26", 23900, 75),
		option(2, "NIFTY", "2024-12-26", 24000, 75),
		option(3, "NIFTY", "2024-12-26", 24100, 75),
		option(4, "TCS", "2024-12-26", 4000, 175),
		option(5, "TCS", "2024-12-26", 4100, 175),
		option(6, "SBIN", "2024-12-26", 800, 750),
	)
	h.prices.prices["NSE:NIFTY 50"] = 24050
	h.prices.prices["NSE:TCS"] = 3950 // below every strike: lowest strike is used
	h.prices.prices["NFO:NIFTY24D24000PE"] = 120
	h.prices.prices["NFO:TCS24D4000PE"] = 60

	res, err := h.svc.Universe(context.Background(), "u1", []string{"nifty", "TCS", "SBIN", "TCS"}, "2024-12-26", 1)
	if err != nil {
		t.Fatalf("Universe: %v", err)
	}
	if len(res.Items) != 2 {
		t.Fatalf("Items = %+v", res.Items)
	}
	if res.Items[0].Contract.Underlying != "TCS" || res.Items[1].Contract.Underlying != "NIFTY" {
		t.Errorf("order = %s, %s", res.Items[0].Contract.Underlying, res.Items[1].Contract.Underlying)
	}
	if res.Items[1].Contract.Strike != 24000 || res.Items[1].Spot != 24050 || res.Items[1].Contract.Match != models.MatchAtOrBelowSpot {
		t.Errorf("NIFTY item = %+v", res.Items[1])
	}
	if res.Items[0].Contract.Strike != 4000 {
		t.Errorf("TCS strike = %v, want lowest 4000", res.Items[0].Contract.Strike)
	}
	if len(res.Skipped) != 1 || res.Skipped[0].Underlying != "SBIN" {
		t.Errorf("Skipped = %+v", res.Skipped)
	}
	if h.prices.calls != 2 {
		t.Errorf("quote calls = %d, want one for spots and one for options", h.prices.calls)
	}
}

func TestUniverseDefaultsToNearestExpiry(t *testing.T) {
	h := newHarness(
		option(1, "NIFTY", "2024-12-19", 24000, 75),
		option(2, "NIFTY", "2024-12-26", 24000, 75),
		option(3, "NIFTY", "2025-01-02", 24000, 75),
	)
	h.prices.prices["NSE:NIFTY 50"] = 24050

	res, err := h.svc.Universe(context.Background(), "u1", []string{"NIFTY"}, "", 1)
	if err != nil {
		t.Fatalf("Universe: %v", err)
	}
	if len(res.Items) != 1 || res.Items[0].Contract.Expiry != "2024-12-26" {
		t.Errorf("Items = %+v", res.Items)
	}
	if res.Items[0].Status != models.QuoteNoData {
		t.Errorf("Status = %s", res.Items[0].Status)
	}
}

func TestUniverseValidation(t *testing.T) {
	h := newHarness()
	if _, err := h.svc.Universe(context.Background(), "u1", []string{" ", ""}, "", 1); apperrors.Classify(err) != apperrors.KindValidation {
		t.Errorf("empty symbols = %v", err)
	}
	if _, err := h.svc.Universe(context.Background(), "u1", []string{"NIFTY"}, "26/12/2024", 1); apperrors.Classify(err) != apperrors.KindValidation {
		t.Errorf("bad expiry = %v", err)
	}
}

func TestRankByYield(t *testing.T) {
	y := func(v float64) *models.Premium { return &models.Premium{YieldPct: &v} }
	items := []models.PremiumQuote{
		{Contract: models.ResolvedContract{Tradingsymbol: "A"}},
		{Contract: models.ResolvedContract{Tradingsymbol: "B"}, Premium: y(0.5)},
		{Contract: models.ResolvedContract{Tradingsymbol: "C"}, Premium: &models.Premium{}},
		{Contract: models.ResolvedContract{Tradingsymbol: "D"}, Premium: y(1.2)},
	}
	RankByYield(items)

	var got []string
	for _, it := range items {
		got = append(got, it.Contract.Tradingsymbol)
	}
	if strings.Join(got, "") != "DBAC" {
		t.Errorf("order = %v, want D B A C", got)
	}
}

func TestWatchlistQuotes(t *testing.T) {
	records := []models.InstrumentRecord{
		option(11, "RELIANCE", "2024-12-26", 2500, 250),
		option(12, "TCS", "2024-12-26", 4000, 175),
	}
	h := newHarness(records...)
	st := store.NewMemoryStore()
	wl := watchlist.NewService(watchlist.Config{Store: st, Logger: zerolog.Nop()})
	h.svc.watchlist = wl
	ctx := context.Background()

	for _, in := range []watchlist.EntryInput{
		{Underlying: "RELIANCE", Strike: "2500", Expiry: "2024-12-26"},
		{Underlying: "GONE", Strike: "100", Expiry: "2024-12-26"},
		{Underlying: "TCS", Strike: "4010", Expiry: "2024-12-26"},
	} {
		if _, err := wl.Add(ctx, "u1", in); err != nil {
			t.Fatalf("Add: %v", err)
		}
	}
	h.prices.prices["NFO:RELIANCE24D2500PE"] = 18.75

	got, err := h.svc.WatchlistQuotes(ctx, "u1")
	if err != nil {
		t.Fatalf("WatchlistQuotes: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("len = %d", len(got))
	}
	if got[0].Result == nil || got[0].Result.Premium == nil || got[0].Result.Premium.TotalPremium != 4687.50 {
		t.Errorf("RELIANCE row = %+v", got[0])
	}
	if got[1].Result != nil || !strings.Contains(got[1].Message, "no PUT option found for GONE") {
		t.Errorf("GONE row = %+v", got[1])
	}
	if got[2].Result == nil || got[2].Result.Status != models.QuoteNoData || !got[2].Result.Contract.StrikeAdjusted {
		t.Errorf("TCS row = %+v", got[2])
	}

	stored, _ := st.ListWatchlist(ctx, "u1")
	if stored[0].InstrumentToken != 11 || stored[2].InstrumentToken != 12 {
		t.Errorf("resolution not persisted: %+v", stored)
	}
}

func TestWatchlistQuotesEmptyNeedsNoToken(t *testing.T) {
	h := newHarness()
	h.tokens.err = apperrors.NewAuthRequiredError("u1", "no broker session", nil)
	h.svc.watchlist = watchlist.NewService(watchlist.Config{Store: store.NewMemoryStore(), Logger: zerolog.Nop()})

	got, err := h.svc.WatchlistQuotes(context.Background(), "u1")
	if err != nil || got == nil || len(got) != 0 {
		t.Errorf("WatchlistQuotes = %v, %v", got, err)
	}
}
