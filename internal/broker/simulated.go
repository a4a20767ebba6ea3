package broker

import (
	"bytes"
	"context"
	"encoding/csv"
	"fmt"
	"hash/fnv"
	"math"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	apperrors "options-dekho/internal/errors"
	"options-dekho/internal/models"
	"options-dekho/pkg/utils"
)

// DefaultSimulatedUnderlyings are the base prices used when none are configured.
var DefaultSimulatedUnderlyings = map[string]float64{
	"NIFTY":     24000,
	"BANKNIFTY": 51000,
	"RELIANCE":  2500,
	"TCS":       4100,
	"INFY":      1850,
	"SBIN":      820,
}

// Contract sizes for the common simulated underlyings.
var simulatedLotSizes = map[string]int{
	"NIFTY":     75,
	"BANKNIFTY": 30,
	"FINNIFTY":  65,
	"RELIANCE":  250,
	"TCS":       175,
	"INFY":      400,
	"SBIN":      750,
}

const (
	defaultSimulatedLot   = 500
	simulatedStrikesEach  = 10 // strikes either side of the base price
	simulatedExpiries     = 4
	simulatedTickSize     = 0.05
	simulatedKiteUserID   = "SIM000"
	simulatedTokenPrefix  = "sim-"
	simulatedTickerScheme = "wss://simulated.invalid/ticker"
)

var monthCodes = [...]string{"", "1", "2", "3", "4", "5", "6", "7", "8", "9", "O", "N", "D"}

var csvHeader = []string{
	"instrument_token", "exchange_token", "tradingsymbol", "name", "last_price", "expiry",
	"strike", "tick_size", "lot_size", "instrument_type", "segment", "exchange",
}

// SimulatedBroker fabricates a deterministic instrument master and prices.
// It is only ever selected by configuration; every result it feeds must be
// flagged as simulated to the end user.
type SimulatedBroker struct {
	underlyings map[string]float64
	now         func() time.Time
	logger      zerolog.Logger

	mu      sync.RWMutex
	day     string
	records map[string]models.InstrumentRecord // by identifier
	order   []models.InstrumentRecord
}

// SimulatedConfig holds configuration for the simulated data source.
type SimulatedConfig struct {
	Underlyings map[string]float64
	Now         func() time.Time
	Logger      zerolog.Logger
}

// NewSimulatedBroker creates a simulated data source.
func NewSimulatedBroker(cfg SimulatedConfig) *SimulatedBroker {
	src := cfg.Underlyings
	if len(src) == 0 {
		src = DefaultSimulatedUnderlyings
	}
	// Config keys arrive lowercased.
	underlyings := make(map[string]float64, len(src))
	for name, price := range src {
		if price > 0 {
			underlyings[strings.ToUpper(name)] = price
		}
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &SimulatedBroker{
		underlyings: underlyings,
		now:         now,
		logger:      cfg.Logger,
	}
}

// LoginURL returns a placeholder login URL.
func (s *SimulatedBroker) LoginURL() string {
	return "https://kite.zerodha.com/connect/login?v=3&api_key=simulated"
}

// ExchangeToken accepts any non-empty request token.
func (s *SimulatedBroker) ExchangeToken(ctx context.Context, requestToken string) (*Session, error) {
	if strings.TrimSpace(requestToken) == "" {
		return nil, apperrors.NewValidationError("request_token", requestToken, "request token is required")
	}
	return &Session{
		AccessToken: simulatedTokenPrefix + strconv.FormatUint(uint64(hash32(requestToken)), 16),
		KiteUserID:  simulatedKiteUserID,
		UserName:    "Simulated User",
		LoginTime:   s.now(),
	}, nil
}

// Instruments renders the synthetic catalog as instrument-master CSV.
func (s *SimulatedBroker) Instruments(ctx context.Context, accessToken, segment string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, apperrors.NewUpstreamError("instruments", 0, "request cancelled", err)
	}
	records := s.catalog()

	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	_ = w.Write(csvHeader)
	for _, r := range records {
		if segment != "" && r.Exchange != segment && r.Segment != segment {
			continue
		}
		_ = w.Write([]string{
			strconv.FormatInt(r.InstrumentToken, 10),
			strconv.FormatInt(r.ExchangeToken, 10),
			r.Tradingsymbol,
			r.Name,
			"0",
			r.Expiry,
			strconv.FormatFloat(r.Strike, 'f', -1, 64),
			strconv.FormatFloat(r.TickSize, 'f', -1, 64),
			strconv.Itoa(r.LotSize),
			r.InstrumentType,
			r.Segment,
			r.Exchange,
		})
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return nil, apperrors.NewUpstreamError("instruments", 0, "rendering simulated catalog", err)
	}

	s.logger.Debug().Int("records", len(records)).Msg("Served simulated instrument catalog")
	return buf.Bytes(), nil
}

// Quotes prices known identifiers deterministically. Unknown identifiers are
// absent from the result, as with the live broker.
func (s *SimulatedBroker) Quotes(ctx context.Context, accessToken string, ids []string, mode models.QuoteMode) (map[string]models.Quote, error) {
	if len(ids) > MaxQuoteBatch {
		return nil, apperrors.NewValidationError("instruments", len(ids), fmt.Sprintf("at most %d instruments per call", MaxQuoteBatch))
	}
	if err := ctx.Err(); err != nil {
		return nil, apperrors.NewUpstreamError("quote", 0, "request cancelled", err)
	}

	s.catalog()
	now := s.now()

	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string]models.Quote, len(ids))
	for _, id := range ids {
		var (
			price float64
			token int64
		)
		if underlying, ok := models.UnderlyingFromSpot(id); ok {
			base, known := s.underlyings[underlying]
			if !known {
				continue
			}
			price = base
			token = int64(hash32(id))
		} else {
			rec, known := s.records[id]
			if !known {
				continue
			}
			price = s.optionPrice(rec, now)
			token = rec.InstrumentToken
		}

		q := models.Quote{
			Identifier:      id,
			InstrumentToken: token,
			LastPrice:       price,
			Timestamp:       now,
		}
		if mode == models.QuoteModeFull {
			seed := hash32(id)
			q.Volume = int64(seed%50000) * 25
			q.OI = int64(seed%20000) * 75
			q.Depth = syntheticDepth(price, seed)
		}
		out[id] = q
	}
	return out, nil
}

// TickerURL returns a non-routable URL; the simulated source does not stream.
func (s *SimulatedBroker) TickerURL(accessToken string) string {
	return simulatedTickerScheme
}

// Simulated is true.
func (s *SimulatedBroker) Simulated() bool {
	return true
}

// catalog builds the synthetic catalog once per IST day.
func (s *SimulatedBroker) catalog() []models.InstrumentRecord {
	now := s.now()
	today := utils.TodayIST(now)

	s.mu.RLock()
	if s.day == today {
		records := s.order
		s.mu.RUnlock()
		return records
	}
	s.mu.RUnlock()

	records := s.generate(now)
	index := make(map[string]models.InstrumentRecord, len(records))
	for _, r := range records {
		index[r.Identifier()] = r
	}

	s.mu.Lock()
	s.day, s.order, s.records = today, records, index
	s.mu.Unlock()
	return records
}

func (s *SimulatedBroker) generate(now time.Time) []models.InstrumentRecord {
	names := make([]string, 0, len(s.underlyings))
	for name := range s.underlyings {
		names = append(names, name)
	}
	sort.Strings(names)

	expiries := utils.UpcomingWeekdays(now, time.Thursday, simulatedExpiries)

	var records []models.InstrumentRecord
	for _, name := range names {
		base := s.underlyings[name]
		step := strikeStep(base)
		atm := math.Round(base/step) * step
		lot := simulatedLotSizes[name]
		if lot == 0 {
			lot = defaultSimulatedLot
		}

		for _, exp := range expiries {
			for i := -simulatedStrikesEach; i <= simulatedStrikesEach; i++ {
				strike := atm + float64(i)*step
				if strike <= 0 {
					continue
				}
				for _, typ := range []models.OptionType{models.OptionTypeCall, models.OptionTypePut} {
					sym := optionSymbol(name, exp, strike, typ)
					token := int64(hash32(sym))
					records = append(records, models.InstrumentRecord{
						InstrumentToken: token,
						ExchangeToken:   token >> 8,
						Tradingsymbol:   sym,
						Name:            name,
						Expiry:          exp.Format(utils.DateLayout),
						Strike:          strike,
						TickSize:        simulatedTickSize,
						LotSize:         lot,
						InstrumentType:  string(typ),
						Segment:         models.SegmentNFOOptions,
						Exchange:        string(models.NFO),
					})
				}
			}
		}
	}
	return records
}

// optionPrice is intrinsic value plus a time value that decays with distance
// from the money and with time to expiry, rounded to the tick.
func (s *SimulatedBroker) optionPrice(rec models.InstrumentRecord, now time.Time) float64 {
	spot := s.underlyings[rec.Name]

	intrinsic := spot - rec.Strike
	if rec.InstrumentType == string(models.OptionTypePut) {
		intrinsic = rec.Strike - spot
	}
	intrinsic = math.Max(intrinsic, 0)

	days := 1.0
	if exp, err := time.ParseInLocation(utils.DateLayout, rec.Expiry, utils.IndiaLocation); err == nil {
		days = math.Max(exp.Sub(now).Hours()/24, 0) + 1
	}

	distance := math.Abs(rec.Strike-spot) / (spot * 0.05)
	timeValue := spot * 0.004 * math.Sqrt(days/7) * math.Exp(-distance)
	jitter := float64(hash32(rec.Tradingsymbol)%20) * simulatedTickSize

	price := intrinsic + timeValue + jitter
	ticks := math.Max(math.Round(price/simulatedTickSize), 1)
	return math.Round(ticks*simulatedTickSize*100) / 100
}

func strikeStep(price float64) float64 {
	switch {
	case price <= 1000:
		return 10
	case price <= 5000:
		return 50
	default:
		return 100
	}
}

// optionSymbol follows the weekly contract format: NAME YY M DD STRIKE TYPE.
func optionSymbol(name string, expiry time.Time, strike float64, typ models.OptionType) string {
	return fmt.Sprintf("%s%s%s%s%s%s",
		name,
		expiry.Format("06"),
		monthCodes[expiry.Month()],
		expiry.Format("02"),
		strconv.FormatFloat(strike, 'f', -1, 64),
		typ,
	)
}

func syntheticDepth(price float64, seed uint32) *models.Depth {
	depth := &models.Depth{}
	for i := 1; i <= 5; i++ {
		qty := int64((seed>>uint(i))%40+1) * 25
		depth.Buy = append(depth.Buy, models.DepthLevel{
			Price:    math.Max(price-float64(i)*simulatedTickSize, 0),
			Quantity: qty,
			Orders:   int64(i),
		})
		depth.Sell = append(depth.Sell, models.DepthLevel{
			Price:    price + float64(i)*simulatedTickSize,
			Quantity: qty + 25,
			Orders:   int64(i),
		})
	}
	return depth
}

func hash32(s string) uint32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(s))
	return h.Sum32()
}
