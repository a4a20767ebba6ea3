package catalog

import (
	"bytes"
	"encoding/csv"
	"fmt"
	"strconv"
	"strings"

	"github.com/gocarina/gocsv"

	apperrors "options-dekho/internal/errors"
	"options-dekho/internal/models"
	"options-dekho/pkg/utils"
)

var utf8BOM = []byte("\xef\xbb\xbf")

// RequiredColumns must be present in the instrument master header.
var RequiredColumns = []string{"instrument_token", "tradingsymbol", "instrument_type", "exchange"}

// instrumentRow is the raw CSV schema. Every cell is read as text so that
// empty numeric cells do not fail the whole file.
type instrumentRow struct {
	InstrumentToken string `csv:"instrument_token"`
	ExchangeToken   string `csv:"exchange_token"`
	Tradingsymbol   string `csv:"tradingsymbol"`
	Name            string `csv:"name"`
	LastPrice       string `csv:"last_price"`
	Expiry          string `csv:"expiry"`
	Strike          string `csv:"strike"`
	TickSize        string `csv:"tick_size"`
	LotSize         string `csv:"lot_size"`
	InstrumentType  string `csv:"instrument_type"`
	Segment         string `csv:"segment"`
	Exchange        string `csv:"exchange"`
}

// ParseResult is the outcome of mapping a CSV body to records.
type ParseResult struct {
	Records []models.InstrumentRecord
	Skipped int
}

// ParseInstruments maps an instrument master CSV to records by header name,
// so column order does not matter. Rows with an unusable instrument token or
// expiry are skipped and counted.
func ParseInstruments(data []byte) (*ParseResult, error) {
	data = bytes.TrimPrefix(data, utf8BOM)

	header, err := csv.NewReader(bytes.NewReader(data)).Read()
	if err != nil {
		return nil, apperrors.NewUpstreamError("instruments", 0, "malformed CSV: unreadable header", err)
	}
	present := make(map[string]bool, len(header))
	for _, h := range header {
		present[strings.TrimSpace(h)] = true
	}
	for _, col := range RequiredColumns {
		if !present[col] {
			return nil, apperrors.NewUpstreamError("instruments", 0, fmt.Sprintf("malformed CSV: missing column %q", col), nil)
		}
	}

	var rows []*instrumentRow
	if err := gocsv.UnmarshalBytes(data, &rows); err != nil {
		return nil, apperrors.NewUpstreamError("instruments", 0, "malformed CSV", err)
	}

	result := &ParseResult{Records: make([]models.InstrumentRecord, 0, len(rows))}
	for _, row := range rows {
		rec, ok := row.record()
		if !ok {
			result.Skipped++
			continue
		}
		result.Records = append(result.Records, rec)
	}
	return result, nil
}

func (r *instrumentRow) record() (models.InstrumentRecord, bool) {
	token, err := strconv.ParseInt(strings.TrimSpace(r.InstrumentToken), 10, 64)
	if err != nil || token <= 0 {
		return models.InstrumentRecord{}, false
	}
	expiry, err := utils.NormalizeExpiry(r.Expiry)
	if err != nil {
		return models.InstrumentRecord{}, false
	}

	return models.InstrumentRecord{
		InstrumentToken: token,
		ExchangeToken:   int64(parseFloat(r.ExchangeToken)),
		Tradingsymbol:   strings.TrimSpace(r.Tradingsymbol),
		Name:            strings.ToUpper(strings.TrimSpace(r.Name)),
		LastPrice:       parseFloat(r.LastPrice),
		Expiry:          expiry,
		Strike:          parseFloat(r.Strike),
		TickSize:        parseFloat(r.TickSize),
		LotSize:         int(parseFloat(r.LotSize)),
		InstrumentType:  strings.ToUpper(strings.TrimSpace(r.InstrumentType)),
		Segment:         strings.TrimSpace(r.Segment),
		Exchange:        strings.TrimSpace(r.Exchange),
	}, true
}

// parseFloat treats empty or unparseable cells as zero.
func parseFloat(s string) float64 {
	v, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return 0
	}
	return v
}
