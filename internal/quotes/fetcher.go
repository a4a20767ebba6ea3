// Package quotes fetches live prices for validated instrument identifiers.
package quotes

import (
	"context"
	"strings"
	"time"

	"github.com/rs/zerolog"

	apperrors "options-dekho/internal/errors"
	"options-dekho/internal/logging"
	"options-dekho/internal/models"
	"options-dekho/internal/security"
)

// DefaultBatchSize is the broker's instrument limit per quote call.
const DefaultBatchSize = 500

// Source is the broker quote endpoint.
type Source interface {
	Quotes(ctx context.Context, accessToken string, ids []string, mode models.QuoteMode) (map[string]models.Quote, error)
}

// TokenInvalidator deletes a user's broker token once the broker rejects it.
type TokenInvalidator interface {
	Invalidate(ctx context.Context, userID, reason string) error
}

// Fetcher validates identifiers and fetches quotes in batches. It never retries.
type Fetcher struct {
	source      Source
	invalidator TokenInvalidator
	batchSize   int
	timeout     time.Duration
	logger      zerolog.Logger
}

// Config holds fetcher configuration.
type Config struct {
	Source      Source
	Invalidator TokenInvalidator
	BatchSize   int
	Timeout     time.Duration
	Logger      zerolog.Logger
}

// NewFetcher creates a quote fetcher.
func NewFetcher(cfg Config) *Fetcher {
	batch := cfg.BatchSize
	if batch <= 0 || batch > DefaultBatchSize {
		batch = DefaultBatchSize
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Fetcher{
		source:      cfg.Source,
		invalidator: cfg.Invalidator,
		batchSize:   batch,
		timeout:     timeout,
		logger:      cfg.Logger,
	}
}

// Normalize trims, validates and de-duplicates identifiers, keeping the
// first occurrence order. Nothing is uppercased: a malformed identifier is
// rejected, not repaired.
func Normalize(ids []string) ([]string, error) {
	if len(ids) == 0 {
		return nil, apperrors.NewValidationError("instruments", "", "at least one instrument is required")
	}
	seen := make(map[string]bool, len(ids))
	out := make([]string, 0, len(ids))
	for _, raw := range ids {
		id := strings.TrimSpace(raw)
		if err := security.ValidateIdentifier(id); err != nil {
			return nil, err
		}
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	return out, nil
}

// Fetch returns a result for every requested identifier. Identifiers the
// broker returned nothing for are reported as no_data. A broker auth
// rejection invalidates userID's token and returns AuthRequiredError.
func (f *Fetcher) Fetch(ctx context.Context, userID, accessToken string, ids []string, mode models.QuoteMode) (map[string]models.QuoteResult, error) {
	ids, err := Normalize(ids)
	if err != nil {
		return nil, err
	}
	if mode != models.QuoteModeFull {
		mode = models.QuoteModeLTP
	}

	logger := logging.WithOperation(logging.WithUser(f.logger, userID), "quotes")
	results := make(map[string]models.QuoteResult, len(ids))

	for start := 0; start < len(ids); start += f.batchSize {
		end := min(start+f.batchSize, len(ids))
		batch := ids[start:end]

		quotes, err := f.fetchBatch(ctx, accessToken, batch, mode)
		if err != nil {
			if apperrors.Classify(err) == apperrors.KindAuthRequired {
				f.invalidate(ctx, logger, userID)
				return nil, apperrors.NewAuthRequiredError(userID, "broker rejected the access token", err)
			}
			logger.Error().Err(err).Int("batch", len(batch)).Msg("Quote fetch failed")
			return nil, err
		}

		for _, id := range batch {
			q, ok := quotes[id]
			if !ok {
				results[id] = models.QuoteResult{Identifier: id, Status: models.QuoteNoData}
				continue
			}
			q.Identifier = id
			results[id] = models.QuoteResult{Identifier: id, Status: models.QuoteOK, Quote: &q}
		}
	}

	return results, nil
}

func (f *Fetcher) fetchBatch(ctx context.Context, accessToken string, batch []string, mode models.QuoteMode) (map[string]models.Quote, error) {
	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()
	return f.source.Quotes(ctx, accessToken, batch, mode)
}

func (f *Fetcher) invalidate(ctx context.Context, logger zerolog.Logger, userID string) {
	if f.invalidator == nil || userID == "" {
		return
	}
	if err := f.invalidator.Invalidate(ctx, userID, "rejected"); err != nil {
		logger.Error().Err(err).Msg("Failed to invalidate rejected broker token")
		return
	}
	logger.Warn().Msg("Broker rejected access token; token invalidated")
}
