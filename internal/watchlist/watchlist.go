// Package watchlist manages each user's ordered list of saved put contracts.
package watchlist

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	apperrors "options-dekho/internal/errors"
	"options-dekho/internal/logging"
	"options-dekho/internal/models"
	"options-dekho/internal/resolver"
	"options-dekho/internal/security"
	"options-dekho/internal/store"
)

// MaxEntries bounds a single user's watchlist.
const MaxEntries = 200

// EntryInput is a client-supplied watchlist row. ID and the resolved fields
// are optional; they are honoured on bulk replace.
type EntryInput struct {
	ID              string `json:"id,omitempty"`
	Underlying      string `json:"underlying"`
	Strike          string `json:"strike"`
	Expiry          string `json:"expiry"`
	Tradingsymbol   string `json:"tradingsymbol,omitempty"`
	InstrumentToken int64  `json:"instrument_token,omitempty"`
}

// Service is the watchlist business layer over a WatchlistStore.
type Service struct {
	store    store.WatchlistStore
	resolver *resolver.Resolver
	audit    *security.AuditLogger
	now      func() time.Time
	logger   zerolog.Logger
}

// Config holds service dependencies.
type Config struct {
	Store    store.WatchlistStore
	Resolver *resolver.Resolver
	Audit    *security.AuditLogger
	Now      func() time.Time
	Logger   zerolog.Logger
}

// NewService creates a watchlist service.
func NewService(cfg Config) *Service {
	s := &Service{
		store:    cfg.Store,
		resolver: cfg.Resolver,
		audit:    cfg.Audit,
		now:      cfg.Now,
		logger:   cfg.Logger,
	}
	if s.resolver == nil {
		s.resolver = resolver.New(resolver.MatchByName)
	}
	if s.now == nil {
		s.now = time.Now
	}
	return s
}

// List returns userID's entries in position order.
func (s *Service) List(ctx context.Context, userID string) ([]models.WatchlistEntry, error) {
	entries, err := s.store.ListWatchlist(ctx, userID)
	if err != nil {
		return nil, err
	}
	if entries == nil {
		entries = []models.WatchlistEntry{}
	}
	return entries, nil
}

// Add validates in and appends it after the user's last entry.
func (s *Service) Add(ctx context.Context, userID string, in EntryInput) (models.WatchlistEntry, error) {
	entry, err := s.validate(in)
	if err != nil {
		return models.WatchlistEntry{}, err
	}

	existing, err := s.store.ListWatchlist(ctx, userID)
	if err != nil {
		return models.WatchlistEntry{}, err
	}
	if len(existing) >= MaxEntries {
		return models.WatchlistEntry{}, apperrors.NewValidationError("watchlist", len(existing),
			"watchlist is full ("+strconv.Itoa(MaxEntries)+" entries)")
	}

	now := s.now().UTC()
	entry.ID = uuid.NewString()
	entry.UserID = userID
	entry.CreatedAt = now
	entry.UpdatedAt = now
	if err := s.store.InsertWatchlist(ctx, &entry); err != nil {
		return models.WatchlistEntry{}, err
	}

	logger := logging.WithUser(s.logger, userID)
	logger.Debug().
		Str("underlying", entry.Underlying).
		Str("strike", entry.Strike).
		Str("expiry", entry.Expiry).
		Int("position", entry.Position).
		Msg("Watchlist entry added")
	return entry, nil
}

// Delete removes one of userID's entries. An id owned by someone else is
// reported as not found.
func (s *Service) Delete(ctx context.Context, userID, id string) error {
	if strings.TrimSpace(id) == "" {
		return apperrors.NewValidationError("id", id, "id is required")
	}
	return s.store.DeleteWatchlist(ctx, userID, id)
}

// ReplaceAll swaps userID's whole list for inputs, numbering positions from 1
// in input order. Ids of userID's existing rows are kept along with their
// resolved fields and creation time; any other id is replaced by a new one.
func (s *Service) ReplaceAll(ctx context.Context, userID string, inputs []EntryInput) ([]models.WatchlistEntry, error) {
	if len(inputs) > MaxEntries {
		return nil, apperrors.NewValidationError("watchlist", len(inputs),
			"watchlist is limited to "+strconv.Itoa(MaxEntries)+" entries")
	}

	existing, err := s.store.ListWatchlist(ctx, userID)
	if err != nil {
		return nil, err
	}
	byID := make(map[string]models.WatchlistEntry, len(existing))
	for _, e := range existing {
		byID[e.ID] = e
	}

	now := s.now().UTC()
	seen := make(map[string]bool, len(inputs))
	entries := make([]models.WatchlistEntry, 0, len(inputs))
	for i, in := range inputs {
		entry, err := s.validate(in)
		if err != nil {
			return nil, err
		}

		id := strings.TrimSpace(in.ID)
		if id != "" {
			if _, err := uuid.Parse(id); err != nil {
				return nil, apperrors.NewValidationError("id", in.ID, "id must be a UUID")
			}
			if seen[id] {
				return nil, apperrors.NewValidationError("id", id, "duplicate id in watchlist")
			}
			seen[id] = true
		}
		// Only ids of the user's own rows survive; anything else is a new row.
		if _, ok := byID[id]; !ok {
			id = uuid.NewString()
		}

		entry.ID = id
		entry.UserID = userID
		entry.Position = i + 1
		entry.CreatedAt = now
		entry.UpdatedAt = now
		if prev, ok := byID[id]; ok {
			entry.CreatedAt = prev.CreatedAt
			if sameContract(prev, entry) {
				if entry.Tradingsymbol == "" {
					entry.Tradingsymbol = prev.Tradingsymbol
				}
				if entry.InstrumentToken == 0 {
					entry.InstrumentToken = prev.InstrumentToken
				}
			}
		}
		entries = append(entries, entry)
	}

	if err := s.store.ReplaceWatchlist(ctx, userID, entries); err != nil {
		return nil, err
	}
	if err := s.audit.Log(ctx, security.AuditEvent{
		EventType: security.AuditWatchlistReplaced,
		UserID:    userID,
		Details:   map[string]interface{}{"entries": len(entries)},
		Success:   true,
	}); err != nil {
		s.logger.Warn().Err(err).Msg("Failed to write audit event")
	}
	return entries, nil
}

// Enrich resolves entries that lack a tradingsymbol or instrument token
// against records and persists the result. Entries already resolved are
// never looked up again. A contract that cannot be found is left unresolved.
func (s *Service) Enrich(ctx context.Context, userID string, entries []models.WatchlistEntry, records []models.InstrumentRecord) []models.WatchlistEntry {
	logger := logging.WithOperation(logging.WithUser(s.logger, userID), "watchlist_enrich")
	out := make([]models.WatchlistEntry, len(entries))
	copy(out, entries)

	for i := range out {
		e := &out[i]
		if e.Resolved() {
			continue
		}
		q, err := Query(*e)
		if err != nil {
			logger.Warn().Err(err).Str("id", e.ID).Msg("Skipping invalid watchlist entry")
			continue
		}
		res := s.resolver.Resolve(records, q)
		if !res.Found {
			continue
		}
		if e.Tradingsymbol == "" {
			e.Tradingsymbol = res.Contract.Tradingsymbol
		}
		if e.InstrumentToken == 0 {
			e.InstrumentToken = res.Contract.InstrumentToken
		}
		if err := s.store.UpdateWatchlistResolution(ctx, userID, e.ID, e.Tradingsymbol, e.InstrumentToken); err != nil {
			logger.Error().Err(err).Str("id", e.ID).Msg("Failed to persist watchlist resolution")
		}
	}
	return out
}

// Query converts a stored entry into a put contract query.
func Query(e models.WatchlistEntry) (models.ContractQuery, error) {
	strike, err := security.ParseStrike(e.Strike)
	if err != nil {
		return models.ContractQuery{}, err
	}
	return models.ContractQuery{
		Underlying: e.Underlying,
		Strike:     strike,
		Expiry:     e.Expiry,
		OptionType: models.OptionTypePut,
	}, nil
}

func (s *Service) validate(in EntryInput) (models.WatchlistEntry, error) {
	underlying := security.SanitizeSymbol(in.Underlying)
	if err := security.ValidateSymbol(underlying); err != nil {
		return models.WatchlistEntry{}, err
	}
	strike := strings.TrimSpace(in.Strike)
	if _, err := security.ParseStrike(strike); err != nil {
		return models.WatchlistEntry{}, err
	}
	expiry := strings.TrimSpace(in.Expiry)
	if err := security.ValidateExpiry(expiry); err != nil {
		return models.WatchlistEntry{}, err
	}
	if in.InstrumentToken < 0 {
		return models.WatchlistEntry{}, apperrors.NewValidationError("instrument_token", in.InstrumentToken, "instrument token must not be negative")
	}
	return models.WatchlistEntry{
		Underlying:      underlying,
		Strike:          strike,
		Expiry:          expiry,
		Tradingsymbol:   strings.TrimSpace(in.Tradingsymbol),
		InstrumentToken: in.InstrumentToken,
	}, nil
}

func sameContract(a, b models.WatchlistEntry) bool {
	return a.Underlying == b.Underlying && a.Strike == b.Strike && a.Expiry == b.Expiry
}
