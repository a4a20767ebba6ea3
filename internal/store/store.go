// Package store provides persistence for users, broker tokens and watchlists
// behind one interface with swappable adapters.
package store

import (
	"context"
	"fmt"
	"strings"

	apperrors "options-dekho/internal/errors"
	"options-dekho/internal/models"
)

// Supported drivers.
const (
	DriverMemory   = "memory"
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// UserStore persists end users.
type UserStore interface {
	// CreateUser fails with ErrConflict when the email is taken.
	CreateUser(ctx context.Context, user *models.User) error
	GetUserByEmail(ctx context.Context, email string) (*models.User, error)
	GetUserByID(ctx context.Context, id string) (*models.User, error)
}

// TokenStore persists at most one encrypted broker token per user.
type TokenStore interface {
	UpsertToken(ctx context.Context, token models.StoredToken) error
	// GetToken returns ErrNotFound when the user has no token.
	GetToken(ctx context.Context, userID string) (*models.StoredToken, error)
	// DeleteToken is idempotent.
	DeleteToken(ctx context.Context, userID string) error
}

// WatchlistStore persists per-user watchlist rows.
type WatchlistStore interface {
	// ListWatchlist returns the user's rows ordered by position.
	ListWatchlist(ctx context.Context, userID string) ([]models.WatchlistEntry, error)
	// InsertWatchlist appends entry after the user's last row and sets its Position.
	InsertWatchlist(ctx context.Context, entry *models.WatchlistEntry) error
	// UpdateWatchlistResolution fills the resolved fields only when they are empty.
	UpdateWatchlistResolution(ctx context.Context, userID, id, tradingsymbol string, instrumentToken int64) error
	// DeleteWatchlist returns ErrNotFound when the row does not exist for userID.
	DeleteWatchlist(ctx context.Context, userID, id string) error
	// ReplaceWatchlist atomically swaps the user's rows for entries.
	ReplaceWatchlist(ctx context.Context, userID string, entries []models.WatchlistEntry) error
}

// Store is the full persistence boundary.
type Store interface {
	UserStore
	TokenStore
	WatchlistStore
	Close() error
}

// Config selects and configures an adapter.
type Config struct {
	Driver string
	DSN    string
}

// Open returns the adapter for cfg.Driver.
func Open(ctx context.Context, cfg Config) (Store, error) {
	switch strings.ToLower(cfg.Driver) {
	case DriverMemory:
		return NewMemoryStore(), nil
	case DriverSQLite, "":
		return NewSQLiteStore(cfg.DSN)
	case DriverPostgres:
		return NewPostgresStore(ctx, cfg.DSN)
	default:
		return nil, fmt.Errorf("%w: unknown store driver %q", apperrors.ErrConfigInvalid, cfg.Driver)
	}
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

func errEmailTaken(email string) error {
	return fmt.Errorf("email %s is already registered: %w", email, apperrors.ErrConflict)
}

func errUserNotFound(key string) error {
	return apperrors.NewNotFoundError("user", key, "user not found")
}

func errTokenNotFound(userID string) error {
	return apperrors.NewNotFoundError("broker token", userID, "no broker token for user")
}

func errEntryNotFound(id string) error {
	return apperrors.NewNotFoundError("watchlist entry", id, "watchlist entry not found")
}
