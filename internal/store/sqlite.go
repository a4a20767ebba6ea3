package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/mattn/go-sqlite3"

	apperrors "options-dekho/internal/errors"
	"options-dekho/internal/models"
)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (creating if needed) the database at dbPath.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	if dbPath == "" {
		return nil, fmt.Errorf("%w: sqlite path is required", apperrors.ErrConfigInvalid)
	}
	memory := strings.HasPrefix(dbPath, ":memory:") || strings.Contains(dbPath, "mode=memory")
	if !memory {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0o700); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	sep := "?"
	if strings.Contains(dbPath, "?") {
		sep = "&"
	}
	db, err := sql.Open("sqlite3", dbPath+sep+"_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Each connection to :memory: is a separate database.
	if memory {
		db.SetMaxOpenConns(1)
	} else {
		db.SetMaxOpenConns(10)
		db.SetMaxIdleConns(5)
	}
	db.SetConnMaxLifetime(time.Hour)

	store := &SQLiteStore{db: db}
	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return store, nil
}

// initSchema creates all required tables and indexes.
func (s *SQLiteStore) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS users (
		id TEXT PRIMARY KEY,
		email TEXT NOT NULL UNIQUE,
		password_hash TEXT NOT NULL,
		created_at DATETIME NOT NULL
	);

	-- One encrypted Kite session per user
	CREATE TABLE IF NOT EXISTS broker_tokens (
		user_id TEXT PRIMARY KEY REFERENCES users(id) ON DELETE CASCADE,
		ciphertext TEXT NOT NULL,
		kite_user_id TEXT,
		expires_at DATETIME NOT NULL,
		created_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS watchlist (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
		underlying TEXT NOT NULL,
		strike TEXT NOT NULL,
		expiry TEXT NOT NULL,
		tradingsymbol TEXT,
		instrument_token INTEGER,
		position INTEGER NOT NULL,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_watchlist_user_position ON watchlist(user_id, position);
	`

	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// ============================================================================
// Users
// ============================================================================

func (s *SQLiteStore) CreateUser(ctx context.Context, user *models.User) error {
	email := normalizeEmail(user.Email)
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (id, email, password_hash, created_at) VALUES (?, ?, ?, ?)
	`, user.ID, email, user.PasswordHash, user.CreatedAt.UTC())
	if err != nil {
		var sqliteErr sqlite3.Error
		if errors.As(err, &sqliteErr) && sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique {
			return errEmailTaken(email)
		}
		return apperrors.NewPersistenceError("users", "insert", err)
	}
	user.Email = email
	return nil
}

func (s *SQLiteStore) GetUserByEmail(ctx context.Context, email string) (*models.User, error) {
	return s.getUser(ctx, "email", normalizeEmail(email))
}

func (s *SQLiteStore) GetUserByID(ctx context.Context, id string) (*models.User, error) {
	return s.getUser(ctx, "id", id)
}

func (s *SQLiteStore) getUser(ctx context.Context, column, value string) (*models.User, error) {
	var u models.User
	err := s.db.QueryRowContext(ctx,
		`SELECT id, email, password_hash, created_at FROM users WHERE `+column+` = ?`, value,
	).Scan(&u.ID, &u.Email, &u.PasswordHash, &u.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errUserNotFound(value)
	}
	if err != nil {
		return nil, apperrors.NewPersistenceError("users", "select", err)
	}
	return &u, nil
}

// ============================================================================
// Broker tokens
// ============================================================================

func (s *SQLiteStore) UpsertToken(ctx context.Context, token models.StoredToken) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO broker_tokens (user_id, ciphertext, kite_user_id, expires_at, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET
			ciphertext = excluded.ciphertext,
			kite_user_id = excluded.kite_user_id,
			expires_at = excluded.expires_at,
			created_at = excluded.created_at
	`, token.UserID, token.Ciphertext, token.KiteUserID, token.ExpiresAt.UTC(), token.CreatedAt.UTC())
	return apperrors.NewPersistenceError("broker_tokens", "upsert", err)
}

func (s *SQLiteStore) GetToken(ctx context.Context, userID string) (*models.StoredToken, error) {
	var (
		t          models.StoredToken
		kiteUserID sql.NullString
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT user_id, ciphertext, kite_user_id, expires_at, created_at
		FROM broker_tokens WHERE user_id = ?
	`, userID).Scan(&t.UserID, &t.Ciphertext, &kiteUserID, &t.ExpiresAt, &t.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errTokenNotFound(userID)
	}
	if err != nil {
		return nil, apperrors.NewPersistenceError("broker_tokens", "select", err)
	}
	t.KiteUserID = kiteUserID.String
	return &t, nil
}

func (s *SQLiteStore) DeleteToken(ctx context.Context, userID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM broker_tokens WHERE user_id = ?`, userID)
	return apperrors.NewPersistenceError("broker_tokens", "delete", err)
}

// ============================================================================
// Watchlist
// ============================================================================

const watchlistColumns = `id, user_id, underlying, strike, expiry, tradingsymbol, instrument_token, position, created_at, updated_at`

func (s *SQLiteStore) ListWatchlist(ctx context.Context, userID string) ([]models.WatchlistEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+watchlistColumns+` FROM watchlist WHERE user_id = ? ORDER BY position ASC`, userID)
	if err != nil {
		return nil, apperrors.NewPersistenceError("watchlist", "select", err)
	}
	defer rows.Close()

	var entries []models.WatchlistEntry
	for rows.Next() {
		var (
			e     models.WatchlistEntry
			sym   sql.NullString
			token sql.NullInt64
		)
		if err := rows.Scan(&e.ID, &e.UserID, &e.Underlying, &e.Strike, &e.Expiry, &sym, &token,
			&e.Position, &e.CreatedAt, &e.UpdatedAt); err != nil {
			return nil, apperrors.NewPersistenceError("watchlist", "scan", err)
		}
		e.Tradingsymbol = sym.String
		e.InstrumentToken = token.Int64
		entries = append(entries, e)
	}

	return entries, apperrors.NewPersistenceError("watchlist", "select", rows.Err())
}

func (s *SQLiteStore) InsertWatchlist(ctx context.Context, entry *models.WatchlistEntry) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return apperrors.NewPersistenceError("watchlist", "begin", err)
	}
	defer tx.Rollback()

	var pos int
	if err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(position), 0) + 1 FROM watchlist WHERE user_id = ?`, entry.UserID,
	).Scan(&pos); err != nil {
		return apperrors.NewPersistenceError("watchlist", "position", err)
	}
	entry.Position = pos

	if err := insertWatchlistRow(ctx, tx, entry); err != nil {
		return err
	}
	return apperrors.NewPersistenceError("watchlist", "commit", tx.Commit())
}

func (s *SQLiteStore) UpdateWatchlistResolution(ctx context.Context, userID, id, tradingsymbol string, instrumentToken int64) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE watchlist SET
			tradingsymbol = COALESCE(NULLIF(tradingsymbol, ''), ?),
			instrument_token = COALESCE(NULLIF(instrument_token, 0), ?),
			updated_at = ?
		WHERE user_id = ? AND id = ?
	`, tradingsymbol, instrumentToken, time.Now().UTC(), userID, id)
	if err != nil {
		return apperrors.NewPersistenceError("watchlist", "update", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errEntryNotFound(id)
	}
	return nil
}

func (s *SQLiteStore) DeleteWatchlist(ctx context.Context, userID, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM watchlist WHERE user_id = ? AND id = ?`, userID, id)
	if err != nil {
		return apperrors.NewPersistenceError("watchlist", "delete", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errEntryNotFound(id)
	}
	return nil
}

func (s *SQLiteStore) ReplaceWatchlist(ctx context.Context, userID string, entries []models.WatchlistEntry) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return apperrors.NewPersistenceError("watchlist", "begin", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM watchlist WHERE user_id = ?`, userID); err != nil {
		return apperrors.NewPersistenceError("watchlist", "replace", err)
	}
	for i := range entries {
		if err := insertWatchlistRow(ctx, tx, &entries[i]); err != nil {
			return err
		}
	}
	return apperrors.NewPersistenceError("watchlist", "commit", tx.Commit())
}

func insertWatchlistRow(ctx context.Context, tx *sql.Tx, e *models.WatchlistEntry) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO watchlist (`+watchlistColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.UserID, e.Underlying, e.Strike, e.Expiry,
		nullString(e.Tradingsymbol), nullInt(e.InstrumentToken),
		e.Position, e.CreatedAt.UTC(), e.UpdatedAt.UTC())
	return apperrors.NewPersistenceError("watchlist", "insert", err)
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullInt(v int64) sql.NullInt64 {
	return sql.NullInt64{Int64: v, Valid: v != 0}
}
