package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	apperrors "options-dekho/internal/errors"
	"options-dekho/internal/models"
)

// uniqueViolation is the Postgres SQLSTATE for a unique constraint failure.
const uniqueViolation = "23505"

// PostgresStore implements Store on a pgx connection pool.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore connects to dsn and bootstraps the schema.
func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	poolConfig, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database config: %w", err)
	}
	poolConfig.MaxConns = 10
	poolConfig.MinConns = 1
	poolConfig.MaxConnLifetime = time.Hour
	poolConfig.MaxConnIdleTime = 30 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create database pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	s := &PostgresStore{pool: pool}
	if err := s.initSchema(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

func (s *PostgresStore) initSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
	CREATE TABLE IF NOT EXISTS users (
		id TEXT PRIMARY KEY,
		email TEXT NOT NULL UNIQUE,
		password_hash TEXT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL
	);

	CREATE TABLE IF NOT EXISTS broker_tokens (
		user_id TEXT PRIMARY KEY REFERENCES users(id) ON DELETE CASCADE,
		ciphertext TEXT NOT NULL,
		kite_user_id TEXT NOT NULL DEFAULT '',
		expires_at TIMESTAMPTZ NOT NULL,
		created_at TIMESTAMPTZ NOT NULL
	);

	CREATE TABLE IF NOT EXISTS watchlist (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
		underlying TEXT NOT NULL,
		strike TEXT NOT NULL,
		expiry TEXT NOT NULL,
		tradingsymbol TEXT NOT NULL DEFAULT '',
		instrument_token BIGINT NOT NULL DEFAULT 0,
		position INTEGER NOT NULL,
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_watchlist_user_position ON watchlist(user_id, position);
	`)
	return err
}

// Close closes the pool.
func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

func (s *PostgresStore) CreateUser(ctx context.Context, user *models.User) error {
	email := normalizeEmail(user.Email)
	_, err := s.pool.Exec(ctx, `
		INSERT INTO users (id, email, password_hash, created_at)
		VALUES (@id, @email, @password_hash, @created_at)
	`, pgx.NamedArgs{
		"id":            user.ID,
		"email":         email,
		"password_hash": user.PasswordHash,
		"created_at":    user.CreatedAt,
	})
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return errEmailTaken(email)
		}
		return apperrors.NewPersistenceError("users", "insert", err)
	}
	user.Email = email
	return nil
}

func (s *PostgresStore) GetUserByEmail(ctx context.Context, email string) (*models.User, error) {
	return s.getUser(ctx, "email", normalizeEmail(email))
}

func (s *PostgresStore) GetUserByID(ctx context.Context, id string) (*models.User, error) {
	return s.getUser(ctx, "id", id)
}

func (s *PostgresStore) getUser(ctx context.Context, column, value string) (*models.User, error) {
	var u models.User
	err := s.pool.QueryRow(ctx,
		`SELECT id, email, password_hash, created_at FROM users WHERE `+column+` = $1`, value,
	).Scan(&u.ID, &u.Email, &u.PasswordHash, &u.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, errUserNotFound(value)
	}
	if err != nil {
		return nil, apperrors.NewPersistenceError("users", "select", err)
	}
	return &u, nil
}

func (s *PostgresStore) UpsertToken(ctx context.Context, token models.StoredToken) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO broker_tokens (user_id, ciphertext, kite_user_id, expires_at, created_at)
		VALUES (@user_id, @ciphertext, @kite_user_id, @expires_at, @created_at)
		ON CONFLICT (user_id) DO UPDATE SET
			ciphertext = @ciphertext,
			kite_user_id = @kite_user_id,
			expires_at = @expires_at,
			created_at = @created_at
	`, pgx.NamedArgs{
		"user_id":      token.UserID,
		"ciphertext":   token.Ciphertext,
		"kite_user_id": token.KiteUserID,
		"expires_at":   token.ExpiresAt,
		"created_at":   token.CreatedAt,
	})
	return apperrors.NewPersistenceError("broker_tokens", "upsert", err)
}

func (s *PostgresStore) GetToken(ctx context.Context, userID string) (*models.StoredToken, error) {
	var t models.StoredToken
	err := s.pool.QueryRow(ctx, `
		SELECT user_id, ciphertext, kite_user_id, expires_at, created_at
		FROM broker_tokens WHERE user_id = $1
	`, userID).Scan(&t.UserID, &t.Ciphertext, &t.KiteUserID, &t.ExpiresAt, &t.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, errTokenNotFound(userID)
	}
	if err != nil {
		return nil, apperrors.NewPersistenceError("broker_tokens", "select", err)
	}
	return &t, nil
}

func (s *PostgresStore) DeleteToken(ctx context.Context, userID string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM broker_tokens WHERE user_id = $1`, userID)
	return apperrors.NewPersistenceError("broker_tokens", "delete", err)
}

func (s *PostgresStore) ListWatchlist(ctx context.Context, userID string) ([]models.WatchlistEntry, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+watchlistColumns+` FROM watchlist WHERE user_id = $1 ORDER BY position ASC`, userID)
	if err != nil {
		return nil, apperrors.NewPersistenceError("watchlist", "select", err)
	}
	defer rows.Close()

	var entries []models.WatchlistEntry
	for rows.Next() {
		var e models.WatchlistEntry
		if err := rows.Scan(&e.ID, &e.UserID, &e.Underlying, &e.Strike, &e.Expiry, &e.Tradingsymbol,
			&e.InstrumentToken, &e.Position, &e.CreatedAt, &e.UpdatedAt); err != nil {
			return nil, apperrors.NewPersistenceError("watchlist", "scan", err)
		}
		entries = append(entries, e)
	}
	return entries, apperrors.NewPersistenceError("watchlist", "select", rows.Err())
}

func (s *PostgresStore) InsertWatchlist(ctx context.Context, entry *models.WatchlistEntry) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		// Serialise appends per user so two inserts cannot take the same position.
		if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, entry.UserID); err != nil {
			return apperrors.NewPersistenceError("watchlist", "lock", err)
		}
		if err := tx.QueryRow(ctx,
			`SELECT COALESCE(MAX(position), 0) + 1 FROM watchlist WHERE user_id = $1`, entry.UserID,
		).Scan(&entry.Position); err != nil {
			return apperrors.NewPersistenceError("watchlist", "position", err)
		}
		return insertWatchlistPg(ctx, tx, entry)
	})
}

func (s *PostgresStore) UpdateWatchlistResolution(ctx context.Context, userID, id, tradingsymbol string, instrumentToken int64) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE watchlist SET
			tradingsymbol = CASE WHEN tradingsymbol = '' THEN @tradingsymbol ELSE tradingsymbol END,
			instrument_token = CASE WHEN instrument_token = 0 THEN @instrument_token ELSE instrument_token END,
			updated_at = now()
		WHERE user_id = @user_id AND id = @id
	`, pgx.NamedArgs{
		"tradingsymbol":    tradingsymbol,
		"instrument_token": instrumentToken,
		"user_id":          userID,
		"id":               id,
	})
	if err != nil {
		return apperrors.NewPersistenceError("watchlist", "update", err)
	}
	if tag.RowsAffected() == 0 {
		return errEntryNotFound(id)
	}
	return nil
}

func (s *PostgresStore) DeleteWatchlist(ctx context.Context, userID, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM watchlist WHERE user_id = $1 AND id = $2`, userID, id)
	if err != nil {
		return apperrors.NewPersistenceError("watchlist", "delete", err)
	}
	if tag.RowsAffected() == 0 {
		return errEntryNotFound(id)
	}
	return nil
}

func (s *PostgresStore) ReplaceWatchlist(ctx context.Context, userID string, entries []models.WatchlistEntry) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `DELETE FROM watchlist WHERE user_id = $1`, userID); err != nil {
			return apperrors.NewPersistenceError("watchlist", "replace", err)
		}
		for i := range entries {
			if err := insertWatchlistPg(ctx, tx, &entries[i]); err != nil {
				return err
			}
		}
		return nil
	})
}

func insertWatchlistPg(ctx context.Context, tx pgx.Tx, e *models.WatchlistEntry) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO watchlist (`+watchlistColumns+`)
		VALUES (@id, @user_id, @underlying, @strike, @expiry, @tradingsymbol, @instrument_token, @position, @created_at, @updated_at)
	`, pgx.NamedArgs{
		"id":               e.ID,
		"user_id":          e.UserID,
		"underlying":       e.Underlying,
		"strike":           e.Strike,
		"expiry":           e.Expiry,
		"tradingsymbol":    e.Tradingsymbol,
		"instrument_token": e.InstrumentToken,
		"position":         e.Position,
		"created_at":       e.CreatedAt,
		"updated_at":       e.UpdatedAt,
	})
	return apperrors.NewPersistenceError("watchlist", "insert", err)
}
