// Package tokens manages the per-user broker access token lifecycle.
//
// Kite sessions die at a fixed wall-clock time each morning, so a stored
// token carries an explicit expiry and is deleted the first time it is read
// after that instant.
package tokens

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	apperrors "options-dekho/internal/errors"
	"options-dekho/internal/logging"
	"options-dekho/internal/metrics"
	"options-dekho/internal/models"
	"options-dekho/internal/security"
	"options-dekho/internal/store"
	"options-dekho/pkg/utils"
)

const (
	// DefaultCutoverHour is the IST hour at which broker sessions expire.
	DefaultCutoverHour = 6
	// DefaultExpiringSoon is the remaining lifetime below which a token is flagged.
	DefaultExpiringSoon = time.Hour
)

// Cipher seals tokens before they reach the store.
type Cipher interface {
	Encrypt(plaintext string) (string, error)
	Decrypt(encoded string) (string, error)
}

var _ Cipher = (*security.TokenCipher)(nil)

// Manager saves, reads and invalidates broker tokens.
type Manager struct {
	store        store.TokenStore
	cipher       Cipher
	cutoverHour  int
	expiringSoon time.Duration
	now          func() time.Time
	audit        *security.AuditLogger
	metrics      *metrics.Metrics
	logger       zerolog.Logger
}

// Config holds manager dependencies.
type Config struct {
	Store        store.TokenStore
	Cipher       Cipher
	CutoverHour  int
	ExpiringSoon time.Duration
	Now          func() time.Time
	Audit        *security.AuditLogger
	Metrics      *metrics.Metrics
	Logger       zerolog.Logger
}

// NewManager creates a token manager.
func NewManager(cfg Config) *Manager {
	m := &Manager{
		store:        cfg.Store,
		cipher:       cfg.Cipher,
		cutoverHour:  cfg.CutoverHour,
		expiringSoon: cfg.ExpiringSoon,
		now:          cfg.Now,
		audit:        cfg.Audit,
		metrics:      cfg.Metrics,
		logger:       cfg.Logger,
	}
	if m.cutoverHour <= 0 || m.cutoverHour > 23 {
		m.cutoverHour = DefaultCutoverHour
	}
	if m.expiringSoon <= 0 {
		m.expiringSoon = DefaultExpiringSoon
	}
	if m.now == nil {
		m.now = time.Now
	}
	return m
}

// ExpiryFor returns when a token issued at t stops working.
func (m *Manager) ExpiryFor(t time.Time) time.Time {
	return utils.NextDailyCutover(t, m.cutoverHour)
}

// Save encrypts and upserts accessToken as userID's only broker token.
func (m *Manager) Save(ctx context.Context, userID, accessToken, kiteUserID string) (models.BrokerToken, error) {
	if userID == "" {
		return models.BrokerToken{}, apperrors.NewValidationError("user_id", "", "user id is required")
	}
	if accessToken == "" {
		return models.BrokerToken{}, apperrors.NewValidationError("access_token", "", "access token is required")
	}

	now := m.now()
	token := models.BrokerToken{
		UserID:      userID,
		AccessToken: accessToken,
		KiteUserID:  kiteUserID,
		ExpiresAt:   m.ExpiryFor(now),
		CreatedAt:   now,
	}

	ciphertext, err := m.cipher.Encrypt(accessToken)
	if err != nil {
		return models.BrokerToken{}, apperrors.Wrap(err, "encrypting broker token")
	}
	if err := m.store.UpsertToken(ctx, models.StoredToken{
		UserID:     userID,
		Ciphertext: ciphertext,
		KiteUserID: kiteUserID,
		ExpiresAt:  token.ExpiresAt,
		CreatedAt:  token.CreatedAt,
	}); err != nil {
		return models.BrokerToken{}, err
	}

	m.logger.Info().
		Str("user_id", userID).
		Str("kite_user_id", kiteUserID).
		Str("token", security.MaskCredential(accessToken)).
		Time("expires_at", token.ExpiresAt).
		Msg("Broker token saved")
	m.auditEvent(ctx, security.AuditBrokerConnected, userID, "saved")
	return token, nil
}

// GetValid returns userID's decrypted token, or an AuthRequiredError when the
// token is absent or past its expiry. An expired token is deleted on read.
func (m *Manager) GetValid(ctx context.Context, userID string) (models.BrokerToken, error) {
	stored, err := m.store.GetToken(ctx, userID)
	if errors.Is(err, apperrors.ErrNotFound) {
		return models.BrokerToken{}, apperrors.NewAuthRequiredError(userID, "no broker session", nil)
	}
	if err != nil {
		return models.BrokerToken{}, err
	}

	if !m.now().Before(stored.ExpiresAt) {
		if err := m.store.DeleteToken(ctx, userID); err != nil {
			return models.BrokerToken{}, err
		}
		m.metrics.TokenInvalidated("expired")
		m.auditEvent(ctx, security.AuditBrokerExpired, userID, "expired")
		logger := logging.WithUser(m.logger, userID)
		logger.Info().Time("expired_at", stored.ExpiresAt).Msg("Broker token expired")
		return models.BrokerToken{}, apperrors.NewAuthRequiredError(userID, "broker session expired", nil)
	}

	plaintext, err := m.cipher.Decrypt(stored.Ciphertext)
	if err != nil {
		// Unreadable under the current key; treat as absent so the user logs in again.
		logger := logging.WithUser(m.logger, userID)
		logger.Error().Err(err).Msg("Failed to decrypt broker token")
		if delErr := m.store.DeleteToken(ctx, userID); delErr != nil {
			return models.BrokerToken{}, delErr
		}
		m.metrics.TokenInvalidated("undecryptable")
		return models.BrokerToken{}, apperrors.NewAuthRequiredError(userID, "broker session unreadable", err)
	}

	return models.BrokerToken{
		UserID:      stored.UserID,
		AccessToken: plaintext,
		KiteUserID:  stored.KiteUserID,
		ExpiresAt:   stored.ExpiresAt,
		CreatedAt:   stored.CreatedAt,
	}, nil
}

// State reports the token's lifecycle state without exposing it.
func (m *Manager) State(ctx context.Context, userID string) (models.TokenStatus, error) {
	token, err := m.GetValid(ctx, userID)
	if apperrors.Classify(err) == apperrors.KindAuthRequired {
		return models.TokenStatus{State: models.TokenAbsent}, nil
	}
	if err != nil {
		return models.TokenStatus{}, err
	}

	status := models.TokenStatus{
		State:      models.TokenValid,
		ExpiresAt:  &token.ExpiresAt,
		KiteUserID: token.KiteUserID,
	}
	if token.ExpiresAt.Sub(m.now()) < m.expiringSoon {
		status.State = models.TokenExpiringSoon
	}
	return status, nil
}

// IsExpiringSoon reports whether a valid token has less than the configured
// lifetime left. An absent token is not expiring soon.
func (m *Manager) IsExpiringSoon(ctx context.Context, userID string) (bool, error) {
	status, err := m.State(ctx, userID)
	if err != nil {
		return false, err
	}
	return status.State == models.TokenExpiringSoon, nil
}

// Invalidate deletes userID's token. Deleting an absent token succeeds.
func (m *Manager) Invalidate(ctx context.Context, userID, reason string) error {
	if err := m.store.DeleteToken(ctx, userID); err != nil {
		return err
	}
	if reason == "" {
		reason = "disconnected"
	}
	m.metrics.TokenInvalidated(reason)
	m.auditEvent(ctx, security.AuditBrokerInvalidated, userID, reason)
	logger := logging.WithUser(m.logger, userID)
	logger.Info().Str("reason", reason).Msg("Broker token invalidated")
	return nil
}

func (m *Manager) auditEvent(ctx context.Context, event security.AuditEventType, userID, reason string) {
	if err := m.audit.LogBrokerEvent(ctx, event, userID, reason); err != nil {
		m.logger.Warn().Err(err).Msg("Failed to write audit event")
	}
}
