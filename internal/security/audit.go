package security

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"

	"options-dekho/internal/logging"
)

// AuditEventType represents the type of audit event.
type AuditEventType string

const (
	AuditRegister          AuditEventType = "USER_REGISTER"
	AuditLogin             AuditEventType = "USER_LOGIN"
	AuditBrokerConnected   AuditEventType = "BROKER_CONNECTED"
	AuditBrokerExpired     AuditEventType = "BROKER_TOKEN_EXPIRED"
	AuditBrokerInvalidated AuditEventType = "BROKER_TOKEN_INVALIDATED"
	AuditWatchlistReplaced AuditEventType = "WATCHLIST_REPLACED"
)

// AuditEvent represents a single audit log entry.
type AuditEvent struct {
	Timestamp time.Time              `json:"timestamp"`
	EventType AuditEventType         `json:"event_type"`
	UserID    string                 `json:"user_id,omitempty"`
	Action    string                 `json:"action,omitempty"`
	Details   map[string]interface{} `json:"details,omitempty"`
	Success   bool                   `json:"success"`
	ErrorMsg  string                 `json:"error,omitempty"`
	RequestID string                 `json:"request_id,omitempty"`
}

// AuditLogger appends JSON lines describing account and broker-session events.
type AuditLogger struct {
	writer io.WriteCloser
	mu     sync.Mutex
	now    func() time.Time
}

// AuditConfig holds audit logger configuration.
type AuditConfig struct {
	Enabled    bool   `mapstructure:"enabled"`
	LogDir     string `mapstructure:"log_dir"`
	MaxSize    int    `mapstructure:"max_size"` // megabytes
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAge     int    `mapstructure:"max_age"` // days
}

// DefaultAuditConfig returns the default audit configuration.
func DefaultAuditConfig() AuditConfig {
	home, _ := os.UserHomeDir()
	return AuditConfig{
		Enabled:    true,
		LogDir:     filepath.Join(home, ".config", "options-dekho", "audit"),
		MaxSize:    50,
		MaxBackups: 30,
		MaxAge:     365,
	}
}

// NewAuditLogger creates a rotating file audit logger.
func NewAuditLogger(cfg AuditConfig) (*AuditLogger, error) {
	if err := os.MkdirAll(cfg.LogDir, 0700); err != nil {
		return nil, fmt.Errorf("creating audit directory: %w", err)
	}

	return NewAuditLoggerWithWriter(&lumberjack.Logger{
		Filename:   filepath.Join(cfg.LogDir, "audit.log"),
		MaxSize:    cfg.MaxSize,
		MaxBackups: cfg.MaxBackups,
		MaxAge:     cfg.MaxAge,
		Compress:   true,
	}), nil
}

// NewAuditLoggerWithWriter creates an audit logger writing to w.
func NewAuditLoggerWithWriter(w io.WriteCloser) *AuditLogger {
	return &AuditLogger{writer: w, now: time.Now}
}

// Log logs an audit event. A nil AuditLogger is a no-op.
func (al *AuditLogger) Log(ctx context.Context, event AuditEvent) error {
	if al == nil {
		return nil
	}

	al.mu.Lock()
	defer al.mu.Unlock()

	event.Timestamp = al.now().UTC()
	if event.RequestID == "" {
		event.RequestID = logging.RequestIDFromContext(ctx)
	}

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("serializing audit event: %w", err)
	}

	if _, err := al.writer.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("writing audit event: %w", err)
	}
	return nil
}

// LogUserEvent records a register or login attempt.
func (al *AuditLogger) LogUserEvent(ctx context.Context, eventType AuditEventType, userID, email string, err error) error {
	event := AuditEvent{
		EventType: eventType,
		UserID:    userID,
		Success:   err == nil,
		Details:   map[string]interface{}{"email": email},
	}
	if err != nil {
		event.ErrorMsg = err.Error()
	}
	return al.Log(ctx, event)
}

// LogBrokerEvent records a broker token lifecycle transition.
func (al *AuditLogger) LogBrokerEvent(ctx context.Context, eventType AuditEventType, userID, reason string) error {
	return al.Log(ctx, AuditEvent{
		EventType: eventType,
		UserID:    userID,
		Action:    reason,
		Success:   true,
	})
}

// Close closes the audit logger.
func (al *AuditLogger) Close() error {
	if al == nil {
		return nil
	}
	return al.writer.Close()
}
