// Package auth registers end users and issues the bearer tokens that scope
// every broker and watchlist call to one user.
package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/crypto/bcrypt"

	apperrors "options-dekho/internal/errors"
	"options-dekho/internal/models"
	"options-dekho/internal/security"
	"options-dekho/internal/store"
)

const (
	// MinPasswordLength is the shortest accepted password.
	MinPasswordLength = 8
	// maxPasswordLength is bcrypt's input limit.
	maxPasswordLength = 72
	// DefaultTTL is how long an issued bearer token stays valid.
	DefaultTTL = 24 * time.Hour

	issuer = "options-dekho"
)

// Claims are the bearer token claims. Subject carries the user id.
type Claims struct {
	Email string `json:"email"`
	jwt.RegisteredClaims
}

// Provider implements register, login and bearer verification.
type Provider struct {
	users  store.UserStore
	secret []byte
	ttl    time.Duration
	cost   int
	now    func() time.Time
	audit  *security.AuditLogger
	logger zerolog.Logger

	// dummyHash is compared against on unknown emails so both failure paths cost one bcrypt check.
	dummyHash []byte
}

// Config holds provider configuration.
type Config struct {
	Users      store.UserStore
	Secret     string
	TTL        time.Duration
	BcryptCost int
	Now        func() time.Time
	Audit      *security.AuditLogger
	Logger     zerolog.Logger
}

// NewProvider creates an identity provider.
func NewProvider(cfg Config) (*Provider, error) {
	if len(cfg.Secret) < 16 {
		return nil, fmt.Errorf("%w: jwt secret must be at least 16 characters", apperrors.ErrConfigInvalid)
	}
	p := &Provider{
		users:  cfg.Users,
		secret: []byte(cfg.Secret),
		ttl:    cfg.TTL,
		cost:   cfg.BcryptCost,
		now:    cfg.Now,
		audit:  cfg.Audit,
		logger: cfg.Logger,
	}
	if p.ttl <= 0 {
		p.ttl = DefaultTTL
	}
	if p.cost < bcrypt.MinCost || p.cost > bcrypt.MaxCost {
		p.cost = bcrypt.DefaultCost
	}
	if p.now == nil {
		p.now = time.Now
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(uuid.NewString()), p.cost)
	if err != nil {
		return nil, fmt.Errorf("failed to hash password: %w", err)
	}
	p.dummyHash = hash
	return p, nil
}

// Register creates a user. A taken email returns a conflict error.
func (p *Provider) Register(ctx context.Context, email, password string) (models.User, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if err := security.ValidateEmail(email); err != nil {
		return models.User{}, err
	}
	if err := validatePassword(password); err != nil {
		return models.User{}, err
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), p.cost)
	if err != nil {
		return models.User{}, fmt.Errorf("failed to hash password: %w", err)
	}

	user := models.User{
		ID:           uuid.NewString(),
		Email:        email,
		PasswordHash: string(hash),
		CreatedAt:    p.now().UTC(),
	}
	err = p.users.CreateUser(ctx, &user)
	p.auditEvent(ctx, security.AuditRegister, user.ID, email, err)
	if err != nil {
		return models.User{}, err
	}

	p.logger.Info().Str("user_id", user.ID).Msg("User registered")
	return user, nil
}

// Login checks credentials and issues a bearer token. Unknown email and
// wrong password are indistinguishable to the caller.
func (p *Provider) Login(ctx context.Context, email, password string) (string, models.Identity, error) {
	email = strings.ToLower(strings.TrimSpace(email))

	user, err := p.users.GetUserByEmail(ctx, email)
	if err != nil && !errors.Is(err, apperrors.ErrNotFound) {
		return "", models.Identity{}, err
	}

	hash := p.dummyHash
	if user != nil {
		hash = []byte(user.PasswordHash)
	}
	if cmpErr := bcrypt.CompareHashAndPassword(hash, []byte(password)); cmpErr != nil || user == nil {
		p.auditEvent(ctx, security.AuditLogin, "", email, apperrors.ErrInvalidCredentials)
		return "", models.Identity{}, apperrors.ErrInvalidCredentials
	}

	identity := models.Identity{UserID: user.ID, Email: user.Email}
	token, err := p.Issue(identity)
	if err != nil {
		return "", models.Identity{}, err
	}
	p.auditEvent(ctx, security.AuditLogin, user.ID, email, nil)
	return token, identity, nil
}

// Issue signs a bearer token for identity.
func (p *Provider) Issue(identity models.Identity) (string, error) {
	now := p.now()
	claims := Claims{
		Email: identity.Email,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   identity.UserID,
			Issuer:    issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(p.ttl)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(p.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, nil
}

// VerifyBearerToken returns the identity a token was issued for. Any parse,
// signature or expiry failure is ErrUnauthenticated.
func (p *Provider) VerifyBearerToken(token string) (models.Identity, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return models.Identity{}, fmt.Errorf("%w: missing bearer token", apperrors.ErrUnauthenticated)
	}

	var claims Claims
	_, err := jwt.ParseWithClaims(token, &claims, func(t *jwt.Token) (interface{}, error) {
		return p.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(p.now),
	)
	if err != nil {
		return models.Identity{}, fmt.Errorf("%w: %v", apperrors.ErrUnauthenticated, err)
	}
	if claims.Subject == "" {
		return models.Identity{}, fmt.Errorf("%w: token has no subject", apperrors.ErrUnauthenticated)
	}
	return models.Identity{UserID: claims.Subject, Email: claims.Email}, nil
}

func validatePassword(password string) error {
	if len(password) < MinPasswordLength {
		return apperrors.NewValidationError("password", "", fmt.Sprintf("password must be at least %d characters", MinPasswordLength))
	}
	if len(password) > maxPasswordLength {
		return apperrors.NewValidationError("password", "", fmt.Sprintf("password must be at most %d bytes", maxPasswordLength))
	}
	return nil
}

func (p *Provider) auditEvent(ctx context.Context, event security.AuditEventType, userID, email string, err error) {
	if auditErr := p.audit.LogUserEvent(ctx, event, userID, email, err); auditErr != nil {
		p.logger.Warn().Err(auditErr).Msg("Failed to write audit event")
	}
}
