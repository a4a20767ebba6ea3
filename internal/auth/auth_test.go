package auth

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/rs/zerolog"
	"golang.org/x/crypto/bcrypt"

	apperrors "options-dekho/internal/errors"
	"options-dekho/internal/models"
	"options-dekho/internal/store"
)

const testSecret = "test-jwt-secret-0123456789"

type clock struct{ t time.Time }

func (c *clock) Now() time.Time { return c.t }

func newProvider(t *testing.T) (*Provider, *clock) {
	t.Helper()
	c := &clock{t: time.Date(2024, 12, 20, 10, 0, 0, 0, time.UTC)}
	p, err := NewProvider(Config{
		Users:      store.NewMemoryStore(),
		Secret:     testSecret,
		BcryptCost: bcrypt.MinCost,
		Now:        c.Now,
		Logger:     zerolog.Nop(),
	})
	if err != nil {
		t.Fatalf("NewProvider: %v", err)
	}
	return p, c
}

func TestRegisterAndLogin(t *testing.T) {
	p, _ := newProvider(t)
	ctx := context.Background()

	user, err := p.Register(ctx, " Trader@Example.com ", "correct horse")
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if user.Email != "trader@example.com" {
		t.Errorf("Email = %q", user.Email)
	}
	if user.PasswordHash == "" || strings.Contains(user.PasswordHash, "correct horse") {
		t.Error("password not hashed")
	}

	token, identity, err := p.Login(ctx, "TRADER@example.com", "correct horse")
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	if identity.UserID != user.ID {
		t.Errorf("identity = %+v", identity)
	}

	verified, err := p.VerifyBearerToken(token)
	if err != nil {
		t.Fatalf("VerifyBearerToken: %v", err)
	}
	if verified != identity {
		t.Errorf("verified = %+v, want %+v", verified, identity)
	}
}

func TestRegisterValidation(t *testing.T) {
	tests := []struct {
		name     string
		email    string
		password string
	}{
		{"bad email", "not-an-email", "password123"},
		{"short password", "a@example.com", "short"},
		{"long password", "a@example.com", strings.Repeat("x", 73)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, _ := newProvider(t)
			_, err := p.Register(context.Background(), tt.email, tt.password)
			if apperrors.Classify(err) != apperrors.KindValidation {
				t.Errorf("Register = %v, want validation error", err)
			}
		})
	}
}

func TestRegisterDuplicateEmail(t *testing.T) {
	p, _ := newProvider(t)
	ctx := context.Background()

	if _, err := p.Register(ctx, "a@example.com", "password123"); err != nil {
		t.Fatalf("Register: %v", err)
	}
	_, err := p.Register(ctx, "A@EXAMPLE.COM", "password456")
	if apperrors.Classify(err) != apperrors.KindConflict {
		t.Errorf("duplicate Register = %v, want conflict", err)
	}
}

func TestLoginFailuresAreIndistinguishable(t *testing.T) {
	p, _ := newProvider(t)
	ctx := context.Background()
	if _, err := p.Register(ctx, "a@example.com", "password123"); err != nil {
		t.Fatalf("Register: %v", err)
	}

	_, _, wrongPassword := p.Login(ctx, "a@example.com", "password124")
	_, _, unknownEmail := p.Login(ctx, "b@example.com", "password123")
	for _, err := range []error{wrongPassword, unknownEmail} {
		if !apperrors.Is(err, apperrors.ErrInvalidCredentials) {
			t.Errorf("Login = %v, want ErrInvalidCredentials", err)
		}
	}
	if wrongPassword.Error() != unknownEmail.Error() {
		t.Errorf("messages differ: %q vs %q", wrongPassword, unknownEmail)
	}
}

func TestVerifyBearerTokenRejects(t *testing.T) {
	p, c := newProvider(t)
	identity := models.Identity{UserID: "u1", Email: "a@example.com"}

	valid, err := p.Issue(identity)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	other, _ := NewProvider(Config{Users: store.NewMemoryStore(), Secret: "another-secret-0123456789", BcryptCost: bcrypt.MinCost, Now: c.Now})
	foreign, _ := other.Issue(identity)

	none := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.MapClaims{"sub": "u1", "iss": issuer, "exp": c.t.Add(time.Hour).Unix()})
	unsigned, _ := none.SignedString(jwt.UnsafeAllowNoneSignatureType)

	noSubject, _ := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		RegisteredClaims: jwt.RegisteredClaims{Issuer: issuer, ExpiresAt: jwt.NewNumericDate(c.t.Add(time.Hour))},
	}).SignedString([]byte(testSecret))

	tests := []struct {
		name  string
		token string
	}{
		{"empty", ""},
		{"garbage", "not.a.jwt"},
		{"wrong key", foreign},
		{"alg none", unsigned},
		{"no subject", noSubject},
		{"tampered", valid[:len(valid)-2] + "xx"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := p.VerifyBearerToken(tt.token)
			if apperrors.Classify(err) != apperrors.KindUnauthenticated {
				t.Errorf("VerifyBearerToken = %v, want unauthenticated", err)
			}
		})
	}

	t.Run("expired", func(t *testing.T) {
		c.t = c.t.Add(DefaultTTL + time.Second)
		defer func() { c.t = c.t.Add(-DefaultTTL - time.Second) }()
		if _, err := p.VerifyBearerToken(valid); apperrors.Classify(err) != apperrors.KindUnauthenticated {
			t.Errorf("expired token accepted: %v", err)
		}
	})
}

func TestNewProviderRequiresSecret(t *testing.T) {
	_, err := NewProvider(Config{Secret: "short"})
	if !apperrors.Is(err, apperrors.ErrConfigInvalid) {
		t.Errorf("NewProvider = %v, want ErrConfigInvalid", err)
	}
}

// Property: any issued identity verifies back to itself until the token expires.
func TestProperty_IssueVerifyRoundTrip(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	p, c := newProvider(t)
	start := c.t

	properties.Property("verify(issue(id)) == id", prop.ForAll(
		func(userID, email string, elapsedMin int) bool {
			c.t = start
			token, err := p.Issue(models.Identity{UserID: userID, Email: email})
			if err != nil {
				return false
			}
			c.t = start.Add(time.Duration(elapsedMin) * time.Minute)
			got, err := p.VerifyBearerToken(token)
			return err == nil && got.UserID == userID && got.Email == email
		},
		gen.Identifier(),
		gen.AlphaString(),
		gen.IntRange(0, 24*60-1),
	))

	properties.TestingRun(t)
}
