// Package auth implements the single-user session gate for onPulse.
//
// Login is two-step: a password check against the stored bcrypt hash
// issues a six-digit verification code, and the code is exchanged for a
// signed session credential. Every issued credential is tracked by its JWT
// ID so it can be revoked before it expires.
package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/onllm-dev/onpulse/internal/metrics"
	"github.com/onllm-dev/onpulse/internal/store"
)

var (
	ErrInvalidCredential = errors.New("auth: invalid credential")
	ErrExpiredCredential = errors.New("auth: credential expired")
	ErrEmailNotAllowed   = errors.New("auth: email not allowed")
	ErrInvalidPassword   = errors.New("auth: invalid email or password")
	ErrInvalidCode       = errors.New("auth: invalid verification code")
	ErrCodeExpired       = errors.New("auth: verification code expired")
	ErrTooManyAttempts   = errors.New("auth: too many verification attempts")
	ErrInvalidState      = errors.New("auth: invalid oauth state")
	ErrDelivery          = errors.New("auth: failed to deliver verification code")
)

// Credential purposes recorded alongside each JWT ID.
const (
	PurposeSession       = "session"
	PurposeOAuthComplete = "oauth_complete"
)

const (
	CodeTTL         = 10 * time.Minute
	StateTTL        = 10 * time.Minute
	CompletionTTL   = 5 * time.Minute
	MaxCodeAttempts = 5

	issuer = "onpulse"
)

// Mailer delivers a verification code message.
type Mailer interface {
	Send(to, subject, body string) error
}

// Principal is the authenticated user behind a credential.
type Principal struct {
	Email     string    `json:"email"`
	ID        string    `json:"-"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// Config holds the gate settings.
type Config struct {
	Secret        string
	SessionTTL    time.Duration
	AllowedEmail  string
	AdminPassword string
}

type claims struct {
	Purpose string `json:"purpose"`
	jwt.RegisteredClaims
}

// Gate issues and verifies credentials for the allowed user.
type Gate struct {
	store      *store.Store
	secret     []byte
	sessionTTL time.Duration
	allowed    string
	mailer     Mailer
	logger     *slog.Logger
	now        func() time.Time
}

// NewGate creates a Gate. When the allowed user has no stored password and
// AdminPassword is set, the user is seeded with its bcrypt hash. An existing
// stored hash always wins.
func NewGate(s *store.Store, cfg Config, mailer Mailer, logger *slog.Logger) (*Gate, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Secret == "" {
		return nil, fmt.Errorf("auth.NewGate: signing secret is required")
	}
	if cfg.AllowedEmail == "" {
		return nil, fmt.Errorf("auth.NewGate: allowed email is required")
	}
	if cfg.SessionTTL <= 0 {
		cfg.SessionTTL = 24 * time.Hour
	}

	g := &Gate{
		store:      s,
		secret:     []byte(cfg.Secret),
		sessionTTL: cfg.SessionTTL,
		allowed:    normalizeEmail(cfg.AllowedEmail),
		mailer:     mailer,
		logger:     logger,
		now:        time.Now,
	}
	if err := g.seedUser(cfg.AdminPassword); err != nil {
		return nil, err
	}
	return g, nil
}

// SetClock overrides the time source. Used by tests.
func (g *Gate) SetClock(now func() time.Time) {
	g.now = now
}

// AllowedEmail returns the single principal permitted to log in.
func (g *Gate) AllowedEmail() string {
	return g.allowed
}

func (g *Gate) seedUser(password string) error {
	hash, err := g.store.GetUser(g.allowed)
	if err != nil {
		return fmt.Errorf("auth.NewGate: %w", err)
	}
	if hash != "" {
		return nil
	}
	if password == "" {
		g.logger.Warn("no password stored for allowed user; set ONPULSE_ADMIN_PASS to enable login", "email", g.allowed)
		return nil
	}
	return g.SetPassword(password)
}

// SetPassword stores a new bcrypt hash for the allowed user.
func (g *Gate) SetPassword(password string) error {
	hashed, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("auth.SetPassword: %w", err)
	}
	if err := g.store.UpsertUser(g.allowed, string(hashed)); err != nil {
		return fmt.Errorf("auth.SetPassword: %w", err)
	}
	return nil
}

// Login checks the password and issues a verification code. The code is
// mailed when a Mailer is configured and logged otherwise.
func (g *Gate) Login(email, password string) error {
	email = normalizeEmail(email)
	if email != g.allowed {
		metrics.LoginAttemptsTotal.WithLabelValues("password", "forbidden").Inc()
		return ErrEmailNotAllowed
	}

	hash, err := g.store.GetUser(email)
	if err != nil {
		return fmt.Errorf("auth.Login: %w", err)
	}
	if hash == "" || bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) != nil {
		metrics.LoginAttemptsTotal.WithLabelValues("password", "failure").Inc()
		return ErrInvalidPassword
	}

	code, err := generateCode()
	if err != nil {
		return fmt.Errorf("auth.Login: %w", err)
	}
	if err := g.store.SaveTwoFactorCode(email, hashCode(code), g.now().Add(CodeTTL)); err != nil {
		return fmt.Errorf("auth.Login: %w", err)
	}
	metrics.LoginAttemptsTotal.WithLabelValues("password", "success").Inc()

	if g.mailer == nil {
		g.logger.Warn("SMTP not configured; verification code written to log", "email", email, "code", code)
		return nil
	}
	body := fmt.Sprintf("Your onPulse verification code is %s.\r\n\r\nIt expires in %d minutes.\r\n", code, int(CodeTTL.Minutes()))
	if err := g.mailer.Send(email, "onPulse verification code", body); err != nil {
		g.logger.Error("failed to send verification code", "error", err)
		return ErrDelivery
	}
	return nil
}

// VerifyTwoFactor exchanges a valid verification code for a session credential.
func (g *Gate) VerifyTwoFactor(email, code string) (string, Principal, error) {
	email = normalizeEmail(email)
	if email != g.allowed {
		metrics.LoginAttemptsTotal.WithLabelValues("2fa", "forbidden").Inc()
		return "", Principal{}, ErrEmailNotAllowed
	}

	pending, err := g.store.GetTwoFactorCode(email)
	if err != nil {
		return "", Principal{}, fmt.Errorf("auth.VerifyTwoFactor: %w", err)
	}
	if pending == nil {
		metrics.LoginAttemptsTotal.WithLabelValues("2fa", "failure").Inc()
		return "", Principal{}, ErrInvalidCode
	}
	if g.now().After(pending.ExpiresAt) {
		g.discardCode(email)
		metrics.LoginAttemptsTotal.WithLabelValues("2fa", "expired").Inc()
		return "", Principal{}, ErrCodeExpired
	}
	claimed, err := g.store.ClaimTwoFactorAttempt(email, MaxCodeAttempts)
	if err != nil {
		return "", Principal{}, fmt.Errorf("auth.VerifyTwoFactor: %w", err)
	}
	if !claimed {
		g.discardCode(email)
		metrics.LoginAttemptsTotal.WithLabelValues("2fa", "locked").Inc()
		return "", Principal{}, ErrTooManyAttempts
	}
	if subtle.ConstantTimeCompare([]byte(hashCode(strings.TrimSpace(code))), []byte(pending.CodeHash)) != 1 {
		metrics.LoginAttemptsTotal.WithLabelValues("2fa", "failure").Inc()
		return "", Principal{}, ErrInvalidCode
	}

	if err := g.store.DeleteTwoFactorCode(email); err != nil {
		return "", Principal{}, fmt.Errorf("auth.VerifyTwoFactor: %w", err)
	}
	metrics.LoginAttemptsTotal.WithLabelValues("2fa", "success").Inc()
	return g.issue(email, PurposeSession, g.sessionTTL)
}

func (g *Gate) discardCode(email string) {
	if err := g.store.DeleteTwoFactorCode(email); err != nil {
		g.logger.Error("failed to discard verification code", "error", err)
	}
}

// Verify validates a session credential and returns its principal.
func (g *Gate) Verify(token string) (Principal, error) {
	c, err := g.parse(token, PurposeSession)
	if err != nil {
		return Principal{}, err
	}
	return principalFrom(c), nil
}

// Logout revokes a session credential.
func (g *Gate) Logout(token string) error {
	c, err := g.parse(token, PurposeSession)
	if err != nil {
		return err
	}
	if err := g.store.DeleteAuthToken(c.ID); err != nil {
		return fmt.Errorf("auth.Logout: %w", err)
	}
	return nil
}

// IssueOAuthState records a one-time authorization state for subject.
func (g *Gate) IssueOAuthState(subject string) (string, error) {
	state := uuid.NewString()
	if err := g.store.SaveOAuthState(state, subject, g.now().Add(StateTTL)); err != nil {
		return "", fmt.Errorf("auth.IssueOAuthState: %w", err)
	}
	return state, nil
}

// ConsumeOAuthState validates and removes a state, returning its subject.
func (g *Gate) ConsumeOAuthState(state string) (string, error) {
	if state == "" {
		return "", ErrInvalidState
	}
	subject, expiresAt, found, err := g.store.ConsumeOAuthState(state)
	if err != nil {
		return "", fmt.Errorf("auth.ConsumeOAuthState: %w", err)
	}
	if !found || g.now().After(expiresAt) {
		return "", ErrInvalidState
	}
	return subject, nil
}

// IssueCompletion issues the short-lived one-time credential handed to the
// client after a successful OAuth callback.
func (g *Gate) IssueCompletion(subject string) (string, error) {
	token, _, err := g.issue(normalizeEmail(subject), PurposeOAuthComplete, CompletionTTL)
	return token, err
}

// ExchangeCompletion consumes a completion credential and issues a session.
func (g *Gate) ExchangeCompletion(token string) (string, Principal, error) {
	c, err := g.parse(token, PurposeOAuthComplete)
	if err != nil {
		return "", Principal{}, err
	}
	ok, err := g.store.ConsumeAuthToken(c.ID)
	if err != nil {
		return "", Principal{}, fmt.Errorf("auth.ExchangeCompletion: %w", err)
	}
	if !ok {
		return "", Principal{}, ErrInvalidCredential
	}
	return g.issue(c.Subject, PurposeSession, g.sessionTTL)
}

func (g *Gate) issue(subject, purpose string, ttl time.Duration) (string, Principal, error) {
	now := g.now()
	expiresAt := now.Add(ttl)
	id := uuid.NewString()

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims{
		Purpose: purpose,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuer,
			Subject:   subject,
			ID:        id,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	})
	signed, err := token.SignedString(g.secret)
	if err != nil {
		return "", Principal{}, fmt.Errorf("auth.issue: %w", err)
	}
	if err := g.store.SaveAuthToken(id, purpose, expiresAt); err != nil {
		return "", Principal{}, fmt.Errorf("auth.issue: %w", err)
	}
	return signed, Principal{Email: subject, ID: id, ExpiresAt: expiresAt.Truncate(time.Second)}, nil
}

func (g *Gate) parse(token, purpose string) (*claims, error) {
	if token == "" {
		return nil, ErrInvalidCredential
	}
	c := &claims{}
	_, err := jwt.ParseWithClaims(token, c,
		func(*jwt.Token) (any, error) { return g.secret, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(g.now),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpiredCredential
		}
		return nil, ErrInvalidCredential
	}
	if c.Purpose != purpose || c.ID == "" || normalizeEmail(c.Subject) != g.allowed {
		return nil, ErrInvalidCredential
	}

	tracked, err := g.store.GetAuthToken(c.ID)
	if err != nil {
		return nil, fmt.Errorf("auth.parse: %w", err)
	}
	if tracked == nil || tracked.Purpose != purpose {
		return nil, ErrInvalidCredential
	}
	return c, nil
}

func principalFrom(c *claims) Principal {
	p := Principal{Email: c.Subject, ID: c.ID}
	if c.ExpiresAt != nil {
		p.ExpiresAt = c.ExpiresAt.Time
	}
	return p
}

// generateCode returns a uniformly random six-digit code.
func generateCode() (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(1_000_000))
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%06d", n.Int64()), nil
}

func hashCode(code string) string {
	sum := sha256.Sum256([]byte(code))
	return hex.EncodeToString(sum[:])
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
