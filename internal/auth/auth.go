// Package auth implements the admin gate: one-time password bootstrap, login,
// logout, password reset and token validation.
//
// Tokens are HS256 JWTs carrying the credential's token version. Resetting
// the password bumps the version, so every token issued before the reset
// stops validating at the same instant the new hash takes effect.
package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/patrickmn/go-cache"
	"golang.org/x/crypto/bcrypt"

	"github.com/tphummel/fleetwatch/internal/db"
	"github.com/tphummel/fleetwatch/internal/models"
)

const (
	issuer  = "fleetwatch"
	subject = "admin"

	// bcrypt ignores input past 72 bytes; longer passwords are rejected.
	maxPasswordBytes = 72
)

// CredentialStore persists the singleton admin credential.
type CredentialStore interface {
	GetCredential(ctx context.Context) (*db.AdminCredential, error)
	InsertCredential(ctx context.Context, passwordHash string, at time.Time) error
	RotateCredential(ctx context.Context, passwordHash string, at time.Time) (int64, error)
}

// Config controls token issuance.
type Config struct {
	// Secret is the HMAC key for signing tokens. Required.
	Secret []byte
	// TokenTTL is the lifetime of issued tokens. Defaults to 24h.
	TokenTTL time.Duration
	// BcryptCost defaults to bcrypt.DefaultCost.
	BcryptCost int
	// Now defaults to time.Now.
	Now    func() time.Time
	Logger *slog.Logger
}

// Token is an issued admin token.
type Token struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Claims are the JWT claims of an admin token.
type Claims struct {
	TokenVersion int64 `json:"token_version"`
	jwt.RegisteredClaims
}

// Gate holds the in-process view of the admin credential. All reads of the
// hash and token version go through mu so a reset is observed atomically.
type Gate struct {
	store  CredentialStore
	secret []byte
	ttl    time.Duration
	cost   int
	now    func() time.Time
	logger *slog.Logger

	// revoked holds logged-out token ids until their natural expiry.
	revoked *cache.Cache

	mu          sync.RWMutex
	initialized bool
	hash        string
	version     int64
}

// New loads the credential from store and returns a ready Gate.
func New(ctx context.Context, store CredentialStore, cfg Config) (*Gate, error) {
	if len(cfg.Secret) == 0 {
		return nil, errors.New("auth: secret is required")
	}
	g := &Gate{
		store:  store,
		secret: cfg.Secret,
		ttl:    cfg.TokenTTL,
		cost:   cfg.BcryptCost,
		now:    cfg.Now,
		logger: cfg.Logger,
	}
	if g.ttl <= 0 {
		g.ttl = 24 * time.Hour
	}
	if g.cost == 0 {
		g.cost = bcrypt.DefaultCost
	}
	if g.now == nil {
		g.now = time.Now
	}
	if g.logger == nil {
		g.logger = slog.Default()
	}
	g.revoked = cache.New(g.ttl, 10*time.Minute)

	c, err := store.GetCredential(ctx)
	switch {
	case errors.Is(err, models.ErrNotFound):
	case err != nil:
		return nil, fmt.Errorf("load admin credential: %w", err)
	default:
		g.initialized = true
		g.hash = c.PasswordHash
		g.version = c.TokenVersion
	}
	return g, nil
}

// Initialized reports whether the admin password has been set.
func (g *Gate) Initialized() bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.initialized
}

// Initialize sets the admin password exactly once and returns a token for
// the new admin.
func (g *Gate) Initialize(ctx context.Context, password string) (*Token, error) {
	if g.Initialized() {
		return nil, models.ErrAlreadyInitialized
	}
	hash, err := g.hashPassword(password)
	if err != nil {
		return nil, err
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if g.initialized {
		return nil, models.ErrAlreadyInitialized
	}
	if err := g.store.InsertCredential(ctx, hash, g.now()); err != nil {
		return nil, err
	}
	g.initialized = true
	g.hash = hash
	g.version = 1
	g.logger.Info("admin credential initialized")
	return g.issue(g.version)
}

// Login checks password and issues a token. Wrong passwords and an
// uninitialized gate both fail with models.ErrUnauthorized.
func (g *Gate) Login(ctx context.Context, password string) (*Token, error) {
	g.mu.RLock()
	initialized, hash, version := g.initialized, g.hash, g.version
	g.mu.RUnlock()

	if !initialized {
		return nil, fmt.Errorf("login: not initialized: %w", models.ErrUnauthorized)
	}
	if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)); err != nil {
		g.logger.Warn("admin login failed")
		return nil, fmt.Errorf("login: %w", models.ErrUnauthorized)
	}
	return g.issue(version)
}

// Validate returns the claims of a token that is well-formed, signed by this
// gate, unexpired, not logged out and bound to the current credential.
func (g *Gate) Validate(ctx context.Context, token string) (*Claims, error) {
	claims, err := g.parse(token)
	if err != nil {
		return nil, err
	}
	if _, revoked := g.revoked.Get(claims.ID); revoked {
		return nil, fmt.Errorf("token revoked: %w", models.ErrUnauthorized)
	}

	g.mu.RLock()
	defer g.mu.RUnlock()
	if !g.initialized || claims.TokenVersion != g.version {
		return nil, fmt.Errorf("token superseded: %w", models.ErrUnauthorized)
	}
	return claims, nil
}

// Logout revokes a single token.
func (g *Gate) Logout(ctx context.Context, token string) error {
	claims, err := g.Validate(ctx, token)
	if err != nil {
		return err
	}
	if remaining := claims.ExpiresAt.Sub(g.now()); remaining > 0 {
		g.revoked.Set(claims.ID, struct{}{}, remaining)
	}
	return nil
}

// ResetPassword replaces the admin password. The caller's token must be valid.
// Every previously issued token is invalidated, and a token for the new
// credential is returned.
func (g *Gate) ResetPassword(ctx context.Context, token, newPassword string) (*Token, error) {
	claims, err := g.Validate(ctx, token)
	if err != nil {
		return nil, err
	}
	hash, err := g.hashPassword(newPassword)
	if err != nil {
		return nil, err
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if claims.TokenVersion != g.version {
		return nil, fmt.Errorf("token superseded: %w", models.ErrUnauthorized)
	}
	version, err := g.store.RotateCredential(ctx, hash, g.now())
	if err != nil {
		return nil, err
	}
	g.hash = hash
	g.version = version
	g.logger.Info("admin password reset", "token_version", version)
	return g.issue(version)
}

func (g *Gate) hashPassword(password string) (string, error) {
	if password == "" {
		return "", fmt.Errorf("%w: password is required", models.ErrInvalidInput)
	}
	if len(password) > maxPasswordBytes {
		return "", fmt.Errorf("%w: password must be at most %d bytes", models.ErrInvalidInput, maxPasswordBytes)
	}
	b, err := bcrypt.GenerateFromPassword([]byte(password), g.cost)
	if err != nil {
		return "", fmt.Errorf("hash password: %w", err)
	}
	return string(b), nil
}

func (g *Gate) issue(version int64) (*Token, error) {
	now := g.now()
	expiresAt := now.Add(g.ttl)
	claims := &Claims{
		TokenVersion: version,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.New().String(),
			Issuer:    issuer,
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(g.secret)
	if err != nil {
		return nil, fmt.Errorf("sign token: %w", err)
	}
	return &Token{Token: signed, ExpiresAt: expiresAt.UTC()}, nil
}

func (g *Gate) parse(token string) (*Claims, error) {
	if token == "" {
		return nil, fmt.Errorf("token required: %w", models.ErrUnauthorized)
	}
	claims := &Claims{}
	_, err := jwt.ParseWithClaims(token, claims,
		func(*jwt.Token) (any, error) { return g.secret, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(issuer),
		jwt.WithSubject(subject),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(g.now),
	)
	if err != nil {
		return nil, fmt.Errorf("invalid token: %w: %w", models.ErrUnauthorized, err)
	}
	return claims, nil
}
