package auth_test

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"

	"github.com/tphummel/fleetwatch/internal/auth"
	"github.com/tphummel/fleetwatch/internal/db"
	"github.com/tphummel/fleetwatch/internal/models"
)

var testSecret = []byte("test-secret-key")

// clock is a settable time source.
type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestStore(t *testing.T) *db.DB {
	t.Helper()
	d, err := db.New(":memory:")
	if err != nil {
		t.Fatalf("db.New: %v", err)
	}
	t.Cleanup(func() { d.Close() })
	return d
}

func newTestGate(t *testing.T, store auth.CredentialStore) (*auth.Gate, *clock) {
	t.Helper()
	c := &clock{now: time.Now().Truncate(time.Second)}
	g, err := auth.New(context.Background(), store, auth.Config{
		Secret:     testSecret,
		TokenTTL:   time.Hour,
		BcryptCost: bcrypt.MinCost,
		Now:        c.Now,
		Logger:     slog.New(slog.NewJSONHandler(&bytes.Buffer{}, nil)),
	})
	if err != nil {
		t.Fatalf("auth.New: %v", err)
	}
	return g, c
}

func TestNew_RequiresSecret(t *testing.T) {
	_, err := auth.New(context.Background(), newTestStore(t), auth.Config{})
	if err == nil {
		t.Fatal("expected error without a secret")
	}
}

func TestInitialize_OnlyOnce(t *testing.T) {
	g, _ := newTestGate(t, newTestStore(t))
	ctx := context.Background()

	if g.Initialized() {
		t.Fatal("fresh gate should not be initialized")
	}
	tok, err := g.Initialize(ctx, "secret1")
	if err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	if tok.Token == "" {
		t.Error("Initialize should return a token")
	}
	if !g.Initialized() {
		t.Error("gate should report initialized")
	}

	if _, err := g.Initialize(ctx, "other"); !errors.Is(err, models.ErrAlreadyInitialized) {
		t.Errorf("second Initialize: expected ErrAlreadyInitialized, got %v", err)
	}
	if _, err := g.Login(ctx, "other"); !errors.Is(err, models.ErrUnauthorized) {
		t.Errorf("second password must not take effect, got %v", err)
	}
}

func TestInitialize_ConcurrentOnlyOneWins(t *testing.T) {
	g, _ := newTestGate(t, newTestStore(t))

	var wg sync.WaitGroup
	var mu sync.Mutex
	wins := 0
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := g.Initialize(context.Background(), "pw")
			if err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
			} else if !errors.Is(err, models.ErrAlreadyInitialized) {
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()
	if wins != 1 {
		t.Errorf("expected exactly one successful Initialize, got %d", wins)
	}
}

func TestInitialize_EmptyPassword(t *testing.T) {
	g, _ := newTestGate(t, newTestStore(t))
	if _, err := g.Initialize(context.Background(), ""); !errors.Is(err, models.ErrInvalidInput) {
		t.Errorf("expected ErrInvalidInput, got %v", err)
	}
	if g.Initialized() {
		t.Error("rejected Initialize must not transition the gate")
	}
}

func TestInitialize_PasswordTooLong(t *testing.T) {
	g, _ := newTestGate(t, newTestStore(t))
	_, err := g.Initialize(context.Background(), strings.Repeat("a", 73))
	if !errors.Is(err, models.ErrInvalidInput) {
		t.Errorf("expected ErrInvalidInput, got %v", err)
	}
}

func TestLogin(t *testing.T) {
	g, _ := newTestGate(t, newTestStore(t))
	ctx := context.Background()

	if _, err := g.Login(ctx, "secret1"); !errors.Is(err, models.ErrUnauthorized) {
		t.Fatalf("login before init: expected ErrUnauthorized, got %v", err)
	}
	if _, err := g.Initialize(ctx, "secret1"); err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	tok, err := g.Login(ctx, "secret1")
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	if _, err := g.Validate(ctx, tok.Token); err != nil {
		t.Errorf("Validate fresh token: %v", err)
	}

	if _, err := g.Login(ctx, "wrong"); !errors.Is(err, models.ErrUnauthorized) {
		t.Errorf("wrong password: expected ErrUnauthorized, got %v", err)
	}
}

func TestLogin_ConcurrentTokensAllValid(t *testing.T) {
	g, _ := newTestGate(t, newTestStore(t))
	ctx := context.Background()
	if _, err := g.Initialize(ctx, "pw"); err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	const n = 10
	tokens := make([]string, n)
	var wg sync.WaitGroup
	for i := range n {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			tok, err := g.Login(ctx, "pw")
			if err != nil {
				t.Errorf("Login: %v", err)
				return
			}
			tokens[i] = tok.Token
		}(i)
	}
	wg.Wait()

	seen := map[string]bool{}
	for _, tok := range tokens {
		if seen[tok] {
			t.Error("two logins produced the same token")
		}
		seen[tok] = true
		if _, err := g.Validate(ctx, tok); err != nil {
			t.Errorf("Validate: %v", err)
		}
	}
}

func TestValidate_Rejects(t *testing.T) {
	g, c := newTestGate(t, newTestStore(t))
	ctx := context.Background()
	tok, err := g.Initialize(ctx, "pw")
	if err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	otherSigned, _ := jwt.NewWithClaims(jwt.SigningMethodHS256, &auth.Claims{
		TokenVersion: 1,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    "fleetwatch",
			Subject:   "admin",
			ExpiresAt: jwt.NewNumericDate(c.Now().Add(time.Hour)),
		},
	}).SignedString([]byte("another-secret"))

	noneSigned, _ := jwt.NewWithClaims(jwt.SigningMethodNone, &auth.Claims{
		TokenVersion: 1,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    "fleetwatch",
			Subject:   "admin",
			ExpiresAt: jwt.NewNumericDate(c.Now().Add(time.Hour)),
		},
	}).SignedString(jwt.UnsafeAllowNoneSignatureType)

	noExpiry, _ := jwt.NewWithClaims(jwt.SigningMethodHS256, &auth.Claims{
		TokenVersion:     1,
		RegisteredClaims: jwt.RegisteredClaims{Issuer: "fleetwatch", Subject: "admin"},
	}).SignedString(testSecret)

	tests := []struct {
		name  string
		token string
	}{
		{"empty", ""},
		{"garbage", "not-a-jwt"},
		{"tampered", tok.Token + "x"},
		{"other secret", otherSigned},
		{"alg none", noneSigned},
		{"no expiry", noExpiry},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := g.Validate(ctx, tt.token); !errors.Is(err, models.ErrUnauthorized) {
				t.Errorf("expected ErrUnauthorized, got %v", err)
			}
		})
	}
}

func TestValidate_Expiry(t *testing.T) {
	g, c := newTestGate(t, newTestStore(t))
	ctx := context.Background()
	tok, err := g.Initialize(ctx, "pw")
	if err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	c.Advance(59 * time.Minute)
	if _, err := g.Validate(ctx, tok.Token); err != nil {
		t.Fatalf("before expiry: %v", err)
	}
	c.Advance(2 * time.Minute)
	if _, err := g.Validate(ctx, tok.Token); !errors.Is(err, models.ErrUnauthorized) {
		t.Errorf("after expiry: expected ErrUnauthorized, got %v", err)
	}
}

func TestLogout_RevokesOnlyThatToken(t *testing.T) {
	g, _ := newTestGate(t, newTestStore(t))
	ctx := context.Background()
	if _, err := g.Initialize(ctx, "pw"); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	a, _ := g.Login(ctx, "pw")
	b, _ := g.Login(ctx, "pw")

	if err := g.Logout(ctx, a.Token); err != nil {
		t.Fatalf("Logout: %v", err)
	}
	if _, err := g.Validate(ctx, a.Token); !errors.Is(err, models.ErrUnauthorized) {
		t.Errorf("logged-out token: expected ErrUnauthorized, got %v", err)
	}
	if _, err := g.Validate(ctx, b.Token); err != nil {
		t.Errorf("other token should stay valid: %v", err)
	}
	if err := g.Logout(ctx, a.Token); !errors.Is(err, models.ErrUnauthorized) {
		t.Errorf("repeated logout: expected ErrUnauthorized, got %v", err)
	}
}

func TestResetPassword_InvalidatesAllPriorTokens(t *testing.T) {
	g, _ := newTestGate(t, newTestStore(t))
	ctx := context.Background()
	t0, err := g.Initialize(ctx, "secret1")
	if err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	t1, _ := g.Login(ctx, "secret1")
	t2, _ := g.Login(ctx, "secret1")

	fresh, err := g.ResetPassword(ctx, t1.Token, "secret2")
	if err != nil {
		t.Fatalf("ResetPassword: %v", err)
	}

	for name, tok := range map[string]string{"init": t0.Token, "caller": t1.Token, "other": t2.Token} {
		if _, err := g.Validate(ctx, tok); !errors.Is(err, models.ErrUnauthorized) {
			t.Errorf("%s token after reset: expected ErrUnauthorized, got %v", name, err)
		}
	}
	if _, err := g.Validate(ctx, fresh.Token); err != nil {
		t.Errorf("token returned by reset should validate: %v", err)
	}

	if _, err := g.Login(ctx, "secret1"); !errors.Is(err, models.ErrUnauthorized) {
		t.Errorf("old password: expected ErrUnauthorized, got %v", err)
	}
	if _, err := g.Login(ctx, "secret2"); err != nil {
		t.Errorf("new password: %v", err)
	}
}

func TestResetPassword_RequiresValidToken(t *testing.T) {
	g, _ := newTestGate(t, newTestStore(t))
	ctx := context.Background()
	if _, err := g.Initialize(ctx, "pw"); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	if _, err := g.ResetPassword(ctx, "bogus", "new"); !errors.Is(err, models.ErrUnauthorized) {
		t.Errorf("expected ErrUnauthorized, got %v", err)
	}
	if _, err := g.Login(ctx, "pw"); err != nil {
		t.Errorf("password must be unchanged after a rejected reset: %v", err)
	}
}

func TestResetPassword_EmptyPassword(t *testing.T) {
	g, _ := newTestGate(t, newTestStore(t))
	ctx := context.Background()
	tok, _ := g.Initialize(ctx, "pw")
	if _, err := g.ResetPassword(ctx, tok.Token, ""); !errors.Is(err, models.ErrInvalidInput) {
		t.Errorf("expected ErrInvalidInput, got %v", err)
	}
	if _, err := g.Validate(ctx, tok.Token); err != nil {
		t.Errorf("rejected reset must not invalidate tokens: %v", err)
	}
}

func TestResetPassword_ConcurrentValidation(t *testing.T) {
	g, _ := newTestGate(t, newTestStore(t))
	ctx := context.Background()
	old, _ := g.Initialize(ctx, "pw")

	var fresh *auth.Token
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		var err error
		fresh, err = g.ResetPassword(ctx, old.Token, "pw2")
		if err != nil {
			t.Errorf("ResetPassword: %v", err)
		}
	}()
	// Old token may validate before the swap; never after it.
	for range 50 {
		g.Validate(ctx, old.Token) //nolint:errcheck
	}
	wg.Wait()

	if _, err := g.Validate(ctx, old.Token); !errors.Is(err, models.ErrUnauthorized) {
		t.Errorf("old token after reset: expected ErrUnauthorized, got %v", err)
	}
	if fresh != nil {
		if _, err := g.Validate(ctx, fresh.Token); err != nil {
			t.Errorf("new token: %v", err)
		}
	}
}

func TestNew_LoadsExistingCredential(t *testing.T) {
	store := newTestStore(t)
	g1, _ := newTestGate(t, store)
	ctx := context.Background()
	tok, err := g1.Initialize(ctx, "pw")
	if err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	// A restarted process with the same secret sees the stored credential.
	g2, _ := newTestGate(t, store)
	if !g2.Initialized() {
		t.Fatal("restarted gate should be initialized")
	}
	if _, err := g2.Validate(ctx, tok.Token); err != nil {
		t.Errorf("token from before restart: %v", err)
	}
	if _, err := g2.Login(ctx, "pw"); err != nil {
		t.Errorf("Login after restart: %v", err)
	}
}
