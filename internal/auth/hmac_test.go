package auth

import (
	"bytes"
	"context"
	"errors"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

func TestCanonicalRequest(t *testing.T) {
	t.Parallel()

	got := CanonicalRequest("post", "/items", "2026-01-02T15:04:05Z", "n1", []byte(`{"a":1}`))
	want := `POST|/items|2026-01-02T15:04:05Z|n1|{"a":1}`
	if got != want {
		t.Errorf("CanonicalRequest() = %q, want %q", got, want)
	}
}

func TestSignAndVerify(t *testing.T) {
	t.Parallel()

	secret := "0123456789abcdef0123456789abcdef"
	body := []byte(`{"x":true}`)
	ts := "2026-01-02T15:04:05Z"

	sig := SignRequest(secret, "POST", "/items", ts, "n1", body)
	if len(sig) != 64 {
		t.Fatalf("signature length = %d, want 64 hex chars", len(sig))
	}
	if !VerifySignature(secret, "POST", "/items", ts, "n1", body, sig) {
		t.Error("VerifySignature() rejected a valid signature")
	}
	if VerifySignature(secret, "POST", "/items", ts, "n2", body, sig) {
		t.Error("VerifySignature() accepted a signature for a different nonce")
	}
	if VerifySignature("other", "POST", "/items", ts, "n1", body, sig) {
		t.Error("VerifySignature() accepted a signature under a different secret")
	}
}

func TestCheckTimestamp(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 1, 2, 15, 0, 0, 0, time.UTC)
	skew := 5 * time.Minute

	tests := []struct {
		name    string
		ts      string
		wantErr bool
	}{
		{name: "exact", ts: "2026-01-02T15:00:00Z"},
		{name: "within skew past", ts: "2026-01-02T14:56:00Z"},
		{name: "within skew future", ts: "2026-01-02T15:04:00Z"},
		{name: "too old", ts: "2026-01-02T14:54:00Z", wantErr: true},
		{name: "too far ahead", ts: "2026-01-02T15:06:00Z", wantErr: true},
		{name: "not a timestamp", ts: "yesterday", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			err := CheckTimestamp(tt.ts, skew, now)
			if tt.wantErr && !errors.Is(err, ErrStaleTimestamp) {
				t.Fatalf("CheckTimestamp(%q) error = %v, want ErrStaleTimestamp", tt.ts, err)
			}
			if !tt.wantErr && err != nil {
				t.Fatalf("CheckTimestamp(%q) error: %v", tt.ts, err)
			}
		})
	}
}

func TestNonceStore(t *testing.T) {
	t.Parallel()

	mr, rdb := testRedis(t)
	store := NewNonceStore(rdb, time.Minute)
	ctx := context.Background()
	clientID := uuid.New()

	if err := store.Remember(ctx, clientID, "n1"); err != nil {
		t.Fatalf("Remember() error: %v", err)
	}
	if err := store.Remember(ctx, clientID, "n1"); !errors.Is(err, ErrNonceReused) {
		t.Fatalf("Remember(repeat) error = %v, want ErrNonceReused", err)
	}
	// The same nonce from another client is fine.
	if err := store.Remember(ctx, uuid.New(), "n1"); err != nil {
		t.Fatalf("Remember(other client) error: %v", err)
	}

	if err := store.Remember(ctx, clientID, ""); !errors.Is(err, ErrNonceTooLong) {
		t.Fatalf("Remember(empty) error = %v, want ErrNonceTooLong", err)
	}
	long := bytes.Repeat([]byte("a"), maxNonceLength+1)
	if err := store.Remember(ctx, clientID, string(long)); !errors.Is(err, ErrNonceTooLong) {
		t.Fatalf("Remember(long) error = %v, want ErrNonceTooLong", err)
	}

	// After the window lapses the nonce may be used again.
	mr.FastForward(2 * time.Minute)
	if err := store.Remember(ctx, clientID, "n1"); err != nil {
		t.Fatalf("Remember(after window) error: %v", err)
	}
}

// newTestMiddleware wires a middleware over real stores and returns it with the session store and a seeded client.
func newTestMiddleware(t *testing.T) (*Middleware, *ClientSessionStore, uuid.UUID, uuid.UUID) {
	t.Helper()

	db, q := testDB(t)
	_, rdb := testRedis(t)
	sessions := NewClientSessionStore(db, q)
	web := NewWebSessionStore(rdb, time.Hour)
	nonces := NewNonceStore(rdb, 5*time.Minute)
	clientID, userID := seedClient(t, db, q)
	return NewMiddleware(sessions, web, nonces, 5*time.Minute, zerolog.Nop()), sessions, clientID, userID
}

func TestRequireNative(t *testing.T) {
	t.Parallel()

	mw, sessions, clientID, userID := newTestMiddleware(t)

	secret := "a-test-session-secret"
	now := time.Now()
	err := sessions.Put(context.Background(), ClientSession{
		ClientID:      clientID,
		UserID:        userID,
		DeviceID:      3,
		SessionSecret: secret,
		ExpiresAt:     now.Add(time.Hour),
		LastUsed:      now,
		CreatedAt:     now,
	})
	if err != nil {
		t.Fatalf("Put() error: %v", err)
	}

	app := fiber.New()
	app.Post("/ping", mw.RequireNative(), func(c fiber.Ctx) error {
		ac := FromContext(c)
		if ac.Kind != KindHMAC || ac.UserID != userID || ac.DeviceID != 3 {
			t.Errorf("AuthContext = %+v, want HMAC for user %s device 3", ac, userID)
		}
		return c.SendStatus(fiber.StatusOK)
	})

	sign := func(nonce string, body []byte) (string, string) {
		ts := time.Now().UTC().Format(time.RFC3339)
		return ts, SignRequest(secret, "POST", "/ping", ts, nonce, body)
	}

	body := []byte(`{"hello":"world"}`)
	ts, sig := sign("nonce-1", body)
	req := httptest.NewRequest("POST", "/ping", bytes.NewReader(body))
	req.Header.Set(HeaderClientID, clientID.String())
	req.Header.Set(HeaderTimestamp, ts)
	req.Header.Set(HeaderNonce, "nonce-1")
	req.Header.Set(HeaderSignature, sig)

	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("Test() error: %v", err)
	}
	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("signed request status = %d, want 200", resp.StatusCode)
	}

	// A tampered body fails signature verification.
	ts, sig = sign("nonce-2", body)
	req = httptest.NewRequest("POST", "/ping", bytes.NewReader([]byte(`{"hello":"tampered"}`)))
	req.Header.Set(HeaderClientID, clientID.String())
	req.Header.Set(HeaderTimestamp, ts)
	req.Header.Set(HeaderNonce, "nonce-2")
	req.Header.Set(HeaderSignature, sig)
	resp, err = app.Test(req)
	if err != nil {
		t.Fatalf("Test() error: %v", err)
	}
	if resp.StatusCode != fiber.StatusUnauthorized {
		t.Fatalf("tampered request status = %d, want 401", resp.StatusCode)
	}

	// An unknown client id is rejected outright.
	req = httptest.NewRequest("POST", "/ping", bytes.NewReader(body))
	req.Header.Set(HeaderClientID, uuid.NewString())
	req.Header.Set(HeaderTimestamp, ts)
	req.Header.Set(HeaderNonce, "nonce-3")
	req.Header.Set(HeaderSignature, sig)
	resp, err = app.Test(req)
	if err != nil {
		t.Fatalf("Test() error: %v", err)
	}
	if resp.StatusCode != fiber.StatusUnauthorized {
		t.Fatalf("unknown client status = %d, want 401", resp.StatusCode)
	}
}

func TestRequireNativeNonceReplayDestroysSession(t *testing.T) {
	t.Parallel()

	mw, sessions, clientID, userID := newTestMiddleware(t)

	secret := "replayed-session-secret"
	now := time.Now()
	err := sessions.Put(context.Background(), ClientSession{
		ClientID:      clientID,
		UserID:        userID,
		DeviceID:      1,
		SessionSecret: secret,
		ExpiresAt:     now.Add(time.Hour),
		LastUsed:      now,
		CreatedAt:     now,
	})
	if err != nil {
		t.Fatalf("Put() error: %v", err)
	}

	app := fiber.New()
	app.Get("/ping", mw.RequireNative(), func(c fiber.Ctx) error {
		return c.SendStatus(fiber.StatusOK)
	})

	send := func(nonce, ts, sig string) int {
		req := httptest.NewRequest("GET", "/ping", nil)
		req.Header.Set(HeaderClientID, clientID.String())
		req.Header.Set(HeaderTimestamp, ts)
		req.Header.Set(HeaderNonce, nonce)
		req.Header.Set(HeaderSignature, sig)
		resp, err := app.Test(req)
		if err != nil {
			t.Fatalf("Test() error: %v", err)
		}
		return resp.StatusCode
	}

	ts := time.Now().UTC().Format(time.RFC3339)
	sig := SignRequest(secret, "GET", "/ping", ts, "n1", nil)
	if status := send("n1", ts, sig); status != fiber.StatusOK {
		t.Fatalf("signed request status = %d, want 200", status)
	}
	if status := send("n1", ts, sig); status != fiber.StatusUnauthorized {
		t.Fatalf("replayed request status = %d, want 401", status)
	}

	// Nonce reuse is a security event: the whole session is invalidated, not just the one request.
	if _, err := sessions.Get(context.Background(), clientID); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("Get() after replay error = %v, want ErrSessionNotFound", err)
	}

	// Even a correctly signed request with a fresh nonce is rejected from now on.
	ts = time.Now().UTC().Format(time.RFC3339)
	sig = SignRequest(secret, "GET", "/ping", ts, "n2", nil)
	if status := send("n2", ts, sig); status != fiber.StatusUnauthorized {
		t.Fatalf("fresh request after replay status = %d, want 401", status)
	}
}

func TestRequireNativeExpiredSession(t *testing.T) {
	t.Parallel()

	mw, sessions, clientID, userID := newTestMiddleware(t)

	secret := "expired-session-secret"
	now := time.Now()
	err := sessions.Put(context.Background(), ClientSession{
		ClientID:      clientID,
		UserID:        userID,
		DeviceID:      1,
		SessionSecret: secret,
		ExpiresAt:     now.Add(-time.Minute),
		LastUsed:      now,
		CreatedAt:     now,
	})
	if err != nil {
		t.Fatalf("Put() error: %v", err)
	}

	app := fiber.New()
	app.Get("/ping", mw.RequireNative(), func(c fiber.Ctx) error {
		return c.SendStatus(fiber.StatusOK)
	})

	ts := time.Now().UTC().Format(time.RFC3339)
	sig := SignRequest(secret, "GET", "/ping", ts, "n1", nil)
	req := httptest.NewRequest("GET", "/ping", nil)
	req.Header.Set(HeaderClientID, clientID.String())
	req.Header.Set(HeaderTimestamp, ts)
	req.Header.Set(HeaderNonce, "n1")
	req.Header.Set(HeaderSignature, sig)

	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("Test() error: %v", err)
	}
	if resp.StatusCode != fiber.StatusUnauthorized {
		t.Fatalf("expired session status = %d, want 401", resp.StatusCode)
	}
}
