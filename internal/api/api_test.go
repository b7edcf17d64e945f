package api

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gofiber/fiber/v3"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/murmel-chat/murmel-server/internal/apierr"
	"github.com/murmel-chat/murmel-server/internal/auth"
	"github.com/murmel-chat/murmel-server/internal/channel"
	"github.com/murmel-chat/murmel-server/internal/role"
	"github.com/murmel-chat/murmel-server/internal/sqlite"
	"github.com/murmel-chat/murmel-server/internal/user"
	"github.com/murmel-chat/murmel-server/internal/writeq"
)

// testEnv wires handlers against a real temp-file database and miniredis so handler tests cover the full
// middleware-to-repository path. Each test registers only the routes it exercises.
type testEnv struct {
	app      *fiber.App
	db       *sql.DB
	mr       *miniredis.Miniredis
	rdb      *redis.Client
	writes   *writeq.Queue
	users    *user.Repository
	roles    *role.Repository
	engine   *role.Engine
	channels *channel.Repository
	web      *auth.WebSessionStore
	mw       *auth.Middleware
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	dbPath := filepath.Join(t.TempDir(), "murmel.db")
	db, err := sqlite.Connect(context.Background(), dbPath)
	if err != nil {
		t.Fatalf("Connect() error: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	if err := sqlite.Migrate(db); err != nil {
		t.Fatalf("Migrate() error: %v", err)
	}

	q := writeq.New(zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = q.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	users := user.NewRepository(db, q)
	roles := role.NewRepository(db, q)
	channels := channel.NewRepository(db, q)
	engine := role.NewEngine(roles, channels, zerolog.Nop())
	if err := roles.Seed(context.Background()); err != nil {
		t.Fatalf("Seed() error: %v", err)
	}

	web := auth.NewWebSessionStore(rdb, time.Hour)
	sessions := auth.NewClientSessionStore(db, q)
	nonces := auth.NewNonceStore(rdb, time.Minute)
	mw := auth.NewMiddleware(sessions, web, nonces, 5*time.Minute, zerolog.Nop())

	return &testEnv{
		app:      fiber.New(),
		db:       db,
		mr:       mr,
		rdb:      rdb,
		writes:   q,
		users:    users,
		roles:    roles,
		engine:   engine,
		channels: channels,
		web:      web,
		mw:       mw,
	}
}

// createUser seeds a verified account holding the standard User role and returns its id.
func (e *testEnv) createUser(t *testing.T, email string) uuid.UUID {
	t.Helper()
	ctx := context.Background()

	u, err := e.users.Create(ctx, email)
	if err != nil {
		t.Fatalf("Create(%s) error: %v", email, err)
	}
	if err := e.users.SetVerified(ctx, u.ID); err != nil {
		t.Fatalf("SetVerified() error: %v", err)
	}
	if err := e.engine.EnsureServerRole(ctx, u.ID, role.NameUser); err != nil {
		t.Fatalf("EnsureServerRole() error: %v", err)
	}
	return u.ID
}

// signIn mints a browser session for the user and returns the cookie that authenticates requests.
func (e *testEnv) signIn(t *testing.T, userID uuid.UUID, email string) *http.Cookie {
	t.Helper()

	session, err := e.web.Create(context.Background())
	if err != nil {
		t.Fatalf("Create session error: %v", err)
	}
	session.UserID = userID.String()
	session.Email = email
	if err := e.web.Save(context.Background(), session); err != nil {
		t.Fatalf("Save session error: %v", err)
	}
	return &http.Cookie{Name: auth.SessionCookie, Value: session.ID}
}

// do issues a request against the test app. A nil cookie sends the request unauthenticated.
func (e *testEnv) do(t *testing.T, method, path string, cookie *http.Cookie, body any) *http.Response {
	t.Helper()

	var rd io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		rd = bytes.NewReader(buf)
	}
	req := httptest.NewRequest(method, path, rd)
	if body != nil {
		req.Header.Set(fiber.HeaderContentType, fiber.MIMEApplicationJSON)
	}
	if cookie != nil {
		req.AddCookie(cookie)
	}

	resp, err := e.app.Test(req, fiber.TestConfig{Timeout: 10 * time.Second, FailOnTimeout: true})
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	return resp
}

// decodeBody unmarshals the response body into out.
func decodeBody(t *testing.T, resp *http.Response, out any) {
	t.Helper()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		t.Fatalf("unmarshal body %q: %v", raw, err)
	}
}

// errorEnvelope mirrors the JSON error envelope for assertions.
type errorEnvelope struct {
	Error struct {
		Code    apierr.Code `json:"code"`
		Message string      `json:"message"`
	} `json:"error"`
}

// wantError asserts the response carries the given status and error code.
func wantError(t *testing.T, resp *http.Response, status int, code apierr.Code) {
	t.Helper()

	if resp.StatusCode != status {
		t.Fatalf("status = %d, want %d", resp.StatusCode, status)
	}
	var env errorEnvelope
	decodeBody(t, resp, &env)
	if env.Error.Code != code {
		t.Errorf("error code = %q, want %q", env.Error.Code, code)
	}
}
