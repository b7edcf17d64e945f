package api

import (
	"net/http"
	"testing"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/murmel-chat/murmel-server/internal/abuse"
	"github.com/murmel-chat/murmel-server/internal/apierr"
)

func newAbuseApp(t *testing.T) *testEnv {
	t.Helper()

	e := newTestEnv(t)
	repo := abuse.NewRepository(e.db, e.writes, e.rdb, zerolog.Nop())
	h := NewAbuseHandler(repo, e.users, zerolog.Nop())

	e.app.Post("/block", e.mw.RequireAny(), h.Block)
	e.app.Post("/unblock", e.mw.RequireAny(), h.Unblock)
	e.app.Get("/blocked", e.mw.RequireAny(), h.ListBlocked)
	e.app.Post("/report", e.mw.RequireAny(), h.Report)
	return e
}

func TestBlockRequiresAuth(t *testing.T) {
	t.Parallel()

	e := newAbuseApp(t)
	resp := e.do(t, http.MethodPost, "/block", nil, map[string]string{"userId": uuid.NewString()})
	wantError(t, resp, http.StatusUnauthorized, apierr.Unauthorized)
}

func TestBlockAndList(t *testing.T) {
	t.Parallel()

	e := newAbuseApp(t)
	alice := e.createUser(t, "alice@example.com")
	bob := e.createUser(t, "bob@example.com")
	cookie := e.signIn(t, alice, "alice@example.com")

	resp := e.do(t, http.MethodPost, "/block", cookie, map[string]string{"userId": bob.String()})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("block status = %d, want 200", resp.StatusCode)
	}

	// Blocking twice is a no-op, not an error.
	resp = e.do(t, http.MethodPost, "/block", cookie, map[string]string{"userId": bob.String()})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("block again status = %d, want 200", resp.StatusCode)
	}

	resp = e.do(t, http.MethodGet, "/blocked", cookie, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("blocked status = %d, want 200", resp.StatusCode)
	}
	var body struct {
		Data struct {
			Blocked []string `json:"blocked"`
		} `json:"data"`
	}
	decodeBody(t, resp, &body)
	if len(body.Data.Blocked) != 1 || body.Data.Blocked[0] != bob.String() {
		t.Errorf("blocked = %v, want [%s]", body.Data.Blocked, bob)
	}
}

func TestBlockSelfRejected(t *testing.T) {
	t.Parallel()

	e := newAbuseApp(t)
	alice := e.createUser(t, "alice@example.com")
	cookie := e.signIn(t, alice, "alice@example.com")

	resp := e.do(t, http.MethodPost, "/block", cookie, map[string]string{"userId": alice.String()})
	wantError(t, resp, http.StatusBadRequest, apierr.ValidationError)
}

func TestBlockRejectsBadUUID(t *testing.T) {
	t.Parallel()

	e := newAbuseApp(t)
	alice := e.createUser(t, "alice@example.com")
	cookie := e.signIn(t, alice, "alice@example.com")

	resp := e.do(t, http.MethodPost, "/block", cookie, map[string]string{"userId": "not-a-uuid"})
	wantError(t, resp, http.StatusBadRequest, apierr.ValidationError)
}

func TestUnblockRemovesBlock(t *testing.T) {
	t.Parallel()

	e := newAbuseApp(t)
	alice := e.createUser(t, "alice@example.com")
	bob := e.createUser(t, "bob@example.com")
	cookie := e.signIn(t, alice, "alice@example.com")

	resp := e.do(t, http.MethodPost, "/block", cookie, map[string]string{"userId": bob.String()})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("block status = %d, want 200", resp.StatusCode)
	}
	resp = e.do(t, http.MethodPost, "/unblock", cookie, map[string]string{"userId": bob.String()})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("unblock status = %d, want 200", resp.StatusCode)
	}

	resp = e.do(t, http.MethodGet, "/blocked", cookie, nil)
	var body struct {
		Data struct {
			Blocked []string `json:"blocked"`
		} `json:"data"`
	}
	decodeBody(t, resp, &body)
	if len(body.Data.Blocked) != 0 {
		t.Errorf("blocked = %v, want empty after unblock", body.Data.Blocked)
	}
}

func TestReportCreated(t *testing.T) {
	t.Parallel()

	e := newAbuseApp(t)
	alice := e.createUser(t, "alice@example.com")
	bob := e.createUser(t, "bob@example.com")
	cookie := e.signIn(t, alice, "alice@example.com")

	resp := e.do(t, http.MethodPost, "/report", cookie, map[string]any{
		"userId":      bob.String(),
		"description": "spamming invite links",
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("report status = %d, want 201", resp.StatusCode)
	}
}

func TestReportUnknownUser(t *testing.T) {
	t.Parallel()

	e := newAbuseApp(t)
	alice := e.createUser(t, "alice@example.com")
	cookie := e.signIn(t, alice, "alice@example.com")

	resp := e.do(t, http.MethodPost, "/report", cookie, map[string]any{
		"userId":      uuid.NewString(),
		"description": "does not matter",
	})
	wantError(t, resp, http.StatusNotFound, apierr.NotFound)
}
