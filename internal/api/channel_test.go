package api

import (
	"context"
	"net/http"
	"testing"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/murmel-chat/murmel-server/internal/apierr"
)

func newChannelApp(t *testing.T) *testEnv {
	t.Helper()

	e := newTestEnv(t)
	h := NewChannelHandler(e.channels, e.engine, zerolog.Nop())

	e.app.Get("/channels", e.mw.RequireAny(), h.List)
	e.app.Post("/channels", e.mw.RequireAny(), h.Create)
	e.app.Get("/channels/:id", e.mw.RequireAny(), h.Get)
	e.app.Patch("/channels/:id", e.mw.RequireAny(), h.Update)
	e.app.Delete("/channels/:id", e.mw.RequireAny(), h.Delete)
	e.app.Get("/channels/:id/members", e.mw.RequireAny(), h.ListMembers)
	e.app.Post("/channels/:id/members", e.mw.RequireAny(), h.AddMember)
	e.app.Delete("/channels/:id/members/:userId", e.mw.RequireAny(), h.RemoveMember)
	return e
}

type channelBody struct {
	Data struct {
		ID      string `json:"id"`
		Name    string `json:"name"`
		Owner   string `json:"owner"`
		Private bool   `json:"private"`
		Type    string `json:"type"`
	} `json:"data"`
}

// createChannel drives the HTTP surface and returns the new channel id.
func createChannel(t *testing.T, e *testEnv, cookie *http.Cookie, body map[string]any) string {
	t.Helper()

	resp := e.do(t, http.MethodPost, "/channels", cookie, body)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create channel status = %d, want 201", resp.StatusCode)
	}
	var ch channelBody
	decodeBody(t, resp, &ch)
	return ch.Data.ID
}

func TestChannelCreateAndGet(t *testing.T) {
	t.Parallel()

	e := newChannelApp(t)
	alice := e.createUser(t, "alice@example.com")
	cookie := e.signIn(t, alice, "alice@example.com")

	id := createChannel(t, e, cookie, map[string]any{"name": "general"})

	resp := e.do(t, http.MethodGet, "/channels/"+id, cookie, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("get status = %d, want 200", resp.StatusCode)
	}
	var ch channelBody
	decodeBody(t, resp, &ch)
	if ch.Data.Name != "general" {
		t.Errorf("name = %q, want general", ch.Data.Name)
	}
	if ch.Data.Owner != alice.String() {
		t.Errorf("owner = %q, want %q", ch.Data.Owner, alice)
	}
	// Unset type defaults to signal.
	if ch.Data.Type != "signal" {
		t.Errorf("type = %q, want signal", ch.Data.Type)
	}
}

func TestChannelCreateRequiresPermission(t *testing.T) {
	t.Parallel()

	e := newChannelApp(t)

	// An account without the standard User role holds no channels.create grant.
	u, err := e.users.Create(context.Background(), "norole@example.com")
	if err != nil {
		t.Fatalf("Create() error: %v", err)
	}
	cookie := e.signIn(t, u.ID, "norole@example.com")

	resp := e.do(t, http.MethodPost, "/channels", cookie, map[string]any{"name": "general"})
	wantError(t, resp, http.StatusForbidden, apierr.Forbidden)
}

func TestChannelCreateValidation(t *testing.T) {
	t.Parallel()

	e := newChannelApp(t)
	alice := e.createUser(t, "alice@example.com")
	cookie := e.signIn(t, alice, "alice@example.com")

	resp := e.do(t, http.MethodPost, "/channels", cookie, map[string]any{"name": ""})
	wantError(t, resp, http.StatusBadRequest, apierr.ValidationError)

	resp = e.do(t, http.MethodPost, "/channels", cookie, map[string]any{"name": "x", "type": "carrier-pigeon"})
	wantError(t, resp, http.StatusBadRequest, apierr.ValidationError)
}

func TestPrivateChannelHiddenFromNonMembers(t *testing.T) {
	t.Parallel()

	e := newChannelApp(t)
	alice := e.createUser(t, "alice@example.com")
	bob := e.createUser(t, "bob@example.com")
	aliceCookie := e.signIn(t, alice, "alice@example.com")
	bobCookie := e.signIn(t, bob, "bob@example.com")

	id := createChannel(t, e, aliceCookie, map[string]any{"name": "secret", "private": true})

	// Non-members get the same 404 as for a channel that does not exist.
	resp := e.do(t, http.MethodGet, "/channels/"+id, bobCookie, nil)
	wantError(t, resp, http.StatusNotFound, apierr.NotFound)

	resp = e.do(t, http.MethodPost, "/channels/"+id+"/members", aliceCookie, map[string]string{"userId": bob.String()})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("add member status = %d, want 200", resp.StatusCode)
	}

	resp = e.do(t, http.MethodGet, "/channels/"+id, bobCookie, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("get after join status = %d, want 200", resp.StatusCode)
	}
}

func TestChannelUpdateOwnerOnly(t *testing.T) {
	t.Parallel()

	e := newChannelApp(t)
	alice := e.createUser(t, "alice@example.com")
	bob := e.createUser(t, "bob@example.com")
	aliceCookie := e.signIn(t, alice, "alice@example.com")
	bobCookie := e.signIn(t, bob, "bob@example.com")

	id := createChannel(t, e, aliceCookie, map[string]any{"name": "general"})

	resp := e.do(t, http.MethodPatch, "/channels/"+id, bobCookie, map[string]any{"name": "hijacked"})
	wantError(t, resp, http.StatusForbidden, apierr.Forbidden)

	resp = e.do(t, http.MethodPatch, "/channels/"+id, aliceCookie, map[string]any{"name": "renamed"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("update status = %d, want 200", resp.StatusCode)
	}
	var ch channelBody
	decodeBody(t, resp, &ch)
	if ch.Data.Name != "renamed" {
		t.Errorf("name = %q, want renamed", ch.Data.Name)
	}
}

func TestChannelMembership(t *testing.T) {
	t.Parallel()

	e := newChannelApp(t)
	alice := e.createUser(t, "alice@example.com")
	bob := e.createUser(t, "bob@example.com")
	aliceCookie := e.signIn(t, alice, "alice@example.com")
	bobCookie := e.signIn(t, bob, "bob@example.com")

	id := createChannel(t, e, aliceCookie, map[string]any{"name": "general"})

	// Bob cannot invite before joining.
	resp := e.do(t, http.MethodPost, "/channels/"+id+"/members", bobCookie, map[string]string{"userId": bob.String()})
	wantError(t, resp, http.StatusForbidden, apierr.Forbidden)

	resp = e.do(t, http.MethodPost, "/channels/"+id+"/members", aliceCookie, map[string]string{"userId": bob.String()})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("add member status = %d, want 200", resp.StatusCode)
	}

	resp = e.do(t, http.MethodGet, "/channels/"+id+"/members", bobCookie, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("list members status = %d, want 200", resp.StatusCode)
	}
	var members struct {
		Data struct {
			Members []struct {
				UserID string `json:"userId"`
			} `json:"members"`
		} `json:"data"`
	}
	decodeBody(t, resp, &members)
	if len(members.Data.Members) != 2 {
		t.Fatalf("member count = %d, want 2", len(members.Data.Members))
	}

	// The owner cannot be removed, but a member may remove themself.
	resp = e.do(t, http.MethodDelete, "/channels/"+id+"/members/"+alice.String(), bobCookie, nil)
	wantError(t, resp, http.StatusConflict, apierr.Conflict)

	resp = e.do(t, http.MethodDelete, "/channels/"+id+"/members/"+bob.String(), bobCookie, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("self-remove status = %d, want 200", resp.StatusCode)
	}
}

func TestChannelDelete(t *testing.T) {
	t.Parallel()

	e := newChannelApp(t)
	alice := e.createUser(t, "alice@example.com")
	cookie := e.signIn(t, alice, "alice@example.com")

	id := createChannel(t, e, cookie, map[string]any{"name": "ephemeral"})

	resp := e.do(t, http.MethodDelete, "/channels/"+id, cookie, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("delete status = %d, want 200", resp.StatusCode)
	}

	resp = e.do(t, http.MethodGet, "/channels/"+id, cookie, nil)
	wantError(t, resp, http.StatusNotFound, apierr.NotFound)
}

func TestChannelGetUnknown(t *testing.T) {
	t.Parallel()

	e := newChannelApp(t)
	alice := e.createUser(t, "alice@example.com")
	cookie := e.signIn(t, alice, "alice@example.com")

	resp := e.do(t, http.MethodGet, "/channels/"+uuid.NewString(), cookie, nil)
	wantError(t, resp, http.StatusNotFound, apierr.NotFound)

	resp = e.do(t, http.MethodGet, "/channels/not-a-uuid", cookie, nil)
	wantError(t, resp, http.StatusBadRequest, apierr.ValidationError)
}
