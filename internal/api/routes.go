package api

import (
	"github.com/gofiber/fiber/v3"

	"github.com/murmel-chat/murmel-server/internal/auth"
)

// Handlers bundles every handler for route registration.
type Handlers struct {
	Health   *HealthHandler
	Auth     *AuthHandler
	Passkey  *PasskeyHandler
	Token    *TokenHandler
	Client   *ClientHandler
	User     *UserHandler
	Keys     *KeyHandler
	Envelope *EnvelopeHandler
	Channel  *ChannelHandler
	Role     *RoleHandler
	Meeting  *MeetingHandler
	Abuse    *AbuseHandler
	Admin    *AdminHandler
	Gateway  *GatewayHandler
}

// RegisterRoutes mounts the full HTTP surface under /api. Three auth tiers: public endpoints where possession of a
// token or session id is the credential, registration endpoints riding the lazily-created browser session, and
// everything else behind dual auth.
func RegisterRoutes(app *fiber.App, mw *auth.Middleware, h Handlers) {
	root := app.Group("/api")

	root.Get("/health", h.Health.Health)

	// Registration and sign-in. The browser session cookie carries flow state between steps and is created on first
	// contact.
	flow := root.Group("", mw.WithSession())
	flow.Post("/register", h.Auth.Register)
	flow.Post("/otp", h.Auth.VerifyOTP)
	flow.Post("/webauthn/register-challenge", h.Passkey.RegisterChallenge)
	flow.Post("/webauthn/register", h.Passkey.Register)
	flow.Post("/webauthn/authenticate-challenge", h.Passkey.AuthenticateChallenge)
	flow.Post("/webauthn/authenticate", h.Passkey.Authenticate)
	flow.Post("/backupcode/mobile-verify", h.Auth.MobileVerifyBackupCode)

	// Public: the presented token is the credential.
	root.Post("/token/exchange", h.Token.Exchange)
	root.Post("/token/refresh", h.Token.Refresh)
	root.Post("/token/revoke", h.Token.Revoke)
	root.Post("/magic/redeem", h.Token.RedeemMagicLink)
	root.Post("/invitations/verify", h.Admin.VerifyInvitation)

	// Public guest surface: external participants hold a session id, never an account.
	root.Post("/meetings/join-external", h.Meeting.JoinExternal)
	root.Post("/meetings/knock", h.Meeting.Knock)
	root.Get("/meetings/session", h.Meeting.SessionStatus)
	root.Get("/meetings/:id/settings", allowGuestSession(mw.RequireAny()), h.Meeting.GetSettings)

	root.Get("/gateway", allowGuestSession(mw.RequireAny()), h.Gateway.Upgrade)

	authed := root.Group("", mw.RequireAny())

	authed.Post("/logout", h.Token.Logout)
	authed.Post("/session/refresh", h.Token.RefreshSession)
	authed.Get("/magic/generate", h.Token.GenerateMagicLink)

	authed.Get("/backupcode/list", h.Auth.ListBackupCodes)
	authed.Get("/backupcode/usage", h.Auth.BackupCodeUsage)
	authed.Post("/backupcode/regenerate", h.Auth.RegenerateBackupCodes)
	authed.Post("/backupcode/verify", h.Auth.VerifyBackupCode)

	authed.Get("/webauthn/list", h.Passkey.List)
	authed.Post("/webauthn/delete", h.Passkey.Delete)

	authed.Post("/client/addweb", h.Client.AddWeb)
	authed.Get("/client/list", h.Client.List)
	authed.Post("/client/delete", h.Client.Delete)
	authed.Get("/sessions/list", h.Client.ListSessions)
	authed.Post("/sessions/revoke", h.Client.RevokeSession)
	authed.Post("/sessions/revoke-all", h.Client.RevokeAllSessions)

	authed.Get("/user/me", h.User.GetMe)
	authed.Patch("/user/me", h.User.UpdateMe)
	authed.Post("/user/picture", h.User.SetPicture)
	authed.Get("/user/lookup", h.User.Lookup)

	authed.Post("/keys/prekeys", h.Keys.UploadPreKeys)
	authed.Post("/keys/signed-prekey", h.Keys.RotateSignedPreKey)
	authed.Get("/keys/bundle", h.Keys.FetchBundle)
	authed.Post("/keys/sender-key", h.Keys.PutSenderKey)
	authed.Get("/keys/sender-keys", h.Keys.ListSenderKeys)

	authed.Post("/items", h.Envelope.Send)
	authed.Get("/items", h.Envelope.Fetch)
	authed.Post("/items/read", h.Envelope.MarkRead)
	authed.Post("/group-items", h.Envelope.SendGroup)
	authed.Get("/group-items", h.Envelope.FetchGroup)
	authed.Post("/group-items/read", h.Envelope.MarkGroupRead)
	authed.Get("/group-items/readers", h.Envelope.GroupReaders)

	authed.Get("/channels", h.Channel.List)
	authed.Post("/channels", h.Channel.Create)
	authed.Get("/channels/:id", h.Channel.Get)
	authed.Patch("/channels/:id", h.Channel.Update)
	authed.Delete("/channels/:id", h.Channel.Delete)
	authed.Get("/channels/:id/members", h.Channel.ListMembers)
	authed.Post("/channels/:id/members", h.Channel.AddMember)
	authed.Delete("/channels/:id/members/:userId", h.Channel.RemoveMember)

	authed.Get("/roles", h.Role.List)
	authed.Post("/roles", h.Role.Create)
	authed.Get("/roles/user/:userId", h.Role.ListForUser)
	authed.Patch("/roles/:id", h.Role.Update)
	authed.Delete("/roles/:id", h.Role.Delete)
	authed.Post("/roles/:id/assign", h.Role.Assign)
	authed.Post("/roles/:id/unassign", h.Role.Unassign)

	authed.Post("/meetings", h.Meeting.Create)
	authed.Get("/meetings", h.Meeting.List)
	authed.Delete("/meetings/:id", h.Meeting.Delete)
	authed.Post("/meetings/:id/rsvp", h.Meeting.SetRSVP)
	authed.Get("/meetings/:id/rsvps", h.Meeting.ListRSVPs)
	authed.Post("/meetings/:id/invitations", h.Meeting.CreateInvitation)
	authed.Get("/meetings/:id/invitations", h.Meeting.ListInvitations)
	authed.Post("/meetings/:id/invitations/revoke", h.Meeting.RevokeInvitation)
	authed.Post("/meetings/:id/admit", h.Meeting.Admit)
	authed.Post("/meetings/:id/decline", h.Meeting.Decline)
	authed.Get("/meetings/:id/externals", h.Meeting.ListExternal)

	authed.Post("/block", h.Abuse.Block)
	authed.Post("/unblock", h.Abuse.Unblock)
	authed.Get("/blocked", h.Abuse.ListBlocked)
	authed.Post("/report", h.Abuse.Report)

	authed.Get("/admin/settings", h.Admin.GetSettings)
	authed.Patch("/admin/settings", h.Admin.UpdateSettings)
	authed.Post("/admin/server-picture", h.Admin.SetServerPicture)
	authed.Post("/admin/invitations", h.Admin.CreateInvitation)
	authed.Get("/admin/invitations", h.Admin.ListInvitations)
	authed.Delete("/admin/invitations/:id", h.Admin.DeleteInvitation)
	authed.Get("/admin/reports", h.Admin.ListReports)
	authed.Patch("/admin/reports/:id", h.Admin.UpdateReport)

	// Fiber treats app.Use middleware as a route match, so unmatched requests need a terminal 404 handler.
	app.Use(func(fiber.Ctx) error {
		return fiber.ErrNotFound
	})
}

// allowGuestSession skips authentication when the request carries an external-guest session id; the handler behind
// it validates the id against the session store.
func allowGuestSession(requireAny fiber.Handler) fiber.Handler {
	return func(c fiber.Ctx) error {
		if c.Query("sessionId") != "" {
			return c.Next()
		}
		return requireAny(c)
	}
}
