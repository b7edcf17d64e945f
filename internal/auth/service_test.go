package auth

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/murmel-chat/murmel-server/internal/admin"
	"github.com/murmel-chat/murmel-server/internal/channel"
	"github.com/murmel-chat/murmel-server/internal/device"
	"github.com/murmel-chat/murmel-server/internal/role"
	"github.com/murmel-chat/murmel-server/internal/user"
)

// recordingMailer captures the last OTP handed to it.
type recordingMailer struct {
	mu   sync.Mutex
	code string
}

func (m *recordingMailer) SendOTP(ctx context.Context, to, code, serverName string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.code = code
	return nil
}

func (m *recordingMailer) last() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.code
}

type serviceFixture struct {
	svc         *Service
	users       *user.Repository
	roles       *role.Repository
	sessions    *ClientSessionStore
	settings    *admin.SettingsStore
	invitations *admin.InvitationStore
	mail        *recordingMailer
}

func newServiceFixture(t *testing.T, adminEmails ...string) *serviceFixture {
	t.Helper()

	db, q := testDB(t)
	_, rdb := testRedis(t)
	ctx := context.Background()

	users := user.NewRepository(db, q)
	devices := device.NewRepository(db, q)
	roles := role.NewRepository(db, q)
	channels := channel.NewRepository(db, q)
	engine := role.NewEngine(roles, channels, zerolog.Nop())
	settings := admin.NewSettingsStore(db, q)
	invitations := admin.NewInvitationStore(db, q)

	if err := roles.Seed(ctx); err != nil {
		t.Fatalf("Seed() error: %v", err)
	}
	if err := settings.EnsureDefaults(ctx, "murmel"); err != nil {
		t.Fatalf("EnsureDefaults() error: %v", err)
	}

	mail := &recordingMailer{}
	sessions := NewClientSessionStore(db, q)
	svc := NewService(
		ServiceConfig{
			ServerName:  "murmel",
			AdminEmails: adminEmails,
			SessionTTL:  time.Hour,
			RefreshTTL:  time.Hour,
		},
		users,
		devices,
		engine,
		NewOTPStore(rdb, 5*time.Minute),
		NewBackupThrottle(rdb),
		sessions,
		NewRefreshStore(db, q, zerolog.Nop()),
		invitations,
		settings,
		mail,
		nil,
		zerolog.Nop(),
	)
	return &serviceFixture{
		svc:         svc,
		users:       users,
		roles:       roles,
		sessions:    sessions,
		settings:    settings,
		invitations: invitations,
		mail:        mail,
	}
}

func (f *serviceFixture) register(t *testing.T, email string) *user.User {
	t.Helper()

	ctx := context.Background()
	res, err := f.svc.Register(ctx, email, "")
	if err != nil {
		t.Fatalf("Register() error: %v", err)
	}
	if res.Status != "otp" {
		t.Fatalf("Register() status = %q, want otp", res.Status)
	}
	u, err := f.svc.VerifyOTP(ctx, email, f.mail.last(), "")
	if err != nil {
		t.Fatalf("VerifyOTP() error: %v", err)
	}
	return u
}

func hasServerRole(t *testing.T, roles *role.Repository, userID uuid.UUID, name string) bool {
	t.Helper()

	assigned, err := roles.ListForUser(context.Background(), userID)
	if err != nil {
		t.Fatalf("ListForUser() error: %v", err)
	}
	for _, r := range assigned {
		if r.Name == name && r.Scope == role.ScopeServer {
			return true
		}
	}
	return false
}

func TestRegisterIssuesAndThrottlesOTP(t *testing.T) {
	t.Parallel()

	f := newServiceFixture(t)
	ctx := context.Background()

	res, err := f.svc.Register(ctx, "a@x.org", "")
	if err != nil {
		t.Fatalf("Register() error: %v", err)
	}
	if res.Status != "otp" || res.Wait != 300 {
		t.Fatalf("Register() = %+v, want otp with 300s wait", res)
	}
	if f.mail.last() == "" {
		t.Fatal("no OTP was mailed")
	}

	// An immediate re-request reports the outstanding code instead of minting another.
	res, err = f.svc.Register(ctx, "a@x.org", "")
	if err != nil {
		t.Fatalf("second Register() error: %v", err)
	}
	if res.Status != "waitotp" || res.Wait <= 0 {
		t.Fatalf("second Register() = %+v, want waitotp with remaining wait", res)
	}

	if _, err := f.svc.Register(ctx, "not-an-email", ""); !errors.Is(err, ErrInvalidEmail) {
		t.Fatalf("Register(invalid) error = %v, want ErrInvalidEmail", err)
	}
}

func TestVerifyOTPAdvancesRegistration(t *testing.T) {
	t.Parallel()

	f := newServiceFixture(t)
	ctx := context.Background()

	if _, err := f.svc.Register(ctx, "a@x.org", ""); err != nil {
		t.Fatalf("Register() error: %v", err)
	}
	if _, err := f.svc.VerifyOTP(ctx, "a@x.org", "00000", ""); !errors.Is(err, ErrOTPMismatch) {
		t.Fatalf("VerifyOTP(wrong) error = %v, want ErrOTPMismatch", err)
	}

	u, err := f.svc.VerifyOTP(ctx, "a@x.org", f.mail.last(), "")
	if err != nil {
		t.Fatalf("VerifyOTP() error: %v", err)
	}
	if !u.Verified {
		t.Error("user not verified after OTP")
	}
	if u.RegistrationStep != user.StepBackupCodes {
		t.Errorf("step = %q, want backup_codes", u.RegistrationStep)
	}
	if !hasServerRole(t, f.roles, u.ID, role.NameUser) {
		t.Error("verified user missing the User role")
	}
	if hasServerRole(t, f.roles, u.ID, role.NameAdministrator) {
		t.Error("ordinary user was granted Administrator")
	}
}

func TestAdminEmailGetsAdministratorRole(t *testing.T) {
	t.Parallel()

	f := newServiceFixture(t, "root@x.org")

	u := f.register(t, "root@x.org")
	if !hasServerRole(t, f.roles, u.ID, role.NameAdministrator) {
		t.Error("configured admin missing the Administrator role")
	}
}

// staticBlocklist reports fixed domains as disposable.
type staticBlocklist struct{ blocked map[string]bool }

func (b staticBlocklist) IsBlocked(ctx context.Context, domain string) (bool, error) {
	return b.blocked[domain], nil
}

func TestRegisterRejectsDisposableEmail(t *testing.T) {
	t.Parallel()

	f := newServiceFixture(t)
	ctx := context.Background()

	// The account exists before the domain lands on the blocklist.
	if _, err := f.svc.Register(ctx, "old@mailinator.com", ""); err != nil {
		t.Fatalf("Register() error: %v", err)
	}

	f.svc.blocklist = staticBlocklist{blocked: map[string]bool{"mailinator.com": true}}

	if _, err := f.svc.Register(ctx, "guest@mailinator.com", ""); !errors.Is(err, ErrDisposableEmail) {
		t.Fatalf("Register(disposable) error = %v, want ErrDisposableEmail", err)
	}
	if _, err := f.svc.Register(ctx, "fine@example.com", ""); err != nil {
		t.Fatalf("Register(clean domain) error = %v", err)
	}
	// The gate controls account creation, not sign-in: the pre-existing account still passes.
	if _, err := f.svc.Register(ctx, "old@mailinator.com", ""); err != nil {
		t.Fatalf("Register(existing account) error = %v", err)
	}
}

func TestRegistrationGateEmailSuffix(t *testing.T) {
	t.Parallel()

	f := newServiceFixture(t)
	ctx := context.Background()

	mode := admin.RegistrationEmailSuffix
	err := f.settings.Update(ctx, admin.UpdateSettingsParams{
		RegistrationMode:     &mode,
		AllowedEmailSuffixes: []string{"corp.example"},
	})
	if err != nil {
		t.Fatalf("Update() error: %v", err)
	}

	if _, err := f.svc.Register(ctx, "dev@eng.corp.example", ""); err != nil {
		t.Fatalf("Register(allowed suffix) error: %v", err)
	}
	if _, err := f.svc.Register(ctx, "a@elsewhere.org", ""); !errors.Is(err, ErrRegistrationClosed) {
		t.Fatalf("Register(denied suffix) error = %v, want ErrRegistrationClosed", err)
	}
}

func TestRegistrationGateInvitationOnly(t *testing.T) {
	t.Parallel()

	f := newServiceFixture(t)
	ctx := context.Background()

	mode := admin.RegistrationInvitationOnly
	if err := f.settings.Update(ctx, admin.UpdateSettingsParams{RegistrationMode: &mode}); err != nil {
		t.Fatalf("Update() error: %v", err)
	}

	if _, err := f.svc.Register(ctx, "guest@x.org", ""); !errors.Is(err, ErrInvitationRequired) {
		t.Fatalf("Register(no invitation) error = %v, want ErrInvitationRequired", err)
	}
	if _, err := f.svc.Register(ctx, "guest@x.org", "WRONG1"); !errors.Is(err, ErrInvitationRequired) {
		t.Fatalf("Register(bad invitation) error = %v, want ErrInvitationRequired", err)
	}

	inv, err := f.invitations.Create(ctx, "guest@x.org", uuid.New(), 0)
	if err != nil {
		t.Fatalf("Create() error: %v", err)
	}
	if _, err := f.svc.Register(ctx, "guest@x.org", inv.Token); err != nil {
		t.Fatalf("Register(valid invitation) error: %v", err)
	}
	if _, err := f.svc.VerifyOTP(ctx, "guest@x.org", f.mail.last(), inv.Token); err != nil {
		t.Fatalf("VerifyOTP() error: %v", err)
	}

	// The invitation was consumed on success.
	if err := f.invitations.Verify(ctx, "guest@x.org", inv.Token); !errors.Is(err, admin.ErrInvitationNotFound) {
		t.Fatalf("Verify(consumed) error = %v, want ErrInvitationNotFound", err)
	}

	// An existing user signs in through the same entry point without an invitation.
	if _, err := f.svc.Register(ctx, "guest@x.org", ""); err != nil {
		t.Fatalf("Register(existing user) error: %v", err)
	}
}

func TestBackupCodeLifecycle(t *testing.T) {
	t.Parallel()

	f := newServiceFixture(t)
	ctx := context.Background()

	u := f.register(t, "a@x.org")

	plain, err := f.svc.IssueBackupCodes(ctx, u)
	if err != nil {
		t.Fatalf("IssueBackupCodes() error: %v", err)
	}
	if len(plain) != BackupCodeCount {
		t.Fatalf("got %d codes, want %d", len(plain), BackupCodeCount)
	}

	u, err = f.users.GetByID(ctx, u.ID)
	if err != nil {
		t.Fatalf("GetByID() error: %v", err)
	}
	if u.RegistrationStep != user.StepWebAuthn {
		t.Errorf("step after issuance = %q, want webauthn", u.RegistrationStep)
	}

	// Issuance is tied to the backup_codes step and cannot repeat.
	if _, err := f.svc.IssueBackupCodes(ctx, u); !errors.Is(err, ErrWrongStep) {
		t.Fatalf("IssueBackupCodes(again) error = %v, want ErrWrongStep", err)
	}

	if wait, err := f.svc.VerifyBackupCode(ctx, u, plain[0]); err != nil || wait != 0 {
		t.Fatalf("VerifyBackupCode() = (%v, %v), want success", wait, err)
	}

	// The consumed code cannot be used again.
	u, err = f.users.GetByID(ctx, u.ID)
	if err != nil {
		t.Fatalf("GetByID() error: %v", err)
	}
	if wait, err := f.svc.VerifyBackupCode(ctx, u, plain[0]); !errors.Is(err, ErrBackupCodeInvalid) || wait == 0 {
		t.Fatalf("VerifyBackupCode(reuse) = (%v, %v), want ErrBackupCodeInvalid with wait", wait, err)
	}

	// The failure armed the throttle; the next attempt is rejected before any comparison.
	if _, err := f.svc.VerifyBackupCode(ctx, u, plain[1]); !errors.Is(err, ErrBackupCodeThrottled) {
		t.Fatalf("VerifyBackupCode(throttled) error = %v, want ErrBackupCodeThrottled", err)
	}

	// Regeneration requires most of the set to be consumed.
	if _, err := f.svc.RegenerateBackupCodes(ctx, u); !errors.Is(err, ErrBackupCodesFresh) {
		t.Fatalf("RegenerateBackupCodes(fresh) error = %v, want ErrBackupCodesFresh", err)
	}
}

func TestClientSessionLifecycle(t *testing.T) {
	t.Parallel()

	f := newServiceFixture(t)
	ctx := context.Background()

	u := f.register(t, "a@x.org")
	clientID := uuid.New()

	material, err := f.svc.EstablishClientSession(ctx, u, clientID, device.Info{Browser: "Murmel Android"})
	if err != nil {
		t.Fatalf("EstablishClientSession() error: %v", err)
	}
	if len(material.SessionSecret) != 64 {
		t.Errorf("session secret length = %d, want 64 hex chars", len(material.SessionSecret))
	}
	if material.UserID != u.ID || material.DeviceID != 1 || material.RefreshToken == "" {
		t.Errorf("material = %+v, want user %s on device 1 with a refresh token", material, u.ID)
	}

	rotated, err := f.svc.RotateSession(ctx, clientID, material.RefreshToken)
	if err != nil {
		t.Fatalf("RotateSession() error: %v", err)
	}
	if rotated.SessionSecret == material.SessionSecret {
		t.Error("rotation kept the old session secret")
	}
	if rotated.RefreshToken == material.RefreshToken {
		t.Error("rotation kept the old refresh token")
	}

	// Replaying the consumed refresh token destroys the session.
	if _, err := f.svc.RotateSession(ctx, clientID, material.RefreshToken); !errors.Is(err, ErrRefreshTokenReused) {
		t.Fatalf("RotateSession(replay) error = %v, want ErrRefreshTokenReused", err)
	}
	if _, err := f.sessions.Get(ctx, clientID); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("session after replay = %v, want ErrSessionNotFound", err)
	}
}

func TestRotateSessionRejectsForeignClient(t *testing.T) {
	t.Parallel()

	f := newServiceFixture(t)
	ctx := context.Background()

	u := f.register(t, "a@x.org")
	clientID := uuid.New()
	material, err := f.svc.EstablishClientSession(ctx, u, clientID, device.Info{})
	if err != nil {
		t.Fatalf("EstablishClientSession() error: %v", err)
	}

	// The refresh token is bound to its client id.
	if _, err := f.svc.RotateSession(ctx, uuid.New(), material.RefreshToken); !errors.Is(err, ErrRefreshTokenNotFound) {
		t.Fatalf("RotateSession(foreign client) error = %v, want ErrRefreshTokenNotFound", err)
	}
}

func TestLogout(t *testing.T) {
	t.Parallel()

	f := newServiceFixture(t)
	ctx := context.Background()

	u := f.register(t, "a@x.org")
	clientID := uuid.New()
	material, err := f.svc.EstablishClientSession(ctx, u, clientID, device.Info{})
	if err != nil {
		t.Fatalf("EstablishClientSession() error: %v", err)
	}

	if err := f.svc.Logout(ctx, clientID); err != nil {
		t.Fatalf("Logout() error: %v", err)
	}
	if _, err := f.sessions.Get(ctx, clientID); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("session after logout = %v, want ErrSessionNotFound", err)
	}
	if _, err := f.svc.RotateSession(ctx, clientID, material.RefreshToken); !errors.Is(err, ErrRefreshTokenNotFound) {
		t.Fatalf("RotateSession(after logout) error = %v, want ErrRefreshTokenNotFound", err)
	}
}
