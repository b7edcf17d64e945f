package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/murmel-chat/murmel-server/internal/admin"
	"github.com/murmel-chat/murmel-server/internal/device"
	"github.com/murmel-chat/murmel-server/internal/role"
	"github.com/murmel-chat/murmel-server/internal/user"
)

// Mailer delivers authentication mail. Satisfied by email.Client and email.Disabled.
type Mailer interface {
	SendOTP(ctx context.Context, to, code, serverName string, ttl time.Duration) error
}

// DomainBlocklist rejects email domains of throwaway providers. Satisfied by disposable.Blocklist; nil disables the
// check.
type DomainBlocklist interface {
	IsBlocked(ctx context.Context, domain string) (bool, error)
}

// ServiceConfig carries the knobs the service needs from configuration.
type ServiceConfig struct {
	ServerName  string
	AdminEmails []string
	SessionTTL  time.Duration
	RefreshTTL  time.Duration
}

// Service orchestrates registration and sign-in: the registration-mode gate, the linear step flow, OTP delivery and
// verification, backup-code login, and the issuance of HMAC sessions with refresh tokens.
type Service struct {
	cfg         ServiceConfig
	users       *user.Repository
	devices     *device.Repository
	roles       *role.Engine
	otp         *OTPStore
	throttle    *BackupThrottle
	sessions    *ClientSessionStore
	refresh     *RefreshStore
	invitations *admin.InvitationStore
	settings    *admin.SettingsStore
	mail        Mailer
	blocklist   DomainBlocklist
	log         zerolog.Logger
}

// NewService wires the auth service.
func NewService(
	cfg ServiceConfig,
	users *user.Repository,
	devices *device.Repository,
	roles *role.Engine,
	otp *OTPStore,
	throttle *BackupThrottle,
	sessions *ClientSessionStore,
	refresh *RefreshStore,
	invitations *admin.InvitationStore,
	settings *admin.SettingsStore,
	mail Mailer,
	blocklist DomainBlocklist,
	log zerolog.Logger,
) *Service {
	return &Service{
		cfg:         cfg,
		users:       users,
		devices:     devices,
		roles:       roles,
		otp:         otp,
		throttle:    throttle,
		sessions:    sessions,
		refresh:     refresh,
		invitations: invitations,
		settings:    settings,
		mail:        mail,
		blocklist:   blocklist,
		log:         log,
	}
}

// OnAuthenticated records a successful sign-in that did not go through EstablishClientSession (browser and Custom-Tab
// flows): the account becomes active and standard roles are ensured, including the Administrator grant for configured
// admin emails.
func (s *Service) OnAuthenticated(ctx context.Context, u *user.User) error {
	if err := s.users.SetActive(ctx, u.ID, true); err != nil {
		s.log.Warn().Err(err).Str("userId", u.ID.String()).Msg("set user active")
	}
	return s.ensureStandardRoles(ctx, u)
}

// SessionTTL returns the configured HMAC session lifetime.
func (s *Service) SessionTTL() time.Duration {
	return s.cfg.SessionTTL
}

// RegisterResult reports whether a code was sent or one is still outstanding.
type RegisterResult struct {
	Status string `json:"status"` // "otp" or "waitotp"
	Wait   int    `json:"wait"`   // seconds
}

// Register starts or restarts registration for an email. The registration-mode gate runs first; then an OTP is issued
// unless one is already outstanding, in which case the remaining wait is returned. Existing users may sign in through
// the same entry point.
func (s *Service) Register(ctx context.Context, email, invitationToken string) (*RegisterResult, error) {
	normalised, domain, err := ValidateEmail(email)
	if err != nil {
		return nil, err
	}
	if err := s.checkRegistrationGate(ctx, normalised, domain, invitationToken); err != nil {
		return nil, err
	}

	if _, err := s.users.GetByEmail(ctx, normalised); errors.Is(err, user.ErrNotFound) {
		if _, err := s.users.Create(ctx, normalised); err != nil && !errors.Is(err, user.ErrEmailTaken) {
			return nil, err
		}
	} else if err != nil {
		return nil, err
	}

	code, wait, outstanding, err := s.otp.Issue(ctx, normalised)
	if err != nil {
		return nil, err
	}
	if outstanding {
		return &RegisterResult{Status: "waitotp", Wait: int(wait.Seconds())}, nil
	}

	if err := s.mail.SendOTP(ctx, normalised, code, s.cfg.ServerName, wait); err != nil {
		s.log.Error().Err(err).Msg("send otp mail")
	}
	return &RegisterResult{Status: "otp", Wait: int(wait.Seconds())}, nil
}

// VerifyOTP consumes the code and advances the account. First-time verification moves the user to the backup-codes
// step; the standard User role is ensured either way, an invitation (if any) is consumed, and configured admins get
// the Administrator role.
func (s *Service) VerifyOTP(ctx context.Context, email, code, invitationToken string) (*user.User, error) {
	normalised, _, err := ValidateEmail(email)
	if err != nil {
		return nil, err
	}
	if err := s.otp.Verify(ctx, normalised, code); err != nil {
		return nil, err
	}

	u, err := s.users.GetByEmail(ctx, normalised)
	if err != nil {
		return nil, err
	}
	if !u.Verified {
		if err := s.users.SetVerified(ctx, u.ID); err != nil {
			return nil, err
		}
		u, err = s.users.GetByID(ctx, u.ID)
		if err != nil {
			return nil, err
		}
	}

	if err := s.ensureStandardRoles(ctx, u); err != nil {
		return nil, err
	}

	if invitationToken != "" {
		if err := s.invitations.MarkUsed(ctx, normalised, invitationToken); err != nil &&
			!errors.Is(err, admin.ErrInvitationNotFound) {
			return nil, err
		}
	}
	return u, nil
}

// IssueBackupCodes generates the backup-code set at the backup_codes step and advances the user to webauthn. The
// plaintext codes are returned exactly once.
func (s *Service) IssueBackupCodes(ctx context.Context, u *user.User) ([]string, error) {
	if u.RegistrationStep != user.StepBackupCodes {
		return nil, ErrWrongStep
	}
	plain, hashed, err := GenerateBackupCodes()
	if err != nil {
		return nil, err
	}
	if err := s.users.SetBackupCodes(ctx, u.ID, hashed); err != nil {
		return nil, err
	}
	if err := s.users.SetStep(ctx, u.ID, user.StepWebAuthn); err != nil {
		return nil, err
	}
	return plain, nil
}

// RegenerateBackupCodes replaces the set once enough codes are consumed.
func (s *Service) RegenerateBackupCodes(ctx context.Context, u *user.User) ([]string, error) {
	if !CanRegenerate(u.BackupCodes) {
		return nil, ErrBackupCodesFresh
	}
	plain, hashed, err := GenerateBackupCodes()
	if err != nil {
		return nil, err
	}
	if err := s.users.SetBackupCodes(ctx, u.ID, hashed); err != nil {
		return nil, err
	}
	return plain, nil
}

// VerifyBackupCode checks a submitted code under the exponential-wait throttle and consumes it on success. The
// returned wait is non-zero only alongside ErrBackupCodeThrottled.
func (s *Service) VerifyBackupCode(ctx context.Context, u *user.User, submitted string) (time.Duration, error) {
	if wait, err := s.throttle.Check(ctx, u.ID); err != nil {
		return 0, err
	} else if wait > 0 {
		return wait, ErrBackupCodeThrottled
	}

	idx := MatchBackupCode(u.BackupCodes, strings.ToUpper(strings.TrimSpace(submitted)))
	if idx < 0 {
		wait, err := s.throttle.Fail(ctx, u.ID)
		if err != nil {
			return 0, err
		}
		return wait, ErrBackupCodeInvalid
	}

	if err := s.users.MarkBackupCodeUsed(ctx, u.ID, idx); err != nil {
		return 0, err
	}
	if err := s.throttle.Reset(ctx, u.ID); err != nil {
		s.log.Warn().Err(err).Str("userId", u.ID.String()).Msg("reset backup throttle")
	}
	return 0, nil
}

// SessionMaterial is everything a native client needs after a successful exchange or refresh.
type SessionMaterial struct {
	SessionSecret string    `json:"sessionSecret"`
	UserID        uuid.UUID `json:"userId"`
	Email         string    `json:"email"`
	DeviceID      int       `json:"deviceId"`
	ExpiresAt     time.Time `json:"expiresAt"`
	RefreshToken  string    `json:"refreshToken"`
}

// EstablishClientSession binds the client id to the user (applying ownership-transfer semantics when the client id
// changes hands), mints a fresh HMAC session, and issues the first refresh token of a new rotation chain.
func (s *Service) EstablishClientSession(ctx context.Context, u *user.User, clientID uuid.UUID, info device.Info) (*SessionMaterial, error) {
	d, err := s.devices.FindOrCreate(ctx, clientID, u.ID, info)
	if err != nil {
		return nil, err
	}

	secret, err := NewSessionSecret()
	if err != nil {
		return nil, err
	}
	now := time.Now()
	session := ClientSession{
		ClientID:      clientID,
		UserID:        u.ID,
		DeviceID:      d.DeviceID,
		SessionSecret: secret,
		ExpiresAt:     now.Add(s.cfg.SessionTTL),
		LastUsed:      now,
		DeviceInfo:    info.Browser,
		CreatedAt:     now,
	}
	if err := s.sessions.Put(ctx, session); err != nil {
		return nil, err
	}

	refreshToken, err := NewRefreshToken()
	if err != nil {
		return nil, err
	}
	if err := s.refresh.Issue(ctx, refreshToken, clientID, u.ID, 0, s.cfg.RefreshTTL); err != nil {
		return nil, err
	}

	if err := s.users.SetActive(ctx, u.ID, true); err != nil {
		s.log.Warn().Err(err).Str("userId", u.ID.String()).Msg("set user active")
	}
	if err := s.ensureStandardRoles(ctx, u); err != nil {
		return nil, err
	}

	return &SessionMaterial{
		SessionSecret: secret,
		UserID:        u.ID,
		Email:         u.Email,
		DeviceID:      d.DeviceID,
		ExpiresAt:     session.ExpiresAt,
		RefreshToken:  refreshToken,
	}, nil
}

// RotateSession redeems a refresh token and replaces both the HMAC session secret and the refresh token. A replayed
// token destroys the client's session outright before the error propagates.
func (s *Service) RotateSession(ctx context.Context, clientID uuid.UUID, refreshToken string) (*SessionMaterial, error) {
	redeemed, err := s.refresh.Redeem(ctx, refreshToken)
	if errors.Is(err, ErrRefreshTokenReused) {
		if delErr := s.sessions.Delete(ctx, redeemed.ClientID); delErr != nil {
			s.log.Error().Err(delErr).Str("clientId", redeemed.ClientID.String()).Msg("destroy session after token replay")
		}
		return nil, ErrRefreshTokenReused
	}
	if err != nil {
		return nil, err
	}
	if redeemed.ClientID != clientID {
		return nil, ErrRefreshTokenNotFound
	}

	u, err := s.users.GetByID(ctx, redeemed.UserID)
	if err != nil {
		return nil, err
	}
	existing, err := s.sessions.Get(ctx, clientID)
	if err != nil {
		return nil, err
	}

	secret, err := NewSessionSecret()
	if err != nil {
		return nil, err
	}
	now := time.Now()
	session := ClientSession{
		ClientID:      clientID,
		UserID:        u.ID,
		DeviceID:      existing.DeviceID,
		SessionSecret: secret,
		ExpiresAt:     now.Add(s.cfg.SessionTTL),
		LastUsed:      now,
		DeviceInfo:    existing.DeviceInfo,
		CreatedAt:     existing.CreatedAt,
	}
	if err := s.sessions.Put(ctx, session); err != nil {
		return nil, err
	}

	next, err := NewRefreshToken()
	if err != nil {
		return nil, err
	}
	if err := s.refresh.Issue(ctx, next, clientID, u.ID, redeemed.RotationCount+1, s.cfg.RefreshTTL); err != nil {
		return nil, err
	}

	return &SessionMaterial{
		SessionSecret: secret,
		UserID:        u.ID,
		Email:         u.Email,
		DeviceID:      session.DeviceID,
		ExpiresAt:     session.ExpiresAt,
		RefreshToken:  next,
	}, nil
}

// Logout tears down the client's HMAC session and its refresh chain.
func (s *Service) Logout(ctx context.Context, clientID uuid.UUID) error {
	if err := s.refresh.DeleteForClient(ctx, clientID); err != nil {
		return err
	}
	return s.sessions.Delete(ctx, clientID)
}

// RevokeAll destroys every session and refresh token of the user.
func (s *Service) RevokeAll(ctx context.Context, userID uuid.UUID) error {
	if err := s.refresh.DeleteForUser(ctx, userID); err != nil {
		return err
	}
	return s.sessions.DeleteForUser(ctx, userID)
}

// checkRegistrationGate applies the server's registration mode to a new registration. Existing users always pass:
// the gate controls account creation, not sign-in.
func (s *Service) checkRegistrationGate(ctx context.Context, email, domain, invitationToken string) error {
	if _, err := s.users.GetByEmail(ctx, email); err == nil {
		return nil
	} else if !errors.Is(err, user.ErrNotFound) {
		return err
	}

	if s.blocklist != nil {
		// The check fails open: an unreachable blocklist must not stop registration.
		blocked, err := s.blocklist.IsBlocked(ctx, domain)
		if err != nil {
			s.log.Warn().Err(err).Msg("disposable email check failed")
		} else if blocked {
			return ErrDisposableEmail
		}
	}

	settings, err := s.settings.Get(ctx)
	if err != nil {
		return err
	}

	switch settings.RegistrationMode {
	case admin.RegistrationOpen:
		return nil
	case admin.RegistrationEmailSuffix:
		for _, suffix := range settings.AllowedEmailSuffixes {
			if strings.HasSuffix(domain, strings.ToLower(suffix)) {
				return nil
			}
		}
		return ErrRegistrationClosed
	case admin.RegistrationInvitationOnly:
		if invitationToken == "" {
			return ErrInvitationRequired
		}
		if err := s.invitations.Verify(ctx, email, invitationToken); err != nil {
			if errors.Is(err, admin.ErrInvitationNotFound) {
				return ErrInvitationRequired
			}
			return err
		}
		return nil
	default:
		return fmt.Errorf("unknown registration mode %q", settings.RegistrationMode)
	}
}

// ensureStandardRoles grants the User role and, for configured admin emails, the Administrator role.
func (s *Service) ensureStandardRoles(ctx context.Context, u *user.User) error {
	if err := s.roles.EnsureServerRole(ctx, u.ID, role.NameUser); err != nil {
		return err
	}
	for _, adminEmail := range s.cfg.AdminEmails {
		if strings.EqualFold(adminEmail, u.Email) {
			return s.roles.EnsureServerRole(ctx, u.ID, role.NameAdministrator)
		}
	}
	return nil
}
