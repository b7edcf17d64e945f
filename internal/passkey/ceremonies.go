package passkey

import (
	"bytes"
	"context"
	"errors"
	"time"

	"github.com/go-webauthn/webauthn/protocol"
	"github.com/go-webauthn/webauthn/webauthn"

	"github.com/murmel-chat/murmel-server/internal/device"
	"github.com/murmel-chat/murmel-server/internal/user"
)

// BeginRegistration creates attestation options for a new passkey. Existing credentials are excluded so an
// authenticator does not register twice.
func (s *Service) BeginRegistration(ctx context.Context, u *user.User) (*protocol.CredentialCreation, *webauthn.SessionData, error) {
	existing := wanUser{u: u}.WebAuthnCredentials()
	exclusions := make([]protocol.CredentialDescriptor, 0, len(existing))
	for _, c := range existing {
		exclusions = append(exclusions, protocol.CredentialDescriptor{
			Type:         protocol.PublicKeyCredentialType,
			CredentialID: c.ID,
			Transport:    c.Transport,
		})
	}

	options, session, err := s.web.BeginRegistration(wanUser{u: u}, webauthn.WithExclusions(exclusions))
	if err != nil {
		return nil, nil, ceremonyError(err)
	}
	return options, session, nil
}

// FinishRegistration validates the attestation response against the stored ceremony state and persists the new
// credential with the observed client metadata.
func (s *Service) FinishRegistration(ctx context.Context, u *user.User, session *webauthn.SessionData, body []byte, info device.Info) (*user.Credential, error) {
	parsed, err := protocol.ParseCredentialCreationResponseBody(bytes.NewReader(body))
	if err != nil {
		return nil, ceremonyError(err)
	}

	cred, err := s.web.CreateCredential(wanUser{u: u}, *session, parsed)
	if err != nil {
		return nil, ceremonyError(err)
	}

	stored := storedCredential(cred, time.Now().UnixMilli(), info.Browser, info.IP, info.Location)
	if err := s.users.AddCredential(ctx, u.ID, stored); err != nil {
		return nil, err
	}

	// Completing the first passkey moves registration to the profile step.
	if u.RegistrationStep == user.StepWebAuthn {
		if err := s.users.SetStep(ctx, u.ID, user.StepProfile); err != nil {
			return nil, err
		}
	}
	return &stored, nil
}

// BeginLogin creates assertion options naming the user's credentials.
func (s *Service) BeginLogin(ctx context.Context, u *user.User) (*protocol.CredentialAssertion, *webauthn.SessionData, error) {
	if len(u.Credentials) == 0 {
		return nil, nil, ErrNoCredentials
	}
	options, session, err := s.web.BeginLogin(wanUser{u: u})
	if err != nil {
		return nil, nil, ceremonyError(err)
	}
	return options, session, nil
}

// FinishLogin validates the assertion and records the authentication on the matched credential: sign counter and
// last-login metadata. A counter that went backwards indicates a cloned authenticator and fails the ceremony.
func (s *Service) FinishLogin(ctx context.Context, u *user.User, session *webauthn.SessionData, body []byte, info device.Info) (*user.Credential, error) {
	parsed, err := protocol.ParseCredentialRequestResponseBody(bytes.NewReader(body))
	if err != nil {
		return nil, ceremonyError(err)
	}

	cred, err := s.web.ValidateLogin(wanUser{u: u}, *session, parsed)
	if err != nil {
		return nil, ceremonyError(err)
	}
	if cred.Authenticator.CloneWarning {
		s.log.Warn().Str("userId", u.ID.String()).Msg("authenticator clone warning, rejecting assertion")
		return nil, ErrCeremonyFailed
	}

	matched := u.Credential(encodeCredentialID(cred.ID))
	if matched == nil {
		return nil, ErrCeremonyFailed
	}

	updated := *matched
	updated.SignCount = cred.Authenticator.SignCount
	updated.LastLogin = time.Now().UnixMilli()
	if info.Browser != "" {
		updated.Browser = info.Browser
	}
	if info.IP != "" {
		updated.IP = info.IP
		updated.Location = info.Location
	}
	if err := s.users.UpdateCredential(ctx, u.ID, updated); err != nil {
		return nil, err
	}
	return &updated, nil
}

// ceremonyError collapses library errors to the sentinel while keeping the underlying detail for logs.
func ceremonyError(err error) error {
	return errors.Join(ErrCeremonyFailed, err)
}
