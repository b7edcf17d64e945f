package passkey

import (
	"encoding/base64"
	"fmt"
	"slices"

	"github.com/go-webauthn/webauthn/protocol"
	"github.com/go-webauthn/webauthn/webauthn"

	"github.com/murmel-chat/murmel-server/internal/user"
)

// wanUser adapts a stored user to the webauthn library's User interface. The WebAuthn user handle is the raw UUID
// bytes, so discoverable credentials map back to the account without a lookup table.
type wanUser struct {
	u *user.User
}

func (w wanUser) WebAuthnID() []byte {
	id := w.u.ID
	return id[:]
}

func (w wanUser) WebAuthnName() string {
	return w.u.Email
}

func (w wanUser) WebAuthnDisplayName() string {
	if w.u.DisplayName != nil && *w.u.DisplayName != "" {
		return *w.u.DisplayName
	}
	return w.u.Email
}

func (w wanUser) WebAuthnCredentials() []webauthn.Credential {
	out := make([]webauthn.Credential, 0, len(w.u.Credentials))
	for _, c := range w.u.Credentials {
		converted, err := libraryCredential(c)
		if err != nil {
			// A credential that no longer decodes cannot be offered; skip it rather than break sign-in entirely.
			continue
		}
		out = append(out, converted)
	}
	return out
}

// libraryCredential converts a stored credential to the library form.
func libraryCredential(c user.Credential) (webauthn.Credential, error) {
	id, err := base64.RawURLEncoding.DecodeString(c.ID)
	if err != nil {
		return webauthn.Credential{}, fmt.Errorf("decode credential id: %w", err)
	}
	key, err := base64.RawURLEncoding.DecodeString(c.PublicKey)
	if err != nil {
		return webauthn.Credential{}, fmt.Errorf("decode credential public key: %w", err)
	}

	transports := make([]protocol.AuthenticatorTransport, 0, len(c.Transports))
	for _, t := range c.Transports {
		transports = append(transports, protocol.AuthenticatorTransport(t))
	}

	return webauthn.Credential{
		ID:        id,
		PublicKey: key,
		Transport: transports,
		Authenticator: webauthn.Authenticator{
			SignCount: c.SignCount,
		},
	}, nil
}

// encodeCredentialID renders a raw credential id in the stored base64url form.
func encodeCredentialID(id []byte) string {
	return base64.RawURLEncoding.EncodeToString(id)
}

// storedCredential converts a freshly validated library credential to the stored form. The hybrid transport is always
// recorded so cross-device sign-in stays offered even when the authenticator omitted it.
func storedCredential(cred *webauthn.Credential, createdAt int64, browser, ip, location string) user.Credential {
	transports := make([]string, 0, len(cred.Transport)+1)
	for _, t := range cred.Transport {
		transports = append(transports, string(t))
	}
	if !slices.Contains(transports, string(protocol.Hybrid)) {
		transports = append(transports, string(protocol.Hybrid))
	}

	return user.Credential{
		ID:         base64.RawURLEncoding.EncodeToString(cred.ID),
		PublicKey:  base64.RawURLEncoding.EncodeToString(cred.PublicKey),
		Transports: transports,
		SignCount:  cred.Authenticator.SignCount,
		CreatedAt:  createdAt,
		LastLogin:  createdAt,
		Browser:    browser,
		IP:         ip,
		Location:   location,
	}
}
