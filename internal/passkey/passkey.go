// Package passkey runs the WebAuthn ceremonies: attestation during registration and assertion during sign-in. The
// origin policy is literal: the configured server origin, loopback origins in development, and the Android APK
// key-hash origins from configuration. Origins are never derived from the request Host.
package passkey

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/go-webauthn/webauthn/protocol"
	"github.com/go-webauthn/webauthn/webauthn"
	"github.com/rs/zerolog"

	"github.com/murmel-chat/murmel-server/internal/user"
)

var (
	// ErrCeremonyFailed means the attestation or assertion did not verify.
	ErrCeremonyFailed = errors.New("webauthn ceremony failed")

	// ErrNoCredentials means the user has no passkeys to authenticate with.
	ErrNoCredentials = errors.New("user has no registered credentials")
)

// Config selects the relying-party identity and the accepted origins.
type Config struct {
	RPID           string // the registered domain
	RPDisplayName  string
	ServerURL      string
	Development    bool
	ServerPort     int
	AndroidOrigins []string
}

// Origins returns the literal origin allow-list for the config.
func Origins(cfg Config) []string {
	origins := []string{cfg.ServerURL}
	if cfg.Development {
		origins = append(origins,
			fmt.Sprintf("http://localhost:%d", cfg.ServerPort),
			fmt.Sprintf("http://127.0.0.1:%d", cfg.ServerPort),
		)
	}
	return append(origins, cfg.AndroidOrigins...)
}

// Service wraps the webauthn library with the server's policy and persists the resulting credentials.
type Service struct {
	web   *webauthn.WebAuthn
	users *user.Repository
	log   zerolog.Logger
}

// New builds the service. Registration requires a discoverable (resident) credential so that sign-in can start from
// an email alone; user verification is preferred, not required, to keep cross-device flows working.
func New(cfg Config, users *user.Repository, log zerolog.Logger) (*Service, error) {
	web, err := webauthn.New(&webauthn.Config{
		RPID:                  cfg.RPID,
		RPDisplayName:         cfg.RPDisplayName,
		RPOrigins:             Origins(cfg),
		AttestationPreference: protocol.PreferNoAttestation,
		AuthenticatorSelection: protocol.AuthenticatorSelection{
			ResidentKey:      protocol.ResidentKeyRequirementRequired,
			UserVerification: protocol.VerificationPreferred,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("configure webauthn: %w", err)
	}
	return &Service{web: web, users: users, log: log}, nil
}

// EncodeSession serializes ceremony state for storage on the web session between the challenge and response requests.
func EncodeSession(sd *webauthn.SessionData) (json.RawMessage, error) {
	data, err := json.Marshal(sd)
	if err != nil {
		return nil, fmt.Errorf("encode webauthn session: %w", err)
	}
	return data, nil
}

// DecodeSession restores ceremony state stored by EncodeSession.
func DecodeSession(raw json.RawMessage) (*webauthn.SessionData, error) {
	if len(raw) == 0 {
		return nil, ErrCeremonyFailed
	}
	var sd webauthn.SessionData
	if err := json.Unmarshal(raw, &sd); err != nil {
		return nil, fmt.Errorf("decode webauthn session: %w", err)
	}
	return &sd, nil
}
