package auth

import (
	"net/mail"
	"strings"

	"github.com/google/uuid"
)

const maxEmailLength = 254

// ValidateEmail parses and normalises an email address, returning the normalised form and domain. Returns
// ErrInvalidEmail if the format is invalid or the address exceeds the RFC 5321 maximum of 254 characters.
func ValidateEmail(email string) (normalised, domain string, err error) {
	addr, parseErr := mail.ParseAddress(email)
	if parseErr != nil {
		return "", "", ErrInvalidEmail
	}

	normalised = strings.ToLower(addr.Address)

	if len(normalised) > maxEmailLength {
		return "", "", ErrInvalidEmail
	}

	parts := strings.SplitN(normalised, "@", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", ErrInvalidEmail
	}

	return normalised, parts[1], nil
}

// ParseClientID validates that a presented client id is UUID-shaped. Client ids are generated by the client, so the
// server only ever accepts the canonical form.
func ParseClientID(clientID string) (uuid.UUID, error) {
	id, err := uuid.Parse(strings.TrimSpace(clientID))
	if err != nil {
		return uuid.Nil, ErrInvalidClientID
	}
	return id, nil
}
