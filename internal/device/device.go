// Package device manages Client rows: one row per installation of the app on an endpoint, identified by a
// client-generated UUID and a small per-owner device number. Signal key material and HMAC sessions hang off these
// rows, which is why re-binding a client id to a new owner purges everything the old owner left behind.
package device

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

// Sentinel errors for the device package.
var (
	ErrNotFound = errors.New("client not found")
)

// Device is one installation of the client software.
type Device struct {
	ClientID       uuid.UUID
	Owner          uuid.UUID
	DeviceID       int
	PublicKey      *string
	RegistrationID *int64
	IP             string
	Browser        string
	Location       string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Info carries the request metadata recorded on the client row whenever it is seen.
type Info struct {
	IP       string
	Browser  string
	Location string
}
