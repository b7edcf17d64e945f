package email

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

// Disabled is a no-op sender used when SMTP is not configured. Sends succeed without delivering anything so that
// registration and invitation flows keep working; operators are expected to relay codes out of band. The code itself
// is never logged.
type Disabled struct {
	log zerolog.Logger
}

// NewDisabled creates a sender that drops all mail and records the fact in the log.
func NewDisabled(logger zerolog.Logger) *Disabled {
	return &Disabled{log: logger}
}

func (d *Disabled) SendOTP(ctx context.Context, to, code, serverName string, ttl time.Duration) error {
	d.log.Warn().Msg("SMTP not configured, sign-in code not delivered")
	return nil
}

func (d *Disabled) SendInvitation(ctx context.Context, to, token, serverURL, serverName string) error {
	d.log.Warn().Msg("SMTP not configured, invitation not delivered")
	return nil
}
