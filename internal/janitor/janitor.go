// Package janitor runs the hourly cleanup sweeps: delivered envelopes past retention, consumed refresh tokens,
// expired registration invitations, and expired meeting invitation tokens. Short-lived state (OTPs, nonces, handoffs,
// external sessions) lives in Valkey under TTLs and needs no sweeping.
package janitor

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

const (
	// deliveredRetention is how long delivered envelopes stay queryable before the sweep removes them.
	deliveredRetention = 30 * 24 * time.Hour

	// usedRefreshRetention keeps consumed refresh tokens around for reuse detection before removal.
	usedRefreshRetention = 7 * 24 * time.Hour

	// sweepTimeout bounds one full sweep.
	sweepTimeout = 5 * time.Minute
)

// EnvelopePurger removes delivered envelopes older than the cutoff. Satisfied by envelope.Repository.
type EnvelopePurger interface {
	PurgeDelivered(ctx context.Context, before time.Time) (int64, error)
}

// RefreshPurger removes consumed refresh tokens older than the cutoff. Satisfied by auth.RefreshStore.
type RefreshPurger interface {
	PurgeUsed(ctx context.Context, before time.Time) (int64, error)
}

// InvitationPurger removes expired unused registration invitations. Satisfied by admin.InvitationStore.
type InvitationPurger interface {
	PurgeExpired(ctx context.Context) (int64, error)
}

// MeetingSweeper deactivates expired meeting invitation tokens. Satisfied by meeting.Repository.
type MeetingSweeper interface {
	DeactivateExpiredInvitations(ctx context.Context) (int64, error)
}

// Janitor owns the cron schedule and the sweep targets.
type Janitor struct {
	envelopes   EnvelopePurger
	refresh     RefreshPurger
	invitations InvitationPurger
	meetings    MeetingSweeper
	cron        *cron.Cron
	log         zerolog.Logger
}

// New wires the sweep targets. Start begins the schedule.
func New(envelopes EnvelopePurger, refresh RefreshPurger, invitations InvitationPurger, meetings MeetingSweeper, logger zerolog.Logger) *Janitor {
	return &Janitor{
		envelopes:   envelopes,
		refresh:     refresh,
		invitations: invitations,
		meetings:    meetings,
		cron:        cron.New(),
		log:         logger.With().Str("component", "janitor").Logger(),
	}
}

// Start runs one sweep immediately, then hourly.
func (j *Janitor) Start() error {
	if _, err := j.cron.AddFunc("@hourly", j.Sweep); err != nil {
		return err
	}
	go j.Sweep()
	j.cron.Start()
	return nil
}

// Stop halts the schedule and waits for a running sweep to finish.
func (j *Janitor) Stop() {
	<-j.cron.Stop().Done()
}

// Sweep runs every cleanup once. Failures are logged per target; one failing sweep never blocks the others.
func (j *Janitor) Sweep() {
	ctx, cancel := context.WithTimeout(context.Background(), sweepTimeout)
	defer cancel()
	now := time.Now()

	if n, err := j.envelopes.PurgeDelivered(ctx, now.Add(-deliveredRetention)); err != nil {
		j.log.Error().Err(err).Msg("envelope sweep failed")
	} else if n > 0 {
		j.log.Info().Int64("purged", n).Msg("purged delivered envelopes")
	}

	if n, err := j.refresh.PurgeUsed(ctx, now.Add(-usedRefreshRetention)); err != nil {
		j.log.Error().Err(err).Msg("refresh token sweep failed")
	} else if n > 0 {
		j.log.Info().Int64("purged", n).Msg("purged used refresh tokens")
	}

	if n, err := j.invitations.PurgeExpired(ctx); err != nil {
		j.log.Error().Err(err).Msg("invitation sweep failed")
	} else if n > 0 {
		j.log.Info().Int64("purged", n).Msg("purged expired registration invitations")
	}

	if n, err := j.meetings.DeactivateExpiredInvitations(ctx); err != nil {
		j.log.Error().Err(err).Msg("meeting invitation sweep failed")
	} else if n > 0 {
		j.log.Info().Int64("deactivated", n).Msg("deactivated expired meeting invitations")
	}
}
