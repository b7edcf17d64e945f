package meeting

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/murmel-chat/murmel-server/internal/sanitize"
	"github.com/murmel-chat/murmel-server/internal/writeq"
)

const maxTitleLength = 200

// Repository persists meetings, invitation tokens, and RSVPs.
type Repository struct {
	db     *sql.DB
	writes *writeq.Queue
}

// NewRepository creates the repository.
func NewRepository(db *sql.DB, writes *writeq.Queue) *Repository {
	return &Repository{db: db, writes: writes}
}

// Create inserts a meeting. Title and description are sanitized; participants on the invited list start with an
// "invited" RSVP row so the organizer sees who has not replied yet.
func (r *Repository) Create(ctx context.Context, params CreateParams) (*Meeting, error) {
	title := sanitize.Truncate(sanitize.Oneline(params.Title), maxTitleLength)
	if title == "" {
		return nil, ErrTitleRequired
	}

	m := &Meeting{
		ID:                  uuid.NewString(),
		Title:               title,
		Description:         sanitize.Text(params.Description),
		CreatedBy:           params.CreatedBy,
		StartTime:           params.StartTime,
		EndTime:             params.EndTime,
		InstantCall:         params.InstantCall,
		AllowExternal:       params.AllowExternal,
		InvitedParticipants: params.InvitedParticipants,
		VoiceOnly:           params.VoiceOnly,
		MuteOnJoin:          params.MuteOnJoin,
		EnableChat:          params.EnableChat,
		EnableRecording:     params.EnableRecording,
		CameraOff:           params.CameraOff,
		MaxCamResolution:    params.MaxCamResolution,
		CreatedAt:           time.Now().UnixMilli(),
	}
	if m.InvitedParticipants == nil {
		m.InvitedParticipants = []string{}
	}
	participants, err := json.Marshal(m.InvitedParticipants)
	if err != nil {
		return nil, fmt.Errorf("marshal participants: %w", err)
	}

	err = r.writes.Do(ctx, "meeting.create", func(ctx context.Context) error {
		_, err := r.db.ExecContext(ctx,
			`INSERT INTO meetings (meeting_id, title, description, created_by, start_time, end_time,
			                       is_instant_call, allow_external, invited_participants, voice_only, mute_on_join,
			                       enable_chat, enable_recording, camera_off, max_cam_resolution, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			m.ID, m.Title, m.Description, m.CreatedBy, m.StartTime, m.EndTime,
			boolInt(m.InstantCall), boolInt(m.AllowExternal), string(participants),
			boolInt(m.VoiceOnly), boolInt(m.MuteOnJoin), boolInt(m.EnableChat), boolInt(m.EnableRecording),
			boolInt(m.CameraOff), m.MaxCamResolution, m.CreatedAt)
		if err != nil {
			return err
		}

		for _, p := range m.InvitedParticipants {
			_, err := r.db.ExecContext(ctx,
				`INSERT OR IGNORE INTO meeting_rsvps (meeting_id, invitee, status, updated_at)
				 VALUES (?, ?, ?, ?)`,
				m.ID, p, string(RSVPInvited), m.CreatedAt)
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return m, nil
}

// Get returns the meeting with the given id.
func (r *Repository) Get(ctx context.Context, id string) (*Meeting, error) {
	m, err := scanMeeting(r.db.QueryRowContext(ctx,
		`SELECT `+meetingColumns+` FROM meetings WHERE meeting_id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query meeting: %w", err)
	}
	return m, nil
}

// ListCreatedBy returns the meetings a user organizes, newest first.
func (r *Repository) ListCreatedBy(ctx context.Context, userID string) ([]Meeting, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+meetingColumns+` FROM meetings WHERE created_by = ? ORDER BY created_at DESC`, userID)
	if err != nil {
		return nil, fmt.Errorf("list meetings: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []Meeting
	for rows.Next() {
		m, err := scanMeeting(rows)
		if err != nil {
			return nil, fmt.Errorf("scan meeting: %w", err)
		}
		out = append(out, *m)
	}
	return out, rows.Err()
}

// Delete removes a meeting; invitations and RSVPs cascade.
func (r *Repository) Delete(ctx context.Context, id string) error {
	return r.writes.Do(ctx, "meeting.delete", func(ctx context.Context) error {
		res, err := r.db.ExecContext(ctx, `DELETE FROM meetings WHERE meeting_id = ?`, id)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("rows affected: %w", err)
		}
		if n == 0 {
			return ErrNotFound
		}
		return nil
	})
}

// SetRSVP records a participant's reply. Only listed participants may reply, and only with accepted, declined, or
// tentative; replies may be revised.
func (r *Repository) SetRSVP(ctx context.Context, meetingID, invitee string, status RSVPStatus) error {
	if !status.Valid() {
		return ErrInvalidRSVP
	}
	m, err := r.Get(ctx, meetingID)
	if err != nil {
		return err
	}
	if !m.IsInvited(invitee) {
		return ErrNotInvited
	}

	return r.writes.Do(ctx, "meeting.set_rsvp", func(ctx context.Context) error {
		_, err := r.db.ExecContext(ctx,
			`INSERT INTO meeting_rsvps (meeting_id, invitee, status, updated_at)
			 VALUES (?, ?, ?, ?)
			 ON CONFLICT(meeting_id, invitee) DO UPDATE SET
			     status = excluded.status,
			     updated_at = excluded.updated_at`,
			meetingID, invitee, string(status), time.Now().UnixMilli())
		return err
	})
}

// RSVPs returns the meeting's reply rows.
func (r *Repository) RSVPs(ctx context.Context, meetingID string) ([]RSVP, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT meeting_id, invitee, status, updated_at FROM meeting_rsvps
		 WHERE meeting_id = ? ORDER BY invitee`, meetingID)
	if err != nil {
		return nil, fmt.Errorf("list rsvps: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []RSVP
	for rows.Next() {
		var (
			rsvp   RSVP
			status string
		)
		if err := rows.Scan(&rsvp.MeetingID, &rsvp.Invitee, &status, &rsvp.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan rsvp: %w", err)
		}
		rsvp.Status = RSVPStatus(status)
		out = append(out, rsvp)
	}
	return out, rows.Err()
}

// CountRSVPs aggregates the meeting's replies for the organizer.
func (r *Repository) CountRSVPs(ctx context.Context, meetingID string) (*RSVPCounts, error) {
	rsvps, err := r.RSVPs(ctx, meetingID)
	if err != nil {
		return nil, err
	}
	counts := &RSVPCounts{}
	for _, rsvp := range rsvps {
		switch rsvp.Status {
		case RSVPInvited:
			counts.Invited++
		case RSVPAccepted:
			counts.Accepted++
		case RSVPDeclined:
			counts.Declined++
		case RSVPTentative:
			counts.Tentative++
		}
	}
	return counts, nil
}

// CreateInvitation issues a reusable guest token for the meeting.
func (r *Repository) CreateInvitation(ctx context.Context, meetingID, label, createdBy string, expiresAt *int64, maxUses *int) (*Invitation, error) {
	if _, err := r.Get(ctx, meetingID); err != nil {
		return nil, err
	}

	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return nil, fmt.Errorf("generate token: %w", err)
	}

	inv := &Invitation{
		ID:        uuid.NewString(),
		MeetingID: meetingID,
		Token:     hex.EncodeToString(buf),
		Label:     sanitize.Oneline(label),
		ExpiresAt: expiresAt,
		MaxUses:   maxUses,
		Active:    true,
		CreatedBy: createdBy,
		CreatedAt: time.Now().UnixMilli(),
	}
	err := r.writes.Do(ctx, "meeting.create_invitation", func(ctx context.Context) error {
		_, err := r.db.ExecContext(ctx,
			`INSERT INTO meeting_invitations (id, meeting_id, token, label, expires_at, max_uses,
			                                  use_count, is_active, created_by, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, 0, 1, ?, ?)`,
			inv.ID, inv.MeetingID, inv.Token, inv.Label, inv.ExpiresAt, inv.MaxUses,
			inv.CreatedBy, inv.CreatedAt)
		return err
	})
	if err != nil {
		return nil, err
	}
	return inv, nil
}

// ConsumeInvitation redeems a guest token: the active/expiry/use-count guards and the counter increment happen in one
// UPDATE inside the write queue, so two racing guests cannot both take the last use. Returns the meeting the token
// belongs to.
func (r *Repository) ConsumeInvitation(ctx context.Context, token string) (*Meeting, error) {
	var meetingID string
	err := r.writes.Do(ctx, "meeting.consume_invitation", func(ctx context.Context) error {
		res, err := r.db.ExecContext(ctx,
			`UPDATE meeting_invitations SET use_count = use_count + 1
			 WHERE token = ? AND is_active = 1
			   AND (expires_at IS NULL OR expires_at > ?)
			   AND (max_uses IS NULL OR use_count < max_uses)`,
			token, time.Now().UnixMilli())
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("rows affected: %w", err)
		}
		if n == 0 {
			return ErrInvitationInvalid
		}
		return r.db.QueryRowContext(ctx,
			`SELECT meeting_id FROM meeting_invitations WHERE token = ?`, token).Scan(&meetingID)
	})
	if err != nil {
		return nil, err
	}
	return r.Get(ctx, meetingID)
}

// ListInvitations returns the meeting's tokens, newest first.
func (r *Repository) ListInvitations(ctx context.Context, meetingID string) ([]Invitation, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, meeting_id, token, label, expires_at, max_uses, use_count, is_active, created_by, created_at
		 FROM meeting_invitations WHERE meeting_id = ? ORDER BY created_at DESC`, meetingID)
	if err != nil {
		return nil, fmt.Errorf("list invitations: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []Invitation
	for rows.Next() {
		var (
			inv    Invitation
			active int
		)
		err := rows.Scan(&inv.ID, &inv.MeetingID, &inv.Token, &inv.Label, &inv.ExpiresAt, &inv.MaxUses,
			&inv.UseCount, &active, &inv.CreatedBy, &inv.CreatedAt)
		if err != nil {
			return nil, fmt.Errorf("scan invitation: %w", err)
		}
		inv.Active = active != 0
		out = append(out, inv)
	}
	return out, rows.Err()
}

// DeactivateInvitation revokes a token.
func (r *Repository) DeactivateInvitation(ctx context.Context, id string) error {
	return r.writes.Do(ctx, "meeting.deactivate_invitation", func(ctx context.Context) error {
		res, err := r.db.ExecContext(ctx,
			`UPDATE meeting_invitations SET is_active = 0 WHERE id = ?`, id)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("rows affected: %w", err)
		}
		if n == 0 {
			return ErrInvitationInvalid
		}
		return nil
	})
}

// DeactivateExpiredInvitations flips expired tokens inactive. Called by the janitor; returns how many were flipped.
func (r *Repository) DeactivateExpiredInvitations(ctx context.Context) (int64, error) {
	var n int64
	err := r.writes.Do(ctx, "meeting.deactivate_expired", func(ctx context.Context) error {
		res, err := r.db.ExecContext(ctx,
			`UPDATE meeting_invitations SET is_active = 0
			 WHERE is_active = 1 AND expires_at IS NOT NULL AND expires_at < ?`,
			time.Now().UnixMilli())
		if err != nil {
			return err
		}
		n, err = res.RowsAffected()
		return err
	})
	return n, err
}

const meetingColumns = `meeting_id, title, description, created_by, start_time, end_time, is_instant_call,
	allow_external, invited_participants, voice_only, mute_on_join, enable_chat, enable_recording, camera_off,
	max_cam_resolution, created_at`

func scanMeeting(scanner interface{ Scan(...any) error }) (*Meeting, error) {
	var m Meeting
	var participants string
	var instant, external, voiceOnly, muteOnJoin, chat, recording, camOff int
	err := scanner.Scan(&m.ID, &m.Title, &m.Description, &m.CreatedBy, &m.StartTime, &m.EndTime,
		&instant, &external, &participants, &voiceOnly, &muteOnJoin, &chat, &recording, &camOff,
		&m.MaxCamResolution, &m.CreatedAt)
	if err != nil {
		return nil, err
	}
	m.InstantCall = instant != 0
	m.AllowExternal = external != 0
	m.VoiceOnly = voiceOnly != 0
	m.MuteOnJoin = muteOnJoin != 0
	m.EnableChat = chat != 0
	m.EnableRecording = recording != 0
	m.CameraOff = camOff != 0
	if err := json.Unmarshal([]byte(participants), &m.InvitedParticipants); err != nil {
		return nil, fmt.Errorf("unmarshal participants: %w", err)
	}
	return &m, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
