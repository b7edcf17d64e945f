package meeting

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/murmel-chat/murmel-server/internal/sqlite"
	"github.com/murmel-chat/murmel-server/internal/writeq"
)

func testRepository(t *testing.T) *Repository {
	t.Helper()

	dbPath := filepath.Join(t.TempDir(), "murmel.db")
	db, err := sqlite.Connect(context.Background(), dbPath)
	if err != nil {
		t.Fatalf("Connect() error: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	if err := sqlite.Migrate(db); err != nil {
		t.Fatalf("Migrate() error: %v", err)
	}

	q := writeq.New(zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = q.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	return NewRepository(db, q)
}

func testExternalStore(t *testing.T) (*ExternalStore, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return NewExternalStore(rdb), mr
}

func TestCreateAndGet(t *testing.T) {
	t.Parallel()

	repo := testRepository(t)
	ctx := context.Background()
	organizer := uuid.NewString()

	created, err := repo.Create(ctx, CreateParams{
		Title:               " <i>Weekly</i> sync ",
		Description:         "agenda",
		CreatedBy:           organizer,
		InvitedParticipants: []string{"user-a", "user-b"},
		VoiceOnly:           true,
		MuteOnJoin:          true,
	})
	if err != nil {
		t.Fatalf("Create() error: %v", err)
	}
	if created.Title != "Weekly sync" {
		t.Errorf("title = %q, want sanitized plain text", created.Title)
	}

	got, err := repo.Get(ctx, created.ID)
	if err != nil {
		t.Fatalf("Get() error: %v", err)
	}
	if !got.VoiceOnly || !got.MuteOnJoin || got.EnableChat {
		t.Errorf("meeting = %+v, want voiceOnly and muteOnJoin set, chat unset", got)
	}
	if len(got.InvitedParticipants) != 2 {
		t.Errorf("participants = %v, want 2", got.InvitedParticipants)
	}

	// The invited list seeds pending RSVP rows.
	counts, err := repo.CountRSVPs(ctx, created.ID)
	if err != nil {
		t.Fatalf("CountRSVPs() error: %v", err)
	}
	if counts.Invited != 2 {
		t.Errorf("counts = %+v, want 2 invited", counts)
	}

	if _, err := repo.Get(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Get(missing) error = %v, want ErrNotFound", err)
	}
	if _, err := repo.Create(ctx, CreateParams{Title: "<hr>", CreatedBy: organizer}); !errors.Is(err, ErrTitleRequired) {
		t.Fatalf("Create(empty title) error = %v, want ErrTitleRequired", err)
	}
}

func TestJoinable(t *testing.T) {
	t.Parallel()

	now := time.Now()
	start := now.Add(time.Hour).UnixMilli()
	scheduled := &Meeting{StartTime: &start}

	if scheduled.Joinable(now) {
		t.Error("Joinable() an hour early = true, want false")
	}
	if scheduled.Joinable(now.Add(29 * time.Minute)) {
		t.Error("Joinable() just before the window = true, want false")
	}
	if !scheduled.Joinable(now.Add(31 * time.Minute)) {
		t.Error("Joinable() inside the window = false, want true")
	}

	instant := &Meeting{InstantCall: true, StartTime: &start}
	if !instant.Joinable(now) {
		t.Error("instant call Joinable() = false, want true")
	}
	if !(&Meeting{}).Joinable(now) {
		t.Error("meeting without start Joinable() = false, want true")
	}
}

func TestRSVPFlow(t *testing.T) {
	t.Parallel()

	repo := testRepository(t)
	ctx := context.Background()
	organizer := uuid.NewString()

	m, err := repo.Create(ctx, CreateParams{
		Title:               "planning",
		CreatedBy:           organizer,
		InvitedParticipants: []string{"user-a", "user-b"},
	})
	if err != nil {
		t.Fatalf("Create() error: %v", err)
	}

	if err := repo.SetRSVP(ctx, m.ID, "user-a", RSVPAccepted); err != nil {
		t.Fatalf("SetRSVP() error: %v", err)
	}
	// Replies may be revised.
	if err := repo.SetRSVP(ctx, m.ID, "user-a", RSVPTentative); err != nil {
		t.Fatalf("SetRSVP(revise) error: %v", err)
	}
	if err := repo.SetRSVP(ctx, m.ID, "user-b", RSVPDeclined); err != nil {
		t.Fatalf("SetRSVP() error: %v", err)
	}

	if err := repo.SetRSVP(ctx, m.ID, "stranger", RSVPAccepted); !errors.Is(err, ErrNotInvited) {
		t.Fatalf("SetRSVP(stranger) error = %v, want ErrNotInvited", err)
	}
	if err := repo.SetRSVP(ctx, m.ID, "user-a", RSVPInvited); !errors.Is(err, ErrInvalidRSVP) {
		t.Fatalf("SetRSVP(invited) error = %v, want ErrInvalidRSVP", err)
	}

	counts, err := repo.CountRSVPs(ctx, m.ID)
	if err != nil {
		t.Fatalf("CountRSVPs() error: %v", err)
	}
	want := RSVPCounts{Tentative: 1, Declined: 1}
	if *counts != want {
		t.Errorf("counts = %+v, want %+v", *counts, want)
	}
}

func TestInvitationConsumption(t *testing.T) {
	t.Parallel()

	repo := testRepository(t)
	ctx := context.Background()
	organizer := uuid.NewString()

	m, err := repo.Create(ctx, CreateParams{Title: "open house", CreatedBy: organizer, AllowExternal: true})
	if err != nil {
		t.Fatalf("Create() error: %v", err)
	}

	maxUses := 2
	inv, err := repo.CreateInvitation(ctx, m.ID, "press", organizer, nil, &maxUses)
	if err != nil {
		t.Fatalf("CreateInvitation() error: %v", err)
	}

	for i := 0; i < maxUses; i++ {
		got, err := repo.ConsumeInvitation(ctx, inv.Token)
		if err != nil {
			t.Fatalf("ConsumeInvitation() #%d error: %v", i+1, err)
		}
		if got.ID != m.ID {
			t.Errorf("consumed token resolved meeting %q, want %q", got.ID, m.ID)
		}
	}
	// The use budget is spent.
	if _, err := repo.ConsumeInvitation(ctx, inv.Token); !errors.Is(err, ErrInvitationInvalid) {
		t.Fatalf("ConsumeInvitation(exhausted) error = %v, want ErrInvitationInvalid", err)
	}

	// Expired tokens are refused.
	past := time.Now().Add(-time.Minute).UnixMilli()
	expired, err := repo.CreateInvitation(ctx, m.ID, "late", organizer, &past, nil)
	if err != nil {
		t.Fatalf("CreateInvitation() error: %v", err)
	}
	if _, err := repo.ConsumeInvitation(ctx, expired.Token); !errors.Is(err, ErrInvitationInvalid) {
		t.Fatalf("ConsumeInvitation(expired) error = %v, want ErrInvitationInvalid", err)
	}

	// Revoked tokens are refused.
	revoked, err := repo.CreateInvitation(ctx, m.ID, "revoked", organizer, nil, nil)
	if err != nil {
		t.Fatalf("CreateInvitation() error: %v", err)
	}
	if err := repo.DeactivateInvitation(ctx, revoked.ID); err != nil {
		t.Fatalf("DeactivateInvitation() error: %v", err)
	}
	if _, err := repo.ConsumeInvitation(ctx, revoked.Token); !errors.Is(err, ErrInvitationInvalid) {
		t.Fatalf("ConsumeInvitation(revoked) error = %v, want ErrInvitationInvalid", err)
	}

	// The janitor flips expired tokens inactive.
	n, err := repo.DeactivateExpiredInvitations(ctx)
	if err != nil {
		t.Fatalf("DeactivateExpiredInvitations() error: %v", err)
	}
	if n != 1 {
		t.Errorf("DeactivateExpiredInvitations() = %d, want 1", n)
	}
}

func TestExternalSessionAdmissionFlow(t *testing.T) {
	t.Parallel()

	store, mr := testExternalStore(t)
	ctx := context.Background()
	meetingID := uuid.NewString()

	session, err := store.Create(ctx, meetingID, " <b>Guest</b> One ", "identity-pub", nil, nil)
	if err != nil {
		t.Fatalf("Create() error: %v", err)
	}
	if session.DisplayName != "Guest One" {
		t.Errorf("display name = %q, want sanitized", session.DisplayName)
	}
	if session.Admitted != nil {
		t.Error("fresh session has a pending admission state")
	}

	knocked, err := store.Knock(ctx, session.ID)
	if err != nil {
		t.Fatalf("Knock() error: %v", err)
	}
	if knocked.Admitted == nil || *knocked.Admitted {
		t.Errorf("admitted after knock = %v, want false", knocked.Admitted)
	}

	// A second knock inside the cooldown is rejected.
	if _, err := store.Knock(ctx, session.ID); !errors.Is(err, ErrKnockCooldown) {
		t.Fatalf("Knock(repeat) error = %v, want ErrKnockCooldown", err)
	}

	admitted, err := store.Admit(ctx, session.ID)
	if err != nil {
		t.Fatalf("Admit() error: %v", err)
	}
	if !admitted.IsAdmitted() {
		t.Errorf("session = %+v, want admitted", admitted)
	}
	if admitted.JoinedAt == nil {
		t.Error("joinedAt not stamped on admit")
	}

	if err := store.MarkLeft(ctx, session.ID); err != nil {
		t.Fatalf("MarkLeft() error: %v", err)
	}
	left, err := store.Get(ctx, session.ID)
	if err != nil {
		t.Fatalf("Get() error: %v", err)
	}
	if left.IsAdmitted() {
		t.Error("departed session still counts as admitted")
	}

	// Sessions vanish with their TTL.
	mr.FastForward(ExternalSessionTTL + time.Second)
	if _, err := store.Get(ctx, session.ID); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("Get(expired) error = %v, want ErrSessionNotFound", err)
	}
}

func TestExternalSessionDeclineAllowsReknock(t *testing.T) {
	t.Parallel()

	store, _ := testExternalStore(t)
	ctx := context.Background()

	session, err := store.Create(ctx, uuid.NewString(), "Guest", "identity-pub", nil, nil)
	if err != nil {
		t.Fatalf("Create() error: %v", err)
	}
	if _, err := store.Knock(ctx, session.ID); err != nil {
		t.Fatalf("Knock() error: %v", err)
	}

	declined, err := store.Decline(ctx, session.ID)
	if err != nil {
		t.Fatalf("Decline() error: %v", err)
	}
	if declined.Admitted != nil {
		t.Errorf("admitted after decline = %v, want nil", declined.Admitted)
	}

	// Still cooling down from the first knock.
	if _, err := store.Knock(ctx, session.ID); !errors.Is(err, ErrKnockCooldown) {
		t.Fatalf("Knock(cooldown) error = %v, want ErrKnockCooldown", err)
	}
	store.now = func() time.Time { return time.Now().Add(KnockCooldown + time.Second) }
	if _, err := store.Knock(ctx, session.ID); err != nil {
		t.Fatalf("Knock(after cooldown) error: %v", err)
	}
}

func TestExternalSessionMeetingCleanup(t *testing.T) {
	t.Parallel()

	store, _ := testExternalStore(t)
	ctx := context.Background()
	meetingID := uuid.NewString()

	for i := 0; i < 3; i++ {
		if _, err := store.Create(ctx, meetingID, "Guest", "identity-pub", nil, nil); err != nil {
			t.Fatalf("Create() error: %v", err)
		}
	}

	sessions, err := store.ListForMeeting(ctx, meetingID)
	if err != nil {
		t.Fatalf("ListForMeeting() error: %v", err)
	}
	if len(sessions) != 3 {
		t.Fatalf("ListForMeeting() = %d sessions, want 3", len(sessions))
	}

	if err := store.DeleteForMeeting(ctx, meetingID); err != nil {
		t.Fatalf("DeleteForMeeting() error: %v", err)
	}
	sessions, err = store.ListForMeeting(ctx, meetingID)
	if err != nil {
		t.Fatalf("ListForMeeting() error: %v", err)
	}
	if len(sessions) != 0 {
		t.Errorf("ListForMeeting() after cleanup = %d sessions, want 0", len(sessions))
	}
}
