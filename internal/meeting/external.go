package meeting

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/murmel-chat/murmel-server/internal/sanitize"
)

const (
	// ExternalSessionTTL bounds how long a guest session lives without being refreshed. Expiry doubles as garbage
	// collection: no sweep is needed, the keys just vanish.
	ExternalSessionTTL = 2 * time.Hour

	// KnockCooldown is the minimum gap between admission requests from one session.
	KnockCooldown = 30 * time.Second
)

func externalSessionKey(sessionID string) string {
	return "extsession:" + sessionID
}

func meetingSessionsKey(meetingID string) string {
	return "extsessions:" + meetingID
}

// ExternalSession is one guest's volatile state: their display name, the Signal key material they brought, and where
// they stand in the admission flow. Admitted is three-valued: nil means no pending request, false means knocking,
// true means the host let them in.
type ExternalSession struct {
	ID                   string          `json:"sessionId"`
	MeetingID            string          `json:"meetingId"`
	DisplayName          string          `json:"displayName"`
	IdentityKey          string          `json:"identityKey"`
	SignedPreKey         json.RawMessage `json:"signedPreKey,omitempty"`
	PreKeys              json.RawMessage `json:"preKeys,omitempty"`
	Admitted             *bool           `json:"admitted"`
	LastAdmissionRequest *int64          `json:"lastAdmissionRequest,omitempty"`
	JoinedAt             *int64          `json:"joinedAt,omitempty"`
	LeftAt               *int64          `json:"leftAt,omitempty"`
	CreatedAt            int64           `json:"createdAt"`
}

// IsAdmitted reports whether the host has let the guest in and they have not left.
func (s *ExternalSession) IsAdmitted() bool {
	return s.Admitted != nil && *s.Admitted && s.LeftAt == nil
}

// ExternalStore keeps guest sessions in Valkey. A per-meeting index set tracks live session ids so meeting-end
// cleanup and knock fan-out can find them.
type ExternalStore struct {
	rdb *redis.Client
	ttl time.Duration
	now func() time.Time
}

// NewExternalStore creates the store with the default TTL.
func NewExternalStore(rdb *redis.Client) *ExternalStore {
	return &ExternalStore{rdb: rdb, ttl: ExternalSessionTTL, now: time.Now}
}

// Create registers a guest for the meeting and returns their session. The display name is sanitized; the key
// material is stored opaquely for admitted peers to fetch.
func (s *ExternalStore) Create(ctx context.Context, meetingID, displayName, identityKey string, signedPreKey, preKeys json.RawMessage) (*ExternalSession, error) {
	name := sanitize.Truncate(sanitize.Oneline(displayName), 100)
	if name == "" {
		name = "Guest"
	}

	session := &ExternalSession{
		ID:           uuid.NewString(),
		MeetingID:    meetingID,
		DisplayName:  name,
		IdentityKey:  identityKey,
		SignedPreKey: signedPreKey,
		PreKeys:      preKeys,
		CreatedAt:    time.Now().UnixMilli(),
	}
	if err := s.save(ctx, session); err != nil {
		return nil, err
	}

	pipe := s.rdb.Pipeline()
	pipe.SAdd(ctx, meetingSessionsKey(meetingID), session.ID)
	pipe.Expire(ctx, meetingSessionsKey(meetingID), s.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("index external session: %w", err)
	}
	return session, nil
}

// Get returns the session by id.
func (s *ExternalStore) Get(ctx context.Context, sessionID string) (*ExternalSession, error) {
	raw, err := s.rdb.Get(ctx, externalSessionKey(sessionID)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get external session: %w", err)
	}
	var session ExternalSession
	if err := json.Unmarshal([]byte(raw), &session); err != nil {
		return nil, fmt.Errorf("unmarshal external session: %w", err)
	}
	return &session, nil
}

// Knock records an admission request: admitted flips to false and the request time is stamped. A repeat inside the
// cooldown window is rejected so a guest cannot spam the hosts.
func (s *ExternalStore) Knock(ctx context.Context, sessionID string) (*ExternalSession, error) {
	session, err := s.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	now := s.now()
	if session.LastAdmissionRequest != nil {
		last := time.UnixMilli(*session.LastAdmissionRequest)
		if now.Sub(last) < KnockCooldown {
			return nil, ErrKnockCooldown
		}
	}

	knocking := false
	ts := now.UnixMilli()
	session.Admitted = &knocking
	session.LastAdmissionRequest = &ts
	if err := s.save(ctx, session); err != nil {
		return nil, err
	}
	return session, nil
}

// Admit lets the guest in: admitted flips true and joinedAt is stamped.
func (s *ExternalStore) Admit(ctx context.Context, sessionID string) (*ExternalSession, error) {
	session, err := s.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	admitted := true
	now := time.Now().UnixMilli()
	session.Admitted = &admitted
	session.JoinedAt = &now
	session.LeftAt = nil
	if err := s.save(ctx, session); err != nil {
		return nil, err
	}
	return session, nil
}

// Decline resets the session to no pending request. The guest may knock again once their cooldown lapses.
func (s *ExternalStore) Decline(ctx context.Context, sessionID string) (*ExternalSession, error) {
	session, err := s.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	session.Admitted = nil
	session.JoinedAt = nil
	if err := s.save(ctx, session); err != nil {
		return nil, err
	}
	return session, nil
}

// MarkLeft stamps the guest's departure. The session stays until TTL so reconnects can be distinguished from fresh
// joins.
func (s *ExternalStore) MarkLeft(ctx context.Context, sessionID string) error {
	session, err := s.Get(ctx, sessionID)
	if err != nil {
		return err
	}
	now := time.Now().UnixMilli()
	session.LeftAt = &now
	return s.save(ctx, session)
}

// ListForMeeting returns the meeting's live guest sessions. Expired ids still in the index are skipped.
func (s *ExternalStore) ListForMeeting(ctx context.Context, meetingID string) ([]ExternalSession, error) {
	ids, err := s.rdb.SMembers(ctx, meetingSessionsKey(meetingID)).Result()
	if err != nil {
		return nil, fmt.Errorf("list external sessions: %w", err)
	}

	var out []ExternalSession
	for _, id := range ids {
		session, err := s.Get(ctx, id)
		if errors.Is(err, ErrSessionNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, *session)
	}
	return out, nil
}

// DeleteForMeeting drops every guest session of the meeting. Called when a meeting ends.
func (s *ExternalStore) DeleteForMeeting(ctx context.Context, meetingID string) error {
	ids, err := s.rdb.SMembers(ctx, meetingSessionsKey(meetingID)).Result()
	if err != nil {
		return fmt.Errorf("list external sessions: %w", err)
	}

	keys := make([]string, 0, len(ids)+1)
	for _, id := range ids {
		keys = append(keys, externalSessionKey(id))
	}
	keys = append(keys, meetingSessionsKey(meetingID))
	if err := s.rdb.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("delete external sessions: %w", err)
	}
	return nil
}

func (s *ExternalStore) save(ctx context.Context, session *ExternalSession) error {
	raw, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("marshal external session: %w", err)
	}
	if err := s.rdb.Set(ctx, externalSessionKey(session.ID), raw, s.ttl).Err(); err != nil {
		return fmt.Errorf("save external session: %w", err)
	}
	return nil
}
