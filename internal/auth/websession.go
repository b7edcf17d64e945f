package auth

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// SessionCookie is the name of the browser session cookie.
const SessionCookie = "murmel_session"

// Valkey key pattern:
//
//	websession:{id} → JSON WebSession (STRING with TTL, refreshed on save)

// WebSession is the browser-side counterpart of a ClientSession. It exists from the first registration request, so
// UserID and Email may be set before the account is verified. Challenge holds serialized WebAuthn ceremony state
// between the challenge and response requests; State is the one-shot CSRF value for Custom-Tab flows.
type WebSession struct {
	ID        string          `json:"id"`
	UserID    string          `json:"userId,omitempty"`
	Email     string          `json:"email,omitempty"`
	Step      string          `json:"registrationStep,omitempty"`
	State     string          `json:"state,omitempty"`
	Challenge json.RawMessage `json:"challenge,omitempty"`
	CreatedAt int64           `json:"createdAt"`
}

// WebSessionStore keeps browser sessions in Valkey.
type WebSessionStore struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewWebSessionStore creates the store.
func NewWebSessionStore(rdb *redis.Client, ttl time.Duration) *WebSessionStore {
	return &WebSessionStore{rdb: rdb, ttl: ttl}
}

// Create mints an empty session and persists it.
func (s *WebSessionStore) Create(ctx context.Context) (*WebSession, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return nil, fmt.Errorf("generate session id: %w", err)
	}
	session := &WebSession{
		ID:        base64.RawURLEncoding.EncodeToString(buf),
		CreatedAt: time.Now().UnixMilli(),
	}
	if err := s.Save(ctx, session); err != nil {
		return nil, err
	}
	return session, nil
}

// Get loads a session by id. Returns ErrSessionNotFound for unknown or expired ids.
func (s *WebSessionStore) Get(ctx context.Context, id string) (*WebSession, error) {
	if id == "" {
		return nil, ErrSessionNotFound
	}
	data, err := s.rdb.Get(ctx, "websession:"+id).Result()
	if err == redis.Nil {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load web session: %w", err)
	}

	var session WebSession
	if err := json.Unmarshal([]byte(data), &session); err != nil {
		return nil, fmt.Errorf("decode web session: %w", err)
	}
	return &session, nil
}

// Save persists the session and refreshes its TTL.
func (s *WebSessionStore) Save(ctx context.Context, session *WebSession) error {
	data, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("encode web session: %w", err)
	}
	if err := s.rdb.Set(ctx, "websession:"+session.ID, data, s.ttl).Err(); err != nil {
		return fmt.Errorf("store web session: %w", err)
	}
	return nil
}

// ConsumeState checks the one-shot CSRF state and clears it. A mismatch leaves the stored state untouched.
func (s *WebSessionStore) ConsumeState(ctx context.Context, session *WebSession, presented string) error {
	if session.State == "" || session.State != presented {
		return ErrStateMismatch
	}
	session.State = ""
	return s.Save(ctx, session)
}

// Delete destroys the session.
func (s *WebSessionStore) Delete(ctx context.Context, id string) error {
	if err := s.rdb.Del(ctx, "websession:"+id).Err(); err != nil {
		return fmt.Errorf("delete web session: %w", err)
	}
	return nil
}

// NewState returns a fresh CSRF state value for Custom-Tab authentication.
func NewState() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate state: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
