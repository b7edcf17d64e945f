package auth

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/murmel-chat/murmel-server/internal/writeq"
)

// ClientSession is the HMAC authentication state shared with one native client installation. One active row exists
// per client id; rotation overwrites it.
type ClientSession struct {
	ClientID      uuid.UUID
	UserID        uuid.UUID
	DeviceID      int
	SessionSecret string
	ExpiresAt     time.Time
	LastUsed      time.Time
	DeviceInfo    string
	CreatedAt     time.Time
}

// Expired reports whether the session has passed its expiry.
func (s *ClientSession) Expired(now time.Time) bool {
	return now.After(s.ExpiresAt)
}

// ClientSessionStore persists HMAC sessions in the client_sessions table.
type ClientSessionStore struct {
	db     *sql.DB
	writes *writeq.Queue
}

// NewClientSessionStore creates the store.
func NewClientSessionStore(db *sql.DB, writes *writeq.Queue) *ClientSessionStore {
	return &ClientSessionStore{db: db, writes: writes}
}

// Put creates or rotates the session for a client. Last write wins on rotation.
func (s *ClientSessionStore) Put(ctx context.Context, session ClientSession) error {
	return s.writes.Do(ctx, "session.put", func(ctx context.Context) error {
		_, err := s.db.ExecContext(ctx,
			`INSERT INTO client_sessions (client_id, user_id, device_id, session_secret, expires_at, last_used,
			                              device_info, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
			 ON CONFLICT(client_id) DO UPDATE SET
			     user_id = excluded.user_id,
			     device_id = excluded.device_id,
			     session_secret = excluded.session_secret,
			     expires_at = excluded.expires_at,
			     last_used = excluded.last_used,
			     device_info = excluded.device_info`,
			session.ClientID.String(), session.UserID.String(), session.DeviceID, session.SessionSecret,
			session.ExpiresAt.UnixMilli(), session.LastUsed.UnixMilli(), session.DeviceInfo,
			session.CreatedAt.UnixMilli(),
		)
		return err
	})
}

// Get returns the session for a client id.
func (s *ClientSessionStore) Get(ctx context.Context, clientID uuid.UUID) (*ClientSession, error) {
	var (
		session                        ClientSession
		clientStr, userStr             string
		expiresAt, lastUsed, createdAt int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT client_id, user_id, device_id, session_secret, expires_at, last_used, device_info, created_at
		 FROM client_sessions WHERE client_id = ?`, clientID.String(),
	).Scan(&clientStr, &userStr, &session.DeviceID, &session.SessionSecret,
		&expiresAt, &lastUsed, &session.DeviceInfo, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query client session: %w", err)
	}

	if session.ClientID, err = uuid.Parse(clientStr); err != nil {
		return nil, fmt.Errorf("parse client id: %w", err)
	}
	if session.UserID, err = uuid.Parse(userStr); err != nil {
		return nil, fmt.Errorf("parse user id: %w", err)
	}
	session.ExpiresAt = time.UnixMilli(expiresAt)
	session.LastUsed = time.UnixMilli(lastUsed)
	session.CreatedAt = time.UnixMilli(createdAt)
	return &session, nil
}

// ListForUser returns every active session belonging to the user, for the sessions list endpoint.
func (s *ClientSessionStore) ListForUser(ctx context.Context, userID uuid.UUID) ([]ClientSession, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT client_id, user_id, device_id, session_secret, expires_at, last_used, device_info, created_at
		 FROM client_sessions WHERE user_id = ? ORDER BY last_used DESC`, userID.String())
	if err != nil {
		return nil, fmt.Errorf("list client sessions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []ClientSession
	for rows.Next() {
		var (
			session                        ClientSession
			clientStr, userStr             string
			expiresAt, lastUsed, createdAt int64
		)
		err := rows.Scan(&clientStr, &userStr, &session.DeviceID, &session.SessionSecret,
			&expiresAt, &lastUsed, &session.DeviceInfo, &createdAt)
		if err != nil {
			return nil, fmt.Errorf("scan client session: %w", err)
		}
		if session.ClientID, err = uuid.Parse(clientStr); err != nil {
			return nil, fmt.Errorf("parse client id: %w", err)
		}
		if session.UserID, err = uuid.Parse(userStr); err != nil {
			return nil, fmt.Errorf("parse user id: %w", err)
		}
		session.ExpiresAt = time.UnixMilli(expiresAt)
		session.LastUsed = time.UnixMilli(lastUsed)
		session.CreatedAt = time.UnixMilli(createdAt)
		out = append(out, session)
	}
	return out, rows.Err()
}

// Touch updates last_used. Called on every authenticated HMAC request; failures are non-fatal for the request.
func (s *ClientSessionStore) Touch(ctx context.Context, clientID uuid.UUID) error {
	return s.writes.Do(ctx, "session.touch", func(ctx context.Context) error {
		_, err := s.db.ExecContext(ctx,
			`UPDATE client_sessions SET last_used = ? WHERE client_id = ?`,
			time.Now().UnixMilli(), clientID.String())
		return err
	})
}

// Extend pushes the session expiry out to now + ttl.
func (s *ClientSessionStore) Extend(ctx context.Context, clientID uuid.UUID, ttl time.Duration) (time.Time, error) {
	expires := time.Now().Add(ttl)
	err := s.writes.Do(ctx, "session.extend", func(ctx context.Context) error {
		res, err := s.db.ExecContext(ctx,
			`UPDATE client_sessions SET expires_at = ? WHERE client_id = ?`,
			expires.UnixMilli(), clientID.String())
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("rows affected: %w", err)
		}
		if n == 0 {
			return ErrSessionNotFound
		}
		return nil
	})
	if err != nil {
		return time.Time{}, err
	}
	return expires, nil
}

// Delete removes the session for a client id. Used by logout and remote revocation.
func (s *ClientSessionStore) Delete(ctx context.Context, clientID uuid.UUID) error {
	return s.writes.Do(ctx, "session.delete", func(ctx context.Context) error {
		_, err := s.db.ExecContext(ctx,
			`DELETE FROM client_sessions WHERE client_id = ?`, clientID.String())
		return err
	})
}

// DeleteForUser removes every session of the user. Used by revoke-all and as a security response.
func (s *ClientSessionStore) DeleteForUser(ctx context.Context, userID uuid.UUID) error {
	return s.writes.Do(ctx, "session.delete_all", func(ctx context.Context) error {
		_, err := s.db.ExecContext(ctx,
			`DELETE FROM client_sessions WHERE user_id = ?`, userID.String())
		return err
	})
}
