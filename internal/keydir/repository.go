package keydir

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/murmel-chat/murmel-server/internal/device"
	"github.com/murmel-chat/murmel-server/internal/writeq"
)

// Membership answers whether a user belongs to a channel and what kind of channel it is. Satisfied by
// channel.Repository.
type Membership interface {
	IsMember(ctx context.Context, channelID, userID uuid.UUID) (bool, error)
	IsSignal(ctx context.Context, channelID uuid.UUID) (bool, error)
}

// Repository persists the key directory.
type Repository struct {
	db      *sql.DB
	writes  *writeq.Queue
	devices *device.Repository
	members Membership
}

// NewRepository creates the repository.
func NewRepository(db *sql.DB, writes *writeq.Queue, devices *device.Repository, members Membership) *Repository {
	return &Repository{db: db, writes: writes, devices: devices, members: members}
}

// UploadPreKeys stores a batch of one-time pre-keys for the client. Duplicate (client, prekey_id) pairs are ignored,
// so re-uploading after a partial failure is safe.
func (r *Repository) UploadPreKeys(ctx context.Context, clientID, owner uuid.UUID, keys []PreKey) error {
	if len(keys) == 0 {
		return nil
	}
	now := time.Now().UnixMilli()
	return r.writes.Do(ctx, "keydir.upload_prekeys", func(ctx context.Context) error {
		for _, key := range keys {
			_, err := r.db.ExecContext(ctx,
				`INSERT OR IGNORE INTO signal_prekeys (client, owner, prekey_id, prekey_data, created_at)
				 VALUES (?, ?, ?, ?, ?)`,
				clientID.String(), owner.String(), key.ID, key.Data, now)
			if err != nil {
				return err
			}
		}
		return nil
	})
}

// PreKeyCount reports how many one-time pre-keys the client has left, so clients know when to top up.
func (r *Repository) PreKeyCount(ctx context.Context, clientID uuid.UUID) (int, error) {
	var count int
	err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM signal_prekeys WHERE client = ?`, clientID.String(),
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count prekeys: %w", err)
	}
	return count, nil
}

// RotateSignedPreKey replaces the device's signed pre-key.
func (r *Repository) RotateSignedPreKey(ctx context.Context, clientID, owner uuid.UUID, key SignedPreKey) error {
	return r.writes.Do(ctx, "keydir.rotate_signed_prekey", func(ctx context.Context) error {
		_, err := r.db.ExecContext(ctx,
			`INSERT INTO signal_signed_prekeys (client, owner, signed_prekey_id, signed_prekey_data,
			                                    signed_prekey_signature, updated_at)
			 VALUES (?, ?, ?, ?, ?, ?)
			 ON CONFLICT(client) DO UPDATE SET
			     signed_prekey_id = excluded.signed_prekey_id,
			     signed_prekey_data = excluded.signed_prekey_data,
			     signed_prekey_signature = excluded.signed_prekey_signature,
			     updated_at = excluded.updated_at`,
			clientID.String(), owner.String(), key.ID, key.Data, key.Signature, time.Now().UnixMilli())
		return err
	})
}

// FetchBundle assembles the session bundle for a target (user, device): identity key, signed pre-key, and at most one
// one-time pre-key. The pre-key is deleted and returned inside a single queued operation, so concurrent fetches each
// consume a distinct key. When the pool is empty the bundle is served without one.
func (r *Repository) FetchBundle(ctx context.Context, owner uuid.UUID, deviceID int) (*Bundle, error) {
	d, err := r.devices.GetByOwnerDevice(ctx, owner, deviceID)
	if err != nil {
		return nil, err
	}
	if d.PublicKey == nil || d.RegistrationID == nil {
		return nil, ErrNoIdentity
	}

	bundle := &Bundle{
		IdentityKey:    *d.PublicKey,
		RegistrationID: *d.RegistrationID,
		DeviceID:       d.DeviceID,
	}

	var signed SignedPreKey
	err = r.db.QueryRowContext(ctx,
		`SELECT signed_prekey_id, signed_prekey_data, signed_prekey_signature
		 FROM signal_signed_prekeys WHERE client = ?`, d.ClientID.String(),
	).Scan(&signed.ID, &signed.Data, &signed.Signature)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNoSignedPreKey
	}
	if err != nil {
		return nil, fmt.Errorf("query signed prekey: %w", err)
	}
	bundle.SignedPreKey = signed

	err = r.writes.Do(ctx, "keydir.consume_prekey", func(ctx context.Context) error {
		var key PreKey
		var rowID int64
		err := r.db.QueryRowContext(ctx,
			`SELECT id, prekey_id, prekey_data FROM signal_prekeys
			 WHERE client = ? ORDER BY prekey_id ASC LIMIT 1`, d.ClientID.String(),
		).Scan(&rowID, &key.ID, &key.Data)
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("query prekey: %w", err)
		}

		if _, err := r.db.ExecContext(ctx,
			`DELETE FROM signal_prekeys WHERE id = ?`, rowID); err != nil {
			return err
		}
		bundle.PreKey = &key
		return nil
	})
	if err != nil {
		return nil, err
	}
	return bundle, nil
}

// PutSenderKey stores or replaces the caller's sender key for a channel. The caller must be a member, and the channel
// must be a group channel: meeting channels never carry sender keys.
func (r *Repository) PutSenderKey(ctx context.Context, channelID, clientID, owner uuid.UUID, senderKey string) error {
	member, err := r.members.IsMember(ctx, channelID, owner)
	if err != nil {
		return err
	}
	if !member {
		return ErrNotChannelMember
	}
	signal, err := r.members.IsSignal(ctx, channelID)
	if err != nil {
		return err
	}
	if !signal {
		return ErrNotGroupChannel
	}

	return r.writes.Do(ctx, "keydir.put_sender_key", func(ctx context.Context) error {
		_, err := r.db.ExecContext(ctx,
			`INSERT INTO signal_sender_keys (channel, client, owner, sender_key, updated_at)
			 VALUES (?, ?, ?, ?, ?)
			 ON CONFLICT(channel, client) DO UPDATE SET
			     sender_key = excluded.sender_key,
			     updated_at = excluded.updated_at`,
			channelID.String(), clientID.String(), owner.String(), senderKey, time.Now().UnixMilli())
		return err
	})
}

// ListSenderKeys returns every sender key of a channel. The caller must be a member.
func (r *Repository) ListSenderKeys(ctx context.Context, channelID, caller uuid.UUID) ([]SenderKey, error) {
	member, err := r.members.IsMember(ctx, channelID, caller)
	if err != nil {
		return nil, err
	}
	if !member {
		return nil, ErrNotChannelMember
	}

	rows, err := r.db.QueryContext(ctx,
		`SELECT channel, client, owner, sender_key, updated_at
		 FROM signal_sender_keys WHERE channel = ? ORDER BY client ASC`, channelID.String())
	if err != nil {
		return nil, fmt.Errorf("list sender keys: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []SenderKey
	for rows.Next() {
		var key SenderKey
		if err := rows.Scan(&key.ChannelID, &key.ClientID, &key.Owner, &key.Key, &key.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan sender key: %w", err)
		}
		out = append(out, key)
	}
	return out, rows.Err()
}

// DeleteSenderKeys removes a user's sender keys for the channel. Called when a member leaves so remaining members
// stop encrypting to them and rotate their own keys.
func (r *Repository) DeleteSenderKeys(ctx context.Context, channelID, owner uuid.UUID) error {
	return r.writes.Do(ctx, "keydir.delete_sender_keys", func(ctx context.Context) error {
		_, err := r.db.ExecContext(ctx,
			`DELETE FROM signal_sender_keys WHERE channel = ? AND owner = ?`,
			channelID.String(), owner.String())
		return err
	})
}
