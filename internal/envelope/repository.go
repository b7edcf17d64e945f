package envelope

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/murmel-chat/murmel-server/internal/writeq"
)

// Membership answers whether a user belongs to a channel. Satisfied by channel.Repository.
type Membership interface {
	IsMember(ctx context.Context, channelID, userID uuid.UUID) (bool, error)
}

// Blocklist answers whether blocker has blocked blocked. Satisfied by abuse.Repository.
type Blocklist interface {
	IsBlocked(ctx context.Context, blocker, blocked uuid.UUID) (bool, error)
}

// Repository persists envelopes and receipts.
type Repository struct {
	db      *sql.DB
	writes  *writeq.Queue
	members Membership
	blocks  Blocklist
	log     zerolog.Logger
}

// NewRepository creates the repository.
func NewRepository(db *sql.DB, writes *writeq.Queue, members Membership, blocks Blocklist, log zerolog.Logger) *Repository {
	return &Repository{db: db, writes: writes, members: members, blocks: blocks, log: log}
}

// Send queues a 1:1 envelope for one (receiver, device) pair. A retry carrying the same itemId to the same target is
// idempotent. When the receiver has blocked the sender, the envelope is accepted and dropped without an error, so the
// sender cannot probe for blocks; the returned flag tells the caller whether anything was queued, so dropped sends
// do not trigger gateway notifications either.
func (r *Repository) Send(ctx context.Context, params SendParams) (bool, error) {
	blocked, err := r.blocks.IsBlocked(ctx, params.Receiver, params.Sender)
	if err != nil {
		return false, err
	}
	if blocked {
		r.log.Debug().
			Str("sender", params.Sender.String()).
			Str("receiver", params.Receiver.String()).
			Msg("dropping envelope from blocked sender")
		return false, nil
	}

	return true, r.writes.Do(ctx, "envelope.send", func(ctx context.Context) error {
		_, err := r.db.ExecContext(ctx,
			`INSERT OR IGNORE INTO items (id, item_id, sender, device_sender, receiver, device_receiver,
			                              type, payload, cipher_type, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			uuid.NewString(), params.ItemID, params.Sender.String(), params.DeviceSender,
			params.Receiver.String(), params.DeviceReceiver, params.Type, params.Payload, params.CipherType,
			time.Now().UnixMilli())
		return err
	})
}

// FetchForDevice returns the undelivered envelopes addressed to (receiver, device) in createdAt ascending order and
// stamps them delivered, both inside one queued operation so a second fetch never sees the same envelopes again.
func (r *Repository) FetchForDevice(ctx context.Context, receiver uuid.UUID, deviceID int) ([]Item, error) {
	var out []Item
	err := r.writes.Do(ctx, "envelope.fetch", func(ctx context.Context) error {
		rows, err := r.db.QueryContext(ctx,
			`SELECT id, item_id, sender, device_sender, receiver, device_receiver,
			        type, payload, cipher_type, readed, delivered_at, created_at
			 FROM items
			 WHERE receiver = ? AND device_receiver = ? AND delivered_at IS NULL
			 ORDER BY created_at ASC`,
			receiver.String(), deviceID)
		if err != nil {
			return fmt.Errorf("query items: %w", err)
		}
		defer func() { _ = rows.Close() }()

		for rows.Next() {
			item, err := scanItem(rows)
			if err != nil {
				return err
			}
			out = append(out, *item)
		}
		if err := rows.Err(); err != nil {
			return err
		}
		if len(out) == 0 {
			return nil
		}

		now := time.Now().UnixMilli()
		_, err = r.db.ExecContext(ctx,
			`UPDATE items SET delivered_at = ? WHERE receiver = ? AND device_receiver = ? AND delivered_at IS NULL`,
			now, receiver.String(), deviceID)
		if err != nil {
			return fmt.Errorf("mark delivered: %w", err)
		}
		for i := range out {
			out[i].DeliveredAt = &now
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// MarkRead sets the read flag on the given envelopes. Scoped to the calling device so one device cannot confirm
// display for another.
func (r *Repository) MarkRead(ctx context.Context, receiver uuid.UUID, deviceID int, itemIDs []string) error {
	if len(itemIDs) == 0 {
		return nil
	}
	placeholders := strings.Repeat("?, ", len(itemIDs)-1) + "?"
	args := make([]any, 0, len(itemIDs)+2)
	args = append(args, receiver.String(), deviceID)
	for _, id := range itemIDs {
		args = append(args, id)
	}

	return r.writes.Do(ctx, "envelope.mark_read", func(ctx context.Context) error {
		_, err := r.db.ExecContext(ctx,
			`UPDATE items SET readed = 1
			 WHERE receiver = ? AND device_receiver = ? AND item_id IN (`+placeholders+`)`, args...)
		return err
	})
}

// SendGroup stores one sender-key encrypted row for the channel. The caller must be a member; a retry carrying the
// same itemId is idempotent.
func (r *Repository) SendGroup(ctx context.Context, params GroupSendParams) (*GroupItem, error) {
	member, err := r.members.IsMember(ctx, params.ChannelID, params.Sender)
	if err != nil {
		return nil, err
	}
	if !member {
		return nil, ErrNotChannelMember
	}

	item := &GroupItem{
		ID:           uuid.NewString(),
		ItemID:       params.ItemID,
		ChannelID:    params.ChannelID.String(),
		Sender:       params.Sender.String(),
		SenderDevice: params.SenderDevice,
		Type:         params.Type,
		Payload:      params.Payload,
		CipherType:   params.CipherType,
		Timestamp:    time.Now().UnixMilli(),
	}
	err = r.writes.Do(ctx, "envelope.send_group", func(ctx context.Context) error {
		_, err := r.db.ExecContext(ctx,
			`INSERT OR IGNORE INTO group_items (id, item_id, channel, sender, sender_device,
			                                    type, payload, cipher_type, timestamp)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			item.ID, item.ItemID, item.ChannelID, item.Sender, item.SenderDevice,
			item.Type, item.Payload, item.CipherType, item.Timestamp)
		return err
	})
	if err != nil {
		return nil, err
	}
	return item, nil
}

// FetchGroup returns the channel's group envelopes with timestamp strictly after since, oldest first. The caller must
// be a member.
func (r *Repository) FetchGroup(ctx context.Context, channelID, caller uuid.UUID, since int64) ([]GroupItem, error) {
	member, err := r.members.IsMember(ctx, channelID, caller)
	if err != nil {
		return nil, err
	}
	if !member {
		return nil, ErrNotChannelMember
	}

	rows, err := r.db.QueryContext(ctx,
		`SELECT id, item_id, channel, sender, sender_device, type, payload, cipher_type, timestamp
		 FROM group_items WHERE channel = ? AND timestamp > ? ORDER BY timestamp ASC`,
		channelID.String(), since)
	if err != nil {
		return nil, fmt.Errorf("query group items: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []GroupItem
	for rows.Next() {
		var item GroupItem
		err := rows.Scan(&item.ID, &item.ItemID, &item.ChannelID, &item.Sender, &item.SenderDevice,
			&item.Type, &item.Payload, &item.CipherType, &item.Timestamp)
		if err != nil {
			return nil, fmt.Errorf("scan group item: %w", err)
		}
		out = append(out, item)
	}
	return out, rows.Err()
}

// MarkGroupRead records that (user, device) has displayed the group envelope. Repeats are no-ops.
func (r *Repository) MarkGroupRead(ctx context.Context, itemID string, userID uuid.UUID, deviceID int) error {
	return r.writes.Do(ctx, "envelope.mark_group_read", func(ctx context.Context) error {
		_, err := r.db.ExecContext(ctx,
			`INSERT OR IGNORE INTO group_item_reads (item_id, user_id, device_id, read_at) VALUES (?, ?, ?, ?)`,
			itemID, userID.String(), deviceID, time.Now().UnixMilli())
		return err
	})
}

// GroupReaders returns the user ids that have read the group envelope on at least one device.
func (r *Repository) GroupReaders(ctx context.Context, itemID string) ([]uuid.UUID, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT DISTINCT user_id FROM group_item_reads WHERE item_id = ?`, itemID)
	if err != nil {
		return nil, fmt.Errorf("query group reads: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []uuid.UUID
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, fmt.Errorf("scan group read: %w", err)
		}
		id, err := uuid.Parse(s)
		if err != nil {
			return nil, fmt.Errorf("parse reader id: %w", err)
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// PurgeDelivered deletes 1:1 envelopes that were delivered before the cutoff. Called by the janitor; returns the
// number of rows removed.
func (r *Repository) PurgeDelivered(ctx context.Context, before time.Time) (int64, error) {
	var n int64
	err := r.writes.Do(ctx, "envelope.purge_delivered", func(ctx context.Context) error {
		res, err := r.db.ExecContext(ctx,
			`DELETE FROM items WHERE delivered_at IS NOT NULL AND delivered_at < ?`, before.UnixMilli())
		if err != nil {
			return err
		}
		n, err = res.RowsAffected()
		return err
	})
	return n, err
}

func scanItem(rows *sql.Rows) (*Item, error) {
	var (
		item   Item
		readed int
	)
	err := rows.Scan(&item.ID, &item.ItemID, &item.Sender, &item.DeviceSender, &item.Receiver,
		&item.DeviceReceiver, &item.Type, &item.Payload, &item.CipherType, &readed,
		&item.DeliveredAt, &item.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("scan item: %w", err)
	}
	item.Read = readed != 0
	return &item, nil
}
