package device

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/murmel-chat/murmel-server/internal/sqlite"
	"github.com/murmel-chat/murmel-server/internal/writeq"
)

const selectColumns = `clientid, owner, device_id, public_key, registration_id, ip, browser, location,
	created_at, updated_at`

func scanDevice(row *sql.Row) (*Device, error) {
	var (
		d                    Device
		clientID, owner      string
		createdAt, updatedAt int64
	)
	err := row.Scan(
		&clientID, &owner, &d.DeviceID, &d.PublicKey, &d.RegistrationID, &d.IP, &d.Browser, &d.Location,
		&createdAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}
	if d.ClientID, err = uuid.Parse(clientID); err != nil {
		return nil, fmt.Errorf("parse client id: %w", err)
	}
	if d.Owner, err = uuid.Parse(owner); err != nil {
		return nil, fmt.Errorf("parse owner id: %w", err)
	}
	d.CreatedAt = time.UnixMilli(createdAt)
	d.UpdatedAt = time.UnixMilli(updatedAt)
	return &d, nil
}

// Repository persists client rows.
type Repository struct {
	db     *sql.DB
	writes *writeq.Queue
}

// NewRepository creates a SQLite-backed device repository.
func NewRepository(db *sql.DB, writes *writeq.Queue) *Repository {
	return &Repository{db: db, writes: writes}
}

// Get returns the client row for the given client id.
func (r *Repository) Get(ctx context.Context, clientID uuid.UUID) (*Device, error) {
	d, err := scanDevice(r.db.QueryRowContext(ctx,
		`SELECT `+selectColumns+` FROM clients WHERE clientid = ?`, clientID.String()))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("query client: %w", err)
	}
	return d, nil
}

// GetByOwnerDevice returns the client row addressed by (owner, device number).
func (r *Repository) GetByOwnerDevice(ctx context.Context, owner uuid.UUID, deviceID int) (*Device, error) {
	d, err := scanDevice(r.db.QueryRowContext(ctx,
		`SELECT `+selectColumns+` FROM clients WHERE owner = ? AND device_id = ?`, owner.String(), deviceID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("query client by owner/device: %w", err)
	}
	return d, nil
}

// ListForOwner returns all client rows belonging to the given user, ordered by device number.
func (r *Repository) ListForOwner(ctx context.Context, owner uuid.UUID) ([]Device, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+selectColumns+` FROM clients WHERE owner = ? ORDER BY device_id`, owner.String())
	if err != nil {
		return nil, fmt.Errorf("list clients: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []Device
	for rows.Next() {
		var (
			d                    Device
			clientID, ownerStr   string
			createdAt, updatedAt int64
		)
		err := rows.Scan(
			&clientID, &ownerStr, &d.DeviceID, &d.PublicKey, &d.RegistrationID, &d.IP, &d.Browser, &d.Location,
			&createdAt, &updatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan client: %w", err)
		}
		if d.ClientID, err = uuid.Parse(clientID); err != nil {
			return nil, fmt.Errorf("parse client id: %w", err)
		}
		if d.Owner, err = uuid.Parse(ownerStr); err != nil {
			return nil, fmt.Errorf("parse owner id: %w", err)
		}
		d.CreatedAt = time.UnixMilli(createdAt)
		d.UpdatedAt = time.UnixMilli(updatedAt)
		out = append(out, d)
	}
	return out, rows.Err()
}

// FindOrCreate resolves a presented client id to a client row owned by userID. Three cases:
//
//   - The row exists and belongs to userID: request metadata is refreshed.
//   - The row does not exist: it is created with the next free device number for userID.
//   - The row exists but belongs to somebody else: the previous owner's server-side state tied to this device
//     (envelopes sent or received by it, the owner's group read receipts for it, every Signal key row, the HMAC
//     session) is purged, then the row is re-bound to userID with a fresh device number and cleared Signal identity.
//
// The whole decision runs inside a single queued write so two racing requests cannot both re-bind the same client.
func (r *Repository) FindOrCreate(ctx context.Context, clientID, userID uuid.UUID, info Info) (*Device, error) {
	var result *Device
	err := r.writes.Do(ctx, "device.find_or_create", func(ctx context.Context) error {
		existing, err := scanDevice(r.db.QueryRowContext(ctx,
			`SELECT `+selectColumns+` FROM clients WHERE clientid = ?`, clientID.String()))
		switch {
		case errors.Is(err, sql.ErrNoRows):
			result, err = r.create(ctx, clientID, userID, info)
			return err
		case err != nil:
			return fmt.Errorf("query client: %w", err)
		}

		if existing.Owner == userID {
			result = existing
			return r.touch(ctx, existing, info)
		}

		result, err = r.transferOwnership(ctx, existing, userID, info)
		return err
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// create inserts a new client row with the next free device number for the owner.
func (r *Repository) create(ctx context.Context, clientID, owner uuid.UUID, info Info) (*Device, error) {
	now := time.Now()
	d := &Device{
		ClientID:  clientID,
		Owner:     owner,
		IP:        info.IP,
		Browser:   info.Browser,
		Location:  info.Location,
		CreatedAt: now,
		UpdatedAt: now,
	}

	err := sqlite.WithTx(ctx, r.db, func(tx *sql.Tx) error {
		if err := tx.QueryRowContext(ctx,
			`SELECT COALESCE(MAX(device_id), 0) + 1 FROM clients WHERE owner = ?`, owner.String(),
		).Scan(&d.DeviceID); err != nil {
			return fmt.Errorf("next device id: %w", err)
		}

		_, err := tx.ExecContext(ctx,
			`INSERT INTO clients (clientid, owner, device_id, ip, browser, location, created_at, updated_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			clientID.String(), owner.String(), d.DeviceID, info.IP, info.Browser, info.Location,
			now.UnixMilli(), now.UnixMilli(),
		)
		if err != nil {
			return fmt.Errorf("insert client: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return d, nil
}

// touch refreshes the request metadata on an existing row.
func (r *Repository) touch(ctx context.Context, d *Device, info Info) error {
	now := time.Now()
	_, err := r.db.ExecContext(ctx,
		`UPDATE clients SET ip = ?, browser = ?, location = ?, updated_at = ? WHERE clientid = ?`,
		info.IP, info.Browser, info.Location, now.UnixMilli(), d.ClientID.String())
	if err != nil {
		return fmt.Errorf("touch client: %w", err)
	}
	d.IP, d.Browser, d.Location, d.UpdatedAt = info.IP, info.Browser, info.Location, now
	return nil
}

// transferOwnership purges the previous owner's state and re-binds the row to the new owner. Purge and re-bind happen
// in one transaction so a failure leaves the old binding fully intact.
func (r *Repository) transferOwnership(ctx context.Context, old *Device, newOwner uuid.UUID, info Info) (*Device, error) {
	now := time.Now()
	d := &Device{
		ClientID:  old.ClientID,
		Owner:     newOwner,
		IP:        info.IP,
		Browser:   info.Browser,
		Location:  info.Location,
		CreatedAt: old.CreatedAt,
		UpdatedAt: now,
	}

	client := old.ClientID.String()
	oldOwner := old.Owner.String()

	err := sqlite.WithTx(ctx, r.db, func(tx *sql.Tx) error {
		purges := []struct {
			name string
			stmt string
			args []any
		}{
			{"items", `DELETE FROM items
				WHERE (sender = ? AND device_sender = ?) OR (receiver = ? AND device_receiver = ?)`,
				[]any{oldOwner, old.DeviceID, oldOwner, old.DeviceID}},
			{"group reads", `DELETE FROM group_item_reads WHERE user_id = ? AND device_id = ?`,
				[]any{oldOwner, old.DeviceID}},
			{"prekeys", `DELETE FROM signal_prekeys WHERE client = ?`, []any{client}},
			{"signed prekeys", `DELETE FROM signal_signed_prekeys WHERE client = ?`, []any{client}},
			{"sender keys", `DELETE FROM signal_sender_keys WHERE client = ?`, []any{client}},
			{"sessions", `DELETE FROM client_sessions WHERE client_id = ?`, []any{client}},
		}
		for _, p := range purges {
			if _, err := tx.ExecContext(ctx, p.stmt, p.args...); err != nil {
				return fmt.Errorf("purge %s: %w", p.name, err)
			}
		}

		if err := tx.QueryRowContext(ctx,
			`SELECT COALESCE(MAX(device_id), 0) + 1 FROM clients WHERE owner = ?`, newOwner.String(),
		).Scan(&d.DeviceID); err != nil {
			return fmt.Errorf("next device id: %w", err)
		}

		_, err := tx.ExecContext(ctx,
			`UPDATE clients
			 SET owner = ?, device_id = ?, public_key = NULL, registration_id = NULL,
			     ip = ?, browser = ?, location = ?, updated_at = ?
			 WHERE clientid = ?`,
			newOwner.String(), d.DeviceID, info.IP, info.Browser, info.Location, now.UnixMilli(), client,
		)
		if err != nil {
			return fmt.Errorf("rebind client: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return d, nil
}

// SetSignalIdentity stores the device's Signal identity key and registration id.
func (r *Repository) SetSignalIdentity(ctx context.Context, clientID uuid.UUID, publicKey string, registrationID int64) error {
	return r.writes.Do(ctx, "device.set_signal_identity", func(ctx context.Context) error {
		res, err := r.db.ExecContext(ctx,
			`UPDATE clients SET public_key = ?, registration_id = ?, updated_at = ? WHERE clientid = ?`,
			publicKey, registrationID, time.Now().UnixMilli(), clientID.String())
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

// Delete removes a client row owned by the given user, together with its Signal keys and HMAC session. The FK from
// client_sessions cascades; key rows are keyed by client id string and removed explicitly.
func (r *Repository) Delete(ctx context.Context, clientID, owner uuid.UUID) error {
	return r.writes.Do(ctx, "device.delete", func(ctx context.Context) error {
		return sqlite.WithTx(ctx, r.db, func(tx *sql.Tx) error {
			client := clientID.String()
			for _, stmt := range []string{
				`DELETE FROM signal_prekeys WHERE client = ?`,
				`DELETE FROM signal_signed_prekeys WHERE client = ?`,
				`DELETE FROM signal_sender_keys WHERE client = ?`,
				`DELETE FROM client_sessions WHERE client_id = ?`,
			} {
				if _, err := tx.ExecContext(ctx, stmt, client); err != nil {
					return fmt.Errorf("delete client state: %w", err)
				}
			}

			res, err := tx.ExecContext(ctx,
				`DELETE FROM clients WHERE clientid = ? AND owner = ?`, client, owner.String())
			if err != nil {
				return fmt.Errorf("delete client: %w", err)
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
	})
}
