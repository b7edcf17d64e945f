package abuse

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/murmel-chat/murmel-server/internal/sanitize"
	"github.com/murmel-chat/murmel-server/internal/writeq"
)

const (
	blockCacheTTL = 10 * time.Minute

	// blockCacheEmpty marks a cached block set as loaded. Without it an empty set and a cache miss would be
	// indistinguishable, forcing a SQLite read per event.
	blockCacheEmpty = "-"

	maxDescriptionLength = 2000
)

func blockCacheKey(userID uuid.UUID) string {
	return "blocks:" + userID.String()
}

// Repository persists block lists and abuse reports. The blocked_users table is authoritative; Valkey holds a
// read-through cache of each user's block set that is invalidated on every change.
type Repository struct {
	db     *sql.DB
	writes *writeq.Queue
	rdb    *redis.Client
	log    zerolog.Logger
}

// NewRepository creates the repository.
func NewRepository(db *sql.DB, writes *writeq.Queue, rdb *redis.Client, log zerolog.Logger) *Repository {
	return &Repository{db: db, writes: writes, rdb: rdb, log: log}
}

// Block records that blocker no longer wants to see blocked. Repeats are no-ops.
func (r *Repository) Block(ctx context.Context, blocker, blocked uuid.UUID) error {
	if blocker == blocked {
		return ErrSelfBlock
	}
	err := r.writes.Do(ctx, "abuse.block", func(ctx context.Context) error {
		_, err := r.db.ExecContext(ctx,
			`INSERT OR IGNORE INTO blocked_users (blocker, blocked, created_at) VALUES (?, ?, ?)`,
			blocker.String(), blocked.String(), time.Now().UnixMilli())
		return err
	})
	if err != nil {
		return err
	}
	r.invalidateCache(ctx, blocker)
	return nil
}

// Unblock removes a block. Unblocking someone who was never blocked is a no-op.
func (r *Repository) Unblock(ctx context.Context, blocker, blocked uuid.UUID) error {
	err := r.writes.Do(ctx, "abuse.unblock", func(ctx context.Context) error {
		_, err := r.db.ExecContext(ctx,
			`DELETE FROM blocked_users WHERE blocker = ? AND blocked = ?`,
			blocker.String(), blocked.String())
		return err
	})
	if err != nil {
		return err
	}
	r.invalidateCache(ctx, blocker)
	return nil
}

// IsBlocked reports whether blocker has blocked blocked. Reads SQLite directly; the envelope path tolerates the
// extra query, only the hub needs the cached set.
func (r *Repository) IsBlocked(ctx context.Context, blocker, blocked uuid.UUID) (bool, error) {
	var one int
	err := r.db.QueryRowContext(ctx,
		`SELECT 1 FROM blocked_users WHERE blocker = ? AND blocked = ?`,
		blocker.String(), blocked.String()).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("query block: %w", err)
	}
	return true, nil
}

// ListBlocked returns the ids blocker has blocked, oldest block first.
func (r *Repository) ListBlocked(ctx context.Context, blocker uuid.UUID) ([]uuid.UUID, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT blocked FROM blocked_users WHERE blocker = ? ORDER BY created_at`, blocker.String())
	if err != nil {
		return nil, fmt.Errorf("list blocked: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []uuid.UUID
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, fmt.Errorf("scan blocked: %w", err)
		}
		id, err := uuid.Parse(s)
		if err != nil {
			return nil, fmt.Errorf("parse blocked id: %w", err)
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// BlockedSet returns blocker's block set as a lookup map, served from the Valkey cache when warm. The hub calls this
// once per delivery decision, so a miss loads the whole set and caches it with a TTL.
func (r *Repository) BlockedSet(ctx context.Context, blocker uuid.UUID) (map[uuid.UUID]struct{}, error) {
	key := blockCacheKey(blocker)
	members, err := r.rdb.SMembers(ctx, key).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		r.log.Warn().Err(err).Msg("block cache read failed, falling back to sqlite")
	}

	if len(members) > 0 {
		set := make(map[uuid.UUID]struct{}, len(members))
		for _, m := range members {
			if m == blockCacheEmpty {
				continue
			}
			id, err := uuid.Parse(m)
			if err != nil {
				continue
			}
			set[id] = struct{}{}
		}
		return set, nil
	}

	ids, err := r.ListBlocked(ctx, blocker)
	if err != nil {
		return nil, err
	}

	values := make([]any, 0, len(ids)+1)
	values = append(values, blockCacheEmpty)
	set := make(map[uuid.UUID]struct{}, len(ids))
	for _, id := range ids {
		set[id] = struct{}{}
		values = append(values, id.String())
	}
	pipe := r.rdb.Pipeline()
	pipe.SAdd(ctx, key, values...)
	pipe.Expire(ctx, key, blockCacheTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		r.log.Warn().Err(err).Msg("block cache write failed")
	}
	return set, nil
}

func (r *Repository) invalidateCache(ctx context.Context, blocker uuid.UUID) {
	if err := r.rdb.Del(ctx, blockCacheKey(blocker)).Err(); err != nil {
		r.log.Warn().Err(err).Str("userId", blocker.String()).Msg("block cache invalidation failed")
	}
}

// CreateReport files a pending abuse report. The description is sanitized and bounded; photos are opaque attachment
// references the admin UI resolves.
func (r *Repository) CreateReport(ctx context.Context, reporter, reported uuid.UUID, description string, photos []string) (*Report, error) {
	description = sanitize.Truncate(sanitize.Text(description), maxDescriptionLength)
	if description == "" {
		return nil, ErrEmptyDescription
	}
	if photos == nil {
		photos = []string{}
	}
	photosJSON, err := json.Marshal(photos)
	if err != nil {
		return nil, fmt.Errorf("marshal photos: %w", err)
	}

	report := &Report{
		ID:          uuid.NewString(),
		Reporter:    reporter.String(),
		Reported:    reported.String(),
		Description: description,
		Photos:      photos,
		Status:      StatusPending,
		CreatedAt:   time.Now().UnixMilli(),
	}
	err = r.writes.Do(ctx, "abuse.create_report", func(ctx context.Context) error {
		_, err := r.db.ExecContext(ctx,
			`INSERT INTO abuse_reports (id, reporter, reported, description, photos, status, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?)`,
			report.ID, report.Reporter, report.Reported, report.Description, string(photosJSON),
			string(report.Status), report.CreatedAt)
		return err
	})
	if err != nil {
		return nil, err
	}
	return report, nil
}

// GetReport returns one report by id.
func (r *Repository) GetReport(ctx context.Context, id string) (*Report, error) {
	report, err := scanReport(r.db.QueryRowContext(ctx,
		`SELECT `+reportColumns+` FROM abuse_reports WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrReportNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query report: %w", err)
	}
	return report, nil
}

// ListReports returns reports newest first, optionally filtered by status.
func (r *Repository) ListReports(ctx context.Context, status *ReportStatus) ([]Report, error) {
	query := `SELECT ` + reportColumns + ` FROM abuse_reports`
	var args []any
	if status != nil {
		if !status.Valid() {
			return nil, ErrInvalidStatus
		}
		query += ` WHERE status = ?`
		args = append(args, string(*status))
	}
	query += ` ORDER BY created_at DESC`

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list reports: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []Report
	for rows.Next() {
		report, err := scanReport(rows)
		if err != nil {
			return nil, fmt.Errorf("scan report: %w", err)
		}
		out = append(out, *report)
	}
	return out, rows.Err()
}

// UpdateReportStatus moves a report through the review flow. Closing transitions stamp who resolved it and when.
// Notes replace the previous notes when non-empty.
func (r *Repository) UpdateReportStatus(ctx context.Context, id string, next ReportStatus, notes string, admin uuid.UUID) (*Report, error) {
	if !next.Valid() {
		return nil, ErrInvalidStatus
	}
	notes = sanitize.Truncate(sanitize.Text(notes), maxDescriptionLength)

	var updated *Report
	err := r.writes.Do(ctx, "abuse.update_report", func(ctx context.Context) error {
		report, err := r.GetReport(ctx, id)
		if err != nil {
			return err
		}
		if !report.Status.CanTransition(next) {
			return ErrInvalidTransition
		}

		report.Status = next
		if notes != "" {
			report.AdminNotes = notes
		}
		if next.Terminal() {
			by := admin.String()
			at := time.Now().UnixMilli()
			report.ResolvedBy = &by
			report.ResolvedAt = &at
		}

		_, err = r.db.ExecContext(ctx,
			`UPDATE abuse_reports SET status = ?, admin_notes = ?, resolved_by = ?, resolved_at = ? WHERE id = ?`,
			string(report.Status), report.AdminNotes, report.ResolvedBy, report.ResolvedAt, id)
		if err != nil {
			return err
		}
		updated = report
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

const reportColumns = `id, reporter, reported, description, photos, status, admin_notes, resolved_by, resolved_at,
	created_at`

func scanReport(scanner interface{ Scan(...any) error }) (*Report, error) {
	var (
		report Report
		photos string
		status string
	)
	err := scanner.Scan(&report.ID, &report.Reporter, &report.Reported, &report.Description, &photos, &status,
		&report.AdminNotes, &report.ResolvedBy, &report.ResolvedAt, &report.CreatedAt)
	if err != nil {
		return nil, err
	}
	report.Status = ReportStatus(status)
	if err := json.Unmarshal([]byte(photos), &report.Photos); err != nil {
		return nil, fmt.Errorf("unmarshal photos: %w", err)
	}
	return &report, nil
}
