package auth

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/murmel-chat/murmel-server/internal/device"
	"github.com/murmel-chat/murmel-server/internal/sqlite"
	"github.com/murmel-chat/murmel-server/internal/user"
	"github.com/murmel-chat/murmel-server/internal/writeq"
)

// testDB opens a migrated database in a temp directory and a running write queue.
func testDB(t *testing.T) (*sql.DB, *writeq.Queue) {
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
	return db, q
}

// seedClient creates a user with one registered device and returns both ids. Sessions reference the clients table, so
// tests that store sessions need a real client row.
func seedClient(t *testing.T, db *sql.DB, q *writeq.Queue) (clientID, userID uuid.UUID) {
	t.Helper()

	ctx := context.Background()
	u, err := user.NewRepository(db, q).Create(ctx, uuid.NewString()[:13]+"@x.org")
	if err != nil {
		t.Fatalf("create user: %v", err)
	}
	clientID = uuid.New()
	if _, err := device.NewRepository(db, q).FindOrCreate(ctx, clientID, u.ID, device.Info{}); err != nil {
		t.Fatalf("create client: %v", err)
	}
	return clientID, u.ID
}

// testRedis returns a client backed by an in-process server.
func testRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return mr, rdb
}

func TestValidateEmail(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		email      string
		wantEmail  string
		wantDomain string
		wantErr    bool
	}{
		{name: "plain", email: "user@example.org", wantEmail: "user@example.org", wantDomain: "example.org"},
		{name: "uppercase normalised", email: "User@Example.ORG", wantEmail: "user@example.org", wantDomain: "example.org"},
		{name: "missing at", email: "example.org", wantErr: true},
		{name: "missing domain", email: "user@", wantErr: true},
		{name: "empty", email: "", wantErr: true},
		{name: "display name form rejected", email: "User <user@example.org>", wantEmail: "user@example.org", wantDomain: "example.org"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			got, domain, err := ValidateEmail(tt.email)
			if tt.wantErr {
				if !errors.Is(err, ErrInvalidEmail) {
					t.Fatalf("ValidateEmail(%q) error = %v, want ErrInvalidEmail", tt.email, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("ValidateEmail(%q) error: %v", tt.email, err)
			}
			if got != tt.wantEmail || domain != tt.wantDomain {
				t.Errorf("ValidateEmail(%q) = (%q, %q), want (%q, %q)", tt.email, got, domain, tt.wantEmail, tt.wantDomain)
			}
		})
	}
}

func TestParseClientID(t *testing.T) {
	t.Parallel()

	if _, err := ParseClientID("11111111-1111-4111-8111-111111111111"); err != nil {
		t.Fatalf("ParseClientID() error: %v", err)
	}
	if _, err := ParseClientID("not-a-uuid"); !errors.Is(err, ErrInvalidClientID) {
		t.Fatalf("ParseClientID(bad) error = %v, want ErrInvalidClientID", err)
	}
	if _, err := ParseClientID(""); !errors.Is(err, ErrInvalidClientID) {
		t.Fatalf("ParseClientID(empty) error = %v, want ErrInvalidClientID", err)
	}
}
