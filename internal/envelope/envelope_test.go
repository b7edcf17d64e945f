package envelope

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

	"github.com/murmel-chat/murmel-server/internal/abuse"
	"github.com/murmel-chat/murmel-server/internal/channel"
	"github.com/murmel-chat/murmel-server/internal/sqlite"
	"github.com/murmel-chat/murmel-server/internal/user"
	"github.com/murmel-chat/murmel-server/internal/writeq"
)

type fixture struct {
	repo     *Repository
	channels *channel.Repository
	blocks   *abuse.Repository
	users    *user.Repository
}

// seedUser creates a user row so channel ownership and membership foreign keys resolve.
func (f *fixture) seedUser(t *testing.T) uuid.UUID {
	t.Helper()

	u, err := f.users.Create(context.Background(), uuid.NewString()[:13]+"@x.org")
	if err != nil {
		t.Fatalf("create user: %v", err)
	}
	return u.ID
}

func newFixture(t *testing.T) *fixture {
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

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	channels := channel.NewRepository(db, q)
	blocks := abuse.NewRepository(db, q, rdb, zerolog.Nop())
	return &fixture{
		repo:     NewRepository(db, q, channels, blocks, zerolog.Nop()),
		channels: channels,
		blocks:   blocks,
		users:    user.NewRepository(db, q),
	}
}

func TestSendFetchMarksDelivered(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()
	alice, bob := uuid.New(), uuid.New()

	send := SendParams{
		Sender: alice, DeviceSender: 1,
		Receiver: bob, DeviceReceiver: 1,
		ItemID: "item-1", Type: "message", Payload: "ciphertext", CipherType: CipherWhisper,
	}
	queued, err := f.repo.Send(ctx, send)
	if err != nil {
		t.Fatalf("Send() error: %v", err)
	}
	if !queued {
		t.Fatal("Send() reported the envelope as not queued")
	}
	// A retried send with the same itemId to the same device is idempotent.
	if _, err := f.repo.Send(ctx, send); err != nil {
		t.Fatalf("Send(retry) error: %v", err)
	}
	// The same itemId to a second device is a separate envelope.
	send.DeviceReceiver = 2
	if _, err := f.repo.Send(ctx, send); err != nil {
		t.Fatalf("Send(second device) error: %v", err)
	}

	items, err := f.repo.FetchForDevice(ctx, bob, 1)
	if err != nil {
		t.Fatalf("FetchForDevice() error: %v", err)
	}
	if len(items) != 1 {
		t.Fatalf("FetchForDevice() returned %d items, want 1", len(items))
	}
	if items[0].ItemID != "item-1" || items[0].Payload != "ciphertext" {
		t.Errorf("item = %+v, want the sent envelope", items[0])
	}
	if items[0].DeliveredAt == nil {
		t.Error("fetched item carries no deliveredAt")
	}

	// Delivered envelopes are not served again.
	items, err = f.repo.FetchForDevice(ctx, bob, 1)
	if err != nil {
		t.Fatalf("second FetchForDevice() error: %v", err)
	}
	if len(items) != 0 {
		t.Errorf("second fetch returned %d items, want 0", len(items))
	}

	// The second device still has its copy queued.
	items, err = f.repo.FetchForDevice(ctx, bob, 2)
	if err != nil {
		t.Fatalf("FetchForDevice(device 2) error: %v", err)
	}
	if len(items) != 1 {
		t.Errorf("device 2 fetch returned %d items, want 1", len(items))
	}
}

func TestFetchOrderedByCreatedAt(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()
	alice, bob := uuid.New(), uuid.New()

	for _, id := range []string{"first", "second", "third"} {
		_, err := f.repo.Send(ctx, SendParams{
			Sender: alice, DeviceSender: 1,
			Receiver: bob, DeviceReceiver: 1,
			ItemID: id, Type: "message", Payload: "c",
		})
		if err != nil {
			t.Fatalf("Send(%s) error: %v", id, err)
		}
		time.Sleep(2 * time.Millisecond)
	}

	items, err := f.repo.FetchForDevice(ctx, bob, 1)
	if err != nil {
		t.Fatalf("FetchForDevice() error: %v", err)
	}
	if len(items) != 3 {
		t.Fatalf("fetched %d items, want 3", len(items))
	}
	for i, want := range []string{"first", "second", "third"} {
		if items[i].ItemID != want {
			t.Errorf("items[%d] = %q, want %q", i, items[i].ItemID, want)
		}
	}
}

func TestSendToBlockerIsDiscarded(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()
	alice, bob := uuid.New(), uuid.New()

	if err := f.blocks.Block(ctx, bob, alice); err != nil {
		t.Fatalf("Block() error: %v", err)
	}

	// Accepted without error, so the sender cannot tell they are blocked.
	queued, err := f.repo.Send(ctx, SendParams{
		Sender: alice, DeviceSender: 1,
		Receiver: bob, DeviceReceiver: 1,
		ItemID: "item-1", Type: "message", Payload: "c",
	})
	if err != nil {
		t.Fatalf("Send(blocked) error: %v", err)
	}
	if queued {
		t.Error("Send(blocked) reported the envelope as queued")
	}

	items, err := f.repo.FetchForDevice(ctx, bob, 1)
	if err != nil {
		t.Fatalf("FetchForDevice() error: %v", err)
	}
	if len(items) != 0 {
		t.Errorf("blocked sender's envelope was queued: %+v", items)
	}
}

func TestMarkRead(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()
	alice, bob := uuid.New(), uuid.New()

	_, err := f.repo.Send(ctx, SendParams{
		Sender: alice, DeviceSender: 1,
		Receiver: bob, DeviceReceiver: 1,
		ItemID: "item-1", Type: "message", Payload: "c",
	})
	if err != nil {
		t.Fatalf("Send() error: %v", err)
	}

	if _, err := f.repo.FetchForDevice(ctx, bob, 1); err != nil {
		t.Fatalf("FetchForDevice() error: %v", err)
	}
	if err := f.repo.MarkRead(ctx, bob, 1, []string{"item-1"}); err != nil {
		t.Fatalf("MarkRead() error: %v", err)
	}
	// Empty id list is a no-op, not an error.
	if err := f.repo.MarkRead(ctx, bob, 1, nil); err != nil {
		t.Fatalf("MarkRead(empty) error: %v", err)
	}
}

func TestGroupEnvelopes(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()
	alice, bob, mallory := f.seedUser(t), f.seedUser(t), f.seedUser(t)

	ch, err := f.channels.Create(ctx, channel.CreateParams{Name: "general", Owner: alice, Type: channel.TypeSignal})
	if err != nil {
		t.Fatalf("create channel: %v", err)
	}
	if err := f.channels.AddMember(ctx, ch.ID, bob); err != nil {
		t.Fatalf("add member: %v", err)
	}

	send := GroupSendParams{
		Sender: alice, SenderDevice: 1, ChannelID: ch.ID,
		ItemID: "g-1", Type: "message", Payload: "group ciphertext", CipherType: CipherSenderKey,
	}
	item, err := f.repo.SendGroup(ctx, send)
	if err != nil {
		t.Fatalf("SendGroup() error: %v", err)
	}
	if item.ChannelID != ch.ID.String() {
		t.Errorf("item channel = %q, want %q", item.ChannelID, ch.ID)
	}

	if _, err := f.repo.SendGroup(ctx, GroupSendParams{
		Sender: mallory, SenderDevice: 1, ChannelID: ch.ID, ItemID: "g-2", Type: "message", Payload: "x",
	}); !errors.Is(err, ErrNotChannelMember) {
		t.Fatalf("SendGroup(non-member) error = %v, want ErrNotChannelMember", err)
	}

	items, err := f.repo.FetchGroup(ctx, ch.ID, bob, 0)
	if err != nil {
		t.Fatalf("FetchGroup() error: %v", err)
	}
	if len(items) != 1 || items[0].ItemID != "g-1" {
		t.Fatalf("FetchGroup() = %+v, want the one group item", items)
	}
	if _, err := f.repo.FetchGroup(ctx, ch.ID, mallory, 0); !errors.Is(err, ErrNotChannelMember) {
		t.Fatalf("FetchGroup(non-member) error = %v, want ErrNotChannelMember", err)
	}

	// since is exclusive.
	items, err = f.repo.FetchGroup(ctx, ch.ID, bob, item.Timestamp)
	if err != nil {
		t.Fatalf("FetchGroup(since) error: %v", err)
	}
	if len(items) != 0 {
		t.Errorf("FetchGroup(since=timestamp) = %+v, want empty", items)
	}

	// Read receipts: one per (item, user, device), repeats are no-ops.
	if err := f.repo.MarkGroupRead(ctx, "g-1", bob, 1); err != nil {
		t.Fatalf("MarkGroupRead() error: %v", err)
	}
	if err := f.repo.MarkGroupRead(ctx, "g-1", bob, 1); err != nil {
		t.Fatalf("MarkGroupRead(repeat) error: %v", err)
	}
	if err := f.repo.MarkGroupRead(ctx, "g-1", bob, 2); err != nil {
		t.Fatalf("MarkGroupRead(second device) error: %v", err)
	}
	readers, err := f.repo.GroupReaders(ctx, "g-1")
	if err != nil {
		t.Fatalf("GroupReaders() error: %v", err)
	}
	if len(readers) != 1 || readers[0] != bob {
		t.Errorf("GroupReaders() = %v, want [%s]", readers, bob)
	}
}

func TestPurgeDelivered(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()
	alice, bob := uuid.New(), uuid.New()

	_, err := f.repo.Send(ctx, SendParams{
		Sender: alice, DeviceSender: 1,
		Receiver: bob, DeviceReceiver: 1,
		ItemID: "old", Type: "message", Payload: "c",
	})
	if err != nil {
		t.Fatalf("Send() error: %v", err)
	}
	if _, err := f.repo.FetchForDevice(ctx, bob, 1); err != nil {
		t.Fatalf("FetchForDevice() error: %v", err)
	}

	// An undelivered envelope stays regardless of age.
	_, err = f.repo.Send(ctx, SendParams{
		Sender: alice, DeviceSender: 1,
		Receiver: bob, DeviceReceiver: 2,
		ItemID: "queued", Type: "message", Payload: "c",
	})
	if err != nil {
		t.Fatalf("Send() error: %v", err)
	}

	n, err := f.repo.PurgeDelivered(ctx, time.Now().Add(time.Minute))
	if err != nil {
		t.Fatalf("PurgeDelivered() error: %v", err)
	}
	if n != 1 {
		t.Errorf("PurgeDelivered() = %d, want 1", n)
	}

	items, err := f.repo.FetchForDevice(ctx, bob, 2)
	if err != nil {
		t.Fatalf("FetchForDevice() error: %v", err)
	}
	if len(items) != 1 {
		t.Errorf("undelivered envelope was purged")
	}
}
