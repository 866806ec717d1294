package watchdog

import (
	"context"
	"database/sql"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/small-frappuccino/guildkeeper/pkg/guildsync"
	"github.com/small-frappuccino/guildkeeper/pkg/storage"
)

const testGuild = "G1"

type fakeRemote struct {
	memberCount int
	roles       []*discordgo.Role
	channels    []*discordgo.Channel
}

func (f *fakeRemote) Guild(guildID string, options ...discordgo.RequestOption) (*discordgo.Guild, error) {
	return &discordgo.Guild{ID: guildID, MemberCount: f.memberCount}, nil
}

func (f *fakeRemote) GuildRoles(guildID string, options ...discordgo.RequestOption) ([]*discordgo.Role, error) {
	return f.roles, nil
}

func (f *fakeRemote) GuildChannels(guildID string, options ...discordgo.RequestOption) ([]*discordgo.Channel, error) {
	return f.channels, nil
}

type fakeSyncer struct {
	calls atomic.Int64
}

func (f *fakeSyncer) SyncGuild(ctx context.Context, force bool, messageLimit int) (*guildsync.Result, error) {
	f.calls.Add(1)
	return &guildsync.Result{FullSync: force}, nil
}

type fakePresence struct {
	// userID -> channelID
	voice map[string]string
}

func (f *fakePresence) VoiceChannel(guildID, userID string) (string, bool) {
	ch, ok := f.voice[userID]
	return ch, ok
}

func newTestStore(t *testing.T) *storage.Store {
	t.Helper()
	s := storage.NewStore(filepath.Join(t.TempDir(), "watchdog.db"))
	if err := s.Init(); err != nil {
		t.Fatalf("init store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func seedUsers(t *testing.T, store *storage.Store, n int) {
	t.Helper()
	ctx := context.Background()
	records := make([]storage.UserRecord, 0, n)
	for i := 0; i < n; i++ {
		records = append(records, storage.UserRecord{
			DiscordID: string(rune('A'+i%26)) + string(rune('0'+i/26)),
			GuildID:   testGuild,
			Username:  "user",
		})
	}
	if _, err := store.BatchUpsertUsers(ctx, records); err != nil {
		t.Fatalf("seed users: %v", err)
	}
}

func openSession(t *testing.T, store *storage.Store, userID, channelID string) {
	t.Helper()
	ctx := context.Background()
	err := store.WithTransaction(ctx, func(tx *sql.Tx) error {
		if err := store.UpsertUserTx(ctx, tx, storage.UserRecord{
			DiscordID: userID, GuildID: testGuild, Username: userID,
		}); err != nil {
			return err
		}
		if err := store.UpsertChannelTx(ctx, tx, storage.ChannelRecord{
			DiscordID: channelID, GuildID: testGuild, ChannelName: "chan-" + channelID, IsActive: true,
		}); err != nil {
			return err
		}
		_, err := store.InsertSessionTx(ctx, tx, userID, testGuild, channelID, "chan-"+channelID, time.Now().UTC().Add(-time.Hour))
		return err
	})
	if err != nil {
		t.Fatalf("open session: %v", err)
	}
}

func TestHealthCheckForcesSyncBelowThreshold(t *testing.T) {
	store := newTestStore(t)
	seedUsers(t, store, 50)

	remote := &fakeRemote{memberCount: 100}
	syncer := &fakeSyncer{}
	w := New(remote, store, syncer, &fakePresence{}, testGuild)

	w.runHealthCheck()
	if got := syncer.calls.Load(); got != 1 {
		t.Fatalf("sync calls = %d, want forced sync at 50%% coverage", got)
	}
	status := w.HealthCheck(context.Background())
	if status.Message != "guild out of sync, reconciliation triggered" {
		t.Fatalf("status = %+v", status)
	}
}

func TestHealthCheckQuietWhenInSync(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	seedUsers(t, store, 100)

	remote := &fakeRemote{memberCount: 100}
	syncer := &fakeSyncer{}
	w := New(remote, store, syncer, &fakePresence{}, testGuild)

	users, _ := store.CountUsers(ctx, testGuild)
	if err := store.UpsertGuildSync(ctx, storage.GuildSync{
		GuildID:       testGuild,
		LastSyncAt:    time.Now().UTC(),
		TotalUsers:    users,
		IsFullySynced: true,
	}); err != nil {
		t.Fatalf("seed sync record: %v", err)
	}

	w.runHealthCheck()
	if got := syncer.calls.Load(); got != 0 {
		t.Fatalf("sync calls = %d, want none when healthy", got)
	}
}

func TestHealthCheckDetectsStaleSyncRecord(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	seedUsers(t, store, 100)

	remote := &fakeRemote{memberCount: 100}
	syncer := &fakeSyncer{}
	w := New(remote, store, syncer, &fakePresence{}, testGuild)

	// Record claims 40 users while the table holds 100.
	if err := store.UpsertGuildSync(ctx, storage.GuildSync{
		GuildID:       testGuild,
		LastSyncAt:    time.Now().UTC(),
		TotalUsers:    40,
		IsFullySynced: true,
	}); err != nil {
		t.Fatalf("seed sync record: %v", err)
	}

	w.runHealthCheck()
	if got := syncer.calls.Load(); got != 1 {
		t.Fatalf("sync calls = %d, want forced sync for stale record", got)
	}
}

func TestCloseStaleSessions(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	openSession(t, store, "U1", "C1") // user still in C1
	openSession(t, store, "U2", "C1") // user left voice entirely
	openSession(t, store, "U3", "C2") // channel C2 was deleted

	remote := &fakeRemote{channels: []*discordgo.Channel{{ID: "C1"}}}
	presence := &fakePresence{voice: map[string]string{"U1": "C1"}}
	w := New(remote, store, &fakeSyncer{}, presence, testGuild)

	closed, err := w.CloseStaleSessions(ctx)
	if err != nil {
		t.Fatalf("close stale: %v", err)
	}
	if closed != 2 {
		t.Fatalf("closed = %d, want 2", closed)
	}

	active, err := store.ListActiveSessions(ctx, testGuild)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(active) != 1 || active[0].UserID != "U1" {
		t.Fatalf("active sessions = %+v, want only U1", active)
	}
}

func TestStopDrainsLoop(t *testing.T) {
	store := newTestStore(t)
	w := New(&fakeRemote{}, store, &fakeSyncer{}, &fakePresence{}, testGuild)
	w.healthInterval = time.Hour
	w.maintenanceInterval = time.Hour

	if err := w.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	if !w.IsRunning() {
		t.Fatal("not running after Start")
	}

	start := time.Now()
	if err := w.Stop(context.Background()); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if elapsed := time.Since(start); elapsed > shutdownDrain {
		t.Fatalf("stop took %v", elapsed)
	}
	if w.IsRunning() {
		t.Fatal("still running after Stop")
	}
}
