package dispatch

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/small-frappuccino/guildkeeper/pkg/cache"
	"github.com/small-frappuccino/guildkeeper/pkg/datacache"
	"github.com/small-frappuccino/guildkeeper/pkg/starboard"
	"github.com/small-frappuccino/guildkeeper/pkg/storage"
	"github.com/small-frappuccino/guildkeeper/pkg/task"
	"github.com/small-frappuccino/guildkeeper/pkg/voice"
)

const testGuild = "G1"

type fakePerms struct {
	mu      sync.Mutex
	sets    []string
	deletes []string

	// stall widens the window in which overlapping mutations would be
	// visible; maxInFlight records the worst overlap observed.
	stall       time.Duration
	inFlight    atomic.Int32
	maxInFlight atomic.Int32
}

func (f *fakePerms) enter() {
	n := f.inFlight.Add(1)
	for {
		max := f.maxInFlight.Load()
		if n <= max || f.maxInFlight.CompareAndSwap(max, n) {
			break
		}
	}
	if f.stall > 0 {
		time.Sleep(f.stall)
	}
}

func (f *fakePerms) ChannelPermissionSet(channelID, targetID string, targetType discordgo.PermissionOverwriteType, allow, deny int64, options ...discordgo.RequestOption) error {
	f.enter()
	defer f.inFlight.Add(-1)
	f.mu.Lock()
	f.sets = append(f.sets, targetID)
	f.mu.Unlock()
	return nil
}

func (f *fakePerms) ChannelPermissionDelete(channelID, targetID string, options ...discordgo.RequestOption) error {
	f.enter()
	defer f.inFlight.Add(-1)
	f.mu.Lock()
	f.deletes = append(f.deletes, targetID)
	f.mu.Unlock()
	return nil
}

func (f *fakePerms) setsSnapshot() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.sets...)
}

type fakeRenamer struct {
	mu      sync.Mutex
	renames []string
}

func (f *fakeRenamer) ChannelEdit(channelID string, data *discordgo.ChannelEdit, options ...discordgo.RequestOption) (*discordgo.Channel, error) {
	f.mu.Lock()
	f.renames = append(f.renames, data.Name)
	f.mu.Unlock()
	return &discordgo.Channel{ID: channelID, Name: data.Name}, nil
}

func (f *fakeRenamer) renamesSnapshot() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.renames...)
}

type fakeMessenger struct {
	messages map[string]*discordgo.Message
	sent     int
}

func (f *fakeMessenger) ChannelMessage(channelID, messageID string, options ...discordgo.RequestOption) (*discordgo.Message, error) {
	m, ok := f.messages[messageID]
	if !ok {
		return nil, errors.New("unknown message")
	}
	return m, nil
}

func (f *fakeMessenger) ChannelMessages(channelID string, limit int, beforeID, afterID, aroundID string, options ...discordgo.RequestOption) ([]*discordgo.Message, error) {
	return nil, nil
}

func (f *fakeMessenger) ChannelMessageSendComplex(channelID string, data *discordgo.MessageSend, options ...discordgo.RequestOption) (*discordgo.Message, error) {
	f.sent++
	return &discordgo.Message{ID: fmt.Sprintf("S%d", f.sent), ChannelID: channelID}, nil
}

func (f *fakeMessenger) ChannelMessageEditComplex(edit *discordgo.MessageEdit, options ...discordgo.RequestOption) (*discordgo.Message, error) {
	return &discordgo.Message{ID: edit.ID}, nil
}

func (f *fakeMessenger) ChannelMessageDelete(channelID, messageID string, options ...discordgo.RequestOption) error {
	return nil
}

func (f *fakeMessenger) GuildChannels(guildID string, options ...discordgo.RequestOption) ([]*discordgo.Channel, error) {
	return nil, nil
}

type fixture struct {
	edge      *Edge
	router    *task.Router
	store     *storage.Store
	dcache    *datacache.DataCache
	perms     *fakePerms
	renamer   *fakeRenamer
	messenger *fakeMessenger
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := storage.NewStore(filepath.Join(t.TempDir(), "dispatch.db"))
	if err := store.Init(); err != nil {
		t.Fatalf("init store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	dc := datacache.New(cache.NewMemoryCache(), store)
	router := task.NewRouter(task.Defaults())
	t.Cleanup(router.Close)

	perms := &fakePerms{}
	renamer := &fakeRenamer{}
	messenger := &fakeMessenger{messages: make(map[string]*discordgo.Message)}

	tracker := voice.NewTracker(store, dc, testGuild)
	ownership := voice.NewOwnershipManager(store, dc, perms)
	naming := voice.NewNamingService(renamer, dc)
	sb := starboard.New(messenger, store, dc, testGuild, "SB")

	edge := New(router, tracker, ownership, naming, sb, store, dc, testGuild)
	return &fixture{
		edge: edge, router: router, store: store, dcache: dc,
		perms: perms, renamer: renamer, messenger: messenger,
	}
}

func member(id string) voice.Member {
	return voice.Member{UserID: id, GuildID: testGuild, Username: id, DisplayName: "user-" + id}
}

func chann(id string) voice.Channel {
	return voice.Channel{ID: id, GuildID: testGuild, Name: "chan-" + id}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		if cond() {
			return
		}
		select {
		case <-deadline:
			t.Fatalf("timed out waiting for %s", what)
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestVoiceJoinElectsOwnerAndRenames(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	err := f.edge.handleVoiceTransition(ctx, voiceTransition{
		member: member("U1"), to: chann("C1"),
	})
	if err != nil {
		t.Fatalf("transition: %v", err)
	}

	waitFor(t, "ownership", func() bool {
		owner, err := f.dcache.GetChannelOwner(ctx, "C1")
		return err == nil && owner != nil && len(f.renamer.renamesSnapshot()) == 1
	})
	owner, _ := f.dcache.GetChannelOwner(ctx, "C1")
	if owner.OwnerUserID != "U1" {
		t.Fatalf("owner = %+v", owner)
	}
	if sets := f.perms.setsSnapshot(); len(sets) != 1 || sets[0] != "U1" {
		t.Fatalf("permission sets = %v", sets)
	}
	if renames := f.renamer.renamesSnapshot(); renames[0] != "user-U1's Channel" {
		t.Fatalf("renames = %v", renames)
	}
}

func TestVoiceLeaveTransfersOwnership(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	if err := f.edge.handleVoiceTransition(ctx, voiceTransition{member: member("U1"), to: chann("C1")}); err != nil {
		t.Fatalf("join U1: %v", err)
	}
	waitFor(t, "first owner", func() bool {
		owner, _ := f.dcache.GetChannelOwner(ctx, "C1")
		return owner != nil && owner.OwnerUserID == "U1"
	})
	time.Sleep(10 * time.Millisecond)
	if err := f.edge.handleVoiceTransition(ctx, voiceTransition{member: member("U2"), to: chann("C1")}); err != nil {
		t.Fatalf("join U2: %v", err)
	}
	if err := f.edge.handleVoiceTransition(ctx, voiceTransition{member: member("U1"), from: chann("C1")}); err != nil {
		t.Fatalf("leave U1: %v", err)
	}

	waitFor(t, "transfer", func() bool {
		owner, _ := f.dcache.GetChannelOwner(ctx, "C1")
		return owner != nil && owner.OwnerUserID == "U2"
	})
	owner, _ := f.dcache.GetChannelOwner(ctx, "C1")
	if owner.PreviousOwnerID != "U1" {
		t.Fatalf("owner = %+v, want transfer from U1", owner)
	}
}

func TestConcurrentJoinsElectSingleOwner(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.perms.stall = 20 * time.Millisecond

	// Two users racing into the same channel through their own voice
	// groups; the channel's ownership must settle on exactly one owner
	// with one permission overwrite.
	for _, id := range []string{"U1", "U2"} {
		err := f.router.Dispatch(ctx, task.Task{
			Type:    taskVoice,
			Payload: voiceTransition{member: member(id), to: chann("C1")},
			Options: task.Options{GroupKey: task.GroupVoice(testGuild, id)},
		})
		if err != nil {
			t.Fatalf("dispatch %s: %v", id, err)
		}
	}

	waitFor(t, "both sessions", func() bool {
		active, _ := f.store.ListActiveSessions(ctx, testGuild)
		return len(active) == 2
	})
	waitFor(t, "ownership settled", func() bool {
		owner, _ := f.dcache.GetChannelOwner(ctx, "C1")
		return owner != nil && f.perms.inFlight.Load() == 0
	})
	time.Sleep(50 * time.Millisecond)

	if n := f.perms.maxInFlight.Load(); n > 1 {
		t.Fatalf("observed %d concurrent ownership mutations, want serialized", n)
	}
	owner, _ := f.dcache.GetChannelOwner(ctx, "C1")
	sets := f.perms.setsSnapshot()
	if len(sets) != 1 {
		t.Fatalf("permission sets = %v, want exactly one owner overwrite", sets)
	}
	if owner == nil || owner.OwnerUserID != sets[0] {
		t.Fatalf("owner record %+v does not match overwrite for %v", owner, sets)
	}
}

func TestSameChannelToggleIsNoOp(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	if err := f.edge.handleVoiceTransition(ctx, voiceTransition{member: member("U1"), to: chann("C1")}); err != nil {
		t.Fatalf("join: %v", err)
	}
	before, _ := f.store.ListActiveSessions(ctx, testGuild)
	if err := f.edge.handleVoiceTransition(ctx, voiceTransition{member: member("U1"), from: chann("C1"), to: chann("C1")}); err != nil {
		t.Fatalf("toggle: %v", err)
	}
	after, _ := f.store.ListActiveSessions(ctx, testGuild)
	if len(before) != 1 || len(after) != 1 || before[0].ID != after[0].ID {
		t.Fatalf("sessions changed across toggle: %+v -> %+v", before, after)
	}
}

func TestStarReactionRoutesToStarboard(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	f.messenger.messages["M1"] = &discordgo.Message{
		ID: "M1", ChannelID: "C1", GuildID: testGuild, Content: "post",
		Author:    &discordgo.User{ID: "U1", Username: "alice"},
		Timestamp: time.Now().UTC(),
		Reactions: []*discordgo.MessageReactions{
			{Emoji: &discordgo.Emoji{Name: starEmoji}, Count: 3},
		},
	}
	if err := f.edge.handleStarReaction(ctx, starReaction{channelID: "C1", messageID: "M1"}); err != nil {
		t.Fatalf("star: %v", err)
	}
	if f.messenger.sent != 1 {
		t.Fatalf("sent = %d, want starboard post", f.messenger.sent)
	}
	entry, _ := f.store.GetStarboardEntry(ctx, testGuild, "M1")
	if entry == nil || entry.StarCount != 3 {
		t.Fatalf("entry = %+v", entry)
	}
}

func TestMessageCreateStoresAndSkipsCommands(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	plain := &discordgo.Message{
		ID: "M1", ChannelID: "C1", GuildID: testGuild, Content: "hello",
		Author: &discordgo.User{ID: "U1", Username: "alice"}, Timestamp: time.Now().UTC(),
	}
	command := &discordgo.Message{
		ID: "M2", ChannelID: "C1", GuildID: testGuild, Content: "m!roll 20",
		Author: &discordgo.User{ID: "U1", Username: "alice"}, Timestamp: time.Now().UTC(),
	}
	if err := f.edge.handleMessageCreate(ctx, plain); err != nil {
		t.Fatalf("plain: %v", err)
	}
	if err := f.edge.handleMessageCreate(ctx, command); err != nil {
		t.Fatalf("command: %v", err)
	}

	if ok, _ := f.store.HasMessage(ctx, "M1"); !ok {
		t.Fatal("plain message missing")
	}
	if ok, _ := f.store.HasMessage(ctx, "M2"); ok {
		t.Fatal("command message should not be stored")
	}
}

func TestMemberUpdateAppendsHistory(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	first := &discordgo.Member{
		User: &discordgo.User{ID: "U1", Username: "alice"}, Nick: "Ally",
	}
	second := &discordgo.Member{
		User: &discordgo.User{ID: "U1", Username: "alice"}, Nick: "Alpaca",
	}
	if err := f.edge.handleMemberUpdate(ctx, first); err != nil {
		t.Fatalf("first: %v", err)
	}
	if err := f.edge.handleMemberUpdate(ctx, second); err != nil {
		t.Fatalf("second: %v", err)
	}

	u, err := f.store.GetUser(ctx, "U1", testGuild)
	if err != nil || u == nil {
		t.Fatalf("user: %+v err=%v", u, err)
	}
	if u.DisplayName != "Alpaca" {
		t.Fatalf("display name = %q", u.DisplayName)
	}
	if len(u.DisplayNameHistory) != 2 {
		t.Fatalf("history = %v, want both nicks recorded", u.DisplayNameHistory)
	}
}

func TestDispatchThroughRouterSerializesPerUser(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	for i := 0; i < 3; i++ {
		to := chann(fmt.Sprintf("C%d", i%2+1))
		err := f.router.Dispatch(ctx, task.Task{
			Type:    taskVoice,
			Payload: voiceTransition{member: member("U1"), to: to, from: chann(fmt.Sprintf("C%d", (i+1)%2+1))},
			Options: task.Options{GroupKey: task.GroupVoice(testGuild, "U1")},
		})
		if err != nil {
			t.Fatalf("dispatch %d: %v", i, err)
		}
	}

	deadline := time.After(5 * time.Second)
	for {
		active, err := f.store.ListActiveSessions(ctx, testGuild)
		if err != nil {
			t.Fatalf("list: %v", err)
		}
		if len(active) == 1 {
			return
		}
		select {
		case <-deadline:
			t.Fatalf("active sessions = %+v, want exactly one", active)
		case <-time.After(20 * time.Millisecond):
		}
	}
}
