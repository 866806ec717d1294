package voice

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/small-frappuccino/guildkeeper/pkg/datacache"
)

type fakeRenamer struct {
	renames []string
	fail    bool
}

func (f *fakeRenamer) ChannelEdit(channelID string, data *discordgo.ChannelEdit, options ...discordgo.RequestOption) (*discordgo.Channel, error) {
	if f.fail {
		return nil, errors.New("missing permissions")
	}
	f.renames = append(f.renames, data.Name)
	return &discordgo.Channel{ID: channelID, Name: data.Name}, nil
}

func newNamingFixture(t *testing.T) (*NamingService, *fakeRenamer, *fixture, *fakeClock) {
	t.Helper()
	f := newFixture(t)
	renamer := &fakeRenamer{}
	ns := NewNamingService(renamer, f.dcache)
	clock := &fakeClock{t: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
	ns.now = clock.now
	return ns, renamer, f, clock
}

func TestRenameUsesDisplayName(t *testing.T) {
	ctx := context.Background()
	ns, renamer, _, _ := newNamingFixture(t)

	if !ns.RenameForOwner(ctx, "C1", "chan-C1", "U1", testGuild, "Alice") {
		t.Fatal("expected rename")
	}
	if len(renamer.renames) != 1 || renamer.renames[0] != "Alice's Channel" {
		t.Fatalf("renames = %v", renamer.renames)
	}
}

func TestRenamePrefersStoredName(t *testing.T) {
	ctx := context.Background()
	ns, renamer, f, _ := newNamingFixture(t)

	if err := f.dcache.SetUserPreferences(ctx, "U1", testGuild, datacache.UserPreferences{
		PreferredChannelName: "the lounge",
	}); err != nil {
		t.Fatalf("prefs: %v", err)
	}
	if !ns.RenameForOwner(ctx, "C1", "chan-C1", "U1", testGuild, "Alice") {
		t.Fatal("expected rename")
	}
	if renamer.renames[0] != "the lounge" {
		t.Fatalf("renames = %v", renamer.renames)
	}
}

func TestRenameSkipPatterns(t *testing.T) {
	ctx := context.Background()
	ns, renamer, _, _ := newNamingFixture(t)

	for _, name := range []string{"Available", "NEW CHANNEL 3", "my temp room"} {
		if ns.RenameForOwner(ctx, "C1", name, "U1", testGuild, "Alice") {
			t.Fatalf("rename should be skipped for %q", name)
		}
	}
	if len(renamer.renames) != 0 {
		t.Fatalf("renames = %v", renamer.renames)
	}
}

func TestRenameCooldown(t *testing.T) {
	ctx := context.Background()
	ns, renamer, _, clock := newNamingFixture(t)

	if !ns.RenameForOwner(ctx, "C1", "chan-C1", "U1", testGuild, "Alice") {
		t.Fatal("first rename should fire")
	}
	if ns.RenameForOwner(ctx, "C1", "chan-C1", "U1", testGuild, "Bob") {
		t.Fatal("second rename inside cooldown should be dropped")
	}
	clock.advance(renameCooldown + time.Second)
	if !ns.RenameForOwner(ctx, "C1", "chan-C1", "U1", testGuild, "Bob") {
		t.Fatal("rename after cooldown should fire")
	}
	if len(renamer.renames) != 2 {
		t.Fatalf("renames = %v", renamer.renames)
	}
}

func TestRenameFailureStartsCooldown(t *testing.T) {
	ctx := context.Background()
	ns, renamer, _, clock := newNamingFixture(t)
	renamer.fail = true

	if ns.RenameForOwner(ctx, "C1", "chan-C1", "U1", testGuild, "Alice") {
		t.Fatal("rename should report failure")
	}
	// No retry until the cooldown passes.
	renamer.fail = false
	if ns.RenameForOwner(ctx, "C1", "chan-C1", "U1", testGuild, "Alice") {
		t.Fatal("retry inside cooldown should be dropped")
	}
	clock.advance(renameCooldown + time.Second)
	if !ns.RenameForOwner(ctx, "C1", "chan-C1", "U1", testGuild, "Alice") {
		t.Fatal("rename after cooldown should fire")
	}
}

func TestRenameNoOpWhenNameMatches(t *testing.T) {
	ctx := context.Background()
	ns, renamer, _, _ := newNamingFixture(t)

	if ns.RenameForOwner(ctx, "C1", "Alice's Channel", "U1", testGuild, "Alice") {
		t.Fatal("matching name should not rename")
	}
	if len(renamer.renames) != 0 {
		t.Fatalf("renames = %v", renamer.renames)
	}
}
