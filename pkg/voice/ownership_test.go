package voice

import (
	"context"
	"testing"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/small-frappuccino/guildkeeper/pkg/datacache"
)

type permCall struct {
	channelID string
	targetID  string
	deleted   bool
}

type fakePerms struct {
	calls []permCall
}

func (f *fakePerms) ChannelPermissionSet(channelID, targetID string, targetType discordgo.PermissionOverwriteType, allow, deny int64, options ...discordgo.RequestOption) error {
	f.calls = append(f.calls, permCall{channelID: channelID, targetID: targetID})
	return nil
}

func (f *fakePerms) ChannelPermissionDelete(channelID, targetID string, options ...discordgo.RequestOption) error {
	f.calls = append(f.calls, permCall{channelID: channelID, targetID: targetID, deleted: true})
	return nil
}

func TestOwnershipTransferOnOwnerLeave(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	perms := &fakePerms{}
	om := NewOwnershipManager(f.store, f.dcache, perms)

	// C: U1 joins at t=0, U2 at t=100, U3 at t=200. U1 owns the channel.
	if err := f.tracker.TrackJoin(ctx, member("U1"), channel("C")); err != nil {
		t.Fatalf("join U1: %v", err)
	}
	f.clock.advance(100 * time.Second)
	if err := f.tracker.TrackJoin(ctx, member("U2"), channel("C")); err != nil {
		t.Fatalf("join U2: %v", err)
	}
	f.clock.advance(100 * time.Second)
	if err := f.tracker.TrackJoin(ctx, member("U3"), channel("C")); err != nil {
		t.Fatalf("join U3: %v", err)
	}
	if err := om.AssignOwner(ctx, "C", "U1", ""); err != nil {
		t.Fatalf("assign: %v", err)
	}

	// U1 leaves at t=600. U2 has the longest remaining presence.
	f.clock.advance(400 * time.Second)
	if err := f.tracker.TrackLeave(ctx, member("U1"), channel("C")); err != nil {
		t.Fatalf("leave U1: %v", err)
	}
	if err := om.TransferIfOwnerLeft(ctx, "C", "U1"); err != nil {
		t.Fatalf("transfer: %v", err)
	}

	owner, err := f.dcache.GetChannelOwner(ctx, "C")
	if err != nil || owner == nil {
		t.Fatalf("owner: %+v err=%v", owner, err)
	}
	if owner.OwnerUserID != "U2" || owner.PreviousOwnerID != "U1" {
		t.Fatalf("owner record = %+v, want U2 with previous U1", owner)
	}

	// Overwrite churn: U1's override removed, U2's set.
	var sawDelete, sawSet bool
	for _, c := range perms.calls {
		if c.deleted && c.targetID == "U1" {
			sawDelete = true
		}
		if !c.deleted && c.targetID == "U2" {
			sawSet = true
		}
	}
	if !sawDelete || !sawSet {
		t.Fatalf("permission calls = %+v", perms.calls)
	}
}

func TestTransferIgnoresNonOwnerDeparture(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	om := NewOwnershipManager(f.store, f.dcache, &fakePerms{})

	_ = f.tracker.TrackJoin(ctx, member("U1"), channel("C"))
	_ = f.tracker.TrackJoin(ctx, member("U2"), channel("C"))
	if err := om.AssignOwner(ctx, "C", "U1", ""); err != nil {
		t.Fatalf("assign: %v", err)
	}

	_ = f.tracker.TrackLeave(ctx, member("U2"), channel("C"))
	if err := om.TransferIfOwnerLeft(ctx, "C", "U2"); err != nil {
		t.Fatalf("transfer: %v", err)
	}
	owner, _ := f.dcache.GetChannelOwner(ctx, "C")
	if owner == nil || owner.OwnerUserID != "U1" {
		t.Fatalf("owner = %+v, want unchanged U1", owner)
	}
}

func TestOwnershipClearedOnEmptyChannel(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	om := NewOwnershipManager(f.store, f.dcache, &fakePerms{})

	_ = f.tracker.TrackJoin(ctx, member("U1"), channel("C"))
	if err := om.AssignOwner(ctx, "C", "U1", ""); err != nil {
		t.Fatalf("assign: %v", err)
	}
	f.clock.advance(time.Minute)
	_ = f.tracker.TrackLeave(ctx, member("U1"), channel("C"))
	if err := om.TransferIfOwnerLeft(ctx, "C", "U1"); err != nil {
		t.Fatalf("transfer: %v", err)
	}
	owner, err := f.dcache.GetChannelOwner(ctx, "C")
	if err != nil || owner != nil {
		t.Fatalf("expected no owner, got %+v err=%v", owner, err)
	}
}

func TestElectOwnerPrefersCumulativePresence(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	om := NewOwnershipManager(f.store, f.dcache, &fakePerms{})

	// U1 accrues 300s across two visits; U2 a single 200s stretch.
	_ = f.tracker.TrackJoin(ctx, member("U1"), channel("C"))
	f.clock.advance(200 * time.Second)
	_ = f.tracker.TrackLeave(ctx, member("U1"), channel("C"))
	_ = f.tracker.TrackJoin(ctx, member("U2"), channel("C"))
	f.clock.advance(100 * time.Second)
	_ = f.tracker.TrackJoin(ctx, member("U1"), channel("C"))
	f.clock.advance(100 * time.Second)

	got, err := om.ElectOwner(ctx, "C")
	if err != nil {
		t.Fatalf("elect: %v", err)
	}
	if got != "U1" {
		t.Fatalf("elected %q, want U1", got)
	}
}

func TestEnsureValidOwnerReelects(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	om := NewOwnershipManager(f.store, f.dcache, &fakePerms{})

	_ = f.tracker.TrackJoin(ctx, member("U1"), channel("C"))
	f.clock.advance(100 * time.Second)
	_ = f.tracker.TrackJoin(ctx, member("U2"), channel("C"))
	// Seed a stale owner record pointing at an absent user.
	if err := f.dcache.SetChannelOwner(ctx, "C", datacache.ChannelOwner{OwnerUserID: "gone", OwnedSince: time.Now()}); err != nil {
		t.Fatalf("seed owner: %v", err)
	}
	f.clock.advance(100 * time.Second)

	got, err := om.EnsureValidOwner(ctx, "C")
	if err != nil {
		t.Fatalf("ensure: %v", err)
	}
	if got != "U1" {
		t.Fatalf("re-elected %q, want U1", got)
	}
	owner, _ := f.dcache.GetChannelOwner(ctx, "C")
	if owner == nil || owner.OwnerUserID != "U1" {
		t.Fatalf("owner record = %+v", owner)
	}
}
