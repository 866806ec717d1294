package affinity

import (
	"context"
	"math"
	"path/filepath"
	"testing"
	"time"

	"github.com/small-frappuccino/guildkeeper/pkg/cache"
	"github.com/small-frappuccino/guildkeeper/pkg/datacache"
	"github.com/small-frappuccino/guildkeeper/pkg/storage"
)

const testGuild = "G1"

type fixture struct {
	store  *storage.Store
	dcache *datacache.DataCache
	engine *Engine
	clock  *fakeClock
}

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := storage.NewStore(filepath.Join(t.TempDir(), "affinity.db"))
	if err := store.Init(); err != nil {
		t.Fatalf("init store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	dc := datacache.New(cache.NewMemoryCache(), store)
	e := New(store, dc, testGuild)
	clock := &fakeClock{t: time.Date(2025, 7, 1, 12, 0, 0, 0, time.UTC)}
	e.now = clock.now
	return &fixture{store: store, dcache: dc, engine: e, clock: clock}
}

func (f *fixture) seedUsers(t *testing.T, ids ...string) {
	t.Helper()
	ctx := context.Background()
	for _, id := range ids {
		if err := f.store.UpsertUser(ctx, storage.UserRecord{
			DiscordID: id, GuildID: testGuild, Username: id,
		}); err != nil {
			t.Fatalf("seed user %s: %v", id, err)
		}
	}
}

func (f *fixture) seedMessage(t *testing.T, id, author, channel string, at time.Time, opts func(*storage.MessageRecord)) {
	t.Helper()
	m := storage.MessageRecord{
		DiscordID: id,
		AuthorID:  author,
		ChannelID: channel,
		GuildID:   testGuild,
		Content:   "hello",
		Timestamp: at,
	}
	if opts != nil {
		opts(&m)
	}
	if _, err := f.store.InsertMessage(context.Background(), m); err != nil {
		t.Fatalf("seed message %s: %v", id, err)
	}
}

func TestPercentagesSumToHundred(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.seedUsers(t, "U1", "U2", "U3")
	base := f.clock.t.Add(-time.Hour)

	// U1 mentions U2, replies to U3, and shares a channel with both.
	f.seedMessage(t, "M1", "U3", "C1", base, nil)
	f.seedMessage(t, "M2", "U1", "C1", base.Add(time.Minute), func(m *storage.MessageRecord) {
		m.Mentions = []string{"U2"}
		m.ReplyTo = "M1"
	})
	f.seedMessage(t, "M3", "U2", "C1", base.Add(2*time.Minute), nil)

	n, err := f.engine.ComputeUser(ctx, "U1")
	if err != nil {
		t.Fatalf("compute: %v", err)
	}
	if len(n.Edges) != 2 {
		t.Fatalf("edges = %+v", n.Edges)
	}
	var sum float64
	for _, e := range n.Edges {
		sum += e.Affinity
	}
	if math.Abs(sum-100) > 0.01 {
		t.Fatalf("percentages sum to %f, want 100", sum)
	}
}

func TestNoInteractionsYieldsEmptyNetwork(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.seedUsers(t, "U1")

	n, err := f.engine.ComputeUser(ctx, "U1")
	if err != nil {
		t.Fatalf("compute: %v", err)
	}
	if len(n.Edges) != 0 {
		t.Fatalf("edges = %+v, want none", n.Edges)
	}
}

func TestWeightTableApplied(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.seedUsers(t, "U1", "U2", "U3")
	base := f.clock.t.Add(-time.Hour)

	// One mention of U2 (3 points) in C1, one reply to U3 (5 points) in
	// C2. Channels are distinct so no co-presence points accrue.
	f.seedMessage(t, "M1", "U1", "C1", base, func(m *storage.MessageRecord) {
		m.Mentions = []string{"U2"}
	})
	f.seedMessage(t, "M2", "U3", "C2", base.Add(30*time.Minute), nil)
	f.seedMessage(t, "M3", "U1", "C2", base.Add(40*time.Minute), func(m *storage.MessageRecord) {
		m.ReplyTo = "M2"
	})

	n, err := f.engine.ComputeUser(ctx, "U1")
	if err != nil {
		t.Fatalf("compute: %v", err)
	}
	got := make(map[string]float64)
	for _, e := range n.Edges {
		got[e.UserID] = e.Affinity
	}
	if math.Abs(got["U3"]-62.5) > 0.01 || math.Abs(got["U2"]-37.5) > 0.01 {
		t.Fatalf("affinities = %v, want U3=62.5 U2=37.5", got)
	}
	if n.Edges[0].UserID != "U3" {
		t.Fatalf("strongest edge = %s, want U3 first", n.Edges[0].UserID)
	}
}

func TestSameChannelWindow(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.seedUsers(t, "U1", "U2", "U3")
	base := f.clock.t.Add(-time.Hour)

	f.seedMessage(t, "M1", "U1", "C1", base, nil)
	// U2 inside the 5-minute window, U3 outside it.
	f.seedMessage(t, "M2", "U2", "C1", base.Add(4*time.Minute), nil)
	f.seedMessage(t, "M3", "U3", "C1", base.Add(10*time.Minute), nil)

	n, err := f.engine.ComputeUser(ctx, "U1")
	if err != nil {
		t.Fatalf("compute: %v", err)
	}
	if len(n.Edges) != 1 || n.Edges[0].UserID != "U2" {
		t.Fatalf("edges = %+v, want only U2", n.Edges)
	}
}

func TestLogarithmicPolicy(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.seedUsers(t, "U1", "U2")
	base := f.clock.t.Add(-time.Hour)

	f.seedMessage(t, "M1", "U1", "C1", base, func(m *storage.MessageRecord) {
		m.Mentions = []string{"U2"}
	})
	f.engine.SetPolicy(NormalizeLogarithmic)

	n, err := f.engine.ComputeUser(ctx, "U1")
	if err != nil {
		t.Fatalf("compute: %v", err)
	}
	// 3 points -> 25*log10(4) ~ 15.05.
	want := 25 * math.Log10(4)
	if len(n.Edges) != 1 || math.Abs(n.Edges[0].Affinity-want) > 0.01 {
		t.Fatalf("edges = %+v, want score %.2f", n.Edges, want)
	}
}

func TestNetworkIsCacheThrough(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.seedUsers(t, "U1", "U2")
	base := f.clock.t.Add(-time.Hour)
	f.seedMessage(t, "M1", "U1", "C1", base, func(m *storage.MessageRecord) {
		m.Mentions = []string{"U2"}
	})

	first, err := f.engine.Network(ctx, "U1")
	if err != nil {
		t.Fatalf("network: %v", err)
	}

	// New interaction lands, but the cached network is still fresh.
	f.seedMessage(t, "M2", "U1", "C1", base.Add(time.Minute), func(m *storage.MessageRecord) {
		m.Mentions = []string{"U2"}
	})
	second, err := f.engine.Network(ctx, "U1")
	if err != nil {
		t.Fatalf("network: %v", err)
	}
	if !second.ComputedAt.Equal(first.ComputedAt) {
		t.Fatal("fresh network should be served from cache")
	}
	if second.Edges[0].InteractionCount != 1 {
		t.Fatalf("cached count = %d", second.Edges[0].InteractionCount)
	}

	// Past the freshness window a recompute picks up the new mention.
	f.clock.advance(61 * time.Minute)
	third, err := f.engine.Network(ctx, "U1")
	if err != nil {
		t.Fatalf("network: %v", err)
	}
	if third.ComputedAt.Equal(first.ComputedAt) {
		t.Fatal("stale network should be recomputed")
	}
	if third.Edges[0].InteractionCount != 2 {
		t.Fatalf("recomputed count = %d, want 2", third.Edges[0].InteractionCount)
	}
}

func TestComputeGuildReplacesPairRows(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.seedUsers(t, "U1", "U2", "U3")
	base := f.clock.t.Add(-time.Hour)

	f.seedMessage(t, "M1", "U1", "C1", base, func(m *storage.MessageRecord) {
		m.Mentions = []string{"U2"}
	})
	f.seedMessage(t, "M2", "U3", "C2", base.Add(time.Minute), func(m *storage.MessageRecord) {
		m.Mentions = []string{"U1"}
	})

	if err := f.engine.ComputeGuild(ctx); err != nil {
		t.Fatalf("compute guild: %v", err)
	}
	rels, err := f.store.RelationshipsForUser(ctx, testGuild, "U1")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(rels) != 2 {
		t.Fatalf("pairs = %+v, want U1-U2 and U1-U3", rels)
	}
	for _, r := range rels {
		if r.UserID1 > r.UserID2 {
			t.Fatalf("pair not normalized: %+v", r)
		}
		if r.Affinity != 100 {
			t.Fatalf("pair affinity = %f, want 100 from the stronger side", r.Affinity)
		}
	}

	// Member row carries the serialized edge list.
	u, err := f.store.GetUser(ctx, "U1", testGuild)
	if err != nil || u == nil {
		t.Fatalf("user: %+v err=%v", u, err)
	}
	if u.Relationships == "" || u.Relationships == "[]" {
		t.Fatalf("relationships blob = %q", u.Relationships)
	}
}
