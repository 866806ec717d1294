// Package affinity scores pair-wise interaction strength between guild
// members from stored messages. Three interaction kinds feed the score:
// same-channel co-presence inside a rolling window, direct mentions,
// and replies. Each member keeps a bounded network of their strongest
// edges, normalised to percentages of that member's total.
package affinity

import (
	"context"
	"encoding/json"
	"log/slog"
	"math"
	"sort"
	"time"

	"github.com/small-frappuccino/guildkeeper/pkg/datacache"
	"github.com/small-frappuccino/guildkeeper/pkg/storage"
)

const (
	defaultWindow    = 5 * time.Minute
	defaultHorizon   = 24 * time.Hour
	defaultFreshness = 60 * time.Minute
	maxEdges         = 50
)

// Weights is the injected point table for the three interaction kinds.
type Weights struct {
	SameChannel float64
	Mention     float64
	Reply       float64
}

func DefaultWeights() Weights {
	return Weights{SameChannel: 1, Mention: 3, Reply: 5}
}

// Policy selects the normalisation applied to raw points.
type Policy int

const (
	// NormalizePercentage is each edge's share of the member's total.
	NormalizePercentage Policy = iota
	// NormalizeLogarithmic is min(100, 25*log10(points+1)).
	NormalizeLogarithmic
)

// Engine computes and persists affinity networks for one guild.
type Engine struct {
	store   *storage.Store
	dcache  *datacache.DataCache
	guildID string

	weights   Weights
	policy    Policy
	window    time.Duration
	horizon   time.Duration
	freshness time.Duration

	now func() time.Time
	log *slog.Logger
}

func New(store *storage.Store, dcache *datacache.DataCache, guildID string) *Engine {
	return &Engine{
		store:     store,
		dcache:    dcache,
		guildID:   guildID,
		weights:   DefaultWeights(),
		policy:    NormalizePercentage,
		window:    defaultWindow,
		horizon:   defaultHorizon,
		freshness: defaultFreshness,
		now:       time.Now,
		log:       slog.Default(),
	}
}

func (e *Engine) SetWeights(w Weights) { e.weights = w }
func (e *Engine) SetPolicy(p Policy)   { e.policy = p }

// Network serves a member's affinity network cache-through: a stored
// network fresher than the freshness window is returned as is, anything
// older is recomputed and overwritten.
func (e *Engine) Network(ctx context.Context, userID string) (*datacache.RelationshipNetwork, error) {
	cached, err := e.dcache.GetRelationshipNetwork(ctx, userID, e.guildID)
	if err == nil && cached != nil && e.now().UTC().Sub(cached.ComputedAt) < e.freshness {
		return cached, nil
	}
	return e.ComputeUser(ctx, userID)
}

// ComputeUser recomputes one member's network from recent messages and
// persists it on the member row and in the cache.
func (e *Engine) ComputeUser(ctx context.Context, userID string) (*datacache.RelationshipNetwork, error) {
	msgs, err := e.store.ListMessagesSince(ctx, e.guildID, e.now().UTC().Add(-e.horizon))
	if err != nil {
		return nil, err
	}
	edges := e.scoreUser(userID, msgs)
	network := datacache.RelationshipNetwork{Edges: edges, ComputedAt: e.now().UTC()}
	if err := e.persistUser(ctx, userID, network); err != nil {
		return nil, err
	}
	return &network, nil
}

// ComputeGuild recomputes every member's network in one pass over the
// message window and replaces the guild's pair rows. Pair affinity is
// the stronger of the two directional percentages.
func (e *Engine) ComputeGuild(ctx context.Context) error {
	userIDs, err := e.store.ListUserIDs(ctx, e.guildID)
	if err != nil {
		return err
	}
	msgs, err := e.store.ListMessagesSince(ctx, e.guildID, e.now().UTC().Add(-e.horizon))
	if err != nil {
		return err
	}

	type pairKey struct{ a, b string }
	pairs := make(map[pairKey]*storage.Relationship)

	computedAt := e.now().UTC()
	for _, userID := range userIDs {
		edges := e.scoreUser(userID, msgs)
		if err := e.persistUser(ctx, userID, datacache.RelationshipNetwork{
			Edges: edges, ComputedAt: computedAt,
		}); err != nil {
			e.log.Warn("affinity persist failed", "user_id", userID, "error", err)
			continue
		}
		for _, edge := range edges {
			a, b := storage.NormalizePair(userID, edge.UserID)
			key := pairKey{a, b}
			rel, ok := pairs[key]
			if !ok {
				rel = &storage.Relationship{UserID1: a, UserID2: b, GuildID: e.guildID}
				pairs[key] = rel
			}
			if edge.Affinity > rel.Affinity {
				rel.Affinity = edge.Affinity
			}
			if edge.InteractionCount > rel.InteractionCount {
				rel.InteractionCount = edge.InteractionCount
			}
			rel.LastInteraction = computedAt
		}
	}

	rels := make([]storage.Relationship, 0, len(pairs))
	for _, r := range pairs {
		rels = append(rels, *r)
	}
	if err := e.store.ReplaceGuildRelationships(ctx, e.guildID, rels); err != nil {
		return err
	}
	e.log.Info("guild affinity recomputed",
		"guild_id", e.guildID, "users", len(userIDs), "pairs", len(rels))
	return nil
}

func (e *Engine) persistUser(ctx context.Context, userID string, n datacache.RelationshipNetwork) error {
	blob, err := json.Marshal(n.Edges)
	if err != nil {
		return err
	}
	if err := e.store.UpdateUserRelationships(ctx, userID, e.guildID, string(blob)); err != nil {
		return err
	}
	if err := e.dcache.SetRelationshipNetwork(ctx, userID, e.guildID, n); err != nil {
		e.log.Warn("affinity cache write failed", "user_id", userID, "error", err)
	}
	return nil
}

// scoreUser tallies raw points against every other member, normalises
// per the policy, and keeps the strongest edges.
func (e *Engine) scoreUser(userID string, msgs []storage.MessageRecord) []datacache.RelationshipEdge {
	points := make(map[string]float64)
	counts := make(map[string]int)
	add := func(other string, w float64) {
		if other == "" || other == userID || w == 0 {
			return
		}
		points[other] += w
		counts[other]++
	}

	byID := make(map[string]*storage.MessageRecord, len(msgs))
	var own []storage.MessageRecord
	for i := range msgs {
		byID[msgs[i].DiscordID] = &msgs[i]
		if msgs[i].AuthorID == userID {
			own = append(own, msgs[i])
		}
	}

	for _, m := range msgs {
		if m.AuthorID == userID {
			for _, mentioned := range m.Mentions {
				add(mentioned, e.weights.Mention)
			}
			if parent, ok := byID[m.ReplyTo]; ok {
				add(parent.AuthorID, e.weights.Reply)
			}
			continue
		}
		// Someone else replying to this member counts too.
		if parent, ok := byID[m.ReplyTo]; ok && parent.AuthorID == userID {
			add(m.AuthorID, e.weights.Reply)
		}
		// Same-channel co-presence inside the rolling window.
		for _, u := range own {
			if u.ChannelID != m.ChannelID {
				continue
			}
			delta := u.Timestamp.Sub(m.Timestamp)
			if delta < 0 {
				delta = -delta
			}
			if delta <= e.window {
				add(m.AuthorID, e.weights.SameChannel)
			}
		}
	}

	return e.normalize(points, counts)
}

func (e *Engine) normalize(points map[string]float64, counts map[string]int) []datacache.RelationshipEdge {
	var total float64
	for _, p := range points {
		total += p
	}

	edges := make([]datacache.RelationshipEdge, 0, len(points))
	for other, p := range points {
		var score float64
		switch e.policy {
		case NormalizeLogarithmic:
			score = math.Min(100, 25*math.Log10(p+1))
		default:
			if total > 0 {
				score = 100 * p / total
			}
		}
		edges = append(edges, datacache.RelationshipEdge{
			UserID:           other,
			Affinity:         score,
			InteractionCount: counts[other],
		})
	}

	sort.Slice(edges, func(i, j int) bool {
		if edges[i].Affinity != edges[j].Affinity {
			return edges[i].Affinity > edges[j].Affinity
		}
		return edges[i].UserID < edges[j].UserID
	})
	if len(edges) > maxEdges {
		edges = edges[:maxEdges]
	}
	return edges
}
