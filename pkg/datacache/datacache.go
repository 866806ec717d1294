// Package datacache is the read-through/write-through facade over the
// hot cache tier and the persistent store. Reads try the hot tier first
// and fall back to the durable persistent_cache table, repopulating the
// hot tier best-effort. Writes land in the hot tier and then the store;
// hot-tier failures are logged and absorbed, store failures bubble.
package datacache

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/small-frappuccino/guildkeeper/pkg/cache"
	"github.com/small-frappuccino/guildkeeper/pkg/storage"
)

// Entity class names used as persistent_cache.cache_type.
const (
	TypeChannelOwner  = "channel_owner"
	TypeUserPrefs     = "user_prefs"
	TypeGuildConfig   = "guild_config"
	TypeStarboard     = "starboard_entry"
	TypeRoleData      = "user_role_data"
	TypeRollData      = "roll_data"
	TypeRelationships = "relationships"
)

// DataCache coordinates the two tiers.
type DataCache struct {
	hot   cache.Cache
	store *storage.Store
	log   *slog.Logger
}

func New(hot cache.Cache, store *storage.Store) *DataCache {
	return &DataCache{hot: hot, store: store, log: slog.Default()}
}

// get consults the hot tier, then the persistent store, repopulating the
// hot tier best-effort. Hot-tier errors degrade to a store read.
func (d *DataCache) get(ctx context.Context, key string, ttl time.Duration) (string, bool, error) {
	raw, ok, err := d.hot.Get(ctx, key)
	if err != nil {
		d.log.Warn("hot cache read failed, falling back to store", "key", key, "error", err)
	} else if ok {
		return raw, true, nil
	}

	entry, err := d.store.GetCacheEntry(ctx, key)
	if err != nil {
		return "", false, err
	}
	if entry == nil {
		return "", false, nil
	}
	if cache.IsCorrupt(entry.Data) {
		_ = d.store.DeleteCacheEntry(ctx, key)
		return "", false, nil
	}
	if err := d.hot.Set(ctx, key, entry.Data, ttl); err != nil {
		d.log.Warn("hot cache repopulate failed", "key", key, "error", err)
	}
	return entry.Data, true, nil
}

// set writes the hot tier, then the store. Only the store write is
// load-bearing.
func (d *DataCache) set(ctx context.Context, key, cacheType, raw string, ttl time.Duration) error {
	if err := d.hot.Set(ctx, key, raw, ttl); err != nil {
		d.log.Warn("hot cache write failed", "key", key, "error", err)
	}
	return d.store.UpsertCacheEntry(ctx, key, cacheType, raw, time.Now().Add(ttl))
}

// delete removes the key from both tiers.
func (d *DataCache) delete(ctx context.Context, key string) error {
	if err := d.hot.Delete(ctx, key); err != nil {
		d.log.Warn("hot cache delete failed", "key", key, "error", err)
	}
	return d.store.DeleteCacheEntry(ctx, key)
}

func (d *DataCache) getInto(ctx context.Context, key string, ttl time.Duration, dst any) (bool, error) {
	raw, ok, err := d.get(ctx, key, ttl)
	if err != nil || !ok {
		return false, err
	}
	if err := cache.DecodeInto(raw, dst); err != nil {
		if errors.Is(err, cache.ErrCorrupt) {
			_ = d.delete(ctx, key)
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (d *DataCache) setValue(ctx context.Context, key, cacheType string, v any, ttl time.Duration) error {
	raw, err := cache.Encode(v)
	if err != nil {
		return err
	}
	return d.set(ctx, key, cacheType, raw, ttl)
}

// ChannelOwner is the ownership record for an ephemeral voice channel.
type ChannelOwner struct {
	OwnerUserID     string    `json:"owner_user_id"`
	OwnedSince      time.Time `json:"owned_since"`
	PreviousOwnerID string    `json:"previous_owner_id,omitempty"`
}

func (d *DataCache) GetChannelOwner(ctx context.Context, channelID string) (*ChannelOwner, error) {
	var co ChannelOwner
	ok, err := d.getInto(ctx, cache.KeyChannelOwner(channelID), cache.TTLChannelOwner, &co)
	if err != nil || !ok {
		return nil, err
	}
	return &co, nil
}

func (d *DataCache) SetChannelOwner(ctx context.Context, channelID string, co ChannelOwner) error {
	return d.setValue(ctx, cache.KeyChannelOwner(channelID), TypeChannelOwner, co, cache.TTLChannelOwner)
}

func (d *DataCache) DeleteChannelOwner(ctx context.Context, channelID string) error {
	return d.delete(ctx, cache.KeyChannelOwner(channelID))
}

// UserPreferences carries per-user knobs consumed by channel naming and
// notifications.
type UserPreferences struct {
	PreferredChannelName string `json:"preferred_channel_name,omitempty"`
	DMNotifications      bool   `json:"dm_notifications"`
	StarboardOptOut      bool   `json:"starboard_opt_out"`
}

func (d *DataCache) GetUserPreferences(ctx context.Context, userID, guildID string) (*UserPreferences, error) {
	var p UserPreferences
	ok, err := d.getInto(ctx, cache.KeyUserPrefs(userID, guildID), cache.TTLDefault, &p)
	if err != nil || !ok {
		return nil, err
	}
	return &p, nil
}

func (d *DataCache) SetUserPreferences(ctx context.Context, userID, guildID string, p UserPreferences) error {
	return d.setValue(ctx, cache.KeyUserPrefs(userID, guildID), TypeUserPrefs, p, cache.TTLDefault)
}

func (d *DataCache) DeleteUserPreferences(ctx context.Context, userID, guildID string) error {
	return d.delete(ctx, cache.KeyUserPrefs(userID, guildID))
}

// GuildConfig is the per-guild runtime configuration.
type GuildConfig struct {
	StarboardChannelID string `json:"starboard_channel_id,omitempty"`
	StarThreshold      int    `json:"star_threshold,omitempty"`
	SpawnChannelID     string `json:"spawn_channel_id,omitempty"`
	AffinityLogScale   bool   `json:"affinity_log_scale,omitempty"`
}

func (d *DataCache) GetGuildConfig(ctx context.Context, guildID string) (*GuildConfig, error) {
	var g GuildConfig
	ok, err := d.getInto(ctx, cache.KeyGuildConfig(guildID), cache.TTLDefault, &g)
	if err != nil || !ok {
		return nil, err
	}
	return &g, nil
}

func (d *DataCache) SetGuildConfig(ctx context.Context, guildID string, g GuildConfig) error {
	return d.setValue(ctx, cache.KeyGuildConfig(guildID), TypeGuildConfig, g, cache.TTLDefault)
}

// RoleData is the cached role id set for a member.
type RoleData struct {
	Roles     []string  `json:"roles"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (d *DataCache) GetRoleData(ctx context.Context, userID, guildID string) (*RoleData, error) {
	var r RoleData
	ok, err := d.getInto(ctx, cache.KeyUserRoleData(userID, guildID), cache.TTLDefault, &r)
	if err != nil || !ok {
		return nil, err
	}
	return &r, nil
}

func (d *DataCache) SetRoleData(ctx context.Context, userID, guildID string, r RoleData) error {
	return d.setValue(ctx, cache.KeyUserRoleData(userID, guildID), TypeRoleData, r, cache.TTLDefault)
}

// RollData remembers a member's last dice roll.
type RollData struct {
	LastRoll int       `json:"last_roll"`
	Sides    int       `json:"sides"`
	RolledAt time.Time `json:"rolled_at"`
}

func (d *DataCache) GetRollData(ctx context.Context, userID, guildID string) (*RollData, error) {
	var r RollData
	ok, err := d.getInto(ctx, cache.KeyRollData(userID, guildID), cache.TTLDefault, &r)
	if err != nil || !ok {
		return nil, err
	}
	return &r, nil
}

func (d *DataCache) SetRollData(ctx context.Context, userID, guildID string, r RollData) error {
	return d.setValue(ctx, cache.KeyRollData(userID, guildID), TypeRollData, r, cache.TTLDefault)
}

// CachedStarboardEntry shadows the durable starboard row for fast reads
// on the reaction hot path.
type CachedStarboardEntry struct {
	StarboardMessageID string    `json:"starboard_message_id"`
	StarboardChannelID string    `json:"starboard_channel_id"`
	OriginalChannelID  string    `json:"original_channel_id"`
	StarCount          int       `json:"star_count"`
	LastUpdated        time.Time `json:"last_updated"`
}

func (d *DataCache) GetStarboardEntry(ctx context.Context, guildID, messageID string) (*CachedStarboardEntry, error) {
	var e CachedStarboardEntry
	ok, err := d.getInto(ctx, cache.KeyStarboardEntry(guildID, messageID), cache.TTLDefault, &e)
	if err != nil || !ok {
		return nil, err
	}
	return &e, nil
}

func (d *DataCache) SetStarboardEntry(ctx context.Context, guildID, messageID string, e CachedStarboardEntry) error {
	return d.setValue(ctx, cache.KeyStarboardEntry(guildID, messageID), TypeStarboard, e, cache.TTLDefault)
}

func (d *DataCache) DeleteStarboardEntry(ctx context.Context, guildID, messageID string) error {
	return d.delete(ctx, cache.KeyStarboardEntry(guildID, messageID))
}

// RelationshipNetwork is a member's bounded affinity network with its
// computation time, used for cache-through freshness checks.
type RelationshipNetwork struct {
	Edges      []RelationshipEdge `json:"edges"`
	ComputedAt time.Time          `json:"computed_at"`
}

type RelationshipEdge struct {
	UserID           string  `json:"user_id"`
	Affinity         float64 `json:"affinity"`
	InteractionCount int     `json:"interaction_count"`
}

func (d *DataCache) GetRelationshipNetwork(ctx context.Context, userID, guildID string) (*RelationshipNetwork, error) {
	var n RelationshipNetwork
	ok, err := d.getInto(ctx, cache.KeyRelationships(userID, guildID), cache.TTLRelationships, &n)
	if err != nil || !ok {
		return nil, err
	}
	return &n, nil
}

func (d *DataCache) SetRelationshipNetwork(ctx context.Context, userID, guildID string, n RelationshipNetwork) error {
	return d.setValue(ctx, cache.KeyRelationships(userID, guildID), TypeRelationships, n, cache.TTLRelationships)
}
