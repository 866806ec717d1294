// Package cache provides the hot ephemeral key/value tier. Values are
// stored as JSON text; readers never see corrupted payloads because both
// implementations quarantine (delete) keys whose raw value fails
// validation and report them as a miss instead.
package cache

import (
	"context"
	"time"
)

// Cache is the hot-tier contract. A (value, false, nil) result is a miss;
// implementations return errors only for transport failures, never for
// corrupt payloads.
type Cache interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	Exists(ctx context.Context, key string) (bool, error)
	Expire(ctx context.Context, key string, ttl time.Duration) error

	SAdd(ctx context.Context, key string, members ...string) error
	SRem(ctx context.Context, key string, members ...string) error
	SMembers(ctx context.Context, key string) ([]string, error)

	Close() error
}

// Key layout for the hot tier. TTLs are the authoritative per-class values.
const (
	TTLChannelOwner  = time.Hour
	TTLActiveVoice   = time.Hour
	TTLChannelMember = time.Hour
	TTLCallState     = 30 * time.Minute
	TTLCoupSession   = 5 * time.Minute
	TTLRateLimit     = time.Minute
	TTLRelationships = time.Hour
	TTLDefault       = 15 * time.Minute
)

func KeyChannelOwner(channelID string) string  { return "channel_owner:" + channelID }
func KeyActiveVoice(userID string) string      { return "active_voice:" + userID }
func KeyChannelMembers(channelID string) string { return "channel_members:" + channelID }
func KeyUserPrefs(userID, guildID string) string {
	return "user_prefs:" + userID + ":" + guildID
}
func KeyGuildConfig(guildID string) string  { return "guild_config:" + guildID }
func KeyCallState(channelID string) string  { return "call_state:" + channelID }
func KeyCoupSession(channelID string) string { return "coup_session:" + channelID }
func KeyRateLimit(userID, action string) string {
	return "rate_limit:" + userID + ":" + action
}
func KeyStarboardEntry(guildID, messageID string) string {
	return "starboard_entry:" + guildID + ":" + messageID
}
func KeyUserRoleData(userID, guildID string) string {
	return "user_role_data:" + userID + ":" + guildID
}
func KeyRollData(userID, guildID string) string {
	return "roll_data:" + userID + ":" + guildID
}
func KeyRelationships(userID, guildID string) string {
	return "relationships:" + userID + ":" + guildID
}
