package voice

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/small-frappuccino/guildkeeper/pkg/datacache"
)

const renameCooldown = 5 * time.Second

// defaultSkipPatterns are never renamed over; matching is a
// case-insensitive substring test.
var defaultSkipPatterns = []string{"available", "new channel", "temp"}

// ChannelRenamer is the slice of the Discord session the naming
// service needs.
type ChannelRenamer interface {
	ChannelEdit(channelID string, data *discordgo.ChannelEdit, options ...discordgo.RequestOption) (*discordgo.Channel, error)
}

// NamingService renames owned voice channels after their owner, with a
// per-channel cooldown. Rename failures are logged and dropped; the
// next attempt waits out the cooldown.
type NamingService struct {
	renamer      ChannelRenamer
	dcache       *datacache.DataCache
	skipPatterns []string
	log          *slog.Logger

	mu          sync.Mutex
	lastAttempt map[string]time.Time
	now         func() time.Time
}

func NewNamingService(renamer ChannelRenamer, dcache *datacache.DataCache) *NamingService {
	return &NamingService{
		renamer:      renamer,
		dcache:       dcache,
		skipPatterns: defaultSkipPatterns,
		log:          slog.Default(),
		lastAttempt:  make(map[string]time.Time),
		now:          time.Now,
	}
}

// SetSkipPatterns replaces the skip-pattern set.
func (n *NamingService) SetSkipPatterns(patterns []string) {
	n.skipPatterns = patterns
}

func (n *NamingService) shouldSkip(currentName string) bool {
	lower := strings.ToLower(currentName)
	for _, p := range n.skipPatterns {
		if strings.Contains(lower, strings.ToLower(p)) {
			return true
		}
	}
	return false
}

// DesiredName resolves the target name: the owner's stored preferred
// channel name, then "{display}'s Channel".
func (n *NamingService) DesiredName(ctx context.Context, ownerID, guildID, displayName string) string {
	if prefs, err := n.dcache.GetUserPreferences(ctx, ownerID, guildID); err == nil && prefs != nil {
		if name := strings.TrimSpace(prefs.PreferredChannelName); name != "" {
			return name
		}
	}
	return displayName + "'s Channel"
}

// RenameForOwner renames the channel for its owner, honoring skip
// patterns and the per-channel cooldown. Returns whether a rename was
// issued.
func (n *NamingService) RenameForOwner(ctx context.Context, channelID, currentName, ownerID, guildID, displayName string) bool {
	if n.shouldSkip(currentName) {
		return false
	}
	desired := n.DesiredName(ctx, ownerID, guildID, displayName)
	if desired == "" || desired == currentName {
		return false
	}

	n.mu.Lock()
	last, seen := n.lastAttempt[channelID]
	now := n.now()
	if seen && now.Sub(last) < renameCooldown {
		n.mu.Unlock()
		return false
	}
	n.lastAttempt[channelID] = now
	// Lazy eviction of stale cooldown entries.
	for id, at := range n.lastAttempt {
		if now.Sub(at) > 10*renameCooldown {
			delete(n.lastAttempt, id)
		}
	}
	n.mu.Unlock()

	if _, err := n.renamer.ChannelEdit(channelID, &discordgo.ChannelEdit{Name: desired}); err != nil {
		n.log.Warn("channel rename failed",
			"channel_id", channelID, "desired_name", desired, "error", err)
		return false
	}
	n.log.Info("channel renamed", "channel_id", channelID, "name", desired)
	return true
}
