package voice

import (
	"context"
	"log/slog"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/small-frappuccino/guildkeeper/pkg/datacache"
	"github.com/small-frappuccino/guildkeeper/pkg/storage"
)

// ownerPermissions is the capability set granted to a channel owner.
const ownerPermissions = discordgo.PermissionManageChannels |
	discordgo.PermissionVoicePrioritySpeaker |
	discordgo.PermissionVoiceStreamVideo |
	discordgo.PermissionVoiceUseVAD |
	discordgo.PermissionVoiceSpeak |
	discordgo.PermissionVoiceConnect |
	discordgo.PermissionCreateInstantInvite

// PermissionEditor is the slice of the Discord session the ownership
// manager needs: setting and removing per-user channel overwrites.
type PermissionEditor interface {
	ChannelPermissionSet(channelID, targetID string, targetType discordgo.PermissionOverwriteType, allow, deny int64, options ...discordgo.RequestOption) error
	ChannelPermissionDelete(channelID, targetID string, options ...discordgo.RequestOption) error
}

// OwnershipManager elects, transfers, and validates channel owners.
type OwnershipManager struct {
	store  *storage.Store
	dcache *datacache.DataCache
	perms  PermissionEditor
	log    *slog.Logger
}

func NewOwnershipManager(store *storage.Store, dcache *datacache.DataCache, perms PermissionEditor) *OwnershipManager {
	return &OwnershipManager{store: store, dcache: dcache, perms: perms, log: slog.Default()}
}

// ElectOwner picks the user with the greatest cumulative duration in
// the channel among those currently present. If no historical user is
// present, the longest-standing historical user wins. No history means
// no owner.
func (o *OwnershipManager) ElectOwner(ctx context.Context, channelID string) (string, error) {
	now := time.Now().UTC()
	totals, earliest, err := o.store.ChannelDurations(ctx, channelID, now)
	if err != nil {
		return "", err
	}
	if len(totals) == 0 {
		return "", nil
	}

	active, err := o.store.ListActiveSessionsForChannel(ctx, channelID)
	if err != nil {
		return "", err
	}
	present := make(map[string]bool, len(active))
	for _, s := range active {
		present[s.UserID] = true
	}

	best := ""
	var bestTotal int64 = -1
	for userID, total := range totals {
		if !present[userID] {
			continue
		}
		if total > bestTotal || (total == bestTotal && earliest[userID].Before(earliest[best])) {
			best, bestTotal = userID, total
		}
	}
	if best != "" {
		return best, nil
	}

	// Nobody from the history is present; fall back to the
	// longest-standing historical user.
	var firstJoin time.Time
	for userID, joined := range earliest {
		if best == "" || joined.Before(firstJoin) {
			best, firstJoin = userID, joined
		}
	}
	return best, nil
}

// AssignOwner records ownership and applies the owner capability set.
// previousOwner may be empty for a first assignment.
func (o *OwnershipManager) AssignOwner(ctx context.Context, channelID, ownerID, previousOwner string) error {
	if previousOwner != "" && previousOwner != ownerID {
		if err := o.perms.ChannelPermissionDelete(channelID, previousOwner); err != nil {
			o.log.Warn("failed to remove previous owner overwrite",
				"channel_id", channelID, "user_id", previousOwner, "error", err)
		}
	}
	if err := o.perms.ChannelPermissionSet(channelID, ownerID,
		discordgo.PermissionOverwriteTypeMember, ownerPermissions, 0); err != nil {
		return err
	}

	record := datacache.ChannelOwner{
		OwnerUserID: ownerID,
		OwnedSince:  time.Now().UTC(),
	}
	if previousOwner != "" && previousOwner != ownerID {
		record.PreviousOwnerID = previousOwner
	}
	return o.dcache.SetChannelOwner(ctx, channelID, record)
}

// TransferIfOwnerLeft re-elects when the departing user owned the
// channel. An empty channel clears ownership instead.
func (o *OwnershipManager) TransferIfOwnerLeft(ctx context.Context, channelID, departedUserID string) error {
	owner, err := o.dcache.GetChannelOwner(ctx, channelID)
	if err != nil {
		return err
	}
	if owner == nil || owner.OwnerUserID != departedUserID {
		return nil
	}

	next, err := o.ElectOwner(ctx, channelID)
	if err != nil {
		return err
	}
	if next == "" || next == departedUserID {
		if err := o.perms.ChannelPermissionDelete(channelID, departedUserID); err != nil {
			o.log.Warn("failed to remove owner overwrite on empty channel",
				"channel_id", channelID, "user_id", departedUserID, "error", err)
		}
		return o.dcache.DeleteChannelOwner(ctx, channelID)
	}

	o.log.Info("transferring channel ownership",
		"channel_id", channelID, "from", departedUserID, "to", next)
	return o.AssignOwner(ctx, channelID, next, departedUserID)
}

// EnsureValidOwner clears owners who are no longer present and
// attempts re-election. Returns the (possibly new) owner id, or empty.
func (o *OwnershipManager) EnsureValidOwner(ctx context.Context, channelID string) (string, error) {
	owner, err := o.dcache.GetChannelOwner(ctx, channelID)
	if err != nil {
		return "", err
	}

	active, err := o.store.ListActiveSessionsForChannel(ctx, channelID)
	if err != nil {
		return "", err
	}
	present := make(map[string]bool, len(active))
	for _, s := range active {
		present[s.UserID] = true
	}

	if owner != nil && present[owner.OwnerUserID] {
		return owner.OwnerUserID, nil
	}

	previous := ""
	if owner != nil {
		previous = owner.OwnerUserID
		if err := o.dcache.DeleteChannelOwner(ctx, channelID); err != nil {
			return "", err
		}
	}

	next, err := o.ElectOwner(ctx, channelID)
	if err != nil || next == "" {
		return "", err
	}
	if !present[next] && len(present) > 0 {
		// Election fell back to an absent historical user while others
		// are present; leave ownership unassigned.
		return "", nil
	}
	if err := o.AssignOwner(ctx, channelID, next, previous); err != nil {
		return "", err
	}
	return next, nil
}
