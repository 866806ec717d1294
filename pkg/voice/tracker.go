// Package voice implements voice-channel session tracking, channel
// ownership election and transfer, and owner-driven channel naming.
// All session mutations run inside single store transactions so that a
// user holds at most one active session at any instant.
package voice

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/small-frappuccino/guildkeeper/pkg/datacache"
	"github.com/small-frappuccino/guildkeeper/pkg/storage"
)

// Member is the tracker's view of a guild member.
type Member struct {
	UserID      string
	GuildID     string
	Username    string
	DisplayName string
	Bot         bool
}

// Channel is the tracker's view of a voice channel.
type Channel struct {
	ID       string
	GuildID  string
	Name     string
	Position int
}

// Tracker records voice transitions. Operations for guilds other than
// the configured one are silent no-ops.
type Tracker struct {
	store   *storage.Store
	dcache  *datacache.DataCache
	guildID string
	log     *slog.Logger
	now     func() time.Time
}

func NewTracker(store *storage.Store, dcache *datacache.DataCache, guildID string) *Tracker {
	return &Tracker{store: store, dcache: dcache, guildID: guildID, log: slog.Default(), now: time.Now}
}

func (t *Tracker) tracked(guildID string) bool {
	return guildID == t.guildID
}

// TrackJoin records a user entering a channel: any active session
// elsewhere is closed, the user and channel rows are upserted, and a
// new session opens. Bots are ignored entirely.
func (t *Tracker) TrackJoin(ctx context.Context, m Member, ch Channel) error {
	if !t.tracked(ch.GuildID) || m.Bot {
		return nil
	}
	now := t.now().UTC()

	err := t.store.WithTransaction(ctx, func(tx *sql.Tx) error {
		if _, err := t.store.CloseSessionsTx(ctx, tx, m.UserID, ch.ID, now); err != nil {
			return fmt.Errorf("close other sessions: %w", err)
		}
		if err := t.store.UpsertUserTx(ctx, tx, storage.UserRecord{
			DiscordID:   m.UserID,
			GuildID:     m.GuildID,
			Username:    m.Username,
			DisplayName: m.DisplayName,
			LastSeen:    now,
		}); err != nil {
			return fmt.Errorf("upsert user: %w", err)
		}
		if err := t.store.UpsertChannelTx(ctx, tx, storage.ChannelRecord{
			DiscordID:   ch.ID,
			GuildID:     ch.GuildID,
			ChannelName: ch.Name,
			Position:    ch.Position,
			IsActive:    true,
		}); err != nil {
			return fmt.Errorf("upsert channel: %w", err)
		}
		opened, err := t.store.InsertSessionTx(ctx, tx, m.UserID, ch.GuildID, ch.ID, ch.Name, now)
		if err != nil {
			return fmt.Errorf("insert session: %w", err)
		}
		if opened {
			if err := t.store.IncrementVoiceInteractionsTx(ctx, tx, m.UserID, m.GuildID); err != nil {
				return fmt.Errorf("count interaction: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	t.cacheJoin(ctx, m.UserID, ch, now)
	t.reconcile(ctx, ch.ID)
	return nil
}

// TrackLeave closes the user's active session. A session pointing at a
// different channel is closed anyway; the gateway may have dropped the
// earlier transition.
func (t *Tracker) TrackLeave(ctx context.Context, m Member, ch Channel) error {
	if !t.tracked(ch.GuildID) || m.Bot {
		return nil
	}
	now := t.now().UTC()

	var closedChannels []string
	err := t.store.WithTransaction(ctx, func(tx *sql.Tx) error {
		closed, err := t.store.CloseSessionsTx(ctx, tx, m.UserID, "", now)
		if err != nil {
			return fmt.Errorf("close sessions: %w", err)
		}
		for _, s := range closed {
			if s.ChannelID != ch.ID {
				t.log.Warn("closed stray session on leave",
					"user_id", m.UserID, "expected_channel", ch.ID, "actual_channel", s.ChannelID)
			}
			closedChannels = append(closedChannels, s.ChannelID)
		}
		return nil
	})
	if err != nil {
		return err
	}

	t.cacheLeave(ctx, m.UserID, closedChannels)
	seen := map[string]bool{ch.ID: true}
	t.reconcile(ctx, ch.ID)
	for _, id := range closedChannels {
		if !seen[id] {
			seen[id] = true
			t.reconcile(ctx, id)
		}
	}
	return nil
}

// TrackMove closes the session in the old channel and opens one in the
// new channel under a single transaction.
func (t *Tracker) TrackMove(ctx context.Context, m Member, oldCh, newCh Channel) error {
	if !t.tracked(newCh.GuildID) || m.Bot {
		return nil
	}
	now := t.now().UTC()

	var closedChannels []string
	err := t.store.WithTransaction(ctx, func(tx *sql.Tx) error {
		closed, err := t.store.CloseSessionsTx(ctx, tx, m.UserID, newCh.ID, now)
		if err != nil {
			return fmt.Errorf("close sessions: %w", err)
		}
		for _, s := range closed {
			closedChannels = append(closedChannels, s.ChannelID)
		}
		if err := t.store.UpsertUserTx(ctx, tx, storage.UserRecord{
			DiscordID:   m.UserID,
			GuildID:     m.GuildID,
			Username:    m.Username,
			DisplayName: m.DisplayName,
			LastSeen:    now,
		}); err != nil {
			return fmt.Errorf("upsert user: %w", err)
		}
		for _, ch := range []Channel{oldCh, newCh} {
			if ch.ID == "" {
				continue
			}
			if err := t.store.UpsertChannelTx(ctx, tx, storage.ChannelRecord{
				DiscordID:   ch.ID,
				GuildID:     ch.GuildID,
				ChannelName: ch.Name,
				Position:    ch.Position,
				IsActive:    true,
			}); err != nil {
				return fmt.Errorf("upsert channel %s: %w", ch.ID, err)
			}
		}
		opened, err := t.store.InsertSessionTx(ctx, tx, m.UserID, newCh.GuildID, newCh.ID, newCh.Name, now)
		if err != nil {
			return fmt.Errorf("insert session: %w", err)
		}
		if opened {
			if err := t.store.IncrementVoiceInteractionsTx(ctx, tx, m.UserID, m.GuildID); err != nil {
				return fmt.Errorf("count interaction: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	t.cacheLeave(ctx, m.UserID, closedChannels)
	t.cacheJoin(ctx, m.UserID, newCh, now)
	seen := map[string]bool{newCh.ID: true}
	t.reconcile(ctx, newCh.ID)
	for _, id := range closedChannels {
		if !seen[id] {
			seen[id] = true
			t.reconcile(ctx, id)
		}
	}
	return nil
}

// Cache updates are best-effort; the durable session index is the
// source of truth.
func (t *Tracker) cacheJoin(ctx context.Context, userID string, ch Channel, joinedAt time.Time) {
	if err := t.dcache.SetActiveVoice(ctx, userID, datacache.ActiveVoice{
		ChannelID: ch.ID, GuildID: ch.GuildID, JoinedAt: joinedAt,
	}); err != nil {
		t.log.Warn("active voice cache write failed", "user_id", userID, "error", err)
	}
	if err := t.dcache.AddChannelMember(ctx, ch.ID, userID); err != nil {
		t.log.Warn("channel member cache add failed", "channel_id", ch.ID, "error", err)
	}
}

func (t *Tracker) cacheLeave(ctx context.Context, userID string, channelIDs []string) {
	if err := t.dcache.ClearActiveVoice(ctx, userID); err != nil {
		t.log.Warn("active voice cache clear failed", "user_id", userID, "error", err)
	}
	for _, id := range channelIDs {
		if err := t.dcache.RemoveChannelMember(ctx, id, userID); err != nil {
			t.log.Warn("channel member cache remove failed", "channel_id", id, "error", err)
		}
	}
}

func (t *Tracker) reconcile(ctx context.Context, channelID string) {
	if _, err := t.store.ReconcileChannelMembers(ctx, channelID); err != nil {
		t.log.Error("channel member reconcile failed", "channel_id", channelID, "error", err)
	}
}
