// Package guildsync reconciles remote guild state (roles, members,
// messages) into the local store. Full passes walk message history
// backward in pages of 100; incremental passes refresh roles, members,
// and only the newest page per channel. Fetches are paced with a rate
// limiter to stay under the REST surface's limits.
package guildsync

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/bwmarrin/discordgo"
	"golang.org/x/time/rate"

	"github.com/small-frappuccino/guildkeeper/pkg/storage"
)

const (
	pageSize            = 100
	defaultMessageLimit = 1000
	memberPageSize      = 1000
	commandPrefix       = "m!"
)

// API is the slice of the Discord session the syncer consumes.
type API interface {
	Guild(guildID string, options ...discordgo.RequestOption) (*discordgo.Guild, error)
	GuildRoles(guildID string, options ...discordgo.RequestOption) ([]*discordgo.Role, error)
	GuildMembers(guildID, after string, limit int, options ...discordgo.RequestOption) ([]*discordgo.Member, error)
	GuildChannels(guildID string, options ...discordgo.RequestOption) ([]*discordgo.Channel, error)
	ChannelMessages(channelID string, limit int, beforeID, afterID, aroundID string, options ...discordgo.RequestOption) ([]*discordgo.Message, error)
}

// Result summarizes one sync pass.
type Result struct {
	SyncedUsers    int
	SyncedRoles    int
	SyncedMessages int
	Errors         []error
	FullSync       bool
}

// Syncer drives guild reconciliation.
type Syncer struct {
	api     API
	store   *storage.Store
	guildID string
	limiter *rate.Limiter
	log     *slog.Logger
}

func NewSyncer(api API, store *storage.Store, guildID string) *Syncer {
	return &Syncer{
		api:     api,
		store:   store,
		guildID: guildID,
		// ~10 fetches per second, matching a 100ms gap between pages.
		limiter: rate.NewLimiter(rate.Every(100*time.Millisecond), 1),
		log:     slog.Default(),
	}
}

// SyncGuild runs one pass. force always performs a full message walk;
// otherwise a full walk happens only when no completed sync is on
// record. Per-channel message work is capped at messageLimit (0 means
// the default of 1000). Individual channel failures are collected, not
// fatal.
func (s *Syncer) SyncGuild(ctx context.Context, force bool, messageLimit int) (*Result, error) {
	if messageLimit <= 0 {
		messageLimit = defaultMessageLimit
	}

	prior, err := s.store.GetGuildSync(ctx, s.guildID)
	if err != nil {
		return nil, fmt.Errorf("read sync record: %w", err)
	}
	full := force || prior == nil || !prior.IsFullySynced

	res := &Result{FullSync: full}
	started := time.Now().UTC()

	botRoles, err := s.syncRoles(ctx, res)
	if err != nil {
		return res, err
	}
	memberRoles, err := s.syncMembers(ctx, res)
	if err != nil {
		return res, err
	}

	var priorCursor string
	if prior != nil {
		priorCursor = prior.LastMessageID
	}
	perChannel := messageLimit
	if !full {
		perChannel = pageSize
	}
	newest := s.syncMessages(ctx, res, botRoles, memberRoles, priorCursor, perChannel)
	if newest == "" {
		newest = priorCursor
	}

	totalUsers, err := s.store.CountUsers(ctx, s.guildID)
	if err != nil {
		res.Errors = append(res.Errors, err)
	}
	totalRoles, err := s.store.CountRoles(ctx, s.guildID)
	if err != nil {
		res.Errors = append(res.Errors, err)
	}
	totalMessages, err := s.store.CountMessages(ctx, s.guildID)
	if err != nil {
		res.Errors = append(res.Errors, err)
	}

	if err := s.store.UpsertGuildSync(ctx, storage.GuildSync{
		GuildID:       s.guildID,
		LastSyncAt:    started,
		LastMessageID: newest,
		TotalUsers:    totalUsers,
		TotalMessages: totalMessages,
		TotalRoles:    totalRoles,
		IsFullySynced: true,
	}); err != nil {
		return res, fmt.Errorf("write sync record: %w", err)
	}

	s.log.Info("guild sync complete",
		"guild_id", s.guildID,
		"full", full,
		"users", res.SyncedUsers,
		"roles", res.SyncedRoles,
		"messages", res.SyncedMessages,
		"errors", len(res.Errors),
		"elapsed", time.Since(started).String(),
	)
	return res, nil
}

// syncRoles upserts every guild role and returns the ids of roles
// named "bot" (case-insensitive), used to skip bot-role authors.
func (s *Syncer) syncRoles(ctx context.Context, res *Result) (map[string]bool, error) {
	if err := s.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	roles, err := s.api.GuildRoles(s.guildID)
	if err != nil {
		return nil, fmt.Errorf("fetch roles: %w", err)
	}

	botRoles := make(map[string]bool)
	records := make([]storage.RoleRecord, 0, len(roles))
	for _, r := range roles {
		if strings.EqualFold(r.Name, "bot") {
			botRoles[r.ID] = true
		}
		records = append(records, storage.RoleRecord{
			DiscordID:   r.ID,
			GuildID:     s.guildID,
			Name:        r.Name,
			Color:       r.Color,
			Mentionable: r.Mentionable,
		})
	}
	n, err := s.store.BatchUpsertRoles(ctx, records)
	if err != nil {
		return nil, fmt.Errorf("upsert roles: %w", err)
	}
	res.SyncedRoles = n
	return botRoles, nil
}

// syncMembers pages through the member list and batch-upserts. Returns
// each member's role id set for the message skip rules.
func (s *Syncer) syncMembers(ctx context.Context, res *Result) (map[string][]string, error) {
	memberRoles := make(map[string][]string)
	after := ""
	for {
		if err := s.limiter.Wait(ctx); err != nil {
			return nil, err
		}
		members, err := s.api.GuildMembers(s.guildID, after, memberPageSize)
		if err != nil {
			return nil, fmt.Errorf("fetch members after %q: %w", after, err)
		}
		if len(members) == 0 {
			break
		}

		records := make([]storage.UserRecord, 0, len(members))
		for _, m := range members {
			if m.User == nil {
				continue
			}
			memberRoles[m.User.ID] = m.Roles
			records = append(records, storage.UserRecord{
				DiscordID:     m.User.ID,
				GuildID:       s.guildID,
				Bot:           m.User.Bot,
				Username:      m.User.Username,
				DisplayName:   displayName(m),
				Discriminator: m.User.Discriminator,
				Avatar:        m.User.Avatar,
				Roles:         m.Roles,
				JoinedAt:      m.JoinedAt,
			})
			after = m.User.ID
		}
		n, err := s.store.BatchUpsertUsers(ctx, records)
		if err != nil {
			return nil, fmt.Errorf("upsert members: %w", err)
		}
		res.SyncedUsers += n

		if len(members) < memberPageSize {
			break
		}
	}
	return memberRoles, nil
}

// syncMessages walks every text channel backward from the newest
// message. Returns the newest message id seen across channels.
func (s *Syncer) syncMessages(ctx context.Context, res *Result, botRoles map[string]bool, memberRoles map[string][]string, stopAt string, perChannelLimit int) string {
	if err := s.limiter.Wait(ctx); err != nil {
		res.Errors = append(res.Errors, err)
		return ""
	}
	channels, err := s.api.GuildChannels(s.guildID)
	if err != nil {
		res.Errors = append(res.Errors, fmt.Errorf("fetch channels: %w", err))
		return ""
	}

	newest := ""
	for _, ch := range channels {
		if ch.Type != discordgo.ChannelTypeGuildText {
			continue
		}
		channelNewest, err := s.syncChannelMessages(ctx, res, ch.ID, botRoles, memberRoles, stopAt, perChannelLimit)
		if err != nil {
			res.Errors = append(res.Errors, fmt.Errorf("channel %s: %w", ch.ID, err))
			continue
		}
		if newerID(channelNewest, newest) {
			newest = channelNewest
		}
	}
	return newest
}

func (s *Syncer) syncChannelMessages(ctx context.Context, res *Result, channelID string, botRoles map[string]bool, memberRoles map[string][]string, stopAt string, limit int) (string, error) {
	newest := ""
	before := ""
	processed := 0

	for processed < limit {
		if err := s.limiter.Wait(ctx); err != nil {
			return newest, err
		}
		msgs, err := s.api.ChannelMessages(channelID, pageSize, before, "", "")
		if err != nil {
			return newest, err
		}
		if len(msgs) == 0 {
			break
		}
		if newest == "" {
			newest = msgs[0].ID
		}

		var batch []storage.MessageRecord
		reachedCursor := false
		for _, m := range msgs {
			processed++
			before = m.ID
			if m.ID == stopAt && stopAt != "" {
				reachedCursor = true
				break
			}
			if skipMessage(m, botRoles, memberRoles) {
				continue
			}
			batch = append(batch, messageRecord(s.guildID, m))
			if processed >= limit {
				break
			}
		}

		inserted, err := s.store.BatchInsertMessages(ctx, batch)
		if err != nil {
			return newest, err
		}
		res.SyncedMessages += inserted

		if reachedCursor || len(msgs) < pageSize {
			break
		}
	}
	return newest, nil
}

// newerID compares snowflake ids numerically: longer wins, then
// lexicographic.
func newerID(a, b string) bool {
	if a == "" {
		return false
	}
	if b == "" {
		return true
	}
	if len(a) != len(b) {
		return len(a) > len(b)
	}
	return a > b
}

func skipMessage(m *discordgo.Message, botRoles map[string]bool, memberRoles map[string][]string) bool {
	if m.Author == nil || m.Author.Bot {
		return true
	}
	if strings.HasPrefix(m.Content, commandPrefix) {
		return true
	}
	for _, roleID := range memberRoles[m.Author.ID] {
		if botRoles[roleID] {
			return true
		}
	}
	return false
}

func messageRecord(guildID string, m *discordgo.Message) storage.MessageRecord {
	mentions := make([]string, 0, len(m.Mentions))
	for _, u := range m.Mentions {
		mentions = append(mentions, u.ID)
	}
	attachments := make([]string, 0, len(m.Attachments))
	for _, a := range m.Attachments {
		attachments = append(attachments, a.URL)
	}
	embeds := make([]string, 0, len(m.Embeds))
	for _, e := range m.Embeds {
		embeds = append(embeds, string(e.Type))
	}
	var reactions []string
	for _, r := range m.Reactions {
		if r.Emoji != nil {
			reactions = append(reactions, fmt.Sprintf("%s:%d", r.Emoji.Name, r.Count))
		}
	}
	replyTo := ""
	if m.MessageReference != nil {
		replyTo = m.MessageReference.MessageID
	}
	return storage.MessageRecord{
		DiscordID:   m.ID,
		Content:     m.Content,
		AuthorID:    m.Author.ID,
		ChannelID:   m.ChannelID,
		GuildID:     guildID,
		Timestamp:   m.Timestamp,
		Mentions:    mentions,
		ReplyTo:     replyTo,
		Attachments: attachments,
		Embeds:      embeds,
		Reactions:   reactions,
	}
}

func displayName(m *discordgo.Member) string {
	if m.Nick != "" {
		return m.Nick
	}
	if m.User.GlobalName != "" {
		return m.User.GlobalName
	}
	return m.User.Username
}
