// Package starboard promotes messages to a dedicated channel once they
// collect enough star reactions, keeps the reposted embed's count in
// step, and exposes a periodic drift scan so missed gateway events
// converge anyway.
package starboard

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/small-frappuccino/guildkeeper/pkg/datacache"
	"github.com/small-frappuccino/guildkeeper/pkg/errutil"
	"github.com/small-frappuccino/guildkeeper/pkg/storage"
)

const (
	defaultThreshold = 3
	starEmoji        = "⭐"
	contextFooter    = "Reply context"
	embedColor       = 0xFFAC33
	lookback         = 24 * time.Hour
	scanPageSize     = 100
)

// Messenger is the slice of the Discord session the engine needs.
type Messenger interface {
	ChannelMessage(channelID, messageID string, options ...discordgo.RequestOption) (*discordgo.Message, error)
	ChannelMessages(channelID string, limit int, beforeID, afterID, aroundID string, options ...discordgo.RequestOption) ([]*discordgo.Message, error)
	ChannelMessageSendComplex(channelID string, data *discordgo.MessageSend, options ...discordgo.RequestOption) (*discordgo.Message, error)
	ChannelMessageEditComplex(m *discordgo.MessageEdit, options ...discordgo.RequestOption) (*discordgo.Message, error)
	ChannelMessageDelete(channelID, messageID string, options ...discordgo.RequestOption) error
	GuildChannels(guildID string, options ...discordgo.RequestOption) ([]*discordgo.Channel, error)
}

// Engine owns all starboard mutations. Callers must serialize work per
// original message id; the engine itself holds no locks.
type Engine struct {
	api       Messenger
	store     *storage.Store
	dcache    *datacache.DataCache
	guildID   string
	channelID string
	threshold int
	log       *slog.Logger
}

func New(api Messenger, store *storage.Store, dcache *datacache.DataCache, guildID, starboardChannelID string) *Engine {
	return &Engine{
		api:       api,
		store:     store,
		dcache:    dcache,
		guildID:   guildID,
		channelID: starboardChannelID,
		threshold: defaultThreshold,
		log:       slog.Default(),
	}
}

// SetThreshold overrides the default of 3. Values below 1 are ignored.
func (e *Engine) SetThreshold(n int) {
	if n >= 1 {
		e.threshold = n
	}
}

// HandleReaction processes a star reaction add or remove on a message.
// The message is always fetched in full; gateway reaction payloads are
// partial.
func (e *Engine) HandleReaction(ctx context.Context, channelID, messageID string) error {
	if e.channelID == "" || channelID == e.channelID {
		return nil
	}
	msg, err := e.api.ChannelMessage(channelID, messageID)
	if err != nil {
		if !isNotFound(err) {
			// Rate limits and server errors are retried by the caller;
			// tearing down a valid entry over them loses the repost.
			return errutil.Discord("starboard", "fetch message", err)
		}
		// The message is gone for good. Tear down any entry rather than
		// leave an orphaned repost.
		entry, lookupErr := e.store.GetStarboardEntry(ctx, e.guildID, messageID)
		if lookupErr != nil {
			return fmt.Errorf("lookup entry: %w", lookupErr)
		}
		if entry != nil {
			return e.remove(ctx, entry)
		}
		return nil
	}
	if err := e.store.UpdateMessageReactions(ctx, msg.ID, reactionSummary(msg)); err != nil {
		e.log.Warn("reaction summary write failed", "message_id", msg.ID, "error", err)
	}
	return e.apply(ctx, msg, starCount(msg))
}

// isNotFound reports whether err is a Discord 404. Transient failures
// must never be treated as a deleted message.
func isNotFound(err error) bool {
	var rest *discordgo.RESTError
	return errors.As(err, &rest) && rest.Response != nil && rest.Response.StatusCode == http.StatusNotFound
}

// apply converges the entry state for one message toward its count.
func (e *Engine) apply(ctx context.Context, msg *discordgo.Message, count int) error {
	if msg.GuildID == "" {
		// REST message payloads omit the guild id; the jump link needs it.
		msg.GuildID = e.guildID
	}
	entry, err := e.store.GetStarboardEntry(ctx, e.guildID, msg.ID)
	if err != nil {
		return fmt.Errorf("lookup entry: %w", err)
	}

	switch {
	case entry == nil && count >= e.threshold:
		return e.create(ctx, msg, count)
	case entry == nil:
		return nil
	case count < e.threshold:
		return e.remove(ctx, entry)
	case count != entry.StarCount:
		return e.updateCount(ctx, msg, entry, count)
	default:
		return e.ensureReposted(ctx, msg, entry, count)
	}
}

// ensureReposted recreates the repost when the recorded starboard
// message vanished out of band.
func (e *Engine) ensureReposted(ctx context.Context, msg *discordgo.Message, entry *storage.StarboardEntry, count int) error {
	_, err := e.api.ChannelMessage(entry.StarboardChannelID, entry.StarboardMessageID)
	if err == nil {
		return nil
	}
	if !isNotFound(err) {
		return errutil.Discord("starboard", "check repost", err)
	}
	return e.create(ctx, msg, count)
}

// create posts the starboard embed (with a context embed first when the
// source is a reply) and records the entry against the starred embed's
// id.
func (e *Engine) create(ctx context.Context, msg *discordgo.Message, count int) error {
	if msg.MessageReference != nil && msg.MessageReference.MessageID != "" {
		if err := e.postContext(msg.MessageReference); err != nil {
			e.log.Warn("reply context failed, posting single embed",
				"message_id", msg.ID, "error", err)
		}
	}

	posted, err := e.api.ChannelMessageSendComplex(e.channelID, buildSend(msg, count))
	if err != nil {
		return fmt.Errorf("post starboard embed: %w", err)
	}

	entry := storage.StarboardEntry{
		GuildID:            e.guildID,
		OriginalMessageID:  msg.ID,
		OriginalChannelID:  msg.ChannelID,
		StarboardMessageID: posted.ID,
		StarboardChannelID: e.channelID,
		StarCount:          count,
	}
	if err := e.store.UpsertStarboardEntry(ctx, entry); err != nil {
		return fmt.Errorf("store entry: %w", err)
	}
	if err := e.dcache.SetStarboardEntry(ctx, e.guildID, msg.ID, datacache.CachedStarboardEntry{
		StarboardMessageID: posted.ID,
		StarboardChannelID: e.channelID,
		OriginalChannelID:  msg.ChannelID,
		StarCount:          count,
		LastUpdated:        time.Now().UTC(),
	}); err != nil {
		e.log.Warn("starboard cache write failed", "message_id", msg.ID, "error", err)
	}
	e.log.Info("starboard entry created",
		"message_id", msg.ID, "starboard_message_id", posted.ID, "stars", count)
	return nil
}

func (e *Engine) postContext(ref *discordgo.MessageReference) error {
	parent, err := e.api.ChannelMessage(ref.ChannelID, ref.MessageID)
	if err != nil {
		return err
	}
	embed := baseEmbed(parent)
	embed.Footer = &discordgo.MessageEmbedFooter{Text: contextFooter}
	_, err = e.api.ChannelMessageSendComplex(e.channelID, &discordgo.MessageSend{
		Embeds: []*discordgo.MessageEmbed{embed},
	})
	return err
}

// updateCount edits the repost in place. A missing repost (deleted by a
// moderator) is recreated.
func (e *Engine) updateCount(ctx context.Context, msg *discordgo.Message, entry *storage.StarboardEntry, count int) error {
	edit := discordgo.NewMessageEdit(entry.StarboardChannelID, entry.StarboardMessageID)
	edit.SetEmbeds([]*discordgo.MessageEmbed{starredEmbed(msg, count)})
	if _, err := e.api.ChannelMessageEditComplex(edit); err != nil {
		e.log.Warn("starboard edit failed, reposting", "message_id", msg.ID, "error", err)
		return e.create(ctx, msg, count)
	}

	if err := e.store.UpdateStarCount(ctx, e.guildID, msg.ID, count); err != nil {
		return fmt.Errorf("update count: %w", err)
	}
	if err := e.dcache.SetStarboardEntry(ctx, e.guildID, msg.ID, datacache.CachedStarboardEntry{
		StarboardMessageID: entry.StarboardMessageID,
		StarboardChannelID: entry.StarboardChannelID,
		OriginalChannelID:  entry.OriginalChannelID,
		StarCount:          count,
		LastUpdated:        time.Now().UTC(),
	}); err != nil {
		e.log.Warn("starboard cache write failed", "message_id", msg.ID, "error", err)
	}
	return nil
}

// remove deletes the repost, its preceding reply-context embed if one
// exists, and the entry itself.
func (e *Engine) remove(ctx context.Context, entry *storage.StarboardEntry) error {
	e.deleteContextBefore(entry)
	if err := e.api.ChannelMessageDelete(entry.StarboardChannelID, entry.StarboardMessageID); err != nil {
		e.log.Warn("starboard embed delete failed",
			"starboard_message_id", entry.StarboardMessageID, "error", err)
	}
	if err := e.store.DeleteStarboardEntry(ctx, e.guildID, entry.OriginalMessageID); err != nil {
		return fmt.Errorf("delete entry: %w", err)
	}
	if err := e.dcache.DeleteStarboardEntry(ctx, e.guildID, entry.OriginalMessageID); err != nil {
		e.log.Warn("starboard cache delete failed",
			"message_id", entry.OriginalMessageID, "error", err)
	}
	e.log.Info("starboard entry removed", "message_id", entry.OriginalMessageID)
	return nil
}

func (e *Engine) deleteContextBefore(entry *storage.StarboardEntry) {
	msgs, err := e.api.ChannelMessages(entry.StarboardChannelID, 1, entry.StarboardMessageID, "", "")
	if err != nil || len(msgs) == 0 {
		return
	}
	prev := msgs[0]
	for _, em := range prev.Embeds {
		if em.Footer != nil && em.Footer.Text == contextFooter {
			if err := e.api.ChannelMessageDelete(entry.StarboardChannelID, prev.ID); err != nil {
				e.log.Warn("context embed delete failed", "message_id", prev.ID, "error", err)
			}
			return
		}
	}
}

// StaleMessage identifies a recent message whose starboard state no
// longer matches its star count.
type StaleMessage struct {
	ChannelID string
	MessageID string
}

// FindStale scans the last 24 hours of messages in every text channel
// and reports the ones that need convergence: missing entries, drifted
// counts, vanished reposts. The scan mutates nothing; callers feed each
// result back through the same serialized path reaction events take.
// Designed to run on a 30-minute schedule.
func (e *Engine) FindStale(ctx context.Context) ([]StaleMessage, error) {
	if e.channelID == "" {
		return nil, nil
	}
	channels, err := e.api.GuildChannels(e.guildID)
	if err != nil {
		return nil, fmt.Errorf("fetch channels: %w", err)
	}

	cutoff := time.Now().UTC().Add(-lookback)
	var stale []StaleMessage
	for _, ch := range channels {
		if ch.Type != discordgo.ChannelTypeGuildText || ch.ID == e.channelID {
			continue
		}
		found, err := e.scanChannel(ctx, ch.ID, cutoff)
		if err != nil {
			e.log.Warn("starboard scan failed for channel", "channel_id", ch.ID, "error", err)
			continue
		}
		stale = append(stale, found...)
	}
	if len(stale) > 0 {
		e.log.Info("starboard scan found drift", "messages", len(stale))
	}
	return stale, nil
}

func (e *Engine) scanChannel(ctx context.Context, channelID string, cutoff time.Time) ([]StaleMessage, error) {
	var stale []StaleMessage
	before := ""
	for {
		msgs, err := e.api.ChannelMessages(channelID, scanPageSize, before, "", "")
		if err != nil {
			return stale, err
		}
		if len(msgs) == 0 {
			return stale, nil
		}
		for _, m := range msgs {
			before = m.ID
			if m.Timestamp.Before(cutoff) {
				return stale, nil
			}
			count := starCount(m)
			entry, err := e.store.GetStarboardEntry(ctx, e.guildID, m.ID)
			if err != nil {
				return stale, err
			}
			needs, err := e.needsConvergence(entry, count)
			if err != nil {
				e.log.Warn("starboard scan failed for message", "message_id", m.ID, "error", err)
				continue
			}
			if needs {
				stale = append(stale, StaleMessage{ChannelID: channelID, MessageID: m.ID})
			}
		}
		if len(msgs) < scanPageSize {
			return stale, nil
		}
	}
}

func (e *Engine) needsConvergence(entry *storage.StarboardEntry, count int) (bool, error) {
	if entry == nil {
		return count >= e.threshold, nil
	}
	if count < e.threshold || count != entry.StarCount {
		return true, nil
	}
	// Entry and count agree, but the repost itself may have vanished.
	_, err := e.api.ChannelMessage(entry.StarboardChannelID, entry.StarboardMessageID)
	if err == nil {
		return false, nil
	}
	if isNotFound(err) {
		return true, nil
	}
	return false, errutil.Discord("starboard", "check repost", err)
}

// reactionSummary flattens the message's reaction list into
// "name:count" pairs for the stored record.
func reactionSummary(m *discordgo.Message) []string {
	out := make([]string, 0, len(m.Reactions))
	for _, r := range m.Reactions {
		if r.Emoji != nil {
			out = append(out, fmt.Sprintf("%s:%d", r.Emoji.Name, r.Count))
		}
	}
	return out
}

func starCount(m *discordgo.Message) int {
	for _, r := range m.Reactions {
		if r.Emoji != nil && r.Emoji.Name == starEmoji {
			return r.Count
		}
	}
	return 0
}

// buildSend assembles the starred message payload. The first video
// attachment rides along as plain content so the client re-embeds it.
func buildSend(m *discordgo.Message, count int) *discordgo.MessageSend {
	send := &discordgo.MessageSend{
		Embeds: []*discordgo.MessageEmbed{starredEmbed(m, count)},
	}
	for _, a := range m.Attachments {
		if strings.HasPrefix(a.ContentType, "video/") {
			send.Content = a.URL
			break
		}
	}
	return send
}

func starredEmbed(m *discordgo.Message, count int) *discordgo.MessageEmbed {
	embed := baseEmbed(m)
	embed.Color = embedColor
	embed.Footer = &discordgo.MessageEmbedFooter{Text: fmt.Sprintf("%s %d", starEmoji, count)}
	embed.Fields = append(embed.Fields, &discordgo.MessageEmbedField{
		Name:  "Source",
		Value: fmt.Sprintf("[Jump to message](https://discord.com/channels/%s/%s/%s)", m.GuildID, m.ChannelID, m.ID),
	})
	return embed
}

func baseEmbed(m *discordgo.Message) *discordgo.MessageEmbed {
	embed := &discordgo.MessageEmbed{
		Description: m.Content,
		Timestamp:   m.Timestamp.UTC().Format(time.RFC3339),
	}
	if m.Author != nil {
		embed.Author = &discordgo.MessageEmbedAuthor{
			Name:    m.Author.Username,
			IconURL: m.Author.AvatarURL(""),
		}
	}
	for _, a := range m.Attachments {
		if strings.HasPrefix(a.ContentType, "image/") {
			embed.Image = &discordgo.MessageEmbedImage{URL: a.URL}
			break
		}
	}
	return embed
}
