// Package dispatch is the gateway edge: it registers discordgo
// handlers, converts raw events into typed work, and feeds the task
// router. Handlers never block on engine work and never let a panic
// escape into the discordgo event loop.
package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"strings"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/small-frappuccino/guildkeeper/pkg/datacache"
	"github.com/small-frappuccino/guildkeeper/pkg/perf"
	"github.com/small-frappuccino/guildkeeper/pkg/starboard"
	"github.com/small-frappuccino/guildkeeper/pkg/storage"
	"github.com/small-frappuccino/guildkeeper/pkg/task"
	"github.com/small-frappuccino/guildkeeper/pkg/voice"
)

const (
	taskVoice         = "voice.transition"
	taskOwnership     = "channel.ownership"
	taskStar          = "star.reaction"
	taskMessageCreate = "message.create"
	taskMemberUpdate  = "member.update"

	starEmoji     = "⭐"
	commandPrefix = "m!"
)

// Edge wires gateway events into the engines through the task router.
type Edge struct {
	router    *task.Router
	tracker   *voice.Tracker
	ownership *voice.OwnershipManager
	naming    *voice.NamingService
	starboard *starboard.Engine
	store     *storage.Store
	dcache    *datacache.DataCache
	guildID   string
	log       *slog.Logger
}

type voiceTransition struct {
	member voice.Member
	from   voice.Channel
	to     voice.Channel
}

type ownershipUpdate struct {
	channel  voice.Channel
	member   voice.Member
	departed bool
}

type starReaction struct {
	channelID string
	messageID string
}

func New(router *task.Router, tracker *voice.Tracker, ownership *voice.OwnershipManager, naming *voice.NamingService, sb *starboard.Engine, store *storage.Store, dcache *datacache.DataCache, guildID string) *Edge {
	e := &Edge{
		router:    router,
		tracker:   tracker,
		ownership: ownership,
		naming:    naming,
		starboard: sb,
		store:     store,
		dcache:    dcache,
		guildID:   guildID,
		log:       slog.Default(),
	}
	router.RegisterHandler(taskVoice, e.handleVoiceTransition)
	router.RegisterHandler(taskOwnership, e.handleOwnership)
	router.RegisterHandler(taskStar, e.handleStarReaction)
	router.RegisterHandler(taskMessageCreate, e.handleMessageCreate)
	router.RegisterHandler(taskMemberUpdate, e.handleMemberUpdate)
	return e
}

// Register attaches every gateway handler to the session.
func (e *Edge) Register(s *discordgo.Session) {
	s.AddHandler(e.onReady)
	s.AddHandler(e.onVoiceStateUpdate)
	s.AddHandler(e.onMessageCreate)
	s.AddHandler(e.onMessageUpdate)
	s.AddHandler(e.onMessageDelete)
	s.AddHandler(e.onReactionAdd)
	s.AddHandler(e.onReactionRemove)
	s.AddHandler(e.onGuildMemberUpdate)
}

func (e *Edge) guard(event string) func() {
	stop := perf.StartGatewayEvent(event)
	return func() {
		if r := recover(); r != nil {
			e.log.Error("panic in gateway handler",
				"event", event, "panic", fmt.Sprint(r), "stack", string(debug.Stack()))
		}
		stop()
	}
}

func (e *Edge) onReady(s *discordgo.Session, r *discordgo.Ready) {
	e.log.Info("gateway ready", "username", r.User.Username, "guilds", len(r.Guilds))
}

func (e *Edge) onVoiceStateUpdate(s *discordgo.Session, v *discordgo.VoiceStateUpdate) {
	defer e.guard("voice_state_update")()
	if v.GuildID != e.guildID {
		return
	}

	m := e.resolveMember(s, v.GuildID, v.UserID, v.Member)
	if m.Bot {
		return
	}

	var from, to voice.Channel
	if v.BeforeUpdate != nil && v.BeforeUpdate.ChannelID != "" {
		from = e.resolveChannel(s, v.BeforeUpdate.ChannelID)
	}
	if v.ChannelID != "" {
		to = e.resolveChannel(s, v.ChannelID)
	}
	if from.ID == "" && to.ID == "" {
		return
	}

	err := e.router.Dispatch(context.Background(), task.Task{
		Type:    taskVoice,
		Payload: voiceTransition{member: m, from: from, to: to},
		Options: task.Options{GroupKey: task.GroupVoice(v.GuildID, v.UserID)},
	})
	if err != nil {
		e.log.Error("voice dispatch failed", "user_id", v.UserID, "error", err)
	}
}

func (e *Edge) handleVoiceTransition(ctx context.Context, payload any) error {
	t, ok := payload.(voiceTransition)
	if !ok {
		return fmt.Errorf("unexpected payload %T", payload)
	}

	switch {
	case t.from.ID == "" && t.to.ID != "":
		if err := e.tracker.TrackJoin(ctx, t.member, t.to); err != nil {
			return err
		}
	case t.from.ID != "" && t.to.ID == "":
		if err := e.tracker.TrackLeave(ctx, t.member, t.from); err != nil {
			return err
		}
	case t.from.ID != t.to.ID:
		if err := e.tracker.TrackMove(ctx, t.member, t.from, t.to); err != nil {
			return err
		}
	default:
		// Mute/deaf toggle inside the same channel.
		return nil
	}

	// Ownership runs under the channel's own group, not the user's voice
	// group: two users entering the same channel must not elect owners
	// concurrently.
	if t.from.ID != "" && t.from.ID != t.to.ID {
		e.dispatchOwnership(ctx, ownershipUpdate{channel: t.from, member: t.member, departed: true})
	}
	if t.to.ID != "" {
		e.dispatchOwnership(ctx, ownershipUpdate{channel: t.to, member: t.member})
	}
	return nil
}

func (e *Edge) dispatchOwnership(ctx context.Context, u ownershipUpdate) {
	err := e.router.Dispatch(ctx, task.Task{
		Type:    taskOwnership,
		Payload: u,
		Options: task.Options{GroupKey: task.GroupOwner(u.channel.ID)},
	})
	if err != nil {
		e.log.Error("ownership dispatch failed", "channel_id", u.channel.ID, "error", err)
	}
}

func (e *Edge) handleOwnership(ctx context.Context, payload any) error {
	u, ok := payload.(ownershipUpdate)
	if !ok {
		return fmt.Errorf("unexpected payload %T", payload)
	}
	if u.departed {
		return e.ownership.TransferIfOwnerLeft(ctx, u.channel.ID, u.member.UserID)
	}
	e.ensureOwnership(ctx, u.channel, u.member)
	return nil
}

// ensureOwnership gives an unowned channel an owner and keeps the
// channel name in step with that owner.
func (e *Edge) ensureOwnership(ctx context.Context, ch voice.Channel, m voice.Member) {
	owner, err := e.dcache.GetChannelOwner(ctx, ch.ID)
	if err != nil {
		e.log.Warn("owner lookup failed", "channel_id", ch.ID, "error", err)
		return
	}
	ownerID := ""
	if owner != nil {
		ownerID = owner.OwnerUserID
	}
	if ownerID == "" {
		elected, err := e.ownership.ElectOwner(ctx, ch.ID)
		if err != nil || elected == "" {
			if err != nil {
				e.log.Warn("owner election failed", "channel_id", ch.ID, "error", err)
			}
			return
		}
		if err := e.ownership.AssignOwner(ctx, ch.ID, elected, ""); err != nil {
			e.log.Warn("owner assignment failed", "channel_id", ch.ID, "error", err)
			return
		}
		ownerID = elected
	}

	display := m.DisplayName
	if ownerID != m.UserID {
		if u, err := e.store.GetUser(ctx, ownerID, e.guildID); err == nil && u != nil {
			display = u.DisplayName
			if display == "" {
				display = u.Username
			}
		}
	}
	e.naming.RenameForOwner(ctx, ch.ID, ch.Name, ownerID, e.guildID, display)
}

func (e *Edge) onReactionAdd(s *discordgo.Session, r *discordgo.MessageReactionAdd) {
	defer e.guard("message_reaction_add")()
	e.dispatchStar(r.MessageReaction)
}

func (e *Edge) onReactionRemove(s *discordgo.Session, r *discordgo.MessageReactionRemove) {
	defer e.guard("message_reaction_remove")()
	e.dispatchStar(r.MessageReaction)
}

func (e *Edge) dispatchStar(r *discordgo.MessageReaction) {
	if r == nil || r.GuildID != e.guildID || r.Emoji.Name != starEmoji {
		return
	}
	if err := e.DispatchStar(context.Background(), r.ChannelID, r.MessageID); err != nil {
		e.log.Error("star dispatch failed", "message_id", r.MessageID, "error", err)
	}
}

// DispatchStar queues starboard convergence for one message under that
// message's group. The reconciliation cron feeds drifted messages
// through here so scheduled and live star work never interleave.
func (e *Edge) DispatchStar(ctx context.Context, channelID, messageID string) error {
	return e.router.Dispatch(ctx, task.Task{
		Type:    taskStar,
		Payload: starReaction{channelID: channelID, messageID: messageID},
		Options: task.Options{GroupKey: task.GroupStar(messageID)},
	})
}

func (e *Edge) handleStarReaction(ctx context.Context, payload any) error {
	r, ok := payload.(starReaction)
	if !ok {
		return fmt.Errorf("unexpected payload %T", payload)
	}
	return e.starboard.HandleReaction(ctx, r.channelID, r.messageID)
}

func (e *Edge) onMessageCreate(s *discordgo.Session, m *discordgo.MessageCreate) {
	defer e.guard("message_create")()
	if m.GuildID != e.guildID || m.Author == nil {
		return
	}
	err := e.router.Dispatch(context.Background(), task.Task{
		Type:    taskMessageCreate,
		Payload: m.Message,
	})
	if err != nil {
		e.log.Error("message dispatch failed", "message_id", m.ID, "error", err)
	}
}

func (e *Edge) handleMessageCreate(ctx context.Context, payload any) error {
	m, ok := payload.(*discordgo.Message)
	if !ok {
		return fmt.Errorf("unexpected payload %T", payload)
	}

	if err := e.store.TouchLastSeen(ctx, m.Author.ID, e.guildID, m.Timestamp.UTC()); err != nil {
		e.log.Warn("last seen update failed", "user_id", m.Author.ID, "error", err)
	}
	if m.Author.Bot || strings.HasPrefix(m.Content, commandPrefix) {
		return nil
	}
	_, err := e.store.InsertMessage(ctx, messageRecord(e.guildID, m))
	return err
}

func (e *Edge) onMessageUpdate(s *discordgo.Session, m *discordgo.MessageUpdate) {
	defer e.guard("message_update")()
	if m.GuildID != e.guildID {
		return
	}
	if err := e.store.MarkMessageEdited(context.Background(), m.ID, m.Content, time.Now().UTC()); err != nil {
		e.log.Warn("edit bookkeeping failed", "message_id", m.ID, "error", err)
	}
}

func (e *Edge) onMessageDelete(s *discordgo.Session, m *discordgo.MessageDelete) {
	defer e.guard("message_delete")()
	if m.GuildID != e.guildID {
		return
	}
	ctx := context.Background()
	if err := e.store.MarkMessageDeleted(ctx, m.ID, time.Now().UTC()); err != nil {
		e.log.Warn("delete bookkeeping failed", "message_id", m.ID, "error", err)
	}
	// A deleted message may leave an orphaned starboard entry behind;
	// the star handler converges that.
	if err := e.DispatchStar(ctx, m.ChannelID, m.ID); err != nil {
		e.log.Error("star dispatch failed", "message_id", m.ID, "error", err)
	}
}

func (e *Edge) onGuildMemberUpdate(s *discordgo.Session, m *discordgo.GuildMemberUpdate) {
	defer e.guard("guild_member_update")()
	if m.GuildID != e.guildID || m.User == nil {
		return
	}
	err := e.router.Dispatch(context.Background(), task.Task{
		Type:    taskMemberUpdate,
		Payload: m.Member,
	})
	if err != nil {
		e.log.Error("member dispatch failed", "user_id", m.User.ID, "error", err)
	}
}

func (e *Edge) handleMemberUpdate(ctx context.Context, payload any) error {
	m, ok := payload.(*discordgo.Member)
	if !ok {
		return fmt.Errorf("unexpected payload %T", payload)
	}
	return e.store.UpsertUser(ctx, storage.UserRecord{
		DiscordID:     m.User.ID,
		GuildID:       e.guildID,
		Bot:           m.User.Bot,
		Username:      m.User.Username,
		DisplayName:   memberDisplayName(m),
		Discriminator: m.User.Discriminator,
		Avatar:        m.User.Avatar,
		Roles:         m.Roles,
		JoinedAt:      m.JoinedAt,
	})
}

func (e *Edge) resolveMember(s *discordgo.Session, guildID, userID string, m *discordgo.Member) voice.Member {
	if m == nil || m.User == nil {
		if cached, err := s.State.Member(guildID, userID); err == nil {
			m = cached
		} else if fetched, err := s.GuildMember(guildID, userID); err == nil {
			m = fetched
		}
	}
	if m == nil || m.User == nil {
		return voice.Member{UserID: userID, GuildID: guildID, Username: userID, DisplayName: userID}
	}
	return voice.Member{
		UserID:      m.User.ID,
		GuildID:     guildID,
		Username:    m.User.Username,
		DisplayName: memberDisplayName(m),
		Bot:         m.User.Bot,
	}
}

func (e *Edge) resolveChannel(s *discordgo.Session, channelID string) voice.Channel {
	ch, err := s.State.Channel(channelID)
	if err != nil {
		ch, err = s.Channel(channelID)
	}
	if err != nil || ch == nil {
		return voice.Channel{ID: channelID, GuildID: e.guildID, Name: channelID}
	}
	return voice.Channel{ID: ch.ID, GuildID: ch.GuildID, Name: ch.Name, Position: ch.Position}
}

func memberDisplayName(m *discordgo.Member) string {
	if m.Nick != "" {
		return m.Nick
	}
	if m.User.GlobalName != "" {
		return m.User.GlobalName
	}
	return m.User.Username
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
	for _, em := range m.Embeds {
		embeds = append(embeds, string(em.Type))
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
