// Package watchdog runs the periodic health and maintenance loop: a
// 5-minute health check comparing local aggregates against remote
// counts, and a 30-minute maintenance pass that closes stale voice
// sessions and purges expired cache rows. Both cadences use monotonic
// tickers; wall-clock alignment is never consulted.
package watchdog

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/small-frappuccino/guildkeeper/pkg/guildsync"
	"github.com/small-frappuccino/guildkeeper/pkg/service"
	"github.com/small-frappuccino/guildkeeper/pkg/storage"
)

const (
	defaultHealthInterval      = 5 * time.Minute
	defaultMaintenanceInterval = 30 * time.Minute
	shutdownDrain              = time.Second
	healthyThreshold           = 0.95
)

// RemoteStats is the slice of the Discord session the watchdog reads.
type RemoteStats interface {
	Guild(guildID string, options ...discordgo.RequestOption) (*discordgo.Guild, error)
	GuildRoles(guildID string, options ...discordgo.RequestOption) ([]*discordgo.Role, error)
	GuildChannels(guildID string, options ...discordgo.RequestOption) ([]*discordgo.Channel, error)
}

// GuildSyncer triggers reconciliation when the guild is unhealthy.
type GuildSyncer interface {
	SyncGuild(ctx context.Context, force bool, messageLimit int) (*guildsync.Result, error)
}

// PresenceSource answers where a user currently is in voice, from the
// gateway state. Absent means not in voice.
type PresenceSource interface {
	VoiceChannel(guildID, userID string) (string, bool)
}

// Watchdog is a managed service; register it with the service manager.
type Watchdog struct {
	api      RemoteStats
	store    *storage.Store
	syncer   GuildSyncer
	presence PresenceSource
	guildID  string
	log      *slog.Logger

	healthInterval      time.Duration
	maintenanceInterval time.Duration

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}

	lastHealthy bool
	lastCheck   time.Time
}

func New(api RemoteStats, store *storage.Store, syncer GuildSyncer, presence PresenceSource, guildID string) *Watchdog {
	return &Watchdog{
		api:                 api,
		store:               store,
		syncer:              syncer,
		presence:            presence,
		guildID:             guildID,
		log:                 slog.Default(),
		healthInterval:      defaultHealthInterval,
		maintenanceInterval: defaultMaintenanceInterval,
		lastHealthy:         true,
	}
}

func (w *Watchdog) Name() string           { return "watchdog" }
func (w *Watchdog) Dependencies() []string { return nil }

func (w *Watchdog) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.running {
		return nil
	}
	w.stopCh = make(chan struct{})
	w.doneCh = make(chan struct{})
	w.running = true
	go w.loop(w.stopCh, w.doneCh)
	return nil
}

// Stop signals the loop and waits for the drain window.
func (w *Watchdog) Stop(ctx context.Context) error {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return nil
	}
	w.running = false
	close(w.stopCh)
	done := w.doneCh
	w.mu.Unlock()

	select {
	case <-done:
		return nil
	case <-time.After(shutdownDrain):
		w.log.Warn("watchdog did not drain in time")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (w *Watchdog) IsRunning() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.running
}

func (w *Watchdog) HealthCheck(ctx context.Context) service.HealthStatus {
	w.mu.Lock()
	defer w.mu.Unlock()
	msg := "guild in sync"
	if !w.lastHealthy {
		msg = "guild out of sync, reconciliation triggered"
	}
	return service.HealthStatus{Healthy: true, Message: msg, LastCheck: w.lastCheck}
}

func (w *Watchdog) loop(stopCh, doneCh chan struct{}) {
	defer close(doneCh)

	health := time.NewTicker(w.healthInterval)
	defer health.Stop()
	maintenance := time.NewTicker(w.maintenanceInterval)
	defer maintenance.Stop()

	for {
		select {
		case <-stopCh:
			return
		case <-health.C:
			w.runHealthCheck()
		case <-maintenance.C:
			w.runMaintenance()
		}
	}
}

// runHealthCheck compares local counts against the remote guild and
// forces a full sync when coverage drops below 95% or the sync record
// no longer matches reality.
func (w *Watchdog) runHealthCheck() {
	ctx, cancel := context.WithTimeout(context.Background(), 4*time.Minute)
	defer cancel()

	healthy, err := w.checkHealth(ctx)
	w.mu.Lock()
	w.lastCheck = time.Now()
	w.lastHealthy = healthy && err == nil
	w.mu.Unlock()

	if err != nil {
		w.log.Error("health check failed", "guild_id", w.guildID, "error", err)
		return
	}
	if healthy {
		return
	}

	w.log.Warn("guild unhealthy, forcing full sync", "guild_id", w.guildID)
	if _, err := w.syncer.SyncGuild(ctx, true, 0); err != nil {
		w.log.Error("forced sync failed", "guild_id", w.guildID, "error", err)
	}
}

func (w *Watchdog) checkHealth(ctx context.Context) (bool, error) {
	guild, err := w.api.Guild(w.guildID)
	if err != nil {
		return false, err
	}
	roles, err := w.api.GuildRoles(w.guildID)
	if err != nil {
		return false, err
	}

	localUsers, err := w.store.CountUsers(ctx, w.guildID)
	if err != nil {
		return false, err
	}
	localRoles, err := w.store.CountRoles(ctx, w.guildID)
	if err != nil {
		return false, err
	}

	remoteMembers := guild.MemberCount
	if guild.ApproximateMemberCount > remoteMembers {
		remoteMembers = guild.ApproximateMemberCount
	}

	userPercent := percent(localUsers, remoteMembers)
	rolePercent := percent(localRoles, len(roles))
	if userPercent < healthyThreshold || rolePercent < healthyThreshold {
		w.log.Warn("sync coverage below threshold",
			"guild_id", w.guildID,
			"user_percent", userPercent,
			"role_percent", rolePercent,
		)
		return false, nil
	}

	gs, err := w.store.GetGuildSync(ctx, w.guildID)
	if err != nil {
		return false, err
	}
	if gs == nil || !gs.IsFullySynced {
		return false, nil
	}
	// Stale record: totals drifted away from what the tables hold.
	if gs.TotalUsers != localUsers || gs.TotalRoles != localRoles {
		return false, nil
	}
	return true, nil
}

func percent(local, remote int) float64 {
	if remote <= 0 {
		return 1
	}
	return float64(local) / float64(remote)
}

// runMaintenance closes active sessions whose channel is gone or whose
// user has left according to the gateway, then purges expired
// persistent cache rows.
func (w *Watchdog) runMaintenance() {
	ctx, cancel := context.WithTimeout(context.Background(), 4*time.Minute)
	defer cancel()

	if n, err := w.CloseStaleSessions(ctx); err != nil {
		w.log.Error("stale session cleanup failed", "error", err)
	} else if n > 0 {
		w.log.Info("closed stale voice sessions", "count", n)
	}

	if n, err := w.store.PurgeExpiredCacheEntries(ctx); err != nil {
		w.log.Error("cache purge failed", "error", err)
	} else if n > 0 {
		w.log.Info("purged expired cache rows", "count", n)
	}
}

// CloseStaleSessions reconciles the session index against live voice
// state and returns how many sessions were closed.
func (w *Watchdog) CloseStaleSessions(ctx context.Context) (int, error) {
	channels, err := w.api.GuildChannels(w.guildID)
	if err != nil {
		return 0, err
	}
	exists := make(map[string]bool, len(channels))
	for _, ch := range channels {
		exists[ch.ID] = true
	}

	sessions, err := w.store.ListActiveSessions(ctx, w.guildID)
	if err != nil {
		return 0, err
	}

	now := time.Now().UTC()
	closed := 0
	touched := make(map[string]bool)
	for _, s := range sessions {
		stale := !exists[s.ChannelID]
		if !stale {
			current, inVoice := w.presence.VoiceChannel(w.guildID, s.UserID)
			stale = !inVoice || current != s.ChannelID
		}
		if !stale {
			continue
		}
		if err := w.store.CloseSession(ctx, s.ID, s.JoinedAt, now); err != nil {
			w.log.Error("failed to close stale session",
				"session_id", s.ID, "user_id", s.UserID, "channel_id", s.ChannelID, "error", err)
			continue
		}
		closed++
		touched[s.ChannelID] = true
	}

	for channelID := range touched {
		if _, err := w.store.ReconcileChannelMembers(ctx, channelID); err != nil {
			w.log.Error("post-cleanup reconcile failed", "channel_id", channelID, "error", err)
		}
	}
	return closed, nil
}
