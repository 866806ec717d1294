// Package app assembles the process: configuration, logging, storage,
// cache tiers, the Discord session, every engine, and the service
// manager. Construction is explicit dependency injection from a single
// root; nothing global beyond the default slog logger.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/hako/durafmt"

	"github.com/small-frappuccino/guildkeeper/pkg/affinity"
	"github.com/small-frappuccino/guildkeeper/pkg/cache"
	"github.com/small-frappuccino/guildkeeper/pkg/config"
	"github.com/small-frappuccino/guildkeeper/pkg/datacache"
	"github.com/small-frappuccino/guildkeeper/pkg/dispatch"
	"github.com/small-frappuccino/guildkeeper/pkg/errutil"
	"github.com/small-frappuccino/guildkeeper/pkg/guildsync"
	"github.com/small-frappuccino/guildkeeper/pkg/log"
	"github.com/small-frappuccino/guildkeeper/pkg/service"
	"github.com/small-frappuccino/guildkeeper/pkg/starboard"
	"github.com/small-frappuccino/guildkeeper/pkg/storage"
	"github.com/small-frappuccino/guildkeeper/pkg/task"
	"github.com/small-frappuccino/guildkeeper/pkg/util"
	"github.com/small-frappuccino/guildkeeper/pkg/voice"
	"github.com/small-frappuccino/guildkeeper/pkg/watchdog"
)

const (
	taskStarReconcile = "star.reconcile"
	taskAffinity      = "affinity.recompute"

	starReconcileEvery = 30 * time.Minute
	affinityEvery      = time.Hour
)

// App holds every long-lived component for the lifetime of the process.
type App struct {
	cfg     *config.Config
	session *discordgo.Session
	store   *storage.Store
	hot     cache.Cache
	dcache  *datacache.DataCache
	router  *task.Router
	manager *service.Manager

	tracker   *voice.Tracker
	syncer    *guildsync.Syncer
	starboard *starboard.Engine
	affinity  *affinity.Engine
	edge      *dispatch.Edge

	startedAt time.Time
}

// Run builds the app, starts everything, and blocks until an interrupt
// arrives, then shuts down in reverse order.
func Run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := log.Setup(cfg.Environment, ""); err != nil {
		return fmt.Errorf("setup logging: %w", err)
	}
	defer func() { _ = log.Close() }()

	a, err := build(cfg)
	if err != nil {
		return err
	}
	if err := a.start(); err != nil {
		a.stop()
		return err
	}

	slog.Info("guildkeeper running", "guild_id", cfg.GuildID, "environment", cfg.Environment)
	util.WaitForInterrupt()
	a.stop()
	return nil
}

func build(cfg *config.Config) (*App, error) {
	store := storage.NewStore(cfg.StorePath)
	if err := store.Init(); err != nil {
		return nil, fmt.Errorf("init store: %w", err)
	}

	var hot cache.Cache
	if cfg.CacheURL != "" {
		hot = cache.NewRedisCache(cfg.CacheURL, cfg.CacheDB)
	} else {
		slog.Warn("no cache url configured, using in-memory hot tier")
		hot = cache.NewMemoryCache()
	}
	dc := datacache.New(hot, store)

	session, err := discordgo.New("Bot " + cfg.BotToken)
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("create session: %w", err)
	}
	session.Identify.Intents = discordgo.IntentsGuilds |
		discordgo.IntentsGuildMembers |
		discordgo.IntentsGuildMessages |
		discordgo.IntentsGuildMessageReactions |
		discordgo.IntentsGuildVoiceStates |
		discordgo.IntentMessageContent
	session.StateEnabled = true

	router := task.NewRouter(task.Defaults())

	tracker := voice.NewTracker(store, dc, cfg.GuildID)
	ownership := voice.NewOwnershipManager(store, dc, session)
	naming := voice.NewNamingService(session, dc)
	syncer := guildsync.NewSyncer(session, store, cfg.GuildID)
	sb := starboard.New(session, store, dc, cfg.GuildID, cfg.StarboardChannelID)
	aff := affinity.New(store, dc, cfg.GuildID)
	edge := dispatch.New(router, tracker, ownership, naming, sb, store, dc, cfg.GuildID)
	edge.Register(session)

	a := &App{
		cfg:       cfg,
		session:   session,
		store:     store,
		hot:       hot,
		dcache:    dc,
		router:    router,
		tracker:   tracker,
		syncer:    syncer,
		starboard: sb,
		affinity:  aff,
		edge:      edge,
		startedAt: time.Now(),
	}

	manager := service.NewManager(errutil.NewHandler())
	gateway := &gatewayService{app: a}
	wd := watchdog.New(session, store, syncer, statePresence{st: session.State}, cfg.GuildID)
	if err := manager.Register(gateway); err != nil {
		return nil, err
	}
	if err := manager.Register(&managedWatchdog{Watchdog: wd}); err != nil {
		return nil, err
	}
	a.manager = manager

	// The scan only reads; every drifted message is converged under its
	// own star group so the cron never races a live reaction task.
	router.RegisterHandler(taskStarReconcile, func(ctx context.Context, _ any) error {
		stale, err := sb.FindStale(ctx)
		if err != nil {
			return err
		}
		for _, m := range stale {
			if err := edge.DispatchStar(ctx, m.ChannelID, m.MessageID); err != nil {
				slog.Error("starboard follow-up dispatch failed", "message_id", m.MessageID, "error", err)
			}
		}
		return nil
	})
	router.RegisterHandler(taskAffinity, func(ctx context.Context, _ any) error {
		return aff.ComputeGuild(ctx)
	})
	return a, nil
}

func (a *App) start() error {
	if err := a.manager.StartAll(); err != nil {
		return fmt.Errorf("start services: %w", err)
	}

	a.router.ScheduleEvery(starReconcileEvery, task.Task{
		Type:    taskStarReconcile,
		Options: task.Options{GroupKey: task.GroupSync(a.cfg.GuildID)},
	})
	a.router.ScheduleEvery(affinityEvery, task.Task{
		Type:    taskAffinity,
		Options: task.Options{GroupKey: task.GroupSync(a.cfg.GuildID)},
	})

	// Warm the session index and kick an incremental sync so lookups
	// work before the first watchdog pass.
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
		defer cancel()
		a.warmupVoiceState(ctx)
		if _, err := a.syncer.SyncGuild(ctx, false, 0); err != nil {
			slog.Error("startup sync failed", "error", err)
		}
	}()
	return nil
}

func (a *App) stop() {
	if a.manager != nil {
		if err := a.manager.StopAll(); err != nil {
			slog.Error("service shutdown failed", "error", err)
		}
	}
	a.router.Close()
	if err := a.store.Close(); err != nil {
		slog.Error("store close failed", "error", err)
	}
	if err := a.hot.Close(); err != nil {
		slog.Error("cache close failed", "error", err)
	}
	uptime := durafmt.Parse(time.Since(a.startedAt).Round(time.Second))
	slog.Info("guildkeeper stopped", "uptime", uptime.String())
}

// warmupVoiceState replays the gateway's current voice state through the
// tracker so ownership election works right after a restart.
func (a *App) warmupVoiceState(ctx context.Context) {
	guild, err := a.session.State.Guild(a.cfg.GuildID)
	if err != nil {
		slog.Warn("voice warmup skipped, guild not in state", "error", err)
		return
	}
	warmed := 0
	for _, vs := range guild.VoiceStates {
		if vs.ChannelID == "" {
			continue
		}
		ch, err := a.session.State.Channel(vs.ChannelID)
		if err != nil {
			continue
		}
		m, err := a.session.State.Member(a.cfg.GuildID, vs.UserID)
		if err != nil || m == nil || m.User == nil || m.User.Bot {
			continue
		}
		display := m.Nick
		if display == "" {
			display = m.User.Username
		}
		err = a.tracker.TrackJoin(ctx, voice.Member{
			UserID:      vs.UserID,
			GuildID:     a.cfg.GuildID,
			Username:    m.User.Username,
			DisplayName: display,
		}, voice.Channel{ID: ch.ID, GuildID: a.cfg.GuildID, Name: ch.Name, Position: ch.Position})
		if err != nil {
			slog.Warn("voice warmup join failed", "user_id", vs.UserID, "error", err)
			continue
		}
		warmed++
	}
	if warmed > 0 {
		slog.Info("voice state warmed up", "sessions", warmed)
	}
}

// statePresence adapts the discordgo state cache to the watchdog's view
// of who is in voice.
type statePresence struct {
	st *discordgo.State
}

func (p statePresence) VoiceChannel(guildID, userID string) (string, bool) {
	vs, err := p.st.VoiceState(guildID, userID)
	if err != nil || vs == nil || vs.ChannelID == "" {
		return "", false
	}
	return vs.ChannelID, true
}

// gatewayService owns the Discord websocket connection so the service
// manager can sequence everything after it.
type gatewayService struct {
	app *App

	mu      sync.Mutex
	running bool
}

func (g *gatewayService) Name() string           { return "gateway" }
func (g *gatewayService) Dependencies() []string { return nil }

func (g *gatewayService) Start(ctx context.Context) error {
	if err := g.app.session.Open(); err != nil {
		return errutil.New(errutil.CategoryDiscord, "gateway", "open", "failed to open websocket", err)
	}
	g.mu.Lock()
	g.running = true
	g.mu.Unlock()
	return nil
}

func (g *gatewayService) Stop(ctx context.Context) error {
	g.mu.Lock()
	g.running = false
	g.mu.Unlock()
	return g.app.session.Close()
}

func (g *gatewayService) IsRunning() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.running
}

func (g *gatewayService) HealthCheck(ctx context.Context) service.HealthStatus {
	return service.HealthStatus{
		Healthy:   g.IsRunning(),
		Message:   "gateway connection",
		LastCheck: time.Now(),
	}
}

// managedWatchdog makes the watchdog depend on the gateway service.
type managedWatchdog struct {
	*watchdog.Watchdog
}

func (m *managedWatchdog) Dependencies() []string { return []string{"gateway"} }
