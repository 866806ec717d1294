// Package task provides an in-memory task router with per-group
// serialized execution, idempotency keys, retry with exponential
// backoff, and a coarse periodic scheduler. Gateway handlers enqueue
// into it so that transitions sharing a key (one user's voice state,
// one message's star count, one channel's ownership) never interleave.
package task

import (
	"context"
	"errors"
	"log/slog"
	"math/rand"
	"sync"
	"time"
)

// Handler processes a task payload.
type Handler func(ctx context.Context, payload any) error

// Options configures how a task is dispatched and executed.
type Options struct {
	// GroupKey serializes execution for tasks that share the same group.
	// Empty means the global group.
	GroupKey string

	// IdempotencyKey deduplicates tasks enqueued within the idempotency
	// TTL window.
	IdempotencyKey string

	// MaxAttempts bounds retries on handler error. 0 uses the router default.
	MaxAttempts int

	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	IdempotencyTTL time.Duration
}

// Task is one unit of work.
type Task struct {
	Type    string
	Payload any
	Options Options
}

// RouterConfig tunes the router.
type RouterConfig struct {
	DefaultMaxAttempts int
	InitialBackoff     time.Duration
	MaxBackoff         time.Duration
	IdempotencyTTL     time.Duration
	GroupBuffer        int
	GroupIdleTTL       time.Duration
	CleanupInterval    time.Duration

	// GlobalMaxWorkers caps concurrent handler executions across all
	// groups. 0 means unlimited.
	GlobalMaxWorkers int
}

// Defaults returns the standard router configuration.
func Defaults() RouterConfig {
	return RouterConfig{
		DefaultMaxAttempts: 3,
		InitialBackoff:     1 * time.Second,
		MaxBackoff:         30 * time.Second,
		IdempotencyTTL:     60 * time.Second,
		GroupBuffer:        128,
		GroupIdleTTL:       2 * time.Minute,
		CleanupInterval:    2 * time.Minute,
	}
}

var (
	ErrRouterClosed    = errors.New("task router is closed")
	ErrUnknownTaskType = errors.New("unknown task type")
	ErrDuplicateTask   = errors.New("duplicate task (idempotency key present)")
)

const globalGroup = "_global"

// closeGrace bounds how long Close waits for in-flight handlers.
const closeGrace = time.Second

// Router dispatches tasks to per-group workers. Each group runs one
// worker, so tasks sharing a group key execute in enqueue order.
type Router struct {
	mu       sync.RWMutex
	handlers map[string]Handler
	groups   map[string]*groupWorker
	inflight map[string]time.Time // idempotency key -> expiry
	closed   bool
	cfg      RouterConfig
	wg       sync.WaitGroup
	stopOnce sync.Once
	stopCh   chan struct{}
	randMu   sync.Mutex

	execSem chan struct{} // nil when unlimited

	cronMu   sync.Mutex
	cronJobs []*cronJob
}

type groupWorker struct {
	key        string
	ch         chan *enqueuedTask
	lastActive time.Time
	stopping   bool
}

type enqueuedTask struct {
	task    Task
	attempt int
}

type cronJob struct {
	interval time.Duration
	task     Task
	lastRun  time.Time
	stopped  bool
}

// NewRouter creates a Router, filling zero config fields from Defaults.
func NewRouter(cfg RouterConfig) *Router {
	def := Defaults()
	if cfg.DefaultMaxAttempts <= 0 {
		cfg.DefaultMaxAttempts = def.DefaultMaxAttempts
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = def.InitialBackoff
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = def.MaxBackoff
	}
	if cfg.IdempotencyTTL <= 0 {
		cfg.IdempotencyTTL = def.IdempotencyTTL
	}
	if cfg.GroupBuffer <= 0 {
		cfg.GroupBuffer = def.GroupBuffer
	}
	if cfg.GroupIdleTTL <= 0 {
		cfg.GroupIdleTTL = def.GroupIdleTTL
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = def.CleanupInterval
	}

	r := &Router{
		handlers: make(map[string]Handler),
		groups:   make(map[string]*groupWorker),
		inflight: make(map[string]time.Time),
		cfg:      cfg,
		stopCh:   make(chan struct{}),
	}
	if cfg.GlobalMaxWorkers > 0 {
		r.execSem = make(chan struct{}, cfg.GlobalMaxWorkers)
	}

	r.wg.Add(1)
	go r.backgroundLoop()
	return r
}

// RegisterHandler registers a handler for the given task type.
func (r *Router) RegisterHandler(taskType string, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[taskType] = h
}

// Dispatch enqueues a task, respecting grouping and idempotency.
func (r *Router) Dispatch(ctx context.Context, t Task) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return ErrRouterClosed
	}
	h, ok := r.handlers[t.Type]
	if !ok || h == nil {
		return ErrUnknownTaskType
	}

	eff := r.effectiveOptions(t.Options)

	if eff.IdempotencyKey != "" {
		if expiry, exists := r.inflight[eff.IdempotencyKey]; exists && time.Now().Before(expiry) {
			return ErrDuplicateTask
		}
		r.inflight[eff.IdempotencyKey] = time.Now().Add(eff.IdempotencyTTL)
	}

	groupKey := eff.GroupKey
	if groupKey == "" {
		groupKey = globalGroup
	}
	gw := r.ensureGroupLocked(groupKey)

	enq := &enqueuedTask{task: t, attempt: 1}
	select {
	case gw.ch <- enq:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops the router and waits up to closeGrace for workers to
// exit. Tasks still in a group buffer may be dropped; a handler that
// outlives the grace window is abandoned with a warning.
func (r *Router) Close() {
	r.stopOnce.Do(func() {
		r.mu.Lock()
		r.closed = true
		for _, gw := range r.groups {
			if gw != nil && !gw.stopping {
				gw.stopping = true
				close(gw.ch)
			}
		}
		r.mu.Unlock()
		close(r.stopCh)

		done := make(chan struct{})
		go func() {
			r.wg.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(closeGrace):
			slog.Warn("task router close timed out waiting for in-flight work")
		}
	})
}

// Stats is a counters snapshot for diagnostics.
type Stats struct {
	GroupsCount     int
	InflightCount   int
	RouterClosed    bool
	RegisteredTypes int
}

func (r *Router) Stats() Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return Stats{
		GroupsCount:     len(r.groups),
		InflightCount:   len(r.inflight),
		RouterClosed:    r.closed,
		RegisteredTypes: len(r.handlers),
	}
}

// ScheduleEvery dispatches the task at the given interval. The returned
// function cancels the job. Granularity is CleanupInterval.
func (r *Router) ScheduleEvery(interval time.Duration, t Task) func() {
	job := &cronJob{interval: interval, task: t}
	r.cronMu.Lock()
	r.cronJobs = append(r.cronJobs, job)
	idx := len(r.cronJobs) - 1
	r.cronMu.Unlock()

	return func() {
		r.cronMu.Lock()
		if idx >= 0 && idx < len(r.cronJobs) && r.cronJobs[idx] == job {
			r.cronJobs[idx] = nil
		}
		job.stopped = true
		r.cronMu.Unlock()
	}
}

func (r *Router) effectiveOptions(opt Options) Options {
	if opt.MaxAttempts <= 0 {
		opt.MaxAttempts = r.cfg.DefaultMaxAttempts
	}
	if opt.InitialBackoff <= 0 {
		opt.InitialBackoff = r.cfg.InitialBackoff
	}
	if opt.MaxBackoff <= 0 {
		opt.MaxBackoff = r.cfg.MaxBackoff
	}
	if opt.IdempotencyTTL <= 0 {
		opt.IdempotencyTTL = r.cfg.IdempotencyTTL
	}
	return opt
}

func (r *Router) ensureGroupLocked(key string) *groupWorker {
	if gw, ok := r.groups[key]; ok && gw != nil {
		return gw
	}
	gw := &groupWorker{
		key:        key,
		ch:         make(chan *enqueuedTask, r.cfg.GroupBuffer),
		lastActive: time.Now(),
	}
	r.groups[key] = gw
	r.wg.Add(1)
	go r.groupLoop(gw)
	return gw
}

func (r *Router) acquireExecSlot() {
	if r.execSem != nil {
		r.execSem <- struct{}{}
	}
}

func (r *Router) releaseExecSlot() {
	if r.execSem != nil {
		select {
		case <-r.execSem:
		default:
		}
	}
}

func (r *Router) groupLoop(gw *groupWorker) {
	defer r.wg.Done()

	for enq := range gw.ch {
		gw.lastActive = time.Now()

		r.mu.RLock()
		handler := r.handlers[enq.task.Type]
		eff := r.effectiveOptions(enq.task.Options)
		r.mu.RUnlock()

		if handler == nil {
			slog.Warn("task dropped, handler not registered", "type", enq.task.Type, "group", gw.key)
			continue
		}

		r.acquireExecSlot()
		err := func() error {
			defer r.releaseExecSlot()
			return handler(context.Background(), enq.task.Payload)
		}()

		if err != nil {
			if enq.attempt < eff.MaxAttempts {
				delay := r.computeBackoff(eff.InitialBackoff, eff.MaxBackoff, enq.attempt)
				attempt := enq.attempt + 1

				slog.Warn("task failed, scheduling retry",
					"type", enq.task.Type,
					"group", gw.key,
					"attempt", attempt,
					"max_attempts", eff.MaxAttempts,
					"backoff", delay.String(),
					"error", err,
				)

				r.wg.Add(1)
				go func(et *enqueuedTask, d time.Duration) {
					defer r.wg.Done()
					timer := time.NewTimer(d)
					defer timer.Stop()
					select {
					case <-timer.C:
						et.attempt = attempt
						r.mu.RLock()
						g := r.groups[gw.key]
						r.mu.RUnlock()
						if g == nil {
							return
						}
						select {
						case g.ch <- et:
						default:
							select {
							case g.ch <- et:
							case <-r.stopCh:
								return
							}
						}
					case <-r.stopCh:
						return
					}
				}(enq, delay)
				continue
			}

			slog.Error("task failed, max attempts reached",
				"type", enq.task.Type,
				"group", gw.key,
				"attempts", enq.attempt,
				"error", err,
			)
		}
	}
}

func (r *Router) computeBackoff(initial, max time.Duration, attempt int) time.Duration {
	backoff := initial
	for i := 1; i < attempt; i++ {
		backoff *= 2
		if backoff > max {
			backoff = max
			break
		}
	}
	return clampDuration(backoff+r.jitter(backoff, 0.1), initial, max)
}

func (r *Router) jitter(d time.Duration, ratio float64) time.Duration {
	if ratio <= 0 {
		return 0
	}
	r.randMu.Lock()
	defer r.randMu.Unlock()
	delta := int64(float64(d) * ratio)
	if delta <= 0 {
		return 0
	}
	n := rand.Int63n(2*delta+1) - delta
	return time.Duration(n)
}

func clampDuration(v, lo, hi time.Duration) time.Duration {
	return max(min(v, hi), lo)
}

func (r *Router) backgroundLoop() {
	defer r.wg.Done()
	t := time.NewTicker(r.cfg.CleanupInterval)
	defer t.Stop()
	for {
		select {
		case <-r.stopCh:
			return
		case <-t.C:
			r.cleanupOnce()
			r.runCronOnce()
		}
	}
}

func (r *Router) cleanupOnce() {
	now := time.Now()
	r.mu.Lock()
	for k, expiry := range r.inflight {
		if now.After(expiry) {
			delete(r.inflight, k)
		}
	}
	for key, gw := range r.groups {
		if gw == nil || gw.stopping {
			continue
		}
		if now.Sub(gw.lastActive) >= r.cfg.GroupIdleTTL && len(gw.ch) == 0 {
			gw.stopping = true
			close(gw.ch)
			delete(r.groups, key)
		}
	}
	r.mu.Unlock()
}

func (r *Router) runCronOnce() {
	now := time.Now()
	r.cronMu.Lock()
	for _, job := range r.cronJobs {
		if job == nil || job.stopped {
			continue
		}
		if job.lastRun.IsZero() || now.Sub(job.lastRun) >= job.interval {
			_ = r.Dispatch(context.Background(), job.task)
			job.lastRun = now
		}
	}
	r.cronMu.Unlock()
}

// Group key builders for serialized domains.
func GroupVoice(guildID, userID string) string { return "voice:" + guildID + ":" + userID }
func GroupStar(messageID string) string        { return "star:" + messageID }
func GroupOwner(channelID string) string       { return "owner:" + channelID }
func GroupSync(guildID string) string          { return "sync:" + guildID }
