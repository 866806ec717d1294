// Package service coordinates the lifecycle of the bot's long-running
// components: start in dependency order, stop in reverse, periodic
// health checks with bounded automatic restarts.
package service

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/small-frappuccino/guildkeeper/pkg/errutil"
)

type State string

const (
	StateUninitialized State = "uninitialized"
	StateInitializing  State = "initializing"
	StateRunning       State = "running"
	StateStopping      State = "stopping"
	StateStopped       State = "stopped"
	StateError         State = "error"
)

// HealthStatus is a service's self-reported health.
type HealthStatus struct {
	Healthy   bool
	Message   string
	LastCheck time.Time
}

// Service is implemented by every managed component.
type Service interface {
	Name() string
	Dependencies() []string
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	IsRunning() bool
	HealthCheck(ctx context.Context) HealthStatus
}

type serviceInfo struct {
	service      Service
	state        State
	startTime    time.Time
	restartCount int
	errorCount   int
}

// Manager owns registration, ordering, and the health loop.
type Manager struct {
	mu         sync.RWMutex
	services   map[string]*serviceInfo
	dependsOn  map[string][]string
	dependents map[string][]string
	ctx        context.Context
	cancel     context.CancelFunc
	errs       *errutil.Handler

	shutdownTimeout time.Duration
	healthInterval  time.Duration
	maxRestarts     int
	restartDelay    time.Duration
}

func NewManager(errs *errutil.Handler) *Manager {
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		services:        make(map[string]*serviceInfo),
		dependsOn:       make(map[string][]string),
		dependents:      make(map[string][]string),
		ctx:             ctx,
		cancel:          cancel,
		errs:            errs,
		shutdownTimeout: 30 * time.Second,
		healthInterval:  time.Minute,
		maxRestarts:     3,
		restartDelay:    5 * time.Second,
	}
}

// Register adds a service. Names must be unique.
func (m *Manager) Register(s Service) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	name := s.Name()
	if _, exists := m.services[name]; exists {
		return fmt.Errorf("service %q is already registered", name)
	}
	m.services[name] = &serviceInfo{service: s, state: StateUninitialized}
	m.dependsOn[name] = s.Dependencies()
	for _, dep := range s.Dependencies() {
		m.dependents[dep] = append(m.dependents[dep], name)
	}

	slog.Info("service registered", "service", name, "dependencies", s.Dependencies())
	return nil
}

// StartAll starts every service in dependency order and begins health
// monitoring. On any failure, already-started services are stopped.
func (m *Manager) StartAll() error {
	order, err := m.startOrder()
	if err != nil {
		return fmt.Errorf("calculate start order: %w", err)
	}

	for _, name := range order {
		if err := m.StartService(name); err != nil {
			_ = m.StopAll()
			return fmt.Errorf("start service %q: %w", name, err)
		}
	}

	go m.healthLoop()
	slog.Info("all services started", "count", len(m.services))
	return nil
}

// StopAll stops every service in reverse start order.
func (m *Manager) StopAll() error {
	m.cancel()

	order, err := m.startOrder()
	if err != nil {
		return fmt.Errorf("calculate stop order: %w", err)
	}

	var stopErrs []error
	for i := len(order) - 1; i >= 0; i-- {
		if err := m.StopService(order[i]); err != nil {
			stopErrs = append(stopErrs, fmt.Errorf("stop %q: %w", order[i], err))
		}
	}
	if len(stopErrs) > 0 {
		return fmt.Errorf("some services failed to stop: %v", stopErrs)
	}
	slog.Info("all services stopped")
	return nil
}

// StartService starts a service and, recursively, its dependencies.
func (m *Manager) StartService(name string) error {
	m.mu.Lock()
	info, exists := m.services[name]
	if !exists {
		m.mu.Unlock()
		return fmt.Errorf("service %q not found", name)
	}
	if info.state == StateRunning {
		m.mu.Unlock()
		return nil
	}
	if info.state == StateInitializing {
		m.mu.Unlock()
		return fmt.Errorf("service %q is already initializing", name)
	}
	info.state = StateInitializing
	m.mu.Unlock()

	for _, dep := range m.dependsOn[name] {
		if err := m.StartService(dep); err != nil {
			m.setState(name, StateError)
			return fmt.Errorf("start dependency %q: %w", dep, err)
		}
	}

	ctx, cancel := context.WithTimeout(m.ctx, 30*time.Second)
	defer cancel()

	err := m.errs.HandleWithRetry(ctx, name, "start", func() error {
		return info.service.Start(ctx)
	})

	m.mu.Lock()
	if err != nil {
		info.errorCount++
		info.state = StateError
		m.mu.Unlock()
		return err
	}
	info.startTime = time.Now()
	info.state = StateRunning
	m.mu.Unlock()

	slog.Info("service started", "service", name)
	return nil
}

// StopService stops a service after stopping its dependents.
func (m *Manager) StopService(name string) error {
	m.mu.Lock()
	info, exists := m.services[name]
	if !exists {
		m.mu.Unlock()
		return fmt.Errorf("service %q not found", name)
	}
	if info.state != StateRunning {
		m.mu.Unlock()
		return nil
	}
	info.state = StateStopping
	m.mu.Unlock()

	for _, dependent := range m.dependents[name] {
		if err := m.StopService(dependent); err != nil {
			slog.Error("failed to stop dependent service", "service", name, "dependent", dependent, "error", err)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), m.shutdownTimeout)
	defer cancel()

	err := info.service.Stop(ctx)

	m.mu.Lock()
	if err != nil {
		info.errorCount++
	}
	info.state = StateStopped
	m.mu.Unlock()

	if err != nil {
		slog.Error("service stopped with errors", "service", name, "error", err)
		return err
	}
	slog.Info("service stopped", "service", name)
	return nil
}

// RestartService stops, waits, and starts a service again.
func (m *Manager) RestartService(name string) error {
	if err := m.StopService(name); err != nil {
		slog.Error("failed to stop service for restart", "service", name, "error", err)
	}
	time.Sleep(m.restartDelay)

	m.mu.Lock()
	if info, ok := m.services[name]; ok {
		info.restartCount++
	}
	m.mu.Unlock()

	return m.StartService(name)
}

// RunningServices lists services currently in the running state.
func (m *Manager) RunningServices() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var running []string
	for name, info := range m.services {
		if info.state == StateRunning {
			running = append(running, name)
		}
	}
	return running
}

func (m *Manager) setState(name string, s State) {
	m.mu.Lock()
	if info, ok := m.services[name]; ok {
		info.state = s
	}
	m.mu.Unlock()
}

// startOrder is a topological sort over declared dependencies.
func (m *Manager) startOrder() ([]string, error) {
	visited := make(map[string]bool)
	temp := make(map[string]bool)
	var order []string

	var visit func(string) error
	visit = func(name string) error {
		if temp[name] {
			return fmt.Errorf("circular dependency involving service %q", name)
		}
		if visited[name] {
			return nil
		}
		temp[name] = true
		for _, dep := range m.dependsOn[name] {
			if _, exists := m.services[dep]; !exists {
				return fmt.Errorf("service %q depends on unknown service %q", name, dep)
			}
			if err := visit(dep); err != nil {
				return err
			}
		}
		temp[name] = false
		visited[name] = true
		order = append(order, name)
		return nil
	}

	for name := range m.services {
		if err := visit(name); err != nil {
			return nil, err
		}
	}
	return order, nil
}

func (m *Manager) healthLoop() {
	ticker := time.NewTicker(m.healthInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			m.checkAll()
		}
	}
}

func (m *Manager) checkAll() {
	m.mu.RLock()
	var running []*serviceInfo
	for _, info := range m.services {
		if info.state == StateRunning {
			running = append(running, info)
		}
	}
	m.mu.RUnlock()

	for _, info := range running {
		go m.checkOne(info)
	}
}

func (m *Manager) checkOne(info *serviceInfo) {
	ctx, cancel := context.WithTimeout(m.ctx, 10*time.Second)
	defer cancel()

	health := info.service.HealthCheck(ctx)
	if health.Healthy {
		return
	}

	name := info.service.Name()
	slog.Error("service health check failed", "service", name, "message", health.Message)

	m.mu.Lock()
	info.errorCount++
	canRestart := info.restartCount < m.maxRestarts
	m.mu.Unlock()

	if !canRestart {
		slog.Error("service exceeded maximum restart attempts", "service", name)
		return
	}
	go func() {
		slog.Info("restarting unhealthy service", "service", name)
		if err := m.RestartService(name); err != nil {
			slog.Error("failed to restart unhealthy service", "service", name, "error", err)
		}
	}()
}
