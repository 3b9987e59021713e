// Package coordinator orchestrates toolmesh startup and shutdown: it waits
// for the internal tool registry to settle, auto-starts configured providers
// concurrently, exposes aggregate status, and owns teardown.
package coordinator

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/clawinfra/toolmesh/internal/catalog"
	"github.com/clawinfra/toolmesh/internal/config"
	"github.com/clawinfra/toolmesh/internal/events"
	"github.com/clawinfra/toolmesh/internal/provider"
	"github.com/clawinfra/toolmesh/internal/tools"
)

// State is the coordinator's lifecycle phase. It never regresses except to
// stopped, which is terminal.
type State string

const (
	StateUninitialized State = "uninitialized"
	StateInitializing  State = "initializing"
	StateReady         State = "ready"
	StateStopped       State = "stopped"
)

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithLocator publishes the coordinator for downstream lookup once ready.
func WithLocator(l *Locator) Option {
	return func(c *Coordinator) { c.locator = l }
}

// WithMQTTSink attaches an MQTT event sink started during initialization.
func WithMQTTSink(s *events.MQTTSink) Option {
	return func(c *Coordinator) { c.mqtt = s }
}

// WithWSFeed attaches a WebSocket event feed started during initialization.
func WithWSFeed(f *events.WSFeed) Option {
	return func(c *Coordinator) { c.feed = f }
}

// WithReadinessPoll overrides the internal-catalog readiness poll budget.
func WithReadinessPoll(attempts int, delay time.Duration) Option {
	return func(c *Coordinator) {
		c.readinessAttempts = attempts
		c.readinessDelay = delay
	}
}

// Coordinator wires the supervisor, registry, and catalog together and owns
// their combined lifecycle.
type Coordinator struct {
	cfg        *config.Config
	logger     *slog.Logger
	bus        *events.Bus
	supervisor *provider.Supervisor
	registry   *tools.Registry
	catalog    *catalog.Catalog

	locator *Locator
	mqtt    *events.MQTTSink
	feed    *events.WSFeed

	readinessAttempts int
	readinessDelay    time.Duration

	mu          sync.Mutex
	state       State
	startedAt   time.Time
	catalogStop func()
	statusStop  func()
	watcher     *config.Watcher
}

// New creates a coordinator over the given collaborators.
func New(cfg *config.Config, sup *provider.Supervisor, reg *tools.Registry, cat *catalog.Catalog, bus *events.Bus, logger *slog.Logger, opts ...Option) *Coordinator {
	c := &Coordinator{
		cfg:               cfg,
		logger:            logger.With("component", "coordinator"),
		bus:               bus,
		supervisor:        sup,
		registry:          reg,
		catalog:           cat,
		state:             StateUninitialized,
		readinessAttempts: 10,
		readinessDelay:    500 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// State returns the current lifecycle phase.
func (c *Coordinator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Initialize brings the platform up: internal-catalog readiness poll,
// provider registration and concurrent auto-start, event sinks, the status
// job, and provider-directory watching. One provider's failure never blocks
// the others or fails initialization.
func (c *Coordinator) Initialize(ctx context.Context) error {
	c.mu.Lock()
	if c.state != StateUninitialized {
		state := c.state
		c.mu.Unlock()
		return fmt.Errorf("initialize from state %q", state)
	}
	c.state = StateInitializing
	c.startedAt = time.Now()
	c.mu.Unlock()

	c.logger.Info("initializing")

	c.waitForInternalTools(ctx)

	c.mu.Lock()
	c.catalogStop = c.catalog.Watch(c.bus)
	c.mu.Unlock()

	if c.mqtt != nil {
		if err := c.mqtt.Start(ctx); err != nil {
			c.logger.Error("mqtt sink failed to start, continuing without it", "error", err)
		}
	}
	if c.feed != nil {
		if err := c.feed.Start(ctx); err != nil {
			c.logger.Error("ws feed failed to start, continuing without it", "error", err)
		}
	}

	configs := c.registerConfiguredProviders()
	c.autoStartProviders(ctx, configs)
	c.startStatusJob()
	c.startProviderWatcher()

	c.catalog.Refresh()

	c.mu.Lock()
	c.state = StateReady
	c.mu.Unlock()

	if c.locator != nil {
		c.locator.Publish(c)
	}
	c.logger.Info("ready", "tools", len(c.catalog.Snapshot()), "providers", len(c.supervisor.List()))
	return nil
}

// waitForInternalTools polls the internal registry until it reports at least
// one tool or the attempt budget runs out. This is a soft dependency; the
// coordinator proceeds either way.
func (c *Coordinator) waitForInternalTools(ctx context.Context) {
	for attempt := 1; attempt <= c.readinessAttempts; attempt++ {
		if c.registry.Count() > 0 {
			c.logger.Debug("internal registry ready", "tools", c.registry.Count(), "attempt", attempt)
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(c.readinessDelay):
		}
	}
	c.logger.Warn("internal registry reported no tools, proceeding anyway",
		"attempts", c.readinessAttempts)
}

// registerConfiguredProviders registers the scanned definitions and the
// inline configs. Broken definitions are logged and skipped.
func (c *Coordinator) registerConfiguredProviders() []provider.Config {
	var configs []provider.Config

	if c.cfg.ProvidersDir != "" {
		loader := provider.NewLoader(c.cfg.ProvidersDir, c.logger)
		loaded, err := loader.LoadAll()
		if err != nil {
			c.logger.Error("provider directory scan failed", "dir", c.cfg.ProvidersDir, "error", err)
		}
		configs = append(configs, loaded...)
	}
	configs = append(configs, c.cfg.Providers...)

	registered := configs[:0]
	for _, cfg := range configs {
		// Auto-start is driven below so failures can be collected per
		// provider; registration itself stays start-free.
		pc := cfg
		pc.AutoStart = false
		if err := c.supervisor.Register(pc); err != nil {
			c.logger.Error("provider registration failed", "provider", cfg.ID, "error", err)
			continue
		}
		registered = append(registered, cfg)
	}
	return registered
}

// autoStartProviders starts every autoStart-flagged provider concurrently.
// Failures are isolated per provider and reported, never propagated.
func (c *Coordinator) autoStartProviders(ctx context.Context, configs []provider.Config) {
	var wanted []string
	for _, cfg := range configs {
		if cfg.AutoStart {
			wanted = append(wanted, cfg.ID)
		}
	}
	if len(wanted) == 0 {
		return
	}

	g, _ := errgroup.WithContext(ctx)
	var mu sync.Mutex
	failed := make(map[string]error)

	for _, id := range wanted {
		id := id
		g.Go(func() error {
			if err := c.supervisor.Start(id); err != nil {
				mu.Lock()
				failed[id] = err
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()

	for id, err := range failed {
		c.logger.Error("auto-start failed", "provider", id, "error", err)
	}
	c.logger.Info("auto-start complete", "started", len(wanted)-len(failed), "failed", len(failed))
}

// startProviderWatcher rescans the providers directory when it changes and
// registers any new definitions.
func (c *Coordinator) startProviderWatcher() {
	if c.cfg.ProvidersDir == "" {
		return
	}
	w := config.NewWatcher(c.cfg.ProvidersDir, 10*time.Second, c.logger, func() {
		loader := provider.NewLoader(c.cfg.ProvidersDir, c.logger)
		loaded, err := loader.LoadAll()
		if err != nil {
			c.logger.Error("provider rescan failed", "error", err)
			return
		}
		for _, cfg := range loaded {
			if err := c.supervisor.Register(cfg); err != nil {
				continue // already registered
			}
			c.logger.Info("new provider definition picked up", "provider", cfg.ID)
		}
	})
	w.Start()

	c.mu.Lock()
	c.watcher = w
	c.mu.Unlock()
}

// HandleProviderCommand executes one inbound register/unregister command
// arriving over the event mesh.
func (c *Coordinator) HandleProviderCommand(action string, payload json.RawMessage) error {
	switch action {
	case "register":
		var cfg provider.Config
		if err := json.Unmarshal(payload, &cfg); err != nil {
			return fmt.Errorf("parse provider config: %w", err)
		}
		if err := c.supervisor.Register(cfg); err != nil {
			return err
		}
		c.logger.Info("provider registered via command", "provider", cfg.ID)
		return nil

	case "unregister":
		var req struct {
			ID string `json:"id"`
		}
		if err := json.Unmarshal(payload, &req); err != nil {
			return fmt.Errorf("parse unregister request: %w", err)
		}
		if err := c.supervisor.Unregister(req.ID); err != nil {
			return err
		}
		c.catalog.Refresh()
		c.logger.Info("provider unregistered via command", "provider", req.ID)
		return nil
	}
	return fmt.Errorf("unknown command %q", action)
}

// Shutdown tears everything down: providers, sinks, the status job, and the
// catalog watch. Terminal; the coordinator cannot be reused.
func (c *Coordinator) Shutdown(ctx context.Context) error {
	c.mu.Lock()
	if c.state == StateStopped {
		c.mu.Unlock()
		return nil
	}
	c.state = StateStopped
	watcher := c.watcher
	statusStop := c.statusStop
	catalogStop := c.catalogStop
	c.mu.Unlock()

	c.logger.Info("shutting down")

	if watcher != nil {
		watcher.Stop()
	}
	if statusStop != nil {
		statusStop()
	}

	err := c.supervisor.Shutdown(ctx)

	if catalogStop != nil {
		catalogStop()
	}
	if c.mqtt != nil {
		if serr := c.mqtt.Stop(); serr != nil {
			c.logger.Warn("mqtt sink stop failed", "error", serr)
		}
	}
	if c.feed != nil {
		if serr := c.feed.Stop(ctx); serr != nil {
			c.logger.Warn("ws feed stop failed", "error", serr)
		}
	}
	c.bus.Close()

	if c.locator != nil {
		c.locator.Clear()
	}
	c.logger.Info("shutdown complete")
	return err
}
