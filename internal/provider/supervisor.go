package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/clawinfra/toolmesh/internal/events"
	"github.com/clawinfra/toolmesh/internal/protocol"
)

// Option is a functional option for configuring a Supervisor.
type Option func(*Supervisor)

// WithLauncher replaces the process launcher (tests inject scripted fakes).
func WithLauncher(l Launcher) Option {
	return func(s *Supervisor) { s.launcher = l }
}

// WithCorrector wires the parameter-correction collaborator used by the
// bounded-retry execution path.
func WithCorrector(c Corrector) Option {
	return func(s *Supervisor) { s.corrector = c }
}

// WithSettleDelay overrides the pause between spawn and handshake.
func WithSettleDelay(d time.Duration) Option {
	return func(s *Supervisor) { s.settleDelay = d }
}

// WithRestartBackoff overrides the fixed delay before a crash restart.
func WithRestartBackoff(d time.Duration) Option {
	return func(s *Supervisor) { s.restartBackoff = d }
}

// WithGracePeriod overrides how long a stopping process gets before it is
// force-killed.
func WithGracePeriod(d time.Duration) Option {
	return func(s *Supervisor) { s.gracePeriod = d }
}

// WithCallTimeout overrides the per-call tools/call budget.
func WithCallTimeout(d time.Duration) Option {
	return func(s *Supervisor) { s.callTimeout = d }
}

// WithClientInfo overrides the identity sent during the handshake.
func WithClientInfo(info protocol.ClientInfo) Option {
	return func(s *Supervisor) { s.clientInfo = info }
}

// Supervisor owns the full lifecycle of one process per registered provider
// config. All mutable state lives in per-provider runtime records, so
// operations on different providers never contend.
type Supervisor struct {
	logger    *slog.Logger
	bus       *events.Bus
	launcher  Launcher
	corrector Corrector

	mu      sync.RWMutex
	servers map[string]*runtime

	settleDelay      time.Duration
	restartBackoff   time.Duration
	gracePeriod      time.Duration
	handshakeTimeout time.Duration
	callTimeout      time.Duration
	clientInfo       protocol.ClientInfo

	// Proactive per-tool input fixes, applied before the first attempt.
	// Disabled unless explicitly enabled; see EnableProactiveFixes.
	proactiveMu      sync.RWMutex
	proactiveFixes   map[string]ProactiveFix
	proactiveEnabled bool
}

// NewSupervisor creates a supervisor publishing lifecycle events to bus.
func NewSupervisor(bus *events.Bus, logger *slog.Logger, opts ...Option) *Supervisor {
	s := &Supervisor{
		logger:           logger.With("component", "supervisor"),
		bus:              bus,
		launcher:         ExecLauncher,
		servers:          make(map[string]*runtime),
		settleDelay:      200 * time.Millisecond,
		restartBackoff:   time.Second,
		gracePeriod:      3 * time.Second,
		handshakeTimeout: 10 * time.Second,
		callTimeout:      30 * time.Second,
		clientInfo:       protocol.ClientInfo{Name: "toolmesh", Version: "dev"},
		proactiveFixes:   make(map[string]ProactiveFix),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Register validates the config, creates the runtime record in stopped
// state, and auto-starts the provider if configured. Fails if the id is
// already registered; an auto-start failure is recorded and published, not
// returned.
func (s *Supervisor) Register(cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	if _, exists := s.servers[cfg.ID]; exists {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrAlreadyRegistered, cfg.ID)
	}
	s.servers[cfg.ID] = &runtime{cfg: cfg, status: StatusStopped}
	s.mu.Unlock()

	s.logger.Info("provider registered", "provider", cfg.ID, "command", cfg.Command, "autoStart", cfg.AutoStart)

	if cfg.AutoStart {
		if err := s.Start(cfg.ID); err != nil {
			s.logger.Error("auto-start failed", "provider", cfg.ID, "error", err)
		}
	}
	return nil
}

// Unregister stops the provider if needed and removes its runtime record.
func (s *Supervisor) Unregister(id string) error {
	s.mu.Lock()
	rt, ok := s.servers[id]
	if ok {
		delete(s.servers, id)
	}
	s.mu.Unlock()

	if !ok {
		return fmt.Errorf("%w: %s", ErrNotRegistered, id)
	}
	s.stopRuntime(rt)
	s.logger.Info("provider unregistered", "provider", id)
	return nil
}

func (s *Supervisor) lookup(id string) (*runtime, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rt, ok := s.servers[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotRegistered, id)
	}
	return rt, nil
}

// Start spawns the provider's process and kicks off the handshake sequence.
// Calling Start on an already-running (or starting) provider is a no-op and
// never spawns a second process.
func (s *Supervisor) Start(id string) error {
	rt, err := s.lookup(id)
	if err != nil {
		return err
	}

	rt.mu.Lock()
	switch rt.status {
	case StatusRunning, StatusStarting:
		rt.mu.Unlock()
		return nil
	}
	// A failed handshake leaves the previous process alive; replace it
	// cleanly so it cannot linger as an orphan with a stale health loop.
	oldProc := rt.proc
	if rt.conn != nil {
		rt.conn.Close()
		rt.conn = nil
	}
	rt.clearTimersLocked()
	rt.status = StatusStarting
	rt.stopIntent = false
	rt.initialized = false
	rt.initializing = false
	rt.lastErr = nil
	rt.tools = nil
	rt.gen++
	gen := rt.gen
	proc := s.launcher(rt.cfg)
	rt.proc = proc
	cfg := rt.cfg
	rt.mu.Unlock()

	if oldProc != nil && oldProc.Alive() {
		s.logger.Warn("terminating leftover process before restart", "provider", id)
		_ = oldProc.Terminate()
		time.AfterFunc(s.gracePeriod, func() {
			select {
			case <-oldProc.Done():
			default:
				_ = oldProc.Kill()
			}
		})
	}

	s.logger.Info("starting provider", "provider", id, "command", cfg.Command)

	if err := proc.Start(); err != nil {
		wrapped := fmt.Errorf("%w: %v", ErrSpawn, err)
		s.recordFailure(rt, gen, wrapped)
		return wrapped
	}

	// Spawn succeeded: the platform reports the process alive.
	rt.mu.Lock()
	if rt.gen != gen {
		rt.mu.Unlock()
		return nil
	}
	rt.status = StatusRunning
	rt.healthy = true
	conn := protocol.NewConn(proc.Stdin(), s.logger.With("provider", id))
	rt.conn = conn
	rt.startupTimer = time.AfterFunc(cfg.StartupTimeout(), func() {
		s.onStartupTimeout(rt, gen)
	})
	rt.healthStop = make(chan struct{})
	healthStop := rt.healthStop
	rt.mu.Unlock()

	go conn.ReadFrom(proc.Stdout())
	go s.watchExit(rt, proc, gen)
	go s.healthLoop(rt, proc, healthStop, cfg.HealthCheckInterval())

	// Give the process a moment to wire up its stdio loop, then handshake.
	go func() {
		time.Sleep(s.settleDelay)
		s.handshake(rt, conn, gen)
	}()

	s.bus.Publish(events.Event{Type: events.TypeProviderSpawned, Provider: id})
	s.bus.Publish(events.Event{Type: events.TypeProviderStarted, Provider: id})
	return nil
}

// Stop marks stop intent, clears timers, asks the process to terminate
// gracefully, and force-kills it after the grace period. Intentional stops
// never trigger the crash-restart path.
func (s *Supervisor) Stop(id string) error {
	rt, err := s.lookup(id)
	if err != nil {
		return err
	}
	s.stopRuntime(rt)
	return nil
}

func (s *Supervisor) stopRuntime(rt *runtime) {
	rt.mu.Lock()
	if rt.status == StatusStopped {
		rt.mu.Unlock()
		return
	}
	rt.stopIntent = true
	rt.clearTimersLocked()
	rt.status = StatusStopped
	rt.healthy = false
	rt.tools = nil
	proc := rt.proc
	if rt.conn != nil {
		rt.conn.Close()
		rt.conn = nil
	}
	id := rt.cfg.ID
	rt.mu.Unlock()

	if proc != nil && proc.Alive() {
		if err := proc.Terminate(); err != nil {
			s.logger.Warn("graceful terminate failed", "provider", id, "error", err)
		}
		grace := s.gracePeriod
		time.AfterFunc(grace, func() {
			select {
			case <-proc.Done():
			default:
				s.logger.Warn("grace period elapsed, force-killing", "provider", id)
				_ = proc.Kill()
			}
		})
	}

	s.logger.Info("provider stopped", "provider", id)
	s.bus.Publish(events.Event{Type: events.TypeProviderStopped, Provider: id})
}

// watchExit handles process exit: intentional stops end quietly; crashes
// reschedule a start within the restart budget, after which the provider is
// left down permanently for this run.
func (s *Supervisor) watchExit(rt *runtime, proc Process, gen int) {
	<-proc.Done()
	code := proc.ExitCode()

	rt.mu.Lock()
	if rt.gen != gen {
		rt.mu.Unlock()
		return
	}
	if rt.conn != nil {
		rt.conn.Close()
		rt.conn = nil
	}
	rt.clearTimersLocked()
	rt.healthy = false
	rt.tools = nil

	if rt.stopIntent {
		rt.mu.Unlock()
		s.logger.Debug("provider exited after stop", "provider", rt.cfg.ID, "code", code)
		return
	}

	cfg := rt.cfg
	crashErr := fmt.Errorf("process exited unexpectedly (code %d)", code)
	rt.status = StatusError
	rt.lastErr = crashErr

	canRestart := cfg.RestartOnCrash && rt.restartCount < cfg.MaxRestartAttempts
	if canRestart {
		rt.restartCount++
		rt.status = StatusRestarting
	} else if cfg.RestartOnCrash {
		rt.lastErr = fmt.Errorf("%w: %v (after %d attempts)", ErrRestartLimit, crashErr, rt.restartCount)
	}
	attempt := rt.restartCount
	lastErr := rt.lastErr
	rt.mu.Unlock()

	s.bus.Publish(events.Event{
		Type:     events.TypeProviderError,
		Provider: cfg.ID,
		Error:    lastErr.Error(),
	})

	if canRestart {
		s.logger.Warn("provider crashed, scheduling restart",
			"provider", cfg.ID,
			"code", code,
			"attempt", attempt,
			"maxAttempts", cfg.MaxRestartAttempts,
		)
		s.scheduleRestart(rt, cfg.ID)
	} else {
		s.logger.Error("provider down permanently", "provider", cfg.ID, "error", lastErr)
	}
}

// scheduleRestart arms the backoff timer for a crash restart. The timer is
// held on the runtime so an intentional Stop during the backoff window
// cancels it; the fired closure re-checks intent for the same race.
func (s *Supervisor) scheduleRestart(rt *runtime, id string) {
	rt.mu.Lock()
	if rt.stopIntent || rt.status != StatusRestarting {
		rt.mu.Unlock()
		return
	}
	rt.restartTimer = time.AfterFunc(s.restartBackoff, func() {
		rt.mu.Lock()
		rt.restartTimer = nil
		if rt.stopIntent || rt.status != StatusRestarting {
			rt.mu.Unlock()
			return
		}
		rt.mu.Unlock()
		if err := s.Start(id); err != nil {
			s.logger.Error("restart failed", "provider", id, "error", err)
		}
	})
	rt.mu.Unlock()
}

// healthLoop periodically records whether the process handle is still alive
// and publishes health transitions. It never triggers restarts itself; that
// is exit-driven.
func (s *Supervisor) healthLoop(rt *runtime, proc Process, stop <-chan struct{}, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			alive := proc.Alive()
			rt.mu.Lock()
			rt.lastHealthCheck = time.Now()
			changed := rt.healthy != alive
			rt.healthy = alive
			id := rt.cfg.ID
			rt.mu.Unlock()

			if changed {
				s.bus.Publish(events.Event{
					Type:     events.TypeHealthChanged,
					Provider: id,
					Payload:  map[string]any{"healthy": alive},
				})
			}
		}
	}
}

// handshake runs initialize then tools/list exactly once per process
// lifetime. Failures are converted to recorded state plus an error event;
// nothing is thrown out of this goroutine.
func (s *Supervisor) handshake(rt *runtime, conn *protocol.Conn, gen int) {
	rt.mu.Lock()
	if rt.gen != gen || rt.initialized || rt.initializing {
		rt.mu.Unlock()
		return
	}
	rt.initializing = true
	id := rt.cfg.ID
	rt.mu.Unlock()

	ctx := context.Background()

	_, err := conn.Call(ctx, protocol.MethodInitialize, protocol.InitializeParams{
		ProtocolVersion: protocol.Version,
		Capabilities:    map[string]any{},
		ClientInfo:      s.clientInfo,
	}, s.handshakeTimeout)
	if err != nil {
		s.recordFailure(rt, gen, fmt.Errorf("%w: %v", ErrHandshake, err))
		return
	}

	raw, err := conn.Call(ctx, protocol.MethodToolsList, struct{}{}, s.handshakeTimeout)
	if err != nil {
		s.recordFailure(rt, gen, fmt.Errorf("%w: %v", ErrDiscovery, err))
		return
	}
	var listed protocol.ListToolsResult
	if err := json.Unmarshal(raw, &listed); err != nil {
		s.recordFailure(rt, gen, fmt.Errorf("%w: bad tools/list result: %v", ErrDiscovery, err))
		return
	}

	rt.mu.Lock()
	if rt.gen != gen {
		rt.mu.Unlock()
		return
	}
	rt.tools = listed.Tools
	rt.initialized = true
	rt.initializing = false
	// A completed handshake ends the crash episode; the budget refills.
	rt.restartCount = 0
	if rt.startupTimer != nil {
		rt.startupTimer.Stop()
		rt.startupTimer = nil
	}
	rt.mu.Unlock()

	names := make([]string, 0, len(listed.Tools))
	for _, t := range listed.Tools {
		names = append(names, t.Name)
	}
	sort.Strings(names)

	s.logger.Info("tools discovered", "provider", id, "count", len(names))
	s.bus.Publish(events.Event{
		Type:     events.TypeToolsDiscovered,
		Provider: id,
		Payload:  map[string]any{"tools": names},
	})
}

// onStartupTimeout fires when the handshake has not completed within the
// startup budget. The process is asked to stop; the exit path decides
// whether a restart is due.
func (s *Supervisor) onStartupTimeout(rt *runtime, gen int) {
	rt.mu.Lock()
	if rt.gen != gen || rt.initialized {
		rt.mu.Unlock()
		return
	}
	rt.startupTimer = nil
	rt.initializing = false
	rt.status = StatusError
	rt.lastErr = ErrStartupTimeout
	proc := rt.proc
	id := rt.cfg.ID
	rt.mu.Unlock()

	s.logger.Error("provider startup timed out", "provider", id)
	s.bus.Publish(events.Event{
		Type:     events.TypeProviderError,
		Provider: id,
		Error:    ErrStartupTimeout.Error(),
	})

	if proc != nil && proc.Alive() {
		_ = proc.Terminate()
		time.AfterFunc(s.gracePeriod, func() {
			select {
			case <-proc.Done():
			default:
				_ = proc.Kill()
			}
		})
	}
}

// recordFailure notes a startup-path error on the runtime and reports it via
// the error-event path.
func (s *Supervisor) recordFailure(rt *runtime, gen int, err error) {
	rt.mu.Lock()
	if rt.gen != gen {
		rt.mu.Unlock()
		return
	}
	rt.initializing = false
	rt.status = StatusError
	rt.lastErr = err
	id := rt.cfg.ID
	rt.mu.Unlock()

	s.logger.Error("provider failed", "provider", id, "error", err)
	s.bus.Publish(events.Event{
		Type:     events.TypeProviderError,
		Provider: id,
		Error:    err.Error(),
	})
}

// ExecuteTool runs a tool on a specific provider. It fails fast when the
// provider is not running or the tool is absent from its discovered list,
// and wraps the call in the bounded correction retry.
func (s *Supervisor) ExecuteTool(ctx context.Context, id, toolName string, input map[string]any, agentID, channelID string) (*protocol.CallToolResult, error) {
	rt, err := s.lookup(id)
	if err != nil {
		return nil, err
	}

	rt.mu.Lock()
	if rt.status != StatusRunning || rt.conn == nil || !rt.initialized {
		rt.mu.Unlock()
		return nil, fmt.Errorf("provider %q: %w", id, ErrServerNotRunning)
	}
	known := false
	for _, t := range rt.tools {
		if t.Name == toolName {
			known = true
			break
		}
	}
	conn := rt.conn
	rt.mu.Unlock()

	if !known {
		return nil, fmt.Errorf("provider %q has no tool %q: %w", id, toolName, ErrToolNotFound)
	}

	result, err := s.callWithRetry(ctx, conn, id, toolName, input)
	if err != nil {
		s.bus.Publish(events.Event{
			Type:      events.TypeProviderError,
			Provider:  id,
			AgentID:   agentID,
			ChannelID: channelID,
			Error:     fmt.Sprintf("tool %s: %v", toolName, err),
		})
		return nil, err
	}
	return result, nil
}

// DiscoveredTools returns the per-provider discovered tool lists for every
// provider that has completed its handshake and is still running.
func (s *Supervisor) DiscoveredTools() map[string][]protocol.ToolInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string][]protocol.ToolInfo)
	for id, rt := range s.servers {
		rt.mu.Lock()
		if rt.status == StatusRunning && rt.initialized && len(rt.tools) > 0 {
			out[id] = append([]protocol.ToolInfo(nil), rt.tools...)
		}
		rt.mu.Unlock()
	}
	return out
}

// Status returns a snapshot of one provider's runtime state.
func (s *Supervisor) Status(id string) (Info, error) {
	rt, err := s.lookup(id)
	if err != nil {
		return Info{}, err
	}
	return rt.snapshot(), nil
}

// List returns snapshots of every registered provider, sorted by id.
func (s *Supervisor) List() []Info {
	s.mu.RLock()
	rts := make([]*runtime, 0, len(s.servers))
	for _, rt := range s.servers {
		rts = append(rts, rt)
	}
	s.mu.RUnlock()

	infos := make([]Info, 0, len(rts))
	for _, rt := range rts {
		infos = append(infos, rt.snapshot())
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].ID < infos[j].ID })
	return infos
}

// Shutdown stops every provider concurrently and waits for all of them to
// settle (success or failure) before returning; it never fails fast on the
// first error.
func (s *Supervisor) Shutdown(ctx context.Context) error {
	s.mu.RLock()
	ids := make([]string, 0, len(s.servers))
	procs := make([]Process, 0, len(s.servers))
	for id, rt := range s.servers {
		ids = append(ids, id)
		rt.mu.Lock()
		if rt.proc != nil {
			procs = append(procs, rt.proc)
		}
		rt.mu.Unlock()
	}
	s.mu.RUnlock()

	g := new(errgroup.Group)
	for _, id := range ids {
		id := id
		g.Go(func() error {
			if err := s.Stop(id); err != nil {
				s.logger.Error("shutdown: stop failed", "provider", id, "error", err)
				return err
			}
			return nil
		})
	}
	err := g.Wait()

	// Best-effort wait for the processes themselves, bounded by ctx.
	for _, proc := range procs {
		select {
		case <-proc.Done():
		case <-ctx.Done():
			s.logger.Warn("shutdown wait cancelled", "error", ctx.Err())
			return err
		}
	}
	return err
}
