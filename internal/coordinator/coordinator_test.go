package coordinator

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/clawinfra/toolmesh/internal/catalog"
	"github.com/clawinfra/toolmesh/internal/config"
	"github.com/clawinfra/toolmesh/internal/events"
	"github.com/clawinfra/toolmesh/internal/protocol"
	"github.com/clawinfra/toolmesh/internal/provider"
	"github.com/clawinfra/toolmesh/internal/tools"
)

// stubProcess is a minimal scripted provider process for coordinator tests.
type stubProcess struct {
	mu       sync.Mutex
	started  bool
	exited   bool
	done     chan struct{}
	startErr error

	stdinR  *io.PipeReader
	stdinW  *io.PipeWriter
	stdoutR *io.PipeReader
	stdoutW *io.PipeWriter

	tools []protocol.ToolInfo
}

func newStubProcess(toolNames ...string) *stubProcess {
	stdinR, stdinW := io.Pipe()
	stdoutR, stdoutW := io.Pipe()
	p := &stubProcess{
		done:    make(chan struct{}),
		stdinR:  stdinR,
		stdinW:  stdinW,
		stdoutR: stdoutR,
		stdoutW: stdoutW,
	}
	for _, name := range toolNames {
		p.tools = append(p.tools, protocol.ToolInfo{Name: name})
	}
	return p
}

func (p *stubProcess) Start() error {
	if p.startErr != nil {
		return p.startErr
	}
	p.mu.Lock()
	p.started = true
	p.mu.Unlock()
	go p.serve()
	return nil
}

func (p *stubProcess) serve() {
	scanner := bufio.NewScanner(p.stdinR)
	for scanner.Scan() {
		var req protocol.Request
		if err := json.Unmarshal(scanner.Bytes(), &req); err != nil {
			continue
		}
		resp := map[string]any{"id": req.ID}
		switch req.Method {
		case protocol.MethodInitialize:
			resp["result"] = map[string]any{"protocolVersion": protocol.Version}
		case protocol.MethodToolsList:
			resp["result"] = protocol.ListToolsResult{Tools: p.tools}
		case protocol.MethodToolsCall:
			resp["result"] = protocol.CallToolResult{
				Content: []protocol.ContentItem{{Type: "text", Text: "stub"}},
			}
		default:
			resp["error"] = &protocol.RPCError{Code: -32601, Message: "method not found"}
		}
		data, _ := json.Marshal(resp)
		if _, err := p.stdoutW.Write(append(data, '\n')); err != nil {
			return
		}
	}
}

func (p *stubProcess) exit() {
	p.mu.Lock()
	if p.exited {
		p.mu.Unlock()
		return
	}
	p.exited = true
	p.mu.Unlock()
	_ = p.stdinR.Close()
	_ = p.stdoutW.Close()
	close(p.done)
}

func (p *stubProcess) Stdin() io.Writer      { return p.stdinW }
func (p *stubProcess) Stdout() io.Reader     { return p.stdoutR }
func (p *stubProcess) Terminate() error      { p.exit(); return nil }
func (p *stubProcess) Kill() error           { p.exit(); return nil }
func (p *stubProcess) Done() <-chan struct{} { return p.done }
func (p *stubProcess) ExitCode() int         { return 0 }

func (p *stubProcess) Alive() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.started && !p.exited
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fixture struct {
	cfg      *config.Config
	bus      *events.Bus
	sup      *provider.Supervisor
	registry *tools.Registry
	catalog  *catalog.Catalog
}

func newFixture(t *testing.T, launcher provider.Launcher, providers []provider.Config) *fixture {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.ProvidersDir = t.TempDir()
	cfg.Providers = providers
	cfg.Status.Enabled = false

	bus := events.NewBus(testLogger())
	sup := provider.NewSupervisor(bus, testLogger(),
		provider.WithLauncher(launcher),
		provider.WithSettleDelay(5*time.Millisecond),
		provider.WithGracePeriod(50*time.Millisecond),
	)
	registry := tools.NewRegistry(testLogger())
	if err := tools.RegisterBuiltins(registry, sup); err != nil {
		t.Fatal(err)
	}
	cat := catalog.New(registry, sup, testLogger())
	return &fixture{cfg: cfg, bus: bus, sup: sup, registry: registry, catalog: cat}
}

func waitFor(t *testing.T, timeout time.Duration, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestInitializeLifecycle(t *testing.T) {
	launcher := func(cfg provider.Config) provider.Process {
		return newStubProcess("forecast")
	}
	f := newFixture(t, launcher, []provider.Config{{
		ID: "weather", Name: "weather", Command: "/bin/weather", AutoStart: true,
	}})

	locator := NewLocator()
	c := New(f.cfg, f.sup, f.registry, f.catalog, f.bus, testLogger(), WithLocator(locator))

	if c.State() != StateUninitialized {
		t.Fatalf("initial state = %s", c.State())
	}
	if err := c.Initialize(context.Background()); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	if c.State() != StateReady {
		t.Fatalf("state after initialize = %s", c.State())
	}

	if got, ok := locator.Lookup(); !ok || got != c {
		t.Fatal("coordinator not published to locator")
	}

	// Discovery completes asynchronously; the catalog picks it up via the
	// bus watch.
	waitFor(t, 3*time.Second, "external tool in catalog", func() bool {
		desc, ok := f.catalog.FindTool("forecast")
		return ok && desc.Source == "weather"
	})

	// Internal builtins are merged alongside.
	if _, ok := f.catalog.FindTool("echo"); !ok {
		t.Fatal("internal tool missing from catalog")
	}

	report := c.Status()
	if report.State != StateReady || report.InternalTools == 0 || len(report.Providers) != 1 {
		t.Fatalf("bad status report: %+v", report)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := c.Shutdown(ctx); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	if c.State() != StateStopped {
		t.Fatalf("state after shutdown = %s", c.State())
	}
	if _, ok := locator.Lookup(); ok {
		t.Fatal("locator not cleared on shutdown")
	}
	for _, info := range f.sup.List() {
		if info.Status != provider.StatusStopped {
			t.Fatalf("provider %s not stopped: %s", info.ID, info.Status)
		}
	}
}

func TestInitializeIsolatesProviderFailures(t *testing.T) {
	launcher := func(cfg provider.Config) provider.Process {
		p := newStubProcess("ok_tool")
		if cfg.ID == "broken" {
			p.startErr = io.ErrClosedPipe
		}
		return p
	}
	f := newFixture(t, launcher, []provider.Config{
		{ID: "broken", Name: "broken", Command: "/bin/broken", AutoStart: true},
		{ID: "healthy", Name: "healthy", Command: "/bin/healthy", AutoStart: true},
	})

	c := New(f.cfg, f.sup, f.registry, f.catalog, f.bus, testLogger())
	if err := c.Initialize(context.Background()); err != nil {
		t.Fatalf("one provider's failure must not fail initialization: %v", err)
	}

	waitFor(t, 3*time.Second, "healthy provider running", func() bool {
		info, err := f.sup.Status("healthy")
		return err == nil && info.Status == provider.StatusRunning
	})
	info, _ := f.sup.Status("broken")
	if info.Status != provider.StatusError {
		t.Fatalf("broken provider status = %s", info.Status)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_ = c.Shutdown(ctx)
}

func TestInitializeTwiceFails(t *testing.T) {
	f := newFixture(t, func(provider.Config) provider.Process { return newStubProcess() }, nil)
	c := New(f.cfg, f.sup, f.registry, f.catalog, f.bus, testLogger())

	if err := c.Initialize(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := c.Initialize(context.Background()); err == nil {
		t.Fatal("second initialize must fail")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_ = c.Shutdown(ctx)
}

func TestReadinessPollIsSoft(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.ProvidersDir = t.TempDir()
	cfg.Status.Enabled = false

	bus := events.NewBus(testLogger())
	sup := provider.NewSupervisor(bus, testLogger())
	registry := tools.NewRegistry(testLogger()) // deliberately empty
	cat := catalog.New(registry, sup, testLogger())

	c := New(cfg, sup, registry, cat, bus, testLogger(),
		WithReadinessPoll(3, time.Millisecond))

	if err := c.Initialize(context.Background()); err != nil {
		t.Fatalf("empty internal registry must not fail initialization: %v", err)
	}
	if c.State() != StateReady {
		t.Fatalf("state = %s", c.State())
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_ = c.Shutdown(ctx)
}

func TestHandleProviderCommands(t *testing.T) {
	launcher := func(cfg provider.Config) provider.Process { return newStubProcess("t") }
	f := newFixture(t, launcher, nil)
	c := New(f.cfg, f.sup, f.registry, f.catalog, f.bus, testLogger())
	if err := c.Initialize(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = c.Shutdown(ctx)
	}()

	cfgJSON := json.RawMessage(`{"id":"cmd-prov","name":"cmd-prov","command":"/bin/p"}`)
	if err := c.HandleProviderCommand("register", cfgJSON); err != nil {
		t.Fatalf("register command: %v", err)
	}
	if _, err := f.sup.Status("cmd-prov"); err != nil {
		t.Fatalf("provider not registered: %v", err)
	}

	// Duplicate registration surfaces as a command failure.
	if err := c.HandleProviderCommand("register", cfgJSON); err == nil {
		t.Fatal("duplicate register must fail")
	}

	if err := c.HandleProviderCommand("unregister", json.RawMessage(`{"id":"cmd-prov"}`)); err != nil {
		t.Fatalf("unregister command: %v", err)
	}
	if _, err := f.sup.Status("cmd-prov"); err == nil {
		t.Fatal("provider still registered after unregister")
	}

	if err := c.HandleProviderCommand("explode", nil); err == nil {
		t.Fatal("unknown command must fail")
	}
}
