package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/clawinfra/toolmesh/internal/catalog"
	"github.com/clawinfra/toolmesh/internal/config"
	"github.com/clawinfra/toolmesh/internal/coordinator"
	"github.com/clawinfra/toolmesh/internal/events"
	"github.com/clawinfra/toolmesh/internal/protocol"
	"github.com/clawinfra/toolmesh/internal/provider"
	"github.com/clawinfra/toolmesh/internal/tools"
)

var (
	version   = "0.1.0"
	buildTime = "dev"
)

// App holds the runtime components.
type App struct {
	Config      *config.Config
	Logger      *slog.Logger
	Bus         *events.Bus
	Supervisor  *provider.Supervisor
	Registry    *tools.Registry
	Catalog     *catalog.Catalog
	Coordinator *coordinator.Coordinator
	Locator     *coordinator.Locator
}

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "toolmesh.json", "path to config file")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("toolmesh %s (%s)\n", version, buildTime)
		return 0
	}

	app, err := setup(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}

	if err := app.Coordinator.Initialize(context.Background()); err != nil {
		app.Logger.Error("initialization failed", "error", err)
		return 1
	}

	printBanner(app)

	if err := waitForShutdown(app); err != nil {
		app.Logger.Error("shutdown error", "error", err)
		return 1
	}
	return 0
}

// setup initializes all application components.
func setup(configPath string) (*App, error) {
	app := &App{}

	// Initial logger at Info level until the config is loaded. Logs go to
	// stderr; stdout carries only the banner.
	app.Logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))

	app.Logger.Info("starting toolmesh", "version", version, "config", configPath)

	cfg, err := loadConfig(configPath, app.Logger)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	app.Config = cfg

	// Recreate the logger with the configured level.
	app.Logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: parseLogLevel(cfg.Server.LogLevel),
	}))

	app.Bus = events.NewBus(app.Logger)
	app.Supervisor = provider.NewSupervisor(app.Bus, app.Logger,
		provider.WithClientInfo(protocol.ClientInfo{Name: "toolmesh", Version: version}))

	app.Registry = tools.NewRegistry(app.Logger)
	if err := tools.RegisterBuiltins(app.Registry, app.Supervisor); err != nil {
		return nil, fmt.Errorf("register builtins: %w", err)
	}

	app.Catalog = catalog.New(app.Registry, app.Supervisor, app.Logger)
	app.Locator = coordinator.NewLocator()

	opts := []coordinator.Option{coordinator.WithLocator(app.Locator)}

	coordForCommands := func(action string, payload json.RawMessage) error {
		coord, ok := app.Locator.Lookup()
		if !ok {
			return fmt.Errorf("coordinator not ready")
		}
		return coord.HandleProviderCommand(action, payload)
	}

	if cfg.MQTT.Enabled {
		sink := events.NewMQTTSink(cfg.MQTT.BrokerURL(), cfg.MQTT.Username, cfg.MQTT.Password,
			app.Bus, coordForCommands, app.Logger)
		opts = append(opts, coordinator.WithMQTTSink(sink))
	}
	if cfg.Events.Enabled {
		feed := events.NewWSFeed(cfg.Events.Listen, app.Bus, app.Logger)
		opts = append(opts, coordinator.WithWSFeed(feed))
	}

	app.Coordinator = coordinator.New(cfg, app.Supervisor, app.Registry, app.Catalog,
		app.Bus, app.Logger, opts...)
	return app, nil
}

// loadConfig reads the config file, writing the defaults when it is missing.
func loadConfig(path string, logger *slog.Logger) (*config.Config, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		logger.Info("config not found, writing defaults", "path", path)
		cfg := config.DefaultConfig()
		if err := cfg.Save(path); err != nil {
			return nil, err
		}
		return cfg, nil
	}
	return config.Load(path)
}

func parseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func printBanner(app *App) {
	snap := app.Catalog.Snapshot()
	fmt.Println()
	fmt.Printf("  toolmesh %s\n", version)
	fmt.Printf("  tools:     %d (%d internal)\n", len(snap), app.Registry.Count())
	fmt.Printf("  providers: %d registered\n", len(app.Supervisor.List()))
	if app.Config.Events.Enabled {
		fmt.Printf("  events:    ws://%s/events\n", app.Config.Events.Listen)
	}
	if app.Config.MQTT.Enabled {
		fmt.Printf("  mqtt:      %s\n", app.Config.MQTT.BrokerURL())
	}
	fmt.Println()
}

// waitForShutdown blocks until SIGINT/SIGTERM, then tears everything down.
func waitForShutdown(app *App) error {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigCh
	app.Logger.Info("shutdown signal received", "signal", sig.String())

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return app.Coordinator.Shutdown(ctx)
}
