// FloorSync keeps factory-floor terminals working through network outages:
// mutations queue locally in encrypted SQLite and drain to the central
// server whenever connectivity allows.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/fabworks/floorsync/internal/api"
	"github.com/fabworks/floorsync/internal/config"
	"github.com/fabworks/floorsync/internal/conflict"
	"github.com/fabworks/floorsync/internal/engine"
	"github.com/fabworks/floorsync/internal/entity"
	"github.com/fabworks/floorsync/internal/queue"
	"github.com/fabworks/floorsync/internal/remote"
	"github.com/fabworks/floorsync/internal/scheduler"
	"github.com/fabworks/floorsync/internal/secure"
	"github.com/fabworks/floorsync/internal/statusmq"
)

var (
	version   = "dev"
	buildTime = "unknown"
)

// App wires together all components of a running device.
type App struct {
	Config    *config.Config
	Logger    *slog.Logger
	Store     *queue.Store
	Entities  *entity.Store
	Engine    *engine.Engine
	Scheduler *scheduler.Scheduler
	APIServer *api.Server
	Publisher *statusmq.Publisher
}

func main() {
	os.Exit(run())
}

func run() int {
	configPath := "floorsync.json"
	var subCmd string
	var subCmdIdx int

	// First pass: find the config flag so subcommands see the same file.
	skipNext := false
	for i := 1; i < len(os.Args); i++ {
		if skipNext {
			skipNext = false
			continue
		}
		arg := os.Args[i]
		if arg == "--config" || arg == "-config" {
			if i+1 < len(os.Args) {
				configPath = os.Args[i+1]
				skipNext = true
			}
		}
	}

	// Second pass: first non-flag arg is the subcommand.
	skipNext = false
	for i := 1; i < len(os.Args); i++ {
		if skipNext {
			skipNext = false
			continue
		}
		arg := os.Args[i]
		if arg == "--config" || arg == "-config" {
			skipNext = true
			continue
		}
		if arg == "--version" || arg == "-version" {
			continue
		}
		if len(arg) > 0 && arg[0] != '-' {
			subCmd = arg
			subCmdIdx = i
			break
		}
	}

	switch subCmd {
	case "init":
		return initCommand(os.Args[subCmdIdx+1:], configPath)
	case "sync":
		return syncCommand(configPath)
	case "queue":
		return queueCommand(configPath)
	case "", "start":
		// Falls through to the daemon start below.
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", subCmd)
		fmt.Fprintln(os.Stderr, "Available commands: init, start, sync, queue")
		return 1
	}

	fs := flag.NewFlagSet("floorsync", flag.ExitOnError)
	configPathFlag := fs.String("config", "floorsync.json", "Path to config file")
	showVersion := fs.Bool("version", false, "Show version")
	args := os.Args[1:]
	if subCmd == "start" {
		args = os.Args[subCmdIdx+1:]
	}
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Error parsing arguments: %v\n", err)
		return 1
	}

	if *showVersion {
		fmt.Printf("FloorSync v%s (built %s)\n", version, buildTime)
		fmt.Println("Offline-first sync engine for factory-floor terminals")
		return 0
	}

	if *configPathFlag != "floorsync.json" {
		configPath = *configPathFlag
	}

	app, err := setup(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Setup failed: %v\n", err)
		return 1
	}
	defer app.Store.Close()

	if err := serve(app); err != nil {
		app.Logger.Error("shutdown error", "error", err)
		return 1
	}
	return 0
}

// setup initializes all application components from the config file.
func setup(configPath string) (*App, error) {
	app := &App{}

	app.Logger = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))

	app.Logger.Info("starting FloorSync", "version", version, "config", configPath)

	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	app.Config = cfg

	app.Logger = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: parseLogLevel(cfg.Device.LogLevel),
	}))

	// Encryption key lives beside the database, file permissions only.
	keystore, err := secure.NewFileKeystore(filepath.Join(cfg.Device.DataDir, "keys"))
	if err != nil {
		return nil, fmt.Errorf("open keystore: %w", err)
	}
	cipher, err := secure.LoadCipher(keystore, secure.DefaultKeyName)
	if err != nil {
		return nil, fmt.Errorf("load cipher: %w", err)
	}

	store, err := queue.Open(filepath.Join(cfg.Device.DataDir, "floorsync.db"), cipher, app.Logger)
	if err != nil {
		return nil, fmt.Errorf("open queue: %w", err)
	}
	app.Store = store

	entities, err := entity.New(store.DB())
	if err != nil {
		return nil, fmt.Errorf("open entity store: %w", err)
	}
	app.Entities = entities

	policy, err := conflict.LoadPolicy(cfg.Sync.PolicyPath)
	if err != nil {
		return nil, fmt.Errorf("load conflict policy: %w", err)
	}
	resolver := conflict.NewResolver(policy, time.Now)

	tokens := remote.NewTokenSource([]byte(cfg.Server.AuthSecret), cfg.Device.ID, cfg.Device.Site, 0)
	client := remote.NewClient(cfg.Server.URL, tokens, app.Logger)

	app.Engine = engine.New(store, entities, client, resolver,
		engine.Config{ItemDelay: cfg.Sync.ItemDelay()}, app.Logger)

	app.Scheduler = scheduler.New(app.Logger)
	if err := app.Scheduler.AddJob("sync", cfg.Sync.Schedule, func(ctx context.Context) error {
		_, err := app.Engine.RunSync(ctx)
		if err == engine.ErrSyncInProgress {
			return nil
		}
		return err
	}); err != nil {
		return nil, err
	}
	if err := app.Scheduler.AddJob("cleanup", cfg.Sync.CleanupSchedule, func(ctx context.Context) error {
		removed, err := store.CleanupSynced(ctx, cfg.Sync.Retention())
		if err != nil {
			return err
		}
		if removed > 0 {
			app.Logger.Info("retention cleanup", "removed", removed)
		}
		return nil
	}); err != nil {
		return nil, err
	}

	if cfg.API.Enabled {
		app.APIServer = api.NewServer(cfg.API.Port, app.Engine, store, app.Logger)
	}

	if cfg.MQTT.Enabled {
		app.Publisher = statusmq.New(statusmq.Config{
			Host:        cfg.MQTT.Host,
			Port:        cfg.MQTT.Port,
			Username:    cfg.MQTT.Username,
			Password:    cfg.MQTT.Password,
			ClientID:    "floorsync-" + cfg.Device.ID,
			TopicPrefix: cfg.MQTT.TopicPrefixFor(cfg.Device.Site, cfg.Device.ID),
		}, app.Logger)
	}

	return app, nil
}

// serve runs all long-lived services until SIGINT/SIGTERM.
func serve(app *App) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if app.Publisher != nil {
		if err := app.Publisher.Connect(ctx); err != nil {
			// Status publishing is best-effort; run without it.
			app.Logger.Warn("mqtt unavailable, continuing without status publishing", "error", err)
			app.Publisher = nil
		} else {
			app.Publisher.Attach(app.Engine)
			defer app.Publisher.Close()
		}
	}

	app.Scheduler.Start(ctx)

	g, gctx := errgroup.WithContext(ctx)
	if app.APIServer != nil {
		g.Go(func() error {
			return app.APIServer.Start(gctx)
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		return nil
	})

	app.Logger.Info("FloorSync running",
		"device", app.Config.Device.ID,
		"site", app.Config.Device.Site,
		"server", app.Config.Server.URL)

	return g.Wait()
}

// initCommand writes a starter config file.
func initCommand(args []string, defaultPath string) int {
	fs := flag.NewFlagSet("init", flag.ExitOnError)
	out := fs.String("out", defaultPath, "Where to write the config file")
	deviceID := fs.String("device", "", "Device identifier (required)")
	site := fs.String("site", "default", "Site identifier")
	serverURL := fs.String("server", "http://localhost:8080", "Sync server URL")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if *deviceID == "" {
		fmt.Fprintln(os.Stderr, "init: --device is required")
		return 1
	}

	if _, err := os.Stat(*out); err == nil {
		fmt.Fprintf(os.Stderr, "init: %s already exists\n", *out)
		return 1
	}

	cfg := config.DefaultConfig()
	cfg.Device.ID = *deviceID
	cfg.Device.Site = *site
	cfg.Server.URL = *serverURL
	if err := cfg.Save(*out); err != nil {
		fmt.Fprintf(os.Stderr, "init: %v\n", err)
		return 1
	}

	fmt.Printf("Wrote %s\n", *out)
	fmt.Println("Set server.authSecret before starting the daemon.")
	return 0
}

// syncCommand runs a single sync pass and exits.
func syncCommand(configPath string) int {
	app, err := setup(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Setup failed: %v\n", err)
		return 1
	}
	defer app.Store.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	result, err := app.Engine.RunSync(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Sync failed: %v\n", err)
		return 1
	}

	fmt.Printf("Processed %d item(s): %d synced, %d conflicted, %d failed",
		result.Processed, result.Succeeded, result.Conflicted, result.Failed)
	if result.Quarantined > 0 {
		fmt.Printf(", %d quarantined", result.Quarantined)
	}
	fmt.Println()
	if result.Failed > 0 {
		return 1
	}
	return 0
}

// queueCommand prints queue depth by status.
func queueCommand(configPath string) int {
	app, err := setup(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Setup failed: %v\n", err)
		return 1
	}
	defer app.Store.Close()

	stats, err := app.Store.Stats(context.Background())
	if err != nil {
		fmt.Fprintf(os.Stderr, "Queue stats failed: %v\n", err)
		return 1
	}

	for _, status := range []queue.Status{
		queue.StatusPending, queue.StatusSynced, queue.StatusFailed,
		queue.StatusManual, queue.StatusQuarantined,
	} {
		fmt.Printf("%-12s %d\n", status, stats[status])
	}
	return 0
}

// parseLogLevel converts a string log level to slog.Level.
func parseLogLevel(level string) slog.Level {
	switch level {
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
