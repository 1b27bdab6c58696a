package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"

	"integrationcore/internal/api"
	"integrationcore/internal/clock"
	"integrationcore/internal/config"
	"integrationcore/internal/entry"
	"integrationcore/internal/mqtt"
	"integrationcore/internal/registry"
	"integrationcore/internal/state"
	"integrationcore/internal/store"
	"integrationcore/pkg/integration"

	_ "integrationcore/internal/integrations/camera"
	_ "integrationcore/internal/integrations/mediaserver"

	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

func main() {
	app := &cli.App{
		Name:   "integrationcore",
		Usage:  "polls and controls devices through config entries and publishes their state",
		Action: runCommand,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				EnvVars: []string{"CONFIG_FILE"},
				Value:   "config.yaml",
			},
			&cli.StringSliceFlag{
				Name:    "env-file",
				EnvVars: []string{"ENV_FILE"},
				Value:   cli.NewStringSlice(".env"),
			},
			&cli.StringFlag{
				Name:    "log-level",
				EnvVars: []string{"LOG_LEVEL"},
			},
			&cli.IntFlag{
				Name:    "port",
				EnvVars: []string{"PORT"},
			},
			&cli.StringFlag{
				Name:    "storage",
				EnvVars: []string{"STORAGE_PATH"},
			},
		},
		Commands: []*cli.Command{
			{
				Name:   "check",
				Usage:  "validate the configuration and list its config entries",
				Action: checkCommand,
			},
			{
				Name:   "integrations",
				Usage:  "list the compiled-in integrations",
				Action: integrationsCommand,
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
}

// loadConfig applies flags on top of file and environment.
func loadConfig(c *cli.Context, logger *zap.Logger) (*config.Config, error) {
	loader := config.NewLoader(c.String("config"), logger)
	loader.DotEnv = c.StringSlice("env-file")
	cfg, err := loader.Load()
	if err != nil {
		return nil, err
	}

	if c.IsSet("log-level") {
		cfg.LogLevel = c.String("log-level")
	}
	if c.IsSet("port") {
		cfg.Port = c.Int("port")
	}
	if c.IsSet("storage") {
		cfg.StoragePath = c.String("storage")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func newLogger(level string) (*zap.Logger, error) {
	logCfg := zap.NewProductionConfig()
	lvl, err := zap.ParseAtomicLevel(level)
	if err != nil {
		return nil, err
	}
	logCfg.Level = lvl
	logCfg.OutputPaths = []string{"stdout"}
	logCfg.ErrorOutputPaths = []string{"stderr"}
	logCfg.Sampling = nil
	return logCfg.Build(zap.AddCaller(), zap.AddStacktrace(zap.ErrorLevel))
}

func runCommand(c *cli.Context) error {
	cfg, err := loadConfig(c, nil)
	if err != nil {
		return err
	}

	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer func() {
		_ = logger.Sync()
	}()
	zap.ReplaceGlobals(logger)

	ctx, stop := signal.NotifyContext(c.Context, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	return run(ctx, cfg, logger)
}

func run(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	logger.Info("Starting integration core",
		zap.Int("port", cfg.Port),
		zap.String("storage", cfg.StoragePath),
		zap.Strings("integrations", integration.Domains()))

	kv, err := store.OpenSQLite(cfg.StoragePath)
	if err != nil {
		return err
	}
	defer kv.Close()

	entities, err := registry.NewEntityRegistry(ctx, kv, logger)
	if err != nil {
		return fmt.Errorf("failed to load entity registry: %w", err)
	}
	devices, err := registry.NewDeviceRegistry(ctx, kv, logger)
	if err != nil {
		return fmt.Errorf("failed to load device registry: %w", err)
	}

	clk := clock.NewReal()
	states := state.NewStore(clk, logger)

	policy := cfg.Commands.Policy()
	policy.Logger = logger
	svc := entry.Services{
		Entities: entities,
		Devices:  devices,
		States:   states,
		Policy:   policy,
		Clock:    clk,
		Logger:   logger,
		OnReauth: func(e *entry.Entry, err error) {
			logger.Warn("Config entry needs new credentials",
				zap.String("entry_id", e.ID()),
				zap.String("domain", e.Domain()),
				zap.Error(err))
		},
	}

	if cfg.MQTT.Enabled() {
		bridge, err := mqtt.Connect(ctx, cfg.MQTT, logger)
		if err != nil {
			return fmt.Errorf("failed to connect to MQTT broker: %w", err)
		}
		defer bridge.Close()
		svc.MQTT = bridge

		publisher := mqtt.NewStatePublisher(bridge, entities, devices, states, mqtt.PublisherOptions{
			DiscoveryPrefix: cfg.MQTT.DiscoveryPrefix,
			StatePrefix:     cfg.MQTT.StatePrefix,
			Logger:          logger,
		})
		publisher.Start()
		defer publisher.Stop()
	}

	manager := entry.NewManager(svc, integration.Resolve)
	for _, ec := range integration.SortEntries(cfg.Entries) {
		if _, err := manager.Add(ec); err != nil {
			logger.Error("Skipping config entry", zap.String("entry_id", ec.ID), zap.Error(err))
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return api.NewServer(manager, states, logger, cfg.Addr()).Run(gctx)
	})
	g.Go(func() error {
		if err := manager.SetupAll(gctx); err != nil {
			logger.Warn("Some config entries did not load", zap.Error(err))
		}
		return nil
	})

	err = g.Wait()

	logger.Info("Shutting down gracefully...")
	unloadCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if uerr := manager.UnloadAll(unloadCtx); uerr != nil {
		logger.Error("Failed to unload config entries", zap.Error(uerr))
	}

	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func checkCommand(c *cli.Context) error {
	cfg, err := loadConfig(c, zap.NewNop())
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(c.App.Writer, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tDOMAIN\tTITLE\tINTEGRATION")
	var unknown int
	for _, ec := range integration.SortEntries(cfg.Entries) {
		name := "unknown"
		if info := integration.Get(ec.Domain); info != nil {
			name = info.Name
		} else {
			unknown++
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", ec.ID, ec.Domain, ec.Title, name)
	}
	if err := w.Flush(); err != nil {
		return err
	}
	if unknown > 0 {
		return fmt.Errorf("%d config entries use an unknown domain", unknown)
	}
	return nil
}

func integrationsCommand(c *cli.Context) error {
	w := tabwriter.NewWriter(c.App.Writer, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "DOMAIN\tNAME\tDESCRIPTION")
	for _, info := range integration.List() {
		fmt.Fprintf(w, "%s\t%s\t%s\n", info.Domain, info.Name, info.Description)
	}
	return w.Flush()
}
