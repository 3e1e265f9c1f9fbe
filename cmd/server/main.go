package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/urfave/cli/v3"

	"github.com/steam-nexus/backend/internal/catalog"
	"github.com/steam-nexus/backend/internal/config"
	"github.com/steam-nexus/backend/internal/manager"
	"github.com/steam-nexus/backend/internal/session"
	"github.com/steam-nexus/backend/internal/steam"
	"github.com/steam-nexus/backend/internal/ws"
)

func main() {
	cmd := &cli.Command{
		Name:  "steam-nexus",
		Usage: "Backend for Steam account sessions: login, Steam Guard challenges, license claiming",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Usage:   "path to config file",
				Value:   "config.yaml",
				Sources: cli.EnvVars("STEAM_NEXUS_CONFIG"),
			},
			&cli.IntFlag{
				Name:  "port",
				Usage: "override server port",
			},
			&cli.StringFlag{
				Name:    "log-level",
				Usage:   "log level (debug, info, warn, error)",
				Value:   "info",
				Sources: cli.EnvVars("STEAM_NEXUS_LOG_LEVEL"),
			},
			&cli.BoolFlag{
				Name:  "sim",
				Usage: "run against the embedded simulated Steam platform",
				Value: true,
			},
		},
		Action: run,
	}

	if err := cmd.Run(context.Background(), os.Args); err != nil {
		log.Fatal().Err(err).Msg("server exited")
	}
}

func run(ctx context.Context, cmd *cli.Command) error {
	if err := setupLogger(cmd.String("log-level")); err != nil {
		return err
	}

	cfgPath := cmd.String("config")
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if port := cmd.Int("port"); port > 0 {
		cfg.Server.Port = int(port)
	}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// The production Steam connector is injected at deploy time; this
	// binary ships only the simulated platform.
	if !cmd.Bool("sim") {
		return errors.New("no external steam connector is built into this binary; run with --sim")
	}
	platform := steam.NewPlatform(cfg.Sim.Accounts, cfg.Sim.FreePackages)
	log.Info().Int("accounts", len(cfg.Sim.Accounts)).Msg("simulated steam platform ready")

	store := session.NewStore(ctx, platform.NewClient)
	store.SetPumpInterval(cfg.Manager.PumpInterval)

	hub := ws.NewHub(store)
	host := manager.NewHost(store, hub, cfg.Manager.BroadcastInterval)
	go host.Run(ctx)

	// In sim mode the platform's own catalog is the source of truth for
	// free packages; the web API scanner still runs when enabled so the
	// real cache path is exercised end to end.
	var source ws.FreePackageSource = platform
	if cfg.Catalog.Enabled {
		scanner := catalog.NewWebAPI(catalog.WebAPIOptions{
			Key:               cfg.Catalog.APIKey,
			RequestsPerSecond: cfg.Catalog.RequestsPerSecond,
			ScanLimit:         cfg.Catalog.ScanLimit,
			AppListURL:        cfg.Catalog.AppListURL,
			AppDetailsURL:     cfg.Catalog.AppDetailsURL,
		})
		cache := catalog.NewCache(scanner, cfg.Catalog.RefreshInterval, cfg.Catalog.StartupDelay)
		go cache.Run(ctx)
		if len(cfg.Sim.FreePackages) == 0 {
			source = cache
		}
	}

	// Hot reload covers fields consulted after startup; server-level
	// settings (port, host, auth) require a restart.
	if err := config.Watch(ctx, cfgPath, func(next *config.Config) {
		store.SetPumpInterval(next.Manager.PumpInterval)
	}); err != nil {
		log.Warn().Err(err).Msg("config watch unavailable")
	}

	server := ws.NewServer(store, hub, source, cfg.Server.AllowedOrigins, cfg.Server.AuthToken)
	mux := http.NewServeMux()
	server.SetupRoutes(mux)

	err = ws.ListenAndServe(ctx, cfg.Server.Host, cfg.Server.Port, mux)
	store.StopAll()
	return err
}

func setupLogger(level string) error {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		return fmt.Errorf("invalid log level %q: %w", level, err)
	}
	zerolog.SetGlobalLevel(lvl)
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	return nil
}
