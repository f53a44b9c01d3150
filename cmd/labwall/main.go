package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/labwall/labwall/internal/api"
	"github.com/labwall/labwall/internal/backend"
	"github.com/labwall/labwall/internal/config"
	"github.com/labwall/labwall/internal/host"
	"github.com/labwall/labwall/internal/logging"
	"github.com/labwall/labwall/internal/manager"
	"github.com/labwall/labwall/internal/notifier"
	"github.com/labwall/labwall/internal/store"
	"github.com/labwall/labwall/internal/version"
	"github.com/rs/zerolog"
)

func main() {
	configPath := flag.String("config", "", "Path to labwall.yaml (optional; LABWALL_* variables also apply)")
	logLevel := flag.String("log-level", "", "Override log level (debug, info, warn, error)")
	once := flag.Bool("once", false, "Run a single reconciliation pass and exit")
	showVersion := flag.Bool("version", false, "Print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println(version.Get().String())
		return
	}

	bootLogger := zerolog.New(os.Stderr).With().Timestamp().Logger()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		bootLogger.Fatal().
			Err(err).
			Str("config_path", *configPath).
			Msg("Failed to load configuration")
	}
	if *logLevel != "" {
		cfg.Logging.Level = *logLevel
	}

	logBuffer := logging.NewBuffer(cfg.Logging.BufferSize)
	logger, closeLogs, err := logging.New(cfg.Logging, logBuffer)
	if err != nil {
		bootLogger.Fatal().Err(err).Msg("Failed to set up logging")
	}
	defer func() { _ = closeLogs() }()

	info := version.Get()
	logger.Info().
		Str("version", info.Version).
		Str("commit", info.Commit).
		Msg("Starting labwall")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	st, err := store.Open(ctx, cfg.Store.DSN)
	if err != nil {
		logger.Fatal().
			Err(err).
			Msg("Failed to open alert store")
	}
	defer func() {
		if err := st.Close(); err != nil {
			logger.Warn().Err(err).Msg("Error closing alert store")
		}
	}()

	client, err := backend.NewClient(cfg.Backend.URL,
		backend.WithToken(cfg.Backend.Token),
		backend.WithTimeout(cfg.Backend.Timeout),
		backend.WithNamespace(cfg.Backend.Namespace),
		backend.WithLogger(logger),
	)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to create backend client")
	}

	if reply, err := client.Probe(ctx); err != nil {
		logger.Warn().
			Err(err).
			Str("url", client.URL("get_example")).
			Msg("The labwall server extension appears to be missing")
	} else {
		logger.Info().
			Str("reply", reply).
			Msg("Server extension reachable")
	}

	hub := host.NewHub(logger)

	var n manager.Notifier
	if cfg.Notifier.IsEnabled() {
		n = notifier.NewNotifier(hub, notifier.Config{
			RatePerSec:  cfg.Notifier.RatePerSec,
			Burst:       cfg.Notifier.Burst,
			AppriseURL:  cfg.Notifier.AppriseURL,
			AppriseURLs: cfg.Notifier.AppriseURLs,
		}, logger)
	}

	mgr := manager.New(client, st, hub, n, logger, manager.Options{
		BaseInterval: cfg.Poll.Interval,
		Jitter:       cfg.Poll.Jitter,
		Keys:         store.KeysFor(cfg.Store.KeyPrefix),
		Triggers:     triggersOrDefault(cfg.Triggers),
	})
	hub.OnAction(mgr.HandleAction)
	hub.OnConnect(mgr.Backfill)

	if *once {
		mgr.Reconcile(ctx)
		active, dismissed, err := mgr.Snapshot(ctx)
		if err != nil {
			logger.Error().Err(err).Msg("Failed to read alert sets")
			return
		}
		logger.Info().
			Int("active", len(active)).
			Int("dismissed", len(dismissed)).
			Msg("Single pass complete")
		return
	}

	if err := mgr.StartWatching(ctx); err != nil {
		logger.Fatal().Err(err).Msg("Failed to start poll loop")
	}

	apiServer := api.NewServer(mgr, hub, logger, cfg.API.Listen)
	apiServer.SetLogBuffer(logBuffer)
	go func() {
		if err := apiServer.Start(); err != nil {
			logger.Error().
				Err(err).
				Msg("API server error")
			cancel()
		}
	}()

	if *configPath != "" {
		go func() {
			err := config.Watch(ctx, *configPath, logger, func(next *config.Config) {
				_, _ = daemon.SdNotify(false, daemon.SdNotifyReloading)
				if *logLevel == "" {
					if err := logging.SetLevel(next.Logging.Level); err != nil {
						logger.Warn().Err(err).Msg("Keeping previous log level")
					}
				}
				mgr.SetTriggers(triggersOrDefault(next.Triggers))
				logger.Info().
					Str("level", zerolog.GlobalLevel().String()).
					Int("triggers", len(mgr.Triggers())).
					Msg("Applied reloaded configuration")
				_, _ = daemon.SdNotify(false, daemon.SdNotifyReady)
			})
			if err != nil {
				logger.Warn().
					Err(err).
					Str("config_path", *configPath).
					Msg("Config watching disabled")
			}
		}()
	}

	if ok, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
		logger.Warn().Err(err).Msg("Failed to notify systemd")
	} else if ok {
		logger.Debug().Msg("Notified systemd of readiness")
	}

	logger.Info().
		Str("address", cfg.API.Listen).
		Msg("labwall running, press Ctrl+C to stop")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	select {
	case <-sigChan:
	case <-ctx.Done():
	}

	logger.Info().Msg("Shutting down...")
	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)

	mgr.Stop()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := apiServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("API server shutdown error")
	}
	hub.Close()
	cancel()

	logger.Info().Msg("labwall stopped")
}

func triggersOrDefault(ids []string) []string {
	if len(ids) == 0 {
		return manager.DefaultTriggers
	}
	return ids
}
