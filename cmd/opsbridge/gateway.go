package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	"github.com/mtzanidakis/opsbridge/internal/config"
	"github.com/mtzanidakis/opsbridge/internal/metrics"
	"github.com/mtzanidakis/opsbridge/internal/natsbus"
	"github.com/mtzanidakis/opsbridge/internal/runner"
	"github.com/mtzanidakis/opsbridge/internal/scheduler"
	"github.com/mtzanidakis/opsbridge/internal/store"
	"github.com/mtzanidakis/opsbridge/internal/telegram"
	"github.com/mtzanidakis/opsbridge/internal/vault"
	"github.com/mtzanidakis/opsbridge/internal/web"
)

const shutdownTimeout = 30 * time.Second

var gatewayCmd = &cobra.Command{
	Use:   "gateway",
	Short: "Start the bridge gateway service",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runGateway()
	},
}

func init() {
	rootCmd.AddCommand(gatewayCmd)
}

// openStore opens the SQLite store, sealing evidence when a vault
// passphrase is configured.
func openStore(cfg *config.Config) (*store.Store, error) {
	db, err := store.New(cfg.Store)
	if err != nil {
		return nil, fmt.Errorf("init store: %w", err)
	}
	if cfg.Vault.Passphrase != "" {
		v, err := vault.New(cfg.Vault.Passphrase)
		if err != nil {
			db.Close()
			return nil, fmt.Errorf("init vault: %w", err)
		}
		db.WithVault(v)
	}
	return db, nil
}

func runGateway() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	slog.Info("starting opsbridge gateway", "version", version)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// SQLite store
	db, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer db.Close()
	if n, err := db.MarkInterrupted(); err != nil {
		slog.Warn("mark interrupted operations", "error", err)
	} else if n > 0 {
		slog.Info("marked interrupted operations", "count", n)
	}
	slog.Info("store initialized", "path", cfg.Store.Path, "vault", cfg.Vault.Passphrase != "")

	// Embedded NATS
	bus, err := natsbus.New(cfg.NATS)
	if err != nil {
		return fmt.Errorf("init nats: %w", err)
	}
	defer bus.Close()
	slog.Info("nats started", "port", bus.Port())

	client, err := natsbus.NewClient(bus)
	if err != nil {
		return fmt.Errorf("connect nats: %w", err)
	}
	defer client.Close()

	// Prometheus
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	mc := metrics.MustNewCollectors(reg)

	// Operation manager
	mgr := runner.NewManager(cfg, client, db, mc)

	// Telegram bot and notifications
	if cfg.Telegram.Token != "" {
		bot, err := telegram.NewBot(cfg.Telegram, mgr)
		if err != nil {
			return fmt.Errorf("init telegram bot: %w", err)
		}
		mgr.AddSink(telegram.NewNotifier(bot, cfg.Telegram).Sink)
		go func() {
			if err := bot.Start(ctx); err != nil {
				slog.Error("telegram bot error", "error", err)
			}
		}()
		slog.Info("telegram bot started")
	} else {
		slog.Warn("telegram token not set, bot disabled")
	}

	if err := mgr.Listen(); err != nil {
		return fmt.Errorf("listen for operations: %w", err)
	}
	go mgr.StartIdleReaper(ctx)

	// Scheduled assessments
	sched, err := scheduler.New(cfg.Scheduler, cfg.Schedules, mgr, client)
	if err != nil {
		return fmt.Errorf("init scheduler: %w", err)
	}
	if len(cfg.Schedules) > 0 {
		go sched.Start(ctx)
	}

	// Web UI
	if cfg.Web.Enabled {
		srv := web.NewServer(db, client, mgr, reg, cfg.Web, version).WithSchedules(sched)
		go func() {
			if err := srv.Start(ctx); err != nil {
				slog.Error("web server error", "error", err)
			}
		}()
		slog.Info("web server started", "port", cfg.Web.Port)
	}

	// Wait for shutdown signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	slog.Info("shutting down", "signal", sig)
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()
	mgr.Shutdown(shutdownCtx)
	return nil
}
