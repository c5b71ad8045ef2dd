package main

import (
	"context"
	"fmt"
	"log"
	"net"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/fieldpunch/agent/internal/config"
	"github.com/fieldpunch/agent/internal/db"
	"github.com/fieldpunch/agent/internal/httpapi"
	"github.com/fieldpunch/agent/internal/punch/gate"
	"github.com/fieldpunch/agent/internal/punch/service"
	"github.com/fieldpunch/agent/internal/punch/store/sqlite"
	"github.com/fieldpunch/agent/internal/remote"
)

func newRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the agent: local API, durable queue, and sync worker",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runAgent(cmd.Context())
		},
	}
}

func runAgent(parent context.Context) error {
	cfg, err := config.FromEnv()
	if err != nil {
		return err
	}
	logger := log.New(os.Stdout, "fieldpunch-agent ", log.LstdFlags|log.LUTC)

	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	sqlDB, err := db.Open(ctx, db.Config{Path: cfg.DBPath, Env: cfg.Env})
	if err != nil {
		return err
	}
	defer sqlDB.Close()

	if cfg.Env == "dev" {
		if err := db.SeedDev(ctx, sqlDB, db.SeedDevOptions{}); err != nil {
			logger.Printf("dev seed: %v", err)
		}
	}

	writer := db.NewWorker(sqlDB)
	defer writer.Close()

	queueStore := sqlite.NewQueueStore(sqlDB, writer)
	sessionStore := sqlite.NewSessionStore(sqlDB, writer)
	cursorStore := sqlite.NewCursorStore(sqlDB, writer)

	netGate := gate.New()

	remoteClient := remote.New(cfg.RemoteURL, cfg.RemoteTimeout(), logger)

	syncer := service.NewSyncer(queueStore, sessionStore, cursorStore, remoteClient, netGate, service.SyncerConfig{
		PollInterval: cfg.SyncPollInterval(),
	}, logger)

	punchSvc := service.NewPunchService(queueStore, sessionStore, cursorStore, netGate, syncer.Trigger)

	archiver := service.NewArchiver(sessionStore, service.ArchiverConfig{
		RetentionDays: cfg.RetentionDays,
		IntervalHours: cfg.ArchiveIntervalHours,
	}, logger)

	srv := httpapi.NewServer(httpapi.Dependencies{
		Logger: logger,
		Addr:   cfg.HTTPAddr,
		Punch:  punchSvc,
		Syncer: syncer,
		Gate:   netGate,
	})

	if err := syncer.Start(ctx); err != nil {
		return err
	}
	defer syncer.Stop()

	archiver.Start(ctx)
	defer archiver.Stop()

	if cfg.ProbeIntervalSec > 0 {
		addr, err := dialAddr(cfg.RemoteURL)
		if err != nil {
			return err
		}
		prober := gate.NewProber(netGate, gate.DialProbe(addr, cfg.RemoteTimeout()), cfg.ProbeInterval(), logger)
		prober.Start(ctx)
		defer prober.Stop()
	} else {
		// Without a prober the UI shell owns connectivity; assume online
		// until it reports otherwise so startup drains don't stall.
		netGate.SetReachable(true)
	}

	go func() {
		logger.Printf("listening on %s", cfg.HTTPAddr)
		if err := srv.Start(); err != nil {
			logger.Printf("server error: %v", err)
			stop()
		}
	}()

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// dialAddr turns the remote base URL into a host:port the TCP probe can dial.
func dialAddr(rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("remote url %q: %w", rawURL, err)
	}
	host := u.Host
	if u.Port() == "" {
		switch u.Scheme {
		case "https":
			host = net.JoinHostPort(u.Hostname(), "443")
		default:
			host = net.JoinHostPort(u.Hostname(), "80")
		}
	}
	return host, nil
}
