package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"strconv"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gofrs/flock"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/hera-team/librarian/internal/catalog"
	"github.com/hera-team/librarian/internal/config"
	"github.com/hera-team/librarian/internal/logging"
	"github.com/hera-team/librarian/internal/monitor"
	"github.com/hera-team/librarian/internal/obsid"
	"github.com/hera-team/librarian/internal/offload"
	"github.com/hera-team/librarian/internal/replication"
	"github.com/hera-team/librarian/internal/rpc"
	"github.com/hera-team/librarian/internal/staging"
	"github.com/hera-team/librarian/internal/store"
	"github.com/hera-team/librarian/internal/tasks"
)

// drainTimeout bounds how long shutdown waits for running tasks.
const drainTimeout = 60 * time.Second

func serveCmd(cfgPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the librarian server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*cfgPath)
			if err != nil {
				return err
			}
			logger := logging.New(logging.ParseLevel(cfg.LogLevel), cfg.LogFile)
			return runServer(cmd.Context(), cfg, logger)
		},
	}
}

func runServer(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	// The process holding the primary lock runs the background engines;
	// extra processes against the same database serve requests only.
	lock := flock.New(cfg.DatabasePath + ".lock")
	isPrimary, err := lock.TryLock()
	if err != nil {
		return fmt.Errorf("failed to probe primary lock: %w", err)
	}
	if isPrimary {
		defer lock.Unlock()
	} else {
		logger.Info("another process holds the primary lock; background engines idle")
	}

	cat, err := catalog.Open(ctx, cfg.DatabasePath, logger)
	if err != nil {
		return err
	}
	defer cat.Close()

	for name, sc := range cfg.AddStores {
		available := true
		if sc.Available != nil {
			available = *sc.Available
		}
		st := &catalog.Store{
			Name:       name,
			PathPrefix: sc.PathPrefix,
			SSHHost:    sc.SSHHost,
			HTTPPrefix: sc.HTTPPrefix,
			Available:  available,
		}
		if _, err := cat.EnsureStore(ctx, st); err != nil {
			return fmt.Errorf("failed to add store %q: %w", name, err)
		}
	}

	reg := store.NewRegistry(logger)
	stores, err := cat.ListStores(ctx, false)
	if err != nil {
		return err
	}
	for _, st := range stores {
		reg.Add(st)
	}

	mgr := tasks.New(cfg.NWorkerThreads, logger)
	mgr.Start(ctx)

	// standing_order_mode may be flipped by editing the config file while
	// the server runs.
	var orderMode atomic.Value
	orderMode.Store(cfg.StandingOrderMode)
	stopWatch, err := config.Watch(cfg, logger, func(mode string) {
		orderMode.Store(mode)
	})
	if err != nil {
		logger.Warn("config watch unavailable", "error", err)
	} else {
		defer stopWatch()
	}

	engine := replication.New(cat, reg, mgr,
		replication.NewTransport(cfg.Connections, cfg.Globus, logger),
		func() replication.Mode { return replication.Mode(orderMode.Load().(string)) },
		logger,
		replication.WithPrimaryCheck(func() bool { return isPrimary }))
	if err := engine.Start(); err != nil {
		return err
	}
	defer engine.Stop()

	var stager *staging.Stager
	if cfg.LocalDiskStaging != nil {
		stager = staging.New(cfg.LocalDiskStaging, cat, mgr, logger)
	}

	var reporter *monitor.Reporter
	if cfg.ReportToMandC {
		reporter, err = monitor.New(mgr, reg, engine, logger)
		if err != nil {
			return fmt.Errorf("failed to start monitor reporting: %w", err)
		}
	}

	srv := rpc.New(rpc.Deps{
		Config:      cfg,
		Catalog:     cat,
		Stores:      reg,
		Tasks:       mgr,
		Replication: engine,
		Offload:     offload.New(cat, reg, mgr, logger),
		Staging:     stager,
		Obsid:       obsid.New(cfg.ObsidInferenceMode, cat),
	}, logger)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		addr := net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port))
		if err := srv.Start(gctx, addr); err != nil {
			return err
		}
		<-gctx.Done()
		return nil
	})
	g.Go(func() error {
		// Catch up on standing orders that matched while we were down.
		engine.QueueCheck()
		<-gctx.Done()
		return nil
	})

	logger.Info("librarian running", "database", cfg.DatabasePath, "primary", isPrimary)
	err = g.Wait()

	drainCtx, cancel := context.WithTimeout(context.Background(), drainTimeout)
	defer cancel()
	engine.Stop()
	if derr := mgr.Drain(drainCtx); derr != nil {
		logger.Warn("tasks did not drain cleanly", "error", derr)
	}
	if reporter != nil {
		if merr := reporter.Shutdown(drainCtx); merr != nil {
			logger.Warn("monitor shutdown incomplete", "error", merr)
		}
	}
	return err
}
