package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"harvestd/internal/adapters/docker"
	"harvestd/internal/adapters/dockercli"
	httpadapter "harvestd/internal/adapters/http"
	"harvestd/internal/adapters/postgres"
	"harvestd/internal/adapters/sqlite"
	"harvestd/internal/config"
	"harvestd/internal/ports"
	"harvestd/internal/services/scanner"
	"harvestd/internal/workers/scanrunner"
)

// shutdownTimeout leaves room for in-flight scans to record their outcome.
const shutdownTimeout = 45 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "run the HTTP API and scan workers (default)",
	RunE:  doServe,
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "apply database migrations and exit",
	RunE: func(cmd *cobra.Command, args []string) error {
		_, closeStore, err := openStore(cmd.Context())
		if err != nil {
			return err
		}
		logger.Info("database is up to date")
		return closeStore.Close()
	},
}

type scanStore interface {
	ports.ScanRepository
	io.Closer
}

// openStore opens the store selected by DATABASE_URL and applies pending
// migrations.
func openStore(ctx context.Context) (ports.ScanRepository, io.Closer, error) {
	var (
		store scanStore
		err   error
	)
	if cfg.UsesPostgres() {
		store, err = postgres.Connect(ctx, cfg.DatabaseURL, logger)
	} else {
		store, err = sqlite.Open(ctx, cfg.DatabaseURL, logger)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("opening store: %w", err)
	}
	return store, store, nil
}

func newExecutor() (ports.Executor, func(), error) {
	h := cfg.Harvester
	switch h.Driver {
	case config.DriverCLI:
		logger.Info("using container cli executor", "binary", h.CLI)
		return dockercli.New(dockercli.Options{
			Binary:   h.CLI,
			Timeout:  h.Timeout,
			MemoryMB: h.MemoryMB,
			CPUs:     h.CPUs,
		}, logger), func() {}, nil
	default:
		exec, err := docker.New(docker.Options{
			Timeout:  h.Timeout,
			MemoryMB: h.MemoryMB,
			CPUs:     h.CPUs,
		}, logger)
		if err != nil {
			return nil, nil, err
		}
		logger.Info("using docker engine executor")
		return exec, func() { _ = exec.Close() }, nil
	}
}

func doServe(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, closeStore, err := openStore(ctx)
	if err != nil {
		return err
	}
	defer closeStore.Close()

	exec, closeExec, err := newExecutor()
	if err != nil {
		return err
	}
	defer closeExec()

	runner := scanrunner.New(cfg.ScanWorkers, logger)
	svc := scanner.New(store, exec, runner, scanner.Options{
		Image:       cfg.Harvester.Image,
		Providers:   cfg.Harvester.Providers,
		ResultsDir:  cfg.Harvester.ResultsDir,
		OutputMount: cfg.Harvester.OutputMount,
	}, logger)

	// Jobs from a previous process are not tracked by this one.
	if _, err := svc.RecoverOrphans(ctx); err != nil {
		return err
	}

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           httpadapter.New(svc, httpadapter.Options{AllowedOrigins: cfg.CORSAllowedOrigins}, logger).Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("listening", "addr", cfg.ListenAddr, "scan_workers", cfg.ScanWorkers)
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		err := srv.Shutdown(shutdownCtx)
		pending, running := runner.Stats()
		logger.Info("stopping scans", "pending", pending, "running", running)
		return errors.Join(err, runner.Shutdown(shutdownCtx))
	})
	return g.Wait()
}
