package main

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"google.golang.org/grpc/health"

	"github.com/alfredjeanlab/eventpoller/internal/archive"
	"github.com/alfredjeanlab/eventpoller/internal/config"
	"github.com/alfredjeanlab/eventpoller/internal/poller"
	"github.com/alfredjeanlab/eventpoller/internal/server"
)

var serveCmd = &cobra.Command{
	Use:     "serve",
	Short:   "Run the tiered scheduler with the ops HTTP and gRPC health servers",
	GroupID: "system",
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		logger, err := newLogger(cfg.LogLevel, cfg.LogFormat, os.Stderr)
		if err != nil {
			return err
		}
		slog.SetDefault(logger)

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		// Connect to Postgres.
		store, err := openStore(cfg, logger)
		if err != nil {
			return err
		}

		client := newFeedClient(cfg)
		resolver, closeCache, err := newResolver(ctx, cfg, client, logger)
		if err != nil {
			store.Close()
			return err
		}
		publisher, err := newPublisher(cfg, logger)
		if err != nil {
			closeCache()
			store.Close()
			return err
		}

		cycle := newCycle(cfg, store, client, resolver, publisher, true, logger)
		scheduler := poller.NewScheduler(store, cycle, poller.SchedulerOptions{
			Tiers:      cfg.Tiers,
			Workers:    cfg.Workers,
			BatchLimit: cfg.BatchLimit,
			Lease:      cfg.Lease,
			Logger:     logger,
		})

		// gRPC health follows the scheduler.
		healthServer := health.NewServer()
		reporter := server.NewHealthReporter(healthServer, scheduler)
		grpcServer := server.NewGRPCServer(healthServer, logger)

		lis, err := net.Listen("tcp", cfg.GRPCAddr)
		if err != nil {
			publisher.Close()
			closeCache()
			store.Close()
			return err
		}
		go func() {
			logger.Info("gRPC server listening", "addr", cfg.GRPCAddr)
			if err := grpcServer.Serve(lis); err != nil {
				logger.Error("gRPC server error", "err", err)
			}
		}()

		ops := server.NewOpsServer(store, scheduler, logger)
		httpServer := &http.Server{
			Addr:              cfg.HTTPAddr,
			Handler:           ops.NewHTTPHandler(cfg.OpsToken),
			ReadHeaderTimeout: 10 * time.Second,
		}
		go func() {
			logger.Info("HTTP server listening", "addr", cfg.HTTPAddr)
			if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("HTTP server error", "err", err)
			}
		}()

		scheduler.Start(ctx)
		healthCtx, stopHealth := context.WithCancel(ctx)
		healthDone := make(chan struct{})
		go func() {
			defer close(healthDone)
			reporter.Run(healthCtx, 5*time.Second)
		}()

		var archiver *archive.Scheduler
		if cfg.ArchiveEnabled() {
			dest, err := archive.NewS3Destination(ctx, cfg.ArchiveS3Bucket, cfg.ArchiveS3Region, cfg.ArchiveS3Endpoint)
			if err != nil {
				logger.Error("failed to create S3 archive destination", "err", err)
			} else {
				archiver = archive.NewScheduler(store, dest, cfg.ArchiveS3Prefix, cfg.ArchiveInterval, logger)
				archiver.Start(ctx)
				logger.Info("event archive enabled", "bucket", cfg.ArchiveS3Bucket, "prefix", cfg.ArchiveS3Prefix, "interval", cfg.ArchiveInterval)
			}
		}

		logger.Info("poller started",
			"grpc_addr", cfg.GRPCAddr,
			"http_addr", cfg.HTTPAddr,
			"workers", cfg.Workers,
			"queue", cfg.QueueDriver,
		)

		// Wait for SIGINT or SIGTERM.
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		sig := <-sigCh
		logger.Info("received signal, shutting down", "signal", sig)

		// Stop claiming new work first; in-flight cycles finish before the
		// publisher and store close.
		stopHealth()
		<-healthDone
		scheduler.Stop()

		if archiver != nil {
			archiver.Stop()
			logger.Info("event archive stopped")
		}

		grpcServer.GracefulStop()
		logger.Info("gRPC server stopped")

		shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancelShutdown()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("HTTP server shutdown error", "err", err)
		}
		logger.Info("HTTP server stopped")

		if err := publisher.Close(); err != nil {
			logger.Error("error closing publisher", "err", err)
		}
		closeCache()
		if err := store.Close(); err != nil {
			logger.Error("error closing store", "err", err)
		}

		logger.Info("shutdown complete")
		return nil
	},
}
