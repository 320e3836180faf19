package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/packedrow/kernel/internal/applogging"
	"github.com/packedrow/kernel/internal/metrics"
	"github.com/packedrow/kernel/internal/persistence"
	"github.com/packedrow/kernel/internal/procedure"
	"github.com/packedrow/kernel/internal/queue"
	"github.com/packedrow/kernel/internal/runtime"
	"github.com/packedrow/kernel/internal/txn"
	"github.com/packedrow/kernel/internal/types"

	"github.com/packedrow/kernel/internal/httpapi"
)

func main() {
	port := flag.Int("port", 8080, "HTTP port to listen on")
	dataDir := flag.String("data-dir", "data", "directory holding schema.json and table .bin files")
	seqEndpoint := flag.String("seq-endpoint", "", "Seq ingestion endpoint; empty disables Seq logging")
	tickRate := flag.Int("tickrate", 100, "runtime loop ticks per second")
	maxRequestsPerTick := flag.Int("max-requests-per-tick", 64, "API requests drained per tick")
	persistenceIntervalTicks := flag.Int("persistence-interval-ticks", 500, "ticks between persistence flushes")
	queueCapacity := flag.Int("queue-capacity", 0, "request queue capacity; 0 defaults to tickrate*100")
	requestTimeoutMs := flag.Int("request-timeout-ms", 5000, "server-side deadline for a queued request")
	responseTimeoutMs := flag.Int("response-timeout-ms", 8000, "client-side ceiling while waiting for a reply")
	flag.Parse()

	logger, closeLogging := applogging.Setup(*seqEndpoint)
	defer closeLogging()
	slog.SetDefault(logger)
	slog.Info("starting kernel server", slog.Int("port", *port), slog.String("data_dir", *dataDir))

	registry := types.NewRegistry()

	cat, err := persistence.LoadCatalog(*dataDir, registry, logger)
	if err != nil {
		slog.Error("failed to load catalog", slog.Any("error", err))
		os.Exit(1)
	}

	engine := txn.New(cat)
	procRegistry := procedure.NewRegistry()
	executor := procedure.NewExecutor(procRegistry, engine, cat)

	zapLogger, err := zapLoggerFor(*dataDir)
	if err != nil {
		slog.Error("failed to build persistence logger", slog.Any("error", err))
		os.Exit(1)
	}
	defer zapLogger.Sync()

	persistWorker := persistence.NewWorker(*dataDir, cat, zapLogger, 16)
	go persistWorker.Run()
	defer persistWorker.Stop()

	rtMetrics, err := metrics.NewRuntime(logger, time.Second)
	if err != nil {
		slog.Error("failed to build runtime metrics", slog.Any("error", err))
		os.Exit(1)
	}
	defer rtMetrics.Shutdown(context.Background())

	if *queueCapacity <= 0 {
		*queueCapacity = *tickRate * 100
	}
	reqQueue := queue.New(*queueCapacity)

	loop := runtime.New(
		runtime.Config{
			TickRate:                 *tickRate,
			MaxRequestsPerTick:       *maxRequestsPerTick,
			PersistenceIntervalTicks: *persistenceIntervalTicks,
		},
		cat, engine, executor, persistWorker, reqQueue, rtMetrics, logger,
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		if err := loop.Run(ctx); err != nil && ctx.Err() == nil {
			slog.Error("runtime loop exited unexpectedly", slog.Any("error", err))
		}
	}()

	requestTimeout := time.Duration(*requestTimeoutMs) * time.Millisecond
	responseTimeout := time.Duration(*responseTimeoutMs) * time.Millisecond
	srv := httpapi.New(reqQueue, cat, logger, requestTimeout, responseTimeout)

	httpServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", *port),
		Handler: srv.Handler(),
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			slog.Error("http server shutdown error", slog.Any("error", err))
		}
	}()

	slog.Info("listening", slog.Int("port", *port))
	if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		slog.Error("http server failed", slog.Any("error", err))
		os.Exit(2)
	}

	slog.Info("flushing catalog before exit")
	done := make(chan error, 1)
	persistWorker.Enqueue(persistence.FlushCommand{Done: done})
	if err := <-done; err != nil {
		slog.Error("final flush failed", slog.Any("error", err))
		os.Exit(1)
	}

	slog.Info("shutdown complete")
}
