package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/me/gowe/internal/config"
	"github.com/me/gowe/internal/dispatcher"
	"github.com/me/gowe/internal/eventbus"
	"github.com/me/gowe/internal/logging"
	"github.com/me/gowe/internal/server"
)

func main() {
	cfg := config.DefaultServerConfig()

	flag.StringVar(&cfg.Addr, "addr", cfg.Addr, "Listen address")
	flag.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "Log level (debug, info, warn, error)")
	flag.StringVar(&cfg.LogFormat, "log-format", cfg.LogFormat, "Log format (text, json)")
	debug := flag.Bool("debug", false, "Shorthand for --log-level=debug")
	withLocalBackend := flag.Bool("local-backend", true, "Run a dispatcher.Worker against the local backend and expose it at /api/v1/dispatch/local/jobs")
	maxJobs := flag.Int("max-jobs", 4, "Maximum concurrently running jobs on the local backend")

	flag.Parse()

	if *debug {
		cfg.LogLevel = "debug"
	}

	logger := logging.NewLogger(logging.ParseLevel(cfg.LogLevel), cfg.LogFormat)

	var serverOpts []server.Option
	var worker *dispatcher.Worker
	if *withLocalBackend {
		bus := eventbus.New(logger)
		backend := dispatcher.NewLocalBackend()
		worker = dispatcher.NewWorker(backend, eventbus.DispatcherBus{Bus: bus}, dispatcher.Config{MaxJobs: *maxJobs}, logger)
		serverOpts = append(serverOpts, server.WithDispatchWorkers(map[string]*dispatcher.Worker{"local": worker}))
	}

	srv := server.New(cfg, logger, serverOpts...)

	httpServer := &http.Server{
		Addr:    cfg.Addr,
		Handler: srv.Handler(),
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if worker != nil {
		go worker.Start(ctx)
		defer worker.Stop()
	}

	go func() {
		logger.Info("server starting", "addr", cfg.Addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server failed", "error", err)
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		fmt.Fprintf(os.Stderr, "shutdown error: %v\n", err)
		os.Exit(1)
	}
	logger.Info("server stopped")
}
