package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/lmittmann/tint"

	"github.com/marketpipe/orchestrator/internal/api"
	"github.com/marketpipe/orchestrator/internal/config"
	"github.com/marketpipe/orchestrator/internal/orchestrator"
	"github.com/marketpipe/orchestrator/internal/pipeline"
)

func main() {
	_ = godotenv.Load()
	slog.SetDefault(slog.New(tint.NewHandler(os.Stderr, &tint.Options{
		Level:      slog.LevelInfo,
		TimeFormat: time.TimeOnly,
	})))

	if len(os.Args) > 1 {
		switch os.Args[1] {
		case "serve":
			serve()
			return
		case "run":
			os.Exit(run())
		}
	}
	fmt.Println("marketpipe orchestrator")
	fmt.Println("Usage: orchestrator serve | orchestrator run")
}

// serve runs the long-lived orchestrator with the HTTP surface.
func serve() {
	cfg, err := config.LoadDefault()
	if err != nil {
		slog.Error("config error", "err", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	orch, err := orchestrator.New(ctx, cfg)
	if err != nil {
		slog.Error("orchestrator init failed", "err", err)
		os.Exit(1)
	}
	orch.Start(ctx)
	defer orch.Stop()

	srv := &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:           api.NewServer(orch).Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		slog.Info("starting orchestrator server", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server error", "err", err)
			stop()
		}
	}()

	<-ctx.Done()
	slog.Info("shutting down")
	shutCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutCtx); err != nil {
		slog.Warn("server shutdown", "err", err)
	}
}

// run executes one scheduled pipeline run as a standalone sibling process:
// no HTTP surface, exit code 0 on success, 1 otherwise. This is what the OS
// scheduler unit invokes.
func run() int {
	cfg, err := config.LoadDefault()
	if err != nil {
		slog.Error("config error", "err", err)
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	orch, err := orchestrator.New(ctx, cfg)
	if err != nil {
		slog.Error("orchestrator init failed", "err", err)
		return 1
	}
	orch.Start(ctx)
	defer orch.Stop()

	rc, err := orch.StartPipeline(ctx, orchestrator.StartOptions{Manual: false})
	if err != nil {
		var blocked *orchestrator.BlockedError
		if errors.As(err, &blocked) {
			slog.Warn("scheduled run blocked", "reason", blocked.Decision.Reason)
			return 1
		}
		slog.Error("scheduled run failed to start", "err", err)
		return 1
	}
	orch.NotifyScheduledRun(rc.RunID)

	if err := orch.Wait(ctx); err != nil {
		slog.Error("scheduled run interrupted", "err", err)
		return 1
	}

	sum, err := orch.History().GetRun(rc.RunID)
	if err != nil || sum.Result != pipeline.ResultSuccess {
		if err != nil {
			slog.Error("run summary missing", "run_id", rc.RunID, "err", err)
		} else {
			slog.Error("scheduled run did not succeed",
				"run_id", rc.RunID, "result", sum.Result, "reason", sum.FailureReason)
		}
		return 1
	}
	slog.Info("scheduled run succeeded", "run_id", rc.RunID)
	return 0
}
