package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"RailCredit/internal/app"
	"RailCredit/internal/config"
	"RailCredit/internal/logging"
)

// The worker runs only the sweep: it expires overdue orders and resumes
// confirmation polling for awaiting orders, for example after an API restart.
func main() {
	configPath := flag.String("config", "", "path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("config load failed: %v", err)
	}
	logger := logging.New(cfg.Logging)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := app.Build(ctx, cfg, logger)
	if err != nil {
		logger.Error("startup failed", "error", err)
		os.Exit(1)
	}
	defer a.Close()

	if err := a.Sweeper.Start(); err != nil {
		logger.Error("sweeper start failed", "error", err, "schedule", cfg.Worker.SweepSchedule)
		os.Exit(1)
	}
	logger.Info("worker started", "schedule", cfg.Worker.SweepSchedule, "poll_interval", cfg.Worker.PollInterval())

	<-ctx.Done()
	<-a.Sweeper.Stop().Done()
	logger.Info("worker stopped")
}
