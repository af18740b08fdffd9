package worker

import (
	"context"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// Reconciler is the part of the order manager the sweeper drives.
type Reconciler interface {
	ExpireOverdue(ctx context.Context) (int, error)
	ResumePolling(ctx context.Context) (int, error)
}

// Sweeper periodically expires overdue orders and restarts poll loops that
// were lost, for example after a process restart.
type Sweeper struct {
	cron     *cron.Cron
	rec      Reconciler
	logger   *slog.Logger
	schedule string
	timeout  time.Duration
}

func NewSweeper(rec Reconciler, schedule string, logger *slog.Logger) *Sweeper {
	cronLogger := cron.PrintfLogger(slog.NewLogLogger(logger.Handler(), slog.LevelInfo))
	return &Sweeper{
		cron:     cron.New(cron.WithChain(cron.Recover(cronLogger), cron.SkipIfStillRunning(cronLogger))),
		rec:      rec,
		logger:   logger,
		schedule: schedule,
		timeout:  30 * time.Second,
	}
}

// Start runs one sweep right away and then follows the schedule.
func (s *Sweeper) Start() error {
	if _, err := s.cron.AddFunc(s.schedule, s.RunOnce); err != nil {
		return err
	}
	s.logger.Info("scheduled order sweep", "schedule", s.schedule)
	s.RunOnce()
	s.cron.Start()
	return nil
}

func (s *Sweeper) RunOnce() {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	expired, err := s.rec.ExpireOverdue(ctx)
	if err != nil {
		s.logger.Error("expire overdue orders failed", "error", err)
	}
	resumed, err := s.rec.ResumePolling(ctx)
	if err != nil {
		s.logger.Error("resume polling failed", "error", err)
	}
	if expired > 0 || resumed > 0 {
		s.logger.Info("order sweep", "expired", expired, "resumed", resumed)
	}
}

// Stop halts the schedule; the returned context is done once a running sweep finishes.
func (s *Sweeper) Stop() context.Context {
	return s.cron.Stop()
}
