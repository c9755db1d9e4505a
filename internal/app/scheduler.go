/**
 * @description
 * Cron scheduler setup for the transfer-service housekeeping jobs.
 */
package app

import (
	"context"
	"fmt"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// Scheduler manages the cron jobs.
type Scheduler struct {
	cron   *cron.Cron
	jobs   *Jobs
	logger *zap.Logger

	otpCleanupSchedule string
}

// NewScheduler creates a new scheduler instance.
func NewScheduler(jobs *Jobs, otpCleanupSchedule string, logger *zap.Logger) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.String("component", "scheduler"))
	cronLogger := cron.PrintfLogger(zap.NewStdLog(logger))
	c := cron.New(cron.WithChain(cron.Recover(cronLogger)))

	return &Scheduler{
		cron:               c,
		jobs:               jobs,
		logger:             logger,
		otpCleanupSchedule: otpCleanupSchedule,
	}
}

// Start registers the jobs and starts the cron scheduler.
func (s *Scheduler) Start() error {
	if _, err := s.cron.AddFunc(s.otpCleanupSchedule, s.jobs.PurgeStaleOtpChallenges); err != nil {
		s.logger.Error("failed to schedule otp cleanup job", zap.Error(err))
		return fmt.Errorf("schedule otp cleanup job: %w", err)
	}
	s.logger.Info("scheduled otp cleanup job", zap.String("schedule", s.otpCleanupSchedule))

	s.cron.Start()
	return nil
}

// Stop gracefully stops the cron scheduler. The returned context is done once running jobs finish.
func (s *Scheduler) Stop() context.Context {
	return s.cron.Stop()
}
