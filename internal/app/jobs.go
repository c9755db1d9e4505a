/**
 * @description
 * Scheduled job implementations for the transfer-service.
 */
package app

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// OtpChallengePurger deletes OTP challenges that can no longer be used.
type OtpChallengePurger interface {
	PurgeOtpChallenges(ctx context.Context, olderThan time.Time) (int64, error)
}

// Jobs contains the logic for all scheduled tasks.
type Jobs struct {
	repo      OtpChallengePurger
	clock     Clock
	logger    *zap.Logger
	retention time.Duration
	timeout   time.Duration
}

// NewJobs creates a new Jobs runner.
func NewJobs(repo OtpChallengePurger, retention time.Duration, clock Clock, logger *zap.Logger) *Jobs {
	if clock == nil {
		clock = SystemClock()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Jobs{
		repo:      repo,
		clock:     clock,
		logger:    logger.With(zap.String("component", "jobs")),
		retention: retention,
		timeout:   time.Minute,
	}
}

// PurgeStaleOtpChallenges removes challenges that expired, were used or were superseded
// longer ago than the retention window.
func (j *Jobs) PurgeStaleOtpChallenges() {
	j.logger.Info("starting otp challenge cleanup job")
	ctx, cancel := context.WithTimeout(context.Background(), j.timeout)
	defer cancel()

	cutoff := j.clock.Now().Add(-j.retention)
	purged, err := j.repo.PurgeOtpChallenges(ctx, cutoff)
	if err != nil {
		j.logger.Error("failed to purge otp challenges", zap.Error(err))
		return
	}

	j.logger.Info("otp challenge cleanup job finished", zap.Int64("purged", purged), zap.Time("cutoff", cutoff))
}
