package coordinator

import (
	"context"
	"log/slog"
	"time"

	"github.com/orrn/labelfleet/internal/clock"
	"github.com/orrn/labelfleet/internal/job"
	"github.com/orrn/labelfleet/internal/notify"
	"github.com/orrn/labelfleet/internal/retry"
	"github.com/orrn/labelfleet/internal/store"
)

type ScannerConfig struct {
	RetrySweepInterval  time.Duration
	ExpirySweepInterval time.Duration
}

// Scanner runs the background sweeps: failed jobs whose backoff has
// elapsed go back to the queue, jobs over the age ceiling are expired,
// and devices with stopped heartbeats are demoted.
type Scanner struct {
	cfg      ScannerConfig
	repo     store.JobRepository
	policy   *retry.Policy
	tracker  *Tracker
	clk      clock.Clock
	logger   *slog.Logger
	metrics  *Metrics
	notifier *notify.Notifier
}

func NewScanner(cfg ScannerConfig, repo store.JobRepository, policy *retry.Policy, tracker *Tracker, clk clock.Clock, metrics *Metrics, notifier *notify.Notifier, logger *slog.Logger) *Scanner {
	if cfg.RetrySweepInterval <= 0 {
		cfg.RetrySweepInterval = 30 * time.Second
	}
	if cfg.ExpirySweepInterval <= 0 {
		cfg.ExpirySweepInterval = time.Hour
	}
	return &Scanner{
		cfg:      cfg,
		repo:     repo,
		policy:   policy,
		tracker:  tracker,
		clk:      clk,
		logger:   logger,
		metrics:  metrics,
		notifier: notifier,
	}
}

// Run blocks until ctx is cancelled.
func (s *Scanner) Run(ctx context.Context) {
	retryTicker := s.clk.NewTicker(s.cfg.RetrySweepInterval)
	defer retryTicker.Stop()
	expiryTicker := s.clk.NewTicker(s.cfg.ExpirySweepInterval)
	defer expiryTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-retryTicker.C():
			s.sweepRetries(ctx)
			s.sweepStale(ctx)
		case <-expiryTicker.C():
			s.sweepExpired(ctx)
		}
	}
}

func (s *Scanner) sweepRetries(ctx context.Context) {
	candidates, err := s.repo.ListRetryCandidates(ctx)
	if err != nil {
		s.logger.Error("retry sweep: listing failed jobs", "error", err)
		return
	}

	now := s.clk.Now()
	for _, j := range candidates {
		if retry.Expired(j, now) {
			s.expire(ctx, j)
			continue
		}
		if !s.policy.ShouldRetry(j) {
			// Schedule exhausted; the job holds its failed state with
			// the error kind until the age sweep expires it.
			continue
		}
		if !s.policy.ReadyForRetry(j, now) {
			continue
		}
		if err := s.repo.UpdateStatus(ctx, j.ID, job.StatusQueued); err != nil {
			s.logger.Error("retry sweep: requeue failed", "job_id", j.ID, "error", err)
			continue
		}
		s.logger.Info("job requeued for retry",
			"job_id", j.ID, "device_id", j.DeviceID,
			"retry_count", j.RetryCount, "error_kind", j.ErrorKind)
		if s.metrics != nil {
			s.metrics.jobsRequeued.Inc()
		}
	}
}

func (s *Scanner) sweepExpired(ctx context.Context) {
	cutoff := s.clk.Now().Add(-retry.MaxJobAge)
	candidates, err := s.repo.ListExpiryCandidates(ctx, cutoff)
	if err != nil {
		s.logger.Error("expiry sweep: listing jobs", "error", err)
		return
	}
	for _, j := range candidates {
		s.expire(ctx, j)
	}
}

func (s *Scanner) expire(ctx context.Context, j *job.Job) {
	if err := s.repo.UpdateStatus(ctx, j.ID, job.StatusExpired); err != nil {
		s.logger.Error("expiry: update failed", "job_id", j.ID, "error", err)
		return
	}
	s.logger.Warn("job expired", "job_id", j.ID, "device_id", j.DeviceID, "age", s.clk.Now().Sub(j.CreatedAt))
	if s.metrics != nil {
		s.metrics.jobsExpired.Inc()
	}
	s.notifier.Publish(notify.EventJobExpired, notify.JobEventData{
		JobID:      j.ID,
		DeviceID:   j.DeviceID,
		ErrorKind:  string(j.ErrorKind),
		RetryCount: j.RetryCount,
	})
}

func (s *Scanner) sweepStale(ctx context.Context) {
	for _, id := range s.tracker.SweepStale() {
		s.logger.Warn("device heartbeat stale, marking unreachable", "device_id", id)
		s.notifier.Publish(notify.EventDeviceLost, notify.DeviceEventData{DeviceID: id})
		failInFlight(ctx, s.repo, id, s.clk.Now(), s.metrics, s.notifier, s.logger)
	}
}
