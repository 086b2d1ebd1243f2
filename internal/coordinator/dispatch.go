package coordinator

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/orrn/labelfleet/internal/clock"
	"github.com/orrn/labelfleet/internal/job"
	"github.com/orrn/labelfleet/internal/message"
	"github.com/orrn/labelfleet/internal/store"
)

type DispatcherConfig struct {
	Tick            time.Duration
	MinSendInterval time.Duration
	SendTimeout     time.Duration
}

// Dispatcher pulls the next eligible job for each reachable device and
// pushes it over the channel, one job per device per rate window.
type Dispatcher struct {
	cfg     DispatcherConfig
	repo    store.JobRepository
	tracker *Tracker
	channel message.Channel
	clk     clock.Clock
	logger  *slog.Logger
	metrics *Metrics

	mu         sync.Mutex
	lastSentTo map[string]time.Time
}

func NewDispatcher(cfg DispatcherConfig, repo store.JobRepository, tracker *Tracker, channel message.Channel, clk clock.Clock, metrics *Metrics, logger *slog.Logger) *Dispatcher {
	if cfg.Tick <= 0 {
		cfg.Tick = time.Second
	}
	if cfg.MinSendInterval < 0 {
		cfg.MinSendInterval = 0
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = 3 * time.Second
	}
	return &Dispatcher{
		cfg:        cfg,
		repo:       repo,
		tracker:    tracker,
		channel:    channel,
		clk:        clk,
		logger:     logger,
		metrics:    metrics,
		lastSentTo: make(map[string]time.Time),
	}
}

// Run blocks until ctx is cancelled, dispatching once per tick and
// immediately when a device becomes eligible.
func (d *Dispatcher) Run(ctx context.Context) {
	ticker := d.clk.NewTicker(d.cfg.Tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C():
			d.tick(ctx)
		case <-d.tracker.Eligible():
			d.tick(ctx)
		}
	}
}

func (d *Dispatcher) tick(ctx context.Context) {
	devices := d.tracker.Reachable()
	if d.metrics != nil {
		d.metrics.devicesReachable.Set(float64(len(devices)))
	}
	for _, deviceID := range devices {
		d.dispatchTo(ctx, deviceID)
	}
}

func (d *Dispatcher) dispatchTo(ctx context.Context, deviceID string) {
	now := d.clk.Now()

	d.mu.Lock()
	last, ok := d.lastSentTo[deviceID]
	d.mu.Unlock()
	if ok && now.Sub(last) < d.cfg.MinSendInterval {
		return
	}

	// One job in the Sent/Pending/Processing window per device.
	inFlight, err := d.repo.HasInFlight(ctx, deviceID)
	if err != nil {
		d.logger.Error("in-flight check failed", "device_id", deviceID, "error", err)
		return
	}
	if inFlight {
		return
	}

	j, err := d.repo.ClaimQueued(ctx, deviceID, now)
	if err != nil {
		d.logger.Error("claim failed", "device_id", deviceID, "error", err)
		return
	}
	if j == nil {
		return
	}

	d.mu.Lock()
	d.lastSentTo[deviceID] = now
	d.mu.Unlock()

	sendCtx, cancel := context.WithTimeout(ctx, d.cfg.SendTimeout)
	err = d.channel.Send(sendCtx, deviceID, message.TypePrintJob, message.PrintJobData{
		JobID:      j.ID,
		Content:    j.Content,
		ContentURL: j.ContentURL,
		Priority:   j.Priority,
	})
	cancel()

	if err != nil {
		// Pure transport failure: back to the queue, no retry charge.
		d.logger.Warn("send failed, reverting job to queued",
			"job_id", j.ID, "device_id", deviceID, "error", err)
		if revertErr := d.repo.UpdateStatus(ctx, j.ID, job.StatusQueued); revertErr != nil {
			d.logger.Error("failed to revert job", "job_id", j.ID, "error", revertErr)
		}
		if d.metrics != nil {
			d.metrics.dispatchReverted.Inc()
		}
		return
	}

	d.logger.Info("job dispatched", "job_id", j.ID, "device_id", deviceID, "priority", j.Priority)
	if d.metrics != nil {
		d.metrics.jobsDispatched.Inc()
	}
}
