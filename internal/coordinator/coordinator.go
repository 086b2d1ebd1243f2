package coordinator

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/orrn/labelfleet/internal/clock"
	"github.com/orrn/labelfleet/internal/config"
	"github.com/orrn/labelfleet/internal/job"
	"github.com/orrn/labelfleet/internal/message"
	"github.com/orrn/labelfleet/internal/notify"
	"github.com/orrn/labelfleet/internal/retry"
	"github.com/orrn/labelfleet/internal/store"
)

// Coordinator owns the fleet side: it accepts jobs, dispatches them to
// reachable devices, reconciles results reported back over the channel,
// and runs the retry/expiry sweeps.
type Coordinator struct {
	cfg      config.CoordinatorConfig
	repo     store.JobRepository
	devices  store.DeviceRegistry
	channel  message.Channel
	tracker  *Tracker
	policy   *retry.Policy
	clk      clock.Clock
	logger   *slog.Logger
	metrics  *Metrics
	notifier *notify.Notifier

	dispatcher *Dispatcher
	scanner    *Scanner

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(cfg config.CoordinatorConfig, repo store.JobRepository, devices store.DeviceRegistry, channel message.Channel, clk clock.Clock, metrics *Metrics, logger *slog.Logger) *Coordinator {
	tracker := NewTracker(clk, cfg.StaleAfter)
	policy := retry.Default()

	c := &Coordinator{
		cfg:     cfg,
		repo:    repo,
		devices: devices,
		channel: channel,
		tracker: tracker,
		policy:  policy,
		clk:     clk,
		logger:  logger,
		metrics: metrics,
		notifier: notify.New(notify.Config{
			URL:    cfg.Webhook.URL,
			Secret: cfg.Webhook.Secret,
		}, logger),
	}
	c.dispatcher = NewDispatcher(DispatcherConfig{
		Tick:            cfg.DispatchTick,
		MinSendInterval: cfg.MinSendInterval,
		SendTimeout:     cfg.SendTimeout,
	}, repo, tracker, channel, clk, metrics, logger)
	c.scanner = NewScanner(ScannerConfig{
		RetrySweepInterval:  cfg.RetrySweepInterval,
		ExpirySweepInterval: cfg.ExpirySweepInterval,
	}, repo, policy, tracker, clk, metrics, c.notifier, logger)

	c.wireChannel()
	return c
}

func (c *Coordinator) wireChannel() {
	mux := message.NewMux(func(_ context.Context, env message.Envelope) {
		c.logger.Warn("unhandled message type", "type", env.Type, "device_id", env.DeviceID)
	})
	mux.Handle(message.TypeJobComplete, c.handleJobComplete)
	mux.Handle(message.TypeJobStatus, c.handleJobStatus)
	mux.Handle(message.TypeStatus, c.handleStatus)
	mux.Handle(message.TypeMetrics, c.handleMetrics)
	mux.Handle(message.TypeLog, c.handleLog)
	mux.Handle(message.TypePong, c.handlePong)
	mux.Handle(message.TypeConfigRequest, c.handleConfigRequest)

	c.channel.OnMessage(mux.Dispatch)
	c.channel.OnConnect(func(deviceID string) {
		c.logger.Info("device connected", "device_id", deviceID)
		c.tracker.Connect(deviceID)
		c.touch(deviceID)
		c.notifier.Publish(notify.EventDeviceOnline, notify.DeviceEventData{DeviceID: deviceID})
	})
	c.channel.OnDisconnect(func(deviceID string) {
		c.logger.Info("device disconnected", "device_id", deviceID)
		c.tracker.Disconnect(deviceID)
		ctx, cancel := context.WithTimeout(context.Background(), c.cfg.SendTimeout)
		defer cancel()
		failInFlight(ctx, c.repo, deviceID, c.clk.Now(), c.metrics, c.notifier, c.logger)
	})
}

// failInFlight fails any job the device was holding so the retry sweep
// can requeue it once the device returns, instead of the job sitting
// Sent and blocking the device's dispatch slot.
func failInFlight(ctx context.Context, repo store.JobRepository, deviceID string, now time.Time, metrics *Metrics, notifier *notify.Notifier, logger *slog.Logger) {
	ids, err := repo.FailInFlight(ctx, deviceID, job.ErrKindDeviceDisconnected, now)
	if err != nil {
		logger.Error("failed to fail in-flight jobs", "device_id", deviceID, "error", err)
		return
	}
	for _, id := range ids {
		logger.Warn("job failed",
			"job_id", id, "device_id", deviceID, "error_kind", job.ErrKindDeviceDisconnected)
		if metrics != nil {
			metrics.jobsFailed.WithLabelValues(string(job.ErrKindDeviceDisconnected)).Inc()
		}
		notifier.Publish(notify.EventJobFailed, notify.JobEventData{
			JobID:     id,
			DeviceID:  deviceID,
			ErrorKind: string(job.ErrKindDeviceDisconnected),
		})
	}
}

// Start recovers in-flight state from a previous run, brings the
// channel up, and launches the dispatch and sweep loops.
func (c *Coordinator) Start(ctx context.Context) error {
	recovered, err := c.repo.RecoverInFlight(ctx)
	if err != nil {
		return fmt.Errorf("failed to recover in-flight jobs: %w", err)
	}
	if recovered > 0 {
		c.logger.Info("recovered stranded jobs into queue", "count", recovered)
	}

	if err := c.channel.Start(ctx); err != nil {
		return fmt.Errorf("failed to start message channel: %w", err)
	}

	c.notifier.Start()

	runCtx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel

	c.wg.Add(2)
	go func() {
		defer c.wg.Done()
		c.dispatcher.Run(runCtx)
	}()
	go func() {
		defer c.wg.Done()
		c.scanner.Run(runCtx)
	}()
	return nil
}

func (c *Coordinator) Stop() error {
	if c.cancel != nil {
		c.cancel()
	}
	c.wg.Wait()
	c.notifier.Stop()
	return c.channel.Close()
}

// SubmitJob validates the target device and enqueues a new job.
func (c *Coordinator) SubmitJob(ctx context.Context, deviceID, content, contentURL string, priority int) (*job.Job, error) {
	if content == "" && contentURL == "" {
		return nil, fmt.Errorf("job needs content or a content url")
	}
	if _, err := c.devices.GetDevice(ctx, deviceID); err != nil {
		return nil, fmt.Errorf("failed to resolve device %s: %w", deviceID, err)
	}

	now := c.clk.Now()
	j := &job.Job{
		ID:         uuid.New().String(),
		DeviceID:   deviceID,
		Status:     job.StatusQueued,
		Content:    content,
		ContentURL: contentURL,
		Priority:   priority,
		MaxRetries: c.policy.MaxAttempts(job.ErrKindGeneric),
		CreatedAt:  now,
		QueuedAt:   &now,
	}
	if err := c.repo.CreateJob(ctx, j); err != nil {
		return nil, fmt.Errorf("failed to create job: %w", err)
	}
	c.logger.Info("job submitted", "job_id", j.ID, "device_id", deviceID, "priority", priority)
	return j, nil
}

// CancelJob marks the job cancelled and, when the target device is
// reachable, tells it to drop the job from its local queue.
func (c *Coordinator) CancelJob(ctx context.Context, id string) error {
	j, err := c.repo.GetJob(ctx, id)
	if err != nil {
		return err
	}
	if err := c.repo.CancelJob(ctx, id); err != nil {
		return err
	}
	c.logger.Info("job cancelled", "job_id", id, "device_id", j.DeviceID)

	if j.InFlight() && c.tracker.IsReachable(j.DeviceID) {
		// Best effort; the device ignores cancels for jobs it already
		// handed to the hardware.
		err := c.channel.Send(ctx, j.DeviceID, message.TypeCommand, message.CommandData{
			Command: "cancel_job",
			JobID:   id,
		})
		if err != nil {
			c.logger.Warn("cancel notification failed", "job_id", id, "device_id", j.DeviceID, "error", err)
		}
	}
	return nil
}

func (c *Coordinator) handleJobComplete(ctx context.Context, env message.Envelope) {
	var data message.JobResultData
	if err := env.Decode(&data); err != nil {
		c.logger.Error("bad job_complete payload", "device_id", env.DeviceID, "error", err)
		return
	}

	c.tracker.Heartbeat(env.DeviceID)

	if data.Success {
		if err := c.repo.UpdateStatus(ctx, data.JobID, job.StatusCompleted); err != nil {
			c.logger.Error("failed to complete job", "job_id", data.JobID, "error", err)
			return
		}
		c.logger.Info("job completed", "job_id", data.JobID, "device_id", env.DeviceID)
		if c.metrics != nil {
			c.metrics.jobsCompleted.Inc()
		}
		c.notifier.Publish(notify.EventJobCompleted, notify.JobEventData{
			JobID:    data.JobID,
			DeviceID: env.DeviceID,
		})
		return
	}

	kind := normalizeErrorKind(data.ErrorKind)
	err := c.repo.UpdateStatus(ctx, data.JobID, job.StatusFailed,
		store.WithErrorKind(kind), store.WithRetryIncrement())
	if err != nil {
		c.logger.Error("failed to record job failure", "job_id", data.JobID, "error", err)
		return
	}
	c.logger.Warn("job failed",
		"job_id", data.JobID, "device_id", env.DeviceID,
		"error_kind", kind, "message", data.Message)
	if c.metrics != nil {
		c.metrics.jobsFailed.WithLabelValues(string(kind)).Inc()
	}
	c.notifier.Publish(notify.EventJobFailed, notify.JobEventData{
		JobID:     data.JobID,
		DeviceID:  env.DeviceID,
		ErrorKind: string(kind),
	})
}

func (c *Coordinator) handleJobStatus(ctx context.Context, env message.Envelope) {
	var data message.JobStatusData
	if err := env.Decode(&data); err != nil {
		c.logger.Error("bad job_status payload", "device_id", env.DeviceID, "error", err)
		return
	}

	c.tracker.Heartbeat(env.DeviceID)

	var next job.Status
	switch data.Status {
	case string(job.StatusPending):
		next = job.StatusPending
	case string(job.StatusProcessing):
		next = job.StatusProcessing
	default:
		c.logger.Warn("ignoring job status report", "job_id", data.JobID, "status", data.Status)
		return
	}
	if err := c.repo.UpdateStatus(ctx, data.JobID, next); err != nil {
		// A late report for a job the sweeps already moved on is
		// expected noise, not a fault.
		c.logger.Debug("status report not applied", "job_id", data.JobID, "status", next, "error", err)
	}
}

func (c *Coordinator) handleStatus(_ context.Context, env message.Envelope) {
	var data message.StatusData
	if err := env.Decode(&data); err != nil {
		c.logger.Error("bad status payload", "device_id", env.DeviceID, "error", err)
		return
	}
	c.tracker.Heartbeat(env.DeviceID)
	c.touch(env.DeviceID)
	if data.OutOfMedia {
		c.logger.Warn("device reports out of media", "device_id", env.DeviceID)
	}
}

func (c *Coordinator) handleMetrics(_ context.Context, env message.Envelope) {
	var data message.MetricsData
	if err := env.Decode(&data); err != nil {
		c.logger.Error("bad metrics payload", "device_id", env.DeviceID, "error", err)
		return
	}
	c.tracker.Heartbeat(env.DeviceID)
	c.touch(env.DeviceID)
	c.logger.Debug("device metrics",
		"device_id", env.DeviceID, "queue_depth", data.QueueDepth,
		"completed", data.Completed, "failed", data.Failed)
}

func (c *Coordinator) handleLog(ctx context.Context, env message.Envelope) {
	var data message.LogData
	if err := env.Decode(&data); err != nil {
		c.logger.Error("bad log payload", "device_id", env.DeviceID, "error", err)
		return
	}
	c.tracker.Heartbeat(env.DeviceID)
	lvl := slog.LevelInfo
	if strings.EqualFold(data.Level, "error") {
		lvl = slog.LevelWarn
	}
	c.logger.Log(ctx, lvl, "device log",
		"device_id", env.DeviceID, "message", data.Message)
}

func (c *Coordinator) handlePong(_ context.Context, env message.Envelope) {
	c.tracker.Heartbeat(env.DeviceID)
	c.touch(env.DeviceID)
}

func (c *Coordinator) handleConfigRequest(ctx context.Context, env message.Envelope) {
	c.tracker.Heartbeat(env.DeviceID)
	err := c.channel.Send(ctx, env.DeviceID, message.TypeConfigUpdate, map[string]any{
		"heartbeat_interval_seconds": int(c.cfg.HeartbeatInterval.Seconds()),
	})
	if err != nil {
		c.logger.Warn("config push failed", "device_id", env.DeviceID, "error", err)
	}
}

func (c *Coordinator) touch(deviceID string) {
	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.SendTimeout)
	defer cancel()
	if err := c.devices.TouchLastSeen(ctx, deviceID, c.clk.Now()); err != nil {
		c.logger.Debug("last-seen update failed", "device_id", deviceID, "error", err)
	}
}

func normalizeErrorKind(s string) job.ErrorKind {
	switch k := job.ErrorKind(s); k {
	case job.ErrKindDeviceDisconnected, job.ErrKindNetworkFetchFailed,
		job.ErrKindOutOfMedia, job.ErrKindInvalidContent,
		job.ErrKindLocalQueueFull, job.ErrKindHardwareBusy,
		job.ErrKindNoDeviceFound:
		return k
	default:
		return job.ErrKindGeneric
	}
}
