package agent

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/orrn/labelfleet/internal/clock"
	"github.com/orrn/labelfleet/internal/config"
	"github.com/orrn/labelfleet/internal/job"
	"github.com/orrn/labelfleet/internal/message"
	"github.com/orrn/labelfleet/internal/printer"
)

const (
	initialReconnectDelay = 5 * time.Second
	maxReconnectDelay     = 60 * time.Second
	processTick           = time.Second
	fetchTimeout          = 10 * time.Second
	maxFetchBytes         = 1 << 20
)

// Printer is the slice of the driver the agent needs; tests swap in a
// recorder.
type Printer interface {
	Print(ctx context.Context, content string) error
}

// Agent runs on the device next to the printer.
type Agent struct {
	cfg     config.AgentConfig
	channel message.Channel
	queue   *LocalQueue
	printer Printer
	clk     clock.Clock
	logger  *slog.Logger
	fetcher *http.Client

	completed atomic.Uint64
	failed    atomic.Uint64

	mu        sync.Mutex
	connected bool
	reconnect chan struct{}

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(cfg config.AgentConfig, channel message.Channel, queue *LocalQueue, prt Printer, clk clock.Clock, logger *slog.Logger) *Agent {
	a := &Agent{
		cfg:       cfg,
		channel:   channel,
		queue:     queue,
		printer:   prt,
		clk:       clk,
		logger:    logger,
		fetcher:   &http.Client{Timeout: fetchTimeout},
		reconnect: make(chan struct{}, 1),
	}
	a.wireChannel()
	return a
}

func (a *Agent) wireChannel() {
	mux := message.NewMux(func(_ context.Context, env message.Envelope) {
		a.logger.Warn("unhandled message type", "type", env.Type)
	})
	mux.Handle(message.TypePrintJob, a.handlePrintJob)
	mux.Handle(message.TypeCommand, a.handleCommand)
	mux.Handle(message.TypePing, a.handlePing)
	mux.Handle(message.TypeConfigUpdate, a.handleConfigUpdate)

	a.channel.OnMessage(mux.Dispatch)
	a.channel.OnConnect(func(string) {
		a.logger.Info("connected to coordinator")
		a.setConnected(true)
		ctx, cancel := context.WithTimeout(context.Background(), fetchTimeout)
		defer cancel()
		if err := a.channel.Send(ctx, a.cfg.DeviceID, message.TypeConfigRequest, nil); err != nil {
			a.logger.Debug("config request failed", "error", err)
		}
	})
	a.channel.OnDisconnect(func(string) {
		a.logger.Warn("connection to coordinator lost")
		a.setConnected(false)
		select {
		case a.reconnect <- struct{}{}:
		default:
		}
	})
}

// Start launches the connection, queue-processing and reporting loops.
func (a *Agent) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	a.cancel = cancel

	a.wg.Add(3)
	go func() {
		defer a.wg.Done()
		a.connectLoop(ctx)
	}()
	go func() {
		defer a.wg.Done()
		a.processLoop(ctx)
	}()
	go func() {
		defer a.wg.Done()
		a.reportLoop(ctx)
	}()
}

func (a *Agent) Stop() error {
	if a.cancel != nil {
		a.cancel()
	}
	a.wg.Wait()
	return a.channel.Close()
}

// connectLoop dials, and redials with doubling backoff whenever the
// connection drops.
func (a *Agent) connectLoop(ctx context.Context) {
	delay := initialReconnectDelay
	for {
		if ctx.Err() != nil {
			return
		}
		if !a.isConnected() {
			err := a.channel.Start(ctx)
			if err != nil {
				a.logger.Warn("connect failed", "error", err, "retry_in", delay)
				select {
				case <-ctx.Done():
					return
				case <-a.clk.After(delay):
				}
				delay = nextBackoff(delay)
				continue
			}
			a.setConnected(true)
			delay = initialReconnectDelay
		}

		select {
		case <-ctx.Done():
			return
		case <-a.reconnect:
		}
	}
}

func nextBackoff(d time.Duration) time.Duration {
	d *= 2
	if d > maxReconnectDelay {
		return maxReconnectDelay
	}
	return d
}

// processLoop drains the local queue one job per tick.
func (a *Agent) processLoop(ctx context.Context) {
	ticker := a.clk.NewTicker(processTick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C():
			a.processOne(ctx)
		}
	}
}

func (a *Agent) processOne(ctx context.Context) {
	item := a.queue.Next(a.clk.Now())
	if item == nil {
		return
	}

	a.reportStatus(ctx, item.JobID, job.StatusProcessing)

	err := a.printItem(ctx, item)
	if err == nil {
		a.queue.Complete(item.JobID)
		a.completed.Add(1)
		a.reportResult(ctx, item.JobID, true, "", "")
		return
	}

	kind := classifyPrintError(err)
	a.logger.Warn("print attempt failed",
		"job_id", item.JobID, "error_kind", kind, "attempt", item.RetryCount+1, "error", err)

	if a.queue.Requeue(item.JobID, a.cfg.LocalRetryCap, a.clk.Now().Add(a.cfg.LocalRetryDelay)) {
		return
	}

	a.failed.Add(1)
	if item.RetryCount > 0 {
		a.sendLog(ctx, "error", fmt.Sprintf("job %s gave up after %d local attempts: %v",
			item.JobID, item.RetryCount+1, err))
	}
	a.reportResult(ctx, item.JobID, false, string(kind), err.Error())
}

// sendLog forwards a device-side diagnostic line to the coordinator.
// Best effort; local logging already has the full record.
func (a *Agent) sendLog(ctx context.Context, level, msg string) {
	if !a.isConnected() {
		return
	}
	err := a.channel.Send(ctx, a.cfg.DeviceID, message.TypeLog, message.LogData{
		Level:   level,
		Message: msg,
	})
	if err != nil {
		a.logger.Debug("log forward failed", "error", err)
	}
}

func (a *Agent) printItem(ctx context.Context, item *QueueItem) error {
	content := item.Content
	if content == "" && item.ContentURL != "" {
		fetched, err := a.fetchContent(ctx, item.ContentURL)
		if err != nil {
			return fmt.Errorf("%w: %s", errFetch, err)
		}
		content = fetched
	}
	return a.printer.Print(ctx, content)
}

var errFetch = errors.New("content fetch failed")

func (a *Agent) fetchContent(ctx context.Context, url string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", err
	}
	resp, err := a.fetcher.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("unexpected status %d from %s", resp.StatusCode, url)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxFetchBytes))
	if err != nil {
		return "", err
	}
	return string(body), nil
}

func classifyPrintError(err error) job.ErrorKind {
	switch {
	case errors.Is(err, errFetch):
		return job.ErrKindNetworkFetchFailed
	case errors.Is(err, printer.ErrNoDevice):
		return job.ErrKindNoDeviceFound
	case errors.Is(err, printer.ErrBusy):
		return job.ErrKindHardwareBusy
	default:
		return job.ErrKindGeneric
	}
}

// reportLoop pushes device metrics upstream on the configured
// interval. These double as heartbeats on the coordinator side.
func (a *Agent) reportLoop(ctx context.Context) {
	ticker := a.clk.NewTicker(a.cfg.ReportInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C():
			a.reportMetrics(ctx)
		}
	}
}

func (a *Agent) reportMetrics(ctx context.Context) {
	if !a.isConnected() {
		return
	}
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	err := a.channel.Send(ctx, a.cfg.DeviceID, message.TypeMetrics, message.MetricsData{
		QueueDepth:    a.queue.Depth(),
		Completed:     a.completed.Load(),
		Failed:        a.failed.Load(),
		Goroutines:    runtime.NumGoroutine(),
		MemAllocBytes: mem.Alloc,
		CPUs:          runtime.NumCPU(),
	})
	if err != nil {
		a.logger.Warn("metrics report failed", "error", err)
	}
}

func (a *Agent) handlePrintJob(ctx context.Context, env message.Envelope) {
	var data message.PrintJobData
	if err := env.Decode(&data); err != nil {
		a.logger.Error("bad print_job payload", "error", err)
		return
	}

	ok, full := a.queue.Enqueue(&QueueItem{
		JobID:      data.JobID,
		Content:    data.Content,
		ContentURL: data.ContentURL,
		Priority:   data.Priority,
	})
	if full {
		a.logger.Warn("local queue full, rejecting job", "job_id", data.JobID)
		a.reportResult(ctx, data.JobID, false, string(job.ErrKindLocalQueueFull), "local queue at capacity")
		return
	}
	if !ok {
		// Redelivery of a job we already hold; the original copy
		// proceeds.
		a.logger.Debug("duplicate job ignored", "job_id", data.JobID)
		return
	}

	a.logger.Info("job accepted", "job_id", data.JobID, "queue_depth", a.queue.Depth())
	a.reportStatus(ctx, data.JobID, job.StatusPending)
}

func (a *Agent) handleCommand(_ context.Context, env message.Envelope) {
	var data message.CommandData
	if err := env.Decode(&data); err != nil {
		a.logger.Error("bad command payload", "error", err)
		return
	}
	switch data.Command {
	case "cancel_job":
		if a.queue.Remove(data.JobID) {
			a.logger.Info("job cancelled locally", "job_id", data.JobID)
		}
	default:
		a.logger.Warn("unknown command", "command", data.Command)
	}
}

func (a *Agent) handlePing(ctx context.Context, _ message.Envelope) {
	if err := a.channel.Send(ctx, a.cfg.DeviceID, message.TypePong, nil); err != nil {
		a.logger.Debug("pong failed", "error", err)
	}
}

func (a *Agent) handleConfigUpdate(_ context.Context, env message.Envelope) {
	a.logger.Info("received config update", "data", string(env.Data))
}

func (a *Agent) reportStatus(ctx context.Context, jobID string, status job.Status) {
	err := a.channel.Send(ctx, a.cfg.DeviceID, message.TypeJobStatus, message.JobStatusData{
		JobID:  jobID,
		Status: string(status),
	})
	if err != nil {
		a.logger.Debug("status report failed", "job_id", jobID, "error", err)
	}
}

func (a *Agent) reportResult(ctx context.Context, jobID string, success bool, kind, msg string) {
	err := a.channel.Send(ctx, a.cfg.DeviceID, message.TypeJobComplete, message.JobResultData{
		JobID:     jobID,
		Success:   success,
		ErrorKind: kind,
		Message:   msg,
	})
	if err != nil {
		a.logger.Warn("result report failed", "job_id", jobID, "error", err)
	}
}

func (a *Agent) setConnected(v bool) {
	a.mu.Lock()
	a.connected = v
	a.mu.Unlock()
}

func (a *Agent) isConnected() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.connected
}
