// Package notify posts job lifecycle events to an operator-configured
// webhook endpoint. Delivery is asynchronous through a bounded task
// queue; payloads are signed with HMAC-SHA256 so the receiver can
// verify the sender.
package notify

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"
)

type Event string

const (
	EventJobCompleted Event = "job_completed"
	EventJobFailed    Event = "job_failed"
	EventJobExpired   Event = "job_expired"
	EventDeviceOnline Event = "device_online"
	EventDeviceLost   Event = "device_lost"
)

type Payload struct {
	Event     Event     `json:"event"`
	Timestamp time.Time `json:"timestamp"`
	Data      any       `json:"data"`
}

type JobEventData struct {
	JobID      string `json:"job_id"`
	DeviceID   string `json:"device_id"`
	ErrorKind  string `json:"error_kind,omitempty"`
	RetryCount int    `json:"retry_count,omitempty"`
}

type DeviceEventData struct {
	DeviceID string `json:"device_id"`
}

type Config struct {
	URL        string
	Secret     string
	RetryCount int
	RetryDelay time.Duration
	Timeout    time.Duration
	QueueSize  int
}

type task struct {
	payload *Payload
	attempt int
}

// Notifier delivers events in the background. A nil Notifier is valid
// and drops everything, so callers never branch on configuration.
type Notifier struct {
	cfg    Config
	client *http.Client
	logger *slog.Logger

	queue  chan *task
	stopCh chan struct{}
	wg     sync.WaitGroup
}

func New(cfg Config, logger *slog.Logger) *Notifier {
	if cfg.URL == "" {
		return nil
	}
	if cfg.RetryCount <= 0 {
		cfg.RetryCount = 3
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = 5 * time.Second
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 100
	}
	return &Notifier{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
		logger: logger,
		queue:  make(chan *task, cfg.QueueSize),
		stopCh: make(chan struct{}),
	}
}

func (n *Notifier) Start() {
	if n == nil {
		return
	}
	n.wg.Add(1)
	go n.worker()
}

func (n *Notifier) Stop() {
	if n == nil {
		return
	}
	close(n.stopCh)
	n.wg.Wait()
}

// Publish queues one event. Full queue drops with a warning; a slow
// webhook receiver must never stall job processing.
func (n *Notifier) Publish(event Event, data any) {
	if n == nil {
		return
	}
	t := &task{payload: &Payload{
		Event:     event,
		Timestamp: time.Now().UTC(),
		Data:      data,
	}}
	select {
	case n.queue <- t:
	default:
		n.logger.Warn("notify queue full, dropping event", "event", event)
	}
}

func (n *Notifier) worker() {
	defer n.wg.Done()
	for {
		select {
		case <-n.stopCh:
			return
		case t := <-n.queue:
			n.deliver(t)
		}
	}
}

func (n *Notifier) deliver(t *task) {
	err := n.post(t.payload)
	if err == nil {
		return
	}

	t.attempt++
	if t.attempt >= n.cfg.RetryCount {
		n.logger.Warn("webhook delivery abandoned",
			"event", t.payload.Event, "attempts", t.attempt, "error", err)
		return
	}

	n.logger.Debug("webhook delivery failed, retrying",
		"event", t.payload.Event, "attempt", t.attempt, "error", err)
	select {
	case <-n.stopCh:
	case <-time.After(n.cfg.RetryDelay):
		n.deliver(t)
	}
}

func (n *Notifier) post(p *Payload) error {
	body, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}

	req, err := http.NewRequest(http.MethodPost, n.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if n.cfg.Secret != "" {
		req.Header.Set("X-Labelfleet-Signature", Sign(n.cfg.Secret, body))
	}

	resp, err := n.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook endpoint returned %d", resp.StatusCode)
	}
	return nil
}

// Sign computes the hex HMAC-SHA256 of body under secret.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}
