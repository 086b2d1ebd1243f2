// Package agent is the device-side process: it keeps a persistent
// connection to the coordinator, holds received jobs in a bounded local
// queue that survives restarts, drives the printer, and reports results
// and device metrics back upstream.
package agent

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
)

const (
	itemStatePending    = "pending"
	itemStateProcessing = "processing"
)

// QueueItem is one job held on the device.
type QueueItem struct {
	JobID      string    `json:"job_id"`
	Content    string    `json:"content"`
	ContentURL string    `json:"content_url,omitempty"`
	Priority   int       `json:"priority"`
	RetryCount int       `json:"retry_count"`
	State      string    `json:"state"`
	EnqueuedAt time.Time `json:"enqueued_at"`
	NotBefore  time.Time `json:"not_before,omitempty"`
}

// LocalQueue is the bounded, disk-backed job buffer. Every mutation is
// persisted with a temp-file rename so a crash never leaves a
// half-written queue file.
type LocalQueue struct {
	path     string
	capacity int
	logger   *slog.Logger

	mu    sync.Mutex
	items []*QueueItem
}

func NewLocalQueue(path string, capacity int, logger *slog.Logger) (*LocalQueue, error) {
	q := &LocalQueue{path: path, capacity: capacity, logger: logger}

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return q, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read queue file: %w", err)
	}
	if err := json.Unmarshal(data, &q.items); err != nil {
		return nil, fmt.Errorf("failed to parse queue file %s: %w", path, err)
	}

	// A job that was mid-print when the process died starts over.
	for _, item := range q.items {
		if item.State == itemStateProcessing {
			item.State = itemStatePending
		}
	}
	if len(q.items) > 0 {
		logger.Info("restored local queue", "depth", len(q.items))
	}
	return q, nil
}

// Enqueue adds a job unless the queue is full or already holds it.
// The second return distinguishes "full" from "duplicate".
func (q *LocalQueue) Enqueue(item *QueueItem) (ok, full bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for _, existing := range q.items {
		if existing.JobID == item.JobID {
			return false, false
		}
	}
	if len(q.items) >= q.capacity {
		return false, true
	}

	item.State = itemStatePending
	if item.EnqueuedAt.IsZero() {
		item.EnqueuedAt = time.Now().UTC()
	}
	q.items = append(q.items, item)
	q.persistLocked()
	return true, false
}

// Next returns the highest-priority pending item whose retry delay has
// passed and marks it processing, or nil when nothing is ready.
func (q *LocalQueue) Next(now time.Time) *QueueItem {
	q.mu.Lock()
	defer q.mu.Unlock()

	var best *QueueItem
	for _, item := range q.items {
		if item.State != itemStatePending || item.NotBefore.After(now) {
			continue
		}
		if best == nil || item.Priority > best.Priority ||
			(item.Priority == best.Priority && item.EnqueuedAt.Before(best.EnqueuedAt)) {
			best = item
		}
	}
	if best == nil {
		return nil
	}
	best.State = itemStateProcessing
	q.persistLocked()
	return best
}

// Complete removes the item from the queue.
func (q *LocalQueue) Complete(jobID string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.removeLocked(jobID)
	q.persistLocked()
}

// Requeue puts a failed item back as pending with its retry count
// bumped, held until notBefore. It returns false when the local retry
// cap is exhausted, in which case the item is dropped.
func (q *LocalQueue) Requeue(jobID string, limit int, notBefore time.Time) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	for _, item := range q.items {
		if item.JobID != jobID {
			continue
		}
		item.RetryCount++
		if item.RetryCount >= limit {
			q.removeLocked(jobID)
			q.persistLocked()
			return false
		}
		item.State = itemStatePending
		item.NotBefore = notBefore
		q.persistLocked()
		return true
	}
	return false
}

// Remove drops the item regardless of state. Used for cancellations.
func (q *LocalQueue) Remove(jobID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	before := len(q.items)
	q.removeLocked(jobID)
	if len(q.items) == before {
		return false
	}
	q.persistLocked()
	return true
}

func (q *LocalQueue) Depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

func (q *LocalQueue) removeLocked(jobID string) {
	for i, item := range q.items {
		if item.JobID == jobID {
			q.items = append(q.items[:i], q.items[i+1:]...)
			return
		}
	}
}

func (q *LocalQueue) persistLocked() {
	data, err := json.MarshalIndent(q.items, "", "  ")
	if err != nil {
		q.logger.Error("failed to marshal queue", "error", err)
		return
	}

	if err := os.MkdirAll(filepath.Dir(q.path), 0o755); err != nil {
		q.logger.Error("failed to create queue dir", "error", err)
		return
	}
	tmp := q.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		q.logger.Error("failed to write queue file", "error", err)
		return
	}
	if err := os.Rename(tmp, q.path); err != nil {
		q.logger.Error("failed to replace queue file", "error", err)
	}
}
