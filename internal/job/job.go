// Package job defines the print-job and device records shared by the
// coordinator and the device agent, and the job lifecycle rules.
package job

import (
	"time"
)

type Status string

const (
	StatusQueued     Status = "queued"
	StatusSent       Status = "sent"
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
	StatusExpired    Status = "expired"
)

// IsTerminal reports whether no further transitions may leave s.
// Failed is not terminal: the retry sweep may requeue it or the expiry
// sweep may force it to Expired.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusCancelled, StatusExpired:
		return true
	}
	return false
}

// ErrorKind classifies why a job execution failed. Retry policy is
// decided from the kind alone, never from free-text messages.
type ErrorKind string

const (
	ErrKindDeviceDisconnected ErrorKind = "device_disconnected"
	ErrKindGeneric            ErrorKind = "generic"
	ErrKindNetworkFetchFailed ErrorKind = "network_fetch_failed"
	ErrKindOutOfMedia         ErrorKind = "out_of_media"
	ErrKindInvalidContent     ErrorKind = "invalid_content"
	ErrKindLocalQueueFull     ErrorKind = "local_queue_full"
	ErrKindHardwareBusy       ErrorKind = "hardware_busy"
	ErrKindNoDeviceFound      ErrorKind = "no_device_found"
)

type Job struct {
	ID          string     `json:"id"`
	DeviceID    string     `json:"device_id"`
	Status      Status     `json:"status"`
	Content     string     `json:"content"`
	ContentURL  string     `json:"content_url,omitempty"`
	Priority    int        `json:"priority"`
	RetryCount  int        `json:"retry_count"`
	MaxRetries  int        `json:"max_retries"`
	ErrorKind   ErrorKind  `json:"error_kind,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	QueuedAt    *time.Time `json:"queued_at,omitempty"`
	SentAt      *time.Time `json:"sent_at,omitempty"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// InFlight reports whether the job has been handed to a device and has
// not reported back yet.
func (j *Job) InFlight() bool {
	switch j.Status {
	case StatusSent, StatusPending, StatusProcessing:
		return true
	}
	return false
}

// Age is the time since the job was created.
func (j *Job) Age(now time.Time) time.Duration {
	return now.Sub(j.CreatedAt)
}

type Device struct {
	ID          string     `json:"id"`
	DisplayName string     `json:"display_name"`
	LastSeenAt  *time.Time `json:"last_seen_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
}

var transitions = map[Status][]Status{
	StatusQueued:     {StatusSent, StatusCancelled, StatusExpired},
	StatusSent:       {StatusPending, StatusProcessing, StatusCompleted, StatusFailed, StatusCancelled, StatusExpired, StatusQueued},
	StatusPending:    {StatusProcessing, StatusCompleted, StatusFailed, StatusCancelled, StatusExpired},
	StatusProcessing: {StatusCompleted, StatusFailed, StatusCancelled, StatusExpired},
	StatusFailed:     {StatusQueued, StatusExpired},
}

// CanTransition reports whether moving a job from one status to another
// is allowed. Sent may fall back to Queued only for dispatch-level send
// failures; Failed may return to Queued on requeue or be forced to
// Expired by the age sweep.
func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}
