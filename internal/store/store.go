// Package store is the durable home of job and device records. The
// coordinator consumes it through the JobRepository and DeviceRegistry
// interfaces; the bundled implementation is SQLite.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/orrn/labelfleet/internal/job"
)

var (
	ErrNotFound          = errors.New("record not found")
	ErrDeviceExists      = errors.New("device already exists")
	ErrInvalidTransition = errors.New("invalid status transition")
)

// JobRepository is the coordinator's view of job storage. All writes
// are transactional; none are held across network sends.
type JobRepository interface {
	CreateJob(ctx context.Context, j *job.Job) error
	GetJob(ctx context.Context, id string) (*job.Job, error)

	// UpdateStatus validates the lifecycle transition before writing
	// and returns ErrInvalidTransition when the move is not allowed.
	UpdateStatus(ctx context.Context, id string, status job.Status, opts ...UpdateOption) error

	// ClaimQueued atomically picks the highest-priority queued job for
	// the device (ties broken by earliest queued_at), marks it Sent and
	// returns it. Returns nil, nil when nothing is queued.
	ClaimQueued(ctx context.Context, deviceID string, now time.Time) (*job.Job, error)

	// HasInFlight reports whether the device already has a job in the
	// Sent/Pending/Processing window.
	HasInFlight(ctx context.Context, deviceID string) (bool, error)

	// FailInFlight marks every Sent/Pending/Processing job for the
	// device Failed with the given kind, charging a retry on each, and
	// returns the affected job ids.
	FailInFlight(ctx context.Context, deviceID string, kind job.ErrorKind, at time.Time) ([]string, error)

	ListRetryCandidates(ctx context.Context) ([]*job.Job, error)
	ListExpiryCandidates(ctx context.Context, cutoff time.Time) ([]*job.Job, error)

	// RecoverInFlight returns jobs stranded in Sent/Pending by a prior
	// coordinator run to Queued, and reports how many were reset.
	RecoverInFlight(ctx context.Context) (int, error)

	CancelJob(ctx context.Context, id string) error
	ListJobs(ctx context.Context, filter JobFilter) ([]*job.Job, error)
	CountByStatus(ctx context.Context) (map[job.Status]int, error)
}

// DeviceRegistry holds registered devices and their shared credentials.
type DeviceRegistry interface {
	CreateDevice(ctx context.Context, d *job.Device, credential string) error
	GetDevice(ctx context.Context, id string) (*job.Device, error)
	GetCredential(ctx context.Context, id string) (string, error)
	TouchLastSeen(ctx context.Context, id string, at time.Time) error
	ListDevices(ctx context.Context) ([]*job.Device, error)
}

type JobFilter struct {
	DeviceID string
	Status   job.Status
	Limit    int
	Offset   int
}

type updateParams struct {
	ErrorKind      *job.ErrorKind
	IncrementRetry bool
	At             *time.Time
}

type UpdateOption func(*updateParams)

// WithErrorKind records the failure classification alongside the
// status change.
func WithErrorKind(kind job.ErrorKind) UpdateOption {
	return func(p *updateParams) {
		p.ErrorKind = &kind
	}
}

// WithRetryIncrement bumps retry_count by one as part of the update.
func WithRetryIncrement() UpdateOption {
	return func(p *updateParams) {
		p.IncrementRetry = true
	}
}

// WithTimestamp pins the lifecycle timestamp written with the status
// change instead of using the wall clock.
func WithTimestamp(at time.Time) UpdateOption {
	return func(p *updateParams) {
		p.At = &at
	}
}
