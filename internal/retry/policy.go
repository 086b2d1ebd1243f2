// Package retry decides whether and when a failed job becomes eligible
// for requeue. The policy is a fixed table from error kind to an
// ordered backoff schedule; an empty schedule means never auto-retry.
package retry

import (
	"time"

	"github.com/orrn/labelfleet/internal/job"
)

// MaxJobAge is the hard ceiling on job lifetime. Any non-terminal job
// older than this is forced to Expired regardless of retry eligibility.
const MaxJobAge = 24 * time.Hour

type Policy struct {
	delays map[job.ErrorKind][]time.Duration
}

// Default returns the stock policy table. Media and content errors are
// never auto-retried since they need operator intervention.
func Default() *Policy {
	return &Policy{delays: map[job.ErrorKind][]time.Duration{
		job.ErrKindDeviceDisconnected: {30 * time.Second, 60 * time.Second, 120 * time.Second},
		job.ErrKindGeneric:            {10 * time.Second, 30 * time.Second, 60 * time.Second},
		job.ErrKindNetworkFetchFailed: {5 * time.Second, 15 * time.Second, 30 * time.Second},
		job.ErrKindOutOfMedia:         {},
		job.ErrKindInvalidContent:     {},
		job.ErrKindLocalQueueFull:     {60 * time.Second, 120 * time.Second, 300 * time.Second},
		job.ErrKindHardwareBusy:       {10 * time.Second, 30 * time.Second, 60 * time.Second},
		job.ErrKindNoDeviceFound:      {30 * time.Second, 60 * time.Second, 120 * time.Second},
	}}
}

// NewPolicy builds a policy from an explicit table. Kinds absent from
// the table fall back to the generic schedule.
func NewPolicy(delays map[job.ErrorKind][]time.Duration) *Policy {
	return &Policy{delays: delays}
}

func (p *Policy) schedule(kind job.ErrorKind) []time.Duration {
	if d, ok := p.delays[kind]; ok {
		return d
	}
	return p.delays[job.ErrKindGeneric]
}

// ShouldRetry reports whether j has retries left for its error kind.
func (p *Policy) ShouldRetry(j *job.Job) bool {
	delays := p.schedule(j.ErrorKind)
	if len(delays) == 0 {
		return false
	}
	return j.RetryCount < len(delays)
}

// NextDelay returns the backoff the job's last failure must wait
// before requeueing. The Nth failure waits the Nth configured delay;
// ok is false when the schedule has no delay left for j.
func (p *Policy) NextDelay(j *job.Job) (delay time.Duration, ok bool) {
	if !p.ShouldRetry(j) {
		return 0, false
	}
	delays := p.schedule(j.ErrorKind)
	idx := j.RetryCount - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(delays) {
		return 0, false
	}
	return delays[idx], true
}

// ReadyForRetry reports whether j's backoff has elapsed, counted from
// the time the failure was recorded.
func (p *Policy) ReadyForRetry(j *job.Job, now time.Time) bool {
	delay, ok := p.NextDelay(j)
	if !ok {
		return false
	}
	if j.CompletedAt == nil {
		return true
	}
	return now.Sub(*j.CompletedAt) >= delay
}

// MaxAttempts returns the schedule length for kind, which bounds how
// often a job failing with that kind may be requeued.
func (p *Policy) MaxAttempts(kind job.ErrorKind) int {
	return len(p.schedule(kind))
}

// Expired reports whether j has exceeded the lifetime ceiling.
func Expired(j *job.Job, now time.Time) bool {
	return j.Age(now) > MaxJobAge
}
