package job_test

import (
	"testing"
	"time"

	"github.com/orrn/labelfleet/internal/job"
	"github.com/stretchr/testify/assert"
)

func TestIsTerminal(t *testing.T) {
	terminal := []job.Status{job.StatusCompleted, job.StatusCancelled, job.StatusExpired}
	for _, s := range terminal {
		assert.True(t, s.IsTerminal(), "status %s", s)
	}

	open := []job.Status{job.StatusQueued, job.StatusSent, job.StatusPending, job.StatusProcessing, job.StatusFailed}
	for _, s := range open {
		assert.False(t, s.IsTerminal(), "status %s", s)
	}
}

func TestCanTransition_HappyPath(t *testing.T) {
	path := []job.Status{job.StatusQueued, job.StatusSent, job.StatusPending, job.StatusProcessing, job.StatusCompleted}
	for i := 0; i < len(path)-1; i++ {
		assert.True(t, job.CanTransition(path[i], path[i+1]), "%s -> %s", path[i], path[i+1])
	}
}

func TestCanTransition_NoExitFromTerminal(t *testing.T) {
	all := []job.Status{
		job.StatusQueued, job.StatusSent, job.StatusPending, job.StatusProcessing,
		job.StatusCompleted, job.StatusFailed, job.StatusCancelled, job.StatusExpired,
	}
	for _, from := range []job.Status{job.StatusCompleted, job.StatusCancelled, job.StatusExpired} {
		for _, to := range all {
			assert.False(t, job.CanTransition(from, to), "%s -> %s", from, to)
		}
	}
}

func TestCanTransition_FailurePaths(t *testing.T) {
	for _, from := range []job.Status{job.StatusSent, job.StatusPending, job.StatusProcessing} {
		assert.True(t, job.CanTransition(from, job.StatusFailed), "%s -> failed", from)
	}

	// Requeue after backoff, or forced expiry.
	assert.True(t, job.CanTransition(job.StatusFailed, job.StatusQueued))
	assert.True(t, job.CanTransition(job.StatusFailed, job.StatusExpired))
	assert.False(t, job.CanTransition(job.StatusFailed, job.StatusCompleted))

	// Dispatch send failure reverts Sent to Queued.
	assert.True(t, job.CanTransition(job.StatusSent, job.StatusQueued))
	assert.False(t, job.CanTransition(job.StatusProcessing, job.StatusQueued))
}

func TestCanTransition_OperatorCancel(t *testing.T) {
	for _, from := range []job.Status{job.StatusQueued, job.StatusSent, job.StatusPending, job.StatusProcessing} {
		assert.True(t, job.CanTransition(from, job.StatusCancelled), "%s -> cancelled", from)
	}
}

func TestInFlight(t *testing.T) {
	j := &job.Job{Status: job.StatusSent}
	assert.True(t, j.InFlight())
	j.Status = job.StatusProcessing
	assert.True(t, j.InFlight())
	j.Status = job.StatusQueued
	assert.False(t, j.InFlight())
	j.Status = job.StatusCompleted
	assert.False(t, j.InFlight())
}

func TestAge(t *testing.T) {
	created := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	j := &job.Job{CreatedAt: created}
	assert.Equal(t, 90*time.Minute, j.Age(created.Add(90*time.Minute)))
}
