package coordinator

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orrn/labelfleet/internal/job"
	"github.com/orrn/labelfleet/internal/store"
)

// failJob drives a dispatched job into failed with the given kind and
// a pinned failure time, accumulating the retry count report by report.
func (e *testEnv) failJob(t *testing.T, id string, kind job.ErrorKind, failedAt time.Time) {
	t.Helper()
	err := e.repo.UpdateStatus(context.Background(), id, job.StatusFailed,
		store.WithErrorKind(kind),
		store.WithRetryIncrement(),
		store.WithTimestamp(failedAt))
	require.NoError(t, err)
}

func (e *testEnv) dispatched(t *testing.T) *job.Job {
	t.Helper()
	j := e.submit(t, 0)
	e.coord.tracker.Connect("printer-1")
	e.coord.dispatcher.tick(context.Background())
	require.Equal(t, job.StatusSent, e.status(t, j.ID))
	return j
}

func TestRetrySweepRequeuesWhenDelayElapsed(t *testing.T) {
	env := newTestEnv(t)
	j := env.dispatched(t)

	// First generic failure waits 10s.
	env.failJob(t, j.ID, job.ErrKindGeneric, env.clk.Now())

	env.coord.scanner.sweepRetries(context.Background())
	assert.Equal(t, job.StatusFailed, env.status(t, j.ID), "delay not yet elapsed")

	env.clk.Advance(10 * time.Second)
	env.coord.scanner.sweepRetries(context.Background())
	assert.Equal(t, job.StatusQueued, env.status(t, j.ID))
}

func TestRetrySweepHonorsPerKindSchedule(t *testing.T) {
	env := newTestEnv(t)
	j := env.dispatched(t)

	// Device-disconnected failures wait 30s before the first retry.
	env.failJob(t, j.ID, job.ErrKindDeviceDisconnected, env.clk.Now())

	env.clk.Advance(10 * time.Second)
	env.coord.scanner.sweepRetries(context.Background())
	assert.Equal(t, job.StatusFailed, env.status(t, j.ID))

	env.clk.Advance(20 * time.Second)
	env.coord.scanner.sweepRetries(context.Background())
	assert.Equal(t, job.StatusQueued, env.status(t, j.ID))
}

func TestRetrySweepNeverRetriesOutOfMedia(t *testing.T) {
	env := newTestEnv(t)
	j := env.dispatched(t)

	env.failJob(t, j.ID, job.ErrKindOutOfMedia, env.clk.Now())

	env.clk.Advance(time.Hour)
	env.coord.scanner.sweepRetries(context.Background())
	assert.Equal(t, job.StatusFailed, env.status(t, j.ID))
}

func TestRetrySweepStopsAfterScheduleExhausted(t *testing.T) {
	env := newTestEnv(t)
	j := env.dispatched(t)

	// Three generic failures use up the whole schedule.
	for i := 0; i < 3; i++ {
		env.failJob(t, j.ID, job.ErrKindGeneric, env.clk.Now())
		env.clk.Advance(2 * time.Minute)
		env.coord.scanner.sweepRetries(context.Background())
		got := env.status(t, j.ID)
		if i < 2 {
			require.Equal(t, job.StatusQueued, got, "attempt %d should requeue", i+1)
			require.NoError(t, env.repo.UpdateStatus(context.Background(), j.ID, job.StatusSent))
		} else {
			assert.Equal(t, job.StatusFailed, got, "schedule exhausted, job stays failed")
		}
	}
}

func TestExpirySweepForcesOldJobsToExpired(t *testing.T) {
	env := newTestEnv(t)
	j := env.submit(t, 0)

	env.clk.Advance(23 * time.Hour)
	env.coord.scanner.sweepExpired(context.Background())
	assert.Equal(t, job.StatusQueued, env.status(t, j.ID))

	env.clk.Advance(2 * time.Hour)
	env.coord.scanner.sweepExpired(context.Background())
	assert.Equal(t, job.StatusExpired, env.status(t, j.ID))
}

func TestRetrySweepExpiresAgedOutFailedJob(t *testing.T) {
	env := newTestEnv(t)
	j := env.dispatched(t)
	env.failJob(t, j.ID, job.ErrKindGeneric, env.clk.Now())

	// Past the 24h ceiling the retry sweep expires instead of
	// requeueing, without waiting for the hourly expiry pass.
	env.clk.Advance(25 * time.Hour)
	env.coord.scanner.sweepRetries(context.Background())
	assert.Equal(t, job.StatusExpired, env.status(t, j.ID))
}

func TestStaleSweepDemotesSilentDevice(t *testing.T) {
	env := newTestEnv(t)
	env.coord.tracker.Connect("printer-1")
	require.True(t, env.coord.tracker.IsReachable("printer-1"))

	env.clk.Advance(2 * time.Minute)
	env.coord.scanner.sweepStale(context.Background())

	assert.False(t, env.coord.tracker.IsReachable("printer-1"))
}

func TestStaleSweepFailsInFlightJob(t *testing.T) {
	env := newTestEnv(t)
	j := env.dispatched(t)

	env.clk.Advance(2 * time.Minute)
	env.coord.scanner.sweepStale(context.Background())

	got, err := env.repo.GetJob(context.Background(), j.ID)
	require.NoError(t, err)
	assert.Equal(t, job.StatusFailed, got.Status)
	assert.Equal(t, job.ErrKindDeviceDisconnected, got.ErrorKind)
	assert.Equal(t, 1, got.RetryCount)
}
