package coordinator

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orrn/labelfleet/internal/clock"
)

func TestTrackerConnectDisconnect(t *testing.T) {
	tr := NewTracker(clock.NewFake(time.Now()), 90*time.Second)

	assert.False(t, tr.IsReachable("a"))
	tr.Connect("a")
	assert.True(t, tr.IsReachable("a"))

	tr.Disconnect("a")
	assert.False(t, tr.IsReachable("a"))
	assert.Empty(t, tr.Reachable())
}

func TestTrackerConnectSignalsEligibility(t *testing.T) {
	tr := NewTracker(clock.NewFake(time.Now()), 90*time.Second)

	tr.Connect("a")
	select {
	case <-tr.Eligible():
	default:
		t.Fatal("expected eligibility signal after connect")
	}
}

func TestTrackerHeartbeatFromUnknownDeviceConnects(t *testing.T) {
	tr := NewTracker(clock.NewFake(time.Now()), 90*time.Second)

	tr.Heartbeat("b")
	assert.True(t, tr.IsReachable("b"))
	select {
	case <-tr.Eligible():
	default:
		t.Fatal("expected eligibility signal for new device")
	}
}

func TestTrackerSweepStale(t *testing.T) {
	clk := clock.NewFake(time.Now())
	tr := NewTracker(clk, 90*time.Second)

	tr.Connect("quiet")
	tr.Connect("chatty")

	clk.Advance(60 * time.Second)
	tr.Heartbeat("chatty")
	require.Empty(t, tr.SweepStale())

	clk.Advance(45 * time.Second)
	stale := tr.SweepStale()

	assert.Equal(t, []string{"quiet"}, stale)
	assert.True(t, tr.IsReachable("chatty"))
	assert.False(t, tr.IsReachable("quiet"))
}
