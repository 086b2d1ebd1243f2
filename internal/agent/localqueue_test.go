package agent

import (
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestQueue(t *testing.T, capacity int) *LocalQueue {
	t.Helper()
	q, err := NewLocalQueue(filepath.Join(t.TempDir(), "queue.json"), capacity,
		slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	return q
}

func TestLocalQueueEnqueueAndNext(t *testing.T) {
	q := newTestQueue(t, 10)

	ok, full := q.Enqueue(&QueueItem{JobID: "a", Content: "^XA^XZ"})
	require.True(t, ok)
	require.False(t, full)
	assert.Equal(t, 1, q.Depth())

	item := q.Next(time.Now())
	require.NotNil(t, item)
	assert.Equal(t, "a", item.JobID)
	assert.Equal(t, itemStateProcessing, item.State)

	// Nothing pending while "a" is processing.
	assert.Nil(t, q.Next(time.Now()))

	q.Complete("a")
	assert.Equal(t, 0, q.Depth())
}

func TestLocalQueueHigherPriorityFirst(t *testing.T) {
	q := newTestQueue(t, 10)

	q.Enqueue(&QueueItem{JobID: "low", Priority: 1})
	q.Enqueue(&QueueItem{JobID: "high", Priority: 9})

	item := q.Next(time.Now())
	require.NotNil(t, item)
	assert.Equal(t, "high", item.JobID)
}

func TestLocalQueueRejectsWhenFull(t *testing.T) {
	q := newTestQueue(t, 2)

	q.Enqueue(&QueueItem{JobID: "a"})
	q.Enqueue(&QueueItem{JobID: "b"})

	ok, full := q.Enqueue(&QueueItem{JobID: "c"})
	assert.False(t, ok)
	assert.True(t, full)
}

func TestLocalQueueIgnoresDuplicates(t *testing.T) {
	q := newTestQueue(t, 10)

	q.Enqueue(&QueueItem{JobID: "a"})
	ok, full := q.Enqueue(&QueueItem{JobID: "a"})
	assert.False(t, ok)
	assert.False(t, full)
	assert.Equal(t, 1, q.Depth())
}

func TestLocalQueueRequeueUntilCap(t *testing.T) {
	q := newTestQueue(t, 10)
	q.Enqueue(&QueueItem{JobID: "a"})

	require.NotNil(t, q.Next(time.Now()))
	assert.True(t, q.Requeue("a", 3, time.Time{}), "first retry allowed")

	require.NotNil(t, q.Next(time.Now()))
	assert.True(t, q.Requeue("a", 3, time.Time{}), "second retry allowed")

	require.NotNil(t, q.Next(time.Now()))
	assert.False(t, q.Requeue("a", 3, time.Time{}), "cap reached, item dropped")
	assert.Equal(t, 0, q.Depth())
}

func TestLocalQueueHoldsItemUntilNotBefore(t *testing.T) {
	q := newTestQueue(t, 10)
	q.Enqueue(&QueueItem{JobID: "a"})

	now := time.Now()
	require.NotNil(t, q.Next(now))
	require.True(t, q.Requeue("a", 3, now.Add(2*time.Second)))

	assert.Nil(t, q.Next(now.Add(time.Second)), "retry delay still running")
	assert.NotNil(t, q.Next(now.Add(2*time.Second)))
}

func TestLocalQueueRemove(t *testing.T) {
	q := newTestQueue(t, 10)
	q.Enqueue(&QueueItem{JobID: "a"})

	assert.True(t, q.Remove("a"))
	assert.False(t, q.Remove("a"))
	assert.Equal(t, 0, q.Depth())
}

func TestLocalQueueSurvivesRestart(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "queue.json")
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	q, err := NewLocalQueue(path, 10, logger)
	require.NoError(t, err)
	q.Enqueue(&QueueItem{JobID: "a", Content: "^XA^XZ", Priority: 2})
	q.Enqueue(&QueueItem{JobID: "b"})
	require.NotNil(t, q.Next(time.Now())) // "a" goes processing

	reloaded, err := NewLocalQueue(path, 10, logger)
	require.NoError(t, err)
	assert.Equal(t, 2, reloaded.Depth())

	// The in-progress item restarts from pending.
	item := reloaded.Next(time.Now())
	require.NotNil(t, item)
	assert.Equal(t, "a", item.JobID)
	assert.Equal(t, "^XA^XZ", item.Content)
}
