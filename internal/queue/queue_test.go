package queue

import (
	"context"
	"errors"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestDB(t *testing.T) (*SQLStore, func()) {
	t.Helper()
	tmpDir, err := os.MkdirTemp("", "queue-test-*")
	require.NoError(t, err)
	s, err := OpenSQLite(tmpDir)
	if err != nil {
		os.RemoveAll(tmpDir)
		t.Fatalf("Failed to open queue: %v", err)
	}
	return s, func() {
		s.Close()
		os.RemoveAll(tmpDir)
	}
}

// withClock pins the store clock and returns a function that advances it
func withClock(s *SQLStore) func(time.Duration) {
	now := time.Now().UTC().Truncate(time.Millisecond)
	s.now = func() time.Time { return now }
	return func(d time.Duration) { now = now.Add(d) }
}

func enqueueN(t *testing.T, s *SQLStore, advance func(time.Duration), n int) []*Item {
	t.Helper()
	var out []*Item
	for i := 0; i < n; i++ {
		it, err := s.Enqueue(context.Background(), MemoryIngestion, Payload{Content: "note", UserID: "alice"})
		require.NoError(t, err)
		out = append(out, it)
		advance(time.Millisecond)
	}
	return out
}

func TestDequeueClaimsInOrder(t *testing.T) {
	s, cleanup := setupTestDB(t)
	defer cleanup()
	ctx := context.Background()
	advance := withClock(s)
	queued := enqueueN(t, s, advance, 3)

	batch, err := s.Dequeue(ctx, MemoryIngestion, 2, time.Minute)
	require.NoError(t, err)
	require.Len(t, batch, 2)
	assert.Equal(t, queued[0].ID, batch[0].ID)
	assert.Equal(t, queued[1].ID, batch[1].ID)
	assert.Equal(t, StatusProcessing, batch[0].Status)
	assert.Equal(t, "user:alice", batch[0].Payload.Owner().WorkspaceID)

	batch, err = s.Dequeue(ctx, MemoryIngestion, 2, time.Minute)
	require.NoError(t, err)
	require.Len(t, batch, 1)
	assert.Equal(t, queued[2].ID, batch[0].ID)

	_, err = s.Dequeue(ctx, MemoryIngestion, 2, time.Minute)
	assert.ErrorIs(t, err, ErrNoItems)

	_, err = s.Dequeue(ctx, CodeIngestion, 2, time.Minute)
	assert.ErrorIs(t, err, ErrNoItems)
}

func TestVisibilityTimeoutRedelivers(t *testing.T) {
	s, cleanup := setupTestDB(t)
	defer cleanup()
	ctx := context.Background()
	advance := withClock(s)
	queued := enqueueN(t, s, advance, 1)

	_, err := s.Dequeue(ctx, MemoryIngestion, 10, time.Minute)
	require.NoError(t, err)

	advance(30 * time.Second)
	_, err = s.Dequeue(ctx, MemoryIngestion, 10, time.Minute)
	assert.ErrorIs(t, err, ErrNoItems, "lease still held")

	advance(time.Minute)
	batch, err := s.Dequeue(ctx, MemoryIngestion, 10, time.Minute)
	require.NoError(t, err)
	require.Len(t, batch, 1)
	assert.Equal(t, queued[0].ID, batch[0].ID)
}

func TestFailRequeueAndDeadLetter(t *testing.T) {
	s, cleanup := setupTestDB(t)
	defer cleanup()
	ctx := context.Background()
	advance := withClock(s)
	queued := enqueueN(t, s, advance, 1)
	id := queued[0].ID

	for attempt := 1; attempt <= 3; attempt++ {
		batch, err := s.Dequeue(ctx, MemoryIngestion, 10, time.Minute)
		require.NoError(t, err, "attempt %d", attempt)
		require.NoError(t, s.Fail(ctx, batch[0].ID, "boom", "stack"))

		it, err := s.GetItem(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, StatusFailed, it.Status)
		assert.Equal(t, attempt, it.RetryCount)
		assert.Equal(t, "boom", it.Error)

		requeued, dead, err := s.Requeue(ctx, 3)
		require.NoError(t, err)
		if attempt < 3 {
			assert.Equal(t, 1, requeued)
			assert.Equal(t, 0, dead)
		} else {
			assert.Equal(t, 0, requeued)
			assert.Equal(t, 1, dead)
		}
	}

	it, err := s.GetItem(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StatusDeadLetter, it.Status)

	_, err = s.Dequeue(ctx, MemoryIngestion, 10, time.Minute)
	assert.ErrorIs(t, err, ErrNoItems)
}

func TestEnqueueDetectionDedupesPending(t *testing.T) {
	s, cleanup := setupTestDB(t)
	defer cleanup()
	ctx := context.Background()

	added, err := s.EnqueueDetection(ctx, "user:alice")
	require.NoError(t, err)
	assert.True(t, added)

	added, err = s.EnqueueDetection(ctx, "user:alice")
	require.NoError(t, err)
	assert.False(t, added)

	added, err = s.EnqueueDetection(ctx, "team:core")
	require.NoError(t, err)
	assert.True(t, added)

	// Once claimed, a new pass may be queued behind it
	_, err = s.Dequeue(ctx, PatternDetection, 10, time.Minute)
	require.NoError(t, err)
	added, err = s.EnqueueDetection(ctx, "user:alice")
	require.NoError(t, err)
	assert.True(t, added)

	_, err = s.EnqueueDetection(ctx, "")
	assert.Error(t, err)
}

func TestCleanupKeepsFailures(t *testing.T) {
	s, cleanup := setupTestDB(t)
	defer cleanup()
	ctx := context.Background()
	advance := withClock(s)
	enqueueN(t, s, advance, 2)

	batch, err := s.Dequeue(ctx, MemoryIngestion, 10, time.Minute)
	require.NoError(t, err)
	require.NoError(t, s.Complete(ctx, batch[0].ID))
	require.NoError(t, s.Fail(ctx, batch[1].ID, "boom", ""))

	advance(25 * time.Hour)
	n, err := s.Cleanup(ctx, s.now().Add(-24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = s.GetItem(ctx, batch[0].ID)
	assert.ErrorIs(t, err, ErrNotFound)
	it, err := s.GetItem(ctx, batch[1].ID)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, it.Status)
}

func TestConsumerRecordsOutcomes(t *testing.T) {
	s, cleanup := setupTestDB(t)
	defer cleanup()
	ctx := context.Background()

	ok, _ := s.Enqueue(ctx, MemoryIngestion, Payload{Content: "ok", UserID: "alice"})
	bad, _ := s.Enqueue(ctx, MemoryIngestion, Payload{Content: "bad", UserID: "alice"})
	boom, _ := s.Enqueue(ctx, MemoryIngestion, Payload{Content: "panic", UserID: "alice"})

	c := NewConsumer(s, MemoryIngestion, func(ctx context.Context, it *Item) error {
		switch it.Payload.Content {
		case "bad":
			return errors.New("provider exploded")
		case "panic":
			panic("nil map")
		}
		return nil
	})

	job, err := c.ProcessBatch(ctx)
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, JobCompleted, job.Status)
	assert.Equal(t, 3, job.ItemCount)
	assert.Equal(t, 1, job.Processed)
	assert.Equal(t, 2, job.Failed)
	assert.NotNil(t, job.CompletedAt)

	it, err := s.GetItem(ctx, ok.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, it.Status)
	assert.Equal(t, job.ID, it.JobID)

	it, err = s.GetItem(ctx, bad.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, it.Status)
	assert.Equal(t, "provider exploded", it.Error)
	assert.Equal(t, 1, it.RetryCount)

	it, err = s.GetItem(ctx, boom.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, it.Status)
	assert.Contains(t, it.Error, "panic: nil map")
	assert.Contains(t, it.ErrorStack, "goroutine")

	// Nothing left
	job, err = c.ProcessBatch(ctx)
	require.NoError(t, err)
	assert.Nil(t, job)
}

func TestConsumerStopsOnCancel(t *testing.T) {
	s, cleanup := setupTestDB(t)
	defer cleanup()
	ctx := context.Background()
	advance := withClock(s)
	queued := enqueueN(t, s, advance, 4)

	var handled atomic.Int32
	c := NewConsumer(s, MemoryIngestion, func(ctx context.Context, it *Item) error {
		if handled.Add(1) == 1 {
			return s.Cancel(ctx, it.JobID)
		}
		return nil
	})
	c.Workers = 1

	job, err := c.ProcessBatch(ctx)
	require.NoError(t, err)
	assert.Equal(t, JobCancelled, job.Status)
	assert.LessOrEqual(t, int(handled.Load()), 2)

	// The last two items were never started and are claimable again
	for _, q := range queued[2:] {
		it, err := s.GetItem(ctx, q.ID)
		require.NoError(t, err)
		assert.Equal(t, StatusPending, it.Status)
		assert.Empty(t, it.JobID)
	}

	assert.Error(t, s.Cancel(ctx, job.ID), "already cancelled")
	assert.ErrorIs(t, s.Cancel(ctx, "missing"), ErrNotFound)
}

type busyGuard struct{ busy bool }

func (g busyGuard) Busy(ctx context.Context) bool { return g.busy }

func TestConsumerSkipsWhenBusy(t *testing.T) {
	s, cleanup := setupTestDB(t)
	defer cleanup()
	ctx := context.Background()
	advance := withClock(s)
	enqueueN(t, s, advance, 1)

	called := false
	c := NewConsumer(s, MemoryIngestion, func(ctx context.Context, it *Item) error {
		called = true
		return nil
	})
	c.SetGuard(busyGuard{busy: true})

	job, err := c.ProcessBatch(ctx)
	require.NoError(t, err)
	assert.Nil(t, job)
	assert.False(t, called)

	c.SetGuard(busyGuard{})
	job, err = c.ProcessBatch(ctx)
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.True(t, called)
}

func TestRebind(t *testing.T) {
	assert.Equal(t, "SELECT * FROM t WHERE a = $1 AND b IN ($2,$3)", rebind("SELECT * FROM t WHERE a = ? AND b IN (?,?)"))
}

func TestPostgresStore(t *testing.T) {
	dsn := os.Getenv("QUEUE_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("QUEUE_TEST_POSTGRES_DSN not set")
	}
	s, err := OpenPostgres(dsn)
	require.NoError(t, err)
	defer s.Close()
	ctx := context.Background()

	ws := "user:pgtest-" + time.Now().Format("150405.000")
	added, err := s.EnqueueDetection(ctx, ws)
	require.NoError(t, err)
	assert.True(t, added)
	added, err = s.EnqueueDetection(ctx, ws)
	require.NoError(t, err)
	assert.False(t, added)

	batch, err := s.Dequeue(ctx, PatternDetection, 100, time.Minute)
	require.NoError(t, err)
	var mine *Item
	for _, it := range batch {
		if it.Payload.WorkspaceID == ws {
			mine = it
		}
	}
	require.NotNil(t, mine)
	require.NoError(t, s.Complete(ctx, mine.ID))
	_ = s.Release(ctx, ids(batch))
}

func ids(items []*Item) []string {
	out := make([]string, len(items))
	for i, it := range items {
		out[i] = it.ID
	}
	return out
}
