package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAddRejectsBadSpec(t *testing.T) {
	s := New()
	err := s.Add("broken", "every tuesday", func(ctx context.Context) error { return nil })
	assert.Error(t, err)
	assert.Equal(t, 0, s.Len())

	require.NoError(t, s.Add("disabled", "", func(ctx context.Context) error { return nil }))
	assert.Equal(t, 0, s.Len())

	require.NoError(t, s.Add("sweep", "5 * * * *", func(ctx context.Context) error { return nil }))
	assert.Equal(t, 1, s.Len())
}

func TestRunExecutesTasks(t *testing.T) {
	s := New()
	var ok, failing atomic.Int32
	require.NoError(t, s.Add("tick", "@every 1s", func(ctx context.Context) error {
		ok.Add(1)
		return nil
	}))
	require.NoError(t, s.Add("fails", "@every 1s", func(ctx context.Context) error {
		failing.Add(1)
		return errors.New("store unavailable")
	}))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = s.Run(ctx)
		close(done)
	}()

	assert.Eventually(t, func() bool { return ok.Load() > 0 && failing.Load() > 0 }, 5*time.Second, 50*time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("scheduler did not stop")
	}
}
