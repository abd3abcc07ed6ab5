package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestScheduler(t *testing.T) *Scheduler {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	logger := logrus.New()
	logger.SetOutput(nullWriter{})
	return New(client, "flowengine-test:", logger)
}

type nullWriter struct{}

func (nullWriter) Write(p []byte) (int, error) { return len(p), nil }

func TestScheduleTimerBecomesDueAtDeadline(t *testing.T) {
	s := newTestScheduler(t)
	ctx := context.Background()
	now := time.Now()

	require.NoError(t, s.ScheduleTimer(ctx, "token/1", now.Add(time.Second)))

	due, err := s.DueTimers(ctx, now)
	require.NoError(t, err)
	assert.Empty(t, due)

	due, err = s.DueTimers(ctx, now.Add(2*time.Second))
	require.NoError(t, err)
	assert.Equal(t, []string{"token/1"}, due)
}

func TestCancelTimerRemovesIt(t *testing.T) {
	s := newTestScheduler(t)
	ctx := context.Background()
	now := time.Now()

	require.NoError(t, s.ScheduleTimer(ctx, "token/1", now))
	require.NoError(t, s.CancelTimer(ctx, "token/1"))

	due, err := s.DueTimers(ctx, now)
	require.NoError(t, err)
	assert.Empty(t, due)
}

func TestTickClearsSuccessfullyHandledTimers(t *testing.T) {
	s := newTestScheduler(t)
	ctx := context.Background()
	now := time.Now()

	require.NoError(t, s.ScheduleTimer(ctx, "token/1", now))
	require.NoError(t, s.ScheduleTimer(ctx, "token/2", now))

	var handled []string
	require.NoError(t, s.Tick(ctx, now, func(ctx context.Context, tokenURI string) error {
		handled = append(handled, tokenURI)
		return nil
	}))

	assert.ElementsMatch(t, []string{"token/1", "token/2"}, handled)

	due, err := s.DueTimers(ctx, now)
	require.NoError(t, err)
	assert.Empty(t, due)
}

func TestTickLeavesFailedTimerQueuedForRetry(t *testing.T) {
	s := newTestScheduler(t)
	ctx := context.Background()
	now := time.Now()

	require.NoError(t, s.ScheduleTimer(ctx, "token/bad", now))
	require.NoError(t, s.ScheduleTimer(ctx, "token/good", now))

	require.NoError(t, s.Tick(ctx, now, func(ctx context.Context, tokenURI string) error {
		if tokenURI == "token/bad" {
			return assert.AnError
		}
		return nil
	}))

	due, err := s.DueTimers(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, []string{"token/bad"}, due)
}
