package scheduler

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLocalStore(t *testing.T) *LocalStore {
	t.Helper()
	store, err := OpenLocalStore(filepath.Join(t.TempDir(), "timers.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestLocalStoreScheduleTimerBecomesDueAtDeadline(t *testing.T) {
	store := newTestLocalStore(t)
	ctx := context.Background()
	now := time.Now()

	require.NoError(t, store.ScheduleTimer(ctx, "token/1", now.Add(time.Second)))

	due, err := store.DueTimers(now)
	require.NoError(t, err)
	assert.Empty(t, due)

	due, err = store.DueTimers(now.Add(2 * time.Second))
	require.NoError(t, err)
	assert.Equal(t, []string{"token/1"}, due)
}

func TestLocalStoreCancelTimerRemovesIt(t *testing.T) {
	store := newTestLocalStore(t)
	ctx := context.Background()
	now := time.Now()

	require.NoError(t, store.ScheduleTimer(ctx, "token/1", now))
	require.NoError(t, store.CancelTimer(ctx, "token/1"))

	due, err := store.DueTimers(now)
	require.NoError(t, err)
	assert.Empty(t, due)
}

func TestLocalStoreDueTimersOrderedByDeadline(t *testing.T) {
	store := newTestLocalStore(t)
	ctx := context.Background()
	now := time.Now()

	require.NoError(t, store.ScheduleTimer(ctx, "token/later", now.Add(2*time.Second)))
	require.NoError(t, store.ScheduleTimer(ctx, "token/earlier", now.Add(1*time.Second)))

	due, err := store.DueTimers(now.Add(3 * time.Second))
	require.NoError(t, err)
	assert.Equal(t, []string{"token/earlier", "token/later"}, due)
}

func TestLocalStoreTickClearsSuccessfullyHandledTimers(t *testing.T) {
	store := newTestLocalStore(t)
	ctx := context.Background()
	now := time.Now()

	require.NoError(t, store.ScheduleTimer(ctx, "token/1", now))
	require.NoError(t, store.ScheduleTimer(ctx, "token/2", now))

	var handled []string
	require.NoError(t, store.Tick(ctx, now, func(ctx context.Context, tokenURI string) error {
		handled = append(handled, tokenURI)
		return nil
	}))

	assert.ElementsMatch(t, []string{"token/1", "token/2"}, handled)

	due, err := store.DueTimers(now)
	require.NoError(t, err)
	assert.Empty(t, due)
}
