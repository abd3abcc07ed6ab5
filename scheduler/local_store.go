package scheduler

import (
	"context"
	"fmt"
	"sort"
	"time"

	"flow.evalgo.org/db/bolt"
	"github.com/sirupsen/logrus"
)

const localTimersBucket = "timers"

// LocalStore is a BoltDB-backed timer queue for deployments with no Redis,
// adapted from db/bolt.DB's generic bucket helpers. It satisfies the same
// shape of operations as Scheduler but keeps the sorted set entirely local,
// so DueTimers pays an O(n) scan rather than Redis's O(log n + k)
// ZRangeByScore; fine for the single-host deployments this fallback targets.
type LocalStore struct {
	db       *bolt.DB
	logger   *logrus.Logger
	stopChan chan struct{}
}

// OpenLocalStore opens (or creates) a BoltDB file at path for timer storage.
// A nil logger falls back to logrus's standard logger.
func OpenLocalStore(path string, logger *logrus.Logger) (*LocalStore, error) {
	db, err := bolt.Open(path)
	if err != nil {
		return nil, fmt.Errorf("scheduler: open local timer store: %w", err)
	}
	if err := db.CreateBucket(localTimersBucket); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &LocalStore{db: db, logger: logger, stopChan: make(chan struct{})}, nil
}

// Close releases the underlying Bolt file.
func (l *LocalStore) Close() error {
	return l.db.Close()
}

// ScheduleTimer records tokenURI's deadline, replacing any prior one. ctx is
// accepted (and ignored) only to satisfy engine.TimerScheduler; bbolt
// transactions carry no cancellation of their own.
func (l *LocalStore) ScheduleTimer(ctx context.Context, tokenURI string, deadline time.Time) error {
	return l.db.PutJSON(localTimersBucket, tokenURI, deadline.UTC())
}

// CancelTimer removes tokenURI's pending timer, if any.
func (l *LocalStore) CancelTimer(ctx context.Context, tokenURI string) error {
	return l.db.Delete(localTimersBucket, tokenURI)
}

// DueTimers returns every token URI whose deadline is at or before asOf,
// in ascending deadline order.
func (l *LocalStore) DueTimers(asOf time.Time) ([]string, error) {
	type entry struct {
		token    string
		deadline time.Time
	}
	var due []entry
	err := l.db.ForEachJSON(localTimersBucket,
		func(key string, value interface{}) error {
			deadline := *value.(*time.Time)
			if !deadline.After(asOf) {
				due = append(due, entry{token: key, deadline: deadline})
			}
			return nil
		},
		func() interface{} { return new(time.Time) },
	)
	if err != nil {
		return nil, fmt.Errorf("scheduler: scan local timers: %w", err)
	}
	sort.Slice(due, func(i, j int) bool { return due[i].deadline.Before(due[j].deadline) })
	out := make([]string, len(due))
	for i, e := range due {
		out[i] = e.token
	}
	return out, nil
}

// Tick processes every timer due at or before asOf, mirroring Scheduler.Tick:
// a handler failure is logged and leaves that token queued for the next tick
// without blocking the rest.
func (l *LocalStore) Tick(ctx context.Context, asOf time.Time, handle DueHandler) error {
	due, err := l.DueTimers(asOf)
	if err != nil {
		return err
	}
	for _, tokenURI := range due {
		if err := handle(ctx, tokenURI); err != nil {
			l.logger.WithError(err).WithField("token", tokenURI).Error("scheduler: local timer handler failed, will retry next tick")
			continue
		}
		if err := l.CancelTimer(ctx, tokenURI); err != nil {
			l.logger.WithError(err).WithField("token", tokenURI).Error("scheduler: failed to clear fired local timer")
		}
	}
	return nil
}

// Start runs Tick on interval until Stop is called.
func (l *LocalStore) Start(interval time.Duration, handle DueHandler) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-l.stopChan:
				return
			case now := <-ticker.C:
				if err := l.Tick(context.Background(), now, handle); err != nil {
					l.logger.WithError(err).Error("scheduler: local tick failed")
				}
			}
		}
	}()
}

// Stop halts the Start loop.
func (l *LocalStore) Stop() {
	close(l.stopChan)
}
