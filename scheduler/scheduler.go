// Package scheduler implements the Scheduler (C9): a timer priority queue
// that wakes waiting tokens when their deadline elapses, grounded on
// queue/redis.Queue's ZAdd/ZRem processing-set pattern and worker.Pool's
// ticking worker-loop structure.
package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// DueHandler is invoked once per due timer. Per spec.md §4.9, a failure
// handling one due timer must not affect any other timer in the same tick;
// a non-nil return leaves the timer in the queue for the next tick.
type DueHandler func(ctx context.Context, tokenURI string) error

// Scheduler maintains a Redis sorted set of (tokenURI, deadline) pairs and
// polls it on a tick for due entries.
type Scheduler struct {
	client   *redis.Client
	prefix   string
	logger   *logrus.Logger
	stopChan chan struct{}
}

// New wraps an already-constructed Redis client. prefix namespaces the
// sorted-set key (e.g. "flowengine:").
func New(client *redis.Client, prefix string, logger *logrus.Logger) *Scheduler {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Scheduler{client: client, prefix: prefix, logger: logger, stopChan: make(chan struct{})}
}

// NewFromURL parses redisURL, connects, and verifies connectivity before
// returning, mirroring queue.NewQueue's construction.
func NewFromURL(ctx context.Context, redisURL, prefix string, logger *logrus.Logger) (*Scheduler, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("scheduler: parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("scheduler: connect redis: %w", err)
	}
	return New(client, prefix, logger), nil
}

func (s *Scheduler) timersKey() string {
	return s.prefix + "timers"
}

// ScheduleTimer arranges for tokenURI to become due at deadline. Scheduling
// the same token twice replaces its previous deadline (ZAdd overwrites the
// member's score).
func (s *Scheduler) ScheduleTimer(ctx context.Context, tokenURI string, deadline time.Time) error {
	err := s.client.ZAdd(ctx, s.timersKey(), redis.Z{
		Score:  float64(deadline.Unix()),
		Member: tokenURI,
	}).Err()
	if err != nil {
		return fmt.Errorf("scheduler: schedule timer: %w", err)
	}
	return nil
}

// CancelTimer removes tokenURI's pending timer, if any (e.g. an
// interrupting boundary timer whose activity completed first).
func (s *Scheduler) CancelTimer(ctx context.Context, tokenURI string) error {
	if err := s.client.ZRem(ctx, s.timersKey(), tokenURI).Err(); err != nil {
		return fmt.Errorf("scheduler: cancel timer: %w", err)
	}
	return nil
}

// DueTimers returns every token URI whose deadline is at or before asOf.
func (s *Scheduler) DueTimers(ctx context.Context, asOf time.Time) ([]string, error) {
	results, err := s.client.ZRangeByScore(ctx, s.timersKey(), &redis.ZRangeBy{
		Min: "-inf",
		Max: fmt.Sprintf("%d", asOf.Unix()),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("scheduler: list due timers: %w", err)
	}
	return results, nil
}

// Tick processes every timer due at or before asOf. Each token's handler
// runs independently: an error handling one token is logged and leaves
// that token queued for the next tick, without blocking the rest.
func (s *Scheduler) Tick(ctx context.Context, asOf time.Time, handle DueHandler) error {
	due, err := s.DueTimers(ctx, asOf)
	if err != nil {
		return err
	}
	for _, tokenURI := range due {
		if err := handle(ctx, tokenURI); err != nil {
			s.logger.WithError(err).WithField("token", tokenURI).Error("scheduler: timer handler failed, will retry next tick")
			continue
		}
		if err := s.CancelTimer(ctx, tokenURI); err != nil {
			s.logger.WithError(err).WithField("token", tokenURI).Error("scheduler: failed to clear fired timer")
		}
	}
	return nil
}

// Start runs Tick on interval until Stop is called, logging (not
// propagating) per-tick errors so the loop survives a transient Redis
// hiccup.
func (s *Scheduler) Start(interval time.Duration, handle DueHandler) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-s.stopChan:
				return
			case now := <-ticker.C:
				if err := s.Tick(context.Background(), now, handle); err != nil {
					s.logger.WithError(err).Error("scheduler: tick failed")
				}
			}
		}
	}()
}

// Stop halts the Start loop.
func (s *Scheduler) Stop() {
	close(s.stopChan)
}

// Close closes the underlying Redis client.
func (s *Scheduler) Close() error {
	return s.client.Close()
}
