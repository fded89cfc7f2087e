// SPDX-FileCopyrightText: Copyright 2025 flAPI authors
// SPDX-License-Identifier: Apache-2.0

// Package scheduler drives periodic cache refreshes off the project
// heartbeat. Each tick scans the registered endpoints and refreshes
// those whose latest snapshot is older than their schedule.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/flapi-io/flapi/pkg/cache"
	"github.com/flapi-io/flapi/pkg/config"
	"github.com/flapi-io/flapi/pkg/logger"
)

// Refresher is the slice of the cache manager the scheduler needs.
type Refresher interface {
	Refresh(ctx context.Context, ep *config.Endpoint, reason string) (cache.RefreshResult, error)
	LastSnapshotTime(ep *config.Endpoint) (time.Time, bool)
	SetNextScheduled(ep *config.Endpoint, t time.Time)
}

// Scheduler ticks at the heartbeat interval and triggers due refreshes.
// A Scheduler cannot be restarted after Stop; create a new one instead.
type Scheduler struct {
	refresher Refresher
	registry  *config.Registry
	interval  time.Duration

	clock func() time.Time

	mu      sync.Mutex
	started bool
	stopped bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New creates a scheduler from the heartbeat settings.
func New(refresher Refresher, registry *config.Registry, settings config.HeartbeatSettings) (*Scheduler, error) {
	if settings.WorkerInterval.Duration() <= 0 {
		return nil, fmt.Errorf("heartbeat worker-interval must be > 0, got %v", settings.WorkerInterval.Duration())
	}
	return &Scheduler{
		refresher: refresher,
		registry:  registry,
		interval:  settings.WorkerInterval.Duration(),
		clock:     time.Now,
	}, nil
}

// Start runs the warm-up scan synchronously, then launches the
// heartbeat loop. It returns only after the first pass completes, so a
// caller that opens its listener after Start never serves a cache that
// was stale at boot.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return fmt.Errorf("scheduler has been stopped and cannot be restarted")
	}
	if s.started {
		return fmt.Errorf("scheduler already started")
	}
	loopCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.started = true

	s.Scan(loopCtx)

	logger.Infof("cache scheduler started (interval %s)", s.interval)
	s.wg.Add(1)
	go s.run(loopCtx)
	return nil
}

// Stop cancels the heartbeat loop and waits for the in-flight scan.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	s.cancel()
	s.started = false
	s.stopped = true
	s.mu.Unlock()
	s.wg.Wait()
	logger.Infof("cache scheduler stopped")
}

func (s *Scheduler) run(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Scan(ctx)
		}
	}
}

// Scan walks the current endpoint snapshot and refreshes every cache
// that is due. Refresh failures are logged and retried on a later tick;
// the previous snapshot keeps serving reads in the meantime.
func (s *Scheduler) Scan(ctx context.Context) {
	for _, ep := range s.registry.Snapshot().CachedEndpoints() {
		if ctx.Err() != nil {
			return
		}
		schedule := scheduleOf(ep)
		if schedule <= 0 {
			continue
		}
		now := s.clock()
		last, ok := s.refresher.LastSnapshotTime(ep)
		if ok && now.Sub(last) < schedule {
			s.refresher.SetNextScheduled(ep, last.Add(schedule))
			continue
		}

		res, err := s.refresher.Refresh(ctx, ep, "schedule")
		switch {
		case err != nil:
			logger.Warnf("scheduled refresh failed for %s: %v", ep.URLPath, err)
		case res.Coalesced:
			// Another trigger is already refreshing this endpoint.
		default:
			s.refresher.SetNextScheduled(ep, s.clock().Add(schedule))
		}
	}
}

func scheduleOf(ep *config.Endpoint) time.Duration {
	if ep.Cache == nil || !ep.Cache.Enabled {
		return 0
	}
	return ep.Cache.Schedule.Duration()
}
