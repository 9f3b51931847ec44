// Copyright (C) 2025 CardinalHQ, Inc
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as
// published by the Free Software Foundation, version 3.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program. If not, see <http://www.gnu.org/licenses/>.

package syncer

import (
	"context"
	"time"

	"github.com/jellydator/ttlcache/v3"
	"golang.org/x/sync/errgroup"

	"github.com/cardinalhq/fieldsync/pkg/domain"
)

// Run starts every periodic loop and blocks until ctx is cancelled. Each
// category refreshes on its own ticker in its own goroutine; the drain cycle
// and the notification listeners run beside them. All failures inside the
// loops are logged and retried on the next tick, never propagated.
func (s *Syncer) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	go s.debounce.Start()
	defer s.debounce.Stop()

	for _, cat := range domain.Categories {
		g.Go(func() error {
			s.refreshLoop(ctx, cat)
			return nil
		})
		if s.notifier != nil {
			g.Go(func() error {
				s.notifyLoop(ctx, cat)
				return nil
			})
		}
	}
	g.Go(func() error {
		s.drainLoop(ctx)
		return nil
	})

	s.ll.Info("Synchronizer running",
		"categories", len(domain.Categories),
		"drain_interval", s.cfg.Drain.Interval,
		"notifier", s.notifier != nil)
	return g.Wait()
}

// refreshLoop ticks one category. The first refresh happens immediately so a
// cold start populates the cache without waiting a full interval.
func (s *Syncer) refreshLoop(ctx context.Context, cat domain.Category) {
	interval := s.cfg.Category(cat).RefreshInterval
	s.tryRefresh(ctx, cat)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.ll.Debug("Refresh loop stopping", "category", cat)
			return
		case <-ticker.C:
			s.tryRefresh(ctx, cat)
		}
	}
}

func (s *Syncer) tryRefresh(ctx context.Context, cat domain.Category) {
	if err := s.Refresh(ctx, cat, false); err != nil {
		if ctx.Err() != nil {
			return
		}
		s.ll.Warn("Scheduled refresh failed (next tick retries)", "category", cat, "error", err)
	}
}

// drainLoop ticks the pending-action queue and also wakes on KickDrain.
func (s *Syncer) drainLoop(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.Drain.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.ll.Debug("Drain loop stopping")
			return
		case <-ticker.C:
		case <-s.drainKick:
		}
		if err := s.Drain(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			s.ll.Warn("Drain pass had failures (next cycle retries)", "error", err)
		}
	}
}

// notifyLoop forwards remote change notifications into forced refreshes,
// debounced per category. The notification carries no trusted payload; it is
// only a trigger.
func (s *Syncer) notifyLoop(ctx context.Context, cat domain.Category) {
	ch, err := s.notifier.Notifications(ctx, cat)
	if err != nil {
		s.ll.Warn("Change notifications unavailable, relying on timers", "category", cat, "error", err)
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		case _, ok := <-ch:
			if !ok {
				s.ll.Debug("Notification stream closed", "category", cat)
				return
			}
			if s.debounce.Get(string(cat)) != nil {
				s.ll.Debug("Notification debounced", "category", cat)
				continue
			}
			s.debounce.Set(string(cat), struct{}{}, ttlcache.DefaultTTL)
			if err := s.Refresh(ctx, cat, true); err != nil && ctx.Err() == nil {
				s.ll.Warn("Notified refresh failed (next tick retries)", "category", cat, "error", err)
			}
		}
	}
}
