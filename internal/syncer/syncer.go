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

// Package syncer orchestrates the background work of the engine: one refresh
// loop per data category, a drain loop for queued mutations, and reactive
// refreshes when the remote side signals a change. Loops are independent; a
// slow payments fetch never delays the jobs refresh.
package syncer

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jellydator/ttlcache/v3"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/cardinalhq/fieldsync/config"
	"github.com/cardinalhq/fieldsync/internal/broadcaster"
	"github.com/cardinalhq/fieldsync/internal/cachemgr"
	"github.com/cardinalhq/fieldsync/internal/codec"
	"github.com/cardinalhq/fieldsync/internal/pendingqueue"
	"github.com/cardinalhq/fieldsync/pkg/domain"
	"github.com/cardinalhq/fieldsync/pkg/remote"
)

var (
	meter = otel.Meter("github.com/cardinalhq/fieldsync/internal/syncer")

	refreshCounter metric.Int64Counter
	drainCounter   metric.Int64Counter
	fetchDuration  metric.Float64Histogram
)

func init() {
	var err error
	refreshCounter, err = meter.Int64Counter(
		"fieldsync.refresh.cycles",
		metric.WithDescription("Refresh cycles by category and outcome (cached, fetched, failed)"),
	)
	if err != nil {
		panic(fmt.Errorf("failed to create refresh counter: %w", err))
	}
	drainCounter, err = meter.Int64Counter(
		"fieldsync.drain.actions",
		metric.WithDescription("Drain submissions by outcome (submitted, failed, deadlettered)"),
	)
	if err != nil {
		panic(fmt.Errorf("failed to create drain counter: %w", err))
	}
	fetchDuration, err = meter.Float64Histogram(
		"fieldsync.remote.fetch.duration",
		metric.WithUnit("ms"),
		metric.WithDescription("Remote fetch latency by category"),
	)
	if err != nil {
		panic(fmt.Errorf("failed to create fetch histogram: %w", err))
	}
}

// State is the observable phase of one category's refresh cycle, or of the
// drain cycle.
type State string

const (
	StateIdle          State = "idle"
	StateRefreshing    State = "refreshing"
	StateRefreshFailed State = "refresh_failed"
	StateDraining      State = "draining"
)

// catState serializes refreshes of one category. Categories never share it.
type catState struct {
	mu      sync.Mutex
	state   State
	lastErr error
}

// Syncer drives refresh and drain cycles against the injected remote source.
type Syncer struct {
	cfg      *config.Config
	cache    *cachemgr.Manager
	queue    *pendingqueue.Queue
	bcast    *broadcaster.Broadcaster
	source   remote.Source
	notifier remote.ChangeNotifier
	codec    *codec.Codec
	ll       *slog.Logger

	// GuardID scopes the per-guard categories; jobs are board-wide.
	guardID string

	states   map[domain.Category]*catState
	drainMu  sync.Mutex
	draining State

	// debounce collapses notification bursts per category.
	debounce *ttlcache.Cache[string, struct{}]

	// drainKick wakes the drain loop ahead of its ticker, used when
	// connectivity returns or a mutation was just queued.
	drainKick chan struct{}

	nowFn func() time.Time
}

// New creates a Syncer. The notifier may be nil; everything else is required.
func New(
	cfg *config.Config,
	guardID string,
	cache *cachemgr.Manager,
	queue *pendingqueue.Queue,
	bcast *broadcaster.Broadcaster,
	source remote.Source,
	notifier remote.ChangeNotifier,
	c *codec.Codec,
	logger *slog.Logger,
) *Syncer {
	if logger == nil {
		logger = slog.Default()
	}
	states := make(map[domain.Category]*catState, len(domain.Categories))
	for _, cat := range domain.Categories {
		states[cat] = &catState{state: StateIdle}
	}
	debounce := ttlcache.New[string, struct{}](
		ttlcache.WithTTL[string, struct{}](cfg.NotifyDebounce),
		ttlcache.WithDisableTouchOnHit[string, struct{}](),
	)
	return &Syncer{
		cfg:       cfg,
		cache:     cache,
		queue:     queue,
		bcast:     bcast,
		source:    source,
		notifier:  notifier,
		codec:     c,
		ll:        logger.With("component", "syncer"),
		guardID:   guardID,
		states:    states,
		draining:  StateIdle,
		debounce:  debounce,
		drainKick: make(chan struct{}, 1),
		nowFn:     time.Now,
	}
}

// scopeFor returns the remote scope for a category: the job board is shared,
// everything else belongs to the guard.
func (s *Syncer) scopeFor(cat domain.Category) string {
	if cat == domain.CategoryJobs {
		return "all"
	}
	return s.guardID
}

// keyFor is the cache key a category's data lives under.
func (s *Syncer) keyFor(cat domain.Category) string {
	return domain.Key(cat, s.scopeFor(cat))
}

// CategoryState reports the refresh state of one category.
func (s *Syncer) CategoryState(cat domain.Category) State {
	st, ok := s.states[cat]
	if !ok {
		return StateIdle
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.state
}

// DrainState reports whether a drain pass is in progress.
func (s *Syncer) DrainState() State {
	s.drainMu.Lock()
	defer s.drainMu.Unlock()
	return s.draining
}

// KickDrain wakes the drain loop without waiting for the next tick. Called
// when connectivity is restored or right after a mutation is queued.
func (s *Syncer) KickDrain() {
	select {
	case s.drainKick <- struct{}{}:
	default:
	}
}
