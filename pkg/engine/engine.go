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

// Package engine assembles the offline-first data layer: local store, TTL
// cache, pending-action queue, dedup broadcaster, and synchronizer. One
// Engine is constructed at process start and injected into whatever needs
// it; there is no ambient global instance.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"

	"github.com/cardinalhq/fieldsync/config"
	"github.com/cardinalhq/fieldsync/internal/broadcaster"
	"github.com/cardinalhq/fieldsync/internal/cachemgr"
	"github.com/cardinalhq/fieldsync/internal/codec"
	"github.com/cardinalhq/fieldsync/internal/idgen"
	"github.com/cardinalhq/fieldsync/internal/localstore"
	"github.com/cardinalhq/fieldsync/internal/pendingqueue"
	"github.com/cardinalhq/fieldsync/internal/syncer"
	"github.com/cardinalhq/fieldsync/pkg/domain"
	"github.com/cardinalhq/fieldsync/pkg/remote"
)

// EqualFunc mirrors the broadcaster's equality contract so callers can plug
// in a per-category comparison without reaching into internal packages.
type EqualFunc = func(prev, next any) bool

// Options carries the injectable collaborators beyond the remote source.
type Options struct {
	// GuardID scopes the per-guard categories.
	GuardID string
	// Notifier is the optional remote change feed.
	Notifier remote.ChangeNotifier
	// Logger defaults to slog.Default().
	Logger *slog.Logger
	// EqualFuncs overrides the per-topic equality used for publish dedup.
	// The dashboard topic defaults to its partial field comparison.
	EqualFuncs map[domain.Category]EqualFunc
}

// Engine is the single long-lived handle over the data layer.
type Engine struct {
	cfg    *config.Config
	store  *localstore.Store
	cache  *cachemgr.Manager
	queue  *pendingqueue.Queue
	bcast  *broadcaster.Broadcaster
	syncer *syncer.Syncer
	ll     *slog.Logger

	instanceID int64

	mu        sync.Mutex
	cancelRun context.CancelFunc
	closed    bool
}

// New opens the local store and wires up the engine. The returned Engine is
// usable immediately for reads, writes, and enqueues; Run starts the
// background loops.
func New(cfg *config.Config, source remote.Source, opts Options) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if source == nil {
		return nil, fmt.Errorf("remote source is required")
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	flake, err := idgen.NewFlakeGenerator()
	if err != nil {
		return nil, fmt.Errorf("failed to create id generator: %w", err)
	}
	instanceID := flake.NextID()
	logger = logger.With(slog.Int64("instanceID", instanceID))

	store, err := localstore.Open(cfg.StorePath)
	if err != nil {
		return nil, err
	}

	c, err := codec.New()
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	cache := cachemgr.New(store, cachemgr.Options{
		SweepMultiplier:  cfg.Sweep.Multiplier,
		SweepProbability: cfg.Sweep.Probability,
		MaxEntries:       cfg.Sweep.MaxEntries,
	}, logger)

	queue, err := pendingqueue.New(store, c, logger)
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	bopts := []broadcaster.Option{
		broadcaster.WithEqualFunc(domain.CategoryDashboard, broadcaster.DashboardEqual),
	}
	for cat, fn := range opts.EqualFuncs {
		bopts = append(bopts, broadcaster.WithEqualFunc(cat, fn))
	}
	bcast := broadcaster.New(logger, bopts...)

	s := syncer.New(cfg, opts.GuardID, cache, queue, bcast, source, opts.Notifier, c, logger)

	logger.Info("Engine ready", "store", cfg.StorePath, "guard", opts.GuardID)
	return &Engine{
		cfg:        cfg,
		store:      store,
		cache:      cache,
		queue:      queue,
		bcast:      bcast,
		syncer:     s,
		ll:         logger,
		instanceID: instanceID,
	}, nil
}

// InstanceID identifies this engine instance in logs and metrics.
func (e *Engine) InstanceID() int64 {
	return e.instanceID
}

// Run starts all background loops and blocks until ctx is cancelled or the
// engine is closed.
func (e *Engine) Run(ctx context.Context) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return fmt.Errorf("engine is closed")
	}
	runCtx, cancel := context.WithCancel(ctx)
	e.cancelRun = cancel
	e.mu.Unlock()

	defer cancel()
	return e.syncer.Run(runCtx)
}

// Get returns the current value for a category, cache-first. A stale value
// is returned immediately while a background refresh replaces it; a miss
// fetches synchronously.
func (e *Engine) Get(ctx context.Context, cat domain.Category) (any, bool, error) {
	return e.syncer.Get(ctx, cat)
}

// ForceRefresh bypasses the cache and fetches a category now.
func (e *Engine) ForceRefresh(ctx context.Context, cat domain.Category) error {
	return e.syncer.Refresh(ctx, cat, true)
}

// Subscribe returns the live update stream for a category.
func (e *Engine) Subscribe(cat domain.Category) (<-chan domain.Update, func()) {
	return e.bcast.Subscribe(cat)
}

// Enqueue accepts a user mutation. It returns only once the action is
// durable; an error means the mutation was NOT queued and the caller must
// surface that. A queued action also triggers a best-effort immediate drain.
func (e *Engine) Enqueue(ctx context.Context, kind domain.ActionKind, payload domain.ActionPayload) (string, error) {
	id, err := e.queue.Enqueue(ctx, kind, payload)
	if err != nil {
		return "", err
	}
	e.syncer.KickDrain()
	return id, nil
}

// PendingCount reports how many mutations await submission.
func (e *Engine) PendingCount(ctx context.Context) (int, error) {
	return e.queue.Count(ctx)
}

// NotifyOnline tells the engine connectivity is back; queued mutations are
// drained without waiting for the next scheduled cycle.
func (e *Engine) NotifyOnline() {
	e.syncer.KickDrain()
}

// LastSync reports when a refresh last succeeded; zero time when never.
func (e *Engine) LastSync(ctx context.Context) (time.Time, error) {
	return e.cache.LastSync(ctx)
}

// Invalidate forces the next read of a category to refetch.
func (e *Engine) Invalidate(ctx context.Context, cat domain.Category) error {
	return e.cache.ClearAll(ctx, cat.KeyPrefix())
}

// ClearCache wipes every cached entry. Queued mutations are kept.
func (e *Engine) ClearCache(ctx context.Context) error {
	return e.cache.ClearAll(ctx, "")
}

// Close stops the background loops, terminates all subscriber streams, and
// closes the local store. Safe to call more than once.
func (e *Engine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	cancel := e.cancelRun
	e.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	e.bcast.Close()

	var errs *multierror.Error
	if err := e.store.Close(); err != nil {
		errs = multierror.Append(errs, err)
	}
	e.ll.Info("Engine closed")
	return errs.ErrorOrNil()
}
