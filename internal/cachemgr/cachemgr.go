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

// Package cachemgr wraps the local store with the TTL policy: freshness is a
// pure function of write time and TTL, stale entries stay servable, and an
// expiration sweep runs on a fraction of writes rather than on every write.
package cachemgr

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/cardinalhq/fieldsync/internal/localstore"
	"github.com/cardinalhq/fieldsync/pkg/domain"
)

// ErrMiss is returned by Read when no usable entry exists. Local store
// failures collapse into ErrMiss as well: the cache fails open toward the
// remote source rather than surfacing storage trouble to readers.
var ErrMiss = errors.New("cachemgr: miss")

var (
	meter = otel.Meter("github.com/cardinalhq/fieldsync/internal/cachemgr")

	readsCounter metric.Int64Counter
	sweptCounter metric.Int64Counter
)

func init() {
	var err error
	readsCounter, err = meter.Int64Counter(
		"fieldsync.cache.reads",
		metric.WithDescription("Cache reads by outcome (fresh, stale, miss)"),
	)
	if err != nil {
		panic(fmt.Errorf("failed to create cache reads counter: %w", err))
	}
	sweptCounter, err = meter.Int64Counter(
		"fieldsync.cache.swept",
		metric.WithDescription("Entries removed by the expiration sweep"),
	)
	if err != nil {
		panic(fmt.Errorf("failed to create cache sweep counter: %w", err))
	}
}

// Options tune the sweep behavior.
type Options struct {
	// SweepMultiplier: entries older than TTL*SweepMultiplier are deleted by
	// the sweep. Stale-but-usable entries are never swept.
	SweepMultiplier float64
	// SweepProbability is the fraction of writes that trigger a sweep.
	SweepProbability float64
	// MaxEntries caps the table size; 0 means uncapped.
	MaxEntries int
}

// DefaultOptions returns the sweep tuning used in production.
func DefaultOptions() Options {
	return Options{
		SweepMultiplier:  3,
		SweepProbability: 0.1,
		MaxEntries:       0,
	}
}

// Manager is the TTL policy layer over the local store.
type Manager struct {
	store *localstore.Store
	ll    *slog.Logger
	opts  Options

	nowFn  func() time.Time
	randFn func() float64
}

// New creates a Manager over store.
func New(store *localstore.Store, opts Options, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.SweepMultiplier <= 1 {
		opts.SweepMultiplier = DefaultOptions().SweepMultiplier
	}
	return &Manager{
		store:  store,
		ll:     logger.With("component", "cachemgr"),
		opts:   opts,
		nowFn:  time.Now,
		randFn: rand.Float64,
	}
}

type readOpts struct {
	ttlOverride *time.Duration
}

// ReadOption adjusts a single Read call.
type ReadOption func(*readOpts)

// WithTTLOverride evaluates freshness against d instead of the stored TTL.
// Zero means "always stale", which is how force-refresh reads are expressed.
func WithTTLOverride(d time.Duration) ReadOption {
	return func(o *readOpts) { o.ttlOverride = &d }
}

// Read returns the stored payload and whether it is still fresh. It never
// touches the network. A missing or unreadable entry is ErrMiss.
func (m *Manager) Read(ctx context.Context, key string, opts ...ReadOption) ([]byte, bool, error) {
	var ro readOpts
	for _, o := range opts {
		o(&ro)
	}

	e, err := m.store.Get(ctx, key)
	if err != nil {
		if !errors.Is(err, localstore.ErrNotFound) {
			m.ll.Warn("Local store read failed, treating as miss", "key", key, "error", err)
		}
		m.countRead(ctx, "miss")
		return nil, false, ErrMiss
	}

	ttl := e.TTL
	if ro.ttlOverride != nil {
		ttl = *ro.ttlOverride
	}
	fresh := ttl > 0 && m.nowFn().Sub(e.WrittenAt) < ttl
	if fresh {
		m.countRead(ctx, "fresh")
	} else {
		m.countRead(ctx, "stale")
	}
	return e.Payload, fresh, nil
}

// Write stores payload with the current timestamp. A fraction of writes also
// runs the expiration sweep so its cost amortizes across the write load.
// A store failure is returned to the caller; nothing is retried here.
func (m *Manager) Write(ctx context.Context, key string, payload []byte, ttl time.Duration, prio domain.Priority) error {
	err := m.store.Put(ctx, localstore.Entry{
		Key:       key,
		Payload:   payload,
		WrittenAt: m.nowFn().UTC().Truncate(time.Millisecond),
		TTL:       ttl,
		Priority:  prio,
	})
	if err != nil {
		return fmt.Errorf("cache write failed: %w", err)
	}

	if m.randFn() < m.opts.SweepProbability {
		m.Sweep(ctx)
	}
	return nil
}

// Invalidate forces the next read of key to miss.
func (m *Manager) Invalidate(ctx context.Context, key string) error {
	return m.store.Delete(ctx, key)
}

// ClearAll deletes every entry under prefix; an empty prefix clears the table.
func (m *Manager) ClearAll(ctx context.Context, prefix string) error {
	n, err := m.store.DeletePrefix(ctx, prefix)
	if err != nil {
		return err
	}
	m.ll.Info("Cleared cache entries", "prefix", prefix, "removed", n)
	return nil
}

// Sweep deletes entries far past their TTL and enforces the entry cap.
// Failures are logged only; the sweep is housekeeping, not correctness.
func (m *Manager) Sweep(ctx context.Context) {
	now := m.nowFn()
	n, err := m.store.SweepExpired(ctx, now, m.opts.SweepMultiplier)
	if err != nil {
		m.ll.Warn("Expiration sweep failed (continuing)", "error", err)
		return
	}
	if n > 0 {
		sweptCounter.Add(ctx, n, metric.WithAttributes(attribute.String("reason", "expired")))
	}

	evicted, err := m.store.EnforceCapacity(ctx, m.opts.MaxEntries)
	if err != nil {
		m.ll.Warn("Capacity eviction failed (continuing)", "error", err)
		return
	}
	if evicted > 0 {
		sweptCounter.Add(ctx, evicted, metric.WithAttributes(attribute.String("reason", "capacity")))
	}
	if n > 0 || evicted > 0 {
		m.ll.Debug("Expiration sweep done", "expired", n, "evicted", evicted)
	}
}

// SetLastSync records the time of the last successful refresh.
func (m *Manager) SetLastSync(ctx context.Context, t time.Time) error {
	return m.store.SetMeta(ctx, domain.LastSyncKey, t.UTC().Format(time.RFC3339))
}

// LastSync reports when a refresh last succeeded; zero time when never.
func (m *Manager) LastSync(ctx context.Context) (time.Time, error) {
	v, err := m.store.GetMeta(ctx, domain.LastSyncKey)
	if errors.Is(err, localstore.ErrNotFound) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, err
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return time.Time{}, fmt.Errorf("corrupt last-sync stamp %q: %w", v, err)
	}
	return t, nil
}

func (m *Manager) countRead(ctx context.Context, outcome string) {
	readsCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}
