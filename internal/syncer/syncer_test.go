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
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cardinalhq/fieldsync/config"
	"github.com/cardinalhq/fieldsync/internal/broadcaster"
	"github.com/cardinalhq/fieldsync/internal/cachemgr"
	"github.com/cardinalhq/fieldsync/internal/codec"
	"github.com/cardinalhq/fieldsync/internal/localstore"
	"github.com/cardinalhq/fieldsync/internal/pendingqueue"
	"github.com/cardinalhq/fieldsync/pkg/domain"
	"github.com/cardinalhq/fieldsync/pkg/remote"
)

type submission struct {
	action domain.PendingAction
	key    string
}

// fakeSource is the injected remote for tests. Fetch serves canned payloads;
// Submit behavior is scripted per action.
type fakeSource struct {
	mu         sync.Mutex
	payloads   map[domain.Category][]byte
	fetchErr   error
	fetchCalls map[domain.Category]int
	submitErr  func(a domain.PendingAction) error
	submitted  []submission
}

func newFakeSource() *fakeSource {
	return &fakeSource{
		payloads:   make(map[domain.Category][]byte),
		fetchCalls: make(map[domain.Category]int),
	}
}

func (f *fakeSource) Fetch(_ context.Context, cat domain.Category, _ string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fetchCalls[cat]++
	if f.fetchErr != nil {
		return nil, f.fetchErr
	}
	p, ok := f.payloads[cat]
	if !ok {
		return nil, errors.New("no payload configured")
	}
	return p, nil
}

func (f *fakeSource) Submit(_ context.Context, a domain.PendingAction, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.submitErr != nil {
		if err := f.submitErr(a); err != nil {
			return err
		}
	}
	f.submitted = append(f.submitted, submission{action: a, key: key})
	return nil
}

func (f *fakeSource) fetches(cat domain.Category) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.fetchCalls[cat]
}

func (f *fakeSource) submissions() []submission {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]submission(nil), f.submitted...)
}

type fakeNotifier struct {
	mu  sync.Mutex
	chs map[domain.Category]chan struct{}
}

func newFakeNotifier() *fakeNotifier {
	return &fakeNotifier{chs: make(map[domain.Category]chan struct{})}
}

func (n *fakeNotifier) Notifications(_ context.Context, cat domain.Category) (<-chan struct{}, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	ch := make(chan struct{}, 4)
	n.chs[cat] = ch
	return ch, nil
}

func (n *fakeNotifier) notify(cat domain.Category) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if ch, ok := n.chs[cat]; ok {
		ch <- struct{}{}
	}
}

type testRig struct {
	syncer *Syncer
	cache  *cachemgr.Manager
	queue  *pendingqueue.Queue
	bcast  *broadcaster.Broadcaster
	codec  *codec.Codec
	source *fakeSource
	cfg    *config.Config
}

func newTestRig(t *testing.T, mutate func(*config.Config), notifier *fakeNotifier) *testRig {
	t.Helper()

	cfg := config.Default()
	cfg.StorePath = filepath.Join(t.TempDir(), "sync.db")
	cfg.Sweep.Probability = 0
	if mutate != nil {
		mutate(cfg)
	}

	store, err := localstore.Open(cfg.StorePath)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	c, err := codec.New()
	require.NoError(t, err)

	cache := cachemgr.New(store, cachemgr.Options{
		SweepMultiplier:  cfg.Sweep.Multiplier,
		SweepProbability: cfg.Sweep.Probability,
		MaxEntries:       cfg.Sweep.MaxEntries,
	}, nil)

	queue, err := pendingqueue.New(store, c, nil)
	require.NoError(t, err)

	bcast := broadcaster.New(nil, broadcaster.WithEqualFunc(domain.CategoryDashboard, broadcaster.DashboardEqual))
	t.Cleanup(bcast.Close)

	source := newFakeSource()

	// A typed nil inside the interface would defeat the notifier == nil
	// check in Run, so only pass the fake when one was provided.
	var n remote.ChangeNotifier
	if notifier != nil {
		n = notifier
	}

	s := New(cfg, "guard-1", cache, queue, bcast, source, n, c, nil)
	return &testRig{syncer: s, cache: cache, queue: queue, bcast: bcast, codec: c, source: source, cfg: cfg}
}

func (r *testRig) encode(t *testing.T, v any) []byte {
	t.Helper()
	b, err := r.codec.Encode(v)
	require.NoError(t, err)
	return b
}

func (r *testRig) seedDashboard(t *testing.T, snap domain.DashboardSnapshot) {
	t.Helper()
	r.source.mu.Lock()
	r.source.payloads[domain.CategoryDashboard] = r.encode(t, snap)
	r.source.mu.Unlock()
}

func (r *testRig) enqueueClockIn(t *testing.T, shiftID string) string {
	t.Helper()
	id, err := r.queue.Enqueue(context.Background(), domain.ActionTimeTracking, domain.ActionPayload{
		TimeTracking: &domain.TimeTrackingPayload{
			ShiftID: shiftID, GuardID: "guard-1", Event: domain.ClockIn,
			Latitude: 52.37, Longitude: 4.89, RecordedAt: time.Now().UTC(),
		},
	})
	require.NoError(t, err)
	return id
}

func TestSyncer_CacheFirstShortCircuit(t *testing.T) {
	r := newTestRig(t, nil, nil)
	ctx := context.Background()

	snap := domain.DashboardSnapshot{GuardID: "guard-1", EarningsFormatted: "€ 500,00", ShiftCount: 2, WeatherTempC: 17}
	key := domain.Key(domain.CategoryDashboard, "guard-1")
	require.NoError(t, r.cache.Write(ctx, key, r.encode(t, snap), time.Hour, domain.PriorityHigh))

	ch, cancel := r.bcast.Subscribe(domain.CategoryDashboard)
	defer cancel()

	require.NoError(t, r.syncer.Refresh(ctx, domain.CategoryDashboard, false))

	// Fresh hit: published from cache, zero remote fetches.
	assert.Zero(t, r.source.fetches(domain.CategoryDashboard))
	u := <-ch
	assert.Equal(t, snap, u.Value)
	assert.Equal(t, StateIdle, r.syncer.CategoryState(domain.CategoryDashboard))
}

func TestSyncer_RefreshFetchesOnMiss(t *testing.T) {
	r := newTestRig(t, nil, nil)
	ctx := context.Background()

	snap := domain.DashboardSnapshot{GuardID: "guard-1", EarningsFormatted: "€ 750,00", ShiftCount: 3, WeatherTempC: 19}
	r.seedDashboard(t, snap)

	require.NoError(t, r.syncer.Refresh(ctx, domain.CategoryDashboard, false))
	assert.Equal(t, 1, r.source.fetches(domain.CategoryDashboard))

	// Written through: the next non-forced refresh short-circuits.
	require.NoError(t, r.syncer.Refresh(ctx, domain.CategoryDashboard, false))
	assert.Equal(t, 1, r.source.fetches(domain.CategoryDashboard))

	last, err := r.cache.LastSync(ctx)
	require.NoError(t, err)
	assert.False(t, last.IsZero())
}

func TestSyncer_ForceRefreshBypassesFreshCache(t *testing.T) {
	r := newTestRig(t, nil, nil)
	ctx := context.Background()

	snap := domain.DashboardSnapshot{GuardID: "guard-1", EarningsFormatted: "€ 750,00", ShiftCount: 3, WeatherTempC: 19}
	r.seedDashboard(t, snap)

	require.NoError(t, r.syncer.Refresh(ctx, domain.CategoryDashboard, false))
	require.NoError(t, r.syncer.Refresh(ctx, domain.CategoryDashboard, true))
	assert.Equal(t, 2, r.source.fetches(domain.CategoryDashboard))
}

func TestSyncer_FetchFailureKeepsStaleData(t *testing.T) {
	r := newTestRig(t, nil, nil)
	ctx := context.Background()

	snap := domain.DashboardSnapshot{GuardID: "guard-1", EarningsFormatted: "€ 100,00", ShiftCount: 1, WeatherTempC: 9}
	key := domain.Key(domain.CategoryDashboard, "guard-1")
	// Written stale: TTL override on read decides, but here just make it old
	// by writing with a tiny TTL and waiting it out.
	require.NoError(t, r.cache.Write(ctx, key, r.encode(t, snap), 10*time.Millisecond, domain.PriorityHigh))
	time.Sleep(20 * time.Millisecond)

	r.source.mu.Lock()
	r.source.fetchErr = errors.New("network unreachable")
	r.source.mu.Unlock()

	err := r.syncer.Refresh(ctx, domain.CategoryDashboard, false)
	require.Error(t, err)
	assert.Equal(t, StateRefreshFailed, r.syncer.CategoryState(domain.CategoryDashboard))

	// The stale entry is untouched and still servable.
	payload, fresh, rerr := r.cache.Read(ctx, key)
	require.NoError(t, rerr)
	assert.False(t, fresh)
	var got domain.DashboardSnapshot
	require.NoError(t, r.codec.Decode(payload, &got))
	assert.Equal(t, snap, got)
}

func TestSyncer_StaleServesThenRefreshes(t *testing.T) {
	r := newTestRig(t, nil, nil)
	ctx := context.Background()

	old := domain.DashboardSnapshot{GuardID: "guard-1", EarningsFormatted: "€ 5,00", ShiftCount: 5, WeatherTempC: 10}
	updated := domain.DashboardSnapshot{GuardID: "guard-1", EarningsFormatted: "€ 7,00", ShiftCount: 7, WeatherTempC: 10}

	key := domain.Key(domain.CategoryDashboard, "guard-1")
	require.NoError(t, r.cache.Write(ctx, key, r.encode(t, old), 10*time.Millisecond, domain.PriorityHigh))
	time.Sleep(20 * time.Millisecond)
	r.seedDashboard(t, updated)

	// The immediate reader gets the stale value synchronously.
	value, fresh, err := r.syncer.Get(ctx, domain.CategoryDashboard)
	require.NoError(t, err)
	assert.False(t, fresh)
	assert.Equal(t, old, value)

	// Within one refresh cycle the background fetch replaces it.
	require.Eventually(t, func() bool {
		value, fresh, err := r.syncer.Get(ctx, domain.CategoryDashboard)
		return err == nil && fresh && value == any(updated)
	}, 2*time.Second, 10*time.Millisecond)
}

func TestSyncer_GetFetchesSynchronouslyOnMiss(t *testing.T) {
	r := newTestRig(t, nil, nil)

	snap := domain.DashboardSnapshot{GuardID: "guard-1", EarningsFormatted: "€ 300,00", ShiftCount: 2, WeatherTempC: 14}
	r.seedDashboard(t, snap)

	value, fresh, err := r.syncer.Get(context.Background(), domain.CategoryDashboard)
	require.NoError(t, err)
	assert.True(t, fresh)
	assert.Equal(t, snap, value)
	assert.Equal(t, 1, r.source.fetches(domain.CategoryDashboard))
}

func TestSyncer_PoisonPillEntryIsEvictedAndRefetched(t *testing.T) {
	r := newTestRig(t, nil, nil)
	ctx := context.Background()

	key := domain.Key(domain.CategoryDashboard, "guard-1")
	require.NoError(t, r.cache.Write(ctx, key, []byte{0xff, 0x00, 0x13, 0x37}, time.Hour, domain.PriorityHigh))

	snap := domain.DashboardSnapshot{GuardID: "guard-1", EarningsFormatted: "€ 300,00", ShiftCount: 2, WeatherTempC: 14}
	r.seedDashboard(t, snap)

	value, fresh, err := r.syncer.Get(ctx, domain.CategoryDashboard)
	require.NoError(t, err)
	assert.True(t, fresh)
	assert.Equal(t, snap, value)
	assert.Equal(t, 1, r.source.fetches(domain.CategoryDashboard))
}

func TestSyncer_DrainFIFO(t *testing.T) {
	r := newTestRig(t, nil, nil)
	ctx := context.Background()

	for _, shift := range []string{"S1", "S2", "S3"} {
		r.enqueueClockIn(t, shift)
	}

	require.NoError(t, r.syncer.Drain(ctx))

	subs := r.source.submissions()
	require.Len(t, subs, 3)
	assert.Equal(t, "S1", subs[0].action.Payload.TimeTracking.ShiftID)
	assert.Equal(t, "S2", subs[1].action.Payload.TimeTracking.ShiftID)
	assert.Equal(t, "S3", subs[2].action.Payload.TimeTracking.ShiftID)

	n, err := r.queue.Count(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestSyncer_DrainPartialFailure(t *testing.T) {
	r := newTestRig(t, nil, nil)
	ctx := context.Background()

	id1 := r.enqueueClockIn(t, "S1")
	r.enqueueClockIn(t, "S2")
	r.enqueueClockIn(t, "S3")

	r.source.submitErr = func(a domain.PendingAction) error {
		if a.Payload.TimeTracking.ShiftID == "S1" {
			return errors.New("server rejected")
		}
		return nil
	}

	err := r.syncer.Drain(ctx)
	require.Error(t, err) // aggregated for logging, pass still completed

	subs := r.source.submissions()
	require.Len(t, subs, 2)
	assert.Equal(t, "S2", subs[0].action.Payload.TimeTracking.ShiftID)
	assert.Equal(t, "S3", subs[1].action.Payload.TimeTracking.ShiftID)

	remaining, err := r.queue.PeekAll(ctx)
	require.NoError(t, err)
	require.Len(t, remaining, 1)
	assert.Equal(t, id1, remaining[0].ID)
	assert.Equal(t, 1, remaining[0].Attempts)
}

func TestSyncer_DrainEmptyQueueSkipsRemote(t *testing.T) {
	r := newTestRig(t, nil, nil)

	require.NoError(t, r.syncer.Drain(context.Background()))
	assert.Empty(t, r.source.submissions())
	assert.Equal(t, StateIdle, r.syncer.DrainState())
}

func TestSyncer_SubmissionKeyIsStablePerAction(t *testing.T) {
	r := newTestRig(t, nil, nil)
	ctx := context.Background()

	r.enqueueClockIn(t, "S1")

	// First pass fails, second succeeds: both attempts must present the
	// same idempotency key.
	calls := 0
	r.source.submitErr = func(domain.PendingAction) error {
		calls++
		if calls == 1 {
			return errors.New("timeout")
		}
		return nil
	}

	var keys []string
	origSubmit := r.source.submitErr
	r.source.submitErr = func(a domain.PendingAction) error {
		keys = append(keys, submissionKey(a))
		return origSubmit(a)
	}

	_ = r.syncer.Drain(ctx)
	require.NoError(t, r.syncer.Drain(ctx))

	require.Len(t, keys, 2)
	assert.Equal(t, keys[0], keys[1])
}

func TestSyncer_DrainDeadLettersAfterMaxAttempts(t *testing.T) {
	r := newTestRig(t, func(cfg *config.Config) {
		cfg.Drain.MaxAttempts = 2
	}, nil)
	ctx := context.Background()

	r.enqueueClockIn(t, "S1")
	r.source.submitErr = func(domain.PendingAction) error {
		return errors.New("always down")
	}

	_ = r.syncer.Drain(ctx)
	n, err := r.queue.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_ = r.syncer.Drain(ctx)
	n, err = r.queue.Count(ctx)
	require.NoError(t, err)
	assert.Zero(t, n, "second failed attempt should dead-letter the action")
}

func TestSyncer_OfflineEnqueueThenDrainScenario(t *testing.T) {
	r := newTestRig(t, nil, nil)
	ctx := context.Background()

	// Offline: the clock-in is accepted locally.
	r.source.submitErr = func(domain.PendingAction) error {
		return errors.New("offline")
	}
	r.enqueueClockIn(t, "S1")

	n, err := r.queue.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_ = r.syncer.Drain(ctx)
	n, err = r.queue.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n, "still queued while offline")

	// Connectivity restored.
	r.source.submitErr = nil
	require.NoError(t, r.syncer.Drain(ctx))

	n, err = r.queue.Count(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Len(t, r.source.submissions(), 1)
}

func TestSyncer_RunRefreshesOnScheduleAndNotification(t *testing.T) {
	notifier := newFakeNotifier()
	r := newTestRig(t, func(cfg *config.Config) {
		for _, set := range []*config.CategoryConfig{&cfg.Jobs, &cfg.Dashboard, &cfg.Payments, &cfg.Profile, &cfg.Certificates} {
			set.TTL = time.Hour
			set.RefreshInterval = time.Hour // only the initial refresh fires
		}
		cfg.Drain.Interval = time.Hour
		cfg.NotifyDebounce = 10 * time.Millisecond
	}, notifier)

	snap := domain.DashboardSnapshot{GuardID: "guard-1", EarningsFormatted: "€ 10,00", ShiftCount: 1, WeatherTempC: 5}
	r.seedDashboard(t, snap)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.syncer.Run(ctx) }()

	// Initial refresh lands.
	require.Eventually(t, func() bool {
		return r.source.fetches(domain.CategoryDashboard) >= 1
	}, 2*time.Second, 10*time.Millisecond)

	// A remote change notification forces another fetch.
	time.Sleep(20 * time.Millisecond) // let the debounce window from startup pass
	notifier.notify(domain.CategoryDashboard)
	require.Eventually(t, func() bool {
		return r.source.fetches(domain.CategoryDashboard) >= 2
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop on context cancellation")
	}
}

func TestSyncer_KickDrainWakesDrainLoop(t *testing.T) {
	r := newTestRig(t, func(cfg *config.Config) {
		for _, set := range []*config.CategoryConfig{&cfg.Jobs, &cfg.Dashboard, &cfg.Payments, &cfg.Profile, &cfg.Certificates} {
			set.TTL = time.Hour
			set.RefreshInterval = time.Hour
		}
		cfg.Drain.Interval = time.Hour
	}, nil)

	// The scheduled loops short-circuit on cache or log a fetch failure;
	// either way the drain only runs when kicked.
	r.enqueueClockIn(t, "S1")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = r.syncer.Run(ctx) }()

	r.syncer.KickDrain()
	require.Eventually(t, func() bool {
		return len(r.source.submissions()) == 1
	}, 2*time.Second, 10*time.Millisecond)
}
