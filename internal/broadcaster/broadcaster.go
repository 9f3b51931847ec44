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

// Package broadcaster is the in-process pub/sub channel between the
// synchronizer and the app's screens. One topic per data category, and a
// publish is suppressed when the value is semantically equal to the last one
// delivered, so an unchanged remote snapshot does not trigger a re-render.
//
// Topics serialize independently; two categories never contend on a lock.
package broadcaster

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/cardinalhq/fieldsync/pkg/domain"
)

var (
	meter = otel.Meter("github.com/cardinalhq/fieldsync/internal/broadcaster")

	publishCounter metric.Int64Counter
)

func init() {
	var err error
	publishCounter, err = meter.Int64Counter(
		"fieldsync.broadcast.publishes",
		metric.WithDescription("Topic publishes by outcome (delivered, deduped)"),
	)
	if err != nil {
		panic(fmt.Errorf("failed to create publish counter: %w", err))
	}
}

// EqualFunc decides whether two published values are semantically equal.
// Equality may be deliberately partial: comparing the few fields a screen
// renders is cheaper than deep comparison, and a missed update on an
// unobserved field is an accepted tradeoff.
type EqualFunc func(prev, next any) bool

type subscriber struct {
	ch chan domain.Update
}

type topic struct {
	mu      sync.Mutex
	name    domain.Category
	equal   EqualFunc
	last    any
	hasLast bool
	subs    map[int]*subscriber
	nextID  int
	closed  bool
}

// Broadcaster fans values out per topic with equality-based dedup.
type Broadcaster struct {
	mu     sync.Mutex
	topics map[domain.Category]*topic
	equals map[domain.Category]EqualFunc
	def    EqualFunc
	ll     *slog.Logger
	closed bool
}

// Option configures a Broadcaster.
type Option func(*Broadcaster)

// WithEqualFunc installs a category-specific equality function.
func WithEqualFunc(c domain.Category, fn EqualFunc) Option {
	return func(b *Broadcaster) { b.equals[c] = fn }
}

// WithDefaultEqualFunc replaces the fallback equality for all topics.
func WithDefaultEqualFunc(fn EqualFunc) Option {
	return func(b *Broadcaster) { b.def = fn }
}

// New creates a Broadcaster. Without options, topics compare values by the
// hash of their canonical encoding (see HashEqual).
func New(logger *slog.Logger, opts ...Option) *Broadcaster {
	if logger == nil {
		logger = slog.Default()
	}
	b := &Broadcaster{
		topics: make(map[domain.Category]*topic),
		equals: make(map[domain.Category]EqualFunc),
		def:    HashEqual,
		ll:     logger.With("component", "broadcaster"),
	}
	for _, o := range opts {
		o(b)
	}
	return b
}

func (b *Broadcaster) getTopic(c domain.Category) *topic {
	b.mu.Lock()
	defer b.mu.Unlock()
	t, ok := b.topics[c]
	if !ok {
		eq := b.equals[c]
		if eq == nil {
			eq = b.def
		}
		t = &topic{
			name:   c,
			equal:  eq,
			subs:   make(map[int]*subscriber),
			closed: b.closed,
		}
		b.topics[c] = t
	}
	return t
}

// Subscribe returns a channel of updates for the category and a cancel
// function. The retained last value, if any, is delivered immediately. The
// channel has latest-value semantics: a subscriber that falls behind skips
// intermediate values and converges on the newest. Cancel is idempotent, and
// the channel closes on cancel or engine shutdown.
func (b *Broadcaster) Subscribe(c domain.Category) (<-chan domain.Update, func()) {
	t := b.getTopic(c)

	t.mu.Lock()
	defer t.mu.Unlock()

	ch := make(chan domain.Update, 1)
	if t.closed {
		close(ch)
		return ch, func() {}
	}

	id := t.nextID
	t.nextID++
	sub := &subscriber{ch: ch}
	t.subs[id] = sub

	if t.hasLast {
		ch <- domain.Update{Topic: c, Value: t.last}
	}

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			t.mu.Lock()
			defer t.mu.Unlock()
			if _, ok := t.subs[id]; ok {
				delete(t.subs, id)
				close(ch)
			}
		})
	}
	return ch, cancel
}

// Publish delivers value to every current subscriber of the category unless
// it is semantically equal to the last delivered value.
func (b *Broadcaster) Publish(c domain.Category, value any) {
	t := b.getTopic(c)

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return
	}
	if t.hasLast && t.equal(t.last, value) {
		b.count(c, "deduped")
		b.ll.Debug("Suppressed duplicate publish", "topic", c)
		return
	}
	t.last = value
	t.hasLast = true

	upd := domain.Update{Topic: c, Value: value}
	for _, sub := range t.subs {
		deliverLatest(sub.ch, upd)
	}
	b.count(c, "delivered")
}

// deliverLatest sends without blocking: if the subscriber has not consumed
// the previous value, it is replaced by the newer one.
func deliverLatest(ch chan domain.Update, upd domain.Update) {
	for {
		select {
		case ch <- upd:
			return
		default:
		}
		select {
		case <-ch:
		default:
		}
	}
}

// Last returns the retained value for a category, if one was ever published.
func (b *Broadcaster) Last(c domain.Category) (any, bool) {
	t := b.getTopic(c)
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.last, t.hasLast
}

// Close terminates every topic. Subscribers see their channels close instead
// of hanging. Safe to call more than once.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	topics := make([]*topic, 0, len(b.topics))
	for _, t := range b.topics {
		topics = append(topics, t)
	}
	b.mu.Unlock()

	for _, t := range topics {
		t.mu.Lock()
		if !t.closed {
			t.closed = true
			for id, sub := range t.subs {
				delete(t.subs, id)
				close(sub.ch)
			}
		}
		t.mu.Unlock()
	}
	b.ll.Debug("Broadcaster closed")
}

func (b *Broadcaster) count(c domain.Category, outcome string) {
	publishCounter.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("topic", string(c)),
		attribute.String("outcome", outcome),
	))
}
