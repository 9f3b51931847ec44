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
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/cardinalhq/fieldsync/internal/cachemgr"
	"github.com/cardinalhq/fieldsync/pkg/domain"
)

// backgroundRefreshTimeout bounds a refresh kicked off behind a stale read.
const backgroundRefreshTimeout = 30 * time.Second

// Refresh runs one refresh cycle for a category. Unless forced, a fresh cache
// hit short-circuits without touching the remote source; that path satisfies
// the large majority of cycles. On fetch failure the cache is left alone, so
// stale data stays servable, and the next tick is the retry.
func (s *Syncer) Refresh(ctx context.Context, cat domain.Category, force bool) error {
	st, ok := s.states[cat]
	if !ok {
		return fmt.Errorf("unknown category %q", cat)
	}
	st.mu.Lock()
	defer st.mu.Unlock()

	st.state = StateRefreshing
	err := s.refreshLocked(ctx, cat, force)
	if err != nil {
		st.state = StateRefreshFailed
		st.lastErr = err
		return err
	}
	st.state = StateIdle
	st.lastErr = nil
	return nil
}

func (s *Syncer) refreshLocked(ctx context.Context, cat domain.Category, force bool) error {
	key := s.keyFor(cat)

	if !force {
		payload, fresh, err := s.cache.Read(ctx, key)
		if err == nil && fresh {
			value, derr := s.decodeValue(cat, payload)
			if derr == nil {
				s.bcast.Publish(cat, value)
				refreshCounter.Add(ctx, 1, metric.WithAttributes(
					attribute.String("category", string(cat)),
					attribute.String("outcome", "cached"),
				))
				return nil
			}
			// Poison pill: evict so the next cycle fetches instead of
			// failing on the same bytes again.
			s.ll.Warn("Evicting undecodable cache entry", "key", key, "error", derr)
			if ierr := s.cache.Invalidate(ctx, key); ierr != nil {
				s.ll.Warn("Failed to evict cache entry (continuing)", "key", key, "error", ierr)
			}
		}
	}

	start := s.nowFn()
	blob, err := s.source.Fetch(ctx, cat, s.scopeFor(cat))
	fetchDuration.Record(ctx, float64(time.Since(start).Milliseconds()), metric.WithAttributes(
		attribute.String("category", string(cat)),
	))
	if err != nil {
		refreshCounter.Add(ctx, 1, metric.WithAttributes(
			attribute.String("category", string(cat)),
			attribute.String("outcome", "failed"),
		))
		s.ll.Warn("Remote fetch failed, keeping cached data", "category", cat, "error", err)
		return fmt.Errorf("fetch %s: %w", cat, err)
	}

	value, err := s.decodeValue(cat, blob)
	if err != nil {
		refreshCounter.Add(ctx, 1, metric.WithAttributes(
			attribute.String("category", string(cat)),
			attribute.String("outcome", "failed"),
		))
		return fmt.Errorf("decode fetched %s payload: %w", cat, err)
	}

	cc := s.cfg.Category(cat)
	if werr := s.cache.Write(ctx, key, blob, cc.TTL, cc.ParsePriority()); werr != nil {
		// Fresh data still reaches subscribers; only durability suffered.
		s.ll.Error("Cache write failed, publishing anyway", "key", key, "error", werr)
	} else if serr := s.cache.SetLastSync(ctx, s.nowFn()); serr != nil {
		s.ll.Warn("Failed to record last-sync stamp (continuing)", "error", serr)
	}

	s.bcast.Publish(cat, value)
	refreshCounter.Add(ctx, 1, metric.WithAttributes(
		attribute.String("category", string(cat)),
		attribute.String("outcome", "fetched"),
	))
	s.ll.Debug("Refreshed category", "category", cat, "forced", force)
	return nil
}

// Get serves a category cache-first. A fresh hit returns immediately. A stale
// hit returns the stale value right away and replaces it in the background
// within one refresh cycle. A miss fetches synchronously.
func (s *Syncer) Get(ctx context.Context, cat domain.Category) (any, bool, error) {
	key := s.keyFor(cat)

	payload, fresh, err := s.cache.Read(ctx, key)
	if err == nil {
		value, derr := s.decodeValue(cat, payload)
		if derr == nil {
			if !fresh {
				s.refreshInBackground(cat)
			}
			return value, fresh, nil
		}
		s.ll.Warn("Evicting undecodable cache entry", "key", key, "error", derr)
		if ierr := s.cache.Invalidate(ctx, key); ierr != nil {
			s.ll.Warn("Failed to evict cache entry (continuing)", "key", key, "error", ierr)
		}
	} else if !errors.Is(err, cachemgr.ErrMiss) {
		return nil, false, err
	}

	// Miss: the remote source is the only option left.
	if err := s.Refresh(ctx, cat, true); err != nil {
		return nil, false, err
	}
	payload, fresh, err = s.cache.Read(ctx, key)
	if err != nil {
		return nil, false, err
	}
	value, err := s.decodeValue(cat, payload)
	if err != nil {
		return nil, false, err
	}
	return value, fresh, nil
}

// refreshInBackground starts one asynchronous refresh. The per-category lock
// inside Refresh collapses concurrent attempts.
func (s *Syncer) refreshInBackground(cat domain.Category) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), backgroundRefreshTimeout)
		defer cancel()
		if err := s.Refresh(ctx, cat, true); err != nil {
			s.ll.Debug("Background refresh failed (will retry on schedule)", "category", cat, "error", err)
		}
	}()
}

// decodeValue turns a cached payload blob into the typed value its topic
// publishes. The type check doubles as corruption detection.
func (s *Syncer) decodeValue(cat domain.Category, payload []byte) (any, error) {
	switch cat {
	case domain.CategoryJobs:
		var v domain.JobBoard
		if err := s.codec.Decode(payload, &v); err != nil {
			return nil, err
		}
		return v, nil
	case domain.CategoryDashboard:
		var v domain.DashboardSnapshot
		if err := s.codec.Decode(payload, &v); err != nil {
			return nil, err
		}
		return v, nil
	case domain.CategoryPayments:
		var v domain.PaymentStatus
		if err := s.codec.Decode(payload, &v); err != nil {
			return nil, err
		}
		return v, nil
	case domain.CategoryProfile:
		var v domain.ProfileCompletion
		if err := s.codec.Decode(payload, &v); err != nil {
			return nil, err
		}
		return v, nil
	case domain.CategoryCertificates:
		var v []domain.CertificateAlert
		if err := s.codec.Decode(payload, &v); err != nil {
			return nil, err
		}
		return v, nil
	default:
		return nil, fmt.Errorf("unknown category %q", cat)
	}
}
