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

	"github.com/hashicorp/go-multierror"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/cardinalhq/fieldsync/internal/idgen"
	"github.com/cardinalhq/fieldsync/pkg/domain"
)

// submissionKey is the idempotency key presented with an action. Stable per
// action id, so a retry after an ambiguous failure cannot apply twice.
func submissionKey(a domain.PendingAction) string {
	return idgen.IdempotencyKey(a.ID)
}

// Drain runs one pass over the pending-action queue in FIFO order. Each
// action is submitted once; success removes it, failure leaves it for the
// next cycle and moves on, so one failing action never blocks the rest.
// The returned error aggregates submission failures for logging; the pass
// itself always completes.
func (s *Syncer) Drain(ctx context.Context) error {
	empty, err := s.queue.IsEmpty(ctx)
	if err != nil {
		return err
	}
	if empty {
		return nil
	}

	s.drainMu.Lock()
	s.draining = StateDraining
	s.drainMu.Unlock()
	defer func() {
		s.drainMu.Lock()
		s.draining = StateIdle
		s.drainMu.Unlock()
	}()

	actions, err := s.queue.PeekAll(ctx)
	if err != nil {
		return err
	}

	var errs *multierror.Error
	for _, a := range actions {
		if ctx.Err() != nil {
			errs = multierror.Append(errs, ctx.Err())
			break
		}
		if err := s.source.Submit(ctx, a, submissionKey(a)); err != nil {
			errs = multierror.Append(errs, err)
			s.countDrain(ctx, a.Kind, "failed")
			s.ll.Warn("Pending action submission failed, keeping it queued",
				"id", a.ID, "kind", a.Kind, "error", err)

			attempts, merr := s.queue.MarkAttempt(ctx, a.ID)
			if merr != nil {
				s.ll.Warn("Failed to record attempt (continuing)", "id", a.ID, "error", merr)
				continue
			}
			if max := s.cfg.Drain.MaxAttempts; max > 0 && attempts >= max {
				if derr := s.queue.DeadLetter(ctx, a.ID); derr != nil {
					s.ll.Warn("Failed to dead-letter action (continuing)", "id", a.ID, "error", derr)
				} else {
					s.countDrain(ctx, a.Kind, "deadlettered")
				}
			}
			continue
		}

		if err := s.queue.Remove(ctx, a.ID); err != nil {
			// The remote accepted it; on the next pass the stable
			// idempotency key keeps the duplicate submission harmless.
			s.ll.Warn("Submitted action could not be removed from queue", "id", a.ID, "error", err)
			errs = multierror.Append(errs, err)
			continue
		}
		s.countDrain(ctx, a.Kind, "submitted")
		s.ll.Info("Submitted pending action", "id", a.ID, "kind", a.Kind)
	}
	return errs.ErrorOrNil()
}

func (s *Syncer) countDrain(ctx context.Context, kind domain.ActionKind, outcome string) {
	drainCounter.Add(ctx, 1, metric.WithAttributes(
		attribute.String("kind", string(kind)),
		attribute.String("outcome", outcome),
	))
}
