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

// Package pendingqueue is the durable FIFO of user mutations awaiting remote
// submission. Enqueue returns only after the row is committed, so an action
// accepted here survives an immediate crash. The synchronizer borrows actions
// during a drain pass and either removes them (submitted) or leaves them
// untouched for the next cycle.
package pendingqueue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cardinalhq/fieldsync/internal/codec"
	"github.com/cardinalhq/fieldsync/internal/idgen"
	"github.com/cardinalhq/fieldsync/internal/localstore"
	"github.com/cardinalhq/fieldsync/pkg/domain"
)

// ErrNotQueued wraps any enqueue failure. The caller must tell the user the
// mutation was NOT accepted; silently dropping it is the one unforgivable
// failure mode here.
var ErrNotQueued = errors.New("pendingqueue: mutation not queued")

// ErrNotFound is returned when an action id has no row.
var ErrNotFound = errors.New("pendingqueue: action not found")

const schema = `
CREATE TABLE IF NOT EXISTS pending_actions (
	id         TEXT PRIMARY KEY,
	kind       TEXT NOT NULL,
	payload    BLOB NOT NULL,
	created_at INTEGER NOT NULL,
	attempts   INTEGER NOT NULL DEFAULT 0
);
CREATE TABLE IF NOT EXISTS dead_actions (
	id         TEXT PRIMARY KEY,
	kind       TEXT NOT NULL,
	payload    BLOB NOT NULL,
	created_at INTEGER NOT NULL,
	attempts   INTEGER NOT NULL,
	failed_at  INTEGER NOT NULL
);
`

// Queue stores pending actions in the shared local store database. Row order
// is id order; ids are monotonic ULIDs, so it is also insertion order.
type Queue struct {
	db    *sql.DB
	codec *codec.Codec
	ids   *idgen.ULIDGenerator
	ll    *slog.Logger

	nowFn func() time.Time
}

// New creates the queue tables inside the local store database.
func New(store *localstore.Store, c *codec.Codec, logger *slog.Logger) (*Queue, error) {
	if logger == nil {
		logger = slog.Default()
	}
	db := store.Handle()
	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("failed to create pending queue schema: %w", err)
	}
	return &Queue{
		db:    db,
		codec: c,
		ids:   idgen.NewULIDGenerator(),
		ll:    logger.With("component", "pendingqueue"),
		nowFn: time.Now,
	}, nil
}

// Enqueue appends a mutation and returns its id once the row is durable.
func (q *Queue) Enqueue(ctx context.Context, kind domain.ActionKind, payload domain.ActionPayload) (string, error) {
	now := q.nowFn().UTC().Truncate(time.Millisecond)
	action := domain.PendingAction{
		ID:        q.ids.Make(now),
		Kind:      kind,
		Payload:   payload,
		CreatedAt: now,
	}
	if err := action.Validate(); err != nil {
		return "", fmt.Errorf("%w: %w", ErrNotQueued, err)
	}

	blob, err := q.codec.Encode(action.Payload)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrNotQueued, err)
	}

	_, err = q.db.ExecContext(ctx,
		`INSERT INTO pending_actions (id, kind, payload, created_at, attempts) VALUES (?, ?, ?, ?, 0)`,
		action.ID, string(action.Kind), blob, now.UnixMilli())
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrNotQueued, err)
	}

	q.ll.Info("Queued pending action", "id", action.ID, "kind", action.Kind)
	return action.ID, nil
}

// PeekAll returns a snapshot of all pending actions in insertion order. Rows
// whose payload no longer decodes are deleted on sight, so one corrupt blob
// cannot poison every future drain pass.
func (q *Queue) PeekAll(ctx context.Context) ([]domain.PendingAction, error) {
	rows, err := q.db.QueryContext(ctx,
		`SELECT id, kind, payload, created_at, attempts FROM pending_actions ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to read pending actions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var (
		actions []domain.PendingAction
		corrupt []string
	)
	for rows.Next() {
		var (
			a         domain.PendingAction
			kind      string
			blob      []byte
			createdMs int64
		)
		if err := rows.Scan(&a.ID, &kind, &blob, &createdMs, &a.Attempts); err != nil {
			return nil, fmt.Errorf("failed to scan pending action: %w", err)
		}
		a.Kind = domain.ActionKind(kind)
		a.CreatedAt = time.UnixMilli(createdMs).UTC()
		if err := q.codec.Decode(blob, &a.Payload); err != nil {
			q.ll.Error("Dropping undecodable pending action", "id", a.ID, "kind", kind, "error", err)
			corrupt = append(corrupt, a.ID)
			continue
		}
		actions = append(actions, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read pending actions: %w", err)
	}

	for _, id := range corrupt {
		if err := q.Remove(ctx, id); err != nil {
			q.ll.Warn("Failed to drop corrupt pending action (continuing)", "id", id, "error", err)
		}
	}
	return actions, nil
}

// Remove deletes an action after its submission was confirmed.
func (q *Queue) Remove(ctx context.Context, id string) error {
	res, err := q.db.ExecContext(ctx, `DELETE FROM pending_actions WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to remove pending action %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return nil
}

// MarkAttempt records one failed submission and returns the new attempt count.
func (q *Queue) MarkAttempt(ctx context.Context, id string) (int, error) {
	_, err := q.db.ExecContext(ctx,
		`UPDATE pending_actions SET attempts = attempts + 1 WHERE id = ?`, id)
	if err != nil {
		return 0, fmt.Errorf("failed to mark attempt on %s: %w", id, err)
	}
	var attempts int
	err = q.db.QueryRowContext(ctx,
		`SELECT attempts FROM pending_actions WHERE id = ?`, id).Scan(&attempts)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read attempts on %s: %w", id, err)
	}
	return attempts, nil
}

// DeadLetter moves an action out of the live queue after too many failed
// submissions. It keeps the payload around for inspection instead of deleting
// user data outright.
func (q *Queue) DeadLetter(ctx context.Context, id string) error {
	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to dead-letter %s: %w", id, err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx,
		`INSERT INTO dead_actions (id, kind, payload, created_at, attempts, failed_at)
		 SELECT id, kind, payload, created_at, attempts, ? FROM pending_actions WHERE id = ?`,
		q.nowFn().UTC().UnixMilli(), id)
	if err != nil {
		return fmt.Errorf("failed to dead-letter %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM pending_actions WHERE id = ?`, id); err != nil {
		return fmt.Errorf("failed to dead-letter %s: %w", id, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to dead-letter %s: %w", id, err)
	}
	q.ll.Warn("Dead-lettered pending action", "id", id)
	return nil
}

// Count returns the number of live pending actions.
func (q *Queue) Count(ctx context.Context) (int, error) {
	var n int
	if err := q.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM pending_actions`).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count pending actions: %w", err)
	}
	return n, nil
}

// IsEmpty reports whether the queue has no live actions.
func (q *Queue) IsEmpty(ctx context.Context) (bool, error) {
	n, err := q.Count(ctx)
	return n == 0, err
}
