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

// Package remote declares the collaborators the engine consumes but does not
// implement. The app injects whatever backs them (REST client, Firestore,
// a test fake); the engine only sees these contracts.
package remote

import (
	"context"

	"github.com/cardinalhq/fieldsync/pkg/domain"
)

// Source fetches category data and accepts queued mutations. Both calls may
// block and may fail; every failure is treated as transient by the engine.
type Source interface {
	// Fetch returns the current remote payload for a category and scope,
	// already serialized in the cache's payload encoding.
	Fetch(ctx context.Context, category domain.Category, scope string) ([]byte, error)

	// Submit delivers one pending action. The idempotency key is stable per
	// action, so a retried submission after an ambiguous failure must not
	// apply twice.
	Submit(ctx context.Context, action domain.PendingAction, idempotencyKey string) error
}

// ChangeNotifier is an optional push feed of remote-side changes. A received
// notification is only a trigger to refresh the category; its payload, if
// any, is never trusted.
type ChangeNotifier interface {
	// Notifications returns a channel that yields once per remote change to
	// the category. The channel closes when ctx is done.
	Notifications(ctx context.Context, category domain.Category) (<-chan struct{}, error)
}
