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

package domain

import (
	"errors"
	"fmt"
	"time"
)

// ActionKind discriminates the payload union of a PendingAction. The set is
// open: unknown kinds round-trip through the queue untouched so newer writers
// do not break older readers.
type ActionKind string

const (
	ActionJobApplication ActionKind = "job_application"
	ActionTimeTracking   ActionKind = "time_tracking"
)

// ClockEvent is the direction of a time-tracking event.
type ClockEvent string

const (
	ClockIn  ClockEvent = "clock_in"
	ClockOut ClockEvent = "clock_out"
)

// JobApplicationPayload is the mutation recorded when a guard applies to a
// shift listing while offline.
type JobApplicationPayload struct {
	JobID   string `cbor:"job_id" json:"job_id"`
	GuardID string `cbor:"guard_id" json:"guard_id"`
	Message string `cbor:"message,omitempty" json:"message,omitempty"`
}

// TimeTrackingPayload is a clock-in or clock-out event with the GPS fix taken
// at the moment the guard performed it, not at submission time.
type TimeTrackingPayload struct {
	ShiftID    string     `cbor:"shift_id" json:"shift_id"`
	GuardID    string     `cbor:"guard_id" json:"guard_id"`
	Event      ClockEvent `cbor:"event" json:"event"`
	Latitude   float64    `cbor:"lat" json:"lat"`
	Longitude  float64    `cbor:"lon" json:"lon"`
	RecordedAt time.Time  `cbor:"recorded_at" json:"recorded_at"`
}

// ActionPayload is a tagged union: exactly one branch is set, selected by the
// owning action's Kind. Extra carries fields of kinds this build does not know.
type ActionPayload struct {
	JobApplication *JobApplicationPayload `cbor:"job_application,omitempty" json:"job_application,omitempty"`
	TimeTracking   *TimeTrackingPayload   `cbor:"time_tracking,omitempty" json:"time_tracking,omitempty"`
	Extra          map[string]any         `cbor:"extra,omitempty" json:"extra,omitempty"`
}

// PendingAction is one user-initiated mutation awaiting remote submission.
// The ID is a ULID, so lexical order is insertion order.
type PendingAction struct {
	ID        string        `cbor:"id" json:"id"`
	Kind      ActionKind    `cbor:"kind" json:"kind"`
	Payload   ActionPayload `cbor:"payload" json:"payload"`
	CreatedAt time.Time     `cbor:"created_at" json:"created_at"`
	Attempts  int           `cbor:"attempts" json:"attempts"`
}

var (
	ErrPayloadMismatch = errors.New("action payload does not match kind")
	ErrEmptyPayload    = errors.New("action payload is empty")
)

// Validate checks that the payload branch matches the declared kind. Unknown
// kinds are accepted as long as Extra is populated.
func (a PendingAction) Validate() error {
	switch a.Kind {
	case ActionJobApplication:
		if a.Payload.JobApplication == nil {
			return fmt.Errorf("%s: %w", a.Kind, ErrPayloadMismatch)
		}
	case ActionTimeTracking:
		if a.Payload.TimeTracking == nil {
			return fmt.Errorf("%s: %w", a.Kind, ErrPayloadMismatch)
		}
	default:
		if a.Payload.Extra == nil {
			return fmt.Errorf("%s: %w", a.Kind, ErrEmptyPayload)
		}
	}
	return nil
}
