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

import "time"

// JobListing is one shift offer shown on the job board.
type JobListing struct {
	ID          string    `cbor:"id" json:"id"`
	Title       string    `cbor:"title" json:"title"`
	Location    string    `cbor:"location" json:"location"`
	HourlyRate  float64   `cbor:"hourly_rate" json:"hourly_rate"`
	StartsAt    time.Time `cbor:"starts_at" json:"starts_at"`
	EndsAt      time.Time `cbor:"ends_at" json:"ends_at"`
	Category    string    `cbor:"category,omitempty" json:"category,omitempty"`
	Description string    `cbor:"description,omitempty" json:"description,omitempty"`
}

// JobBoard is the cached value for a jobs category scope.
type JobBoard struct {
	Listings  []JobListing `cbor:"listings" json:"listings"`
	FetchedAt time.Time    `cbor:"fetched_at" json:"fetched_at"`
}

// DashboardSnapshot aggregates what the home screen renders. The broadcaster
// compares EarningsFormatted, ShiftCount, and WeatherTempC only; the remaining
// fields are display detail that changes whenever those three do.
type DashboardSnapshot struct {
	GuardID           string    `cbor:"guard_id" json:"guard_id"`
	EarningsFormatted string    `cbor:"earnings" json:"earnings"`
	ShiftCount        int       `cbor:"shift_count" json:"shift_count"`
	WeatherTempC      float64   `cbor:"weather_temp_c" json:"weather_temp_c"`
	NextShiftAt       time.Time `cbor:"next_shift_at,omitempty" json:"next_shift_at,omitempty"`
	HoursThisWeek     float64   `cbor:"hours_this_week" json:"hours_this_week"`
}

// PaymentStatus is the cached state of the guard's open payouts.
type PaymentStatus struct {
	GuardID      string    `cbor:"guard_id" json:"guard_id"`
	PendingCents int64     `cbor:"pending_cents" json:"pending_cents"`
	PaidCents    int64     `cbor:"paid_cents" json:"paid_cents"`
	LastPayout   time.Time `cbor:"last_payout,omitempty" json:"last_payout,omitempty"`
}

// ProfileCompletion tracks which onboarding steps remain.
type ProfileCompletion struct {
	GuardID      string   `cbor:"guard_id" json:"guard_id"`
	Percent      int      `cbor:"percent" json:"percent"`
	MissingSteps []string `cbor:"missing_steps,omitempty" json:"missing_steps,omitempty"`
}

// CertificateAlert warns about a credential nearing expiry.
type CertificateAlert struct {
	GuardID     string    `cbor:"guard_id" json:"guard_id"`
	Certificate string    `cbor:"certificate" json:"certificate"`
	ExpiresAt   time.Time `cbor:"expires_at" json:"expires_at"`
}

// Update is one value delivered on a broadcast topic.
type Update struct {
	Topic Category
	Value any
}
