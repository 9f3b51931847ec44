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

// Package domain defines the data categories, cache key namespaces, and
// pending-action payloads shared between the engine and its consumers.
package domain

import "fmt"

// Category identifies one independently refreshed data category. Each
// category owns a disjoint cache key namespace and one broadcast topic.
type Category string

const (
	CategoryJobs         Category = "jobs"
	CategoryDashboard    Category = "dashboard"
	CategoryPayments     Category = "payments"
	CategoryProfile      Category = "profile"
	CategoryCertificates Category = "certificates"
)

// Categories lists every category the engine refreshes, in no particular order.
var Categories = []Category{
	CategoryJobs,
	CategoryDashboard,
	CategoryPayments,
	CategoryProfile,
	CategoryCertificates,
}

// Valid reports whether c is a known category.
func (c Category) Valid() bool {
	switch c {
	case CategoryJobs, CategoryDashboard, CategoryPayments, CategoryProfile, CategoryCertificates:
		return true
	}
	return false
}

// keyPrefixes match the persisted layout of the mobile data layer. They are
// load-bearing: ClearAll and the expiration sweep select entries by prefix.
var keyPrefixes = map[Category]string{
	CategoryJobs:         "offline_jobs",
	CategoryDashboard:    "dashboard_data",
	CategoryPayments:     "payment_status",
	CategoryProfile:      "profile_completion",
	CategoryCertificates: "certificate_alerts",
}

// KeyPrefix returns the cache key namespace for a category.
func (c Category) KeyPrefix() string {
	return keyPrefixes[c]
}

// Key builds the cache key for a category and scope (a job filter, a guard id).
// An empty scope addresses the category-wide record.
func Key(c Category, scope string) string {
	if scope == "" {
		return c.KeyPrefix()
	}
	return fmt.Sprintf("%s:%s", c.KeyPrefix(), scope)
}

// LastSyncKey is the well-known key holding the last successful sync timestamp.
const LastSyncKey = "meta:last_sync"

// Priority biases eviction order when the expiration sweep trims entries.
// It is advisory: freshness is decided by TTL alone.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
)

func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityNormal:
		return "normal"
	case PriorityHigh:
		return "high"
	default:
		return fmt.Sprintf("priority(%d)", int(p))
	}
}
