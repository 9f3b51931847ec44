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

package broadcaster

import (
	"github.com/cespare/xxhash/v2"

	"github.com/cardinalhq/fieldsync/internal/codec"
	"github.com/cardinalhq/fieldsync/pkg/domain"
)

var equalityCodec *codec.Codec

func init() {
	c, err := codec.New()
	if err != nil {
		panic(err)
	}
	equalityCodec = c
}

// HashEqual compares two values by the xxhash of their canonical CBOR
// encoding. The codec sorts map keys, so structurally equal values hash the
// same. Anything that fails to encode is treated as changed: when in doubt,
// deliver.
func HashEqual(prev, next any) bool {
	pb, err := equalityCodec.Encode(prev)
	if err != nil {
		return false
	}
	nb, err := equalityCodec.Encode(next)
	if err != nil {
		return false
	}
	return xxhash.Sum64(pb) == xxhash.Sum64(nb)
}

// DashboardEqual compares only what the home screen renders: the formatted
// earnings string, the shift count, and the weather temperature. Cheaper than
// deep equality; a change confined to any other field is deliberately not
// republished.
func DashboardEqual(prev, next any) bool {
	p, ok := asDashboard(prev)
	if !ok {
		return false
	}
	n, ok := asDashboard(next)
	if !ok {
		return false
	}
	return p.EarningsFormatted == n.EarningsFormatted &&
		p.ShiftCount == n.ShiftCount &&
		p.WeatherTempC == n.WeatherTempC
}

func asDashboard(v any) (domain.DashboardSnapshot, bool) {
	switch s := v.(type) {
	case domain.DashboardSnapshot:
		return s, true
	case *domain.DashboardSnapshot:
		if s == nil {
			return domain.DashboardSnapshot{}, false
		}
		return *s, true
	default:
		return domain.DashboardSnapshot{}, false
	}
}
