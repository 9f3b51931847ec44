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

package codec

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDeterministicEncoding(t *testing.T) {
	c, err := New()
	require.NoError(t, err)

	// Map iteration order varies per encode; canonical sorting must not.
	m := map[string]any{"zulu": 1, "alpha": 2, "mike": 3, "echo": 4}
	first, err := c.Encode(m)
	require.NoError(t, err)
	for i := 0; i < 20; i++ {
		again, err := c.Encode(m)
		require.NoError(t, err)
		assert.Equal(t, first, again)
	}
}

func TestStructRoundTrip(t *testing.T) {
	c, err := New()
	require.NoError(t, err)

	type record struct {
		Name  string  `cbor:"name"`
		Count int     `cbor:"count"`
		Score float64 `cbor:"score"`
	}
	in := record{Name: "night shift", Count: 7, Score: 4.5}

	blob, err := c.Encode(in)
	require.NoError(t, err)

	var out record
	require.NoError(t, c.Decode(blob, &out))
	assert.Equal(t, in, out)
}

func TestDecodeIntoAny(t *testing.T) {
	c, err := New()
	require.NoError(t, err)

	blob, err := c.Encode(map[string]any{"n": 42})
	require.NoError(t, err)

	var out any
	require.NoError(t, c.Decode(blob, &out))
	m, ok := out.(map[string]any)
	require.True(t, ok, "maps must decode as map[string]any, got %T", out)
	assert.Equal(t, int64(42), m["n"])
}

func TestDecodeGarbageFails(t *testing.T) {
	c, err := New()
	require.NoError(t, err)

	var out map[string]any
	assert.Error(t, c.Decode([]byte{0xff, 0x00, 0x13}, &out))
}
