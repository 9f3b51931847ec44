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

// Package codec serializes domain records to the opaque payload blobs the
// local store persists. CBOR keeps the blobs compact and lets unknown fields
// round-trip, which matters because cached payloads outlive app versions.
//
// Encoding behavior:
//   - map keys are sorted, so equal values produce identical bytes
//     (the broadcaster's hash-based equality depends on this)
//   - times encode as Unix microseconds without CBOR time tags
//   - decoded maps come back as map[string]any
package codec

import (
	"fmt"
	"reflect"

	"github.com/fxamacker/cbor/v2"
)

// Codec holds the CBOR encoder and decoder configurations.
type Codec struct {
	encMode cbor.EncMode
	decMode cbor.DecMode
}

// New creates a Codec with deterministic encoding options.
func New() (*Codec, error) {
	encMode, err := cbor.EncOptions{
		Sort:          cbor.SortCanonical,
		ShortestFloat: cbor.ShortestFloatNone,
		BigIntConvert: cbor.BigIntConvertNone,
		Time:          cbor.TimeUnixMicro,
		TimeTag:       cbor.EncTagNone,
	}.EncMode()
	if err != nil {
		return nil, fmt.Errorf("failed to create CBOR encoder: %w", err)
	}

	decMode, err := cbor.DecOptions{
		IntDec:         cbor.IntDecConvertSigned,
		DefaultMapType: reflect.TypeOf(map[string]any{}),
		UTF8:           cbor.UTF8DecodeInvalid,
	}.DecMode()
	if err != nil {
		return nil, fmt.Errorf("failed to create CBOR decoder: %w", err)
	}

	return &Codec{encMode: encMode, decMode: decMode}, nil
}

// Encode serializes v into a payload blob.
func (c *Codec) Encode(v any) ([]byte, error) {
	data, err := c.encMode.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to encode payload: %w", err)
	}
	return data, nil
}

// Decode deserializes a payload blob into out, which must be a pointer.
func (c *Codec) Decode(data []byte, out any) error {
	if err := c.decMode.Unmarshal(data, out); err != nil {
		return fmt.Errorf("failed to decode payload: %w", err)
	}
	return nil
}
