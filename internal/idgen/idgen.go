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

// Package idgen produces the identifiers the engine hands out: ULIDs for
// pending actions (lexical order is insertion order, which the drain cycle
// relies on), a flake id for the process instance, and UUIDs for
// per-submission idempotency keys.
package idgen

import (
	crand "crypto/rand"
	"encoding/binary"
	"errors"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
	"github.com/sony/sonyflake"
)

// IDGenerator makes a string id for a given timestamp.
type IDGenerator interface {
	Make(t time.Time) string
}

// ULIDGenerator issues monotonic ULIDs. Two ids made in the same millisecond
// still sort in issue order.
type ULIDGenerator struct {
	mu      sync.Mutex
	entropy *ulid.MonotonicEntropy
}

var _ IDGenerator = &ULIDGenerator{}

func NewULIDGenerator() *ULIDGenerator {
	return &ULIDGenerator{
		entropy: ulid.Monotonic(crand.Reader, 0),
	}
}

func (u *ULIDGenerator) Make(t time.Time) string {
	u.mu.Lock()
	defer u.mu.Unlock()
	return ulid.MustNew(ulid.Timestamp(t), u.entropy).String()
}

// IdempotencyKey derives the remote submission key for an action. It is a
// function of the action id alone, so every retry of the same action presents
// the same key and an ambiguous earlier success cannot apply twice.
func IdempotencyKey(actionID string) string {
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(actionID)).String()
}

type SonyFlakeGenerator struct {
	sf *sonyflake.Sonyflake
}

var flakeEpoch = time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)

func NewFlakeGenerator() (*SonyFlakeGenerator, error) {
	sf, err := sonyflake.New(sonyflake.Settings{StartTime: flakeEpoch})
	if err != nil {
		// Sonyflake's default machine id comes from a private IPv4 address.
		// A device in airplane mode or on loopback only has none, and that
		// must never block startup; the id only needs to be unique within
		// this device, so a random machine id is fine.
		return newRandomMachineFlakeGenerator()
	}
	if sf == nil {
		return nil, errors.New("failed to create Sonyflake instance")
	}
	return &SonyFlakeGenerator{sf: sf}, nil
}

func newRandomMachineFlakeGenerator() (*SonyFlakeGenerator, error) {
	sf, err := sonyflake.New(sonyflake.Settings{
		StartTime: flakeEpoch,
		MachineID: randomMachineID,
	})
	if err != nil {
		return nil, err
	}
	if sf == nil {
		return nil, errors.New("failed to create Sonyflake instance")
	}
	return &SonyFlakeGenerator{sf: sf}, nil
}

func randomMachineID() (uint16, error) {
	var b [2]byte
	if _, err := crand.Read(b[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint16(b[:]), nil
}

// NextID returns a positive int64 that'll increase roughly in time order.
func (sf *SonyFlakeGenerator) NextID() int64 {
	v, err := sf.sf.NextID()
	if err != nil {
		return rand.Int64()
	}
	return int64(v)
}
