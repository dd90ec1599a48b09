// Copyright 2024 The Dwell Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// See the License for the specific language governing permissions and
// limitations under the License.

package clock

import (
	"time"

	bclock "github.com/benbjohnson/clock"
	"github.com/gavv/monotime"
)

type (
	// Timer is re-exported from benbjohnson/clock.
	Timer = bclock.Timer
	// Ticker is re-exported from benbjohnson/clock.
	Ticker = bclock.Ticker
	// MonotonicTime is a duration since an arbitrary fixed origin.
	MonotonicTime time.Duration
)

var unixEpoch = time.Unix(0, 0)

// Clock is a mockable clock with a monotonic reading.
type Clock interface {
	bclock.Clock
	Mono() MonotonicTime
}

type withRealMono struct {
	bclock.Clock
}

func (r withRealMono) Mono() MonotonicTime {
	return MonotonicTime(monotime.Now())
}

// Mock is a mock clock whose Mono follows the mocked wall clock.
type Mock struct {
	*bclock.Mock
}

// Mono implements Clock.
func (r Mock) Mono() MonotonicTime {
	return MonotonicTime(r.Now().Sub(unixEpoch))
}

// New returns a real clock.
func New() Clock {
	return withRealMono{bclock.New()}
}

// NewMock returns a mock clock useful in tests.
func NewMock() *Mock {
	return &Mock{bclock.NewMock()}
}

// Sub returns the duration between two monotonic readings.
func (m MonotonicTime) Sub(other MonotonicTime) time.Duration {
	return time.Duration(m - other)
}
