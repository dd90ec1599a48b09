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

package alarm

import (
	"context"
	"testing"
	"time"

	"github.com/pingcap/errors"
	"github.com/stretchr/testify/require"

	"github.com/dwell-labs/dwell/pkg/clock"
	"github.com/dwell-labs/dwell/pkg/config"
	"github.com/dwell-labs/dwell/pkg/db"
	cerrors "github.com/dwell-labs/dwell/pkg/errors"
	"github.com/dwell-labs/dwell/runtime/identity"
	"github.com/dwell-labs/dwell/runtime/storage"
)

func testAlarmConfig() *config.AlarmConfig {
	return &config.AlarmConfig{
		RetryBaseDelay:   config.TomlDuration(2 * time.Second),
		RetryMaxAttempts: 3,
		PollInterval:     config.TomlDuration(100 * time.Millisecond),
	}
}

func newAlarmStore(t *testing.T, name string) *storage.Store {
	t.Helper()
	d, err := db.OpenPebble(1, t.TempDir(), 1024*1024, config.GetDefaultDBConfig())
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, d.Close()) })
	id := identity.FromName("alarm-test", name)
	lease, err := storage.AcquireLease(d, id)
	require.NoError(t, err)
	s, err := storage.NewStore(d, id, lease, storage.NopHook(),
		&config.StorageConfig{ReadCacheSize: 16, BookmarkRetention: 8})
	require.NoError(t, err)
	return s
}

func TestRetryDelayDoublesFromBase(t *testing.T) {
	t.Parallel()
	cfg := testAlarmConfig()
	require.Equal(t, 2*time.Second, retryDelay(cfg, 1))
	require.Equal(t, 4*time.Second, retryDelay(cfg, 2))
	require.Equal(t, 8*time.Second, retryDelay(cfg, 3))
}

func TestScheduleLastWriteWins(t *testing.T) {
	t.Parallel()
	s := newAlarmStore(t, "lww")
	ctx := context.Background()
	first := time.Unix(100, 0)
	second := time.Unix(200, 0)

	require.NoError(t, Schedule(s, first))
	require.NoError(t, Schedule(s, second))
	_, err := s.Flush(ctx)
	require.NoError(t, err)

	when, ok, err := Peek(s)
	require.NoError(t, err)
	require.True(t, ok)
	require.True(t, when.Equal(second))

	require.NoError(t, Cancel(s))
	_, err = s.Flush(ctx)
	require.NoError(t, err)
	_, ok, err = Peek(s)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestFireConsumesAlarm(t *testing.T) {
	t.Parallel()
	s := newAlarmStore(t, "consume")
	clk := clock.NewMock()
	cfg := testAlarmConfig()
	ctx := context.Background()

	scheduled := clk.Now().Add(time.Second)
	require.NoError(t, Schedule(s, scheduled))
	_, err := s.Flush(ctx)
	require.NoError(t, err)

	// Not due yet.
	fired := 0
	next, ok, err := Fire(ctx, s, clk, cfg, func(context.Context, Metadata) error {
		fired++
		return nil
	})
	require.NoError(t, err)
	require.True(t, ok)
	require.True(t, next.Equal(scheduled))
	require.Equal(t, 0, fired)

	clk.Add(time.Second)
	var md Metadata
	_, ok, err = Fire(ctx, s, clk, cfg, func(_ context.Context, m Metadata) error {
		fired++
		md = m
		return nil
	})
	require.NoError(t, err)
	require.False(t, ok)
	require.Equal(t, 1, fired)
	require.Equal(t, Metadata{Attempt: 0, IsRetry: false}, md)

	_, set, err := Peek(s)
	require.NoError(t, err)
	require.False(t, set)
}

func TestFireKeepsReschedule(t *testing.T) {
	t.Parallel()
	s := newAlarmStore(t, "reschedule")
	clk := clock.NewMock()
	cfg := testAlarmConfig()
	ctx := context.Background()

	require.NoError(t, Schedule(s, clk.Now()))
	_, err := s.Flush(ctx)
	require.NoError(t, err)

	again := clk.Now().Add(time.Minute)
	next, ok, err := Fire(ctx, s, clk, cfg, func(context.Context, Metadata) error {
		return Schedule(s, again)
	})
	require.NoError(t, err)
	require.True(t, ok)
	require.True(t, next.Equal(again))
	when, set, err := Peek(s)
	require.NoError(t, err)
	require.True(t, set)
	require.True(t, when.Equal(again))
}

func TestFireRetriesWithBackoff(t *testing.T) {
	t.Parallel()
	s := newAlarmStore(t, "retry")
	clk := clock.NewMock()
	cfg := testAlarmConfig()
	ctx := context.Background()

	require.NoError(t, Schedule(s, clk.Now()))
	_, err := s.Flush(ctx)
	require.NoError(t, err)

	fail := errors.New("callback failed")
	var seen []Metadata
	fireOnce := func() (time.Time, bool, error) {
		return Fire(ctx, s, clk, cfg, func(_ context.Context, m Metadata) error {
			seen = append(seen, m)
			return fail
		})
	}

	// First failure schedules a retry at base delay.
	next, ok, err := fireOnce()
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, 2*time.Second, next.Sub(clk.Now()))

	// Second failure doubles the delay.
	clk.Add(next.Sub(clk.Now()))
	next, ok, err = fireOnce()
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, 4*time.Second, next.Sub(clk.Now()))

	// Third failure exhausts the cap, the alarm is dropped.
	clk.Add(next.Sub(clk.Now()))
	_, ok, err = fireOnce()
	require.True(t, cerrors.ErrAlarmRetryExhausted.Equal(err))
	require.False(t, ok)
	_, set, err := Peek(s)
	require.NoError(t, err)
	require.False(t, set)

	require.Equal(t, []Metadata{
		{Attempt: 0, IsRetry: false},
		{Attempt: 1, IsRetry: true},
		{Attempt: 2, IsRetry: true},
	}, seen)
}

func TestFireFailureDiscardsCallbackWrites(t *testing.T) {
	t.Parallel()
	s := newAlarmStore(t, "rollback")
	clk := clock.NewMock()
	cfg := testAlarmConfig()
	ctx := context.Background()

	require.NoError(t, Schedule(s, clk.Now()))
	_, err := s.Flush(ctx)
	require.NoError(t, err)

	_, _, err = Fire(ctx, s, clk, cfg, func(context.Context, Metadata) error {
		require.NoError(t, s.Put([]byte("side-effect"), []byte("x")))
		return errors.New("boom")
	})
	require.NoError(t, err)
	_, ok, err := s.Get([]byte("side-effect"))
	require.NoError(t, err)
	require.False(t, ok)
}
