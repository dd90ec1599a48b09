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

// Package alarm implements the persisted per-identity alarm. An identity
// holds at most one alarm; scheduling overwrites it, last write wins. The
// record lives in the identity's own store, so it commits atomically with
// the turn that set it and survives hibernation and eviction. Delivery is
// at least once: a failing callback is retried with doubling delays up to a
// capped attempt count.
package alarm

import (
	"context"
	"time"

	backoff "github.com/cenkalti/backoff/v4"
	"github.com/pingcap/errors"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/dwell-labs/dwell/pkg/clock"
	"github.com/dwell-labs/dwell/pkg/config"
	"github.com/dwell-labs/dwell/pkg/db"
	cerrors "github.com/dwell-labs/dwell/pkg/errors"
	"github.com/dwell-labs/dwell/runtime/identity"
	"github.com/dwell-labs/dwell/runtime/storage"
)

// Metadata is passed to the alarm callback on each firing.
type Metadata struct {
	// Attempt counts prior failed deliveries of this firing.
	Attempt int
	// IsRetry is set when this firing is an automatic retry.
	IsRetry bool
}

type record struct {
	WhenUnixNano int64 `msgpack:"w"`
	Attempt      int   `msgpack:"a"`
	IsRetry      bool  `msgpack:"r"`
}

func (r record) when() time.Time { return time.Unix(0, r.WhenUnixNano) }

func load(s *storage.Store) (record, bool, error) {
	raw, ok, err := s.GetAlarm()
	if err != nil || !ok {
		return record{}, false, err
	}
	var rec record
	if err := msgpack.Unmarshal(raw, &rec); err != nil {
		return record{}, false, cerrors.WrapError(cerrors.ErrDecodeRecord, err)
	}
	return rec, true, nil
}

func save(s *storage.Store, rec record) error {
	raw, err := msgpack.Marshal(&rec)
	if err != nil {
		return errors.Trace(err)
	}
	return s.PutAlarm(raw)
}

// Schedule sets the alarm to fire at when, overwriting any existing alarm.
// The write is staged into the store's open batch.
func Schedule(s *storage.Store, when time.Time) error {
	return save(s, record{WhenUnixNano: when.UnixNano()})
}

// Cancel removes the alarm, if any. The delete is staged into the store's
// open batch.
func Cancel(s *storage.Store) error {
	return s.DeleteAlarm()
}

// Recover visits every alarm persisted in the database. The manager reseeds
// its firing queue from it on process start, so alarms committed before a
// restart still fire without waiting for their identity to be invoked.
func Recover(d db.DB, fn func(id identity.ID, when time.Time)) error {
	return storage.ScanAlarmRecords(d, func(id identity.ID, raw []byte) error {
		var rec record
		if err := msgpack.Unmarshal(raw, &rec); err != nil {
			return cerrors.WrapError(cerrors.ErrDecodeRecord, err)
		}
		fn(id, rec.when())
		return nil
	})
}

// Peek returns the pending alarm time, if one is set.
func Peek(s *storage.Store) (time.Time, bool, error) {
	rec, ok, err := load(s)
	if err != nil || !ok {
		return time.Time{}, false, err
	}
	return rec.when(), true, nil
}

// retryDelay returns the delay before retry number attempt, starting at 1.
func retryDelay(cfg *config.AlarmConfig, attempt int) time.Duration {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = cfg.RetryBaseDelay.Duration()
	b.RandomizationFactor = 0
	b.Multiplier = 2
	b.MaxInterval = time.Hour
	b.MaxElapsedTime = 0
	// Reset adopts the overwritten initial interval.
	b.Reset()
	var d time.Duration
	for i := 0; i < attempt; i++ {
		d = b.NextBackOff()
	}
	return d
}

// Fire runs one due firing against the store. The callback executes inside a
// transaction, so a failing callback leaves no staged writes behind. On
// success the alarm is cleared unless the callback rescheduled it. On
// failure a retry record is persisted with a doubled delay, until the
// attempt cap is reached, after which ErrAlarmRetryExhausted is returned
// wrapping the callback error and no further retry happens.
//
// The returned time is the next pending firing, if any.
func Fire(
	ctx context.Context,
	s *storage.Store,
	clk clock.Clock,
	cfg *config.AlarmConfig,
	cb func(ctx context.Context, md Metadata) error,
) (time.Time, bool, error) {
	now := clk.Now()
	rec, ok, err := load(s)
	if err != nil {
		return time.Time{}, false, err
	}
	if !ok {
		return time.Time{}, false, nil
	}
	if rec.when().After(now) {
		return rec.when(), true, nil
	}

	md := Metadata{Attempt: rec.Attempt, IsRetry: rec.IsRetry}
	_, cbErr := s.RunTransaction(ctx, func(*storage.Txn) error {
		return cb(ctx, md)
	})
	if cbErr == nil {
		after, stillSet, err := load(s)
		if err != nil {
			return time.Time{}, false, err
		}
		if stillSet && after == rec {
			// The callback did not reschedule, this firing is consumed.
			if err := Cancel(s); err != nil {
				return time.Time{}, false, err
			}
			if _, err := s.Flush(ctx); err != nil {
				return time.Time{}, false, err
			}
			return time.Time{}, false, nil
		}
		if stillSet {
			return after.when(), true, nil
		}
		return time.Time{}, false, nil
	}
	if cerrors.ErrCommitFailed.Equal(cbErr) || cerrors.ErrStaleLease.Equal(cbErr) {
		// A commit failure tears the instance down, the manager handles it.
		return time.Time{}, false, cbErr
	}

	attempt := rec.Attempt + 1
	if attempt >= cfg.RetryMaxAttempts {
		if err := Cancel(s); err != nil {
			return time.Time{}, false, err
		}
		if _, err := s.Flush(ctx); err != nil {
			return time.Time{}, false, err
		}
		return time.Time{}, false,
			cerrors.WrapError(cerrors.ErrAlarmRetryExhausted, cbErr, attempt)
	}
	retry := record{
		WhenUnixNano: now.Add(retryDelay(cfg, attempt)).UnixNano(),
		Attempt:      attempt,
		IsRetry:      true,
	}
	if err := save(s, retry); err != nil {
		return time.Time{}, false, err
	}
	if _, err := s.Flush(ctx); err != nil {
		return time.Time{}, false, err
	}
	return retry.when(), true, nil
}
