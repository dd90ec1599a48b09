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

package retry

import (
	"context"
	"math/rand"
	"time"

	"github.com/pingcap/errors"
)

// Do runs the operation until it succeeds, the retry budget is exhausted, or
// the error is reported non-retryable. Backoff doubles from the base delay up
// to the cap, with jitter.
func Do(ctx context.Context, operation func() error, opts ...Option) error {
	o := newDoOptions()
	for _, opt := range opts {
		opt(o)
	}
	if operation == nil {
		return errors.New("retry: nil operation")
	}

	var lastErr error
	for try := int64(0); ; try++ {
		if err := ctx.Err(); err != nil {
			return errors.Trace(err)
		}
		lastErr = operation()
		if lastErr == nil {
			return nil
		}
		if !o.isRetryable(lastErr) {
			return lastErr
		}
		if o.maxTries > 0 && try+1 >= o.maxTries {
			return lastErr
		}
		backoff := o.backoffCap
		if try < 32 {
			if d := o.backoffBase << uint(try); d > 0 && d < backoff {
				backoff = d
			}
		}
		// Full jitter, see https://www.awsarchitectureblog.com/2015/03/backoff.html
		sleep := time.Duration(rand.Float64() * float64(backoff))
		select {
		case <-ctx.Done():
			return errors.Trace(ctx.Err())
		case <-time.After(sleep):
		}
	}
}
