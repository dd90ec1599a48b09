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

import "time"

const (
	defaultBackoffBase = 10 * time.Millisecond
	defaultBackoffCap  = 100 * time.Millisecond
	defaultMaxTries    = 3
)

// Option configures a Do call.
type Option func(*doOptions)

// IsRetryableErr decides whether an error is safe to retry, eg.
// context.Canceled better not retry.
type IsRetryableErr func(error) bool

type doOptions struct {
	// maxTries bounds the attempts, 0 means unbounded.
	maxTries    int64
	backoffBase time.Duration
	backoffCap  time.Duration
	isRetryable IsRetryableErr
}

func newDoOptions() *doOptions {
	return &doOptions{
		maxTries:    defaultMaxTries,
		backoffBase: defaultBackoffBase,
		backoffCap:  defaultBackoffCap,
		isRetryable: func(error) bool { return true },
	}
}

// WithBackoffBaseDelay configures the initial delay, in milliseconds.
func WithBackoffBaseDelay(delayInMs int64) Option {
	return func(o *doOptions) {
		if delayInMs > 0 {
			o.backoffBase = time.Duration(delayInMs) * time.Millisecond
		}
	}
}

// WithBackoffMaxDelay configures the maximum delay, in milliseconds.
func WithBackoffMaxDelay(delayInMs int64) Option {
	return func(o *doOptions) {
		if delayInMs > 0 {
			o.backoffCap = time.Duration(delayInMs) * time.Millisecond
		}
	}
}

// WithMaxTries configures the maximum number of tries.
func WithMaxTries(tries int64) Option {
	return func(o *doOptions) {
		if tries > 0 {
			o.maxTries = tries
		}
	}
}

// WithInfiniteTries retries until success, a non-retryable error or context
// cancellation.
func WithInfiniteTries() Option {
	return func(o *doOptions) {
		o.maxTries = 0
	}
}

// WithIsRetryableErr configures the error predicate, every error is
// retryable when unset.
func WithIsRetryableErr(f func(error) bool) Option {
	return func(o *doOptions) {
		if f != nil {
			o.isRetryable = f
		}
	}
}
