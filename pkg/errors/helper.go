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

package errors

import (
	"github.com/pingcap/errors"
)

// WrapError wraps an internal error into a normalized error with stack.
// It returns nil if err is nil.
func WrapError(rfcError *errors.Error, err error, args ...interface{}) error {
	if err == nil {
		return nil
	}
	return rfcError.Wrap(err).GenWithStackByArgs(args...)
}

// retryableErrors lose no durable state and are safe for the caller to retry
// after obtaining a fresh handle.
var retryableErrors = []*errors.Error{
	ErrCommitFailed,
	ErrInstanceTornDown,
	ErrBarrierTimeout,
	ErrStaleLease,
}

// IsRetryable reports whether the caller may retry the operation against a
// fresh instance handle.
func IsRetryable(err error) bool {
	for _, e := range retryableErrors {
		if e.Equal(err) {
			return true
		}
	}
	return false
}

// IsOverloaded reports whether the error is a backpressure rejection.
// Overloaded requests must not be blindly retried, retrying worsens the
// condition.
func IsOverloaded(err error) bool {
	return ErrInstanceOverloaded.Equal(err)
}

// IsRemote reports whether the error originated in user handler code rather
// than in the runtime.
func IsRemote(err error) bool {
	return ErrHandlerFault.Equal(err)
}

// Trace is a lightweight re-export so callers do not need to import both
// this package and pingcap/errors.
func Trace(err error) error {
	return errors.Trace(err)
}

// Cause re-exports errors.Cause.
func Cause(err error) error {
	return errors.Cause(err)
}
