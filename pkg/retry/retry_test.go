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
	"testing"

	"github.com/pingcap/errors"
	"github.com/stretchr/testify/require"
)

func TestDoSucceedsEventually(t *testing.T) {
	t.Parallel()

	calls := 0
	err := Do(context.Background(), func() error {
		calls++
		if calls < 3 {
			return errors.New("transient")
		}
		return nil
	}, WithMaxTries(5), WithBackoffBaseDelay(1), WithBackoffMaxDelay(4))
	require.Nil(t, err)
	require.Equal(t, 3, calls)
}

func TestDoExhaustsBudget(t *testing.T) {
	t.Parallel()

	calls := 0
	err := Do(context.Background(), func() error {
		calls++
		return errors.New("always fails")
	}, WithMaxTries(3), WithBackoffBaseDelay(1), WithBackoffMaxDelay(2))
	require.Error(t, err)
	require.Equal(t, 3, calls)
}

func TestDoNonRetryable(t *testing.T) {
	t.Parallel()

	fatal := errors.New("fatal")
	calls := 0
	err := Do(context.Background(), func() error {
		calls++
		return fatal
	}, WithMaxTries(10), WithIsRetryableErr(func(err error) bool { return false }))
	require.ErrorIs(t, err, fatal)
	require.Equal(t, 1, calls)
}

func TestDoContextCanceled(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := Do(ctx, func() error { return errors.New("transient") }, WithInfiniteTries())
	require.ErrorIs(t, errors.Cause(err), context.Canceled)
}
