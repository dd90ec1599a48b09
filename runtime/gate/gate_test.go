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

package gate

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/pingcap/errors"
	"github.com/stretchr/testify/require"

	cerrors "github.com/dwell-labs/dwell/pkg/errors"
)

func TestInputGateClosedDuringCommit(t *testing.T) {
	t.Parallel()

	c := NewController()
	require.True(t, c.TryAdmit())

	c.BeginCommit()
	require.False(t, c.TryAdmit())

	admitted := make(chan error, 1)
	go func() {
		admitted <- c.Admit(context.Background())
	}()
	select {
	case <-admitted:
		t.Fatal("admitted while commit outstanding")
	case <-time.After(50 * time.Millisecond):
	}

	c.EndCommit(1, nil)
	select {
	case err := <-admitted:
		require.Nil(t, err)
	case <-time.After(time.Second):
		t.Fatal("not admitted after commit")
	}
}

func TestOutputGateReleasesInFIFO(t *testing.T) {
	t.Parallel()

	c := NewController()
	c.BeginCommit()

	var mu sync.Mutex
	var order []int
	for i := 0; i < 3; i++ {
		i := i
		c.Hold(1, func(err error) {
			require.Nil(t, err)
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
		})
	}
	require.EqualValues(t, 3, c.HeldEffects())

	c.EndCommit(1, nil)
	mu.Lock()
	require.Equal(t, []int{0, 1, 2}, order)
	mu.Unlock()
	require.EqualValues(t, 0, c.HeldEffects())

	// Effects held after the durable point run immediately.
	ran := false
	c.Hold(1, func(err error) {
		require.Nil(t, err)
		ran = true
	})
	require.True(t, ran)
}

func TestCommitFailureDiscardsHeldEffects(t *testing.T) {
	t.Parallel()

	c := NewController()
	c.BeginCommit()

	var got error
	released := false
	c.Hold(1, func(err error) {
		got = err
		released = err == nil
	})

	c.EndCommit(1, errors.New("disk failure"))
	require.False(t, released)
	require.Error(t, got)

	// The controller is poisoned: no new admission, new holds fail fast.
	require.False(t, c.TryAdmit())
	require.Error(t, c.Admit(context.Background()))
	require.True(t, cerrors.IsRetryable(c.Poisoned()))

	var lateErr error
	c.Hold(2, func(err error) { lateErr = err })
	require.Error(t, lateErr)
}

func TestBarrierBlocksAdmission(t *testing.T) {
	t.Parallel()

	c := NewController()
	entered := make(chan struct{})
	proceed := make(chan struct{})
	barrierDone := make(chan error, 1)
	go func() {
		barrierDone <- c.Barrier(context.Background(), time.Minute, func(ctx context.Context) error {
			close(entered)
			<-proceed
			return nil
		})
	}()

	<-entered
	require.False(t, c.TryAdmit())
	close(proceed)
	require.Nil(t, <-barrierDone)
	require.True(t, c.TryAdmit())
}

func TestBarrierTimeoutPoisons(t *testing.T) {
	t.Parallel()

	c := NewController()
	release := make(chan struct{})
	defer close(release)

	err := c.Barrier(context.Background(), 20*time.Millisecond, func(ctx context.Context) error {
		<-release
		return nil
	})
	require.True(t, cerrors.ErrBarrierTimeout.Equal(err))
	require.Error(t, c.Poisoned())
	require.False(t, c.TryAdmit())
}

func TestPoisonDiscardsAll(t *testing.T) {
	t.Parallel()

	c := NewController()
	c.BeginCommit()
	var got error
	c.Hold(1, func(err error) { got = err })

	cause := cerrors.ErrInstanceTornDown.GenWithStackByArgs()
	c.Poison(cause)
	require.ErrorIs(t, got, cause)
	require.EqualValues(t, 0, c.HeldEffects())
}
