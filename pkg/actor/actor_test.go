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

package actor

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/dwell-labs/dwell/pkg/actor/message"
	cerrors "github.com/dwell-labs/dwell/pkg/errors"
)

func TestMailboxSendReceive(t *testing.T) {
	t.Parallel()

	mb := NewMailbox[string](ID(1), 2)
	require.Equal(t, 0, mb.len())
	_, ok := mb.Receive()
	require.False(t, ok)

	require.Nil(t, mb.Send(message.ValueMessage("turn-1")))
	require.Nil(t, mb.Send(message.ValueMessage("turn-2")))
	require.Equal(t, 2, mb.len())

	msg, ok := mb.Receive()
	require.True(t, ok)
	require.Equal(t, "turn-1", msg.Value)
	msg, ok = mb.Receive()
	require.True(t, ok)
	require.Equal(t, "turn-2", msg.Value)
	_, ok = mb.Receive()
	require.False(t, ok)
}

func TestMailboxBoundedCapacity(t *testing.T) {
	t.Parallel()

	mb := NewMailbox[string](ID(2), 1)
	require.Nil(t, mb.Send(message.ValueMessage("queued")))
	err := mb.Send(message.ValueMessage("rejected"))
	require.True(t, cerrors.ErrMailboxFull.Equal(err))
}

func TestMailboxSendBBlocksUntilReceive(t *testing.T) {
	t.Parallel()

	mb := NewMailbox[string](ID(3), 1)
	require.Nil(t, mb.Send(message.ValueMessage("first")))

	ch := make(chan error, 1)
	go func() {
		ch <- mb.SendB(context.Background(), message.ValueMessage("second"))
	}()
	select {
	case err := <-ch:
		t.Fatalf("SendB must block on a full mailbox, got %v", err)
	case <-time.After(100 * time.Millisecond):
	}

	msg, ok := mb.Receive()
	require.True(t, ok)
	require.Equal(t, "first", msg.Value)
	select {
	case err := <-ch:
		require.Nil(t, err)
	case <-time.After(time.Second):
		t.Fatal("SendB must unblock after Receive")
	}
}

func TestMailboxSendBContextCancel(t *testing.T) {
	t.Parallel()

	mb := NewMailbox[string](ID(4), 1)
	require.Nil(t, mb.Send(message.ValueMessage("first")))

	ctx, cancel := context.WithCancel(context.Background())
	ch := make(chan error, 1)
	go func() {
		ch <- mb.SendB(ctx, message.ValueMessage("second"))
	}()
	cancel()
	select {
	case err := <-ch:
		require.Error(t, err)
	case <-time.After(time.Second):
		t.Fatal("SendB must observe context cancellation")
	}
}
