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

	"github.com/dwell-labs/dwell/pkg/actor/message"
	cerrors "github.com/dwell-labs/dwell/pkg/errors"
)

var errMailboxFull = cerrors.ErrMailboxFull.FastGenByArgs()

// ID is ID for actors.
type ID uint64

// Actor is a universal primitive of concurrent computation.
// See more https://en.wikipedia.org/wiki/Actor_model
type Actor[T any] interface {
	// Poll handles messages that are sent to actor's mailbox.
	//
	// The ctx is only for cancellation, and an actor must be aware of
	// the cancellation.
	//
	// If it returns true, then the actor will be rescheduled and polled later.
	// If it returns false, then the actor will be removed from Router and
	// any message remaining in its mailbox is discarded.
	// Once it returns false, it must always return false.
	//
	// We choose message to have a concrete type instead of an interface to save
	// memory allocation.
	Poll(ctx context.Context, msgs []message.Message[T]) (running bool)

	// OnClose is called after Poll returns false, or when the system is
	// stopping. It gives the actor a chance to release resources. It must be
	// idempotent. It's called by System.
	OnClose()
}

// Mailbox sends messages to an actor.
// Mailbox is threadsafe.
type Mailbox[T any] interface {
	ID() ID
	// Send a message to its actor.
	// It's a non-blocking send, returns ErrMailboxFull when it's full.
	Send(msg message.Message[T]) error
	// SendB sends a message to its actor, blocks when it's full.
	// It may return context.Canceled or context.DeadlineExceeded.
	SendB(ctx context.Context, msg message.Message[T]) error

	// Receive a message. It must be nonblocking.
	// It should only be called by System.
	Receive() (message.Message[T], bool)
	// Return the length of a mailbox.
	// It should only be called by System.
	len() int
}

// NewMailbox creates a fixed capacity mailbox.
func NewMailbox[T any](id ID, cap int) Mailbox[T] {
	return &mailbox[T]{
		id: id,
		ch: make(chan message.Message[T], cap),
	}
}

var _ Mailbox[any] = (*mailbox[any])(nil)

type mailbox[T any] struct {
	id ID
	ch chan message.Message[T]
}

func (m *mailbox[T]) ID() ID {
	return m.id
}

func (m *mailbox[T]) Send(msg message.Message[T]) error {
	select {
	case m.ch <- msg:
		return nil
	default:
		return errMailboxFull
	}
}

func (m *mailbox[T]) SendB(ctx context.Context, msg message.Message[T]) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case m.ch <- msg:
		return nil
	}
}

func (m *mailbox[T]) Receive() (message.Message[T], bool) {
	select {
	case msg, ok := <-m.ch:
		return msg, ok
	default:
	}
	var none message.Message[T]
	return none, false
}

func (m *mailbox[T]) len() int {
	return len(m.ch)
}
