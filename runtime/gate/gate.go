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

// Package gate implements the concurrency-control protocol of one actor
// instance: the input gate suspends delivery of new operations while a
// durable commit is outstanding or an initialization barrier is held, and
// the output gate holds externally observable effects until the commit they
// depend on is confirmed durable.
package gate

import (
	"context"
	"sync"
	"time"

	"github.com/pingcap/errors"
	"go.uber.org/atomic"

	cerrors "github.com/dwell-labs/dwell/pkg/errors"
)

// Effect is an outward-visible side effect, e.g. a response send. It receives
// nil once its commit is durable, or the commit error if the commit failed,
// in which case the effect must not be performed.
type Effect func(err error)

type heldEffect struct {
	seq uint64
	fn  Effect
}

// Controller gates one instance. All methods are threadsafe.
type Controller struct {
	mu sync.Mutex
	// openSignal is non-nil while the input gate is closed, and is closed
	// (the channel) when the gate reopens.
	openSignal chan struct{}
	commits    int
	barrier    bool
	poisoned   error

	held    []heldEffect
	durable uint64

	heldCount atomic.Int64
}

// NewController returns an open gate controller.
func NewController() *Controller {
	return &Controller{}
}

func (c *Controller) inputClosedLocked() bool {
	return c.commits > 0 || c.barrier
}

// closeLocked must be called after a state change that closes the input gate.
func (c *Controller) closeLocked() {
	if c.openSignal == nil {
		c.openSignal = make(chan struct{})
	}
}

// reopenLocked must be called after a state change that may reopen the gate.
func (c *Controller) reopenLocked() {
	if c.inputClosedLocked() || c.openSignal == nil {
		return
	}
	close(c.openSignal)
	c.openSignal = nil
}

// Admit blocks until the input gate is open. It fails when the controller is
// poisoned by an earlier fault.
func (c *Controller) Admit(ctx context.Context) error {
	for {
		c.mu.Lock()
		if c.poisoned != nil {
			err := c.poisoned
			c.mu.Unlock()
			return err
		}
		if !c.inputClosedLocked() {
			c.mu.Unlock()
			return nil
		}
		c.closeLocked()
		ch := c.openSignal
		c.mu.Unlock()

		select {
		case <-ctx.Done():
			return errors.Trace(ctx.Err())
		case <-ch:
		}
	}
}

// TryAdmit reports whether an operation may enter right now.
func (c *Controller) TryAdmit() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.poisoned == nil && !c.inputClosedLocked()
}

// BeginCommit closes the input gate for an outstanding durable commit.
// Commits may nest only in the sense that EndCommit must be called once per
// BeginCommit.
func (c *Controller) BeginCommit() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.commits++
	c.closeLocked()
}

// EndCommit records the outcome of the commit identified by seq. On success
// all effects held for sequences up to and including seq are released in
// FIFO order. On failure every held effect at or beyond seq receives the
// error instead, and the controller is poisoned: a failed durable write must
// never appear to a remote party as having partially succeeded.
func (c *Controller) EndCommit(seq uint64, commitErr error) {
	c.mu.Lock()
	c.commits--
	var release []heldEffect
	if commitErr == nil {
		if seq > c.durable {
			c.durable = seq
		}
		rest := c.held[:0]
		for _, e := range c.held {
			if e.seq <= c.durable {
				release = append(release, e)
			} else {
				rest = append(rest, e)
			}
		}
		c.held = rest
	} else {
		c.poisoned = cerrors.ErrCommitFailed.GenWithStackByArgs(commitErr.Error())
		release = c.held
		c.held = nil
	}
	c.reopenLocked()
	c.mu.Unlock()

	for _, e := range release {
		c.heldCount.Dec()
		e.fn(commitErr)
	}
}

// Hold queues an effect until the commit identified by seq is durable. If it
// already is, the effect runs immediately. Holding on a poisoned controller
// fails the effect immediately.
func (c *Controller) Hold(seq uint64, fn Effect) {
	c.mu.Lock()
	if c.poisoned != nil {
		err := c.poisoned
		c.mu.Unlock()
		fn(err)
		return
	}
	if seq <= c.durable {
		c.mu.Unlock()
		fn(nil)
		return
	}
	c.held = append(c.held, heldEffect{seq: seq, fn: fn})
	c.heldCount.Inc()
	c.mu.Unlock()
}

// Barrier runs fn with the input gate closed, bounded by a hard timeout.
// Exceeding the timeout poisons the controller and returns
// ErrBarrierTimeout; the owning instance must then be torn down, which
// guarantees no permanent deadlock.
func (c *Controller) Barrier(ctx context.Context, timeout time.Duration, fn func(ctx context.Context) error) error {
	c.mu.Lock()
	if c.poisoned != nil {
		err := c.poisoned
		c.mu.Unlock()
		return err
	}
	c.barrier = true
	c.closeLocked()
	c.mu.Unlock()

	release := func(poison error) {
		c.mu.Lock()
		c.barrier = false
		if poison != nil && c.poisoned == nil {
			c.poisoned = poison
		}
		c.reopenLocked()
		c.mu.Unlock()
	}

	done := make(chan error, 1)
	go func() {
		done <- fn(ctx)
	}()
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case err := <-done:
		release(nil)
		return err
	case <-timer.C:
		err := cerrors.ErrBarrierTimeout.GenWithStackByArgs(timeout.String())
		release(err)
		return err
	case <-ctx.Done():
		release(errors.Trace(ctx.Err()))
		return errors.Trace(ctx.Err())
	}
}

// Poison marks the controller failed and discards all held effects with the
// given error. Used on instance teardown.
func (c *Controller) Poison(err error) {
	c.mu.Lock()
	if c.poisoned == nil {
		c.poisoned = err
	}
	discard := c.held
	c.held = nil
	c.reopenLocked()
	c.mu.Unlock()

	for _, e := range discard {
		c.heldCount.Dec()
		e.fn(err)
	}
}

// Poisoned returns the poison error, or nil.
func (c *Controller) Poisoned() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.poisoned
}

// HeldEffects returns the number of effects waiting on durability.
func (c *Controller) HeldEffects() int64 {
	return c.heldCount.Load()
}
