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

package runtime

import (
	"context"
	"fmt"

	"go.uber.org/atomic"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/dwell-labs/dwell/pkg/actor"
	"github.com/dwell-labs/dwell/pkg/actor/message"
	cerrors "github.com/dwell-labs/dwell/pkg/errors"
	"github.com/dwell-labs/dwell/runtime/alarm"
	"github.com/dwell-labs/dwell/runtime/gate"
	"github.com/dwell-labs/dwell/runtime/identity"
	"github.com/dwell-labs/dwell/runtime/lifecycle"
	"github.com/dwell-labs/dwell/runtime/session"
	"github.com/dwell-labs/dwell/runtime/storage"
)

type taskKind int

const (
	taskInvoke taskKind = iota
	taskAlarm
	taskSessionMessage
	taskSessionClose
	taskSessionError
)

// task is one unit of work queued to an instance's mailbox.
type task struct {
	kind    taskKind
	payload []byte

	handle      string
	closeCode   int
	closeReason string
	wasClean    bool
	connErr     error

	// done, when set, receives the turn's outcome. It is called through the
	// output gate, never before the turn's writes are durable.
	done func(payload []byte, err error)
}

// instance is the in-memory execution context of one identity. It runs as
// an actor in the runtime's system, so at most one Poll executes at a time.
type instance struct {
	rt      *Runtime
	id      identity.ID
	actorID actor.ID
	mb      actor.Mailbox[task]
	lg      *zap.Logger

	handler  Handler
	gate     *gate.Controller
	store    *storage.Store
	sessions *session.Table
	life     *lifecycle.Machine
	limiter  *rate.Limiter

	constructed bool
	dead        atomic.Bool

	pendingOps   atomic.Int64
	pendingBytes atomic.Int64
	// oldestNano is the enqueue time of the oldest queued task, 0 when the
	// queue is empty. Approximate, used only for overload admission.
	oldestNano atomic.Int64
}

var _ actor.Actor[task] = (*instance)(nil)

// admit performs overload admission and enqueues the task. Rejections are
// immediate and tagged overloaded, the caller must not blindly retry them.
func (i *instance) admit(t task) error {
	if i.dead.Load() {
		return cerrors.ErrInstanceTornDown.GenWithStackByArgs()
	}
	cfg := i.rt.cfg.Overload
	if int(i.pendingOps.Load()) >= cfg.MaxPendingOps {
		return overloaded("queue", "too many pending operations")
	}
	if i.pendingBytes.Load()+int64(len(t.payload)) > cfg.MaxPendingBytes {
		return overloaded("bytes", "too many pending bytes")
	}
	if oldest := i.oldestNano.Load(); oldest != 0 &&
		i.rt.clk.Now().UnixNano()-oldest > int64(cfg.MaxPendingAge.Duration()) {
		return overloaded("age", "oldest pending operation too old")
	}
	if i.limiter != nil && !i.limiter.Allow() {
		return overloaded("rate", "admission rate exceeded")
	}
	return i.enqueue(t)
}

func overloaded(reason, msg string) error {
	overloadRejections.WithLabelValues(reason).Inc()
	return cerrors.ErrInstanceOverloaded.GenWithStackByArgs(msg)
}

// enqueue bypasses overload admission. Used for internal work such as alarm
// firings. Sending through the router schedules the instance on a worker.
func (i *instance) enqueue(t task) error {
	i.pendingOps.Inc()
	i.pendingBytes.Add(int64(len(t.payload)))
	i.oldestNano.CompareAndSwap(0, i.rt.clk.Now().UnixNano())
	if err := i.rt.router.Send(i.actorID, message.ValueMessage(t)); err != nil {
		i.pendingOps.Dec()
		i.pendingBytes.Sub(int64(len(t.payload)))
		if cerrors.ErrMailboxFull.Equal(err) {
			return overloaded("queue", "mailbox full")
		}
		return cerrors.ErrInstanceTornDown.GenWithStackByArgs()
	}
	return nil
}

// Poll implements actor.Actor.
func (i *instance) Poll(ctx context.Context, msgs []message.Message[task]) bool {
	for _, msg := range msgs {
		switch msg.Tp {
		case message.TypeValue:
			i.runTask(ctx, msg.Value)
		case message.TypeStop:
			return false
		}
		if i.dead.Load() {
			return false
		}
	}
	return true
}

// OnClose implements actor.Actor. Undelivered tasks fail with a retryable
// teardown error.
func (i *instance) OnClose() {
	i.dead.Store(true)
	i.gate.Poison(cerrors.ErrInstanceTornDown.GenWithStackByArgs())
	for {
		msg, ok := i.mb.Receive()
		if !ok {
			break
		}
		if msg.Tp == message.TypeValue && msg.Value.done != nil {
			msg.Value.done(nil, cerrors.ErrInstanceTornDown.GenWithStackByArgs())
		}
	}
	_ = i.store.Close()
}

func (i *instance) runTask(ctx context.Context, t task) {
	defer func() {
		i.pendingBytes.Sub(int64(len(t.payload)))
		if i.pendingOps.Dec() == 0 {
			i.oldestNano.Store(0)
			i.life.Drained()
		} else {
			i.oldestNano.Store(i.rt.clk.Now().UnixNano())
		}
	}()

	if err := i.ensureConstructed(ctx); err != nil {
		i.failTask(t, err)
		i.teardown(err)
		return
	}
	if err := i.gate.Admit(ctx); err != nil {
		i.failTask(t, err)
		return
	}

	i.life.OperationBegan()
	defer i.life.OperationEnded()
	c := &Context{ctx: ctx, inst: i}
	switch t.kind {
	case taskInvoke:
		i.runInvoke(ctx, c, t)
	case taskAlarm:
		i.runAlarm(ctx, c, t)
	case taskSessionMessage, taskSessionClose, taskSessionError:
		i.runSession(ctx, c, t)
	}
}

// normalizeTurnError keeps handler faults and already normalized storage
// errors as they are, anything else came out of the durable commit.
func normalizeTurnError(err error) error {
	if cerrors.ErrHandlerFault.Equal(err) ||
		cerrors.ErrStaleLease.Equal(err) ||
		cerrors.ErrCommitFailed.Equal(err) ||
		cerrors.ErrStorageClosed.Equal(err) {
		return err
	}
	return cerrors.ErrCommitFailed.GenWithStackByArgs(err.Error())
}

func (i *instance) runInvoke(ctx context.Context, c *Context, t task) {
	var reply []byte
	seq, err := i.store.RunTransaction(ctx, func(*storage.Txn) error {
		return i.guard(func() error {
			var herr error
			reply, herr = i.handler.Invoke(c, t.payload)
			return herr
		})
	})
	if err != nil {
		err = normalizeTurnError(err)
		i.failTask(t, err)
		i.teardown(err)
		return
	}
	i.syncAlarm()
	heldAt := i.rt.clk.Now()
	i.gate.Hold(seq, func(gateErr error) {
		outputHoldDuration.Observe(i.rt.clk.Now().Sub(heldAt).Seconds())
		if t.done == nil {
			return
		}
		if gateErr != nil {
			t.done(nil, gateErr)
			return
		}
		t.done(reply, nil)
	})
}

func (i *instance) runAlarm(ctx context.Context, c *Context, t task) {
	ah, ok := i.handler.(AlarmHandler)
	if !ok {
		i.lg.Warn("alarm fired for a handler without an alarm callback, dropping")
		if err := alarm.Cancel(i.store); err == nil {
			_, err = i.store.Flush(ctx)
			if err != nil {
				i.teardown(err)
			}
		}
		i.rt.alarms.Remove(i.id)
		return
	}
	next, has, err := alarm.Fire(ctx, i.store, i.rt.clk, i.rt.cfg.Alarm,
		func(_ context.Context, md alarm.Metadata) error {
			return i.guard(func() error { return ah.OnAlarm(c, md) })
		})
	if err != nil {
		if cerrors.ErrAlarmRetryExhausted.Equal(err) {
			i.lg.Warn("alarm dropped after exhausting retries", zap.Error(err))
			i.rt.alarms.Remove(i.id)
			return
		}
		i.teardown(err)
		return
	}
	if has {
		i.rt.alarms.Upsert(i.id, next)
	} else {
		i.rt.alarms.Remove(i.id)
	}
}

func (i *instance) runSession(ctx context.Context, c *Context, t task) {
	sh, ok := i.handler.(SessionHandler)
	if !ok {
		i.failTask(t, cerrors.ErrSessionNotFound.GenWithStackByArgs(t.handle))
		return
	}
	seq, err := i.store.RunTransaction(ctx, func(*storage.Txn) error {
		return i.guard(func() error {
			switch t.kind {
			case taskSessionMessage:
				return sh.OnSessionMessage(c, t.handle, t.payload)
			case taskSessionClose:
				if err := sh.OnSessionClose(
					c, t.handle, t.closeCode, t.closeReason, t.wasClean); err != nil {
					return err
				}
				if _, err := i.sessions.Remove(t.handle); err != nil &&
					!cerrors.ErrSessionNotFound.Equal(err) {
					return err
				}
				return nil
			default:
				sh.OnSessionError(c, t.handle, t.connErr)
				return nil
			}
		})
	})
	if err != nil {
		err = normalizeTurnError(err)
		i.failTask(t, err)
		i.teardown(err)
		return
	}
	i.syncAlarm()
	heldAt := i.rt.clk.Now()
	i.gate.Hold(seq, func(gateErr error) {
		outputHoldDuration.Observe(i.rt.clk.Now().Sub(heldAt).Seconds())
		if t.done == nil {
			return
		}
		t.done(nil, gateErr)
	})
}

// ensureConstructed reconstructs the instance on its first task after
// activation: the session table is restored from persisted records, the
// construction callback runs under the initialization barrier, and the
// persisted alarm is re-read.
func (i *instance) ensureConstructed(ctx context.Context) error {
	if i.constructed {
		return nil
	}
	i.life.Activate()
	activations.Inc()
	if err := i.sessions.Restore(); err != nil {
		return err
	}
	timeout := i.rt.cfg.Lifecycle.BarrierTimeout.Duration()
	err := i.gate.Barrier(ctx, timeout, func(bctx context.Context) error {
		_, err := i.store.RunTransaction(bctx, func(*storage.Txn) error {
			return i.guard(func() error {
				return i.handler.Construct(&Context{ctx: bctx, inst: i})
			})
		})
		return err
	})
	if err != nil {
		return err
	}
	i.syncAlarm()
	i.constructed = true
	return nil
}

// syncAlarm mirrors the committed alarm into the runtime scheduler. Called
// after successful turns, so a rolled-back Schedule never reaches the
// scheduler.
func (i *instance) syncAlarm() {
	when, ok, err := alarm.Peek(i.store)
	if err != nil {
		i.lg.Warn("reading persisted alarm failed", zap.Error(err))
		return
	}
	if ok {
		i.rt.alarms.Upsert(i.id, when)
	} else {
		i.rt.alarms.Remove(i.id)
	}
}

// guard runs a handler callback, converting error returns and panics into
// remote-tagged handler faults.
func (i *instance) guard(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = cerrors.ErrHandlerFault.GenWithStackByArgs(fmt.Sprintf("panic: %v", r))
		}
	}()
	if e := fn(); e != nil {
		if cerrors.ErrHandlerFault.Equal(e) {
			return e
		}
		return cerrors.WrapError(cerrors.ErrHandlerFault, e, e.Error())
	}
	return nil
}

func (i *instance) failTask(t task, err error) {
	if t.done != nil {
		t.done(nil, err)
	}
}

// teardown destroys the in-memory instance. Durable state already committed
// is retained, the next access reconstructs from it under a fresh lease.
func (i *instance) teardown(err error) {
	if i.dead.Swap(true) {
		return
	}
	i.lg.Warn("instance torn down", zap.Error(err))
	i.gate.Poison(cerrors.ErrInstanceTornDown.GenWithStackByArgs())
	i.life.Deactivate()
	i.rt.detach(i.id, i)
}
