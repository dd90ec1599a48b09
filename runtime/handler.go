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
	"time"

	"github.com/dwell-labs/dwell/runtime/alarm"
	"github.com/dwell-labs/dwell/runtime/identity"
	"github.com/dwell-labs/dwell/runtime/session"
	"github.com/dwell-labs/dwell/runtime/storage"
)

// Handler is the user code bound to one actor identity. A handler instance
// is owned by a single logical thread, no two callbacks run concurrently.
//
// Any error returned from a callback is propagated to the caller as a
// remote fault and tears the instance down, already committed state is
// retained.
type Handler interface {
	// Construct runs under the initialization barrier every time the
	// instance is built, including reconstruction after hibernation or
	// eviction. It is bounded by a hard timeout.
	Construct(ctx *Context) error
	// Invoke handles one inbound operation.
	Invoke(ctx *Context, payload []byte) ([]byte, error)
}

// AlarmHandler is implemented by handlers that use the persisted alarm.
type AlarmHandler interface {
	OnAlarm(ctx *Context, md alarm.Metadata) error
}

// SessionHandler is implemented by handlers with hibernatable sessions.
// Messages on admitted connections are delivered here instead of Invoke.
type SessionHandler interface {
	OnSessionMessage(ctx *Context, handle string, payload []byte) error
	// OnSessionClose must finalize the close handshake itself. The session
	// record is removed afterwards.
	OnSessionClose(ctx *Context, handle string, code int, reason string, wasClean bool) error
	OnSessionError(ctx *Context, handle string, err error)
}

// HandlerFactory builds the handler of an identity. Called once per
// instance construction.
type HandlerFactory func(id identity.ID) Handler

// Context is the turn context passed to handler callbacks. Every mutation
// issued through it stages into the turn's write batch and commits
// atomically when the turn ends. It must not be retained beyond the
// callback.
type Context struct {
	ctx  context.Context
	inst *instance
}

// StdContext returns the context.Context of the current turn, for passing
// to blocking calls.
func (c *Context) StdContext() context.Context { return c.ctx }

// ID returns the identity this handler is bound to.
func (c *Context) ID() identity.ID { return c.inst.id }

// Get reads a key from the identity's private store. Staged writes of the
// current turn are visible.
func (c *Context) Get(key []byte) ([]byte, bool, error) {
	return c.inst.store.Get(key)
}

// Put stages a write. It becomes durable, and externally visible, when the
// turn's batch commits.
func (c *Context) Put(key, value []byte) error {
	return c.inst.store.Put(key, value)
}

// Delete stages a delete.
func (c *Context) Delete(key []byte) error {
	return c.inst.store.Delete(key)
}

// Scan reads the key range [start, end), nil end meaning the end of the
// keyspace. Staged writes are visible.
func (c *Context) Scan(start, end []byte, reverse bool, limit int) ([]storage.KV, error) {
	return c.inst.store.Scan(start, end, reverse, limit)
}

// SetAlarm schedules the identity's alarm, overwriting any existing one.
// Last write wins. The alarm commits with the turn.
func (c *Context) SetAlarm(when time.Time) error {
	return alarm.Schedule(c.inst.store, when)
}

// CancelAlarm removes the identity's alarm.
func (c *Context) CancelAlarm() error {
	return alarm.Cancel(c.inst.store)
}

// PeekAlarm returns the pending alarm time, if any.
func (c *Context) PeekAlarm() (time.Time, bool, error) {
	return alarm.Peek(c.inst.store)
}

// Sessions returns the identity's session table.
func (c *Context) Sessions() *session.Table { return c.inst.sessions }

// PinHibernation marks a resource, typically a connection in
// non-hibernatable mode, that must keep the instance out of hibernation
// until UnpinHibernation is called.
func (c *Context) PinHibernation() { c.inst.life.SessionPinned() }

// UnpinHibernation releases a PinHibernation mark.
func (c *Context) UnpinHibernation() { c.inst.life.SessionUnpinned() }

// AwaitOutbound runs an outbound call. The call counts as an awaited
// outbound call for hibernation eligibility. The turn stays exclusive, no
// other operation of this instance interleaves.
func (c *Context) AwaitOutbound(fn func(ctx context.Context) error) error {
	c.inst.life.CallBegan()
	defer c.inst.life.CallEnded()
	return fn(c.ctx)
}

// CurrentBookmark returns a marker for the latest committed state, usable
// with RestoreBookmark until it falls out of the retained history.
func (c *Context) CurrentBookmark() storage.Bookmark {
	return c.inst.store.CurrentBookmark()
}

// RestoreBookmark rolls the identity's store back to the bookmarked state,
// as a new durable commit.
func (c *Context) RestoreBookmark(b storage.Bookmark) error {
	_, err := c.inst.store.RestoreBookmark(c.ctx, b)
	return err
}

// EraseAll removes every record of the identity, including sessions, the
// alarm and retained history. Deleting individual keys is not sufficient to
// reclaim storage.
func (c *Context) EraseAll() error {
	return c.inst.store.EraseAll(c.ctx)
}
