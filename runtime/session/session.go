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

// Package session tracks long-lived connections that survive hibernation.
// Each admitted connection carries a bounded opaque attachment and a set of
// classification tags, persisted in the owning identity's store so the
// table can be rebuilt when the instance is reconstructed. The live
// transport is process state and must be rebound by the runtime after
// reconstruction.
package session

import (
	"sort"
	"sync"

	"github.com/pingcap/errors"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/dwell-labs/dwell/pkg/config"
	cerrors "github.com/dwell-labs/dwell/pkg/errors"
	"github.com/dwell-labs/dwell/runtime/storage"
)

// Conn is the transport side of an admitted connection.
type Conn interface {
	// Send pushes a payload to the remote side.
	Send(payload []byte) error
	// Close finalizes the close handshake.
	Close(code int, reason string) error
}

type record struct {
	Tags       []string `msgpack:"t"`
	Attachment []byte   `msgpack:"a"`
}

// Table is the session table of one identity. Mutations stage into the
// store's open batch, so admitting or attaching mid-turn commits atomically
// with the rest of the turn.
type Table struct {
	cfg   *config.SessionConfig
	store *storage.Store

	mu    sync.Mutex
	recs  map[string]record
	conns map[string]Conn
}

// NewTable creates an empty table over the identity's store. Call Restore
// before delivering any message to a reconstructed instance.
func NewTable(store *storage.Store, cfg *config.SessionConfig) *Table {
	return &Table{
		cfg:   cfg,
		store: store,
		recs:  make(map[string]record),
		conns: make(map[string]Conn),
	}
}

// Restore repopulates the table from persisted records. Live transports are
// not restored, the runtime rebinds still-open connections with Rebind.
func (t *Table) Restore() error {
	raw, err := t.store.ScanSessions()
	if err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.recs = make(map[string]record, len(raw))
	for handle, data := range raw {
		var rec record
		if err := msgpack.Unmarshal(data, &rec); err != nil {
			return cerrors.WrapError(cerrors.ErrDecodeRecord, err)
		}
		t.recs[handle] = rec
	}
	return nil
}

func (t *Table) saveLocked(handle string) error {
	rec := t.recs[handle]
	data, err := msgpack.Marshal(&rec)
	if err != nil {
		return errors.Trace(err)
	}
	return t.store.PutSession(handle, data)
}

// Admit registers a connection for hibernation-safe handling.
func (t *Table) Admit(handle string, conn Conn, tags []string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.recs[handle]; ok {
		return cerrors.ErrSessionDuplicate.GenWithStackByArgs(handle)
	}
	t.recs[handle] = record{Tags: append([]string(nil), tags...)}
	if conn != nil {
		t.conns[handle] = conn
	}
	return t.saveLocked(handle)
}

// Rebind attaches a live transport to a restored session.
func (t *Table) Rebind(handle string, conn Conn) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.recs[handle]; !ok {
		return cerrors.ErrSessionNotFound.GenWithStackByArgs(handle)
	}
	t.conns[handle] = conn
	return nil
}

// Attach persists a small opaque payload alongside the session. Larger
// state belongs in storage, referenced by key.
func (t *Table) Attach(handle string, payload []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	rec, ok := t.recs[handle]
	if !ok {
		return cerrors.ErrSessionNotFound.GenWithStackByArgs(handle)
	}
	if len(payload) > t.cfg.MaxAttachmentBytes {
		return cerrors.ErrAttachmentTooLarge.GenWithStackByArgs(t.cfg.MaxAttachmentBytes)
	}
	rec.Attachment = append([]byte(nil), payload...)
	t.recs[handle] = rec
	return t.saveLocked(handle)
}

// Detach returns the payload attached to the session.
func (t *Table) Detach(handle string) ([]byte, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	rec, ok := t.recs[handle]
	if !ok {
		return nil, cerrors.ErrSessionNotFound.GenWithStackByArgs(handle)
	}
	return append([]byte(nil), rec.Attachment...), nil
}

// Remove drops the session and its persisted record. The transport, if
// bound, is returned so the caller can finalize the close handshake.
func (t *Table) Remove(handle string) (Conn, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.recs[handle]; !ok {
		return nil, cerrors.ErrSessionNotFound.GenWithStackByArgs(handle)
	}
	conn := t.conns[handle]
	delete(t.recs, handle)
	delete(t.conns, handle)
	return conn, t.store.DeleteSession(handle)
}

// Conn returns the live transport bound to the session, if any.
func (t *Table) Conn(handle string) (Conn, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	conn, ok := t.conns[handle]
	return conn, ok
}

// List returns the handles whose tags include every tag of the filter, in
// lexical order. An empty filter matches every session.
func (t *Table) List(tagFilter ...string) []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	handles := make([]string, 0, len(t.recs))
	for handle, rec := range t.recs {
		if matchesTags(rec.Tags, tagFilter) {
			handles = append(handles, handle)
		}
	}
	sort.Strings(handles)
	return handles
}

// Len returns the number of registered sessions.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.recs)
}

func matchesTags(tags, filter []string) bool {
	for _, want := range filter {
		found := false
		for _, tag := range tags {
			if tag == want {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}
