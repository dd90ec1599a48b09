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

// Package storage implements the private, transactional store of one actor
// identity. Mutations issued with no intervening flush coalesce into one
// batch that commits atomically, reads always observe the latest committed
// value overlaid with the open batch, and every commit is fenced by the
// instance lease so a superseded instance can never write.
package storage

import (
	"bytes"
	"context"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru"
	"github.com/pingcap/errors"
	"github.com/pingcap/failpoint"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/dwell-labs/dwell/pkg/config"
	"github.com/dwell-labs/dwell/pkg/db"
	cerrors "github.com/dwell-labs/dwell/pkg/errors"
	"github.com/dwell-labs/dwell/runtime/identity"
)

// CommitHook observes durable commits. The gate controller implements it to
// close the input gate while a commit is outstanding and to release or
// discard held output effects afterwards.
type CommitHook interface {
	BeginCommit()
	EndCommit(seq uint64, err error)
}

type nopHook struct{}

func (nopHook) BeginCommit()                  {}
func (nopHook) EndCommit(seq uint64, _ error) {}

// NopHook returns a hook that ignores commits. Useful in tests and tooling.
func NopHook() CommitHook { return nopHook{} }

// KV is one scanned key/value pair. Key is the user key, without the
// identity prefix.
type KV struct {
	Key   []byte
	Value []byte
}

// Bookmark is a lexically-ordered opaque marker denoting a point in the
// store's commit history.
type Bookmark string

type cachedValue struct {
	value  []byte
	exists bool
}

type mutation struct {
	key    []byte // encoded
	value  []byte
	delete bool
}

type preimage struct {
	value   []byte
	existed bool
}

type pendingBatch struct {
	ops  []mutation
	last map[string]int // encoded key -> index of its latest op
	pre  map[string]preimage
}

func newPendingBatch() *pendingBatch {
	return &pendingBatch{
		last: make(map[string]int),
		pre:  make(map[string]preimage),
	}
}

func (p *pendingBatch) lookup(ek []byte) (value []byte, deleted, found bool) {
	if p == nil {
		return nil, false, false
	}
	i, ok := p.last[string(ek)]
	if !ok {
		return nil, false, false
	}
	op := p.ops[i]
	return op.value, op.delete, true
}

func (p *pendingBatch) snapshot() *pendingBatch {
	if p == nil {
		return nil
	}
	cp := &pendingBatch{
		ops:  append([]mutation(nil), p.ops...),
		last: make(map[string]int, len(p.last)),
		pre:  make(map[string]preimage, len(p.pre)),
	}
	for k, v := range p.last {
		cp.last[k] = v
	}
	for k, v := range p.pre {
		cp.pre[k] = v
	}
	return cp
}

type undoOp struct {
	Key     []byte `msgpack:"k"`
	Existed bool   `msgpack:"e"`
	Value   []byte `msgpack:"v"`
}

type undoRecord struct {
	Seq uint64   `msgpack:"s"`
	Ops []undoOp `msgpack:"o"`
}

// AcquireLease bumps and persists the lease of an identity, fencing out any
// prior holder. It must be called before NewStore for the same activation.
func AcquireLease(d db.DB, id identity.ID) (uint64, error) {
	raw, ok, err := d.Get(metaKey(id, metaLease))
	if err != nil {
		return 0, errors.Trace(err)
	}
	var lease uint64
	if ok {
		lease = decodeUint64(raw)
	}
	lease++
	batch := d.Batch(1)
	batch.Put(metaKey(id, metaLease), encodeUint64(lease))
	if err := batch.Commit(); err != nil {
		return 0, errors.Trace(err)
	}
	return lease, nil
}

// ScanAlarmRecords visits every persisted alarm record in the database, in
// identity order. Used to reseed the firing queue on process start.
func ScanAlarmRecords(d db.DB, fn func(id identity.ID, raw []byte) error) error {
	start := []byte{prefixMeta, '/'}
	end := []byte{prefixMeta, '0'}
	suffix := []byte("/" + metaAlarm)
	iter := d.Iterator(start, end)
	for ok := iter.Seek(start); ok; ok = iter.Next() {
		key := iter.Key()
		if !bytes.HasSuffix(key, suffix) {
			continue
		}
		id, err := identity.Parse(string(key[2 : len(key)-len(suffix)]))
		if err != nil {
			continue
		}
		if err := fn(id, append([]byte(nil), iter.Value()...)); err != nil {
			_ = iter.Release()
			return err
		}
	}
	if err := iter.Error(); err != nil {
		_ = iter.Release()
		return errors.Trace(err)
	}
	return errors.Trace(iter.Release())
}

// Store is the per-identity storage facade. It is owned by a single instance
// and all calls are serialized by that instance's single logical thread; the
// internal mutex only guards against auxiliary readers such as metrics.
type Store struct {
	db    db.DB
	id    identity.ID
	lease uint64
	hook  CommitHook

	mu        sync.Mutex
	seq       uint64
	pending   *pendingBatch
	cache     *lru.Cache
	retention uint64
	closed    bool
}

// NewStore opens the store of one identity under the given lease.
func NewStore(
	d db.DB, id identity.ID, lease uint64, hook CommitHook, cfg *config.StorageConfig,
) (*Store, error) {
	if hook == nil {
		hook = NopHook()
	}
	cache, err := lru.New(cfg.ReadCacheSize)
	if err != nil {
		return nil, errors.Trace(err)
	}
	raw, ok, err := d.Get(metaKey(id, metaSeq))
	if err != nil {
		return nil, errors.Trace(err)
	}
	var seq uint64
	if ok {
		seq = decodeUint64(raw)
	}
	return &Store{
		db:        d,
		id:        id,
		lease:     lease,
		hook:      hook,
		seq:       seq,
		cache:     cache,
		retention: uint64(cfg.BookmarkRetention),
	}, nil
}

// ID returns the owning identity.
func (s *Store) ID() identity.ID { return s.id }

// Lease returns the fencing token of this store.
func (s *Store) Lease() uint64 { return s.lease }

// Seq returns the latest committed sequence.
func (s *Store) Seq() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.seq
}

// Dirty reports whether an open batch with staged mutations exists.
func (s *Store) Dirty() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pending != nil && len(s.pending.ops) > 0
}

// Close discards the open batch. It does not close the shared db.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.pending = nil
	return nil
}

// loadLocked reads the committed value of an encoded key, consulting the
// read cache first.
func (s *Store) loadLocked(ek []byte) ([]byte, bool, error) {
	if v, ok := s.cache.Get(string(ek)); ok {
		cv := v.(cachedValue)
		return append([]byte(nil), cv.value...), cv.exists, nil
	}
	value, ok, err := s.db.Get(ek)
	if err != nil {
		return nil, false, errors.Trace(err)
	}
	s.cache.Add(string(ek), cachedValue{value: value, exists: ok})
	return append([]byte(nil), value...), ok, nil
}

// getLocked reads an encoded key with read-your-writes semantics.
func (s *Store) getLocked(ek []byte) ([]byte, bool, error) {
	if value, deleted, found := s.pending.lookup(ek); found {
		if deleted {
			return nil, false, nil
		}
		return append([]byte(nil), value...), true, nil
	}
	return s.loadLocked(ek)
}

// stageLocked appends a mutation to the open batch, opening one if needed,
// and records the pre-image of the key on its first mutation in this batch.
func (s *Store) stageLocked(ek, value []byte, del bool) error {
	if s.pending == nil {
		s.pending = newPendingBatch()
	}
	p := s.pending
	sk := string(ek)
	if _, seen := p.pre[sk]; !seen {
		old, existed, err := s.loadLocked(ek)
		if err != nil {
			return err
		}
		p.pre[sk] = preimage{value: old, existed: existed}
	}
	p.ops = append(p.ops, mutation{key: ek, value: value, delete: del})
	p.last[sk] = len(p.ops) - 1
	return nil
}

// Get returns the value of a user key.
func (s *Store) Get(key []byte) ([]byte, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, false, cerrors.ErrStorageClosed.GenWithStackByArgs()
	}
	return s.getLocked(dataKey(s.id, key))
}

// Put stages a write of a user key into the open batch.
func (s *Store) Put(key, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return cerrors.ErrStorageClosed.GenWithStackByArgs()
	}
	return s.stageLocked(dataKey(s.id, key), append([]byte(nil), value...), false)
}

// Delete stages a delete of a user key into the open batch.
func (s *Store) Delete(key []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return cerrors.ErrStorageClosed.GenWithStackByArgs()
	}
	return s.stageLocked(dataKey(s.id, key), nil, true)
}

// GetAlarm returns the raw persisted alarm record.
func (s *Store) GetAlarm() ([]byte, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, false, cerrors.ErrStorageClosed.GenWithStackByArgs()
	}
	return s.getLocked(metaKey(s.id, metaAlarm))
}

// PutAlarm stages the alarm record, so an alarm scheduled mid-turn commits
// atomically with the surrounding batch.
func (s *Store) PutAlarm(data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return cerrors.ErrStorageClosed.GenWithStackByArgs()
	}
	return s.stageLocked(metaKey(s.id, metaAlarm), append([]byte(nil), data...), false)
}

// DeleteAlarm stages removal of the alarm record.
func (s *Store) DeleteAlarm() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return cerrors.ErrStorageClosed.GenWithStackByArgs()
	}
	return s.stageLocked(metaKey(s.id, metaAlarm), nil, true)
}

// GetSession returns the persisted record of one session handle.
func (s *Store) GetSession(handle string) ([]byte, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, false, cerrors.ErrStorageClosed.GenWithStackByArgs()
	}
	return s.getLocked(sessionKey(s.id, handle))
}

// PutSession stages the record of one session handle.
func (s *Store) PutSession(handle string, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return cerrors.ErrStorageClosed.GenWithStackByArgs()
	}
	return s.stageLocked(sessionKey(s.id, handle), append([]byte(nil), data...), false)
}

// DeleteSession stages removal of the record of one session handle.
func (s *Store) DeleteSession(handle string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return cerrors.ErrStorageClosed.GenWithStackByArgs()
	}
	return s.stageLocked(sessionKey(s.id, handle), nil, true)
}

// ScanSessions returns all persisted session records, handle -> record,
// including staged mutations.
func (s *Store) ScanSessions() (map[string][]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, cerrors.ErrStorageClosed.GenWithStackByArgs()
	}
	start, end := keyspaceBounds(prefixSession, s.id)
	vals, err := s.mergedRangeLocked(start, end)
	if err != nil {
		return nil, err
	}
	out := make(map[string][]byte, len(vals))
	prefixLen := len(start)
	for k, v := range vals {
		out[k[prefixLen:]] = v
	}
	return out, nil
}

// mergedRangeLocked reads a raw key range and overlays staged mutations.
// Keys of the returned map are encoded keys.
func (s *Store) mergedRangeLocked(start, end []byte) (map[string][]byte, error) {
	vals := make(map[string][]byte)
	iter := s.db.Iterator(start, end)
	for ok := iter.Seek(start); ok; ok = iter.Next() {
		vals[string(iter.Key())] = append([]byte(nil), iter.Value()...)
	}
	if err := iter.Error(); err != nil {
		_ = iter.Release()
		return nil, errors.Trace(err)
	}
	if err := iter.Release(); err != nil {
		return nil, errors.Trace(err)
	}
	if s.pending != nil {
		for sk, i := range s.pending.last {
			if sk < string(start) || sk >= string(end) {
				continue
			}
			op := s.pending.ops[i]
			if op.delete {
				delete(vals, sk)
			} else {
				vals[sk] = append([]byte(nil), op.value...)
			}
		}
	}
	return vals, nil
}

// Scan returns user keys in [start, end) with their values. A nil end means
// the end of the keyspace. When reverse is set results are in descending key
// order. A non-positive limit means no limit.
func (s *Store) Scan(start, end []byte, reverse bool, limit int) ([]KV, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, cerrors.ErrStorageClosed.GenWithStackByArgs()
	}
	lower := dataKey(s.id, start)
	var upper []byte
	if end == nil {
		_, upper = keyspaceBounds(prefixData, s.id)
	} else {
		upper = dataKey(s.id, end)
	}
	vals, err := s.mergedRangeLocked(lower, upper)
	if err != nil {
		return nil, err
	}
	keys := make([]string, 0, len(vals))
	for k := range vals {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	if reverse {
		for i, j := 0, len(keys)-1; i < j; i, j = i+1, j-1 {
			keys[i], keys[j] = keys[j], keys[i]
		}
	}
	if limit > 0 && len(keys) > limit {
		keys = keys[:limit]
	}
	prefixLen := len(dataKey(s.id, nil))
	out := make([]KV, 0, len(keys))
	for _, k := range keys {
		out = append(out, KV{
			Key:   []byte(k[prefixLen:]),
			Value: vals[k],
		})
	}
	return out, nil
}

// Flush closes and durably commits the open batch. It returns the committed
// sequence, or the current sequence when there was nothing to commit. A
// flush failure leaves no trace of the batch: all of it is discarded.
func (s *Store) Flush(ctx context.Context) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.flushLocked(ctx)
}

func (s *Store) flushLocked(ctx context.Context) (uint64, error) {
	if s.closed {
		return 0, cerrors.ErrStorageClosed.GenWithStackByArgs()
	}
	p := s.pending
	s.pending = nil
	if p == nil || len(p.ops) == 0 {
		return s.seq, nil
	}
	seq := s.seq + 1
	start := time.Now()
	s.hook.BeginCommit()
	err := s.commitLocked(seq, p)
	s.hook.EndCommit(seq, err)
	if err != nil {
		return 0, err
	}
	s.seq = seq
	for _, op := range p.ops {
		s.cache.Add(string(op.key), cachedValue{value: op.value, exists: !op.delete})
	}
	commitDuration.WithLabelValues(s.id.Short()).Observe(time.Since(start).Seconds())
	commitOps.WithLabelValues(s.id.Short()).Observe(float64(len(p.ops)))
	return seq, nil
}

func (s *Store) checkLeaseLocked() error {
	raw, ok, err := s.db.Get(metaKey(s.id, metaLease))
	if err != nil {
		return errors.Trace(err)
	}
	var cur uint64
	if ok {
		cur = decodeUint64(raw)
	}
	if cur != s.lease {
		return cerrors.ErrStaleLease.GenWithStackByArgs(s.lease, cur)
	}
	return nil
}

func (s *Store) commitLocked(seq uint64, p *pendingBatch) error {
	if err := s.checkLeaseLocked(); err != nil {
		return err
	}
	var injected bool
	failpoint.Inject("CommitFailed", func() {
		injected = true
	})
	if injected {
		return errors.New("injected commit failure")
	}

	batch := s.db.Batch(len(p.ops) + 3)
	for _, op := range p.ops {
		if op.delete {
			batch.Delete(op.key)
		} else {
			batch.Put(op.key, op.value)
		}
	}
	batch.Put(metaKey(s.id, metaSeq), encodeUint64(seq))
	if s.retention > 0 {
		undo := undoRecord{Seq: seq}
		keys := make([]string, 0, len(p.pre))
		for k := range p.pre {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			pre := p.pre[k]
			undo.Ops = append(undo.Ops, undoOp{
				Key:     []byte(k),
				Existed: pre.existed,
				Value:   pre.value,
			})
		}
		data, err := msgpack.Marshal(&undo)
		if err != nil {
			return errors.Trace(err)
		}
		batch.Put(undoKey(s.id, seq), data)
		if seq > s.retention {
			batch.Delete(undoKey(s.id, seq-s.retention))
		}
	}
	return errors.Trace(batch.Commit())
}

// Txn exposes the store inside RunTransaction.
type Txn struct {
	s *Store
}

// Get reads a user key inside the transaction.
func (t *Txn) Get(key []byte) ([]byte, bool, error) { return t.s.Get(key) }

// Put writes a user key inside the transaction.
func (t *Txn) Put(key, value []byte) error { return t.s.Put(key, value) }

// Delete removes a user key inside the transaction.
func (t *Txn) Delete(key []byte) error { return t.s.Delete(key) }

// Scan scans user keys inside the transaction.
func (t *Txn) Scan(start, end []byte, reverse bool, limit int) ([]KV, error) {
	return t.s.Scan(start, end, reverse, limit)
}

// RunTransaction runs fn against the store and flushes the batch when fn
// succeeds. When fn fails every mutation it staged is rolled back, restoring
// the batch to its state before the call.
func (s *Store) RunTransaction(ctx context.Context, fn func(tx *Txn) error) (uint64, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return 0, cerrors.ErrStorageClosed.GenWithStackByArgs()
	}
	snap := s.pending.snapshot()
	s.mu.Unlock()

	if err := fn(&Txn{s: s}); err != nil {
		s.mu.Lock()
		s.pending = snap
		s.mu.Unlock()
		return 0, err
	}
	return s.Flush(ctx)
}

// EraseAll removes every record of the identity: data, sessions, alarm,
// bookmarks. It is the only way to reclaim storage fully, deleting
// individual keys leaves bookkeeping metadata behind. The lease and the
// commit sequence survive, so fencing and bookmark ordering stay intact.
func (s *Store) EraseAll(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return cerrors.ErrStorageClosed.GenWithStackByArgs()
	}
	seq := s.seq + 1
	s.hook.BeginCommit()
	err := s.eraseLocked(seq)
	s.hook.EndCommit(seq, err)
	if err != nil {
		return err
	}
	s.seq = seq
	s.pending = nil
	s.cache.Purge()
	return nil
}

func (s *Store) eraseLocked(seq uint64) error {
	if err := s.checkLeaseLocked(); err != nil {
		return err
	}
	batch := s.db.Batch(8)
	for _, prefix := range []byte{prefixData, prefixMeta, prefixSession, prefixUndo} {
		start, end := keyspaceBounds(prefix, s.id)
		batch.DeleteRange(start, end)
	}
	batch.Put(metaKey(s.id, metaLease), encodeUint64(s.lease))
	batch.Put(metaKey(s.id, metaSeq), encodeUint64(seq))
	return errors.Trace(batch.Commit())
}

// CurrentBookmark returns a marker for the current committed state.
// Bookmarks are lexically ordered by commit history.
func (s *Store) CurrentBookmark() Bookmark {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Bookmark(fmt.Sprintf("%016x", s.seq))
}

// RestoreBookmark rolls the store back to the state captured by the
// bookmark. The restoration itself is one durable commit, so the sequence
// keeps increasing and later bookmarks stay ordered. Any open batch is
// discarded first.
func (s *Store) RestoreBookmark(ctx context.Context, b Bookmark) (uint64, error) {
	target, err := strconv.ParseUint(string(b), 16, 64)
	if err != nil || len(b) != 16 {
		return 0, cerrors.ErrBookmarkInvalid.GenWithStackByArgs(string(b))
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, cerrors.ErrStorageClosed.GenWithStackByArgs()
	}
	if target > s.seq {
		return 0, cerrors.ErrBookmarkInvalid.GenWithStackByArgs(string(b))
	}
	s.pending = nil
	if target == s.seq {
		return s.seq, nil
	}

	// Collect undo records (target, seq], newest first. The restored value
	// of a key is its pre-image in the oldest record that touched it.
	records := make([]undoRecord, 0, s.seq-target)
	iter := s.db.Iterator(undoKey(s.id, target+1), undoKey(s.id, s.seq+1))
	for ok := iter.Seek(undoKey(s.id, target+1)); ok; ok = iter.Next() {
		var rec undoRecord
		if err := msgpack.Unmarshal(iter.Value(), &rec); err != nil {
			_ = iter.Release()
			return 0, cerrors.WrapError(cerrors.ErrDecodeRecord, err)
		}
		records = append(records, rec)
	}
	if err := iter.Error(); err != nil {
		_ = iter.Release()
		return 0, errors.Trace(err)
	}
	if err := iter.Release(); err != nil {
		return 0, errors.Trace(err)
	}
	if uint64(len(records)) != s.seq-target {
		return 0, cerrors.ErrBookmarkExpired.GenWithStackByArgs(string(b))
	}

	restored := make(map[string]preimage)
	for i := len(records) - 1; i >= 0; i-- {
		for _, op := range records[i].Ops {
			restored[string(op.Key)] = preimage{value: op.Value, existed: op.Existed}
		}
	}
	for k, pre := range restored {
		var err error
		if pre.existed {
			err = s.stageLocked([]byte(k), pre.value, false)
		} else {
			err = s.stageLocked([]byte(k), nil, true)
		}
		if err != nil {
			s.pending = nil
			return 0, err
		}
	}
	return s.flushLocked(ctx)
}
