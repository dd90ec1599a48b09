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

package storage

import (
	"context"
	"errors"
	"testing"

	"github.com/pingcap/failpoint"
	"github.com/stretchr/testify/require"

	"github.com/dwell-labs/dwell/pkg/config"
	"github.com/dwell-labs/dwell/pkg/db"
	cerrors "github.com/dwell-labs/dwell/pkg/errors"
	"github.com/dwell-labs/dwell/runtime/identity"
)

func testStorageConfig() *config.StorageConfig {
	return &config.StorageConfig{ReadCacheSize: 16, BookmarkRetention: 64}
}

func openTestDB(t *testing.T) db.DB {
	t.Helper()
	d, err := db.OpenPebble(1, t.TempDir(), 1024*1024, config.GetDefaultDBConfig())
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, d.Close()) })
	return d
}

func newTestStore(t *testing.T, d db.DB, id identity.ID) *Store {
	t.Helper()
	lease, err := AcquireLease(d, id)
	require.NoError(t, err)
	s, err := NewStore(d, id, lease, NopHook(), testStorageConfig())
	require.NoError(t, err)
	return s
}

func TestStoreReadYourWrites(t *testing.T) {
	t.Parallel()
	d := openTestDB(t)
	s := newTestStore(t, d, identity.FromName("test", "ryw"))

	_, ok, err := s.Get([]byte("a"))
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, s.Put([]byte("a"), []byte("1")))
	v, ok, err := s.Get([]byte("a"))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("1"), v)

	require.NoError(t, s.Put([]byte("a"), []byte("2")))
	require.NoError(t, s.Delete([]byte("a")))
	_, ok, err = s.Get([]byte("a"))
	require.NoError(t, err)
	require.False(t, ok)

	seq, err := s.Flush(context.Background())
	require.NoError(t, err)
	require.Equal(t, uint64(1), seq)
	_, ok, err = s.Get([]byte("a"))
	require.NoError(t, err)
	require.False(t, ok)
}

func TestStoreFlushIsAtomicAcrossReopen(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	id := identity.FromName("test", "atomic")
	d, err := db.OpenPebble(1, dir, 1024*1024, config.GetDefaultDBConfig())
	require.NoError(t, err)
	s := newTestStore(t, d, id)
	require.NoError(t, s.Put([]byte("x"), []byte("10")))
	require.NoError(t, s.Put([]byte("y"), []byte("20")))
	seq, err := s.Flush(context.Background())
	require.NoError(t, err)
	require.Equal(t, uint64(1), seq)

	// Staged but unflushed mutations must not survive a crash.
	require.NoError(t, s.Put([]byte("x"), []byte("11")))
	require.NoError(t, s.Close())
	require.NoError(t, d.Close())

	d, err = db.OpenPebble(1, dir, 1024*1024, config.GetDefaultDBConfig())
	require.NoError(t, err)
	defer func() { require.NoError(t, d.Close()) }()
	s = newTestStore(t, d, id)
	require.Equal(t, uint64(1), s.Seq())
	v, ok, err := s.Get([]byte("x"))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("10"), v)
	v, ok, err = s.Get([]byte("y"))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("20"), v)
}

func TestStoreCommitFailureDiscardsBatch(t *testing.T) {
	d := openTestDB(t)
	s := newTestStore(t, d, identity.FromName("test", "failed-commit"))
	require.NoError(t, s.Put([]byte("k"), []byte("committed")))
	_, err := s.Flush(context.Background())
	require.NoError(t, err)

	require.NoError(t, failpoint.Enable(
		"github.com/dwell-labs/dwell/runtime/storage/CommitFailed", "return(true)"))
	require.NoError(t, s.Put([]byte("k"), []byte("lost")))
	require.NoError(t, s.Put([]byte("k2"), []byte("lost")))
	_, err = s.Flush(context.Background())
	require.Error(t, err)
	require.NoError(t, failpoint.Disable(
		"github.com/dwell-labs/dwell/runtime/storage/CommitFailed"))

	// The whole batch is gone, the committed state is intact.
	require.False(t, s.Dirty())
	v, ok, err := s.Get([]byte("k"))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("committed"), v)
	_, ok, err = s.Get([]byte("k2"))
	require.NoError(t, err)
	require.False(t, ok)
	require.Equal(t, uint64(1), s.Seq())
}

func TestStoreLeaseFencing(t *testing.T) {
	t.Parallel()
	d := openTestDB(t)
	id := identity.FromName("test", "fencing")
	old := newTestStore(t, d, id)

	// A newer activation supersedes the old lease.
	fresh := newTestStore(t, d, id)
	require.Greater(t, fresh.Lease(), old.Lease())

	require.NoError(t, old.Put([]byte("k"), []byte("stale")))
	_, err := old.Flush(context.Background())
	require.True(t, cerrors.ErrStaleLease.Equal(err))

	require.NoError(t, fresh.Put([]byte("k"), []byte("fresh")))
	_, err = fresh.Flush(context.Background())
	require.NoError(t, err)
}

func TestStoreRunTransaction(t *testing.T) {
	t.Parallel()
	d := openTestDB(t)
	s := newTestStore(t, d, identity.FromName("test", "txn"))
	ctx := context.Background()

	require.NoError(t, s.Put([]byte("outer"), []byte("1")))
	injected := errors.New("handler failed")
	_, err := s.RunTransaction(ctx, func(tx *Txn) error {
		require.NoError(t, tx.Put([]byte("inner"), []byte("2")))
		return injected
	})
	require.ErrorIs(t, err, injected)

	// Rollback drops only what the transaction staged.
	_, ok, err := s.Get([]byte("inner"))
	require.NoError(t, err)
	require.False(t, ok)
	v, ok, err := s.Get([]byte("outer"))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("1"), v)

	seq, err := s.RunTransaction(ctx, func(tx *Txn) error {
		return tx.Put([]byte("inner"), []byte("3"))
	})
	require.NoError(t, err)
	require.Equal(t, uint64(1), seq)
	v, ok, err = s.Get([]byte("inner"))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("3"), v)
}

func TestStoreScan(t *testing.T) {
	t.Parallel()
	d := openTestDB(t)
	s := newTestStore(t, d, identity.FromName("test", "scan"))
	ctx := context.Background()

	for _, k := range []string{"b", "d", "a", "c"} {
		require.NoError(t, s.Put([]byte(k), []byte("v"+k)))
	}
	_, err := s.Flush(ctx)
	require.NoError(t, err)
	// Staged mutations overlay the committed range.
	require.NoError(t, s.Delete([]byte("c")))
	require.NoError(t, s.Put([]byte("e"), []byte("ve")))

	kvs, err := s.Scan(nil, nil, false, 0)
	require.NoError(t, err)
	keys := make([]string, 0, len(kvs))
	for _, kv := range kvs {
		keys = append(keys, string(kv.Key))
	}
	require.Equal(t, []string{"a", "b", "d", "e"}, keys)

	kvs, err = s.Scan(nil, nil, true, 2)
	require.NoError(t, err)
	require.Len(t, kvs, 2)
	require.Equal(t, []byte("e"), kvs[0].Key)
	require.Equal(t, []byte("d"), kvs[1].Key)

	kvs, err = s.Scan([]byte("b"), []byte("d"), false, 0)
	require.NoError(t, err)
	require.Len(t, kvs, 1)
	require.Equal(t, []byte("b"), kvs[0].Key)
}

func TestStoreBookmarkRestore(t *testing.T) {
	t.Parallel()
	d := openTestDB(t)
	s := newTestStore(t, d, identity.FromName("test", "bookmark"))
	ctx := context.Background()

	require.NoError(t, s.Put([]byte("k"), []byte("v1")))
	require.NoError(t, s.Put([]byte("only-v1"), []byte("x")))
	_, err := s.Flush(ctx)
	require.NoError(t, err)
	mark := s.CurrentBookmark()

	require.NoError(t, s.Put([]byte("k"), []byte("v2")))
	require.NoError(t, s.Delete([]byte("only-v1")))
	_, err = s.Flush(ctx)
	require.NoError(t, err)
	require.NoError(t, s.Put([]byte("k"), []byte("v3")))
	_, err = s.Flush(ctx)
	require.NoError(t, err)

	seq, err := s.RestoreBookmark(ctx, mark)
	require.NoError(t, err)
	require.Equal(t, uint64(4), seq)
	v, ok, err := s.Get([]byte("k"))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("v1"), v)
	v, ok, err = s.Get([]byte("only-v1"))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("x"), v)

	// Restoring to the current state is a no-op.
	cur := s.CurrentBookmark()
	seq, err = s.RestoreBookmark(ctx, cur)
	require.NoError(t, err)
	require.Equal(t, uint64(4), seq)

	_, err = s.RestoreBookmark(ctx, Bookmark("not-a-bookmark"))
	require.True(t, cerrors.ErrBookmarkInvalid.Equal(err))
	_, err = s.RestoreBookmark(ctx, Bookmark("00000000000000ff"))
	require.True(t, cerrors.ErrBookmarkInvalid.Equal(err))
}

func TestStoreBookmarkExpires(t *testing.T) {
	t.Parallel()
	d := openTestDB(t)
	id := identity.FromName("test", "retention")
	lease, err := AcquireLease(d, id)
	require.NoError(t, err)
	s, err := NewStore(d, id, lease, NopHook(),
		&config.StorageConfig{ReadCacheSize: 16, BookmarkRetention: 2})
	require.NoError(t, err)
	ctx := context.Background()

	mark := s.CurrentBookmark()
	for i := 0; i < 4; i++ {
		require.NoError(t, s.Put([]byte("k"), []byte{byte(i)}))
		_, err = s.Flush(ctx)
		require.NoError(t, err)
	}
	_, err = s.RestoreBookmark(ctx, mark)
	require.True(t, cerrors.ErrBookmarkExpired.Equal(err))

	// A bookmark within the retained window still restores.
	recent := s.CurrentBookmark()
	require.NoError(t, s.Put([]byte("k"), []byte("new")))
	_, err = s.Flush(ctx)
	require.NoError(t, err)
	_, err = s.RestoreBookmark(ctx, recent)
	require.NoError(t, err)
	v, ok, err := s.Get([]byte("k"))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte{3}, v)
}

func TestStoreEraseAll(t *testing.T) {
	t.Parallel()
	d := openTestDB(t)
	id := identity.FromName("test", "erase")
	s := newTestStore(t, d, id)
	ctx := context.Background()

	require.NoError(t, s.Put([]byte("k"), []byte("v")))
	require.NoError(t, s.PutSession("sess-1", []byte("tags")))
	require.NoError(t, s.PutAlarm([]byte("alarm")))
	_, err := s.Flush(ctx)
	require.NoError(t, err)
	mark := s.CurrentBookmark()

	require.NoError(t, s.EraseAll(ctx))
	_, ok, err := s.Get([]byte("k"))
	require.NoError(t, err)
	require.False(t, ok)
	sessions, err := s.ScanSessions()
	require.NoError(t, err)
	require.Empty(t, sessions)
	_, ok, err = s.GetAlarm()
	require.NoError(t, err)
	require.False(t, ok)

	// Erasure keeps the sequence monotonic and drops retained history.
	require.Equal(t, uint64(2), s.Seq())
	_, err = s.RestoreBookmark(ctx, mark)
	require.True(t, cerrors.ErrBookmarkExpired.Equal(err))

	// Another store on the same db is untouched.
	other := newTestStore(t, d, identity.FromName("test", "erase-other"))
	require.NoError(t, other.Put([]byte("k"), []byte("v")))
	_, err = other.Flush(ctx)
	require.NoError(t, err)
	require.NoError(t, s.EraseAll(ctx))
	v, ok, err := other.Get([]byte("k"))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("v"), v)
}

func TestStoreSessionsAndAlarm(t *testing.T) {
	t.Parallel()
	d := openTestDB(t)
	s := newTestStore(t, d, identity.FromName("test", "sessions"))
	ctx := context.Background()

	require.NoError(t, s.PutSession("h-1", []byte("a")))
	require.NoError(t, s.PutSession("h-2", []byte("b")))
	_, err := s.Flush(ctx)
	require.NoError(t, err)
	require.NoError(t, s.DeleteSession("h-1"))
	require.NoError(t, s.PutSession("h-3", []byte("c")))

	sessions, err := s.ScanSessions()
	require.NoError(t, err)
	require.Equal(t, map[string][]byte{
		"h-2": []byte("b"),
		"h-3": []byte("c"),
	}, sessions)

	require.NoError(t, s.PutAlarm([]byte("rec")))
	v, ok, err := s.GetAlarm()
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("rec"), v)
	require.NoError(t, s.DeleteAlarm())
	_, ok, err = s.GetAlarm()
	require.NoError(t, err)
	require.False(t, ok)
}

type recordingHook struct {
	begun int
	ended []uint64
	errs  []error
}

func (h *recordingHook) BeginCommit() { h.begun++ }
func (h *recordingHook) EndCommit(seq uint64, err error) {
	h.ended = append(h.ended, seq)
	h.errs = append(h.errs, err)
}

func TestStoreCommitHookOrdering(t *testing.T) {
	t.Parallel()
	d := openTestDB(t)
	id := identity.FromName("test", "hook")
	lease, err := AcquireLease(d, id)
	require.NoError(t, err)
	hook := &recordingHook{}
	s, err := NewStore(d, id, lease, hook, testStorageConfig())
	require.NoError(t, err)
	ctx := context.Background()

	// An empty flush does not touch the hook.
	_, err = s.Flush(ctx)
	require.NoError(t, err)
	require.Equal(t, 0, hook.begun)

	require.NoError(t, s.Put([]byte("k"), []byte("v")))
	_, err = s.Flush(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, hook.begun)
	require.Equal(t, []uint64{1}, hook.ended)
	require.NoError(t, hook.errs[0])
}
