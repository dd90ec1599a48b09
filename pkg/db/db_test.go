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

package db

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/dwell-labs/dwell/pkg/config"
)

func TestDB(t *testing.T) {
	t.Parallel()

	cfg := config.GetDefaultDBConfig()
	db, err := OpenPebble(1, t.TempDir(), 0, cfg)
	require.Nil(t, err)

	// Collect metrics
	db.CollectMetrics(0)

	// Get on a missing key.
	_, ok, err := db.Get([]byte("k1"))
	require.Nil(t, err)
	require.False(t, ok)

	// Batch
	batch := db.Batch(0)
	batch.Put([]byte("k1"), []byte("v1"))
	batch.Put([]byte("k2"), []byte("v2"))
	batch.Put([]byte("k3"), []byte("v3"))
	batch.Delete([]byte("k2"))
	require.EqualValues(t, 4, batch.Count())
	require.Nil(t, batch.Commit())
	// Reset
	batch.Reset()
	require.EqualValues(t, 0, batch.Count())

	// Get
	v, ok, err := db.Get([]byte("k1"))
	require.Nil(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("v1"), v)
	_, ok, err = db.Get([]byte("k2"))
	require.Nil(t, err)
	require.False(t, ok)

	// Iterator
	iter := db.Iterator([]byte(""), []byte("k4"))
	require.True(t, iter.Seek([]byte{}))
	require.True(t, iter.Valid())
	require.Equal(t, []byte("k1"), iter.Key())
	require.Equal(t, []byte("v1"), iter.Value())
	require.True(t, iter.Next())
	require.Equal(t, []byte("k3"), iter.Key())
	require.Nil(t, iter.Error())
	require.False(t, iter.Next())
	require.False(t, iter.Valid())

	// Descending.
	require.True(t, iter.SeekToLast())
	require.Equal(t, []byte("k3"), iter.Key())
	require.True(t, iter.Prev())
	require.Equal(t, []byte("k1"), iter.Key())
	require.Nil(t, iter.Release())

	// DeleteRange
	require.Nil(t, db.DeleteRange([]byte("k1"), []byte("k4")))
	_, ok, err = db.Get([]byte("k1"))
	require.Nil(t, err)
	require.False(t, ok)

	// Compact
	require.Nil(t, db.Compact([]byte{0x00}, []byte{0xff}))

	// Close
	require.Nil(t, db.Close())
}

func TestDBReopenKeepsData(t *testing.T) {
	t.Parallel()

	cfg := config.GetDefaultDBConfig()
	dir := t.TempDir()
	db, err := OpenPebble(1, dir, 0, cfg)
	require.Nil(t, err)
	batch := db.Batch(0)
	batch.Put([]byte("durable"), []byte("yes"))
	require.Nil(t, batch.Commit())
	require.Nil(t, db.Close())

	db, err = OpenPebble(1, dir, 0, cfg)
	require.Nil(t, err)
	v, ok, err := db.Get([]byte("durable"))
	require.Nil(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("yes"), v)
	require.Nil(t, db.Close())
}
