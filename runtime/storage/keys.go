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
	"encoding/binary"

	"github.com/dwell-labs/dwell/runtime/identity"
)

// Key layout. Every keyspace embeds the fixed-length identity token, so no
// cross-identity access path exists at this layer.
//
//	d<id>/<user key>   user data
//	m<id>/<name>       runtime metadata (lease, seq, alarm)
//	s<id>/<handle>     session records
//	u<id>/<seq:8>      undo records for bookmark restoration
//
// The byte after the identity is '/' (0x2f); range ends use '0' (0x30).

const (
	prefixData    = 'd'
	prefixMeta    = 'm'
	prefixSession = 's'
	prefixUndo    = 'u'
)

const (
	metaLease = "lease"
	metaSeq   = "seq"
	metaAlarm = "alarm"
)

func encodeKey(prefix byte, id identity.ID, suffix []byte) []byte {
	key := make([]byte, 0, 2+len(id)+len(suffix))
	key = append(key, prefix, '/')
	key = append(key, id...)
	key = append(key, '/')
	return append(key, suffix...)
}

func dataKey(id identity.ID, key []byte) []byte {
	return encodeKey(prefixData, id, key)
}

func metaKey(id identity.ID, name string) []byte {
	return encodeKey(prefixMeta, id, []byte(name))
}

func sessionKey(id identity.ID, handle string) []byte {
	return encodeKey(prefixSession, id, []byte(handle))
}

func undoKey(id identity.ID, seq uint64) []byte {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], seq)
	return encodeKey(prefixUndo, id, buf[:])
}

func undoKeySeq(key []byte) uint64 {
	if len(key) < 8 {
		return 0
	}
	return binary.BigEndian.Uint64(key[len(key)-8:])
}

// keyspaceBounds returns [start, end) covering every suffix of one keyspace
// of one identity.
func keyspaceBounds(prefix byte, id identity.ID) (start, end []byte) {
	start = encodeKey(prefix, id, nil)
	end = make([]byte, len(start))
	copy(end, start)
	end[len(end)-1] = '0'
	return start, end
}

func encodeUint64(v uint64) []byte {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], v)
	return buf[:]
}

func decodeUint64(b []byte) uint64 {
	if len(b) != 8 {
		return 0
	}
	return binary.BigEndian.Uint64(b)
}
