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

package identity

import (
	"crypto/sha256"
	"encoding/hex"

	"github.com/google/uuid"

	cerrors "github.com/dwell-labs/dwell/pkg/errors"
)

// tokenLen is the length of the hex form of an identity.
const tokenLen = 64

// ID is an opaque, globally-unique actor identity. Identical names within
// the same namespace always map to the same ID. Random IDs are never
// reproducible from a name.
type ID string

// FromName derives a deterministic ID from a namespace and a name.
func FromName(namespace, name string) ID {
	h := sha256.New()
	h.Write([]byte("name\x00"))
	h.Write([]byte(namespace))
	h.Write([]byte{0x00})
	h.Write([]byte(name))
	return ID(hex.EncodeToString(h.Sum(nil)))
}

// Random generates a fresh random ID.
func Random() ID {
	// Hash the uuid so random and name-derived identities share one keyspace
	// shape and cannot collide with a name-derived token by construction.
	h := sha256.New()
	h.Write([]byte("random\x00"))
	u := uuid.New()
	h.Write(u[:])
	return ID(hex.EncodeToString(h.Sum(nil)))
}

// Parse validates the hex form of an identity.
func Parse(s string) (ID, error) {
	if len(s) != tokenLen {
		return "", cerrors.ErrIdentityInvalid.GenWithStackByArgs(s)
	}
	if _, err := hex.DecodeString(s); err != nil {
		return "", cerrors.ErrIdentityInvalid.GenWithStackByArgs(s)
	}
	return ID(s), nil
}

// String implements fmt.Stringer.
func (id ID) String() string {
	return string(id)
}

// Short returns a truncated form for logging.
func (id ID) Short() string {
	if len(id) < 8 {
		return string(id)
	}
	return string(id[:8])
}
