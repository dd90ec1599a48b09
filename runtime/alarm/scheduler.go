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

package alarm

import (
	"context"
	"sync"
	"time"

	"github.com/google/btree"
	"github.com/pingcap/errors"

	"github.com/dwell-labs/dwell/pkg/clock"
	"github.com/dwell-labs/dwell/pkg/config"
	"github.com/dwell-labs/dwell/runtime/identity"
)

// FireFunc dispatches one due alarm. It must not block for long, typically
// it enqueues an operation into the identity's mailbox.
type FireFunc func(ctx context.Context, id identity.ID)

type entry struct {
	whenUnixNano int64
	id           identity.ID
}

func entryLess(a, b entry) bool {
	if a.whenUnixNano != b.whenUnixNano {
		return a.whenUnixNano < b.whenUnixNano
	}
	return a.id < b.id
}

// Scheduler tracks the pending alarms of all resident identities in a
// time-ordered queue and wakes periodically to dispatch the due ones.
// Persistence stays with each identity's store, the scheduler only mirrors
// what the instance manager tells it.
type Scheduler struct {
	clk  clock.Clock
	cfg  *config.AlarmConfig
	fire FireFunc

	mu   sync.Mutex
	tree *btree.BTreeG[entry]
	byID map[identity.ID]int64
}

// NewScheduler creates a scheduler. fire is called for every due identity.
func NewScheduler(clk clock.Clock, cfg *config.AlarmConfig, fire FireFunc) *Scheduler {
	return &Scheduler{
		clk:  clk,
		cfg:  cfg,
		fire: fire,
		tree: btree.NewG[entry](16, entryLess),
		byID: make(map[identity.ID]int64),
	}
}

// Upsert records the next firing time of an identity, replacing any earlier
// entry for it.
func (s *Scheduler) Upsert(id identity.ID, when time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if old, ok := s.byID[id]; ok {
		s.tree.Delete(entry{whenUnixNano: old, id: id})
	}
	s.byID[id] = when.UnixNano()
	s.tree.ReplaceOrInsert(entry{whenUnixNano: when.UnixNano(), id: id})
}

// Remove drops the entry of an identity, if any.
func (s *Scheduler) Remove(id identity.ID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if old, ok := s.byID[id]; ok {
		s.tree.Delete(entry{whenUnixNano: old, id: id})
		delete(s.byID, id)
	}
}

// Next returns the earliest pending firing time.
func (s *Scheduler) Next() (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	min, ok := s.tree.Min()
	if !ok {
		return time.Time{}, false
	}
	return time.Unix(0, min.whenUnixNano), true
}

// PopDue removes and returns every identity whose firing time is at or
// before now, in firing order.
func (s *Scheduler) PopDue(now time.Time) []identity.ID {
	s.mu.Lock()
	defer s.mu.Unlock()
	var due []identity.ID
	for {
		min, ok := s.tree.Min()
		if !ok || min.whenUnixNano > now.UnixNano() {
			break
		}
		s.tree.Delete(min)
		delete(s.byID, min.id)
		due = append(due, min.id)
	}
	return due
}

// Run dispatches due alarms until the context is canceled.
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := s.clk.Ticker(s.cfg.PollInterval.Duration())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return errors.Trace(ctx.Err())
		case now := <-ticker.C:
			for _, id := range s.PopDue(now) {
				s.fire(ctx, id)
			}
		}
	}
}
