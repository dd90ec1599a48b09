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

package actor

import (
	"context"
	"sync"
	"time"

	"github.com/pingcap/log"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/dwell-labs/dwell/pkg/actor/message"
	cerrors "github.com/dwell-labs/dwell/pkg/errors"
)

const (
	defaultWorkerNum        = 8
	defaultMsgBatchPerActor = 64
)

type proc[T any] struct {
	mb    Mailbox[T]
	actor Actor[T]

	// The following fields are guarded by ready's Mutex.
	scheduled bool
	closed    bool
}

type ready[T any] struct {
	sync.Mutex
	cond *sync.Cond

	queue   []*proc[T]
	stopped bool
}

func newReady[T any]() *ready[T] {
	rd := &ready[T]{}
	rd.cond = sync.NewCond(&rd.Mutex)
	return rd
}

// schedule enqueues the proc unless it is already queued, closed, or the
// system is stopping.
func (rd *ready[T]) schedule(p *proc[T]) {
	rd.Lock()
	defer rd.Unlock()
	if p.scheduled || p.closed || rd.stopped {
		return
	}
	p.scheduled = true
	rd.queue = append(rd.queue, p)
	rd.cond.Signal()
}

// dequeue blocks until a proc is ready or the system stops. It returns nil
// on stop.
func (rd *ready[T]) dequeue() *proc[T] {
	rd.Lock()
	defer rd.Unlock()
	for len(rd.queue) == 0 && !rd.stopped {
		rd.cond.Wait()
	}
	if len(rd.queue) == 0 {
		return nil
	}
	p := rd.queue[0]
	rd.queue = rd.queue[1:]
	return p
}

// finish re-enqueues the proc if new messages arrived during its poll,
// otherwise marks it idle.
func (rd *ready[T]) finish(p *proc[T]) {
	rd.Lock()
	defer rd.Unlock()
	if p.mb.len() > 0 && !p.closed && !rd.stopped {
		rd.queue = append(rd.queue, p)
		rd.cond.Signal()
		return
	}
	p.scheduled = false
}

func (rd *ready[T]) stop() {
	rd.Lock()
	rd.stopped = true
	rd.Unlock()
	rd.cond.Broadcast()
}

// Router send messages to actors.
// Router is threadsafe.
type Router[T any] struct {
	rd    *ready[T]
	procs sync.Map // ID -> *proc[T]
}

// Send a message to an actor. It's a non-blocking send.
// ErrMailboxFull when the actor full.
// ErrActorNotFound when the actor not found.
func (r *Router[T]) Send(id ID, msg message.Message[T]) error {
	value, ok := r.procs.Load(id)
	if !ok {
		return cerrors.ErrActorNotFound.GenWithStackByArgs(uint64(id))
	}
	p := value.(*proc[T])
	if err := p.mb.Send(msg); err != nil {
		return err
	}
	r.rd.schedule(p)
	return nil
}

// SendB sends a message to an actor, blocks when its mailbox is full.
// It may return context.Canceled or context.DeadlineExceeded.
func (r *Router[T]) SendB(ctx context.Context, id ID, msg message.Message[T]) error {
	value, ok := r.procs.Load(id)
	if !ok {
		return cerrors.ErrActorNotFound.GenWithStackByArgs(uint64(id))
	}
	p := value.(*proc[T])
	if err := p.mb.SendB(ctx, msg); err != nil {
		return err
	}
	r.rd.schedule(p)
	return nil
}

func (r *Router[T]) insert(id ID, p *proc[T]) error {
	if _, loaded := r.procs.LoadOrStore(id, p); loaded {
		return cerrors.ErrActorDuplicate.GenWithStackByArgs(uint64(id))
	}
	return nil
}

func (r *Router[T]) remove(id ID) (*proc[T], bool) {
	value, ok := r.procs.LoadAndDelete(id)
	if !ok {
		return nil, false
	}
	p := value.(*proc[T])
	r.rd.Lock()
	p.closed = true
	r.rd.Unlock()
	return p, true
}

// System polls actors that have pending messages, at most one worker polls an
// actor at any moment.
type System[T any] struct {
	name      string
	workerNum int
	batchSize int

	rd     *ready[T]
	router *Router[T]

	wg     *errgroup.Group
	cancel context.CancelFunc

	metricTotalWorkers    prometheus.Gauge
	metricWorkingWorkers  prometheus.Gauge
	metricWorkingDuration prometheus.Counter
}

// NewSystem returns a new system. The name is only used for logging and
// metrics.
func NewSystem[T any](name string, workerNum int) *System[T] {
	if workerNum <= 0 {
		workerNum = defaultWorkerNum
	}
	rd := newReady[T]()
	return &System[T]{
		name:      name,
		workerNum: workerNum,
		batchSize: defaultMsgBatchPerActor,
		rd:        rd,
		router:    &Router[T]{rd: rd},

		metricTotalWorkers:    totalWorkers.WithLabelValues(name),
		metricWorkingWorkers:  workingWorkers.WithLabelValues(name),
		metricWorkingDuration: workingDuration.WithLabelValues(name),
	}
}

// Router returns the system's router.
func (s *System[T]) Router() *Router[T] {
	return s.router
}

// Start the system, which launches workers to poll actors.
// Start is not threadsafe.
func (s *System[T]) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.wg, ctx = errgroup.WithContext(ctx)
	s.metricTotalWorkers.Add(float64(s.workerNum))
	for i := 0; i < s.workerNum; i++ {
		s.wg.Go(func() error {
			s.poll(ctx)
			return nil
		})
	}
}

// Stop the system, which stops all workers and closes all actors.
// Stop is not threadsafe.
func (s *System[T]) Stop() error {
	s.metricTotalWorkers.Add(-float64(s.workerNum))
	if s.cancel != nil {
		s.cancel()
	}
	s.rd.stop()
	err := s.wg.Wait()
	// Close all actors that are still registered.
	s.router.procs.Range(func(key, value any) bool {
		s.router.procs.Delete(key)
		value.(*proc[T]).actor.OnClose()
		return true
	})
	return err
}

// Spawn registers an actor to the system, so it can receive messages through
// the router.
func (s *System[T]) Spawn(mb Mailbox[T], actor Actor[T]) error {
	p := &proc[T]{mb: mb, actor: actor}
	return s.router.insert(mb.ID(), p)
}

func (s *System[T]) poll(ctx context.Context) {
	batch := make([]message.Message[T], 0, s.batchSize)
	for {
		p := s.rd.dequeue()
		if p == nil {
			return
		}
		s.metricWorkingWorkers.Inc()
		start := time.Now()

		batch = batch[:0]
		for len(batch) < s.batchSize {
			msg, ok := p.mb.Receive()
			if !ok {
				break
			}
			batch = append(batch, msg)
		}
		running := true
		if len(batch) > 0 {
			running = p.actor.Poll(ctx, batch)
		}

		s.metricWorkingDuration.Add(time.Since(start).Seconds())
		s.metricWorkingWorkers.Dec()

		if !running {
			if removed, ok := s.router.remove(p.mb.ID()); ok {
				removed.actor.OnClose()
			}
			if dropped := p.mb.len(); dropped != 0 {
				log.Info("drop messages of a closed actor",
					zap.String("name", s.name),
					zap.Uint64("id", uint64(p.mb.ID())),
					zap.Int("count", dropped))
			}
			continue
		}
		s.rd.finish(p)
	}
}
