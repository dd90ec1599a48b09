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

// Package runtime is the actor instance manager. It admits at most one
// active instance per identity process-wide, backed by a storage lease that
// fences out superseded instances globally, routes inbound operations,
// session traffic and alarm firings through each instance's gate, and
// drives hibernation and eviction.
package runtime

import (
	"context"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/atomic"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/dwell-labs/dwell/pkg/actor"
	"github.com/dwell-labs/dwell/pkg/actor/message"
	"github.com/dwell-labs/dwell/pkg/clock"
	"github.com/dwell-labs/dwell/pkg/config"
	"github.com/dwell-labs/dwell/pkg/db"
	cerrors "github.com/dwell-labs/dwell/pkg/errors"
	"github.com/dwell-labs/dwell/pkg/logutil"
	"github.com/dwell-labs/dwell/pkg/retry"
	"github.com/dwell-labs/dwell/runtime/alarm"
	"github.com/dwell-labs/dwell/runtime/gate"
	"github.com/dwell-labs/dwell/runtime/identity"
	"github.com/dwell-labs/dwell/runtime/lifecycle"
	"github.com/dwell-labs/dwell/runtime/session"
	"github.com/dwell-labs/dwell/runtime/storage"
)

const dbCacheSize = 64 * 1024 * 1024

// Runtime hosts actor instances over a shared durable store.
type Runtime struct {
	cfg     *config.Config
	clk     clock.Clock
	factory HandlerFactory
	lg      *zap.Logger

	db     db.DB
	sys    *actor.System[task]
	router *actor.Router[task]
	alarms *alarm.Scheduler

	mu        sync.Mutex
	instances map[identity.ID]*instance
	// hibernated records identities whose instance was released with its
	// sessions still registered, and when. They count as idle for eviction.
	hibernated map[identity.ID]time.Time
	closed     bool

	nextActorID atomic.Uint64
	cancel      context.CancelFunc
	wg          sync.WaitGroup
}

// NewRuntime creates a runtime rooted at cfg.DataDir. A nil clk means wall
// clock.
func NewRuntime(cfg *config.Config, clk clock.Clock, factory HandlerFactory) (*Runtime, error) {
	if clk == nil {
		clk = clock.New()
	}
	d, err := db.OpenPebble(0, filepath.Join(cfg.DataDir, "actors"), dbCacheSize, cfg.DB)
	if err != nil {
		return nil, err
	}
	r := &Runtime{
		cfg:        cfg,
		clk:        clk,
		factory:    factory,
		lg:         logutil.WithComponent("runtime"),
		db:         d,
		sys:        actor.NewSystem[task]("dwell", cfg.WorkerNum),
		instances:  make(map[identity.ID]*instance),
		hibernated: make(map[identity.ID]time.Time),
	}
	r.router = r.sys.Router()
	r.alarms = alarm.NewScheduler(clk, cfg.Alarm, r.fireAlarm)
	// Alarms are at least once across restarts: reseed the firing queue from
	// the records committed before the process went down.
	err = alarm.Recover(d, func(id identity.ID, when time.Time) {
		r.alarms.Upsert(id, when)
	})
	if err != nil {
		_ = d.Close()
		return nil, err
	}
	return r, nil
}

// Start launches the worker pool, the alarm loop and the idle sweep loop.
func (r *Runtime) Start(ctx context.Context) {
	ctx, r.cancel = context.WithCancel(ctx)
	r.sys.Start(ctx)
	r.wg.Add(2)
	go func() {
		defer r.wg.Done()
		_ = r.alarms.Run(ctx)
	}()
	go func() {
		defer r.wg.Done()
		r.sweepLoop(ctx)
	}()
}

// Close stops the runtime and releases the store. In-flight operations get
// the in-flight grace to finish; the ones still running after it fail with a
// retryable teardown error.
func (r *Runtime) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	resident := make([]*instance, 0, len(r.instances))
	for _, inst := range r.instances {
		resident = append(resident, inst)
	}
	r.instances = make(map[identity.ID]*instance)
	r.mu.Unlock()

	deadline := time.Now().Add(r.cfg.Lifecycle.InFlightGrace.Duration())
	for _, inst := range resident {
		for !inst.dead.Load() && inst.life.InFlight() > 0 && time.Now().Before(deadline) {
			time.Sleep(5 * time.Millisecond)
		}
	}

	if r.cancel != nil {
		r.cancel()
	}
	err := r.sys.Stop()
	r.wg.Wait()
	return multierr.Append(err, r.db.Close())
}

// Invoke dispatches one operation to the identity and waits for its result.
// The result is released only after the operation's writes are durable.
// Operations sent by one caller goroutine begin execution in the order
// sent.
func (r *Runtime) Invoke(ctx context.Context, id identity.ID, payload []byte) ([]byte, error) {
	inst, err := r.ensure(id)
	if err != nil {
		return nil, err
	}
	type result struct {
		payload []byte
		err     error
	}
	done := make(chan result, 1)
	err = inst.admit(task{
		kind:    taskInvoke,
		payload: payload,
		done: func(p []byte, err error) {
			done <- result{payload: p, err: err}
		},
	})
	if err != nil {
		return nil, err
	}
	select {
	case <-ctx.Done():
		return nil, cerrors.Trace(ctx.Err())
	case res := <-done:
		return res.payload, res.err
	}
}

// InvokeWithRetry invokes the identity, retrying with backoff the faults
// that are safe to retry against a fresh instance, such as a torn-down
// instance or a barrier timeout. Overload rejections and remote faults are
// returned immediately.
func (r *Runtime) InvokeWithRetry(
	ctx context.Context, id identity.ID, payload []byte, opts ...retry.Option,
) ([]byte, error) {
	var res []byte
	opts = append([]retry.Option{
		retry.WithIsRetryableErr(cerrors.IsRetryable),
	}, opts...)
	err := retry.Do(ctx, func() error {
		var err error
		res, err = r.Invoke(ctx, id, payload)
		return err
	}, opts...)
	return res, err
}

// DeliverSessionMessage dispatches an inbound message on an admitted
// connection and waits for the turn to become durable.
func (r *Runtime) DeliverSessionMessage(
	ctx context.Context, id identity.ID, handle string, payload []byte,
) error {
	return r.deliverSession(ctx, id, task{
		kind:    taskSessionMessage,
		handle:  handle,
		payload: payload,
	})
}

// DeliverSessionClose dispatches a connection close. The handler finalizes
// the close handshake and the session record is removed.
func (r *Runtime) DeliverSessionClose(
	ctx context.Context, id identity.ID, handle string,
	code int, reason string, wasClean bool,
) error {
	return r.deliverSession(ctx, id, task{
		kind:        taskSessionClose,
		handle:      handle,
		closeCode:   code,
		closeReason: reason,
		wasClean:    wasClean,
	})
}

// DeliverSessionError dispatches a transport error on an admitted
// connection.
func (r *Runtime) DeliverSessionError(
	ctx context.Context, id identity.ID, handle string, connErr error,
) error {
	return r.deliverSession(ctx, id, task{
		kind:    taskSessionError,
		handle:  handle,
		connErr: connErr,
	})
}

func (r *Runtime) deliverSession(ctx context.Context, id identity.ID, t task) error {
	inst, err := r.ensure(id)
	if err != nil {
		return err
	}
	done := make(chan error, 1)
	t.done = func(_ []byte, err error) { done <- err }
	if err := inst.admit(t); err != nil {
		return err
	}
	select {
	case <-ctx.Done():
		return cerrors.Trace(ctx.Err())
	case err := <-done:
		return err
	}
}

// ensure returns the resident instance of id, constructing one if none is
// resident. Construction acquires a fresh storage lease, fencing out any
// instance that might still be finishing storage-bound work elsewhere.
func (r *Runtime) ensure(id identity.ID) (*instance, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, cerrors.ErrSystemStopped.GenWithStackByArgs()
	}
	if inst, ok := r.instances[id]; ok && !inst.dead.Load() {
		return inst, nil
	}
	delete(r.hibernated, id)

	lease, err := storage.AcquireLease(r.db, id)
	if err != nil {
		return nil, err
	}
	g := gate.NewController()
	store, err := storage.NewStore(r.db, id, lease, g, r.cfg.Storage)
	if err != nil {
		return nil, err
	}
	actorID := actor.ID(r.nextActorID.Inc())
	inst := &instance{
		rt:       r,
		id:       id,
		actorID:  actorID,
		mb:       actor.NewMailbox[task](actorID, r.cfg.Overload.MaxPendingOps),
		lg:       r.lg.With(zap.String("id", id.Short())),
		handler:  r.factory(id),
		gate:     g,
		store:    store,
		sessions: session.NewTable(store, r.cfg.Session),
		life:     lifecycle.NewMachine(r.clk, r.cfg.Lifecycle),
	}
	if r.cfg.Overload.RatePerSecond > 0 {
		inst.limiter = rate.NewLimiter(
			rate.Limit(r.cfg.Overload.RatePerSecond), r.cfg.Overload.RateBurst)
	}
	if err := r.sys.Spawn(inst.mb, inst); err != nil {
		_ = store.Close()
		return nil, err
	}
	r.instances[id] = inst
	residentInstances.Inc()
	return inst, nil
}

// detach removes a torn-down instance from the resident map. Its pending
// alarm entry stays in the scheduler, a later firing reconstructs the
// instance.
func (r *Runtime) detach(id identity.ID, inst *instance) {
	r.mu.Lock()
	if cur, ok := r.instances[id]; ok && cur == inst {
		delete(r.instances, id)
		residentInstances.Dec()
	}
	r.mu.Unlock()
}

// fireAlarm enqueues an alarm firing. Alarms bypass overload admission, a
// full mailbox retries on the next poll.
func (r *Runtime) fireAlarm(ctx context.Context, id identity.ID) {
	inst, err := r.ensure(id)
	if err != nil {
		r.lg.Warn("activating instance for alarm firing failed",
			zap.String("id", id.Short()), zap.Error(err))
		r.alarms.Upsert(id, r.clk.Now().Add(r.cfg.Alarm.PollInterval.Duration()))
		return
	}
	if err := inst.enqueue(task{kind: taskAlarm}); err != nil {
		r.alarms.Upsert(id, r.clk.Now().Add(r.cfg.Alarm.PollInterval.Duration()))
	}
	alarmFirings.Inc()
}

func (r *Runtime) sweepLoop(ctx context.Context) {
	ticker := r.clk.Ticker(r.cfg.Lifecycle.SweepInterval.Duration())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.sweep()
		}
	}
}

// sweep hibernates instances whose grace period elapsed and evicts the ones
// idle past the eviction timeout. The exact moment within the window is
// deliberately unspecified.
func (r *Runtime) sweep() {
	r.mu.Lock()
	resident := make([]*instance, 0, len(r.instances))
	for _, inst := range r.instances {
		resident = append(resident, inst)
	}
	r.mu.Unlock()

	for _, inst := range resident {
		switch {
		case inst.dead.Load():
		case inst.life.ShouldEvict():
			inst.life.Deactivate()
			r.release(inst, false)
			evictions.Inc()
		case inst.life.CanHibernate():
			if err := inst.life.Hibernate(); err != nil {
				continue
			}
			r.release(inst, true)
			hibernations.Inc()
		}
	}

	// Hibernated identities idle past the eviction timeout go Inactive.
	r.mu.Lock()
	for id, since := range r.hibernated {
		if r.clk.Now().Sub(since) >= r.cfg.Lifecycle.EvictTimeout.Duration() {
			delete(r.hibernated, id)
		}
	}
	r.mu.Unlock()
}

// release discards the in-memory state of an idle instance. Persisted
// session records and the persisted alarm are left in place, the next
// operation or firing reconstructs from them.
func (r *Runtime) release(inst *instance, hibernate bool) {
	inst.dead.Store(true)
	r.detach(inst.id, inst)
	if hibernate {
		r.mu.Lock()
		r.hibernated[inst.id] = r.clk.Now()
		r.mu.Unlock()
	}
	_ = r.router.Send(inst.actorID, message.StopMessage[task]())
}

// Resident returns the number of resident instances.
func (r *Runtime) Resident() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.instances)
}

// LifecycleState reports the lifecycle state of an identity's resident
// instance, StateInactive when none is resident.
func (r *Runtime) LifecycleState(id identity.ID) lifecycle.State {
	r.mu.Lock()
	defer r.mu.Unlock()
	if inst, ok := r.instances[id]; ok {
		return inst.life.State()
	}
	if _, ok := r.hibernated[id]; ok {
		return lifecycle.StateHibernated
	}
	return lifecycle.StateInactive
}
