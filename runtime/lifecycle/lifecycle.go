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

// Package lifecycle tracks the state of one actor instance between
// activation, idleness, hibernation and eviction. The machine is passive:
// the instance manager reports events and periodically asks whether
// hibernation or eviction is due.
package lifecycle

import (
	"sync"
	"time"

	"github.com/pingcap/errors"

	"github.com/dwell-labs/dwell/pkg/clock"
	"github.com/dwell-labs/dwell/pkg/config"
)

// State is the lifecycle state of one instance.
type State int32

// Lifecycle states.
const (
	StateInactive State = iota
	StateActive
	StateIdleHibernatable
	StateIdleNonHibernatable
	StateHibernated
)

// String implements fmt.Stringer.
func (s State) String() string {
	switch s {
	case StateInactive:
		return "inactive"
	case StateActive:
		return "active"
	case StateIdleHibernatable:
		return "idle-hibernatable"
	case StateIdleNonHibernatable:
		return "idle-non-hibernatable"
	case StateHibernated:
		return "hibernated"
	}
	return "unknown"
}

// Machine is the lifecycle state machine of one instance.
//
// Hibernation eligibility is a heuristic, not a contract: an instance is
// hibernatable only while it has no in-flight operation, no pending local
// timer, no awaited outbound call and no non-hibernatable session, and those
// conditions must hold for a full grace period before Hibernate is allowed.
// The thresholds come from config.LifecycleConfig and callers must not
// depend on exact timing.
type Machine struct {
	mu  sync.Mutex
	clk clock.Clock
	cfg *config.LifecycleConfig

	state State
	// idleAt is when the instance last left Active. Eviction counts from
	// here, across idle flavors and hibernation.
	idleAt time.Time
	// graceAt is when hibernation conditions last started to hold.
	graceAt time.Time

	inFlight       int
	pendingTimers  int
	awaitedCalls   int
	pinnedSessions int // sessions in non-hibernatable mode
}

// NewMachine returns a machine in StateInactive.
func NewMachine(clk clock.Clock, cfg *config.LifecycleConfig) *Machine {
	return &Machine{clk: clk, cfg: cfg}
}

// State returns the current state.
func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *Machine) hibernatableLocked() bool {
	return m.inFlight == 0 && m.pendingTimers == 0 &&
		m.awaitedCalls == 0 && m.pinnedSessions == 0
}

// Activate moves the instance to StateActive. Valid from any state, a
// hibernated or inactive instance is reconstructed by the caller first.
func (m *Machine) Activate() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state = StateActive
}

// OperationBegan records the start of one operation's user code.
func (m *Machine) OperationBegan() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.inFlight++
}

// OperationEnded records the end of one operation's user code.
func (m *Machine) OperationEnded() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.inFlight--
}

// InFlight returns the number of operations currently executing user code.
func (m *Machine) InFlight() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.inFlight
}

// Drained reports that the mailbox is empty. It moves an Active instance
// into the idle flavor matching the current disqualifiers.
func (m *Machine) Drained() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != StateActive || m.inFlight > 0 {
		return
	}
	now := m.clk.Now()
	m.idleAt = now
	if m.hibernatableLocked() {
		m.state = StateIdleHibernatable
		m.graceAt = now
	} else {
		m.state = StateIdleNonHibernatable
	}
}

func (m *Machine) adjustLocked(counter *int, delta int) {
	*counter += delta
	switch m.state {
	case StateIdleHibernatable:
		if !m.hibernatableLocked() {
			m.state = StateIdleNonHibernatable
		}
	case StateIdleNonHibernatable:
		if m.hibernatableLocked() {
			// Conditions begin to hold now, the grace period restarts.
			m.state = StateIdleHibernatable
			m.graceAt = m.clk.Now()
		}
	}
}

// TimerAdded records a pending local timer callback, which disqualifies
// hibernation until it is removed.
func (m *Machine) TimerAdded() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.adjustLocked(&m.pendingTimers, 1)
}

// TimerRemoved removes a pending local timer callback.
func (m *Machine) TimerRemoved() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.adjustLocked(&m.pendingTimers, -1)
}

// CallBegan records an awaited outbound call.
func (m *Machine) CallBegan() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.adjustLocked(&m.awaitedCalls, 1)
}

// CallEnded removes an awaited outbound call.
func (m *Machine) CallEnded() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.adjustLocked(&m.awaitedCalls, -1)
}

// SessionPinned records a connection in non-hibernatable mode.
func (m *Machine) SessionPinned() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.adjustLocked(&m.pinnedSessions, 1)
}

// SessionUnpinned removes a connection in non-hibernatable mode.
func (m *Machine) SessionUnpinned() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.adjustLocked(&m.pinnedSessions, -1)
}

// CanHibernate reports whether the grace period has elapsed with the
// hibernation conditions holding.
func (m *Machine) CanHibernate() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state == StateIdleHibernatable &&
		m.clk.Now().Sub(m.graceAt) >= m.cfg.HibernationGrace.Duration()
}

// ShouldEvict reports whether the instance has been idle past the eviction
// timeout. Eviction time accumulates across idle flavors and hibernation.
func (m *Machine) ShouldEvict() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	switch m.state {
	case StateIdleHibernatable, StateIdleNonHibernatable, StateHibernated:
		return m.clk.Now().Sub(m.idleAt) >= m.cfg.EvictTimeout.Duration()
	}
	return false
}

// Hibernate moves an eligible idle instance to StateHibernated. The caller
// discards in-memory instance state, registered hibernatable sessions stay
// open.
func (m *Machine) Hibernate() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != StateIdleHibernatable {
		return errors.Errorf("hibernate from state %s", m.state)
	}
	if m.clk.Now().Sub(m.graceAt) < m.cfg.HibernationGrace.Duration() {
		return errors.Errorf("hibernation grace period has not elapsed")
	}
	m.state = StateHibernated
	return nil
}

// Deactivate moves the instance to StateInactive. Valid from any state, it
// covers eviction, teardown on fault, and deploy-time replacement.
func (m *Machine) Deactivate() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state = StateInactive
}
