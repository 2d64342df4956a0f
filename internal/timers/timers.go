// Copyright 2015 Google Inc. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package timers is an ordered set of future-deadline callbacks with
// cancel/refresh/reset, backed by container/heap as a min-heap ordered by
// deadline, with a monotonic sequence number breaking ties in insertion
// order.
package timers

import (
	"container/heap"
	"sync"
	"sync/atomic"
	"time"

	"github.com/focusrt/focus/internal/rtlog"
)

// Timer is a single scheduled callback.
type Timer struct {
	deadline  time.Time
	period    time.Duration
	recurring bool
	callback  func()
	seq       int64 // tie-break for equal deadlines, assigned at insertion
	index     int   // heap index, -1 when not in the heap
	cancelled bool

	manager *Manager
}

// Cancel removes the timer from its manager's set; its callback is
// dropped and will never fire. Safe to call multiple times.
func (t *Timer) Cancel() {
	t.manager.cancel(t)
}

// Refresh recomputes the deadline as now + the timer's original period.
// Calling Refresh twice in a row on a non-cancelled timer is idempotent in
// the sense that both calls leave the timer in a valid, still-armed
// state; the exact deadline naturally differs because "now" differs.
func (t *Timer) Refresh() {
	t.manager.refresh(t)
}

// Reset recomputes the deadline as either now+ms (fromNow) or
// old_deadline-old_period+ms (!fromNow).
func (t *Timer) Reset(ms int64, fromNow bool) {
	t.manager.reset(t, ms, fromNow)
}

// heapSlice is the container/heap backing store, ordered by
// (deadline, seq).
type heapSlice []*Timer

func (h heapSlice) Len() int { return len(h) }
func (h heapSlice) Less(i, j int) bool {
	if h[i].deadline.Equal(h[j].deadline) {
		return h[i].seq < h[j].seq
	}
	return h[i].deadline.Before(h[j].deadline)
}
func (h heapSlice) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}
func (h *heapSlice) Push(x interface{}) {
	t := x.(*Timer)
	t.index = len(*h)
	*h = append(*h, t)
}
func (h *heapSlice) Pop() interface{} {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	t.index = -1
	*h = old[:n-1]
	return t
}

// Manager owns an ordered set of timers and invokes onFrontChanged
// whenever an insertion changes the earliest deadline, so that a reactor
// idle loop can recompute its poll timeout.
type Manager struct {
	onFrontChanged func()

	mu   sync.RWMutex
	h    heapSlice
	seq  int64
	prev time.Time // last "now" observed by DrainExpired, for rollover detection
}

// NewManager creates an empty timer manager.
func NewManager(onFrontChanged func()) *Manager {
	m := &Manager{onFrontChanged: onFrontChanged, prev: time.Now()}
	heap.Init(&m.h)
	return m
}

func (m *Manager) nextSeq() int64 {
	return atomic.AddInt64(&m.seq, 1)
}

// AddTimer inserts a new timer firing after period (and, if recurring,
// every period thereafter).
func (m *Manager) AddTimer(cb func(), period time.Duration, recurring bool) *Timer {
	return m.insert(cb, period, recurring)
}

// AddConditionTimer wraps cb so it only fires if witness is still true at
// expiration time. This makes a readiness-vs-timeout race safe: whichever
// side wins flips the flag first and the loser's callback becomes a
// no-op.
func (m *Manager) AddConditionTimer(cb func(), period time.Duration, witness *atomic.Bool, recurring bool) *Timer {
	wrapped := func() {
		if witness.Load() {
			cb()
		}
	}
	return m.insert(wrapped, period, recurring)
}

func (m *Manager) insert(cb func(), period time.Duration, recurring bool) *Timer {
	t := &Timer{
		deadline:  time.Now().Add(period),
		period:    period,
		recurring: recurring,
		callback:  cb,
		manager:   m,
	}

	m.mu.Lock()
	t.seq = m.nextSeq()
	wasFront := m.h.Len() == 0 || t.deadline.Before(m.h[0].deadline)
	heap.Push(&m.h, t)
	m.mu.Unlock()

	rtlog.System().Debugw("timer added", "period", period, "recurring", recurring)

	if wasFront && m.onFrontChanged != nil {
		m.onFrontChanged()
	}
	return t
}

func (m *Manager) cancel(t *Timer) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t.cancelled || t.index < 0 {
		t.cancelled = true
		t.callback = nil
		return
	}
	heap.Remove(&m.h, t.index)
	t.cancelled = true
	t.callback = nil
}

func (m *Manager) refresh(t *Timer) {
	m.reset(t, int64(t.period/time.Millisecond), true)
}

func (m *Manager) reset(t *Timer, ms int64, fromNow bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if t.cancelled {
		return
	}

	var newDeadline time.Time
	if fromNow {
		newDeadline = time.Now().Add(time.Duration(ms) * time.Millisecond)
	} else {
		newDeadline = t.deadline.Add(-t.period).Add(time.Duration(ms) * time.Millisecond)
	}

	if t.index >= 0 {
		heap.Remove(&m.h, t.index)
	}
	t.deadline = newDeadline
	t.seq = m.nextSeq()
	heap.Push(&m.h, t)
}

// NextDeadlineDelta returns (0, true) if a timer has already expired,
// (delta, true) for the time until the earliest live timer, or (0, false)
// if the set is empty (no deadline to wait for).
func (m *Manager) NextDeadlineDelta() (time.Duration, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.h.Len() == 0 {
		return 0, false
	}

	delta := time.Until(m.h[0].deadline)
	if delta < 0 {
		delta = 0
	}
	return delta, true
}

// Len reports how many armed timers are tracked; Cancel removes a timer
// from the set, so cancelled timers are not counted. Used by the
// reactor's can_stop() check.
func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.h.Len()
}

// DrainExpired pops every timer whose deadline has passed, appends each
// callback to out, and re-inserts recurring timers with a fresh deadline.
// If the wall clock has jumped backwards by more than an hour since the
// last DrainExpired call, every currently queued timer is treated as
// expired at once rather than rebased, trading one burst of spurious
// fires for liveness under a backwards clock jump.
func (m *Manager) DrainExpired(out *[]func()) {
	now := time.Now()

	m.mu.Lock()
	defer m.mu.Unlock()

	rollover := now.Before(m.prev.Add(-time.Hour))
	m.prev = now

	if rollover {
		rtlog.System().Errorw("clock rollover detected; expiring all timers", "prev", m.prev, "now", now)
		for m.h.Len() > 0 {
			t := heap.Pop(&m.h).(*Timer)
			m.fireAndMaybeRequeueLocked(t, now, out)
		}
		return
	}

	for m.h.Len() > 0 && !m.h[0].deadline.After(now) {
		t := heap.Pop(&m.h).(*Timer)
		m.fireAndMaybeRequeueLocked(t, now, out)
	}
}

// fireAndMaybeRequeueLocked must be called with m.mu held.
func (m *Manager) fireAndMaybeRequeueLocked(t *Timer, now time.Time, out *[]func()) {
	if t.cancelled || t.callback == nil {
		return
	}

	*out = append(*out, t.callback)

	if t.recurring {
		t.deadline = now.Add(t.period)
		t.seq = m.nextSeq()
		heap.Push(&m.h, t)
	} else {
		t.index = -1
	}
}
