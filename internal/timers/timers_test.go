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

package timers

import (
	"container/heap"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestNextDeadlineDeltaEmptyIsInfinity(t *testing.T) {
	m := NewManager(nil)
	_, ok := m.NextDeadlineDelta()
	require.False(t, ok)
}

func TestOnFrontChangedFiresOnlyWhenFrontMoves(t *testing.T) {
	var calls int32
	m := NewManager(func() { atomic.AddInt32(&calls, 1) })

	m.AddTimer(func() {}, 100*time.Millisecond, false)
	require.EqualValues(t, 1, atomic.LoadInt32(&calls))

	// A later deadline does not change the front.
	m.AddTimer(func() {}, time.Hour, false)
	require.EqualValues(t, 1, atomic.LoadInt32(&calls))

	// An earlier deadline does.
	m.AddTimer(func() {}, time.Millisecond, false)
	require.EqualValues(t, 2, atomic.LoadInt32(&calls))
}

func TestDrainExpiredFiresInDeadlineOrder(t *testing.T) {
	m := NewManager(nil)

	var order []int
	m.AddTimer(func() { order = append(order, 2) }, 2*time.Millisecond, false)
	m.AddTimer(func() { order = append(order, 1) }, time.Millisecond, false)

	time.Sleep(10 * time.Millisecond)

	var out []func()
	m.DrainExpired(&out)
	require.Len(t, out, 2)
	for _, cb := range out {
		cb()
	}
	require.Equal(t, []int{1, 2}, order)
	require.Equal(t, 0, m.Len())
}

func TestDrainExpiredTiesInInsertionOrder(t *testing.T) {
	m := NewManager(nil)
	deadline := time.Now().Add(time.Millisecond)

	var order []int
	for i := 0; i < 3; i++ {
		i := i
		timer := m.insert(func() { order = append(order, i) }, time.Millisecond, false)
		m.mu.Lock()
		heap.Remove(&m.h, timer.index)
		timer.deadline = deadline
		heap.Push(&m.h, timer)
		m.mu.Unlock()
	}

	time.Sleep(5 * time.Millisecond)
	var out []func()
	m.DrainExpired(&out)
	for _, cb := range out {
		cb()
	}
	require.Equal(t, []int{0, 1, 2}, order)
}

func TestRecurringTimerReinsertsRelativeToNow(t *testing.T) {
	m := NewManager(nil)
	var fires int32
	m.AddTimer(func() { atomic.AddInt32(&fires, 1) }, 2*time.Millisecond, true)

	time.Sleep(5 * time.Millisecond)
	var out []func()
	m.DrainExpired(&out)
	for _, cb := range out {
		cb()
	}
	require.EqualValues(t, 1, fires)
	require.Equal(t, 1, m.Len()) // reinserted

	delta, ok := m.NextDeadlineDelta()
	require.True(t, ok)
	require.True(t, delta > 0)
}

func TestCancelPreventsFiring(t *testing.T) {
	m := NewManager(nil)
	var fired bool
	timer := m.AddTimer(func() { fired = true }, time.Millisecond, false)
	timer.Cancel()

	time.Sleep(5 * time.Millisecond)
	var out []func()
	m.DrainExpired(&out)
	require.Empty(t, out)
	require.False(t, fired)
}

func TestRefreshIsIdempotent(t *testing.T) {
	m := NewManager(nil)
	timer := m.AddTimer(func() {}, time.Hour, false)

	timer.Refresh()
	d1, _ := m.NextDeadlineDelta()
	timer.Refresh()
	d2, _ := m.NextDeadlineDelta()

	require.InDelta(t, d1.Seconds(), d2.Seconds(), 1)
}

func TestConditionTimerSkipsWhenWitnessDead(t *testing.T) {
	m := NewManager(nil)
	var live atomic.Bool
	live.Store(false)

	var fired bool
	m.AddConditionTimer(func() { fired = true }, time.Millisecond, &live, false)

	time.Sleep(5 * time.Millisecond)
	var out []func()
	m.DrainExpired(&out)
	for _, cb := range out {
		cb()
	}
	require.False(t, fired)
}

func TestClockRolloverExpiresEverythingOnce(t *testing.T) {
	m := NewManager(nil)
	m.prev = time.Now().Add(3 * time.Hour) // simulate: last observed "now" was far in the future

	var fires int32
	m.AddTimer(func() { atomic.AddInt32(&fires, 1) }, time.Hour, false)
	m.AddTimer(func() { atomic.AddInt32(&fires, 1) }, 10*time.Hour, false)

	var out []func()
	m.DrainExpired(&out)
	for _, cb := range out {
		cb()
	}
	require.EqualValues(t, 2, fires)
	require.Equal(t, 0, m.Len())
}
