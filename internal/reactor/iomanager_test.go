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

package reactor

import (
	"testing"
	"time"

	"golang.org/x/sys/unix"

	"github.com/stretchr/testify/require"
)

func socketpair(t *testing.T) (int, int) {
	t.Helper()
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	require.NoError(t, err)
	t.Cleanup(func() {
		unix.Close(fds[0])
		unix.Close(fds[1])
	})
	return fds[0], fds[1]
}

func newManager(t *testing.T) *IOManager {
	t.Helper()
	m, err := New(2, false, "test")
	require.NoError(t, err)
	require.NoError(t, m.Start())
	t.Cleanup(func() { m.Stop() })
	return m
}

func TestAddEventFiresCallbackOnReadability(t *testing.T) {
	m := newManager(t)
	a, b := socketpair(t)

	done := make(chan struct{})
	require.NoError(t, m.AddEvent(a, EventRead, func() { close(done) }))
	require.EqualValues(t, 1, m.PendingEvents())

	_, err := unix.Write(b, []byte("x"))
	require.NoError(t, err)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("callback never fired")
	}
	require.EqualValues(t, 0, m.PendingEvents())
}

func TestDelEventPreventsFiring(t *testing.T) {
	m := newManager(t)
	a, b := socketpair(t)

	fired := make(chan struct{}, 1)
	require.NoError(t, m.AddEvent(a, EventRead, func() { fired <- struct{}{} }))
	require.NoError(t, m.DelEvent(a, EventRead))
	require.EqualValues(t, 0, m.PendingEvents())

	_, err := unix.Write(b, []byte("x"))
	require.NoError(t, err)

	select {
	case <-fired:
		t.Fatal("callback fired after DelEvent")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestCancelEventDispatchesImmediately(t *testing.T) {
	m := newManager(t)
	a, _ := socketpair(t)

	done := make(chan struct{})
	require.NoError(t, m.AddEvent(a, EventRead, func() { close(done) }))
	fired, err := m.CancelEvent(a, EventRead)
	require.NoError(t, err)
	require.True(t, fired)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("cancelled waiter never dispatched")
	}
	require.EqualValues(t, 0, m.PendingEvents())
}

func TestCancelAllFiresBothDirections(t *testing.T) {
	m := newManager(t)
	a, _ := socketpair(t)

	var readFired, writeFired bool
	readDone := make(chan struct{})
	writeDone := make(chan struct{})
	require.NoError(t, m.AddEvent(a, EventRead, func() { readFired = true; close(readDone) }))
	require.NoError(t, m.AddEvent(a, EventWrite, func() { writeFired = true; close(writeDone) }))
	require.EqualValues(t, 2, m.PendingEvents())

	m.CancelAll(a)

	for _, ch := range []chan struct{}{readDone, writeDone} {
		select {
		case <-ch:
		case <-time.After(time.Second):
			t.Fatal("CancelAll did not dispatch a waiter")
		}
	}
	require.True(t, readFired)
	require.True(t, writeFired)
	require.EqualValues(t, 0, m.PendingEvents())
}

func TestAddEventRejectsDoubleArm(t *testing.T) {
	m := newManager(t)
	a, _ := socketpair(t)

	require.NoError(t, m.AddEvent(a, EventRead, func() {}))
	err := m.AddEvent(a, EventRead, func() {})
	require.Error(t, err)
	m.CancelAll(a)
}

func TestCancelEventIsNoOpWhenAlreadyUnarmed(t *testing.T) {
	m := newManager(t)
	a, _ := socketpair(t)

	require.NoError(t, m.AddEvent(a, EventRead, func() {}))
	require.NoError(t, m.DelEvent(a, EventRead))

	fired, err := m.CancelEvent(a, EventRead)
	require.NoError(t, err)
	require.False(t, fired)
}

func TestTimerFiresThroughIdleLoop(t *testing.T) {
	m := newManager(t)

	done := make(chan struct{})
	m.AddTimer(func() { close(done) }, 10*time.Millisecond, false)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timer callback never ran")
	}
}
