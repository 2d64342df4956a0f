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

// Package reactor extends a Scheduler and a timer Manager with an
// edge-triggered readiness poller, overriding the scheduler's
// Tickle/Idle/CanStop extension points the same way a C++ implementation
// would override virtual methods on a derived class.
package reactor

import (
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"

	"github.com/focusrt/focus/internal/fiber"
	"github.com/focusrt/focus/internal/rtlog"
	"github.com/focusrt/focus/internal/sched"
	"github.com/focusrt/focus/internal/timers"
)

// defaultPollTimeout bounds how long a worker blocks in epoll_wait when no
// timer is pending, so a Stop() that races a CanStop transition is never
// more than this long to notice.
const defaultPollTimeout = 5 * time.Second

// IOManager composes a Scheduler and a timer Manager with a readiness
// poller, the runtime's I/O manager component.
type IOManager struct {
	*sched.Scheduler
	*timers.Manager

	epfd       int
	tickleR    int
	tickleW    int
	idleAwake  int32 // count of workers currently blocked in epoll_wait
	pending    int32 // armed (fd, direction) pairs awaiting readiness
	fds        *fdTable
}

// New creates an IOManager with n workers (see sched.New for the
// useCaller semantics) backed by a Linux epoll instance and a self-pipe
// used to interrupt a blocked epoll_wait from Tickle.
func New(n int, useCaller bool, name string) (*IOManager, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("reactor: epoll_create1: %w", err)
	}

	var pipeFds [2]int
	if err := unix.Pipe2(pipeFds[:], unix.O_NONBLOCK|unix.O_CLOEXEC); err != nil {
		unix.Close(epfd)
		return nil, fmt.Errorf("reactor: pipe2: %w", err)
	}

	m := &IOManager{
		epfd:    epfd,
		tickleR: pipeFds[0],
		tickleW: pipeFds[1],
		fds:     newFdTable(),
	}
	m.Scheduler = sched.New(n, useCaller, name)
	m.Manager = timers.NewManager(m.tickle)

	ev := unix.EpollEvent{Fd: int32(m.tickleR), Events: unix.EPOLLIN | unix.EPOLLET}
	if err := unix.EpollCtl(m.epfd, unix.EPOLL_CTL_ADD, m.tickleR, &ev); err != nil {
		unix.Close(m.tickleR)
		unix.Close(m.tickleW)
		unix.Close(m.epfd)
		return nil, fmt.Errorf("reactor: epoll_ctl add self-pipe: %w", err)
	}

	m.Scheduler.Tickle = m.tickle
	m.Scheduler.Idle = m.idle
	m.Scheduler.CanStop = m.canStop

	return m, nil
}

// Stop joins the scheduler and then releases the poller's kernel
// resources. Shadows the embedded Scheduler.Stop so callers don't leak
// epfd/the self-pipe.
func (m *IOManager) Stop() error {
	err := m.Scheduler.Stop()
	unix.Close(m.tickleR)
	unix.Close(m.tickleW)
	unix.Close(m.epfd)
	return err
}

// AddEvent arms fd for event (exactly one of EventRead/EventWrite). If cb
// is nil the armed waiter is the calling fiber, which is parked until the
// fd becomes ready, cancelled, or the owning timer fires; otherwise cb
// runs (in a reusable scheduler fiber) when the event fires.
func (m *IOManager) AddEvent(fd int, event Event, cb func()) error {
	if event != EventRead && event != EventWrite {
		return errors.New("reactor: AddEvent requires exactly one of EventRead/EventWrite")
	}

	var waiter *fiber.Fiber
	if cb == nil {
		waiter = fiber.Current()
	}

	fc := m.fds.getOrCreate(fd)
	fc.mu.Lock()
	if fc.mask&event != 0 {
		fc.mu.Unlock()
		return fmt.Errorf("reactor: fd %d already armed for %s", fd, event)
	}

	newMask := fc.mask | event
	if err := m.rearmLocked(fc, newMask); err != nil {
		fc.mu.Unlock()
		return err
	}
	fc.mask = newMask
	*fc.slot(event) = eventContext{fiber: waiter, callback: cb}
	fc.mu.Unlock()

	atomic.AddInt32(&m.pending, 1)
	return nil
}

// DelEvent disarms fd for event without running its waiter. A no-op if
// the direction isn't currently armed.
func (m *IOManager) DelEvent(fd int, event Event) error {
	fc := m.fds.get(fd)
	if fc == nil {
		return nil
	}

	fc.mu.Lock()
	if fc.mask&event == 0 {
		fc.mu.Unlock()
		return nil
	}
	newMask := fc.mask &^ event
	err := m.rearmLocked(fc, newMask)
	fc.mask = newMask
	*fc.slot(event) = eventContext{}
	fc.mu.Unlock()

	atomic.AddInt32(&m.pending, -1)
	return err
}

// CancelEvent disarms fd for event and immediately dispatches whatever
// waiter was armed on it, as though the event had fired spuriously. Used
// to wake a fiber blocked in do_io when its fd is being closed out from
// under it, or by a condition timer racing fd readiness. fired reports
// whether this call was the one that actually disarmed and dispatched —
// false means the direction was already unarmed (typically because
// readiness won the race first), letting a racing caller tell whether it
// is the one responsible for the outcome.
func (m *IOManager) CancelEvent(fd int, event Event) (fired bool, err error) {
	fc := m.fds.get(fd)
	if fc == nil {
		return false, nil
	}

	fc.mu.Lock()
	if fc.mask&event == 0 {
		fc.mu.Unlock()
		return false, nil
	}
	ec := *fc.slot(event)
	newMask := fc.mask &^ event
	err = m.rearmLocked(fc, newMask)
	fc.mask = newMask
	*fc.slot(event) = eventContext{}
	fc.mu.Unlock()

	m.dispatch(ec)
	atomic.AddInt32(&m.pending, -1)
	return true, err
}

// CancelAll disarms and dispatches every direction currently armed on fd,
// for example when the fd is being closed.
func (m *IOManager) CancelAll(fd int) {
	fc := m.fds.get(fd)
	if fc == nil {
		return
	}

	fc.mu.Lock()
	var fired []eventContext
	for _, e := range [...]Event{EventRead, EventWrite} {
		if fc.mask&e == 0 {
			continue
		}
		fired = append(fired, *fc.slot(e))
		*fc.slot(e) = eventContext{}
	}
	fc.mask = EventNone
	unix.EpollCtl(m.epfd, unix.EPOLL_CTL_DEL, fc.fd, nil)
	fc.mu.Unlock()

	for _, ec := range fired {
		m.dispatch(ec)
	}
	if n := len(fired); n > 0 {
		atomic.AddInt32(&m.pending, int32(-n))
	}
}

// PendingEvents reports the number of armed (fd, direction) waiters, for
// tests and for canStop.
func (m *IOManager) PendingEvents() int32 {
	return atomic.LoadInt32(&m.pending)
}

func (m *IOManager) dispatch(ec eventContext) {
	if ec.empty() {
		return
	}
	if ec.fiber != nil {
		m.Scheduler.Schedule(sched.Task{Fiber: ec.fiber, Thread: sched.AnyThread})
		return
	}
	m.Scheduler.Schedule(sched.Task{Callable: ec.callback, Thread: sched.AnyThread})
}

// rearmLocked must be called with fc.mu held.
func (m *IOManager) rearmLocked(fc *fdContext, newMask Event) error {
	if newMask == EventNone {
		if err := unix.EpollCtl(m.epfd, unix.EPOLL_CTL_DEL, fc.fd, nil); err != nil && err != unix.ENOENT {
			return fmt.Errorf("reactor: epoll_ctl del fd %d: %w", fc.fd, err)
		}
		return nil
	}

	ev := unix.EpollEvent{Fd: int32(fc.fd), Events: epollBits(newMask) | unix.EPOLLET}
	op := unix.EPOLL_CTL_MOD
	if fc.mask == EventNone {
		op = unix.EPOLL_CTL_ADD
	}
	if err := unix.EpollCtl(m.epfd, op, fc.fd, &ev); err != nil {
		return fmt.Errorf("reactor: epoll_ctl fd %d: %w", fc.fd, err)
	}
	return nil
}

func epollBits(mask Event) uint32 {
	var b uint32
	if mask&EventRead != 0 {
		b |= unix.EPOLLIN
	}
	if mask&EventWrite != 0 {
		b |= unix.EPOLLOUT
	}
	return b
}

// canStop additionally requires no pending readiness waiters and no live
// timers, since either one represents outstanding work the reactor alone
// knows how to finish.
func (m *IOManager) canStop() bool {
	if !m.Scheduler.CanStopBase() {
		return false
	}
	return atomic.LoadInt32(&m.pending) == 0 && m.Manager.Len() == 0
}

// tickle interrupts a worker blocked in epoll_wait by writing to the
// self-pipe; a no-op if no worker is currently blocked, mirroring the
// base scheduler's "only tickle on empty->non-empty transition" thrift.
func (m *IOManager) tickle() {
	if atomic.LoadInt32(&m.idleAwake) == 0 {
		return
	}
	var b [1]byte
	if _, err := unix.Write(m.tickleW, b[:]); err != nil && err != unix.EAGAIN {
		rtlog.System().Errorw("reactor tickle write failed", "error", err)
	}
}

func (m *IOManager) drainTicklePipe() {
	var buf [64]byte
	for {
		_, err := unix.Read(m.tickleR, buf[:])
		if err != nil {
			return
		}
	}
}

// idle is the Scheduler.Idle override: each call runs one iteration of a
// persistent per-worker idle fiber that blocks in epoll_wait, drains
// expired timers into the scheduler queue, and yields back.
func (m *IOManager) idle(workerID int) {
	f := m.Scheduler.IdleFiber(workerID, func() {
		for {
			if m.canStop() {
				return
			}

			timeout := defaultPollTimeout
			if delta, ok := m.Manager.NextDeadlineDelta(); ok && delta < timeout {
				timeout = delta
			}

			atomic.AddInt32(&m.idleAwake, 1)
			err := m.pollOnce(timeout)
			atomic.AddInt32(&m.idleAwake, -1)
			if err != nil {
				rtlog.System().Errorw("epoll_wait failed", "error", err)
			}

			var callbacks []func()
			m.Manager.DrainExpired(&callbacks)
			for _, cb := range callbacks {
				cb := cb
				m.Scheduler.Schedule(sched.Task{Callable: cb, Thread: sched.AnyThread})
			}

			fiber.Current().Yield()
		}
	})
	f.Resume()
}

// pollOnce blocks for at most timeout waiting for readiness, dispatching
// every ready fd's armed waiters before returning.
func (m *IOManager) pollOnce(timeout time.Duration) error {
	var events [128]unix.EpollEvent
	ms := int(timeout / time.Millisecond)
	if ms < 0 {
		ms = 0
	}

	n, err := unix.EpollWait(m.epfd, events[:], ms)
	if err != nil {
		if err == unix.EINTR {
			return nil
		}
		return err
	}

	for i := 0; i < n; i++ {
		fd := int(events[i].Fd)
		if fd == m.tickleR {
			m.drainTicklePipe()
			continue
		}
		m.handleReady(fd, events[i].Events)
	}
	return nil
}

func (m *IOManager) handleReady(fd int, osEvents uint32) {
	fc := m.fds.get(fd)
	if fc == nil {
		return
	}

	fc.mu.Lock()
	var ready Event
	if osEvents&unix.EPOLLIN != 0 {
		ready |= EventRead
	}
	if osEvents&unix.EPOLLOUT != 0 {
		ready |= EventWrite
	}
	if osEvents&(unix.EPOLLERR|unix.EPOLLHUP) != 0 {
		// A hung-up or errored fd wakes every direction currently armed,
		// since neither side will ever see a clean readable/writable edge.
		ready = fc.mask
	}

	real := ready & fc.mask
	if real == EventNone {
		fc.mu.Unlock()
		return
	}

	newMask := fc.mask &^ real
	m.rearmLocked(fc, newMask)
	fc.mask = newMask

	var fired []eventContext
	if real&EventRead != 0 {
		fired = append(fired, *fc.slot(EventRead))
		*fc.slot(EventRead) = eventContext{}
	}
	if real&EventWrite != 0 {
		fired = append(fired, *fc.slot(EventWrite))
		*fc.slot(EventWrite) = eventContext{}
	}
	fc.mu.Unlock()

	for _, ec := range fired {
		m.dispatch(ec)
	}
	atomic.AddInt32(&m.pending, int32(-len(fired)))
}
