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

// Package sched is the M:N task queue binding runnable fibers (or plain
// callables) to worker goroutines, with optional participation of the
// constructing goroutine. Tickle/Idle/CanStop are overridable extension
// points realized here as function fields rather than virtual methods,
// which internal/reactor replaces with epoll-backed implementations.
package sched

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/focusrt/focus/internal/fiber"
	"github.com/focusrt/focus/internal/rtlog"
)

// AnyThread is the Task.Thread sentinel meaning "not pinned".
const AnyThread = -1

// Task is either a fiber to resume or a plain callable to run inside a
// reusable per-worker fiber, optionally pinned to a specific worker id.
type Task struct {
	Fiber    *fiber.Fiber
	Callable func()
	Thread   int
}

func (t Task) isPinned() bool { return t.Thread != AnyThread }

// Scheduler is the task queue plus worker pool: an M:N scheduler handing
// Tasks to a fixed pool of worker goroutines, with optional participation
// from the calling goroutine itself.
type Scheduler struct {
	name      string
	n         int
	useCaller bool

	mu       sync.Mutex
	tasks    []Task
	stopping bool
	started  bool

	activeThreads int32

	fibersMu sync.Mutex
	idleFibers   map[int]*fiber.Fiber
	taskFibers   map[int]*fiber.Fiber

	wg sync.WaitGroup

	// Extension points. The zero-value Scheduler installs the base
	// implementations in New; internal/reactor overwrites them after
	// embedding a Scheduler.
	Tickle  func()
	Idle    func(workerID int)
	CanStop func() bool
}

// New creates a Scheduler with n (>=1) workers. If useCaller is true, the
// constructing goroutine counts as worker 0 and only participates when
// Stop is called; otherwise n fresh worker goroutines are spawned by
// Start.
func New(n int, useCaller bool, name string) *Scheduler {
	if n < 1 {
		n = 1
	}

	s := &Scheduler{
		name:       name,
		n:          n,
		useCaller:  useCaller,
		idleFibers: make(map[int]*fiber.Fiber),
		taskFibers: make(map[int]*fiber.Fiber),
	}

	s.Tickle = func() {}
	s.Idle = s.baseIdle
	s.CanStop = s.baseCanStop

	return s
}

// Name returns the scheduler's diagnostic name.
func (s *Scheduler) Name() string { return s.name }

// Schedule enqueues a task at the tail. If the queue transitioned from
// empty to non-empty, or the task is pinned to a specific worker, Tickle
// is called once after the queue lock is released.
func (s *Scheduler) Schedule(t Task) {
	s.mu.Lock()
	wasEmpty := len(s.tasks) == 0
	s.tasks = append(s.tasks, t)
	s.mu.Unlock()

	if wasEmpty || t.isPinned() {
		s.Tickle()
	}
}

// ScheduleRange enqueues every task in ts; a single Tickle suffices if any
// of them landed on an empty queue.
func (s *Scheduler) ScheduleRange(ts []Task) {
	if len(ts) == 0 {
		return
	}

	s.mu.Lock()
	wasEmpty := len(s.tasks) == 0
	s.tasks = append(s.tasks, ts...)
	s.mu.Unlock()

	if wasEmpty {
		s.Tickle()
	}
}

// Start spawns n - (1 if useCaller) worker goroutines. Idempotent
// failure: returns an error if already stopping or already started.
func (s *Scheduler) Start() error {
	s.mu.Lock()
	if s.stopping {
		s.mu.Unlock()
		return errors.New("sched: Start called while stopping")
	}
	if s.started {
		s.mu.Unlock()
		return errors.New("sched: already started")
	}
	s.started = true
	s.mu.Unlock()

	rtlog.System().Debugw("scheduler start", "name", s.name, "workers", s.n, "use_caller", s.useCaller)

	first := 0
	if s.useCaller {
		first = 1
	}
	for id := first; id < s.n; id++ {
		id := id
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.runLoop(id)
		}()
	}
	return nil
}

// Stop marks the scheduler stopping, tickles every worker (plus one extra
// when useCaller), drains residual tasks on the caller goroutine when
// useCaller, and joins all spawned workers.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	s.stopping = true
	s.mu.Unlock()

	rtlog.System().Debugw("scheduler stop", "name", s.name)

	extra := 0
	if s.useCaller {
		extra = 1
	}
	for i := 0; i < s.n+extra; i++ {
		s.Tickle()
	}

	if s.useCaller {
		s.runLoop(0)
	}

	s.wg.Wait()
	return nil
}

func (s *Scheduler) baseCanStop() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopping && len(s.tasks) == 0 && atomic.LoadInt32(&s.activeThreads) == 0
}

// CanStopBase exposes the base stopping/queue-empty/no-active-worker check
// so a CanStop override (internal/reactor's, for example) can AND its own
// extra conditions onto it instead of reimplementing it.
func (s *Scheduler) CanStopBase() bool { return s.baseCanStop() }

// IdleFiber exposes the lazily-created-or-reset per-worker idle fiber so a
// Idle override can reuse the same bookkeeping the base implementation
// uses, keeping runLoop's "did the idle fiber terminate" check valid
// regardless of which Idle implementation is installed.
func (s *Scheduler) IdleFiber(workerID int, body func()) *fiber.Fiber {
	return s.idleFiber(workerID, body)
}

// baseIdle is the extension point's default: poll the queue and the stop
// condition instead of blocking on readiness (which only internal/reactor
// knows how to do).
func (s *Scheduler) baseIdle(workerID int) {
	idle := s.idleFiber(workerID, func() {
		for {
			if s.CanStop() {
				return
			}
			if s.hasEligibleTask(workerID) {
				fiber.Current().Yield()
				continue
			}
			time.Sleep(time.Millisecond)
			fiber.Current().Yield()
		}
	})
	idle.Resume()
}

func (s *Scheduler) hasEligibleTask(workerID int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range s.tasks {
		if t.isPinned() && t.Thread != workerID {
			continue
		}
		if t.Fiber != nil && t.Fiber.State() == fiber.Running {
			continue
		}
		return true
	}
	return false
}

func (s *Scheduler) idleFiber(workerID int, body func()) *fiber.Fiber {
	s.fibersMu.Lock()
	defer s.fibersMu.Unlock()

	f, ok := s.idleFibers[workerID]
	if !ok {
		f = fiber.New(body, 0, true)
		s.idleFibers[workerID] = f
		return f
	}
	if f.State() == fiber.Term {
		f.Reset(body)
	}
	return f
}

// runLoop is executed by each worker (a spawned goroutine, or the caller
// goroutine during Stop when useCaller).
func (s *Scheduler) runLoop(workerID int) {
	for {
		task, tickleMe, found := s.popEligible(workerID)
		if tickleMe {
			s.Tickle()
		}

		if found {
			atomic.AddInt32(&s.activeThreads, 1)
			s.execute(workerID, task)
			atomic.AddInt32(&s.activeThreads, -1)
			continue
		}

		s.Idle(workerID)

		s.fibersMu.Lock()
		idle := s.idleFibers[workerID]
		s.fibersMu.Unlock()
		if idle != nil && idle.State() == fiber.Term {
			rtlog.System().Debugw("worker exiting", "name", s.name, "worker", workerID)
			return
		}
	}
}

// popEligible scans tasks front-to-back, skipping tasks pinned to another
// worker (recording tickleMe) and fiber tasks whose state is RUNNING — a
// rare race where the task was scheduled before its previous resume
// returned. A RUNNING fiber task is moved to the tail and the scan goes
// on, so a later eligible task is taken first. When no other task is
// eligible, the scan keeps revisiting the requeued fiber, holding the
// queue lock, until its state leaves RUNNING.
func (s *Scheduler) popEligible(workerID int) (Task, bool, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var tickleMe bool
	for i := 0; i < len(s.tasks); i++ {
		t := s.tasks[i]

		if t.isPinned() && t.Thread != workerID {
			tickleMe = true
			continue
		}

		if t.Fiber != nil && t.Fiber.State() == fiber.Running {
			s.tasks = append(s.tasks[:i], s.tasks[i+1:]...)
			s.tasks = append(s.tasks, t)
			i--
			continue
		}

		s.tasks = append(s.tasks[:i], s.tasks[i+1:]...)
		return t, tickleMe, true
	}

	return Task{}, tickleMe, false
}

func (s *Scheduler) execute(workerID int, t Task) {
	if t.Fiber != nil {
		t.Fiber.Resume()
		return
	}

	s.fibersMu.Lock()
	cf, ok := s.taskFibers[workerID]
	if !ok {
		cf = fiber.New(t.Callable, 0, true)
		s.taskFibers[workerID] = cf
		s.fibersMu.Unlock()
		cf.Resume()
		return
	}
	if cf.State() == fiber.Term {
		cf.Reset(t.Callable)
	}
	s.fibersMu.Unlock()
	cf.Resume()
}

// ActiveThreads reports the number of workers currently executing a task,
// for tests and CanStop overrides.
func (s *Scheduler) ActiveThreads() int32 {
	return atomic.LoadInt32(&s.activeThreads)
}

// QueueLen reports the current queue depth, for tests and CanStop
// overrides.
func (s *Scheduler) QueueLen() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tasks)
}

func (s *Scheduler) String() string {
	return fmt.Sprintf("Scheduler(%s, n=%d, use_caller=%v)", s.name, s.n, s.useCaller)
}
