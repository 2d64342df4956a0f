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

// Package fiber implements stackful-equivalent cooperative tasks with
// explicit Resume/Yield, the leaf dependency of the focus runtime.
//
// Go exposes no swapcontext/makecontext primitive, so a fiber here is
// realized as a permanently-parked goroutine synchronized with its
// resumer by a pair of unbuffered channels: only one side of the pair ever
// runs at a time, which guarantees that a fiber in RUNNING state is the
// unique currently executing fiber on its "thread" (here, the resuming
// goroutine).
package fiber

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/focusrt/focus/internal/rtlog"
)

// DefaultStackSize is used when New is called with stackSize == 0. It has
// no effect on Go's own goroutine stack growth; it is retained as
// configuration metadata for logging and parity with callers that size
// pools off of it.
const DefaultStackSize = 128 * 1024

var idCounter int64

// currentFibers maps a goroutine id (see goid.go) to the Fiber currently
// executing on it. Entries are installed by a fiber's own trampoline
// goroutine and by lazily-created thread-root fibers, giving every
// goroutine a thread-local-equivalent "current fiber" pointer.
var currentFibers sync.Map // int64 -> *Fiber

// Fiber is a stackful-equivalent cooperative task.
type Fiber struct {
	id             int64
	runInScheduler bool
	stackSize      uint32

	mu    sync.Mutex
	state State
	entry func()

	isRoot  bool
	started bool
	gid     int64

	resumeCh chan struct{}
	yieldCh  chan struct{}
}

// New creates a fiber in state Ready. The entry closure runs the first
// time the fiber is resumed and is discarded (consumed once) after it
// returns.
func New(entry func(), stackSize uint32, runInScheduler bool) *Fiber {
	if stackSize == 0 {
		stackSize = DefaultStackSize
	}

	f := &Fiber{
		id:             atomic.AddInt64(&idCounter, 1),
		runInScheduler: runInScheduler,
		stackSize:      stackSize,
		state:          Ready,
		entry:          entry,
		resumeCh:       make(chan struct{}),
		yieldCh:        make(chan struct{}),
	}

	rtlog.System().Debugw("fiber construct", "id", f.id, "stack_size", stackSize)
	return f
}

// newRoot creates the implicit thread-root fiber for a goroutine that has
// never been resumed as a child fiber. It owns no stack buffer and no
// entry closure: it represents the goroutine's own native stack, not a
// fiber that can be resumed or reset.
func newRoot(gid int64) *Fiber {
	f := &Fiber{
		id:     atomic.AddInt64(&idCounter, 1),
		state:  Running,
		isRoot: true,
		gid:    gid,
	}
	return f
}

// ID returns the fiber's monotonically assigned id.
func (f *Fiber) ID() int64 { return f.id }

// RunInScheduler reports whether this fiber should context-swap against
// its scheduler fiber (true) or the thread-root fiber (false) when
// resumed. No code in this module branches on it; fiber.Resume itself does
// not need to distinguish the two cases because Go's goroutine identity
// already partitions execution context correctly (see package doc).
func (f *Fiber) RunInScheduler() bool { return f.runInScheduler }

// State returns the fiber's current lifecycle state.
func (f *Fiber) State() State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *Fiber) setState(s State) {
	f.mu.Lock()
	f.state = s
	f.mu.Unlock()
}

// Resume transfers control to the fiber. Precondition: State() == Ready.
// Returns when the fiber yields or terminates.
func (f *Fiber) Resume() {
	if f.isRoot {
		panic(fmt.Sprintf("fiber %d: Resume called on thread-root fiber", f.id))
	}

	f.mu.Lock()
	if f.state != Ready {
		f.mu.Unlock()
		panic(fmt.Sprintf("fiber %d: Resume precondition violated: state=%s", f.id, f.state))
	}
	f.state = Running
	started := f.started
	f.started = true
	f.mu.Unlock()

	if !started {
		go f.trampoline()
	}

	f.resumeCh <- struct{}{}
	<-f.yieldCh
}

// Yield suspends the calling fiber, returning control to whoever resumed
// it. Precondition: State() is Running (the common case, called by
// application code) or Term (called once, internally, by the trampoline
// after the entry closure returns).
func (f *Fiber) Yield() {
	st := f.State()
	if st != Running && st != Term {
		panic(fmt.Sprintf("fiber %d: Yield precondition violated: state=%s", f.id, st))
	}

	if st != Term {
		f.setState(Ready)
	}

	f.yieldCh <- struct{}{}
	if st != Term {
		<-f.resumeCh
	}
}

// Reset reinstalls a new entry closure over a terminated fiber, reusing
// its bookkeeping (the Go analog of reusing a stack buffer) and
// transitioning it back to Ready. Precondition: State() == Term and the
// fiber is not a thread-root fiber.
func (f *Fiber) Reset(entry func()) {
	if f.isRoot {
		panic(fmt.Sprintf("fiber %d: Reset called on thread-root fiber", f.id))
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.state != Term {
		panic(fmt.Sprintf("fiber %d: Reset precondition violated: state=%s", f.id, f.state))
	}

	f.entry = entry
	f.state = Ready
	f.started = false
	// A fresh trampoline goroutine is launched on the next Resume; the old
	// one has already returned by the time State() could observe Term.
}

// trampoline runs the fiber's entry closure to completion, then marks the
// fiber Term and performs a final, unreciprocated yield. It never returns
// control to Resume's caller except through that yield; if entry panics
// the process terminates rather than letting the panic cross the context
// switch boundary into an unrelated goroutine's stack.
func (f *Fiber) trampoline() {
	f.gid = goroutineID()
	currentFibers.Store(f.gid, f)
	defer currentFibers.Delete(f.gid)

	<-f.resumeCh

	entry := f.entry
	f.entry = nil

	if entry != nil {
		func() {
			defer func() {
				if r := recover(); r != nil {
					rtlog.System().Errorw("fiber entry panicked; terminating process",
						"id", f.id, "panic", r)
					panic(r)
				}
			}()
			entry()
		}()
	}

	f.setState(Term)
	f.yieldCh <- struct{}{}
}

// Current returns the fiber executing on the calling goroutine, lazily
// creating a thread-root fiber the first time a goroutine calls it
// without ever having been resumed as a child fiber.
func Current() *Fiber {
	gid := goroutineID()
	if v, ok := currentFibers.Load(gid); ok {
		return v.(*Fiber)
	}

	root := newRoot(gid)
	actual, loaded := currentFibers.LoadOrStore(gid, root)
	if loaded {
		return actual.(*Fiber)
	}
	return root
}
