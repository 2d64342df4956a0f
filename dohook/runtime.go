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

// Package dohook is the library a syscall interposition layer calls into
// (it intercepts no symbols itself): a generic "do I/O with readiness
// waiting" envelope that every hooked syscall shim specializes,
// plus the goroutine-local "hook enabled" flag a caller toggles around
// the blocking calls it wants cooperatively scheduled instead of
// kernel-blocking.
package dohook

import (
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"

	"github.com/focusrt/focus/internal/fdtable"
	"github.com/focusrt/focus/internal/fiber"
	"github.com/focusrt/focus/internal/reactor"
	"github.com/focusrt/focus/internal/rtlog"
	"github.com/focusrt/focus/internal/runtimeconfig"
	"github.com/focusrt/focus/internal/sched"
	"github.com/focusrt/focus/internal/timers"
)

// Runtime bundles the process-wide state the hooked syscalls consult: the
// FD table, the I/O manager (which embeds the scheduler and timer
// manager), and the live config. Syscall interposition is naturally
// process-global, so Runtime is the explicit handle that lets tests run
// multiple isolated instances, with Init/Default providing the singleton
// convenience a real interposition layer needs.
type Runtime struct {
	FdTable *fdtable.Table
	IO      *reactor.IOManager
	Config  *runtimeconfig.Config
}

var (
	globalMu sync.RWMutex
	global   *Runtime
)

// NewRuntime wires a fresh FD table and I/O manager together; workers is
// the I/O manager's worker count (see internal/sched.New).
func NewRuntime(cfg *runtimeconfig.Config, workers int, useCaller bool, name string) (*Runtime, error) {
	if cfg == nil {
		cfg = runtimeconfig.Default()
	}
	io, err := reactor.New(workers, useCaller, name)
	if err != nil {
		return nil, err
	}
	return &Runtime{FdTable: fdtable.New(), IO: io, Config: cfg}, nil
}

// Init constructs a Runtime via NewRuntime, starts it, and installs it as
// the process-wide default returned by Default. The hooked syscalls are
// methods on *Runtime; the package has no package-level wrappers.
func Init(cfg *runtimeconfig.Config, workers int, useCaller bool, name string) (*Runtime, error) {
	rt, err := NewRuntime(cfg, workers, useCaller, name)
	if err != nil {
		return nil, err
	}
	if err := rt.IO.Start(); err != nil {
		return nil, err
	}

	globalMu.Lock()
	global = rt
	globalMu.Unlock()
	return rt, nil
}

// Default returns the Runtime installed by Init, or nil if Init has not
// been called.
func Default() *Runtime {
	globalMu.RLock()
	defer globalMu.RUnlock()
	return global
}

// Stop joins the Runtime's I/O manager and, if it is the installed
// default, clears the default.
func (rt *Runtime) Stop() error {
	err := rt.IO.Stop()
	globalMu.Lock()
	if global == rt {
		global = nil
	}
	globalMu.Unlock()
	return err
}

// goroutine-local "hook enabled" flag, keyed by the same goroutine id
// internal/fiber uses to emulate thread-local storage.
var hookEnabled sync.Map // int64 -> struct{}

// EnableOnCurrentGoroutine marks the calling goroutine's blocking calls as
// eligible for cooperative scheduling via DoIO. Call this once per fiber
// entry, mirroring the source's per-thread hook-enable toggle.
func EnableOnCurrentGoroutine() {
	hookEnabled.Store(fiber.GoroutineID(), struct{}{})
}

// DisableOnCurrentGoroutine reverts the calling goroutine to passing
// every hooked call straight through to the kernel.
func DisableOnCurrentGoroutine() {
	hookEnabled.Delete(fiber.GoroutineID())
}

func hookedOnThisGoroutine() bool {
	_, ok := hookEnabled.Load(fiber.GoroutineID())
	return ok
}

// DoIO is the generic readiness-waiting envelope: it retries raw under
// readiness waiting when raw reports EAGAIN on a non-blocking socket that
// has hooking enabled, racing a per-fd timeout against readiness.
func (rt *Runtime) DoIO(fd int, event reactor.Event, kind fdtable.TimeoutKind, raw func() (int, error)) (int, error) {
	if !hookedOnThisGoroutine() {
		return raw()
	}

	ctx := rt.FdTable.Get(fd, true)
	if ctx == nil {
		return raw()
	}
	if ctx.Closed() {
		return -1, unix.EBADF
	}
	if !ctx.IsSocket() || ctx.UserNonblock() {
		return raw()
	}

	toMS := ctx.GetTimeout(kind)

	for {
		n, err := raw()
		for err == unix.EINTR {
			n, err = raw()
		}
		if err == nil || err != unix.EAGAIN {
			return n, err
		}

		n, err, retry := rt.waitForReadiness(fd, event, toMS)
		if !retry {
			return n, err
		}
	}
}

// waitForReadiness arms fd for event, parks the current fiber, and
// reports either a definitive (n, err) to return, or retry=true meaning
// the caller should re-issue raw().
func (rt *Runtime) waitForReadiness(fd int, event reactor.Event, toMS int32) (int, error, bool) {
	var waiting atomic.Bool
	waiting.Store(true)
	var timedOut atomic.Bool

	var timer *timers.Timer
	if toMS != fdtable.NoTimeout {
		timer = rt.IO.AddConditionTimer(func() {
			timedOut.Store(true)
			if fired, _ := rt.IO.CancelEvent(fd, event); !fired {
				timedOut.Store(false)
			}
		}, time.Duration(toMS)*time.Millisecond, &waiting, false)
	}

	if err := rt.IO.AddEvent(fd, event, nil); err != nil {
		if timer != nil {
			timer.Cancel()
		}
		rtlog.System().Errorw("dohook: AddEvent failed", "fd", fd, "event", event, "error", err)
		return -1, err, false
	}

	fiber.Current().Yield()
	waiting.Store(false)
	if timer != nil {
		timer.Cancel()
	}

	if timedOut.Load() {
		return -1, unix.ETIMEDOUT, false
	}
	return 0, nil, true
}

// Sleep, USleep and NanoSleep all translate to a single timer that
// re-schedules the current fiber, then yield.
func (rt *Runtime) Sleep(d time.Duration) {
	f := fiber.Current()
	rt.IO.AddTimer(func() {
		rt.IO.Schedule(sched.Task{Fiber: f, Thread: sched.AnyThread})
	}, d, false)
	f.Yield()
}

// USleep sleeps for the given number of microseconds.
func (rt *Runtime) USleep(microseconds int64) {
	rt.Sleep(time.Duration(microseconds) * time.Microsecond)
}

// NanoSleep sleeps for d, rounded to the timer manager's resolution.
func (rt *Runtime) NanoSleep(d time.Duration) {
	rt.Sleep(d)
}

// Spawn creates a new fiber running entry with hooking enabled and hands
// it to the Runtime's scheduler; an accept loop uses this to spin off a
// per-connection child fiber.
func (rt *Runtime) Spawn(entry func()) {
	f := fiber.New(func() {
		EnableOnCurrentGoroutine()
		defer DisableOnCurrentGoroutine()
		entry()
	}, 0, true)
	rt.IO.Schedule(sched.Task{Fiber: f, Thread: sched.AnyThread})
}
