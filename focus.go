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

package focus

import (
	"github.com/focusrt/focus/dohook"
	"github.com/focusrt/focus/internal/fiber"
	"github.com/focusrt/focus/internal/reactor"
	"github.com/focusrt/focus/internal/runtimeconfig"
)

// Runtime is the started, ready-to-use combination of the fd table, the
// I/O manager and scheduler, and the hooked syscall surface. It is the
// single object a program using this package needs to hold.
type Runtime = dohook.Runtime

// Config is the runtime's tunable knobs (fiber stack size, TCP connect
// timeout); see internal/runtimeconfig for the YAML shape Load reads.
type Config = runtimeconfig.Config

// Event is one of EventRead or EventWrite, the direction a fd is armed
// for with a Runtime's I/O manager.
type Event = reactor.Event

const (
	EventRead  = reactor.EventRead
	EventWrite = reactor.EventWrite
)

// DefaultConfig returns a Config populated with the built-in defaults
// (131072-byte fiber stacks, a 5s TCP connect timeout).
func DefaultConfig() *Config { return runtimeconfig.Default() }

// LoadConfig reads path as YAML, overlaying any fields it sets onto the
// defaults; a missing file is not an error.
func LoadConfig(path string) (*Config, error) { return runtimeconfig.Load(path) }

// Run constructs a Runtime with workers workers in total (if useCaller,
// the calling goroutine counts as one of them and workers-1 goroutines
// are spawned), starts it, and installs it as the process-wide default
// returned by dohook.Default.
func Run(cfg *Config, workers int, useCaller bool, name string) (*Runtime, error) {
	return dohook.Init(cfg, workers, useCaller, name)
}

// NewFiber creates a fiber that runs entry on first Resume. If
// runInScheduler is true, the fiber is expected to be handed to a
// Runtime's scheduler as a sched.Task rather than resumed directly.
func NewFiber(entry func(), stackSize uint32, runInScheduler bool) *fiber.Fiber {
	return fiber.New(entry, stackSize, runInScheduler)
}

// CurrentFiber returns the fiber the calling goroutine is executing
// inside of, lazily creating a root fiber to represent the goroutine
// itself if none has been associated yet.
func CurrentFiber() *fiber.Fiber { return fiber.Current() }
