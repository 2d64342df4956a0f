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

// Package focus is a user-space cooperative task runtime: fibers, an M:N
// scheduler, and an edge-triggered I/O & timer reactor, meant as the
// substrate a syscall-interposition layer (not included here) sits on top
// of to give blocking-style code non-blocking behavior underneath.
//
// The primary elements of interest are:
//
//   - internal/fiber, stackful-equivalent cooperative tasks with explicit
//     Resume/Yield.
//
//   - internal/sched, the M:N task queue and worker pool.
//
//   - internal/reactor, the epoll-backed I/O manager that extends the
//     scheduler with readiness waiting and timers.
//
//   - dohook, the generic "do I/O with readiness waiting" envelope,
//     specialized into a hooked wrapper per syscall (Read, Write, Accept,
//     Connect, Close, ...), plus the per-goroutine "hook enabled" flag.
//
//   - internal/runtimeconfig, the fiber stack size and TCP connect
//     timeout knobs, loadable from YAML.
//
// Run wires all of the above into a started Runtime. The module ships no
// example programs.
package focus
