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

package fiber

import (
	"bytes"
	"runtime"
	"strconv"
)

// goroutineID extracts the calling goroutine's runtime id by parsing the
// header line of its own stack trace ("goroutine 123 [running]: ...").
//
// Go deliberately exposes no goroutine-local storage; a dedicated goroutine
// is the closest available analog to an OS thread for purposes of tracking
// "current fiber", so this id stands in for a thread id when indexing the
// per-goroutine slot table. This is on the hot path of Current(), which
// DoIO calls once per readiness wait; it is not appropriate for a tight
// per-instruction loop, but is cheap relative to the syscalls and channel
// handoffs surrounding it.
// GoroutineID is the exported form of goroutineID, reused by dohook to key
// its per-goroutine "hook enabled" slot without re-implementing the
// stack-parse trick.
func GoroutineID() int64 {
	return goroutineID()
}

func goroutineID() int64 {
	var buf [64]byte
	n := runtime.Stack(buf[:], false)
	b := buf[:n]

	const prefix = "goroutine "
	b = bytes.TrimPrefix(b, []byte(prefix))

	idx := bytes.IndexByte(b, ' ')
	if idx < 0 {
		return 0
	}

	id, err := strconv.ParseInt(string(b[:idx]), 10, 64)
	if err != nil {
		return 0
	}
	return id
}
