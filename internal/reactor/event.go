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

import "github.com/focusrt/focus/internal/fiber"

// Event is a bitmask of the two directions the reactor can wait on.
type Event uint32

const (
	EventNone  Event = 0
	EventRead  Event = 1 << 0
	EventWrite Event = 1 << 1
)

func (e Event) String() string {
	switch e {
	case EventNone:
		return "NONE"
	case EventRead:
		return "READ"
	case EventWrite:
		return "WRITE"
	case EventRead | EventWrite:
		return "READ|WRITE"
	default:
		return "INVALID"
	}
}

// eventContext is armed on one direction of a fdContext: either a fiber to
// resume, or a callback to run inside a reusable scheduler fiber, never
// both. The zero value is "unarmed".
type eventContext struct {
	fiber    *fiber.Fiber
	callback func()
}

func (ec eventContext) empty() bool {
	return ec.fiber == nil && ec.callback == nil
}
