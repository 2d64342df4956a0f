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

// State is a fiber's position in its lifecycle.
type State int32

const (
	// Ready means the fiber may be resumed.
	Ready State = iota
	// Running means the fiber is the unique currently executing fiber on
	// its goroutine.
	Running
	// Term means the fiber's entry closure has returned; it retains its
	// bookkeeping until Reset or garbage collection.
	Term
)

func (s State) String() string {
	switch s {
	case Ready:
		return "READY"
	case Running:
		return "RUNNING"
	case Term:
		return "TERM"
	default:
		return "UNKNOWN"
	}
}
