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
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

// TestPingPong drives two child fibers that print interleaved output by
// yielding after each line; alternating top-level Resume calls produce
// "A0 B0 A1 B1 A2 B2".
func TestPingPong(t *testing.T) {
	var out []string

	f1 := New(func() {
		for i := 0; i < 3; i++ {
			out = append(out, fmt.Sprintf("A%d", i))
			Current().Yield()
		}
	}, 0, false)

	f2 := New(func() {
		for i := 0; i < 3; i++ {
			out = append(out, fmt.Sprintf("B%d", i))
			Current().Yield()
		}
	}, 0, false)

	for f1.State() != Term || f2.State() != Term {
		if f1.State() != Term {
			f1.Resume()
		}
		if f2.State() != Term {
			f2.Resume()
		}
	}

	require.Equal(t, []string{"A0", "B0", "A1", "B1", "A2", "B2"}, out)
}

func TestResumeYieldRoundTrip(t *testing.T) {
	f := New(func() {
		for {
			Current().Yield()
		}
	}, 0, false)

	id := f.ID()
	for i := 0; i < 1000; i++ {
		f.Resume()
		require.Equal(t, Ready, f.State())
		require.Equal(t, id, f.ID())
	}
}

func TestResetReusesFiber(t *testing.T) {
	f := New(func() {}, 0, false)
	f.Resume()
	require.Equal(t, Term, f.State())

	id := f.ID()
	ran := false
	f.Reset(func() { ran = true })
	require.Equal(t, Ready, f.State())

	f.Resume()
	require.True(t, ran)
	require.Equal(t, Term, f.State())
	require.Equal(t, id, f.ID())
}

func TestCurrentLazilyCreatesRoot(t *testing.T) {
	done := make(chan struct{})
	var root1, root2 *Fiber
	go func() {
		root1 = Current()
		root2 = Current()
		close(done)
	}()
	<-done

	require.Same(t, root1, root2)
	require.Equal(t, Running, root1.State())
}

func TestResumePreconditionViolation(t *testing.T) {
	f := New(func() {}, 0, false)
	f.Resume()
	require.Equal(t, Term, f.State())

	require.Panics(t, func() { f.Resume() })
}
