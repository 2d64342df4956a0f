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

package fdtable

import (
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func TestGetAutoCreateProbesSocket(t *testing.T) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	require.NoError(t, err)
	defer unix.Close(fds[0])
	defer unix.Close(fds[1])

	tbl := New()
	require.Nil(t, tbl.Get(fds[0], false))

	c := tbl.Get(fds[0], true)
	require.NotNil(t, c)
	require.True(t, c.IsSocket())
	require.True(t, c.SysNonblock())
	require.False(t, c.UserNonblock())
	require.Equal(t, NoTimeout, c.GetTimeout(RECV))
	require.Equal(t, NoTimeout, c.GetTimeout(SEND))

	// Idempotent: a second Get returns the same entry.
	require.Same(t, c, tbl.Get(fds[0], true))
}

func TestSetTimeoutAndUserNonblock(t *testing.T) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	require.NoError(t, err)
	defer unix.Close(fds[0])
	defer unix.Close(fds[1])

	tbl := New()
	c := tbl.Get(fds[0], true)

	c.SetTimeout(RECV, 1500)
	require.EqualValues(t, 1500, c.GetTimeout(RECV))
	require.EqualValues(t, NoTimeout, c.GetTimeout(SEND))

	c.SetUserNonblock(true)
	require.True(t, c.UserNonblock())
	// sysNonblock is independent of the user's own request.
	require.True(t, c.SysNonblock())
}

func TestCloseRemovesEntry(t *testing.T) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	require.NoError(t, err)
	defer unix.Close(fds[1])

	tbl := New()
	c := tbl.Get(fds[0], true)
	unix.Close(fds[0])
	tbl.Close(fds[0])

	require.True(t, c.Closed())
	require.Nil(t, tbl.Get(fds[0], false))
}

func TestGrowthPolicyHandlesLargeFd(t *testing.T) {
	tbl := New()
	// A made-up fd far past any real descriptor; autoCreate must not
	// probe-fail in a way that panics, it just logs and marks initialized.
	c := tbl.Get(1000, true)
	require.NotNil(t, c)
	require.Same(t, c, tbl.Get(1000, false))
}
