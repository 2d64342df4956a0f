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

package runtimeconfig

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDefaultValues(t *testing.T) {
	c := Default()
	require.Equal(t, DefaultFiberStackSize, c.FiberStackSize())
	require.Equal(t, DefaultTCPConnectTimeout, c.TCPConnectTimeout())
}

func TestLoadMissingFileFallsBackToDefaults(t *testing.T) {
	c, err := Load(filepath.Join(t.TempDir(), "does-not-exist.yaml"))
	require.NoError(t, err)
	require.Equal(t, DefaultFiberStackSize, c.FiberStackSize())
}

func TestLoadOverlaysProvidedFields(t *testing.T) {
	path := filepath.Join(t.TempDir(), "focus.yaml")
	contents := "fiber:\n  stack_size: 262144\ntcp:\n  connect:\n    timeout_ms: 2500\n"
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))

	c, err := Load(path)
	require.NoError(t, err)
	require.EqualValues(t, 262144, c.FiberStackSize())
	require.Equal(t, 2500*time.Millisecond, c.TCPConnectTimeout())
}

func TestLoadPartialOverlayKeepsOtherDefault(t *testing.T) {
	path := filepath.Join(t.TempDir(), "focus.yaml")
	require.NoError(t, os.WriteFile(path, []byte("fiber:\n  stack_size: 65536\n"), 0o644))

	c, err := Load(path)
	require.NoError(t, err)
	require.EqualValues(t, 65536, c.FiberStackSize())
	require.Equal(t, DefaultTCPConnectTimeout, c.TCPConnectTimeout())
}

func TestWatchTCPConnectTimeoutFiresOnChange(t *testing.T) {
	c := Default()
	var got time.Duration
	c.WatchTCPConnectTimeout(func(d time.Duration) { got = d })
	c.SetTCPConnectTimeout(9 * time.Second)
	require.Equal(t, 9*time.Second, got)
	require.Equal(t, 9*time.Second, c.TCPConnectTimeout())
}
