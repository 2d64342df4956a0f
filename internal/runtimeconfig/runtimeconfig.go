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

// Package runtimeconfig is the runtime's tunable knobs: fiber stack size
// and the TCP connect timeout, loaded from YAML the way other daemons
// load their config files, with sane defaults so a zero Config (or a
// missing file) is still usable.
package runtimeconfig

import (
	"fmt"
	"os"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/focusrt/focus/internal/rtlog"
)

const (
	// DefaultFiberStackSize matches internal/fiber.DefaultStackSize.
	DefaultFiberStackSize uint32 = 128 * 1024
	// DefaultTCPConnectTimeout is applied when connect() hasn't resolved
	// by this long.
	DefaultTCPConnectTimeout = 5 * time.Second
)

// fileFormat mirrors the on-disk YAML shape:
//
//	fiber:
//	  stack_size: 131072
//	tcp:
//	  connect:
//	    timeout_ms: 5000
type fileFormat struct {
	Fiber struct {
		StackSize uint32 `yaml:"stack_size"`
	} `yaml:"fiber"`
	TCP struct {
		Connect struct {
			TimeoutMS int64 `yaml:"timeout_ms"`
		} `yaml:"connect"`
	} `yaml:"tcp"`
}

// Config is the resolved, in-memory configuration consumed by the rest of
// the runtime.
type Config struct {
	mu sync.RWMutex

	fiberStackSize    uint32
	tcpConnectTimeout time.Duration

	onConnectTimeoutChanged []func(time.Duration)
}

// Default returns a Config populated with the built-in defaults.
func Default() *Config {
	return &Config{
		fiberStackSize:    DefaultFiberStackSize,
		tcpConnectTimeout: DefaultTCPConnectTimeout,
	}
}

// Load reads path as YAML and overlays it onto the defaults. A missing
// file is not an error: Load silently falls back to Default(), the way
// an optional config file is expected to behave.
func Load(path string) (*Config, error) {
	c := Default()

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		rtlog.System().Debugw("config file absent, using defaults", "path", path)
		return c, nil
	}
	if err != nil {
		return nil, fmt.Errorf("runtimeconfig: reading %s: %w", path, err)
	}

	var ff fileFormat
	if err := yaml.Unmarshal(data, &ff); err != nil {
		return nil, fmt.Errorf("runtimeconfig: parsing %s: %w", path, err)
	}

	if ff.Fiber.StackSize > 0 {
		c.fiberStackSize = ff.Fiber.StackSize
	}
	if ff.TCP.Connect.TimeoutMS > 0 {
		c.tcpConnectTimeout = time.Duration(ff.TCP.Connect.TimeoutMS) * time.Millisecond
	}

	rtlog.System().Debugw("config loaded", "path", path,
		"fiber_stack_size", c.fiberStackSize, "tcp_connect_timeout", c.tcpConnectTimeout)
	return c, nil
}

// FiberStackSize is the configured fiber stack size. No part of the
// runtime reads it: fibers created with stackSize 0 take
// internal/fiber.DefaultStackSize, whatever this value is.
func (c *Config) FiberStackSize() uint32 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.fiberStackSize
}

// TCPConnectTimeout is how long dohook.ConnectWithTimeout waits for a
// non-blocking connect() to complete before giving up.
func (c *Config) TCPConnectTimeout() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.tcpConnectTimeout
}

// SetTCPConnectTimeout updates the connect timeout at runtime and notifies
// every registered watcher, letting a long-lived process re-tune without
// restarting.
func (c *Config) SetTCPConnectTimeout(d time.Duration) {
	c.mu.Lock()
	c.tcpConnectTimeout = d
	watchers := append([]func(time.Duration){}, c.onConnectTimeoutChanged...)
	c.mu.Unlock()

	for _, w := range watchers {
		w(d)
	}
}

// WatchTCPConnectTimeout registers fn to be called whenever
// SetTCPConnectTimeout changes the value.
func (c *Config) WatchTCPConnectTimeout(fn func(time.Duration)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onConnectTimeoutChanged = append(c.onConnectTimeoutChanged, fn)
}
