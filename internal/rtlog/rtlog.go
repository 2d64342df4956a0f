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

// Package rtlog is the runtime's "system" logger: DEBUG on lifecycle
// events (fiber construct/destruct, scheduler start/stop, idle enter/exit,
// tickle), ERROR on poller syscall failure or invariant breach.
package rtlog

import (
	"flag"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var fEnableDebug = flag.Bool(
	"focus.debug",
	false,
	"Write focus runtime debug events to stderr.")

var (
	once     sync.Once
	sugared  *zap.SugaredLogger
	minLevel zapcore.Level
)

func initLogger() {
	minLevel = zapcore.InfoLevel
	if fEnableDebug != nil && *fEnableDebug {
		minLevel = zapcore.DebugLevel
	}

	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(minLevel)
	cfg.Encoding = "console"
	cfg.EncoderConfig = zap.NewDevelopmentEncoderConfig()

	logger, err := cfg.Build()
	if err != nil {
		// Fall back to a Nop logger; system logging must never itself crash
		// the runtime it's instrumenting.
		logger = zap.NewNop()
	}

	sugared = logger.Named("system").Sugar()
}

// System returns the process-wide "system" category logger, initializing
// it from flags on first use.
func System() *zap.SugaredLogger {
	once.Do(initLogger)
	return sugared
}

// SetForTest overrides the system logger, for tests that want to assert on
// emitted records. Returns a restore function.
func SetForTest(l *zap.SugaredLogger) func() {
	once.Do(func() {})
	prev := sugared
	sugared = l
	return func() { sugared = prev }
}
