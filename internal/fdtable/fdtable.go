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

// Package fdtable is the process-wide sparse fd -> FdCtx table that lets
// the hooked I/O envelope (dohook) translate a raw fd into the
// socketness/non-blocking/timeout bookkeeping it needs.
package fdtable

import (
	"sync"

	"golang.org/x/sys/unix"

	"github.com/focusrt/focus/internal/rtlog"
)

// TimeoutKind selects which of a FdCtx's two timeouts to read or write.
type TimeoutKind int

const (
	RECV TimeoutKind = iota
	SEND
)

// NoTimeout is the sentinel recorded when no timeout has been set.
const NoTimeout int32 = -1

// FdCtx is the per-fd bookkeeping the runtime keeps alongside the kernel's
// own fd state.
type FdCtx struct {
	fd int

	mu           sync.Mutex
	initialized  bool
	isSocket     bool
	sysNonblock  bool
	userNonblock bool
	closed       bool
	recvTimeout  int32
	sendTimeout  int32
}

// Fd returns the file descriptor this context describes.
func (c *FdCtx) Fd() int { return c.fd }

// IsSocket reports whether the fd was observed to be a socket.
func (c *FdCtx) IsSocket() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.isSocket
}

// SysNonblock reports whether the runtime forced O_NONBLOCK on this fd.
func (c *FdCtx) SysNonblock() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sysNonblock
}

// UserNonblock reports whether the application itself requested
// non-blocking behavior (independent of the kernel flag the runtime
// forced).
func (c *FdCtx) UserNonblock() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.userNonblock
}

// SetUserNonblock records the application's own non-blocking request,
// e.g. from a hooked fcntl(F_SETFL) or ioctl(FIONBIO).
func (c *FdCtx) SetUserNonblock(v bool) {
	c.mu.Lock()
	c.userNonblock = v
	c.mu.Unlock()
}

// Closed reports whether the fd has been closed through the hook.
func (c *FdCtx) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// GetTimeout returns the recv or send timeout in milliseconds, or
// NoTimeout.
func (c *FdCtx) GetTimeout(kind TimeoutKind) int32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	if kind == RECV {
		return c.recvTimeout
	}
	return c.sendTimeout
}

// SetTimeout records a recv or send timeout in milliseconds, from a hooked
// setsockopt(SO_RCVTIMEO/SO_SNDTIMEO).
func (c *FdCtx) SetTimeout(kind TimeoutKind, ms int32) {
	c.mu.Lock()
	if kind == RECV {
		c.recvTimeout = ms
	} else {
		c.sendTimeout = ms
	}
	c.mu.Unlock()
}

// Table is the sparse fd -> *FdCtx map. The zero value is an empty table
// ready for use; New returns one.
type Table struct {
	mu   sync.RWMutex
	ctxs []*FdCtx // grown 1.5x, indexed directly by fd
}

// New creates an empty fd table.
func New() *Table {
	return &Table{}
}

// Get returns the FdCtx for fd, or nil if absent and autoCreate is false.
// On a miss with autoCreate, a fresh FdCtx is constructed, probed with
// fstat to learn socketness, and forced into O_NONBLOCK if it is a
// socket.
func (t *Table) Get(fd int, autoCreate bool) *FdCtx {
	if fd < 0 {
		return nil
	}

	t.mu.RLock()
	if fd < len(t.ctxs) && t.ctxs[fd] != nil {
		c := t.ctxs[fd]
		t.mu.RUnlock()
		return c
	}
	t.mu.RUnlock()

	if !autoCreate {
		return nil
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	// Re-check under the write lock: another goroutine may have created
	// the entry while we waited.
	if fd < len(t.ctxs) && t.ctxs[fd] != nil {
		return t.ctxs[fd]
	}

	if fd >= len(t.ctxs) {
		newCap := fd + 1
		if grown := int(float64(len(t.ctxs)) * 1.5); grown > newCap {
			newCap = grown
		}
		grown := make([]*FdCtx, newCap)
		copy(grown, t.ctxs)
		t.ctxs = grown
	}

	c := &FdCtx{fd: fd, recvTimeout: NoTimeout, sendTimeout: NoTimeout}
	c.probe()
	t.ctxs[fd] = c

	rtlog.System().Debugw("fdctx construct", "fd", fd, "is_socket", c.isSocket)
	return c
}

// Del removes fd's entry, if any.
func (t *Table) Del(fd int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if fd >= 0 && fd < len(t.ctxs) {
		t.ctxs[fd] = nil
	}
}

// Close marks fd's entry closed (if present) and removes it from the
// table: an fd's tracked state is destroyed when it is closed through the
// hook.
func (t *Table) Close(fd int) {
	if c := t.Get(fd, false); c != nil {
		c.mu.Lock()
		c.closed = true
		c.mu.Unlock()
	}
	t.Del(fd)
}

// probe uses fstat to learn socketness and, if the fd is a socket, forces
// O_NONBLOCK and records sysNonblock. Called with no locks held on c since
// c is not yet published into the table.
func (c *FdCtx) probe() {
	var st unix.Stat_t
	if err := unix.Fstat(c.fd, &st); err != nil {
		rtlog.System().Errorw("fstat failed while probing fd", "fd", c.fd, "err", err)
		c.initialized = true
		return
	}

	c.isSocket = st.Mode&unix.S_IFMT == unix.S_IFSOCK
	if c.isSocket {
		flags, err := unix.FcntlInt(uintptr(c.fd), unix.F_GETFL, 0)
		if err != nil {
			rtlog.System().Errorw("fcntl(F_GETFL) failed while probing fd", "fd", c.fd, "err", err)
		} else if flags&unix.O_NONBLOCK == 0 {
			if _, err := unix.FcntlInt(uintptr(c.fd), unix.F_SETFL, flags|unix.O_NONBLOCK); err != nil {
				rtlog.System().Errorw("fcntl(F_SETFL) failed forcing O_NONBLOCK", "fd", c.fd, "err", err)
			}
		}
		c.sysNonblock = true
	}
	c.initialized = true
}
