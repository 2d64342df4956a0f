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

package dohook

import (
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"

	"github.com/focusrt/focus/internal/fdtable"
	"github.com/focusrt/focus/internal/fiber"
	"github.com/focusrt/focus/internal/reactor"
	"github.com/focusrt/focus/internal/timers"
)

// Socket creates fd the normal way and registers it with the FD table so
// later hooked calls on it are recognized; the fd-table probe (fstat +
// forcing O_NONBLOCK on sockets) happens lazily on first Get.
func (rt *Runtime) Socket(domain, typ, proto int) (int, error) {
	fd, err := unix.Socket(domain, typ, proto)
	if err != nil {
		return -1, err
	}
	rt.FdTable.Get(fd, true)
	return fd, nil
}

// Connect performs a hooked connect(): if the kernel reports the connect
// completed or failed synchronously, that result is returned directly;
// otherwise it is structurally identical to DoIO but arms only WRITE and
// resolves success/failure via SO_ERROR on wake.
func (rt *Runtime) Connect(fd int, sa unix.Sockaddr) error {
	if !hookedOnThisGoroutine() {
		return unix.Connect(fd, sa)
	}

	ctx := rt.FdTable.Get(fd, true)
	if ctx == nil || ctx.Closed() {
		if ctx != nil && ctx.Closed() {
			return unix.EBADF
		}
		return unix.Connect(fd, sa)
	}
	if !ctx.IsSocket() || ctx.UserNonblock() {
		return unix.Connect(fd, sa)
	}

	timeout := rt.Config.TCPConnectTimeout()
	return rt.ConnectWithTimeout(fd, sa, timeout)
}

// ConnectWithTimeout is the explicit, timeout-parameterized form of
// Connect, usable even when the caller wants a timeout other than the
// configured default.
func (rt *Runtime) ConnectWithTimeout(fd int, sa unix.Sockaddr, timeout time.Duration) error {
	err := unix.Connect(fd, sa)
	if err == nil || err != unix.EINPROGRESS {
		return err
	}

	var waiting atomic.Bool
	waiting.Store(true)
	var timedOut atomic.Bool

	var timer *timers.Timer
	if timeout > 0 {
		timer = rt.IO.AddConditionTimer(func() {
			timedOut.Store(true)
			if fired, _ := rt.IO.CancelEvent(fd, reactor.EventWrite); !fired {
				timedOut.Store(false)
			}
		}, timeout, &waiting, false)
	}

	if err := rt.IO.AddEvent(fd, reactor.EventWrite, nil); err != nil {
		if timer != nil {
			timer.Cancel()
		}
		return err
	}

	fiber.Current().Yield()
	waiting.Store(false)
	if timer != nil {
		timer.Cancel()
	}

	if timedOut.Load() {
		return unix.ETIMEDOUT
	}

	soErr, err := unix.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_ERROR)
	if err != nil {
		return err
	}
	if soErr != 0 {
		return unix.Errno(soErr)
	}
	return nil
}

// Accept hooks accept(2), parking on READ while EAGAIN/EWOULDBLOCK. The
// accepted fd is registered with the FD table (and so probed and forced
// non-blocking) before it is returned.
func (rt *Runtime) Accept(fd int) (int, unix.Sockaddr, error) {
	var nfd int
	var sa unix.Sockaddr
	_, err := rt.DoIO(fd, reactor.EventRead, fdtable.RECV, func() (int, error) {
		var e error
		nfd, sa, e = unix.Accept(fd)
		return nfd, e
	})
	if err != nil {
		return -1, nil, err
	}
	rt.FdTable.Get(nfd, true)
	return nfd, sa, nil
}

// Read hooks read(2).
func (rt *Runtime) Read(fd int, p []byte) (int, error) {
	return rt.DoIO(fd, reactor.EventRead, fdtable.RECV, func() (int, error) {
		return unix.Read(fd, p)
	})
}

// Readv hooks readv(2). Each retry re-issues a single readv(2) syscall
// over the full iovs; the kernel reports a short read as a definitive
// (n, nil), same as a plain read(2), rather than DoIO looping to fill
// the vector — a partial fill is never paired with an EAGAIN that could
// cause double-counting or a re-read into already-filled buffers.
func (rt *Runtime) Readv(fd int, iovs [][]byte) (int, error) {
	return rt.DoIO(fd, reactor.EventRead, fdtable.RECV, func() (int, error) {
		return unix.Readv(fd, iovs)
	})
}

// Recv hooks recv(2).
func (rt *Runtime) Recv(fd int, p []byte, flags int) (int, error) {
	return rt.DoIO(fd, reactor.EventRead, fdtable.RECV, func() (int, error) {
		return unix.Recvfrom(fd, p, flags|unix.MSG_DONTWAIT)
	})
}

// RecvFrom hooks recvfrom(2).
func (rt *Runtime) RecvFrom(fd int, p []byte, flags int) (int, unix.Sockaddr, error) {
	var from unix.Sockaddr
	n, err := rt.DoIO(fd, reactor.EventRead, fdtable.RECV, func() (int, error) {
		var e error
		var sz int
		sz, from, e = unix.Recvfrom(fd, p, flags)
		return sz, e
	})
	return n, from, err
}

// RecvMsg hooks recvmsg(2).
func (rt *Runtime) RecvMsg(fd int, p, oob []byte, flags int) (int, int, int, unix.Sockaddr, error) {
	var oobn, recvflags int
	var from unix.Sockaddr
	n, err := rt.DoIO(fd, reactor.EventRead, fdtable.RECV, func() (int, error) {
		sz, on, rf, fr, e := unix.Recvmsg(fd, p, oob, flags)
		oobn, recvflags, from = on, rf, fr
		return sz, e
	})
	return n, oobn, recvflags, from, err
}

// Write hooks write(2).
func (rt *Runtime) Write(fd int, p []byte) (int, error) {
	return rt.DoIO(fd, reactor.EventWrite, fdtable.SEND, func() (int, error) {
		return unix.Write(fd, p)
	})
}

// Writev hooks writev(2), the same single-syscall-per-retry reasoning as
// Readv.
func (rt *Runtime) Writev(fd int, iovs [][]byte) (int, error) {
	return rt.DoIO(fd, reactor.EventWrite, fdtable.SEND, func() (int, error) {
		return unix.Writev(fd, iovs)
	})
}

// Send hooks send(2).
func (rt *Runtime) Send(fd int, p []byte, flags int) (int, error) {
	return rt.DoIO(fd, reactor.EventWrite, fdtable.SEND, func() (int, error) {
		return unix.SendmsgN(fd, p, nil, nil, flags|unix.MSG_DONTWAIT)
	})
}

// SendTo hooks sendto(2).
func (rt *Runtime) SendTo(fd int, p []byte, flags int, to unix.Sockaddr) (int, error) {
	return rt.DoIO(fd, reactor.EventWrite, fdtable.SEND, func() (int, error) {
		return unix.SendmsgN(fd, p, nil, to, flags)
	})
}

// SendMsg hooks sendmsg(2).
func (rt *Runtime) SendMsg(fd int, p, oob []byte, to unix.Sockaddr, flags int) (int, error) {
	return rt.DoIO(fd, reactor.EventWrite, fdtable.SEND, func() (int, error) {
		return unix.SendmsgN(fd, p, oob, to, flags)
	})
}

// Close hooks close(2): it releases the fd table slot and the kernel
// descriptor first and only then cancels every parked waiter on fd, so
// that a woken waiter's retry fails with EBADF.
func (rt *Runtime) Close(fd int) error {
	ctx := rt.FdTable.Get(fd, false)
	if ctx == nil {
		return unix.Close(fd)
	}
	rt.FdTable.Close(fd)
	err := unix.Close(fd)
	rt.IO.CancelAll(fd)
	return err
}

// Fcntl hooks fcntl(2). F_GETFL returns the process's full flag set, not
// just the masked O_NONBLOCK bit, with O_NONBLOCK reflecting
// user_nonblock rather than the kernel's forced sys_nonblock. F_SETFL
// toggles user_nonblock without ever clearing the kernel-forced
// nonblocking mode.
func (rt *Runtime) Fcntl(fd int, cmd int, arg int) (int, error) {
	ctx := rt.FdTable.Get(fd, true)
	if ctx == nil || !ctx.IsSocket() {
		return unix.FcntlInt(uintptr(fd), cmd, arg)
	}

	switch cmd {
	case unix.F_GETFL:
		flags, err := unix.FcntlInt(uintptr(fd), unix.F_GETFL, 0)
		if err != nil {
			return -1, err
		}
		if ctx.UserNonblock() {
			flags |= unix.O_NONBLOCK
		} else {
			flags &^= unix.O_NONBLOCK
		}
		return flags, nil
	case unix.F_SETFL:
		ctx.SetUserNonblock(arg&unix.O_NONBLOCK != 0)
		if ctx.SysNonblock() {
			arg |= unix.O_NONBLOCK
		}
		return unix.FcntlInt(uintptr(fd), unix.F_SETFL, arg)
	default:
		return unix.FcntlInt(uintptr(fd), cmd, arg)
	}
}

// FIONBIO is the ioctl request hooked by Ioctl to track user_nonblock.
const FIONBIO = unix.FIONBIO

// Ioctl hooks ioctl(2); only FIONBIO is special-cased (it updates
// user_nonblock instead of touching the kernel-forced flag).
func (rt *Runtime) Ioctl(fd int, req uint, nonblock bool) error {
	ctx := rt.FdTable.Get(fd, true)
	if req == FIONBIO && ctx != nil && ctx.IsSocket() {
		ctx.SetUserNonblock(nonblock)
		return nil
	}
	var v int32
	if nonblock {
		v = 1
	}
	return unix.IoctlSetInt(fd, req, int(v))
}

// SetsockoptTimeval hooks setsockopt(SO_RCVTIMEO/SO_SNDTIMEO), recording
// the timeout into the FdCtx instead of letting the kernel honor it
// (hooked sockets are always kernel-nonblocking; the timeout is enforced
// by DoIO's condition timer instead).
func (rt *Runtime) SetsockoptTimeval(fd, level, opt int, tv *unix.Timeval) error {
	ctx := rt.FdTable.Get(fd, true)
	if ctx != nil && ctx.IsSocket() && (opt == unix.SO_RCVTIMEO || opt == unix.SO_SNDTIMEO) {
		ms := int32(tv.Sec)*1000 + int32(tv.Usec)/1000
		if ms <= 0 {
			ms = fdtable.NoTimeout
		}
		kind := fdtable.RECV
		if opt == unix.SO_SNDTIMEO {
			kind = fdtable.SEND
		}
		ctx.SetTimeout(kind, ms)
		return nil
	}
	return unix.SetsockoptTimeval(fd, level, opt, tv)
}

