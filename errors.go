// Copyright 2015 Google Inc. All Rights Reserved.
// Author: jacobsa@google.com (Aaron Jacobs)

package focus

import (
	"golang.org/x/sys/unix"
)

const (
	// Errors the hooked I/O envelope (dohook) and reactor may surface.
	// These mirror the kernel errno values a caller would see from the
	// equivalent blocking syscall.
	EBADF     = unix.EBADF
	ETIMEDOUT = unix.ETIMEDOUT
	EAGAIN    = unix.EAGAIN
	EINTR     = unix.EINTR
)
