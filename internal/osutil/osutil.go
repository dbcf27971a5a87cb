// Copyright 2025 The zb Authors
// Copyright 2009 The Go Authors. All rights reserved.
// SPDX-License-Identifier: BSD 3-Clause
//
// Adapted from zb's internal/osutil package: this is a copy of
// ignoringEINTR from
// https://cs.opensource.google/go/go/+/refs/tags/go1.24.1:src/os/file_posix.go,
// exported so the content-addressed store's chunked reads can use it.

// Package osutil provides small filesystem helpers shared across r13y's
// store-facing packages.
package osutil

import "syscall"

// IgnoringEINTR makes a function call and repeats it if it returns an
// EINTR error. This appears to be required even though we install all
// signal handlers with SA_RESTART: see Go issues #22838, #38033, #38836,
// #40846. Also #20400 and #36644 are issues in which a signal handler is
// installed without setting SA_RESTART. None of these are the common
// case, but there are enough of them that it seems we can't avoid an
// EINTR loop.
func IgnoringEINTR(fn func() error) error {
	for {
		err := fn()
		if err != syscall.EINTR {
			return err
		}
	}
}
