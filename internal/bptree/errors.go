// Copyright (C) 2022  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

// Package bptree implements a concurrent B+Tree index over a
// storage.BufferPoolManager, using latch-crabbing descents guarded by
// a tree-wide root-id lock for the rare structural change that moves
// the root itself.
package bptree

import "fmt"

// AssertionError reports a violated internal invariant — a bug in the
// tree's own bookkeeping, not a caller error.
type AssertionError struct {
	Op     string
	Reason string
}

func (e *AssertionError) Error() string {
	return fmt.Sprintf("bptree: internal invariant violated in %s: %s", e.Op, e.Reason)
}
