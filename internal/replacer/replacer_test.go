// Copyright (C) 2022  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package replacer

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestBasicScenario mirrors spec.md S5: k=2, replacer_size=7, access
// trace 1,2,3,4,5,6,1,2,3,4,5, all marked evictable.
func TestBasicScenario(t *testing.T) {
	r := NewLRUKReplacer(7, 2)

	for _, f := range []FrameID{1, 2, 3, 4, 5, 6, 1, 2, 3, 4, 5} {
		r.RecordAccess(f)
	}
	for _, f := range []FrameID{1, 2, 3, 4, 5, 6} {
		r.SetEvictable(f, true)
	}
	require.Equal(t, 6, r.Size())

	// Frame 6 has a single access and is still in history; it is
	// the earliest-inserted sub-k frame.
	victim, ok := r.Evict()
	require.True(t, ok)
	assert.Equal(t, FrameID(6), victim)
	assert.Equal(t, 5, r.Size())

	// Remaining frames are all >=k; frame 1 is the least recently
	// used among them.
	victim, ok = r.Evict()
	require.True(t, ok)
	assert.Equal(t, FrameID(1), victim)
}

// TestPinningScenario mirrors spec.md S6.
func TestPinningScenario(t *testing.T) {
	r := NewLRUKReplacer(7, 2)

	r.RecordAccess(1)
	r.SetEvictable(1, false)
	_, ok := r.Evict()
	assert.False(t, ok)

	r.SetEvictable(1, true)
	victim, ok := r.Evict()
	require.True(t, ok)
	assert.Equal(t, FrameID(1), victim)
}

func TestSetEvictableIsNoopWhenUnseen(t *testing.T) {
	r := NewLRUKReplacer(4, 2)
	r.SetEvictable(2, true)
	assert.Equal(t, 0, r.Size())
}

func TestRemoveUnseenIsNoop(t *testing.T) {
	r := NewLRUKReplacer(4, 2)
	assert.NotPanics(t, func() { r.Remove(3) })
}

func TestRemoveNonEvictablePanics(t *testing.T) {
	r := NewLRUKReplacer(4, 2)
	r.RecordAccess(0)
	assert.Panics(t, func() { r.Remove(0) })
}

func TestRecordAccessOutOfRangePanics(t *testing.T) {
	r := NewLRUKReplacer(4, 2)
	assert.Panics(t, func() { r.RecordAccess(4) })
	assert.Panics(t, func() { r.RecordAccess(-1) })
}

func TestCacheQueueMoveToFront(t *testing.T) {
	r := NewLRUKReplacer(4, 1) // k=1: every access goes straight to the cache queue.
	r.RecordAccess(0)
	r.RecordAccess(1)
	r.RecordAccess(2)
	r.SetEvictable(0, true)
	r.SetEvictable(1, true)
	r.SetEvictable(2, true)

	// Touch 0 again so it is no longer the LRU entry.
	r.RecordAccess(0)

	victim, ok := r.Evict()
	require.True(t, ok)
	assert.Equal(t, FrameID(1), victim)
}

func TestSizeTracksEvictableCount(t *testing.T) {
	r := NewLRUKReplacer(4, 2)
	r.RecordAccess(0)
	r.RecordAccess(1)
	assert.Equal(t, 0, r.Size())
	r.SetEvictable(0, true)
	assert.Equal(t, 1, r.Size())
	r.SetEvictable(0, true) // no-op, flag already true
	assert.Equal(t, 1, r.Size())
	r.SetEvictable(0, false)
	assert.Equal(t, 0, r.Size())
}
