// Copyright (C) 2022  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

// Package replacer implements the LRU-K replacement policy used by a
// buffer pool to choose which pinned-but-unpinned frame to evict next.
package replacer

import (
	"fmt"
	"sync"

	"github.com/latchtree/latchtree/internal/containers"
)

// FrameID identifies a frame slot in the buffer pool's fixed-size
// frame array.
type FrameID int

// AssertionError reports a violation of the replacer's contract: an
// out-of-range frame id, or a Remove() targeting a frame that isn't
// evictable.  Per the invariant tracking in spec.md §7, these are
// fatal — callers are expected to let them propagate to the process
// boundary rather than recover and continue.
type AssertionError struct {
	Op      string
	FrameID FrameID
	Reason  string
}

func (e *AssertionError) Error() string {
	return fmt.Sprintf("replacer: %s(%d): %s", e.Op, e.FrameID, e.Reason)
}

type frameEntry struct {
	accessCount int
	evictable   bool
	node        *containers.LinkedListEntry[FrameID]
	inCache     bool // whether node currently lives in cacheList (vs historyList)
}

// LRUKReplacer tracks per-frame access histories and picks a victim
// frame among those marked evictable.
//
// Invariants (spec.md §3.1):
//  1. every frame with a recorded access is in exactly one of
//     {historyList, cacheList} (tracked via frameEntry.inCache);
//  2. a frame's position in cacheList reflects its most recent
//     access, not its k-th;
//  3. currSize equals the number of evictable frames;
//  4. 0 <= currSize <= replacerSize.
//
// All public operations are atomic under mu.
type LRUKReplacer struct {
	mu sync.Mutex

	replacerSize int
	k            int
	currSize     int

	// historyList: frames with accessCount < k. Newest = most
	// recently inserted. Policy evicts from the Oldest end.
	historyList containers.LinkedList[FrameID]
	// cacheList: frames with accessCount >= k. Newest = most
	// recently promoted/touched. Policy evicts from the Oldest
	// end (classic LRU) when historyList has no evictable victim.
	cacheList containers.LinkedList[FrameID]

	frames map[FrameID]*frameEntry
}

// NewLRUKReplacer creates a replacer tracking up to numFrames distinct
// frame ids, promoting a frame from the history queue to the cache
// queue on its k-th access.
func NewLRUKReplacer(numFrames, k int) *LRUKReplacer {
	if numFrames < 0 {
		panic(fmt.Errorf("replacer.NewLRUKReplacer: negative numFrames %d", numFrames))
	}
	if k < 1 {
		panic(fmt.Errorf("replacer.NewLRUKReplacer: k must be >= 1, got %d", k))
	}
	return &LRUKReplacer{
		replacerSize: numFrames,
		k:            k,
		frames:       make(map[FrameID]*frameEntry),
	}
}

func (r *LRUKReplacer) checkRange(op string, f FrameID) {
	if f < 0 || int(f) >= r.replacerSize {
		panic(&AssertionError{Op: op, FrameID: f, Reason: "frame id out of [0, replacer_size) range"})
	}
}

// RecordAccess records that frame f was accessed "now". f must
// satisfy 0 <= f < replacerSize; violating this is a fatal
// AssertionError.
func (r *LRUKReplacer) RecordAccess(f FrameID) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.checkRange("RecordAccess", f)

	entry, ok := r.frames[f]
	if !ok {
		entry = &frameEntry{}
		r.frames[f] = entry
	}
	entry.accessCount++

	switch {
	case entry.accessCount < r.k:
		if entry.node == nil {
			entry.node = &containers.LinkedListEntry[FrameID]{Value: f}
			r.historyList.PushNewest(entry.node)
		}
		entry.inCache = false
	case entry.accessCount == r.k:
		if entry.node != nil {
			r.historyList.Delete(entry.node)
		}
		entry.node = &containers.LinkedListEntry[FrameID]{Value: f}
		r.cacheList.PushNewest(entry.node)
		entry.inCache = true
	default:
		if entry.node != nil {
			r.cacheList.Delete(entry.node)
		}
		entry.node = &containers.LinkedListEntry[FrameID]{Value: f}
		r.cacheList.PushNewest(entry.node)
		entry.inCache = true
	}
}

// SetEvictable toggles whether frame f participates in eviction
// candidacy. It is a no-op if f was never recorded, or if the flag
// already matches evictable.
func (r *LRUKReplacer) SetEvictable(f FrameID, evictable bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.checkRange("SetEvictable", f)

	entry, ok := r.frames[f]
	if !ok {
		return
	}
	if entry.evictable == evictable {
		return
	}
	entry.evictable = evictable
	if evictable {
		r.currSize++
	} else {
		r.currSize--
	}
}

// Evict picks a victim frame: among evictable frames in the history
// queue, the earliest-inserted (largest backward k-distance); failing
// that, the least-recently-used evictable frame in the cache queue.
// It returns (0, false) iff no evictable frame exists.
func (r *LRUKReplacer) Evict() (FrameID, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.currSize == 0 {
		return 0, false
	}

	if f, ok := r.evictFrom(&r.historyList); ok {
		return f, true
	}
	if f, ok := r.evictFrom(&r.cacheList); ok {
		return f, true
	}
	return 0, false
}

func (r *LRUKReplacer) evictFrom(list *containers.LinkedList[FrameID]) (FrameID, bool) {
	for node := list.Oldest; node != nil; node = node.Newer {
		f := node.Value
		entry := r.frames[f]
		if !entry.evictable {
			continue
		}
		list.Delete(node)
		r.clearFrame(f)
		return f, true
	}
	return 0, false
}

// Remove forcibly removes f and its access history. f must currently
// be evictable; removing a non-evictable frame is a fatal
// AssertionError. Removing an unrecorded frame is a no-op.
func (r *LRUKReplacer) Remove(f FrameID) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.checkRange("Remove", f)

	entry, ok := r.frames[f]
	if !ok {
		return
	}
	if !entry.evictable {
		panic(&AssertionError{Op: "Remove", FrameID: f, Reason: "frame is not evictable"})
	}

	if entry.inCache {
		r.cacheList.Delete(entry.node)
	} else {
		r.historyList.Delete(entry.node)
	}
	r.clearFrame(f)
}

// clearFrame drops all bookkeeping for f and decrements currSize. The
// caller must have already unlinked f's node from whichever list held
// it.
func (r *LRUKReplacer) clearFrame(f FrameID) {
	delete(r.frames, f)
	r.currSize--
}

// Size returns the number of currently evictable frames.
func (r *LRUKReplacer) Size() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.currSize
}
