// Copyright (C) 2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package storage

import (
	"github.com/latchtree/latchtree/internal/containers"
)

// HeldPage is one entry in an OperationTracker's page FIFO: either a
// real page the operation holds a write latch on, or the escape
// sentinel standing in for the tree's root-id guard (spec.md §9's
// "per-operation FIFO of held latches with an escape sentinel").
type HeldPage struct {
	Page      *Page // nil iff this entry is the root-id-guard sentinel
	IsSentinel bool
}

// OperationTracker is the per-operation scratch space described by
// spec.md §3.3/§6: an ordered set of pages (and possibly the root-id
// guard) whose latch the operation currently holds, plus a set of
// page ids queued for deletion once those latches are released.
//
// It is built on containers.LinkedList, the same doubly-linked-list
// primitive the replacer uses for its history/cache queues, here
// pressed into service as a FIFO: push at the newest end, drain from
// the oldest, so latches are released in acquisition order.
type OperationTracker struct {
	held      containers.LinkedList[HeldPage]
	deleteIDs containers.Set[PageID]
}

func NewOperationTracker() *OperationTracker {
	return &OperationTracker{deleteIDs: containers.NewSet[PageID]()}
}

// PushSentinel records that the root-id guard is held.
func (t *OperationTracker) PushSentinel() {
	t.held.PushNewest(&containers.LinkedListEntry[HeldPage]{Value: HeldPage{IsSentinel: true}})
}

// PushPage records that page's write latch is held by this operation.
func (t *OperationTracker) PushPage(page *Page) {
	t.held.PushNewest(&containers.LinkedListEntry[HeldPage]{Value: HeldPage{Page: page}})
}

// PopOldest removes and returns the oldest held entry, or ok=false if
// none remain.
func (t *OperationTracker) PopOldest() (HeldPage, bool) {
	entry := t.held.PopOldest()
	if entry == nil {
		return HeldPage{}, false
	}
	return entry.Value, true
}

// PopNewest removes and returns the newest held entry, or ok=false if
// none remain. A latch-crabbing operation uses this to pull the node
// it is actively working on — always the most recently pushed entry —
// back out of the FIFO, leaving the FIFO holding exactly its ancestors.
func (t *OperationTracker) PopNewest() (HeldPage, bool) {
	entry := t.held.PopNewest()
	if entry == nil {
		return HeldPage{}, false
	}
	return entry.Value, true
}

// Len returns the number of currently held entries (pages + sentinel).
func (t *OperationTracker) Len() int {
	return t.held.Len
}

// Each iterates the held entries oldest-to-newest without draining
// them.
func (t *OperationTracker) Each(fn func(HeldPage)) {
	for e := t.held.Oldest; e != nil; e = e.Newer {
		fn(e.Value)
	}
}

// MarkForDeletion queues a page id to be deleted once the operation's
// latches have all been drained.
func (t *OperationTracker) MarkForDeletion(id PageID) {
	t.deleteIDs.Insert(id)
}

// DeletionIDs returns the page ids queued for deletion.
func (t *OperationTracker) DeletionIDs() []PageID {
	ids := make([]PageID, 0, t.deleteIDs.Len())
	t.deleteIDs.Each(func(id PageID) { ids = append(ids, id) })
	return ids
}

// Clear drops all held entries and queued deletions without acting on
// them: no latch is released and no page is unpinned or deleted.
func (t *OperationTracker) Clear() {
	for {
		if _, ok := t.PopOldest(); !ok {
			break
		}
	}
	t.deleteIDs = containers.NewSet[PageID]()
}
