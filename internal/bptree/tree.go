// Copyright (C) 2022  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package bptree

import (
	"sync"

	"github.com/latchtree/latchtree/internal/storage"
)

// Key and Value are re-exported from internal/storage so callers don't
// need to import both packages to call Insert/GetValue.
type Key = storage.Key
type Value = storage.RID

// BPlusTree is a named index living inside a single
// storage.BufferPoolManager. Multiple trees may share one buffer pool
// and one header page, distinguished by Name.
//
// rootGuard is the tree-wide lock of spec.md §5/§9: held for read for
// the duration of a lookup's first hop to the root, and for write for
// the duration of any insert/delete that might move the root id
// (empty tree, root split, or root collapse). The operation tracker's
// escape-sentinel convention exists so that a write-side descent can
// release rootGuard the moment it's provably safe to, without waiting
// for the whole operation to finish.
type BPlusTree struct {
	Name string

	bpm             storage.BufferPoolManager
	leafMaxSize     int32
	internalMaxSize int32

	rootGuard  sync.RWMutex
	rootPageID storage.PageID
}

// New creates (or attaches to) a named tree in bpm. If the header page
// doesn't yet carry a record for name, one is created with an empty
// (invalid) root.
//
// When bpm is freshly constructed, the very first page it hands out is
// PageID 0, the header page (storage.MemBufferPoolManager's contract);
// New is the only code in this module that relies on that ordering,
// and it only exercises it on the very first tree attached to a pool.
func New(name string, bpm storage.BufferPoolManager, leafMaxSize, internalMaxSize int32) (*BPlusTree, error) {
	if leafMaxSize < 3 {
		panic("bptree.New: leafMaxSize must be >= 3")
	}
	if internalMaxSize < 3 {
		panic("bptree.New: internalMaxSize must be >= 3")
	}

	t := &BPlusTree{
		Name:            name,
		bpm:             bpm,
		leafMaxSize:     leafMaxSize,
		internalMaxSize: internalMaxSize,
		rootPageID:      storage.InvalidPageID,
	}

	header, err := bpm.FetchPage(storage.HeaderPageID)
	if err != nil {
		// Nothing has been allocated from this pool yet; mint the
		// header page, which must land on HeaderPageID.
		header, err = bpm.NewPage()
		if err != nil {
			return nil, err
		}
		if header.ID() != storage.HeaderPageID {
			_ = bpm.UnpinPage(header.ID(), false)
			return nil, &AssertionError{Op: "New", Reason: "first page allocated from a fresh pool was not the header page"}
		}
		header.SetData(make([]byte, 4))
	}
	header.WLatch()
	hp := storage.NewHeaderPage(header)
	if rootID, ok := hp.GetRootID(name); ok {
		t.rootPageID = rootID
	} else {
		hp.InsertRecord(name, storage.InvalidPageID)
	}
	header.WUnlatch()
	if err := bpm.UnpinPage(header.ID(), true); err != nil {
		return nil, err
	}
	return t, nil
}

func (t *BPlusTree) updateHeaderRoot(newRoot storage.PageID) error {
	header, err := t.bpm.FetchPage(storage.HeaderPageID)
	if err != nil {
		return err
	}
	header.WLatch()
	storage.NewHeaderPage(header).UpdateRecord(t.Name, newRoot)
	header.WUnlatch()
	t.rootPageID = newRoot
	return t.bpm.UnpinPage(header.ID(), true)
}

func minLeafSize(maxSize int32) int {
	return int((maxSize + 1) / 2)
}

func minInternalSize(maxSize int32) int {
	return int((maxSize + 1) / 2)
}

// IsEmpty reports whether the tree currently has no root. The caller
// is not holding rootGuard, so this is a best-effort snapshot.
func (t *BPlusTree) IsEmpty() bool {
	t.rootGuard.RLock()
	defer t.rootGuard.RUnlock()
	return t.rootPageID == storage.InvalidPageID
}

// leafHandle pairs a pinned leaf page with its decoded contents; the
// page is write-latched when it came from a descent, and unlatched
// when it was just allocated by newLeaf. save() re-encodes the decoded form back into the page's
// buffer and marks it dirty; it must be called before the page is
// unpinned if Keys/Values/Size were mutated.
type leafHandle struct {
	page *storage.Page
	leaf *storage.LeafPage
}

func (h *leafHandle) save() {
	h.page.SetData(storage.EncodeLeafPage(h.leaf))
	h.page.MarkDirty()
}

type internalHandle struct {
	page *storage.Page
	node *storage.InternalPage
}

func (h *internalHandle) save() {
	h.page.SetData(storage.EncodeInternalPage(h.node))
	h.page.MarkDirty()
}

func (t *BPlusTree) fetchLeaf(id storage.PageID) (*leafHandle, error) {
	page, err := t.bpm.FetchPage(id)
	if err != nil {
		return nil, err
	}
	leaf, err := storage.DecodeLeafPage(page.Data())
	if err != nil {
		_ = t.bpm.UnpinPage(id, false)
		return nil, err
	}
	return &leafHandle{page: page, leaf: leaf}, nil
}

func (t *BPlusTree) fetchInternal(id storage.PageID) (*internalHandle, error) {
	page, err := t.bpm.FetchPage(id)
	if err != nil {
		return nil, err
	}
	node, err := storage.DecodeInternalPage(page.Data())
	if err != nil {
		_ = t.bpm.UnpinPage(id, false)
		return nil, err
	}
	return &internalHandle{page: page, node: node}, nil
}

func (t *BPlusTree) newLeaf(parent storage.PageID) (*leafHandle, error) {
	page, err := t.bpm.NewPage()
	if err != nil {
		return nil, err
	}
	leaf := storage.NewLeafPage(page.ID(), parent, t.leafMaxSize)
	h := &leafHandle{page: page, leaf: leaf}
	h.save()
	return h, nil
}

func (t *BPlusTree) newInternal(parent storage.PageID) (*internalHandle, error) {
	page, err := t.bpm.NewPage()
	if err != nil {
		return nil, err
	}
	node := storage.NewInternalPage(page.ID(), parent, t.internalMaxSize)
	h := &internalHandle{page: page, node: node}
	h.save()
	return h, nil
}

// reparent updates a child page's ParentPageID in place, fetching and
// write-latching it fresh (the child is not currently held by the
// caller's own crabbing chain — it moved between two pages that
// already were).
func (t *BPlusTree) reparent(childID, newParent storage.PageID) error {
	page, err := t.bpm.FetchPage(childID)
	if err != nil {
		return err
	}
	page.WLatch()
	switch storage.PeekPageType(page.Data()) {
	case storage.PageTypeLeaf:
		leaf, err := storage.DecodeLeafPage(page.Data())
		if err != nil {
			page.WUnlatch()
			_ = t.bpm.UnpinPage(childID, false)
			return err
		}
		leaf.ParentPageID = newParent
		page.SetData(storage.EncodeLeafPage(leaf))
	case storage.PageTypeInternal:
		node, err := storage.DecodeInternalPage(page.Data())
		if err != nil {
			page.WUnlatch()
			_ = t.bpm.UnpinPage(childID, false)
			return err
		}
		node.ParentPageID = newParent
		page.SetData(storage.EncodeInternalPage(node))
	}
	page.MarkDirty()
	page.WUnlatch()
	return t.bpm.UnpinPage(childID, true)
}

// GetValue looks up key via read-latch crabbing: the root-id guard is
// released as soon as the root page itself is read-latched, and each
// ancestor's read latch is released as soon as its chosen child is
// latched (spec.md §4.3's search path never needs more than two page
// latches held at once).
func (t *BPlusTree) GetValue(key Key) (Value, bool, error) {
	t.rootGuard.RLock()
	rootID := t.rootPageID
	if rootID == storage.InvalidPageID {
		t.rootGuard.RUnlock()
		return Value{}, false, nil
	}
	cur, err := t.bpm.FetchPage(rootID)
	if err != nil {
		t.rootGuard.RUnlock()
		return Value{}, false, err
	}
	cur.RLatch()
	t.rootGuard.RUnlock()

	for {
		if storage.PeekPageType(cur.Data()) == storage.PageTypeLeaf {
			leaf, err := storage.DecodeLeafPage(cur.Data())
			if err != nil {
				cur.RUnlatch()
				_ = t.bpm.UnpinPage(cur.ID(), false)
				return Value{}, false, err
			}
			val, found := leaf.Lookup(key)
			cur.RUnlatch()
			_ = t.bpm.UnpinPage(cur.ID(), false)
			return val, found, nil
		}

		node, err := storage.DecodeInternalPage(cur.Data())
		if err != nil {
			cur.RUnlatch()
			_ = t.bpm.UnpinPage(cur.ID(), false)
			return Value{}, false, err
		}
		childID := node.ChildAt(node.Lookup(key))
		child, err := t.bpm.FetchPage(childID)
		if err != nil {
			cur.RUnlatch()
			_ = t.bpm.UnpinPage(cur.ID(), false)
			return Value{}, false, err
		}
		child.RLatch()
		cur.RUnlatch()
		_ = t.bpm.UnpinPage(cur.ID(), false)
		cur = child
	}
}

// isSafeForInsert reports whether a page can absorb one more entry
// without splitting (a leaf splits on reaching leafMaxSize; an internal
// page only when it is already at internalMaxSize and must take one
// more) — the pessimistic-but-cheap predicate
// spec.md §5 uses to decide when a write-side descent can release its
// ancestors early.
func isSafeForInsert(page *storage.Page, leafMaxSize, internalMaxSize int32) (bool, error) {
	switch storage.PeekPageType(page.Data()) {
	case storage.PageTypeLeaf:
		leaf, err := storage.DecodeLeafPage(page.Data())
		if err != nil {
			return false, err
		}
		return leaf.Size < leafMaxSize-1, nil
	case storage.PageTypeInternal:
		node, err := storage.DecodeInternalPage(page.Data())
		if err != nil {
			return false, err
		}
		return node.Size < internalMaxSize, nil
	default:
		return false, &AssertionError{Op: "isSafeForInsert", Reason: "page has no recognizable type"}
	}
}

// isSafeForDelete reports whether a page can lose one entry without
// dropping below its minimum occupancy.
func isSafeForDelete(page *storage.Page, leafMaxSize, internalMaxSize int32) (bool, error) {
	switch storage.PeekPageType(page.Data()) {
	case storage.PageTypeLeaf:
		leaf, err := storage.DecodeLeafPage(page.Data())
		if err != nil {
			return false, err
		}
		return int(leaf.Size) > minLeafSize(leafMaxSize), nil
	case storage.PageTypeInternal:
		node, err := storage.DecodeInternalPage(page.Data())
		if err != nil {
			return false, err
		}
		return int(node.Size) > minInternalSize(internalMaxSize), nil
	default:
		return false, &AssertionError{Op: "isSafeForDelete", Reason: "page has no recognizable type"}
	}
}

// drainTracker releases every entry still held by tracker, oldest
// first (root-ward first), per spec.md §9's FIFO release order.
func (t *BPlusTree) drainTracker(tracker *storage.OperationTracker) error {
	var firstErr error
	for {
		held, ok := tracker.PopOldest()
		if !ok {
			return firstErr
		}
		if held.IsSentinel {
			t.rootGuard.Unlock()
			continue
		}
		held.Page.WUnlatch()
		if err := t.bpm.UnpinPage(held.Page.ID(), false); err != nil && firstErr == nil {
			firstErr = err
		}
	}
}

// drainExceptNewest releases every entry except the most recently
// pushed one — the early-release step of spec.md §5: once a freshly
// latched child is found safe, nothing above it can possibly need to
// change, so every ancestor (and the root-id guard, if reached) can be
// let go immediately.
func (t *BPlusTree) drainExceptNewest(tracker *storage.OperationTracker) error {
	var firstErr error
	for tracker.Len() > 1 {
		held, ok := tracker.PopOldest()
		if !ok {
			break
		}
		if held.IsSentinel {
			t.rootGuard.Unlock()
			continue
		}
		held.Page.WUnlatch()
		if err := t.bpm.UnpinPage(held.Page.ID(), false); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (t *BPlusTree) purgeDeletions(tracker *storage.OperationTracker) {
	for _, id := range tracker.DeletionIDs() {
		_ = t.bpm.DeletePage(id)
	}
}
