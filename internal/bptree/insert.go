// Copyright (C) 2022  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package bptree

import (
	"github.com/latchtree/latchtree/internal/storage"
)

// descendForInsert write-latch-crabs from the root to the leaf that
// should hold key, pushing every visited page onto tracker and
// draining ancestors the instant a visited page is provably safe
// (spec.md §5). The returned leaf is still write-latched, pinned, and
// present as tracker's newest entry.
func (t *BPlusTree) descendForInsert(key Key, tracker *storage.OperationTracker) (*leafHandle, error) {
	rootID := t.rootPageID
	page, err := t.bpm.FetchPage(rootID)
	if err != nil {
		return nil, err
	}
	page.WLatch()
	tracker.PushPage(page)
	if safe, err := isSafeForInsert(page, t.leafMaxSize, t.internalMaxSize); err != nil {
		return nil, err
	} else if safe {
		if err := t.drainExceptNewest(tracker); err != nil {
			return nil, err
		}
	}

	cur := page
	for {
		if storage.PeekPageType(cur.Data()) == storage.PageTypeLeaf {
			leaf, err := storage.DecodeLeafPage(cur.Data())
			if err != nil {
				return nil, err
			}
			return &leafHandle{page: cur, leaf: leaf}, nil
		}

		node, err := storage.DecodeInternalPage(cur.Data())
		if err != nil {
			return nil, err
		}
		childID := node.ChildAt(node.Lookup(key))
		child, err := t.bpm.FetchPage(childID)
		if err != nil {
			return nil, err
		}
		child.WLatch()
		tracker.PushPage(child)
		if safe, err := isSafeForInsert(child, t.leafMaxSize, t.internalMaxSize); err != nil {
			return nil, err
		} else if safe {
			if err := t.drainExceptNewest(tracker); err != nil {
				return nil, err
			}
		}
		cur = child
	}
}

// Insert adds (key, value), reporting false without modifying the
// tree if key is already present.
func (t *BPlusTree) Insert(key Key, value Value) (bool, error) {
	t.rootGuard.Lock()
	tracker := storage.NewOperationTracker()
	tracker.PushSentinel()

	if t.rootPageID == storage.InvalidPageID {
		leafH, err := t.newLeaf(storage.InvalidPageID)
		if err != nil {
			t.rootGuard.Unlock()
			return false, err
		}
		leafH.leaf.Insert(key, value)
		leafH.save()
		if err := t.updateHeaderRoot(leafH.page.ID()); err != nil {
			_ = t.bpm.UnpinPage(leafH.page.ID(), true)
			t.rootGuard.Unlock()
			return false, err
		}
		if err := t.bpm.UnpinPage(leafH.page.ID(), true); err != nil {
			t.rootGuard.Unlock()
			return false, err
		}
		t.rootGuard.Unlock()
		return true, nil
	}

	leafH, err := t.descendForInsert(key, tracker)
	if err != nil {
		_ = t.drainTracker(tracker)
		return false, err
	}

	if _, found := leafH.leaf.Lookup(key); found {
		held, _ := tracker.PopNewest()
		held.Page.WUnlatch()
		_ = t.bpm.UnpinPage(held.Page.ID(), false)
		_ = t.drainTracker(tracker)
		return false, nil
	}

	leafH.leaf.Insert(key, value)

	if leafH.leaf.Size < t.leafMaxSize {
		leafH.save()
		held, _ := tracker.PopNewest()
		held.Page.WUnlatch()
		err := t.bpm.UnpinPage(held.Page.ID(), true)
		if drainErr := t.drainTracker(tracker); err == nil {
			err = drainErr
		}
		return true, err
	}

	// Leaf overflowed: split it and propagate the new separator up.
	leafPageID := leafH.page.ID()
	leafWasRoot := leafH.leaf.ParentPageID == storage.InvalidPageID
	held, _ := tracker.PopNewest()

	siblingH, err := t.newLeaf(leafH.leaf.ParentPageID)
	if err != nil {
		held.Page.WUnlatch()
		_ = t.bpm.UnpinPage(leafPageID, false)
		_ = t.drainTracker(tracker)
		return false, err
	}

	splitPoint := int(leafH.leaf.Size) / 2
	siblingH.leaf.Keys = append([]Key{}, leafH.leaf.Keys[splitPoint:]...)
	siblingH.leaf.Values = append([]Value{}, leafH.leaf.Values[splitPoint:]...)
	siblingH.leaf.Size = int32(len(siblingH.leaf.Keys))
	leafH.leaf.Keys = leafH.leaf.Keys[:splitPoint]
	leafH.leaf.Values = leafH.leaf.Values[:splitPoint]
	leafH.leaf.Size = int32(splitPoint)

	siblingH.leaf.NextPageID = leafH.leaf.NextPageID
	leafH.leaf.NextPageID = siblingH.page.ID()
	promotedKey := siblingH.leaf.Keys[0]

	leafH.save()
	siblingH.save()

	held.Page.WUnlatch()
	err = t.bpm.UnpinPage(leafPageID, true)
	if unpinErr := t.bpm.UnpinPage(siblingH.page.ID(), true); err == nil {
		err = unpinErr
	}
	if err != nil {
		_ = t.drainTracker(tracker)
		return false, err
	}

	if err := t.insertIntoParent(leafPageID, leafWasRoot, promotedKey, siblingH.page.ID(), tracker); err != nil {
		return false, err
	}
	return true, nil
}

// insertIntoParent attaches (promotedKey, newChild) as oldChild's new
// right sibling in oldChild's parent, splitting the parent (and
// recursing) if it's full, or creating a new root if oldChild had none
// (spec.md §5 "InsertIntoParent"). Both oldChild and newChild are
// already saved and unpinned by the caller; this function is
// responsible for draining whatever of tracker remains.
func (t *BPlusTree) insertIntoParent(oldChild storage.PageID, oldChildWasRoot bool, promotedKey Key, newChild storage.PageID, tracker *storage.OperationTracker) error {
	if oldChildWasRoot {
		rootH, err := t.newInternal(storage.InvalidPageID)
		if err != nil {
			_ = t.drainTracker(tracker)
			return err
		}
		rootH.node.Keys = append(rootH.node.Keys, promotedKey)
		rootH.node.Children = append(rootH.node.Children, newChild)
		rootH.node.Children[0] = oldChild
		rootH.node.Size = 2
		rootH.save()
		rootID := rootH.page.ID()
		if err := t.bpm.UnpinPage(rootID, true); err != nil {
			_ = t.drainTracker(tracker)
			return err
		}

		if err := t.reparent(oldChild, rootID); err != nil {
			_ = t.drainTracker(tracker)
			return err
		}
		if err := t.reparent(newChild, rootID); err != nil {
			_ = t.drainTracker(tracker)
			return err
		}
		if err := t.updateHeaderRoot(rootID); err != nil {
			_ = t.drainTracker(tracker)
			return err
		}
		return t.drainTracker(tracker)
	}

	parentHeld, ok := tracker.PopNewest()
	if !ok || parentHeld.IsSentinel {
		return &AssertionError{Op: "insertIntoParent", Reason: "non-root child has no parent in the operation tracker"}
	}
	parentPage := parentHeld.Page
	parentNode, err := storage.DecodeInternalPage(parentPage.Data())
	if err != nil {
		_ = t.drainTracker(tracker)
		return err
	}

	idx := parentNode.ValueIndex(oldChild)
	if idx < 0 {
		_ = t.drainTracker(tracker)
		return &AssertionError{Op: "insertIntoParent", Reason: "old child not found in parent"}
	}
	parentWasRoot := parentNode.ParentPageID == storage.InvalidPageID

	if parentNode.Size < t.internalMaxSize {
		parentNode.InsertAt(idx+1, promotedKey, newChild)
		parentHandle := &internalHandle{page: parentPage, node: parentNode}
		parentHandle.save()
		parentPage.WUnlatch()
		err := t.bpm.UnpinPage(parentPage.ID(), true)
		if drainErr := t.drainTracker(tracker); err == nil {
			err = drainErr
		}
		return err
	}

	// Parent is full: split it via an oversize temporary image and
	// promote the median key up another level.
	grandPromoted, siblingID, err := t.splitInternal(parentNode, idx+1, promotedKey, newChild)
	if err != nil {
		parentPage.WUnlatch()
		_ = t.bpm.UnpinPage(parentPage.ID(), false)
		_ = t.drainTracker(tracker)
		return err
	}
	parentHandle := &internalHandle{page: parentPage, node: parentNode}
	parentHandle.save()
	parentID := parentPage.ID()
	parentPage.WUnlatch()
	if err := t.bpm.UnpinPage(parentID, true); err != nil {
		_ = t.drainTracker(tracker)
		return err
	}

	return t.insertIntoParent(parentID, parentWasRoot, grandPromoted, siblingID, tracker)
}

// splitInternal builds the oversize (I+1)-entry image of node with
// (key, child) inserted at atIndex, then splits it: node keeps the
// first min_size entries, a fresh sibling page gets the rest, and the
// entry between them is returned as the key to promote — it lives in
// neither child afterward (spec.md §5 "build an oversize temporary
// internal image ... split ... the first key of the sibling is the
// key promoted upward" generalised to the classic "median leaves
// both children" internal-split rule).
func (t *BPlusTree) splitInternal(node *storage.InternalPage, atIndex int, key Key, child storage.PageID) (Key, storage.PageID, error) {
	n := len(node.Children)
	tmpKeys := make([]Key, n+1)
	tmpChildren := make([]storage.PageID, n+1)
	copy(tmpKeys, node.Keys[:atIndex])
	copy(tmpChildren, node.Children[:atIndex])
	tmpKeys[atIndex] = key
	tmpChildren[atIndex] = child
	copy(tmpKeys[atIndex+1:], node.Keys[atIndex:])
	copy(tmpChildren[atIndex+1:], node.Children[atIndex:])

	splitAt := minInternalSize(t.internalMaxSize)
	promoted := tmpKeys[splitAt]

	node.Keys = append([]Key{}, tmpKeys[:splitAt]...)
	node.Children = append([]storage.PageID{}, tmpChildren[:splitAt]...)
	node.Size = int32(splitAt)

	siblingH, err := t.newInternal(node.ParentPageID)
	if err != nil {
		return 0, storage.InvalidPageID, err
	}
	newChildren := append([]storage.PageID{}, tmpChildren[splitAt:]...)
	newKeys := make([]Key, len(newChildren))
	copy(newKeys[1:], tmpKeys[splitAt+1:])
	siblingH.node.Keys = newKeys
	siblingH.node.Children = newChildren
	siblingH.node.Size = int32(len(newChildren))
	siblingH.save()
	siblingID := siblingH.page.ID()
	if err := t.bpm.UnpinPage(siblingID, true); err != nil {
		return 0, storage.InvalidPageID, err
	}

	for _, childID := range newChildren {
		if err := t.reparent(childID, siblingID); err != nil {
			return 0, storage.InvalidPageID, err
		}
	}

	return promoted, siblingID, nil
}
