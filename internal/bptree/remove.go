// Copyright (C) 2022  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package bptree

import (
	"github.com/latchtree/latchtree/internal/storage"
)

// descendForDelete mirrors descendForInsert, but releases ancestors
// early using the delete-side safety predicate (spec.md §5/§9, Open
// Question resolved as "size > min_size" rather than a fixed
// constant).
func (t *BPlusTree) descendForDelete(key Key, tracker *storage.OperationTracker) (*leafHandle, error) {
	rootID := t.rootPageID
	page, err := t.bpm.FetchPage(rootID)
	if err != nil {
		return nil, err
	}
	page.WLatch()
	tracker.PushPage(page)
	if safe, err := isSafeForDelete(page, t.leafMaxSize, t.internalMaxSize); err != nil {
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
		if safe, err := isSafeForDelete(child, t.leafMaxSize, t.internalMaxSize); err != nil {
			return nil, err
		} else if safe {
			if err := t.drainExceptNewest(tracker); err != nil {
				return nil, err
			}
		}
		cur = child
	}
}

// Remove deletes key, reporting false if it wasn't present.
func (t *BPlusTree) Remove(key Key) (bool, error) {
	t.rootGuard.Lock()
	tracker := storage.NewOperationTracker()
	tracker.PushSentinel()

	if t.rootPageID == storage.InvalidPageID {
		t.rootGuard.Unlock()
		return false, nil
	}

	leafH, err := t.descendForDelete(key, tracker)
	if err != nil {
		_ = t.drainTracker(tracker)
		return false, err
	}

	if !leafH.leaf.RemoveAndDeleteRecord(key) {
		held, _ := tracker.PopNewest()
		held.Page.WUnlatch()
		_ = t.bpm.UnpinPage(held.Page.ID(), false)
		_ = t.drainTracker(tracker)
		return false, nil
	}
	leafH.save()

	if err := t.coalesceOrRedistribute(tracker); err != nil {
		return false, err
	}
	t.purgeDeletions(tracker)
	return true, nil
}

// coalesceOrRedistribute expects tracker's newest entry to be the page
// that just lost an entry (and so may now be underflowing). It handles
// the root case, the "still within bounds" case, and otherwise borrows
// from or merges with a sibling, recursing on the parent if a merge
// removed one of the parent's own entries (spec.md §5
// "CoalesceOrRedistribute").
func (t *BPlusTree) coalesceOrRedistribute(tracker *storage.OperationTracker) error {
	held, ok := tracker.PopNewest()
	if !ok || held.IsSentinel {
		return &AssertionError{Op: "coalesceOrRedistribute", Reason: "tracker has no page to operate on"}
	}
	page := held.Page

	switch storage.PeekPageType(page.Data()) {
	case storage.PageTypeLeaf:
		leaf, err := storage.DecodeLeafPage(page.Data())
		if err != nil {
			_ = t.drainTracker(tracker)
			return err
		}
		return t.coalesceOrRedistributeLeaf(page, leaf, tracker)
	case storage.PageTypeInternal:
		node, err := storage.DecodeInternalPage(page.Data())
		if err != nil {
			_ = t.drainTracker(tracker)
			return err
		}
		return t.coalesceOrRedistributeInternal(page, node, tracker)
	default:
		_ = t.drainTracker(tracker)
		return &AssertionError{Op: "coalesceOrRedistribute", Reason: "page has no recognizable type"}
	}
}

func (t *BPlusTree) releasePage(page *storage.Page, dirty bool) error {
	page.WUnlatch()
	return t.bpm.UnpinPage(page.ID(), dirty)
}

func (t *BPlusTree) coalesceOrRedistributeLeaf(page *storage.Page, leaf *storage.LeafPage, tracker *storage.OperationTracker) error {
	if leaf.ParentPageID == storage.InvalidPageID {
		if leaf.Size == 0 {
			if err := t.updateHeaderRoot(storage.InvalidPageID); err != nil {
				_ = t.releasePage(page, false)
				_ = t.drainTracker(tracker)
				return err
			}
			tracker.MarkForDeletion(page.ID())
		}
		err := t.releasePage(page, false)
		if drainErr := t.drainTracker(tracker); err == nil {
			err = drainErr
		}
		return err
	}

	minSize := minLeafSize(leaf.MaxSize)
	if int(leaf.Size) >= minSize {
		err := t.releasePage(page, false)
		if drainErr := t.drainTracker(tracker); err == nil {
			err = drainErr
		}
		return err
	}

	parentHeld, ok := tracker.PopNewest()
	if !ok || parentHeld.IsSentinel {
		_ = t.releasePage(page, false)
		return &AssertionError{Op: "coalesceOrRedistributeLeaf", Reason: "underflowing non-root leaf has no parent"}
	}
	parentPage := parentHeld.Page
	parentNode, err := storage.DecodeInternalPage(parentPage.Data())
	if err != nil {
		_ = t.releasePage(page, false)
		_ = t.drainTracker(tracker)
		return err
	}
	idx := parentNode.ValueIndex(page.ID())
	if idx < 0 {
		_ = t.releasePage(page, false)
		_ = t.releasePage(parentPage, false)
		_ = t.drainTracker(tracker)
		return &AssertionError{Op: "coalesceOrRedistributeLeaf", Reason: "leaf not found in parent"}
	}

	if idx > 0 {
		siblingID := parentNode.ChildAt(idx - 1)
		siblingPage, err := t.bpm.FetchPage(siblingID)
		if err != nil {
			_ = t.releasePage(page, false)
			_ = t.releasePage(parentPage, false)
			_ = t.drainTracker(tracker)
			return err
		}
		siblingPage.WLatch()
		sibling, err := storage.DecodeLeafPage(siblingPage.Data())
		if err != nil {
			_ = t.releasePage(siblingPage, false)
			_ = t.releasePage(page, false)
			_ = t.releasePage(parentPage, false)
			_ = t.drainTracker(tracker)
			return err
		}

		if int(sibling.Size) > minSize {
			last := int(sibling.Size) - 1
			k, v := sibling.Keys[last], sibling.Values[last]
			sibling.Keys = sibling.Keys[:last]
			sibling.Values = sibling.Values[:last]
			sibling.Size--
			leaf.Keys = append([]Key{k}, leaf.Keys...)
			leaf.Values = append([]Value{v}, leaf.Values...)
			leaf.Size++
			parentNode.SetKeyAt(idx, leaf.Keys[0])

			siblingPage.SetData(storage.EncodeLeafPage(sibling))
			siblingPage.MarkDirty()
			page.SetData(storage.EncodeLeafPage(leaf))
			page.MarkDirty()
			parentPage.SetData(storage.EncodeInternalPage(parentNode))
			parentPage.MarkDirty()

			err = t.releasePage(siblingPage, true)
			if e := t.releasePage(page, true); err == nil {
				err = e
			}
			if e := t.releasePage(parentPage, true); err == nil {
				err = e
			}
			if e := t.drainTracker(tracker); err == nil {
				err = e
			}
			return err
		}

		// Coalesce: merge leaf into its left sibling.
		sibling.Keys = append(sibling.Keys, leaf.Keys...)
		sibling.Values = append(sibling.Values, leaf.Values...)
		sibling.Size += leaf.Size
		sibling.NextPageID = leaf.NextPageID
		siblingPage.SetData(storage.EncodeLeafPage(sibling))
		siblingPage.MarkDirty()
		parentNode.RemoveAt(idx)
		parentPage.SetData(storage.EncodeInternalPage(parentNode))
		parentPage.MarkDirty()
		tracker.MarkForDeletion(page.ID())

		err = t.releasePage(siblingPage, true)
		if e := t.releasePage(page, true); err == nil {
			err = e
		}
		if err != nil {
			_ = t.drainTracker(tracker)
			return err
		}
		tracker.PushPage(parentPage)
		return t.coalesceOrRedistribute(tracker)
	}

	// No left sibling: use the right one.
	siblingID := parentNode.ChildAt(idx + 1)
	siblingPage, err := t.bpm.FetchPage(siblingID)
	if err != nil {
		_ = t.releasePage(page, false)
		_ = t.releasePage(parentPage, false)
		_ = t.drainTracker(tracker)
		return err
	}
	siblingPage.WLatch()
	sibling, err := storage.DecodeLeafPage(siblingPage.Data())
	if err != nil {
		_ = t.releasePage(siblingPage, false)
		_ = t.releasePage(page, false)
		_ = t.releasePage(parentPage, false)
		_ = t.drainTracker(tracker)
		return err
	}

	if int(sibling.Size) > minSize {
		k, v := sibling.Keys[0], sibling.Values[0]
		sibling.Keys = sibling.Keys[1:]
		sibling.Values = sibling.Values[1:]
		sibling.Size--
		leaf.Keys = append(leaf.Keys, k)
		leaf.Values = append(leaf.Values, v)
		leaf.Size++
		parentNode.SetKeyAt(idx+1, sibling.Keys[0])

		siblingPage.SetData(storage.EncodeLeafPage(sibling))
		siblingPage.MarkDirty()
		page.SetData(storage.EncodeLeafPage(leaf))
		page.MarkDirty()
		parentPage.SetData(storage.EncodeInternalPage(parentNode))
		parentPage.MarkDirty()

		err = t.releasePage(siblingPage, true)
		if e := t.releasePage(page, true); err == nil {
			err = e
		}
		if e := t.releasePage(parentPage, true); err == nil {
			err = e
		}
		if e := t.drainTracker(tracker); err == nil {
			err = e
		}
		return err
	}

	// Coalesce: merge the right sibling into leaf.
	leaf.Keys = append(leaf.Keys, sibling.Keys...)
	leaf.Values = append(leaf.Values, sibling.Values...)
	leaf.Size += sibling.Size
	leaf.NextPageID = sibling.NextPageID
	page.SetData(storage.EncodeLeafPage(leaf))
	page.MarkDirty()
	parentNode.RemoveAt(idx + 1)
	parentPage.SetData(storage.EncodeInternalPage(parentNode))
	parentPage.MarkDirty()
	tracker.MarkForDeletion(siblingPage.ID())

	err = t.releasePage(page, true)
	if e := t.releasePage(siblingPage, true); err == nil {
		err = e
	}
	if err != nil {
		_ = t.drainTracker(tracker)
		return err
	}
	tracker.PushPage(parentPage)
	return t.coalesceOrRedistribute(tracker)
}

func (t *BPlusTree) coalesceOrRedistributeInternal(page *storage.Page, node *storage.InternalPage, tracker *storage.OperationTracker) error {
	if node.ParentPageID == storage.InvalidPageID {
		if node.Size == 1 {
			onlyChild := node.Children[0]
			if err := t.reparent(onlyChild, storage.InvalidPageID); err != nil {
				_ = t.releasePage(page, false)
				_ = t.drainTracker(tracker)
				return err
			}
			if err := t.updateHeaderRoot(onlyChild); err != nil {
				_ = t.releasePage(page, false)
				_ = t.drainTracker(tracker)
				return err
			}
			tracker.MarkForDeletion(page.ID())
		}
		err := t.releasePage(page, false)
		if drainErr := t.drainTracker(tracker); err == nil {
			err = drainErr
		}
		return err
	}

	minSize := minInternalSize(node.MaxSize)
	if int(node.Size) >= minSize {
		err := t.releasePage(page, false)
		if drainErr := t.drainTracker(tracker); err == nil {
			err = drainErr
		}
		return err
	}

	parentHeld, ok := tracker.PopNewest()
	if !ok || parentHeld.IsSentinel {
		_ = t.releasePage(page, false)
		return &AssertionError{Op: "coalesceOrRedistributeInternal", Reason: "underflowing non-root internal page has no parent"}
	}
	parentPage := parentHeld.Page
	parentNode, err := storage.DecodeInternalPage(parentPage.Data())
	if err != nil {
		_ = t.releasePage(page, false)
		_ = t.drainTracker(tracker)
		return err
	}
	idx := parentNode.ValueIndex(page.ID())
	if idx < 0 {
		_ = t.releasePage(page, false)
		_ = t.releasePage(parentPage, false)
		_ = t.drainTracker(tracker)
		return &AssertionError{Op: "coalesceOrRedistributeInternal", Reason: "node not found in parent"}
	}

	if idx > 0 {
		siblingID := parentNode.ChildAt(idx - 1)
		siblingPage, err := t.bpm.FetchPage(siblingID)
		if err != nil {
			_ = t.releasePage(page, false)
			_ = t.releasePage(parentPage, false)
			_ = t.drainTracker(tracker)
			return err
		}
		siblingPage.WLatch()
		sibling, err := storage.DecodeInternalPage(siblingPage.Data())
		if err != nil {
			_ = t.releasePage(siblingPage, false)
			_ = t.releasePage(page, false)
			_ = t.releasePage(parentPage, false)
			_ = t.drainTracker(tracker)
			return err
		}

		if int(sibling.Size) > minSize {
			last := len(sibling.Children) - 1
			movedChild := sibling.Children[last]
			separator := parentNode.KeyAt(idx)
			newSeparator := sibling.Keys[last]
			sibling.Children = sibling.Children[:last]
			sibling.Keys = sibling.Keys[:last]
			sibling.Size--

			node.InsertAt(0, 0, movedChild)
			node.SetKeyAt(1, separator)
			parentNode.SetKeyAt(idx, newSeparator)

			siblingPage.SetData(storage.EncodeInternalPage(sibling))
			siblingPage.MarkDirty()
			page.SetData(storage.EncodeInternalPage(node))
			page.MarkDirty()
			parentPage.SetData(storage.EncodeInternalPage(parentNode))
			parentPage.MarkDirty()

			if err := t.reparent(movedChild, page.ID()); err != nil {
				_ = t.releasePage(siblingPage, true)
				_ = t.releasePage(page, true)
				_ = t.releasePage(parentPage, true)
				_ = t.drainTracker(tracker)
				return err
			}

			err = t.releasePage(siblingPage, true)
			if e := t.releasePage(page, true); err == nil {
				err = e
			}
			if e := t.releasePage(parentPage, true); err == nil {
				err = e
			}
			if e := t.drainTracker(tracker); err == nil {
				err = e
			}
			return err
		}

		// Coalesce: merge node into its left sibling, pulling the
		// parent's separator down as the key for node's former
		// child_0 (previously unused).
		separator := parentNode.KeyAt(idx)
		sibling.Keys = append(sibling.Keys, separator)
		sibling.Children = append(sibling.Children, node.Children[0])
		sibling.Keys = append(sibling.Keys, node.Keys[1:]...)
		sibling.Children = append(sibling.Children, node.Children[1:]...)
		sibling.Size = int32(len(sibling.Children))
		siblingID2 := siblingPage.ID()
		movedChildren := append([]storage.PageID{}, node.Children...)

		siblingPage.SetData(storage.EncodeInternalPage(sibling))
		siblingPage.MarkDirty()
		parentNode.RemoveAt(idx)
		parentPage.SetData(storage.EncodeInternalPage(parentNode))
		parentPage.MarkDirty()
		tracker.MarkForDeletion(page.ID())

		err = t.releasePage(siblingPage, true)
		if e := t.releasePage(page, true); err == nil {
			err = e
		}
		if err != nil {
			_ = t.drainTracker(tracker)
			return err
		}
		for _, childID := range movedChildren {
			if err := t.reparent(childID, siblingID2); err != nil {
				_ = t.drainTracker(tracker)
				return err
			}
		}
		tracker.PushPage(parentPage)
		return t.coalesceOrRedistribute(tracker)
	}

	// No left sibling: use the right one.
	siblingID := parentNode.ChildAt(idx + 1)
	siblingPage, err := t.bpm.FetchPage(siblingID)
	if err != nil {
		_ = t.releasePage(page, false)
		_ = t.releasePage(parentPage, false)
		_ = t.drainTracker(tracker)
		return err
	}
	siblingPage.WLatch()
	sibling, err := storage.DecodeInternalPage(siblingPage.Data())
	if err != nil {
		_ = t.releasePage(siblingPage, false)
		_ = t.releasePage(page, false)
		_ = t.releasePage(parentPage, false)
		_ = t.drainTracker(tracker)
		return err
	}

	if int(sibling.Size) > minSize {
		movedChild := sibling.Children[0]
		separator := parentNode.KeyAt(idx + 1)
		newSeparator := sibling.Keys[1]
		sibling.Children = sibling.Children[1:]
		newSiblingKeys := make([]Key, len(sibling.Keys)-1)
		copy(newSiblingKeys[1:], sibling.Keys[2:])
		sibling.Keys = newSiblingKeys
		sibling.Size--

		node.Keys = append(node.Keys, separator)
		node.Children = append(node.Children, movedChild)
		node.Size++
		parentNode.SetKeyAt(idx+1, newSeparator)

		siblingPage.SetData(storage.EncodeInternalPage(sibling))
		siblingPage.MarkDirty()
		page.SetData(storage.EncodeInternalPage(node))
		page.MarkDirty()
		parentPage.SetData(storage.EncodeInternalPage(parentNode))
		parentPage.MarkDirty()

		if err := t.reparent(movedChild, page.ID()); err != nil {
			_ = t.releasePage(siblingPage, true)
			_ = t.releasePage(page, true)
			_ = t.releasePage(parentPage, true)
			_ = t.drainTracker(tracker)
			return err
		}

		err = t.releasePage(siblingPage, true)
		if e := t.releasePage(page, true); err == nil {
			err = e
		}
		if e := t.releasePage(parentPage, true); err == nil {
			err = e
		}
		if e := t.drainTracker(tracker); err == nil {
			err = e
		}
		return err
	}

	// Coalesce: merge the right sibling into node.
	separator := parentNode.KeyAt(idx + 1)
	node.Keys = append(node.Keys, separator)
	node.Children = append(node.Children, sibling.Children[0])
	node.Keys = append(node.Keys, sibling.Keys[1:]...)
	node.Children = append(node.Children, sibling.Children[1:]...)
	node.Size = int32(len(node.Children))
	movedChildren := append([]storage.PageID{}, sibling.Children...)
	pageID := page.ID()

	page.SetData(storage.EncodeInternalPage(node))
	page.MarkDirty()
	parentNode.RemoveAt(idx + 1)
	parentPage.SetData(storage.EncodeInternalPage(parentNode))
	parentPage.MarkDirty()
	tracker.MarkForDeletion(siblingPage.ID())

	err = t.releasePage(page, true)
	if e := t.releasePage(siblingPage, true); err == nil {
		err = e
	}
	if err != nil {
		_ = t.drainTracker(tracker)
		return err
	}
	for _, childID := range movedChildren {
		if err := t.reparent(childID, pageID); err != nil {
			_ = t.drainTracker(tracker)
			return err
		}
	}
	tracker.PushPage(parentPage)
	return t.coalesceOrRedistribute(tracker)
}
