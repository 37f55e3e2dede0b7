// Copyright (C) 2022  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package bptree

import (
	"fmt"

	"github.com/latchtree/latchtree/internal/storage"
)

// Iterator walks a tree's leaves in ascending key order. Per spec.md
// §9's Open Question resolution, it holds no page latch between
// method calls: Next re-acquires a read latch on whatever leaf it
// needs, reads what it needs, and releases it before returning. That
// makes an iterator safe to hold across arbitrarily long gaps, at the
// cost of a fetch-and-decode on every step; it does not promise a
// stable read against concurrent writers, only that it never crashes
// or deadlocks against them.
type Iterator struct {
	tree   *BPlusTree
	leafID storage.PageID
	index  int
	valid  bool
	key    Key
	value  Value
}

// Begin returns an iterator positioned at the tree's smallest key.
func (t *BPlusTree) Begin() (*Iterator, error) {
	t.rootGuard.RLock()
	rootID := t.rootPageID
	t.rootGuard.RUnlock()
	if rootID == storage.InvalidPageID {
		return &Iterator{tree: t, leafID: storage.InvalidPageID}, nil
	}
	leafID, err := t.descendLeftmost(rootID)
	if err != nil {
		return nil, err
	}
	it := &Iterator{tree: t, leafID: leafID}
	return it, it.load()
}

// BeginAt returns an iterator positioned at the first key >= key.
func (t *BPlusTree) BeginAt(key Key) (*Iterator, error) {
	t.rootGuard.RLock()
	rootID := t.rootPageID
	t.rootGuard.RUnlock()
	if rootID == storage.InvalidPageID {
		return &Iterator{tree: t, leafID: storage.InvalidPageID}, nil
	}
	leafID, index, err := t.descendFor(rootID, key)
	if err != nil {
		return nil, err
	}
	it := &Iterator{tree: t, leafID: leafID, index: index}
	return it, it.load()
}

func (t *BPlusTree) descendLeftmost(id storage.PageID) (storage.PageID, error) {
	for {
		page, err := t.bpm.FetchPage(id)
		if err != nil {
			return storage.InvalidPageID, err
		}
		page.RLatch()
		typ := storage.PeekPageType(page.Data())
		if typ == storage.PageTypeLeaf {
			page.RUnlatch()
			_ = t.bpm.UnpinPage(id, false)
			return id, nil
		}
		node, err := storage.DecodeInternalPage(page.Data())
		page.RUnlatch()
		_ = t.bpm.UnpinPage(id, false)
		if err != nil {
			return storage.InvalidPageID, err
		}
		id = node.Children[0]
	}
}

func (t *BPlusTree) descendFor(id storage.PageID, key Key) (storage.PageID, int, error) {
	for {
		page, err := t.bpm.FetchPage(id)
		if err != nil {
			return storage.InvalidPageID, 0, err
		}
		page.RLatch()
		if storage.PeekPageType(page.Data()) == storage.PageTypeLeaf {
			leaf, err := storage.DecodeLeafPage(page.Data())
			page.RUnlatch()
			_ = t.bpm.UnpinPage(id, false)
			if err != nil {
				return storage.InvalidPageID, 0, err
			}
			return id, leaf.KeyIndex(key), nil
		}
		node, err := storage.DecodeInternalPage(page.Data())
		page.RUnlatch()
		_ = t.bpm.UnpinPage(id, false)
		if err != nil {
			return storage.InvalidPageID, 0, err
		}
		id = node.ChildAt(node.Lookup(key))
	}
}

func (it *Iterator) load() error {
	for {
		if it.leafID == storage.InvalidPageID {
			it.valid = false
			return nil
		}
		page, err := it.tree.bpm.FetchPage(it.leafID)
		if err != nil {
			return err
		}
		page.RLatch()
		leaf, err := storage.DecodeLeafPage(page.Data())
		if err != nil {
			page.RUnlatch()
			_ = it.tree.bpm.UnpinPage(it.leafID, false)
			return err
		}
		if it.index < int(leaf.Size) {
			it.key = leaf.Keys[it.index]
			it.value = leaf.Values[it.index]
			it.valid = true
			page.RUnlatch()
			_ = it.tree.bpm.UnpinPage(it.leafID, false)
			return nil
		}
		next := leaf.NextPageID
		page.RUnlatch()
		_ = it.tree.bpm.UnpinPage(it.leafID, false)
		it.leafID = next
		it.index = 0
	}
}

// Valid reports whether the iterator is positioned at an entry.
func (it *Iterator) Valid() bool { return it.valid }

// Key returns the current entry's key. Only valid when Valid().
func (it *Iterator) Key() Key { return it.key }

// Value returns the current entry's value. Only valid when Valid().
func (it *Iterator) Value() Value { return it.value }

// Next advances the iterator by one entry.
func (it *Iterator) Next() error {
	if !it.valid {
		return nil
	}
	it.index++
	return it.load()
}

// ScanEntry is one (key, value) pair returned by Scan.
type ScanEntry struct {
	Key   Key
	Value Value
}

// Scan collects every entry with lo <= key <= hi, walking the leaf
// chain rather than re-descending for each key.
func (t *BPlusTree) Scan(lo, hi Key) ([]ScanEntry, error) {
	it, err := t.BeginAt(lo)
	if err != nil {
		return nil, err
	}
	var out []ScanEntry
	for it.Valid() && it.Key() <= hi {
		out = append(out, ScanEntry{Key: it.Key(), Value: it.Value()})
		if err := it.Next(); err != nil {
			return out, err
		}
	}
	return out, nil
}

// Verify walks the whole tree read-latching one page at a time and
// checks the invariants spec.md §3 names: sorted keys within a page,
// size bounds honored (except at the root), parent pointers agreeing
// with the page that actually holds a child, and a leaf chain that
// visits every leaf exactly once in ascending order. It's a debugging
// aid, not something production code calls on a hot path.
func (t *BPlusTree) Verify() error {
	t.rootGuard.RLock()
	rootID := t.rootPageID
	t.rootGuard.RUnlock()
	if rootID == storage.InvalidPageID {
		return nil
	}

	var lastLeafMax *Key
	var prevLeafNext *storage.PageID
	var walk func(id storage.PageID, parent storage.PageID, isRoot bool) error
	walk = func(id storage.PageID, parent storage.PageID, isRoot bool) error {
		page, err := t.bpm.FetchPage(id)
		if err != nil {
			return err
		}
		page.RLatch()

		switch storage.PeekPageType(page.Data()) {
		case storage.PageTypeLeaf:
			leaf, err := storage.DecodeLeafPage(page.Data())
			page.RUnlatch()
			_ = t.bpm.UnpinPage(id, false)
			if err != nil {
				return err
			}
			if leaf.ParentPageID != parent {
				return &AssertionError{Op: "Verify", Reason: fmt.Sprintf("leaf %d has parent %d, expected %d", id, leaf.ParentPageID, parent)}
			}
			if prevLeafNext != nil && *prevLeafNext != id {
				return &AssertionError{Op: "Verify", Reason: fmt.Sprintf("leaf chain points at %d, expected leaf %d", *prevLeafNext, id)}
			}
			next := leaf.NextPageID
			prevLeafNext = &next
			if !isRoot && int(leaf.Size) < minLeafSize(leaf.MaxSize) {
				return &AssertionError{Op: "Verify", Reason: fmt.Sprintf("leaf %d underflows: size %d < min %d", id, leaf.Size, minLeafSize(leaf.MaxSize))}
			}
			for i := 1; i < int(leaf.Size); i++ {
				if leaf.Keys[i-1] >= leaf.Keys[i] {
					return &AssertionError{Op: "Verify", Reason: fmt.Sprintf("leaf %d keys not strictly increasing at %d", id, i)}
				}
			}
			if lastLeafMax != nil && leaf.Size > 0 && *lastLeafMax >= leaf.Keys[0] {
				return &AssertionError{Op: "Verify", Reason: fmt.Sprintf("leaf %d out of order with previous leaf", id)}
			}
			if leaf.Size > 0 {
				max := leaf.Keys[leaf.Size-1]
				lastLeafMax = &max
			}
			return nil
		case storage.PageTypeInternal:
			node, err := storage.DecodeInternalPage(page.Data())
			page.RUnlatch()
			_ = t.bpm.UnpinPage(id, false)
			if err != nil {
				return err
			}
			if node.ParentPageID != parent {
				return &AssertionError{Op: "Verify", Reason: fmt.Sprintf("internal %d has parent %d, expected %d", id, node.ParentPageID, parent)}
			}
			if !isRoot && int(node.Size) < minInternalSize(node.MaxSize) {
				return &AssertionError{Op: "Verify", Reason: fmt.Sprintf("internal %d underflows: size %d < min %d", id, node.Size, minInternalSize(node.MaxSize))}
			}
			for i := 2; i < len(node.Keys); i++ {
				if node.Keys[i-1] >= node.Keys[i] {
					return &AssertionError{Op: "Verify", Reason: fmt.Sprintf("internal %d keys not strictly increasing at %d", id, i)}
				}
			}
			for _, childID := range node.Children {
				if err := walk(childID, id, false); err != nil {
					return err
				}
			}
			return nil
		default:
			page.RUnlatch()
			_ = t.bpm.UnpinPage(id, false)
			return &AssertionError{Op: "Verify", Reason: fmt.Sprintf("page %d has no recognizable type", id)}
		}
	}

	if err := walk(rootID, storage.InvalidPageID, true); err != nil {
		return err
	}
	if prevLeafNext != nil && *prevLeafNext != storage.InvalidPageID {
		return &AssertionError{Op: "Verify", Reason: fmt.Sprintf("last leaf links to %d instead of ending the chain", *prevLeafNext)}
	}
	return nil
}
