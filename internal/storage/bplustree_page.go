// Copyright (C) 2022  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package storage

// Key is the B+Tree's key type. A plain int64 comparator, in the
// style of the corpus's own B+Tree ports (brown-csci1270, KVStore,
// LemonLoser/bplustree), rather than a templated comparator: the
// structural algorithms in internal/bptree don't care what the key
// type is, but giving pages a concrete, directly-comparable key
// keeps the codec simple and the page layout fixed-width.
type Key int64

// BPlusTreePage is the header shared by InternalPage and LeafPage
// (spec.md §3.3).
type BPlusTreePage struct {
	PageType     PageType
	PageID       PageID
	ParentPageID PageID
	Size         int32
	MaxSize      int32
}

func (h *BPlusTreePage) IsLeaf() bool {
	return h.PageType == PageTypeLeaf
}

func (h *BPlusTreePage) IsRoot() bool {
	return h.ParentPageID == InvalidPageID
}

// InternalPage holds header + Size entries (key_i, child_i); key_0 is
// conventionally unused (spec.md §3.3).
type InternalPage struct {
	BPlusTreePage
	Keys     []Key
	Children []PageID
}

func NewInternalPage(id, parent PageID, maxSize int32) *InternalPage {
	return &InternalPage{
		BPlusTreePage: BPlusTreePage{
			PageType:     PageTypeInternal,
			PageID:       id,
			ParentPageID: parent,
			Size:         0,
			MaxSize:      maxSize,
		},
		Keys:     make([]Key, 1, maxSize+1), // slot 0 unused
		Children: make([]PageID, 1, maxSize+1),
	}
}

// KeyAt/ChildAt/SetKeyAt are 1-indexed for keys (slot 0 is the
// conventional invalid slot) and 0-indexed for children, matching
// spec.md §3.3's `(key_i, child_id_i)` with `key_0` ignored.
func (p *InternalPage) KeyAt(i int) Key        { return p.Keys[i] }
func (p *InternalPage) SetKeyAt(i int, k Key)  { p.Keys[i] = k }
func (p *InternalPage) ChildAt(i int) PageID   { return p.Children[i] }
func (p *InternalPage) SetChildAt(i int, c PageID) { p.Children[i] = c }

// ValueIndex returns the slot whose child id is pid, or -1.
func (p *InternalPage) ValueIndex(pid PageID) int {
	for i, c := range p.Children {
		if c == pid {
			return i
		}
	}
	return -1
}

// Lookup returns the index of the child that key would descend into:
// the largest i such that KeyAt(i) <= key (i>=1), or 0 if key < KeyAt(1).
func (p *InternalPage) Lookup(key Key) int {
	lo, hi := 1, int(p.Size)-1
	result := 0
	for lo <= hi {
		mid := (lo + hi) / 2
		if p.Keys[mid] <= key {
			result = mid
			lo = mid + 1
		} else {
			hi = mid - 1
		}
	}
	return result
}

// InsertAt inserts (key, child) at slot i, shifting entries right.
func (p *InternalPage) InsertAt(i int, key Key, child PageID) {
	p.Keys = append(p.Keys, 0)
	copy(p.Keys[i+1:], p.Keys[i:len(p.Keys)-1])
	p.Keys[i] = key

	p.Children = append(p.Children, InvalidPageID)
	copy(p.Children[i+1:], p.Children[i:len(p.Children)-1])
	p.Children[i] = child

	p.Size++
}

// RemoveAt removes slot i.
func (p *InternalPage) RemoveAt(i int) {
	p.Keys = append(p.Keys[:i], p.Keys[i+1:]...)
	p.Children = append(p.Children[:i], p.Children[i+1:]...)
	p.Size--
}

// LeafPage holds header + Size entries (key_i, value_i); leaves are
// linked by NextPageID into ascending-key order (spec.md §3.3).
type LeafPage struct {
	BPlusTreePage
	NextPageID PageID
	Keys       []Key
	Values     []RID
}

func NewLeafPage(id, parent PageID, maxSize int32) *LeafPage {
	return &LeafPage{
		BPlusTreePage: BPlusTreePage{
			PageType:     PageTypeLeaf,
			PageID:       id,
			ParentPageID: parent,
			Size:         0,
			MaxSize:      maxSize,
		},
		NextPageID: InvalidPageID,
	}
}

func (p *LeafPage) KeyAt(i int) Key       { return p.Keys[i] }
func (p *LeafPage) ValueAt(i int) RID     { return p.Values[i] }

// KeyIndex returns the index of the first entry whose key is >= key
// (insertion point / lower bound).
func (p *LeafPage) KeyIndex(key Key) int {
	lo, hi := 0, int(p.Size)
	for lo < hi {
		mid := (lo + hi) / 2
		if p.Keys[mid] < key {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	return lo
}

// Lookup returns the value for key and whether it was found.
func (p *LeafPage) Lookup(key Key) (RID, bool) {
	i := p.KeyIndex(key)
	if i < int(p.Size) && p.Keys[i] == key {
		return p.Values[i], true
	}
	return RID{}, false
}

// Insert inserts (key, value) in sorted position. Returns false
// without modifying the page if key is already present.
func (p *LeafPage) Insert(key Key, value RID) bool {
	i := p.KeyIndex(key)
	if i < int(p.Size) && p.Keys[i] == key {
		return false
	}
	p.Keys = append(p.Keys, 0)
	copy(p.Keys[i+1:], p.Keys[i:len(p.Keys)-1])
	p.Keys[i] = key

	p.Values = append(p.Values, RID{})
	copy(p.Values[i+1:], p.Values[i:len(p.Values)-1])
	p.Values[i] = value

	p.Size++
	return true
}

// RemoveAndDeleteRecord removes key if present, reporting whether it
// was found.
func (p *LeafPage) RemoveAndDeleteRecord(key Key) bool {
	i := p.KeyIndex(key)
	if i >= int(p.Size) || p.Keys[i] != key {
		return false
	}
	p.Keys = append(p.Keys[:i], p.Keys[i+1:]...)
	p.Values = append(p.Values[:i], p.Values[i+1:]...)
	p.Size--
	return true
}
