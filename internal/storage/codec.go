// Copyright (C) 2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package storage

import (
	"encoding/binary"
	"fmt"

	"github.com/latchtree/latchtree/internal/containers"
)

// bufPool reuses byte slices across Encode calls instead of
// allocating a fresh buffer for every flushed page, the way
// containers.SlicePool already does for the teacher's own disk I/O
// paths.
var bufPool containers.SlicePool[byte]

const (
	bPlusHeaderSize  = 1 + 4 + 4 + 4 + 4 // type, pageID, parentID, size, maxSize
	internalEntrySize = 8 + 4            // key, childID
	leafExtraHeader  = 4                 // nextPageID
	leafEntrySize    = 8 + 4 + 4         // key, RID.PageID, RID.SlotNum
)

func putHeader(buf []byte, h BPlusTreePage) {
	buf[0] = byte(h.PageType)
	binary.LittleEndian.PutUint32(buf[1:5], uint32(h.PageID))
	binary.LittleEndian.PutUint32(buf[5:9], uint32(h.ParentPageID))
	binary.LittleEndian.PutUint32(buf[9:13], uint32(h.Size))
	binary.LittleEndian.PutUint32(buf[13:17], uint32(h.MaxSize))
}

func getHeader(buf []byte) BPlusTreePage {
	return BPlusTreePage{
		PageType:     PageType(buf[0]),
		PageID:       PageID(binary.LittleEndian.Uint32(buf[1:5])),
		ParentPageID: PageID(binary.LittleEndian.Uint32(buf[5:9])),
		Size:         int32(binary.LittleEndian.Uint32(buf[9:13])),
		MaxSize:      int32(binary.LittleEndian.Uint32(buf[13:17])),
	}
}

// EncodeInternalPage serializes p into a freshly-sized buffer.
func EncodeInternalPage(p *InternalPage) []byte {
	n := int(p.Size)
	size := bPlusHeaderSize + n*internalEntrySize
	buf := bufPool.Get(size)
	putHeader(buf, p.BPlusTreePage)
	off := bPlusHeaderSize
	for i := 1; i < n; i++ { // slot 0's key is unused but its child is real
		binary.LittleEndian.PutUint64(buf[off:off+8], uint64(p.Keys[i]))
		binary.LittleEndian.PutUint32(buf[off+8:off+12], uint32(p.Children[i]))
		off += internalEntrySize
	}
	if n > 0 {
		binary.LittleEndian.PutUint64(buf[off:off+8], 0)
		binary.LittleEndian.PutUint32(buf[off+8:off+12], uint32(p.Children[0]))
		off += internalEntrySize
	}
	return buf
}

// DecodeInternalPage parses a buffer produced by EncodeInternalPage.
func DecodeInternalPage(buf []byte) (*InternalPage, error) {
	if len(buf) < bPlusHeaderSize {
		return nil, fmt.Errorf("storage: internal page buffer too short")
	}
	hdr := getHeader(buf)
	if hdr.PageType != PageTypeInternal {
		return nil, fmt.Errorf("storage: buffer is not an internal page (type=%d)", hdr.PageType)
	}
	n := int(hdr.Size)
	p := &InternalPage{BPlusTreePage: hdr, Keys: make([]Key, n), Children: make([]PageID, n)}
	off := bPlusHeaderSize
	for i := 1; i < n; i++ {
		p.Keys[i] = Key(binary.LittleEndian.Uint64(buf[off : off+8]))
		p.Children[i] = PageID(binary.LittleEndian.Uint32(buf[off+8 : off+12]))
		off += internalEntrySize
	}
	if n > 0 {
		p.Children[0] = PageID(binary.LittleEndian.Uint32(buf[off+8 : off+12]))
	}
	return p, nil
}

// EncodeLeafPage serializes p into a freshly-sized buffer.
func EncodeLeafPage(p *LeafPage) []byte {
	n := int(p.Size)
	size := bPlusHeaderSize + leafExtraHeader + n*leafEntrySize
	buf := bufPool.Get(size)
	putHeader(buf, p.BPlusTreePage)
	binary.LittleEndian.PutUint32(buf[bPlusHeaderSize:bPlusHeaderSize+4], uint32(p.NextPageID))
	off := bPlusHeaderSize + leafExtraHeader
	for i := 0; i < n; i++ {
		binary.LittleEndian.PutUint64(buf[off:off+8], uint64(p.Keys[i]))
		binary.LittleEndian.PutUint32(buf[off+8:off+12], uint32(p.Values[i].PageID))
		binary.LittleEndian.PutUint32(buf[off+12:off+16], p.Values[i].SlotNum)
		off += leafEntrySize
	}
	return buf
}

// DecodeLeafPage parses a buffer produced by EncodeLeafPage.
func DecodeLeafPage(buf []byte) (*LeafPage, error) {
	if len(buf) < bPlusHeaderSize+leafExtraHeader {
		return nil, fmt.Errorf("storage: leaf page buffer too short")
	}
	hdr := getHeader(buf)
	if hdr.PageType != PageTypeLeaf {
		return nil, fmt.Errorf("storage: buffer is not a leaf page (type=%d)", hdr.PageType)
	}
	next := PageID(binary.LittleEndian.Uint32(buf[bPlusHeaderSize : bPlusHeaderSize+4]))
	n := int(hdr.Size)
	p := &LeafPage{BPlusTreePage: hdr, NextPageID: next, Keys: make([]Key, n), Values: make([]RID, n)}
	off := bPlusHeaderSize + leafExtraHeader
	for i := 0; i < n; i++ {
		p.Keys[i] = Key(binary.LittleEndian.Uint64(buf[off : off+8]))
		p.Values[i] = RID{
			PageID:  PageID(binary.LittleEndian.Uint32(buf[off+8 : off+12])),
			SlotNum: binary.LittleEndian.Uint32(buf[off+12 : off+16]),
		}
		off += leafEntrySize
	}
	return p, nil
}

// PeekPageType inspects the first byte of a page buffer without fully
// decoding it, implementing the "inspected for its type before
// specialising" design note of spec.md §9.
func PeekPageType(buf []byte) PageType {
	if len(buf) == 0 {
		return PageTypeInvalid
	}
	return PageType(buf[0])
}

func releaseBuf(buf []byte) {
	bufPool.Put(buf)
}
