// Copyright (C) 2022  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package storage

import (
	"encoding/binary"
	"fmt"
	"sort"
)

// HeaderPage wraps the fixed page at HeaderPageID, storing
// (index_name, root_page_id) records (spec.md §6). A tree calls
// InsertRecord when it is first attached (with an invalid root) and
// UpdateRecord on every later root change.
type HeaderPage struct {
	page *Page
}

func NewHeaderPage(page *Page) *HeaderPage {
	if page.ID() != HeaderPageID {
		panic(fmt.Errorf("storage.NewHeaderPage: page %d is not the header page", page.ID()))
	}
	return &HeaderPage{page: page}
}

type headerRecord struct {
	name   string
	rootID PageID
}

func (h *HeaderPage) decode() []headerRecord {
	buf := h.page.Data()
	if len(buf) < 4 {
		return nil
	}
	count := binary.LittleEndian.Uint32(buf[0:4])
	records := make([]headerRecord, 0, count)
	off := 4
	for i := uint32(0); i < count; i++ {
		nameLen := int(binary.LittleEndian.Uint32(buf[off : off+4]))
		off += 4
		name := string(buf[off : off+nameLen])
		off += nameLen
		rootID := PageID(binary.LittleEndian.Uint32(buf[off : off+4]))
		off += 4
		records = append(records, headerRecord{name: name, rootID: rootID})
	}
	return records
}

func (h *HeaderPage) encode(records []headerRecord) {
	size := 4
	for _, r := range records {
		size += 4 + len(r.name) + 4
	}
	buf := make([]byte, size)
	binary.LittleEndian.PutUint32(buf[0:4], uint32(len(records)))
	off := 4
	for _, r := range records {
		binary.LittleEndian.PutUint32(buf[off:off+4], uint32(len(r.name)))
		off += 4
		copy(buf[off:off+len(r.name)], r.name)
		off += len(r.name)
		binary.LittleEndian.PutUint32(buf[off:off+4], uint32(r.rootID))
		off += 4
	}
	h.page.SetData(buf)
	h.page.MarkDirty()
}

// InsertRecord adds a new (indexName, rootID) record. It panics if
// indexName is already present — the tree is expected to call
// UpdateRecord for subsequent root changes.
func (h *HeaderPage) InsertRecord(indexName string, rootID PageID) {
	records := h.decode()
	for _, r := range records {
		if r.name == indexName {
			panic(fmt.Errorf("storage.HeaderPage.InsertRecord: %q already has a record", indexName))
		}
	}
	records = append(records, headerRecord{name: indexName, rootID: rootID})
	sort.Slice(records, func(i, j int) bool { return records[i].name < records[j].name })
	h.encode(records)
}

// UpdateRecord updates indexName's root id, inserting it if absent.
func (h *HeaderPage) UpdateRecord(indexName string, rootID PageID) {
	records := h.decode()
	for i := range records {
		if records[i].name == indexName {
			records[i].rootID = rootID
			h.encode(records)
			return
		}
	}
	h.InsertRecord(indexName, rootID)
}

// GetRootID returns indexName's root id, and whether it was found.
func (h *HeaderPage) GetRootID(indexName string) (PageID, bool) {
	for _, r := range h.decode() {
		if r.name == indexName {
			return r.rootID, true
		}
	}
	return InvalidPageID, false
}
