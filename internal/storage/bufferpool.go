// Copyright (C) 2022  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package storage

import (
	"fmt"
	"sync"

	"github.com/latchtree/latchtree/internal/containers"
	"github.com/latchtree/latchtree/internal/hashtable"
	"github.com/latchtree/latchtree/internal/replacer"
)

// BufferPoolManager is the collaborator contract spec.md §6 fixes for
// the B+Tree: FetchPage/NewPage pin and return a frame; UnpinPage and
// DeletePage release it. The tree is written against this interface
// only — it never reaches into a concrete implementation's internals.
type BufferPoolManager interface {
	FetchPage(id PageID) (*Page, error)
	NewPage() (*Page, error)
	UnpinPage(id PageID, isDirty bool) error
	DeletePage(id PageID) error
	FlushPage(id PageID) error
	FlushAllPages() error
}

// MemBufferPoolManager is the buffer pool used by this module's tests
// and CLI: a fixed-size frame array whose page_id -> frame_id
// directory is the extendible hash table of internal/hashtable, and
// whose eviction victims are chosen by the LRU-K replacer of
// internal/replacer — i.e. the three in-scope subsystems of spec.md
// wired together exactly as its §2 data-flow table describes, with an
// in-memory "disk" standing in for real storage.
//
// A second cache layer, pageImageCache, holds byte images of pages
// that have been written back (a dirty frame being evicted, or an
// explicit FlushPage/FlushAllPages), so a
// refetch of a recently-evicted page doesn't need to consult the
// backing "disk" map at all; it is a hashicorp/golang-lru ARC cache,
// independent of the LRU-K policy governing which *pinned* frame to
// reclaim.
type MemBufferPoolManager struct {
	mu sync.Mutex

	frames       []*Page
	pageTable    *hashtable.Table[PageID, replacer.FrameID]
	freeList     []replacer.FrameID
	replacer     *replacer.LRUKReplacer
	nextPageID   int32
	disk         map[PageID][]byte
	pageImageCache *containers.ARCCache[PageID, []byte]
}

// NewMemBufferPoolManager creates a pool of poolSize frames, evicting
// via LRU-K with history length k.
func NewMemBufferPoolManager(poolSize int, k int) *MemBufferPoolManager {
	if poolSize < 1 {
		panic(fmt.Errorf("storage.NewMemBufferPoolManager: poolSize must be >= 1, got %d", poolSize))
	}
	bp := &MemBufferPoolManager{
		frames:         make([]*Page, poolSize),
		pageTable:      hashtable.New[PageID, replacer.FrameID](4, nil),
		freeList:       make([]replacer.FrameID, poolSize),
		replacer:       replacer.NewLRUKReplacer(poolSize, k),
		disk:           make(map[PageID][]byte),
		pageImageCache: containers.NewARCCache[PageID, []byte](poolSize * 4),
	}
	for i := range bp.frames {
		bp.frames[i] = &Page{id: InvalidPageID}
		bp.freeList[i] = replacer.FrameID(poolSize - 1 - i)
	}
	return bp
}

var errBufferPoolExhausted = fmt.Errorf("storage: buffer pool exhausted (no free frame and no evictable frame)")

// allocFrame returns a frame ready to hold a new page's contents,
// evicting per the replacer's policy if the free list is empty.
// Caller must hold bp.mu.
func (bp *MemBufferPoolManager) allocFrame() (replacer.FrameID, error) {
	if n := len(bp.freeList); n > 0 {
		f := bp.freeList[n-1]
		bp.freeList = bp.freeList[:n-1]
		return f, nil
	}

	victim, ok := bp.replacer.Evict()
	if !ok {
		return 0, errBufferPoolExhausted
	}
	old := bp.frames[victim]
	oldID := old.ID()
	if old.IsDirty() {
		bp.flushLocked(oldID, old)
	}
	bp.pageTable.Remove(oldID)
	return victim, nil
}

// flushLocked writes page's current contents to the backing "disk"
// map and the warm-image cache. Caller must hold bp.mu.
func (bp *MemBufferPoolManager) flushLocked(id PageID, page *Page) {
	data := page.Data()
	cp := make([]byte, len(data))
	copy(cp, data)
	bp.disk[id] = cp
	bp.pageImageCache.Add(id, cp)
}

// FetchPage pins and returns the frame for id, loading it from the
// pool if already resident, from the warm-image cache, or from the
// backing "disk" map otherwise.
func (bp *MemBufferPoolManager) FetchPage(id PageID) (*Page, error) {
	bp.mu.Lock()
	defer bp.mu.Unlock()

	if frame, ok := bp.pageTable.Find(id); ok {
		page := bp.frames[frame]
		page.pin()
		bp.replacer.RecordAccess(frame)
		bp.replacer.SetEvictable(frame, false)
		return page, nil
	}

	data, ok := bp.pageImageCache.Get(id)
	if !ok {
		data, ok = bp.disk[id]
	}
	if !ok {
		return nil, fmt.Errorf("storage: FetchPage(%d): no such page", id)
	}

	frame, err := bp.allocFrame()
	if err != nil {
		return nil, err
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	page := bp.frames[frame]
	page.reset(id, cp)
	bp.pageTable.Insert(id, frame)
	bp.replacer.RecordAccess(frame)
	bp.replacer.SetEvictable(frame, false)
	return page, nil
}

// NewPage allocates a page with a freshly minted id, pinned once. The
// very first page a fresh pool hands out is PageID 0 (HeaderPageID):
// bptree.New relies on this to obtain the header page before any
// other allocation happens.
func (bp *MemBufferPoolManager) NewPage() (*Page, error) {
	bp.mu.Lock()
	defer bp.mu.Unlock()

	frame, err := bp.allocFrame()
	if err != nil {
		return nil, err
	}
	id := PageID(bp.nextPageID)
	bp.nextPageID++
	page := bp.frames[frame]
	page.reset(id, nil)
	bp.pageTable.Insert(id, frame)
	bp.replacer.RecordAccess(frame)
	bp.replacer.SetEvictable(frame, false)
	return page, nil
}

// UnpinPage decrements id's pin count, marking it dirty if isDirty.
// Once the pin count reaches zero the frame becomes evictable.
func (bp *MemBufferPoolManager) UnpinPage(id PageID, isDirty bool) error {
	bp.mu.Lock()
	defer bp.mu.Unlock()

	frame, ok := bp.pageTable.Find(id)
	if !ok {
		return fmt.Errorf("storage: UnpinPage(%d): not in pool", id)
	}
	page := bp.frames[frame]
	if isDirty {
		page.MarkDirty()
	}
	remaining := page.unpin()
	if remaining < 0 {
		return fmt.Errorf("storage: UnpinPage(%d): pin count already zero", id)
	}
	if remaining == 0 {
		bp.replacer.SetEvictable(frame, true)
	}
	return nil
}

// DeletePage frees id's page. The caller must hold no references
// (pin count must be zero).
func (bp *MemBufferPoolManager) DeletePage(id PageID) error {
	bp.mu.Lock()
	defer bp.mu.Unlock()

	frame, ok := bp.pageTable.Find(id)
	if !ok {
		return nil // already gone
	}
	page := bp.frames[frame]
	if page.PinCount() > 0 {
		return fmt.Errorf("storage: DeletePage(%d): page is pinned", id)
	}
	bp.pageTable.Remove(id)
	bp.replacer.Remove(frame)
	delete(bp.disk, id)
	bp.pageImageCache.Remove(id)
	page.mu.Lock()
	page.id = InvalidPageID
	page.data = nil
	page.pinCount = 0
	page.dirty = false
	page.mu.Unlock()
	bp.freeList = append(bp.freeList, frame)
	return nil
}

// FlushPage writes id's current contents to the backing store if it
// is resident, clearing its dirty flag.
func (bp *MemBufferPoolManager) FlushPage(id PageID) error {
	bp.mu.Lock()
	defer bp.mu.Unlock()
	frame, ok := bp.pageTable.Find(id)
	if !ok {
		return fmt.Errorf("storage: FlushPage(%d): not in pool", id)
	}
	page := bp.frames[frame]
	bp.flushLocked(id, page)
	page.mu.Lock()
	page.dirty = false
	page.mu.Unlock()
	return nil
}

// FlushAllPages flushes every resident page.
func (bp *MemBufferPoolManager) FlushAllPages() error {
	bp.mu.Lock()
	defer bp.mu.Unlock()
	for _, page := range bp.frames {
		id := page.ID()
		if id == InvalidPageID {
			continue
		}
		bp.flushLocked(id, page)
		page.mu.Lock()
		page.dirty = false
		page.mu.Unlock()
	}
	return nil
}
