// Copyright (C) 2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package containers

import (
	"fmt"
)

// LinkedListEntry[T] is an entry in a LinkedList[T].
type LinkedListEntry[T any] struct {
	List         *LinkedList[T]
	Older, Newer *LinkedListEntry[T]
	Value        T
}

// LinkedList is a doubly-linked list.
//
// Rather than "head/tail" or "front/back", it has "oldest" and
// "newest".  This reads naturally both for the history/cache queues
// of an LRU-K replacer and for a latch-crabbing operation's FIFO of
// held pages, where the newest entry is the one most recently pushed
// and (for the latch FIFO) the oldest is the first one that must be
// released.
type LinkedList[T any] struct {
	Len            int
	Oldest, Newest *LinkedListEntry[T]
}

// IsEmpty returns whether the list is empty.
func (l *LinkedList[T]) IsEmpty() bool {
	return l.Oldest == nil
}

// PushNewest adds an entry to the newest end of the list.
func (l *LinkedList[T]) PushNewest(entry *LinkedListEntry[T]) {
	if entry.List != nil {
		panic(fmt.Errorf("containers.LinkedList.PushNewest: entry already belongs to a list"))
	}
	entry.List = l
	entry.Older = l.Newest
	entry.Newer = nil
	if l.Newest != nil {
		l.Newest.Newer = entry
	}
	l.Newest = entry
	if l.Oldest == nil {
		l.Oldest = entry
	}
	l.Len++
}

// PushOldest adds an entry to the oldest end of the list.
func (l *LinkedList[T]) PushOldest(entry *LinkedListEntry[T]) {
	if entry.List != nil {
		panic(fmt.Errorf("containers.LinkedList.PushOldest: entry already belongs to a list"))
	}
	entry.List = l
	entry.Newer = l.Oldest
	entry.Older = nil
	if l.Oldest != nil {
		l.Oldest.Older = entry
	}
	l.Oldest = entry
	if l.Newest == nil {
		l.Newest = entry
	}
	l.Len++
}

// Delete removes entry from l. It panics if entry does not belong to l.
func (l *LinkedList[T]) Delete(entry *LinkedListEntry[T]) {
	if entry.List != l {
		panic(fmt.Errorf("containers.LinkedList.Delete: entry does not belong to this list"))
	}
	if entry.Older != nil {
		entry.Older.Newer = entry.Newer
	} else {
		l.Oldest = entry.Newer
	}
	if entry.Newer != nil {
		entry.Newer.Older = entry.Older
	} else {
		l.Newest = entry.Older
	}
	entry.List = nil
	entry.Older = nil
	entry.Newer = nil
	l.Len--
}

// MoveToNewest moves an already-present entry to the newest end of
// the list.
func (l *LinkedList[T]) MoveToNewest(entry *LinkedListEntry[T]) {
	l.Delete(entry)
	l.PushNewest(entry)
}

// PopOldest removes and returns the oldest entry, or nil if the list
// is empty.
func (l *LinkedList[T]) PopOldest() *LinkedListEntry[T] {
	entry := l.Oldest
	if entry == nil {
		return nil
	}
	l.Delete(entry)
	return entry
}

// PopNewest removes and returns the newest entry, or nil if the list
// is empty.
func (l *LinkedList[T]) PopNewest() *LinkedListEntry[T] {
	entry := l.Newest
	if entry == nil {
		return nil
	}
	l.Delete(entry)
	return entry
}
