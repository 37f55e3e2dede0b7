// Copyright (C) 2022  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package bptree_test

import (
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/latchtree/latchtree/internal/bptree"
	"github.com/latchtree/latchtree/internal/storage"
)

// TestConcurrentInsertAndLookup hammers one tree from many goroutines
// at once, each inserting a disjoint key range, and checks nothing
// deadlocks or corrupts the structure — a stress exercise of the
// latch-crabbing and tree-wide root guard rather than a precise
// assertion about interleaving.
func TestConcurrentInsertAndLookup(t *testing.T) {
	bpm := storage.NewMemBufferPoolManager(256, 2)
	tree, err := bptree.New("stress", bpm, 5, 5)
	require.NoError(t, err)

	const workers = 8
	const perWorker = 50

	var g errgroup.Group
	for w := 0; w < workers; w++ {
		w := w
		g.Go(func() error {
			for i := 0; i < perWorker; i++ {
				key := bptree.Key(w*perWorker + i)
				if _, err := tree.Insert(key, storage.RID{PageID: storage.PageID(key), SlotNum: 0}); err != nil {
					return err
				}
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())
	require.NoError(t, tree.Verify())

	var lookups errgroup.Group
	for w := 0; w < workers; w++ {
		w := w
		lookups.Go(func() error {
			for i := 0; i < perWorker; i++ {
				key := bptree.Key(w*perWorker + i)
				val, found, err := tree.GetValue(key)
				if err != nil {
					return err
				}
				if !found {
					return &bptree.AssertionError{Op: "TestConcurrentInsertAndLookup", Reason: "missing key"}
				}
				if val.PageID != storage.PageID(key) {
					return &bptree.AssertionError{Op: "TestConcurrentInsertAndLookup", Reason: "wrong value"}
				}
			}
			return nil
		})
	}
	require.NoError(t, lookups.Wait())

	entries, err := tree.Scan(0, workers*perWorker)
	require.NoError(t, err)
	require.Len(t, entries, workers*perWorker)
}

// TestConcurrentInsertAndDelete interleaves deletes of the preloaded
// keys [0, 200) with inserts of the disjoint range [200, 300) to
// exercise both latch-crabbing paths at once.
func TestConcurrentInsertAndDelete(t *testing.T) {
	bpm := storage.NewMemBufferPoolManager(256, 2)
	tree, err := bptree.New("stress2", bpm, 4, 4)
	require.NoError(t, err)

	const n = 200
	for i := 0; i < n; i++ {
		_, err := tree.Insert(bptree.Key(i), storage.RID{PageID: storage.PageID(i)})
		require.NoError(t, err)
	}
	require.NoError(t, tree.Verify())

	var g errgroup.Group
	for w := 0; w < 4; w++ {
		w := w
		g.Go(func() error {
			for i := w; i < n; i += 4 {
				if _, err := tree.Remove(bptree.Key(i)); err != nil {
					return err
				}
			}
			return nil
		})
	}
	for w := 0; w < 4; w++ {
		w := w
		g.Go(func() error {
			for i := 0; i < 25; i++ {
				key := bptree.Key(n + w*25 + i)
				if _, err := tree.Insert(key, storage.RID{PageID: storage.PageID(key)}); err != nil {
					return err
				}
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())
	require.NoError(t, tree.Verify())

	for i := 0; i < n; i++ {
		_, found, err := tree.GetValue(bptree.Key(i))
		require.NoError(t, err)
		require.False(t, found, "key %d should have been removed", i)
	}
	for i := n; i < n+100; i++ {
		_, found, err := tree.GetValue(bptree.Key(i))
		require.NoError(t, err)
		require.True(t, found, "key %d should be present", i)
	}
}
