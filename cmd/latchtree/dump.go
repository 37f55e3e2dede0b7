// Copyright (C) 2022  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package main

import (
	"github.com/davecgh/go-spew/spew"
	"github.com/spf13/cobra"

	"github.com/latchtree/latchtree/internal/bptree"
)

var dumpConfig = &spew.ConfigState{
	Indent:                  "  ",
	DisablePointerAddresses: true,
	DisableCapacities:       true,
	SortKeys:                true,
}

// spewDump prints every surviving entry with go-spew, the same
// "dump the real structure, not a summary" instinct the rest of this
// codebase reaches for when a human needs to see what's actually
// inside a value.
func spewDump(cmd *cobra.Command, entries []bptree.ScanEntry) {
	dumpConfig.Fdump(cmd.OutOrStdout(), entries)
}
