// Copyright (C) 2022  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

// Command latchtree is a small harness for exercising a B+Tree index
// backed by internal/storage's in-memory buffer pool: every
// invocation starts from an empty tree, applies the requested
// operation, and exits — there is no on-disk persistence across runs
// (spec.md §1 scopes real page durability out), so this is a
// debugging and demonstration tool rather than a database.
package main

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/datawire/dlib/dlog"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/latchtree/latchtree/internal/bptree"
	"github.com/latchtree/latchtree/internal/storage"
)

type logLevelFlag struct {
	logrus.Level
}

func (lvl *logLevelFlag) Type() string { return "loglevel" }
func (lvl *logLevelFlag) Set(str string) error {
	var err error
	lvl.Level, err = logrus.ParseLevel(str)
	return err
}

var _ pflag.Value = (*logLevelFlag)(nil)

func main() {
	if err := run(context.Background(), os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "latchtree: error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string) error {
	logLvl := logLevelFlag{Level: logrus.InfoLevel}
	var poolSize, historyK int
	var leafMax, internalMax int

	root := &cobra.Command{
		Use:           "latchtree",
		Short:         "exercise a concurrent B+Tree index over an in-memory buffer pool",
		SilenceErrors: true,
		SilenceUsage:  true,
	}
	root.PersistentFlags().Var(&logLvl, "log-level", "log verbosity (trace|debug|info|warn|error)")
	root.PersistentFlags().IntVar(&poolSize, "pool-size", 128, "buffer pool frame count")
	root.PersistentFlags().IntVar(&historyK, "lru-k", 2, "LRU-K history length for page eviction")
	root.PersistentFlags().IntVar(&leafMax, "leaf-max-size", 32, "max entries per leaf page before it splits")
	root.PersistentFlags().IntVar(&internalMax, "internal-max-size", 32, "max entries per internal page before it splits")

	logger := logrus.New()
	root.PersistentPreRun = func(*cobra.Command, []string) {
		logger.SetLevel(logLvl.Level)
		ctx = dlog.WithLogger(ctx, dlog.WrapLogrus(logger))
	}

	build := func() (*bptree.BPlusTree, storage.BufferPoolManager, error) {
		bpm := storage.NewMemBufferPoolManager(poolSize, historyK)
		tree, err := bptree.New("cli", bpm, int32(leafMax), int32(internalMax))
		return tree, bpm, err
	}

	root.AddCommand(
		newPutCmd(&ctx, build),
		newGetCmd(&ctx, build),
		newDeleteCmd(&ctx, build),
		newScanCmd(&ctx, build),
		newCheckCmd(&ctx, build),
		newDumpCmd(&ctx, build),
	)

	root.SetArgs(args)
	return root.ExecuteContext(ctx)
}

type treeBuilder func() (*bptree.BPlusTree, storage.BufferPoolManager, error)

// parsePairs parses a list of "key=pageid:slot" strings into parallel
// key and value slices in argument order (no sorting), the uniform
// input format every load-bearing subcommand shares.
func parsePairs(args []string) ([]bptree.Key, []bptree.Value, error) {
	keys := make([]bptree.Key, 0, len(args))
	vals := make([]bptree.Value, 0, len(args))
	for _, arg := range args {
		name, rest, ok := strings.Cut(arg, "=")
		if !ok {
			return nil, nil, fmt.Errorf("malformed pair %q, want key=pageid:slot", arg)
		}
		k, err := strconv.ParseInt(name, 10, 64)
		if err != nil {
			return nil, nil, fmt.Errorf("malformed key %q: %w", name, err)
		}
		pidStr, slotStr, ok := strings.Cut(rest, ":")
		if !ok {
			return nil, nil, fmt.Errorf("malformed value %q, want pageid:slot", rest)
		}
		pid, err := strconv.ParseInt(pidStr, 10, 32)
		if err != nil {
			return nil, nil, fmt.Errorf("malformed page id %q: %w", pidStr, err)
		}
		slot, err := strconv.ParseUint(slotStr, 10, 32)
		if err != nil {
			return nil, nil, fmt.Errorf("malformed slot %q: %w", slotStr, err)
		}
		keys = append(keys, bptree.Key(k))
		vals = append(vals, storage.RID{PageID: storage.PageID(pid), SlotNum: uint32(slot)})
	}
	return keys, vals, nil
}

func newPutCmd(ctx *context.Context, build treeBuilder) *cobra.Command {
	return &cobra.Command{
		Use:   "put KEY=PAGEID:SLOT [...]",
		Short: "insert one or more key/value pairs into a fresh tree",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			tree, _, err := build()
			if err != nil {
				return err
			}
			keys, vals, err := parsePairs(args)
			if err != nil {
				return err
			}
			log := dlog.GetLogger(*ctx)
			for i := range keys {
				ok, err := tree.Insert(keys[i], vals[i])
				if err != nil {
					return err
				}
				log.Infof("insert %d => %s: inserted=%v", keys[i], vals[i], ok)
			}
			return tree.Verify()
		},
	}
}

func newGetCmd(ctx *context.Context, build treeBuilder) *cobra.Command {
	return &cobra.Command{
		Use:   "get KEY=PAGEID:SLOT [...]",
		Short: "insert the given pairs, then look up each key and print the result",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			tree, _, err := build()
			if err != nil {
				return err
			}
			keys, vals, err := parsePairs(args)
			if err != nil {
				return err
			}
			for i := range keys {
				if _, err := tree.Insert(keys[i], vals[i]); err != nil {
					return err
				}
			}
			for _, k := range keys {
				val, found, err := tree.GetValue(k)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%d: found=%v value=%s\n", k, found, val)
			}
			return nil
		},
	}
}

func newDeleteCmd(ctx *context.Context, build treeBuilder) *cobra.Command {
	return &cobra.Command{
		Use:   "delete KEY=PAGEID:SLOT [...] -- DELKEY [...]",
		Short: "insert the given pairs, delete the given keys, then verify the tree",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			tree, _, err := build()
			if err != nil {
				return err
			}
			pairArgs, delArgs := args, []string(nil)
			if idx := cmd.ArgsLenAtDash(); idx >= 0 {
				pairArgs, delArgs = args[:idx], args[idx:]
			}
			keys, vals, err := parsePairs(pairArgs)
			if err != nil {
				return err
			}
			for i := range keys {
				if _, err := tree.Insert(keys[i], vals[i]); err != nil {
					return err
				}
			}
			log := dlog.GetLogger(*ctx)
			for _, arg := range delArgs {
				k, err := strconv.ParseInt(arg, 10, 64)
				if err != nil {
					return fmt.Errorf("malformed delete key %q: %w", arg, err)
				}
				ok, err := tree.Remove(bptree.Key(k))
				if err != nil {
					return err
				}
				log.Infof("delete %d: removed=%v", k, ok)
			}
			return tree.Verify()
		},
	}
}

func newScanCmd(ctx *context.Context, build treeBuilder) *cobra.Command {
	var lo, hi int64
	cmd := &cobra.Command{
		Use:   "scan KEY=PAGEID:SLOT [...]",
		Short: "insert the given pairs, then print every entry with key in [--lo, --hi]",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			tree, _, err := build()
			if err != nil {
				return err
			}
			keys, vals, err := parsePairs(args)
			if err != nil {
				return err
			}
			for i := range keys {
				if _, err := tree.Insert(keys[i], vals[i]); err != nil {
					return err
				}
			}
			entries, err := tree.Scan(bptree.Key(lo), bptree.Key(hi))
			if err != nil {
				return err
			}
			for _, e := range entries {
				fmt.Fprintf(cmd.OutOrStdout(), "%d => %s\n", e.Key, e.Value)
			}
			return nil
		},
	}
	cmd.Flags().Int64Var(&lo, "lo", 0, "inclusive lower bound")
	cmd.Flags().Int64Var(&hi, "hi", 1<<62, "inclusive upper bound")
	return cmd
}

func newCheckCmd(ctx *context.Context, build treeBuilder) *cobra.Command {
	return &cobra.Command{
		Use:   "check KEY=PAGEID:SLOT [...]",
		Short: "insert the given pairs and walk the resulting tree, reporting any invariant violation",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			tree, _, err := build()
			if err != nil {
				return err
			}
			keys, vals, err := parsePairs(args)
			if err != nil {
				return err
			}
			for i := range keys {
				if _, err := tree.Insert(keys[i], vals[i]); err != nil {
					return err
				}
			}
			if err := tree.Verify(); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "ok")
			return nil
		},
	}
}

func newDumpCmd(ctx *context.Context, build treeBuilder) *cobra.Command {
	return &cobra.Command{
		Use:   "dump KEY=PAGEID:SLOT [...]",
		Short: "insert the given pairs and spew.Dump every surviving (key, value) pair",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			tree, _, err := build()
			if err != nil {
				return err
			}
			keys, vals, err := parsePairs(args)
			if err != nil {
				return err
			}
			for i := range keys {
				if _, err := tree.Insert(keys[i], vals[i]); err != nil {
					return err
				}
			}
			entries, err := tree.Scan(bptree.Key(-(1<<62)), bptree.Key(1<<62))
			if err != nil {
				return err
			}
			spewDump(cmd, entries)
			return nil
		},
	}
}
