// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package main

import (
	"fmt"
	"os"

	"github.com/davecgh/go-spew/spew"
	"github.com/spf13/cobra"

	"git.lukeshu.com/go/lowmemjson"

	"github.com/pmem/ndctl-go/lib/jsonutil"
	"github.com/pmem/ndctl-go/lib/streamio"
	"github.com/pmem/ndctl-go/nslabel"
)

// newDebugDumpCommand provides a raw structural dump of parsed on-media
// metadata for developers debugging a label store, not part of the
// normal create/check workflow.
func newDebugDumpCommand() *cobra.Command {
	var asJSON bool
	var rawHex bool
	cmd := &cobra.Command{
		Use:   "debug-dump CONFIG-FILE",
		Short: "Dump a config area's parsed index blocks and labels",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cio, err := nslabel.OpenFileConfigIO(args[0], defaultMaxXfer)
			if err != nil {
				return err
			}
			defer cio.Close()

			area, err := nslabel.ReadLabelArea(ctx, cio)
			if err != nil {
				return err
			}
			v, err := nslabel.Validate(area)
			if err != nil {
				return err
			}
			_, labels, err := nslabel.AllLabels(area, v)
			if err != nil {
				return err
			}

			if asJSON {
				if rawHex {
					return lowmemjson.Encode(cmd.OutOrStdout(), jsonutil.Binary[nslabel.IndexHeader]{Val: *v.Current})
				}
				return lowmemjson.Encode(cmd.OutOrStdout(), labels)
			}

			dumper := spew.NewDefaultConfig()
			dumper.DisablePointerAddresses = true
			fmt.Fprintf(cmd.OutOrStdout(), "index block %d, %d label(s):\n", v.CurrentIdx, len(labels))
			dumper.Fdump(cmd.OutOrStdout(), labels)
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "emit the labels as JSON instead of a spew dump")
	cmd.Flags().BoolVar(&rawHex, "raw", false, "with --json, emit the current index block's header (without its free bitmap) as a hex string instead of the parsed labels")
	return cmd
}

// newDebugLoadCommand parses the hex-string JSON a "debug-dump --json
// --raw" produced back into an IndexHeader, for developers diffing a
// dump against a later capture of the same dimm without re-deriving
// the index block by hand.
func newDebugLoadCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "debug-load JSON-FILE",
		Short: "Parse a debug-dump --raw hex capture back into an index block",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			fh, err := os.Open(args[0])
			if err != nil {
				return err
			}
			scanner, err := streamio.NewRuneScanner(ctx, fh)
			if err != nil {
				fh.Close()
				return err
			}
			defer scanner.Close()

			var boxed jsonutil.Binary[nslabel.IndexHeader]
			if err := lowmemjson.Decode(scanner, &boxed); err != nil {
				return err
			}

			dumper := spew.NewDefaultConfig()
			dumper.DisablePointerAddresses = true
			dumper.Fdump(cmd.OutOrStdout(), boxed.Val)
			return nil
		},
	}
	return cmd
}
