// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/pmem/ndctl-go/nslabel"
)

const defaultMaxXfer = 256

func newLabelsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "labels {[flags]|SUBCOMMAND}",
		Short: "Inspect or (re)initialize a dimm's label config area",
	}
	cmd.AddCommand(newLabelsDumpCommand())
	cmd.AddCommand(newLabelsInitCommand())
	cmd.AddCommand(newLabelsZeroCommand())
	return cmd
}

func newLabelsDumpCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "dump CONFIG-FILE",
		Short: "Validate a config area and list its live labels",
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
			slots, labels, err := nslabel.AllLabels(area, v)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "current index=%d nslot=%d nslabel_size=%d\n", v.CurrentIdx, v.Nslot, v.NslabelSize)
			for i, slot := range slots {
				fmt.Fprintf(cmd.OutOrStdout(), "slot %d: uuid=%x position=%d dpa=%#x rawsize=%#x\n",
					slot, labels[i].UUID, labels[i].Position, labels[i].DPA, labels[i].RawSize)
			}
			return nil
		},
	}
}

func newLabelsInitCommand() *cobra.Command {
	var v1dot2 bool
	cmd := &cobra.Command{
		Use:   "init CONFIG-FILE",
		Short: "Write a fresh pair of namespace index blocks",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cio, err := nslabel.OpenFileConfigIO(args[0], defaultMaxXfer)
			if err != nil {
				return err
			}
			defer cio.Close()

			version := nslabel.V1_1
			if v1dot2 {
				version = nslabel.V1_2
			}
			nslot, err := nslabel.InitLabels(ctx, cio, version)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "initialized %d label slots\n", nslot)
			return nil
		},
	}
	cmd.Flags().BoolVar(&v1dot2, "v1.2", true, "use the 256-byte (v1.2) label format instead of v1.1")
	return cmd
}

func newLabelsZeroCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "zero CONFIG-FILE",
		Short: "Zero a config area's labels",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cio, err := nslabel.OpenFileConfigIO(args[0], defaultMaxXfer)
			if err != nil {
				return err
			}
			defer cio.Close()
			if err := nslabel.ZeroLabels(ctx, cio, cio); err != nil {
				return err
			}
			fmt.Fprintln(os.Stdout, "labels zeroed")
			return nil
		},
	}
}
