// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/pmem/ndctl-go/btt"
)

func newBttCommand() *cobra.Command {
	var repair bool
	var v1dot2 bool

	cmd := &cobra.Command{
		Use:   "check-btt RAW-FILE",
		Short: "Discover and verify a namespace's BTT arena chain",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			version := btt.V1_1
			if v1dot2 {
				version = btt.V1_2
			}
			result, err := btt.Run(cmd.Context(), args[0], btt.Options{
				Version: version,
				Repair:  repair,
			})
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "%d arena(s), %d issue(s)\n", len(result.Arenas), len(result.Issues))
			unrepaired := 0
			for _, issue := range result.Issues {
				fmt.Fprintf(out, "  %s\n", issue)
				if !issue.Repaired {
					unrepaired++
				}
			}
			if unrepaired > 0 {
				return fmt.Errorf("%d issue(s) remain unrepaired", unrepaired)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&repair, "repair", false, "write back any correctable finding")
	cmd.Flags().BoolVar(&v1dot2, "v1.2", false, "arena chain starts one page in, as BTT v1.2 namespaces do")
	return cmd
}
