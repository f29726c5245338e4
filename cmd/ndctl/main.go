// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

// Command ndctl is the CLI surface over the label store and BTT
// metadata engine: option parsing, JSON/spew pretty-printing, and
// logging. The label/BTT engines stay collaborators the CLI drives,
// not the other way around.
package main

import (
	"context"
	"os"

	"github.com/datawire/dlib/dlog"
	"github.com/datawire/ocibuild/pkg/cliutil"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/pmem/ndctl-go/lib/profile"
	"github.com/pmem/ndctl-go/lib/textui"
	"github.com/pmem/ndctl-go/ndctlerr"
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
	logLvl := logLevelFlag{Level: logrus.InfoLevel}

	argparser := &cobra.Command{
		Use:   "ndctl {[flags]|SUBCOMMAND}",
		Short: "Manage NVDIMM/CXL namespace labels and BTT metadata",

		Args: cliutil.WrapPositionalArgs(cliutil.OnlySubcommands),
		RunE: cliutil.RunSubcommands,

		SilenceErrors: true,
		SilenceUsage:  true,

		CompletionOptions: cobra.CompletionOptions{
			DisableDefaultCmd: true,
		},
	}
	argparser.SetFlagErrorFunc(cliutil.FlagErrorFunc)
	argparser.SetHelpTemplate(cliutil.HelpTemplate)
	argparser.PersistentFlags().Var(&logLvl, "verbosity", "set the verbosity")
	stopProfiling := profile.AddProfileFlags(argparser.PersistentFlags(), "profile-")

	argparser.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		logger := logrus.New()
		logger.SetLevel(logLvl.Level)
		cmd.SetContext(dlog.WithLogger(cmd.Context(), dlog.WrapLogrus(logger)))
		return nil
	}

	argparser.AddCommand(newLabelsCommand())
	argparser.AddCommand(newBttCommand())
	argparser.AddCommand(newDebugDumpCommand())
	argparser.AddCommand(newDebugLoadCommand())

	err := argparser.ExecuteContext(context.Background())
	if stopErr := stopProfiling(); stopErr != nil && err == nil {
		err = stopErr
	}
	if err != nil {
		textui.Fprintf(os.Stderr, "%v: error: %v\n", argparser.CommandPath(), err)
		os.Exit(ndctlerr.ExitCode(err))
	}
}
