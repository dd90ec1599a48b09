// Copyright 2024 The Dwell Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// See the License for the specific language governing permissions and
// limitations under the License.

// Package cmd implements the dwell command line tool.
package cmd

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/dwell-labs/dwell/pkg/cmd/bench"
	"github.com/dwell-labs/dwell/pkg/cmd/demo"
	"github.com/dwell-labs/dwell/pkg/version"
)

// NewCmd creates the root command of the dwell tool.
func NewCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "dwell",
		Short: "dwell is a durable actor runtime",
	}
	cmd.AddCommand(demo.NewCmdDemo())
	cmd.AddCommand(bench.NewCmdBench())
	cmd.AddCommand(newCmdVersion())
	return cmd
}

func newCmdVersion() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Output version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			cmd.Println(version.GetRawInfo())
		},
	}
}

// Run runs the root command.
func Run() {
	cmd := NewCmd()
	cmd.SetOut(os.Stdout)
	cmd.SetErr(os.Stderr)
	if err := cmd.Execute(); err != nil {
		cmd.PrintErrln(err)
		os.Exit(1)
	}
}
