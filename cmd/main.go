// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

const version = "0.1.0"

func main() {
	var configFile string

	rootCmd := &cobra.Command{
		Use:          "fluxedge",
		Short:        "Edge message store",
		Long:         "FluxEdge persists messages per endpoint queue and delivers them downstream with checkpointed progress.",
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "Path to configuration file")

	rootCmd.AddCommand(
		newServeCommand(&configFile),
		newCheckpointsCommand(&configFile),
		newQueuesCommand(&configFile),
		&cobra.Command{
			Use:   "version",
			Short: "Print the version",
			Run: func(cmd *cobra.Command, args []string) {
				fmt.Fprintln(cmd.OutOrStdout(), version)
			},
		},
	)

	if err := rootCmd.Execute(); err != nil {
		slog.Error("Command failed", "error", err)
		os.Exit(1)
	}
}
