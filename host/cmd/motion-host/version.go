package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"motionctl/protocol"
)

// Version is the host version, set at build time with -ldflags
var Version = "dev"

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version number of motion-host",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "motion-host version %s (protocol %s)\n", Version, protocol.Version)
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}
