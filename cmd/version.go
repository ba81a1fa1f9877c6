package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

// Version is set at build time with -ldflags "-X .../cmd.Version=...".
var Version = "dev"

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the pullrekun version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("pullrekun %s\n", Version)
	},
}

func init() {
	RootCmd.AddCommand(versionCmd)
}
