// Package cmd holds the pullrekun command line.
package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/mitchellh/colorstring"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

const (
	configFlag   = "config"
	logLevelFlag = "log-level"
)

// v holds flag values so they override env vars and the config file.
var v = viper.New()

// RootCmd is the pullrekun command.
var RootCmd = &cobra.Command{
	Use:           "pullrekun",
	Short:         "Staging environments for pull requests and release announcements",
	SilenceErrors: true,
	SilenceUsage:  true,
}

func init() {
	RootCmd.PersistentFlags().String(configFlag, "", "Path to a YAML config file.")
	RootCmd.PersistentFlags().String(logLevelFlag, "", "Log level: debug, info, warn or error.")
	_ = v.BindPFlag("logging.level", RootCmd.PersistentFlags().Lookup(logLevelFlag))
}

// Execute runs the root command.
func Execute() {
	if err := RootCmd.ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}

// withErrPrint prints out any errors to a terminal in red.
func withErrPrint(f func(*cobra.Command, []string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		if err := f(cmd, args); err != nil {
			fmt.Fprintln(os.Stderr, colorstring.Color(fmt.Sprintf("[red]Error: %s", err)))
			return err
		}
		return nil
	}
}
