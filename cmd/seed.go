package cmd

import (
	"github.com/mitchellh/colorstring"
	"github.com/pullrekun/pullrekun/inventory"
	"github.com/spf13/cobra"
)

const fileFlag = "file"

var seedCmd = &cobra.Command{
	Use:   "seed",
	Short: "Load staging servers and GitHub users from an inventory file",
	RunE: withErrPrint(func(cmd *cobra.Command, args []string) error {
		file, _ := cmd.Flags().GetString(fileFlag)
		inv, err := inventory.Load(file)
		if err != nil {
			return err
		}
		ctx := cmd.Context()
		cfg, log, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		store, err := openStore(ctx, cfg, log)
		if err != nil {
			return err
		}
		defer store.Close() // nolint: errcheck

		res, err := inventory.Seed(ctx, store, inv)
		if err != nil {
			return err
		}
		colorstring.Printf("[green]servers: %d created, %d updated; users: %d\n", res.ServersCreated, res.ServersUpdated, res.Users)
		return nil
	}),
}

func init() {
	seedCmd.Flags().String(fileFlag, inventory.DefaultFile, "Inventory YAML listing servers and users.")
	RootCmd.AddCommand(seedCmd)
}
