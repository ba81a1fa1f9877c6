package cmd

import (
	"context"

	"github.com/mitchellh/colorstring"
	"github.com/pullrekun/pullrekun/reconcile"
	"github.com/pullrekun/pullrekun/release"
	"github.com/spf13/cobra"
)

var reconcileCmd = &cobra.Command{
	Use:   "reconcile",
	Short: "Run one reconciliation cycle and exit",
	RunE: withErrPrint(func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		d, err := newDeps(ctx, cmd)
		if err != nil {
			return err
		}
		defer d.close()

		engine, err := d.engine()
		if err != nil {
			return err
		}
		var res reconcile.Result
		err = d.withCycleLock(ctx, func(ctx context.Context) error {
			var err error
			res, err = engine.Run(ctx)
			return err
		})
		if err != nil {
			return err
		}
		colorstring.Printf("[green]reconciled:[reset] %s\n", res)
		return nil
	}),
}

var announceCmd = &cobra.Command{
	Use:   "announce",
	Short: "Announce the commits deployed since the last announcement",
	RunE: withErrPrint(func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		d, err := newDeps(ctx, cmd)
		if err != nil {
			return err
		}
		defer d.close()

		announcer, err := d.announcer()
		if err != nil {
			return err
		}
		var ann release.Announcement
		err = d.withCycleLock(ctx, func(ctx context.Context) error {
			var err error
			ann, err = announcer.Announce(ctx)
			return err
		})
		if err != nil {
			return err
		}
		if len(ann.Entries) == 0 {
			colorstring.Printf("[white]nothing new deployed at %s\n", ann.HeadSHA)
			return nil
		}
		if ann.Message != "" {
			colorstring.Println("[white]" + ann.Message)
		}
		if ann.SendErr != nil {
			colorstring.Printf("[yellow]%s\n", ann.SendErr)
		}
		colorstring.Printf("[green]marked %d commits reported\n", len(ann.Entries))
		return nil
	}),
}

func init() {
	RootCmd.AddCommand(reconcileCmd)
	RootCmd.AddCommand(announceCmd)
}
