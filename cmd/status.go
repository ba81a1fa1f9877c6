package cmd

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/mitchellh/colorstring"
	"github.com/pullrekun/pullrekun/ledger"
	"github.com/pullrekun/pullrekun/models"
	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "List open pull requests and the staging servers they run on",
	RunE: withErrPrint(func(cmd *cobra.Command, args []string) error {
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

		var envs []models.Environment
		var waiting []models.PullRequest
		err = store.View(ctx, func(tx ledger.Tx) error {
			var err error
			if envs, err = ledger.Environments(ctx, tx); err != nil {
				return err
			}
			open, err := tx.OpenPullRequests(ctx)
			if err != nil {
				return err
			}
			for _, p := range open {
				if !p.HasServer() {
					waiting = append(waiting, p)
				}
			}
			return nil
		})
		if err != nil {
			return err
		}

		colorstring.Printf("[white][bold]%s[reset]\n", cfg.Repo().FullName())
		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "PULL\tSERVER\tSHA\tLAUNCHED\tCHECK\tTITLE")
		for _, e := range envs {
			check := "-"
			if e.Pull.CheckRunID != nil {
				check = fmt.Sprint(*e.Pull.CheckRunID)
			}
			fmt.Fprintf(w, "#%d\t%s\t%s\t%t\t%s\t%s\n", e.Pull.Number, e.Server.Name, shortSHA(e.Pull.SHA), e.Pull.IsLaunched, check, e.Pull.Title)
		}
		if err := w.Flush(); err != nil {
			return err
		}
		if locker, err := newLocker(cfg, store); err != nil {
			return err
		} else if locker != nil {
			locks, err := locker.ListLocks(ctx)
			if err != nil {
				return err
			}
			now := time.Now()
			for name, l := range locks {
				if l.Expired(now) {
					continue
				}
				colorstring.Printf("\n[yellow]%s lock held by %s until %s\n", name, l.Owner, l.ExpiresAt.Format(time.RFC3339))
			}
		}
		if len(waiting) > 0 {
			colorstring.Printf("\n[yellow]%d open pull requests waiting for a server:\n", len(waiting))
			for _, p := range waiting {
				fmt.Printf("  #%d %s\n", p.Number, p.Title)
			}
		}
		return nil
	}),
}

func shortSHA(sha string) string {
	if len(sha) > 7 {
		return sha[:7]
	}
	return sha
}

func init() {
	RootCmd.AddCommand(statusCmd)
}
