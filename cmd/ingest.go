package cmd

import (
	"time"

	"github.com/mitchellh/colorstring"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
)

const (
	pagesFlag = "pages"
	sinceFlag = "since"
)

var ingestCmd = &cobra.Command{
	Use:   "ingest",
	Short: "Mirror commits or issues from GitHub into the ledger",
}

var ingestCommitsCmd = &cobra.Command{
	Use:   "commits",
	Short: "Store commits not seen yet",
	RunE: withErrPrint(func(cmd *cobra.Command, args []string) error {
		pages, _ := cmd.Flags().GetInt(pagesFlag)
		ctx := cmd.Context()
		d, err := newDeps(ctx, cmd)
		if err != nil {
			return err
		}
		defer d.close()

		n, err := d.commitIngester().Run(ctx, pages)
		if err != nil {
			return err
		}
		colorstring.Printf("[green]%d new commits\n", n)
		return nil
	}),
}

var ingestIssuesCmd = &cobra.Command{
	Use:   "issues",
	Short: "Upsert issues updated recently",
	RunE: withErrPrint(func(cmd *cobra.Command, args []string) error {
		pages, _ := cmd.Flags().GetInt(pagesFlag)
		sinceRaw, _ := cmd.Flags().GetString(sinceFlag)
		var since time.Time
		if sinceRaw != "" {
			var err error
			if since, err = time.Parse(time.RFC3339, sinceRaw); err != nil {
				return errors.Wrapf(err, "--%s must be RFC3339", sinceFlag)
			}
		}
		ctx := cmd.Context()
		d, err := newDeps(ctx, cmd)
		if err != nil {
			return err
		}
		defer d.close()

		n, err := d.issueIngester().Run(ctx, pages, since)
		if err != nil {
			return err
		}
		colorstring.Printf("[green]%d issues created or changed\n", n)
		return nil
	}),
}

func init() {
	ingestCommitsCmd.Flags().Int(pagesFlag, 1, "Number of pages of 100 commits to fetch.")
	ingestIssuesCmd.Flags().Int(pagesFlag, 1, "Number of pages of 100 issues to fetch.")
	ingestIssuesCmd.Flags().String(sinceFlag, "", "Only issues updated at or after this RFC3339 time. Defaults to 24h ago.")
	ingestCmd.AddCommand(ingestCommitsCmd)
	ingestCmd.AddCommand(ingestIssuesCmd)
	RootCmd.AddCommand(ingestCmd)
}
