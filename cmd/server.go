package cmd

import (
	"os/signal"
	"syscall"

	"github.com/pullrekun/pullrekun/server"
	"github.com/spf13/cobra"
)

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Reconcile, ingest and announce on a schedule and serve the status pages",
	RunE: withErrPrint(func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		d, err := newDeps(ctx, cmd)
		if err != nil {
			return err
		}
		defer d.close()

		engine, err := d.engine()
		if err != nil {
			return err
		}
		scheduler := &server.Scheduler{
			Interval:      d.cfg.Schedule.Interval,
			Commits:       d.commitIngester(),
			CommitPages:   d.cfg.Schedule.CommitPages,
			Issues:        d.issueIngester(),
			IssuePages:    d.cfg.Schedule.IssuePages,
			IssueLookback: d.cfg.Schedule.IssueLookback,
			Reconciler:    engine,
			Locker:        d.locker,
			LockOwner:     d.owner,
			LockTTL:       d.cfg.Locking.TTL,
			Logger:        d.log.Named("scheduler"),
		}
		if announcer, err := d.announcer(); err != nil {
			d.log.Warn("release announcements disabled: %s", err)
		} else {
			scheduler.Announcer = announcer
		}

		srv := server.New(d.store, scheduler, d.log.Named("http"), d.cfg.Repo(), d.cfg.ServerAddr(), d.cfg.Server.ShutdownTimeout)
		return srv.Start(ctx)
	}),
}

func init() {
	RootCmd.AddCommand(serverCmd)
}
