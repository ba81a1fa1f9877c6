package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/pkg/errors"
	"github.com/pullrekun/pullrekun/bootstrap"
	"github.com/pullrekun/pullrekun/inventory"
	"github.com/pullrekun/pullrekun/ledger"
	"github.com/pullrekun/pullrekun/vcs/github"
	"github.com/spf13/cobra"
)

var bootstrapCmd = &cobra.Command{
	Use:   "bootstrap",
	Short: "Check credentials and seed the ledger before the first run",
	RunE: withErrPrint(func(cmd *cobra.Command, args []string) error {
		file, _ := cmd.Flags().GetString(fileFlag)
		cfg, log, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		client, err := github.NewClient(cfg.GitHub.Hostname, cfg.GitHub.User, cfg.GitHub.Token, cfg.Repo(), cfg.Timeouts.External)
		if err != nil {
			return err
		}
		var store ledger.Store
		defer func() {
			if store != nil {
				_ = store.Close()
			}
		}()

		b := &bootstrap.Bootstrapper{
			Out:     os.Stdout,
			Spinner: true,
			Steps: []bootstrap.Step{
				{
					Name: "signing in to GitHub",
					Run: func(ctx context.Context) (string, error) {
						ctx, cancel := context.WithTimeout(ctx, cfg.Timeouts.External)
						defer cancel()
						pulls, err := client.ListPullRequests(ctx)
						if err != nil {
							return "", err
						}
						return fmt.Sprintf("%s has %d pull requests", cfg.Repo().FullName(), len(pulls)), nil
					},
				},
				{
					Name:     "getting an installation token",
					Optional: true,
					Run: func(ctx context.Context) (string, error) {
						if !cfg.GitHub.HasApp() {
							return "", errors.New("github.app_id, installation_id and private_key_path not set, check runs disabled")
						}
						itr, err := github.NewAppTransport(cfg.GitHub.Hostname, cfg.GitHub.AppID, cfg.GitHub.InstallationID, cfg.GitHub.PrivateKeyPath)
						if err != nil {
							return "", err
						}
						ctx, cancel := context.WithTimeout(ctx, cfg.Timeouts.External)
						defer cancel()
						if _, err := github.InstallationToken(ctx, itr); err != nil {
							return "", err
						}
						return "check runs enabled", nil
					},
				},
				{
					Name:     "looking for the clone script",
					Optional: true,
					Run: func(context.Context) (string, error) {
						info, err := os.Stat(cfg.Clone.Script)
						if err != nil {
							return "", err
						}
						if info.Mode()&0111 == 0 {
							return "", errors.Errorf("%s is not executable", cfg.Clone.Script)
						}
						return "found " + cfg.Clone.Script, nil
					},
				},
				{
					Name: "opening the ledger",
					Run: func(ctx context.Context) (string, error) {
						s, err := openStore(ctx, cfg, log)
						if err != nil {
							return "", err
						}
						store = s
						return "using the " + cfg.Ledger.Backend + " backend", nil
					},
				},
				{
					Name:     "seeding " + file,
					Optional: true,
					Run: func(ctx context.Context) (string, error) {
						inv, err := inventory.Load(file)
						if err != nil {
							return "", err
						}
						res, err := inventory.Seed(ctx, store, inv)
						if err != nil {
							return "", err
						}
						return fmt.Sprintf("%d servers created, %d updated, %d users", res.ServersCreated, res.ServersUpdated, res.Users), nil
					},
				},
			},
		}
		return b.Start(cmd.Context())
	}),
}

func init() {
	bootstrapCmd.Flags().String(fileFlag, inventory.DefaultFile, "Inventory YAML listing servers and users.")
	RootCmd.AddCommand(bootstrapCmd)
}
