package cmd

import (
	"context"
	"net/http"

	"github.com/pkg/errors"
	"github.com/pullrekun/pullrekun/checks"
	"github.com/pullrekun/pullrekun/compute"
	"github.com/pullrekun/pullrekun/config"
	"github.com/pullrekun/pullrekun/health"
	"github.com/pullrekun/pullrekun/ingest"
	"github.com/pullrekun/pullrekun/ledger"
	"github.com/pullrekun/pullrekun/ledger/boltdb"
	"github.com/pullrekun/pullrekun/ledger/postgres"
	"github.com/pullrekun/pullrekun/locking"
	lockboltdb "github.com/pullrekun/pullrekun/locking/boltdb"
	lockdynamo "github.com/pullrekun/pullrekun/locking/dynamodb"
	"github.com/pullrekun/pullrekun/logging"
	"github.com/pullrekun/pullrekun/notify"
	"github.com/pullrekun/pullrekun/reconcile"
	"github.com/pullrekun/pullrekun/release"
	"github.com/pullrekun/pullrekun/schema"
	"github.com/pullrekun/pullrekun/vcs/github"
	"github.com/spf13/cobra"
)

// deps is everything a command may need, built from config.
type deps struct {
	cfg    *config.Config
	log    *logging.SimpleLogger
	store  ledger.Store
	github *github.Client
	// tokens is nil when no usable GitHub App is configured.
	tokens *github.TokenChecker
	// locker is nil when locking is disabled.
	locker locking.Locker
	owner  string
}

func loadConfig(cmd *cobra.Command) (*config.Config, *logging.SimpleLogger, error) {
	path, _ := cmd.Flags().GetString(configFlag)
	cfg, err := config.LoadWith(v, path)
	if err != nil {
		return nil, nil, err
	}
	log, err := logging.New("pullrekun", cfg.Logging.Level)
	if err != nil {
		return nil, nil, err
	}
	return cfg, log, nil
}

// newDeps loads config, opens the ledger and connects to GitHub. The
// caller must call close.
func newDeps(ctx context.Context, cmd *cobra.Command) (*deps, error) {
	cfg, log, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	store, err := openStore(ctx, cfg, log)
	if err != nil {
		return nil, err
	}
	locker, err := newLocker(cfg, store)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	gh, tokens, err := newGitHub(cfg, log)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	return &deps{
		cfg:    cfg,
		log:    log,
		store:  store,
		github: gh,
		tokens: tokens,
		locker: locker,
		owner:  locking.DefaultOwner(),
	}, nil
}

// withCycleLock runs fn under the same lease the server takes per cycle.
func (d *deps) withCycleLock(ctx context.Context, fn func(ctx context.Context) error) error {
	return locking.WithLock(ctx, d.locker, locking.CycleLock, d.owner, d.cfg.Locking.TTL, fn)
}

func (d *deps) close() {
	if err := d.store.Close(); err != nil {
		d.log.Warn("closing ledger: %s", err)
	}
	_ = d.log.Sync()
}

func openStore(ctx context.Context, cfg *config.Config, log *logging.SimpleLogger) (ledger.Store, error) {
	switch cfg.Ledger.Backend {
	case config.PostgresBackend:
		return postgres.New(ctx, log.Named("postgres"), cfg.Postgres)
	default:
		return boltdb.New(cfg.Ledger.DataDir)
	}
}

func newLocker(cfg *config.Config, store ledger.Store) (locking.Locker, error) {
	switch cfg.Locking.Backend {
	case config.NoLocking:
		return nil, nil
	case config.DynamoDBLocking:
		sess, err := compute.NewSession(cfg.AWS.Region, cfg.AWS.AccessKeyID, cfg.AWS.SecretAccessKey)
		if err != nil {
			return nil, err
		}
		return lockdynamo.New(cfg.Locking.DynamoDBTable, sess), nil
	}
	switch s := store.(type) {
	case *postgres.Postgres:
		return s, nil
	case *boltdb.BoltDB:
		return lockboltdb.New(s.DB())
	default:
		return nil, errors.Errorf("no ledger lock for %T", store)
	}
}

// newGitHub returns the client and, when a GitHub App is configured, a
// checker the engine uses to decide each cycle whether check runs are
// possible. A missing or broken app key only disables check runs.
func newGitHub(cfg *config.Config, log *logging.SimpleLogger) (*github.Client, *github.TokenChecker, error) {
	client, err := github.NewClient(cfg.GitHub.Hostname, cfg.GitHub.User, cfg.GitHub.Token, cfg.Repo(), cfg.Timeouts.External)
	if err != nil {
		return nil, nil, err
	}
	if !cfg.GitHub.HasApp() {
		log.Info("no github app configured, check runs disabled")
		return client, nil, nil
	}
	itr, err := github.NewAppTransport(cfg.GitHub.Hostname, cfg.GitHub.AppID, cfg.GitHub.InstallationID, cfg.GitHub.PrivateKeyPath)
	if err != nil {
		log.Warn("github app: %s, check runs disabled", err)
		return client, nil, nil
	}
	client, err = client.WithApp(cfg.GitHub.Hostname, itr, cfg.Timeouts.External)
	if err != nil {
		return nil, nil, err
	}
	return client, &github.TokenChecker{Transport: itr}, nil
}

func (d *deps) engine() (*reconcile.Engine, error) {
	sess, err := compute.NewSession(d.cfg.AWS.Region, d.cfg.AWS.AccessKeyID, d.cfg.AWS.SecretAccessKey)
	if err != nil {
		return nil, err
	}
	e := &reconcile.Engine{
		Store:           d.store,
		GitHub:          d.github,
		Checks:          &checks.CheckRunGateway{Client: d.github, Name: d.cfg.GitHub.CheckName},
		Health:          health.NewHTTPPoller(),
		Compute:         compute.New(sess),
		Cloner:          schema.New(*d.cfg),
		Logger:          d.log.Named("reconcile"),
		DefaultDBSchema: d.cfg.Pool.DefaultDBSchema,
		ExternalTimeout: d.cfg.Timeouts.External,
		CloneTimeout:    d.cfg.Timeouts.Clone,
	}
	if d.tokens != nil {
		e.Tokens = d.tokens
	}
	return e, nil
}

func (d *deps) announcer() (*release.Announcer, error) {
	log := d.log.Named("release")
	var head release.HeadSource
	if d.cfg.Release.SHAURL != "" {
		head = &release.URLHeadSource{URL: d.cfg.Release.SHAURL, Client: &http.Client{}}
	} else if d.cfg.Release.Branch != "" {
		head = &release.BranchHeadSource{GitHub: d.github, Branch: d.cfg.Release.Branch}
	} else {
		return nil, errors.New("release.sha_url or release.branch must be set to announce releases")
	}
	manager, err := notify.NewManager(d.cfg.Notify, d.cfg.Timeouts.External, d.log.Named("notify"))
	if err != nil {
		return nil, err
	}
	return &release.Announcer{
		Store:   d.store,
		Head:    head,
		Walker:  &release.Walker{Logger: log},
		Sender:  manager,
		Logger:  log,
		Timeout: d.cfg.Timeouts.External,
	}, nil
}

func (d *deps) commitIngester() *ingest.CommitIngester {
	return &ingest.CommitIngester{
		Store:   d.store,
		GitHub:  d.github,
		Logger:  d.log.Named("ingest"),
		Timeout: d.cfg.Timeouts.External,
	}
}

func (d *deps) issueIngester() *ingest.IssueIngester {
	return &ingest.IssueIngester{
		Store:   d.store,
		GitHub:  d.github,
		Logger:  d.log.Named("ingest"),
		Timeout: d.cfg.Timeouts.External,
	}
}
