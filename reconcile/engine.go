// Package reconcile converges staging environments with the pull requests
// open on GitHub.
package reconcile

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/pkg/errors"
	"github.com/pullrekun/pullrekun/checks"
	"github.com/pullrekun/pullrekun/compute"
	"github.com/pullrekun/pullrekun/health"
	"github.com/pullrekun/pullrekun/ledger"
	"github.com/pullrekun/pullrekun/logging"
	"github.com/pullrekun/pullrekun/models"
	"github.com/pullrekun/pullrekun/pool"
	"github.com/pullrekun/pullrekun/schema"
)

// PullRequestLister lists every pull request of the repository.
type PullRequestLister interface {
	ListPullRequests(ctx context.Context) ([]models.RemotePullRequest, error)
}

// TokenChecker reports whether a GitHub App installation token can be
// obtained right now.
type TokenChecker interface {
	CheckToken(ctx context.Context) error
}

// Engine runs reconciliation cycles. It is not safe to run two cycles at
// the same time.
type Engine struct {
	Store   ledger.Store
	GitHub  PullRequestLister
	Checks  checks.Gateway
	Health  health.Poller
	Compute compute.Provider
	Cloner  schema.Cloner
	Logger  *logging.SimpleLogger
	// HasHostToken is true if an installation token was obtained, i.e.
	// check runs can be created and completed. When Tokens is set it is
	// recomputed at the start of every cycle.
	HasHostToken bool
	Tokens       TokenChecker
	// DefaultDBSchema is used as template when no GitHub user is known.
	DefaultDBSchema string
	// ExternalTimeout bounds each call to GitHub, EC2 or a health url.
	ExternalTimeout time.Duration
	// CloneTimeout bounds one schema clone.
	CloneTimeout time.Duration
}

// Result counts what one cycle did.
type Result struct {
	Created         int  `json:"created"`
	Updated         int  `json:"updated"`
	Launched        int  `json:"launched"`
	Stopped         int  `json:"stopped"`
	Skipped         int  `json:"skipped"`
	ChecksCreated   int  `json:"checks_created"`
	ChecksCompleted int  `json:"checks_completed"`
	HasHostToken    bool `json:"has_host_token"`
}

func (r Result) String() string {
	return fmt.Sprintf("created=%d updated=%d launched=%d stopped=%d skipped=%d checks_created=%d checks_completed=%d host_token=%t",
		r.Created, r.Updated, r.Launched, r.Stopped, r.Skipped, r.ChecksCreated, r.ChecksCompleted, r.HasHostToken)
}

// cycle holds the state of one Run inside the ledger transaction.
type cycle struct {
	*Engine
	tx       ledger.Tx
	pool     *pool.Pool
	res      *Result
	hasToken bool
}

// Run executes one cycle. All ledger writes for pull requests are
// committed together; if the schema clone or a check run creation fails
// the transaction is rolled back and the error is returned. Health polling
// happens after the commit and its failures never fail the cycle.
func (e *Engine) Run(ctx context.Context) (Result, error) {
	var res Result
	var remote []models.RemotePullRequest
	err := e.external(ctx, e.ExternalTimeout, func(ctx context.Context) error {
		var err error
		remote, err = e.GitHub.ListPullRequests(ctx)
		return err
	})
	if err != nil {
		return res, errors.Wrap(err, "fetching pull requests")
	}
	// Older pull requests get servers first.
	sort.SliceStable(remote, func(i, j int) bool { return remote[i].Number < remote[j].Number })

	hasToken := e.hostToken(ctx)
	err = e.Store.Update(ctx, func(tx ledger.Tx) error {
		res = Result{HasHostToken: hasToken}
		return e.sync(ctx, tx, remote, hasToken, &res)
	})
	if err != nil {
		return res, err
	}

	if !hasToken {
		e.Logger.Debug("no installation token, skipping health polling")
		return res, nil
	}
	if err := e.pollEnvironments(ctx, &res); err != nil {
		return res, err
	}
	return res, nil
}

// hostToken decides for this cycle whether check runs are possible.
func (e *Engine) hostToken(ctx context.Context) bool {
	if e.Tokens == nil {
		return e.HasHostToken
	}
	err := e.external(ctx, e.ExternalTimeout, e.Tokens.CheckToken)
	if err != nil {
		e.Logger.Warn("no installation token this cycle, check runs disabled: %s", err)
		return false
	}
	return true
}

func (e *Engine) sync(ctx context.Context, tx ledger.Tx, remote []models.RemotePullRequest, hasToken bool, res *Result) error {
	numbers := make([]int, 0, len(remote))
	for _, r := range remote {
		numbers = append(numbers, r.Number)
	}
	known, err := tx.PullRequestsByNumber(ctx, numbers)
	if err != nil {
		return errors.Wrap(err, "loading pull requests")
	}
	servers, err := tx.ListServers(ctx)
	if err != nil {
		return errors.Wrap(err, "loading servers")
	}
	open, err := tx.OpenPullRequests(ctx)
	if err != nil {
		return errors.Wrap(err, "loading open pull requests")
	}
	c := &cycle{Engine: e, tx: tx, pool: pool.New(servers, open), res: res, hasToken: hasToken}
	e.Logger.Debug("%d pull requests on github, %d free staging servers", len(remote), c.pool.Len())

	for _, r := range remote {
		if local, ok := known[r.Number]; ok {
			err = c.updatePull(ctx, local, r)
		} else {
			err = c.createPull(ctx, r)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

func (c *cycle) createPull(ctx context.Context, r models.RemotePullRequest) error {
	if c.pool.Exhausted() {
		c.Logger.Info("no free staging server, skipping new pull #%d", r.Number)
		c.res.Skipped++
		return nil
	}
	dbSchema, err := c.resolveSchema(ctx, r.Login)
	if err != nil {
		return err
	}
	pr := models.PullRequest{
		Number:     r.Number,
		State:      r.State,
		SHA:        r.SHA,
		Title:      r.Title,
		Ref:        r.Ref,
		Login:      r.Login,
		IsLaunched: false,
		DBSchema:   dbSchema,
	}
	if pr.IsOpen() {
		launched, err := c.launch(ctx, &pr)
		if err != nil {
			return err
		}
		if !launched {
			c.res.Skipped++
			return nil
		}
	}
	if err := c.tx.SavePullRequest(ctx, pr); err != nil {
		return err
	}
	c.Logger.Info("recorded new pull #%d %q (%s)", pr.Number, pr.Title, pr.State)
	c.res.Created++
	return nil
}

func (c *cycle) updatePull(ctx context.Context, pr models.PullRequest, r models.RemotePullRequest) error {
	changed := false
	if pr.Title != r.Title || pr.Ref != r.Ref || pr.Login != r.Login {
		pr.Title, pr.Ref, pr.Login = r.Title, r.Ref, r.Login
		changed = true
	}

	if pr.SHA != r.SHA {
		c.Logger.Info("pull #%d moved from %s to %s", pr.Number, shortSHA(pr.SHA), shortSHA(r.SHA))
		pr.SHA = r.SHA
		pr.IsLaunched = false
		changed = true
		if c.hasToken && pr.IsOpen() && r.State == models.StateOpen {
			if err := c.recheck(ctx, &pr); err != nil {
				return err
			}
		}
	}

	if pr.State != r.State {
		if pr.IsOpen() && r.State != models.StateOpen {
			if !c.stop(ctx, &pr) {
				// Keep it open so the stop is retried next cycle.
				c.res.Skipped++
				return c.save(ctx, pr, changed)
			}
		}
		c.Logger.Info("pull #%d is now %s", pr.Number, r.State)
		pr.State = r.State
		changed = true
	}

	if pr.IsOpen() && !pr.HasServer() {
		launched, err := c.launch(ctx, &pr)
		if err != nil {
			return err
		}
		changed = changed || launched
	}
	return c.save(ctx, pr, changed)
}

func (c *cycle) save(ctx context.Context, pr models.PullRequest, changed bool) error {
	if !changed {
		return nil
	}
	if err := c.tx.SavePullRequest(ctx, pr); err != nil {
		return err
	}
	c.res.Updated++
	return nil
}

// resolveSchema picks the template schema for a new pull request: the
// author's, else the user with the lowest login, else the configured
// default.
func (c *cycle) resolveSchema(ctx context.Context, login string) (string, error) {
	u, err := c.tx.GetUser(ctx, login)
	if err == nil {
		return u.DBSchema, nil
	}
	if !ledger.IsNotFound(err) {
		return "", errors.Wrapf(err, "looking up user %q", login)
	}
	u, err = c.tx.FirstUser(ctx)
	if err == nil {
		c.Logger.Debug("unknown author %q, using template of %q", login, u.Login)
		return u.DBSchema, nil
	}
	if !ledger.IsNotFound(err) {
		return "", errors.Wrap(err, "looking up fallback user")
	}
	c.Logger.Warn("no github users known, using default schema %q for author %q", c.DefaultDBSchema, login)
	return c.DefaultDBSchema, nil
}

// launch assigns a free server to pr, starts it and clones the schema.
// It returns false without error when nothing could be launched this
// cycle; any returned error must abort the cycle.
func (c *cycle) launch(ctx context.Context, pr *models.PullRequest) (bool, error) {
	if pr.DBSchema == "" {
		// Stored without a template earlier, try again now.
		dbSchema, err := c.resolveSchema(ctx, pr.Login)
		if err != nil {
			return false, err
		}
		pr.DBSchema = dbSchema
	}
	if pr.DBSchema == "" {
		c.Logger.Warn("no template schema for pull #%d by %q, not launching", pr.Number, pr.Login)
		return false, nil
	}
	server, ok := c.freeServer()
	if !ok {
		c.Logger.Info("no free staging server for pull #%d", pr.Number)
		return false, nil
	}
	err := c.external(ctx, c.ExternalTimeout, func(ctx context.Context) error {
		return c.Compute.Start(ctx, server.InstanceID)
	})
	if err != nil {
		c.Logger.Warn("pull #%d: %s", pr.Number, err)
		c.pool.Release(server)
		return false, nil
	}

	err = c.external(ctx, c.CloneTimeout, func(ctx context.Context) error {
		return c.Cloner.Clone(ctx, pr.DBSchema, server.DBSchema)
	})
	if err != nil {
		c.Logger.Err("cloning schema %q onto %q for pull #%d failed: %s", pr.DBSchema, server.DBSchema, pr.Number, err)
		return false, errors.Wrapf(err, "cloning schema %q onto %q for pull #%d", pr.DBSchema, server.DBSchema, pr.Number)
	}
	pr.ServerID = &server.ID
	pr.CheckRunID = nil
	c.Logger.Info("launched pull #%d on server %d (%s)", pr.Number, server.ID, server.InstanceID)
	c.res.Launched++

	if c.hasToken {
		if err := c.createCheck(ctx, pr, server); err != nil {
			return false, err
		}
	}
	return true, nil
}

// freeServer takes the next free server that has a schema to clone onto.
// Servers without one stay out of the pool for this cycle.
func (c *cycle) freeServer() (models.Server, bool) {
	for {
		server, ok := c.pool.TakeFreeServer()
		if !ok || server.DBSchema != "" {
			return server, ok
		}
		c.Logger.Warn("server %d (%s) has no db schema, skipping it", server.ID, server.Name)
	}
}

// recheck starts a fresh check run for the new head of pr on the server it
// already owns.
func (c *cycle) recheck(ctx context.Context, pr *models.PullRequest) error {
	if !pr.HasServer() {
		c.Logger.Info("pull #%d owns no server, not creating a check run for %s", pr.Number, shortSHA(pr.SHA))
		return nil
	}
	server, err := c.tx.GetServer(ctx, *pr.ServerID)
	if err != nil {
		return errors.Wrapf(err, "getting server %d for pull #%d", *pr.ServerID, pr.Number)
	}
	return c.createCheck(ctx, pr, server)
}

func (c *cycle) createCheck(ctx context.Context, pr *models.PullRequest, server models.Server) error {
	var id int64
	err := c.external(ctx, c.ExternalTimeout, func(ctx context.Context) error {
		var err error
		id, err = c.Checks.Create(ctx, pr.SHA, server.CheckURL)
		return err
	})
	if err != nil {
		c.Logger.Err("creating check run for pull #%d failed: %s", pr.Number, err)
		return errors.Wrapf(err, "creating check run for pull #%d", pr.Number)
	}
	pr.CheckRunID = &id
	c.res.ChecksCreated++
	return nil
}

// stop powers down the server of a pull request that is no longer open and
// releases it. It returns false if the instance could not be stopped.
func (c *cycle) stop(ctx context.Context, pr *models.PullRequest) bool {
	if !pr.HasServer() {
		return true
	}
	server, err := c.tx.GetServer(ctx, *pr.ServerID)
	if ledger.IsNotFound(err) {
		c.Logger.Warn("server %d of pull #%d no longer exists", *pr.ServerID, pr.Number)
		pr.ServerID = nil
		pr.CheckRunID = nil
		return true
	}
	if err != nil {
		c.Logger.Warn("getting server %d of pull #%d: %s", *pr.ServerID, pr.Number, err)
		return false
	}
	err = c.external(ctx, c.ExternalTimeout, func(ctx context.Context) error {
		return c.Compute.Stop(ctx, server.InstanceID)
	})
	if err != nil {
		c.Logger.Warn("pull #%d: %s", pr.Number, err)
		return false
	}
	c.Logger.Info("stopped server %d (%s) of pull #%d", server.ID, server.InstanceID, pr.Number)
	pr.ServerID = nil
	pr.CheckRunID = nil
	c.res.Stopped++
	return true
}

// pollEnvironments completes the check run of every environment whose
// server answers its check url. Failures only affect the one pull request.
func (e *Engine) pollEnvironments(ctx context.Context, res *Result) error {
	var envs []models.Environment
	err := e.Store.View(ctx, func(tx ledger.Tx) error {
		var err error
		envs, err = ledger.Environments(ctx, tx)
		return err
	})
	if err != nil {
		return errors.Wrap(err, "loading environments")
	}

	for _, env := range envs {
		if env.Pull.CheckRunID == nil {
			continue
		}
		number, checkRunID := env.Pull.Number, *env.Pull.CheckRunID
		err := e.external(ctx, e.ExternalTimeout, func(ctx context.Context) error {
			return e.Health.Poll(ctx, env.Server.CheckURL)
		})
		if err != nil {
			e.Logger.Info("pull #%d not ready yet: %s", number, err)
			continue
		}
		err = e.external(ctx, e.ExternalTimeout, func(ctx context.Context) error {
			return e.Checks.Complete(ctx, checkRunID)
		})
		if err != nil {
			e.Logger.Warn("completing check run %d of pull #%d: %s", checkRunID, number, err)
			continue
		}
		err = e.Store.Update(ctx, func(tx ledger.Tx) error {
			pr, err := tx.GetPullRequest(ctx, number)
			if err != nil {
				return err
			}
			if pr.CheckRunID == nil || *pr.CheckRunID != checkRunID {
				return nil
			}
			pr.CheckRunID = nil
			pr.IsLaunched = true
			return tx.SavePullRequest(ctx, pr)
		})
		if err != nil {
			e.Logger.Warn("recording completed check run of pull #%d: %s", number, err)
			continue
		}
		e.Logger.Info("pull #%d is up on server %d", number, env.Server.ID)
		res.ChecksCompleted++
	}
	return nil
}

func (e *Engine) external(ctx context.Context, timeout time.Duration, fn func(ctx context.Context) error) error {
	if timeout <= 0 {
		return fn(ctx)
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return fn(ctx)
}

func shortSHA(sha string) string {
	if len(sha) > 7 {
		return sha[:7]
	}
	return sha
}
