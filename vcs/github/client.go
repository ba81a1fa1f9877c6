// Package github provides convenience wrappers around the go-github package.
package github

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/go-github/v56/github"
	"github.com/pkg/errors"
	"github.com/pullrekun/pullrekun/models"
)

const maxPerPage = 100

// Client is used to perform GitHub actions against one repository.
//
// Two credentials are in play. Pull requests are listed with basic auth
// (user + personal token). Check runs need a GitHub App installation
// token, and when one is available commits and issues are read with it
// too.
type Client struct {
	pulls *github.Client
	app   *github.Client
	repo  models.Repo
}

// NewClient returns a client authenticated with basic auth. Every request
// is bounded by timeout.
func NewClient(hostname string, user string, pass string, repo models.Repo, timeout time.Duration) (*Client, error) {
	tp := github.BasicAuthTransport{
		Username: strings.TrimSpace(user),
		Password: strings.TrimSpace(pass),
	}
	client, err := withHost(github.NewClient(&http.Client{Transport: &tp, Timeout: timeout}), hostname)
	if err != nil {
		return nil, err
	}
	return &Client{pulls: client, repo: repo}, nil
}

// NewWithClients wraps already configured go-github clients. app may be nil.
func NewWithClients(pulls *github.Client, app *github.Client, repo models.Repo) *Client {
	return &Client{pulls: pulls, app: app, repo: repo}
}

// WithApp returns a copy of the client that uses rt, an installation
// transport, for check runs, commits and issues.
func (g *Client) WithApp(hostname string, rt http.RoundTripper, timeout time.Duration) (*Client, error) {
	app, err := withHost(github.NewClient(&http.Client{Transport: rt, Timeout: timeout}), hostname)
	if err != nil {
		return nil, err
	}
	return &Client{pulls: g.pulls, app: app, repo: g.repo}, nil
}

// If we're using github.com then we don't need to do any additional
// configuration for the client. For GitHub Enterprise the API lives under
// /api/v3/.
func withHost(client *github.Client, hostname string) (*github.Client, error) {
	if hostname == "" || hostname == "github.com" {
		return client, nil
	}
	baseURL := fmt.Sprintf("https://%s/api/v3/", hostname)
	c, err := client.WithEnterpriseURLs(baseURL, baseURL)
	if err != nil {
		return nil, errors.Wrapf(err, "Invalid github hostname trying to parse %s", baseURL)
	}
	return c, nil
}

// HasApp returns true if check runs can be created.
func (g *Client) HasApp() bool {
	return g.app != nil
}

// Repo returns the repository this client works on.
func (g *Client) Repo() models.Repo {
	return g.repo
}

func (g *Client) tokenClient() *github.Client {
	if g.app != nil {
		return g.app
	}
	return g.pulls
}

// ListPullRequests returns every pull request of the repo in any state.
func (g *Client) ListPullRequests(ctx context.Context) ([]models.RemotePullRequest, error) {
	var pulls []models.RemotePullRequest
	opts := github.PullRequestListOptions{
		State:       "all",
		ListOptions: github.ListOptions{PerPage: maxPerPage},
	}
	for {
		page, resp, err := g.pulls.PullRequests.List(ctx, g.repo.Owner, g.repo.Name, &opts)
		if err != nil {
			return pulls, errors.Wrapf(err, "listing pull requests of %s", g.repo.FullName())
		}
		for _, p := range page {
			pulls = append(pulls, models.RemotePullRequest{
				Number: p.GetNumber(),
				State:  p.GetState(),
				SHA:    p.GetHead().GetSHA(),
				Title:  p.GetTitle(),
				Ref:    p.GetHead().GetRef(),
				Login:  p.GetUser().GetLogin(),
			})
		}
		if resp.NextPage == 0 {
			break
		}
		opts.Page = resp.NextPage
	}
	return pulls, nil
}

// CreateCheckRun creates an in-progress check run on sha and returns its id.
func (g *Client) CreateCheckRun(ctx context.Context, name string, sha string, detailsURL string, externalID string, startedAt time.Time) (int64, error) {
	if g.app == nil {
		return 0, errors.New("check runs require a GitHub App installation token")
	}
	opts := github.CreateCheckRunOptions{
		Name:      name,
		HeadSHA:   sha,
		Status:    github.String("in_progress"),
		StartedAt: &github.Timestamp{Time: startedAt},
	}
	if detailsURL != "" {
		opts.DetailsURL = github.String(detailsURL)
	}
	if externalID != "" {
		opts.ExternalID = github.String(externalID)
	}
	run, _, err := g.app.Checks.CreateCheckRun(ctx, g.repo.Owner, g.repo.Name, opts)
	if err != nil {
		return 0, errors.Wrapf(err, "creating check run on %s", sha)
	}
	return run.GetID(), nil
}

// CompleteCheckRun marks the check run completed with a success conclusion.
func (g *Client) CompleteCheckRun(ctx context.Context, name string, id int64, completedAt time.Time) error {
	if g.app == nil {
		return errors.New("check runs require a GitHub App installation token")
	}
	opts := github.UpdateCheckRunOptions{
		Name:        name,
		Status:      github.String("completed"),
		Conclusion:  github.String("success"),
		CompletedAt: &github.Timestamp{Time: completedAt},
	}
	_, _, err := g.app.Checks.UpdateCheckRun(ctx, g.repo.Owner, g.repo.Name, id, opts)
	return errors.Wrapf(err, "completing check run %d", id)
}

// ListCommits returns one page (1-based) of commits on the default branch.
func (g *Client) ListCommits(ctx context.Context, page int) ([]models.Commit, error) {
	opts := github.CommitsListOptions{
		ListOptions: github.ListOptions{Page: page, PerPage: maxPerPage},
	}
	rcs, _, err := g.tokenClient().Repositories.ListCommits(ctx, g.repo.Owner, g.repo.Name, &opts)
	if err != nil {
		return nil, errors.Wrapf(err, "listing commits page %d", page)
	}
	commits := make([]models.Commit, 0, len(rcs))
	for _, rc := range rcs {
		c := models.Commit{
			SHA:     rc.GetSHA(),
			Message: rc.GetCommit().GetMessage(),
		}
		if len(rc.Parents) > 0 {
			c.ParentA = rc.Parents[0].GetSHA()
		}
		if len(rc.Parents) > 1 {
			c.ParentB = rc.Parents[1].GetSHA()
		}
		commits = append(commits, c)
	}
	return commits, nil
}

// ListIssues returns one page (1-based) of issues in any state updated
// since the given time, oldest first.
func (g *Client) ListIssues(ctx context.Context, page int, since time.Time) ([]models.Issue, error) {
	opts := github.IssueListByRepoOptions{
		State:       "all",
		Since:       since,
		Sort:        "created",
		Direction:   "asc",
		ListOptions: github.ListOptions{Page: page, PerPage: maxPerPage},
	}
	ris, _, err := g.tokenClient().Issues.ListByRepo(ctx, g.repo.Owner, g.repo.Name, &opts)
	if err != nil {
		return nil, errors.Wrapf(err, "listing issues page %d", page)
	}
	issues := make([]models.Issue, 0, len(ris))
	for _, ri := range ris {
		var labels []string
		for _, l := range ri.Labels {
			labels = append(labels, l.GetName())
		}
		issue := models.Issue{
			Number: ri.GetNumber(),
			State:  ri.GetState(),
			Title:  ri.GetTitle(),
			Body:   ri.GetBody(),
			Labels: strings.Join(labels, ","),
		}
		if ri.Assignee != nil {
			login := ri.Assignee.GetLogin()
			issue.Assignee = &login
		}
		issues = append(issues, issue)
	}
	return issues, nil
}

// BranchHead returns the sha the branch currently points at.
func (g *Client) BranchHead(ctx context.Context, branch string) (string, error) {
	sha, _, err := g.tokenClient().Repositories.GetCommitSHA1(ctx, g.repo.Owner, g.repo.Name, branch, "")
	if err != nil {
		return "", errors.Wrapf(err, "getting head of branch %s", branch)
	}
	return sha, nil
}
