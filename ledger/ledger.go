// Package ledger defines the transactional store holding servers, pull
// requests, GitHub users, commits and issues. Backends live in the
// boltdb and postgres sub packages.
package ledger

import (
	"context"

	"github.com/pkg/errors"
	"github.com/pullrekun/pullrekun/models"
)

// ErrNotFound is returned by single-record lookups that match nothing.
var ErrNotFound = errors.New("not found")

// Store runs functions inside transactions. Everything written by fn is
// committed together when fn returns nil and discarded otherwise.
type Store interface {
	Update(ctx context.Context, fn func(tx Tx) error) error
	View(ctx context.Context, fn func(tx Tx) error) error
	Close() error
}

// Tx is the set of reads and writes available inside a transaction.
type Tx interface {
	ServerTx
	PullRequestTx
	UserTx
	CommitTx
	IssueTx
}

// ServerTx reads and writes the server pool.
type ServerTx interface {
	ListServers(ctx context.Context) ([]models.Server, error)
	GetServer(ctx context.Context, id int64) (models.Server, error)
	// SaveServer inserts the server if its ID is zero, assigning one, and
	// updates it otherwise.
	SaveServer(ctx context.Context, s models.Server) (models.Server, error)
}

// PullRequestTx reads and writes the pull request ledger.
type PullRequestTx interface {
	GetPullRequest(ctx context.Context, number int) (models.PullRequest, error)
	// PullRequestsByNumber returns the rows whose number is in numbers,
	// keyed by number. Missing numbers are simply absent.
	PullRequestsByNumber(ctx context.Context, numbers []int) (map[int]models.PullRequest, error)
	OpenPullRequests(ctx context.Context) ([]models.PullRequest, error)
	SavePullRequest(ctx context.Context, pr models.PullRequest) error
}

// UserTx reads and writes GitHub users.
type UserTx interface {
	GetUser(ctx context.Context, login string) (models.GitHubUser, error)
	// FirstUser returns the user with the lowest login, or ErrNotFound if
	// there are none.
	FirstUser(ctx context.Context) (models.GitHubUser, error)
	SaveUser(ctx context.Context, u models.GitHubUser) error
}

// CommitTx reads and writes the ingested commit graph.
type CommitTx interface {
	GetCommit(ctx context.Context, sha string) (models.Commit, error)
	ExistingCommits(ctx context.Context, shas []string) (map[string]bool, error)
	InsertCommits(ctx context.Context, commits []models.Commit) error
	MarkCommitsReported(ctx context.Context, shas []string) error
}

// IssueTx reads and writes mirrored issues.
type IssueTx interface {
	IssuesByNumber(ctx context.Context, numbers []int) (map[int]models.Issue, error)
	SaveIssue(ctx context.Context, issue models.Issue) error
}

// IsNotFound returns true if err wraps ErrNotFound.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// Environments joins open pull requests with the staging servers they own.
// Pull requests pointing at a missing or non-staging server are skipped.
func Environments(ctx context.Context, tx Tx) ([]models.Environment, error) {
	pulls, err := tx.OpenPullRequests(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "listing open pull requests")
	}
	var envs []models.Environment
	for _, p := range pulls {
		if !p.HasServer() {
			continue
		}
		s, err := tx.GetServer(ctx, *p.ServerID)
		if IsNotFound(err) {
			continue
		}
		if err != nil {
			return nil, errors.Wrapf(err, "getting server %d for pull #%d", *p.ServerID, p.Number)
		}
		if !s.IsStaging {
			continue
		}
		envs = append(envs, models.Environment{Pull: p, Server: s})
	}
	return envs, nil
}
