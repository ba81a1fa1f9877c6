// Package ingest mirrors commits and issues from GitHub into the ledger.
package ingest

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/pullrekun/pullrekun/ledger"
	"github.com/pullrekun/pullrekun/logging"
	"github.com/pullrekun/pullrekun/models"
)

// DefaultIssueLookback is how far back issues are fetched when no since
// time is given.
const DefaultIssueLookback = 24 * time.Hour

// CommitLister lists one page (1-based) of commits.
type CommitLister interface {
	ListCommits(ctx context.Context, page int) ([]models.Commit, error)
}

// IssueLister lists one page (1-based) of issues updated since a time.
type IssueLister interface {
	ListIssues(ctx context.Context, page int, since time.Time) ([]models.Issue, error)
}

// CommitIngester stores new commits so the release walker can see them.
type CommitIngester struct {
	Store   ledger.Store
	GitHub  CommitLister
	Logger  *logging.SimpleLogger
	Timeout time.Duration
}

// Run fetches up to pages pages of commits and inserts the ones not stored
// yet as unreported. It returns the number inserted.
func (c *CommitIngester) Run(ctx context.Context, pages int) (int, error) {
	inserted := 0
	for page := 1; page <= pages; page++ {
		var commits []models.Commit
		err := withTimeout(ctx, c.Timeout, func(ctx context.Context) error {
			var err error
			commits, err = c.GitHub.ListCommits(ctx, page)
			return err
		})
		if err != nil {
			return inserted, err
		}
		if len(commits) == 0 {
			break
		}

		var n int
		err = c.Store.Update(ctx, func(tx ledger.Tx) error {
			shas := make([]string, 0, len(commits))
			for _, commit := range commits {
				shas = append(shas, commit.SHA)
			}
			existing, err := tx.ExistingCommits(ctx, shas)
			if err != nil {
				return err
			}
			var fresh []models.Commit
			for _, commit := range commits {
				if existing[commit.SHA] {
					continue
				}
				existing[commit.SHA] = true
				commit.ProductionReported = false
				fresh = append(fresh, commit)
			}
			n = len(fresh)
			return tx.InsertCommits(ctx, fresh)
		})
		if err != nil {
			return inserted, errors.Wrapf(err, "storing commits of page %d", page)
		}
		inserted += n
		c.Logger.Debug("commits page %d: %d fetched, %d new", page, len(commits), n)
	}
	if inserted > 0 {
		c.Logger.Info("ingested %d new commits", inserted)
	}
	return inserted, nil
}

// IssueIngester upserts issues by number.
type IssueIngester struct {
	Store   ledger.Store
	GitHub  IssueLister
	Logger  *logging.SimpleLogger
	Timeout time.Duration
	// Now defaults to time.Now.
	Now func() time.Time
}

// Run fetches up to pages pages of issues updated since since, or within
// the last DefaultIssueLookback if since is zero. It returns the number of
// issues created or changed.
func (i *IssueIngester) Run(ctx context.Context, pages int, since time.Time) (int, error) {
	if since.IsZero() {
		now := time.Now
		if i.Now != nil {
			now = i.Now
		}
		since = now().Add(-DefaultIssueLookback)
	}
	saved := 0
	for page := 1; page <= pages; page++ {
		var issues []models.Issue
		err := withTimeout(ctx, i.Timeout, func(ctx context.Context) error {
			var err error
			issues, err = i.GitHub.ListIssues(ctx, page, since)
			return err
		})
		if err != nil {
			return saved, err
		}
		if len(issues) == 0 {
			break
		}

		var n int
		err = i.Store.Update(ctx, func(tx ledger.Tx) error {
			numbers := make([]int, 0, len(issues))
			for _, issue := range issues {
				numbers = append(numbers, issue.Number)
			}
			known, err := tx.IssuesByNumber(ctx, numbers)
			if err != nil {
				return err
			}
			for _, issue := range issues {
				if old, ok := known[issue.Number]; ok && sameIssue(old, issue) {
					continue
				}
				if err := tx.SaveIssue(ctx, issue); err != nil {
					return err
				}
				n++
			}
			return nil
		})
		if err != nil {
			return saved, errors.Wrapf(err, "storing issues of page %d", page)
		}
		saved += n
	}
	if saved > 0 {
		i.Logger.Info("ingested %d issues since %s", saved, since.Format(time.RFC3339))
	}
	return saved, nil
}

func sameIssue(a, b models.Issue) bool {
	if a.Number != b.Number || a.State != b.State || a.Title != b.Title || a.Body != b.Body || a.Labels != b.Labels {
		return false
	}
	if a.Assignee == nil || b.Assignee == nil {
		return a.Assignee == b.Assignee
	}
	return *a.Assignee == *b.Assignee
}

func withTimeout(ctx context.Context, timeout time.Duration, fn func(ctx context.Context) error) error {
	if timeout <= 0 {
		return fn(ctx)
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return fn(ctx)
}
