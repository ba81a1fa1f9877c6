package ingest_test

import (
	"context"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/pullrekun/pullrekun/ingest"
	"github.com/pullrekun/pullrekun/ledger"
	"github.com/pullrekun/pullrekun/ledger/boltdb"
	"github.com/pullrekun/pullrekun/logging"
	"github.com/pullrekun/pullrekun/models"
	"github.com/stretchr/testify/require"
)

type fakeGitHub struct {
	commitPages map[int][]models.Commit
	issuePages  map[int][]models.Issue
	since       []time.Time
	pagesAsked  []int
	err         error
}

func (f *fakeGitHub) ListCommits(_ context.Context, page int) ([]models.Commit, error) {
	f.pagesAsked = append(f.pagesAsked, page)
	return f.commitPages[page], f.err
}

func (f *fakeGitHub) ListIssues(_ context.Context, page int, since time.Time) ([]models.Issue, error) {
	f.pagesAsked = append(f.pagesAsked, page)
	f.since = append(f.since, since)
	return f.issuePages[page], f.err
}

func newStore(t *testing.T) *boltdb.BoltDB {
	t.Helper()
	store, err := boltdb.New(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestCommitIngester_SkipsExisting(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	require.NoError(t, store.Update(ctx, func(tx ledger.Tx) error {
		return tx.InsertCommits(ctx, []models.Commit{{SHA: "b", Message: "old", ProductionReported: true}})
	}))
	gh := &fakeGitHub{commitPages: map[int][]models.Commit{
		1: {{SHA: "a", Message: "new", ParentA: "b"}, {SHA: "b", Message: "old"}},
		2: {{SHA: "c", Message: "older"}},
	}}
	ing := &ingest.CommitIngester{Store: store, GitHub: gh, Logger: logging.NewNoopLogger()}

	n, err := ing.Run(ctx, 2)
	require.NoError(t, err)
	require.Equal(t, 2, n)
	require.Equal(t, []int{1, 2}, gh.pagesAsked)

	require.NoError(t, store.View(ctx, func(tx ledger.Tx) error {
		a, err := tx.GetCommit(ctx, "a")
		require.NoError(t, err)
		require.Equal(t, "b", a.ParentA)
		require.False(t, a.ProductionReported)
		b, err := tx.GetCommit(ctx, "b")
		require.NoError(t, err)
		require.True(t, b.ProductionReported)
		return nil
	}))

	n, err = ing.Run(ctx, 2)
	require.NoError(t, err)
	require.Zero(t, n)
}

func TestCommitIngester_StopsAtEmptyPage(t *testing.T) {
	gh := &fakeGitHub{commitPages: map[int][]models.Commit{1: {{SHA: "a"}}}}
	ing := &ingest.CommitIngester{Store: newStore(t), GitHub: gh, Logger: logging.NewNoopLogger()}
	n, err := ing.Run(context.Background(), 5)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	require.Equal(t, []int{1, 2}, gh.pagesAsked)
}

func TestCommitIngester_Error(t *testing.T) {
	gh := &fakeGitHub{err: errors.New("rate limited")}
	ing := &ingest.CommitIngester{Store: newStore(t), GitHub: gh, Logger: logging.NewNoopLogger()}
	_, err := ing.Run(context.Background(), 1)
	require.EqualError(t, err, "rate limited")
}

func TestIssueIngester_DefaultSinceAndUpsert(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2023, 4, 2, 9, 0, 0, 0, time.UTC)
	amy := "amy"
	gh := &fakeGitHub{issuePages: map[int][]models.Issue{
		1: {
			{Number: 1, State: "open", Title: "bug", Labels: "bug,p1", Assignee: &amy},
			{Number: 2, State: "closed", Title: "chore"},
		},
	}}
	store := newStore(t)
	ing := &ingest.IssueIngester{Store: store, GitHub: gh, Logger: logging.NewNoopLogger(), Now: func() time.Time { return now }}

	n, err := ing.Run(ctx, 1, time.Time{})
	require.NoError(t, err)
	require.Equal(t, 2, n)
	require.Equal(t, now.Add(-24*time.Hour), gh.since[0])

	// Unchanged issues are not rewritten, changed ones are.
	gh.issuePages[1][1].State = "open"
	since := now.Add(-time.Hour)
	n, err = ing.Run(ctx, 1, since)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	require.Equal(t, since, gh.since[len(gh.since)-1])

	require.NoError(t, store.View(ctx, func(tx ledger.Tx) error {
		m, err := tx.IssuesByNumber(ctx, []int{1, 2})
		require.NoError(t, err)
		require.Equal(t, "amy", *m[1].Assignee)
		require.Equal(t, "bug,p1", m[1].Labels)
		require.Equal(t, "open", m[2].State)
		require.Nil(t, m[2].Assignee)
		return nil
	}))
}
