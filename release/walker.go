// Package release announces commits that reached production since the
// last announcement.
package release

import (
	"context"
	"regexp"
	"strconv"

	"github.com/pkg/errors"
	"github.com/pullrekun/pullrekun/ledger"
	"github.com/pullrekun/pullrekun/logging"
)

var mergePullRequest = regexp.MustCompile(`Merge pull request #(\d+)`)

// Entry is one unreported commit and the line it contributes to the
// announcement.
type Entry struct {
	SHA     string
	Message string
}

// Walker collects the unreported commits reachable from a head.
type Walker struct {
	Logger *logging.SimpleLogger
}

// Walk visits the commit graph depth first from headSHA, self before
// first parent before second parent. It does not descend past commits
// already reported, already visited, or not ingested yet, so every commit
// appears at most once and the walk ends even when branches reconverge.
func (w *Walker) Walk(ctx context.Context, tx ledger.Tx, headSHA string) ([]Entry, error) {
	var entries []Entry
	visited := make(map[string]bool)
	stack := []string{headSHA}
	for len(stack) > 0 {
		sha := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if sha == "" || visited[sha] {
			continue
		}
		visited[sha] = true

		c, err := tx.GetCommit(ctx, sha)
		if ledger.IsNotFound(err) {
			w.Logger.Debug("commit %s not ingested, stopping there", sha)
			continue
		}
		if err != nil {
			return nil, errors.Wrapf(err, "getting commit %s", sha)
		}
		if c.ProductionReported {
			continue
		}
		msg, err := w.displayMessage(ctx, tx, c.Message)
		if err != nil {
			return nil, err
		}
		entries = append(entries, Entry{SHA: c.SHA, Message: msg})
		// Second parent pushed first so the first parent is walked first.
		stack = append(stack, c.ParentB, c.ParentA)
	}
	return entries, nil
}

// displayMessage replaces a GitHub merge commit message with the title of
// the merged pull request when the ledger knows it.
func (w *Walker) displayMessage(ctx context.Context, tx ledger.Tx, message string) (string, error) {
	m := mergePullRequest.FindStringSubmatch(message)
	if m == nil {
		return message, nil
	}
	number, err := strconv.Atoi(m[1])
	if err != nil {
		return message, nil
	}
	pr, err := tx.GetPullRequest(ctx, number)
	if ledger.IsNotFound(err) {
		return message, nil
	}
	if err != nil {
		return "", errors.Wrapf(err, "getting pull #%d", number)
	}
	return pr.Title, nil
}
