package release

import (
	"context"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/pullrekun/pullrekun/ledger"
	"github.com/pullrekun/pullrekun/logging"
)

// Header starts every announcement.
const Header = "以下の内容がリリースされました！"

// Sender delivers the announcement, e.g. *notify.Manager.
type Sender interface {
	Send(ctx context.Context, message string) error
}

// Announcement is what one Announce call found and did.
type Announcement struct {
	HeadSHA string  `json:"head_sha"`
	Entries []Entry `json:"entries"`
	// Message is empty if nothing was sent.
	Message string `json:"message"`
	// SendErr holds the delivery failure, if any. It never prevents the
	// commits from being marked reported.
	SendErr error `json:"-"`
}

// Announcer posts the commits deployed since the last announcement.
type Announcer struct {
	Store   ledger.Store
	Head    HeadSource
	Walker  *Walker
	Sender  Sender
	Logger  *logging.SimpleLogger
	Timeout time.Duration
}

// Announce resolves the deployed head, collects the unreported commits
// behind it, notifies and marks them all reported. Merge branch commits
// are marked but left out of the message.
func (a *Announcer) Announce(ctx context.Context) (Announcement, error) {
	var ann Announcement
	head, err := a.head(ctx)
	if err != nil {
		return ann, err
	}
	ann.HeadSHA = head

	err = a.Store.View(ctx, func(tx ledger.Tx) error {
		var err error
		ann.Entries, err = a.Walker.Walk(ctx, tx, head)
		return err
	})
	if err != nil {
		return ann, errors.Wrapf(err, "walking commits from %s", head)
	}
	if len(ann.Entries) == 0 {
		a.Logger.Debug("nothing new deployed at %s", head)
		return ann, nil
	}

	if message, ok := BuildMessage(ann.Entries); ok {
		ann.Message = message
		ann.SendErr = a.send(ctx, message)
		if ann.SendErr != nil {
			a.Logger.Warn("announcing %s: %s", head, ann.SendErr)
		}
	}

	shas := make([]string, 0, len(ann.Entries))
	for _, e := range ann.Entries {
		shas = append(shas, e.SHA)
	}
	err = a.Store.Update(ctx, func(tx ledger.Tx) error {
		return tx.MarkCommitsReported(ctx, shas)
	})
	if err != nil {
		return ann, errors.Wrapf(err, "marking %d commits reported", len(shas))
	}
	a.Logger.Info("marked %d commits up to %s reported", len(shas), head)
	return ann, nil
}

// BuildMessage renders the announcement. It returns false if only merge
// branch commits are left.
func BuildMessage(entries []Entry) (string, bool) {
	var lines []string
	for _, e := range entries {
		if strings.Contains(e.Message, "Merge branch ") {
			continue
		}
		lines = append(lines, e.Message)
	}
	if len(lines) == 0 {
		return "", false
	}
	return Header + "\n" + strings.Join(lines, "\n"), true
}

func (a *Announcer) head(ctx context.Context) (string, error) {
	ctx, cancel := a.withTimeout(ctx)
	defer cancel()
	head, err := a.Head.Head(ctx)
	if err != nil {
		return "", errors.Wrap(err, "resolving deployed head")
	}
	return head, nil
}

func (a *Announcer) send(ctx context.Context, message string) error {
	// Each webhook carries its own timeout.
	if a.Sender == nil {
		return nil
	}
	return a.Sender.Send(ctx, message)
}

func (a *Announcer) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if a.Timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, a.Timeout)
}
