// Package checks reports staging readiness back to GitHub as check runs.
package checks

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Gateway creates and completes the readiness check of a pull request head.
type Gateway interface {
	// Create starts an in-progress check on sha and returns its id.
	Create(ctx context.Context, sha string, detailsURL string) (int64, error)
	// Complete marks the check finished with success.
	Complete(ctx context.Context, id int64) error
}

// CheckRunClient is the subset of the GitHub client the gateway needs.
type CheckRunClient interface {
	CreateCheckRun(ctx context.Context, name string, sha string, detailsURL string, externalID string, startedAt time.Time) (int64, error)
	CompleteCheckRun(ctx context.Context, name string, id int64, completedAt time.Time) error
}

// CheckRunGateway implements Gateway with GitHub check runs.
type CheckRunGateway struct {
	Client CheckRunClient
	// Name is the check name shown on the pull request.
	Name string
	// Now defaults to time.Now.
	Now func() time.Time
}

func (g *CheckRunGateway) now() time.Time {
	if g.Now != nil {
		return g.Now()
	}
	return time.Now()
}

func (g *CheckRunGateway) Create(ctx context.Context, sha string, detailsURL string) (int64, error) {
	return g.Client.CreateCheckRun(ctx, g.Name, sha, detailsURL, uuid.New().String(), g.now())
}

func (g *CheckRunGateway) Complete(ctx context.Context, id int64) error {
	return g.Client.CompleteCheckRun(ctx, g.Name, id, g.now())
}
