// Package models holds the records shared between the ledger, the
// reconciler and the release walker.
package models

import "fmt"

// Pull request states as reported by GitHub.
const (
	StateOpen   = "open"
	StateClosed = "closed"
)

// Repo identifies the GitHub repository being watched.
type Repo struct {
	Owner string
	Name  string
}

// FullName returns owner/name.
func (r Repo) FullName() string {
	return fmt.Sprintf("%s/%s", r.Owner, r.Name)
}

// Server is a reusable staging machine. Only servers with IsStaging set
// are ever handed to pull requests.
type Server struct {
	ID         int64
	Name       string
	InstanceID string
	// DBSchema is the database this server's application reads from. It is
	// overwritten with a clone of the pull request's template on launch.
	DBSchema  string
	IsStaging bool
	CheckURL  string
}

// PullRequest is the ledger row for a pull request observed on GitHub.
type PullRequest struct {
	Number     int
	State      string
	SHA        string
	Title      string
	Ref        string
	Login      string
	IsLaunched bool
	// DBSchema is the template schema the environment mirrors.
	DBSchema string
	// ServerID is set only while the pull request is open and owns an
	// environment.
	ServerID   *int64
	CheckRunID *int64
}

// IsOpen returns true if the pull request is open.
func (p PullRequest) IsOpen() bool {
	return p.State == StateOpen
}

// HasServer returns true if an environment is assigned.
func (p PullRequest) HasServer() bool {
	return p.ServerID != nil
}

// RemotePullRequest is the subset of a GitHub pull request the
// reconciler compares against the ledger.
type RemotePullRequest struct {
	Number int
	State  string
	SHA    string
	Title  string
	Ref    string
	Login  string
}

// GitHubUser maps an author to the schema template their pull requests
// start from.
type GitHubUser struct {
	Login    string
	DBSchema string
}

// Commit is one node of the ingested commit graph. ParentA and ParentB
// are empty when the commit has fewer parents.
type Commit struct {
	SHA                string
	Message            string
	ParentA            string
	ParentB            string
	ProductionReported bool
}

// Parents returns the non-empty parent SHAs, first parent first.
func (c Commit) Parents() []string {
	var ps []string
	if c.ParentA != "" {
		ps = append(ps, c.ParentA)
	}
	if c.ParentB != "" {
		ps = append(ps, c.ParentB)
	}
	return ps
}

// Issue mirrors a GitHub issue for reporting.
type Issue struct {
	Number   int
	State    string
	Title    string
	Body     string
	Labels   string
	Assignee *string
}

// Environment is an open pull request joined with the server backing it.
type Environment struct {
	Pull   PullRequest
	Server Server
}
