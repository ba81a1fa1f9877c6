package postgres

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/pkg/errors"
	"github.com/pullrekun/pullrekun/ledger"
	"github.com/pullrekun/pullrekun/models"
)

const (
	serverColumns = `id, name, instance_id, db_schema, is_staging, check_url`
	pullColumns   = `number, state, sha, title, ref, login, is_launched, db_schema, server_id, check_run_id`
	commitColumns = `sha, message, parent_a, parent_b, production_reported`
	issueColumns  = `number, state, title, body, labels, assignee`

	selectServersQuery = `SELECT ` + serverColumns + ` FROM servers ORDER BY id`
	selectServerQuery  = `SELECT ` + serverColumns + ` FROM servers WHERE id=$1`
	insertServerQuery  = `INSERT INTO servers(name, instance_id, db_schema, is_staging, check_url) VALUES ($1,$2,$3,$4,$5) RETURNING id`
	upsertServerQuery  = `INSERT INTO servers(` + serverColumns + `) VALUES ($1,$2,$3,$4,$5,$6)
		ON CONFLICT (id) DO UPDATE SET name=EXCLUDED.name, instance_id=EXCLUDED.instance_id,
		db_schema=EXCLUDED.db_schema, is_staging=EXCLUDED.is_staging, check_url=EXCLUDED.check_url`

	selectPullQuery        = `SELECT ` + pullColumns + ` FROM pull_requests WHERE number=$1`
	selectPullsByNumQuery  = `SELECT ` + pullColumns + ` FROM pull_requests WHERE number = ANY($1)`
	selectOpenPullsQuery   = `SELECT ` + pullColumns + ` FROM pull_requests WHERE state='open' ORDER BY number`
	upsertPullQuery        = `INSERT INTO pull_requests(` + pullColumns + `) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
		ON CONFLICT (number) DO UPDATE SET state=EXCLUDED.state, sha=EXCLUDED.sha, title=EXCLUDED.title,
		ref=EXCLUDED.ref, login=EXCLUDED.login, is_launched=EXCLUDED.is_launched, db_schema=EXCLUDED.db_schema,
		server_id=EXCLUDED.server_id, check_run_id=EXCLUDED.check_run_id`

	selectUserQuery      = `SELECT login, db_schema FROM github_users WHERE login=$1`
	selectFirstUserQuery = `SELECT login, db_schema FROM github_users ORDER BY login LIMIT 1`
	upsertUserQuery      = `INSERT INTO github_users(login, db_schema) VALUES ($1,$2)
		ON CONFLICT (login) DO UPDATE SET db_schema=EXCLUDED.db_schema`

	selectCommitQuery          = `SELECT ` + commitColumns + ` FROM commits WHERE sha=$1`
	selectCommitSHAsQuery      = `SELECT sha FROM commits WHERE sha = ANY($1)`
	updateCommitsReportedQuery = `UPDATE commits SET production_reported=TRUE WHERE sha = ANY($1)`

	selectIssuesByNumQuery = `SELECT ` + issueColumns + ` FROM issues WHERE number = ANY($1)`
	upsertIssueQuery       = `INSERT INTO issues(` + issueColumns + `) VALUES ($1,$2,$3,$4,$5,$6)
		ON CONFLICT (number) DO UPDATE SET state=EXCLUDED.state, title=EXCLUDED.title, body=EXCLUDED.body,
		labels=EXCLUDED.labels, assignee=EXCLUDED.assignee`
)

type pgTx struct {
	tx pgx.Tx
}

func notFound(err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return ledger.ErrNotFound
	}
	return err
}

func scanServer(row pgx.Row) (models.Server, error) {
	var s models.Server
	err := row.Scan(&s.ID, &s.Name, &s.InstanceID, &s.DBSchema, &s.IsStaging, &s.CheckURL)
	return s, err
}

func scanPull(row pgx.Row) (models.PullRequest, error) {
	var p models.PullRequest
	err := row.Scan(&p.Number, &p.State, &p.SHA, &p.Title, &p.Ref, &p.Login, &p.IsLaunched, &p.DBSchema, &p.ServerID, &p.CheckRunID)
	return p, err
}

func int64s(numbers []int) []int64 {
	out := make([]int64, len(numbers))
	for i, n := range numbers {
		out[i] = int64(n)
	}
	return out
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func (t *pgTx) ListServers(ctx context.Context) ([]models.Server, error) {
	rows, err := t.tx.Query(ctx, selectServersQuery)
	if err != nil {
		return nil, errors.Wrap(err, "select servers")
	}
	defer rows.Close()
	var servers []models.Server
	for rows.Next() {
		s, err := scanServer(rows)
		if err != nil {
			return nil, errors.Wrap(err, "scan server")
		}
		servers = append(servers, s)
	}
	return servers, rows.Err()
}

func (t *pgTx) GetServer(ctx context.Context, id int64) (models.Server, error) {
	s, err := scanServer(t.tx.QueryRow(ctx, selectServerQuery, id))
	return s, notFound(err)
}

func (t *pgTx) SaveServer(ctx context.Context, s models.Server) (models.Server, error) {
	if s.ID == 0 {
		err := t.tx.QueryRow(ctx, insertServerQuery, s.Name, s.InstanceID, s.DBSchema, s.IsStaging, s.CheckURL).Scan(&s.ID)
		return s, errors.Wrap(err, "insert server")
	}
	_, err := t.tx.Exec(ctx, upsertServerQuery, s.ID, s.Name, s.InstanceID, s.DBSchema, s.IsStaging, s.CheckURL)
	return s, errors.Wrapf(err, "upsert server %d", s.ID)
}

func (t *pgTx) GetPullRequest(ctx context.Context, number int) (models.PullRequest, error) {
	p, err := scanPull(t.tx.QueryRow(ctx, selectPullQuery, number))
	return p, notFound(err)
}

func (t *pgTx) PullRequestsByNumber(ctx context.Context, numbers []int) (map[int]models.PullRequest, error) {
	rows, err := t.tx.Query(ctx, selectPullsByNumQuery, int64s(numbers))
	if err != nil {
		return nil, errors.Wrap(err, "select pull requests")
	}
	defer rows.Close()
	m := make(map[int]models.PullRequest)
	for rows.Next() {
		p, err := scanPull(rows)
		if err != nil {
			return nil, errors.Wrap(err, "scan pull request")
		}
		m[p.Number] = p
	}
	return m, rows.Err()
}

func (t *pgTx) OpenPullRequests(ctx context.Context) ([]models.PullRequest, error) {
	rows, err := t.tx.Query(ctx, selectOpenPullsQuery)
	if err != nil {
		return nil, errors.Wrap(err, "select open pull requests")
	}
	defer rows.Close()
	var pulls []models.PullRequest
	for rows.Next() {
		p, err := scanPull(rows)
		if err != nil {
			return nil, errors.Wrap(err, "scan pull request")
		}
		pulls = append(pulls, p)
	}
	return pulls, rows.Err()
}

func (t *pgTx) SavePullRequest(ctx context.Context, p models.PullRequest) error {
	_, err := t.tx.Exec(ctx, upsertPullQuery,
		p.Number, p.State, p.SHA, p.Title, p.Ref, p.Login, p.IsLaunched, p.DBSchema, p.ServerID, p.CheckRunID)
	return errors.Wrapf(err, "upsert pull request #%d", p.Number)
}

func (t *pgTx) GetUser(ctx context.Context, login string) (models.GitHubUser, error) {
	var u models.GitHubUser
	err := t.tx.QueryRow(ctx, selectUserQuery, login).Scan(&u.Login, &u.DBSchema)
	return u, notFound(err)
}

func (t *pgTx) FirstUser(ctx context.Context) (models.GitHubUser, error) {
	var u models.GitHubUser
	err := t.tx.QueryRow(ctx, selectFirstUserQuery).Scan(&u.Login, &u.DBSchema)
	return u, notFound(err)
}

func (t *pgTx) SaveUser(ctx context.Context, u models.GitHubUser) error {
	if u.Login == "" {
		return errors.New("user login must not be empty")
	}
	_, err := t.tx.Exec(ctx, upsertUserQuery, u.Login, u.DBSchema)
	return errors.Wrapf(err, "upsert user %q", u.Login)
}

func (t *pgTx) GetCommit(ctx context.Context, sha string) (models.Commit, error) {
	var c models.Commit
	if sha == "" {
		return c, ledger.ErrNotFound
	}
	var parentA, parentB *string
	err := t.tx.QueryRow(ctx, selectCommitQuery, sha).Scan(&c.SHA, &c.Message, &parentA, &parentB, &c.ProductionReported)
	if err != nil {
		return c, notFound(err)
	}
	if parentA != nil {
		c.ParentA = *parentA
	}
	if parentB != nil {
		c.ParentB = *parentB
	}
	return c, nil
}

func (t *pgTx) ExistingCommits(ctx context.Context, shas []string) (map[string]bool, error) {
	rows, err := t.tx.Query(ctx, selectCommitSHAsQuery, shas)
	if err != nil {
		return nil, errors.Wrap(err, "select commit shas")
	}
	defer rows.Close()
	m := make(map[string]bool)
	for rows.Next() {
		var sha string
		if err := rows.Scan(&sha); err != nil {
			return nil, errors.Wrap(err, "scan commit sha")
		}
		m[sha] = true
	}
	return m, rows.Err()
}

// InsertCommits bulk loads with COPY. Callers filter out existing shas.
func (t *pgTx) InsertCommits(ctx context.Context, commits []models.Commit) error {
	if len(commits) == 0 {
		return nil
	}
	_, err := t.tx.CopyFrom(ctx,
		pgx.Identifier{"commits"},
		[]string{"sha", "message", "parent_a", "parent_b", "production_reported"},
		pgx.CopyFromSlice(len(commits), func(i int) ([]any, error) {
			c := commits[i]
			return []any{c.SHA, c.Message, nullable(c.ParentA), nullable(c.ParentB), c.ProductionReported}, nil
		}),
	)
	return errors.Wrapf(err, "copying %d commits", len(commits))
}

func (t *pgTx) MarkCommitsReported(ctx context.Context, shas []string) error {
	if len(shas) == 0 {
		return nil
	}
	_, err := t.tx.Exec(ctx, updateCommitsReportedQuery, shas)
	return errors.Wrap(err, "marking commits reported")
}

func (t *pgTx) IssuesByNumber(ctx context.Context, numbers []int) (map[int]models.Issue, error) {
	rows, err := t.tx.Query(ctx, selectIssuesByNumQuery, int64s(numbers))
	if err != nil {
		return nil, errors.Wrap(err, "select issues")
	}
	defer rows.Close()
	m := make(map[int]models.Issue)
	for rows.Next() {
		var i models.Issue
		if err := rows.Scan(&i.Number, &i.State, &i.Title, &i.Body, &i.Labels, &i.Assignee); err != nil {
			return nil, errors.Wrap(err, "scan issue")
		}
		m[i.Number] = i
	}
	return m, rows.Err()
}

func (t *pgTx) SaveIssue(ctx context.Context, i models.Issue) error {
	_, err := t.tx.Exec(ctx, upsertIssueQuery, i.Number, i.State, i.Title, i.Body, i.Labels, i.Assignee)
	return errors.Wrapf(err, "upsert issue #%d", i.Number)
}
