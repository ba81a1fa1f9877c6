// Package boltdb is the default ledger backend, an embedded BoltDB file.
package boltdb

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"os"
	"path"
	"time"

	"github.com/boltdb/bolt"
	"github.com/pkg/errors"
	"github.com/pullrekun/pullrekun/ledger"
	"github.com/pullrekun/pullrekun/models"
)

const dbFile = "pullrekun.db"

var (
	serversBucket = []byte("servers")
	pullsBucket   = []byte("pull_requests")
	usersBucket   = []byte("github_users")
	commitsBucket = []byte("commits")
	issuesBucket  = []byte("issues")
	allBuckets    = [][]byte{serversBucket, pullsBucket, usersBucket, commitsBucket, issuesBucket}
)

// BoltDB is a ledger.Store backed by a single bolt file.
type BoltDB struct {
	db *bolt.DB
}

// New opens or creates the database in dataDir.
func New(dataDir string) (*BoltDB, error) {
	if err := os.MkdirAll(dataDir, 0700); err != nil {
		return nil, errors.Wrap(err, "creating data dir")
	}
	db, err := bolt.Open(path.Join(dataDir, dbFile), 0600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		if err.Error() == "timeout" {
			return nil, errors.New("starting BoltDB: timeout (a possible cause is another pullrekun instance already running)")
		}
		return nil, errors.Wrap(err, "starting BoltDB")
	}
	return NewWithDB(db)
}

// NewWithDB is used for testing.
func NewWithDB(db *bolt.DB) (*BoltDB, error) {
	err := db.Update(func(tx *bolt.Tx) error {
		for _, b := range allBuckets {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return errors.Wrapf(err, "creating %q bucket", string(b))
			}
		}
		return nil
	})
	if err != nil {
		return nil, errors.Wrap(err, "starting BoltDB")
	}
	return &BoltDB{db}, nil
}

// Update runs fn in a read-write transaction.
func (b *BoltDB) Update(ctx context.Context, fn func(tx ledger.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return b.db.Update(func(tx *bolt.Tx) error {
		return fn(&boltTx{tx})
	})
}

// View runs fn in a read-only transaction.
func (b *BoltDB) View(ctx context.Context, fn func(tx ledger.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return b.db.View(func(tx *bolt.Tx) error {
		return fn(&boltTx{tx})
	})
}

// DB exposes the underlying bolt handle so leases can share the file.
func (b *BoltDB) DB() *bolt.DB {
	return b.db
}

// Close releases the file lock.
func (b *BoltDB) Close() error {
	return b.db.Close()
}

// Path returns the database file location.
func (b *BoltDB) Path() string {
	return b.db.Path()
}

type boltTx struct {
	tx *bolt.Tx
}

func itob(v int64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, uint64(v))
	return b
}

func (t *boltTx) get(bucket []byte, key []byte, v interface{}) error {
	raw := t.tx.Bucket(bucket).Get(key)
	if raw == nil {
		return ledger.ErrNotFound
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return errors.Wrapf(err, "failed to deserialize %s record", string(bucket))
	}
	return nil
}

func (t *boltTx) put(bucket []byte, key []byte, v interface{}) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return errors.Wrapf(err, "failed to serialize %s record", string(bucket))
	}
	return t.tx.Bucket(bucket).Put(key, raw)
}

func (t *boltTx) ListServers(_ context.Context) ([]models.Server, error) {
	var servers []models.Server
	err := t.tx.Bucket(serversBucket).ForEach(func(k, v []byte) error {
		var s models.Server
		if err := json.Unmarshal(v, &s); err != nil {
			return errors.Wrapf(err, "failed to deserialize server at key %x", k)
		}
		servers = append(servers, s)
		return nil
	})
	return servers, err
}

func (t *boltTx) GetServer(_ context.Context, id int64) (models.Server, error) {
	var s models.Server
	err := t.get(serversBucket, itob(id), &s)
	return s, err
}

func (t *boltTx) SaveServer(_ context.Context, s models.Server) (models.Server, error) {
	if s.ID == 0 {
		seq, err := t.tx.Bucket(serversBucket).NextSequence()
		if err != nil {
			return s, errors.Wrap(err, "allocating server id")
		}
		s.ID = int64(seq)
	}
	return s, t.put(serversBucket, itob(s.ID), s)
}

func (t *boltTx) GetPullRequest(_ context.Context, number int) (models.PullRequest, error) {
	var p models.PullRequest
	err := t.get(pullsBucket, itob(int64(number)), &p)
	return p, err
}

func (t *boltTx) PullRequestsByNumber(ctx context.Context, numbers []int) (map[int]models.PullRequest, error) {
	m := make(map[int]models.PullRequest)
	for _, n := range numbers {
		p, err := t.GetPullRequest(ctx, n)
		if ledger.IsNotFound(err) {
			continue
		}
		if err != nil {
			return nil, err
		}
		m[n] = p
	}
	return m, nil
}

// OpenPullRequests scans the bucket in key order, so results are sorted by
// number.
func (t *boltTx) OpenPullRequests(_ context.Context) ([]models.PullRequest, error) {
	var pulls []models.PullRequest
	err := t.tx.Bucket(pullsBucket).ForEach(func(k, v []byte) error {
		var p models.PullRequest
		if err := json.Unmarshal(v, &p); err != nil {
			return errors.Wrapf(err, "failed to deserialize pull request at key %x", k)
		}
		if p.IsOpen() {
			pulls = append(pulls, p)
		}
		return nil
	})
	return pulls, err
}

func (t *boltTx) SavePullRequest(_ context.Context, pr models.PullRequest) error {
	return t.put(pullsBucket, itob(int64(pr.Number)), pr)
}

func (t *boltTx) GetUser(_ context.Context, login string) (models.GitHubUser, error) {
	var u models.GitHubUser
	err := t.get(usersBucket, []byte(login), &u)
	return u, err
}

func (t *boltTx) FirstUser(_ context.Context) (models.GitHubUser, error) {
	var u models.GitHubUser
	k, v := t.tx.Bucket(usersBucket).Cursor().First()
	if k == nil {
		return u, ledger.ErrNotFound
	}
	if err := json.Unmarshal(v, &u); err != nil {
		return u, errors.Wrapf(err, "failed to deserialize user %q", string(k))
	}
	return u, nil
}

func (t *boltTx) SaveUser(_ context.Context, u models.GitHubUser) error {
	if u.Login == "" {
		return errors.New("user login must not be empty")
	}
	return t.put(usersBucket, []byte(u.Login), u)
}

func (t *boltTx) GetCommit(_ context.Context, sha string) (models.Commit, error) {
	var c models.Commit
	if sha == "" {
		return c, ledger.ErrNotFound
	}
	err := t.get(commitsBucket, []byte(sha), &c)
	return c, err
}

func (t *boltTx) ExistingCommits(_ context.Context, shas []string) (map[string]bool, error) {
	m := make(map[string]bool)
	b := t.tx.Bucket(commitsBucket)
	for _, sha := range shas {
		if sha != "" && b.Get([]byte(sha)) != nil {
			m[sha] = true
		}
	}
	return m, nil
}

func (t *boltTx) InsertCommits(_ context.Context, commits []models.Commit) error {
	for _, c := range commits {
		if err := t.put(commitsBucket, []byte(c.SHA), c); err != nil {
			return errors.Wrapf(err, "inserting commit %s", c.SHA)
		}
	}
	return nil
}

func (t *boltTx) MarkCommitsReported(ctx context.Context, shas []string) error {
	for _, sha := range shas {
		c, err := t.GetCommit(ctx, sha)
		if ledger.IsNotFound(err) {
			continue
		}
		if err != nil {
			return err
		}
		c.ProductionReported = true
		if err := t.put(commitsBucket, []byte(sha), c); err != nil {
			return errors.Wrapf(err, "marking commit %s reported", sha)
		}
	}
	return nil
}

func (t *boltTx) IssuesByNumber(_ context.Context, numbers []int) (map[int]models.Issue, error) {
	m := make(map[int]models.Issue)
	for _, n := range numbers {
		var i models.Issue
		err := t.get(issuesBucket, itob(int64(n)), &i)
		if ledger.IsNotFound(err) {
			continue
		}
		if err != nil {
			return nil, err
		}
		m[n] = i
	}
	return m, nil
}

func (t *boltTx) SaveIssue(_ context.Context, issue models.Issue) error {
	return t.put(issuesBucket, itob(int64(issue.Number)), issue)
}
