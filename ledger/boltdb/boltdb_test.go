package boltdb_test

import (
	"context"
	"io/ioutil"
	"os"

	"github.com/boltdb/bolt"
	"github.com/pkg/errors"
	"github.com/pullrekun/pullrekun/ledger"
	. "github.com/pullrekun/pullrekun/ledger/boltdb"
	"github.com/pullrekun/pullrekun/models"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"
)

var _ = Describe("BoltDB", func() {
	var db *bolt.DB
	var store *BoltDB
	ctx := context.Background()

	BeforeEach(func() {
		db = newTestDB()
		var err error
		store, err = NewWithDB(db)
		Expect(err).NotTo(HaveOccurred())
	})
	AfterEach(func() {
		os.Remove(db.Path())
		db.Close()
	})

	update := func(fn func(tx ledger.Tx) error) {
		Expect(store.Update(ctx, fn)).To(Succeed())
	}
	int64p := func(v int64) *int64 { return &v }

	Describe("servers", func() {
		It("assigns increasing ids on insert and keeps them on update", func() {
			update(func(tx ledger.Tx) error {
				a, err := tx.SaveServer(ctx, models.Server{Name: "stg1", IsStaging: true})
				Expect(err).NotTo(HaveOccurred())
				b, err := tx.SaveServer(ctx, models.Server{Name: "stg2", IsStaging: true})
				Expect(err).NotTo(HaveOccurred())
				Expect(a.ID).To(Equal(int64(1)))
				Expect(b.ID).To(Equal(int64(2)))

				a.CheckURL = "http://stg1/health"
				_, err = tx.SaveServer(ctx, a)
				return err
			})
			Expect(store.View(ctx, func(tx ledger.Tx) error {
				servers, err := tx.ListServers(ctx)
				Expect(err).NotTo(HaveOccurred())
				Expect(servers).To(HaveLen(2))
				Expect(servers[0].CheckURL).To(Equal("http://stg1/health"))
				return nil
			})).To(Succeed())
		})

		It("returns ErrNotFound for an unknown id", func() {
			Expect(store.View(ctx, func(tx ledger.Tx) error {
				_, err := tx.GetServer(ctx, 42)
				Expect(ledger.IsNotFound(err)).To(BeTrue())
				return nil
			})).To(Succeed())
		})
	})

	Describe("pull requests", func() {
		BeforeEach(func() {
			update(func(tx ledger.Tx) error {
				for _, p := range []models.PullRequest{
					{Number: 12, State: models.StateOpen, SHA: "a", ServerID: int64p(1)},
					{Number: 3, State: models.StateClosed, SHA: "b"},
					{Number: 7, State: models.StateOpen, SHA: "c"},
				} {
					if err := tx.SavePullRequest(ctx, p); err != nil {
						return err
					}
				}
				return nil
			})
		})

		It("looks rows up by membership", func() {
			Expect(store.View(ctx, func(tx ledger.Tx) error {
				m, err := tx.PullRequestsByNumber(ctx, []int{3, 12, 99})
				Expect(err).NotTo(HaveOccurred())
				Expect(m).To(HaveLen(2))
				Expect(m).To(HaveKey(3))
				Expect(m[12].ServerID).To(Equal(int64p(1)))
				return nil
			})).To(Succeed())
		})

		It("lists open pull requests sorted by number", func() {
			Expect(store.View(ctx, func(tx ledger.Tx) error {
				open, err := tx.OpenPullRequests(ctx)
				Expect(err).NotTo(HaveOccurred())
				Expect(open).To(HaveLen(2))
				Expect(open[0].Number).To(Equal(7))
				Expect(open[1].Number).To(Equal(12))
				return nil
			})).To(Succeed())
		})

		It("discards writes when the update function fails", func() {
			err := store.Update(ctx, func(tx ledger.Tx) error {
				Expect(tx.SavePullRequest(ctx, models.PullRequest{Number: 50, State: models.StateOpen})).To(Succeed())
				return errors.New("clone failed")
			})
			Expect(err).To(MatchError("clone failed"))
			Expect(store.View(ctx, func(tx ledger.Tx) error {
				_, err := tx.GetPullRequest(ctx, 50)
				Expect(ledger.IsNotFound(err)).To(BeTrue())
				return nil
			})).To(Succeed())
		})
	})

	Describe("users", func() {
		It("returns ErrNotFound from FirstUser when empty", func() {
			Expect(store.View(ctx, func(tx ledger.Tx) error {
				_, err := tx.FirstUser(ctx)
				Expect(ledger.IsNotFound(err)).To(BeTrue())
				return nil
			})).To(Succeed())
		})

		It("returns the lowest login from FirstUser", func() {
			update(func(tx ledger.Tx) error {
				Expect(tx.SaveUser(ctx, models.GitHubUser{Login: "mallory", DBSchema: "m"})).To(Succeed())
				Expect(tx.SaveUser(ctx, models.GitHubUser{Login: "alice", DBSchema: "a"})).To(Succeed())
				return nil
			})
			Expect(store.View(ctx, func(tx ledger.Tx) error {
				u, err := tx.FirstUser(ctx)
				Expect(err).NotTo(HaveOccurred())
				Expect(u.Login).To(Equal("alice"))
				return nil
			})).To(Succeed())
		})
	})

	Describe("commits", func() {
		It("reports existing shas and marks commits reported", func() {
			update(func(tx ledger.Tx) error {
				return tx.InsertCommits(ctx, []models.Commit{
					{SHA: "h", Message: "head", ParentA: "p"},
					{SHA: "p", Message: "parent"},
				})
			})
			update(func(tx ledger.Tx) error {
				existing, err := tx.ExistingCommits(ctx, []string{"h", "x", ""})
				Expect(err).NotTo(HaveOccurred())
				Expect(existing).To(Equal(map[string]bool{"h": true}))
				return tx.MarkCommitsReported(ctx, []string{"h", "missing"})
			})
			Expect(store.View(ctx, func(tx ledger.Tx) error {
				h, err := tx.GetCommit(ctx, "h")
				Expect(err).NotTo(HaveOccurred())
				Expect(h.ProductionReported).To(BeTrue())
				p, err := tx.GetCommit(ctx, "p")
				Expect(err).NotTo(HaveOccurred())
				Expect(p.ProductionReported).To(BeFalse())
				_, err = tx.GetCommit(ctx, "")
				Expect(ledger.IsNotFound(err)).To(BeTrue())
				return nil
			})).To(Succeed())
		})
	})

	Describe("issues", func() {
		It("upserts by number", func() {
			bob := "bob"
			update(func(tx ledger.Tx) error {
				Expect(tx.SaveIssue(ctx, models.Issue{Number: 5, Title: "old"})).To(Succeed())
				return tx.SaveIssue(ctx, models.Issue{Number: 5, Title: "new", Assignee: &bob})
			})
			Expect(store.View(ctx, func(tx ledger.Tx) error {
				m, err := tx.IssuesByNumber(ctx, []int{5, 6})
				Expect(err).NotTo(HaveOccurred())
				Expect(m).To(HaveLen(1))
				Expect(m[5].Title).To(Equal("new"))
				Expect(*m[5].Assignee).To(Equal("bob"))
				return nil
			})).To(Succeed())
		})
	})

	Describe("Environments", func() {
		It("joins open pull requests with their staging servers", func() {
			update(func(tx ledger.Tx) error {
				stg, _ := tx.SaveServer(ctx, models.Server{Name: "stg", IsStaging: true})
				prod, _ := tx.SaveServer(ctx, models.Server{Name: "prod"})
				Expect(tx.SavePullRequest(ctx, models.PullRequest{Number: 1, State: models.StateOpen, ServerID: &stg.ID})).To(Succeed())
				Expect(tx.SavePullRequest(ctx, models.PullRequest{Number: 2, State: models.StateOpen, ServerID: &prod.ID})).To(Succeed())
				Expect(tx.SavePullRequest(ctx, models.PullRequest{Number: 3, State: models.StateOpen})).To(Succeed())
				Expect(tx.SavePullRequest(ctx, models.PullRequest{Number: 4, State: models.StateClosed, ServerID: &stg.ID})).To(Succeed())
				return nil
			})
			Expect(store.View(ctx, func(tx ledger.Tx) error {
				envs, err := ledger.Environments(ctx, tx)
				Expect(err).NotTo(HaveOccurred())
				Expect(envs).To(HaveLen(1))
				Expect(envs[0].Pull.Number).To(Equal(1))
				Expect(envs[0].Server.Name).To(Equal("stg"))
				return nil
			})).To(Succeed())
		})
	})
})

// newTestDB returns a bolt DB using a temporary path.
func newTestDB() *bolt.DB {
	f, err := ioutil.TempFile("", "")
	if err != nil {
		panic(errors.Wrap(err, "failed to create temp file"))
	}
	path := f.Name()
	f.Close()

	db, err := bolt.Open(path, 0600, nil)
	if err != nil {
		panic(errors.Wrap(err, "could not start bolt DB"))
	}
	return db
}
