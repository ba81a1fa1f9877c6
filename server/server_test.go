package server_test

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/pullrekun/pullrekun/ledger"
	"github.com/pullrekun/pullrekun/ledger/boltdb"
	"github.com/pullrekun/pullrekun/locking"
	lockboltdb "github.com/pullrekun/pullrekun/locking/boltdb"
	"github.com/pullrekun/pullrekun/logging"
	"github.com/pullrekun/pullrekun/models"
	"github.com/pullrekun/pullrekun/reconcile"
	"github.com/pullrekun/pullrekun/release"
	"github.com/pullrekun/pullrekun/server"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	steps []string
	since time.Time
}

type commitStep struct{ r *recorder }

func (c commitStep) Run(context.Context, int) (int, error) {
	c.r.steps = append(c.r.steps, "commits")
	return 0, nil
}

type issueStep struct{ r *recorder }

func (i issueStep) Run(_ context.Context, _ int, since time.Time) (int, error) {
	i.r.steps = append(i.r.steps, "issues")
	i.r.since = since
	return 0, nil
}

type reconcileStep struct {
	r   *recorder
	err error
}

func (s reconcileStep) Run(context.Context) (reconcile.Result, error) {
	s.r.steps = append(s.r.steps, "reconcile")
	return reconcile.Result{Launched: 1}, s.err
}

type announceStep struct {
	r       *recorder
	sendErr error
}

func (a announceStep) Announce(context.Context) (release.Announcement, error) {
	a.r.steps = append(a.r.steps, "announce")
	return release.Announcement{Entries: []release.Entry{{SHA: "h"}, {SHA: "a"}}, SendErr: a.sendErr}, nil
}

func newScheduler(r *recorder, reconcileErr error) *server.Scheduler {
	return &server.Scheduler{
		Interval:      time.Hour,
		Commits:       commitStep{r},
		Issues:        issueStep{r},
		IssueLookback: 24 * time.Hour,
		Reconciler:    reconcileStep{r, reconcileErr},
		Announcer:     announceStep{r: r},
		Logger:        logging.NewNoopLogger(),
	}
}

func TestScheduler_RunOnceOrder(t *testing.T) {
	var r recorder
	s := newScheduler(&r, nil)

	st := s.RunOnce(context.Background())
	require.Equal(t, []string{"commits", "issues", "reconcile", "announce"}, r.steps)
	require.Equal(t, 1, st.Cycles)
	require.Equal(t, 1, st.LastResult.Launched)
	require.Equal(t, 2, st.LastAnnounced)
	require.Empty(t, st.Errors)
	require.WithinDuration(t, time.Now().Add(-24*time.Hour), r.since, time.Minute)
	require.Equal(t, st, s.Status())
}

func TestScheduler_FailingStepDoesNotStopOthers(t *testing.T) {
	var r recorder
	s := newScheduler(&r, errors.New("clone failed"))

	st := s.RunOnce(context.Background())
	require.Equal(t, []string{"commits", "issues", "reconcile", "announce"}, r.steps)
	require.Equal(t, []string{"reconciling: clone failed"}, st.Errors)
}

func TestScheduler_WebhookFailureReported(t *testing.T) {
	var r recorder
	s := newScheduler(&r, nil)
	s.Announcer = announceStep{r: &r, sendErr: errors.New("1 of 2 webhooks failed: 503")}

	st := s.RunOnce(context.Background())
	require.Equal(t, 2, st.LastAnnounced)
	require.Equal(t, []string{"announcing: 1 of 2 webhooks failed: 503"}, st.Errors)
}

func TestScheduler_SkipsCycleWhileLeaseHeld(t *testing.T) {
	store, err := boltdb.New(t.TempDir())
	require.NoError(t, err)
	defer store.Close() // nolint: errcheck
	locker, err := lockboltdb.New(store.DB())
	require.NoError(t, err)

	var r recorder
	s := newScheduler(&r, nil)
	s.Locker = locker
	s.LockOwner = "host-a:1"
	s.LockTTL = time.Minute

	now := time.Now()
	_, err = locker.TryLock(context.Background(), locking.CycleLock, locking.Lease{Owner: "host-b:2", AcquiredAt: now, ExpiresAt: now.Add(time.Minute)})
	require.NoError(t, err)

	st := s.RunOnce(context.Background())
	require.Empty(t, r.steps)
	require.Len(t, st.Errors, 1)
	require.Contains(t, st.Errors[0], "host-b:2")

	require.NoError(t, locker.Unlock(context.Background(), locking.CycleLock, "host-b:2"))
	st = s.RunOnce(context.Background())
	require.Equal(t, []string{"commits", "issues", "reconcile", "announce"}, r.steps)
	require.Empty(t, st.Errors)

	locks, err := locker.ListLocks(context.Background())
	require.NoError(t, err)
	require.Empty(t, locks)
}

func TestScheduler_StartStopsWithContext(t *testing.T) {
	var r recorder
	s := newScheduler(&r, nil)
	s.Interval = 10 * time.Millisecond
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		s.Start(ctx)
		close(done)
	}()
	require.Eventually(t, func() bool { return s.Status().Cycles >= 2 }, 2*time.Second, 5*time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("scheduler did not stop")
	}
}

func newServer(t *testing.T) *server.Server {
	t.Helper()
	ctx := context.Background()
	store, err := boltdb.New(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	require.NoError(t, store.Update(ctx, func(tx ledger.Tx) error {
		s, err := tx.SaveServer(ctx, models.Server{Name: "stg1", InstanceID: "i-1", DBSchema: "stg1", IsStaging: true, CheckURL: "https://stg1.example.com/"})
		if err != nil {
			return err
		}
		return tx.SavePullRequest(ctx, models.PullRequest{Number: 12, State: models.StateOpen, SHA: "0123456789", Title: "<b>cart</b>", Ref: "feature/cart", ServerID: &s.ID})
	}))
	var r recorder
	return server.New(store, newScheduler(&r, nil), logging.NewNoopLogger(), models.Repo{Owner: "acme", Name: "shop"}, "127.0.0.1:0", time.Second)
}

func TestHealthz(t *testing.T) {
	resp, err := newServer(t).App.Test(httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestEnvironmentsAPI(t *testing.T) {
	resp, err := newServer(t).App.Test(httptest.NewRequest(http.MethodGet, "/api/environments", nil))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body []server.EnvironmentView
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	require.Len(t, body, 1)
	require.Equal(t, 12, body[0].Number)
	require.Equal(t, "stg1", body[0].ServerName)
	require.Equal(t, "0123456789", body[0].SHA)
	require.False(t, body[0].Launched)
}

func TestStatusAPI(t *testing.T) {
	s := newServer(t)
	s.Scheduler.RunOnce(context.Background())

	resp, err := s.App.Test(httptest.NewRequest(http.MethodGet, "/api/status", nil))
	require.NoError(t, err)
	defer resp.Body.Close()
	var st server.Status
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&st))
	require.Equal(t, 1, st.Cycles)
}

func TestIndex(t *testing.T) {
	resp, err := newServer(t).App.Test(httptest.NewRequest(http.MethodGet, "/", nil))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Contains(t, resp.Header.Get("Content-Type"), "text/html")

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.Contains(t, string(body), "acme/shop")
	require.Contains(t, string(body), "#12")
	require.Contains(t, string(body), "0123456")
	require.Contains(t, string(body), "&lt;b&gt;cart&lt;/b&gt;")
	require.Contains(t, string(body), "launching")
}
