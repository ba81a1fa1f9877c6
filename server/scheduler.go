package server

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pullrekun/pullrekun/locking"
	"github.com/pullrekun/pullrekun/logging"
	"github.com/pullrekun/pullrekun/reconcile"
	"github.com/pullrekun/pullrekun/release"
)

type CommitIngester interface {
	Run(ctx context.Context, pages int) (int, error)
}

type IssueIngester interface {
	Run(ctx context.Context, pages int, since time.Time) (int, error)
}

type Reconciler interface {
	Run(ctx context.Context) (reconcile.Result, error)
}

type Announcer interface {
	Announce(ctx context.Context) (release.Announcement, error)
}

// Status describes the last finished cycle.
type Status struct {
	Cycles        int              `json:"cycles"`
	LastCycleID   string           `json:"last_cycle_id,omitempty"`
	LastStartedAt time.Time        `json:"last_started_at,omitempty"`
	LastDuration  string           `json:"last_duration,omitempty"`
	LastResult    reconcile.Result `json:"last_result"`
	LastAnnounced int              `json:"last_announced"`
	Errors        []string         `json:"errors,omitempty"`
}

// Scheduler runs ingest, reconcile and announce one after the other on a
// fixed interval from a single goroutine, so no two cycles ever overlap.
// Any step may be nil. When Locker is set each cycle runs under the cycle
// lease so that other processes sharing the ledger wait their turn.
type Scheduler struct {
	Interval      time.Duration
	Commits       CommitIngester
	CommitPages   int
	Issues        IssueIngester
	IssuePages    int
	IssueLookback time.Duration
	Reconciler    Reconciler
	Announcer     Announcer
	Locker        locking.Locker
	LockOwner     string
	LockTTL       time.Duration
	Logger        *logging.SimpleLogger

	mu     sync.RWMutex
	status Status
}

// Start runs a cycle immediately and then every Interval until ctx is
// done.
func (s *Scheduler) Start(ctx context.Context) {
	ticker := time.NewTicker(s.Interval)
	defer ticker.Stop()
	for {
		s.RunOnce(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// RunOnce runs one cycle. A failing step is logged and does not stop the
// steps after it.
func (s *Scheduler) RunOnce(ctx context.Context) Status {
	id := uuid.New().String()
	log := s.Logger.With("cycle", id)
	started := time.Now()
	var errs []string
	fail := func(step string, err error) {
		log.Err("%s failed: %s", step, err)
		errs = append(errs, step+": "+err.Error())
	}

	var res reconcile.Result
	announced := 0
	err := locking.WithLock(ctx, s.Locker, locking.CycleLock, s.LockOwner, s.LockTTL, func(ctx context.Context) error {
		res, announced = s.runSteps(ctx, log, started, fail)
		return nil
	})
	if locking.IsLocked(err) {
		log.Info("skipping cycle: %s", err)
		errs = append(errs, "locking: "+err.Error())
	} else if err != nil {
		fail("locking", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.status = Status{
		Cycles:        s.status.Cycles + 1,
		LastCycleID:   id,
		LastStartedAt: started,
		LastDuration:  time.Since(started).String(),
		LastResult:    res,
		LastAnnounced: announced,
		Errors:        errs,
	}
	return s.status
}

// Status returns the outcome of the last cycle.
func (s *Scheduler) Status() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.status
}

func (s *Scheduler) runSteps(ctx context.Context, log *logging.SimpleLogger, started time.Time, fail func(string, error)) (res reconcile.Result, announced int) {
	if s.Commits != nil {
		if _, err := s.Commits.Run(ctx, s.CommitPages); err != nil {
			fail("ingesting commits", err)
		}
	}
	if s.Issues != nil {
		var since time.Time
		if s.IssueLookback > 0 {
			since = started.Add(-s.IssueLookback)
		}
		if _, err := s.Issues.Run(ctx, s.IssuePages, since); err != nil {
			fail("ingesting issues", err)
		}
	}
	if s.Reconciler != nil {
		var err error
		res, err = s.Reconciler.Run(ctx)
		if err != nil {
			fail("reconciling", err)
		} else {
			log.Info("reconciled: %s", res)
		}
	}
	if s.Announcer != nil {
		ann, err := s.Announcer.Announce(ctx)
		if err != nil {
			fail("announcing", err)
		} else if ann.SendErr != nil {
			// Commits were still marked reported.
			fail("announcing", ann.SendErr)
		}
		announced = len(ann.Entries)
	}
	return res, announced
}
