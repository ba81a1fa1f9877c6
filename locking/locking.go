// Package locking hands out named leases so that only one process runs a
// reconcile or announce cycle against a shared ledger at a time. A lease
// expires on its own so a crashed holder cannot block others forever.
package locking

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/pkg/errors"
)

// CycleLock is the lease name taken around each scheduled cycle and each
// one-off reconcile or announce command.
const CycleLock = "cycle"

// Lease records who holds a lock and until when.
type Lease struct {
	Owner      string
	AcquiredAt time.Time
	ExpiresAt  time.Time
}

// Expired returns true if the lease is no longer valid at now.
func (l Lease) Expired(now time.Time) bool {
	return !now.Before(l.ExpiresAt)
}

// TryLockResponse is returned by TryLock. Holder is the lease now in
// force, which is the caller's own lease when LockAcquired is true.
type TryLockResponse struct {
	LockAcquired bool
	Holder       Lease
}

// Locker is implemented by each backend. TryLock succeeds when there is no
// lease, when the current lease has expired or when it is already held by
// the same owner, in which case it is renewed. Unlock only removes a lease
// held by owner.
type Locker interface {
	TryLock(ctx context.Context, name string, lease Lease) (TryLockResponse, error)
	Unlock(ctx context.Context, name string, owner string) error
	ListLocks(ctx context.Context) (map[string]Lease, error)
}

// LockedError is returned by WithLock when someone else holds the lease.
type LockedError struct {
	Name   string
	Holder Lease
}

func (e *LockedError) Error() string {
	return fmt.Sprintf("lock %q is held by %s until %s", e.Name, e.Holder.Owner, e.Holder.ExpiresAt.Format(time.RFC3339))
}

// IsLocked returns true if err is a LockedError.
func IsLocked(err error) bool {
	var locked *LockedError
	return errors.As(err, &locked)
}

// DefaultOwner identifies this process as hostname:pid.
func DefaultOwner() string {
	host, err := os.Hostname()
	if err != nil {
		host = "unknown"
	}
	return fmt.Sprintf("%s:%d", host, os.Getpid())
}

// WithLock runs fn while holding the named lease. A nil locker runs fn
// unguarded. The lease is released when fn returns, whatever its result.
func WithLock(ctx context.Context, l Locker, name string, owner string, ttl time.Duration, fn func(ctx context.Context) error) error {
	if l == nil {
		return fn(ctx)
	}
	now := time.Now()
	resp, err := l.TryLock(ctx, name, Lease{Owner: owner, AcquiredAt: now, ExpiresAt: now.Add(ttl)})
	if err != nil {
		return errors.Wrapf(err, "acquiring lock %q", name)
	}
	if !resp.LockAcquired {
		return &LockedError{Name: name, Holder: resp.Holder}
	}
	err = fn(ctx)

	// Released on a fresh context so a cancelled cycle still unlocks.
	unlockCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if unlockErr := l.Unlock(unlockCtx, name, owner); unlockErr != nil && err == nil {
		err = errors.Wrapf(unlockErr, "releasing lock %q", name)
	}
	return err
}
