package boltdb_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/boltdb/bolt"
	"github.com/pullrekun/pullrekun/locking"
	"github.com/pullrekun/pullrekun/locking/boltdb"
	"github.com/stretchr/testify/require"
)

var (
	ctx   = context.Background()
	epoch = time.Date(2023, 4, 1, 12, 0, 0, 0, time.UTC)
)

func newLocker(t *testing.T) *boltdb.Locker {
	t.Helper()
	db, err := bolt.Open(filepath.Join(t.TempDir(), "locks.db"), 0600, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	l, err := boltdb.New(db)
	require.NoError(t, err)
	return l
}

func lease(owner string, at time.Time) locking.Lease {
	return locking.Lease{Owner: owner, AcquiredAt: at, ExpiresAt: at.Add(time.Minute)}
}

func TestListNoLocks(t *testing.T) {
	ls, err := newLocker(t).ListLocks(ctx)
	require.NoError(t, err)
	require.Empty(t, ls)
}

func TestTryLock_Acquires(t *testing.T) {
	l := newLocker(t)
	resp, err := l.TryLock(ctx, locking.CycleLock, lease("a", epoch))
	require.NoError(t, err)
	require.True(t, resp.LockAcquired)
	require.Equal(t, "a", resp.Holder.Owner)

	ls, err := l.ListLocks(ctx)
	require.NoError(t, err)
	require.Len(t, ls, 1)
	require.Equal(t, "a", ls[locking.CycleLock].Owner)
}

func TestTryLock_HeldByOther(t *testing.T) {
	l := newLocker(t)
	_, err := l.TryLock(ctx, locking.CycleLock, lease("a", epoch))
	require.NoError(t, err)

	resp, err := l.TryLock(ctx, locking.CycleLock, lease("b", epoch.Add(30*time.Second)))
	require.NoError(t, err)
	require.False(t, resp.LockAcquired)
	require.Equal(t, "a", resp.Holder.Owner)
}

func TestTryLock_SameOwnerRenews(t *testing.T) {
	l := newLocker(t)
	_, err := l.TryLock(ctx, locking.CycleLock, lease("a", epoch))
	require.NoError(t, err)

	resp, err := l.TryLock(ctx, locking.CycleLock, lease("a", epoch.Add(30*time.Second)))
	require.NoError(t, err)
	require.True(t, resp.LockAcquired)
	require.True(t, resp.Holder.ExpiresAt.Equal(epoch.Add(90*time.Second)))
}

func TestTryLock_ExpiredLeaseIsTaken(t *testing.T) {
	l := newLocker(t)
	_, err := l.TryLock(ctx, locking.CycleLock, lease("a", epoch))
	require.NoError(t, err)

	resp, err := l.TryLock(ctx, locking.CycleLock, lease("b", epoch.Add(time.Minute)))
	require.NoError(t, err)
	require.True(t, resp.LockAcquired)
	require.Equal(t, "b", resp.Holder.Owner)
}

func TestUnlock_OnlyByOwner(t *testing.T) {
	l := newLocker(t)
	_, err := l.TryLock(ctx, locking.CycleLock, lease("a", epoch))
	require.NoError(t, err)

	require.NoError(t, l.Unlock(ctx, locking.CycleLock, "b"))
	ls, err := l.ListLocks(ctx)
	require.NoError(t, err)
	require.Len(t, ls, 1)

	require.NoError(t, l.Unlock(ctx, locking.CycleLock, "a"))
	ls, err = l.ListLocks(ctx)
	require.NoError(t, err)
	require.Empty(t, ls)

	require.NoError(t, l.Unlock(ctx, "missing", "a"))
}

func TestWithLock(t *testing.T) {
	l := newLocker(t)
	ran := false
	err := locking.WithLock(ctx, l, locking.CycleLock, "a", time.Minute, func(context.Context) error {
		// Nested attempts by another owner are refused while held.
		err := locking.WithLock(ctx, l, locking.CycleLock, "b", time.Minute, func(context.Context) error {
			t.Fatal("should not run")
			return nil
		})
		require.True(t, locking.IsLocked(err))
		ran = true
		return nil
	})
	require.NoError(t, err)
	require.True(t, ran)

	ls, err := l.ListLocks(ctx)
	require.NoError(t, err)
	require.Empty(t, ls)
}
