package postgres

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/pkg/errors"
	"github.com/pullrekun/pullrekun/locking"
)

const (
	tryLockQuery = `INSERT INTO locks(name, owner, acquired_at, expires_at) VALUES ($1,$2,$3,$4)
		ON CONFLICT (name) DO UPDATE SET owner=EXCLUDED.owner, acquired_at=EXCLUDED.acquired_at, expires_at=EXCLUDED.expires_at
		WHERE locks.owner = EXCLUDED.owner OR locks.expires_at <= EXCLUDED.acquired_at
		RETURNING owner`
	selectLockQuery  = `SELECT owner, acquired_at, expires_at FROM locks WHERE name=$1`
	selectLocksQuery = `SELECT name, owner, acquired_at, expires_at FROM locks`
	deleteLockQuery  = `DELETE FROM locks WHERE name=$1 AND owner=$2`
)

// TryLock takes or renews a lease in one upsert. Postgres also implements
// locking.Locker so hosts sharing the ledger share the cycle lease.
func (p *Postgres) TryLock(ctx context.Context, name string, lease locking.Lease) (locking.TryLockResponse, error) {
	var owner string
	err := p.db.QueryRow(ctx, tryLockQuery, name, lease.Owner, lease.AcquiredAt, lease.ExpiresAt).Scan(&owner)
	if err == nil {
		return locking.TryLockResponse{LockAcquired: true, Holder: lease}, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return locking.TryLockResponse{}, errors.Wrap(err, "upsert lock")
	}

	var holder locking.Lease
	if err := p.db.QueryRow(ctx, selectLockQuery, name).Scan(&holder.Owner, &holder.AcquiredAt, &holder.ExpiresAt); err != nil {
		return locking.TryLockResponse{}, errors.Wrap(err, "select lock holder")
	}
	return locking.TryLockResponse{LockAcquired: false, Holder: holder}, nil
}

// Unlock deletes the lease if owner holds it.
func (p *Postgres) Unlock(ctx context.Context, name string, owner string) error {
	_, err := p.db.Exec(ctx, deleteLockQuery, name, owner)
	return errors.Wrap(err, "delete lock")
}

// ListLocks returns every stored lease.
func (p *Postgres) ListLocks(ctx context.Context) (map[string]locking.Lease, error) {
	rows, err := p.db.Query(ctx, selectLocksQuery)
	if err != nil {
		return nil, errors.Wrap(err, "select locks")
	}
	defer rows.Close()

	locks := make(map[string]locking.Lease)
	for rows.Next() {
		var name string
		var l locking.Lease
		if err := rows.Scan(&name, &l.Owner, &l.AcquiredAt, &l.ExpiresAt); err != nil {
			return nil, errors.Wrap(err, "scan lock")
		}
		locks[name] = l
	}
	return locks, errors.Wrap(rows.Err(), "iterate locks")
}
