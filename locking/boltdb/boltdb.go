// Package boltdb keeps leases in a bucket of the ledger's bolt file.
package boltdb

import (
	"context"
	"encoding/json"

	"github.com/boltdb/bolt"
	"github.com/pkg/errors"
	"github.com/pullrekun/pullrekun/locking"
)

const locksBucket = "locks"

// Locker is a locking.Locker backed by BoltDB.
type Locker struct {
	db     *bolt.DB
	bucket []byte
}

// New creates the locks bucket in db if needed.
func New(db *bolt.DB) (*Locker, error) {
	err := db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists([]byte(locksBucket)); err != nil {
			return errors.Wrapf(err, "creating %q bucket", locksBucket)
		}
		return nil
	})
	if err != nil {
		return nil, errors.Wrap(err, "starting BoltDB locker")
	}
	return &Locker{db: db, bucket: []byte(locksBucket)}, nil
}

// TryLock takes or renews the lease. Expiry is judged against the new
// lease's AcquiredAt.
func (b *Locker) TryLock(ctx context.Context, name string, lease locking.Lease) (locking.TryLockResponse, error) {
	var response locking.TryLockResponse
	if err := ctx.Err(); err != nil {
		return response, err
	}
	serialized, err := json.Marshal(lease)
	if err != nil {
		return response, errors.Wrap(err, "serializing lease")
	}
	transactionErr := b.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(b.bucket)

		if current := bucket.Get([]byte(name)); current != nil {
			var holder locking.Lease
			if err := json.Unmarshal(current, &holder); err != nil {
				return errors.Wrapf(err, "failed to deserialize lease %q", name)
			}
			if holder.Owner != lease.Owner && !holder.Expired(lease.AcquiredAt) {
				response = locking.TryLockResponse{LockAcquired: false, Holder: holder}
				return nil
			}
		}
		if err := bucket.Put([]byte(name), serialized); err != nil {
			return err
		}
		response = locking.TryLockResponse{LockAcquired: true, Holder: lease}
		return nil
	})
	if transactionErr != nil {
		return response, errors.Wrap(transactionErr, "DB transaction failed")
	}
	return response, nil
}

// Unlock deletes the lease if owner holds it.
func (b *Locker) Unlock(ctx context.Context, name string, owner string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	err := b.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(b.bucket)
		current := bucket.Get([]byte(name))
		if current == nil {
			return nil
		}
		var holder locking.Lease
		if err := json.Unmarshal(current, &holder); err != nil {
			return errors.Wrapf(err, "failed to deserialize lease %q", name)
		}
		if holder.Owner != owner {
			return nil
		}
		return bucket.Delete([]byte(name))
	})
	return errors.Wrap(err, "DB transaction failed")
}

// ListLocks returns every stored lease, expired or not.
func (b *Locker) ListLocks(ctx context.Context) (map[string]locking.Lease, error) {
	m := make(map[string]locking.Lease)
	if err := ctx.Err(); err != nil {
		return m, err
	}
	err := b.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(b.bucket).ForEach(func(k, v []byte) error {
			var lease locking.Lease
			if err := json.Unmarshal(v, &lease); err != nil {
				return errors.Wrapf(err, "failed to deserialize lease at key %q", string(k))
			}
			m[string(k)] = lease
			return nil
		})
	})
	if err != nil {
		return m, errors.Wrap(err, "DB transaction failed")
	}
	return m, nil
}
